package ingest

import (
	"errors"
	"fmt"
	"strings"
)

var (
	// ErrUnsupportedFormat is returned for files that are neither .xlsx nor .csv.
	ErrUnsupportedFormat = errors.New("unsupported file format")

	// ErrInvalidUpload is the sentinel wrapped by ValidationError.
	ErrInvalidUpload = errors.New("invalid upload")
)

// RowError lists the problems found in one spreadsheet row. Row is the
// 1-based sheet row number, the header being row 1.
type RowError struct {
	Row      int      `json:"row"`
	Messages []string `json:"messages"`
}

// Duplicate reports an identifier that appears on more than one row.
type Duplicate struct {
	Identifier string `json:"identifier"`
	Rows       []int  `json:"rows"`
}

// ValidationError collects everything wrong with an upload so the user can
// fix the file in one pass.
type ValidationError struct {
	MissingColumns []string    `json:"missing_columns,omitempty"`
	Duplicates     []Duplicate `json:"duplicates,omitempty"`
	Rows           []RowError  `json:"rows,omitempty"`
}

func (e *ValidationError) Error() string {
	var parts []string
	if len(e.MissingColumns) > 0 {
		parts = append(parts, "missing required columns: "+strings.Join(e.MissingColumns, ", "))
	}
	for _, d := range e.Duplicates {
		parts = append(parts, fmt.Sprintf("identifier %s appears at rows %v", d.Identifier, d.Rows))
	}
	for _, r := range e.Rows {
		parts = append(parts, fmt.Sprintf("row %d: %s", r.Row, strings.Join(r.Messages, "; ")))
	}
	return ErrInvalidUpload.Error() + ": " + strings.Join(parts, " | ")
}

func (e *ValidationError) Unwrap() error { return ErrInvalidUpload }

func (e *ValidationError) empty() bool {
	return len(e.MissingColumns) == 0 && len(e.Duplicates) == 0 && len(e.Rows) == 0
}
