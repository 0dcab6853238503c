/*
ingest.go - Spreadsheet upload parsing

PURPOSE:
  Turns an uploaded .xlsx or .csv file into validated roster.Candidate rows
  ready for Service.ReplacePeriod. Parsing is all-or-nothing: a file with
  any bad row is rejected with a ValidationError listing every problem.

COLUMNS:
  The header row must name eight columns. The original Indonesian headers
  and their English equivalents are both accepted, case-insensitively and
  ignoring spaces and underscores:

    NIP             Identifier
    Nama            Name
    NIK             National ID
    NPWP            Tax ID
    Tanggal Lahir   Birth Date
    Kode Bank       Bank Code
    Nama Bank       Bank Name
    Nomor Rekening  Account Number

  Extra columns are ignored. Blank rows are skipped.

SEE ALSO:
  - validate.go: per-row rules
*/
package ingest

import (
	"bytes"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"path/filepath"
	"strings"
	"unicode"

	"github.com/warp/roster/roster"
	"github.com/xuri/excelize/v2"
)

// Format is an accepted upload file type.
type Format string

const (
	FormatXLSX Format = "xlsx"
	FormatCSV  Format = "csv"
)

// FormatFromFilename picks the format from the file extension.
func FormatFromFilename(name string) (Format, error) {
	switch strings.ToLower(filepath.Ext(name)) {
	case ".xlsx":
		return FormatXLSX, nil
	case ".csv":
		return FormatCSV, nil
	default:
		return "", fmt.Errorf("%w: %q, only .xlsx and .csv are accepted", ErrUnsupportedFormat, name)
	}
}

// =============================================================================
// COLUMNS
// =============================================================================

type column int

const (
	colIdentifier column = iota
	colName
	colNationalID
	colTaxID
	colBirthDate
	colBankCode
	colBankName
	colAccountNumber
	columnCount
)

// columnLabels are the canonical header names, in template order.
var columnLabels = [columnCount]string{
	"NIP", "Nama", "NIK", "NPWP", "Tanggal Lahir", "Kode Bank", "Nama Bank", "Nomor Rekening",
}

var headerAliases = map[string]column{
	"nip":           colIdentifier,
	"identifier":    colIdentifier,
	"nama":          colName,
	"name":          colName,
	"nik":           colNationalID,
	"nationalid":    colNationalID,
	"npwp":          colTaxID,
	"taxid":         colTaxID,
	"tanggallahir":  colBirthDate,
	"birthdate":     colBirthDate,
	"kodebank":      colBankCode,
	"bankcode":      colBankCode,
	"namabank":      colBankName,
	"bankname":      colBankName,
	"nomorrekening": colAccountNumber,
	"accountnumber": colAccountNumber,
}

// Columns returns the canonical header row.
func Columns() []string {
	return append([]string(nil), columnLabels[:]...)
}

func normalizeHeader(h string) string {
	var b strings.Builder
	for _, r := range strings.ToLower(strings.TrimSpace(h)) {
		if unicode.IsLetter(r) || unicode.IsDigit(r) {
			b.WriteRune(r)
		}
	}
	return b.String()
}

// mapHeader returns the sheet column index of every known column. The first
// occurrence of a repeated header wins.
func mapHeader(header []string) ([columnCount]int, []string) {
	var idx [columnCount]int
	for i := range idx {
		idx[i] = -1
	}
	for i, h := range header {
		c, ok := headerAliases[normalizeHeader(h)]
		if ok && idx[c] < 0 {
			idx[c] = i
		}
	}

	var missing []string
	for c, i := range idx {
		if i < 0 {
			missing = append(missing, columnLabels[c])
		}
	}
	return idx, missing
}

// =============================================================================
// PARSING
// =============================================================================

// Parse reads the whole upload and returns its rows in file order.
func Parse(r io.Reader, format Format) ([]roster.Candidate, error) {
	var (
		table [][]string
		err   error
	)
	switch format {
	case FormatXLSX:
		table, err = readXLSX(r)
	case FormatCSV:
		table, err = readCSV(r)
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnsupportedFormat, format)
	}
	if err != nil {
		return nil, err
	}
	return FromRows(table)
}

// FromRows validates a table whose first non-blank row is the header.
func FromRows(table [][]string) ([]roster.Candidate, error) {
	headerAt := -1
	for i, row := range table {
		if !blank(row) {
			headerAt = i
			break
		}
	}
	if headerAt < 0 {
		return nil, roster.ErrEmptyUpload
	}

	idx, missing := mapHeader(table[headerAt])
	if len(missing) > 0 {
		return nil, &ValidationError{MissingColumns: missing}
	}

	var (
		verr       ValidationError
		candidates []roster.Candidate
		seen       = make(map[string][]int)
		order      []string
	)
	for i := headerAt + 1; i < len(table); i++ {
		if blank(table[i]) {
			continue
		}
		rowNum := i + 1

		rec := recordFrom(table[i], idx)
		if rec.Identifier != "" {
			if _, ok := seen[rec.Identifier]; !ok {
				order = append(order, rec.Identifier)
			}
			seen[rec.Identifier] = append(seen[rec.Identifier], rowNum)
		}

		c, msgs := rec.candidate()
		if len(msgs) > 0 {
			verr.Rows = append(verr.Rows, RowError{Row: rowNum, Messages: msgs})
			continue
		}
		candidates = append(candidates, c)
	}

	for _, id := range order {
		if rows := seen[id]; len(rows) > 1 {
			verr.Duplicates = append(verr.Duplicates, Duplicate{Identifier: id, Rows: rows})
		}
	}

	if !verr.empty() {
		return nil, &verr
	}
	if len(candidates) == 0 {
		return nil, roster.ErrEmptyUpload
	}
	return candidates, nil
}

func recordFrom(row []string, idx [columnCount]int) record {
	cell := func(c column) string {
		i := idx[c]
		if i >= len(row) {
			return ""
		}
		return strings.TrimSpace(row[i])
	}
	return record{
		Identifier:    cell(colIdentifier),
		Name:          cell(colName),
		NationalID:    cell(colNationalID),
		TaxID:         cell(colTaxID),
		BirthDate:     cell(colBirthDate),
		BankCode:      cell(colBankCode),
		BankName:      cell(colBankName),
		AccountNumber: cell(colAccountNumber),
	}
}

func blank(row []string) bool {
	for _, v := range row {
		if strings.TrimSpace(v) != "" {
			return false
		}
	}
	return true
}

// readXLSX returns the first sheet. Raw cell values keep account numbers
// out of number formatting; dates then arrive as Excel serials.
func readXLSX(r io.Reader) ([][]string, error) {
	f, err := excelize.OpenReader(r)
	if err != nil {
		return nil, fmt.Errorf("%w: open xlsx: %v", ErrUnsupportedFormat, err)
	}
	defer f.Close()

	sheets := f.GetSheetList()
	if len(sheets) == 0 {
		return nil, roster.ErrEmptyUpload
	}
	rows, err := f.GetRows(sheets[0], excelize.Options{RawCellValue: true})
	if err != nil {
		return nil, fmt.Errorf("read sheet %q: %w", sheets[0], err)
	}
	return rows, nil
}

var utf8BOM = []byte{0xEF, 0xBB, 0xBF}

func readCSV(r io.Reader) ([][]string, error) {
	b, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("read csv: %w", err)
	}
	b = bytes.TrimPrefix(b, utf8BOM)

	cr := csv.NewReader(bytes.NewReader(b))
	cr.FieldsPerRecord = -1
	cr.TrimLeadingSpace = true

	rows, err := cr.ReadAll()
	if err != nil {
		var perr *csv.ParseError
		if errors.As(err, &perr) {
			return nil, &ValidationError{Rows: []RowError{{Row: perr.Line, Messages: []string{perr.Err.Error()}}}}
		}
		return nil, fmt.Errorf("read csv: %w", err)
	}
	return rows, nil
}
