/*
dto.go - Data Transfer Objects for API requests and responses

PURPOSE:
  Defines the JSON structures for API communication. These types decouple
  the roster domain model from the external API contract.

NAMING CONVENTION:
  - *DTO: Response types returned to clients
  - *Request: Request body types from clients
  - *Response: Complex response wrappers

DATES:
  Birth dates are "YYYY-MM-DD", timestamps RFC 3339. Periods are split into
  month and year fields to match the upload form.

SEE ALSO:
  - handlers.go: Uses these types
*/
package api

import (
	"time"

	"github.com/warp/roster/roster"
)

const dateLayout = "2006-01-02"

// =============================================================================
// SNAPSHOTS
// =============================================================================

// SnapshotDTO represents one stored employee row.
type SnapshotDTO struct {
	ID             int64  `json:"id"`
	Identifier     string `json:"identifier"`
	Name           string `json:"name"`
	NationalID     string `json:"national_id"`
	TaxID          string `json:"tax_id"`
	BirthDate      string `json:"birth_date,omitempty"`
	BankCode       string `json:"bank_code"`
	BankName       string `json:"bank_name"`
	AccountNumber  string `json:"account_number"`
	Status         string `json:"status"`
	ManualOverride bool   `json:"manual_override"`
	Origin         string `json:"origin"`
	Month          int    `json:"month"`
	Year           int    `json:"year"`
	Unit           string `json:"unit"`
	CreatedAt      string `json:"created_at,omitempty"`
	UpdatedAt      string `json:"updated_at,omitempty"`
}

func toSnapshotDTO(s roster.Snapshot) SnapshotDTO {
	dto := SnapshotDTO{
		ID:             s.ID,
		Identifier:     s.Identifier,
		Name:           s.Name,
		NationalID:     s.NationalID,
		TaxID:          s.TaxID,
		BankCode:       s.BankCode,
		BankName:       s.BankName,
		AccountNumber:  s.AccountNumber,
		Status:         string(s.Status),
		ManualOverride: s.ManualOverride,
		Origin:         string(s.Origin),
		Month:          s.Period.Month,
		Year:           s.Period.Year,
		Unit:           string(s.Unit),
	}
	if !s.BirthDate.IsZero() {
		dto.BirthDate = s.BirthDate.Format(dateLayout)
	}
	if !s.CreatedAt.IsZero() {
		dto.CreatedAt = s.CreatedAt.Format(time.RFC3339)
	}
	if !s.UpdatedAt.IsZero() {
		dto.UpdatedAt = s.UpdatedAt.Format(time.RFC3339)
	}
	return dto
}

func toSnapshotDTOs(rows []roster.Snapshot) []SnapshotDTO {
	out := make([]SnapshotDTO, len(rows))
	for i, r := range rows {
		out[i] = toSnapshotDTO(r)
	}
	return out
}

// =============================================================================
// UPLOAD
// =============================================================================

// UploadResponse is returned after a file replaced a period's rows.
type UploadResponse struct {
	Status           string `json:"status"`
	Message          string `json:"message"`
	RecordsProcessed int    `json:"records_processed"`
	Month            int    `json:"month"`
	Year             int    `json:"year"`
	Unit             string `json:"unit"`
}

// =============================================================================
// COMPARE
// =============================================================================

// CompareRequest asks for the comparison of one period and unit.
type CompareRequest struct {
	Month int    `json:"month"`
	Year  int    `json:"year"`
	Unit  string `json:"unit"`
}

// PeriodDTO is a (month, year) pair.
type PeriodDTO struct {
	Month int `json:"month"`
	Year  int `json:"year"`
}

func toPeriodDTO(p *roster.Period) *PeriodDTO {
	if p == nil {
		return nil
	}
	return &PeriodDTO{Month: p.Month, Year: p.Year}
}

// SummaryDTO carries the per-class counts and rates.
type SummaryDTO struct {
	TotalCurrent       int    `json:"total_current"`
	TotalPrevious      int    `json:"total_previous"`
	NewCount           int    `json:"new_count"`
	DepartedCount      int    `json:"departed_count"`
	AccountChangeCount int    `json:"account_change_count"`
	UnchangedCount     int    `json:"unchanged_count"`
	JoinRate           string `json:"join_rate"`
	DepartureRate      string `json:"departure_rate"`
}

func toSummaryDTO(s roster.Summary) SummaryDTO {
	return SummaryDTO{
		TotalCurrent:       s.TotalCurrent,
		TotalPrevious:      s.TotalPrevious,
		NewCount:           s.NewCount,
		DepartedCount:      s.DepartedCount,
		AccountChangeCount: s.AccountChangeCount,
		UnchangedCount:     s.UnchangedCount,
		JoinRate:           s.JoinRate.StringFixed(2),
		DepartureRate:      s.DepartureRate.StringFixed(2),
	}
}

// AccountChangeDTO is a row whose account number differs from the
// comparison period.
type AccountChangeDTO struct {
	SnapshotDTO
	OldAccountNumber string `json:"old_account_number"`
}

// StatsDTO reports what the write-back changed.
type StatsDTO struct {
	Updated int64 `json:"updated"`
	Created int   `json:"created"`
	Pruned  int64 `json:"pruned"`
}

// CompareResponse is the result of a comparison run.
type CompareResponse struct {
	RunID          string             `json:"run_id"`
	Period         PeriodDTO          `json:"period"`
	Unit           string             `json:"unit"`
	ComparedWith   *PeriodDTO         `json:"compared_with"`
	Summary        SummaryDTO         `json:"summary"`
	New            []SnapshotDTO      `json:"new_employees"`
	Departed       []SnapshotDTO      `json:"departed_employees"`
	AccountChanges []AccountChangeDTO `json:"account_changes"`
	Unchanged      []SnapshotDTO      `json:"unchanged_employees"`
	Records        []SnapshotDTO      `json:"all_records"`
	Stats          StatsDTO           `json:"stats"`
}

func toCompareResponse(r *roster.CompareResult) CompareResponse {
	changes := make([]AccountChangeDTO, len(r.AccountChanged))
	for i, c := range r.AccountChanged {
		changes[i] = AccountChangeDTO{SnapshotDTO: toSnapshotDTO(c.Snapshot), OldAccountNumber: c.OldAccountNumber}
	}
	return CompareResponse{
		RunID:          r.RunID,
		Period:         PeriodDTO{Month: r.Scope.Period.Month, Year: r.Scope.Period.Year},
		Unit:           string(r.Scope.Unit),
		ComparedWith:   toPeriodDTO(r.ComparedWith),
		Summary:        toSummaryDTO(r.Summary),
		New:            toSnapshotDTOs(r.New),
		Departed:       toSnapshotDTOs(r.Departed),
		AccountChanges: changes,
		Unchanged:      toSnapshotDTOs(r.Unchanged),
		Records:        toSnapshotDTOs(r.Records),
		Stats:          StatsDTO{Updated: r.Stats.Updated, Created: r.Stats.Created, Pruned: r.Stats.Pruned},
	}
}

// RunDTO is one entry of the comparison run log.
type RunDTO struct {
	ID           string     `json:"id"`
	Period       PeriodDTO  `json:"period"`
	Unit         string     `json:"unit"`
	ComparedWith *PeriodDTO `json:"compared_with"`
	Summary      SummaryDTO `json:"summary"`
	Stats        StatsDTO   `json:"stats"`
	CreatedAt    string     `json:"created_at"`
}

func toRunDTO(r roster.Run) RunDTO {
	return RunDTO{
		ID:           r.ID,
		Period:       PeriodDTO{Month: r.Scope.Period.Month, Year: r.Scope.Period.Year},
		Unit:         string(r.Scope.Unit),
		ComparedWith: toPeriodDTO(r.ComparedWith),
		Summary:      toSummaryDTO(r.Summary),
		Stats:        StatsDTO{Updated: r.Updated, Created: r.Created, Pruned: r.Pruned},
		CreatedAt:    r.CreatedAt.Format(time.RFC3339),
	}
}

// =============================================================================
// STATUS
// =============================================================================

// UpdateStatusRequest sets the status of a stored row by id.
type UpdateStatusRequest struct {
	ID     int64  `json:"id"`
	Status string `json:"status"`
}

// DepartedStatusRequest sets the status of an employee in a period, cloning
// the row from the comparison period when needed.
type DepartedStatusRequest struct {
	Identifier string `json:"identifier"`
	Month      int    `json:"month"`
	Year       int    `json:"year"`
	Unit       string `json:"unit"`
	Status     string `json:"status"`
}

// =============================================================================
// MISC
// =============================================================================

// UnitsResponse lists the organizational units and statuses.
type UnitsResponse struct {
	Units    []string `json:"units"`
	Statuses []string `json:"statuses"`
}

// HealthResponse is returned by the health check.
type HealthResponse struct {
	Status string `json:"status"`
}

// ErrorResponse is the standard error response.
type ErrorResponse struct {
	Error     string `json:"error"`
	Code      string `json:"code,omitempty"`
	Retryable bool   `json:"retryable,omitempty"`
	Details   any    `json:"details,omitempty"`
}
