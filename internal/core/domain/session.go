package domain

import "time"

// SessionStatus is the lifecycle state of an export session.
type SessionStatus string

const (
	SessionIdle       SessionStatus = "idle"
	SessionCreating   SessionStatus = "creating"
	SessionScraping   SessionStatus = "scraping"
	SessionCompleting SessionStatus = "completing"
	SessionCompleted  SessionStatus = "completed"
	SessionError      SessionStatus = "error"
)

// Terminal reports whether the status is a terminal state.
func (s SessionStatus) Terminal() bool {
	return s == SessionCompleted || s == SessionError
}

// ExportSession is the at-most-one-active workflow coordinating
// scrape-and-export across contexts.
type ExportSession struct {
	ExportID             string           `json:"export_id"`
	TabID                int              `json:"tab_id"`
	Status               SessionStatus    `json:"status"`
	TotalBusinesses      int              `json:"total_businesses"`
	SuccessfulBusinesses int              `json:"successful_businesses"`
	PartialFailures      []PartialFailure `json:"partial_failures,omitempty"`
	Reason               string           `json:"reason,omitempty"`
	StartedAt            time.Time        `json:"started_at"`
	FinishedAt           time.Time        `json:"finished_at,omitempty"`
}

// Partial reports whether the session completed with some records missing.
func (s *ExportSession) Partial() bool {
	return s.SuccessfulBusinesses < s.TotalBusinesses && len(s.PartialFailures) > 0
}

// PartialFailure records a single business that could not be exported.
type PartialFailure struct {
	BusinessName string `json:"business_name"`
	Error        string `json:"error"`
}

// BusinessRecord is one scraped business, produced by the content context.
type BusinessRecord struct {
	Name     string `json:"name"`
	Address  string `json:"address"`
	Phone    string `json:"phone"`
	Website  string `json:"website"`
	Category string `json:"category"`
	Rating   string `json:"rating"`
}

// ExportProgress is a progress update emitted while scraping.
type ExportProgress struct {
	ExportID  string `json:"export_id"`
	Scraped   int    `json:"scraped"`
	Total     int    `json:"total"`
	Remaining int    `json:"remaining"`
}

// ExportResult is the completion payload from the content context.
type ExportResult struct {
	ExportID             string           `json:"export_id"`
	TotalBusinesses      int              `json:"total_businesses"`
	SuccessfulBusinesses int              `json:"successful_businesses"`
	PartialFailures      []PartialFailure `json:"partial_failures,omitempty"`
	FileName             string           `json:"file_name,omitempty"`
}
