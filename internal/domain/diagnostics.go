package domain

import "time"

// DiagnosticStatus indicates whether a single startup check passed.
type DiagnosticStatus string

const (
	DiagnosticStatusPass DiagnosticStatus = "pass"
	DiagnosticStatusFail DiagnosticStatus = "fail"
)

// DiagnosticItem is one startup check result. Fixable items can be
// repaired through InstallOrFixDiagnostic.
type DiagnosticItem struct {
	ID      string           `json:"id"`
	Name    string           `json:"name"`
	Status  DiagnosticStatus `json:"status"`
	Message string           `json:"message"`
	Hint    string           `json:"hint,omitempty"`
	Fixable bool             `json:"fixable"`
}

// DiagnosticReport aggregates startup checks for the settings page.
type DiagnosticReport struct {
	GeneratedAt time.Time        `json:"generatedAt"`
	HasFailures bool             `json:"hasFailures"`
	Items       []DiagnosticItem `json:"items"`
}

// Failed returns the items that did not pass.
func (r DiagnosticReport) Failed() []DiagnosticItem {
	var out []DiagnosticItem
	for _, item := range r.Items {
		if item.Status == DiagnosticStatusFail {
			out = append(out, item)
		}
	}
	return out
}
