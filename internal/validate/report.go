// Package validate checks rule rows before the engine acts on them.
// The validator is pure: it reads, parses and reports, and leaves every
// write (auto-disable included) to its caller.
package validate

import (
	"fmt"
	"sort"

	"ttslo/internal/core"
)

// Severity ranks a finding.
type Severity string

const (
	SeverityError   Severity = "error"
	SeverityWarning Severity = "warning"
)

// Finding is one validation result for one rule row.
type Finding struct {
	RuleID   string
	Line     int
	Field    string
	Severity Severity
	Message  string
}

func (f Finding) String() string {
	where := f.RuleID
	if where == "" {
		where = fmt.Sprintf("line %d", f.Line)
	}
	if f.Field != "" {
		return fmt.Sprintf("%s [%s] %s: %s", f.Severity, where, f.Field, f.Message)
	}
	return fmt.Sprintf("%s [%s]: %s", f.Severity, where, f.Message)
}

// Report collects findings across all rows of one validation pass.
type Report struct {
	Findings []Finding
}

func (r *Report) add(f Finding) {
	r.Findings = append(r.Findings, f)
}

func (r *Report) errorRow(row core.RuleRow, field, format string, args ...interface{}) {
	r.add(Finding{
		RuleID:   row.ID,
		Line:     row.Line,
		Field:    field,
		Severity: SeverityError,
		Message:  fmt.Sprintf(format, args...),
	})
}

func (r *Report) errorRule(rule core.Rule, field, format string, args ...interface{}) {
	r.add(Finding{
		RuleID:   rule.ID,
		Field:    field,
		Severity: SeverityError,
		Message:  fmt.Sprintf(format, args...),
	})
}

func (r *Report) warnRule(rule core.Rule, field, format string, args ...interface{}) {
	r.add(Finding{
		RuleID:   rule.ID,
		Field:    field,
		Severity: SeverityWarning,
		Message:  fmt.Sprintf(format, args...),
	})
}

// Errors returns the error-severity findings.
func (r *Report) Errors() []Finding {
	return r.bySeverity(SeverityError)
}

// Warnings returns the warning-severity findings.
func (r *Report) Warnings() []Finding {
	return r.bySeverity(SeverityWarning)
}

func (r *Report) bySeverity(s Severity) []Finding {
	var out []Finding
	for _, f := range r.Findings {
		if f.Severity == s {
			out = append(out, f)
		}
	}
	return out
}

// HasErrors reports whether any finding is an error.
func (r *Report) HasErrors() bool {
	for _, f := range r.Findings {
		if f.Severity == SeverityError {
			return true
		}
	}
	return false
}

// ConfigsWithErrors returns the ids of rules with at least one error,
// sorted and deduplicated. The caller disables these rows.
func (r *Report) ConfigsWithErrors() []string {
	seen := make(map[string]bool)
	var ids []string
	for _, f := range r.Findings {
		if f.Severity != SeverityError || f.RuleID == "" || seen[f.RuleID] {
			continue
		}
		seen[f.RuleID] = true
		ids = append(ids, f.RuleID)
	}
	sort.Strings(ids)
	return ids
}

// Merge appends another report's findings.
func (r *Report) Merge(other *Report) {
	if other != nil {
		r.Findings = append(r.Findings, other.Findings...)
	}
}

func (r *Report) errorIDSet() map[string]bool {
	set := make(map[string]bool)
	for _, f := range r.Findings {
		if f.Severity == SeverityError && f.RuleID != "" {
			set[f.RuleID] = true
		}
	}
	return set
}
