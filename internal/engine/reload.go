package engine

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"ttslo/internal/core"
	"ttslo/internal/store"
	"ttslo/internal/validate"
)

// reload re-reads the config file, validates it and disables rows that
// fail. Read failures keep the previous parsed view, so one bad save
// in an editor never stops evaluation of the last good rules.
func (e *Engine) reload(ctx context.Context, logger core.ILogger) {
	rows, err := e.deps.Configs.Load(ctx)
	if err != nil {
		logger.Error("Config reload failed, keeping previous rules", "error", err.Error())
		e.audit("ERROR", "", "Config reload failed", err.Error())
		return
	}

	changed := e.loadedraw && !rowsEqual(rows, e.prevRows)
	rules, report := validate.Static(rows)

	if changed {
		enabled := 0
		for _, r := range rules {
			if r.IsEnabled() {
				enabled++
			}
		}
		logger.Info("Config change detected",
			"rows", len(rows), "valid", len(rules), "enabled", enabled)
		e.audit("INFO", "", "Config file changed",
			fmt.Sprintf("rows=%d valid=%d enabled=%d", len(rows), len(rules), enabled))
		e.notify(ctx, core.EventConfigChanged, "Config reloaded: %d rule(s), %d valid, %d enabled",
			len(rows), len(rules), enabled)
	}

	// Install the new view before auto-disable so noteEnabledWrite
	// patches the rows the next comparison will run against.
	e.prevRows = rows
	e.loadedraw = true
	e.rules = rules
	e.rulesByID = make(map[string]core.Rule, len(rules))
	for _, r := range rules {
		e.rulesByID[r.ID] = r
	}

	e.reportValidation(ctx, logger, report)
	e.autoDisable(ctx, logger, rows, report)
}

// reportValidation logs, audits and notifies validation errors, but
// only when the set of failing rules changed since the previous tick.
// A row that stays broken is reported once, not every minute.
func (e *Engine) reportValidation(ctx context.Context, logger core.ILogger, report *validate.Report) {
	current := make(map[string]bool)
	for _, id := range report.ConfigsWithErrors() {
		current[id] = true
	}
	same := len(current) == len(e.lastErrorIDs)
	if same {
		for id := range current {
			if !e.lastErrorIDs[id] {
				same = false
				break
			}
		}
	}
	if same {
		return
	}
	prevBroken := len(e.lastErrorIDs) > 0
	e.lastErrorIDs = current

	if len(current) == 0 {
		if prevBroken {
			logger.Info("Config validation clean again")
		}
		return
	}

	var lines []string
	for _, f := range report.Errors() {
		logger.Warn("Validation error",
			"config_id", f.RuleID, "field", f.Field, "message", f.Message)
		e.audit("WARN", f.RuleID, "Validation error", f.String())
		lines = append(lines, f.String())
	}
	e.notify(ctx, core.EventValidationError, "Config validation failed:\n%s",
		strings.Join(lines, "\n"))
}

// autoDisable rewrites enabled=false for rows that failed validation.
// The write is retried every tick while the editor holds the lock,
// since validation keeps failing until the row is fixed or disabled.
func (e *Engine) autoDisable(ctx context.Context, logger core.ILogger, rows []core.RuleRow, report *validate.Report) {
	enabled := make(map[string]string)
	for _, row := range rows {
		if _, ok := enabled[row.ID]; !ok {
			enabled[row.ID] = row.Enabled
		}
	}
	for _, id := range report.ConfigsWithErrors() {
		if id == "" || enabled[id] == string(core.EnabledFalse) {
			continue
		}
		err := e.deps.Configs.SetEnabled(ctx, id, core.EnabledFalse)
		switch {
		case errors.Is(err, store.ErrPaused):
			logger.Info("Auto-disable deferred during editor coordination", "config_id", id)
		case err != nil:
			logger.Error("Auto-disable failed", "config_id", id, "error", err.Error())
		default:
			logger.Warn("Rule auto-disabled after failed validation", "config_id", id)
			e.audit("WARN", id, "Rule auto-disabled", "static validation failed")
			e.noteEnabledWrite(id, core.EnabledFalse)
		}
	}
}

// noteEnabledWrite patches the remembered raw rows after one of our own
// enabled-column writes, so the next reload does not report the write
// back as an external config change.
func (e *Engine) noteEnabledWrite(id string, value core.EnabledState) {
	if e.opts.DryRun {
		return
	}
	for i := range e.prevRows {
		if e.prevRows[i].ID == id {
			e.prevRows[i].Enabled = string(value)
		}
	}
}

func rowsEqual(a, b []core.RuleRow) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}
