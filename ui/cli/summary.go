// Copyright (c) 2026 Hostmove Team
// Hostmove - server state migration engine
// This source code is licensed under the MIT license found in the LICENSE file.

package cli

import (
	"fmt"
	"io"
	"os"

	"github.com/charmbracelet/lipgloss"
	"github.com/toeirei/hostmove/internal/core"
	"github.com/toeirei/hostmove/internal/i18n"
	"golang.org/x/term"
)

const (
	colorSubtle  = lipgloss.Color("240")
	colorWarning = lipgloss.Color("208")
	colorError   = lipgloss.Color("196")
	colorSuccess = lipgloss.Color("40")
)

var (
	successStyle = lipgloss.NewStyle().Foreground(colorSuccess).Bold(true)
	partialStyle = lipgloss.NewStyle().Foreground(colorWarning).Bold(true)
	fatalStyle   = lipgloss.NewStyle().Foreground(colorError).Bold(true)
	detailStyle  = lipgloss.NewStyle().Foreground(colorSubtle)
	failedStyle  = lipgloss.NewStyle().Foreground(colorError)
	warnStyle    = lipgloss.NewStyle().Foreground(colorWarning)
)

// isTerminal reports whether w is an interactive terminal. Only then is the
// summary styled.
var isTerminal = func(w io.Writer) bool {
	f, ok := w.(*os.File)
	return ok && term.IsTerminal(int(f.Fd()))
}

func printSummary(w io.Writer, sum core.Summary) {
	fmt.Fprint(w, renderSummary(sum, isTerminal(w)))
}

// renderSummary formats the final report: the outcome line, the package
// details, warnings and every failed unit.
func renderSummary(sum core.Summary, styled bool) string {
	style := func(s lipgloss.Style, text string) string {
		if !styled {
			return text
		}
		return s.Render(text)
	}

	op := string(sum.Operation)
	var out string
	switch sum.Status {
	case core.StatusSuccess:
		out = style(successStyle, i18n.T("summary.success", op))
	case core.StatusPartial:
		out = style(partialStyle, i18n.T("summary.partial", op))
	default:
		out = style(fatalStyle, i18n.T("summary.fatal", op, sum.Err))
	}
	out += "\n"

	line := func(text string) { out += style(detailStyle, text) + "\n" }
	if sum.Label != "" {
		line(i18n.T("summary.label", sum.Label))
	}
	if sum.Package != "" {
		line(i18n.T("summary.package", sum.Package))
	}
	if sum.BaseDir != "" {
		line(i18n.T("summary.base_dir", sum.BaseDir))
	}
	failed := sum.Failed()
	if len(sum.Units) > 0 {
		line(i18n.T("summary.units", len(sum.Units)-len(failed), len(failed)))
	}
	for _, warn := range sum.Warnings {
		out += style(warnStyle, i18n.T("summary.warning", warn)) + "\n"
	}
	if len(failed) > 0 {
		out += i18n.T("summary.failed_units") + "\n"
		for _, u := range failed {
			out += style(failedStyle, fmt.Sprintf("  %s %s: %s", u.Kind, u.Unit, u.Reason)) + "\n"
		}
	}
	if sum.RunID != "" {
		line(i18n.T("summary.run_id", sum.RunID))
	}
	return out
}
