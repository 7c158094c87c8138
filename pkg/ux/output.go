// Copyright (C) 2025 The Asahi Health Manager Authors
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package ux renders the healer's terminal output.
//
// Styling is cosmetic only: every piece of information in the styled
// output is also available via --json for machine consumption, so
// nothing here needs to be parsed.
package ux

import (
	"fmt"
	"os"

	"github.com/charmbracelet/lipgloss"
)

var (
	ColorSuccess = lipgloss.Color("#2CD7C7") // teal - healthy, succeeded
	ColorWarning = lipgloss.Color("#F4D03F") // amber - needs attention
	ColorError   = lipgloss.Color("#E74C3C") // red - failed, critical
	ColorAccent  = lipgloss.Color("#20B9B4") // primary accent
	ColorMuted   = lipgloss.Color("#2C4A54") // slate - secondary text
)

// Styles provides the pre-configured lipgloss styles.
var Styles = struct {
	Title     lipgloss.Style
	Bold      lipgloss.Style
	Muted     lipgloss.Style
	Success   lipgloss.Style
	Warning   lipgloss.Style
	Error     lipgloss.Style
	Highlight lipgloss.Style

	SummaryBox lipgloss.Style
	ErrorBox   lipgloss.Style
}{
	Title:     lipgloss.NewStyle().Bold(true).Foreground(ColorSuccess),
	Bold:      lipgloss.NewStyle().Bold(true),
	Muted:     lipgloss.NewStyle().Foreground(ColorMuted),
	Success:   lipgloss.NewStyle().Foreground(ColorSuccess),
	Warning:   lipgloss.NewStyle().Foreground(ColorWarning),
	Error:     lipgloss.NewStyle().Foreground(ColorError),
	Highlight: lipgloss.NewStyle().Foreground(ColorAccent).Bold(true),

	SummaryBox: lipgloss.NewStyle().
		Border(lipgloss.RoundedBorder()).
		BorderForeground(ColorAccent).
		Padding(0, 1),
	ErrorBox: lipgloss.NewStyle().
		Border(lipgloss.RoundedBorder()).
		BorderForeground(ColorError).
		Padding(0, 1),
}

const (
	IconSuccess = "✓"
	IconWarning = "⚠"
	IconError   = "✗"
	IconPending = "○"
	IconArrow   = "→"
)

// Severity renders a risk or severity token in its conventional color.
func Severity(level string) string {
	switch level {
	case "critical":
		return Styles.Error.Bold(true).Render("CRITICAL")
	case "high":
		return Styles.Error.Render("HIGH")
	case "medium":
		return Styles.Warning.Render("MEDIUM")
	case "low":
		return Styles.Muted.Render("LOW")
	default:
		return level
	}
}

// Status renders a fix status with its icon.
func Status(status string) string {
	switch status {
	case "succeeded":
		return Styles.Success.Render(IconSuccess + " succeeded")
	case "failed":
		return Styles.Error.Render(IconError + " failed")
	case "rolled_back":
		return Styles.Warning.Render(IconWarning + " rolled back")
	case "skipped":
		return Styles.Muted.Render(IconPending + " skipped")
	default:
		return status
	}
}

// Title prints a styled section heading.
func Title(text string) {
	fmt.Println(Styles.Title.Render(text))
}

// Successf prints a success line to stdout.
func Successf(format string, args ...any) {
	fmt.Println(Styles.Success.Render(IconSuccess+" ") + fmt.Sprintf(format, args...))
}

// Warnf prints a warning line to stdout.
func Warnf(format string, args ...any) {
	fmt.Println(Styles.Warning.Render(IconWarning+" ") + fmt.Sprintf(format, args...))
}

// Errorf prints an error line to stderr.
func Errorf(format string, args ...any) {
	fmt.Fprintln(os.Stderr, Styles.Error.Render(IconError+" ")+fmt.Sprintf(format, args...))
}

// Mutedf prints secondary detail to stdout.
func Mutedf(format string, args ...any) {
	fmt.Println(Styles.Muted.Render(fmt.Sprintf(format, args...)))
}
