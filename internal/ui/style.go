package ui

import (
	"fmt"
	"io"

	"github.com/charmbracelet/lipgloss"
)

var (
	titleStyle   = lipgloss.NewStyle().Bold(true)
	dimStyle     = lipgloss.NewStyle().Foreground(lipgloss.Color("245"))
	warnStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("214")).Bold(true)
	errorStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("196")).Bold(true)
	successStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("42")).Bold(true)
)

// Warn prints a non-blocking warning.
func Warn(w io.Writer, msg string) {
	fmt.Fprintln(w, warnStyle.Render("warning:")+" "+msg)
}

// Error prints a failure message.
func Error(w io.Writer, msg string) {
	fmt.Fprintln(w, errorStyle.Render("error:")+" "+msg)
}

// Success prints a completion line.
func Success(w io.Writer, label, detail string) {
	fmt.Fprintln(w, successStyle.Render(label)+" "+detail)
}

// Dim renders secondary text.
func Dim(s string) string { return dimStyle.Render(s) }
