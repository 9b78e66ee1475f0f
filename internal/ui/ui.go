// Package ui defines the UI adapter interface required by the core (spec
// §6) and a minimal plain-text implementation suitable for a terminal.
// Presentation is explicitly out of core scope; this package exists so
// cmd/keysentinel has something concrete to wire against.
package ui

import (
	"bufio"
	"fmt"
	"io"
	"strings"
)

// AlertLevel is the severity passed to PrintAlert.
type AlertLevel string

const (
	AlertInfo     AlertLevel = "INFO"
	AlertWarning  AlertLevel = "WARNING"
	AlertCritical AlertLevel = "CRITICAL"
)

// Adapter is the presentation surface the core drives; it never owns
// business logic (spec §6: "implementation outside core scope").
type Adapter interface {
	PrintBanner()
	PrintMenu()
	PrintTable(headers []string, rows [][]string, riskColumn int)
	PrintAlert(level AlertLevel, msg string)
	PrintInfo(msg string)
	PrintSuccess(msg string)
	PrintWarning(msg string)
	PrintError(msg string)
	PromptInput(prompt string) (string, error)
	PromptYesNo(prompt string) (bool, error)
}

// PlainUI is a minimal terminal implementation of Adapter. NoEmoji strips
// pictographs (spec §6 "--no-emoji"); Quiet suppresses non-critical output
// (spec §6 "--quiet").
type PlainUI struct {
	Out     io.Writer
	In      *bufio.Reader
	NoEmoji bool
	Quiet   bool
}

// NewPlainUI constructs a PlainUI writing to out and reading prompts from in.
func NewPlainUI(out io.Writer, in io.Reader) *PlainUI {
	return &PlainUI{Out: out, In: bufio.NewReader(in)}
}

func (u *PlainUI) emoji(e string) string {
	if u.NoEmoji {
		return ""
	}
	return e + " "
}

// PrintBanner prints the application banner.
func (u *PlainUI) PrintBanner() {
	fmt.Fprintln(u.Out, u.emoji("🛡")+"keysentinel — anti-keylogger analyzer")
}

// PrintMenu prints the interactive menu choices (spec §6).
func (u *PlainUI) PrintMenu() {
	fmt.Fprintln(u.Out, "1) start monitoring  2) snapshot  3) list processes with risk  4) view event history  5) export  0) exit")
}

// PrintTable prints headers/rows as a simple fixed-width table. riskColumn
// selects a column (by index, -1 for none) to color/mark when its value is
// HIGH or MEDIUM; PlainUI marks it with an inline suffix instead of color.
func (u *PlainUI) PrintTable(headers []string, rows [][]string, riskColumn int) {
	fmt.Fprintln(u.Out, strings.Join(headers, "\t"))
	for _, row := range rows {
		line := strings.Join(row, "\t")
		if riskColumn >= 0 && riskColumn < len(row) {
			switch row[riskColumn] {
			case "HIGH":
				line += "  " + u.emoji("🔴") + "HIGH"
			case "MEDIUM":
				line += "  " + u.emoji("🟡") + "MEDIUM"
			}
		}
		fmt.Fprintln(u.Out, line)
	}
}

// PrintAlert prints a leveled alert line.
func (u *PlainUI) PrintAlert(level AlertLevel, msg string) {
	fmt.Fprintf(u.Out, "[%s] %s\n", level, msg)
}

// PrintInfo prints an informational line, suppressed when Quiet.
func (u *PlainUI) PrintInfo(msg string) {
	if u.Quiet {
		return
	}
	fmt.Fprintln(u.Out, u.emoji("ℹ")+msg)
}

// PrintSuccess prints a success line, suppressed when Quiet.
func (u *PlainUI) PrintSuccess(msg string) {
	if u.Quiet {
		return
	}
	fmt.Fprintln(u.Out, u.emoji("✅")+msg)
}

// PrintWarning prints a warning line. Warnings are never suppressed by Quiet.
func (u *PlainUI) PrintWarning(msg string) {
	fmt.Fprintln(u.Out, u.emoji("⚠")+msg)
}

// PrintError prints an error line. Errors are never suppressed by Quiet.
func (u *PlainUI) PrintError(msg string) {
	fmt.Fprintln(u.Out, u.emoji("❌")+msg)
}

// PromptInput reads one line of free-text input.
func (u *PlainUI) PromptInput(prompt string) (string, error) {
	fmt.Fprint(u.Out, prompt+" ")
	line, err := u.In.ReadString('\n')
	if err != nil && line == "" {
		return "", err
	}
	return strings.TrimSpace(line), nil
}

// PromptYesNo reads a yes/no response, accepting y/yes/n/no case-insensitively.
func (u *PlainUI) PromptYesNo(prompt string) (bool, error) {
	for {
		answer, err := u.PromptInput(prompt + " [y/n]")
		if err != nil {
			return false, err
		}
		switch strings.ToLower(answer) {
		case "y", "yes":
			return true, nil
		case "n", "no":
			return false, nil
		default:
			fmt.Fprintln(u.Out, "please answer y or n")
		}
	}
}
