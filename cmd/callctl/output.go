package main

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strconv"
	"time"

	"github.com/charmbracelet/lipgloss"
	"github.com/charmbracelet/lipgloss/table"
	"github.com/mattn/go-isatty"
	"github.com/spf13/cobra"

	"callctl/pkg/protocol"
)

// printer renders command results as a table on a terminal and as JSON
// otherwise, unless --output says which.
type printer struct {
	w     io.Writer
	json  bool
	theme Theme
}

func newPrinter(cmd *cobra.Command, opts *rootOptions) (*printer, error) {
	p := &printer{w: cmd.OutOrStdout(), theme: DefaultTheme()}
	switch opts.output {
	case "json":
		p.json = true
	case "table":
	case "":
		p.json = !isTerminal(p.w)
	default:
		return nil, &protocol.ValidationError{Field: "output", Message: fmt.Sprintf("%q is not table or json", opts.output)}
	}
	return p, nil
}

// isTerminal reports whether w is an interactive terminal.
func isTerminal(w io.Writer) bool {
	f, ok := w.(*os.File)
	if !ok {
		return false
	}
	return isatty.IsTerminal(f.Fd()) || isatty.IsCygwinTerminal(f.Fd())
}

// print writes v as JSON, or the rows built by rows as a table.
func (p *printer) print(v any, headers []string, rows func() [][]string) error {
	if p.json {
		enc := json.NewEncoder(p.w)
		enc.SetIndent("", "  ")
		if err := enc.Encode(v); err != nil {
			return fmt.Errorf("write json: %w", err)
		}
		return nil
	}
	body := rows()
	if len(body) == 0 {
		fmt.Fprintln(p.w, lipgloss.NewStyle().Foreground(p.theme.Muted).Render("(none)"))
		return nil
	}
	headerStyle := lipgloss.NewStyle().Bold(true).Foreground(p.theme.Primary).Padding(0, 1)
	cellStyle := lipgloss.NewStyle().Padding(0, 1)
	t := table.New().
		Border(lipgloss.NormalBorder()).
		BorderStyle(lipgloss.NewStyle().Foreground(p.theme.Muted)).
		StyleFunc(func(row, _ int) lipgloss.Style {
			if row == table.HeaderRow {
				return headerStyle
			}
			return cellStyle
		}).
		Headers(headers...).
		Rows(body...)
	fmt.Fprintln(p.w, t)
	return nil
}

// message prints a one-line confirmation in table mode and v in JSON mode.
func (p *printer) message(v any, text string) error {
	if p.json {
		return p.print(v, nil, nil)
	}
	fmt.Fprintln(p.w, text)
	return nil
}

func formatTime(t *time.Time) string {
	if t == nil || t.IsZero() {
		return "-"
	}
	return t.Local().Format("2006-01-02 15:04:05")
}

func formatPID(pid int) string {
	if pid == 0 {
		return "-"
	}
	return strconv.Itoa(pid)
}

func orDash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}
