// Package cliout renders ingestctl results as a table, JSON or YAML.
package cliout

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/fatih/color"
	"gopkg.in/yaml.v3"
)

type Format string

const (
	FormatTable Format = "table"
	FormatJSON  Format = "json"
	FormatYAML  Format = "yaml"
)

func ParseFormat(s string) (Format, error) {
	switch f := Format(strings.ToLower(s)); f {
	case FormatTable, FormatJSON, FormatYAML:
		return f, nil
	case "":
		return FormatTable, nil
	default:
		return "", fmt.Errorf("unknown output format %q (want table, json or yaml)", s)
	}
}

type Printer struct {
	w      io.Writer
	format Format
	colors bool
}

// NewPrinter colors table headers and status lines only when w is a
// terminal stdout or stderr.
func NewPrinter(w io.Writer, format Format) *Printer {
	colors := !color.NoColor && (w == os.Stdout || w == os.Stderr)
	return &Printer{w: w, format: format, colors: colors}
}

func (p *Printer) paint(c *color.Color, s string) string {
	if !p.colors {
		return s
	}
	return c.Sprint(s)
}

// Success writes a green status line. Status lines are table-only so JSON
// and YAML output stays parseable.
func (p *Printer) Success(format string, a ...any) {
	if p.format == FormatJSON || p.format == FormatYAML {
		return
	}
	fmt.Fprintln(p.w, p.paint(color.New(color.FgGreen, color.Bold), fmt.Sprintf(format, a...)))
}

// Warn writes a yellow status line.
func (p *Printer) Warn(format string, a ...any) {
	if p.format == FormatJSON || p.format == FormatYAML {
		return
	}
	fmt.Fprintln(p.w, p.paint(color.New(color.FgYellow), fmt.Sprintf(format, a...)))
}

// Print writes v as JSON or YAML, or calls table to fill a Table.
func (p *Printer) Print(v any, table func(t *Table)) error {
	switch p.format {
	case FormatJSON:
		enc := json.NewEncoder(p.w)
		enc.SetIndent("", "  ")
		return enc.Encode(v)
	case FormatYAML:
		enc := yaml.NewEncoder(p.w)
		enc.SetIndent(2)
		if err := enc.Encode(v); err != nil {
			return err
		}
		return enc.Close()
	default:
		t := &Table{}
		if p.colors {
			t.header = color.New(color.FgWhite, color.Bold)
		}
		table(t)
		return t.Render(p.w)
	}
}

type Table struct {
	headers []string
	rows    [][]string
	header  *color.Color
}

func (t *Table) Header(cols ...string) { t.headers = cols }

func (t *Table) Row(cells ...string) { t.rows = append(t.rows, cells) }

func (t *Table) Render(w io.Writer) error {
	widths := make([]int, len(t.headers))
	for i, h := range t.headers {
		widths[i] = len(h)
	}
	for _, row := range t.rows {
		for i, cell := range row {
			if i < len(widths) && len(cell) > widths[i] {
				widths[i] = len(cell)
			}
		}
	}

	var b strings.Builder
	writeRow := func(cells []string, c *color.Color) {
		for i := range widths {
			cell := ""
			if i < len(cells) {
				cell = cells[i]
			}
			padded := fmt.Sprintf("%-*s  ", widths[i], cell)
			if c != nil {
				padded = c.Sprint(padded)
			}
			b.WriteString(padded)
		}
		b.WriteString("\n")
	}

	writeRow(t.headers, t.header)
	for i := range widths {
		b.WriteString(strings.Repeat("-", widths[i]) + "  ")
	}
	b.WriteString("\n")
	for _, row := range t.rows {
		writeRow(row, nil)
	}
	_, err := io.WriteString(w, b.String())
	return err
}
