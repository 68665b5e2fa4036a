package cli

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"regexp"
	"strings"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"portfolio-realtime/internal/resilience"
)

var ansiEscape = regexp.MustCompile("\x1b\\[[0-9;]*m")

// Output writes command results as text or, with --json, as indented JSON.
type Output struct {
	writer       io.Writer
	jsonMode     bool
	colorEnabled bool
}

// NewOutput creates an Output for cmd. Color follows color.NoColor, so it
// is off when stdout is not a terminal or NO_COLOR is set.
func NewOutput(cmd *cobra.Command) *Output {
	jsonMode, _ := cmd.Flags().GetBool("json")
	w := cmd.OutOrStdout()
	return &Output{
		writer:       w,
		jsonMode:     jsonMode,
		colorEnabled: !jsonMode && w == os.Stdout && !color.NoColor,
	}
}

// IsJSON reports whether --json was given.
func (o *Output) IsJSON() bool {
	return o.jsonMode
}

// JSON writes v as indented JSON.
func (o *Output) JSON(v interface{}) error {
	enc := json.NewEncoder(o.writer)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

// Emit writes v as JSON in --json mode and calls text otherwise.
func (o *Output) Emit(v interface{}, text func()) error {
	if o.jsonMode {
		return o.JSON(v)
	}
	text()
	return nil
}

func (o *Output) Println(args ...interface{}) {
	fmt.Fprintln(o.writer, args...)
}

func (o *Output) Printf(format string, args ...interface{}) {
	fmt.Fprintf(o.writer, format, args...)
}

func (o *Output) Success(format string, args ...interface{}) {
	o.Println(o.paint(fmt.Sprintf(format, args...), color.FgGreen))
}

func (o *Output) Error(format string, args ...interface{}) {
	o.Println(o.paint(fmt.Sprintf(format, args...), color.FgRed))
}

func (o *Output) Bold(format string, args ...interface{}) {
	o.Println(o.paint(fmt.Sprintf(format, args...), color.Bold))
}

func (o *Output) Dim(format string, args ...interface{}) {
	o.Println(o.paint(fmt.Sprintf(format, args...), color.Faint))
}

func (o *Output) paint(text string, attrs ...color.Attribute) string {
	c := color.New(attrs...)
	if o.colorEnabled {
		c.EnableColor()
	} else {
		c.DisableColor()
	}
	return c.Sprint(text)
}

// HealthLabel colors a health status: green healthy, yellow degraded, red
// anything else.
func (o *Output) HealthLabel(status resilience.HealthStatus) string {
	switch status {
	case resilience.HealthStatusHealthy:
		return o.paint(string(status), color.FgGreen)
	case resilience.HealthStatusDegraded:
		return o.paint(string(status), color.FgYellow)
	default:
		return o.paint(string(status), color.FgRed, color.Bold)
	}
}

// KeyValues prints a titled two-column table.
func (o *Output) KeyValues(title string, rows [][2]string) {
	o.Bold(title)
	table := NewTable(o, "Key", "Value")
	for _, r := range rows {
		table.AddRow(r[0], r[1])
	}
	table.Render()
	o.Println()
}

// Table is a left-aligned text table.
type Table struct {
	out     *Output
	headers []string
	rows    [][]string
}

func NewTable(out *Output, headers ...string) *Table {
	return &Table{out: out, headers: headers}
}

func (t *Table) AddRow(cells ...string) {
	t.rows = append(t.rows, cells)
}

// Render writes the table. Color codes do not count towards column width;
// cells past the header count are dropped.
func (t *Table) Render() {
	if len(t.headers) == 0 {
		return
	}
	widths := make([]int, len(t.headers))
	measure := func(cells []string) {
		for i := 0; i < len(cells) && i < len(widths); i++ {
			if n := visibleLen(cells[i]); n > widths[i] {
				widths[i] = n
			}
		}
	}
	measure(t.headers)
	for _, row := range t.rows {
		measure(row)
	}

	header := t.line(t.headers, widths)
	sep := make([]string, len(widths))
	for i, w := range widths {
		sep[i] = strings.Repeat("-", w)
	}
	t.out.Println(t.out.paint(header, color.Bold))
	t.out.Println(t.out.paint(strings.Join(sep, "  "), color.Faint))
	for _, row := range t.rows {
		t.out.Println(t.line(row, widths))
	}
}

func (t *Table) line(cells []string, widths []int) string {
	parts := make([]string, 0, len(widths))
	for i := 0; i < len(cells) && i < len(widths); i++ {
		pad := widths[i] - visibleLen(cells[i])
		if pad < 0 {
			pad = 0
		}
		parts = append(parts, cells[i]+strings.Repeat(" ", pad))
	}
	return strings.TrimRight(strings.Join(parts, "  "), " ")
}

func visibleLen(s string) int {
	return len(ansiEscape.ReplaceAllString(s, ""))
}
