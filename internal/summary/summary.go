// Package summary renders the end-of-run statistics block.
package summary

import (
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/charmbracelet/lipgloss"

	"github.com/brensch/arcaudit/internal/fetch"
)

// maxListed caps the failures printed; the ledger holds the full list.
const maxListed = 25

var (
	titleStyle = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("62"))
	labelStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("244")).Width(26)
	valueStyle = lipgloss.NewStyle().Bold(true)
	errorStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("196"))
	boxStyle   = lipgloss.NewStyle().Border(lipgloss.NormalBorder()).BorderForeground(lipgloss.Color("62")).Padding(0, 1)
)

// Line is one label/value pair.
type Line struct {
	Label string
	Value string
}

// Block is a titled statistics block followed by the permanent failures.
type Block struct {
	Title    string
	Lines    []Line
	Failures []fetch.Failure
	// Footer is printed under the failures, e.g. how to list them all.
	Footer string
}

// Add appends a line, formatting value with %v.
func (b *Block) Add(label string, value any) {
	b.Lines = append(b.Lines, Line{Label: label, Value: fmt.Sprint(value)})
}

// AddStats appends the shared run counters.
func (b *Block) AddStats(s fetch.Snapshot) {
	b.Add("Records", s.Records)
	b.Add("Duplicates dropped", s.Duplicates)
	b.Add("Pages fetched", s.Pages)
	b.Add("API calls", s.APICalls)
	b.Add("Retries", s.Retries)
	b.Add("Permanent failures", s.Failures)
	b.Add("Elapsed", s.Elapsed.Round(time.Millisecond))
	b.Add("Throughput", fmt.Sprintf("%.1f records/s", s.Throughput()))
}

// Render lays the block out as a bordered box.
func (b Block) Render() string {
	var sb strings.Builder
	sb.WriteString(titleStyle.Render(strings.ToUpper(b.Title)))
	for _, l := range b.Lines {
		sb.WriteString("\n")
		sb.WriteString(labelStyle.Render(l.Label + ":"))
		sb.WriteString(valueStyle.Render(l.Value))
	}
	if len(b.Failures) > 0 {
		sb.WriteString("\n\n")
		sb.WriteString(errorStyle.Render(fmt.Sprintf("Failed (%d):", len(b.Failures))))
		for i, f := range b.Failures {
			if i == maxListed {
				sb.WriteString(fmt.Sprintf("\n  ... and %d more", len(b.Failures)-maxListed))
				break
			}
			sb.WriteString("\n  " + f.Error())
		}
	}
	if b.Footer != "" {
		sb.WriteString("\n\n" + b.Footer)
	}
	return boxStyle.Render(sb.String())
}

// Print writes the rendered block followed by a newline.
func (b Block) Print(w io.Writer) {
	fmt.Fprintln(w, b.Render())
}
