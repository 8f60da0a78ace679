package pipeline

import (
	"fmt"
	"strings"
	"time"

	"github.com/Sternrassler/rest-pipeline/pkg/resource"
	"github.com/charmbracelet/lipgloss"
)

// TableStatus is the outcome of one resource's table.
type TableStatus string

const (
	StatusPending   TableStatus = "pending"
	StatusCommitted TableStatus = "committed"
	StatusFailed    TableStatus = "failed"
	StatusSkipped   TableStatus = "skipped"
	StatusAborted   TableStatus = "aborted"
)

// TableInfo describes what a run did to one table.
type TableInfo struct {
	// Name is the resource and table name.
	Name string

	Disposition resource.WriteDisposition
	Status      TableStatus

	// Rows counts committed rows. It is 0 for tables that did not commit.
	Rows int

	// Err is why the table failed or was skipped.
	Err error
}

// LoadInfo summarizes a pipeline run.
type LoadInfo struct {
	Pipeline    string
	Source      string
	Destination string
	Dataset     string
	// LoadID is stamped into every row of the run.
	LoadID      string
	StartedAt   time.Time
	FinishedAt  time.Time

	// Tables lists every resource in execution order.
	Tables []TableInfo
}

// Duration is the wall time of the run.
func (li *LoadInfo) Duration() time.Duration {
	if li.FinishedAt.IsZero() {
		return 0
	}
	return li.FinishedAt.Sub(li.StartedAt)
}

// TotalRows counts the rows of committed tables.
func (li *LoadInfo) TotalRows() int {
	total := 0
	for _, t := range li.Tables {
		if t.Status == StatusCommitted {
			total += t.Rows
		}
	}
	return total
}

// Table returns the info for name.
func (li *LoadInfo) Table(name string) (TableInfo, bool) {
	for _, t := range li.Tables {
		if t.Name == name {
			return t, true
		}
	}
	return TableInfo{}, false
}

// Failed returns the tables that failed or were skipped.
func (li *LoadInfo) Failed() []TableInfo {
	var out []TableInfo
	for _, t := range li.Tables {
		if t.Status == StatusFailed || t.Status == StatusSkipped {
			out = append(out, t)
		}
	}
	return out
}

var (
	titleStyle = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("12"))
	labelStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("8"))
	boxStyle   = lipgloss.NewStyle().
			Border(lipgloss.RoundedBorder()).
			BorderForeground(lipgloss.Color("8")).
			Padding(0, 1)

	statusStyles = map[TableStatus]lipgloss.Style{
		StatusCommitted: lipgloss.NewStyle().Foreground(lipgloss.Color("10")),
		StatusFailed:    lipgloss.NewStyle().Foreground(lipgloss.Color("9")),
		StatusSkipped:   lipgloss.NewStyle().Foreground(lipgloss.Color("11")),
		StatusAborted:   lipgloss.NewStyle().Foreground(lipgloss.Color("9")),
		StatusPending:   lipgloss.NewStyle().Foreground(lipgloss.Color("8")),
	}
)

// String renders a boxed summary of the run for terminals.
func (li *LoadInfo) String() string {
	header := []string{
		titleStyle.Render(fmt.Sprintf("Pipeline %s", li.Pipeline)),
		labelStyle.Render("load id     ") + li.LoadID,
		labelStyle.Render("destination ") + fmt.Sprintf("%s / %s", li.Destination, li.Dataset),
		labelStyle.Render("duration    ") + li.Duration().Round(time.Millisecond).String(),
		labelStyle.Render("rows        ") + fmt.Sprintf("%d", li.TotalRows()),
	}

	nameWidth := len("table")
	for _, t := range li.Tables {
		nameWidth = max(nameWidth, len(t.Name))
	}
	names := []string{labelStyle.Render(pad("table", nameWidth))}
	statuses := []string{labelStyle.Render(pad("status", len(StatusCommitted)))}
	rows := []string{labelStyle.Render("rows")}
	for _, t := range li.Tables {
		names = append(names, pad(t.Name, nameWidth))
		statuses = append(statuses, statusStyles[t.Status].Render(pad(string(t.Status), len(StatusCommitted))))
		rows = append(rows, fmt.Sprintf("%d", t.Rows))
	}
	table := lipgloss.JoinHorizontal(lipgloss.Top,
		lipgloss.JoinVertical(lipgloss.Left, names...), "  ",
		lipgloss.JoinVertical(lipgloss.Left, statuses...), "  ",
		lipgloss.JoinVertical(lipgloss.Right, rows...),
	)

	sections := []string{lipgloss.JoinVertical(lipgloss.Left, header...), "", table}
	if failed := li.Failed(); len(failed) > 0 {
		lines := []string{""}
		for _, t := range failed {
			lines = append(lines, statusStyles[t.Status].Render(t.Name)+": "+t.Err.Error())
		}
		sections = append(sections, strings.Join(lines, "\n"))
	}
	return boxStyle.Render(lipgloss.JoinVertical(lipgloss.Left, sections...))
}

func pad(s string, width int) string {
	if len(s) >= width {
		return s
	}
	return s + strings.Repeat(" ", width-len(s))
}
