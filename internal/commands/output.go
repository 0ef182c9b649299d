package commands

import (
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/charmbracelet/lipgloss"
	"github.com/charmbracelet/lipgloss/table"

	"github.com/gaborage/go-bricks-datalayer/experiments"
)

var (
	headerStyle = lipgloss.NewStyle().Bold(true).Padding(0, 1)
	cellStyle   = lipgloss.NewStyle().Padding(0, 1)
	titleStyle  = lipgloss.NewStyle().Bold(true).Underline(true)
	mutedStyle  = lipgloss.NewStyle().Faint(true)

	statusColors = map[string]lipgloss.Color{
		"draft":     lipgloss.Color("244"),
		"running":   lipgloss.Color("33"),
		"paused":    lipgloss.Color("214"),
		"completed": lipgloss.Color("42"),
		"failed":    lipgloss.Color("196"),
	}
)

func writeJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func renderTable(w io.Writer, headers []string, rows [][]string) error {
	t := table.New().
		Border(lipgloss.NormalBorder()).
		Headers(headers...).
		Rows(rows...).
		StyleFunc(func(row, _ int) lipgloss.Style {
			if row == table.HeaderRow {
				return headerStyle
			}
			return cellStyle
		})
	_, err := fmt.Fprintln(w, t.Render())
	return err
}

func statusText(status string) string {
	if c, ok := statusColors[status]; ok {
		return lipgloss.NewStyle().Foreground(c).Render(status)
	}
	return status
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		return "-"
	}
	return t.Local().Format("2006-01-02 15:04")
}

func experimentRows(items []experiments.Experiment) [][]string {
	rows := make([][]string, 0, len(items))
	for _, e := range items {
		rows = append(rows, []string{e.ID, e.Name, e.Type, statusText(e.Status), formatTime(e.UpdatedAt)})
	}
	return rows
}

func renderExperiments(w io.Writer, items []experiments.Experiment) error {
	if len(items) == 0 {
		_, err := fmt.Fprintln(w, mutedStyle.Render("no experiments"))
		return err
	}
	return renderTable(w, []string{"ID", "NAME", "TYPE", "STATUS", "UPDATED"}, experimentRows(items))
}

func renderExperiment(w io.Writer, e experiments.Experiment) error {
	rows := [][]string{
		{"id", e.ID},
		{"name", e.Name},
		{"type", e.Type},
		{"status", statusText(e.Status)},
		{"description", e.Description},
		{"created", formatTime(e.CreatedAt)},
		{"updated", formatTime(e.UpdatedAt)},
	}
	return renderTable(w, []string{"FIELD", "VALUE"}, rows)
}

func renderDashboard(w io.Writer, d experiments.Dashboard) error {
	var b strings.Builder
	b.WriteString(titleStyle.Render("Summary") + "\n")
	if d.Summary == nil {
		b.WriteString(mutedStyle.Render("unavailable") + "\n")
	} else {
		fmt.Fprintf(&b, "total %d  running %d  completed %d  failed %d\n",
			d.Summary.Total, d.Summary.Running, d.Summary.Completed, d.Summary.Failed)
	}
	if _, err := fmt.Fprintln(w, b.String()); err != nil {
		return err
	}

	if _, err := fmt.Fprintln(w, titleStyle.Render("Created per day")); err != nil {
		return err
	}
	points := make([][]string, 0, len(d.Charts))
	for _, p := range d.Charts {
		points = append(points, []string{p.Date, fmt.Sprint(p.Count), strings.Repeat("#", min(p.Count, 40))})
	}
	if err := renderTable(w, []string{"DATE", "COUNT", ""}, points); err != nil {
		return err
	}

	if _, err := fmt.Fprintln(w, titleStyle.Render("Recent")); err != nil {
		return err
	}
	return renderExperiments(w, d.Recent)
}
