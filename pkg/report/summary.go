package report

import (
	"fmt"
	"strings"
	"time"

	"github.com/bitia-ru/k8s-pvc-node-backup/pkg/types"

	"github.com/charmbracelet/lipgloss"
	"github.com/charmbracelet/lipgloss/table"
	"github.com/dustin/go-humanize"
)

var (
	titleStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("86")).Bold(true)
	dimStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("240"))
)

var resultColors = map[types.Result]string{
	types.ResultOK:      "10",
	types.ResultSkipped: "11",
	types.ResultError:   "9",
	types.ResultDryRun:  "14",
}

// Totals aggregates a run.
type Totals struct {
	Counts map[types.Result]int
	Bytes  int64
}

func Tally(outcomes []types.Outcome) Totals {
	t := Totals{Counts: map[types.Result]int{}}
	for _, o := range outcomes {
		t.Counts[o.Result]++
		t.Bytes += o.Bytes
	}
	return t
}

// String renders "ok=2 skipped=1 error=0 dry-run=0".
func (t Totals) String() string {
	parts := make([]string, 0, 4)
	for _, r := range []types.Result{types.ResultOK, types.ResultSkipped, types.ResultError, types.ResultDryRun} {
		parts = append(parts, fmt.Sprintf("%s=%d", r, t.Counts[r]))
	}
	return strings.Join(parts, " ")
}

// Summary renders the outcomes as a table followed by the totals line.
func Summary(outcomes []types.Outcome) string {
	rows := make([][]string, 0, len(outcomes))
	for _, o := range outcomes {
		size := ""
		if o.Bytes > 0 {
			size = humanize.IBytes(uint64(o.Bytes))
		}
		result := lipgloss.NewStyle().
			Foreground(lipgloss.Color(resultColors[o.Result])).
			Render(string(o.Result))
		rows = append(rows, []string{
			o.Volume.Key(),
			o.Volume.AccessModesString(),
			result,
			o.Node,
			size,
			o.Duration.Round(100 * time.Millisecond).String(),
			o.Detail,
		})
	}

	t := table.New().
		Border(lipgloss.RoundedBorder()).
		BorderStyle(dimStyle).
		StyleFunc(func(row, col int) lipgloss.Style {
			if row == table.HeaderRow {
				return titleStyle.Align(lipgloss.Center)
			}
			return lipgloss.NewStyle().Padding(0, 1)
		}).
		Headers("volume", "access", "result", "node", "size", "took", "detail").
		Rows(rows...)

	tot := Tally(outcomes)
	var b strings.Builder
	b.WriteString(titleStyle.Render(fmt.Sprintf("==> %d volume(s)", len(outcomes))))
	b.WriteString("\n")
	b.WriteString(t.String())
	b.WriteString("\n")
	b.WriteString(dimStyle.Render(fmt.Sprintf("  %s, archived %s", tot, humanize.IBytes(uint64(tot.Bytes)))))
	b.WriteString("\n")
	return b.String()
}
