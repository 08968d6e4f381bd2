// Package render prints operation state for terminals.
package render

import (
	"cmp"
	"encoding/json"
	"fmt"
	"io"
	"slices"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/jedib0t/go-pretty/v6/text"

	"opsync/internal/domain"
	"opsync/internal/events"
)

// JSON writes v as indented JSON.
func JSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

// State prints the operation header, the mission board and the leaderboard.
func State(w io.Writer, s domain.OperationState) error {
	status := "STANDBY"
	if s.IsActive {
		status = "ACTIVE"
	}
	if _, err := fmt.Fprintf(w, "%s [%s]\n%s\nMAP %s\n\n", s.Name, status, s.Description, s.MapURL); err != nil {
		return err
	}
	if err := Missions(w, s.Missions); err != nil {
		return err
	}
	if _, err := fmt.Fprintln(w); err != nil {
		return err
	}
	return Leaderboard(w, s.Operators)
}

// Missions prints primaries in order, each followed by its sub-objectives.
// Sub-objectives whose parent is missing come last.
func Missions(w io.Writer, missions []domain.Mission) error {
	tw := newTable(table.Row{"ID", "TITLE", "TYPE", "STATUS", "POINTS", "CODE"}, 5)
	known := make(map[string]bool, len(missions))
	for _, m := range missions {
		known[m.ID] = true
	}
	row := func(m domain.Mission, title string) {
		tw.AppendRow(table.Row{m.ID, title, m.Type, m.Status, m.Points, m.ValidationCode})
	}
	for _, m := range missions {
		if m.Parent() != "" {
			continue
		}
		row(m, m.Title)
		for _, c := range missions {
			if c.Parent() == m.ID {
				row(c, "-> "+c.Title)
			}
		}
	}
	for _, m := range missions {
		if p := m.Parent(); p != "" && !known[p] {
			row(m, m.Title)
		}
	}
	return write(w, tw)
}

// Leaderboard prints operators by score, highest first; ties by callsign.
func Leaderboard(w io.Writer, operators []domain.Operator) error {
	ranked := slices.Clone(operators)
	slices.SortStableFunc(ranked, func(a, b domain.Operator) int {
		if c := cmp.Compare(b.Score, a.Score); c != 0 {
			return c
		}
		return cmp.Compare(a.Callsign, b.Callsign)
	})
	tw := newTable(table.Row{"#", "CALLSIGN", "RANK", "SCORE", "STATUS", "DONE"}, 1, 4, 6)
	for i, op := range ranked {
		tw.AppendRow(table.Row{i + 1, op.Callsign, op.Rank, op.Score, op.Status, len(op.CompletedMissions)})
	}
	return write(w, tw)
}

// Changes prints change-log entries in the order given.
func Changes(w io.Writer, changes []events.Change) error {
	tw := newTable(table.Row{"ID", "TS", "TYPE", "COLLECTION", "DOC", "ACTOR"}, 1)
	for _, c := range changes {
		tw.AppendRow(table.Row{c.ID, c.TS, c.Type, c.Collection, c.DocID, c.ActorID})
	}
	return write(w, tw)
}

// newTable aligns every column explicitly; numeric lists 1-based column
// numbers to right-align.
func newTable(header table.Row, numeric ...int) table.Writer {
	tw := table.NewWriter()
	tw.AppendHeader(header)
	configs := make([]table.ColumnConfig, len(header))
	for i := range header {
		align := text.AlignLeft
		if slices.Contains(numeric, i+1) {
			align = text.AlignRight
		}
		configs[i] = table.ColumnConfig{Number: i + 1, Align: align, AlignHeader: align}
	}
	tw.SetColumnConfigs(configs)
	return tw
}

func write(w io.Writer, tw table.Writer) error {
	_, err := fmt.Fprintln(w, tw.Render())
	return err
}
