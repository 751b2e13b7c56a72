// Package render is the terminal presentation sink: a rolling table of the
// most recent snapshots, newest first, redrawn in place every tick.
package render

import (
	"fmt"
	"io"
	"strconv"
	"text/tabwriter"

	"github.com/syntacticsugarglider/compartmentalmodel/internal/sim/engine"
)

const clearScreen = "\x1b[2J\x1b[H"

// Table retains up to depth snapshots and renders them under a header row of
// bucket names. It implements engine.Sink and is driven from the model loop
// goroutine only.
type Table struct {
	w     io.Writer
	depth int

	names []string
	rows  [][]string // newest first
}

func NewTable(w io.Writer, depth int) *Table {
	if depth <= 0 {
		depth = 10
	}
	return &Table{w: w, depth: depth}
}

func (t *Table) Publish(snap engine.Snapshot) error {
	if t.names == nil {
		t.names = make([]string, 0, len(snap.Buckets))
		for _, b := range snap.Buckets {
			t.names = append(t.names, b.Name)
		}
	}

	row := make([]string, 0, len(snap.Buckets))
	for _, b := range snap.Buckets {
		row = append(row, strconv.FormatUint(b.Quantity, 10))
	}
	t.rows = append([][]string{row}, t.rows...)
	if len(t.rows) > t.depth {
		t.rows = t.rows[:t.depth]
	}

	return t.render()
}

// History returns the retained rows, newest first.
func (t *Table) History() [][]string { return t.rows }

func (t *Table) render() error {
	if _, err := fmt.Fprint(t.w, clearScreen); err != nil {
		return err
	}
	tw := tabwriter.NewWriter(t.w, 0, 8, 2, ' ', 0)
	writeRow(tw, t.names)
	for _, row := range t.rows {
		writeRow(tw, row)
	}
	return tw.Flush()
}

func writeRow(w io.Writer, cells []string) {
	for i, c := range cells {
		if i > 0 {
			fmt.Fprint(w, "\t")
		}
		fmt.Fprint(w, c)
	}
	fmt.Fprintln(w)
}
