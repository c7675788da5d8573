package main

import (
	"github.com/charmbracelet/lipgloss"
	lgtable "github.com/charmbracelet/lipgloss/table"
	"github.com/gomlx/tilegrid/pkg/support/sets"
	"github.com/muesli/termenv"
)

var (
	headerRowStyle = lipgloss.NewStyle().Reverse(true).
			Padding(0, 2, 0, 2).Align(lipgloss.Center)
	oddRowStyle = lipgloss.NewStyle().Faint(false).
			PaddingLeft(1).PaddingRight(1)
	evenRowStyle = lipgloss.NewStyle().Faint(true).
			PaddingLeft(1).PaddingRight(1)
	redRowStyle = lipgloss.NewStyle().
			Foreground(lipgloss.AdaptiveColor{Light: "9", Dark: "9"}).
			Bold(true).
			PaddingLeft(1).PaddingRight(1)
)

// setColorProfile selects the colors of the tables from the terminal, or none.
func setColorProfile(noColor bool) {
	if noColor {
		lipgloss.SetColorProfile(termenv.Ascii)
		return
	}
	lipgloss.SetColorProfile(termenv.EnvColorProfile())
}

// TableWithReds is a table where some rows (failures) are highlighted in red.
type TableWithReds struct {
	Table *lgtable.Table
	Count int
	Reds  sets.Set[int]
}

// Row appends a row to the table.
func (t *TableWithReds) Row(isRed bool, row ...string) {
	if isRed {
		t.Reds.Insert(t.Count)
	}
	t.Table.Row(row...)
	t.Count++
}

// String renders the table.
func (t *TableWithReds) String() string { return t.Table.Render() }

func newTable(headers []string, alignments ...lipgloss.Position) *TableWithReds {
	t := &TableWithReds{
		Reds: sets.Make[int](),
	}
	t.Table = lgtable.New().
		Headers(headers...).
		Border(lipgloss.NormalBorder()).
		BorderStyle(lipgloss.NewStyle().Foreground(lipgloss.Color("99"))).
		StyleFunc(func(row, col int) (s lipgloss.Style) {
			if row < 0 {
				return headerRowStyle
			}
			switch {
			case t.Reds.Has(row):
				s = redRowStyle
			case row%2 == 0:
				s = oddRowStyle
			default:
				s = evenRowStyle
			}
			alignment := lipgloss.Left
			if col < len(alignments) {
				alignment = alignments[col]
			} else if len(alignments) > 0 {
				alignment = alignments[len(alignments)-1]
			}
			return s.Align(alignment)
		})
	return t
}

// newKeyValueTable returns a two columns table without headers.
func newKeyValueTable() *TableWithReds {
	t := newTable(nil, lipgloss.Right, lipgloss.Left)
	t.Table.Border(lipgloss.RoundedBorder())
	return t
}
