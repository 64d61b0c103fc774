package recordtable

import (
	"math"

	"github.com/SpatiumPortae/roomshare/cmd/roomshare/tui"
	"github.com/SpatiumPortae/roomshare/internal/exchange"
	"github.com/charmbracelet/bubbles/table"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"
	"github.com/mattn/go-runewidth"
)

const (
	defaultMaxTableHeight           = 6
	nameColumnWidthFactor   float64 = 0.55
	originColumnWidthFactor float64 = 0.25
	sizeColumnWidthFactor   float64 = 1 - nameColumnWidthFactor - originColumnWidthFactor
)

var recordTableStyle = tui.BaseStyle.Copy().
	BorderStyle(lipgloss.RoundedBorder()).
	BorderForeground(lipgloss.Color(tui.SECONDARY_COLOR)).
	MarginLeft(tui.MARGIN)

type Option func(m *Model)

// Model lists the exchanged records, newest first.
type Model struct {
	Width       int
	MaxHeight   int
	records     []exchange.Record
	table       table.Model
	tableStyles table.Styles
}

func New(opts ...Option) Model {
	m := Model{
		MaxHeight: defaultMaxTableHeight,
		table: table.New(
			table.WithFocused(false),
			table.WithHeight(1),
		),
	}

	s := table.DefaultStyles()
	s.Header = s.Header.
		BorderStyle(lipgloss.NormalBorder()).
		BorderForeground(lipgloss.Color(tui.SECONDARY_COLOR)).
		BorderBottom(true).
		Bold(true)
	s.Selected = s.Selected.
		Foreground(lipgloss.Color(tui.DARK_COLOR)).
		Background(lipgloss.Color(tui.SECONDARY_ELEMENT_COLOR)).
		Bold(false)
	m.tableStyles = s
	m.table.SetStyles(m.tableStyles)

	m.updateColumns()
	for _, opt := range opts {
		opt(&m)
	}
	return m
}

func WithMaxHeight(height int) Option {
	return func(m *Model) {
		m.MaxHeight = height
	}
}

// SetRecords replaces the listed records, keeping the cursor in range.
func (m *Model) SetRecords(records []exchange.Record) {
	m.records = records
	m.table.SetHeight(int(math.Max(1, math.Min(float64(m.MaxHeight), float64(len(records))))))
	m.updateRows()
	if c := m.table.Cursor(); c >= len(records) && len(records) > 0 {
		m.table.SetCursor(len(records) - 1)
	}
}

// Selected returns the record under the cursor.
func (m Model) Selected() (exchange.Record, bool) {
	c := m.table.Cursor()
	if c < 0 || c >= len(m.records) {
		return exchange.Record{}, false
	}
	return m.records[c], true
}

func (m *Model) Focus() {
	m.table.Focus()
}

func (m *Model) Blur() {
	m.table.Blur()
}

func (m Model) Focused() bool {
	return m.table.Focused()
}

func (m *Model) getMaxWidth() int {
	return int(math.Min(tui.MAX_WIDTH-2*tui.MARGIN, float64(m.Width)))
}

func (m *Model) updateColumns() {
	w := m.getMaxWidth()
	m.table.SetColumns([]table.Column{
		{Title: "File", Width: int(float64(w) * nameColumnWidthFactor)},
		{Title: "From", Width: int(float64(w) * originColumnWidthFactor)},
		{Title: "Size", Width: int(float64(w) * sizeColumnWidthFactor)},
	})
}

func (m *Model) updateRows() {
	var tableRows []table.Row
	maxNameWidth := int(float64(m.getMaxWidth()) * nameColumnWidthFactor)
	for _, rec := range m.records {
		name := rec.Name
		// truncate overflowing names from the left, the extension is the interesting part
		if w := runewidth.StringWidth(name); w > maxNameWidth && maxNameWidth > 1 {
			name = runewidth.TruncateLeft(name, w-maxNameWidth+1, "…")
		}
		tableRows = append(tableRows, table.Row{name, rec.Origin, tui.ByteCountSI(rec.Size)})
	}
	m.table.SetRows(tableRows)
}

func (Model) Init() tea.Cmd {
	return nil
}

func (m Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	var cmd tea.Cmd

	switch msg := msg.(type) {

	case tea.WindowSizeMsg:
		m.Width = msg.Width - 2*tui.MARGIN - 4
		if m.Width > tui.MAX_WIDTH {
			m.Width = tui.MAX_WIDTH
		}
		m.updateColumns()
		m.updateRows()
		return m, nil

	}

	m.table, cmd = m.table.Update(msg)
	return m, cmd
}

func (m Model) View() string {
	if len(m.records) == 0 {
		return ""
	}
	return recordTableStyle.Render(m.table.View()) + "\n\n"
}
