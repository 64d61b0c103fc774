package transferprogress

import (
	"math"
	"time"

	"github.com/SpatiumPortae/roomshare/cmd/roomshare/tui"
	"github.com/charmbracelet/bubbles/progress"
	tea "github.com/charmbracelet/bubbletea"
)

// ProgressMsg carries the fraction of the current upload.
type ProgressMsg float64

// Model renders the outbound progress of a single upload. Fractions never move backwards.
type Model struct {
	PayloadSize       int64
	TransferStartTime time.Time
	progress          float64

	Width       int
	progressBar progress.Model
}

func New() Model {
	return Model{
		progressBar: tui.NewProgressBar(),
	}
}

// StartTransfer resets the model for a new upload.
func (m *Model) StartTransfer(size int64) {
	m.PayloadSize = size
	m.progress = 0
	m.TransferStartTime = time.Now()
}

func (m Model) Fraction() float64 {
	return m.progress
}

// SpeedEstimateBps is the average upload speed so far.
func (m Model) SpeedEstimateBps() int64 {
	secondsSpent := time.Since(m.TransferStartTime).Seconds()
	if m.TransferStartTime.IsZero() || secondsSpent <= 0 {
		return 0
	}
	return int64(m.progress * float64(m.PayloadSize) / secondsSpent)
}

func (Model) Init() tea.Cmd {
	return nil
}

func (m Model) View() string {
	return m.progressBar.ViewAs(m.progress)
}

func (m Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {

	case tea.WindowSizeMsg:
		m.Width = msg.Width - 2*tui.MARGIN - 4
		if m.Width > tui.MAX_WIDTH {
			m.Width = tui.MAX_WIDTH
		}
		m.progressBar.Width = m.Width
		return m, nil

	case ProgressMsg:
		if m.TransferStartTime.IsZero() {
			m.TransferStartTime = time.Now()
		}
		m.progress = math.Min(1.0, math.Max(m.progress, float64(msg)))
		return m, nil

	case progress.FrameMsg:
		progressModel, cmd := m.progressBar.Update(msg)
		m.progressBar = progressModel.(progress.Model)
		return m, cmd

	default:
		return m, nil
	}
}
