package session

import (
	"context"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/SpatiumPortae/roomshare/cmd/roomshare/tui"
	"github.com/SpatiumPortae/roomshare/cmd/roomshare/tui/recordtable"
	"github.com/SpatiumPortae/roomshare/cmd/roomshare/tui/transferprogress"
	"github.com/SpatiumPortae/roomshare/internal/exchange"
	"github.com/SpatiumPortae/roomshare/internal/semver"
	"github.com/atotto/clipboard"
	"github.com/charmbracelet/bubbles/help"
	"github.com/charmbracelet/bubbles/key"
	"github.com/charmbracelet/bubbles/spinner"
	"github.com/charmbracelet/bubbles/textinput"
	"github.com/charmbracelet/bubbles/timer"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/pkg/errors"
)

// ------------------------------------------------------ tui State -----------------------------------------------------

type tuiState int

// flows from the top down.
const (
	showConnecting tuiState = iota
	showConnected
)

// ------------------------------------------------------ Messages -----------------------------------------------------

type connectedMsg struct {
	channel *exchange.Channel
}

type sendDoneMsg struct {
	path   string
	record *exchange.Record
	err    error
}

type progressMsg struct {
	fraction float64
	active   bool
}

type recordMsg struct {
	record exchange.Record
}

type receiveErrorMsg struct {
	err error
}

type audioStartedMsg struct{}

// ------------------------------------------------------- Model -------------------------------------------------------

// Connector joins the room and returns the opened exchange channel.
type Connector func(ctx context.Context) (*exchange.Channel, error)

type Option func(m *model)

func WithVersion(version semver.Version, serverURL string) Option {
	return func(m *model) {
		m.version = &version
		m.serverURL = serverURL
	}
}

// WithUpdates sets the channel the exchange channel publishes its updates on.
func WithUpdates(updates <-chan interface{}) Option {
	return func(m *model) {
		m.updates = updates
	}
}

func WithAudio(start func(ctx context.Context)) Option {
	return func(m *model) {
		m.startAudio = start
	}
}

// WithLink maps a record to the text copied to the clipboard.
func WithLink(link func(exchange.Record) string) Option {
	return func(m *model) {
		m.link = link
	}
}

func WithContext(ctx context.Context) Option {
	return func(m *model) {
		m.ctx = ctx
	}
}

type model struct {
	state tuiState
	ctx   context.Context

	endpoint   string
	connect    Connector
	channel    *exchange.Channel
	updates    <-chan interface{}
	startAudio func(ctx context.Context)
	link       func(exchange.Record) string

	version   *semver.Version
	serverURL string

	sending      bool
	sendingName  string
	audioStarted bool

	width            int
	spinner          spinner.Model
	input            textinput.Model
	transferProgress transferprogress.Model
	recordTable      recordtable.Model
	help             help.Model
	keys             tui.KeyMap
	copyMessageTimer timer.Model
}

// New creates a new session program connecting through connect.
func New(endpoint string, connect Connector, opts ...Option) *tea.Program {
	return tea.NewProgram(newModel(endpoint, connect, opts...))
}

func newModel(endpoint string, connect Connector, opts ...Option) model {
	input := textinput.New()
	input.Placeholder = "path/to/image.png"
	input.Prompt = "File: "
	m := model{
		endpoint:         endpoint,
		connect:          connect,
		ctx:              context.Background(),
		input:            input,
		transferProgress: transferprogress.New(),
		recordTable:      recordtable.New(),
		help:             help.New(),
		keys:             tui.Keys,
		copyMessageTimer: timer.NewWithInterval(tui.TEMP_UI_MESSAGE_DURATION, 100*time.Millisecond),
		startAudio:       func(context.Context) {},
		link: func(r exchange.Record) string {
			return string(r.Handle)
		},
	}
	for _, opt := range opts {
		opt(&m)
	}
	m.resetSpinner()
	return m
}

func (m model) Init() tea.Cmd {
	var versionCmd tea.Cmd
	if m.version != nil && m.serverURL != "" {
		versionCmd = tui.VersionCmd(m.ctx, m.serverURL)
	}
	return tea.Batch(versionCmd, m.spinner.Tick, connectCmd(m.ctx, m.connect))
}

// ------------------------------------------------------- Update ------------------------------------------------------

func (m model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {

	case tui.VersionMsg:
		var message string
		switch m.version.Compare(msg.ServerVersion) {
		case semver.CompareNewMajor,
			semver.CompareOldMajor:
			//lint:ignore ST1005 error string displayed in tui
			return m, tui.ErrorCmd(fmt.Errorf("roomshare version (%s) incompatible with server version (%s)", m.version, msg.ServerVersion))
		case semver.CompareNewMinor,
			semver.CompareNewPatch:
			message = tui.WarningText(fmt.Sprintf("roomshare version (%s) newer than server version (%s)", m.version, msg.ServerVersion))
		case semver.CompareOldMinor,
			semver.CompareOldPatch:
			message = tui.WarningText(fmt.Sprintf("Server version (%s) newer than roomshare version (%s)", msg.ServerVersion, m.version))
		case semver.CompareEqual:
			message = fmt.Sprintf("roomshare version (%s) compatible with server version (%s)", m.version, msg.ServerVersion)
		}
		return m, tui.TaskCmd(message, nil)

	case connectedMsg:
		m.state = showConnected
		m.channel = msg.channel
		m.keys.Send.SetEnabled(true)
		m.keys.StartAudio.SetEnabled(true)
		m.resetSpinner()
		message := fmt.Sprintf("Connected to %s as %s", m.endpoint, msg.channel.Identity())
		return m, tea.Batch(
			tui.TaskCmd(message, listenExchangeCmd(m.updates)),
			m.input.Focus(),
			m.spinner.Tick,
		)

	case sendDoneMsg:
		m.sending = false
		m.sendingName = ""
		m.resetSpinner()
		switch {
		case msg.err != nil:
			return m, tui.NoticeCmd(errors.Wrapf(msg.err, "Failed to send %s", msg.path))
		case msg.record == nil:
			return m, nil
		}
		message := fmt.Sprintf("Sent %s (%s) in %s", msg.record.Name, tui.ByteCountSI(msg.record.Size),
			time.Since(m.transferProgress.TransferStartTime).Round(time.Millisecond))
		return m, tui.TaskCmd(message, nil)

	case progressMsg:
		cmds := []tea.Cmd{listenExchangeCmd(m.updates)}
		if msg.active {
			model, cmd := m.transferProgress.Update(transferprogress.ProgressMsg(msg.fraction))
			m.transferProgress = model.(transferprogress.Model)
			cmds = append(cmds, cmd)
		}
		return m, tea.Batch(cmds...)

	case recordMsg:
		m.recordTable.SetRecords(m.channel.Records())
		m.keys.Copy.SetEnabled(true)
		m.keys.RecordUp.SetEnabled(true)
		m.keys.RecordDown.SetEnabled(true)
		if msg.record.Local() {
			return m, listenExchangeCmd(m.updates)
		}
		message := fmt.Sprintf("Received %s from %s (%s)", msg.record.Name, msg.record.Origin, tui.ByteCountSI(msg.record.Size))
		return m, tui.TaskCmd(message, listenExchangeCmd(m.updates))

	case receiveErrorMsg:
		return m, tea.Batch(tui.NoticeCmd(errors.Wrap(msg.err, "Failed to receive file")), listenExchangeCmd(m.updates))

	case audioStartedMsg:
		m.audioStarted = true
		m.keys.StartAudio.SetEnabled(false)
		return m, tui.TaskCmd("Audio unmuted", nil)

	case timer.TickMsg:
		var cmd tea.Cmd
		m.copyMessageTimer, cmd = m.copyMessageTimer.Update(msg)
		if m.copyMessageTimer.Running() {
			m.keys.Copy.SetHelp(m.keys.Copy.Help().Key, tui.CopyKeyActiveHelpText)
		}
		return m, cmd

	case timer.TimeoutMsg:
		var cmd tea.Cmd
		m.copyMessageTimer, cmd = m.copyMessageTimer.Update(msg)
		m.keys.Copy.SetHelp(m.keys.Copy.Help().Key, tui.CopyKeyHelpText)
		return m, cmd

	case tui.ErrorMsg:
		return m, tui.ErrorCmd(errors.New(msg.Error()))

	case tea.KeyMsg:
		if msg.Type == tea.KeyCtrlC {
			return m, tea.Quit
		}
		if m.input.Focused() {
			return m.updateInput(msg)
		}
		switch {
		case key.Matches(msg, m.keys.Quit):
			return m, tea.Quit
		case m.state == showConnected && key.Matches(msg, m.keys.Focus):
			m.recordTable.Blur()
			return m, m.input.Focus()
		case key.Matches(msg, m.keys.StartAudio):
			return m, startAudioCmd(m.ctx, m.startAudio)
		case key.Matches(msg, m.keys.Copy):
			rec, ok := m.recordTable.Selected()
			if !ok {
				return m, nil
			}
			if err := clipboard.WriteAll(m.link(rec)); err != nil {
				return m, tui.NoticeCmd(errors.New("Failed to copy link to clipboard"))
			}
			m.copyMessageTimer.Timeout = tui.TEMP_UI_MESSAGE_DURATION
			return m, m.copyMessageTimer.Init()
		}
		recordTableModel, recordTableCmd := m.recordTable.Update(msg)
		m.recordTable = recordTableModel.(recordtable.Model)
		return m, recordTableCmd

	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.input.Width = msg.Width - 2*tui.MARGIN - len(m.input.Prompt) - 2
		transferProgressModel, transferProgressCmd := m.transferProgress.Update(msg)
		m.transferProgress = transferProgressModel.(transferprogress.Model)
		recordTableModel, recordTableCmd := m.recordTable.Update(msg)
		m.recordTable = recordTableModel.(recordtable.Model)
		return m, tea.Batch(transferProgressCmd, recordTableCmd)

	default:
		var spinnerCmd, progressCmd tea.Cmd
		m.spinner, spinnerCmd = m.spinner.Update(msg)
		transferProgressModel, progressCmd := m.transferProgress.Update(msg)
		m.transferProgress = transferProgressModel.(transferprogress.Model)
		return m, tea.Batch(spinnerCmd, progressCmd)
	}
}

// updateInput handles keys while the file picker has focus.
func (m model) updateInput(msg tea.KeyMsg) (tea.Model, tea.Cmd) {
	switch {
	case msg.Type == tea.KeyEsc, key.Matches(msg, m.keys.Focus):
		m.input.Blur()
		m.recordTable.Focus()
		return m, nil
	case key.Matches(msg, m.keys.Send):
		path := strings.TrimSpace(m.input.Value())
		// the picker is cleared on every attempt
		m.input.Reset()
		if path == "" || m.channel == nil {
			return m, nil
		}
		if err := m.channel.SendReady(); err != nil {
			return m, tui.NoticeCmd(err)
		}
		m.sending = true
		m.sendingName = path
		m.transferProgress.StartTransfer(payloadSize(path))
		m.resetSpinner()
		return m, tea.Batch(sendCmd(m.ctx, m.channel, path), m.spinner.Tick)
	}
	var cmd tea.Cmd
	m.input, cmd = m.input.Update(msg)
	return m, cmd
}

// -------------------------------------------------------- View -------------------------------------------------------

func (m model) View() string {
	switch m.state {
	case showConnecting:
		return tui.PadText + tui.LogSeparator(m.width) +
			tui.PadText + tui.InfoStyle(fmt.Sprintf("%s Connecting to %s", m.spinner.View(), m.endpoint)) + "\n\n" +
			tui.PadText + m.help.View(m.keys) + "\n\n"

	case showConnected:
		status := fmt.Sprintf("%s Connected, pick a file to share", m.spinner.View())
		if m.audioStarted {
			status += " (audio on)"
		}
		builder := strings.Builder{}
		builder.WriteString(tui.PadText + tui.LogSeparator(m.width))
		builder.WriteString(tui.PadText + tui.InfoStyle(status) + "\n\n")
		builder.WriteString(tui.PadText + m.input.View() + "\n\n")
		if m.sending {
			uploading := fmt.Sprintf("Uploading %s", tui.Percent(m.transferProgress.Fraction()))
			if bps := m.transferProgress.SpeedEstimateBps(); bps > 0 {
				uploading += fmt.Sprintf(" (%s/s)", tui.ByteCountSI(bps))
			}
			builder.WriteString(tui.PadText + tui.InfoStyle(uploading) + " " + tui.HelpStyle(m.sendingName) + "\n")
			builder.WriteString(tui.PadText + m.transferProgress.View() + "\n\n")
		}
		builder.WriteString(m.recordTable.View())
		builder.WriteString(tui.PadText + m.help.View(m.keys) + "\n\n")
		return builder.String()

	default:
		return ""
	}
}

// ------------------------------------------------------ Commands -----------------------------------------------------

// connectCmd command that joins the room.
func connectCmd(ctx context.Context, connect Connector) tea.Cmd {
	return func() tea.Msg {
		ch, err := connect(ctx)
		if err != nil {
			return tui.ErrorMsg(err)
		}
		return connectedMsg{channel: ch}
	}
}

// sendCmd command that streams the file at path to the room.
func sendCmd(ctx context.Context, ch *exchange.Channel, path string) tea.Cmd {
	return func() tea.Msg {
		rec, err := ch.Send(ctx, path)
		return sendDoneMsg{path: path, record: rec, err: err}
	}
}

func startAudioCmd(ctx context.Context, start func(context.Context)) tea.Cmd {
	return func() tea.Msg {
		start(ctx)
		return audioStartedMsg{}
	}
}

// listenExchangeCmd is a command that listens to the exchange updates
// and formats messages.
func listenExchangeCmd(updates <-chan interface{}) tea.Cmd {
	if updates == nil {
		return nil
	}
	return func() tea.Msg {
		msg, ok := <-updates
		if !ok {
			return nil
		}
		switch v := msg.(type) {
		case exchange.ProgressMsg:
			return progressMsg{fraction: v.Fraction, active: v.Active}
		case exchange.RecordMsg:
			return recordMsg{record: v.Record}
		case exchange.ErrorMsg:
			return receiveErrorMsg{err: v.Err}
		default:
			return nil
		}
	}
}

// -------------------------------------------------- Helper Functions -------------------------------------------------

func (m *model) resetSpinner() {
	switch {
	case m.sending:
		m.spinner = tui.NewSpinner(tui.TransferSpinner)
	case m.state == showConnected:
		m.spinner = tui.NewSpinner(tui.ReceivingSpinner)
	default:
		m.spinner = tui.NewSpinner(tui.WaitingSpinner)
	}
}

// payloadSize is the size used for the speed estimate, 0 when the file cannot be read.
func payloadSize(path string) int64 {
	info, err := os.Stat(path)
	if err != nil {
		return 0
	}
	return info.Size()
}
