package tui

import (
	"context"
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/SpatiumPortae/roomshare/internal/file"
	"github.com/SpatiumPortae/roomshare/internal/semver"
	"github.com/charmbracelet/bubbles/key"
	"github.com/charmbracelet/bubbles/progress"
	"github.com/charmbracelet/bubbles/spinner"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"
)

// ------------------------------------------------------ Constants ----------------------------------------------------

const (
	MARGIN                   = 2
	PADDING                  = 1
	MAX_WIDTH                = 80
	PRIMARY_COLOR            = "#B8BABA"
	SECONDARY_COLOR          = "#626262"
	ELEMENT_COLOR            = "#EE9F40"
	SECONDARY_ELEMENT_COLOR  = "#EE9F70"
	ERROR_COLOR              = "#CC0000"
	WARNING_COLOR            = "#FF7900"
	CHECK_COLOR              = "#34B233"
	DARK_COLOR               = "#232323"
	TEMP_UI_MESSAGE_DURATION = 2 * time.Second

	CopyKeyHelpText       = "copy link"
	CopyKeyActiveHelpText = "copied!"
)

var QuitKeys = []string{"ctrl+c", "q", "esc"}
var PadText = strings.Repeat(" ", MARGIN)

// ------------------------------------------------------- Styles ------------------------------------------------------

var BaseStyle = lipgloss.NewStyle()
var InfoStyle = BaseStyle.Copy().Foreground(lipgloss.Color(PRIMARY_COLOR)).Render
var HelpStyle = BaseStyle.Copy().Foreground(lipgloss.Color(SECONDARY_COLOR)).Render
var ItalicText = BaseStyle.Copy().Italic(true).Render
var BoldText = BaseStyle.Copy().Bold(true).Render
var ErrorText = BaseStyle.Copy().Foreground(lipgloss.Color(ERROR_COLOR)).Render
var WarningText = BaseStyle.Copy().Foreground(lipgloss.Color(WARNING_COLOR)).Render
var SuccessText = BaseStyle.Copy().Foreground(lipgloss.Color(CHECK_COLOR)).Render

func NewProgressBar() progress.Model {
	return progress.New(progress.WithGradient(SECONDARY_ELEMENT_COLOR, ELEMENT_COLOR))
}

// ------------------------------------------------------ Spinners -----------------------------------------------------

var WaitingSpinner = spinner.Spinner{
	Frames: []string{"⠋ ", "⠙ ", "⠹ ", "⠸ ", "⠼ ", "⠴ ", "⠦ ", "⠧ ", "⠇ ", "⠏ "},
	FPS:    time.Second / 12,
}

var TransferSpinner = spinner.Spinner{
	Frames: []string{"»  ", "»» ", "»»»", "   "},
	FPS:    time.Millisecond * 400,
}

var ReceivingSpinner = spinner.Spinner{
	Frames: []string{"   ", "  «", " ««", "«««"},
	FPS:    time.Second / 2,
}

func NewSpinner(s spinner.Spinner) spinner.Model {
	m := spinner.New()
	m.Spinner = s
	m.Style = lipgloss.NewStyle().Foreground(lipgloss.Color(ELEMENT_COLOR))
	return m
}

// -------------------------------------------------------- Keys -------------------------------------------------------

type KeyMap struct {
	Quit       key.Binding
	Send       key.Binding
	Focus      key.Binding
	StartAudio key.Binding
	Copy       key.Binding
	RecordUp   key.Binding
	RecordDown key.Binding
}

func (k KeyMap) ShortHelp() []key.Binding {
	return []key.Binding{k.Send, k.Focus, k.StartAudio, k.Copy, k.RecordUp, k.RecordDown, k.Quit}
}

func (k KeyMap) FullHelp() [][]key.Binding {
	return [][]key.Binding{k.ShortHelp()}
}

var Keys = KeyMap{
	Quit: key.NewBinding(
		key.WithKeys(QuitKeys...),
		key.WithHelp("(q)", "quit"),
	),
	Send: key.NewBinding(
		key.WithKeys("enter"),
		key.WithHelp("(enter)", "send"),
		key.WithDisabled(),
	),
	Focus: key.NewBinding(
		key.WithKeys("tab"),
		key.WithHelp("(tab)", "pick file"),
	),
	StartAudio: key.NewBinding(
		key.WithKeys("a"),
		key.WithHelp("(a)", "unmute audio"),
		key.WithDisabled(),
	),
	Copy: key.NewBinding(
		key.WithKeys("c"),
		key.WithHelp("(c)", CopyKeyHelpText),
		key.WithDisabled(),
	),
	RecordUp: key.NewBinding(
		key.WithKeys("up", "k"),
		key.WithHelp("(↑/k)", "record up"),
		key.WithDisabled(),
	),
	RecordDown: key.NewBinding(
		key.WithKeys("down", "j"),
		key.WithHelp("(↓/j)", "record down"),
		key.WithDisabled(),
	),
}

// ------------------------------------------------------ Messages -----------------------------------------------------

type VersionMsg struct {
	ServerVersion semver.Version
}

type ErrorMsg error

// ------------------------------------------------------ Commands -----------------------------------------------------

// VersionCmd fetches the version of the roomshare server at baseURL. Failing to do so is not
// an error, the server might be a plain LiveKit deployment.
func VersionCmd(ctx context.Context, baseURL string) tea.Cmd {
	return func() tea.Msg {
		ver, err := semver.GetServerVersion(ctx, baseURL)
		if err != nil {
			return nil
		}
		return VersionMsg{ServerVersion: ver}
	}
}

// TaskCmd prints a finished task line above the program and runs cmd.
func TaskCmd(task string, cmd tea.Cmd) tea.Cmd {
	if task == "" {
		return cmd
	}
	return tea.Sequence(tea.Println(fmt.Sprintf("%s%s %s", PadText, SuccessText("✓"), InfoStyle(task))), cmd)
}

// ErrorCmd prints err and quits the program.
func ErrorCmd(err error) tea.Cmd {
	return tea.Sequence(tea.Println(fmt.Sprintf("%s%s", PadText, ErrorText(err.Error()))), tea.Quit)
}

// NoticeCmd prints err without quitting.
func NoticeCmd(err error) tea.Cmd {
	return tea.Println(fmt.Sprintf("%s%s", PadText, WarningText(err.Error())))
}

func QuitCmd() tea.Cmd {
	return tea.Sequence(tea.Println(""), tea.Quit)
}

// ------------------------------------------------------- Helpers -----------------------------------------------------

func ByteCountSI(b int64) string {
	return file.ByteCountSI(b)
}

func LogSeparator(width int) string {
	if width <= 2*MARGIN || width > MAX_WIDTH {
		width = MAX_WIDTH
	}
	return HelpStyle(strings.Repeat("─", width-2*MARGIN)) + "\n\n"
}

// Percent renders fraction as a rounded percentage, i.e. 0.426 -> "43%".
func Percent(fraction float64) string {
	if fraction < 0 {
		fraction = 0
	}
	if fraction > 1 {
		fraction = 1
	}
	return fmt.Sprintf("%d%%", int(math.Round(fraction*100)))
}
