// Package tui renders the scan widget in a terminal.
package tui

import (
	"context"
	"fmt"
	"strings"

	"github.com/charmbracelet/bubbles/help"
	"github.com/charmbracelet/bubbles/key"
	"github.com/charmbracelet/bubbles/spinner"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/mil-ad/inputscan/internal/ble"
	"github.com/mil-ad/inputscan/internal/scan"
)

// Scanner is the Bluetooth session as seen by the view.
type Scanner interface {
	State() ble.State
	Connect(ctx context.Context, prompt bool)
}

type focus int

const (
	focusInput focus = iota
	focusPicker
	focusKeypad
)

// keypad cells: 0..11 are keys 1..12, then backspace and enter.
const (
	cellBackspace = 12
	cellEnter     = 13
	keypadCells   = 14
	keypadCols    = 3
)

type refreshMsg struct{}
type focusMsg struct{}
type cueMsg scan.Cue

// Model is the bubbletea model for the widget.
type Model struct {
	ctx    context.Context
	orch   *scan.Orchestrator
	bt     Scanner
	render func(scan.Result) string

	snap       scan.Snapshot
	focus      focus
	input      string
	pickerIdx  int
	pickerOpen bool
	keypadIdx  int
	lastCue    scan.Cue
	width      int

	keys    KeyMap
	help    help.Model
	spinner spinner.Model
	styles  Styles
}

// Option customises a Model.
type Option func(*Model)

// WithResultRenderer sets how each log entry is displayed.
func WithResultRenderer(fn func(scan.Result) string) Option {
	return func(m *Model) { m.render = fn }
}

// New builds the view over orch. bt may be nil when Bluetooth is disabled.
func New(ctx context.Context, orch *scan.Orchestrator, bt Scanner, opts ...Option) *Model {
	sp := spinner.New()
	sp.Spinner = spinner.MiniDot
	m := &Model{
		ctx:     ctx,
		orch:    orch,
		bt:      bt,
		render:  scan.ResultString,
		snap:    orch.Snapshot(),
		keys:    DefaultKeyMap(),
		help:    help.New(),
		spinner: sp,
		styles:  DefaultStyles(),
	}
	for _, opt := range opts {
		opt(m)
	}
	m.syncPicker()
	return m
}

// Run starts the program and forwards orchestrator events into it until
// the user quits or ctx is cancelled.
func Run(ctx context.Context, orch *scan.Orchestrator, bt Scanner, opts ...Option) error {
	p := tea.NewProgram(New(ctx, orch, bt, opts...), tea.WithAltScreen(), tea.WithContext(ctx))
	cancel := forward(orch, p)
	defer cancel()
	_, err := p.Run()
	if err != nil && ctx.Err() != nil {
		return nil
	}
	return err
}

// forward relays orchestrator events into p. Events can fire from inside
// Update, so each Send runs on its own goroutine.
func forward(orch *scan.Orchestrator, p *tea.Program) (cancel func()) {
	return orch.Subscribe(func(ev scan.Event) {
		var msg tea.Msg
		switch ev.Kind {
		case scan.EventFocus:
			msg = focusMsg{}
		case scan.EventCue:
			msg = cueMsg(ev.Cue)
		default:
			msg = refreshMsg{}
		}
		go p.Send(msg)
	})
}

func (m *Model) Init() tea.Cmd {
	return m.spinner.Tick
}

func (m *Model) syncPicker() {
	for i, inst := range m.snap.Instructions {
		if inst == m.snap.Selected {
			m.pickerIdx = i
			return
		}
	}
}

func (m *Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.help.Width = msg.Width
		return m, nil
	case refreshMsg:
		m.snap = m.orch.Snapshot()
		if !m.pickerOpen {
			m.syncPicker()
		}
		if !m.snap.KeypadVisible && m.focus == focusKeypad {
			m.focus = focusInput
		}
		return m, nil
	case focusMsg:
		m.focus = focusInput
		m.pickerOpen = false
		return m, nil
	case cueMsg:
		m.lastCue = scan.Cue(msg)
		return m, nil
	case spinner.TickMsg:
		var cmd tea.Cmd
		m.spinner, cmd = m.spinner.Update(msg)
		return m, cmd
	case tea.KeyMsg:
		return m.handleKey(msg)
	}
	return m, nil
}

func (m *Model) handleKey(msg tea.KeyMsg) (tea.Model, tea.Cmd) {
	switch {
	case key.Matches(msg, m.keys.Quit):
		return m, tea.Quit
	case key.Matches(msg, m.keys.Keypad):
		m.orch.ToggleKeypad()
		return m, m.refresh
	case key.Matches(msg, m.keys.Camera):
		m.orch.ToggleCamera()
		return m, m.refresh
	case key.Matches(msg, m.keys.Connect):
		if m.bt == nil {
			return m, nil
		}
		bt, ctx := m.bt, m.ctx
		return m, func() tea.Msg {
			bt.Connect(ctx, true)
			return refreshMsg{}
		}
	case key.Matches(msg, m.keys.NextFocus):
		m.nextFocus()
		return m, nil
	}

	switch m.focus {
	case focusPicker:
		m.pickerKey(msg)
	case focusKeypad:
		m.keypadKey(msg)
	default:
		m.inputKey(msg)
	}
	return m, m.refresh
}

func (m *Model) refresh() tea.Msg { return refreshMsg{} }

func (m *Model) nextFocus() {
	m.pickerOpen = false
	switch m.focus {
	case focusInput:
		m.focus = focusPicker
	case focusPicker:
		if m.snap.KeypadVisible {
			m.focus = focusKeypad
		} else {
			m.focus = focusInput
		}
	default:
		m.focus = focusInput
	}
}

// inputKey handles keyboard (and keyboard-wedge scanner) entry. Enter
// re-focuses the field and commits the typed value.
func (m *Model) inputKey(msg tea.KeyMsg) {
	switch {
	case key.Matches(msg, m.keys.Submit):
		m.orch.HandleKey("Enter")
		code := m.input
		m.input = ""
		if code != "" {
			m.orch.SetScanValue(code)
		}
	case key.Matches(msg, m.keys.Backspace):
		if r := []rune(m.input); len(r) > 0 {
			m.input = string(r[:len(r)-1])
		}
	case msg.Type == tea.KeyRunes || msg.Type == tea.KeySpace:
		m.input += string(msg.Runes)
	}
}

func (m *Model) pickerKey(msg tea.KeyMsg) {
	n := len(m.snap.Instructions)
	if n == 0 {
		return
	}
	switch {
	case key.Matches(msg, m.keys.Up), key.Matches(msg, m.keys.Left):
		m.pickerIdx = (m.pickerIdx + n - 1) % n
		m.pickerOpen = true
	case key.Matches(msg, m.keys.Down), key.Matches(msg, m.keys.Right):
		m.pickerIdx = (m.pickerIdx + 1) % n
		m.pickerOpen = true
	case key.Matches(msg, m.keys.Select):
		m.pickerOpen = false
		m.orch.SelectInstruction(m.snap.Instructions[m.pickerIdx])
		m.focus = focusInput
	}
}

func (m *Model) keypadKey(msg tea.KeyMsg) {
	switch {
	case key.Matches(msg, m.keys.Up):
		if m.keypadIdx >= keypadCols {
			m.keypadIdx -= keypadCols
		}
	case key.Matches(msg, m.keys.Down):
		if m.keypadIdx+keypadCols < keypadCells {
			m.keypadIdx += keypadCols
		}
	case key.Matches(msg, m.keys.Left):
		if m.keypadIdx > 0 {
			m.keypadIdx--
		}
	case key.Matches(msg, m.keys.Right):
		if m.keypadIdx < keypadCells-1 {
			m.keypadIdx++
		}
	case key.Matches(msg, m.keys.Select):
		m.pressCell(m.keypadIdx)
	case key.Matches(msg, m.keys.Backspace):
		m.orch.Backspace()
	case msg.Type == tea.KeyRunes:
		for _, r := range msg.Runes {
			m.orch.KeyPress(string(r))
		}
	}
}

func (m *Model) pressCell(cell int) {
	switch cell {
	case cellBackspace:
		m.orch.Backspace()
	case cellEnter:
		m.orch.KeyPress(scan.KeyEnter)
	default:
		m.orch.KeyPress(m.orch.KeyAt(cell + 1))
	}
}

func (m *Model) View() string {
	s := m.styles
	var top, body []string

	header := s.Title.Render(m.snap.Title)
	if st := m.bluetoothStatus(); st != "" {
		header = lipgloss.JoinHorizontal(lipgloss.Top, header, "  ", st)
	}

	input := m.inputView()
	if m.snap.PinTop {
		top = append(top, input, header, m.pickerView())
	} else {
		top = append(top, header, m.pickerView(), input)
	}

	if m.snap.KeypadVisible {
		body = append(body, m.keypadView())
	}
	if m.snap.CameraVisible {
		body = append(body, s.Muted.Render("camera: waiting for decoder on the daemon socket"))
	}
	body = append(body, m.logView())
	body = append(body, m.help.View(m.keys))

	return strings.Join(append(top, body...), "\n")
}

func (m *Model) bluetoothStatus() string {
	if m.bt == nil {
		return ""
	}
	switch m.bt.State() {
	case ble.StateConnected:
		label := "scanner connected"
		if m.snap.Device != "" {
			label = m.snap.Device
		}
		return m.styles.Success.Render("● " + label)
	case ble.StateConnecting:
		return m.styles.Warning.Render(m.spinner.View() + " connecting")
	default:
		return m.styles.Muted.Render("○ no scanner")
	}
}

func (m *Model) pickerView() string {
	s := m.styles
	if len(m.snap.Instructions) == 0 {
		return s.Muted.Render("no instructions")
	}
	focused := m.focus == focusPicker

	if m.snap.Variant == scan.VariantRadio {
		parts := make([]string, 0, len(m.snap.Instructions))
		for i, inst := range m.snap.Instructions {
			mark := "( )"
			if inst == m.snap.Selected {
				mark = "(•)"
			}
			item := mark + " " + instructionLabel(inst)
			if focused && i == m.pickerIdx {
				item = s.Cursor.Render(item)
			}
			parts = append(parts, item)
		}
		return strings.Join(parts, "  ")
	}

	current := m.snap.Selected
	if m.pickerOpen {
		lines := make([]string, 0, len(m.snap.Instructions)+1)
		for i, inst := range m.snap.Instructions {
			line := "  " + instructionLabel(inst)
			if i == m.pickerIdx {
				line = s.Cursor.Render("▸ " + instructionLabel(inst))
			}
			lines = append(lines, line)
		}
		return strings.Join(lines, "\n")
	}
	label := "[" + instructionLabel(current) + " ▾]"
	if focused {
		label = s.Cursor.Render(label)
	}
	return label
}

func instructionLabel(inst *scan.Instruction) string {
	if inst == nil {
		return "none"
	}
	if inst.Icon == "" {
		return inst.Title
	}
	return inst.Icon + " " + inst.Title
}

func (m *Model) inputView() string {
	value := m.input
	if value == "" {
		value = strings.TrimRight(m.snap.ScanValue, "\r\n")
	}
	cursor := " "
	if m.focus == focusInput {
		cursor = "_"
	}
	return m.styles.Input.Render("> " + value + cursor)
}

func (m *Model) keypadView() string {
	s := m.styles
	cells := make([]string, keypadCells)
	for i := 0; i < keypadCells; i++ {
		var label string
		switch i {
		case cellBackspace:
			label = "⌫"
		case cellEnter:
			label = "⏎"
		default:
			label = m.orch.KeyAt(i + 1)
		}
		cell := fmt.Sprintf(" %-2s", label)
		if m.focus == focusKeypad && i == m.keypadIdx {
			cell = s.Cursor.Render(cell)
		}
		cells[i] = cell
	}
	var rows []string
	for i := 0; i < keypadCells; i += keypadCols {
		end := i + keypadCols
		if end > keypadCells {
			end = keypadCells
		}
		rows = append(rows, strings.Join(cells[i:end], " "))
	}
	return s.Keypad.Render(strings.Join(rows, "\n"))
}

func (m *Model) logView() string {
	if len(m.snap.Log) == 0 {
		return m.styles.Muted.Render("no scans yet")
	}
	lines := make([]string, 0, len(m.snap.Log))
	for _, r := range m.snap.Log {
		lines = append(lines, m.styles.Level(scan.LogLevelOf(r)).Render(m.render(r)))
	}
	return strings.Join(lines, "\n")
}
