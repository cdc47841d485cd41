package tui

import (
	"context"
	"io"
	"strings"
	"testing"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/require"

	"github.com/mil-ad/inputscan/internal/ble"
	"github.com/mil-ad/inputscan/internal/scan"
)

type stubScanner struct {
	state   ble.State
	prompts int
}

func (s *stubScanner) State() ble.State { return s.state }

func (s *stubScanner) Connect(context.Context, bool) {
	s.prompts++
	s.state = ble.StateConnected
}

func newOrchestrator(t *testing.T, opts scan.Options) *scan.Orchestrator {
	t.Helper()
	log, _ := test.NewNullLogger()
	opts.Logger = log
	o := scan.New(opts)
	o.AddInstruction(&scan.Instruction{
		Title: "Receive",
		OnScan: func(_ context.Context, code string) (scan.Result, error) {
			return "OK: " + strings.TrimSpace(code), nil
		},
	})
	o.AddInstruction(&scan.Instruction{
		Title:    "Audit",
		ClearLog: true,
		OnScan: func(_ context.Context, code string) (scan.Result, error) {
			return "ADD: " + strings.TrimSpace(code), nil
		},
	})
	return o
}

func runes(s string) tea.KeyMsg {
	return tea.KeyMsg{Type: tea.KeyRunes, Runes: []rune(s)}
}

func send(m *Model, msgs ...tea.Msg) {
	for _, msg := range msgs {
		_, cmd := m.Update(msg)
		if cmd != nil {
			if next := cmd(); next != nil {
				if _, ok := next.(refreshMsg); ok {
					m.Update(next)
				}
			}
		}
	}
}

func TestTypedScanIsSubmitted(t *testing.T) {
	o := newOrchestrator(t, scan.Options{Title: "Goods In"})
	m := New(context.Background(), o, nil)

	send(m, runes("12"), runes("3"), tea.KeyMsg{Type: tea.KeyEnter})
	o.Wait()
	send(m, refreshMsg{})

	require.Equal(t, []scan.Result{"OK: 123"}, o.Log())
	view := m.View()
	require.Contains(t, view, "Goods In")
	require.Contains(t, view, "OK: 123")
}

func TestEmptyEnterDoesNothing(t *testing.T) {
	o := newOrchestrator(t, scan.Options{})
	m := New(context.Background(), o, nil)
	send(m, tea.KeyMsg{Type: tea.KeyEnter})
	o.Wait()
	require.Empty(t, o.Log())
}

func TestPickerSelectsInstruction(t *testing.T) {
	o := newOrchestrator(t, scan.Options{})
	m := New(context.Background(), o, nil)

	send(m, tea.KeyMsg{Type: tea.KeyTab}, tea.KeyMsg{Type: tea.KeyDown})
	require.Contains(t, m.View(), "▸ Audit")

	send(m, tea.KeyMsg{Type: tea.KeyEnter})
	require.Equal(t, "Audit", o.Selected().Title)
	require.Equal(t, focusInput, m.focus)
}

func TestRadioVariant(t *testing.T) {
	o := newOrchestrator(t, scan.Options{Variant: scan.VariantRadio})
	m := New(context.Background(), o, nil)
	view := m.View()
	require.Contains(t, view, "(•) Receive")
	require.Contains(t, view, "( ) Audit")
}

func TestKeypadEntry(t *testing.T) {
	o := newOrchestrator(t, scan.Options{KeypadEnabled: true, KeypadVisible: true, UserKeyB: "Z"})
	m := New(context.Background(), o, nil)
	require.Contains(t, m.View(), "Z")

	send(m, tea.KeyMsg{Type: tea.KeyTab}, tea.KeyMsg{Type: tea.KeyTab})
	require.Equal(t, focusKeypad, m.focus)

	// Cell 0 is "1"; move right to "2" and press it, then type 4.
	send(m, tea.KeyMsg{Type: tea.KeyRight}, tea.KeyMsg{Type: tea.KeySpace}, runes("4"))
	require.Equal(t, "24", o.ScanValue())

	m.keypadIdx = cellEnter
	send(m, tea.KeyMsg{Type: tea.KeySpace})
	o.Wait()
	require.Equal(t, []scan.Result{"OK: 24"}, o.Log())
}

func TestKeypadToggle(t *testing.T) {
	o := newOrchestrator(t, scan.Options{KeypadEnabled: true})
	m := New(context.Background(), o, nil)
	require.NotContains(t, m.View(), "⌫")
	send(m, tea.KeyMsg{Type: tea.KeyCtrlK})
	require.Contains(t, m.View(), "⌫")
}

func TestBluetoothStatusAndConnect(t *testing.T) {
	o := newOrchestrator(t, scan.Options{})
	bt := &stubScanner{state: ble.StateDisconnected}
	m := New(context.Background(), o, bt)
	require.Contains(t, m.View(), "no scanner")

	send(m, tea.KeyMsg{Type: tea.KeyCtrlB})
	require.Equal(t, 1, bt.prompts)

	o.SetDevice("HPRT-42")
	send(m, refreshMsg{})
	require.Contains(t, m.View(), "HPRT-42")
}

func TestPinTopPutsInputFirst(t *testing.T) {
	o := newOrchestrator(t, scan.Options{Title: "Title", PinTop: true})
	m := New(context.Background(), o, nil)
	view := m.View()
	require.Less(t, strings.Index(view, ">"), strings.Index(view, "Title"))
}

func TestResultRenderer(t *testing.T) {
	o := newOrchestrator(t, scan.Options{})
	m := New(context.Background(), o, nil, WithResultRenderer(func(r scan.Result) string {
		return "<<" + scan.ResultString(r) + ">>"
	}))
	o.CameraError("no camera")
	send(m, refreshMsg{})
	require.Contains(t, m.View(), "<<no camera>>")
}

func TestProgramSurvivesOrchestratorEvents(t *testing.T) {
	o := newOrchestrator(t, scan.Options{KeypadEnabled: true})
	m := New(context.Background(), o, nil)
	p := tea.NewProgram(m,
		tea.WithInput(nil),
		tea.WithOutput(io.Discard),
		tea.WithoutRenderer(),
		tea.WithoutSignalHandler(),
	)
	cancel := forward(o, p)
	defer cancel()

	done := make(chan error, 1)
	go func() {
		_, err := p.Run()
		done <- err
	}()

	p.Send(tea.KeyMsg{Type: tea.KeyCtrlK})
	p.Send(tea.KeyMsg{Type: tea.KeyTab})
	p.Send(tea.KeyMsg{Type: tea.KeyEnter})
	p.Send(runes("7"))
	p.Send(tea.KeyMsg{Type: tea.KeyEnter})
	p.Send(tea.QuitMsg{})

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(3 * time.Second):
		p.Kill()
		t.Fatal("program stopped handling messages")
	}
	o.Wait()
	require.True(t, o.Snapshot().KeypadVisible)
	require.Equal(t, []scan.Result{"OK: 7"}, o.Log())
}
