package tui

import "github.com/charmbracelet/bubbles/key"

// KeyMap defines the widget's bindings.
type KeyMap struct {
	Submit    key.Binding
	NextFocus key.Binding
	Up        key.Binding
	Down      key.Binding
	Left      key.Binding
	Right     key.Binding
	Select    key.Binding
	Backspace key.Binding
	Keypad    key.Binding
	Camera    key.Binding
	Connect   key.Binding
	Quit      key.Binding
}

func DefaultKeyMap() KeyMap {
	return KeyMap{
		Submit:    key.NewBinding(key.WithKeys("enter"), key.WithHelp("enter", "submit")),
		NextFocus: key.NewBinding(key.WithKeys("tab"), key.WithHelp("tab", "next")),
		Up:        key.NewBinding(key.WithKeys("up")),
		Down:      key.NewBinding(key.WithKeys("down")),
		Left:      key.NewBinding(key.WithKeys("left")),
		Right:     key.NewBinding(key.WithKeys("right")),
		Select:    key.NewBinding(key.WithKeys(" ", "enter")),
		Backspace: key.NewBinding(key.WithKeys("backspace")),
		Keypad:    key.NewBinding(key.WithKeys("ctrl+k"), key.WithHelp("ctrl+k", "keypad")),
		Camera:    key.NewBinding(key.WithKeys("ctrl+t"), key.WithHelp("ctrl+t", "camera")),
		Connect:   key.NewBinding(key.WithKeys("ctrl+b"), key.WithHelp("ctrl+b", "pair scanner")),
		Quit:      key.NewBinding(key.WithKeys("ctrl+c", "esc"), key.WithHelp("esc", "quit")),
	}
}

// ShortHelp implements help.KeyMap.
func (k KeyMap) ShortHelp() []key.Binding {
	return []key.Binding{k.Submit, k.NextFocus, k.Keypad, k.Camera, k.Connect, k.Quit}
}

// FullHelp implements help.KeyMap.
func (k KeyMap) FullHelp() [][]key.Binding {
	return [][]key.Binding{k.ShortHelp()}
}
