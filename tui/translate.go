package tui

import (
	tea "github.com/charmbracelet/bubbletea"

	"github.com/nathsou/wapps/input"
)

// translateKey turns a terminal key press into guest key events.
// Terminals deliver presses only, so each press synthesizes a release
// right behind it.
func translateKey(msg tea.KeyMsg) []input.Event {
	name, ok := keyNameFor(msg)
	if !ok {
		return nil
	}
	code, ok := input.KeyCode(name)
	if !ok {
		return nil
	}
	return []input.Event{input.KeyDown{Code: code}, input.KeyUp{Code: code}}
}

func keyNameFor(msg tea.KeyMsg) (string, bool) {
	switch msg.Type {
	case tea.KeyEnter:
		return "enter", true
	case tea.KeyEsc:
		return "escape", true
	case tea.KeyBackspace:
		return "backspace", true
	case tea.KeyTab:
		return "tab", true
	case tea.KeySpace:
		return "space", true
	case tea.KeyUp:
		return "up", true
	case tea.KeyDown:
		return "down", true
	case tea.KeyLeft:
		return "left", true
	case tea.KeyRight:
		return "right", true
	case tea.KeyRunes:
		if len(msg.Runes) != 1 {
			return "", false
		}
		r := msg.Runes[0]
		switch {
		case r == ' ':
			return "space", true
		case r >= 'a' && r <= 'z':
			return string(r), true
		case r >= 'A' && r <= 'Z':
			return string(r - 'A' + 'a'), true
		case r >= '0' && r <= '9':
			return string(r), true
		}
	}
	return "", false
}

func mouseButton(b tea.MouseButton) (int32, bool) {
	switch b {
	case tea.MouseButtonLeft:
		return input.ButtonPrimary, true
	case tea.MouseButtonMiddle:
		return input.ButtonMiddle, true
	case tea.MouseButtonRight:
		return input.ButtonSecondary, true
	}
	return 0, false
}

// translateMouse maps a terminal mouse event onto the frame. Events
// arriving before the first frame have nothing to aim at and drop, as
// do wheel and extra buttons.
func (m model) translateMouse(msg tea.MouseMsg) (input.Event, bool) {
	if m.frame == nil || m.termW == 0 || m.termH == 0 {
		return nil, false
	}
	rows := m.termH - chromeRows
	if rows < 1 {
		rows = 1
	}
	vp := fitViewport(m.frame.Rect.Dx(), m.frame.Rect.Dy(), m.termW, rows)
	x, y := vp.toFrame(msg.X, msg.Y-1) // row 0 is the title line

	switch msg.Action {
	case tea.MouseActionMotion:
		return input.PointerMove{X: x, Y: y}, true
	case tea.MouseActionPress:
		if btn, ok := mouseButton(msg.Button); ok {
			return input.PointerDown{X: x, Y: y, Button: btn}, true
		}
	case tea.MouseActionRelease:
		if btn, ok := mouseButton(msg.Button); ok {
			return input.PointerUp{X: x, Y: y, Button: btn}, true
		}
	}
	return nil, false
}
