// Package tui presents a running session in the terminal.
//
// Frames render as half-block cells, one character per two vertically
// stacked pixels, in truecolor. Terminal key presses and mouse events
// translate into guest input; ctrl+c stays with the host and quits.
package tui

import (
	"context"
	"errors"
	"fmt"
	"image"
	"os"
	"strings"
	"time"

	"github.com/charmbracelet/bubbles/key"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"
	"go.uber.org/zap"
	"golang.org/x/term"

	"github.com/nathsou/wapps/executor"
	"github.com/nathsou/wapps/framebuffer"
	"github.com/nathsou/wapps/input"
	"github.com/nathsou/wapps/replay"
)

// Options configures the terminal surface.
type Options struct {
	// FPS is the tick rate; 0 means 60.
	FPS int
	// Recorder, when set, records every tick and its input events.
	Recorder *replay.Writer
	// Logger receives surface diagnostics. It must not write to
	// stderr while the surface is up; route it to a file.
	Logger *zap.Logger
}

// Run drives session in the terminal until the user quits, the guest
// stops, or the guest faults. A fault is returned as the session's
// trap error.
func Run(session *executor.Session, opts Options) error {
	if !term.IsTerminal(int(os.Stdout.Fd())) {
		return errors.New("stdout is not a terminal; use run --frames for scripted runs")
	}
	if opts.FPS <= 0 {
		opts.FPS = 60
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}

	p := tea.NewProgram(newModel(session, opts),
		tea.WithAltScreen(),
		tea.WithMouseAllMotion(),
	)
	final, err := p.Run()
	if err != nil {
		return err
	}
	if m, ok := final.(model); ok && m.fatal != nil {
		return m.fatal
	}
	return nil
}

// chromeRows is the vertical space the title and status lines take.
const chromeRows = 2

type tickMsg time.Time

type keyMap struct {
	Quit key.Binding
}

var defaultKeys = keyMap{
	Quit: key.NewBinding(
		key.WithKeys("ctrl+c"),
		key.WithHelp("ctrl+c", "quit"),
	),
}

var (
	titleStyle  = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("15")).Background(lipgloss.Color("57")).Padding(0, 1)
	statusStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("245"))
	errorStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("196"))
	helpStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("241"))
)

type model struct {
	session  *executor.Session
	opts     Options
	keys     keyMap
	interval time.Duration

	termW, termH int
	frame        *image.RGBA
	lastTick     time.Time
	pending      []replay.EventRecord
	lastErr      string // per-frame, cleared by the next good step
	recNote      string // sticky notice after recording stops
	fatal        error
	quitting     bool
}

func newModel(session *executor.Session, opts Options) model {
	return model{
		session:  session,
		opts:     opts,
		keys:     defaultKeys,
		interval: time.Second / time.Duration(opts.FPS),
	}
}

func (m model) Init() tea.Cmd {
	return tickCmd(m.interval)
}

func tickCmd(d time.Duration) tea.Cmd {
	return tea.Tick(d, func(t time.Time) tea.Msg {
		return tickMsg(t)
	})
}

func (m model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.WindowSizeMsg:
		m.termW, m.termH = msg.Width, msg.Height
		rows := msg.Height - chromeRows
		if rows < 1 {
			rows = 1
		}
		m.session.Resize(int32(msg.Width), int32(rows*2))
		return m, nil

	case tea.KeyMsg:
		if key.Matches(msg, m.keys.Quit) {
			m.quitting = true
			return m, tea.Quit
		}
		for _, ev := range translateKey(msg) {
			m = m.enqueue(ev)
		}
		return m, nil

	case tea.MouseMsg:
		if ev, ok := m.translateMouse(msg); ok {
			m = m.enqueue(ev)
		}
		return m, nil

	case tickMsg:
		return m.tick(time.Time(msg))
	}
	return m, nil
}

func (m model) enqueue(ev input.Event) model {
	m.session.Enqueue(ev)
	if m.opts.Recorder != nil {
		m.pending = append(m.pending, replay.FromEvent(ev))
	}
	return m
}

func (m model) tick(now time.Time) (tea.Model, tea.Cmd) {
	if m.quitting {
		return m, nil
	}

	var dt float64
	if !m.lastTick.IsZero() {
		dt = now.Sub(m.lastTick).Seconds()
	}
	m.lastTick = now

	if m.opts.Recorder != nil {
		rec := replay.TickRecord{Dt: dt, Events: m.pending}
		m.pending = nil
		if err := m.opts.Recorder.WriteTick(rec); err != nil {
			m.opts.Logger.Error("recording failed", zap.Error(err))
			m.opts.Recorder = nil
			m.recNote = "recording stopped: " + err.Error()
		}
	}

	frame, err := m.session.Step(context.Background(), dt)
	switch {
	case err == nil:
		if frame != nil {
			m.frame = frame
		}
		m.lastErr = ""
	case errors.Is(err, executor.ErrClosed):
		m.quitting = true
		return m, tea.Quit
	default:
		var oob *framebuffer.OutOfBoundsError
		if errors.As(err, &oob) {
			// Skipped frame; keep showing the previous one.
			m.lastErr = oob.Error()
		} else {
			m.fatal = err
			m.quitting = true
			return m, tea.Quit
		}
	}

	return m, tickCmd(m.interval)
}

func (m model) View() string {
	if m.quitting {
		return ""
	}
	if m.termW == 0 || m.termH == 0 {
		return ""
	}

	rows := m.termH - chromeRows
	if rows < 1 {
		rows = 1
	}

	var b strings.Builder
	b.WriteString(titleStyle.Render(m.session.Title()))
	b.WriteByte('\n')

	if m.frame == nil {
		b.WriteString(lipgloss.Place(m.termW, rows, lipgloss.Center, lipgloss.Center,
			helpStyle.Render("waiting for the first frame")))
	} else {
		b.WriteString(renderFrame(m.frame, m.termW, rows))
	}
	b.WriteByte('\n')
	b.WriteString(m.statusLine())
	return b.String()
}

func (m model) statusLine() string {
	status := fmt.Sprintf("%s | tick %d", m.session.State(), m.session.Ticks())
	if m.frame != nil {
		status = fmt.Sprintf("%s | %dx%d", status, m.frame.Rect.Dx(), m.frame.Rect.Dy())
	}
	if m.opts.Recorder != nil {
		status += " | rec"
	}

	line := statusStyle.Render(status)
	if m.recNote != "" {
		line += " " + errorStyle.Render(m.recNote)
	}
	if m.lastErr != "" {
		line += " " + errorStyle.Render(m.lastErr)
	}
	return line + " " + helpStyle.Render(m.keys.Quit.Help().Key+" "+m.keys.Quit.Help().Desc)
}
