// TextRelay TUI client.
//
// Screens
// -------
//
//	stateNickname – centered form asking for a nickname (skipped when one was
//	                configured)
//	stateChat     – full-screen chat with a scrollable message viewport
//
// Concurrency
// -----------
//
//	A single goroutine runs client.Receive and forwards every delivered frame
//	to the events channel.  The Bubbletea event loop consumes one event at a
//	time via waitForEvent (a tea.Cmd), immediately queuing the next read after
//	each event is processed.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/charmbracelet/bubbles/textinput"
	"github.com/charmbracelet/bubbles/viewport"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"textrelay/internal/client"
	"textrelay/internal/protocol"
)

// ---------------------------------------------------------------------------
// Styles
// ---------------------------------------------------------------------------

var (
	purple = lipgloss.Color("99")
	cyan   = lipgloss.Color("86")
	red    = lipgloss.Color("196")
	yellow = lipgloss.Color("220")
	gray   = lipgloss.Color("241")
	white  = lipgloss.Color("255")
	orange = lipgloss.Color("214")
	blue   = lipgloss.Color("75")

	headerStyle = lipgloss.NewStyle().
			Bold(true).
			Background(purple).
			Foreground(white).
			Padding(0, 1)

	footerBorderStyle = lipgloss.NewStyle().
				Border(lipgloss.NormalBorder(), true, false, false, false).
				BorderForeground(gray).
				Padding(0, 1)

	titleStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(purple).
			Padding(0, 2)

	focusedLabelStyle = lipgloss.NewStyle().
				Foreground(cyan).
				Width(10)

	hintStyle = lipgloss.NewStyle().
			Foreground(gray).
			Italic(true)

	errorStyle  = lipgloss.NewStyle().Foreground(red)
	sysStyle    = lipgloss.NewStyle().Foreground(yellow).Italic(true)
	tsStyle     = lipgloss.NewStyle().Foreground(gray)
	myNameStyle = lipgloss.NewStyle().Bold(true).Foreground(orange)
	peerStyle   = lipgloss.NewStyle().Bold(true).Foreground(blue)
)

const quitCommand = "/quit"

// ---------------------------------------------------------------------------
// Bubbletea message types
// ---------------------------------------------------------------------------

type connectedMsg struct{ client *client.Client }
type connectFailedMsg struct{ err error }
type relayedMsg struct{ nickname, text string }
type shutdownMsg struct{}
type disconnectedMsg struct{ err error }

// ---------------------------------------------------------------------------
// Application state
// ---------------------------------------------------------------------------

type appState int

const (
	stateNickname appState = iota
	stateChat
)

// ---------------------------------------------------------------------------
// Model
// ---------------------------------------------------------------------------

type model struct {
	cfg    Config
	log    *slog.Logger
	client *client.Client
	events chan tea.Msg // receive goroutine → bubbletea bridge

	state  appState
	me     string
	online bool

	// Nickname form
	nickField  textinput.Model
	statusMsg  string
	connecting bool

	// Chat
	ready     bool
	viewport  viewport.Model
	chatInput textinput.Model
	chatLines []string

	width, height int
}

func newModel(cfg Config, log *slog.Logger) model {
	nf := textinput.New()
	nf.Placeholder = protocol.DefaultNickname
	nf.Focus()
	nf.CharLimit = protocol.MaxNicknameLength
	nf.Width = protocol.MaxNicknameLength + 2
	nf.SetValue(cfg.Nickname)

	ci := textinput.New()
	ci.Placeholder = "Type a message…  (" + quitCommand + " to leave)"
	ci.CharLimit = 1000

	return model{
		cfg:       cfg,
		log:       log,
		state:     stateNickname,
		nickField: nf,
		chatInput: ci,
	}
}

// ---------------------------------------------------------------------------
// Tea interface – Init
// ---------------------------------------------------------------------------

func (m model) Init() tea.Cmd {
	if m.cfg.Nickname != "" {
		return connect(m.cfg, m.cfg.Nickname, m.log)
	}
	return textinput.Blink
}

// ---------------------------------------------------------------------------
// Tea interface – Update
// ---------------------------------------------------------------------------

func (m model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {

	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.height = msg.Height
		if !m.ready {
			m.viewport = viewport.New(msg.Width, m.vpHeight())
			m.viewport.SetContent(strings.Join(m.chatLines, "\n"))
			m.ready = true
		} else {
			m.viewport.Width = msg.Width
			m.viewport.Height = m.vpHeight()
		}
		m.chatInput.Width = msg.Width - 4
		return m, nil

	case connectedMsg:
		m.client = msg.client
		m.me = msg.client.Nickname()
		m.online = true
		m.state = stateChat
		m.chatInput.Focus()
		m.events = make(chan tea.Msg, 64)
		go receive(msg.client, m.events)
		m.appendChat(sysStyle.Render("⚡ connected to " + m.cfg.Addr + " as " + m.me))
		return m, tea.Batch(textinput.Blink, waitForEvent(m.events))

	case connectFailedMsg:
		m.connecting = false
		m.statusMsg = msg.err.Error()
		return m, nil

	case relayedMsg:
		m.appendMessage(msg.nickname, msg.text)
		return m, waitForEvent(m.events)

	case shutdownMsg:
		m.appendChat(sysStyle.Render("⚡ the relay is shutting down"))
		return m, waitForEvent(m.events)

	case disconnectedMsg:
		m.online = false
		m.chatInput.Blur()
		if msg.err != nil {
			m.appendChat(errorStyle.Render("⚠ connection lost: " + msg.err.Error()))
		}
		m.appendChat(sysStyle.Render("⚡ disconnected  ·  Ctrl+C to exit"))
		return m, nil

	case tea.KeyMsg:
		switch m.state {
		case stateNickname:
			return m.handleNicknameKey(msg)
		case stateChat:
			return m.handleChatKey(msg)
		}
	}
	return m, nil
}

// vpHeight returns the number of lines available for the chat viewport.
func (m model) vpHeight() int {
	// header (1) + footer border (1) + footer input (1) = 3 lines reserved
	h := m.height - 3
	if h < 1 {
		h = 1
	}
	return h
}

// ---------------------------------------------------------------------------
// Key handlers
// ---------------------------------------------------------------------------

func (m model) handleNicknameKey(msg tea.KeyMsg) (model, tea.Cmd) {
	switch msg.Type {
	case tea.KeyCtrlC, tea.KeyEsc:
		return m, tea.Quit

	case tea.KeyEnter:
		if m.connecting {
			return m, nil
		}
		name, err := protocol.NormalizeNickname(m.nickField.Value())
		if err != nil {
			m.statusMsg = "nickname must be at most 16 printable characters"
			return m, nil
		}
		m.connecting = true
		m.statusMsg = "Connecting…"
		return m, connect(m.cfg, name, m.log)
	}

	var cmd tea.Cmd
	m.nickField, cmd = m.nickField.Update(msg)
	return m, cmd
}

func (m model) handleChatKey(msg tea.KeyMsg) (model, tea.Cmd) {
	switch msg.Type {
	case tea.KeyCtrlC:
		m.leave()
		return m, tea.Quit

	case tea.KeyEnter:
		if !m.online {
			return m, nil
		}
		content := strings.TrimSpace(m.chatInput.Value())
		if content == "" {
			return m, nil
		}
		m.chatInput.Reset()
		if content == quitCommand {
			m.leave()
			return m, tea.Quit
		}
		if err := m.client.Submit(content); err != nil {
			m.appendChat(errorStyle.Render("⚠ " + err.Error()))
			return m, nil
		}
		// The relay never echoes a message back to its sender.
		m.appendMessage(m.me, content)
		return m, nil

	case tea.KeyPgUp:
		m.viewport.HalfViewUp()
		return m, nil

	case tea.KeyPgDown:
		m.viewport.HalfViewDown()
		return m, nil
	}

	var cmd tea.Cmd
	m.chatInput, cmd = m.chatInput.Update(msg)
	return m, cmd
}

func (m model) leave() {
	if m.client != nil {
		_ = m.client.Close()
	}
}

// appendMessage renders one chat line stamped with the local receive time.
func (m *model) appendMessage(nickname, text string) {
	ts := tsStyle.Render("[" + time.Now().Format("15:04:05") + "]")
	var name string
	if nickname == m.me {
		name = myNameStyle.Render(nickname)
	} else {
		name = peerStyle.Render(nickname)
	}
	m.appendChat(ts + " " + name + ": " + text)
}

// appendChat adds a rendered line and scrolls the viewport to the bottom.
func (m *model) appendChat(line string) {
	m.chatLines = append(m.chatLines, line)
	if m.ready {
		m.viewport.SetContent(strings.Join(m.chatLines, "\n"))
		m.viewport.GotoBottom()
	}
}

// ---------------------------------------------------------------------------
// Tea interface – View
// ---------------------------------------------------------------------------

func (m model) View() string {
	switch m.state {
	case stateNickname:
		return m.viewNickname()
	case stateChat:
		return m.viewChat()
	}
	return ""
}

func (m model) viewNickname() string {
	if m.width == 0 {
		return "\n  Starting…"
	}

	form := lipgloss.JoinVertical(lipgloss.Left,
		titleStyle.Render("  TextRelay  "),
		"",
		focusedLabelStyle.Render("Nickname")+"  "+m.nickField.View(),
		"",
		hintStyle.Render(fmt.Sprintf("Enter: join %s   Esc/Ctrl+C: quit", m.cfg.Addr)),
		hintStyle.Render("Leave empty to join as "+protocol.DefaultNickname),
		"",
		m.renderStatus(),
	)

	return lipgloss.Place(m.width, m.height, lipgloss.Center, lipgloss.Center, form)
}

func (m model) viewChat() string {
	if !m.ready {
		return "\n  Connecting…"
	}

	status := "online"
	if !m.online {
		status = "offline"
	}
	hdr := headerStyle.
		Width(m.width).
		Render(fmt.Sprintf(" TextRelay  ·  %s  ·  %s %s  ·  PgUp/Dn: Scroll  %s / Ctrl+C: Quit",
			m.me, status, m.cfg.Addr, quitCommand))

	footer := footerBorderStyle.
		Width(m.width - 2).
		Render(m.chatInput.View())

	return lipgloss.JoinVertical(lipgloss.Left, hdr, m.viewport.View(), footer)
}

// renderStatus renders the nickname form status line.
func (m model) renderStatus() string {
	if m.statusMsg == "" {
		return ""
	}
	if m.connecting {
		return hintStyle.Render(m.statusMsg)
	}
	return errorStyle.Render(m.statusMsg)
}

// ---------------------------------------------------------------------------
// Helpers
// ---------------------------------------------------------------------------

// connect dials the relay in the background and reports the outcome.
func connect(cfg Config, nickname string, log *slog.Logger) tea.Cmd {
	return func() tea.Msg {
		framing, err := protocol.ParseFraming(cfg.Framing)
		if err != nil {
			return connectFailedMsg{err}
		}
		c, err := client.Dial(context.Background(), cfg.Addr, client.Options{
			Nickname: nickname,
			Framing:  framing,
			Logger:   log,
		})
		if err != nil {
			return connectFailedMsg{err}
		}
		return connectedMsg{c}
	}
}

// receive runs client.Receive and forwards everything to events.  events is
// closed once the connection is gone.
func receive(c *client.Client, events chan<- tea.Msg) {
	defer close(events)
	err := c.Receive(context.Background(), client.HandlerFuncs{
		Frame:    func(nickname, text string) { events <- relayedMsg{nickname, text} },
		Shutdown: func() { events <- shutdownMsg{} },
	})
	if errors.Is(err, client.ErrClosed) {
		err = nil
	}
	events <- disconnectedMsg{err}
}

// waitForEvent returns a tea.Cmd that blocks until the next event arrives on
// ch.
func waitForEvent(ch <-chan tea.Msg) tea.Cmd {
	return func() tea.Msg {
		ev, ok := <-ch
		if !ok {
			return nil
		}
		return ev
	}
}

// ---------------------------------------------------------------------------
// Main
// ---------------------------------------------------------------------------

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := LoadConfig(os.Args[1:])
	if err != nil {
		return err
	}

	// The terminal belongs to the UI; logs only go to a file when asked.
	var log *slog.Logger
	if cfg.LogFile != "" {
		f, err := os.OpenFile(cfg.LogFile, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			return fmt.Errorf("open log file: %w", err)
		}
		defer f.Close()
		log = slog.New(slog.NewTextHandler(f, &slog.HandlerOptions{Level: slog.LevelDebug}))
	}

	m := newModel(cfg, log)
	p := tea.NewProgram(
		m,
		tea.WithAltScreen(),       // use the alternate screen buffer
		tea.WithMouseCellMotion(), // enable mouse wheel scrolling
	)
	final, err := p.Run()
	if fm, ok := final.(model); ok {
		fm.leave()
	}
	return err
}
