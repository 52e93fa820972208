package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/charmbracelet/bubbles/textarea"
	"github.com/charmbracelet/bubbles/textinput"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/mattn/go-runewidth"

	"github.com/burntcarrot/pairdoc/resource"
)

type (
	// changedMsg tells the model that the resource changed.
	changedMsg struct{}
	// closedMsg tells the model that the connection to the server is gone.
	closedMsg struct{ err error }
)

// UI runs the terminal UI until the user quits or done is closed.
func UI(ctx context.Context, s *session, done <-chan struct{}, doneErr func() error) error {
	// Changes are coalesced: the UI only needs to know that something changed.
	changes := make(chan struct{}, 1)
	notify := func(resource.ChangeKind) {
		select {
		case changes <- struct{}{}:
		default:
		}
	}
	stopClient := s.res.OnChange(resource.ChangeClient, notify)
	defer stopClient()
	stopServer := s.res.OnChange(resource.ChangeServer, notify)
	defer stopServer()

	m := initialModel(ctx, s)
	m.changes = changes
	m.done = done
	m.doneErr = doneErr

	p := tea.NewProgram(m, tea.WithAltScreen())
	return p.Start()
}

type model struct {
	ctx     context.Context
	session *session

	changes <-chan struct{}
	done    <-chan struct{}
	doneErr func() error

	prompt textinput.Model
	editor textarea.Model

	// editPath is the path of the string open in the editor, editBefore its
	// value when the editor was opened.
	editing    bool
	editPath   string
	editBefore string

	status   string
	err      error
	width    int
	height   int
	Quitting bool
}

func initialModel(ctx context.Context, s *session) model {
	ti := textinput.New()
	ti.Placeholder = "set <path> <json>, or help"
	ti.Prompt = "> "
	ti.Focus()
	ti.CharLimit = 4096
	ti.Width = 60

	ta := textarea.New()
	ta.Placeholder = "Write some text here..."
	ta.CharLimit = 1 << 16
	ta.ShowLineNumbers = false

	return model{
		ctx:     ctx,
		session: s,
		prompt:  ti,
		editor:  ta,
		status:  "connected to " + s.res.ID(),
		width:   80,
		height:  24,
	}
}

func waitForChange(changes <-chan struct{}) tea.Cmd {
	if changes == nil {
		return nil
	}
	return func() tea.Msg {
		<-changes
		return changedMsg{}
	}
}

func waitForClose(done <-chan struct{}, doneErr func() error) tea.Cmd {
	if done == nil {
		return nil
	}
	return func() tea.Msg {
		<-done
		var err error
		if doneErr != nil {
			err = doneErr()
		}
		return closedMsg{err: err}
	}
}

func (m model) Init() tea.Cmd {
	return tea.Batch(textinput.Blink, waitForChange(m.changes), waitForClose(m.done, m.doneErr))
}

func (m model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	var cmd tea.Cmd

	switch msg := msg.(type) {
	case tea.WindowSizeMsg:
		m.width, m.height = msg.Width, msg.Height
		m.prompt.Width = max(msg.Width-4, 10)
		m.editor.SetWidth(max(msg.Width-2, 10))
		m.editor.SetHeight(max(msg.Height/2, 3))
		return m, nil

	case changedMsg:
		printDoc(m.session.logger, m.session.res)
		return m, waitForChange(m.changes)

	case closedMsg:
		m.Quitting = true
		m.err = fmt.Errorf("server connection closed: %v", msg.err)
		return m, tea.Quit

	case tea.KeyMsg:
		if msg.Type == tea.KeyCtrlC {
			m.Quitting = true
			return m, tea.Quit
		}
		if m.editing {
			return m.updateEditor(msg)
		}
		if msg.Type == tea.KeyEnter {
			return m.runPrompt()
		}
	}

	if m.editing {
		m.editor, cmd = m.editor.Update(msg)
	} else {
		m.prompt, cmd = m.prompt.Update(msg)
	}
	return m, cmd
}

// runPrompt executes the line typed at the prompt.
func (m model) runPrompt() (tea.Model, tea.Cmd) {
	line := m.prompt.Value()
	m.prompt.SetValue("")

	cmd, err := parseCommand(line)
	if err != nil {
		m.err = err
		return m, nil
	}
	res, err := m.session.execute(m.ctx, cmd)
	if errors.Is(err, errQuit) {
		m.Quitting = true
		return m, tea.Quit
	}
	if err != nil {
		m.err = err
		return m, nil
	}

	m.err = nil
	m.status = res.Status
	if cmd.Name == CommandText {
		m.editing = true
		m.editPath = res.EditPath
		m.editBefore = res.EditText
		m.editor.SetValue(res.EditText)
		m.prompt.Blur()
		m.editor.Focus()
	}
	return m, nil
}

// updateEditor handles keys while a string is open in the editor.
func (m model) updateEditor(msg tea.KeyMsg) (tea.Model, tea.Cmd) {
	var cmd tea.Cmd

	switch msg.Type {
	case tea.KeyEsc:
		m.status = "edit of " + displayPath(m.editPath) + " discarded"
		return m.closeEditor()

	case tea.KeyCtrlS:
		after := m.editor.Value()
		if err := m.session.editText(m.ctx, m.editPath, m.editBefore, after); err != nil {
			m.err = err
			return m, nil
		}
		m.err = nil
		m.status = "edited " + displayPath(m.editPath)
		return m.closeEditor()
	}

	m.editor, cmd = m.editor.Update(msg)
	return m, cmd
}

func (m model) closeEditor() (tea.Model, tea.Cmd) {
	m.editing = false
	m.editPath = ""
	m.editBefore = ""
	m.editor.SetValue("")
	m.editor.Blur()
	m.prompt.Focus()
	return m, textinput.Blink
}

// renderValue renders v as indented JSON, at most height lines, each cut to
// width cells.
func renderValue(v any, width, height int) string {
	b, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Sprintf("cannot render document: %v", err)
	}

	lines := strings.Split(string(b), "\n")
	if height > 0 && len(lines) > height {
		hidden := len(lines) - height + 1
		lines = append(lines[:height-1], fmt.Sprintf("... %d more lines", hidden))
	}
	for i, line := range lines {
		lines[i] = runewidth.Truncate(line, width, "…")
	}
	return strings.Join(lines, "\n")
}

func (m model) statusLine() string {
	res := m.session.res
	line := fmt.Sprintf("[%s] %s | pending: %d | %s", res.ID(), m.session.user, res.PendingLen(), m.status)
	if m.err != nil {
		line = fmt.Sprintf("[%s] error: %v", res.ID(), m.err)
	}
	return runewidth.Truncate(line, m.width, "…")
}

func (m model) View() string {
	if m.Quitting {
		if m.err != nil {
			return fmt.Sprintf("\n  %v\n\n", m.err)
		}
		return "\n  See you later!\n\n"
	}

	if m.editing {
		return fmt.Sprintf(
			"Editing %s\n\n%s\n\n%s\n%s",
			displayPath(m.editPath),
			m.editor.View(),
			"(ctrl+s to save, esc to discard)",
			m.statusLine(),
		)
	}

	// Leave room for the prompt and the status line.
	valueHeight := max(m.height-4, 1)
	return fmt.Sprintf(
		"%s\n\n%s\n%s",
		renderValue(m.session.res.ClientValue(), m.width, valueHeight),
		m.prompt.View(),
		m.statusLine(),
	)
}
