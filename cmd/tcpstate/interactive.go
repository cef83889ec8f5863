package main

import (
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/charmbracelet/bubbles/textinput"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"
	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/wippyai/wasi-sockets/wasi/preview2/sockets"
)

var (
	titleStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("#FAFAFA")).
			Background(lipgloss.Color("#7D56F4")).
			Padding(0, 1)

	stateStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("#87CEEB"))

	okStyle = lipgloss.NewStyle().
		Foreground(lipgloss.Color("#90EE90"))

	errorStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("#FF6B6B"))

	helpStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("#666666"))
)

const historySize = 12

const consoleHelp = `<op> <socket> [key=value ...] [wait]
ops: create start-bind finish-bind start-connect finish-connect start-listen
     finish-listen accept shutdown local-address remote-address set-option
     get-option send recv close state
keys: family address peer as option value how data`

func newInteractiveCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:     "interactive",
		Aliases: []string{"i"},
		Short:   "Drive sockets step by step from a console",
		Args:    cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if !term.IsTerminal(int(os.Stdin.Fd())) || !term.IsTerminal(int(os.Stdout.Fd())) {
				return fmt.Errorf("interactive mode needs a terminal; use run <scenario.yaml> instead")
			}
			opts, err := a.socketOptions()
			if err != nil {
				return err
			}
			family, err := a.addressFamily()
			if err != nil {
				return err
			}
			prefixes, err := a.prefixes()
			if err != nil {
				return err
			}

			s := newSession(cmd.Context(), opts, family, sockets.NewNetwork(sockets.WithAllow(prefixes...)), a.timeout)
			defer s.Close()

			p := tea.NewProgram(newConsoleModel(s, opts.Platform.Name()), tea.WithAltScreen())
			_, err = p.Run()
			return err
		},
	}
}

// parseCommand turns a console line into a step.
func parseCommand(line string) (Step, error) {
	fields := strings.Fields(line)
	if len(fields) == 0 {
		return Step{}, fmt.Errorf("empty command")
	}
	st := Step{Op: fields[0]}
	if _, ok := stepOps[st.Op]; !ok {
		return Step{}, fmt.Errorf("unknown op %q", st.Op)
	}

	for _, f := range fields[1:] {
		if f == "wait" {
			st.Wait = true
			continue
		}
		key, value, ok := strings.Cut(f, "=")
		if !ok {
			if st.Socket != "" {
				return Step{}, fmt.Errorf("unexpected argument %q", f)
			}
			st.Socket = f
			continue
		}
		switch key {
		case "family":
			st.Family = value
		case "address":
			st.Address = value
		case "peer":
			st.Peer = value
		case "as":
			st.As = value
		case "option":
			st.Option = value
		case "how":
			st.How = value
		case "data":
			st.Data = value
		case "value":
			v, err := strconv.ParseUint(value, 10, 64)
			if err != nil {
				return Step{}, fmt.Errorf("parse value: %w", err)
			}
			st.Value = v
		default:
			return Step{}, fmt.Errorf("unknown key %q", key)
		}
	}
	return st, nil
}

type historyEntry struct {
	line   string
	result string
	state  string
	failed bool
}

type execResultMsg struct {
	entry historyEntry
}

type consoleModel struct {
	session  *session
	platform string
	input    textinput.Model
	history  []historyEntry
	steps    int
	busy     bool
}

func newConsoleModel(s *session, platform string) *consoleModel {
	ti := textinput.New()
	ti.Placeholder = "create s"
	ti.Prompt = "> "
	ti.Width = 60
	ti.Focus()
	return &consoleModel{session: s, platform: platform, input: ti}
}

func (m *consoleModel) Init() tea.Cmd {
	return textinput.Blink
}

func (m *consoleModel) record(e historyEntry) {
	m.history = append(m.history, e)
	if len(m.history) > historySize {
		m.history = m.history[len(m.history)-historySize:]
	}
}

// execute runs a step off the UI goroutine. Only one step runs at a time.
func (m *consoleModel) execute(line string, st Step) tea.Cmd {
	m.busy = true
	m.steps++
	index := m.steps
	return func() tea.Msg {
		res, err := m.session.Exec(index, st)
		if err != nil {
			return execResultMsg{entry: historyEntry{line: line, result: err.Error(), failed: true}}
		}
		return execResultMsg{entry: historyEntry{
			line:   line,
			result: res.Result,
			state:  res.State,
			failed: res.Result != "ok",
		}}
	}
}

func (m *consoleModel) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		switch msg.Type {
		case tea.KeyCtrlC, tea.KeyEsc:
			return m, tea.Quit
		case tea.KeyEnter:
			if m.busy {
				return m, nil
			}
			line := strings.TrimSpace(m.input.Value())
			m.input.Reset()
			switch line {
			case "":
				return m, nil
			case "quit", "exit":
				return m, tea.Quit
			case "help":
				m.record(historyEntry{line: line, result: consoleHelp})
				return m, nil
			}
			st, err := parseCommand(line)
			if err != nil {
				m.record(historyEntry{line: line, result: err.Error(), failed: true})
				return m, nil
			}
			return m, m.execute(line, st)
		}

	case execResultMsg:
		m.busy = false
		m.record(msg.entry)
		return m, nil
	}

	var cmd tea.Cmd
	m.input, cmd = m.input.Update(msg)
	return m, cmd
}

func (m *consoleModel) View() string {
	var b strings.Builder

	b.WriteString(titleStyle.Render("TCP State Console"))
	b.WriteString(" ")
	b.WriteString(m.platform)
	b.WriteString(helpStyle.Render(" " + m.session.Scope() + " network"))
	b.WriteString("\n\n")

	views := m.session.Sockets()
	if len(views) == 0 {
		b.WriteString(helpStyle.Render("no sockets yet"))
		b.WriteString("\n")
	}
	for _, v := range views {
		fmt.Fprintf(&b, "%-10s %-5s %s  local=%s remote=%s\n",
			v.Name, v.Family, stateStyle.Render(fmt.Sprintf("%-20s", v.State)), v.Local, v.Remote)
	}
	b.WriteString("\n")

	for _, e := range m.history {
		b.WriteString(helpStyle.Render("> " + e.line))
		b.WriteString("\n  ")
		if e.failed {
			b.WriteString(errorStyle.Render(e.result))
		} else {
			b.WriteString(okStyle.Render(e.result))
		}
		if e.state != "" {
			b.WriteString(" ")
			b.WriteString(stateStyle.Render("[" + e.state + "]"))
		}
		b.WriteString("\n")
	}

	b.WriteString("\n")
	b.WriteString(m.input.View())
	b.WriteString("\n")
	if m.busy {
		b.WriteString(helpStyle.Render("waiting..."))
	} else {
		b.WriteString(helpStyle.Render("enter run • help commands • esc quit"))
	}
	return b.String()
}
