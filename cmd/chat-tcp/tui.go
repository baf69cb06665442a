package main

import (
	"bufio"
	"fmt"
	"strings"

	"github.com/charmbracelet/bubbles/textinput"
	"github.com/charmbracelet/bubbles/viewport"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"chathive/internal/clientengine"
	"chathive/internal/cmdline"
)

var (
	headerStyle = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("63"))
	errStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("203"))
)

// tuiSink adapts io.Writer to feed lines into the Bubble Tea model via a
// channel, since the background receiver goroutine and the TUI's Update
// loop run on different goroutines.
type tuiSink struct {
	lines chan<- tuiLine
	err   bool
}

type tuiLine struct {
	text string
	err  bool
}

func (s tuiSink) Write(b []byte) (int, error) {
	s.lines <- tuiLine{text: string(b), err: s.err}
	return len(b), nil
}

type model struct {
	vp      viewport.Model
	input   textinput.Model
	history strings.Builder
	lines   chan tuiLine
	eng     *clientengine.Engine
	user    string
	room    string
	width   int
	height  int

	// An ADD spans several Enter presses: the "+ ..." header line, the
	// message body lines, and the lone "." terminator. composing holds
	// the lines typed so far until the terminator arrives; nil when no
	// ADD is in flight.
	composing []string
}

const inputPlaceholder = "+ @user room #topic ... (then message, then '.') or ? room count #topic"

type lineMsg tuiLine

func waitForLine(lines chan tuiLine) tea.Cmd {
	return func() tea.Msg { return lineMsg(<-lines) }
}

func newModel(eng *clientengine.Engine, user, room string, lines chan tuiLine) model {
	ti := textinput.New()
	ti.Placeholder = inputPlaceholder
	ti.Focus()
	vp := viewport.New(80, 20)
	return model{vp: vp, input: ti, lines: lines, eng: eng, user: user, room: room}
}

func (m model) Init() tea.Cmd {
	return tea.Batch(textinput.Blink, waitForLine(m.lines))
}

func (m model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.WindowSizeMsg:
		m.width, m.height = msg.Width, msg.Height
		m.vp.Width = msg.Width
		m.vp.Height = msg.Height - 4
		return m, nil
	case lineMsg:
		if msg.err {
			m.history.WriteString(errStyle.Render(strings.TrimRight(msg.text, "\n")) + "\n")
		} else {
			m.history.WriteString(msg.text)
		}
		m.vp.SetContent(m.history.String())
		m.vp.GotoBottom()
		return m, waitForLine(m.lines)
	case tea.KeyMsg:
		switch msg.Type {
		case tea.KeyCtrlC, tea.KeyEsc:
			m.eng.End()
			return m, tea.Quit
		case tea.KeyEnter:
			m.submit(m.input.Value())
			m.input.SetValue("")
			return m, nil
		}
	}
	var cmd tea.Cmd
	m.input, cmd = m.input.Update(msg)
	return m, cmd
}

// submit handles one Enter press. QUERY and END are complete on a single
// line and fire as fire-and-forget submits, matching the TCP client's
// async receiver model (see cmd/chat-tcp/main.go's non-TUI REPL). An ADD
// is collected line by line (header, body lines, lone ".") and only
// handed to cmdline once the terminator closes it, since ReadCommand
// consumes the whole multi-line command at once.
func (m *model) submit(line string) {
	if m.composing != nil {
		m.echo(line)
		if line != "." {
			m.composing = append(m.composing, line)
			return
		}
		input := strings.Join(append(m.composing, ".", ""), "\n")
		m.composing = nil
		m.input.Placeholder = inputPlaceholder
		m.dispatch(input)
		return
	}

	trimmed := strings.TrimSpace(line)
	if trimmed == "" {
		return
	}
	if strings.HasPrefix(trimmed, "+") {
		m.echo(line)
		m.composing = []string{line}
		m.input.Placeholder = "message body ('.' alone to send)"
		return
	}
	m.dispatch(line + "\n")
}

// echo mirrors a typed command line into the history view so a multi-line
// draft stays visible while it is being composed.
func (m *model) echo(line string) {
	m.history.WriteString(line + "\n")
	m.vp.SetContent(m.history.String())
	m.vp.GotoBottom()
}

// dispatch runs a complete command's text through cmdline and submits it.
func (m *model) dispatch(input string) {
	cmd, err := cmdline.ReadCommand(bufio.NewReader(strings.NewReader(input)))
	if err != nil {
		m.history.WriteString(errStyle.Render(fmt.Sprintf("err %v", err)) + "\n")
		m.vp.SetContent(m.history.String())
		m.vp.GotoBottom()
		return
	}
	switch cmd.Kind {
	case cmdline.KindAdd:
		m.eng.SubmitAdd(m.user, m.room, cmd.Message, cmd.Topics)
	case cmdline.KindQuery:
		m.eng.SubmitQuery(cmd.Room, cmd.Topics, cmd.Count)
	case cmdline.KindEnd:
		m.eng.End()
	}
}

func (m model) View() string {
	return fmt.Sprintf("%s\n%s\n%s",
		headerStyle.Render(fmt.Sprintf("chathive — %s in %s", m.user, m.room)),
		m.vp.View(),
		m.input.View())
}

// runTUI starts the Bubble Tea program; the background receiver goroutine
// feeds lineMsgs in over a channel instead of writing to os.Stdout.
func runTUI(eng *clientengine.Engine, user, room string) error {
	lines := make(chan tuiLine, 64)
	recvSinks := clientengine.Sinks{OK: tuiSink{lines: lines}, Err: tuiSink{lines: lines, err: true}}
	go clientengine.RunReceiveLoop(eng.Channel, recvSinks, false)

	p := tea.NewProgram(newModel(eng, user, room, lines), tea.WithAltScreen())
	_, err := p.Run()
	return err
}
