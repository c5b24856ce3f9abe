// Package tui renders a live view of one search session from its event
// stream.
package tui

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/charmbracelet/bubbles/help"
	"github.com/charmbracelet/bubbles/key"
	"github.com/charmbracelet/bubbles/spinner"
	"github.com/charmbracelet/bubbles/table"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/Iron-Ham/pipesearch/internal/event"
)

// Pipeline states shown in the table.
const (
	StateNew        = "new"
	StateScoring    = "scoring"
	StateScored     = "scored"
	StateFailed     = "failed"
	StateTuning     = "tuning"
	StateTuned      = "tuned"
	StateTuneFailed = "tune failed"
	StateTraining   = "training"
	StateTrained    = "trained"
	StateTesting    = "testing"
	StateTested     = "tested"
)

// Search states shown in the header.
const (
	SearchConnecting = "connecting"
	SearchRunning    = "searching"
	SearchDone       = "done"
	SearchFailed     = "failed"
	SearchFinished   = "finished"
)

// transitions maps job events to the pipeline state they produce.
var transitions = map[string]string{
	event.ScoringStart:    StateScoring,
	event.ScoringSuccess:  StateScored,
	event.ScoringError:    StateFailed,
	event.TuningStart:     StateTuning,
	event.TuningSuccess:   StateTuned,
	event.TuningError:     StateTuneFailed,
	event.TrainingStart:   StateTraining,
	event.TrainingSuccess: StateTrained,
	event.TrainingError:   StateFailed,
	event.TestingStart:    StateTesting,
	event.TestingSuccess:  StateTested,
	event.TestingError:    StateFailed,
}

const maxLogLines = 6

type pipelineRow struct {
	id      string
	origin  string
	state   string
	updated time.Time
}

// Stream is the event source driving the model.
type Stream interface {
	Listen(ctx context.Context) tea.Cmd
	ReadLoop() tea.Cmd
}

// Model is the bubbletea model of the watch view.
type Model struct {
	ctx       context.Context
	stream    Stream
	sessionID string

	keys    KeyMap
	help    help.Model
	spinner spinner.Model
	table   table.Model

	rows   map[string]*pipelineRow
	order  []string
	status string
	err    string
	log    []string

	width  int
	height int
}

// NewModel creates the view for sessionID fed by stream.
func NewModel(ctx context.Context, stream Stream, sessionID string) Model {
	sp := spinner.New()
	sp.Spinner = spinner.Dot
	sp.Style = lipgloss.NewStyle().Foreground(PrimaryColor)

	t := table.New(
		table.WithColumns(columns(80)),
		table.WithFocused(true),
		table.WithHeight(10),
	)
	ts := table.DefaultStyles()
	ts.Header = ts.Header.Foreground(PrimaryColor).Bold(true)
	ts.Selected = ts.Selected.Foreground(TextColor).Background(lipgloss.Color("#374151"))
	t.SetStyles(ts)

	return Model{
		ctx:       ctx,
		stream:    stream,
		sessionID: sessionID,
		keys:      DefaultKeyMap(),
		help:      help.New(),
		spinner:   sp,
		table:     t,
		rows:      make(map[string]*pipelineRow),
		status:    SearchConnecting,
	}
}

func columns(width int) []table.Column {
	id := max(width-42, 36)
	return []table.Column{
		{Title: "Pipeline", Width: id},
		{Title: "Origin", Width: 12},
		{Title: "State", Width: 12},
		{Title: "Updated", Width: 10},
	}
}

// Init implements tea.Model.
func (m Model) Init() tea.Cmd {
	return tea.Batch(m.spinner.Tick, m.stream.Listen(m.ctx))
}

// Update implements tea.Model.
func (m Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		switch {
		case key.Matches(msg, m.keys.Quit):
			return m, tea.Quit
		case key.Matches(msg, m.keys.Top):
			m.table.GotoTop()
			return m, nil
		}
		var cmd tea.Cmd
		m.table, cmd = m.table.Update(msg)
		return m, cmd

	case tea.WindowSizeMsg:
		m.width, m.height = msg.Width, msg.Height
		m.table.SetColumns(columns(msg.Width - 4))
		m.table.SetHeight(max(msg.Height-12-maxLogLines, 3))
		m.help.Width = msg.Width
		return m, nil

	case spinner.TickMsg:
		var cmd tea.Cmd
		m.spinner, cmd = m.spinner.Update(msg)
		return m, cmd

	case ConnectedMsg:
		if m.status == SearchConnecting {
			m.status = SearchRunning
		}
		m.err = ""
		return m, m.stream.ReadLoop()

	case DisconnectedMsg:
		if m.status == SearchFinished || m.ctx.Err() != nil {
			return m, nil
		}
		if msg.Err != nil {
			m.err = msg.Err.Error()
		}
		return m, m.stream.Listen(m.ctx)

	case EnvelopeMsg:
		m.apply(msg.Envelope)
		m.refresh()
		if m.status == SearchFinished {
			return m, nil
		}
		return m, m.stream.ReadLoop()
	}
	return m, nil
}

// apply folds one event into the view state.
func (m *Model) apply(env event.Envelope) {
	pid, _ := env.Attributes["pipeline_id"].(string)
	errText, _ := env.Attributes["error"].(string)
	m.appendLog(env)

	switch env.Event {
	case event.NewPipeline:
		m.upsert(pid, "search", StateNew, env.Time)
		if m.status == SearchConnecting {
			m.status = SearchRunning
		}
	case event.NewFixedPipeline:
		m.upsert(pid, "fixed", StateNew, env.Time)
	case event.DoneSearching:
		m.status = SearchDone
	case event.SearchError:
		m.status = SearchFailed
		m.err = errText
	case event.FinishSession:
		m.status = SearchFinished
	default:
		state, ok := transitions[env.Event]
		if !ok || pid == "" {
			return
		}
		// A tuned pipeline's score is recorded by the tuning job; its
		// synthetic scoring event does not change the source row.
		if synthetic, _ := env.Attributes["synthetic"].(bool); synthetic {
			return
		}
		m.upsert(pid, "", state, env.Time)
		if env.Event == event.TuningSuccess {
			if newID, _ := env.Attributes["new_pipeline_id"].(string); newID != "" {
				m.upsert(newID, "tuned", StateScored, env.Time)
			}
		}
	}
}

func (m *Model) upsert(id, origin, state string, at time.Time) {
	if id == "" {
		return
	}
	row, ok := m.rows[id]
	if !ok {
		row = &pipelineRow{id: id, origin: origin}
		m.rows[id] = row
		m.order = append(m.order, id)
	}
	if origin != "" && row.origin == "" {
		row.origin = origin
	}
	row.state = state
	row.updated = at
}

func (m *Model) appendLog(env event.Envelope) {
	line := env.Time.Local().Format("15:04:05") + " " + env.Event
	if pid, _ := env.Attributes["pipeline_id"].(string); pid != "" {
		line += " " + shortID(pid)
	}
	m.log = append(m.log, line)
	if len(m.log) > maxLogLines {
		m.log = m.log[len(m.log)-maxLogLines:]
	}
}

func (m *Model) refresh() {
	rows := make([]table.Row, 0, len(m.order))
	for _, id := range m.order {
		r := m.rows[id]
		rows = append(rows, table.Row{r.id, r.origin, r.state, r.updated.Local().Format("15:04:05")})
	}
	m.table.SetRows(rows)
}

// Counts returns how many pipelines are in each state.
func (m Model) Counts() map[string]int {
	counts := make(map[string]int)
	for _, r := range m.rows {
		counts[r.state]++
	}
	return counts
}

// Status returns the search status shown in the header.
func (m Model) Status() string {
	return m.status
}

// View implements tea.Model.
func (m Model) View() string {
	var b strings.Builder

	header := Title.Render("pipesearch") + "  " + Subtitle.Render("session "+m.sessionID) + "  " + badge(m.status)
	if m.status == SearchRunning || m.status == SearchConnecting {
		header += " " + m.spinner.View()
	}
	b.WriteString(header + "\n\n")
	b.WriteString(m.summary() + "\n")
	if m.err != "" {
		b.WriteString(ErrorMsg.Render("error: "+m.err) + "\n")
	}
	b.WriteString(ContentBox.Render(m.table.View()) + "\n")
	if len(m.log) > 0 {
		b.WriteString(Muted.Render(strings.Join(m.log, "\n")) + "\n")
	}
	b.WriteString(StatusBar.Render(m.help.View(m.keys)))
	return b.String()
}

func (m Model) summary() string {
	counts := m.Counts()
	parts := []string{fmt.Sprintf("%d pipelines", len(m.rows))}
	for _, state := range []string{StateScoring, StateScored, StateFailed, StateTuning, StateTuned} {
		if n := counts[state]; n > 0 {
			parts = append(parts, stateStyle(state).Render(fmt.Sprintf("%d %s", n, state)))
		}
	}
	return strings.Join(parts, "  ")
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}

// Run shows the watch view until the user quits or ctx ends.
func Run(ctx context.Context, stream Stream, sessionID string) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	p := tea.NewProgram(NewModel(ctx, stream, sessionID), tea.WithAltScreen(), tea.WithContext(ctx))
	_, err := p.Run()
	return err
}
