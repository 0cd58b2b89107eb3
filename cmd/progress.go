package cmd

import (
	"context"
	"fmt"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/charmbracelet/bubbles/progress"
	"github.com/charmbracelet/bubbles/spinner"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/airframesio/observation-backfill/cmd/backfill"
)

// runReporter receives the progress of a local run. Methods are called from worker
// goroutines and must be safe for concurrent use.
type runReporter interface {
	Planned(runID string, totalChunks int)
	ChunkStarted(chunkKey string)
	ChunkDone(outcome backfill.ChunkOutcome)
	Finished()
}

// logReporter reports progress through the logger and the run info file.
type logReporter struct {
	mu   sync.Mutex
	info *RunInfo
}

func newLogReporter(variant string) *logReporter {
	return &logReporter{info: &RunInfo{
		PID:          os.Getpid(),
		StartTime:    time.Now(),
		Variant:      variant,
		InvocationID: invocationID,
	}}
}

func (r *logReporter) setPlan(runID string, totalChunks int) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.info.RunID = runID
	r.info.TotalChunks = totalChunks
	r.writeInfo()
}

// countDone records outcome and returns the completed and total chunk counts.
func (r *logReporter) countDone(outcome backfill.ChunkOutcome) (int, int) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.info.CompletedChunks++
	if !outcome.Success {
		r.info.FailedChunks++
	}
	r.writeInfo()
	return r.info.CompletedChunks, r.info.TotalChunks
}

func (r *logReporter) Planned(runID string, totalChunks int) {
	r.setPlan(runID, totalChunks)
	logger.Info(fmt.Sprintf("📋 Run %s: %d chunks to process", runID, totalChunks))
}

func (r *logReporter) ChunkStarted(chunkKey string) {
	logger.Debug(fmt.Sprintf("Processing %s", chunkKey))
}

func (r *logReporter) ChunkDone(outcome backfill.ChunkOutcome) {
	completed, total := r.countDone(outcome)
	if outcome.Success {
		logger.Info(fmt.Sprintf("✅ [%d/%d] %s", completed, total, outcome.ChunkKey))
		return
	}
	logger.Error(fmt.Sprintf("❌ [%d/%d] %s: %s", completed, total, outcome.ChunkKey, outcome.Error.Cause))
}

func (r *logReporter) Finished() {}

func (r *logReporter) writeInfo() {
	if err := WriteRunInfo(r.info); err != nil {
		logger.Debug(fmt.Sprintf("Failed to write run info: %v", err))
	}
}

type runPhase int

const (
	phasePlanning runPhase = iota
	phaseProcessing
	phaseComplete
)

type plannedMsg struct {
	runID       string
	totalChunks int
}

type chunkStartedMsg struct {
	chunkKey string
}

type chunkDoneMsg struct {
	outcome backfill.ChunkOutcome
}

type runFinishedMsg struct{}

var (
	helpStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("#626262")).
			Margin(0, 2)

	stageStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("#04B575")).
			Margin(0, 2)

	tableHeaderStyle = lipgloss.NewStyle().
				Foreground(lipgloss.Color("#FFAA00")).
				Bold(true).
				Margin(0, 2)

	progressInfoStyle = lipgloss.NewStyle().
				Foreground(lipgloss.Color("#888888")).
				Margin(0, 2)
)

const recentOutcomes = 5

type progressModel struct {
	phase     runPhase
	variant   string
	runID     string
	total     int
	completed int
	failed    int
	active    map[string]time.Time
	recent    []backfill.ChunkOutcome
	overall   progress.Model
	spinner   spinner.Model
	width     int
	startTime time.Time
	cancel    context.CancelFunc
}

func newProgressModel(variant string, cancel context.CancelFunc) progressModel {
	s := spinner.New()
	s.Spinner = spinner.Dot
	s.Style = lipgloss.NewStyle().Foreground(lipgloss.Color("#7D56F4"))

	return progressModel{
		phase:     phasePlanning,
		variant:   variant,
		active:    make(map[string]time.Time),
		overall:   progress.New(progress.WithDefaultGradient()),
		spinner:   s,
		startTime: time.Now(),
		cancel:    cancel,
	}
}

func (m progressModel) Init() tea.Cmd {
	return m.spinner.Tick
}

func (m progressModel) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		return m.handleKeyMsg(msg)
	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.overall.Width = msg.Width - 10
		return m, nil
	case spinner.TickMsg:
		var cmd tea.Cmd
		m.spinner, cmd = m.spinner.Update(msg)
		return m, cmd
	case progress.FrameMsg:
		model, cmd := m.overall.Update(msg)
		if pm, ok := model.(progress.Model); ok {
			m.overall = pm
		}
		return m, cmd
	case plannedMsg:
		m.phase = phaseProcessing
		m.runID = msg.runID
		m.total = msg.totalChunks
		return m, nil
	case chunkStartedMsg:
		m.active[msg.chunkKey] = time.Now()
		return m, nil
	case chunkDoneMsg:
		return m.handleChunkDone(msg)
	case runFinishedMsg:
		m.phase = phaseComplete
		return m, tea.Quit
	}
	return m, nil
}

func (m progressModel) handleKeyMsg(msg tea.KeyMsg) (tea.Model, tea.Cmd) {
	if msg.String() == "ctrl+c" || msg.String() == "q" {
		if m.cancel != nil {
			m.cancel()
		}
		return m, nil
	}
	return m, nil
}

func (m progressModel) handleChunkDone(msg chunkDoneMsg) (tea.Model, tea.Cmd) {
	delete(m.active, msg.outcome.ChunkKey)
	m.completed++
	if !msg.outcome.Success {
		m.failed++
	}

	m.recent = append(m.recent, msg.outcome)
	if len(m.recent) > recentOutcomes {
		m.recent = m.recent[len(m.recent)-recentOutcomes:]
	}

	if m.total == 0 {
		return m, nil
	}
	return m, m.overall.SetPercent(float64(m.completed) / float64(m.total))
}

func (m progressModel) renderHeader() []string {
	title := titleStyle.Render("Observation Backfill") + " " + infoStyle.Render(m.variant)
	lines := []string{"", "   " + title}
	if m.runID != "" {
		lines = append(lines, progressInfoStyle.Render("   Run "+m.runID))
	}
	return append(lines, "")
}

func (m progressModel) renderProcessing() []string {
	var sections []string
	sections = append(sections, tableHeaderStyle.Render("   Processing Chunks"))
	sections = append(sections, "")

	overallInfo := fmt.Sprintf("   Overall: %d/%d chunks (%d failed, %d in flight) - %s elapsed",
		m.completed, m.total, m.failed, len(m.active), time.Since(m.startTime).Round(time.Second))
	sections = append(sections, progressInfoStyle.Render(overallInfo))

	percent := 0.0
	if m.total > 0 {
		percent = float64(m.completed) / float64(m.total)
	}
	sections = append(sections, "   "+m.overall.ViewAs(percent))
	sections = append(sections, "")

	if len(m.recent) > 0 {
		sections = append(sections, tableHeaderStyle.Render("   Recent Results"))
		sections = append(sections, "")
		for _, outcome := range m.recent {
			if outcome.Success {
				sections = append(sections, fmt.Sprintf("   ✅ %s", outcome.ChunkKey))
			} else {
				sections = append(sections, fmt.Sprintf("   ❌ %s - %s", outcome.ChunkKey, outcome.Error.Error))
			}
		}
	}
	return sections
}

func (m progressModel) View() string {
	if m.phase == phaseComplete {
		return ""
	}

	sections := m.renderHeader()
	switch m.phase { //nolint:exhaustive // phaseComplete renders nothing
	case phasePlanning:
		sections = append(sections, stageStyle.Render("   "+m.spinner.View()+" Planning chunks..."))
	case phaseProcessing:
		sections = append(sections, m.renderProcessing()...)
	}

	separatorWidth := 60
	if m.width > 10 && m.width < 200 {
		separatorWidth = m.width - 6
	}
	sections = append(sections, "", "   "+strings.Repeat("─", separatorWidth))
	sections = append(sections, helpStyle.Render("   Press Ctrl+C or 'q' to cancel the run"))

	return lipgloss.JoinVertical(lipgloss.Left, sections...)
}

// teaReporter forwards progress to a running bubbletea program. The run info file is
// kept current through state.
type teaReporter struct {
	program *tea.Program
	state   *logReporter
}

func (r *teaReporter) Planned(runID string, totalChunks int) {
	r.state.setPlan(runID, totalChunks)
	r.program.Send(plannedMsg{runID: runID, totalChunks: totalChunks})
}

func (r *teaReporter) ChunkStarted(chunkKey string) {
	r.program.Send(chunkStartedMsg{chunkKey: chunkKey})
}

func (r *teaReporter) ChunkDone(outcome backfill.ChunkOutcome) {
	r.state.countDone(outcome)
	r.program.Send(chunkDoneMsg{outcome: outcome})
}

func (r *teaReporter) Finished() {
	r.program.Send(runFinishedMsg{})
}
