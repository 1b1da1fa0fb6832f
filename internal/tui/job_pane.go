package tui

import (
	"fmt"
	"strings"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/aristath/distbuild/internal/events"
)

// JobPaneModel shows whole-job progress.
type JobPaneModel struct {
	total     int
	running   int
	succeeded int
	failed    int // Failure and ExecutionException
	cancelled int
	started   time.Time
	finished  bool
	status    events.JobStatus
	elapsed   time.Duration
	width     int
	height    int
	focused   bool
}

// NewJobPaneModel creates a job pane for total tasks.
func NewJobPaneModel(total int) JobPaneModel {
	return JobPaneModel{total: total}
}

// Update handles messages for the job pane.
func (m JobPaneModel) Update(msg tea.Msg) (JobPaneModel, tea.Cmd) {
	switch msg := msg.(type) {
	case events.TaskStartedEvent:
		if m.started.IsZero() {
			m.started = msg.Timestamp
		}
		m.running++

	case events.TaskCompletedEvent:
		m.running = max(0, m.running-1)
		switch msg.Status {
		case events.StatusSuccess:
			m.succeeded++
		case events.StatusCancelled:
			m.cancelled++
		default:
			m.failed++
		}

	case events.JobCompleteEvent:
		m.finished = true
		m.status = msg.Status
		m.elapsed = msg.Elapsed
	}

	return m, nil
}

// Pending returns how many tasks have not started.
func (m JobPaneModel) Pending() int {
	return max(0, m.total-m.running-m.succeeded-m.failed-m.cancelled)
}

// Finished reports whether JobComplete has arrived, and its status.
func (m JobPaneModel) Finished() (events.JobStatus, bool) {
	return m.status, m.finished
}

// View renders the job pane.
func (m JobPaneModel) View() string {
	if m.width == 0 || m.height == 0 {
		return ""
	}

	var b strings.Builder

	title := StyleTitle.Render("Job Progress")
	b.WriteString(title)
	b.WriteString("\n")
	b.WriteString(strings.Repeat("=", lipgloss.Width(title)))
	b.WriteString("\n\n")

	b.WriteString(fmt.Sprintf("Total:     %d\n", m.total))
	b.WriteString(fmt.Sprintf("Succeeded: %s\n", StyleStatusComplete.Render(fmt.Sprintf("%d", m.succeeded))))
	b.WriteString(fmt.Sprintf("Running:   %s\n", StyleStatusRunning.Render(fmt.Sprintf("%d", m.running))))
	b.WriteString(fmt.Sprintf("Failed:    %s\n", StyleStatusFailed.Render(fmt.Sprintf("%d", m.failed))))
	b.WriteString(fmt.Sprintf("Cancelled: %s\n", StyleStatusCancelled.Render(fmt.Sprintf("%d", m.cancelled))))
	b.WriteString(fmt.Sprintf("Pending:   %s\n", StyleStatusPending.Render(fmt.Sprintf("%d", m.Pending()))))

	b.WriteString("\n")

	if m.total > 0 {
		barWidth := max(1, min(m.width-14, 40))
		succeededWidth := (m.succeeded * barWidth) / m.total
		failedWidth := ((m.failed + m.cancelled) * barWidth) / m.total
		runningWidth := (m.running * barWidth) / m.total
		pendingWidth := barWidth - succeededWidth - failedWidth - runningWidth

		bar := StyleStatusComplete.Render(strings.Repeat("=", max(0, succeededWidth)))
		bar += StyleStatusFailed.Render(strings.Repeat("!", max(0, failedWidth)))
		bar += StyleStatusRunning.Render(strings.Repeat("-", max(0, runningWidth)))
		bar += StyleStatusPending.Render(strings.Repeat(".", max(0, pendingWidth)))

		b.WriteString(fmt.Sprintf("[%s]  %d/%d\n\n", bar, m.succeeded, m.total))
	}

	switch {
	case m.finished && m.status == events.JobSuccess:
		b.WriteString(StyleStatusComplete.Render(fmt.Sprintf("Build succeeded in %v", m.elapsed.Round(time.Millisecond))))
	case m.finished:
		b.WriteString(StyleStatusFailed.Render(fmt.Sprintf("Build failed after %v", m.elapsed.Round(time.Millisecond))))
	case !m.started.IsZero():
		b.WriteString(StyleStatusRunning.Render(fmt.Sprintf("Building for %v", time.Since(m.started).Round(time.Second))))
	default:
		b.WriteString(StyleStatusPending.Render("Reserving cores..."))
	}

	return paneStyle(m.focused, m.width, m.height).Render(b.String())
}

// SetSize updates the pane dimensions.
func (m *JobPaneModel) SetSize(w, h int) {
	m.width = w
	m.height = h
}

// SetFocused updates the focus state.
func (m *JobPaneModel) SetFocused(focused bool) {
	m.focused = focused
}
