package tui

import (
	"fmt"
	"strings"
	"time"

	"github.com/charmbracelet/bubbles/key"
	"github.com/charmbracelet/bubbles/viewport"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/aristath/distbuild/internal/events"
	"github.com/aristath/distbuild/internal/graph"
)

// TaskPhase is where a task is in its lifecycle.
type TaskPhase int

const (
	PhasePending TaskPhase = iota
	PhaseRunning
	PhaseDone
)

// TaskState is the display state of one task.
type TaskState struct {
	ID          string
	DisplayName string
	Phase       TaskPhase
	Status      events.CompletionStatus // Valid once Phase is PhaseDone
	ExitCode    int
	Worker      string
	Core        int
	Output      []string
	Elapsed     time.Duration
}

// TaskPaneModel is the task list plus the output viewport of the selected task.
type TaskPaneModel struct {
	tasks       map[string]*TaskState
	taskOrder   []string // graph insertion order
	selectedIdx int
	viewport    viewport.Model
	width       int
	height      int
	focused     bool
	updateTag   int // for debouncing
}

// NewTaskPaneModel creates a task pane listing every task of g as pending.
func NewTaskPaneModel(g *graph.Graph) TaskPaneModel {
	m := TaskPaneModel{
		tasks:    make(map[string]*TaskState, g.Len()),
		viewport: viewport.New(0, 0),
	}
	for _, t := range g.Tasks() {
		m.tasks[t.Name] = &TaskState{ID: t.Name, DisplayName: t.DisplayName()}
		m.taskOrder = append(m.taskOrder, t.Name)
	}
	return m
}

// tickMsg is used for debouncing viewport updates.
type tickMsg struct {
	tag int
}

// Update handles messages for the task pane.
func (m TaskPaneModel) Update(msg tea.Msg) (TaskPaneModel, tea.Cmd) {
	var cmd tea.Cmd

	switch msg := msg.(type) {
	case tea.KeyMsg:
		if !m.focused {
			break
		}

		switch {
		case key.Matches(msg, keys.Down):
			if m.selectedIdx < len(m.taskOrder)-1 {
				m.selectedIdx++
				m.updateViewportContent()
			}
		case key.Matches(msg, keys.Up):
			if m.selectedIdx > 0 {
				m.selectedIdx--
				m.updateViewportContent()
			}
		case key.Matches(msg, keys.NextFailed):
			m.selectNextFailure()
		default:
			// Delegate other keys to viewport for scrolling
			m.viewport, cmd = m.viewport.Update(msg)
		}

	case events.TaskStartedEvent:
		task := m.task(msg.ID, msg.DisplayName)
		task.Phase = PhaseRunning
		task.Worker = msg.WorkerName
		task.Core = msg.WorkerCore

		// Follow the first task that starts
		if m.allPending(msg.ID) {
			m.selectedIdx = m.indexOf(msg.ID)
		}
		if m.SelectedTaskID() == msg.ID {
			m.updateViewportContent()
		}

	case events.TaskOutputEvent:
		task := m.task(msg.ID, "")
		line := msg.Line
		if msg.Stream == events.StreamStderr {
			line = StyleStderr.Render(line)
		}
		task.Output = append(task.Output, line)
		if m.SelectedTaskID() == msg.ID {
			m.updateTag++
			tag := m.updateTag
			return m, tea.Tick(50*time.Millisecond, func(time.Time) tea.Msg {
				return tickMsg{tag: tag}
			})
		}

	case events.TaskCompletedEvent:
		task := m.task(msg.ID, "")
		task.Phase = PhaseDone
		task.Status = msg.Status
		task.ExitCode = msg.ExitCode
		task.Elapsed = msg.Elapsed
		switch msg.Status {
		case events.StatusSuccess:
			task.Output = append(task.Output, fmt.Sprintf("\n[Completed in %v]", msg.Elapsed.Round(time.Millisecond)))
		case events.StatusFailure:
			task.Output = append(task.Output, fmt.Sprintf("\n[Failed with exit code %d]", msg.ExitCode))
		case events.StatusCancelled:
			task.Output = append(task.Output, "\n[Cancelled]")
		case events.StatusException:
			task.Output = append(task.Output, fmt.Sprintf("\n[Error: %s]", msg.ExceptionMessage))
		}
		if m.SelectedTaskID() == msg.ID {
			m.updateViewportContent()
		}

	case tickMsg:
		// Only update if this tick matches the current tag (debouncing)
		if msg.tag == m.updateTag {
			m.updateViewportContent()
		}
	}

	return m, cmd
}

// task returns the state for id, adding it when the graph did not list it.
func (m *TaskPaneModel) task(id, displayName string) *TaskState {
	if t, ok := m.tasks[id]; ok {
		return t
	}
	if displayName == "" {
		displayName = id
	}
	t := &TaskState{ID: id, DisplayName: displayName}
	m.tasks[id] = t
	m.taskOrder = append(m.taskOrder, id)
	return t
}

func (m TaskPaneModel) allPending(except string) bool {
	for id, t := range m.tasks {
		if id != except && t.Phase != PhasePending {
			return false
		}
	}
	return true
}

func (m TaskPaneModel) indexOf(id string) int {
	for i, name := range m.taskOrder {
		if name == id {
			return i
		}
	}
	return 0
}

// selectNextFailure moves the selection to the next task that did not succeed.
func (m *TaskPaneModel) selectNextFailure() {
	n := len(m.taskOrder)
	for step := 1; step <= n; step++ {
		i := (m.selectedIdx + step) % n
		t := m.tasks[m.taskOrder[i]]
		if t.Phase == PhaseDone && t.Status != events.StatusSuccess {
			m.selectedIdx = i
			m.updateViewportContent()
			return
		}
	}
}

// View renders the task pane.
func (m TaskPaneModel) View() string {
	if m.width == 0 || m.height == 0 {
		return ""
	}

	listWidth := m.listWidth()
	viewportWidth := m.width - listWidth - 4 // account for borders and padding

	content := lipgloss.JoinHorizontal(
		lipgloss.Top,
		m.renderTaskList(listWidth),
		lipgloss.NewStyle().
			Width(viewportWidth).
			Height(m.height-2).
			Render(m.viewport.View()),
	)

	return paneStyle(m.focused, m.width, m.height).Render(content)
}

func (m TaskPaneModel) listWidth() int {
	return max(20, min(40, m.width/3))
}

// renderTaskList renders the task list column, scrolled so the selection stays visible.
func (m TaskPaneModel) renderTaskList(width int) string {
	var b strings.Builder

	title := StyleTitle.Render("Tasks")
	b.WriteString(title)
	b.WriteString("\n")
	b.WriteString(strings.Repeat("=", min(width, lipgloss.Width(title))))
	b.WriteString("\n\n")

	rows := max(1, m.height-6)
	first := 0
	if m.selectedIdx >= rows {
		first = m.selectedIdx - rows + 1
	}

	for i := first; i < len(m.taskOrder) && i < first+rows; i++ {
		task := m.tasks[m.taskOrder[i]]
		name := task.DisplayName
		if limit := width - 4; len(name) > limit && limit > 3 {
			name = name[:limit-3] + "..."
		}

		line := fmt.Sprintf("%s %s", StatusIcon(task), name)
		if i == m.selectedIdx {
			line = StyleSelected.Render(line)
		}
		b.WriteString(line)
		b.WriteString("\n")
	}

	return lipgloss.NewStyle().
		Width(width).
		Height(m.height - 2).
		Render(b.String())
}

// StatusIcon returns a styled status indicator.
func StatusIcon(t *TaskState) string {
	switch t.Phase {
	case PhaseRunning:
		return StyleStatusRunning.Render("●")
	case PhaseDone:
		icon := "✗"
		switch t.Status {
		case events.StatusSuccess:
			icon = "✓"
		case events.StatusCancelled:
			icon = "⊘"
		}
		return completionStyle(t.Status).Render(icon)
	default:
		return StyleStatusPending.Render("○")
	}
}

// SelectedTaskID returns the ID of the selected task.
func (m TaskPaneModel) SelectedTaskID() string {
	if m.selectedIdx >= 0 && m.selectedIdx < len(m.taskOrder) {
		return m.taskOrder[m.selectedIdx]
	}
	return ""
}

// Task returns the display state of id.
func (m TaskPaneModel) Task(id string) (TaskState, bool) {
	t, ok := m.tasks[id]
	if !ok {
		return TaskState{}, false
	}
	return *t, true
}

// updateViewportContent shows the selected task's header and output.
func (m *TaskPaneModel) updateViewportContent() {
	task, ok := m.tasks[m.SelectedTaskID()]
	if !ok {
		m.viewport.SetContent("Waiting for tasks...")
		return
	}

	var b strings.Builder
	b.WriteString(StyleTitle.Render(task.DisplayName))
	if task.Worker != "" {
		fmt.Fprintf(&b, " on %s#%d", task.Worker, task.Core)
	}
	b.WriteString("\n\n")
	if task.Phase == PhasePending {
		b.WriteString(StyleStatusPending.Render("Waiting for dependencies..."))
	}
	b.WriteString(strings.Join(task.Output, "\n"))

	m.viewport.SetContent(b.String())
	// Auto-scroll to bottom
	m.viewport.GotoBottom()
}

// resizeViewport resizes the viewport based on pane dimensions.
func (m *TaskPaneModel) resizeViewport() {
	m.viewport.Width = max(10, m.width-m.listWidth()-4)
	m.viewport.Height = max(5, m.height-4) // account for borders
}

// SetSize updates the pane dimensions.
func (m *TaskPaneModel) SetSize(w, h int) {
	m.width = w
	m.height = h
	m.resizeViewport()
	m.updateViewportContent()
}

// SetFocused updates the focus state.
func (m *TaskPaneModel) SetFocused(focused bool) {
	m.focused = focused
}
