package tui

import (
	"strings"

	"github.com/charmbracelet/bubbles/key"
)

// keyMap holds every binding the views react to.
type keyMap struct {
	Quit       key.Binding
	CycleFocus key.Binding
	TasksPane  key.Binding
	JobPane    key.Binding
	Down       key.Binding
	Up         key.Binding
	NextFailed key.Binding
}

var keys = keyMap{
	Quit:       key.NewBinding(key.WithKeys("q", "ctrl+c"), key.WithHelp("q", "quit")),
	CycleFocus: key.NewBinding(key.WithKeys("tab", "shift+tab"), key.WithHelp("Tab", "cycle focus")),
	TasksPane:  key.NewBinding(key.WithKeys("1"), key.WithHelp("1", "tasks")),
	JobPane:    key.NewBinding(key.WithKeys("2"), key.WithHelp("2", "job")),
	Down:       key.NewBinding(key.WithKeys("j", "down"), key.WithHelp("j/k", "select task")),
	Up:         key.NewBinding(key.WithKeys("k", "up")),
	NextFailed: key.NewBinding(key.WithKeys("f"), key.WithHelp("f", "next failure")),
}

// HelpView returns a one-line help bar built from the bindings that carry help text.
func HelpView() string {
	bindings := []key.Binding{keys.CycleFocus, keys.TasksPane, keys.JobPane, keys.Down, keys.NextFailed, keys.Quit}
	parts := make([]string, 0, len(bindings))
	for _, b := range bindings {
		h := b.Help()
		parts = append(parts, h.Key+": "+h.Desc)
	}
	return StyleHelp.Render(strings.Join(parts, " | "))
}
