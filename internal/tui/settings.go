package tui

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/huh"
	"github.com/charmbracelet/lipgloss"

	"github.com/aristath/distbuild/internal/config"
)

// SaveTarget is a config file the settings form can write.
type SaveTarget struct {
	Label string
	Path  string
}

// SettingsModel edits a configuration with a huh form and saves it through config.Save.
type SettingsModel struct {
	form    *huh.Form
	config  *config.Config
	targets []SaveTarget
	width   int
	height  int

	savedPath string
	aborted   bool
	err       error

	// Form field bindings (strings for huh)
	saveTarget     string
	localCores     string
	remoteWorkers  string
	toolRoot       string
	taskTimeout    string
	logLevel       string
	logFormat      string
	historyEnabled bool
	historyPath    string
}

// NewSettingsModel creates a form prefilled from cfg. targets must not be empty.
func NewSettingsModel(cfg *config.Config, targets []SaveTarget) SettingsModel {
	remotes := make([]string, 0, len(cfg.Pool.RemoteWorkers))
	for _, w := range cfg.Pool.RemoteWorkers {
		remotes = append(remotes, config.FormatRemoteWorker(w))
	}

	m := SettingsModel{
		config:  cfg,
		targets: targets,

		saveTarget:     targets[0].Path,
		localCores:     strconv.Itoa(cfg.Pool.LocalCores),
		remoteWorkers:  strings.Join(remotes, ", "),
		toolRoot:       cfg.Executor.ToolRoot,
		taskTimeout:    durationField(cfg.Executor.TaskTimeout.Duration),
		logLevel:       cfg.Log.Level,
		logFormat:      cfg.Log.Format,
		historyEnabled: cfg.History.Enabled,
		historyPath:    cfg.History.Path,
	}
	if m.logLevel == "" {
		m.logLevel = "info"
	}
	if m.logFormat == "" {
		m.logFormat = "text"
	}

	m.buildForm()
	return m
}

func durationField(d time.Duration) string {
	if d == 0 {
		return ""
	}
	return d.String()
}

// buildForm constructs the huh form with all settings fields.
func (m *SettingsModel) buildForm() {
	options := make([]huh.Option[string], 0, len(m.targets))
	for _, t := range m.targets {
		options = append(options, huh.NewOption(t.Label, t.Path))
	}

	m.form = huh.NewForm(
		huh.NewGroup(
			huh.NewSelect[string]().
				Key("saveTarget").
				Title("Save To").
				Options(options...).
				Value(&m.saveTarget),
		).Title("Save Target"),

		huh.NewGroup(
			huh.NewInput().
				Key("localCores").
				Title("Local Cores").
				Description("0 uses one core per CPU").
				Value(&m.localCores).
				Validate(validateCores),

			huh.NewInput().
				Key("remoteWorkers").
				Title("Remote Workers").
				Description("comma separated name=address entries").
				Value(&m.remoteWorkers).
				Placeholder("builder-1=ws://10.0.0.5:7420").
				Validate(validateRemotes),
		).Title("Pool"),

		huh.NewGroup(
			huh.NewInput().
				Key("toolRoot").
				Title("Tool Root").
				Value(&m.toolRoot).
				Placeholder("/opt/tools"),

			huh.NewInput().
				Key("taskTimeout").
				Title("Task Timeout").
				Description("empty for no timeout").
				Value(&m.taskTimeout).
				Placeholder("10m").
				Validate(validateDuration),
		).Title("Executor"),

		huh.NewGroup(
			huh.NewSelect[string]().
				Key("logLevel").
				Title("Log Level").
				Options(huh.NewOptions("debug", "info", "warn", "error")...).
				Value(&m.logLevel),

			huh.NewSelect[string]().
				Key("logFormat").
				Title("Log Format").
				Options(huh.NewOptions("text", "json")...).
				Value(&m.logFormat),
		).Title("Logging"),

		huh.NewGroup(
			huh.NewConfirm().
				Key("historyEnabled").
				Title("Record Job History").
				Value(&m.historyEnabled),

			huh.NewInput().
				Key("historyPath").
				Title("History Database").
				Description("empty for ~/.distbuild/history.db").
				Value(&m.historyPath),
		).Title("History"),
	)
}

func validateCores(s string) error {
	n, err := strconv.Atoi(strings.TrimSpace(s))
	if err != nil {
		return errors.New("must be a whole number")
	}
	if n < 0 {
		return errors.New("must not be negative")
	}
	return nil
}

func validateDuration(s string) error {
	_, err := parseDurationField(s)
	return err
}

func validateRemotes(s string) error {
	_, err := parseRemotesField(s)
	return err
}

func parseDurationField(s string) (time.Duration, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0, nil
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return 0, fmt.Errorf("not a duration: %q", s)
	}
	if d < 0 {
		return 0, errors.New("must not be negative")
	}
	return d, nil
}

func parseRemotesField(s string) ([]config.RemoteWorkerConfig, error) {
	var workers []config.RemoteWorkerConfig
	for _, entry := range strings.Split(s, ",") {
		if strings.TrimSpace(entry) == "" {
			continue
		}
		w, err := config.ParseRemoteWorker(entry)
		if err != nil {
			return nil, err
		}
		workers = append(workers, w)
	}
	return workers, nil
}

// applyForm returns a copy of the config with the form values applied.
func (m SettingsModel) applyForm() (*config.Config, error) {
	cfg := *m.config

	cores, err := strconv.Atoi(strings.TrimSpace(m.localCores))
	if err != nil {
		return nil, fmt.Errorf("local cores: %w", err)
	}
	remotes, err := parseRemotesField(m.remoteWorkers)
	if err != nil {
		return nil, err
	}
	timeout, err := parseDurationField(m.taskTimeout)
	if err != nil {
		return nil, fmt.Errorf("task timeout: %w", err)
	}

	cfg.Pool.LocalCores = cores
	cfg.Pool.RemoteWorkers = remotes
	cfg.Executor.ToolRoot = strings.TrimSpace(m.toolRoot)
	cfg.Executor.TaskTimeout = config.Duration{Duration: timeout}
	cfg.Log.Level = m.logLevel
	cfg.Log.Format = m.logFormat
	cfg.History.Enabled = m.historyEnabled
	cfg.History.Path = strings.TrimSpace(m.historyPath)
	return &cfg, nil
}

// save writes the form values to the selected target.
func (m *SettingsModel) save() {
	cfg, err := m.applyForm()
	if err == nil {
		err = config.Save(cfg, m.saveTarget)
	}
	if err != nil {
		m.err = err
		return
	}
	m.config = cfg
	m.savedPath = m.saveTarget
	m.err = nil
}

// Init initializes the settings form.
func (m SettingsModel) Init() tea.Cmd {
	return m.form.Init()
}

// Update handles messages for the settings form.
func (m SettingsModel) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		if msg.String() == "esc" {
			// Cancel without saving
			m.aborted = true
			return m, tea.Quit
		}
	case tea.WindowSizeMsg:
		m.width, m.height = msg.Width, msg.Height
		m.form = m.form.WithWidth(max(20, msg.Width-8))
	}

	form, cmd := m.form.Update(msg)
	if f, ok := form.(*huh.Form); ok {
		m.form = f
	}

	switch m.form.State {
	case huh.StateCompleted:
		m.save()
		return m, tea.Quit
	case huh.StateAborted:
		m.aborted = true
		return m, tea.Quit
	}
	return m, cmd
}

// View renders the settings form.
func (m SettingsModel) View() string {
	var content string
	switch {
	case m.err != nil:
		content = StyleStatusFailed.Render(fmt.Sprintf("✗ Error saving: %v", m.err))
	case m.savedPath != "":
		content = StyleStatusComplete.Render("✓ Saved " + m.savedPath)
	default:
		content = m.form.View()
	}

	title := lipgloss.NewStyle().
		Bold(true).
		Foreground(colorAccent).
		Render("⚙ Settings")
	body := StyleFocusedBorder.Padding(1, 2).Render(content)
	return lipgloss.JoinVertical(lipgloss.Left, title, body)
}

// SavedPath returns where the config was written, or "" if it was not.
func (m SettingsModel) SavedPath() string {
	return m.savedPath
}

// Aborted reports whether the user left the form without saving.
func (m SettingsModel) Aborted() bool {
	return m.aborted
}

// Err returns the save error, if any.
func (m SettingsModel) Err() error {
	return m.err
}
