package tui

import (
	"path/filepath"
	"testing"
	"time"

	tea "github.com/charmbracelet/bubbletea"

	"github.com/aristath/distbuild/internal/config"
)

func newTestSettings(t *testing.T) (SettingsModel, string) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.json")
	cfg := config.DefaultConfig()
	cfg.Pool.RemoteWorkers = []config.RemoteWorkerConfig{{Name: "builder-1", Address: "ws://10.0.0.5:7420"}}
	return NewSettingsModel(cfg, []SaveTarget{{Label: "test", Path: path}}), path
}

func TestSettingsPrefillsFromConfig(t *testing.T) {
	m, path := newTestSettings(t)

	if m.saveTarget != path {
		t.Errorf("expected first target selected, got %q", m.saveTarget)
	}
	if m.remoteWorkers != "builder-1=ws://10.0.0.5:7420" {
		t.Errorf("unexpected remote workers field %q", m.remoteWorkers)
	}
	if m.localCores != "0" || m.logLevel != "info" || m.logFormat != "text" || !m.historyEnabled {
		t.Errorf("unexpected prefill %+v", m)
	}
}

func TestSettingsSaveWritesConfig(t *testing.T) {
	m, path := newTestSettings(t)
	m.localCores = " 6 "
	m.remoteWorkers = "a=ws://a:7420, ws://b:7420,"
	m.taskTimeout = "90s"
	m.logLevel = "debug"
	m.historyEnabled = false

	m.save()
	if m.Err() != nil {
		t.Fatalf("save failed: %v", m.Err())
	}
	if m.SavedPath() != path {
		t.Errorf("expected saved path %s, got %q", path, m.SavedPath())
	}

	loaded, err := config.Load("", path)
	if err != nil {
		t.Fatal(err)
	}
	if loaded.Pool.LocalCores != 6 || loaded.Log.Level != "debug" || loaded.History.Enabled {
		t.Errorf("form values not saved: %+v", loaded)
	}
	if loaded.Executor.TaskTimeout.Duration != 90*time.Second {
		t.Errorf("expected 90s timeout, got %v", loaded.Executor.TaskTimeout)
	}
	want := []config.RemoteWorkerConfig{{Name: "a", Address: "ws://a:7420"}, {Address: "ws://b:7420"}}
	if len(loaded.Pool.RemoteWorkers) != len(want) {
		t.Fatalf("expected %d workers, got %+v", len(want), loaded.Pool.RemoteWorkers)
	}
	for i, w := range want {
		if loaded.Pool.RemoteWorkers[i] != w {
			t.Errorf("worker %d = %+v, want %+v", i, loaded.Pool.RemoteWorkers[i], w)
		}
	}
}

func TestSettingsSaveRejectsInvalidValues(t *testing.T) {
	tests := []struct {
		name  string
		apply func(m *SettingsModel)
	}{
		{name: "cores not a number", apply: func(m *SettingsModel) { m.localCores = "many" }},
		{name: "negative cores", apply: func(m *SettingsModel) { m.localCores = "-2" }},
		{name: "bad timeout", apply: func(m *SettingsModel) { m.taskTimeout = "soon" }},
		{name: "worker without address", apply: func(m *SettingsModel) { m.remoteWorkers = "a=" }},
		{name: "duplicate worker", apply: func(m *SettingsModel) { m.remoteWorkers = "a=ws://x, a=ws://y" }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m, _ := newTestSettings(t)
			tt.apply(&m)
			m.save()
			if m.Err() == nil {
				t.Error("expected save error")
			}
			if m.SavedPath() != "" {
				t.Errorf("expected nothing saved, got %q", m.SavedPath())
			}
		})
	}
}

func TestSettingsFieldValidators(t *testing.T) {
	tests := []struct {
		name    string
		check   func(string) error
		in      string
		wantErr bool
	}{
		{name: "cores", check: validateCores, in: "4"},
		{name: "cores negative", check: validateCores, in: "-1", wantErr: true},
		{name: "duration empty", check: validateDuration, in: ""},
		{name: "duration", check: validateDuration, in: "5m"},
		{name: "duration invalid", check: validateDuration, in: "5 minutes", wantErr: true},
		{name: "remotes empty", check: validateRemotes, in: ""},
		{name: "remotes", check: validateRemotes, in: "a=ws://a, b=ws://b"},
		{name: "remotes missing address", check: validateRemotes, in: "a=ws://a, b=", wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.check(tt.in)
			if (err != nil) != tt.wantErr {
				t.Errorf("validate(%q) = %v, wantErr %v", tt.in, err, tt.wantErr)
			}
		})
	}
}

func TestSettingsEscapeAborts(t *testing.T) {
	m, _ := newTestSettings(t)

	next, cmd := m.Update(tea.KeyMsg{Type: tea.KeyEsc})
	if cmd == nil {
		t.Fatal("expected quit command")
	}
	if _, ok := cmd().(tea.QuitMsg); !ok {
		t.Error("expected tea.QuitMsg")
	}
	s := next.(SettingsModel)
	if !s.Aborted() || s.SavedPath() != "" {
		t.Errorf("expected aborted without saving, got aborted=%v saved=%q", s.Aborted(), s.SavedPath())
	}
}
