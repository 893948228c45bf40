package config

import (
	"path/filepath"
	"strings"
	"testing"
	"time"
)

// setRequiredEnv sets the minimum environment for Load to succeed.
func setRequiredEnv(t *testing.T) {
	t.Helper()
	t.Setenv("DISCORD_TOKEN", "d-token")
	t.Setenv("GITHUB_TOKEN", "gh-token")
	t.Setenv("GITHUB_OWNER", "acme")
	t.Setenv("GITHUB_REPO", "widgets")
	t.Setenv("ISSUES_CHANNEL_ID", "chan-1")

	// Clear optional variables so ambient environment cannot leak in.
	for _, key := range []string{
		"AUTHORIZED_ROLES", "PROJECT_ID", "PROJECT_FIELD_STATUS", "PROJECT_STATUS_TODO",
		"BRIDGE_LISTEN_ADDR", "BRIDGE_DATA_DIR", "BRIDGE_DB_PATH", "BRIDGE_WORKERS",
		"BRIDGE_HTTP_TIMEOUT_MS",
	} {
		t.Setenv(key, "")
	}
}

func TestLoadDefaults(t *testing.T) {
	setRequiredEnv(t)

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if cfg.ListenAddr != ":8071" {
		t.Errorf("ListenAddr = %q, want :8071", cfg.ListenAddr)
	}
	if cfg.Workers != 4 {
		t.Errorf("Workers = %d, want 4", cfg.Workers)
	}
	if cfg.StatusFieldName != "Status" || cfg.StatusOptionName != "Backlog" {
		t.Errorf("status defaults = %q/%q, want Status/Backlog", cfg.StatusFieldName, cfg.StatusOptionName)
	}
	if cfg.HTTPTimeout != 30*time.Second {
		t.Errorf("HTTPTimeout = %v, want 30s", cfg.HTTPTimeout)
	}
	if cfg.ProjectEnabled() {
		t.Error("ProjectEnabled() = true without PROJECT_ID")
	}
	if len(cfg.AuthorizedRoles) != 0 {
		t.Errorf("AuthorizedRoles = %v, want empty", cfg.AuthorizedRoles)
	}
}

func TestLoadOverrides(t *testing.T) {
	setRequiredEnv(t)
	t.Setenv("PROJECT_ID", "PVT_123")
	t.Setenv("PROJECT_FIELD_STATUS", "State")
	t.Setenv("PROJECT_STATUS_TODO", "Todo")
	t.Setenv("AUTHORIZED_ROLES", "triage, maintainer ,,")
	t.Setenv("BRIDGE_LISTEN_ADDR", "127.0.0.1:9000")
	t.Setenv("BRIDGE_WORKERS", "2")
	t.Setenv("BRIDGE_HTTP_TIMEOUT_MS", "1500")
	dir := t.TempDir()
	t.Setenv("BRIDGE_DATA_DIR", dir)

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if !cfg.ProjectEnabled() {
		t.Error("ProjectEnabled() = false with PROJECT_ID set")
	}
	if cfg.StatusFieldName != "State" || cfg.StatusOptionName != "Todo" {
		t.Errorf("status names = %q/%q, want State/Todo", cfg.StatusFieldName, cfg.StatusOptionName)
	}
	if want := []string{"triage", "maintainer"}; len(cfg.AuthorizedRoles) != 2 ||
		cfg.AuthorizedRoles[0] != want[0] || cfg.AuthorizedRoles[1] != want[1] {
		t.Errorf("AuthorizedRoles = %v, want %v", cfg.AuthorizedRoles, want)
	}
	if cfg.ListenAddr != "127.0.0.1:9000" {
		t.Errorf("ListenAddr = %q", cfg.ListenAddr)
	}
	if cfg.Workers != 2 {
		t.Errorf("Workers = %d, want 2", cfg.Workers)
	}
	if cfg.HTTPTimeout != 1500*time.Millisecond {
		t.Errorf("HTTPTimeout = %v, want 1.5s", cfg.HTTPTimeout)
	}
	if cfg.DBPath != filepath.Join(dir, "bridge.db") {
		t.Errorf("DBPath = %q, want under %q", cfg.DBPath, dir)
	}
}

func TestLoadMissingRequired(t *testing.T) {
	tests := []struct {
		name  string
		unset string
		want  string
	}{
		{"discord token", "DISCORD_TOKEN", "DISCORD_TOKEN"},
		{"github token", "GITHUB_TOKEN", "GITHUB_TOKEN"},
		{"owner", "GITHUB_OWNER", "GITHUB_OWNER"},
		{"repo", "GITHUB_REPO", "GITHUB_OWNER"},
		{"channel", "ISSUES_CHANNEL_ID", "ISSUES_CHANNEL_ID"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			setRequiredEnv(t)
			t.Setenv(tt.unset, "")

			_, err := Load()
			if err == nil {
				t.Fatal("Load() succeeded with missing required variable")
			}
			if !strings.Contains(err.Error(), tt.want) {
				t.Errorf("error %q does not name %s", err, tt.want)
			}
		})
	}
}

func TestValidateListenAddr(t *testing.T) {
	tests := []struct {
		addr    string
		wantErr bool
	}{
		{":8071", false},
		{"127.0.0.1:8071", false},
		{"localhost:80", false},
		{"", true},
		{"8071", true},
		{":notaport", true},
		{":0", true},
		{":70000", true},
	}

	for _, tt := range tests {
		t.Run(tt.addr, func(t *testing.T) {
			cfg := DefaultConfig()
			cfg.DiscordToken = "d"
			cfg.GitHubToken = "g"
			cfg.Owner = "o"
			cfg.Repo = "r"
			cfg.IssuesChannelID = "c"
			cfg.ListenAddr = tt.addr

			err := cfg.Validate()
			if (err != nil) != tt.wantErr {
				t.Errorf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestValidateProjectNames(t *testing.T) {
	cfg := DefaultConfig()
	cfg.DiscordToken = "d"
	cfg.GitHubToken = "g"
	cfg.Owner = "o"
	cfg.Repo = "r"
	cfg.IssuesChannelID = "c"
	cfg.ProjectID = "PVT_123"
	cfg.StatusFieldName = ""

	if err := cfg.Validate(); err == nil {
		t.Error("Validate() succeeded with empty status field name and PROJECT_ID set")
	}

	cfg.StatusFieldName = "Status"
	cfg.StatusOptionName = ""
	if err := cfg.Validate(); err == nil {
		t.Error("Validate() succeeded with empty status option name and PROJECT_ID set")
	}

	// Without a project the field names are irrelevant.
	cfg.ProjectID = ""
	if err := cfg.Validate(); err != nil {
		t.Errorf("Validate() error = %v without project", err)
	}
}

func TestValidateWorkers(t *testing.T) {
	cfg := DefaultConfig()
	cfg.DiscordToken = "d"
	cfg.GitHubToken = "g"
	cfg.Owner = "o"
	cfg.Repo = "r"
	cfg.IssuesChannelID = "c"
	cfg.Workers = 0

	if err := cfg.Validate(); err == nil {
		t.Error("Validate() succeeded with zero workers")
	}
}

func TestSplitRoles(t *testing.T) {
	tests := []struct {
		in   string
		want int
	}{
		{"", 0},
		{"a", 1},
		{"a,b,c", 3},
		{" a , b ", 2},
		{",,", 0},
	}
	for _, tt := range tests {
		if got := splitRoles(tt.in); len(got) != tt.want {
			t.Errorf("splitRoles(%q) = %v, want %d roles", tt.in, got, tt.want)
		}
	}
}
