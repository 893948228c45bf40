package config

import (
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"
)

// Config holds the bridge configuration, read once from the environment at
// startup. Everything downstream receives this struct explicitly; there are
// no ambient singletons.
type Config struct {
	// Chat side.
	DiscordToken    string
	IssuesChannelID string
	AuthorizedRoles []string // empty means no role restriction

	// Tracker side.
	GitHubToken string
	Owner       string
	Repo        string

	// Board integration. An empty ProjectID disables it entirely; that is
	// not an error.
	ProjectID        string
	StatusFieldName  string
	StatusOptionName string

	// Bridge-local settings.
	ListenAddr  string
	DataDir     string
	DBPath      string
	Workers     int
	HTTPTimeout time.Duration
}

// DefaultConfig returns a Config with defaults for the bridge-local
// settings. Tokens and identifiers have no defaults.
func DefaultConfig() *Config {
	home, _ := os.UserHomeDir()
	dataDir := filepath.Join(home, ".issuebridge")
	return &Config{
		StatusFieldName:  "Status",
		StatusOptionName: "Backlog",
		ListenAddr:       ":8071",
		DataDir:          dataDir,
		DBPath:           filepath.Join(dataDir, "bridge.db"),
		Workers:          4,
		HTTPTimeout:      30 * time.Second,
	}
}

// Load reads configuration from environment variables and validates it.
func Load() (*Config, error) {
	cfg := DefaultConfig()

	cfg.DiscordToken = os.Getenv("DISCORD_TOKEN")
	cfg.IssuesChannelID = os.Getenv("ISSUES_CHANNEL_ID")
	cfg.AuthorizedRoles = splitRoles(os.Getenv("AUTHORIZED_ROLES"))

	cfg.GitHubToken = os.Getenv("GITHUB_TOKEN")
	cfg.Owner = os.Getenv("GITHUB_OWNER")
	cfg.Repo = os.Getenv("GITHUB_REPO")

	cfg.ProjectID = os.Getenv("PROJECT_ID")
	cfg.StatusFieldName = getenv("PROJECT_FIELD_STATUS", cfg.StatusFieldName)
	cfg.StatusOptionName = getenv("PROJECT_STATUS_TODO", cfg.StatusOptionName)

	cfg.ListenAddr = getenv("BRIDGE_LISTEN_ADDR", cfg.ListenAddr)
	cfg.DataDir = expandHome(getenv("BRIDGE_DATA_DIR", cfg.DataDir))
	cfg.DBPath = expandHome(getenv("BRIDGE_DB_PATH", filepath.Join(cfg.DataDir, "bridge.db")))
	cfg.Workers = getenvInt("BRIDGE_WORKERS", cfg.Workers)
	if ms := getenvInt("BRIDGE_HTTP_TIMEOUT_MS", 0); ms > 0 {
		cfg.HTTPTimeout = time.Duration(ms) * time.Millisecond
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation: %w", err)
	}
	return cfg, nil
}

// Validate checks that the Config contains valid values. A failure here is
// fatal: the process must not begin consuming events.
func (c *Config) Validate() error {
	if c.DiscordToken == "" {
		return fmt.Errorf("DISCORD_TOKEN is required")
	}
	if c.GitHubToken == "" {
		return fmt.Errorf("GITHUB_TOKEN is required")
	}
	if c.Owner == "" || c.Repo == "" {
		return fmt.Errorf("GITHUB_OWNER and GITHUB_REPO are required")
	}
	if c.IssuesChannelID == "" {
		return fmt.Errorf("ISSUES_CHANNEL_ID is required")
	}
	if c.ProjectID != "" {
		if c.StatusFieldName == "" {
			return fmt.Errorf("PROJECT_FIELD_STATUS must not be empty when PROJECT_ID is set")
		}
		if c.StatusOptionName == "" {
			return fmt.Errorf("PROJECT_STATUS_TODO must not be empty when PROJECT_ID is set")
		}
	}

	if c.ListenAddr == "" {
		return fmt.Errorf("listen addr must not be empty")
	}
	_, portStr, err := net.SplitHostPort(c.ListenAddr)
	if err != nil {
		return fmt.Errorf("invalid listen addr %q: %w", c.ListenAddr, err)
	}
	port, err := strconv.Atoi(portStr)
	if err != nil {
		return fmt.Errorf("invalid port in listen addr %q: %w", c.ListenAddr, err)
	}
	if port < 1 || port > 65535 {
		return fmt.Errorf("port %d out of range (1-65535)", port)
	}

	if c.DataDir == "" {
		return fmt.Errorf("data dir must not be empty")
	}
	if c.Workers < 1 {
		return fmt.Errorf("workers must be >= 1, got %d", c.Workers)
	}
	return nil
}

// ProjectEnabled reports whether board integration is configured.
func (c *Config) ProjectEnabled() bool { return c.ProjectID != "" }

// EnsureDataDir creates the data directory if it does not exist.
func EnsureDataDir(cfg *Config) error {
	if err := os.MkdirAll(cfg.DataDir, 0755); err != nil {
		return fmt.Errorf("create data dir %s: %w", cfg.DataDir, err)
	}
	return nil
}

// expandHome replaces a leading "~" with the user's home directory.
func expandHome(path string) string {
	if strings.HasPrefix(path, "~/") || path == "~" {
		home, err := os.UserHomeDir()
		if err != nil {
			return path
		}
		return filepath.Join(home, path[1:])
	}
	return path
}

// splitRoles parses a comma-separated role list, dropping empty elements.
func splitRoles(s string) []string {
	if s == "" {
		return nil
	}
	var roles []string
	for _, r := range strings.Split(s, ",") {
		if r = strings.TrimSpace(r); r != "" {
			roles = append(roles, r)
		}
	}
	return roles
}

func getenv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func getenvInt(key string, fallback int) int {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return fallback
	}
	return n
}
