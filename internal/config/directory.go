package config

import (
	"fmt"
	"log/slog"
	"os"
	"sync"
	"time"

	"gopkg.in/yaml.v3"
)

// Node is one configured backend serving node. Type selects the client used
// to reach it: "llama" nodes speak the HTTP node contract, "hosted" nodes are
// adapted onto an OpenAI-compatible hosted API.
type Node struct {
	BaseURL     string `yaml:"base_url"`
	APIKeyName  string `yaml:"api_key_name"`
	APIKey      string `yaml:"api_key"`
	Type        string `yaml:"type"`
	HostedModel string `yaml:"hosted_model"`
}

const (
	NodeTypeLlama  = "llama"
	NodeTypeHosted = "hosted"
)

const (
	QuotaRequests = "requests"
	QuotaTokens   = "tokens"
)

// Quota caps a user's request or token volume over a trailing window.
type Quota struct {
	Type          string `yaml:"type"`
	IntervalHours int    `yaml:"interval_hours"`
	Limit         int64  `yaml:"limit"`
}

type Role struct {
	AllowPaths   []string `yaml:"allow_paths"`
	AllowPrompts []string `yaml:"allow_prompts"`
	AllowNodes   []string `yaml:"allow_nodes"`
	AllowTabs    []string `yaml:"allow_tabs"`
	Limit        []Quota  `yaml:"limit"`
}

type User struct {
	Name          string  `yaml:"name"`
	Role          string  `yaml:"role"`
	Token         string  `yaml:"token"`
	Limit         []Quota `yaml:"limit"`
	OptOutLogging bool    `yaml:"opt_out_content_logging"`
}

// Quotas returns the user's effective quota list: per-user overrides if set,
// otherwise the role defaults.
func (u User) Quotas(role Role) []Quota {
	if len(u.Limit) > 0 {
		return u.Limit
	}
	return role.Limit
}

type Prompt struct {
	Template     string            `yaml:"prompt"`
	Version      string            `yaml:"version"`
	TargetModels []string          `yaml:"target_models"`
	Defaults     map[string]string `yaml:"defaults"`
	Param        map[string]any    `yaml:"param"`
}

// Snapshot is one immutable view of all four directory files. Request
// handling reads a snapshot and never mutates it.
type Snapshot struct {
	Nodes   map[string]Node
	Roles   map[string]Role
	Users   map[string]User
	Prompts map[string]Prompt
}

func loadYamlFile[T any](path string) (map[string]T, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("error reading %s: %w", path, err)
	}

	out := make(map[string]T)
	if err := yaml.Unmarshal(data, &out); err != nil {
		return nil, fmt.Errorf("error parsing %s: %w", path, err)
	}
	return out, nil
}

type Paths struct {
	Nodes   string `env:"NODES_FILE" envDefault:"nodes.yml"`
	Roles   string `env:"ROLES_FILE" envDefault:"roles.yml"`
	Users   string `env:"USERS_FILE" envDefault:"users.yml"`
	Prompts string `env:"PROMPTS_FILE" envDefault:"prompts.yml"`
}

func LoadSnapshot(paths Paths) (*Snapshot, error) {
	nodes, err := loadYamlFile[Node](paths.Nodes)
	if err != nil {
		return nil, err
	}
	roles, err := loadYamlFile[Role](paths.Roles)
	if err != nil {
		return nil, err
	}
	users, err := loadYamlFile[User](paths.Users)
	if err != nil {
		return nil, err
	}
	prompts, err := loadYamlFile[Prompt](paths.Prompts)
	if err != nil {
		return nil, err
	}

	return &Snapshot{Nodes: nodes, Roles: roles, Users: users, Prompts: prompts}, nil
}

// Directory holds the current snapshot and swaps it atomically on reload.
type Directory struct {
	mu       sync.RWMutex
	snapshot *Snapshot
	paths    Paths
}

func NewDirectory(paths Paths) (*Directory, error) {
	snap, err := LoadSnapshot(paths)
	if err != nil {
		return nil, err
	}
	return &Directory{snapshot: snap, paths: paths}, nil
}

// NewStaticDirectory wraps a fixed snapshot, used by tests and embedded setups.
func NewStaticDirectory(snap *Snapshot) *Directory {
	return &Directory{snapshot: snap}
}

func (d *Directory) Snapshot() *Snapshot {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.snapshot
}

func (d *Directory) Reload() error {
	if d.paths == (Paths{}) {
		return nil
	}

	snap, err := LoadSnapshot(d.paths)
	if err != nil {
		return err
	}

	d.mu.Lock()
	d.snapshot = snap
	d.mu.Unlock()
	return nil
}

// Replace swaps in a new snapshot directly. Used when directory content comes
// from somewhere other than the configured files.
func (d *Directory) Replace(snap *Snapshot) {
	d.mu.Lock()
	d.snapshot = snap
	d.mu.Unlock()
}

// StartReloader re-reads the directory files on the given interval until stop
// is closed. A failed reload keeps the previous snapshot.
func (d *Directory) StartReloader(interval time.Duration, stop <-chan struct{}, onReload func()) {
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-stop:
				return
			case <-ticker.C:
				if err := d.Reload(); err != nil {
					slog.Error("directory reload failed, keeping previous snapshot", "error", err)
					continue
				}
				if onReload != nil {
					onReload()
				}
			}
		}
	}()
}
