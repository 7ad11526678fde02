package config

import (
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

// Workstation is the per-machine configuration kept at
// ~/.afkbot/config.yaml. Adapter setup subcommands rewrite it in place.
type Workstation struct {
	RelayURL    string `yaml:"relay_url"`
	DeviceToken string `yaml:"device_token"`

	// SocketPath is the local rendezvous endpoint session runners
	// connect to. Defaults to $XDG_RUNTIME_DIR/afkbot.sock.
	SocketPath string `yaml:"socket_path,omitempty"`

	// ProjectsDir is where transcript files are deposited.
	ProjectsDir string `yaml:"projects_dir,omitempty"`

	IdleAfterSeconds int `yaml:"idle_after_seconds,omitempty"`

	Adapters map[string]map[string]string `yaml:"adapters,omitempty"`
}

// WorkstationPath returns the default config file location.
func WorkstationPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return "config.yaml"
	}
	return filepath.Join(home, ".afkbot", "config.yaml")
}

// DefaultSocketPath picks the runner rendezvous socket location.
func DefaultSocketPath() string {
	if dir := os.Getenv("XDG_RUNTIME_DIR"); dir != "" {
		return filepath.Join(dir, "afkbot.sock")
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "afkbot.sock"
	}
	return filepath.Join(home, ".afkbot", "afkbot.sock")
}

// DefaultProjectsDir is where the session runner deposits transcripts.
func DefaultProjectsDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".claude/projects"
	}
	return filepath.Join(home, ".claude", "projects")
}

// LoadWorkstation reads the YAML config and fills in defaults for
// unset paths. A missing file yields a config of pure defaults.
func LoadWorkstation(path string) (*Workstation, error) {
	if path == "" {
		path = WorkstationPath()
	}
	ws := &Workstation{}
	data, err := os.ReadFile(path)
	if err != nil && !os.IsNotExist(err) {
		return nil, fmt.Errorf("read config %s: %w", path, err)
	}
	if err == nil {
		if err := yaml.Unmarshal(data, ws); err != nil {
			return nil, fmt.Errorf("parse config %s: %w", path, err)
		}
	}
	if ws.SocketPath == "" {
		ws.SocketPath = DefaultSocketPath()
	}
	if ws.ProjectsDir == "" {
		ws.ProjectsDir = DefaultProjectsDir()
	}
	if ws.IdleAfterSeconds <= 0 {
		ws.IdleAfterSeconds = 60
	}
	return ws, nil
}

// SaveWorkstation writes the config with owner-only permissions since
// it holds the device credential.
func SaveWorkstation(path string, ws *Workstation) error {
	if path == "" {
		path = WorkstationPath()
	}
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return fmt.Errorf("create config dir: %w", err)
	}
	data, err := yaml.Marshal(ws)
	if err != nil {
		return fmt.Errorf("marshal config: %w", err)
	}
	if err := os.WriteFile(path, data, 0600); err != nil {
		return fmt.Errorf("write config %s: %w", path, err)
	}
	return nil
}
