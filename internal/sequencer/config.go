package sequencer

import (
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

// config.go loads the yaml topology for one sequencer process: the set of
// client sessions a broker serves and where each one's stash log lives.

// SessionSpec describes one client session's identity and stash location.
type SessionSpec struct {
	ID      string `yaml:"id"`
	WALPath string `yaml:"wal_path"`
}

// Topology is the static configuration for one sequencer process.
type Topology struct {
	ListenAddr string        `yaml:"listen_addr"`
	DataDir    string        `yaml:"data_dir"`
	Sessions   []SessionSpec `yaml:"sessions"`
}

// LoadTopology reads and parses a yaml topology file.
func LoadTopology(path string) (Topology, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return Topology{}, fmt.Errorf("sequencer: read topology %s: %w", path, err)
	}
	var t Topology
	if err := yaml.Unmarshal(raw, &t); err != nil {
		return Topology{}, fmt.Errorf("sequencer: parse topology %s: %w", path, err)
	}
	if t.ListenAddr == "" {
		return Topology{}, fmt.Errorf("sequencer: topology %s missing listen_addr", path)
	}
	if t.DataDir == "" {
		t.DataDir = filepath.Dir(path)
	}
	if len(t.Sessions) == 0 {
		return Topology{}, fmt.Errorf("sequencer: topology %s declares no sessions", path)
	}
	seen := make(map[string]bool, len(t.Sessions))
	for _, s := range t.Sessions {
		if s.ID == "" {
			return Topology{}, fmt.Errorf("sequencer: topology %s has a session with no id", path)
		}
		if seen[s.ID] {
			return Topology{}, fmt.Errorf("sequencer: topology %s declares session %q twice", path, s.ID)
		}
		seen[s.ID] = true
	}
	return t, nil
}

// SessionByID returns the spec for id, if declared.
func (t Topology) SessionByID(id string) (SessionSpec, bool) {
	for _, s := range t.Sessions {
		if s.ID == id {
			return s, true
		}
	}
	return SessionSpec{}, false
}
