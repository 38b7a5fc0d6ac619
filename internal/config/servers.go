package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

// ServersFile is the name of the domain server list in the conf dir.
const ServersFile = "servers.yaml"

// ServerEntry is one configured domain server.
type ServerEntry struct {
	Type        string         `yaml:"type"`
	Name        string         `yaml:"name"`
	Description string         `yaml:"description"`
	Params      map[string]any `yaml:"params"`
}

type serversFile struct {
	Servers []ServerEntry `yaml:"servers"`
}

// LoadServers reads confDir/servers.yaml. A missing file yields no servers.
// Names default to the type and must be unique.
func LoadServers(confDir string) ([]ServerEntry, error) {
	path := filepath.Join(confDir, ServersFile)
	data, err := os.ReadFile(path) //nolint:gosec // G304: path is built from the conf dir
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}
		return nil, fmt.Errorf("read %s: %w", path, err)
	}

	var f serversFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}

	seen := make(map[string]bool, len(f.Servers))
	for i := range f.Servers {
		e := &f.Servers[i]
		if e.Type == "" {
			return nil, fmt.Errorf("%s: server %d has no type", path, i)
		}
		if e.Name == "" {
			e.Name = e.Type
		}
		if seen[e.Name] {
			return nil, fmt.Errorf("%s: server name %q used twice", path, e.Name)
		}
		seen[e.Name] = true
		if e.Params == nil {
			e.Params = map[string]any{}
		}
	}
	return f.Servers, nil
}
