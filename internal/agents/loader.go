package agents

import (
	"bytes"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

type feedDocument struct {
	Agents []AgentProfile `yaml:"agents"`
}

// ParseFeed decodes a registration feed. Both `{agents: [...]}` and a bare
// list are accepted, in YAML or JSON.
func ParseFeed(data []byte) ([]AgentProfile, error) {
	trimmed := bytes.TrimSpace(data)
	if len(trimmed) == 0 {
		return nil, nil
	}

	var list []AgentProfile
	if err := yaml.Unmarshal(trimmed, &list); err == nil {
		return list, nil
	}

	var doc feedDocument
	if err := yaml.Unmarshal(trimmed, &doc); err != nil {
		return nil, &ConfigurationError{Reason: "unreadable registration feed", Err: fmt.Errorf("%w: %v", ErrMalformedProfile, err)}
	}
	return doc.Agents, nil
}

// LoadFile reads a registration feed from disk.
func LoadFile(path string) ([]AgentProfile, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read agents file %s: %w", path, err)
	}
	return ParseFeed(data)
}

// Build merges inline profiles with those from an optional feed file and
// returns the directory.
func Build(inline []AgentProfile, feedPath string) (*Directory, error) {
	all := append([]AgentProfile(nil), inline...)
	if feedPath != "" {
		fromFile, err := LoadFile(feedPath)
		if err != nil {
			return nil, err
		}
		all = append(all, fromFile...)
	}
	return NewDirectory(all)
}
