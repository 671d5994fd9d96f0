package observations

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

// Backend names a store observations can be read from.
type Backend string

const (
	BackendPostgres   Backend = "postgres"
	BackendClickHouse Backend = "clickhouse"
)

// ErrUnknownBackend is returned for a backend name outside the known set.
var ErrUnknownBackend = errors.New("unknown backend")

// ParseBackend validates a backend name, case-insensitively.
func ParseBackend(s string) (Backend, error) {
	switch b := Backend(strings.ToLower(strings.TrimSpace(s))); b {
	case BackendPostgres, BackendClickHouse:
		return b, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrUnknownBackend, s)
	}
}

// BackendSelector decides which store serves a project's list request.
type BackendSelector interface {
	BackendFor(ctx context.Context, projectID string) Backend
}

// ProjectGate routes every project to a default backend unless it has an
// explicit override.
type ProjectGate struct {
	defaultBackend Backend
	overrides      map[string]Backend
}

// NewProjectGate creates a ProjectGate. overrides may be nil.
func NewProjectGate(defaultBackend Backend, overrides map[string]Backend) *ProjectGate {
	o := make(map[string]Backend, len(overrides))
	for project, b := range overrides {
		o[project] = b
	}
	return &ProjectGate{defaultBackend: defaultBackend, overrides: o}
}

// BackendFor returns the override for projectID, or the default.
func (g *ProjectGate) BackendFor(_ context.Context, projectID string) Backend {
	if b, ok := g.overrides[projectID]; ok {
		return b
	}
	return g.defaultBackend
}

// routingFile is the YAML layout of a routing file:
//
//	projects:
//	  proj-123: clickhouse
//	  proj-456: postgres
type routingFile struct {
	Projects map[string]string `yaml:"projects"`
}

// LoadRoutingFile reads per-project backend overrides from a YAML file.
func LoadRoutingFile(path string) (map[string]Backend, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading routing file: %w", err)
	}
	return ParseRouting(raw)
}

// ParseRouting decodes routing YAML and validates every backend name.
func ParseRouting(raw []byte) (map[string]Backend, error) {
	var rf routingFile
	if err := yaml.Unmarshal(raw, &rf); err != nil {
		return nil, fmt.Errorf("parsing routing file: %w", err)
	}

	out := make(map[string]Backend, len(rf.Projects))
	for project, name := range rf.Projects {
		b, err := ParseBackend(name)
		if err != nil {
			return nil, fmt.Errorf("routing for project %q: %w", project, err)
		}
		out[project] = b
	}
	return out, nil
}
