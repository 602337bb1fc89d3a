// Package plan loads the test plan manifest: the collected set of test
// units, their serial groups, retry budgets, timeouts and work bindings.
package plan

import (
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/log"
	"gopkg.in/yaml.v3"

	"github.com/testherd/testherd/runner"
	"github.com/testherd/testherd/types"
)

// Defaults applied when a unit omits a field.
const (
	DefaultRetries = 0
	DefaultTimeout = 30 * time.Second
)

// Manifest is the on-disk plan format.
type Manifest struct {
	Defaults UnitDefaults `yaml:"defaults"`
	Units    []UnitConfig `yaml:"units"`
}

// UnitDefaults are plan-wide fallbacks for per-unit settings.
type UnitDefaults struct {
	Retries *int     `yaml:"retries,omitempty"`
	Timeout Duration `yaml:"timeout,omitempty"`
}

// UnitConfig describes one unit in the manifest.
type UnitConfig struct {
	ID      string   `yaml:"id"`
	Group   string   `yaml:"group,omitempty"`
	Retries *int     `yaml:"retries,omitempty"`
	Timeout Duration `yaml:"timeout,omitempty"`

	// Command, when present, binds the unit's work to a subprocess argv.
	// Units without a command must have work registered programmatically.
	Command []string `yaml:"command,omitempty"`
	Env     []string `yaml:"env,omitempty"`
}

// Duration is a yaml-friendly duration accepting "30s" style strings.
type Duration time.Duration

// UnmarshalYAML implements yaml.Unmarshaler.
func (d *Duration) UnmarshalYAML(node *yaml.Node) error {
	var raw string
	if err := node.Decode(&raw); err != nil {
		return err
	}
	parsed, err := time.ParseDuration(raw)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", raw, err)
	}
	*d = Duration(parsed)
	return nil
}

// Registry binds unit ids to programmatic work. It exists so embedding
// callers can register Go-native unit work instead of manifest commands.
type Registry struct {
	mu    sync.RWMutex
	works map[string]types.UnitWork
	log   log.Logger
}

// NewRegistry creates an empty work registry.
func NewRegistry(logger log.Logger) *Registry {
	if logger == nil {
		logger = log.Root()
	}
	return &Registry{
		works: make(map[string]types.UnitWork),
		log:   logger.New("component", "plan-registry"),
	}
}

// Register binds work to a unit id. Re-registering an id replaces the
// previous binding.
func (r *Registry) Register(unitID string, work types.UnitWork) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.works[unitID] = work
}

// lookup returns the registered work for a unit id, if any.
func (r *Registry) lookup(unitID string) (types.UnitWork, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	w, ok := r.works[unitID]
	return w, ok
}

// Load reads a manifest file and resolves it into executable test units.
// fallback supplies process-level defaults (CLI flags); manifest-level
// defaults override them, per-unit settings override both. Structural
// problems (duplicate ids, units with neither a command nor registered
// work) are fatal at load time, before anything runs.
func Load(path string, registry *Registry, fallback UnitDefaults, logger log.Logger) ([]types.TestUnit, error) {
	if logger == nil {
		logger = log.Root()
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read plan %s: %w", path, err)
	}

	var manifest Manifest
	if err := yaml.Unmarshal(data, &manifest); err != nil {
		return nil, fmt.Errorf("failed to parse plan %s: %w", path, err)
	}

	units, err := Resolve(&manifest, registry, fallback)
	if err != nil {
		return nil, err
	}

	logger.Debug("Plan loaded", "path", path, "units", len(units))
	return units, nil
}

// Resolve turns a parsed manifest into test units, applying defaults and
// binding work.
func Resolve(manifest *Manifest, registry *Registry, fallback UnitDefaults) ([]types.TestUnit, error) {
	if len(manifest.Units) == 0 {
		return nil, fmt.Errorf("plan contains no units")
	}

	defaultRetries := DefaultRetries
	if fallback.Retries != nil {
		defaultRetries = *fallback.Retries
	}
	if manifest.Defaults.Retries != nil {
		defaultRetries = *manifest.Defaults.Retries
	}
	defaultTimeout := time.Duration(fallback.Timeout)
	if manifest.Defaults.Timeout != 0 {
		defaultTimeout = time.Duration(manifest.Defaults.Timeout)
	}
	if defaultTimeout == 0 {
		defaultTimeout = DefaultTimeout
	}

	seen := make(map[string]bool, len(manifest.Units))
	units := make([]types.TestUnit, 0, len(manifest.Units))

	for _, uc := range manifest.Units {
		if uc.ID == "" {
			return nil, fmt.Errorf("plan unit with empty id")
		}
		if seen[uc.ID] {
			return nil, fmt.Errorf("duplicate unit id %q in plan", uc.ID)
		}
		seen[uc.ID] = true

		retries := defaultRetries
		if uc.Retries != nil {
			retries = *uc.Retries
		}
		if retries < 0 {
			return nil, fmt.Errorf("unit %q: retries must be non-negative, got %d", uc.ID, retries)
		}

		timeout := time.Duration(uc.Timeout)
		if timeout == 0 {
			timeout = defaultTimeout
		}

		work, err := bindWork(uc, registry)
		if err != nil {
			return nil, err
		}

		units = append(units, types.TestUnit{
			ID:          uc.ID,
			GroupID:     uc.Group,
			MaxRetries:  retries,
			BaseTimeout: timeout,
			Run:         work,
		})
	}

	return units, nil
}

func bindWork(uc UnitConfig, registry *Registry) (types.UnitWork, error) {
	if len(uc.Command) > 0 {
		return runner.CommandWork(uc.Command, uc.Env), nil
	}
	if registry != nil {
		if w, ok := registry.lookup(uc.ID); ok {
			return w, nil
		}
	}
	return nil, fmt.Errorf("unit %q has no command and no registered work", uc.ID)
}
