package plan

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/testherd/testherd/types"
)

func writePlan(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "plan.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0644))
	return path
}

func noopWork(ctx context.Context, ec types.ExecContext) error { return nil }

// TestLoad_ResolvesManifest verifies a full manifest parses into executable
// units with groups, retries, timeouts and command bindings applied
func TestLoad_ResolvesManifest(t *testing.T) {
	path := writePlan(t, `
defaults:
  retries: 2
  timeout: 45s
units:
  - id: api-smoke
    command: ["true"]
  - id: db-migrate
    group: db
    retries: 0
    timeout: 2m
    command: ["sh", "-c", "true"]
    env: ["DB_URL=postgres://localhost"]
  - id: db-verify
    group: db
    command: ["true"]
`)

	units, err := Load(path, nil, UnitDefaults{}, nil)
	require.NoError(t, err)
	require.Len(t, units, 3)

	smoke := units[0]
	assert.Equal(t, "api-smoke", smoke.ID)
	assert.Empty(t, smoke.GroupID)
	assert.Equal(t, 2, smoke.MaxRetries, "manifest defaults apply when the unit is silent")
	assert.Equal(t, 45*time.Second, smoke.BaseTimeout)
	require.NotNil(t, smoke.Run)
	assert.NoError(t, smoke.Run(context.Background(), nil))

	migrate := units[1]
	assert.Equal(t, "db", migrate.GroupID)
	assert.Equal(t, 0, migrate.MaxRetries, "per-unit settings override defaults")
	assert.Equal(t, 2*time.Minute, migrate.BaseTimeout)
}

// TestResolve_DefaultPrecedence verifies the fallback chain: per-unit beats
// manifest defaults, manifest defaults beat process fallbacks, and the
// package constants apply last
func TestResolve_DefaultPrecedence(t *testing.T) {
	three := 3
	one := 1
	five := 5

	manifest := &Manifest{
		Defaults: UnitDefaults{Retries: &one, Timeout: Duration(10 * time.Second)},
		Units: []UnitConfig{
			{ID: "inherit", Command: []string{"true"}},
			{ID: "override", Retries: &five, Timeout: Duration(time.Minute), Command: []string{"true"}},
		},
	}
	fallback := UnitDefaults{Retries: &three, Timeout: Duration(20 * time.Second)}

	units, err := Resolve(manifest, nil, fallback)
	require.NoError(t, err)
	assert.Equal(t, 1, units[0].MaxRetries, "manifest defaults beat process fallbacks")
	assert.Equal(t, 10*time.Second, units[0].BaseTimeout)
	assert.Equal(t, 5, units[1].MaxRetries)
	assert.Equal(t, time.Minute, units[1].BaseTimeout)

	// No manifest defaults at all: the process fallback wins.
	manifest.Defaults = UnitDefaults{}
	units, err = Resolve(manifest, nil, fallback)
	require.NoError(t, err)
	assert.Equal(t, 3, units[0].MaxRetries)
	assert.Equal(t, 20*time.Second, units[0].BaseTimeout)

	// Nothing anywhere: package constants.
	units, err = Resolve(manifest, nil, UnitDefaults{})
	require.NoError(t, err)
	assert.Equal(t, DefaultRetries, units[0].MaxRetries)
	assert.Equal(t, DefaultTimeout, units[0].BaseTimeout)
}

// TestResolve_RegistryBinding verifies units without a command pick up
// programmatically registered work
func TestResolve_RegistryBinding(t *testing.T) {
	registry := NewRegistry(nil)
	registry.Register("native", noopWork)

	manifest := &Manifest{Units: []UnitConfig{{ID: "native"}}}
	units, err := Resolve(manifest, registry, UnitDefaults{})
	require.NoError(t, err)
	require.NotNil(t, units[0].Run)
	assert.NoError(t, units[0].Run(context.Background(), nil))
}

// TestResolve_UnboundUnitIsFatal verifies a unit with neither a command nor
// registered work fails at load time, before anything runs
func TestResolve_UnboundUnitIsFatal(t *testing.T) {
	manifest := &Manifest{Units: []UnitConfig{{ID: "orphan"}}}
	_, err := Resolve(manifest, NewRegistry(nil), UnitDefaults{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no command and no registered work")
}

// TestResolve_Validation covers the structural checks
func TestResolve_Validation(t *testing.T) {
	t.Run("empty plan", func(t *testing.T) {
		_, err := Resolve(&Manifest{}, nil, UnitDefaults{})
		assert.Error(t, err)
	})

	t.Run("empty id", func(t *testing.T) {
		manifest := &Manifest{Units: []UnitConfig{{Command: []string{"true"}}}}
		_, err := Resolve(manifest, nil, UnitDefaults{})
		assert.Error(t, err)
	})

	t.Run("duplicate id", func(t *testing.T) {
		manifest := &Manifest{Units: []UnitConfig{
			{ID: "dup", Command: []string{"true"}},
			{ID: "dup", Command: []string{"true"}},
		}}
		_, err := Resolve(manifest, nil, UnitDefaults{})
		require.Error(t, err)
		assert.Contains(t, err.Error(), "duplicate unit id")
	})

	t.Run("negative retries", func(t *testing.T) {
		neg := -1
		manifest := &Manifest{Units: []UnitConfig{{ID: "u", Retries: &neg, Command: []string{"true"}}}}
		_, err := Resolve(manifest, nil, UnitDefaults{})
		require.Error(t, err)
		assert.Contains(t, err.Error(), "retries must be non-negative")
	})
}

// TestDuration_Unmarshal verifies the yaml duration syntax
func TestDuration_Unmarshal(t *testing.T) {
	path := writePlan(t, `
units:
  - id: u
    timeout: 1m30s
    command: ["true"]
`)
	units, err := Load(path, nil, UnitDefaults{}, nil)
	require.NoError(t, err)
	assert.Equal(t, 90*time.Second, units[0].BaseTimeout)
}

// TestLoad_BadInput covers unreadable and malformed plan files
func TestLoad_BadInput(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "absent.yaml"), nil, UnitDefaults{}, nil)
	assert.Error(t, err)

	path := writePlan(t, "units: [not: {valid")
	_, err = Load(path, nil, UnitDefaults{}, nil)
	assert.Error(t, err)

	path = writePlan(t, `
units:
  - id: u
    timeout: not-a-duration
    command: ["true"]
`)
	_, err = Load(path, nil, UnitDefaults{}, nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "invalid duration")
}
