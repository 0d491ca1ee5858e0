package hooks

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/Lllllllleong/structureflow/internal/pipelineerr"
)

// Manifest is the YAML description of which hooks bind to which points.
//
//	modules:
//	  - name: registry_search
//	    points: [structure-search]
//	    hooks: [registry-search]
type Manifest struct {
	Modules []ModuleSpec `yaml:"modules"`
}

// ModuleSpec declares one module in a Manifest.
type ModuleSpec struct {
	Name   string   `yaml:"name"`
	Points []string `yaml:"points"`
	Hooks  []string `yaml:"hooks"`
}

// Catalog maps hook names to constructors. It is the static set of hooks a
// binary knows how to build.
type Catalog map[string]func() (Hook, error)

// Hook names provided by the enrichment package.
const (
	HookRegistrySearch = "registry-search"
	HookHorizonTagging = "horizon-tagging"
)

// DefaultManifest binds registry search before persistence and horizon
// tagging after it.
func DefaultManifest() *Manifest {
	return &Manifest{Modules: []ModuleSpec{
		{Name: "b_horizon_tagging", Points: []string{PointStructurePost}, Hooks: []string{HookHorizonTagging}},
		{Name: "registry_search", Points: []string{PointStructureSearch}, Hooks: []string{HookRegistrySearch}},
	}}
}

// ParseManifest decodes a YAML manifest.
func ParseManifest(data []byte) (*Manifest, error) {
	var m Manifest
	if err := yaml.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("parse hook manifest: %w: %w", pipelineerr.ErrConfiguration, err)
	}
	return &m, nil
}

// LoadManifest reads and decodes the manifest at path. An empty path yields
// DefaultManifest.
func LoadManifest(path string) (*Manifest, error) {
	if path == "" {
		return DefaultManifest(), nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read hook manifest %s: %w: %w", path, pipelineerr.ErrConfiguration, err)
	}
	return ParseManifest(data)
}

// Build resolves every hook name through catalog and freezes the registry.
func (m *Manifest) Build(catalog Catalog) (*Registry, error) {
	b := NewBuilder()
	for _, spec := range m.Modules {
		mod := Module{Name: spec.Name, Points: spec.Points}
		for _, name := range spec.Hooks {
			ctor, ok := catalog[name]
			if !ok {
				return nil, fmt.Errorf("hook module %q: hook %q not in catalog: %w", spec.Name, name, pipelineerr.ErrConfiguration)
			}
			h, err := ctor()
			if err != nil {
				return nil, fmt.Errorf("hook module %q: build %q: %w", spec.Name, name, err)
			}
			mod.Hooks = append(mod.Hooks, h)
		}
		b.Add(mod)
	}
	return b.Build()
}
