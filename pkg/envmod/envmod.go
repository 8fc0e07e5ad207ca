// Package envmod implements the environment module mechanism used by job
// scripts ("module load python3.7"). Modules are declared in a YAML
// catalog; loading a module yields environment variable settings and
// PATH-style prepends that are merged into the job's environment.
package envmod

import (
	"fmt"
	"os"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"
)

// Module describes the environment changes one module applies
type Module struct {
	Description string            `yaml:"description,omitempty"`
	Env         map[string]string `yaml:"env,omitempty"`
	PrependPath map[string]string `yaml:"prepend_path,omitempty"`
	Conflicts   []string          `yaml:"conflicts,omitempty"`
}

// Catalog is the set of modules available on this host
type Catalog struct {
	Modules map[string]Module `yaml:"modules"`
}

// LoadCatalog reads a module catalog from a YAML file
func LoadCatalog(path string) (*Catalog, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read module catalog: %w", err)
	}

	var catalog Catalog
	if err := yaml.Unmarshal(data, &catalog); err != nil {
		return nil, fmt.Errorf("failed to parse module catalog %s: %w", path, err)
	}
	if catalog.Modules == nil {
		catalog.Modules = make(map[string]Module)
	}

	return &catalog, nil
}

// Names returns the available module names, sorted
func (c *Catalog) Names() []string {
	names := make([]string, 0, len(c.Modules))
	for name := range c.Modules {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Resolve validates that every requested module exists and that no two
// requested modules conflict. Validation happens at submit time so a
// bad module name fails the submission, not the job hours later.
func (c *Catalog) Resolve(names []string) ([]Module, error) {
	loaded := make(map[string]bool, len(names))
	mods := make([]Module, 0, len(names))

	for _, name := range names {
		mod, ok := c.Modules[name]
		if !ok {
			return nil, fmt.Errorf("unknown module %q (available: %s)", name, strings.Join(c.Names(), ", "))
		}
		for _, conflict := range mod.Conflicts {
			if loaded[conflict] {
				return nil, fmt.Errorf("module %q conflicts with already loaded %q", name, conflict)
			}
		}
		loaded[name] = true
		mods = append(mods, mod)
	}

	return mods, nil
}

// Apply merges the module modifications into an environment in
// os.Environ() form. Later modules win on plain settings; prepends
// accumulate left to right.
func Apply(env []string, mods []Module) []string {
	vars := make(map[string]string, len(env))
	order := make([]string, 0, len(env))
	for _, kv := range env {
		if idx := strings.Index(kv, "="); idx >= 0 {
			key := kv[:idx]
			if _, seen := vars[key]; !seen {
				order = append(order, key)
			}
			vars[key] = kv[idx+1:]
		}
	}

	set := func(key, value string) {
		if _, seen := vars[key]; !seen {
			order = append(order, key)
		}
		vars[key] = value
	}

	for _, mod := range mods {
		for key, value := range mod.Env {
			set(key, value)
		}
		for key, prefix := range mod.PrependPath {
			if existing, ok := vars[key]; ok && existing != "" {
				set(key, prefix+string(os.PathListSeparator)+existing)
			} else {
				set(key, prefix)
			}
		}
	}

	out := make([]string, 0, len(order))
	for _, key := range order {
		out = append(out, key+"="+vars[key])
	}
	return out
}
