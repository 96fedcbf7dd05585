// Package lockfile reads the YAML application lock file into a locked
// application. The lock file names every component binary by path and,
// optionally, by digest; loading resolves the paths to bytes relative
// to the lock file's directory, verifies declared digests, and hands
// the result to the application validator.
package lockfile

import (
	"bytes"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/wippyai/wasm-host/app"
	"github.com/wippyai/wasm-host/errors"
)

// file is the YAML document shape.
type file struct {
	Name       string                    `yaml:"name"`
	Components []component               `yaml:"components"`
	Triggers   []triggerEntry            `yaml:"triggers"`
	Variables  map[string]variableSource `yaml:"variables"`
}

type component struct {
	ID     string `yaml:"id"`
	Source string `yaml:"source"`
	// Digest pins the binary; loading fails when the file on disk
	// does not match.
	Digest      string            `yaml:"digest"`
	Export      string            `yaml:"export"`
	Limits      *limits           `yaml:"limits"`
	Environment map[string]string `yaml:"environment"`
	Grants      []grant           `yaml:"grants"`
}

type limits struct {
	MemoryPages uint32 `yaml:"memory_pages"`
	// ExecutionTimeout is a Go duration string, e.g. "500ms" or "2s".
	ExecutionTimeout string `yaml:"execution_timeout"`
}

type grant struct {
	Kind         string   `yaml:"kind"`
	Stores       []string `yaml:"stores"`
	Names        []string `yaml:"names"`
	AllowedHosts []string `yaml:"allowed_hosts"`
}

type triggerEntry struct {
	Type      string            `yaml:"type"`
	Component string            `yaml:"component"`
	Match     string            `yaml:"match"`
	Config    map[string]string `yaml:"config"`
}

type variableSource struct {
	Default  string `yaml:"default"`
	Required bool   `yaml:"required"`
	Secret   bool   `yaml:"secret"`
}

// Load reads and validates the lock file at path. Component source
// paths resolve relative to the lock file's directory.
func Load(path string) (*app.LockedApp, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrap(errors.PhaseLoad, errors.KindNotFound, err,
			"read lock file %s", path)
	}
	return Parse(data, filepath.Dir(path))
}

// Parse decodes lock file bytes, resolving component sources relative
// to baseDir.
func Parse(data []byte, baseDir string) (*app.LockedApp, error) {
	var f file
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&f); err != nil {
		return nil, errors.Wrap(errors.PhaseLoad, errors.KindInvalidInput, err,
			"parse lock file")
	}

	cfg := app.Config{
		Name:      f.Name,
		Variables: map[string]app.VariableSource{},
	}
	for name, v := range f.Variables {
		cfg.Variables[name] = app.VariableSource{
			Default:  v.Default,
			Required: v.Required,
			Secret:   v.Secret,
		}
	}

	for _, c := range f.Components {
		lc, err := loadComponent(c, baseDir)
		if err != nil {
			return nil, err
		}
		cfg.Components = append(cfg.Components, lc)
	}

	for _, tc := range f.Triggers {
		cfg.Triggers = append(cfg.Triggers, app.TriggerConfig{
			Type:        app.TriggerType(tc.Type),
			ComponentID: tc.Component,
			Match:       tc.Match,
			Config:      tc.Config,
		})
	}

	return app.New(cfg)
}

func loadComponent(c component, baseDir string) (app.LockedComponent, error) {
	if c.Source == "" {
		return app.LockedComponent{}, errors.Validation("component %q has no source path", c.ID)
	}
	path := c.Source
	if !filepath.IsAbs(path) {
		path = filepath.Join(baseDir, path)
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		return app.LockedComponent{}, errors.Wrap(errors.PhaseLoad, errors.KindNotFound, err,
			"component %q: read %s", c.ID, c.Source)
	}

	source := app.NewBinarySource(raw)
	if c.Digest != "" && c.Digest != source.Digest {
		return app.LockedComponent{}, errors.Validation(
			"component %q: %s does not match pinned digest", c.ID, c.Source)
	}

	lc := app.LockedComponent{
		ID:          c.ID,
		Source:      source,
		Export:      c.Export,
		Environment: c.Environment,
	}
	if c.Limits != nil {
		lc.Limits.MemoryPages = c.Limits.MemoryPages
		if c.Limits.ExecutionTimeout != "" {
			d, err := time.ParseDuration(c.Limits.ExecutionTimeout)
			if err != nil {
				return app.LockedComponent{}, errors.Validation(
					"component %q: bad execution_timeout %q", c.ID, c.Limits.ExecutionTimeout)
			}
			lc.Limits.ExecutionTimeout = d
		}
	}
	for _, g := range c.Grants {
		lc.Grants = append(lc.Grants, app.CapabilityGrant{
			Kind:         app.GrantKind(g.Kind),
			Stores:       g.Stores,
			Names:        g.Names,
			AllowedHosts: g.AllowedHosts,
		})
	}
	return lc, nil
}
