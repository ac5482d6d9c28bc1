package workflow

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"
)

// Load reads and validates a single workflow definition file.
func Load(path string) (*Definition, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read workflow file: %w", err)
	}
	return Parse(data)
}

// Parse decodes and validates a workflow definition from YAML bytes.
func Parse(data []byte) (*Definition, error) {
	var def Definition
	dec := yaml.NewDecoder(strings.NewReader(string(data)))
	dec.KnownFields(true)
	if err := dec.Decode(&def); err != nil {
		return nil, fmt.Errorf("decode workflow yaml: %w", err)
	}
	if err := def.Validate(); err != nil {
		return nil, fmt.Errorf("validate workflow: %w", err)
	}
	return &def, nil
}

// LoadDir loads all .yaml/.yml workflow files in a directory, keyed by
// workflow id. Files that fail to parse are skipped with an error entry so
// one broken file does not hide the rest.
func LoadDir(dir string) (map[string]*Definition, []error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, []error{fmt.Errorf("read workflow dir: %w", err)}
	}

	defs := make(map[string]*Definition)
	var errs []error

	names := make([]string, 0, len(entries))
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		ext := filepath.Ext(e.Name())
		if ext != ".yaml" && ext != ".yml" {
			continue
		}
		names = append(names, e.Name())
	}
	sort.Strings(names)

	for _, name := range names {
		def, err := Load(filepath.Join(dir, name))
		if err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", name, err))
			continue
		}
		if _, dup := defs[def.ID]; dup {
			errs = append(errs, fmt.Errorf("%s: duplicate workflow id %s", name, def.ID))
			continue
		}
		defs[def.ID] = def
	}
	return defs, errs
}
