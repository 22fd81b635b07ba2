package workflow

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"
)

// LoadAndCompileDir discovers workflow files in <configDir>/workflows/*.yaml,
// parses all definitions, and compiles them into validated workflows.
func LoadAndCompileDir(configDir string) (*Set, error) {
	workflowsDir := filepath.Join(configDir, "workflows")
	entries, err := os.ReadDir(workflowsDir)
	if err != nil {
		if os.IsNotExist(err) {
			return &Set{Workflows: map[string]*Workflow{}}, nil
		}
		return nil, fmt.Errorf("read workflows directory %q: %w", workflowsDir, err)
	}

	var yamlFiles []string
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		ext := filepath.Ext(entry.Name())
		if ext != ".yaml" && ext != ".yml" {
			continue
		}
		yamlFiles = append(yamlFiles, filepath.Join(workflowsDir, entry.Name()))
	}
	sort.Strings(yamlFiles)

	var specs []Spec
	for _, filePath := range yamlFiles {
		fileSpec, err := LoadFile(filePath)
		if err != nil {
			return nil, err
		}
		specs = append(specs, fileSpec.Workflows...)
	}

	return CompileSpecs(specs)
}

// LoadFile parses one workflow YAML file.
func LoadFile(path string) (*FileSpec, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read workflow file %q: %w", path, err)
	}

	var fileSpec FileSpec
	if err := yaml.Unmarshal(data, &fileSpec); err != nil {
		return nil, fmt.Errorf("parse workflow file %q: %w", path, err)
	}

	for i, wf := range fileSpec.Workflows {
		fileSpec.Workflows[i].Name = strings.TrimSpace(wf.Name)
	}
	return &fileSpec, nil
}

// CompileSpecs compiles a list of parsed specs into a Set, rejecting
// duplicate workflow names.
func CompileSpecs(specs []Spec) (*Set, error) {
	set := &Set{Workflows: make(map[string]*Workflow, len(specs))}
	for _, spec := range specs {
		w, err := Compile(spec)
		if err != nil {
			return nil, err
		}
		if _, exists := set.Workflows[w.Name]; exists {
			return nil, fmt.Errorf("duplicate workflow name %q", w.Name)
		}
		set.Workflows[w.Name] = w
	}
	return set, nil
}
