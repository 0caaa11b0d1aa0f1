package config

import (
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

// ModelDef is one named model in the map.
type ModelDef struct {
	Provider    string `yaml:"provider"`
	Model       string `yaml:"model"`
	BaseURL     string `yaml:"baseUrl,omitempty"`
	Description string `yaml:"description,omitempty"`
}

// TaskDef binds a task name to a model name.
type TaskDef struct {
	Model string `yaml:"model"`
}

// ModelMap is the parsed YAML model map. Tasks name models; fallbacks are
// ordered lists of model names consulted on explicit provider error only.
type ModelMap struct {
	Version   int                 `yaml:"version"`
	Models    map[string]ModelDef `yaml:"models"`
	Tasks     map[string]TaskDef  `yaml:"tasks"`
	Fallbacks map[string][]string `yaml:"fallbacks,omitempty"`
}

// LoadModelMap reads and validates a model map file.
func LoadModelMap(path string) (*ModelMap, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read model map: %w", err)
	}

	var m ModelMap
	if err := yaml.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("parse model map: %w", err)
	}
	if m.Version != 1 {
		return nil, fmt.Errorf("unsupported model map version: %d", m.Version)
	}
	for task, def := range m.Tasks {
		if _, ok := m.Models[def.Model]; !ok {
			return nil, fmt.Errorf("task %q references unknown model %q", task, def.Model)
		}
	}
	for task, names := range m.Fallbacks {
		for _, name := range names {
			if _, ok := m.Models[name]; !ok {
				return nil, fmt.Errorf("fallback for %q references unknown model %q", task, name)
			}
		}
	}
	return &m, nil
}

// ResolveTask returns the model definition for a task name, trying the exact
// task first and then the bare "embeddings" task for embedding variants.
func (m *ModelMap) ResolveTask(task string) (ModelDef, error) {
	if def, ok := m.Tasks[task]; ok {
		return m.Models[def.Model], nil
	}
	if strings.HasPrefix(task, "embeddings-") {
		if def, ok := m.Tasks["embeddings"]; ok {
			return m.Models[def.Model], nil
		}
	}
	return ModelDef{}, fmt.Errorf("model map has no task %q", task)
}

// TaskFallbacks returns the ordered fallback model definitions for a task.
func (m *ModelMap) TaskFallbacks(task string) []ModelDef {
	names := m.Fallbacks[task]
	defs := make([]ModelDef, 0, len(names))
	for _, name := range names {
		defs = append(defs, m.Models[name])
	}
	return defs
}
