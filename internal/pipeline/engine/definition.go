package engine

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/santhosh-tekuri/jsonschema/v5"
	"gopkg.in/yaml.v3"

	"github.com/peptilab/peptiflow/internal/pipeline/fingerprint"
	"github.com/peptilab/peptiflow/internal/pipeline/model"
)

// Definition is a workflow document as authored in YAML or JSON.
type Definition struct {
	Name     string         `json:"name" yaml:"name"`
	Metadata map[string]any `json:"metadata" yaml:"metadata"`
	Tasks    []TaskDef      `json:"tasks" yaml:"tasks"`
}

// TaskDef is one task entry. MaxRetries and TimeoutSeconds are pointers so
// an absent field falls back to the configured defaults while an explicit 0
// is honored.
type TaskDef struct {
	ID             string         `json:"id" yaml:"id"`
	Name           string         `json:"name" yaml:"name"`
	Function       string         `json:"function" yaml:"function"`
	Args           map[string]any `json:"args" yaml:"args"`
	Dependencies   []string       `json:"dependencies" yaml:"dependencies"`
	MaxRetries     *int           `json:"max_retries" yaml:"max_retries"`
	TimeoutSeconds *float64       `json:"timeout_seconds" yaml:"timeout_seconds"`
	Metadata       map[string]any `json:"metadata" yaml:"metadata"`
}

// TaskDefaults fills in what a TaskDef leaves unspecified.
type TaskDefaults struct {
	MaxRetries int
	Timeout    time.Duration
}

const definitionSchema = `{
  "$schema": "https://json-schema.org/draft/2020-12/schema",
  "type": "object",
  "required": ["name", "tasks"],
  "additionalProperties": false,
  "properties": {
    "name": {"type": "string", "minLength": 1},
    "metadata": {"type": "object"},
    "tasks": {
      "type": "array",
      "items": {
        "type": "object",
        "required": ["id", "function"],
        "additionalProperties": false,
        "properties": {
          "id": {"type": "string", "minLength": 1},
          "name": {"type": "string"},
          "function": {"type": "string", "minLength": 1},
          "args": {"type": "object"},
          "dependencies": {"type": "array", "items": {"type": "string"}},
          "max_retries": {"type": "integer", "minimum": 0},
          "timeout_seconds": {"type": "number", "minimum": 0},
          "metadata": {"type": "object"}
        }
      }
    }
  }
}`

var compiledDefinitionSchema = jsonschema.MustCompileString("definition.json", definitionSchema)

// LoadDefinition reads and validates a workflow document. The document must
// pass the schema and decode strictly; either failure is a VALIDATION error.
func LoadDefinition(path string) (*Definition, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read definition: %w", err)
	}

	var doc any
	var def Definition
	switch strings.ToLower(filepath.Ext(path)) {
	case ".json":
		if err := json.Unmarshal(data, &doc); err != nil {
			return nil, model.NewTaskError(model.KindValidation, fmt.Sprintf("definition %s is not valid JSON", path), err)
		}
		err = decodeJSONStrict(data, &def)
	case ".yaml", ".yml":
		if err := yaml.Unmarshal(data, &doc); err != nil {
			return nil, model.NewTaskError(model.KindValidation, fmt.Sprintf("definition %s is not valid YAML", path), err)
		}
		err = decodeYAMLStrict(data, &def)
	default:
		return nil, model.Validationf("unsupported definition extension: %s", filepath.Ext(path))
	}
	if err != nil {
		return nil, model.NewTaskError(model.KindValidation, fmt.Sprintf("decode definition %s", path), err)
	}

	if err := compiledDefinitionSchema.Validate(doc); err != nil {
		return nil, model.NewTaskError(model.KindValidation, fmt.Sprintf("definition %s failed schema validation", path), err)
	}
	return &def, nil
}

// BuildTasks materializes the definition into tasks, resolving defaults and
// stamping each task's argument digest into its metadata. Function names are
// checked against the registry so an unregistered function fails here, not
// mid-run.
func (d *Definition) BuildTasks(reg *Registry, defaults TaskDefaults) ([]*model.Task, error) {
	if defaults.MaxRetries <= 0 {
		defaults.MaxRetries = model.DefaultMaxRetries
	}
	if defaults.Timeout <= 0 {
		defaults.Timeout = model.DefaultTaskTimeout
	}

	tasks := make([]*model.Task, 0, len(d.Tasks))
	for _, td := range d.Tasks {
		if reg != nil {
			if _, ok := reg.Resolve(td.Function); !ok {
				return nil, model.Validationf("task %q uses unregistered function %q", td.ID, td.Function)
			}
		}
		name := td.Name
		if name == "" {
			name = td.ID
		}
		t := model.NewTask(td.ID, name, td.Function)
		t.Args = td.Args
		t.Dependencies = append([]string(nil), td.Dependencies...)
		t.Metadata = td.Metadata
		t.MaxRetries = defaults.MaxRetries
		if td.MaxRetries != nil {
			t.MaxRetries = *td.MaxRetries
		}
		t.Timeout = defaults.Timeout
		if td.TimeoutSeconds != nil {
			t.Timeout = time.Duration(*td.TimeoutSeconds * float64(time.Second))
		}
		if len(t.Args) > 0 {
			digest, err := fingerprint.ArgsDigest(t.Args)
			if err != nil {
				return nil, model.NewTaskError(model.KindValidation, fmt.Sprintf("task %q has unserializable args", td.ID), err)
			}
			if t.Metadata == nil {
				t.Metadata = make(map[string]any, 1)
			}
			t.Metadata["args_digest"] = digest
		}
		tasks = append(tasks, t)
	}
	return tasks, nil
}
