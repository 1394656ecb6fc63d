package job

import (
	"bytes"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"

	"vidax/internal/services"
)

// Format identifies the encoding of a job document.
type Format string

const (
	FormatJSON Format = "json"
	FormatYAML Format = "yaml"
)

// FormatForPath picks the document format from the file extension.
func FormatForPath(path string) Format {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		return FormatYAML
	default:
		return FormatJSON
	}
}

// Load reads and decodes a job document from disk.
func Load(path string) (*Job, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, services.Wrap(services.CodeInputNotFound, "job file not found", err, map[string]any{"path": path})
		}
		return nil, services.Wrap(services.CodeValidation, "read job file", err, map[string]any{"path": path})
	}
	return Parse(data, FormatForPath(path))
}

// Parse decodes a job document. YAML documents are normalised through the
// JSON field mapping so both formats share one set of tags.
func Parse(data []byte, format Format) (*Job, error) {
	data = bytes.TrimSpace(data)
	if len(data) == 0 {
		return nil, services.New(services.CodeValidation, "job document is empty", nil)
	}
	if format == FormatYAML {
		converted, err := yamlToJSON(data)
		if err != nil {
			return nil, services.Wrap(services.CodeValidation, "decode job yaml", err, nil)
		}
		data = converted
	}
	var job Job
	if err := json.Unmarshal(data, &job); err != nil {
		return nil, services.Wrap(services.CodeValidation, "decode job json", err, nil)
	}
	return &job, nil
}

// Encode renders the job as indented JSON, the form persisted as job.json.
func (j *Job) Encode() ([]byte, error) {
	return json.MarshalIndent(j, "", "  ")
}

func yamlToJSON(data []byte) ([]byte, error) {
	var doc any
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, err
	}
	normalized, err := normalizeYAML(doc)
	if err != nil {
		return nil, err
	}
	if _, ok := normalized.(map[string]any); !ok {
		return nil, fmt.Errorf("job document must be a mapping")
	}
	return json.Marshal(normalized)
}

// normalizeYAML converts nested map[any]any nodes into JSON-compatible maps.
func normalizeYAML(v any) (any, error) {
	switch typed := v.(type) {
	case map[string]any:
		out := make(map[string]any, len(typed))
		for key, val := range typed {
			n, err := normalizeYAML(val)
			if err != nil {
				return nil, err
			}
			out[key] = n
		}
		return out, nil
	case map[any]any:
		out := make(map[string]any, len(typed))
		for key, val := range typed {
			name, ok := key.(string)
			if !ok {
				return nil, fmt.Errorf("non-string key %v", key)
			}
			n, err := normalizeYAML(val)
			if err != nil {
				return nil, err
			}
			out[name] = n
		}
		return out, nil
	case []any:
		out := make([]any, len(typed))
		for i, val := range typed {
			n, err := normalizeYAML(val)
			if err != nil {
				return nil, err
			}
			out[i] = n
		}
		return out, nil
	default:
		return v, nil
	}
}
