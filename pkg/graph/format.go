package graph

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/bytedance/sonic"
	"gopkg.in/yaml.v2"
)

// Format is a model serialization format.
type Format string

const (
	FormatUnknown Format = ""
	FormatJSON    Format = "json"
	FormatYAML    Format = "yaml"
)

// ParseFormat maps a format name (as used in session config entries) to a
// Format.
func ParseFormat(s string) (Format, error) {
	switch strings.ToLower(s) {
	case "json":
		return FormatJSON, nil
	case "yaml":
		return FormatYAML, nil
	default:
		return FormatUnknown, fmt.Errorf("unrecognized model format %q", s)
	}
}

// InferFormat infers the serialization format from a file extension. A
// ".yaml" extension is a YAML model; every other extension is JSON.
func InferFormat(path string) Format {
	if filepath.Ext(path) == ".yaml" {
		return FormatYAML
	}
	return FormatJSON
}

// Load reads and validates a model from a file. If format is FormatUnknown
// it is inferred from the file extension.
func Load(path string, format Format) (*Graph, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading model %q: %w", path, err)
	}
	if format == FormatUnknown {
		format = InferFormat(path)
	}
	g, err := Parse(data, format)
	if err != nil {
		return nil, fmt.Errorf("parsing model %q: %w", path, err)
	}
	return g, nil
}

// Parse decodes and validates a serialized model.
func Parse(data []byte, format Format) (*Graph, error) {
	g := &Graph{}
	switch format {
	case FormatJSON:
		if err := sonic.Unmarshal(data, g); err != nil {
			return nil, fmt.Errorf("decoding JSON model: %w", err)
		}
	case FormatYAML:
		if err := yaml.UnmarshalStrict(data, g); err != nil {
			return nil, fmt.Errorf("decoding YAML model: %w", err)
		}
	default:
		return nil, fmt.Errorf("unrecognized model format %q", format)
	}
	if err := g.Validate(); err != nil {
		return nil, fmt.Errorf("invalid model: %w", err)
	}
	return g, nil
}

// Marshal serializes a model in the given format.
func Marshal(g *Graph, format Format) ([]byte, error) {
	switch format {
	case FormatJSON:
		return sonic.Marshal(g)
	case FormatYAML:
		return yaml.Marshal(g)
	default:
		return nil, fmt.Errorf("unrecognized model format %q", format)
	}
}
