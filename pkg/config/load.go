package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/Sternrassler/rest-pipeline/pkg/logging"
	"gopkg.in/yaml.v3"
)

// Load reads the pipeline document at path. The format follows the file
// extension: .yaml and .yml for YAML, .hcl for HCL.
func Load(path string, secrets Secrets) (*Document, error) {
	src, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read pipeline document: %w", err)
	}
	return Parse(path, src, secrets)
}

// Parse decodes src, using filename to pick the format and label errors.
func Parse(filename string, src []byte, secrets Secrets) (*Document, error) {
	var (
		doc *Document
		err error
	)
	switch ext := strings.ToLower(filepath.Ext(filename)); ext {
	case ".yaml", ".yml":
		doc, err = ParseYAML(filename, src, secrets)
	case ".hcl":
		doc, err = ParseHCL(filename, src, secrets)
	default:
		return nil, fmt.Errorf("%s: unsupported document format %q", filename, ext)
	}
	if err != nil {
		return nil, err
	}

	logger := logging.NewLogger("config")
	logger.Debug().
		Str("file", filename).
		Str("pipeline", doc.Name).
		Int("resources", len(doc.Resources)).
		Msg("Pipeline document loaded")
	return doc, nil
}

// ParseYAML decodes a YAML document. String values may reference secrets as
// ${NAME}.
func ParseYAML(filename string, src []byte, secrets Secrets) (*Document, error) {
	var tree any
	if err := yaml.Unmarshal(src, &tree); err != nil {
		return nil, fmt.Errorf("%s: parse yaml: %w", filename, err)
	}
	if tree == nil {
		return nil, &ValidationError{File: filename, Problems: []string{"document is empty"}}
	}
	tree, err := secrets.expandTree(tree)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", filename, err)
	}
	return decode(filename, tree)
}
