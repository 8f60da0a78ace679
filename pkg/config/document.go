// Package config loads pipeline documents. A document describes one REST
// source (client settings, resource defaults and resources) and where its
// load goes. Documents are written in YAML or HCL; both are validated against
// the same embedded JSON Schema before they are decoded.
package config

import (
	"bytes"
	_ "embed"
	"encoding/json"
	"fmt"
	"maps"
	"slices"
	"sort"
	"sync"

	"github.com/kaptinlin/jsonschema"
)

//go:embed pipeline.schema.json
var schemaJSON []byte

var (
	schemaOnce     sync.Once
	compiledSchema *jsonschema.Schema
	schemaErr      error
)

func pipelineSchema() (*jsonschema.Schema, error) {
	schemaOnce.Do(func() {
		compiler := jsonschema.NewCompiler()
		compiledSchema, schemaErr = compiler.Compile(schemaJSON)
		if schemaErr != nil {
			schemaErr = fmt.Errorf("compile pipeline schema: %w", schemaErr)
		}
	})
	return compiledSchema, schemaErr
}

// Document is a decoded pipeline document.
type Document struct {
	Name            string         `json:"name"`
	Dataset         string         `json:"dataset,omitempty"`
	Destination     string         `json:"destination,omitempty"`
	CheckConnection string         `json:"check_connection,omitempty"`
	Client          ClientSpec     `json:"client"`
	Defaults        ResourceSpec   `json:"resource_defaults"`
	Resources       []ResourceSpec `json:"resources"`

	// File is the path the document was loaded from, if any.
	File string `json:"-"`
}

// ClientSpec configures the HTTP client of the source.
type ClientSpec struct {
	BaseURL      string            `json:"base_url"`
	Headers      map[string]string `json:"headers,omitempty"`
	Auth         *AuthSpec         `json:"auth,omitempty"`
	Paginator    string            `json:"paginator,omitempty"`
	NextField    string            `json:"next_field,omitempty"`
	DataSelector string            `json:"data_selector,omitempty"`
	MaxRetries   *int              `json:"max_retries,omitempty"`
	Timeout      string            `json:"timeout,omitempty"`
}

// AuthSpec is bearer authentication: either a fixed token, or a token URL
// from which one is requested with username and password.
type AuthSpec struct {
	Type       string `json:"type,omitempty"`
	Token      string `json:"token,omitempty"`
	TokenURL   string `json:"token_url,omitempty"`
	Username   string `json:"username,omitempty"`
	Password   string `json:"password,omitempty"`
	TokenField string `json:"token_field,omitempty"`
}

// ResourceSpec is one entry of resources, or the resource_defaults block.
type ResourceSpec struct {
	Name              string       `json:"name,omitempty"`
	Endpoint          EndpointSpec `json:"endpoint"`
	IncludeFromParent []string     `json:"include_from_parent,omitempty"`
	PrimaryKey        string       `json:"primary_key,omitempty"`
	WriteDisposition  string       `json:"write_disposition,omitempty"`
}

// UnmarshalJSON accepts the shorthand of a bare resource name, which is also
// its endpoint path.
func (r *ResourceSpec) UnmarshalJSON(data []byte) error {
	var name string
	if err := json.Unmarshal(data, &name); err == nil {
		*r = ResourceSpec{Name: name, Endpoint: EndpointSpec{Path: name}}
		return nil
	}
	type plain ResourceSpec
	var p plain
	if err := json.Unmarshal(data, &p); err != nil {
		return err
	}
	*r = ResourceSpec(p)
	return nil
}

// EndpointSpec locates a resource's records.
type EndpointSpec struct {
	Path         string               `json:"path,omitempty"`
	Params       map[string]ParamSpec `json:"params,omitempty"`
	DataSelector string               `json:"data_selector,omitempty"`
}

// UnmarshalJSON accepts a bare path string.
func (e *EndpointSpec) UnmarshalJSON(data []byte) error {
	var path string
	if err := json.Unmarshal(data, &path); err == nil {
		*e = EndpointSpec{Path: path}
		return nil
	}
	type plain EndpointSpec
	var p plain
	if err := json.Unmarshal(data, &p); err != nil {
		return err
	}
	*e = EndpointSpec(p)
	return nil
}

// ParamSpec is a literal value, or a reference to a parent record field
// written as {type: resolve, resource: NAME, field: FIELD}.
type ParamSpec struct {
	Value any

	Resource string
	Field    string
}

// IsResolved reports whether the param reads from a parent record.
func (p ParamSpec) IsResolved() bool { return p.Resource != "" }

// UnmarshalJSON keeps numbers as json.Number so they reach the query string
// exactly as written.
func (p *ParamSpec) UnmarshalJSON(data []byte) error {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	var v any
	if err := dec.Decode(&v); err != nil {
		return err
	}
	if m, ok := v.(map[string]any); ok && m["type"] == "resolve" {
		resource, _ := m["resource"].(string)
		field, _ := m["field"].(string)
		*p = ParamSpec{Resource: resource, Field: field}
		return nil
	}
	*p = ParamSpec{Value: v}
	return nil
}

// decode validates a generic document tree against the pipeline schema and
// decodes it.
func decode(file string, tree any) (*Document, error) {
	raw, err := json.Marshal(tree)
	if err != nil {
		return nil, fmt.Errorf("%s: encode document: %w", file, err)
	}

	schema, err := pipelineSchema()
	if err != nil {
		return nil, err
	}
	if result := schema.ValidateJSON(raw); !result.IsValid() {
		problems := make([]string, 0, len(result.Errors))
		for keyword, e := range result.Errors {
			problems = append(problems, fmt.Sprintf("%s: %v", keyword, e))
		}
		sort.Strings(problems)
		return nil, &ValidationError{File: file, Problems: problems}
	}

	var doc Document
	if err := json.Unmarshal(raw, &doc); err != nil {
		return nil, fmt.Errorf("%s: decode document: %w", file, err)
	}
	doc.File = file
	if doc.Dataset == "" {
		doc.Dataset = doc.Name
	}
	if err := doc.check(); err != nil {
		return nil, err
	}
	return &doc, nil
}

// check covers the rules the schema cannot express.
func (d *Document) check() error {
	var problems []string
	seen := make(map[string]bool, len(d.Resources))
	for _, r := range d.Resources {
		if seen[r.Name] {
			problems = append(problems, fmt.Sprintf("resource %q declared twice", r.Name))
		}
		seen[r.Name] = true

		var parents []string
		for _, name := range slices.Sorted(maps.Keys(r.Endpoint.Params)) {
			if p := r.Endpoint.Params[name]; p.IsResolved() && !slices.Contains(parents, p.Resource) {
				parents = append(parents, p.Resource)
			}
		}
		if len(parents) > 1 {
			problems = append(problems, fmt.Sprintf("resource %q resolves params from several resources %v", r.Name, parents))
		}
	}
	for name, p := range d.Defaults.Endpoint.Params {
		if p.IsResolved() {
			problems = append(problems, fmt.Sprintf("resource_defaults param %q cannot resolve from a parent", name))
		}
	}
	if a := d.Client.Auth; a != nil && a.Token != "" && a.TokenURL != "" {
		problems = append(problems, "auth sets both token and token_url")
	}
	if len(problems) > 0 {
		sort.Strings(problems)
		return &ValidationError{File: d.File, Problems: problems}
	}
	return nil
}
