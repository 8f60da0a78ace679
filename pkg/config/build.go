package config

import (
	"context"
	"fmt"
	"maps"
	"slices"
	"time"

	"github.com/Sternrassler/rest-pipeline/pkg/auth"
	"github.com/Sternrassler/rest-pipeline/pkg/client"
	"github.com/Sternrassler/rest-pipeline/pkg/pagination"
	"github.com/Sternrassler/rest-pipeline/pkg/pipeline"
	"github.com/Sternrassler/rest-pipeline/pkg/resource"
	"github.com/redis/go-redis/v9"
)

// Definitions returns the resources with resource_defaults applied. Resource
// params override default params of the same name; a resource whose params
// resolve from another resource depends on it.
func (d *Document) Definitions() []resource.Definition {
	defs := make([]resource.Definition, 0, len(d.Resources))
	for _, r := range d.Resources {
		defs = append(defs, d.definition(r))
	}
	return defs
}

func (d *Document) definition(r ResourceSpec) resource.Definition {
	specs := make(map[string]ParamSpec, len(d.Defaults.Endpoint.Params)+len(r.Endpoint.Params))
	maps.Copy(specs, d.Defaults.Endpoint.Params)
	maps.Copy(specs, r.Endpoint.Params)

	var parent string
	params := make(map[string]resource.Param, len(specs))
	for _, name := range slices.Sorted(maps.Keys(specs)) {
		p := specs[name]
		if p.IsResolved() {
			params[name] = resource.Resolve(p.Resource, p.Field)
			if parent == "" {
				parent = p.Resource
			}
			continue
		}
		params[name] = resource.Literal(p.Value)
	}

	path := r.Endpoint.Path
	if path == "" {
		path = r.Name
	}

	def := resource.Independent(r.Name, path, params)
	if parent != "" {
		def = resource.Dependent(r.Name, parent, path, params, r.IncludeFromParent...)
	} else {
		def.IncludeFromParent = r.IncludeFromParent
	}

	def.PrimaryKey = firstNonEmpty(r.PrimaryKey, d.Defaults.PrimaryKey)
	def.WriteDisposition = resource.WriteDisposition(firstNonEmpty(r.WriteDisposition, d.Defaults.WriteDisposition, string(resource.WriteReplace)))
	def.DataSelector = firstNonEmpty(r.Endpoint.DataSelector, d.Defaults.Endpoint.DataSelector)
	return def
}

// Graph validates the resources and orders them for execution.
func (d *Document) Graph() (*resource.Graph, error) {
	g, err := resource.NewGraph(d.Definitions()...)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", d.label(), err)
	}
	return g, nil
}

// ClientConfig returns the client settings of the document. Token and Redis
// are left for the caller.
func (d *Document) ClientConfig() (client.Config, error) {
	cfg := client.DefaultConfig(d.Client.BaseURL)
	if len(d.Client.Headers) > 0 {
		cfg.Headers = maps.Clone(d.Client.Headers)
	}
	cfg.DataSelector = d.Client.DataSelector

	p, err := pagination.New(pagination.Kind(d.Client.Paginator), d.Client.NextField)
	if err != nil {
		return client.Config{}, fmt.Errorf("%s: %w", d.label(), err)
	}
	cfg.Paginator = p

	if d.Client.MaxRetries != nil {
		cfg.MaxRetries = *d.Client.MaxRetries
	}
	if d.Client.Timeout != "" {
		timeout, err := time.ParseDuration(d.Client.Timeout)
		if err != nil {
			return client.Config{}, fmt.Errorf("%s: client timeout: %w", d.label(), err)
		}
		cfg.Timeout = timeout
	}
	if a := d.Client.Auth; a != nil && a.Token != "" {
		cfg.Token = a.Token
	}
	return cfg, nil
}

// TokenProvider returns the provider for an auth block with a token_url, or
// nil when the document uses a fixed token or no auth.
func (d *Document) TokenProvider() *auth.TokenProvider {
	a := d.Client.Auth
	if a == nil || a.TokenURL == "" {
		return nil
	}
	p := auth.NewTokenProvider(a.TokenURL, a.Username, a.Password)
	if a.TokenField != "" {
		p.SetTokenField(a.TokenField)
	}
	return p
}

// PipelineConfig names the pipeline. Destination falls back to fallback when
// the document does not set one.
func (d *Document) PipelineConfig(fallback string) pipeline.Config {
	return pipeline.Config{
		Name:        d.Name,
		Destination: firstNonEmpty(d.Destination, fallback),
		Dataset:     d.Dataset,
	}
}

// NewSource builds the HTTP client and resource graph of the document. A
// token_url auth block is exchanged for a bearer token first, and the client
// asks the provider again before each request. rdb may be nil.
// The caller closes the returned client.
func (d *Document) NewSource(ctx context.Context, rdb *redis.Client) (*pipeline.Source, *client.Client, error) {
	g, err := d.Graph()
	if err != nil {
		return nil, nil, err
	}
	cfg, err := d.ClientConfig()
	if err != nil {
		return nil, nil, err
	}
	if tp := d.TokenProvider(); tp != nil {
		// fail before any fetch; the client renews through tp afterwards
		if _, err := tp.Token(ctx); err != nil {
			return nil, nil, fmt.Errorf("%s: %w", d.label(), err)
		}
		cfg.TokenSource = tp
	}
	cfg.Redis = rdb

	c, err := client.New(cfg)
	if err != nil {
		return nil, nil, fmt.Errorf("%s: %w", d.label(), err)
	}

	src := &pipeline.Source{
		Name:    d.Name,
		Graph:   g,
		Fetcher: c,
	}
	if d.CheckConnection != "" {
		src.Checker = c
		src.Probe = d.CheckConnection
	}
	return src, c, nil
}

func (d *Document) label() string {
	if d.File != "" {
		return d.File
	}
	return d.Name
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
