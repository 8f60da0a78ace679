// Package resolver executes a resource graph against a fetcher. Independent
// resources are fetched once; dependent resources are fetched once per record
// of their parent, with path params resolved from that record and selected
// parent fields copied into every child record.
package resolver

import (
	"context"
	"iter"
	"slices"

	"github.com/Sternrassler/rest-pipeline/pkg/logging"
	"github.com/Sternrassler/rest-pipeline/pkg/resource"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/rs/zerolog"
)

// Prometheus metrics for graph resolution.
var (
	recordsEmittedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "pipeline_resolver_records_total",
		Help: "Total records emitted by resource",
	}, []string{"resource"})

	fetchCallsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "pipeline_resolver_fetch_calls_total",
		Help: "Total fetcher invocations by resource",
	}, []string{"resource"})

	resourceFailuresTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "pipeline_resolver_resource_failures_total",
		Help: "Total resources aborted by an error, by resource",
	}, []string{"resource"})
)

// Fetcher retrieves the records of one endpoint. Pagination, auth and retries
// are the fetcher's concern; it must yield records in order and drain all
// pages of a call before returning.
type Fetcher interface {
	Fetch(ctx context.Context, path string, params map[string]any) iter.Seq2[*resource.Record, error]
}

// FetcherFunc adapts a function to the Fetcher interface.
type FetcherFunc func(ctx context.Context, path string, params map[string]any) iter.Seq2[*resource.Record, error]

// Fetch calls f.
func (f FetcherFunc) Fetch(ctx context.Context, path string, params map[string]any) iter.Seq2[*resource.Record, error] {
	return f(ctx, path, params)
}

// SelectingFetcher is implemented by fetchers that can read the record list
// from a named response field. The resolver uses it for resources that set
// DataSelector.
type SelectingFetcher interface {
	Fetcher
	FetchSelected(ctx context.Context, path string, params map[string]any, selector string) iter.Seq2[*resource.Record, error]
}

// Row is a record tagged with the resource that produced it.
type Row struct {
	Resource string
	Record   *resource.Record
}

// Resolver runs resource graphs against a single fetcher.
type Resolver struct {
	fetcher Fetcher
	logger  zerolog.Logger
}

// New creates a resolver backed by fetcher.
func New(fetcher Fetcher) *Resolver {
	return &Resolver{
		fetcher: fetcher,
		logger:  logging.NewLogger("resolver"),
	}
}

// FetchResource returns the records of def. For independent resources parents
// is ignored and the fetcher is called once. For dependent resources the
// fetcher is called once per parent record, strictly one after the other, and
// every child record gains the include_from_parent fields of its parent.
//
// The sequence stops after the first error it yields.
func (r *Resolver) FetchResource(ctx context.Context, def resource.Definition, parents iter.Seq[*resource.Record]) iter.Seq2[*resource.Record, error] {
	return func(yield func(*resource.Record, error) bool) {
		if def.Kind != resource.KindDependent {
			r.fetchOnce(ctx, def, nil, nil, yield)
			return
		}

		for parent := range parents {
			if err := ctx.Err(); err != nil {
				yield(nil, err)
				return
			}
			fields, err := ParentFields(def, parent)
			if err != nil {
				yield(nil, err)
				return
			}
			if !r.fetchOnce(ctx, def, parent, fields, yield) {
				return
			}
		}
	}
}

// fetchOnce performs one fetcher call for def and yields its records with
// fields appended. It returns false when iteration must stop.
func (r *Resolver) fetchOnce(ctx context.Context, def resource.Definition, parent *resource.Record, fields []Field, yield func(*resource.Record, error) bool) bool {
	params, err := ResolveParams(def, parent)
	if err != nil {
		yield(nil, err)
		return false
	}
	path, query, err := ExpandPath(def, params)
	if err != nil {
		yield(nil, err)
		return false
	}

	r.logger.Debug().
		Str("resource", def.Name).
		Str("endpoint", path).
		Msg("Fetching endpoint")
	fetchCallsTotal.WithLabelValues(def.Name).Inc()

	var records iter.Seq2[*resource.Record, error]
	if sf, ok := r.fetcher.(SelectingFetcher); ok && def.DataSelector != "" {
		records = sf.FetchSelected(ctx, path, query, def.DataSelector)
	} else {
		records = r.fetcher.Fetch(ctx, path, query)
	}

	for rec, err := range records {
		if err != nil {
			yield(nil, &FetchError{Resource: def.Name, Path: path, Err: err})
			return false
		}
		for _, f := range fields {
			rec.Set(f.Name, f.Value)
		}
		if !yield(rec, nil) {
			return false
		}
	}
	return true
}

// Run resolves every resource of g in execution order and yields their rows,
// one resource after the other. A parent's records are buffered only while a
// dependent still needs them.
//
// A failing resource yields its error and ends; its descendants yield a
// *SkippedResourceError; unrelated resources still run. Callers that keep
// ranging after an error receive the remaining resources.
func (r *Resolver) Run(ctx context.Context, g *resource.Graph) iter.Seq2[Row, error] {
	return func(yield func(Row, error) bool) {
		order := g.Order()

		lastUse := make(map[string]int)
		for i, def := range order {
			if def.Kind == resource.KindDependent {
				lastUse[def.Parent] = i
			}
		}

		buffers := make(map[string][]*resource.Record)
		failed := make(map[string]error)

		for i, def := range order {
			if err := ctx.Err(); err != nil {
				yield(Row{Resource: def.Name}, err)
				return
			}

			var parents iter.Seq[*resource.Record]
			if def.Kind == resource.KindDependent {
				if cause, ok := failed[def.Parent]; ok {
					err := &SkippedResourceError{Resource: def.Name, Parent: def.Parent, Cause: cause}
					failed[def.Name] = err
					r.logger.Warn().
						Str("resource", def.Name).
						Str("parent", def.Parent).
						Msg("Skipping resource, parent failed")
					if lastUse[def.Parent] == i {
						delete(buffers, def.Parent)
					}
					if !yield(Row{Resource: def.Name}, err) {
						return
					}
					continue
				}
				parents = slices.Values(buffers[def.Parent])
			}

			_, buffered := lastUse[def.Name]
			count := 0

			r.logger.Info().
				Str("resource", def.Name).
				Str("kind", def.Kind.String()).
				Msg("Resolving resource")

			for rec, err := range r.FetchResource(ctx, def, parents) {
				if err != nil {
					failed[def.Name] = err
					resourceFailuresTotal.WithLabelValues(def.Name).Inc()
					r.logger.Error().
						Err(err).
						Str("resource", def.Name).
						Int("records", count).
						Msg("Resource failed")
					if !yield(Row{Resource: def.Name}, err) {
						return
					}
					break
				}
				count++
				recordsEmittedTotal.WithLabelValues(def.Name).Inc()
				if buffered {
					buffers[def.Name] = append(buffers[def.Name], rec.Clone())
				}
				if !yield(Row{Resource: def.Name, Record: rec}, nil) {
					return
				}
			}

			if def.Kind == resource.KindDependent && lastUse[def.Parent] == i {
				delete(buffers, def.Parent)
			}
			if _, ok := failed[def.Name]; ok {
				delete(buffers, def.Name)
				continue
			}

			r.logger.Info().
				Str("resource", def.Name).
				Int("records", count).
				Msg("Resource resolved")
		}
	}
}
