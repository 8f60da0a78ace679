// Package pipeline loads a source's resources into a sink. One run resolves
// the source's resource graph, stamps every row with the run's load id and
// commits one table per resource.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/Sternrassler/rest-pipeline/pkg/logging"
	"github.com/Sternrassler/rest-pipeline/pkg/resolver"
	"github.com/Sternrassler/rest-pipeline/pkg/resource"
	"github.com/Sternrassler/rest-pipeline/pkg/sink"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/rs/zerolog"
)

var (
	loadsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "pipeline_loads_total",
		Help: "Total pipeline runs by pipeline and outcome",
	}, []string{"pipeline", "status"})

	loadDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "pipeline_load_duration_seconds",
		Help:    "Pipeline run duration in seconds",
		Buckets: []float64{1, 5, 15, 60, 300, 900, 3600},
	}, []string{"pipeline"})
)

// ConnectionChecker verifies that an API is reachable before a run.
type ConnectionChecker interface {
	CheckConnection(ctx context.Context, probe string) (bool, error)
}

// Source is a configured API: its resources and the fetcher serving them.
type Source struct {
	Name    string
	Graph   *resource.Graph
	Fetcher resolver.Fetcher

	// Checker and Probe enable the connectivity check. Both must be set.
	Checker ConnectionChecker
	Probe   string
}

// Config names a pipeline and where it loads to.
type Config struct {
	Name string

	// Destination is informational; the sink passed to New does the writing.
	Destination string

	// Dataset groups the tables of a load. Defaults to Name.
	Dataset string
}

// Pipeline runs sources into a sink.
type Pipeline struct {
	config Config
	sink   sink.Sink
	logger zerolog.Logger
}

// New creates a pipeline writing to s.
func New(cfg Config, s sink.Sink) (*Pipeline, error) {
	if cfg.Name == "" {
		return nil, fmt.Errorf("pipeline name is required")
	}
	if s == nil {
		return nil, fmt.Errorf("sink is required")
	}
	if cfg.Dataset == "" {
		cfg.Dataset = cfg.Name
	}
	if cfg.Destination == "" {
		cfg.Destination = s.Name()
	}
	return &Pipeline{
		config: cfg,
		sink:   s,
		logger: logging.NewLogger("pipeline").With().Str("pipeline", cfg.Name).Logger(),
	}, nil
}

// Check runs the source's connectivity check, if it has one.
func (p *Pipeline) Check(ctx context.Context, src *Source) error {
	if src.Checker == nil || src.Probe == "" {
		return nil
	}
	ok, err := src.Checker.CheckConnection(ctx, src.Probe)
	if !ok {
		if err == nil {
			err = errors.New("check reported failure")
		}
		p.logger.Error().Err(err).Str("probe", src.Probe).Msg("Connection check failed")
		return &ConnectionError{Source: src.Name, Probe: src.Probe, Err: err}
	}
	p.logger.Info().Str("probe", src.Probe).Msg("Connection check passed")
	return nil
}

// Run loads src. Tables of resources that resolve completely are committed;
// a failed resource's table is aborted and its descendants are skipped.
//
// The returned LoadInfo describes every table even when err is non-nil. err
// is a *LoadError when resources failed, or the cause when the run could not
// proceed at all (connectivity, cancellation, sink failure).
func (p *Pipeline) Run(ctx context.Context, src *Source) (*LoadInfo, error) {
	if src == nil || src.Graph == nil || src.Fetcher == nil {
		return nil, fmt.Errorf("source needs a graph and a fetcher")
	}

	info := &LoadInfo{
		Pipeline:    p.config.Name,
		Source:      src.Name,
		Destination: p.config.Destination,
		Dataset:     p.config.Dataset,
		LoadID:      uuid.NewString(),
		StartedAt:   time.Now(),
	}
	logger := p.logger.With().Str("load_id", info.LoadID).Logger()

	if err := p.Check(ctx, src); err != nil {
		info.FinishedAt = time.Now()
		p.observe(info, "connection_failed")
		return info, err
	}

	run := &loadRun{
		pipeline: p,
		info:     info,
		logger:   logger,
		order:    src.Graph.Order(),
		index:    make(map[string]int),
		writers:  make(map[string]sink.Writer),
	}
	for i, def := range run.order {
		run.index[def.Name] = i
		disposition := def.WriteDisposition
		if disposition == "" {
			disposition = resource.WriteReplace
		}
		info.Tables = append(info.Tables, TableInfo{
			Name:        def.Name,
			Disposition: disposition,
			Status:      StatusPending,
		})
	}

	logger.Info().
		Str("dataset", info.Dataset).
		Int("resources", len(run.order)).
		Msg("Starting load")

	err := run.execute(ctx, resolver.New(src.Fetcher), src.Graph)
	info.FinishedAt = time.Now()

	switch {
	case err != nil:
		p.observe(info, "error")
		logger.Error().Err(err).Msg("Load aborted")
		return info, err
	case len(info.Failed()) > 0:
		p.observe(info, "partial")
		loadErr := &LoadError{Failures: info.Failed()}
		logger.Warn().Strs("failed", loadErr.Tables()).Msg("Load finished with failures")
		return info, loadErr
	default:
		p.observe(info, "success")
		logger.Info().
			Int("rows", info.TotalRows()).
			Dur("duration", info.Duration()).
			Msg("Load finished")
		return info, nil
	}
}

func (p *Pipeline) observe(info *LoadInfo, status string) {
	loadsTotal.WithLabelValues(p.config.Name, status).Inc()
	loadDuration.WithLabelValues(p.config.Name).Observe(info.Duration().Seconds())
}

// Close closes the sink.
func (p *Pipeline) Close() error {
	return p.sink.Close()
}

// loadRun is the state of one Run.
type loadRun struct {
	pipeline *Pipeline
	info     *LoadInfo
	logger   zerolog.Logger
	order    []resource.Definition
	index    map[string]int
	writers  map[string]sink.Writer
	next     int
}

func (r *loadRun) execute(ctx context.Context, res *resolver.Resolver, g *resource.Graph) error {
	for row, err := range res.Run(ctx, g) {
		if ctxErr := ctx.Err(); ctxErr != nil {
			r.abortAll(ctx)
			return ctxErr
		}

		i, ok := r.index[row.Resource]
		if !ok {
			r.abortAll(ctx)
			return fmt.Errorf("resolver yielded unknown resource %q", row.Resource)
		}
		if err := r.finishBefore(ctx, i); err != nil {
			r.abortAll(ctx)
			return err
		}

		table := &r.info.Tables[i]
		if table.Status != StatusPending {
			// rows after a table failed are dropped
			continue
		}
		if err != nil {
			r.fail(ctx, table, err)
			continue
		}

		stamped, err := sink.Stamp(row.Record, r.info.LoadID)
		if err != nil {
			r.fail(ctx, table, err)
			continue
		}
		w, err := r.writer(ctx, table)
		if err != nil {
			r.abortAll(ctx)
			return err
		}
		if err := w.Write(ctx, stamped); err != nil {
			r.abortAll(ctx)
			return fmt.Errorf("write %s: %w", table.Name, err)
		}
		table.Rows++
	}

	if err := ctx.Err(); err != nil {
		r.abortAll(ctx)
		return err
	}
	if err := r.finishBefore(ctx, len(r.order)); err != nil {
		r.abortAll(ctx)
		return err
	}
	return nil
}

// finishBefore commits every pending table ordered before index i. The
// resolver emits resources strictly in order, so those are complete.
func (r *loadRun) finishBefore(ctx context.Context, i int) error {
	for ; r.next < i; r.next++ {
		table := &r.info.Tables[r.next]
		if table.Status != StatusPending {
			continue
		}
		w, err := r.writer(ctx, table)
		if err != nil {
			return err
		}
		n, err := w.Commit(ctx)
		delete(r.writers, table.Name)
		if err != nil {
			return fmt.Errorf("commit %s: %w", table.Name, err)
		}
		table.Rows = n
		table.Status = StatusCommitted
		r.logger.Info().
			Str("table", table.Name).
			Str("dataset", r.info.Dataset).
			Int("rows", n).
			Msg("Table committed")
	}
	return nil
}

func (r *loadRun) writer(ctx context.Context, table *TableInfo) (sink.Writer, error) {
	if w, ok := r.writers[table.Name]; ok {
		return w, nil
	}
	w, err := r.pipeline.sink.Begin(ctx, r.info.Dataset, table.Name, table.Disposition)
	if err != nil {
		return nil, fmt.Errorf("begin %s: %w", table.Name, err)
	}
	r.writers[table.Name] = w
	return w, nil
}

func (r *loadRun) fail(ctx context.Context, table *TableInfo, err error) {
	if w, ok := r.writers[table.Name]; ok {
		if abortErr := w.Abort(ctx); abortErr != nil {
			r.logger.Warn().Err(abortErr).Str("table", table.Name).Msg("Abort failed")
		}
		delete(r.writers, table.Name)
	}
	table.Err = err
	table.Rows = 0
	table.Status = StatusFailed
	if errors.Is(err, resolver.ErrSkipped) {
		table.Status = StatusSkipped
	}
}

func (r *loadRun) abortAll(ctx context.Context) {
	for name, w := range r.writers {
		if err := w.Abort(ctx); err != nil {
			r.logger.Warn().Err(err).Str("table", name).Msg("Abort failed")
		}
		delete(r.writers, name)
	}
	for i := range r.info.Tables {
		if r.info.Tables[i].Status == StatusPending {
			r.info.Tables[i].Status = StatusAborted
			r.info.Tables[i].Rows = 0
		}
	}
}
