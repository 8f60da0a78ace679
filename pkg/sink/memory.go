package sink

import (
	"context"
	"slices"
	"sync"

	"github.com/Sternrassler/rest-pipeline/pkg/resource"
)

// Memory keeps tables in process memory.
type Memory struct {
	mu     sync.RWMutex
	tables map[string]map[string][]*resource.Record
}

// NewMemory creates an empty in-memory sink.
func NewMemory() *Memory {
	return &Memory{tables: make(map[string]map[string][]*resource.Record)}
}

// Name implements Sink.
func (m *Memory) Name() string { return DestinationMemory }

// Begin implements Sink.
func (m *Memory) Begin(_ context.Context, dataset, table string, disposition resource.WriteDisposition) (Writer, error) {
	if err := validateTarget(dataset, table, disposition); err != nil {
		return nil, err
	}
	return &memoryWriter{sink: m, dataset: dataset, table: table, disposition: disposition}, nil
}

// Rows returns the committed rows of table.
func (m *Memory) Rows(dataset, table string) []*resource.Record {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return slices.Clone(m.tables[dataset][table])
}

// Tables returns the committed table names of dataset, sorted.
func (m *Memory) Tables(dataset string) []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var names []string
	for name := range m.tables[dataset] {
		names = append(names, name)
	}
	slices.Sort(names)
	return names
}

// Close implements Sink.
func (m *Memory) Close() error { return nil }

func (m *Memory) commit(dataset, table string, disposition resource.WriteDisposition, rows []*resource.Record) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.tables[dataset] == nil {
		m.tables[dataset] = make(map[string][]*resource.Record)
	}
	if disposition == resource.WriteReplace {
		m.tables[dataset][table] = rows
		return
	}
	m.tables[dataset][table] = append(m.tables[dataset][table], rows...)
}

type memoryWriter struct {
	sink        *Memory
	dataset     string
	table       string
	disposition resource.WriteDisposition
	rows        []*resource.Record
	done        bool
}

func (w *memoryWriter) Write(_ context.Context, rec *resource.Record) error {
	if w.done {
		return ErrWriterClosed
	}
	w.rows = append(w.rows, rec.Clone())
	return nil
}

func (w *memoryWriter) Commit(context.Context) (int, error) {
	if w.done {
		return 0, ErrWriterClosed
	}
	w.done = true
	w.sink.commit(w.dataset, w.table, w.disposition, w.rows)
	rowsWrittenTotal.WithLabelValues(DestinationMemory, w.table).Add(float64(len(w.rows)))
	commitsTotal.WithLabelValues(DestinationMemory, string(w.disposition)).Inc()
	return len(w.rows), nil
}

func (w *memoryWriter) Abort(context.Context) error {
	if w.done {
		return nil
	}
	w.done = true
	w.rows = nil
	abortsTotal.WithLabelValues(DestinationMemory).Inc()
	return nil
}
