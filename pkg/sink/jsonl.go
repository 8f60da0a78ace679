package sink

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/Sternrassler/rest-pipeline/pkg/resource"
)

// JSONL writes each table to <dir>/<dataset>/<table>.jsonl, one JSON object
// per line with fields in record order.
type JSONL struct {
	dir string
}

// NewJSONL creates a sink rooted at dir.
func NewJSONL(dir string) *JSONL {
	return &JSONL{dir: dir}
}

// Name implements Sink.
func (s *JSONL) Name() string { return DestinationJSONL }

// Path returns the file holding table.
func (s *JSONL) Path(dataset, table string) string {
	return filepath.Join(s.dir, dataset, table+".jsonl")
}

// Begin implements Sink. Rows go to a temp file next to the table file
// until Commit.
func (s *JSONL) Begin(_ context.Context, dataset, table string, disposition resource.WriteDisposition) (Writer, error) {
	if err := validateTarget(dataset, table, disposition); err != nil {
		return nil, err
	}
	if strings.ContainsAny(dataset+table, `/\`) || strings.HasPrefix(dataset, ".") || strings.HasPrefix(table, ".") {
		return nil, fmt.Errorf("dataset %q and table %q must be plain names", dataset, table)
	}

	dir := filepath.Join(s.dir, dataset)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create dataset dir: %w", err)
	}
	tmp, err := os.CreateTemp(dir, "."+table+".jsonl.tmp-*")
	if err != nil {
		return nil, fmt.Errorf("create staging file: %w", err)
	}

	return &jsonlWriter{
		target:      s.Path(dataset, table),
		table:       table,
		disposition: disposition,
		tmp:         tmp,
		buf:         bufio.NewWriter(tmp),
	}, nil
}

// Close implements Sink.
func (s *JSONL) Close() error { return nil }

type jsonlWriter struct {
	target      string
	table       string
	disposition resource.WriteDisposition
	tmp         *os.File
	buf         *bufio.Writer
	count       int
	done        bool
}

func (w *jsonlWriter) Write(_ context.Context, rec *resource.Record) error {
	if w.done {
		return ErrWriterClosed
	}
	line, err := rec.MarshalJSON()
	if err != nil {
		return fmt.Errorf("encode row: %w", err)
	}
	if _, err := w.buf.Write(line); err != nil {
		return fmt.Errorf("write row: %w", err)
	}
	if err := w.buf.WriteByte('\n'); err != nil {
		return fmt.Errorf("write row: %w", err)
	}
	w.count++
	return nil
}

func (w *jsonlWriter) Commit(ctx context.Context) (int, error) {
	if w.done {
		return 0, ErrWriterClosed
	}
	if err := w.finish(); err != nil {
		w.Abort(ctx)
		return 0, err
	}
	w.done = true

	if w.disposition == resource.WriteReplace {
		if err := os.Rename(w.tmp.Name(), w.target); err != nil {
			os.Remove(w.tmp.Name())
			return 0, fmt.Errorf("publish %s: %w", w.target, err)
		}
	} else {
		err := appendFile(w.target, w.tmp.Name())
		os.Remove(w.tmp.Name())
		if err != nil {
			return 0, fmt.Errorf("append to %s: %w", w.target, err)
		}
	}

	rowsWrittenTotal.WithLabelValues(DestinationJSONL, w.table).Add(float64(w.count))
	commitsTotal.WithLabelValues(DestinationJSONL, string(w.disposition)).Inc()
	return w.count, nil
}

func (w *jsonlWriter) finish() error {
	if err := w.buf.Flush(); err != nil {
		return fmt.Errorf("flush staging file: %w", err)
	}
	if err := w.tmp.Sync(); err != nil {
		return fmt.Errorf("sync staging file: %w", err)
	}
	return w.tmp.Close()
}

func (w *jsonlWriter) Abort(context.Context) error {
	if w.done {
		return nil
	}
	w.done = true
	w.tmp.Close()
	abortsTotal.WithLabelValues(DestinationJSONL).Inc()
	if err := os.Remove(w.tmp.Name()); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("remove staging file: %w", err)
	}
	return nil
}

func appendFile(target, staged string) error {
	src, err := os.Open(staged)
	if err != nil {
		return err
	}
	defer src.Close()

	dst, err := os.OpenFile(target, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return err
	}
	if _, err := io.Copy(dst, src); err != nil {
		dst.Close()
		return err
	}
	return dst.Close()
}
