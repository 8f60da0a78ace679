package sink

import (
	"context"
	"fmt"

	"github.com/Sternrassler/rest-pipeline/pkg/resource"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// KeyPrefix namespaces table data in Redis.
const KeyPrefix = "pipeline:data"

// redisBatchSize is the number of rows pushed per round trip.
const redisBatchSize = 500

// Redis stores each table as a list of JSON rows at
// pipeline:data:<dataset>:<table> and tracks table names in the set
// pipeline:data:<dataset>:tables.
type Redis struct {
	client *redis.Client
}

// NewRedis creates a Redis sink.
func NewRedis(client *redis.Client) *Redis {
	return &Redis{client: client}
}

// Name implements Sink.
func (s *Redis) Name() string { return DestinationRedis }

// TableKey returns the list key of table.
func TableKey(dataset, table string) string {
	return KeyPrefix + ":" + dataset + ":" + table
}

// TablesKey returns the set key listing the tables of dataset.
func TablesKey(dataset string) string {
	return KeyPrefix + ":" + dataset + ":tables"
}

// Begin implements Sink. Rows are pushed to a staging list until Commit.
func (s *Redis) Begin(_ context.Context, dataset, table string, disposition resource.WriteDisposition) (Writer, error) {
	if err := validateTarget(dataset, table, disposition); err != nil {
		return nil, err
	}
	return &redisWriter{
		client:      s.client,
		dataset:     dataset,
		table:       table,
		disposition: disposition,
		staging:     TableKey(dataset, table) + ":staging:" + uuid.NewString(),
	}, nil
}

// Close implements Sink. The client belongs to the caller.
func (s *Redis) Close() error { return nil }

type redisWriter struct {
	client      *redis.Client
	dataset     string
	table       string
	disposition resource.WriteDisposition
	staging     string
	pending     []any
	count       int
	done        bool
}

func (w *redisWriter) Write(ctx context.Context, rec *resource.Record) error {
	if w.done {
		return ErrWriterClosed
	}
	line, err := rec.MarshalJSON()
	if err != nil {
		return fmt.Errorf("encode row: %w", err)
	}
	w.pending = append(w.pending, line)
	w.count++
	if len(w.pending) >= redisBatchSize {
		return w.flush(ctx)
	}
	return nil
}

func (w *redisWriter) flush(ctx context.Context) error {
	if len(w.pending) == 0 {
		return nil
	}
	if err := w.client.RPush(ctx, w.staging, w.pending...).Err(); err != nil {
		return fmt.Errorf("push rows: %w", err)
	}
	w.pending = w.pending[:0]
	return nil
}

func (w *redisWriter) Commit(ctx context.Context) (int, error) {
	if w.done {
		return 0, ErrWriterClosed
	}
	if err := w.flush(ctx); err != nil {
		w.Abort(ctx)
		return 0, err
	}
	w.done = true

	key := TableKey(w.dataset, w.table)
	var err error
	if w.disposition == resource.WriteReplace {
		err = w.replace(ctx, key)
	} else {
		err = w.appendRows(ctx, key)
	}
	if err != nil {
		w.client.Del(context.WithoutCancel(ctx), w.staging)
		return 0, err
	}

	rowsWrittenTotal.WithLabelValues(DestinationRedis, w.table).Add(float64(w.count))
	commitsTotal.WithLabelValues(DestinationRedis, string(w.disposition)).Inc()
	return w.count, nil
}

// replace swaps the staging list in for the table in one transaction.
func (w *redisWriter) replace(ctx context.Context, key string) error {
	_, err := w.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Del(ctx, key)
		if w.count > 0 {
			pipe.Rename(ctx, w.staging, key)
		}
		pipe.SAdd(ctx, TablesKey(w.dataset), w.table)
		return nil
	})
	if err != nil {
		return fmt.Errorf("replace table %s: %w", key, err)
	}
	return nil
}

// appendRows moves the staged rows onto the end of the table.
func (w *redisWriter) appendRows(ctx context.Context, key string) error {
	rows, err := w.client.LRange(ctx, w.staging, 0, -1).Result()
	if err != nil {
		return fmt.Errorf("read staged rows: %w", err)
	}
	_, err = w.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		for start := 0; start < len(rows); start += redisBatchSize {
			batch := rows[start:min(start+redisBatchSize, len(rows))]
			values := make([]any, len(batch))
			for i, r := range batch {
				values[i] = r
			}
			pipe.RPush(ctx, key, values...)
		}
		pipe.Del(ctx, w.staging)
		pipe.SAdd(ctx, TablesKey(w.dataset), w.table)
		return nil
	})
	if err != nil {
		return fmt.Errorf("append to table %s: %w", key, err)
	}
	return nil
}

func (w *redisWriter) Abort(ctx context.Context) error {
	if w.done {
		return nil
	}
	w.done = true
	w.pending = nil
	abortsTotal.WithLabelValues(DestinationRedis).Inc()
	if err := w.client.Del(context.WithoutCancel(ctx), w.staging).Err(); err != nil {
		return fmt.Errorf("drop staged rows: %w", err)
	}
	return nil
}
