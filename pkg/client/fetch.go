package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"iter"
	"net/http"
	"net/url"
	"slices"
	"strings"

	"github.com/Sternrassler/rest-pipeline/pkg/pagination"
	"github.com/Sternrassler/rest-pipeline/pkg/resource"
)

// listFields are tried in order when no data selector is configured and the
// response is an object.
var listFields = []string{"data", "results", "items"}

// Fetch returns the records of path across all of its pages. It implements
// resolver.Fetcher.
func (c *Client) Fetch(ctx context.Context, path string, params map[string]any) iter.Seq2[*resource.Record, error] {
	return c.FetchSelected(ctx, path, params, c.config.DataSelector)
}

// FetchSelected is Fetch with the record list read from selector, a field
// name or a dotted path such as "data.items".
func (c *Client) FetchSelected(ctx context.Context, path string, params map[string]any, selector string) iter.Seq2[*resource.Record, error] {
	return func(yield func(*resource.Record, error) bool) {
		next, err := c.buildURL(path, params)
		if err != nil {
			yield(nil, err)
			return
		}

		seen := make(map[string]bool)
		for next != nil {
			if seen[next.String()] {
				yield(nil, fmt.Errorf("%w at %s", ErrPaginationLoop, next))
				return
			}
			seen[next.String()] = true

			page, records, err := c.fetchPage(ctx, next, selector)
			if err != nil {
				yield(nil, err)
				return
			}
			for _, rec := range records {
				if !yield(rec, nil) {
					return
				}
			}

			next, err = c.config.Paginator.Next(page)
			if err != nil {
				yield(nil, fmt.Errorf("paginate %s: %w", page.URL, err))
				return
			}
			if next != nil {
				c.logger.Debug().Str("endpoint", next.Path).Msg("Following next page")
			}
		}
	}
}

// fetchPage requests one page and decodes its records.
func (c *Client) fetchPage(ctx context.Context, u *url.URL, selector string) (*pagination.Page, []*resource.Record, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return nil, nil, fmt.Errorf("create request: %w", err)
	}
	resp, err := c.Do(req)
	if err != nil {
		return nil, nil, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, nil, fmt.Errorf("read %s: %w", u, err)
	}

	envelope, records, err := decodePage(body, selector)
	if err != nil {
		return nil, nil, fmt.Errorf("decode %s: %w", u, err)
	}
	pagesTotal.WithLabelValues(u.Host).Inc()

	return &pagination.Page{URL: u, Header: resp.Header, Envelope: envelope}, records, nil
}

// buildURL joins path to the base URL and appends params as query values.
// Absolute paths replace the base URL. Params are encoded in key order.
func (c *Client) buildURL(path string, params map[string]any) (*url.URL, error) {
	var u *url.URL
	if strings.HasPrefix(path, "http://") || strings.HasPrefix(path, "https://") {
		parsed, err := url.Parse(path)
		if err != nil {
			return nil, fmt.Errorf("parse url %q: %w", path, err)
		}
		u = parsed
	} else {
		ref, err := url.Parse(strings.TrimLeft(path, "/"))
		if err != nil {
			return nil, fmt.Errorf("parse path %q: %w", path, err)
		}
		base := *c.baseURL
		if !strings.HasSuffix(base.Path, "/") {
			base.Path += "/"
		}
		u = base.ResolveReference(ref)
	}

	if len(params) == 0 {
		return u, nil
	}
	q := u.Query()
	for _, k := range slices.Sorted(mapKeys(params)) {
		q.Del(k)
		for _, v := range queryValues(params[k]) {
			q.Add(k, v)
		}
	}
	u.RawQuery = q.Encode()
	return u, nil
}

func queryValues(v any) []string {
	switch v := v.(type) {
	case nil:
		return []string{""}
	case []any:
		out := make([]string, 0, len(v))
		for _, item := range v {
			out = append(out, fmt.Sprint(item))
		}
		return out
	case []string:
		return v
	default:
		return []string{fmt.Sprint(v)}
	}
}

func mapKeys(m map[string]any) iter.Seq[string] {
	return func(yield func(string) bool) {
		for k := range m {
			if !yield(k) {
				return
			}
		}
	}
}

// decodePage turns a response body into records.
//
// A top-level array is the record list. For an object, the list is read
// from selector when set, else from the first of listFields holding an
// array; an object without such a list is itself one record. Array rows are
// zipped with the names of a sibling "fields" list, as columnar report APIs
// return them; other non-object items become {"value": item}.
func decodePage(body []byte, selector string) (map[string]json.RawMessage, []*resource.Record, error) {
	body = bytes.TrimSpace(body)
	if len(body) == 0 {
		return nil, nil, nil
	}

	if body[0] == '[' {
		var items []json.RawMessage
		if err := json.Unmarshal(body, &items); err != nil {
			return nil, nil, err
		}
		records, err := decodeItems(items, nil)
		return nil, records, err
	}

	var envelope map[string]json.RawMessage
	if err := json.Unmarshal(body, &envelope); err != nil {
		return nil, nil, err
	}

	var list json.RawMessage
	if selector != "" {
		raw, err := selectPath(envelope, selector)
		if err != nil {
			return envelope, nil, err
		}
		list = raw
	} else {
		for _, field := range listFields {
			if raw, ok := envelope[field]; ok && isArray(raw) {
				list = raw
				break
			}
		}
	}

	if list == nil {
		rec, err := decodeObject(body)
		if err != nil {
			return envelope, nil, err
		}
		return envelope, []*resource.Record{rec}, nil
	}

	if string(bytes.TrimSpace(list)) == "null" {
		return envelope, nil, nil
	}
	var items []json.RawMessage
	if err := json.Unmarshal(list, &items); err != nil {
		return envelope, nil, fmt.Errorf("record list %q is not an array: %w", selector, err)
	}
	records, err := decodeItems(items, columnNames(envelope))
	return envelope, records, err
}

func decodeItems(items []json.RawMessage, columns []string) ([]*resource.Record, error) {
	records := make([]*resource.Record, 0, len(items))
	for i, item := range items {
		item = bytes.TrimSpace(item)
		switch {
		case len(item) > 0 && item[0] == '{':
			rec, err := decodeObject(item)
			if err != nil {
				return nil, fmt.Errorf("record %d: %w", i, err)
			}
			records = append(records, rec)
		case len(item) > 0 && item[0] == '[' && len(columns) > 0:
			rec, err := zipRow(item, columns)
			if err != nil {
				return nil, fmt.Errorf("record %d: %w", i, err)
			}
			records = append(records, rec)
		default:
			var v any
			dec := json.NewDecoder(bytes.NewReader(item))
			dec.UseNumber()
			if err := dec.Decode(&v); err != nil {
				return nil, fmt.Errorf("record %d: %w", i, err)
			}
			records = append(records, resource.RecordOf("value", v))
		}
	}
	return records, nil
}

func decodeObject(raw []byte) (*resource.Record, error) {
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	return resource.DecodeRecord(dec)
}

func zipRow(item json.RawMessage, columns []string) (*resource.Record, error) {
	var values []any
	dec := json.NewDecoder(bytes.NewReader(item))
	dec.UseNumber()
	if err := dec.Decode(&values); err != nil {
		return nil, err
	}
	if len(values) != len(columns) {
		return nil, fmt.Errorf("row has %d values for %d fields", len(values), len(columns))
	}
	rec := resource.NewRecord()
	for i, name := range columns {
		rec.Set(name, values[i])
	}
	return rec, nil
}

// columnNames reads the "fields" list of a columnar response.
func columnNames(envelope map[string]json.RawMessage) []string {
	raw, ok := envelope["fields"]
	if !ok {
		return nil
	}
	var fields []struct {
		Name string `json:"name"`
	}
	if err := json.Unmarshal(raw, &fields); err != nil {
		return nil
	}
	names := make([]string, 0, len(fields))
	for _, f := range fields {
		if f.Name == "" {
			return nil
		}
		names = append(names, f.Name)
	}
	return names
}

func selectPath(envelope map[string]json.RawMessage, selector string) (json.RawMessage, error) {
	current := envelope
	parts := strings.Split(selector, ".")
	for i, part := range parts {
		raw, ok := current[part]
		if !ok {
			return nil, fmt.Errorf("data selector %q: field %q not found", selector, part)
		}
		if i == len(parts)-1 {
			return raw, nil
		}
		var next map[string]json.RawMessage
		if err := json.Unmarshal(raw, &next); err != nil {
			return nil, fmt.Errorf("data selector %q: field %q is not an object", selector, part)
		}
		current = next
	}
	return nil, fmt.Errorf("empty data selector")
}

func isArray(raw json.RawMessage) bool {
	raw = bytes.TrimSpace(raw)
	return len(raw) > 0 && raw[0] == '['
}
