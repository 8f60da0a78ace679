package client

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"slices"
	"strings"
	"testing"
	"time"

	"github.com/Sternrassler/rest-pipeline/internal/testutil"
	"github.com/Sternrassler/rest-pipeline/pkg/resource"
	"github.com/google/go-cmp/cmp"
)

// newTestClient returns a client against mock with fast retries and no Redis.
func newTestClient(t *testing.T, mock *testutil.MockAPI, mutate ...func(*Config)) *Client {
	t.Helper()
	cfg := DefaultConfig(mock.URL() + "/api/v2/")
	cfg.InitialBackoff = time.Millisecond
	cfg.MaxBackoff = 5 * time.Millisecond
	for _, m := range mutate {
		m(&cfg)
	}
	c, err := New(cfg)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	t.Cleanup(func() { c.Close() })
	return c
}

func jsonNum(s string) json.Number { return json.Number(s) }

func collectMaps(t *testing.T, c *Client, path string, params map[string]any) ([]map[string]any, error) {
	t.Helper()
	var out []map[string]any
	for rec, err := range c.Fetch(context.Background(), path, params) {
		if err != nil {
			return out, err
		}
		out = append(out, rec.Map())
	}
	return out, nil
}

func TestNew_Validation(t *testing.T) {
	tests := []struct {
		name     string
		mutate   func(*Config)
		errorMsg string
	}{
		{name: "valid config", mutate: func(*Config) {}},
		{name: "empty base url", mutate: func(c *Config) { c.BaseURL = "" }, errorMsg: "base url is required"},
		{name: "non http base url", mutate: func(c *Config) { c.BaseURL = "ftp://example.com" }, errorMsg: "must be http or https"},
		{name: "empty user agent", mutate: func(c *Config) { c.UserAgent = "" }, errorMsg: "user-agent is required"},
		{name: "negative retries", mutate: func(c *Config) { c.MaxRetries = -1 }, errorMsg: "max_retries must be >= 0"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig("https://pokeapi.co/api/v2/")
			tt.mutate(&cfg)
			_, err := New(cfg)
			if tt.errorMsg == "" {
				if err != nil {
					t.Errorf("New() unexpected error = %v", err)
				}
				return
			}
			if err == nil || !strings.Contains(err.Error(), tt.errorMsg) {
				t.Errorf("New() error = %v, want containing %q", err, tt.errorMsg)
			}
		})
	}
}

func TestNew_WithoutRedis(t *testing.T) {
	c, err := New(DefaultConfig("https://pokeapi.co/api/v2/"))
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	if c.cache != nil || c.rateLimiter != nil {
		t.Error("cache and rate limiter should be disabled without Redis")
	}
}

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig("https://pokeapi.co/api/v2/")
	if cfg.MaxRetries != 3 {
		t.Errorf("MaxRetries = %d, want 3", cfg.MaxRetries)
	}
	if cfg.Timeout != 30*time.Second {
		t.Errorf("Timeout = %v, want 30s", cfg.Timeout)
	}
	if cfg.Paginator == nil {
		t.Error("Paginator should default to auto")
	}
}

func TestBuildURL(t *testing.T) {
	c, _ := New(DefaultConfig("https://api.ercot.com/api/public-reports"))

	tests := []struct {
		name   string
		path   string
		params map[string]any
		want   string
	}{
		{name: "joins base without trailing slash", path: "np4-746-cd/spp", want: "https://api.ercot.com/api/public-reports/np4-746-cd/spp"},
		{name: "leading slash stays under base", path: "/archive/np4", want: "https://api.ercot.com/api/public-reports/archive/np4"},
		{
			name:   "params sorted",
			path:   "np4-746-cd/spp",
			params: map[string]any{"intervalEndingTo": "2024-09-01T00:00:00", "intervalEndingFrom": "2024-08-01T00:00:00", "size": 100},
			want:   "https://api.ercot.com/api/public-reports/np4-746-cd/spp?intervalEndingFrom=2024-08-01T00%3A00%3A00&intervalEndingTo=2024-09-01T00%3A00%3A00&size=100",
		},
		{name: "absolute path", path: "https://pokeapi.co/api/v2/berry/1/", want: "https://pokeapi.co/api/v2/berry/1/"},
		{name: "list param", path: "x", params: map[string]any{"tag": []any{"a", "b"}}, want: "https://api.ercot.com/api/public-reports/x?tag=a&tag=b"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			u, err := c.buildURL(tt.path, tt.params)
			if err != nil {
				t.Fatalf("buildURL() error = %v", err)
			}
			if u.String() != tt.want {
				t.Errorf("buildURL() = %q, want %q", u.String(), tt.want)
			}
		})
	}
}

func TestDo_HeadersSet(t *testing.T) {
	mock := testutil.NewMockAPI()
	defer mock.Close()
	mock.SetJSON("/api/v2/pokemon", []any{})

	c := newTestClient(t, mock, func(cfg *Config) {
		cfg.Token = "secret-token"
		cfg.Headers = map[string]string{"Ocp-Apim-Subscription-Key": "sub-key"}
	})

	resp, err := c.Get(context.Background(), "pokemon", nil)
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	resp.Body.Close()

	h := mock.LastRequestHeader()
	if got := h.Get("Authorization"); got != "Bearer secret-token" {
		t.Errorf("Authorization = %q", got)
	}
	if got := h.Get("Ocp-Apim-Subscription-Key"); got != "sub-key" {
		t.Errorf("Ocp-Apim-Subscription-Key = %q", got)
	}
	if got := h.Get("User-Agent"); got != "rest-pipeline/1.0" {
		t.Errorf("User-Agent = %q", got)
	}
}

// rotatingTokens hands out a new token on every call.
type rotatingTokens struct {
	calls int
	err   error
}

func (r *rotatingTokens) Token(context.Context) (string, error) {
	if r.err != nil {
		return "", r.err
	}
	r.calls++
	return fmt.Sprintf("tok-%d", r.calls), nil
}

func TestDo_TokenSource(t *testing.T) {
	mock := testutil.NewMockAPI()
	defer mock.Close()
	mock.SetJSON("/api/v2/pokemon", []any{})

	tokens := &rotatingTokens{}
	c := newTestClient(t, mock, func(cfg *Config) {
		cfg.Token = "static"
		cfg.TokenSource = tokens
	})

	for i := 1; i <= 2; i++ {
		resp, err := c.Get(context.Background(), "pokemon", nil)
		if err != nil {
			t.Fatalf("Get() error = %v", err)
		}
		resp.Body.Close()

		want := fmt.Sprintf("Bearer tok-%d", i)
		if got := mock.LastRequestHeader().Get("Authorization"); got != want {
			t.Errorf("request %d Authorization = %q, want %q", i, got, want)
		}
	}
}

func TestDo_TokenSourceError(t *testing.T) {
	mock := testutil.NewMockAPI()
	defer mock.Close()
	mock.SetJSON("/api/v2/pokemon", []any{})

	expired := errors.New("refresh token expired")
	c := newTestClient(t, mock, func(cfg *Config) {
		cfg.TokenSource = &rotatingTokens{err: expired}
	})

	_, err := c.Get(context.Background(), "pokemon", nil)
	if !errors.Is(err, expired) {
		t.Fatalf("Get() error = %v, want token source error", err)
	}
	if n := mock.GetRequestCount(); n != 0 {
		t.Errorf("requests = %d, want 0 without a token", n)
	}
}

func TestDo_RetryOnServerError(t *testing.T) {
	mock := testutil.NewMockAPI()
	defer mock.Close()
	mock.SetSequence("/api/v2/berry",
		testutil.NewServerErrorResponse(),
		testutil.NewServerErrorResponse(),
		testutil.NewHealthyResponse(`[{"name":"cheri"}]`),
	)

	c := newTestClient(t, mock)
	got, err := collectMaps(t, c, "berry", nil)
	if err != nil {
		t.Fatalf("Fetch() error = %v", err)
	}
	if len(got) != 1 {
		t.Errorf("records = %d, want 1", len(got))
	}
	if n := mock.GetRequestCount(); n != 3 {
		t.Errorf("requests = %d, want 3", n)
	}
}

func TestDo_NoRetryOnClientError(t *testing.T) {
	mock := testutil.NewMockAPI()
	defer mock.Close()

	c := newTestClient(t, mock)
	_, err := c.Get(context.Background(), "not_existing_endpoint", nil)

	var apiErr *APIError
	if !errors.As(err, &apiErr) {
		t.Fatalf("error = %v, want *APIError", err)
	}
	if apiErr.StatusCode != http.StatusNotFound || apiErr.ErrorClass != ErrorClassClient {
		t.Errorf("APIError = %+v", apiErr)
	}
	if n := mock.GetRequestCount(); n != 1 {
		t.Errorf("requests = %d, want 1 (no retry on 4xx)", n)
	}
}

func TestDo_RetryOnRateLimit(t *testing.T) {
	mock := testutil.NewMockAPI()
	defer mock.Close()
	mock.SetSequence("/api/v2/berry",
		testutil.NewRateLimitResponse(0),
		testutil.NewHealthyResponse(`[]`),
	)

	c := newTestClient(t, mock)
	resp, err := c.Get(context.Background(), "berry", nil)
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	resp.Body.Close()
	if n := mock.GetRequestCount(); n != 2 {
		t.Errorf("requests = %d, want 2", n)
	}
}

func TestDo_RetryExhausted(t *testing.T) {
	mock := testutil.NewMockAPI()
	defer mock.Close()
	mock.SetResponse("/api/v2/berry", testutil.NewServerErrorResponse())

	c := newTestClient(t, mock, func(cfg *Config) { cfg.MaxRetries = 2 })
	_, err := c.Get(context.Background(), "berry", nil)
	if !errors.Is(err, ErrRetryExhausted) {
		t.Fatalf("error = %v, want ErrRetryExhausted", err)
	}
	var apiErr *APIError
	if !errors.As(err, &apiErr) || apiErr.StatusCode != 500 {
		t.Errorf("exhausted error should wrap the last APIError, got %v", err)
	}
	if n := mock.GetRequestCount(); n != 3 {
		t.Errorf("requests = %d, want 3", n)
	}
}

func TestFetch_JSONLinkPagination(t *testing.T) {
	mock := testutil.NewMockAPI()
	defer mock.Close()

	var items []map[string]any
	for _, name := range []string{"bulbasaur", "ivysaur", "venusaur", "charmander", "charmeleon"} {
		items = append(items, map[string]any{"name": name, "url": "https://pokeapi.co/api/v2/pokemon/" + name})
	}
	mock.SetCollection("/api/v2/pokemon", 2, items)

	c := newTestClient(t, mock)
	got, err := collectMaps(t, c, "pokemon", map[string]any{"limit": 2})
	if err != nil {
		t.Fatalf("Fetch() error = %v", err)
	}

	var names []string
	for _, m := range got {
		names = append(names, m["name"].(string))
	}
	want := []string{"bulbasaur", "ivysaur", "venusaur", "charmander", "charmeleon"}
	if diff := cmp.Diff(want, names); diff != "" {
		t.Errorf("names mismatch (-want +got):\n%s", diff)
	}
	if n := mock.GetRequestCount(); n != 3 {
		t.Errorf("requests = %d, want 3 pages", n)
	}
}

func TestFetch_HeaderLinkPagination(t *testing.T) {
	mock := testutil.NewMockAPI()
	defer mock.Close()
	mock.SetHandler("/api/v2/issues", func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Query().Get("page") == "2" {
			io.WriteString(w, `[{"number":3}]`)
			return
		}
		w.Header().Set("Link", `</api/v2/issues?page=2>; rel="next"`)
		io.WriteString(w, `[{"number":1},{"number":2}]`)
	})

	c := newTestClient(t, mock)
	got, err := collectMaps(t, c, "issues", nil)
	if err != nil {
		t.Fatalf("Fetch() error = %v", err)
	}
	if len(got) != 3 {
		t.Errorf("records = %d, want 3", len(got))
	}
}

func TestFetch_PaginationLoop(t *testing.T) {
	mock := testutil.NewMockAPI()
	defer mock.Close()
	mock.SetHandler("/api/v2/loop", func(w http.ResponseWriter, r *http.Request) {
		io.WriteString(w, `{"next":"/api/v2/loop","results":[{"id":1}]}`)
	})

	c := newTestClient(t, mock)
	_, err := collectMaps(t, c, "loop", nil)
	if !errors.Is(err, ErrPaginationLoop) {
		t.Errorf("error = %v, want ErrPaginationLoop", err)
	}
}

func TestFetch_ConsumerBreakStopsPaging(t *testing.T) {
	mock := testutil.NewMockAPI()
	defer mock.Close()
	mock.SetCollection("/api/v2/berry", 1, []map[string]any{{"id": 1}, {"id": 2}, {"id": 3}})

	c := newTestClient(t, mock)
	for rec, err := range c.Fetch(context.Background(), "berry", nil) {
		if err != nil {
			t.Fatalf("Fetch() error = %v", err)
		}
		_ = rec
		break
	}
	if n := mock.GetRequestCount(); n != 1 {
		t.Errorf("requests = %d, want 1 after break", n)
	}
}

func TestFetch_DataSelector(t *testing.T) {
	mock := testutil.NewMockAPI()
	defer mock.Close()
	mock.SetJSON("/api/v2/archive/np4-746-cd", map[string]any{
		"_meta":    map[string]any{"totalRecords": 1},
		"archives": []any{map[string]any{"docId": 42, "friendlyName": "SPP"}},
	})

	c := newTestClient(t, mock)
	var got []map[string]any
	for rec, err := range c.FetchSelected(context.Background(), "archive/np4-746-cd", nil, "archives") {
		if err != nil {
			t.Fatalf("FetchSelected() error = %v", err)
		}
		got = append(got, rec.Map())
	}
	if len(got) != 1 || got[0]["friendlyName"] != "SPP" {
		t.Errorf("records = %v", got)
	}

	for _, err := range c.FetchSelected(context.Background(), "archive/np4-746-cd", nil, "missing") {
		if err == nil || !strings.Contains(err.Error(), `field "missing" not found`) {
			t.Errorf("error = %v, want missing selector field", err)
		}
	}
}

func TestDecodePage(t *testing.T) {
	tests := []struct {
		name     string
		body     string
		selector string
		want     []map[string]any
		wantErr  bool
	}{
		{name: "top level array", body: `[{"a":1},{"a":2}]`, want: []map[string]any{{"a": jsonNum("1")}, {"a": jsonNum("2")}}},
		{name: "results list", body: `{"count":1,"next":null,"results":[{"name":"cheri"}]}`, want: []map[string]any{{"name": "cheri"}}},
		{name: "data list wins over results", body: `{"data":[{"x":1}],"results":[{"y":2}]}`, want: []map[string]any{{"x": jsonNum("1")}}},
		{name: "single object", body: `{"id":1,"name":"cheri"}`, want: []map[string]any{{"id": jsonNum("1"), "name": "cheri"}}},
		{name: "dotted selector", body: `{"payload":{"rows":[{"k":"v"}]}}`, selector: "payload.rows", want: []map[string]any{{"k": "v"}}},
		{name: "null list", body: `{"results":null}`, selector: "results"},
		{name: "empty body"},
		{
			name: "columnar rows",
			body: `{"fields":[{"name":"intervalEnding"},{"name":"value"}],"data":[["2024-08-01T00:05:00",12.5]]}`,
			want: []map[string]any{{"intervalEnding": "2024-08-01T00:05:00", "value": jsonNum("12.5")}},
		},
		{name: "scalar items", body: `["a","b"]`, want: []map[string]any{{"value": "a"}, {"value": "b"}}},
		{name: "selector not object", body: `{"payload":3}`, selector: "payload.rows", wantErr: true},
		{name: "invalid json", body: `{`, wantErr: true},
		{name: "nested field missing", body: `{"_embedded":{"other":1},"products":[{"a":1}]}`, selector: "_embedded.products", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, records, err := decodePage([]byte(tt.body), tt.selector)
			if (err != nil) != tt.wantErr {
				t.Fatalf("decodePage() error = %v, wantErr %v", err, tt.wantErr)
			}
			var got []map[string]any
			for _, r := range records {
				got = append(got, r.Map())
			}
			if diff := cmp.Diff(tt.want, got); diff != "" {
				t.Errorf("records mismatch (-want +got):\n%s", diff)
			}
		})
	}
}

func TestDecodePage_SelectorKeepsEnvelope(t *testing.T) {
	body := `{"_embedded":{"products":[{"emilId":"np4-746-cd"}],"next":"http://x/page2"},"count":1}`

	envelope, records, err := decodePage([]byte(body), "_embedded.products")
	if err != nil {
		t.Fatalf("decodePage() error = %v", err)
	}
	if len(records) != 1 {
		t.Fatalf("records = %d, want 1", len(records))
	}

	var keys []string
	for k := range envelope {
		keys = append(keys, k)
	}
	slices.Sort(keys)
	if diff := cmp.Diff([]string{"_embedded", "count"}, keys); diff != "" {
		t.Errorf("envelope keys mismatch (-want +got):\n%s", diff)
	}
}

func TestDecodePage_KeepsFieldOrder(t *testing.T) {
	_, records, err := decodePage([]byte(`[{"z":1,"a":2,"m":3}]`), "")
	if err != nil {
		t.Fatalf("decodePage() error = %v", err)
	}
	if diff := cmp.Diff([]string{"z", "a", "m"}, records[0].Keys()); diff != "" {
		t.Errorf("keys mismatch (-want +got):\n%s", diff)
	}
}

func TestCheckConnection(t *testing.T) {
	mock := testutil.NewMockAPI()
	defer mock.Close()
	mock.SetJSON("/api/v2/pokemon", map[string]any{"results": []any{}})

	c := newTestClient(t, mock)

	ok, err := c.CheckConnection(context.Background(), "pokemon")
	if !ok || err != nil {
		t.Errorf("CheckConnection(pokemon) = %v, %v, want true, nil", ok, err)
	}

	ok, err = c.CheckConnection(context.Background(), "not_existing_endpoint")
	if ok || err == nil {
		t.Errorf("CheckConnection(not_existing_endpoint) = %v, %v, want false with error", ok, err)
	}
	if !strings.Contains(err.Error(), "404") {
		t.Errorf("error %q should mention the status", err)
	}
}

func TestFetch_ImplementsResolverShape(t *testing.T) {
	mock := testutil.NewMockAPI()
	defer mock.Close()
	mock.SetJSON("/api/v2/berry/cheri", map[string]any{"id": 1, "name": "cheri"})

	c := newTestClient(t, mock)
	var recs []*resource.Record
	for rec, err := range c.Fetch(context.Background(), "berry/cheri", nil) {
		if err != nil {
			t.Fatalf("Fetch() error = %v", err)
		}
		recs = append(recs, rec)
	}
	if len(recs) != 1 {
		t.Fatalf("records = %v", recs)
	}
	if name, _ := recs[0].Get("name"); name != "cheri" {
		t.Errorf("name = %v, want cheri", name)
	}
}
