// Package cache stores REST responses in Redis so repeated pipeline runs do
// not refetch pages the API declared fresh.
//
// Freshness comes from the response. Cache-Control max-age wins over Expires,
// no-store and no-cache responses are stale on arrival, and responses without
// either header stay fresh for DefaultTTL. Entries keep ETag and Last-Modified
// and outlive their freshness by an hour, so a stale page can be revalidated
// with a conditional request (see Manager.GetStale).
//
// # Basic Usage
//
//	manager := cache.NewManager(redisClient)
//
//	key := cache.Key{
//		Endpoint: "https://pokeapi.co/api/v2/berry",
//		Query:    url.Values{"limit": []string{"1000"}},
//	}
//
//	entry, err := manager.Get(ctx, key)
//	if errors.Is(err, cache.ErrCacheMiss) {
//		// fetch from the API, then:
//		entry, _ = cache.ResponseToEntry(resp)
//		_ = manager.Set(ctx, key, entry)
//	}
//
// # Conditional Requests
//
//	if cache.ShouldMakeConditionalRequest(entry) {
//		cache.AddConditionalHeaders(req, entry)
//	}
//	// on 304 Not Modified:
//	resp = cache.EntryToResponse(entry, req)
//
// # Metrics
//
//   - pipeline_cache_hits_total
//   - pipeline_cache_misses_total
//   - pipeline_cache_stored_bytes
//   - pipeline_cache_not_modified_total
//   - pipeline_cache_errors_total{operation}
package cache
