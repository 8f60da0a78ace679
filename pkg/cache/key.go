package cache

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"net/url"
	"strings"

	"github.com/gowebpki/jcs"
)

// KeyPrefix namespaces every cache key in Redis.
const KeyPrefix = "pipeline:cache"

// Key identifies a cached response.
type Key struct {
	// Endpoint is the request URL without its query string.
	Endpoint string

	// Query is hashed in canonical form, so parameter order does not matter.
	Query url.Values

	// Scope separates responses fetched with different credentials. Empty
	// for public endpoints.
	Scope string
}

// String returns the Redis key:
//
//	pipeline:cache[:scope]:<endpoint>[:q=<digest>]
//
// The query digest is the sha256 of the RFC 8785 canonical JSON of the query
// values, so param order never changes the key.
func (k Key) String() string {
	parts := []string{KeyPrefix}
	if k.Scope != "" {
		parts = append(parts, k.Scope)
	}
	parts = append(parts, strings.TrimRight(k.Endpoint, "/"))
	if len(k.Query) > 0 {
		parts = append(parts, "q="+queryDigest(k.Query))
	}
	return strings.Join(parts, ":")
}

func queryDigest(q url.Values) string {
	raw, err := json.Marshal(map[string][]string(q))
	if err != nil {
		return q.Encode()
	}
	canonical, err := jcs.Transform(raw)
	if err != nil {
		return q.Encode()
	}
	sum := sha256.Sum256(canonical)
	return hex.EncodeToString(sum[:8])
}
