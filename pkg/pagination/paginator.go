package pagination

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"
)

// Kind names a pagination style in pipeline documents.
type Kind string

const (
	KindAuto       Kind = "auto"
	KindSinglePage Kind = "single_page"
	KindJSONLink   Kind = "json_link"
	KindHeaderLink Kind = "header_link"
)

// DefaultNextField is the body field JSONLink reads when none is configured.
const DefaultNextField = "next"

// Page is one decoded response of a paginated collection.
type Page struct {
	// URL is the absolute URL the page was fetched from.
	URL *url.URL

	Header http.Header

	// Envelope holds the top-level fields of an object body. It is nil when
	// the body is a bare JSON array.
	Envelope map[string]json.RawMessage
}

// Paginator decides where the next page lives.
type Paginator interface {
	// Next returns the URL of the page after page, or nil if page was the last.
	Next(page *Page) (*url.URL, error)
}

// New returns the paginator for kind. nextField applies to JSON links and
// defaults to DefaultNextField.
func New(kind Kind, nextField string) (Paginator, error) {
	if nextField == "" {
		nextField = DefaultNextField
	}
	switch kind {
	case "", KindAuto:
		return Auto{NextField: nextField}, nil
	case KindSinglePage:
		return SinglePage{}, nil
	case KindJSONLink:
		return JSONLink{NextField: nextField}, nil
	case KindHeaderLink:
		return HeaderLink{}, nil
	default:
		return nil, fmt.Errorf("unknown paginator %q", kind)
	}
}

// SinglePage treats every response as the complete collection.
type SinglePage struct{}

// Next always reports the end of the collection.
func (SinglePage) Next(*Page) (*url.URL, error) { return nil, nil }

// JSONLink reads the next page URL from a body field. A missing, null or
// empty field ends the collection.
type JSONLink struct {
	NextField string
}

// Next resolves the body's next link against the page URL.
func (p JSONLink) Next(page *Page) (*url.URL, error) {
	raw, ok := page.Envelope[p.NextField]
	if !ok {
		return nil, nil
	}
	var next *string
	if err := json.Unmarshal(raw, &next); err != nil {
		return nil, fmt.Errorf("next link field %q: %w", p.NextField, err)
	}
	if next == nil || *next == "" {
		return nil, nil
	}
	return resolve(page.URL, *next)
}

// HeaderLink follows the rel="next" entry of the Link response header.
type HeaderLink struct{}

// Next resolves the Link header's next target against the page URL.
func (HeaderLink) Next(page *Page) (*url.URL, error) {
	target := nextFromLinkHeader(page.Header.Values("Link"))
	if target == "" {
		return nil, nil
	}
	return resolve(page.URL, target)
}

// Auto prefers a JSON link, then a Link header.
type Auto struct {
	NextField string
}

// Next detects the pagination style of each page.
func (p Auto) Next(page *Page) (*url.URL, error) {
	if _, ok := page.Envelope[p.NextField]; ok {
		return JSONLink{NextField: p.NextField}.Next(page)
	}
	return HeaderLink{}.Next(page)
}

func resolve(base *url.URL, ref string) (*url.URL, error) {
	u, err := url.Parse(ref)
	if err != nil {
		return nil, fmt.Errorf("parse next link %q: %w", ref, err)
	}
	if base == nil {
		return u, nil
	}
	return base.ResolveReference(u), nil
}

// nextFromLinkHeader extracts the rel="next" target from Link header values
// such as `<https://api.example.com/items?page=2>; rel="next", <...>; rel="last"`.
func nextFromLinkHeader(values []string) string {
	for _, v := range values {
		for _, link := range strings.Split(v, ",") {
			parts := strings.Split(link, ";")
			if len(parts) < 2 {
				continue
			}
			target := strings.TrimSpace(parts[0])
			if !strings.HasPrefix(target, "<") || !strings.HasSuffix(target, ">") {
				continue
			}
			for _, attr := range parts[1:] {
				attr = strings.TrimSpace(attr)
				if !strings.HasPrefix(attr, "rel=") {
					continue
				}
				for _, rel := range strings.Fields(strings.Trim(attr[len("rel="):], `"`)) {
					if rel == "next" {
						return target[1 : len(target)-1]
					}
				}
			}
		}
	}
	return ""
}
