// Package pagination follows the pages of a REST collection one after the
// other.
//
// A Paginator inspects the page just received and returns the URL of the
// next one, or nil when the collection is exhausted. Paginators are stateless,
// so one value can serve any number of fetches.
//
// Supported styles:
//   - SinglePage: the first response is the whole collection
//   - JSONLink: the body carries the next URL in a field (PokeAPI "next")
//   - HeaderLink: an RFC 8288 Link header with rel="next" (GitHub)
//   - Auto: JSONLink when the body has the field, else HeaderLink, else done
//
// Example usage:
//
//	p, err := pagination.New(pagination.KindAuto, "")
//	next, err := p.Next(page)
//	if next == nil {
//		// last page
//	}
package pagination
