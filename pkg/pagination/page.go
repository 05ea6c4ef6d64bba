package pagination

import (
	"context"
	"encoding/json"
	"net/url"
	"time"
)

// Record is one extracted row.
type Record struct {
	// ID is the primary key rendered as a string.
	ID string

	// UpdatedAt is the replication value. Zero when the record type has no
	// replication key.
	UpdatedAt time.Time

	// Data is the raw JSON object handed downstream.
	Data json.RawMessage
}

// Page is one deserialized response.
type Page struct {
	// Records in the order the API returned them.
	Records []Record

	// Count is the number of matching results the endpoint reports for this
	// page. Some endpoints report it in a dedicated field, others only by
	// the length of the record list.
	Count int

	// RequestURL is the URL that produced the page, used to re-derive the
	// query parameters.
	RequestURL *url.URL
}

// Last returns the final record of the page.
func (p *Page) Last() (Record, bool) {
	if p == nil || len(p.Records) == 0 {
		return Record{}, false
	}
	return p.Records[len(p.Records)-1], true
}

// Fetcher performs a single page request.
type Fetcher interface {
	// FetchPage fetches endpoint with the given query parameters. Transport
	// failures are returned as errors after the fetcher's own retries.
	FetchPage(ctx context.Context, endpoint string, params url.Values) (*Page, error)
}

// FetcherFunc adapts a function to the Fetcher interface.
type FetcherFunc func(ctx context.Context, endpoint string, params url.Values) (*Page, error)

// FetchPage implements Fetcher.
func (f FetcherFunc) FetchPage(ctx context.Context, endpoint string, params url.Values) (*Page, error) {
	return f(ctx, endpoint, params)
}
