package stream

import (
	"context"
	"fmt"
	"net/url"

	"github.com/Sternrassler/zammad-extract/pkg/client"
	"github.com/Sternrassler/zammad-extract/pkg/pagination"
)

// API performs GET requests against the Zammad REST API.
type API interface {
	Get(ctx context.Context, path string, params url.Values) (*client.Response, error)
}

// Fetcher fetches and parses pages of one record type. Records of a
// dependent type are decorated with the parent context.
type Fetcher struct {
	api    API
	def    *Definition
	parent Context
}

// NewFetcher creates a page fetcher for def. parent is nil for top-level
// record types.
func NewFetcher(api API, def *Definition, parent Context) *Fetcher {
	return &Fetcher{api: api, def: def, parent: parent}
}

// FetchPage implements pagination.Fetcher.
func (f *Fetcher) FetchPage(ctx context.Context, endpoint string, params url.Values) (*pagination.Page, error) {
	resp, err := f.api.Get(ctx, endpoint, params)
	if err != nil {
		return nil, err
	}

	records, count, err := f.def.ParseResponse(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("parse %s response: %w", f.def.Name, err)
	}
	for i := range records {
		if records[i], err = Decorate(records[i], f.parent, f.def.PrimaryKey); err != nil {
			return nil, fmt.Errorf("stream %s: %w", f.def.Name, err)
		}
	}

	return &pagination.Page{
		Records:    records,
		Count:      count,
		RequestURL: resp.URL,
	}, nil
}
