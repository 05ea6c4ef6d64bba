package testutil

import (
	"fmt"
	"net/url"
	"sort"
	"strconv"
	"strings"
	"time"
)

// SearchCap mirrors the number of results after which Zammad search stops
// returning data for a query.
const SearchCap = 10_000

// Row is one synthetic record.
type Row struct {
	ID        int
	UpdatedAt time.Time
	Fields    map[string]any
}

// JSON returns the row as the API would serialize it.
func (r Row) JSON() map[string]any {
	out := make(map[string]any, len(r.Fields)+2)
	for k, v := range r.Fields {
		out[k] = v
	}
	out["id"] = r.ID
	out["updated_at"] = r.UpdatedAt.UTC().Format("2006-01-02T15:04:05.000Z")
	return out
}

// Dataset is an in-memory search index with the same filtering, ordering and
// result cap behavior as the search endpoints.
type Dataset struct {
	rows []Row
}

// NewDataset creates a dataset; rows are kept sorted by updated_at, then id.
func NewDataset(rows []Row) *Dataset {
	sorted := make([]Row, len(rows))
	copy(sorted, rows)
	sort.SliceStable(sorted, func(i, j int) bool {
		if sorted[i].UpdatedAt.Equal(sorted[j].UpdatedAt) {
			return sorted[i].ID < sorted[j].ID
		}
		return sorted[i].UpdatedAt.Before(sorted[j].UpdatedAt)
	})
	return &Dataset{rows: sorted}
}

// UniformRows returns n rows with ids starting at 1, spread evenly over
// [from, from+span).
func UniformRows(n int, from time.Time, span time.Duration) []Row {
	rows := make([]Row, n)
	step := span / time.Duration(n)
	for i := range rows {
		rows[i] = Row{ID: i + 1, UpdatedAt: from.Add(time.Duration(i) * step)}
	}
	return rows
}

// Len returns the number of rows in the dataset.
func (d *Dataset) Len() int {
	return len(d.rows)
}

// Rows returns all rows in updated_at order.
func (d *Dataset) Rows() []Row {
	return d.rows
}

// Search answers a search request. A filter "updated_at:>YYYY-MM-DD" matches
// rows updated after the end of that day; "updated_at:>0" matches all rows.
func (d *Dataset) Search(params url.Values) ([]Row, error) {
	perPage, err := intParam(params, "per_page", 10)
	if err != nil {
		return nil, err
	}
	page, err := intParam(params, "page", 1)
	if err != nil {
		return nil, err
	}

	matching := d.rows
	if query := params.Get("query"); query != "" {
		after, err := parseFilter(query)
		if err != nil {
			return nil, err
		}
		idx := sort.Search(len(d.rows), func(i int) bool {
			return !d.rows[i].UpdatedAt.Before(after)
		})
		matching = d.rows[idx:]
	}

	limit := len(matching)
	if limit > SearchCap {
		limit = SearchCap
	}
	offset := (page - 1) * perPage
	if offset >= limit {
		return nil, nil
	}
	end := offset + perPage
	if end > limit {
		end = limit
	}
	return matching[offset:end], nil
}

// List answers a plain listing request without a filter or result cap.
func (d *Dataset) List(params url.Values) ([]Row, error) {
	perPage, err := intParam(params, "per_page", 10)
	if err != nil {
		return nil, err
	}
	page, err := intParam(params, "page", 1)
	if err != nil {
		return nil, err
	}
	offset := (page - 1) * perPage
	if offset >= len(d.rows) {
		return nil, nil
	}
	end := offset + perPage
	if end > len(d.rows) {
		end = len(d.rows)
	}
	return d.rows[offset:end], nil
}

func parseFilter(query string) (time.Time, error) {
	value, ok := strings.CutPrefix(query, "updated_at:>")
	if !ok {
		return time.Time{}, fmt.Errorf("unsupported query %q", query)
	}
	if value == "0" {
		return time.Time{}, nil
	}
	day, err := time.Parse("2006-01-02", value)
	if err != nil {
		return time.Time{}, fmt.Errorf("unsupported query %q: %w", query, err)
	}
	return day.AddDate(0, 0, 1), nil
}

func intParam(params url.Values, key string, def int) (int, error) {
	s := params.Get(key)
	if s == "" {
		return def, nil
	}
	v, err := strconv.Atoi(s)
	if err != nil || v < 1 {
		return 0, fmt.Errorf("invalid %s %q", key, s)
	}
	return v, nil
}
