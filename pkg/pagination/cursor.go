package pagination

import (
	"errors"
	"fmt"
	"net/url"
	"strconv"
	"strings"
	"time"
)

const (
	// SearchResultCap is the number of results after which the search
	// endpoint silently stops returning data for a query.
	SearchResultCap = 10_000

	// DefaultPageSize is the largest page size the API accepts.
	DefaultPageSize = 200

	// FloorLayout is the day-granular layout used in the search filter.
	FloorLayout = "2006-01-02"

	// NarrowingLookback is subtracted from the last timestamp of a saturated
	// page to form the next window floor.
	NarrowingLookback = 24 * time.Hour

	// CheckpointLookback is subtracted from a checkpoint before it seeds the
	// first window floor. The API shifts timestamp filters by up to a day.
	CheckpointLookback = 24 * time.Hour
)

// Query parameter names understood by the search endpoints.
const (
	ParamPerPage = "per_page"
	ParamPage    = "page"
	ParamQuery   = "query"
	ParamSortBy  = "sort_by"
	ParamOrderBy = "order_by"
)

const (
	queryPrefix    = "updated_at:>"
	unboundedQuery = queryPrefix + "0"
)

// ErrInvalidParams is returned when query parameters cannot be turned back
// into a cursor.
var ErrInvalidParams = errors.New("invalid pagination parameters")

// Mode selects how a record type is paged through.
type Mode int

const (
	// ModeSearchWindow pages a search endpoint inside updated_at windows and
	// narrows the window whenever the result cap is reached.
	ModeSearchWindow Mode = iota

	// ModePageNumber pages a plain listing endpoint by page number only.
	ModePageNumber

	// ModeSinglePage issues exactly one request.
	ModeSinglePage
)

// String returns the mode name used in logs.
func (m Mode) String() string {
	switch m {
	case ModeSearchWindow:
		return "search_window"
	case ModePageNumber:
		return "page_number"
	case ModeSinglePage:
		return "single_page"
	default:
		return "unknown"
	}
}

// Options are the per-record-type pagination settings.
type Options struct {
	Mode Mode

	// PageSize is the number of records requested per page.
	PageSize int

	// ReplicationKey is the field used for filtering and ascending ordering.
	// Required for ModeSearchWindow.
	ReplicationKey string
}

// Validate checks the options for consistency.
func (o Options) Validate() error {
	if o.Mode == ModeSinglePage {
		return nil
	}
	if o.PageSize <= 0 {
		return fmt.Errorf("page size must be > 0 (got %d)", o.PageSize)
	}
	if o.PageSize > SearchResultCap {
		return fmt.Errorf("page size must be <= %d (got %d)", SearchResultCap, o.PageSize)
	}
	if o.Mode != ModeSearchWindow {
		return nil
	}
	if o.ReplicationKey == "" {
		return fmt.Errorf("search window pagination requires a replication key")
	}
	// the window must saturate exactly at the cap, and never before page 2
	if SearchResultCap%o.PageSize != 0 || o.PageSize > SearchResultCap/2 {
		return fmt.Errorf("search window page size must divide %d and be <= %d (got %d)",
			SearchResultCap, SearchResultCap/2, o.PageSize)
	}
	return nil
}

// Cursor is the position of a page fetch loop: a window floor and the page
// inside that window.
type Cursor struct {
	// Floor is the day-granular lower bound of the window. The zero value
	// means the window is unbounded.
	Floor time.Time

	// Page is the 1-based page number within the window.
	Page int

	// Window counts narrowings since the loop started. Window 0, page 1 is
	// the state before the first page has been received.
	Window int
}

// NewCursor returns the initial cursor for a run. A non-zero checkpoint is
// moved back by CheckpointLookback and truncated to its day.
func NewCursor(checkpoint time.Time) Cursor {
	c := Cursor{Page: 1}
	if !checkpoint.IsZero() {
		c.Floor = Day(checkpoint.Add(-CheckpointLookback))
	}
	return c
}

// Day truncates t to midnight UTC.
func Day(t time.Time) time.Time {
	t = t.UTC()
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC)
}

// BeforeFirstPage reports whether no page has been received yet.
func (c Cursor) BeforeFirstPage() bool {
	return c.Window == 0 && c.Page == 1
}

// Saturated reports whether the results received in the window up to and
// including this page have reached a multiple of the result cap.
func (c Cursor) Saturated(pageSize int) bool {
	return c.Page*pageSize%SearchResultCap == 0
}

// Query returns the updated_at filter expression for the window.
func (c Cursor) Query() string {
	if c.Floor.IsZero() {
		return unboundedQuery
	}
	return queryPrefix + c.Floor.Format(FloorLayout)
}

// Params builds the remote query parameters for the cursor.
func (c Cursor) Params(opts Options) url.Values {
	params := url.Values{}
	switch opts.Mode {
	case ModeSinglePage:
		return params
	case ModePageNumber:
		params.Set(ParamPerPage, strconv.Itoa(opts.PageSize))
		params.Set(ParamPage, strconv.Itoa(c.Page))
		return params
	}

	params.Set(ParamPerPage, strconv.Itoa(opts.PageSize))
	params.Set(ParamPage, strconv.Itoa(c.Page))
	params.Set(ParamQuery, c.Query())
	if opts.ReplicationKey != "" {
		params.Set(ParamSortBy, opts.ReplicationKey)
		params.Set(ParamOrderBy, "asc")
	}
	return params
}

// String renders the cursor for logs.
func (c Cursor) String() string {
	floor := "-"
	if !c.Floor.IsZero() {
		floor = c.Floor.Format(FloorLayout)
	}
	return fmt.Sprintf("window=%d floor=%s page=%d", c.Window, floor, c.Page)
}

// ParseCursor rebuilds a cursor from the query parameters of a request. The
// window counter is not carried in parameters and is left at zero.
func ParseCursor(params url.Values) (Cursor, error) {
	var c Cursor

	pageStr := params.Get(ParamPage)
	if pageStr == "" {
		c.Page = 1
	} else {
		page, err := strconv.Atoi(pageStr)
		if err != nil || page < 1 {
			return Cursor{}, fmt.Errorf("%w: page %q", ErrInvalidParams, pageStr)
		}
		c.Page = page
	}

	query := params.Get(ParamQuery)
	if query == "" || query == unboundedQuery {
		return c, nil
	}
	if !strings.HasPrefix(query, queryPrefix) {
		return Cursor{}, fmt.Errorf("%w: query %q", ErrInvalidParams, query)
	}
	floor, err := time.Parse(FloorLayout, strings.TrimPrefix(query, queryPrefix))
	if err != nil {
		return Cursor{}, fmt.Errorf("%w: query %q: %v", ErrInvalidParams, query, err)
	}
	c.Floor = floor
	return c, nil
}
