package pagination

import (
	"errors"
	"fmt"
	"net/url"
)

// ErrMalformedPage is returned when a page does not carry the data needed to
// compute the next cursor.
var ErrMalformedPage = errors.New("malformed page")

// Action is the outcome of a policy decision.
type Action int

const (
	// ActionAdvance requests the next page in the same window.
	ActionAdvance Action = iota

	// ActionNarrow starts a new window with a later floor at page 1.
	ActionNarrow

	// ActionExhausted ends the loop.
	ActionExhausted
)

// String returns the action name used in logs.
func (a Action) String() string {
	switch a {
	case ActionAdvance:
		return "advance"
	case ActionNarrow:
		return "narrow"
	case ActionExhausted:
		return "exhausted"
	default:
		return "unknown"
	}
}

// Transition is the policy's answer for a received page.
type Transition struct {
	Action Action

	// Next is the cursor for the following request. Unset when exhausted.
	Next Cursor

	// CoverageGap is set when narrowing could not move the floor with day
	// granularity and the floor was forced one day forward. Records updated
	// on the skipped day beyond the result cap are not extracted.
	CoverageGap bool
}

// Policy decides where a loop goes after each page.
type Policy interface {
	Next(prev Cursor, page *Page) (Transition, error)
}

// PolicyFor returns the policy matching opts.Mode.
func PolicyFor(opts Options) Policy {
	switch opts.Mode {
	case ModePageNumber:
		return PageNumberPolicy{PageSize: opts.PageSize}
	case ModeSinglePage:
		return SinglePagePolicy{}
	default:
		return WindowPolicy{PageSize: opts.PageSize}
	}
}

// WindowPolicy pages through a search endpoint and narrows the updated_at
// window each time the cumulative results of a window reach the result cap.
//
// Pages must be sorted ascending on the replication key: the last record of
// a page then carries the page's maximum timestamp.
type WindowPolicy struct {
	PageSize int
}

// Next implements Policy.
func (p WindowPolicy) Next(prev Cursor, page *Page) (Transition, error) {
	if page == nil {
		return Transition{}, fmt.Errorf("%w: nil page", ErrMalformedPage)
	}

	if len(page.Records) == 0 && page.Count >= p.PageSize {
		return Transition{}, fmt.Errorf("%w: page %d reports %d results but holds no records",
			ErrMalformedPage, prev.Page, page.Count)
	}

	// A single page cannot tell "exactly one full page" apart from "done",
	// so the second page is always requested.
	if prev.BeforeFirstPage() {
		return advance(prev), nil
	}

	if page.Count < p.PageSize {
		return Transition{Action: ActionExhausted}, nil
	}

	if !prev.Saturated(p.PageSize) {
		return advance(prev), nil
	}

	last, _ := page.Last()
	if last.UpdatedAt.IsZero() {
		return Transition{}, fmt.Errorf("%w: last record %q on page %d has no updated_at",
			ErrMalformedPage, last.ID, prev.Page)
	}

	next := Cursor{
		Floor:  Day(last.UpdatedAt.Add(-NarrowingLookback)),
		Page:   1,
		Window: prev.Window + 1,
	}

	// More results than the cap share one day: day granularity cannot split
	// them, so the floor is pushed past that day.
	var gap bool
	if !prev.Floor.IsZero() && !next.Floor.After(prev.Floor) {
		gap = true
		next.Floor = prev.Floor.AddDate(0, 0, 1)
	}

	return Transition{Action: ActionNarrow, Next: next, CoverageGap: gap}, nil
}

func advance(prev Cursor) Transition {
	next := prev
	next.Page++
	return Transition{Action: ActionAdvance, Next: next}
}

// PageNumberPolicy pages a listing endpoint until a short page.
type PageNumberPolicy struct {
	PageSize int
}

// Next implements Policy.
func (p PageNumberPolicy) Next(prev Cursor, page *Page) (Transition, error) {
	if page == nil {
		return Transition{}, fmt.Errorf("%w: nil page", ErrMalformedPage)
	}
	if page.Count < p.PageSize {
		return Transition{Action: ActionExhausted}, nil
	}
	return advance(prev), nil
}

// SinglePagePolicy stops after the first response.
type SinglePagePolicy struct{}

// Next implements Policy.
func (SinglePagePolicy) Next(Cursor, *Page) (Transition, error) {
	return Transition{Action: ActionExhausted}, nil
}

// NextQueryParameters applies the policy for opts to raw query parameters.
// prev is nil for the initial request of a run, in which case the parameters
// are read back from page.RequestURL. A nil result means the result set is
// exhausted.
func NextQueryParameters(opts Options, prev url.Values, page *Page) (url.Values, error) {
	initial := prev == nil
	if initial {
		if page == nil || page.RequestURL == nil {
			return nil, fmt.Errorf("%w: no request parameters to start from", ErrInvalidParams)
		}
		prev = page.RequestURL.Query()
	}

	cursor, err := ParseCursor(prev)
	if err != nil {
		return nil, err
	}
	// Outside the initial request, page 1 is only ever requested after a
	// narrowing.
	if !initial && cursor.Page == 1 {
		cursor.Window = 1
	}

	tr, err := PolicyFor(opts).Next(cursor, page)
	if err != nil {
		return nil, err
	}
	if tr.Action == ActionExhausted {
		return nil, nil
	}
	return tr.Next.Params(opts), nil
}
