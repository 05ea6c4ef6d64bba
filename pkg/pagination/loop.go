package pagination

import (
	"context"
	"fmt"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// Prometheus metrics for page fetch loops.
var (
	pagesFetchedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "zammad_pages_fetched_total",
		Help: "Total pages fetched by stream",
	}, []string{"stream"})

	recordsEmittedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "zammad_records_emitted_total",
		Help: "Total records emitted by stream",
	}, []string{"stream"})

	recordsSkippedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "zammad_records_skipped_total",
		Help: "Records dropped because they were already emitted in the run",
	}, []string{"stream"})

	windowNarrowingsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "zammad_window_narrowings_total",
		Help: "Total search window narrowings by stream",
	}, []string{"stream"})

	outOfOrderRecordsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "zammad_out_of_order_records_total",
		Help: "Records received older than an earlier record of the same window",
	}, []string{"stream"})

	coverageGapWarningsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "zammad_coverage_gap_warnings_total",
		Help: "Narrowings that had to skip a day with more results than the search cap",
	}, []string{"stream"})
)

// EmitFunc hands one record downstream. Returning an error stops the loop.
type EmitFunc func(ctx context.Context, rec Record) error

// Progress is the loop state after a page has been processed.
type Progress struct {
	Cursor Cursor

	// HighWater is the largest UpdatedAt emitted so far in the run.
	HighWater time.Time

	Pages        int
	Emitted      int
	Skipped      int
	Narrowings   int
	CoverageGaps int

	// OutOfOrder counts records older than a record received before them in
	// the same window.
	OutOfOrder int
}

// Config holds the loop configuration for one record type.
type Config struct {
	// Stream is the record type name used in logs and metrics.
	Stream string

	// Endpoint is the request path passed to the fetcher.
	Endpoint string

	Options Options

	// Policy overrides the policy derived from Options.Mode.
	Policy Policy

	// OnPage is called after every page once its records are emitted.
	OnPage func(ctx context.Context, p Progress) error

	Logger *zerolog.Logger
}

// Loop drives a policy over successive pages of one record type.
type Loop struct {
	config Config
	policy Policy
	logger zerolog.Logger
}

// NewLoop creates a page fetch loop.
func NewLoop(cfg Config) (*Loop, error) {
	if cfg.Stream == "" {
		return nil, fmt.Errorf("stream name is required")
	}
	if err := cfg.Options.Validate(); err != nil {
		return nil, fmt.Errorf("stream %s: %w", cfg.Stream, err)
	}

	policy := cfg.Policy
	if policy == nil {
		policy = PolicyFor(cfg.Options)
	}

	logger := log.With().Str("component", "pagination").Logger()
	if cfg.Logger != nil {
		logger = *cfg.Logger
	}

	return &Loop{
		config: cfg,
		policy: policy,
		logger: logger.With().Str("stream", cfg.Stream).Logger(),
	}, nil
}

// Run fetches pages starting at start until the policy reports exhaustion.
//
// Records are emitted in the order received. In search window mode,
// records older than the high-water mark, or equal to it and already
// emitted, are skipped: a narrowed window re-reads part of the previous one,
// and the emitted UpdatedAt sequence stays non-decreasing.
func (l *Loop) Run(ctx context.Context, fetcher Fetcher, start Cursor, emit EmitFunc) (Progress, error) {
	if start.Page < 1 {
		start.Page = 1
	}

	began := time.Now()
	progress := Progress{Cursor: start}
	seen := make(map[string]struct{})
	stream := l.config.Stream

	// latest UpdatedAt received in the current window
	var windowLatest time.Time
	window := start.Window

	for {
		if err := ctx.Err(); err != nil {
			return progress, err
		}

		cursor := progress.Cursor
		params := cursor.Params(l.config.Options)

		l.logger.Debug().
			Int("page", cursor.Page).
			Int("window", cursor.Window).
			Str("query", params.Get(ParamQuery)).
			Msg("Fetching page")

		page, err := fetcher.FetchPage(ctx, l.config.Endpoint, params)
		if err != nil {
			return progress, fmt.Errorf("fetch %s page %d: %w", stream, cursor.Page, err)
		}
		if page == nil {
			return progress, fmt.Errorf("%w: fetcher returned no page for %s", ErrMalformedPage, stream)
		}
		progress.Pages++
		pagesFetchedTotal.WithLabelValues(stream).Inc()

		if cursor.Window != window {
			window = cursor.Window
			windowLatest = time.Time{}
		}

		for _, rec := range page.Records {
			if l.config.Options.Mode == ModeSearchWindow && !rec.UpdatedAt.IsZero() {
				if rec.UpdatedAt.Before(windowLatest) {
					progress.OutOfOrder++
					outOfOrderRecordsTotal.WithLabelValues(stream).Inc()
					l.logger.Warn().
						Str("record_id", rec.ID).
						Time("updated_at", rec.UpdatedAt).
						Time("window_latest", windowLatest).
						Int("page", cursor.Page).
						Msg("Record out of updated_at order; it is skipped if older than the records already written")
				} else {
					windowLatest = rec.UpdatedAt
				}
			}
			if l.alreadyEmitted(rec, &progress, seen) {
				progress.Skipped++
				recordsSkippedTotal.WithLabelValues(stream).Inc()
				continue
			}
			if err := emit(ctx, rec); err != nil {
				return progress, fmt.Errorf("emit %s record %s: %w", stream, rec.ID, err)
			}
			progress.Emitted++
			recordsEmittedTotal.WithLabelValues(stream).Inc()
		}

		tr, err := l.policy.Next(cursor, page)
		if err != nil {
			return progress, fmt.Errorf("stream %s %s: %w", stream, cursor, err)
		}

		switch tr.Action {
		case ActionNarrow:
			progress.Narrowings++
			windowNarrowingsTotal.WithLabelValues(stream).Inc()
			l.logger.Info().
				Int("page", cursor.Page).
				Str("window_floor", tr.Next.Query()).
				Int("window", tr.Next.Window).
				Msg("Search result cap reached, narrowing window")
			if tr.CoverageGap {
				progress.CoverageGaps++
				coverageGapWarningsTotal.WithLabelValues(stream).Inc()
				l.logger.Warn().
					Str("window_floor", tr.Next.Query()).
					Msg("More than 10000 updates on a single day, moving to the next day; remaining updates of that day are not extracted")
			}
		case ActionExhausted:
			// keep the last requested cursor for reporting
			tr.Next = cursor
		}
		progress.Cursor = tr.Next

		if l.config.OnPage != nil {
			if err := l.config.OnPage(ctx, progress); err != nil {
				return progress, fmt.Errorf("stream %s page hook: %w", stream, err)
			}
		}

		if tr.Action == ActionExhausted {
			l.logger.Info().
				Int("pages", progress.Pages).
				Int("emitted", progress.Emitted).
				Int("skipped", progress.Skipped).
				Int("narrowings", progress.Narrowings).
				Dur("duration", time.Since(began)).
				Msg("Stream exhausted")
			return progress, nil
		}
	}
}

// alreadyEmitted applies the high-water mark and records rec if it is new.
func (l *Loop) alreadyEmitted(rec Record, p *Progress, seen map[string]struct{}) bool {
	if l.config.Options.ReplicationKey == "" || rec.UpdatedAt.IsZero() {
		return false
	}
	if l.config.Options.Mode != ModeSearchWindow {
		// listings are not ordered by the replication key
		if rec.UpdatedAt.After(p.HighWater) {
			p.HighWater = rec.UpdatedAt
		}
		return false
	}

	switch {
	case rec.UpdatedAt.Before(p.HighWater):
		return true
	case rec.UpdatedAt.Equal(p.HighWater):
		if _, ok := seen[rec.ID]; ok {
			return true
		}
	default:
		p.HighWater = rec.UpdatedAt
		clear(seen)
	}
	seen[rec.ID] = struct{}{}
	return false
}
