// Package extract coordinates the page fetch loops of all record types.
//
// Top-level record types run one after another in declaration order. A
// dependent record type (e.g. tags of a ticket) runs once per parent record,
// right after that record has been written, with the parent context built
// from it. Checkpoints are persisted after every page from the high-water
// mark of records already written, so a restart never resumes past data that
// was not emitted.
package extract

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/Sternrassler/zammad-extract/pkg/pagination"
	"github.com/Sternrassler/zammad-extract/pkg/state"
	"github.com/Sternrassler/zammad-extract/pkg/stream"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

var (
	// ErrUnknownParent is returned when a record type names a parent that
	// is not part of the run.
	ErrUnknownParent = errors.New("unknown parent stream")

	// ErrDependencyCycle is returned when parent declarations form a cycle.
	ErrDependencyCycle = errors.New("stream dependency cycle")

	// ErrDuplicateStream is returned when two record types share a name.
	ErrDuplicateStream = errors.New("duplicate stream")
)

// RecordWriter receives records and checkpoint snapshots.
type RecordWriter interface {
	WriteRecord(stream string, record json.RawMessage) error
	WriteState(st state.State) error
}

// Config holds the runner configuration.
type Config struct {
	Streams []stream.Definition
	API     stream.API
	Store   state.Store
	Output  RecordWriter

	// StartDate is the checkpoint of record types without a stored one.
	// Zero extracts everything.
	StartDate time.Time

	Logger *zerolog.Logger
}

// StreamStats summarizes one record type over a run. For dependent record
// types the numbers add up over all parent records.
type StreamStats struct {
	Records      int
	Pages        int
	Skipped      int
	Narrowings   int
	CoverageGaps int
	Loops        int
}

// Summary is the outcome of a run, keyed by record type name.
type Summary map[string]*StreamStats

// Runner executes one extraction run.
type Runner struct {
	config   Config
	logger   zerolog.Logger
	roots    []*stream.Definition
	children map[string][]*stream.Definition

	bookmarks state.State
	summary   Summary
}

// New validates the record types and their dependencies.
func New(cfg Config) (*Runner, error) {
	if cfg.API == nil {
		return nil, fmt.Errorf("api client is required")
	}
	if cfg.Store == nil {
		return nil, fmt.Errorf("state store is required")
	}
	if cfg.Output == nil {
		return nil, fmt.Errorf("output writer is required")
	}
	if len(cfg.Streams) == 0 {
		return nil, fmt.Errorf("at least one stream is required")
	}

	logger := log.With().Str("component", "extract").Logger()
	if cfg.Logger != nil {
		logger = *cfg.Logger
	}

	r := &Runner{
		config:   cfg,
		logger:   logger,
		children: make(map[string][]*stream.Definition),
	}

	byName := make(map[string]*stream.Definition, len(cfg.Streams))
	for i := range cfg.Streams {
		def := &cfg.Streams[i]
		if err := def.Validate(); err != nil {
			return nil, err
		}
		if _, dup := byName[def.Name]; dup {
			return nil, fmt.Errorf("%w: %s", ErrDuplicateStream, def.Name)
		}
		byName[def.Name] = def
	}

	for i := range cfg.Streams {
		def := &cfg.Streams[i]
		if !def.IsChild() {
			r.roots = append(r.roots, def)
			continue
		}
		if _, ok := byName[def.Parent]; !ok {
			return nil, fmt.Errorf("%w: %s depends on %q", ErrUnknownParent, def.Name, def.Parent)
		}
		if err := checkCycle(def, byName); err != nil {
			return nil, err
		}
		r.children[def.Parent] = append(r.children[def.Parent], def)
	}

	for parent := range r.children {
		if byName[parent].ChildContext == nil {
			return nil, fmt.Errorf("stream %s has dependents but builds no context for them", parent)
		}
	}
	return r, nil
}

func checkCycle(def *stream.Definition, byName map[string]*stream.Definition) error {
	seen := map[string]bool{def.Name: true}
	for cur := def; cur.IsChild(); {
		next := byName[cur.Parent]
		if next == nil {
			return nil
		}
		if seen[next.Name] {
			return fmt.Errorf("%w: %s", ErrDependencyCycle, def.Name)
		}
		seen[next.Name] = true
		cur = next
	}
	return nil
}

// Run extracts every top-level record type and its dependents. A final STATE
// message is written on success.
func (r *Runner) Run(ctx context.Context) (Summary, error) {
	snap, err := r.config.Store.Snapshot(ctx)
	if err != nil {
		return nil, fmt.Errorf("load state: %w", err)
	}
	if snap.Bookmarks == nil {
		snap.Bookmarks = map[string]state.Bookmark{}
	}
	r.bookmarks = snap
	r.summary = make(Summary)

	began := time.Now()
	for _, def := range r.roots {
		r.logger.Info().Str("stream", def.Name).Msg("Starting stream")
		if err := r.runStream(ctx, def, nil); err != nil {
			return r.summary, err
		}
	}

	if err := r.config.Output.WriteState(r.bookmarks); err != nil {
		return r.summary, err
	}

	r.logger.Info().
		Int("streams", len(r.summary)).
		Dur("duration", time.Since(began)).
		Msg("Extraction finished")
	return r.summary, nil
}

// runStream runs one loop of def. parent is nil for top-level record types.
func (r *Runner) runStream(ctx context.Context, def *stream.Definition, parent stream.Context) error {
	endpoint, err := def.Endpoint(parent)
	if err != nil {
		return err
	}

	key := stateKey(def, parent)
	loopLogger := r.logger
	if def.IsChild() {
		// one loop per parent record; keep the per-loop info lines out
		loopLogger = r.logger.Level(zerolog.WarnLevel)
	}

	loop, err := pagination.NewLoop(pagination.Config{
		Stream:   def.Name,
		Endpoint: endpoint,
		Options:  def.Options(),
		OnPage: func(ctx context.Context, p pagination.Progress) error {
			return r.checkpoint(ctx, def, key, p.HighWater)
		},
		Logger: &loopLogger,
	})
	if err != nil {
		return err
	}

	dependents := r.children[def.Name]
	emit := func(ctx context.Context, rec pagination.Record) error {
		if err := r.config.Output.WriteRecord(def.Name, rec.Data); err != nil {
			return err
		}
		if len(dependents) == 0 {
			return nil
		}
		childCtx, err := def.ChildContext(rec)
		if err != nil {
			return fmt.Errorf("build context for %s record %s: %w", def.Name, rec.ID, err)
		}
		for _, child := range dependents {
			if err := r.runStream(ctx, child, childCtx); err != nil {
				return err
			}
		}
		return nil
	}

	start := pagination.NewCursor(r.startingCheckpoint(def, key))
	progress, err := loop.Run(ctx, stream.NewFetcher(r.config.API, def, parent), start, emit)
	r.record(def.Name, progress)
	return err
}

func (r *Runner) startingCheckpoint(def *stream.Definition, key string) time.Time {
	if def.Mode != pagination.ModeSearchWindow {
		return time.Time{}
	}
	if b, ok := r.bookmarks.Bookmarks[key]; ok && !b.ReplicationKeyValue.IsZero() {
		return b.ReplicationKeyValue
	}
	return r.config.StartDate
}

// checkpoint persists the high-water mark when it moved forward.
func (r *Runner) checkpoint(ctx context.Context, def *stream.Definition, key string, highWater time.Time) error {
	if def.ReplicationKey == "" || highWater.IsZero() {
		return nil
	}
	if cur, ok := r.bookmarks.Bookmarks[key]; ok && !highWater.After(cur.ReplicationKeyValue) {
		return nil
	}

	b := state.Bookmark{ReplicationKey: def.ReplicationKey, ReplicationKeyValue: highWater.UTC()}
	if err := r.config.Store.Set(ctx, key, b); err != nil {
		return fmt.Errorf("save checkpoint %s: %w", key, err)
	}
	r.bookmarks.Bookmarks[key] = b

	r.logger.Debug().
		Str("stream", def.Name).
		Time("checkpoint", highWater).
		Msg("Checkpoint saved")
	return r.config.Output.WriteState(r.bookmarks)
}

func (r *Runner) record(name string, p pagination.Progress) {
	st := r.summary[name]
	if st == nil {
		st = &StreamStats{}
		r.summary[name] = st
	}
	st.Loops++
	st.Records += p.Emitted
	st.Pages += p.Pages
	st.Skipped += p.Skipped
	st.Narrowings += p.Narrowings
	st.CoverageGaps += p.CoverageGaps
}

// stateKey is the record type name, partitioned by the parent context for
// dependent record types.
func stateKey(def *stream.Definition, parent stream.Context) string {
	if len(parent) == 0 {
		return def.Name
	}
	keys := make([]string, 0, len(parent))
	for k := range parent {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		parts = append(parts, fmt.Sprintf("%s=%v", k, parent[k]))
	}
	return def.Name + "/" + strings.Join(parts, ",")
}
