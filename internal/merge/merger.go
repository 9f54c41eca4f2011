// Package merge folds GPS traces into the road map.
//
// One run handles one trace: it samples the trace into virtual nodes, scans
// for map and virtual candidates along it, picks the best-scoring chain of
// candidates between a detected beginning and destination, and applies that
// chain to the map inside a transaction. New junctions introduced by the run
// are then inspected and spurious loops, double ways and parallel lanes are
// removed. Any failure rolls the transaction back, so a rejected trace never
// leaves a trace in the map.
package merge

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/agentic-research/tracemerge/api"
	"github.com/agentic-research/tracemerge/internal/config"
	"github.com/agentic-research/tracemerge/internal/geom"
	"github.com/agentic-research/tracemerge/internal/mapstore"
	"github.com/agentic-research/tracemerge/internal/trace"
	"github.com/google/uuid"
)

// Expected rejections. A run failing with one of these reports
// Status Rejected and a nil error.
var (
	ErrNothingToMerge   = errors.New("nothing to merge")
	ErrInvalidPathScore = errors.New("invalid path score")
	ErrNoUsablePath     = errors.New("no usable path")
)

// Status is the outcome of a run.
type Status string

const (
	Merged   Status = "merged"
	Rejected Status = "rejected"
)

// Repairs counts the clean-up passes that changed the map.
type Repairs struct {
	Loops         int
	DoubleWays    int
	ParallelLanes int
	Smoothed      int
}

// Result reports one run.
type Result struct {
	TraceID string
	RunID   string
	Status  Status
	Reason  error // set when Status is Rejected

	NodesCreated int
	NodesMerged  int
	NodesRemoved int
	EdgesCreated int
	Crossings    int // new junctions left after repairs
	Repairs      Repairs

	// Unverified counts equal-position orderings that fell back to
	// appending.
	Unverified int
	Tiles      []mapstore.TileID
	Duration   time.Duration
}

// Counts converts the counters to their wire form.
func (r *Result) Counts() api.Counts {
	return api.Counts{
		NodesCreated:  r.NodesCreated,
		NodesMerged:   r.NodesMerged,
		NodesRemoved:  r.NodesRemoved,
		EdgesCreated:  r.EdgesCreated,
		Crossings:     r.Crossings,
		Loops:         r.Repairs.Loops,
		DoubleWays:    r.Repairs.DoubleWays,
		ParallelLanes: r.Repairs.ParallelLanes,
		Smoothed:      r.Repairs.Smoothed,
	}
}

// Response converts the result to its wire form.
func (r *Result) Response() api.MergeResponse {
	resp := api.MergeResponse{
		RunID:   r.RunID,
		TraceID: r.TraceID,
		Status:  string(r.Status),
		Counts:  r.Counts(),
	}
	if r.Reason != nil {
		resp.Reason = r.Reason.Error()
	}
	return resp
}

func reasonLabel(err error) string {
	switch {
	case errors.Is(err, ErrNothingToMerge):
		return "nothing_to_merge"
	case errors.Is(err, ErrInvalidPathScore):
		return "invalid_path_score"
	case errors.Is(err, ErrNoUsablePath):
		return "no_usable_path"
	default:
		return "other"
	}
}

// Recorder persists protocol records.
type Recorder interface {
	Record(p *api.Protocol) error
}

// Option configures a Merger.
type Option func(*Merger)

// WithRecorder writes a protocol record for every run.
func WithRecorder(rec Recorder) Option {
	return func(m *Merger) { m.recorder = rec }
}

// WithFlusher requests a background flush after every committed run.
func WithFlusher(f *mapstore.Flusher) Option {
	return func(m *Merger) { m.flusher = f }
}

// WithLogger replaces the default component logger.
func WithLogger(l *slog.Logger) Option {
	return func(m *Merger) { m.log = l }
}

// Merger runs traces against one store. It is safe for concurrent use;
// runs over overlapping areas serialize on the store's region locks.
type Merger struct {
	store    *mapstore.Store
	params   *config.Params
	recorder Recorder
	flusher  *mapstore.Flusher
	log      *slog.Logger

	// hooks for tests
	afterScore func(*run)
	afterApply func(*run) error
}

// New creates a Merger. params must not be modified while runs are active.
func New(store *mapstore.Store, params *config.Params, opts ...Option) *Merger {
	m := &Merger{
		store:  store,
		params: params,
		log:    slog.Default().With(slog.String("component", "merge")),
	}
	for _, o := range opts {
		o(m)
	}
	return m
}

// Params returns the parameter set the merger runs with.
func (m *Merger) Params() *config.Params { return m.params }

// Merge runs one trace. Expected rejections come back as a Rejected result
// with a nil error; the error is reserved for storage faults, after which
// the map is unchanged as well. ctx is only checked before the run starts.
func (m *Merger) Merge(ctx context.Context, tr *trace.Trace) (*Result, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	started := time.Now()
	res := &Result{TraceID: tr.ID, RunID: uuid.NewString(), Status: Merged}
	log := m.log.With(slog.String("trace", tr.ID), slog.String("run", res.RunID))

	if err := tr.Precompute(); err != nil {
		reject(res, fmt.Errorf("%w: %v", ErrNothingToMerge, err))
		m.finish(nil, res, tr, started, log)
		return res, nil
	}

	pad := 2*m.params.MaxStepDistance() + m.params.SearchDistance()
	region := m.store.LockRegion(geom.PadBound(tr.Bound(), pad))
	r := newRun(m, tr, res, log)
	err := r.execute()
	switch {
	case err == nil:
		r.txn.Commit()
		res.Tiles = r.txn.TouchedTiles()
	case errors.Is(err, mapstore.ErrInconsistent):
		r.txn.Rollback()
		log.Warn("map inconsistency, run rolled back", slog.Any("err", err))
		reject(res, fmt.Errorf("%w: %v", ErrNoUsablePath, err))
	case isRejection(err):
		r.txn.Rollback()
		reject(res, err)
	default:
		r.txn.Rollback()
		region.Release()
		log.Error("merge failed", slog.Any("err", err))
		reject(res, err)
		m.finish(r, res, tr, started, log)
		return res, fmt.Errorf("merge %s: %w", tr.ID, err)
	}
	region.Release()

	if res.Status == Merged && m.flusher != nil {
		m.flusher.RequestFlush()
	}
	m.finish(r, res, tr, started, log)
	return res, nil
}

func isRejection(err error) bool {
	return errors.Is(err, ErrNothingToMerge) ||
		errors.Is(err, ErrInvalidPathScore) ||
		errors.Is(err, ErrNoUsablePath)
}

func reject(res *Result, err error) {
	res.Status = Rejected
	res.Reason = err
	res.NodesCreated, res.NodesMerged, res.NodesRemoved, res.EdgesCreated = 0, 0, 0, 0
	res.Crossings = 0
	res.Repairs = Repairs{}
	res.Tiles = nil
}

// finish logs, records metrics and writes the protocol record.
func (m *Merger) finish(r *run, res *Result, tr *trace.Trace, started time.Time, log *slog.Logger) {
	res.Duration = time.Since(started)
	entries := 0
	if r != nil {
		entries = r.path.Len()
		res.Unverified = r.path.Unverified
	}
	observe(res, entries)

	if res.Status == Merged {
		log.Info("trace merged",
			slog.Int("created", res.NodesCreated),
			slog.Int("merged", res.NodesMerged),
			slog.Int("removed", res.NodesRemoved),
			slog.Int("crossings", res.Crossings),
			slog.Duration("took", res.Duration))
	} else {
		log.Info("trace rejected", slog.String("reason", res.Reason.Error()))
	}

	if m.recorder == nil {
		return
	}
	if err := m.recorder.Record(m.protocol(r, res, tr, started)); err != nil {
		log.Warn("protocol record failed", slog.Any("err", err))
	}
}

func (m *Merger) protocol(r *run, res *Result, tr *trace.Trace, started time.Time) *api.Protocol {
	resp := res.Response()
	p := &api.Protocol{
		RunID:        res.RunID,
		TraceID:      res.TraceID,
		Started:      started.UTC(),
		DurationMS:   float64(res.Duration.Microseconds()) / 1000,
		Status:       resp.Status,
		Reason:       resp.Reason,
		Optimisation: m.params.Optimisation,
		Params:       m.params.Map(),
		Counts:       resp.Counts,
	}
	for _, pt := range tr.Points() {
		p.Trace = append(p.Trace, [2]float64{pt[0], pt[1]})
	}
	for _, id := range res.Tiles {
		p.Tiles = append(p.Tiles, uint64(id))
	}
	if r != nil {
		p.Path = r.protocolPath()
	}
	return p
}
