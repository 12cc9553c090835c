// Package monitor runs the change-detection pipeline for one monitoring
// definition: resolve the id set, then fetch, normalize, commit and classify
// each element in turn.
package monitor

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/dokzlo13/osmwatch/internal/definition"
	"github.com/dokzlo13/osmwatch/internal/diff"
	"github.com/dokzlo13/osmwatch/internal/element"
	"github.com/dokzlo13/osmwatch/internal/guard"
	"github.com/dokzlo13/osmwatch/internal/history"
	"github.com/dokzlo13/osmwatch/internal/ledger"
	"github.com/dokzlo13/osmwatch/internal/normalize"
	"github.com/dokzlo13/osmwatch/internal/report"
)

// Fetcher retrieves id sets and raw element snapshots
type Fetcher interface {
	FetchIDSet(ctx context.Context, def *definition.Definition) ([]element.Identity, error)
	FetchSnapshot(ctx context.Context, id element.Identity) ([]byte, error)
}

// Options configures a Runner
type Options struct {
	// Delay is the pause between the end of one element fetch and the
	// start of the next.
	Delay    time.Duration
	TempDir  string
	KeepTemp bool
}

// Runner executes runs against one history store
type Runner struct {
	fetcher    Fetcher
	store      *history.Store
	classifier *diff.Classifier
	ledger     *ledger.Ledger
	opts       Options
	now        func() time.Time
}

// NewRunner creates a new runner
func NewRunner(f Fetcher, store *history.Store, classifier *diff.Classifier, l *ledger.Ledger, opts Options) *Runner {
	return &Runner{
		fetcher:    f,
		store:      store,
		classifier: classifier,
		ledger:     l,
		opts:       opts,
		now:        time.Now,
	}
}

// Run processes def once and returns the finalized report. An error is
// returned only when the run could not complete: the id set was unavailable,
// the store could not be locked, or ctx was cancelled. Per-element failures
// are logged, recorded in the ledger and counted in the report.
func (r *Runner) Run(ctx context.Context, def *definition.Definition) (*report.Report, error) {
	rc, err := newRunContext(def, r.opts, r.now())
	if err != nil {
		return nil, err
	}
	defer func() {
		if err := rc.Close(); err != nil {
			rc.Logger.Warn().Err(err).Msg("Failed to remove run temp dir")
		}
	}()

	rc.Logger.Info().
		Str("kind", string(def.Kind)).
		Str("method", string(def.Method)).
		Msg("Run started")
	r.record(rc, ledger.EventRunStarted, def.Title, map[string]any{
		"kind":   string(def.Kind),
		"method": string(def.Method),
	})

	rep, err := r.run(ctx, rc)
	if err != nil {
		rc.Logger.Error().Err(err).Msg("Run failed")
		r.record(rc, ledger.EventRunFailed, def.Title, map[string]any{"error": err.Error()})
		return nil, err
	}

	rc.Logger.Info().
		Int("new", rep.New).
		Int("changed", rep.Changed).
		Int("unchanged", rep.Unchanged).
		Int("skipped", rep.Skipped).
		Dur("elapsed", rep.End.Sub(rep.Start)).
		Msg("Run completed")
	r.record(rc, ledger.EventRunCompleted, def.Title, map[string]any{
		"new":       rep.New,
		"changed":   rep.Changed,
		"unchanged": rep.Unchanged,
		"skipped":   rep.Skipped,
	})
	return rep, nil
}

func (r *Runner) run(ctx context.Context, rc *RunContext) (*report.Report, error) {
	def := rc.Definition

	ids, err := r.fetcher.FetchIDSet(ctx, def)
	if err != nil {
		return nil, fmt.Errorf("failed to obtain id list: %w", err)
	}
	rc.Logger.Info().Int("ids", len(ids)).Msg("Id list obtained")

	agg := report.NewAggregator(rc.ID, def.Title, rc.Start)

	listKey := element.IDList(def.Title)
	content := IDListContent(ids)
	rc.SaveRaw(listKey, content)
	if err := r.process(ctx, rc, agg, listKey, content); err != nil {
		return nil, err
	}

	for i, id := range ids {
		if i > 0 {
			if err := pause(ctx, r.opts.Delay); err != nil {
				return nil, fmt.Errorf("run interrupted: %w", err)
			}
		}

		key := element.Element(id)
		raw, err := r.fetcher.FetchSnapshot(ctx, id)
		if err != nil {
			if ctx.Err() != nil {
				return nil, fmt.Errorf("run interrupted: %w", ctx.Err())
			}
			rc.Logger.Warn().Err(err).Str("key", key.String()).Msg("Fetch failed, element skipped")
			r.record(rc, ledger.EventElementSkipped, key.String(), map[string]any{"error": err.Error()})
			agg.RecordSkipped(key)
			continue
		}
		rc.SaveRaw(key, raw)

		if err := r.process(ctx, rc, agg, key, normalize.Snapshot(raw)); err != nil {
			return nil, err
		}
	}

	return agg.Finalize(r.now()), nil
}

// process commits content under key and records the outcome. It returns an
// error only when the run cannot go on.
func (r *Runner) process(ctx context.Context, rc *RunContext, agg *report.Aggregator, key element.Key, content []byte) error {
	res, err := r.store.Commit(ctx, rc.ID, key, content)
	if err != nil {
		if ctx.Err() != nil {
			return fmt.Errorf("run interrupted: %w", ctx.Err())
		}
		if errors.Is(err, guard.ErrClosed) {
			return err
		}
		rc.Logger.Warn().Err(err).Str("key", key.String()).Msg("Commit failed, element skipped")
		r.record(rc, ledger.EventCommitFailed, key.String(), map[string]any{"error": err.Error()})
		agg.RecordSkipped(key)
		return nil
	}

	switch res.Outcome {
	case history.OutcomeUnchanged:
		rc.Logger.Debug().Str("key", key.String()).Msg("Unchanged")
		agg.RecordUnchanged(key)
	case history.OutcomeInitial:
		if key.Type() == element.KeyIDList {
			// Only later changes of the list are reported.
			rc.Logger.Info().Str("key", key.String()).Int64("seq", res.Seq).Msg("Id list recorded")
			return nil
		}
		rc.Logger.Info().Str("key", key.String()).Int64("seq", res.Seq).Msg("New")
		agg.RecordNew(r.classifier.Added(key, content))
	case history.OutcomeUpdated:
		rec := r.classifier.Classify(key, res.Previous, content)
		rc.Logger.Info().
			Str("key", key.String()).
			Int64("seq", res.Seq).
			Str("summary", rec.Summary()).
			Msg("Changed")
		agg.RecordChanged(rec)
	}
	return nil
}

func (r *Runner) record(rc *RunContext, eventType ledger.EventType, subject string, payload map[string]any) {
	if r.ledger == nil {
		return
	}
	if err := r.ledger.Append(eventType, rc.ID, subject, payload); err != nil {
		rc.Logger.Warn().Err(err).Str("event", string(eventType)).Msg("Failed to write ledger entry")
	}
}

// IDListContent is the stored form of an id set: one id per line, in the
// order the ids were read.
func IDListContent(ids []element.Identity) []byte {
	var b strings.Builder
	for _, id := range ids {
		b.WriteString(strconv.FormatInt(id.ID, 10))
		b.WriteByte('\n')
	}
	return []byte(b.String())
}

// pause waits d after a fetch has finished, or until ctx is done.
func pause(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
