// Package pipeline composes fetch, snapshot, diff, and ticket submission
// into one run per target, and enforces the at-most-one-submission
// guarantee per distinct change-set.
package pipeline

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"irrwatch/pkg/diff"
	"irrwatch/pkg/irr"
	"irrwatch/pkg/model"
	"irrwatch/pkg/snapstore"
	"irrwatch/pkg/util/workers"
)

// Submitter is the downstream ticketing capability the pipeline consumes.
type Submitter interface {
	BuildPayload(target string, d *model.Diff, sources []string) ([]byte, error)
	CreateTicket(ctx context.Context, target string, d *model.Diff, sources []string, dryRun bool) (*model.TicketResponse, error)
}

// Stage names the last pipeline step a run reached.
type Stage string

const (
	StageFetch    Stage = "fetch"
	StageSnapshot Stage = "snapshot"
	StageDiff     Stage = "diff"
	StageSubmit   Stage = "submit"
)

// RunResult is the outcome of one pipeline run for one target.
type RunResult struct {
	Target         string
	RunID          string
	Stage          Stage
	Snapshot       *model.Snapshot
	Diff           *model.Diff
	Ticket         *model.Ticket
	TicketResponse *model.TicketResponse
}

// Runner executes the change-detection pipeline. Steps within one
// target's run are strictly sequential; the baseline is always selected
// before the new snapshot is written so the baseline query can never see
// the snapshot about to be saved.
type Runner struct {
	store    *snapstore.Store
	fetcher  irr.Fetcher
	tickets  Submitter
	lookback time.Duration
	log      zerolog.Logger
	now      func() time.Time
}

// NewRunner creates a pipeline runner.
func NewRunner(store *snapstore.Store, fetcher irr.Fetcher, tickets Submitter, lookback time.Duration, log zerolog.Logger) *Runner {
	return &Runner{
		store:    store,
		fetcher:  fetcher,
		tickets:  tickets,
		lookback: lookback,
		log:      log,
		now:      time.Now,
	}
}

// FetchAndSnapshot fetches the target's current prefixes and stores a
// snapshot. A total fetch failure (nothing retrieved, errors reported)
// writes nothing: it must never be recorded as "zero prefixes observed",
// which would look identical to a legitimate withdrawal of all routes.
func (r *Runner) FetchAndSnapshot(ctx context.Context, target string) (*model.Snapshot, error) {
	result, err := r.fetch(ctx, target)
	if err != nil {
		return nil, err
	}
	return r.snapshot(target, result)
}

func (r *Runner) fetch(ctx context.Context, target string) (*model.PrefixResult, error) {
	result, err := r.fetcher.FetchPrefixes(ctx, target)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", model.ErrFetchFailed, err)
	}
	if result.Failed() {
		return nil, fmt.Errorf("%w: %s", model.ErrFetchFailed, strings.Join(result.Errors, "; "))
	}
	return result, nil
}

func (r *Runner) snapshot(target string, result *model.PrefixResult) (*model.Snapshot, error) {
	id, err := r.store.SaveSnapshot(target, model.TargetASN, result.SourcesQueried, result.IPv4Prefixes, result.IPv6Prefixes)
	if err != nil {
		return nil, err
	}
	return r.store.GetSnapshotByID(id)
}

// DiffAgainstBaseline computes (without persisting) the change-set
// between the target's latest snapshot and its lookback baseline.
func (r *Runner) DiffAgainstBaseline(target string, lookback time.Duration) (*model.Diff, error) {
	current, err := r.store.GetLatestSnapshot(target)
	if err != nil {
		return nil, err
	}

	baseline, err := r.baselineBefore(target, current.ObservedAt, lookback)
	if err != nil {
		return nil, err
	}

	return diff.Compute(current, baseline), nil
}

// baselineBefore returns the newest snapshot older than ref-lookback,
// or nil when the target has no snapshot outside the window.
func (r *Runner) baselineBefore(target string, ref int64, lookback time.Duration) (*model.Snapshot, error) {
	cutoff := ref - int64(lookback/time.Second)
	baseline, err := r.store.GetSnapshotBefore(target, cutoff)
	if errors.Is(err, model.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return baseline, nil
}

// SubmitIfChanged attempts a ticket submission for the target's latest
// persisted diff. Returns (nil, nil) when the diff has no changes. A
// settled ticket (created or duplicate) for the diff short-circuits the
// submission; pending, failed, and dry_run tickets do not block a retry.
func (r *Runner) SubmitIfChanged(ctx context.Context, target string, dryRun bool) (*model.Ticket, error) {
	d, err := r.store.GetLatestDiff(target)
	if err != nil {
		return nil, err
	}

	if !d.HasChanges {
		return nil, nil
	}

	snap, err := r.store.GetSnapshotByID(d.NewSnapshotID)
	if err != nil {
		return nil, err
	}

	log := r.log.With().Str("target", target).Str("diff_hash", d.DiffHash).Logger()
	ticket, _, err := r.submit(ctx, log, d, snap.Sources, dryRun)
	return ticket, err
}

// Run executes the full protocol for one target: fetch, select baseline,
// snapshot, diff, and submit-if-changed.
func (r *Runner) Run(ctx context.Context, target string, dryRun bool) (*RunResult, error) {
	runID := uuid.NewString()
	log := r.log.With().Str("run_id", runID).Str("target", target).Logger()
	result := &RunResult{Target: target, RunID: runID, Stage: StageFetch}

	log.Info().Msg("pipeline run started")

	fetched, err := r.fetch(ctx, target)
	if err != nil {
		log.Error().Err(err).Msg("fetch failed")
		return result, err
	}

	log.Info().
		Int("ipv4_count", len(fetched.IPv4Prefixes)).
		Int("ipv6_count", len(fetched.IPv6Prefixes)).
		Strs("sources", fetched.SourcesQueried).
		Msg("prefixes fetched")

	// Baseline selection must precede the snapshot write.
	baseline, err := r.baselineBefore(target, r.now().Unix(), r.lookback)
	if err != nil {
		return result, err
	}

	result.Stage = StageSnapshot
	snap, err := r.snapshot(target, fetched)
	if err != nil {
		log.Error().Err(err).Msg("snapshot save failed")
		return result, err
	}
	result.Snapshot = snap
	log.Info().Int64("snapshot_id", snap.ID).Str("content_hash", snap.ContentHash).Msg("snapshot saved")

	result.Stage = StageDiff
	d := diff.Compute(snap, baseline)
	diffID, err := r.store.SaveDiff(d)
	if err != nil {
		log.Error().Err(err).Msg("diff save failed")
		return result, err
	}
	d.ID = diffID
	result.Diff = d

	if baseline != nil {
		log.Info().Int64("baseline_id", baseline.ID).Str("summary", diff.Summary(d)).Msg("diff computed")
	} else {
		log.Info().Str("summary", diff.Summary(d)).Msg("first observation, no baseline")
	}

	if !d.HasChanges {
		log.Info().Msg("no changes detected, nothing to submit")
		return result, nil
	}

	result.Stage = StageSubmit
	ticket, resp, err := r.submit(ctx, log, d, fetched.SourcesQueried, dryRun)
	if err != nil {
		return result, err
	}
	result.Ticket = ticket
	result.TicketResponse = resp

	log.Info().Msg("pipeline run finished")
	return result, nil
}

// submit is the idempotent submission protocol: dedup check, pending
// row with the exact outbound payload, network call, terminal update.
func (r *Runner) submit(ctx context.Context, log zerolog.Logger, d *model.Diff, sources []string, dryRun bool) (*model.Ticket, *model.TicketResponse, error) {
	existing, err := r.store.GetTicketForDiff(d.ID)
	if err != nil && !errors.Is(err, model.ErrNotFound) {
		return nil, nil, err
	}
	if existing != nil && existing.Status.Settled() {
		log.Info().
			Str("external_ticket_id", existing.ExternalTicketID).
			Str("status", string(existing.Status)).
			Msg("ticket already settled for this change-set")
		return existing, &model.TicketResponse{
			TicketID:    existing.ExternalTicketID,
			Status:      existing.Status,
			IsDuplicate: existing.Status == model.TicketDuplicate,
		}, nil
	}

	payload, err := r.tickets.BuildPayload(d.Target, d, sources)
	if err != nil {
		return nil, nil, err
	}

	ticketID, err := r.store.SaveTicket(d.ID, d.Target, model.TicketPending, payload)
	if err != nil {
		return nil, nil, err
	}

	resp, err := r.tickets.CreateTicket(ctx, d.Target, d, sources, dryRun)
	if err != nil {
		return nil, nil, fmt.Errorf("%w: %v", model.ErrSubmissionFailed, err)
	}

	responsePayload, err := json.Marshal(map[string]string{
		"ticket_id":     resp.TicketID,
		"error_message": resp.ErrorMessage,
	})
	if err != nil {
		return nil, nil, err
	}

	if err := r.store.UpdateTicketStatus(ticketID, resp.Status, responsePayload, resp.TicketID); err != nil {
		return nil, nil, err
	}

	switch resp.Status {
	case model.TicketCreated:
		log.Info().Str("external_ticket_id", resp.TicketID).Msg("ticket created")
	case model.TicketDuplicate:
		log.Info().Str("external_ticket_id", resp.TicketID).Msg("ticket already exists downstream")
	case model.TicketDryRun:
		log.Info().Msg("dry-run, ticket not submitted")
	default:
		log.Warn().Str("error", resp.ErrorMessage).Msg("ticket submission failed, eligible for retry")
	}

	ticket, err := r.store.GetTicketByID(ticketID)
	if err != nil {
		return nil, nil, err
	}
	return ticket, resp, nil
}

// TargetOutcome is one target's result within a batch run.
type TargetOutcome struct {
	Target string
	Result *RunResult
	Err    error
}

// BatchResult aggregates a run over all configured targets.
type BatchResult struct {
	Total     int
	Succeeded int
	Failed    int
	Outcomes  []TargetOutcome
}

// RunAll executes the pipeline for each target. Targets are independent:
// one target's failure never aborts the others. Concurrency fans out
// across targets only; steps within a target stay sequential.
func (r *Runner) RunAll(ctx context.Context, targets []string, dryRun bool, concurrency int) *BatchResult {
	if concurrency <= 0 {
		concurrency = 1
	}

	outcomes := make([]TargetOutcome, len(targets))

	pool := workers.NewPool(ctx, workers.Config{Workers: concurrency})
	for i, target := range targets {
		idx, t := i, target
		pool.Submit(idx, func(ctx context.Context) error {
			res, err := r.Run(ctx, t, dryRun)
			outcomes[idx] = TargetOutcome{Target: t, Result: res, Err: err}
			// Per-target failures are captured in the outcome, not
			// propagated, so the pool keeps going.
			return nil
		})
	}
	pool.Wait()

	batch := &BatchResult{
		Total:    len(targets),
		Outcomes: outcomes,
	}
	for _, o := range outcomes {
		if o.Err != nil {
			batch.Failed++
		} else {
			batch.Succeeded++
		}
	}

	r.log.Info().
		Int("total", batch.Total).
		Int("succeeded", batch.Succeeded).
		Int("failed", batch.Failed).
		Msg("batch run complete")

	return batch
}
