package offline

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"heirloom/api/internal/archive"
)

// Remote is the server side of a sync.
type Remote interface {
	ApplyMutations(ctx context.Context, mutations []archive.Mutation) ([]archive.MutationResult, error)
	Changes(ctx context.Context, since int64) (archive.Changes, error)
}

var errIncompleteResults = errors.New("server returned no result for queued op")

const (
	defaultBatchSize  = 50
	defaultMaxBackoff = 5 * time.Minute
)

type DrainReport struct {
	Applied    int `json:"applied"`
	Duplicates int `json:"duplicates"`
	Rejected   int `json:"rejected"`
}

type SyncReport struct {
	Drain DrainReport `json:"drain"`
	Pull  ApplyReport `json:"pull"`
}

// Syncer replays the queue against the server and pulls server changes.
type Syncer struct {
	store      *Store
	remote     Remote
	batchSize  int
	maxBackoff time.Duration
	logger     *zap.Logger
}

func NewSyncer(store *Store, remote Remote, logger *zap.Logger) *Syncer {
	return &Syncer{
		store:      store,
		remote:     remote,
		batchSize:  defaultBatchSize,
		maxBackoff: defaultMaxBackoff,
		logger:     logger.Named("sync"),
	}
}

// Drain replays queued ops oldest first. Accepted and duplicate ops are
// removed, refused ops move to the reject list. A transport or server
// failure stops the drain with the failed op and everything after it still
// queued in order.
func (s *Syncer) Drain(ctx context.Context) (DrainReport, error) {
	var report DrainReport
	for {
		if _, err := s.store.Peek(ctx); errors.Is(err, ErrQueueEmpty) {
			return report, nil
		} else if err != nil {
			return report, err
		}
		ops, err := s.store.Pending(ctx, s.batchSize)
		if err != nil {
			return report, err
		}

		mutations := make([]archive.Mutation, len(ops))
		for i, op := range ops {
			mutations[i] = op.Mutation
		}
		results, err := s.remote.ApplyMutations(ctx, mutations)
		if err != nil {
			// Record the attempt even when ctx was cancelled mid-request.
			_ = s.store.MarkFailed(context.WithoutCancel(ctx), ops[0].Seq, err.Error())
			return report, fmt.Errorf("replay queued ops: %w", err)
		}

		byOp := make(map[string]archive.MutationResult, len(results))
		for _, r := range results {
			byOp[r.OpID] = r
		}
		for _, op := range ops {
			result, ok := byOp[op.OpID]
			if !ok {
				_ = s.store.MarkFailed(ctx, op.Seq, errIncompleteResults.Error())
				return report, errIncompleteResults
			}
			switch result.Status {
			case archive.MutationApplied:
				report.Applied++
			case archive.MutationDuplicate:
				report.Duplicates++
			case archive.MutationRejected:
				s.logger.Warn("server rejected queued op",
					zap.String("op_id", op.OpID),
					zap.String("entity", string(op.Entity)),
					zap.String("entity_id", op.EntityID),
					zap.String("reason", result.Error),
				)
				if err := s.store.Reject(ctx, op, result.Error); err != nil {
					return report, err
				}
				report.Rejected++
				continue
			default:
				reason := fmt.Sprintf("unknown op status %q", result.Status)
				_ = s.store.MarkFailed(ctx, op.Seq, reason)
				return report, errors.New(reason)
			}
			if err := s.store.Complete(ctx, op, result.Revision); err != nil {
				return report, err
			}
		}
	}
}

// Pull fetches everything past the cache's cursor and applies it.
func (s *Syncer) Pull(ctx context.Context) (ApplyReport, error) {
	cursor, err := s.store.Cursor(ctx)
	if err != nil {
		return ApplyReport{}, err
	}
	changes, err := s.remote.Changes(ctx, cursor)
	if err != nil {
		return ApplyReport{}, fmt.Errorf("pull changes since %d: %w", cursor, err)
	}
	return s.store.ApplyChanges(ctx, changes)
}

// Sync drains the queue and then pulls. The pull is skipped when the drain
// fails, since the server is unreachable or unhealthy.
func (s *Syncer) Sync(ctx context.Context) (SyncReport, error) {
	var report SyncReport
	drained, err := s.Drain(ctx)
	report.Drain = drained
	if err != nil {
		return report, err
	}
	pulled, err := s.Pull(ctx)
	report.Pull = pulled
	if err != nil {
		return report, err
	}
	return report, nil
}

// Run syncs every interval until ctx is done, backing off exponentially
// while syncs fail. onSync, if set, sees every outcome.
func (s *Syncer) Run(ctx context.Context, interval time.Duration, onSync func(SyncReport, error)) {
	failures := 0
	for {
		report, err := s.Sync(ctx)
		if ctx.Err() != nil {
			return
		}
		if onSync != nil {
			onSync(report, err)
		}

		delay := interval
		if err != nil {
			failures++
			delay = backoff(interval, failures, s.maxBackoff)
			s.logger.Warn("sync failed", zap.Int("failures", failures), zap.Duration("retry_in", delay), zap.Error(err))
		} else {
			if failures > 0 {
				s.logger.Info("sync recovered", zap.Int("failures", failures))
			}
			failures = 0
		}

		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
		}
	}
}

func backoff(interval time.Duration, failures int, limit time.Duration) time.Duration {
	delay := interval
	for i := 0; i < failures && delay < limit; i++ {
		delay *= 2
	}
	return min(delay, limit)
}
