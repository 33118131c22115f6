package runnerack

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/lei/pipeline-core/internal/models"
)

// AckTTL bounds how long a runner manager's claim on a pending job
// survives without a heartbeat.
const AckTTL = 2 * time.Minute

// Queue holds the per-build runner-ack claims.
type Queue struct {
	kv KV
}

// NewQueue creates a queue over the given ephemeral store.
func NewQueue(kv KV) *Queue {
	return &Queue{kv: kv}
}

func (q *Queue) key(job *models.Job) string {
	return fmt.Sprintf("runner:ack:%d:%d", job.ProjectID, job.ID)
}

// SetWaitingForRunnerAck claims the build for a runner manager.
// First-writer-wins: an existing claim is never overwritten, and the
// claim expires after AckTTL without a heartbeat. A zero runner
// manager ID is a no-op.
func (q *Queue) SetWaitingForRunnerAck(ctx context.Context, job *models.Job, runnerManagerID int64) (bool, error) {
	if runnerManagerID <= 0 {
		return false, nil
	}
	return q.kv.SetNX(ctx, q.key(job), strconv.FormatInt(runnerManagerID, 10), AckTTL)
}

// Heartbeat refreshes the claim's TTL, but only when the claim exists
// and belongs to this runner manager. The compare and the refresh are
// one atomic step, so a claim that expired and was re-taken by another
// manager in the meantime is never overwritten. Returns false without
// writing when the claim is absent, expired or held by another manager.
func (q *Queue) Heartbeat(ctx context.Context, job *models.Job, runnerManagerID int64) (bool, error) {
	return q.kv.CompareAndRefresh(ctx, q.key(job), strconv.FormatInt(runnerManagerID, 10), AckTTL)
}

// RunnerManagerID returns the runner manager currently holding the
// claim; the second return is false when no claim exists.
func (q *Queue) RunnerManagerID(ctx context.Context, job *models.Job) (int64, bool, error) {
	val, ok, err := q.kv.Get(ctx, q.key(job))
	if err != nil || !ok {
		return 0, false, err
	}
	id, err := strconv.ParseInt(val, 10, 64)
	if err != nil {
		return 0, false, fmt.Errorf("malformed claim for build %d: %w", job.ID, err)
	}
	return id, true, nil
}

// CancelWait drops the claim unconditionally. Safe to call when none
// exists; called on every transition out of the waiting state so a
// stale claim never outlives the job's start or cancellation.
func (q *Queue) CancelWait(ctx context.Context, job *models.Job) error {
	return q.kv.Del(ctx, q.key(job))
}
