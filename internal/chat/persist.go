package chat

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/ent0n29/companion/internal/memory"
)

type PersistOp string

const (
	OpAppendTurn      PersistOp = "append_turn"
	OpClearTranscript PersistOp = "clear_transcript"
)

const (
	defaultPersistTimeout = 10 * time.Second
	persistQueueSize      = 64
)

// PersistResult reports the outcome of one background write.
type PersistResult struct {
	Op       PersistOp
	UserID   string
	TurnID   string
	Err      error
	Duration time.Duration
}

type PersistHook func(PersistResult)

type persistJob struct {
	op   PersistOp
	turn memory.Turn
}

// runWriter applies jobs in enqueue order until the queue is closed.
func (c *Conversation) runWriter() {
	defer close(c.writerDone)
	for job := range c.writes {
		c.reportPersist(c.execute(job))
	}
}

func (c *Conversation) execute(job persistJob) PersistResult {
	ctx, cancel := context.WithTimeout(context.Background(), c.deps.PersistTimeout)
	defer cancel()

	start := time.Now()
	res := PersistResult{Op: job.op, UserID: c.userID, TurnID: job.turn.ID}
	switch job.op {
	case OpAppendTurn:
		_, res.Err = c.deps.Store.AppendTurn(ctx, c.userID, job.turn)
	case OpClearTranscript:
		res.Err = c.deps.Store.ClearTranscript(ctx, c.userID)
	}
	res.Duration = time.Since(start)
	return res
}

// enqueueLocked must be called with c.mu held. A non-nil result means the job
// was dropped and must be reported once the lock is released.
func (c *Conversation) enqueueLocked(job persistJob) *PersistResult {
	if c.writesClosed {
		return &PersistResult{Op: job.op, UserID: c.userID, TurnID: job.turn.ID, Err: ErrLoggedOut}
	}
	select {
	case c.writes <- job:
		return nil
	default:
		return &PersistResult{Op: job.op, UserID: c.userID, TurnID: job.turn.ID, Err: ErrPersistQueueFull}
	}
}

func (c *Conversation) reportPersist(res PersistResult) {
	c.deps.Metrics.ObservePersist(string(res.Op), res.Duration, res.Err)
	if res.Err != nil {
		c.logger.Warn("persist failed",
			zap.String("op", string(res.Op)),
			zap.String("turn_id", res.TurnID),
			zap.Error(res.Err),
		)
	} else {
		c.logger.Debug("persisted",
			zap.String("op", string(res.Op)),
			zap.String("turn_id", res.TurnID),
			zap.Duration("took", res.Duration),
		)
	}
	if c.deps.PersistHook != nil {
		c.deps.PersistHook(res)
	}
}

// WaitPersisted blocks until the writer has drained after Logout.
func (c *Conversation) WaitPersisted(ctx context.Context) error {
	select {
	case <-c.writerDone:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
