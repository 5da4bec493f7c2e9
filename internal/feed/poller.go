package feed

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

const (
	defaultPollInterval = 500 * time.Millisecond
	defaultPollBatch    = 100
)

// ChangeLog is the durable, ordered record of writes the poller tails.
type ChangeLog interface {
	ChangesAfter(ctx context.Context, cursor int64, limit int) ([]Change, error)
	LatestChangeID(ctx context.Context) (int64, error)
}

// Leader gates polling when several processes share one change log. Acquire
// obtains or extends leadership and reports whether this process holds it.
type Leader interface {
	Acquire(ctx context.Context) (bool, error)
	Release(ctx context.Context) error
}

// CursorStore keeps the last published sequence number outside the process. A
// poller that gains leadership resumes from it instead of the log's current end.
type CursorStore interface {
	LoadCursor(ctx context.Context) (cursor int64, ok bool, err error)
	SaveCursor(ctx context.Context, cursor int64) error
}

// Poller tails a ChangeLog and publishes every new row, in order.
type Poller struct {
	Log       ChangeLog
	Publisher Publisher
	Leader    Leader
	Cursors   CursorStore
	Interval  time.Duration
	Batch     int
	// FromStart replays the whole log instead of starting at its current end.
	FromStart bool
	Logger    zerolog.Logger

	mu      sync.Mutex
	cursor  int64
	primed  bool
	leading bool
}

// Run polls until ctx is done.
func (p *Poller) Run(ctx context.Context) error {
	interval := p.Interval
	if interval <= 0 {
		interval = defaultPollInterval
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	defer func() {
		if p.Leader != nil {
			_ = p.Leader.Release(context.Background())
		}
	}()
	for {
		if _, err := p.Poll(ctx); err != nil && ctx.Err() == nil {
			p.Logger.Warn().Err(err).Msg("poll change log failed")
		}
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
}

// Poll publishes the changes written since the last call and returns how many it sent.
func (p *Poller) Poll(ctx context.Context) (int, error) {
	if p.Leader != nil {
		ok, err := p.Leader.Acquire(ctx)
		if err != nil {
			p.setLeading(false)
			return 0, err
		}
		p.setLeading(ok)
		if !ok {
			return 0, nil
		}
	}
	cursor, err := p.cursorFor(ctx)
	if err != nil {
		return 0, err
	}
	batch := p.Batch
	if batch <= 0 {
		batch = defaultPollBatch
	}
	changes, err := p.Log.ChangesAfter(ctx, cursor, batch)
	if err != nil {
		return 0, err
	}
	sent := 0
	var perr error
	for _, c := range changes {
		if perr = p.Publisher.Publish(ctx, c); perr != nil {
			break
		}
		p.setCursor(c.Seq)
		sent++
	}
	if sent > 0 && p.Cursors != nil {
		if err := p.Cursors.SaveCursor(ctx, changes[sent-1].Seq); err != nil {
			p.Logger.Warn().Err(err).Int64("seq", changes[sent-1].Seq).Msg("save feed cursor failed")
		}
	}
	return sent, perr
}

func (p *Poller) Cursor() int64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.cursor
}

// setLeading records the outcome of an election. Gaining leadership with a
// CursorStore re-primes the cursor, since another process may have published since.
func (p *Poller) setLeading(ok bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if ok && !p.leading && p.Cursors != nil {
		p.primed = false
	}
	p.leading = ok
}

func (p *Poller) cursorFor(ctx context.Context) (int64, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.primed {
		return p.cursor, nil
	}
	if p.Cursors != nil {
		cur, ok, err := p.Cursors.LoadCursor(ctx)
		if err != nil {
			return 0, err
		}
		if ok {
			p.cursor = cur
			p.primed = true
			return cur, nil
		}
	}
	if !p.FromStart {
		cur, err := p.Log.LatestChangeID(ctx)
		if err != nil {
			return 0, err
		}
		p.cursor = cur
	}
	if p.Cursors != nil {
		if err := p.Cursors.SaveCursor(ctx, p.cursor); err != nil {
			return 0, err
		}
	}
	p.primed = true
	return p.cursor, nil
}

func (p *Poller) setCursor(v int64) {
	p.mu.Lock()
	p.cursor = v
	p.mu.Unlock()
}
