// Package audit records every query attempt in an append-only log.
//
// Record never blocks and never fails: entries get their id immediately and
// are queued for a single background writer, which retries failed writes
// until they succeed or the logger is closed. Reads flush the queue first so
// callers see their own writes.
package audit

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"dpledger/internal/core"
)

const flushOnReadTimeout = 2 * time.Second

type Options struct {
	RetryInterval time.Duration
	Logger        *slog.Logger
	Now           func() time.Time
}

type Logger struct {
	repo  core.AuditRepository
	log   *slog.Logger
	opts  Options
	clock *Clock

	// writeMu is held while a batch is being written and by Clear, so a
	// cleared log never receives entries queued before the clear.
	writeMu sync.Mutex

	mu       sync.Mutex
	queue    []core.AuditLogEntry
	pending  int
	progress chan struct{}
	closed   bool

	// abandoned is set when Close gave up waiting; the writer then exits.
	abandoned bool

	wake chan struct{}
	done chan struct{}
}

// New starts a logger whose ids continue after the highest stored id.
func New(ctx context.Context, repo core.AuditRepository, opts Options) (*Logger, error) {
	if opts.RetryInterval <= 0 {
		opts.RetryInterval = 500 * time.Millisecond
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	log := opts.Logger
	if log == nil {
		log = slog.Default()
	}

	maxID, err := repo.MaxID(ctx)
	if err != nil {
		return nil, fmt.Errorf("audit max id: %w", err)
	}

	l := &Logger{
		repo:     repo,
		log:      log.With("component", "audit"),
		opts:     opts,
		clock:    NewClockAt(maxID),
		progress: make(chan struct{}),
		wake:     make(chan struct{}, 1),
		done:     make(chan struct{}),
	}
	go l.run()
	return l, nil
}

// Record assigns the entry an id and queues it. Ids reflect call order, so
// callers serialize Record for entries whose relative order matters.
func (l *Logger) Record(e core.AuditLogEntry) int64 {
	if e.Timestamp.IsZero() {
		e.Timestamp = l.opts.Now()
	}
	e.Timestamp = e.Timestamp.UTC()

	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		l.log.Error("audit logger closed, entry dropped", "account_id", e.AccountID, "query_type", e.QueryType, "status", e.Status)
		return 0
	}
	e.ID = l.clock.Next()
	l.queue = append(l.queue, e)
	l.pending++
	l.mu.Unlock()

	select {
	case l.wake <- struct{}{}:
	default:
	}
	return e.ID
}

func (l *Logger) run() {
	defer close(l.done)
	for {
		l.mu.Lock()
		empty, closed, abandoned := len(l.queue) == 0, l.closed, l.abandoned
		l.mu.Unlock()
		if abandoned {
			return
		}
		if empty {
			if closed {
				return
			}
			<-l.wake
			continue
		}
		if err := l.writeBatch(); err != nil {
			l.log.Warn("audit write failed, retrying", "error", err, "retry_in", l.opts.RetryInterval)
			time.Sleep(l.opts.RetryInterval)
		}
	}
}

// writeBatch persists queued entries in id order. On failure the unwritten
// tail goes back to the front of the queue.
func (l *Logger) writeBatch() error {
	l.writeMu.Lock()
	defer l.writeMu.Unlock()

	l.mu.Lock()
	batch := l.queue
	l.queue = nil
	l.mu.Unlock()

	written := 0
	var err error
	for i := range batch {
		if err = l.repo.Insert(context.Background(), &batch[i]); err != nil {
			break
		}
		written++
	}

	l.mu.Lock()
	if written < len(batch) {
		l.queue = append(batch[written:len(batch):len(batch)], l.queue...)
	}
	l.pending -= written
	close(l.progress)
	l.progress = make(chan struct{})
	l.mu.Unlock()
	return err
}

// Flush waits until every entry recorded before the call is persisted.
func (l *Logger) Flush(ctx context.Context) error {
	for {
		l.mu.Lock()
		if l.pending == 0 {
			l.mu.Unlock()
			return nil
		}
		ch := l.progress
		l.mu.Unlock()

		select {
		case <-ch:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// flushForRead tries to flush before a read; on timeout the read proceeds
// with what is persisted.
func (l *Logger) flushForRead(ctx context.Context) {
	fctx, cancel := context.WithTimeout(ctx, flushOnReadTimeout)
	defer cancel()
	if err := l.Flush(fctx); err != nil && ctx.Err() == nil {
		l.log.Warn("audit read without full flush", "error", err, "pending", l.Pending())
	}
}

// Pending returns the number of entries not yet persisted.
func (l *Logger) Pending() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.pending
}

// History returns entries matching filter, newest first, and the total count.
func (l *Logger) History(ctx context.Context, filter core.AuditFilter, page core.PageRequest) ([]core.AuditLogEntry, int64, error) {
	l.flushForRead(ctx)
	return l.repo.List(ctx, filter, page)
}

func (l *Logger) Stats(ctx context.Context, filter core.AuditFilter) (*core.AuditStats, error) {
	l.flushForRead(ctx)
	return l.repo.Stats(ctx, filter)
}

// GrantedSince returns timestamps of successful queries by accountID since a
// point in time, oldest first.
func (l *Logger) GrantedSince(ctx context.Context, accountID string, since time.Time) ([]time.Time, error) {
	l.flushForRead(ctx)
	return l.repo.GrantedSince(ctx, accountID, since)
}

// Clear drops queued entries and deletes the persisted log. Ids keep
// increasing afterwards.
func (l *Logger) Clear(ctx context.Context) error {
	l.writeMu.Lock()
	defer l.writeMu.Unlock()

	l.mu.Lock()
	dropped := len(l.queue)
	l.queue = nil
	l.pending -= dropped
	close(l.progress)
	l.progress = make(chan struct{})
	l.mu.Unlock()

	if err := l.repo.DeleteAll(ctx); err != nil {
		return fmt.Errorf("clear audit log: %w", err)
	}
	l.log.Info("audit log cleared", "dropped_queued", dropped, "last_id", l.clock.Current())
	return nil
}

// Close stops accepting entries and waits for the queue to drain.
func (l *Logger) Close(ctx context.Context) error {
	l.mu.Lock()
	l.closed = true
	l.mu.Unlock()
	select {
	case l.wake <- struct{}{}:
	default:
	}

	select {
	case <-l.done:
		return nil
	case <-ctx.Done():
		l.mu.Lock()
		l.abandoned = true
		n := l.pending
		l.mu.Unlock()
		l.log.Error("audit entries lost on shutdown", "count", n)
		return fmt.Errorf("audit close: %d entries not persisted: %w", n, ctx.Err())
	}
}
