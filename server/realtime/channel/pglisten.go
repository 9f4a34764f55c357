package channel

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	commonlog "gigsync/server/common/log"
)

// RowChangeChannel is the NOTIFY channel the row triggers in schema.sql write to.
const RowChangeChannel = "rt_row_changes"

// PGListener turns Postgres notifications into RowChanges. It holds one dedicated
// connection taken out of the pool and reconnects with backoff when it drops.
// NOTIFY has no replay, so every sink is asked to resync once LISTEN is back.
type PGListener struct {
	pool   *pgxpool.Pool
	router *RowRouter

	minBackoff time.Duration
	maxBackoff time.Duration

	mu        sync.Mutex
	listening bool
	// readyCh is closed while listening and replaced when the connection drops.
	readyCh chan struct{}
}

func NewPGListener(pool *pgxpool.Pool) *PGListener {
	return &PGListener{
		pool:       pool,
		router:     NewRowRouter(),
		minBackoff: time.Second,
		maxBackoff: 30 * time.Second,
		readyCh:    make(chan struct{}),
	}
}

func (l *PGListener) Register(filters []RowFilter, sink func(RowChange), resync func()) func() {
	return l.router.Register(filters, sink, resync)
}

// WaitReady blocks until LISTEN is active or ctx ends.
func (l *PGListener) WaitReady(ctx context.Context) error {
	l.mu.Lock()
	ready := l.readyCh
	l.mu.Unlock()
	select {
	case <-ready:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("%w: %w", ErrRowsNotReady, ctx.Err())
	}
}

// online marks LISTEN active and tells every sink to reload what it may have
// missed while the listener was down.
func (l *PGListener) online() {
	l.mu.Lock()
	if !l.listening {
		l.listening = true
		close(l.readyCh)
	}
	l.mu.Unlock()
	l.router.Resync()
}

func (l *PGListener) offline() {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.listening {
		l.listening = false
		l.readyCh = make(chan struct{})
	}
}

// Run blocks until ctx is cancelled.
func (l *PGListener) Run(ctx context.Context) error {
	backoff := l.minBackoff
	for {
		listened, err := l.listen(ctx)
		if ctx.Err() != nil {
			return nil
		}
		if listened {
			backoff = l.minBackoff
		}
		commonlog.Warnf("event=pg_listen action=listen status=disconnected retry_in=%s error=%v", backoff, err)

		select {
		case <-ctx.Done():
			return nil
		case <-time.After(backoff):
		}
		backoff *= 2
		if backoff > l.maxBackoff {
			backoff = l.maxBackoff
		}
	}
}

func (l *PGListener) listen(ctx context.Context) (bool, error) {
	pooled, err := l.pool.Acquire(ctx)
	if err != nil {
		return false, fmt.Errorf("acquire: %w", err)
	}
	// LISTEN state must not leak back into the pool.
	conn := pooled.Hijack()
	defer l.offline()
	defer func() {
		closeCtx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		defer cancel()
		_ = conn.Close(closeCtx)
	}()

	if _, err := conn.Exec(ctx, "LISTEN "+pgx.Identifier{RowChangeChannel}.Sanitize()); err != nil {
		return false, fmt.Errorf("listen: %w", err)
	}
	commonlog.Infof("event=pg_listen action=listen status=ready channel=%s", RowChangeChannel)
	l.online()

	for {
		n, err := conn.WaitForNotification(ctx)
		if err != nil {
			if errors.Is(err, context.Canceled) {
				return true, nil
			}
			return true, err
		}
		var change RowChange
		if err := json.Unmarshal([]byte(n.Payload), &change); err != nil {
			commonlog.Warnf("event=pg_listen action=decode status=invalid error=%v", err)
			continue
		}
		delivered := l.router.Dispatch(change)
		commonlog.Debugf("event=pg_listen action=dispatch status=ok table=%s type=%s sinks=%d", change.Table, change.Type, delivered)
	}
}
