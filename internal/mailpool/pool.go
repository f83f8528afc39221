package mailpool

import (
	"context"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/relaylabs/otp-relay/internal/domain"
	"go.uber.org/zap"
)

const defaultAcquireTimeout = 5 * time.Second

// Conn is one outbound mail transport connection. gomail's SendCloser
// satisfies it.
type Conn interface {
	Send(from string, to []string, msg io.WriterTo) error
	Close() error
}

// Dialer opens new transport connections for the pool.
type Dialer interface {
	Dial() (Conn, error)
}

// PooledConn wraps a transport connection with pool bookkeeping.
type PooledConn struct {
	conn      Conn
	createdAt time.Time
}

func (c *PooledConn) Send(from string, to []string, msg io.WriterTo) error {
	return c.conn.Send(from, to, msg)
}

// Pool is a bounded set of reusable mail connections. Connections are opened
// lazily up to the configured size; broken or stale connections are retired
// and replaced on a later acquire.
type Pool struct {
	dialer         Dialer
	size           int
	maxIdleAge     time.Duration
	acquireTimeout time.Duration
	now            func() time.Time
	logger         *zap.Logger

	mu     sync.Mutex
	open   int
	closed bool
	idle   chan *PooledConn
	freed  chan struct{}
}

func New(dialer Dialer, size int, maxIdleAge, acquireTimeout time.Duration, logger *zap.Logger) (*Pool, error) {
	if dialer == nil {
		return nil, fmt.Errorf("dialer is required")
	}
	if size <= 0 {
		return nil, fmt.Errorf("pool size must be positive, got %d", size)
	}
	if acquireTimeout <= 0 {
		acquireTimeout = defaultAcquireTimeout
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	return &Pool{
		dialer:         dialer,
		size:           size,
		maxIdleAge:     maxIdleAge,
		acquireTimeout: acquireTimeout,
		now:            time.Now,
		logger:         logger,
		idle:           make(chan *PooledConn, size),
		freed:          make(chan struct{}, size),
	}, nil
}

// Acquire returns a connection or fails with ErrPoolExhausted when none frees
// up within the acquire timeout. Stale idle connections are retired on the
// way out and never handed to callers.
func (p *Pool) Acquire(ctx context.Context) (*PooledConn, error) {
	timer := time.NewTimer(p.acquireTimeout)
	defer timer.Stop()

	for {
		select {
		case conn := <-p.idle:
			if p.stale(conn) {
				p.retire(conn)
				continue
			}
			return conn, nil
		default:
		}

		if conn, opened, err := p.dialFresh(); opened {
			return conn, err
		}

		select {
		case conn := <-p.idle:
			if p.stale(conn) {
				p.retire(conn)
				continue
			}
			return conn, nil
		case <-p.freed:
			// A retired connection opened a dial slot; loop back and claim it.
			continue
		case <-timer.C:
			return nil, fmt.Errorf("%w: no connection free within %s", domain.ErrPoolExhausted, p.acquireTimeout)
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

// Release hands a connection back. Callers that saw a transport failure mark
// it broken; broken connections are retired and lazily replaced.
func (p *Pool) Release(conn *PooledConn, broken bool) {
	if conn == nil {
		return
	}

	p.mu.Lock()
	closed := p.closed
	p.mu.Unlock()

	if broken || closed {
		p.retire(conn)
		return
	}

	select {
	case p.idle <- conn:
	default:
		// Cannot happen while open <= size.
		p.retire(conn)
	}
}

// IdleCount returns the number of idle connections.
func (p *Pool) IdleCount() int {
	return len(p.idle)
}

// Close drains the idle set and stops further dials. Checked-out connections
// are retired when released.
func (p *Pool) Close() error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	p.mu.Unlock()

	for {
		select {
		case conn := <-p.idle:
			p.retire(conn)
		default:
			return nil
		}
	}
}

// dialFresh opens a new connection if a slot is free. The opened flag tells
// the caller whether a slot was claimed (successfully or not).
func (p *Pool) dialFresh() (*PooledConn, bool, error) {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil, true, fmt.Errorf("pool is closed")
	}
	if p.open >= p.size {
		p.mu.Unlock()
		return nil, false, nil
	}
	p.open++
	p.mu.Unlock()

	conn, err := p.dialer.Dial()
	if err != nil {
		p.mu.Lock()
		p.open--
		p.mu.Unlock()
		return nil, true, fmt.Errorf("failed to dial mail transport: %w", err)
	}

	return &PooledConn{conn: conn, createdAt: p.now()}, true, nil
}

func (p *Pool) stale(conn *PooledConn) bool {
	return p.maxIdleAge > 0 && p.now().Sub(conn.createdAt) > p.maxIdleAge
}

func (p *Pool) retire(conn *PooledConn) {
	if err := conn.conn.Close(); err != nil {
		p.logger.Debug("failed to close retired mail connection", zap.Error(err))
	}

	p.mu.Lock()
	p.open--
	p.mu.Unlock()

	select {
	case p.freed <- struct{}{}:
	default:
	}
}
