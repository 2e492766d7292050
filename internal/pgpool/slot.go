package pgpool

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// State is a snapshot of a SlotPool's connection counts. Both fields are
// monotone within a checkout cycle; idle <= connections is a design
// invariant but busyConnectionCount tolerates transient violations by
// clamping to zero.
type State struct {
	Connections     int
	IdleConnections int
}

// SlotPool is a bounded set of live+idle Server sessions for one Address.
// There is no test-on-checkout here: the acquirer performs its own health
// check against the leased session before handing it to a client.
type SlotPool struct {
	mu   sync.Mutex
	cond *sync.Cond

	addr     Address
	user     User
	database string
	dialer   Dialer
	reporter Reporter

	maxSize        int
	connectTimeout time.Duration
	idleTimeout    time.Duration

	idle    []Server
	active  map[Server]struct{}
	total   int
	waiting int

	closed bool
	stopCh chan struct{}
}

// NewSlotPool builds a SlotPool for one Address. maxSize, connectTimeout and
// idleTimeout are resolved by the caller from user.pool_size and the
// pool-level override or else the general config values.
func NewSlotPool(addr Address, user User, database string, dialer Dialer, reporter Reporter, maxSize int, connectTimeout, idleTimeout time.Duration) *SlotPool {
	if reporter == nil {
		reporter = NopReporter{}
	}
	sp := &SlotPool{
		addr:           addr,
		user:           user,
		database:       database,
		dialer:         dialer,
		reporter:       reporter,
		maxSize:        maxSize,
		connectTimeout: connectTimeout,
		idleTimeout:    idleTimeout,
		active:         make(map[Server]struct{}),
		stopCh:         make(chan struct{}),
	}
	sp.cond = sync.NewCond(&sp.mu)
	go sp.reapLoop()
	return sp
}

// Lease grants exclusive use of one Server session. Release returns the
// session to idle unless it was marked bad, in which case it is closed.
type Lease struct {
	pool    *SlotPool
	session Server
}

// Session returns the underlying server session.
func (l *Lease) Session() Server { return l.session }

// Release returns the slot to its SlotPool.
func (l *Lease) Release() {
	l.pool.release(l.session)
}

// Checkout waits up to connectTimeout (or ctx's deadline, whichever is
// sooner) for a slot, creating a new session if the pool is below maxSize.
func (sp *SlotPool) Checkout(ctx context.Context) (*Lease, error) {
	deadline := time.Now().Add(sp.connectTimeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}

	sp.mu.Lock()
	for {
		select {
		case <-ctx.Done():
			sp.mu.Unlock()
			return nil, ctx.Err()
		default:
		}

		if sp.closed {
			sp.mu.Unlock()
			return nil, ErrPoolClosed
		}

		for len(sp.idle) > 0 {
			s := sp.idle[len(sp.idle)-1]
			sp.idle = sp.idle[:len(sp.idle)-1]

			if s.IsBad() {
				s.Close()
				sp.total--
				continue
			}

			sp.active[s] = struct{}{}
			sp.mu.Unlock()
			return &Lease{pool: sp, session: s}, nil
		}

		if sp.total < sp.maxSize {
			sp.total++
			sp.mu.Unlock()

			s, err := sp.dial(ctx)
			if err != nil {
				sp.mu.Lock()
				sp.total--
				sp.mu.Unlock()
				return nil, fmt.Errorf("connecting to %s: %w", sp.addr, err)
			}

			sp.mu.Lock()
			if sp.closed {
				sp.mu.Unlock()
				s.Close()
				return nil, ErrPoolClosed
			}
			sp.active[s] = struct{}{}
			sp.mu.Unlock()
			return &Lease{pool: sp, session: s}, nil
		}

		sp.waiting++
		remaining := time.Until(deadline)
		if remaining <= 0 {
			sp.waiting--
			sp.mu.Unlock()
			return nil, fmt.Errorf("checkout timeout (%s) for %s", sp.connectTimeout, sp.addr)
		}

		timer := time.AfterFunc(remaining, func() { sp.cond.Broadcast() })
		sp.cond.Wait()
		timer.Stop()
		sp.waiting--

		if sp.closed {
			sp.mu.Unlock()
			return nil, ErrPoolClosed
		}
		if time.Now().After(deadline) {
			sp.mu.Unlock()
			return nil, fmt.Errorf("checkout timeout (%s) for %s", sp.connectTimeout, sp.addr)
		}
	}
}

// dial opens, registers and logs in a new server session, following the
// register -> login -> (idle|disconnecting) sequence the Reporter expects.
func (sp *SlotPool) dial(ctx context.Context) (Server, error) {
	serverID := newServerID()
	sp.reporter.ServerRegister(serverID, sp.addr.ID, sp.addr.Name(), sp.addr.PoolName, sp.user.Username)
	sp.reporter.ServerLogin(serverID)

	s, err := sp.dialer.Startup(serverID, sp.addr, sp.user, sp.database)
	if err != nil {
		sp.reporter.ServerDisconnecting(serverID)
		return nil, err
	}
	sp.reporter.ServerIdle(serverID)
	return s, nil
}

func (sp *SlotPool) release(s Server) {
	sp.mu.Lock()
	defer sp.mu.Unlock()

	delete(sp.active, s)

	if sp.closed || s.IsBad() {
		s.Close()
		sp.total--
		sp.cond.Signal()
		return
	}

	sp.idle = append(sp.idle, s)
	sp.cond.Signal()
}

// State reports current connection counts.
func (sp *SlotPool) State() State {
	sp.mu.Lock()
	defer sp.mu.Unlock()
	return State{Connections: sp.total, IdleConnections: len(sp.idle)}
}

// Close drains idle sessions and wakes any waiting checkouts. In-flight
// leases close on their next Release once the caller observes IsBad or the
// pool is marked closed.
func (sp *SlotPool) Close() {
	sp.mu.Lock()
	if sp.closed {
		sp.mu.Unlock()
		return
	}
	sp.closed = true
	close(sp.stopCh)
	for _, s := range sp.idle {
		s.Close()
		sp.total--
	}
	sp.idle = nil
	sp.cond.Broadcast()
	sp.mu.Unlock()
}

func (sp *SlotPool) reapLoop() {
	ticker := time.NewTicker(30 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			sp.reapIdle()
		case <-sp.stopCh:
			return
		}
	}
}

func (sp *SlotPool) reapIdle() {
	if sp.idleTimeout <= 0 {
		return
	}
	sp.mu.Lock()
	defer sp.mu.Unlock()

	kept := sp.idle[:0:0]
	for _, s := range sp.idle {
		if time.Since(s.LastActivity()) > sp.idleTimeout {
			s.Close()
			sp.total--
		} else {
			kept = append(kept, s)
		}
	}
	sp.idle = kept
}
