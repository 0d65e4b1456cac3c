// Package election decides which scheduler process leads a namespace. Every
// process runs the same loop; the one whose lease write succeeds leads until
// it fails to renew before expiry.
package election

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/me/gosched/pkg/model"
)

// ErrNotLeader is returned by RenewLease when this process holds no lease.
var ErrNotLeader = errors.New("election: not leader")

// Store is the persistence the elector needs.
type Store interface {
	TryAcquireLease(ctx context.Context, namespace, holder string, ttl time.Duration, now time.Time) (*model.Lease, error)
	ReleaseLease(ctx context.Context, namespace, holder string) error
	UpsertServer(ctx context.Context, node *model.ServerNode) error
}

// Config holds election timing.
type Config struct {
	Namespace     string
	LeaseTTL      time.Duration
	RenewInterval time.Duration
}

// DefaultConfig returns a Config with TTL three times the renew interval.
func DefaultConfig() Config {
	return Config{
		Namespace:     "default",
		LeaseTTL:      30 * time.Second,
		RenewInterval: 10 * time.Second,
	}
}

// Validate checks that a leader gets at least two renew attempts per lease.
func (c Config) Validate() error {
	if c.Namespace == "" {
		return fmt.Errorf("election namespace is required")
	}
	if c.RenewInterval <= 0 {
		return fmt.Errorf("renew interval must be positive")
	}
	if c.LeaseTTL <= 2*c.RenewInterval {
		return fmt.Errorf("lease ttl %s must exceed twice the renew interval %s", c.LeaseTTL, c.RenewInterval)
	}
	return nil
}

// LeaseResult is the outcome of one acquisition attempt.
type LeaseResult struct {
	Acquired bool
	Lease    model.Lease
}

// Elector runs leader election for one server id. The lease and leader flag
// are written only by the elector's own methods; other components read
// snapshots through IsLeader and Fence.
type Elector struct {
	store    Store
	cfg      Config
	serverID string
	address  string
	logger   *slog.Logger
	now      func() time.Time

	mu        sync.RWMutex
	lease     *model.Lease
	reported  bool
	listeners []func(bool)
}

// New creates an Elector for serverID advertising address.
func New(st Store, cfg Config, serverID, address string, logger *slog.Logger) *Elector {
	return &Elector{
		store:    st,
		cfg:      cfg,
		serverID: serverID,
		address:  address,
		logger:   logger.With("component", "election", "server_id", serverID),
		now:      time.Now,
	}
}

// SetClock replaces the time source (tests).
func (e *Elector) SetClock(now func() time.Time) {
	e.now = now
}

// ServerID returns the id this elector campaigns under.
func (e *Elector) ServerID() string {
	return e.serverID
}

// Namespace returns the election namespace.
func (e *Elector) Namespace() string {
	return e.cfg.Namespace
}

// OnChange registers fn to be called with the new leadership state whenever
// it flips. Callbacks run synchronously on the election goroutine.
func (e *Elector) OnChange(fn func(isLeader bool)) {
	e.mu.Lock()
	e.listeners = append(e.listeners, fn)
	e.mu.Unlock()
}

// IsLeader reports whether this process holds an unexpired lease. It needs no
// store round trip: a lease that was not renewed in time expires locally.
func (e *Elector) IsLeader() bool {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.lease.Valid(e.now())
}

// Fence returns the credential leader-gated writes must present.
func (e *Elector) Fence() (*model.Fence, bool) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	if !e.lease.Valid(e.now()) {
		return nil, false
	}
	f := e.lease.Fence()
	return &f, true
}

// Lease returns a copy of the currently held lease, or nil.
func (e *Elector) Lease() *model.Lease {
	e.mu.RLock()
	defer e.mu.RUnlock()
	if e.lease == nil {
		return nil
	}
	l := *e.lease
	return &l
}

// TryAcquireLeadership attempts to take (or keep) the namespace lease.
func (e *Elector) TryAcquireLeadership(ctx context.Context) (LeaseResult, error) {
	wasLeader := e.IsLeader()

	lease, err := e.store.TryAcquireLease(ctx, e.cfg.Namespace, e.serverID, e.cfg.LeaseTTL, e.now())
	if err != nil {
		// The store is unreachable: keep whatever lease we have until it
		// expires on its own.
		e.notify()
		return LeaseResult{}, fmt.Errorf("acquire lease: %w", err)
	}

	acquired := lease.Holder == e.serverID
	e.mu.Lock()
	if acquired {
		e.lease = lease
	} else {
		e.lease = nil
	}
	e.mu.Unlock()

	if acquired && !wasLeader {
		e.logger.Info("leadership acquired", "namespace", lease.Namespace, "token", lease.Token, "expires_at", lease.ExpiresAt)
	} else if !acquired && wasLeader {
		e.logger.Info("lease taken over", "namespace", lease.Namespace, "holder", lease.Holder)
	}
	e.notify()
	return LeaseResult{Acquired: acquired, Lease: *lease}, nil
}

// RenewLease extends the held lease. Failure to renew leaves the local lease
// to run out; once expired, IsLeader reports false.
func (e *Elector) RenewLease(ctx context.Context) error {
	if !e.IsLeader() {
		e.notify()
		return ErrNotLeader
	}
	res, err := e.TryAcquireLeadership(ctx)
	if err != nil {
		return err
	}
	if !res.Acquired {
		return ErrNotLeader
	}
	return nil
}

// Resign releases the lease so a standby can take over without waiting for
// expiry.
func (e *Elector) Resign(ctx context.Context) error {
	wasLeader := e.IsLeader()
	e.mu.Lock()
	e.lease = nil
	e.mu.Unlock()
	e.notify()

	if !wasLeader {
		return nil
	}
	if err := e.store.ReleaseLease(ctx, e.cfg.Namespace, e.serverID); err != nil {
		return fmt.Errorf("release lease: %w", err)
	}
	e.logger.Info("leadership released", "namespace", e.cfg.Namespace)
	return nil
}

// Run campaigns until ctx is cancelled, then resigns.
func (e *Elector) Run(ctx context.Context) {
	ticker := time.NewTicker(e.cfg.RenewInterval)
	defer ticker.Stop()

	e.campaign(ctx)
	for {
		select {
		case <-ctx.Done():
			releaseCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			if err := e.Resign(releaseCtx); err != nil {
				e.logger.Warn("resign failed", "error", err)
			}
			e.heartbeat(releaseCtx)
			cancel()
			return
		case <-ticker.C:
			e.campaign(ctx)
		}
	}
}

func (e *Elector) campaign(ctx context.Context) {
	var err error
	if e.IsLeader() {
		err = e.RenewLease(ctx)
	} else {
		_, err = e.TryAcquireLeadership(ctx)
	}
	if err != nil && !errors.Is(err, ErrNotLeader) {
		e.logger.Warn("election round failed", "error", err)
	}
	e.heartbeat(ctx)
}

// heartbeat records this server's role for cluster bookkeeping.
func (e *Elector) heartbeat(ctx context.Context) {
	node := &model.ServerNode{
		ID:              e.serverID,
		Address:         e.address,
		Role:            model.ServerRoleFollower,
		LastHeartbeatAt: e.now(),
	}
	if l := e.Lease(); l != nil && e.IsLeader() {
		node.Role = model.ServerRoleLeader
		exp := l.ExpiresAt
		node.LeaseExpiresAt = &exp
	}
	if err := e.store.UpsertServer(ctx, node); err != nil {
		e.logger.Debug("server heartbeat failed", "error", err)
	}
}

// notify fires listeners when the leadership state differs from the last
// one reported, including a lease that silently ran out.
func (e *Elector) notify() {
	e.mu.Lock()
	now := e.lease.Valid(e.now())
	if now == e.reported {
		e.mu.Unlock()
		return
	}
	e.reported = now
	listeners := append([]func(bool){}, e.listeners...)
	e.mu.Unlock()

	if !now {
		e.logger.Warn("leadership lost", "namespace", e.cfg.Namespace)
	}
	for _, fn := range listeners {
		fn(now)
	}
}
