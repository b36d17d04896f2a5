package leader

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ruteri/tee-cluster-node/interfaces"
	"go.uber.org/atomic"
)

const (
	DefaultInterval          = 10 * time.Second
	DefaultHeartbeatInterval = 30 * time.Second
	DefaultRetryInterval     = 5 * time.Second
	DefaultUnresolvedLimit   = 3
)

// ErrNoAccount is returned when the ledger gateway has no transacting account.
var ErrNoAccount = errors.New("ledger gateway has no transacting account")

// Gateway is the subset of interfaces.LedgerGateway the monitor uses.
type Gateway interface {
	CurrentLeader(ctx context.Context) (interfaces.Address, error)
	CastVote(ctx context.Context, vote interfaces.VoteIntent) (*types.Transaction, error)
	Account() interfaces.Address
}

// Config holds the monitor periods.
type Config struct {
	// Interval between monitoring ticks.
	Interval time.Duration
	// HeartbeatInterval between local heartbeat updates while leader.
	HeartbeatInterval time.Duration
	// RetryInterval is the first delay after a failed tick. Consecutive
	// failures back off exponentially up to Interval.
	RetryInterval time.Duration
	// UnresolvedLimit is the number of consecutive ticks the leader may have
	// no known endpoint before it is treated as unresponsive.
	UnresolvedLimit int
}

// DefaultConfig returns the default monitor periods.
func DefaultConfig() Config {
	return Config{
		Interval:          DefaultInterval,
		HeartbeatInterval: DefaultHeartbeatInterval,
		RetryInterval:     DefaultRetryInterval,
		UnresolvedLimit:   DefaultUnresolvedLimit,
	}
}

// Monitor owns the local LeaderState.
type Monitor struct {
	ledger  Gateway
	prober  Prober
	self    interfaces.Address
	cfg     Config
	metrics *Metrics
	log     *slog.Logger

	state *atomic.Pointer[interfaces.LeaderState]

	unresolvedMu     sync.Mutex
	unresolvedLeader interfaces.Address
	unresolvedTicks  int
}

// NewMonitor creates a monitor in the Follower state with no known leader.
func NewMonitor(ledger Gateway, prober Prober, cfg Config, metrics *Metrics, log *slog.Logger) (*Monitor, error) {
	self := ledger.Account()
	if self.IsZero() {
		return nil, ErrNoAccount
	}

	defaults := DefaultConfig()
	if cfg.Interval <= 0 {
		cfg.Interval = defaults.Interval
	}
	if cfg.HeartbeatInterval <= 0 {
		cfg.HeartbeatInterval = defaults.HeartbeatInterval
	}
	if cfg.RetryInterval <= 0 || cfg.RetryInterval > cfg.Interval {
		cfg.RetryInterval = min(defaults.RetryInterval, cfg.Interval)
	}
	if cfg.UnresolvedLimit <= 0 {
		cfg.UnresolvedLimit = defaults.UnresolvedLimit
	}
	if metrics == nil {
		metrics = NewMetrics(nil)
	}

	return &Monitor{
		ledger:  ledger,
		prober:  prober,
		self:    self,
		cfg:     cfg,
		metrics: metrics,
		log:     log,
		state:   atomic.NewPointer(&interfaces.LeaderState{}),
	}, nil
}

// Self returns the local transacting address.
func (m *Monitor) Self() interfaces.Address {
	return m.self
}

// GetLeaderState returns the last published snapshot.
func (m *Monitor) GetLeaderState() interfaces.LeaderState {
	return *m.state.Load()
}

// IsLeader reports whether the last snapshot names this node as leader.
func (m *Monitor) IsLeader() bool {
	return m.state.Load().IsLocalLeader
}

// update publishes a modified copy of the current snapshot.
func (m *Monitor) update(fn func(s *interfaces.LeaderState)) interfaces.LeaderState {
	for {
		prev := m.state.Load()
		next := *prev
		fn(&next)
		if m.state.CompareAndSwap(prev, &next) {
			return next
		}
	}
}

// Tick runs one monitoring step. Errors end the tick early and are returned
// for the caller to log. Probe failures are not errors, they produce a
// no-confidence vote. A leader without a known endpoint counts as a probe
// failure once UnresolvedLimit consecutive ticks failed to locate it; a
// failing directory never leads to a vote.
func (m *Monitor) Tick(ctx context.Context) error {
	m.metrics.observeTick()

	leader, err := m.ledger.CurrentLeader(ctx)
	if err != nil {
		m.metrics.observeTickError(StageLedger)
		return fmt.Errorf("could not query current leader: %w", err)
	}

	isLeader := leader == m.self
	prev := m.GetLeaderState()
	m.update(func(s *interfaces.LeaderState) {
		s.CurrentLeaderAddress = leader
		s.IsLocalLeader = isLeader
	})
	m.metrics.setLeader(isLeader)

	if isLeader != prev.IsLocalLeader {
		if isLeader {
			m.log.Info("became leader", "address", m.self)
		} else {
			m.log.Info("no longer leader", "leader", leader)
		}
	}

	if isLeader || leader.IsZero() {
		return nil
	}

	vote := interfaces.VoteIntent{TargetLeader: leader}
	err = m.prober.Probe(ctx, leader)
	switch {
	case err == nil:
		m.markResolved()
	case errors.Is(err, ErrPeerLookup):
		m.metrics.observeTickError(StageProbe)
		return fmt.Errorf("could not resolve leader %s: %w", leader, err)
	case errors.Is(err, ErrUnknownPeer):
		n := m.markUnresolved(leader)
		if n < m.cfg.UnresolvedLimit {
			m.metrics.observeTickError(StageProbe)
			return fmt.Errorf("could not locate leader %s (%d/%d): %w", leader, n, m.cfg.UnresolvedLimit, err)
		}
		m.metrics.observeProbeFailure()
		m.log.Warn("leader has no known endpoint, voting no confidence", "leader", leader, "ticks", n)
		vote.NoConfidence = true
	default:
		m.markResolved()
		m.metrics.observeProbeFailure()
		m.log.Warn("leader is unresponsive, voting no confidence", "leader", leader, "err", err)
		vote.NoConfidence = true
	}

	tx, err := m.ledger.CastVote(ctx, vote)
	if err != nil {
		m.metrics.observeTickError(StageVote)
		return fmt.Errorf("could not cast vote about %s: %w", leader, err)
	}
	m.metrics.observeVote(vote.NoConfidence)

	var txHash string
	if tx != nil {
		txHash = tx.Hash().Hex()
	}
	if vote.NoConfidence {
		m.log.Info("voted no confidence", "leader", leader, "tx", txHash)
	} else {
		m.log.Debug("voted confidence", "leader", leader, "tx", txHash)
	}
	return nil
}

// markUnresolved counts consecutive ticks in which leader had no endpoint.
func (m *Monitor) markUnresolved(leader interfaces.Address) int {
	m.unresolvedMu.Lock()
	defer m.unresolvedMu.Unlock()
	if m.unresolvedLeader != leader {
		m.unresolvedLeader = leader
		m.unresolvedTicks = 0
	}
	m.unresolvedTicks++
	return m.unresolvedTicks
}

func (m *Monitor) markResolved() {
	m.unresolvedMu.Lock()
	defer m.unresolvedMu.Unlock()
	m.unresolvedLeader = interfaces.ZeroAddress
	m.unresolvedTicks = 0
}

// HeartbeatTick records now as the last heartbeat while this node is leader.
// It reports whether the heartbeat was recorded. No ledger write happens.
func (m *Monitor) HeartbeatTick(now time.Time) bool {
	if !m.IsLeader() {
		return false
	}

	recorded := false
	m.update(func(s *interfaces.LeaderState) {
		recorded = s.IsLocalLeader
		if recorded {
			s.LastHeartbeatTime = now
		}
	})
	if recorded {
		m.log.Debug("leader heartbeat", "time", now)
	}
	return recorded
}

// Run schedules the monitoring and heartbeat tasks until ctx is cancelled.
// The first monitoring tick runs immediately.
func (m *Monitor) Run(ctx context.Context) {
	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		m.runMonitor(ctx)
	}()
	go func() {
		defer wg.Done()
		m.runHeartbeat(ctx)
	}()
	wg.Wait()
}

func (m *Monitor) retryPolicy() *backoff.ExponentialBackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = m.cfg.RetryInterval
	b.MaxInterval = m.cfg.Interval
	b.MaxElapsedTime = 0
	b.Reset()
	return b
}

// nextDelay returns the wait before the next tick given the outcome of the last one.
func (m *Monitor) nextDelay(b backoff.BackOff, tickErr error) time.Duration {
	if tickErr == nil {
		b.Reset()
		return m.cfg.Interval
	}

	delay := b.NextBackOff()
	if delay == backoff.Stop || delay > m.cfg.Interval {
		delay = m.cfg.Interval
	}
	return delay
}

func (m *Monitor) runMonitor(ctx context.Context) {
	b := m.retryPolicy()
	timer := time.NewTimer(0)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-timer.C:
		}

		err := m.Tick(ctx)
		if err != nil && ctx.Err() == nil {
			m.log.Error("leader monitoring tick failed", "err", err)
		}
		timer.Reset(m.nextDelay(b, err))
	}
}

func (m *Monitor) runHeartbeat(ctx context.Context) {
	ticker := time.NewTicker(m.cfg.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			m.HeartbeatTick(now)
		}
	}
}
