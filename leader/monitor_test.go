package leader

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/core/types"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/ruteri/tee-cluster-node/interfaces"
	"github.com/ruteri/tee-cluster-node/ledger"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

var (
	selfAddr  = interfaces.Address{0x01}
	otherAddr = interfaces.Address{0x02}
)

func testTx() *types.Transaction {
	return types.NewTx(&types.LegacyTx{Nonce: 1})
}

// funcProber adapts a function to the Prober interface.
type funcProber func(ctx context.Context, addr interfaces.Address) error

func (f funcProber) Probe(ctx context.Context, addr interfaces.Address) error {
	return f(ctx, addr)
}

type countingProber struct {
	mu    sync.Mutex
	calls int
	err   error
}

func (p *countingProber) Probe(ctx context.Context, addr interfaces.Address) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.calls++
	return p.err
}

func newTestMonitor(t *testing.T, gw *ledger.MockGateway, prober Prober) *Monitor {
	t.Helper()
	gw.On("Account").Return(selfAddr).Maybe()
	m, err := NewMonitor(gw, prober, DefaultConfig(), NewMetrics(prometheus.NewRegistry()), slog.Default())
	require.NoError(t, err)
	return m
}

func TestNewMonitor_RequiresAccount(t *testing.T) {
	gw := new(ledger.MockGateway)
	gw.On("Account").Return(interfaces.ZeroAddress)

	_, err := NewMonitor(gw, &countingProber{}, DefaultConfig(), nil, slog.Default())
	assert.ErrorIs(t, err, ErrNoAccount)
}

func TestMonitor_InitialState(t *testing.T) {
	m := newTestMonitor(t, new(ledger.MockGateway), &countingProber{})

	state := m.GetLeaderState()
	assert.False(t, state.IsLocalLeader)
	assert.True(t, state.CurrentLeaderAddress.IsZero())
	assert.True(t, state.LastHeartbeatTime.IsZero())
	assert.Equal(t, selfAddr, m.Self())
}

func TestMonitor_TickNoLeader(t *testing.T) {
	gw := new(ledger.MockGateway)
	prober := &countingProber{}
	m := newTestMonitor(t, gw, prober)

	gw.On("CurrentLeader", mock.Anything).Return(interfaces.ZeroAddress, nil)

	require.NoError(t, m.Tick(context.Background()))
	assert.False(t, m.IsLeader())
	assert.Equal(t, 0, prober.calls, "no probe without a leader")
	gw.AssertNotCalled(t, "CastVote", mock.Anything, mock.Anything)
}

func TestMonitor_TickTransitions(t *testing.T) {
	gw := new(ledger.MockGateway)
	prober := &countingProber{}
	m := newTestMonitor(t, gw, prober)
	ctx := context.Background()

	gw.On("CurrentLeader", mock.Anything).Return(selfAddr, nil).Once()
	require.NoError(t, m.Tick(ctx))

	state := m.GetLeaderState()
	assert.True(t, state.IsLocalLeader)
	assert.Equal(t, selfAddr, state.CurrentLeaderAddress)
	assert.Equal(t, 0, prober.calls, "leader does not probe itself")
	gw.AssertNotCalled(t, "CastVote", mock.Anything, mock.Anything)

	gw.On("CurrentLeader", mock.Anything).Return(otherAddr, nil).Once()
	gw.On("CastVote", mock.Anything, interfaces.VoteIntent{TargetLeader: otherAddr}).Return(testTx(), nil).Once()
	require.NoError(t, m.Tick(ctx))

	state = m.GetLeaderState()
	assert.False(t, state.IsLocalLeader)
	assert.Equal(t, otherAddr, state.CurrentLeaderAddress)
	gw.AssertExpectations(t)
}

func TestMonitor_TickVotes(t *testing.T) {
	testCases := []struct {
		name         string
		handler      http.HandlerFunc
		noConfidence bool
	}{
		{
			name: "healthy leader",
			handler: func(w http.ResponseWriter, r *http.Request) {
				assert.Equal(t, "/health", r.URL.Path)
				w.WriteHeader(http.StatusOK)
			},
			noConfidence: false,
		},
		{
			name: "unhealthy leader",
			handler: func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(http.StatusServiceUnavailable)
			},
			noConfidence: true,
		},
		{
			name: "leader times out",
			handler: func(w http.ResponseWriter, r *http.Request) {
				select {
				case <-r.Context().Done():
				case <-time.After(2 * time.Second):
				}
			},
			noConfidence: true,
		},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			server := httptest.NewServer(tc.handler)
			defer server.Close()

			prober := NewHTTPProber(StaticDirectory{otherAddr: server.URL}, 100*time.Millisecond)
			gw := new(ledger.MockGateway)
			reg := prometheus.NewRegistry()
			gw.On("Account").Return(selfAddr)
			m, err := NewMonitor(gw, prober, DefaultConfig(), NewMetrics(reg), slog.Default())
			require.NoError(t, err)

			gw.On("CurrentLeader", mock.Anything).Return(otherAddr, nil)
			gw.On("CastVote", mock.Anything, mock.Anything).Return(testTx(), nil)

			require.NoError(t, m.Tick(context.Background()))

			gw.AssertNumberOfCalls(t, "CastVote", 1)
			gw.AssertCalled(t, "CastVote", mock.Anything, interfaces.VoteIntent{TargetLeader: otherAddr, NoConfidence: tc.noConfidence})
			gw.AssertNotCalled(t, "CastVote", mock.Anything, interfaces.VoteIntent{TargetLeader: otherAddr, NoConfidence: !tc.noConfidence})

			kind := "confidence"
			if tc.noConfidence {
				kind = "no_confidence"
			}
			assert.Equal(t, 1.0, testutil.ToFloat64(m.metrics.votes.WithLabelValues(kind)))
		})
	}
}

func TestMonitor_TickErrors(t *testing.T) {
	ctx := context.Background()

	t.Run("ledger query", func(t *testing.T) {
		gw := new(ledger.MockGateway)
		prober := &countingProber{}
		m := newTestMonitor(t, gw, prober)

		callErr := &ledger.CallError{Op: "currentLeader", Kind: ledger.ErrTimeout, Err: context.DeadlineExceeded}
		gw.On("CurrentLeader", mock.Anything).Return(interfaces.ZeroAddress, callErr)

		err := m.Tick(ctx)
		assert.ErrorIs(t, err, ledger.ErrTimeout)
		assert.Equal(t, interfaces.LeaderState{}, m.GetLeaderState())
		assert.Equal(t, 0, prober.calls)
		assert.Equal(t, 1.0, testutil.ToFloat64(m.metrics.tickErrors.WithLabelValues(StageLedger)))
	})

	t.Run("vote submission", func(t *testing.T) {
		gw := new(ledger.MockGateway)
		m := newTestMonitor(t, gw, &countingProber{err: errors.New("connection refused")})

		gw.On("CurrentLeader", mock.Anything).Return(otherAddr, nil)
		gw.On("CastVote", mock.Anything, interfaces.VoteIntent{TargetLeader: otherAddr, NoConfidence: true}).
			Return((*types.Transaction)(nil), ledger.ErrNoTransactOpts).Once()

		err := m.Tick(ctx)
		assert.ErrorIs(t, err, ledger.ErrNoTransactOpts)
		assert.Equal(t, otherAddr, m.GetLeaderState().CurrentLeaderAddress)
		gw.AssertNumberOfCalls(t, "CastVote", 1)
	})

	t.Run("unknown peer", func(t *testing.T) {
		gw := new(ledger.MockGateway)
		m := newTestMonitor(t, gw, NewHTTPProber(StaticDirectory{}, time.Second))

		gw.On("CurrentLeader", mock.Anything).Return(otherAddr, nil)

		err := m.Tick(ctx)
		assert.ErrorIs(t, err, ErrUnknownPeer)
		gw.AssertNotCalled(t, "CastVote", mock.Anything, mock.Anything)
	})

	t.Run("resolver down", func(t *testing.T) {
		gw := new(ledger.MockGateway)
		m := newTestMonitor(t, gw, NewHTTPProber(NewSRVDirectory("peers.example", "127.0.0.1:1"), time.Second))

		gw.On("CurrentLeader", mock.Anything).Return(otherAddr, nil)

		for i := 0; i < DefaultUnresolvedLimit+1; i++ {
			err := m.Tick(ctx)
			assert.ErrorIs(t, err, ErrPeerLookup)
			assert.NotErrorIs(t, err, ErrUnknownPeer)
		}
		gw.AssertNotCalled(t, "CastVote", mock.Anything, mock.Anything)
		assert.Equal(t, 0.0, testutil.ToFloat64(m.metrics.probeFailures))
	})
}

func TestMonitor_UnresolvedLeader(t *testing.T) {
	ctx := context.Background()
	gw := new(ledger.MockGateway)
	m := newTestMonitor(t, gw, NewHTTPProber(StaticDirectory{}, time.Second))

	gw.On("CurrentLeader", mock.Anything).Return(otherAddr, nil)
	gw.On("CastVote", mock.Anything, interfaces.VoteIntent{TargetLeader: otherAddr, NoConfidence: true}).
		Return(testTx(), nil)

	for i := 1; i < DefaultUnresolvedLimit; i++ {
		assert.ErrorIs(t, m.Tick(ctx), ErrUnknownPeer)
	}
	gw.AssertNotCalled(t, "CastVote", mock.Anything, mock.Anything)

	require.NoError(t, m.Tick(ctx))
	require.NoError(t, m.Tick(ctx))
	gw.AssertNumberOfCalls(t, "CastVote", 2)
	assert.Equal(t, 2.0, testutil.ToFloat64(m.metrics.probeFailures))
}

func TestMonitor_UnresolvedCountResets(t *testing.T) {
	ctx := context.Background()
	thirdAddr := interfaces.Address{0x03}

	results := []error{ErrUnknownPeer, nil, ErrUnknownPeer, ErrUnknownPeer}
	prober := funcProber(func(ctx context.Context, addr interfaces.Address) error {
		if addr != thirdAddr {
			return ErrUnknownPeer
		}
		err := results[0]
		results = results[1:]
		return err
	})

	gw := new(ledger.MockGateway)
	m := newTestMonitor(t, gw, prober)

	gw.On("CurrentLeader", mock.Anything).Return(otherAddr, nil).Times(2)
	gw.On("CurrentLeader", mock.Anything).Return(thirdAddr, nil)
	gw.On("CastVote", mock.Anything, interfaces.VoteIntent{TargetLeader: thirdAddr}).Return(testTx(), nil).Once()

	// Two misses for one leader, then a leader change restarts the count.
	assert.ErrorIs(t, m.Tick(ctx), ErrUnknownPeer)
	assert.ErrorIs(t, m.Tick(ctx), ErrUnknownPeer)
	assert.ErrorIs(t, m.Tick(ctx), ErrUnknownPeer)

	// A successful probe restarts it as well.
	require.NoError(t, m.Tick(ctx))
	assert.ErrorIs(t, m.Tick(ctx), ErrUnknownPeer)
	assert.ErrorIs(t, m.Tick(ctx), ErrUnknownPeer)

	gw.AssertNumberOfCalls(t, "CastVote", 1)
	assert.Empty(t, results)
}

func TestMonitor_HeartbeatTick(t *testing.T) {
	gw := new(ledger.MockGateway)
	m := newTestMonitor(t, gw, &countingProber{})
	now := time.Unix(1700000000, 0)

	assert.False(t, m.HeartbeatTick(now), "followers record no heartbeat")
	assert.True(t, m.GetLeaderState().LastHeartbeatTime.IsZero())

	gw.On("CurrentLeader", mock.Anything).Return(selfAddr, nil)
	require.NoError(t, m.Tick(context.Background()))

	assert.True(t, m.HeartbeatTick(now))
	assert.Equal(t, now, m.GetLeaderState().LastHeartbeatTime)

	// A later tick keeps the heartbeat.
	require.NoError(t, m.Tick(context.Background()))
	assert.Equal(t, now, m.GetLeaderState().LastHeartbeatTime)
	gw.AssertNotCalled(t, "CastVote", mock.Anything, mock.Anything)
}

func TestMonitor_NextDelay(t *testing.T) {
	m := newTestMonitor(t, new(ledger.MockGateway), &countingProber{})
	b := m.retryPolicy()

	assert.Equal(t, m.cfg.Interval, m.nextDelay(b, nil))

	for i := 0; i < 10; i++ {
		delay := m.nextDelay(b, errors.New("rpc down"))
		assert.Greater(t, delay, time.Duration(0))
		assert.LessOrEqual(t, delay, m.cfg.Interval)
	}

	assert.Equal(t, m.cfg.Interval, m.nextDelay(b, nil))
}

func TestMonitor_RunStopsOnCancel(t *testing.T) {
	gw := new(ledger.MockGateway)
	gw.On("Account").Return(selfAddr)
	gw.On("CurrentLeader", mock.Anything).Return(selfAddr, nil)

	cfg := Config{
		Interval:          10 * time.Millisecond,
		HeartbeatInterval: 10 * time.Millisecond,
		RetryInterval:     5 * time.Millisecond,
	}
	m, err := NewMonitor(gw, funcProber(func(context.Context, interfaces.Address) error { return nil }), cfg, nil, slog.Default())
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		m.Run(ctx)
		close(done)
	}()

	assert.Eventually(t, func() bool {
		s := m.GetLeaderState()
		return s.IsLocalLeader && !s.LastHeartbeatTime.IsZero()
	}, time.Second, 5*time.Millisecond)

	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("monitor did not stop after cancellation")
	}
}
