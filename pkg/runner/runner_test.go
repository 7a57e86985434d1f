package runner

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type journal struct {
	mu      sync.Mutex
	entries []string
}

func (j *journal) add(entry string) {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.entries = append(j.entries, entry)
}

func (j *journal) list() []string {
	j.mu.Lock()
	defer j.mu.Unlock()
	return append([]string(nil), j.entries...)
}

type fakeService struct {
	name     string
	journal  *journal
	startErr error
	stopErr  error
	stopWait time.Duration
	health   error
}

func (s *fakeService) Name() string { return s.name }

func (s *fakeService) Start(context.Context) error {
	if s.startErr != nil {
		return s.startErr
	}
	s.journal.add("start " + s.name)
	return nil
}

func (s *fakeService) Stop(ctx context.Context) error {
	if s.stopWait > 0 {
		select {
		case <-time.After(s.stopWait):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	s.journal.add("stop " + s.name)
	return s.stopErr
}

func (s *fakeService) HealthCheck(context.Context) error { return s.health }

func quiet() Option {
	return WithLogger(slog.New(slog.NewTextHandler(io.Discard, nil)))
}

func TestRun_StartsInOrderAndStopsInReverse(t *testing.T) {
	j := &journal{}
	services := []Service{
		&fakeService{name: "nats", journal: j},
		&fakeService{name: "bus", journal: j},
		&fakeService{name: "projections", journal: j},
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- New(services, quiet(), WithoutSignals()).Run(ctx) }()

	require.Eventually(t, func() bool { return len(j.list()) == 3 }, time.Second, 5*time.Millisecond)
	cancel()

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("runner did not return")
	}

	assert.Equal(t, []string{
		"start nats", "start bus", "start projections",
		"stop projections", "stop bus", "stop nats",
	}, j.list())
}

func TestRun_StartFailureStopsStartedServices(t *testing.T) {
	j := &journal{}
	boom := errors.New("boom")
	services := []Service{
		&fakeService{name: "nats", journal: j},
		&fakeService{name: "bus", journal: j, startErr: boom},
		&fakeService{name: "projections", journal: j},
	}

	err := New(services, quiet(), WithoutSignals()).Run(context.Background())

	require.ErrorIs(t, err, boom)
	assert.Contains(t, err.Error(), "start service bus")
	assert.Equal(t, []string{"start nats", "stop nats"}, j.list())
}

func TestRun_StopErrorsAreJoined(t *testing.T) {
	j := &journal{}
	first, second := errors.New("first"), errors.New("second")
	services := []Service{
		&fakeService{name: "a", journal: j, stopErr: first},
		&fakeService{name: "b", journal: j, stopErr: second},
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := New(services, quiet(), WithoutSignals()).Run(ctx)
	require.ErrorIs(t, err, first)
	require.ErrorIs(t, err, second)
}

func TestRun_ShutdownTimeout(t *testing.T) {
	j := &journal{}
	services := []Service{
		&fakeService{name: "fast", journal: j},
		&fakeService{name: "slow", journal: j, stopWait: time.Second},
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := New(services, quiet(), WithoutSignals(), WithShutdownTimeout(20*time.Millisecond)).Run(ctx)
	require.ErrorIs(t, err, context.DeadlineExceeded)
	require.ErrorIs(t, err, ErrShutdownTimeout)
	assert.Equal(t, []string{"start fast", "start slow"}, j.list())
}

func TestHealthCheck(t *testing.T) {
	unhealthy := errors.New("disconnected")
	r := New([]Service{
		&fakeService{name: "ok"},
		&fakeService{name: "bus", health: unhealthy},
	}, quiet())

	err := r.HealthCheck(context.Background())
	require.ErrorIs(t, err, unhealthy)
	assert.Contains(t, err.Error(), "service bus unhealthy")
}
