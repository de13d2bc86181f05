package oracle

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"troublepainter/internal/gameerr"

	"github.com/cenkalti/backoff/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type mockProvider struct {
	mock.Mock
}

func (m *mockProvider) Generate(ctx context.Context, req Request) (string, error) {
	args := m.Called(ctx, req)
	return args.String(0), args.Error(1)
}

const validOutput = `{"hint":"a round shape","topGuesses":["ball","sun"],"suspicionScores":{"Alice":0.1,"Bob":0.8}}`

func fastBackOff() backoff.BackOff {
	return backoff.NewConstantBackOff(time.Millisecond)
}

type fakeClock struct {
	t time.Time
}

func (c *fakeClock) now() time.Time { return c.t }

func TestAnalyzeSuccess(t *testing.T) {
	p := &mockProvider{}
	p.On("Generate", mock.Anything, mock.Anything).Return("```json\n"+validOutput+"\n```", nil).Once()

	gw := NewGateway(p, zap.NewNop(), WithBackOff(fastBackOff))
	res, err := gw.Analyze(context.Background(), Request{ThrottleKey: "g1", Keyword: "ball", Players: []string{"Alice", "Bob"}})
	require.NoError(t, err)
	assert.Equal(t, "a round shape", res.Hint)
	assert.Equal(t, []string{"ball", "sun"}, res.Guesses)
	assert.Equal(t, 0.8, res.Suspicion["Bob"])
	p.AssertExpectations(t)
}

func TestAnalyzeThrottleReportsRemainingWait(t *testing.T) {
	p := &mockProvider{}
	p.On("Generate", mock.Anything, mock.Anything).Return(validOutput, nil)

	clock := &fakeClock{t: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)}
	gw := NewGateway(p, zap.NewNop(), WithClock(clock.now), WithBackOff(fastBackOff))

	_, err := gw.Analyze(context.Background(), Request{ThrottleKey: "g1"})
	require.NoError(t, err)

	clock.t = clock.t.Add(2 * time.Second)
	_, err = gw.Analyze(context.Background(), Request{ThrottleKey: "g1"})
	require.ErrorIs(t, err, ErrRateLimited)
	assert.Equal(t, gameerr.RateLimited, gameerr.KindOf(err))

	var rl *RateLimitedError
	require.True(t, errors.As(err, &rl))
	assert.InDelta(t, 3000, rl.Wait.Milliseconds(), 10)

	// 別のキーは独立している
	_, err = gw.Analyze(context.Background(), Request{ThrottleKey: "g2"})
	require.NoError(t, err)

	// 拒否された呼び出しは枠を消費しない
	clock.t = clock.t.Add(4 * time.Second)
	_, err = gw.Analyze(context.Background(), Request{ThrottleKey: "g1"})
	require.NoError(t, err)

	p.AssertNumberOfCalls(t, "Generate", 3)
}

func TestAnalyzeRetriesOnlyTransient(t *testing.T) {
	tests := []struct {
		name      string
		err       error
		wantCalls int
		wantKind  gameerr.Kind
	}{
		{"transient exhausts attempts", fmt.Errorf("%w: status 503", ErrTransient), 3, gameerr.TransientOracle},
		{"quota is not retried", fmt.Errorf("%w: status 402", ErrQuotaExceeded), 1, gameerr.QuotaOracle},
		{"upstream rate limit is not retried", &RateLimitedError{Wait: time.Second}, 1, gameerr.RateLimited},
		{"malformed is not retried", fmt.Errorf("%w: empty", ErrMalformedOutput), 1, gameerr.MalformedOracle},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := &mockProvider{}
			p.On("Generate", mock.Anything, mock.Anything).Return("", tt.err)

			gw := NewGateway(p, zap.NewNop(), WithBackOff(fastBackOff), WithMinInterval(0))
			_, err := gw.Analyze(context.Background(), Request{ThrottleKey: "g"})
			require.Error(t, err)
			assert.Equal(t, tt.wantKind, gameerr.KindOf(err))
			p.AssertNumberOfCalls(t, "Generate", tt.wantCalls)
		})
	}
}

func TestAnalyzeRecoversAfterTransientFailure(t *testing.T) {
	p := &mockProvider{}
	p.On("Generate", mock.Anything, mock.Anything).Return("", ErrTransient).Once()
	p.On("Generate", mock.Anything, mock.Anything).Return(validOutput, nil).Once()

	gw := NewGateway(p, zap.NewNop(), WithBackOff(fastBackOff))
	res, err := gw.Analyze(context.Background(), Request{ThrottleKey: "g"})
	require.NoError(t, err)
	assert.Len(t, res.Guesses, 2)
	p.AssertExpectations(t)
}

func TestAnalyzeMalformedOutput(t *testing.T) {
	p := &mockProvider{}
	p.On("Generate", mock.Anything, mock.Anything).Return("I think it's a cat!", nil)

	gw := NewGateway(p, zap.NewNop(), WithBackOff(fastBackOff))
	_, err := gw.Analyze(context.Background(), Request{ThrottleKey: "g"})
	require.ErrorIs(t, err, ErrMalformedOutput)
	assert.Equal(t, gameerr.MalformedOracle, gameerr.KindOf(err))
	p.AssertNumberOfCalls(t, "Generate", 1)
}

func TestAnalyzeHonoursContextCancellation(t *testing.T) {
	p := &mockProvider{}
	p.On("Generate", mock.Anything, mock.Anything).Return("", ErrTransient)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	gw := NewGateway(p, zap.NewNop(), WithBackOff(func() backoff.BackOff { return backoff.NewConstantBackOff(time.Hour) }))
	_, err := gw.Analyze(ctx, Request{ThrottleKey: "g"})
	require.Error(t, err)
}

func TestForgetResetsThrottle(t *testing.T) {
	p := &mockProvider{}
	p.On("Generate", mock.Anything, mock.Anything).Return(validOutput, nil)

	gw := NewGateway(p, zap.NewNop())
	_, err := gw.Analyze(context.Background(), Request{ThrottleKey: "g"})
	require.NoError(t, err)
	_, err = gw.Analyze(context.Background(), Request{ThrottleKey: "g"})
	require.ErrorIs(t, err, ErrRateLimited)

	gw.Forget("g")
	_, err = gw.Analyze(context.Background(), Request{ThrottleKey: "g"})
	require.NoError(t, err)
}

func TestAnalyzeDeadlineDuringBackOffIsTransient(t *testing.T) {
	p := &mockProvider{}
	p.On("Generate", mock.Anything, mock.Anything).Return("", fmt.Errorf("%w: status 503", ErrTransient))
	gw := NewGateway(p, zap.NewNop(), WithBackOff(func() backoff.BackOff {
		return backoff.NewConstantBackOff(time.Hour)
	}))

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err := gw.Analyze(ctx, Request{ThrottleKey: "g1"})
	require.ErrorIs(t, err, ErrTransient)
	assert.Equal(t, gameerr.TransientOracle, gameerr.KindOf(err))
}
