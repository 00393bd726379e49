package captcha

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/maltedev/product-harvester/internal/browser/browsertest"
	"github.com/maltedev/product-harvester/internal/ratelimit"
)

const challenge = ".J_MIDDLEWARE_FRAME_WIDGET"

type recordingNotifier struct {
	mu      sync.Mutex
	notices []Notice
	err     error
}

func (r *recordingNotifier) OnCaptchaDetected(_ context.Context, n Notice) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.notices = append(r.notices, n)
	return r.err
}

func (r *recordingNotifier) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.notices)
}

func newTestGate(n Notifier) (*Gate, *int) {
	g := NewGate(n, ratelimit.Range{Min: time.Second, Max: 2 * time.Second}, nil)
	stabilized := 0
	g.sleep = func(ctx context.Context, r ratelimit.Range) error {
		stabilized++
		return ctx.Err()
	}
	return g, &stabilized
}

func TestCheckWithoutChallenge(t *testing.T) {
	notifier := &recordingNotifier{}
	g, stabilized := newTestGate(notifier)

	page := browsertest.NewFakePage()
	found, err := g.Check(context.Background(), page, "initial_load", []string{challenge, "#baxia-dialog-content"})

	require.NoError(t, err)
	assert.False(t, found)
	assert.Equal(t, StateRunning, g.State())
	assert.Zero(t, notifier.count())
	assert.Zero(t, *stabilized)
}

func TestCheckSuspendsUntilResume(t *testing.T) {
	notifier := &recordingNotifier{}
	g, stabilized := newTestGate(notifier)

	page := browsertest.NewFakePage()
	page.CurrentURL = "https://www.aliexpress.us/item/1005001.html"
	page.SetVisible(challenge, true)

	done := make(chan error, 1)
	go func() {
		_, err := g.Check(context.Background(), page, "post_scroll", []string{challenge})
		done <- err
	}()

	require.Eventually(t, func() bool { return g.State() == StateSuspended }, time.Second, 5*time.Millisecond)

	notice := g.Notice()
	require.NotNil(t, notice)
	assert.Equal(t, "post_scroll", notice.Stage)
	assert.Equal(t, challenge, notice.Signature)
	assert.Equal(t, page.CurrentURL, notice.URL)

	select {
	case <-done:
		t.Fatal("check returned while suspended")
	case <-time.After(50 * time.Millisecond):
	}

	page.SetVisible(challenge, false)
	require.True(t, g.Resume())

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("check did not return after resume")
	}

	assert.Equal(t, StateRunning, g.State())
	assert.Nil(t, g.Notice())
	assert.Equal(t, 1, *stabilized)
	assert.Equal(t, 1, notifier.count())
	assert.Equal(t, 1, g.Suspensions())
}

func TestCheckSuspendsAgainWhenChallengePersists(t *testing.T) {
	notifier := &recordingNotifier{}
	g, _ := newTestGate(notifier)

	page := browsertest.NewFakePage()
	page.SetVisible(challenge, true)

	done := make(chan error, 1)
	go func() {
		_, err := g.Check(context.Background(), page, "initial_load", []string{challenge})
		done <- err
	}()

	require.Eventually(t, func() bool { return g.State() == StateSuspended }, time.Second, 5*time.Millisecond)
	require.True(t, g.Resume())

	require.Eventually(t, func() bool { return g.Suspensions() == 2 && g.State() == StateSuspended }, time.Second, 5*time.Millisecond)

	page.SetVisible(challenge, false)
	require.True(t, g.Resume())

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("check did not return")
	}
	assert.Equal(t, 2, notifier.count())
}

func TestResumeWhenRunning(t *testing.T) {
	g, _ := newTestGate(nil)
	assert.False(t, g.Resume())
	assert.Equal(t, StateRunning, g.State())
}

func TestCloseReleasesSuspendedCheck(t *testing.T) {
	g, _ := newTestGate(nil)

	page := browsertest.NewFakePage()
	page.SetVisible(challenge, true)

	done := make(chan error, 1)
	go func() {
		_, err := g.Check(context.Background(), page, "initial_load", []string{challenge})
		done <- err
	}()

	require.Eventually(t, func() bool { return g.State() == StateSuspended }, time.Second, 5*time.Millisecond)
	g.Close()
	g.Close()

	select {
	case err := <-done:
		assert.ErrorIs(t, err, ErrGateClosed)
	case <-time.After(time.Second):
		t.Fatal("close did not release the gate")
	}
}

func TestNotifierFailureDoesNotBlockGate(t *testing.T) {
	notifier := &recordingNotifier{err: errors.New("channel down")}
	g, _ := newTestGate(notifier)

	page := browsertest.NewFakePage()
	page.SetVisible(challenge, true)

	done := make(chan error, 1)
	go func() {
		_, err := g.Check(context.Background(), page, "initial_load", []string{challenge})
		done <- err
	}()

	require.Eventually(t, func() bool { return g.State() == StateSuspended }, time.Second, 5*time.Millisecond)
	page.SetVisible(challenge, false)
	g.Resume()

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("check did not return")
	}
}

type MockPublisher struct {
	mock.Mock
}

func (m *MockPublisher) Publish(ctx context.Context, channel string, message interface{}) *redis.IntCmd {
	args := m.Called(ctx, channel, message)
	cmd := redis.NewIntCmd(ctx)
	if err := args.Error(0); err != nil {
		cmd.SetErr(err)
	} else {
		cmd.SetVal(1)
	}
	return cmd
}

func TestRedisNotifier(t *testing.T) {
	ctx := context.Background()
	pub := new(MockPublisher)
	pub.On("Publish", ctx, "harvester:captcha", mock.AnythingOfType("[]uint8")).Return(nil).Once()

	n := NewRedisNotifier(pub, "")
	err := n.OnCaptchaDetected(ctx, Notice{Stage: "initial_load", URL: "https://example.com"})

	require.NoError(t, err)
	pub.AssertExpectations(t)
}

func TestNotifiersJoinErrors(t *testing.T) {
	ctx := context.Background()
	pub := new(MockPublisher)
	pub.On("Publish", ctx, "ops", mock.Anything).Return(errors.New("redis down"))

	rec := &recordingNotifier{}
	n := Notifiers{NewRedisNotifier(pub, "ops"), rec, LogNotifier{}}

	err := n.OnCaptchaDetected(ctx, Notice{Stage: "search"})
	assert.ErrorContains(t, err, "redis down")
	assert.Equal(t, 1, rec.count(), "later notifiers still run")
}
