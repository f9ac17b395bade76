package notify

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeSender struct {
	mu    sync.Mutex
	calls []string
	fail  map[string]bool
}

func (f *fakeSender) SendNotificationToSpecificClient(sessionID string, method string, _ map[string]any) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, sessionID+":"+method)
	if f.fail[sessionID] {
		return errors.New("session gone")
	}
	return nil
}

func (f *fakeSender) snapshot() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.calls...)
}

func TestNotifySession_CoalescesRepeatsWithinBatchWindow(t *testing.T) {
	sender := &fakeSender{}
	r := New(sender, 20*time.Millisecond)

	r.NotifySession("s1", MethodToolsListChanged)
	r.NotifySession("s1", MethodToolsListChanged)
	r.NotifySession("s1", MethodToolsListChanged)

	time.Sleep(60 * time.Millisecond)
	assert.Equal(t, []string{"s1:" + MethodToolsListChanged}, sender.snapshot())
}

func TestNotifySession_PreservesFirstSeenOrderAcrossDistinctMethods(t *testing.T) {
	sender := &fakeSender{}
	r := New(sender, 20*time.Millisecond)

	r.NotifySession("s1", MethodResourcesListChanged)
	r.NotifySession("s1", MethodToolsListChanged)
	r.NotifySession("s1", MethodResourcesListChanged)
	r.NotifySession("s1", MethodPromptsListChanged)

	time.Sleep(60 * time.Millisecond)
	assert.Equal(t, []string{
		"s1:" + MethodResourcesListChanged,
		"s1:" + MethodToolsListChanged,
		"s1:" + MethodPromptsListChanged,
	}, sender.snapshot())
}

func TestNotifySessions_FansOutToEverySession(t *testing.T) {
	sender := &fakeSender{}
	r := New(sender, 10*time.Millisecond)

	r.NotifySessions([]string{"a", "b", "c"}, MethodToolsListChanged)
	time.Sleep(40 * time.Millisecond)

	calls := sender.snapshot()
	require.Len(t, calls, 3)
	assert.ElementsMatch(t, []string{
		"a:" + MethodToolsListChanged,
		"b:" + MethodToolsListChanged,
		"c:" + MethodToolsListChanged,
	}, calls)
}

func TestFlush_SendFailureIsToleratedNotPropagated(t *testing.T) {
	sender := &fakeSender{fail: map[string]bool{"gone": true}}
	r := New(sender, 10*time.Millisecond)

	r.NotifySession("gone", MethodToolsListChanged)
	time.Sleep(40 * time.Millisecond)

	assert.Equal(t, []string{"gone:" + MethodToolsListChanged}, sender.snapshot())
}

func TestStop_CancelsPendingTimers(t *testing.T) {
	sender := &fakeSender{}
	r := New(sender, 30*time.Millisecond)

	r.NotifySession("s1", MethodToolsListChanged)
	r.Stop()
	time.Sleep(60 * time.Millisecond)

	assert.Empty(t, sender.snapshot())
}

func TestBroadcastToOutbound_TogglesPerServerErrorsWithoutAborting(t *testing.T) {
	r := New(&fakeSender{}, time.Second)

	var called []string
	var mu sync.Mutex
	dispatch := func(_ context.Context, serverName string) error {
		mu.Lock()
		called = append(called, serverName)
		mu.Unlock()
		if serverName == "broken" {
			return errors.New("unreachable")
		}
		return nil
	}

	errs := r.BroadcastToOutbound(context.Background(), []string{"ok-a", "broken", "ok-b"}, dispatch)

	assert.ElementsMatch(t, []string{"ok-a", "broken", "ok-b"}, called)
	require.Len(t, errs, 1)
	assert.Error(t, errs["broken"])
}
