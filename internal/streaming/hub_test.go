package streaming

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/agor/agor/internal/common/logger"
)

func startHub(t *testing.T) *Hub {
	t.Helper()
	hub := NewHub(logger.NewNop())
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go hub.Run(ctx)
	return hub
}

func TestUnauthenticatedClientReceivesNothing(t *testing.T) {
	hub := startHub(t)
	client := NewClient("c1", hub, logger.NewNop())
	hub.Register(client)
	hub.Subscribe(client, "session-1")

	hub.Publish("session-1", &Message{Family: FamilyStreamChunk, SessionID: "session-1"})

	select {
	case <-client.Send():
		t.Fatal("unauthenticated client must not receive broadcast")
	case <-time.After(100 * time.Millisecond):
	}
}

func TestAuthenticatedSubscriberReceivesBroadcast(t *testing.T) {
	hub := startHub(t)
	client := NewClient("c1", hub, logger.NewNop())
	hub.Register(client)
	client.Authenticate("alice")
	hub.Subscribe(client, "session-1")

	hub.Publish("session-1", &Message{Family: FamilyStreamChunk, SessionID: "session-1", Payload: json.RawMessage(`{"text":"hi"}`)})

	select {
	case data := <-client.Send():
		var msg Message
		require.NoError(t, json.Unmarshal(data, &msg))
		require.Equal(t, FamilyStreamChunk, msg.Family)
	case <-time.After(time.Second):
		t.Fatal("expected broadcast delivery")
	}
}

func TestBroadcastOnlyReachesSubscribersOfThatChannel(t *testing.T) {
	hub := startHub(t)
	client := NewClient("c1", hub, logger.NewNop())
	hub.Register(client)
	client.Authenticate("alice")
	hub.Subscribe(client, "session-1")

	hub.Publish("session-2", &Message{Family: FamilyStreamChunk, SessionID: "session-2"})

	select {
	case <-client.Send():
		t.Fatal("must not receive messages for an unsubscribed channel")
	case <-time.After(100 * time.Millisecond):
	}
}

func TestUnsubscribeStopsDelivery(t *testing.T) {
	hub := startHub(t)
	client := NewClient("c1", hub, logger.NewNop())
	hub.Register(client)
	client.Authenticate("alice")
	hub.Subscribe(client, "session-1")
	hub.Unsubscribe(client, "session-1")

	require.Eventually(t, func() bool { return hub.SubscriberCount("session-1") == 0 }, time.Second, 10*time.Millisecond)

	hub.Publish("session-1", &Message{Family: FamilyStreamChunk, SessionID: "session-1"})
	select {
	case <-client.Send():
		t.Fatal("unsubscribed client must not receive broadcast")
	case <-time.After(100 * time.Millisecond):
	}
}

func TestSlowSubscriberIsDroppedWithoutDeadlockingTheHub(t *testing.T) {
	hub := startHub(t)

	slow := NewClient("slow", hub, logger.NewNop())
	hub.Register(slow)
	slow.Authenticate("alice")
	hub.Subscribe(slow, "session-1")

	// Fill slow's 256-entry send buffer without draining it, then publish
	// one more — deliver must drop slow inline rather than deadlock trying
	// to route it through the unregister channel it itself would need to
	// drain (the bug this test guards against).
	for i := 0; i < 300; i++ {
		hub.Publish("session-1", &Message{Family: FamilyStreamChunk, SessionID: "session-1"})
	}

	// A second, healthy subscriber on a different channel proves the hub's
	// Run loop is still alive and servicing broadcasts.
	healthy := NewClient("healthy", hub, logger.NewNop())
	hub.Register(healthy)
	healthy.Authenticate("bob")
	hub.Subscribe(healthy, "session-2")
	hub.Publish("session-2", &Message{Family: FamilyStreamChunk, SessionID: "session-2"})

	select {
	case <-healthy.Send():
	case <-time.After(time.Second):
		t.Fatal("hub appears deadlocked after dropping a slow subscriber")
	}

	require.Eventually(t, func() bool { return hub.SubscriberCount("session-1") == 0 }, time.Second, 10*time.Millisecond)
}

func TestTerminalChannelIsScopedToOneUser(t *testing.T) {
	require.Equal(t, "user/42/terminal", TerminalChannel("42"))
	require.True(t, isOwnTerminalChannel("user/42/terminal", "42"))
	require.False(t, isOwnTerminalChannel("user/42/terminal", "43"))
}
