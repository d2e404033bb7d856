package sessionmanager

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/meawoppl/claude-code-portal-sub000/internal/model"
)

func TestSendToProxyQueuesWhenNoLinkRegistered(t *testing.T) {
	m := New(10, time.Minute)
	ok := m.SendToProxy("sess-1", []byte("hello"))
	assert.True(t, ok)

	sender := NewSender(10)
	m.RegisterProxy("sess-1", sender)

	select {
	case got := <-sender.Out():
		assert.Equal(t, []byte("hello"), got)
	default:
		t.Fatal("expected drained pending message on register")
	}
}

func TestSendToProxyDeliversDirectlyWhenLinkLive(t *testing.T) {
	m := New(10, time.Minute)
	sender := NewSender(10)
	m.RegisterProxy("sess-1", sender)

	ok := m.SendToProxy("sess-1", []byte("direct"))
	require.True(t, ok)

	select {
	case got := <-sender.Out():
		assert.Equal(t, []byte("direct"), got)
	default:
		t.Fatal("expected direct delivery")
	}
}

func TestSendToProxyFallsBackToPendingWhenSenderClosed(t *testing.T) {
	m := New(10, time.Minute)
	sender := NewSender(10)
	m.RegisterProxy("sess-1", sender)
	sender.Close()

	ok := m.SendToProxy("sess-1", []byte("queued"))
	require.True(t, ok)

	fresh := NewSender(10)
	m.RegisterProxy("sess-1", fresh)

	select {
	case got := <-fresh.Out():
		assert.Equal(t, []byte("queued"), got)
	default:
		t.Fatal("expected the message queued against the dead sender to drain into the new one")
	}
}

func TestPendingForSessionEvictsOldestOnOverflow(t *testing.T) {
	m := New(2, time.Minute)
	m.SendToProxy("sess-1", []byte("a"))
	m.SendToProxy("sess-1", []byte("b"))
	m.SendToProxy("sess-1", []byte("c"))

	sender := NewSender(10)
	m.RegisterProxy("sess-1", sender)

	var got [][]byte
	for i := 0; i < 2; i++ {
		got = append(got, <-sender.Out())
	}
	assert.Equal(t, [][]byte{[]byte("b"), []byte("c")}, got)
}

func TestSetLimitsAppliesToSubsequentQueueing(t *testing.T) {
	m := New(10, time.Minute)
	m.SetLimits(2, time.Minute)

	m.SendToProxy("sess-1", []byte("a"))
	m.SendToProxy("sess-1", []byte("b"))
	m.SendToProxy("sess-1", []byte("c"))

	sender := NewSender(10)
	m.RegisterProxy("sess-1", sender)

	var got [][]byte
	for i := 0; i < 2; i++ {
		got = append(got, <-sender.Out())
	}
	assert.Equal(t, [][]byte{[]byte("b"), []byte("c")}, got)
}

func TestRegisterProxyDropsExpiredPendingMessages(t *testing.T) {
	m := New(10, 10*time.Millisecond)
	m.SendToProxy("sess-1", []byte("stale"))
	time.Sleep(20 * time.Millisecond)
	m.SendToProxy("sess-1", []byte("fresh"))

	sender := NewSender(10)
	m.RegisterProxy("sess-1", sender)

	select {
	case got := <-sender.Out():
		assert.Equal(t, []byte("fresh"), got)
	default:
		t.Fatal("expected the fresh message to drain")
	}
	select {
	case got := <-sender.Out():
		t.Fatalf("expected no further messages, got %s", got)
	default:
	}
}

func TestBroadcastToSessionPrunesClosedSubscribers(t *testing.T) {
	m := New(10, time.Minute)
	live := NewSender(10)
	dead := NewSender(10)
	m.SubscribeSession("sess-1", live)
	m.SubscribeSession("sess-1", dead)
	dead.Close()

	m.BroadcastToSession("sess-1", []byte("hi"))

	select {
	case got := <-live.Out():
		assert.Equal(t, []byte("hi"), got)
	default:
		t.Fatal("expected live subscriber to receive broadcast")
	}

	m.mu.RLock()
	subs := m.sessionSubscribers["sess-1"]
	m.mu.RUnlock()
	assert.Len(t, subs, 1)
	assert.Same(t, live, subs[0])
}

func TestUnsubscribeSessionRemovesSender(t *testing.T) {
	m := New(10, time.Minute)
	sender := NewSender(10)
	unsub := m.SubscribeSession("sess-1", sender)
	unsub()

	m.mu.RLock()
	_, exists := m.sessionSubscribers["sess-1"]
	m.mu.RUnlock()
	assert.False(t, exists)
}

func TestBroadcastToUserAndAll(t *testing.T) {
	m := New(10, time.Minute)
	userSub := NewSender(10)
	sessionSub := NewSender(10)
	m.SubscribeUser("user-1", userSub)
	m.SubscribeSession("sess-1", sessionSub)

	m.BroadcastToUser("user-1", []byte("user-msg"))
	assert.Equal(t, []byte("user-msg"), <-userSub.Out())

	m.BroadcastToAll([]byte("system-wide"))
	assert.Equal(t, []byte("system-wide"), <-sessionSub.Out())
}

func TestRecordAckIsMonotonic(t *testing.T) {
	m := New(10, time.Minute)
	m.RecordAck("sess-1", 5)
	m.RecordAck("sess-1", 3)
	assert.Equal(t, int64(5), m.AckSeq("sess-1"))
	m.RecordAck("sess-1", 9)
	assert.Equal(t, int64(9), m.AckSeq("sess-1"))
}

func TestQueueAndDrainPendingTruncations(t *testing.T) {
	m := New(10, time.Minute)
	m.QueueTruncation("sess-1")
	m.QueueTruncation("sess-2")
	m.QueueTruncation("sess-1")

	drained := m.DrainPendingTruncations()
	assert.ElementsMatch(t, []string{"sess-1", "sess-2"}, drained)
	assert.Empty(t, m.DrainPendingTruncations())
}

func TestLauncherRegistryRoundTrip(t *testing.T) {
	m := New(10, time.Minute)
	sender := NewSender(10)
	conn := model.LauncherConnection{LauncherID: "lnch-1", OwnerUserID: "user-1", Hostname: "dev-box"}
	m.RegisterLauncher("lnch-1", conn, sender)

	entry, ok := m.Launcher("lnch-1")
	require.True(t, ok)
	assert.Equal(t, "user-1", entry.Conn.OwnerUserID)

	m.UpdateLauncherRunningSessions("lnch-1", []string{"sess-1", "sess-2"})
	entry, _ = m.Launcher("lnch-1")
	assert.Equal(t, []string{"sess-1", "sess-2"}, entry.Conn.RunningSessions)

	byUser := m.LaunchersForUser("user-1")
	require.Len(t, byUser, 1)
	assert.Equal(t, "lnch-1", byUser[0].Conn.LauncherID)

	m.UnregisterLauncher("lnch-1")
	_, ok = m.Launcher("lnch-1")
	assert.False(t, ok)
}

func TestSenderSendReportsClosed(t *testing.T) {
	s := NewSender(1)
	assert.False(t, s.Send([]byte("a")))
	s.Close()
	assert.True(t, s.Send([]byte("b")))
}

func TestSenderSendDropsOnFullWithoutReportingClosed(t *testing.T) {
	s := NewSender(1)
	require.False(t, s.Send([]byte("a")))
	// buffer now full; second send should be dropped silently, not closed
	assert.False(t, s.Send([]byte("b")))
	assert.Equal(t, []byte("a"), <-s.Out())
}

func TestPendingPermissionRoundTrip(t *testing.T) {
	m := New(10, time.Minute)
	_, ok := m.PendingPermission("sess-1")
	assert.False(t, ok)

	m.SetPendingPermission("sess-1", []byte(`{"type":"PermissionRequest","request_id":"r1"}`))
	frame, ok := m.PendingPermission("sess-1")
	require.True(t, ok)
	assert.JSONEq(t, `{"type":"PermissionRequest","request_id":"r1"}`, string(frame))

	m.ClearPendingPermission("sess-1")
	_, ok = m.PendingPermission("sess-1")
	assert.False(t, ok)
}

func TestSetPendingPermissionOverwritesPriorRequest(t *testing.T) {
	m := New(10, time.Minute)
	m.SetPendingPermission("sess-1", []byte(`{"request_id":"r1"}`))
	m.SetPendingPermission("sess-1", []byte(`{"request_id":"r2"}`))

	frame, ok := m.PendingPermission("sess-1")
	require.True(t, ok)
	assert.JSONEq(t, `{"request_id":"r2"}`, string(frame))
}
