package progress

import (
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func recv(t *testing.T, sub *Subscription) Event {
	t.Helper()
	select {
	case ev, ok := <-sub.Events():
		require.True(t, ok, "channel closed before expected event")
		return ev
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for event")
		return Event{}
	}
}

func recvClosed(t *testing.T, sub *Subscription) {
	t.Helper()
	select {
	case _, ok := <-sub.Events():
		assert.False(t, ok, "expected channel to be closed")
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for channel close")
	}
}

func TestHub_BroadcastToMultipleSubscribers(t *testing.T) {
	hub := NewHub(time.Minute)

	a := hub.Subscribe("s1")
	b := hub.Subscribe("s1")
	defer a.Close()
	defer b.Close()

	hub.Publish("s1", Event{Status: StatusDownloading, Downloaded: 100})

	for _, sub := range []*Subscription{a, b} {
		ev := recv(t, sub)
		assert.Equal(t, StatusDownloading, ev.Status)
		assert.Equal(t, int64(100), ev.Downloaded)
	}
}

func TestHub_SessionsAreIndependent(t *testing.T) {
	hub := NewHub(time.Minute)

	other := hub.Subscribe("s2")
	defer other.Close()

	hub.Publish("s1", Event{Status: StatusDownloading})

	select {
	case ev := <-other.Events():
		t.Fatalf("subscriber of s2 received s1's event: %+v", ev)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestHub_LateSubscriberGetsSnapshot(t *testing.T) {
	hub := NewHub(time.Minute)

	hub.Publish("s1", Event{Status: StatusDownloading, Downloaded: 512})

	sub := hub.Subscribe("s1")
	defer sub.Close()

	ev := recv(t, sub)
	assert.Equal(t, StatusDownloading, ev.Status)
	assert.Equal(t, int64(512), ev.Downloaded)
}

func TestHub_TerminalClosesStream(t *testing.T) {
	hub := NewHub(time.Minute)

	sub := hub.Subscribe("s1")
	defer sub.Close()

	hub.Publish("s1", Event{Status: StatusDownloading})
	hub.Publish("s1", Event{Status: StatusComplete})

	assert.Equal(t, StatusDownloading, recv(t, sub).Status)

	final := recv(t, sub)
	assert.Equal(t, StatusComplete, final.Status)
	assert.True(t, final.Terminal())
	recvClosed(t, sub)
}

func TestHub_SubscribeAfterTerminalYieldsExactlyFinalEvent(t *testing.T) {
	hub := NewHub(time.Minute)

	hub.Publish("s1", Event{Status: StatusDownloading})
	hub.Publish("s1", Event{Status: StatusError, Message: "boom"})

	sub := hub.Subscribe("s1")
	defer sub.Close()

	ev := recv(t, sub)
	assert.Equal(t, StatusError, ev.Status)
	assert.Equal(t, "boom", ev.Message)
	recvClosed(t, sub)
}

func TestHub_EventsAfterTerminalAreIgnored(t *testing.T) {
	hub := NewHub(time.Minute)

	hub.Publish("s1", Event{Status: StatusComplete})
	hub.Publish("s1", Event{Status: StatusError, Message: "late"})

	sub := hub.Subscribe("s1")
	defer sub.Close()

	ev := recv(t, sub)
	assert.Equal(t, StatusComplete, ev.Status, "first terminal event wins")
	recvClosed(t, sub)
}

func TestHub_SlowSubscriberStillGetsTerminal(t *testing.T) {
	hub := NewHub(time.Minute)

	sub := hub.Subscribe("s1")
	defer sub.Close()

	// Flood well past the subscriber buffer without draining.
	for i := 0; i < subscriberBuffer*4; i++ {
		hub.Publish("s1", Event{Status: StatusDownloading, Downloaded: int64(i)})
	}
	hub.Publish("s1", Event{Status: StatusComplete})

	// Intermediate events may have been dropped, but the stream must end
	// with exactly one terminal event.
	var last Event
	for {
		ev, ok := <-sub.Events()
		if !ok {
			break
		}
		assert.False(t, last.Terminal(), "no event may follow a terminal one")
		last = ev
	}
	assert.Equal(t, StatusComplete, last.Status)
}

func TestHub_SessionRemovedAfterGrace(t *testing.T) {
	hub := NewHub(20 * time.Millisecond)

	hub.Publish("s1", Event{Status: StatusComplete})

	// Within the grace window the final snapshot is still observable.
	sub := hub.Subscribe("s1")
	assert.Equal(t, StatusComplete, recv(t, sub).Status)
	sub.Close()

	time.Sleep(100 * time.Millisecond)

	// After removal the session starts over: no snapshot for a new
	// subscriber until something publishes again.
	fresh := hub.Subscribe("s1")
	defer fresh.Close()
	select {
	case ev := <-fresh.Events():
		t.Fatalf("expected no snapshot after grace expiry, got %+v", ev)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestHub_CloseReapsSessionsThatNeverProduced(t *testing.T) {
	hub := NewHub(time.Minute)

	// Watching ids that never publish anything must not accumulate state.
	for i := 0; i < 1000; i++ {
		sub := hub.Subscribe(fmt.Sprintf("ghost-%d", i))
		sub.Close()
	}

	hub.mu.Lock()
	n := len(hub.sessions)
	hub.mu.Unlock()
	assert.Zero(t, n, "idle sessions must be dropped when their last watcher detaches")
}

func TestHub_CloseKeepsSessionWithOtherSubscribers(t *testing.T) {
	hub := NewHub(time.Minute)

	a := hub.Subscribe("s1")
	b := hub.Subscribe("s1")
	a.Close()

	hub.Publish("s1", Event{Status: StatusDownloading, Downloaded: 7})
	ev := recv(t, b)
	assert.Equal(t, int64(7), ev.Downloaded)
	b.Close()
}

func TestHub_CloseKeepsTerminalSnapshotForGraceWindow(t *testing.T) {
	hub := NewHub(time.Minute)

	sub := hub.Subscribe("s1")
	hub.Publish("s1", Event{Status: StatusComplete})
	assert.Equal(t, StatusComplete, recv(t, sub).Status)
	sub.Close()

	// The final snapshot outlives the watcher that saw it delivered.
	late := hub.Subscribe("s1")
	defer late.Close()
	assert.Equal(t, StatusComplete, recv(t, late).Status)
}

func TestHub_CloseDetachesSubscriber(t *testing.T) {
	hub := NewHub(time.Minute)

	sub := hub.Subscribe("s1")
	sub.Close()

	hub.Publish("s1", Event{Status: StatusDownloading})

	select {
	case ev, ok := <-sub.Events():
		if ok {
			t.Fatalf("detached subscriber received event: %+v", ev)
		}
	case <-time.After(50 * time.Millisecond):
	}
}
