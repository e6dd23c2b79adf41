package awareness

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/matthewcorven/synckit-sub003/internal/bus"
	"github.com/matthewcorven/synckit-sub003/internal/protocol"
)

type recordingSender struct {
	mu   sync.Mutex
	sent map[string][]*protocol.Message
}

func newRecordingSender() *recordingSender {
	return &recordingSender{sent: make(map[string][]*protocol.Message)}
}

func (r *recordingSender) Send(connID string, msg *protocol.Message) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sent[connID] = append(r.sent[connID], msg)
	return true
}

func (r *recordingSender) sentTo(connID string) []*protocol.Message {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]*protocol.Message, len(r.sent[connID]))
	copy(out, r.sent[connID])
	return out
}

func newTestHub(nodeID string, b bus.Bus) (*Hub, *recordingSender) {
	sender := newRecordingSender()
	h := NewHub(NewTracker(0, zerolog.Nop()), sender, b, bus.NewChannels(""), nodeID, zerolog.Nop())
	return h, sender
}

func TestSubscribeSendsSnapshot(t *testing.T) {
	h, sender := newTestHub("node-a", bus.NewMemoryBus())
	ctx := context.Background()

	h.Subscribe("c1", "alpha", "d1")
	h.Update(ctx, "c1", "alpha", "d1", json.RawMessage(`{"cursor":1}`), 1)

	h.Subscribe("c2", "beta", "d1")
	msgs := sender.sentTo("c2")
	require.Len(t, msgs, 1)
	assert.Equal(t, protocol.KindAwarenessState, msgs[0].Type)
	require.Len(t, msgs[0].Entries, 1)
	assert.Equal(t, "alpha", msgs[0].Entries[0].ClientID)
	assert.JSONEq(t, `{"cursor":1}`, string(msgs[0].Entries[0].State))
}

func TestUpdateFansOutExceptOriginator(t *testing.T) {
	h, sender := newTestHub("node-a", bus.NewMemoryBus())
	ctx := context.Background()

	h.Subscribe("c1", "alpha", "d1")
	h.Subscribe("c2", "beta", "d1")

	h.Update(ctx, "c1", "alpha", "d1", json.RawMessage(`{"cursor":5}`), 1)

	// c2 got snapshot + update; c1 only its snapshot.
	c2 := sender.sentTo("c2")
	require.Len(t, c2, 2)
	assert.Equal(t, protocol.KindAwarenessUpdate, c2[1].Type)
	assert.Equal(t, "alpha", c2[1].ClientID)
	assert.Equal(t, int64(1), c2[1].AwarenessClock())

	assert.Len(t, sender.sentTo("c1"), 1)
}

func TestStaleUpdateNotRebroadcast(t *testing.T) {
	h, sender := newTestHub("node-a", bus.NewMemoryBus())
	ctx := context.Background()

	h.Subscribe("c1", "alpha", "d1")
	h.Subscribe("c2", "beta", "d1")

	h.Update(ctx, "c1", "alpha", "d1", json.RawMessage(`{"v":2}`), 5)
	h.Update(ctx, "c1", "alpha", "d1", json.RawMessage(`{"v":1}`), 5)
	h.Update(ctx, "c1", "alpha", "d1", json.RawMessage(`{"v":0}`), 3)

	assert.Len(t, sender.sentTo("c2"), 2, "snapshot plus one accepted update")
}

func TestLeaveOnDisconnect(t *testing.T) {
	// A client posts awareness then disconnects; peers see a null
	// state with a strictly greater clock.
	h, sender := newTestHub("node-a", bus.NewMemoryBus())
	ctx := context.Background()

	h.Subscribe("c1", "alpha", "d1")
	h.Subscribe("c2", "beta", "d1")
	h.Update(ctx, "c1", "alpha", "d1", json.RawMessage(`{"cursor":9}`), 4)

	h.ConnectionClosed(ctx, "c1")

	c2 := sender.sentTo("c2")
	require.Len(t, c2, 3)
	leave := c2[2]
	assert.Equal(t, protocol.KindAwarenessUpdate, leave.Type)
	assert.Equal(t, "alpha", leave.ClientID)
	assert.True(t, leave.StateIsNull())
	assert.Greater(t, leave.AwarenessClock(), int64(4))

	assert.Empty(t, h.tracker.Entries("d1"))
}

func TestCrossNodeAwareness(t *testing.T) {
	sharedBus := bus.NewMemoryBus()
	ctx := context.Background()

	hubA, _ := newTestHub("node-a", sharedBus)
	hubB, senderB := newTestHub("node-b", sharedBus)

	hubA.Subscribe("a1", "alpha", "d1")
	hubB.Subscribe("b1", "beta", "d1")

	hubA.Update(ctx, "a1", "alpha", "d1", json.RawMessage(`{"cursor":2}`), 1)

	// Node B's subscriber received the remote update; node B's tracker
	// converged.
	b1 := senderB.sentTo("b1")
	require.Len(t, b1, 2)
	assert.Equal(t, "alpha", b1[1].ClientID)
	assert.JSONEq(t, `{"cursor":2}`, string(b1[1].State))
	assert.Equal(t, int64(1), hubB.ClientClock("d1", "alpha"))
}

func TestOwnAwarenessEnvelopeDropped(t *testing.T) {
	sharedBus := bus.NewMemoryBus()
	h, sender := newTestHub("node-a", sharedBus)
	ctx := context.Background()

	h.Subscribe("c1", "alpha", "d1")
	h.Subscribe("c2", "beta", "d1")
	h.Update(ctx, "c1", "alpha", "d1", json.RawMessage(`{"v":1}`), 1)

	// The memory bus loops the publish straight back; without origin
	// filtering c2 would see the update twice.
	assert.Len(t, sender.sentTo("c2"), 2)
}

func TestSweeperEmitsLeaves(t *testing.T) {
	sender := newRecordingSender()
	tracker := NewTracker(30*time.Millisecond, zerolog.Nop())
	h := NewHub(tracker, sender, bus.NewMemoryBus(), bus.NewChannels(""), "node-a", zerolog.Nop())
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	h.Subscribe("c1", "alpha", "d1")
	h.Subscribe("c2", "beta", "d1")
	h.Update(ctx, "c1", "alpha", "d1", json.RawMessage(`{"v":1}`), 3)

	go h.RunSweeper(ctx, 10*time.Millisecond)

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		msgs := sender.sentTo("c2")
		if len(msgs) >= 2 {
			last := msgs[len(msgs)-1]
			if last.StateIsNull() {
				assert.Equal(t, "alpha", last.ClientID)
				assert.Equal(t, int64(4), last.AwarenessClock())
				return
			}
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("sweeper never emitted a leave")
}
