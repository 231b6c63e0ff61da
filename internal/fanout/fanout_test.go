package fanout

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func drain(o *Observer) []Message {
	var out []Message
	for {
		select {
		case m, ok := <-o.Messages():
			if !ok {
				return out
			}
			out = append(out, m)
		default:
			return out
		}
	}
}

func TestSendToTabScoping(t *testing.T) {
	h := NewHub(nil)

	tab7 := h.Register(7)
	tab9 := h.Register(9)
	global := h.Register(GlobalTab)

	h.SendToTab(7, Message{Type: TypeVideosStateUpdate, Data: "payload"})

	got7 := drain(tab7)
	require.Len(t, got7, 1)
	assert.Equal(t, TypeVideosStateUpdate, got7[0].Type)
	assert.Equal(t, int64(7), got7[0].TabID)

	assert.Empty(t, drain(tab9))
	assert.Len(t, drain(global), 1)
}

func TestBroadcastReachesAll(t *testing.T) {
	h := NewHub(nil)

	a := h.Register(1)
	b := h.Register(2)

	h.Broadcast(Message{Type: TypeHelperState, Data: map[string]bool{"connected": true}})

	assert.Len(t, drain(a), 1)
	assert.Len(t, drain(b), 1)
}

func TestUnregisterClosesChannel(t *testing.T) {
	h := NewHub(nil)

	o := h.Register(1)
	h.Unregister(o.PortID)

	_, ok := <-o.Messages()
	assert.False(t, ok)
	assert.Equal(t, 0, h.Count())
	assert.Nil(t, h.Lookup(o.PortID))
}

func TestSaturatedObserverIsEvicted(t *testing.T) {
	h := NewHub(nil)

	slow := h.Register(3)
	healthy := h.Register(3)

	// Fill the slow observer's buffer, then one more.
	for i := 0; i <= observerBuffer; i++ {
		h.SendToTab(3, Message{Type: TypeDownloadProgress})
		if i < observerBuffer {
			// Keep the healthy observer drained.
			<-healthy.Messages()
		}
	}

	assert.Equal(t, 1, h.Count())
	assert.Nil(t, h.Lookup(slow.PortID))
	assert.NotNil(t, h.Lookup(healthy.PortID))
}

func TestPortIDsAreUnique(t *testing.T) {
	h := NewHub(nil)
	seen := make(map[string]bool)
	for i := 0; i < 50; i++ {
		o := h.Register(int64(i))
		assert.False(t, seen[o.PortID])
		seen[o.PortID] = true
	}
}
