package events

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/zatekoja/wardwatch/internal/domain/entities"
	"github.com/zatekoja/wardwatch/internal/domain/providers"
)

func TestDecodeEvent(t *testing.T) {
	event, err := decodeEvent(`{"id":"e1","type":"patient.archived","run_id":7,"identity":"encounter:E1"}`)
	require.NoError(t, err)
	assert.Equal(t, entities.SyncEventPatientArchived, event.Type)
	assert.Equal(t, int64(7), event.RunID)

	_, err = decodeEvent(`{"id":"e1"}`)
	assert.Error(t, err)

	_, err = decodeEvent(`not json`)
	assert.Error(t, err)
}

func TestBroadcast_SkipsFullSubscribers(t *testing.T) {
	bus := newRedisEventBus(nil)
	defer bus.cancel()

	bus.mu.Lock()
	fast := bus.addSubscriberLocked(providers.EventChannelSync)
	full := bus.addSubscriberLocked(providers.EventChannelSync)
	bus.mu.Unlock()

	for i := 0; i < subscriberBuffer; i++ {
		full <- &entities.SyncEvent{ID: "filler"}
	}

	event := entities.NewSyncEvent(entities.SyncEventCycleCompleted, 1, "", nil)
	assert.Equal(t, 1, bus.broadcast(providers.EventChannelSync, event))
	assert.Equal(t, event, <-fast)
}

func TestRemoveSubscriber_ClosesChannel(t *testing.T) {
	bus := newRedisEventBus(nil)
	defer bus.cancel()

	bus.mu.Lock()
	ch := bus.addSubscriberLocked(providers.EventChannelSync)
	bus.mu.Unlock()

	bus.removeSubscriber(providers.EventChannelSync, ch)
	_, open := <-ch
	assert.False(t, open)

	bus.removeSubscriber(providers.EventChannelSync, ch)
	assert.NoError(t, bus.Close())
}
