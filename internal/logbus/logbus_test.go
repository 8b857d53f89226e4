package logbus

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/orchestrator/controlplane/internal/domain"
)

func TestBus_PublishLogDeliversToSubscriber(t *testing.T) {
	bus := New(nil)
	sub := bus.Subscribe("run-1")
	defer sub.Unsubscribe()

	bus.PublishLog("run-1", domain.LogEntry{RunID: "run-1", Seq: 1, Text: "hello"})

	ev := <-sub.Events
	require.Equal(t, EventLog, ev.Kind)
	require.NotNil(t, ev.Log)
	require.Equal(t, "hello", ev.Log.Text)
}

func TestBus_OnlyMatchingRunSubscribersReceiveEvents(t *testing.T) {
	bus := New(nil)
	subA := bus.Subscribe("run-a")
	defer subA.Unsubscribe()
	subB := bus.Subscribe("run-b")
	defer subB.Unsubscribe()

	bus.PublishLog("run-a", domain.LogEntry{RunID: "run-a", Seq: 1, Text: "for a"})

	select {
	case ev := <-subA.Events:
		require.Equal(t, "for a", ev.Log.Text)
	case <-time.After(time.Second):
		t.Fatal("expected event on subA")
	}

	select {
	case ev := <-subB.Events:
		t.Fatalf("subB should not have received an event, got %+v", ev)
	case <-time.After(20 * time.Millisecond):
	}
}

func TestBus_UnsubscribeStopsDelivery(t *testing.T) {
	bus := New(nil)
	sub := bus.Subscribe("run-1")
	sub.Unsubscribe()

	bus.PublishLog("run-1", domain.LogEntry{RunID: "run-1", Seq: 1, Text: "after unsubscribe"})

	_, ok := <-sub.Events
	require.False(t, ok)
}

func TestBus_NonCriticalEventDroppedWhenBacklogFull(t *testing.T) {
	bus := New(nil)
	bus.backlog = 1
	sub := bus.Subscribe("run-1")
	defer sub.Unsubscribe()

	bus.PublishLog("run-1", domain.LogEntry{RunID: "run-1", Seq: 1, Text: "first"})
	bus.PublishLog("run-1", domain.LogEntry{RunID: "run-1", Seq: 2, Text: "second, should be dropped"})

	ev := <-sub.Events
	require.Equal(t, "first", ev.Log.Text)

	metrics := bus.Metrics()
	require.Equal(t, uint64(1), metrics.Dropped)
}

func TestBus_CriticalEventEvictsOldestToMakeRoom(t *testing.T) {
	bus := New(nil)
	bus.backlog = 1
	sub := bus.Subscribe("run-1")
	defer sub.Unsubscribe()

	bus.PublishLog("run-1", domain.LogEntry{RunID: "run-1", Seq: 1, Text: "filler"})
	bus.PublishLogCritical("run-1", domain.LogEntry{RunID: "run-1", Seq: 2, Text: "must arrive"})

	ev := <-sub.Events
	require.Equal(t, "must arrive", ev.Log.Text)
}

func TestBus_PublishStep(t *testing.T) {
	bus := New(nil)
	sub := bus.Subscribe("run-1")
	defer sub.Unsubscribe()

	bus.PublishStep("run-1", domain.RunStep{RunID: "run-1", Idx: 0, Name: "fetch"})

	ev := <-sub.Events
	require.Equal(t, EventStep, ev.Kind)
	require.Equal(t, "fetch", ev.Step.Name)
}
