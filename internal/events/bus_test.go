package events

import (
	"testing"
	"time"
)

func TestEventBus_Subscribe(t *testing.T) {
	bus := New(10)
	defer bus.Close()

	ch := bus.Subscribe()
	bus.Publish(NewBaseEvent(TypeTaskStatusChanged, "t1"))

	select {
	case received := <-ch:
		if received.EventType() != TypeTaskStatusChanged {
			t.Errorf("expected %s, got %s", TypeTaskStatusChanged, received.EventType())
		}
		if received.SubjectID() != "t1" {
			t.Errorf("expected t1, got %s", received.SubjectID())
		}
	case <-time.After(100 * time.Millisecond):
		t.Fatal("timeout waiting for event")
	}
}

func TestEventBus_SubscribeByType(t *testing.T) {
	bus := New(10)
	defer bus.Close()

	taskCh := bus.Subscribe(TypeTaskStatusChanged)
	allCh := bus.Subscribe()

	bus.Publish(NewBaseEvent(TypeJobFinished, "job-1"))
	bus.Publish(NewBaseEvent(TypeTaskStatusChanged, "t1"))

	select {
	case ev := <-taskCh:
		if ev.EventType() != TypeTaskStatusChanged {
			t.Errorf("filtered subscriber received wrong type: %s", ev.EventType())
		}
	case <-time.After(100 * time.Millisecond):
		t.Fatal("timeout waiting for filtered event")
	}

	received := 0
	for i := 0; i < 2; i++ {
		select {
		case <-allCh:
			received++
		case <-time.After(100 * time.Millisecond):
		}
	}
	if received != 2 {
		t.Errorf("expected unfiltered subscriber to see both events, got %d", received)
	}
}

func TestEventBus_RingBufferDropsOldest(t *testing.T) {
	bus := New(1)
	defer bus.Close()

	ch := bus.Subscribe()
	bus.Publish(NewBaseEvent(TypeTaskStatusChanged, "first"))
	bus.Publish(NewBaseEvent(TypeTaskStatusChanged, "second"))

	select {
	case ev := <-ch:
		if ev.SubjectID() != "second" {
			t.Errorf("expected ring buffer to keep newest event, got %s", ev.SubjectID())
		}
	case <-time.After(100 * time.Millisecond):
		t.Fatal("timeout waiting for event")
	}
	if bus.DroppedCount() == 0 {
		t.Error("expected dropped count to be incremented")
	}
}

func TestEventBus_UnsubscribeClosesChannel(t *testing.T) {
	bus := New(10)
	defer bus.Close()

	ch := bus.Subscribe()
	bus.Unsubscribe(ch)

	_, ok := <-ch
	if ok {
		t.Error("expected channel to be closed after Unsubscribe")
	}
}

func TestEventBus_PriorityNeverDrops(t *testing.T) {
	bus := New(10)
	defer bus.Close()

	ch := bus.SubscribePriority(TypeAlertDispatched)
	bus.PublishPriority(NewBaseEvent(TypeAlertDispatched, "alert-1"))

	select {
	case ev := <-ch:
		if ev.EventType() != TypeAlertDispatched {
			t.Errorf("expected %s, got %s", TypeAlertDispatched, ev.EventType())
		}
	case <-time.After(100 * time.Millisecond):
		t.Fatal("timeout waiting for priority event")
	}
}
