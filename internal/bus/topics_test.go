package bus

import "testing"

func TestEventTopics_Constants(t *testing.T) {
	topics := map[string]bool{
		TopicTaskStateChanged:        true,
		TopicTaskMetrics:             true,
		TopicTaskCompleted:           true,
		TopicTaskFailed:              true,
		TopicTaskCancelled:           true,
		TopicWorkerConnected:         true,
		TopicWorkerDisconnected:      true,
		TopicDecompositionStarted:    true,
		TopicDecompositionCompleted: true,
		TopicOfflineQueueDrained:     true,
	}
	for name := range topics {
		if name == "" {
			t.Fatal("found empty topic constant")
		}
	}
	if len(topics) != 10 {
		t.Fatalf("expected 10 unique topics, got %d", len(topics))
	}
}

func TestDecompositionStepEvent_Fields(t *testing.T) {
	ev := DecompositionStepEvent{
		ParentTaskID: "parent-1",
		ChildTaskID:  "child-1",
		Index:        0,
	}
	if ev.ParentTaskID != "parent-1" || ev.ChildTaskID != "child-1" {
		t.Fatalf("unexpected event: %+v", ev)
	}
}

func TestBus_DecompositionTopicRouting(t *testing.T) {
	b := New()
	sub := b.Subscribe("decomposition.")
	defer b.Unsubscribe(sub)

	b.Publish(TopicDecompositionStarted, DecompositionStepEvent{ParentTaskID: "p1", ChildTaskID: "c1"})

	select {
	case ev := <-sub.Ch():
		payload, ok := ev.Payload.(DecompositionStepEvent)
		if !ok {
			t.Fatalf("payload type = %T, want DecompositionStepEvent", ev.Payload)
		}
		if payload.ParentTaskID != "p1" {
			t.Fatalf("ParentTaskID = %q, want p1", payload.ParentTaskID)
		}
	default:
		t.Fatal("expected buffered event")
	}
}

func TestBus_OfflineQueueDrainEvent(t *testing.T) {
	b := New()
	sub := b.Subscribe(TopicOfflineQueueDrained)
	defer b.Unsubscribe(sub)

	b.Publish(TopicOfflineQueueDrained, OfflineQueueDrainEvent{WorkerID: "w1", Attempted: 3, Delivered: 2, Failed: 1})

	select {
	case ev := <-sub.Ch():
		payload := ev.Payload.(OfflineQueueDrainEvent)
		if payload.Delivered != 2 {
			t.Fatalf("Delivered = %d, want 2", payload.Delivered)
		}
	default:
		t.Fatal("expected buffered event")
	}
}

func TestWorkerConnectionEvent_Fields(t *testing.T) {
	ev := WorkerConnectionEvent{WorkerID: "w1"}
	if ev.WorkerID != "w1" {
		t.Fatalf("WorkerID = %q, want w1", ev.WorkerID)
	}
}
