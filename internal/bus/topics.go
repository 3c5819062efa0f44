package bus

// DecompositionStepEvent is published when a decomposition driver submits or
// finishes a child task for a parent plan task.
type DecompositionStepEvent struct {
	ParentTaskID string // the "decompose" task that produced the plan
	ChildTaskID  string // the fanned-out subtask
	Index        int    // position within the planned subtask list
}

// OfflineQueueDrainEvent is published after a drain cycle completes.
type OfflineQueueDrainEvent struct {
	WorkerID   string
	Attempted  int
	Delivered  int
	Failed     int
}

const (
	TopicOfflineQueueDrained = "offline_queue.drained"
)
