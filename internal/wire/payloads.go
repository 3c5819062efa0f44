package wire

// AuthRequestPayload authenticates a freshly connected worker.
type AuthRequestPayload struct {
	WorkerID string `json:"workerId"`
	APIKey   string `json:"apiKey"`
}

// AuthResponsePayload reports the outcome of an AuthRequest.
type AuthResponsePayload struct {
	Success bool   `json:"success"`
	Reason  string `json:"reason,omitempty"`
}

// HeartbeatPingPayload carries the server's clock for RTT/clock-skew
// diagnostics on the worker side.
type HeartbeatPingPayload struct {
	ServerTime int64 `json:"serverTime"`
}

// HeartbeatPongPayload is an empty reply; its arrival alone advances
// last-heartbeat.
type HeartbeatPongPayload struct{}

// TaskSubmitPayload asks a worker to execute a task.
type TaskSubmitPayload struct {
	TaskID       string   `json:"taskId"`
	ProjectID    string   `json:"projectId"`
	Command      string   `json:"command"`
	Prompt       string   `json:"prompt"`
	SystemPrompt string   `json:"systemPrompt,omitempty"`
	Model        string   `json:"model"`
	MaxBudget    float64  `json:"maxBudget"`
	AllowedTools []string `json:"allowedTools,omitempty"`
	SessionID    string   `json:"sessionId,omitempty"`
	LocalPath    string   `json:"localPath,omitempty"`
}

// TaskAckPayload confirms a worker accepted a submitted task.
type TaskAckPayload struct {
	TaskID    string `json:"taskId"`
	SessionID string `json:"sessionId,omitempty"`
}

// TaskProgressPayload reports a discrete tool/step milestone.
type TaskProgressPayload struct {
	TaskID  string `json:"taskId"`
	Step    string `json:"step"`
	Percent int    `json:"percent,omitempty"`
}

// TaskStreamPayload carries one incremental text delta.
type TaskStreamPayload struct {
	TaskID string `json:"taskId"`
	Delta  string `json:"delta"`
}

// TaskCompletePayload reports terminal success.
type TaskCompletePayload struct {
	TaskID        string   `json:"taskId"`
	SessionID     string   `json:"sessionId,omitempty"`
	Result        string   `json:"result"`
	InputTokens   int      `json:"inputTokens"`
	OutputTokens  int      `json:"outputTokens"`
	EstimatedCost float64  `json:"estimatedCost"`
	FilesChanged  []string `json:"filesChanged,omitempty"`
	CommandsRun   []string `json:"commandsRun,omitempty"`
	DurationMs    int64    `json:"durationMs"`
	MaxTurnsHit   bool     `json:"maxTurnsHit,omitempty"`
}

// TaskErrorPayload reports terminal failure. Fatal distinguishes a
// permanent failure (bad input, revoked credential) from one the worker
// thinks is worth the user resubmitting (a transient sandbox or tool fault);
// the latter gets a resubmit affordance on the notifier side.
type TaskErrorPayload struct {
	TaskID string `json:"taskId"`
	Reason string `json:"reason"`
	Fatal  bool   `json:"fatal,omitempty"`
}

// TaskCancelPayload asks a worker to abort a task.
type TaskCancelPayload struct {
	TaskID string `json:"taskId"`
	Reason string `json:"reason,omitempty"`
}

// TaskCancelledPayload confirms cancellation took effect.
type TaskCancelledPayload struct {
	TaskID string `json:"taskId"`
}

// AgentStatusPayload is an unsolicited worker self-report (resource
// pressure, active task count) used by the resource monitor.
type AgentStatusPayload struct {
	WorkerID    string  `json:"workerId"`
	MemoryPct   float64 `json:"memoryPct"`
	CPUPct      float64 `json:"cpuPct"`
	ActiveTasks int     `json:"activeTasks"`
}

// SystemRestartPayload announces an imminent graceful cloud-side restart.
type SystemRestartPayload struct {
	GraceSeconds int `json:"graceSeconds"`
}
