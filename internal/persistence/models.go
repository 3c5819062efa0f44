package persistence

import "time"

// TaskStatus enumerates the one-way lifecycle a task moves through.
type TaskStatus string

const (
	TaskPending   TaskStatus = "pending"
	TaskQueued    TaskStatus = "queued"
	TaskRunning   TaskStatus = "running"
	TaskCompleted TaskStatus = "completed"
	TaskFailed    TaskStatus = "failed"
	TaskCancelled TaskStatus = "cancelled"
)

// IsTerminal reports whether s is one of the task's terminal states.
func (s TaskStatus) IsTerminal() bool {
	return s == TaskCompleted || s == TaskFailed || s == TaskCancelled
}

// Task is the unit of work dispatched to a worker.
type Task struct {
	ID           string
	ProjectID    string
	WorkerID     string
	BotName      string
	Command      string
	Prompt       string
	SystemPrompt string
	Model        string
	MaxBudget    float64
	AllowedTools []string
	ParentTaskID string

	ChannelID       string
	ThreadTS        string
	UserID          string
	AnchorMessageID string

	Status    TaskStatus
	SessionID string

	InputTokens      int
	OutputTokens     int
	EstimatedCost    float64
	FilesChanged     []string
	CommandsRun      []string
	DurationMs       int64
	Result           string
	ContinuationCount int
	MaxContinuations int

	CreatedAt time.Time
	UpdatedAt time.Time
}

// Project is the configuration scope bound 1:1 to a chat channel.
type Project struct {
	ID                string
	ChannelID         string
	DisplayName       string
	LocalPath         string
	PreferredWorkerID string
	DefaultModel      string
	DefaultBudget     float64
	DeployPlatform    string
	CreatedAt         time.Time
	UpdatedAt         time.Time
}

// Credential authenticates one worker id against an opaque API key.
type Credential struct {
	APIKey     string
	WorkerID   string
	CreatedAt  time.Time
	ExpiresAt  *time.Time
	Revoked    bool
	LastUsedAt *time.Time
}

// Valid reports whether the credential currently authenticates its worker.
func (c Credential) Valid(now time.Time) bool {
	if c.Revoked {
		return false
	}
	if c.ExpiresAt != nil && !c.ExpiresAt.After(now) {
		return false
	}
	return true
}

// OfflineQueueEntry is a message owed to a worker that was not reachable at send time.
type OfflineQueueEntry struct {
	ID            int64
	WorkerID      string
	Kind          string
	Payload       string
	EnqueuedAt    time.Time
	ExpireAt      time.Time
	Delivered     bool
	AttemptCount  int
}

// ScheduleKind distinguishes one-shot from recurring schedules.
type ScheduleKind string

const (
	ScheduleOnce ScheduleKind = "once"
	ScheduleCron ScheduleKind = "cron"
)

// ScheduleStatus enumerates the lifecycle of a scheduled task definition.
type ScheduleStatus string

const (
	SchedulePending   ScheduleStatus = "pending"
	ScheduleActive    ScheduleStatus = "active"
	SchedulePaused    ScheduleStatus = "paused"
	ScheduleCompleted ScheduleStatus = "completed"
	ScheduleFailed    ScheduleStatus = "failed"
	ScheduleCancelled ScheduleStatus = "cancelled"
)

// Schedule is a time-based or cron-based future task definition.
type Schedule struct {
	ID         string
	ProjectID  string
	Name       string
	Kind       ScheduleKind
	CronExpr   string
	TimeZone   string
	RunAt      *time.Time
	NextRunAt  *time.Time
	LastRunAt  *time.Time
	Status     ScheduleStatus
	Payload    string // JSON-encoded TaskSubmit template consumed by the command service
	CreatedAt  time.Time
	UpdatedAt  time.Time
}
