package bus

import "time"

// Validation run topics.
const (
	TopicValidationStarted   = "validation.started"
	TopicValidationCompleted = "validation.completed"
	TopicValidationFailed    = "validation.failed"
)

// Auto-fix topics.
const (
	TopicAutoFixApprovalRequired = "autofix.approval_required"
	TopicAutoFixCompleted        = "autofix.completed"
	TopicAutoFixFailed           = "autofix.failed"
	TopicAutoFixRejected         = "autofix.rejected"
	TopicAutoFixRolledBack       = "autofix.rolled_back"
)

// Schedule topics.
const (
	TopicScheduleCreated   = "schedule.created"
	TopicSchedulePaused    = "schedule.paused"
	TopicScheduleResumed   = "schedule.resumed"
	TopicScheduleUpdated   = "schedule.updated"
	TopicScheduleDeleted   = "schedule.deleted"
	TopicScheduleFired     = "schedule.fired"
	TopicScheduleCompleted = "schedule.execution_completed"
	TopicScheduleFailed    = "schedule.execution_failed"
)

// Coordination topics.
const (
	TopicCoordinationStarted   = "coordination.started"
	TopicCoordinationCompleted = "coordination.completed"
	TopicDependencyUpdate      = "coordination.dependency_update"
	TopicConsensusClosed       = "coordination.consensus_closed"
)

// SystemPrefix is the topic prefix of named system events that can trigger
// event-driven schedules. The event name is the topic without the prefix.
const SystemPrefix = "system."

// TopicFileChanged is published by the workspace file tracker.
const TopicFileChanged = SystemPrefix + "file_changed"

// SystemTopic returns the bus topic for a named system event.
func SystemTopic(name string) string {
	return SystemPrefix + name
}

// ValidationEvent is published when a validation run starts or finishes.
type ValidationEvent struct {
	RunID      string
	Target     string
	Mode       string
	Status     string
	Score      float64
	ScheduleID string
}

// AutoFixEvent is published on auto-fix lifecycle changes.
type AutoFixEvent struct {
	ExecutionID string
	Target      string
	Guardian    string
	Risk        string
	Status      string
	Reason      string
	BackupID    string
}

// ScheduleEvent is published on schedule state changes and firings.
type ScheduleEvent struct {
	ScheduleID  string
	ExecutionID string
	Kind        string
	Trigger     string
	Status      string
	Duration    time.Duration
	Error       string
}

// DependencyUpdate tells dependents that a participant they depend on settled.
type DependencyUpdate struct {
	ExecutionID string
	From        string
	To          string
	Status      string
	Score       float64
}

// CoordinationEvent is published when a coordination execution starts or settles.
type CoordinationEvent struct {
	ExecutionID string
	TaskID      string
	Pattern     string
	Status      string
	Score       float64
}

// ConsensusEvent is published when a voting round closes.
type ConsensusEvent struct {
	VotingID   string
	TaskID     string
	Status     string
	Winner     string
	Confidence float64
	Reached    bool
}

// FileChange is the payload of TopicFileChanged.
type FileChange struct {
	Path string
	Op   string
	At   time.Time
}
