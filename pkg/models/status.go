package models

// Job statuses. A job is persisted as pending the moment it is created.
const (
	JobStatusPending   = "pending"
	JobStatusRunning   = "running"
	JobStatusSuccess   = "success"
	JobStatusFailure   = "failure"
	JobStatusCancelled = "cancelled"
)

// Result types carried by a resolved job.
const (
	ResultTypeResolution = "resolution"
	ResultTypeRejection  = "rejection"
)

// Approval modes a function (or a call site) can require.
const (
	ApprovalNone = "none"
	ApprovalPre  = "pre"  // approval must be granted before the job can be claimed
	ApprovalPost = "post" // the job executes, its result is withheld until granted

	// ApprovalAlways is accepted on input as a synonym for ApprovalPost.
	ApprovalAlways = "always"
)

// Approval states of a job.
const (
	ApprovalStateNone      = "none"
	ApprovalStateRequested = "requested"
	ApprovalStateApproved  = "approved"
	ApprovalStateDenied    = "denied"
)

// Run statuses.
const (
	RunStatusPending = "pending"
	RunStatusRunning = "running"
	RunStatusPaused  = "paused"
	RunStatusDone    = "done"
	RunStatusFailed  = "failed"
)

// Reason codes attached to terminal failures of jobs and runs.
const (
	ReasonStallExhaustion      = "stall-exhaustion"
	ReasonApprovalDenied       = "ApprovalDenied"
	ReasonSchemaValidation     = "schema-validation"
	ReasonApplicationRejection = "application-rejection"
	ReasonModelExhausted       = "model-exhausted"
	ReasonMaxStepsExceeded     = "max-steps-exceeded"
	ReasonNoViableStep         = "no-viable-step"
	ReasonCancelled            = "cancelled"
)

// Event types recorded on the timeline.
const (
	EventJobCreated             = "jobCreated"
	EventJobAcknowledged        = "jobAcknowledged"
	EventJobRecovered           = "jobRecovered"
	EventJobStalled             = "jobStalled"
	EventJobStalledTooManyTimes = "jobStalledTooManyTimes"
	EventJobResulted            = "jobResulted"
	EventApprovalRequested      = "approvalRequested"
	EventApprovalGranted        = "approvalGranted"
	EventApprovalDenied         = "approvalDenied"
	EventNotificationSent       = "notificationSent"
	EventNotificationFailed     = "notificationFailed"
)

// EventTypes is the closed set of event types the recorder accepts.
var EventTypes = []string{
	EventJobCreated,
	EventJobAcknowledged,
	EventJobRecovered,
	EventJobStalled,
	EventJobStalledTooManyTimes,
	EventJobResulted,
	EventApprovalRequested,
	EventApprovalGranted,
	EventApprovalDenied,
	EventNotificationSent,
	EventNotificationFailed,
}

// Error codes returned in API error bodies.
const (
	CodeNotFound           = "NotFound"
	CodeStaleAttempt       = "StaleAttempt"
	CodeJobNoLongerActive  = "JobNoLongerActive"
	CodeJobNotRunning      = "JobNotRunning"
	CodeApprovalNotPending = "ApprovalNotPending"
	CodeRunNotActive       = "RunNotActive"
	CodeUnknownFunction    = "UnknownFunction"
	CodeInvalidRequest     = "InvalidRequest"
	CodeConflict           = "Conflict"
	CodeUnauthorized       = "Unauthorized"
	CodeInternal           = "Internal"
)

// Default limits.
const (
	DefaultMaxRequestBodyBytes = 4 << 20 // 4 MiB, results may carry inline blobs
	DefaultJobListLimit        = 500
	DefaultRunListLimit        = 200
	DefaultSSEChannelBuffer    = 256
	DefaultPollWait            = 20 // seconds
	MaxPollWait                = 60 // seconds
	DefaultClusterID           = "default"
	WorkflowService            = "workflows"
)
