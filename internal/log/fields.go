package log

// Canonical field names for structured logging.
const (
	FieldComponent = "component"
	FieldPlatform  = "platform"
	FieldContentID = "content_id"
	FieldURL       = "url"
	FieldAttempt   = "attempt"
	FieldMaxTries  = "max_attempts"
	FieldDelay     = "delay"
	FieldJobID     = "job_id"
	FieldStage     = "stage"
	FieldQuality   = "quality"
	FieldBytes     = "bytes"
	FieldPath      = "path"
)
