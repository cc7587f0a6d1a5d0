package errors

type Code string

const (
	CodeUnknown               Code = "UNKNOWN"
	CodeInvalidArgument       Code = "INVALID_ARGUMENT"
	CodeNotFound              Code = "NOT_FOUND"
	CodeUnauthenticated       Code = "UNAUTHENTICATED"
	CodeInternal              Code = "INTERNAL"
	CodeInternalInconsistency Code = "INTERNAL_INCONSISTENCY"
	CodeTransientStorage      Code = "TRANSIENT_STORAGE"
	CodeUnavailable           Code = "UNAVAILABLE"
	// CodePartialSuccess marks a send whose message is durable but whose
	// summary or unread fan-out did not complete.
	CodePartialSuccess Code = "PARTIAL_SUCCESS"
)
