package errors

var (
	ErrChatNotFound        = NotFound("chat not found")
	ErrUserNotFound        = NotFound("user not found")
	ErrMessageNotFound     = NotFound("message not found")
	ErrParticipantNotFound = NotFound("user is not a participant of this chat")
	ErrEmptyContent        = InvalidArg("message must carry either a text body or a media reference")
	ErrAmbiguousContent    = InvalidArg("message cannot carry both a text body and a media reference")
	ErrInvalidMediaRef     = InvalidArg("media reference requires a path and a display name")
	ErrMessageNotReadable  = Inconsistent("stored message could not be read back")
	ErrServiceClosed       = New(CodeUnavailable, "service is shutting down")
)

func ErrStorage(cause error) error {
	return Transient("storage unavailable", cause)
}

func ErrFanOutIncomplete(cause error) error {
	return Partial("message stored but chat summary or unread counters may be stale", cause)
}
