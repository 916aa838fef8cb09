package websocket

// Actions clients may send. Stream subscription control is handled on the
// connection itself; everything else routes through the dispatcher.
const (
	ActionHealthCheck = "health.check"

	ActionStreamSubscribe   = "stream.subscribe"
	ActionStreamUnsubscribe = "stream.unsubscribe"
)

// Actions the server pushes.
const (
	// ActionStreamEvent carries one broadcast frame to a subscribed client.
	ActionStreamEvent = "stream.event"
)

// Error codes
const (
	ErrorCodeBadRequest    = "BAD_REQUEST"
	ErrorCodeInternalError = "INTERNAL_ERROR"
	ErrorCodeValidation    = "VALIDATION_ERROR"
	ErrorCodeUnknownAction = "UNKNOWN_ACTION"
	ErrorCodeUnavailable   = "UNAVAILABLE"
)
