package messaging

// Topic constants for powgate events
const (
	// TopicAttempts carries one event per finished connection (powgated → analytics)
	TopicAttempts = "powgate.attempts"
)

// Header keys set on every published message
const (
	HeaderContentType = "content-type"
	HeaderOccurredAt  = "occurred-at"
)

// Content types
const (
	ContentTypeJSON  = "application/json"
	ContentTypeProto = "application/x-protobuf"
)
