package errs

import sterrors "errors"

var (
	ErrConfigRequired     = sterrors.New("beswatch: config is required")
	ErrLoggerRequired     = sterrors.New("beswatch: logger is required")
	ErrSchemaSetRequired  = sterrors.New("beswatch: schema set is required")
	ErrSubscriberRequired = sterrors.New("beswatch: subscriber is required")
	ErrTopicRequired      = sterrors.New("beswatch: topic is required")
	ErrHandlerRequired    = sterrors.New("beswatch: message handler is required")
	ErrHubClosed          = sterrors.New("beswatch: subscription hub is closed")
	ErrHandshakeRequired  = sterrors.New("beswatch: handshake must subscribe to at least one invocation")
)
