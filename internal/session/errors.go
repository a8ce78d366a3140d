package session

import "errors"

var (
	// ErrSessionClosed is returned by operations on a closed session
	ErrSessionClosed = errors.New("session closed")

	// ErrCapsRequired is returned when SET_STREAM arrives before CAPS
	ErrCapsRequired = errors.New("caps required before stream request")

	// ErrNotAuthenticated is returned for post-auth commands received before AUTH_OK
	ErrNotAuthenticated = errors.New("not authenticated")

	// ErrAuthFailed is returned when the challenge response does not match
	ErrAuthFailed = errors.New("authentication failed")

	// ErrLegacyAuth is returned for plaintext AUTH attempts, which are never accepted
	ErrLegacyAuth = errors.New("legacy plaintext auth rejected")

	// ErrNoChallenge is returned for AUTH_RESPONSE sent before HELLO
	ErrNoChallenge = errors.New("auth response without challenge")

	// ErrHeartbeatTimeout is recorded when the watchdog closes a silent session
	ErrHeartbeatTimeout = errors.New("heartbeat timeout")

	// ErrAudioTooLarge is returned when an uplink audio frame exceeds the configured limit
	ErrAudioTooLarge = errors.New("audio frame too large")

	// ErrStaleEpoch is returned when codec config is offered for an epoch that is no longer current
	ErrStaleEpoch = errors.New("stale epoch")

	// ErrInvalidRotation is returned for encoder rotations outside 0, 90, 180, 270
	ErrInvalidRotation = errors.New("invalid rotation")

	// ErrControlOverflow is returned when the control queue is full; the session has been closed
	ErrControlOverflow = errors.New("control queue overflow")

	// ErrDuplicateSession is returned when a session id is registered twice
	ErrDuplicateSession = errors.New("session already registered")
)
