package probe

import "errors"

var (
	// ErrProbeTimeout marks a probe that went unanswered within the
	// timeout.
	ErrProbeTimeout = errors.New("probe timed out")
	// ErrUnmatchedReply marks a reply that answers no in-flight probe.
	ErrUnmatchedReply = errors.New("reply matches no in-flight probe")
	// ErrSocketPermissionDenied is returned when raw sockets or packet
	// capture are not permitted.
	ErrSocketPermissionDenied = errors.New("raw socket permission denied")
	// ErrUnsupportedPlatform is returned where no live transport exists.
	ErrUnsupportedPlatform = errors.New("live probing is not supported on this platform")
	// ErrInvalidOptions is returned for an unusable manager configuration.
	ErrInvalidOptions = errors.New("invalid probe options")
	// ErrNoTargets is returned when no target can be probed.
	ErrNoTargets = errors.New("no probeable targets")
)
