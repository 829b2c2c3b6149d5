package domain

import (
	"time"
)

type SessionID string

// Platform is the streaming destination a session pushes to.
type Platform string

const (
	PlatformYouTube  Platform = "youtube"
	PlatformTwitch   Platform = "twitch"
	PlatformFacebook Platform = "facebook"
	PlatformCustom   Platform = "custom"
)

// ParsePlatform maps an arbitrary string onto the closed platform enum.
// Unknown values fall back to YouTube.
func ParsePlatform(s string) Platform {
	switch Platform(s) {
	case PlatformYouTube, PlatformTwitch, PlatformFacebook, PlatformCustom:
		return Platform(s)
	default:
		return PlatformYouTube
	}
}

// Quality is a named encoding tier resolved to a concrete profile.
type Quality string

const (
	QualityLow    Quality = "low"
	QualityMedium Quality = "medium"
	QualityHigh   Quality = "high"
	QualityUltra  Quality = "ultra"
)

// ParseQuality maps an arbitrary string onto the closed quality enum.
// Unknown values fall back to medium.
func ParseQuality(s string) Quality {
	switch Quality(s) {
	case QualityLow, QualityMedium, QualityHigh, QualityUltra:
		return Quality(s)
	default:
		return QualityMedium
	}
}

// SessionStatus is the lifecycle state of a session record.
// Allowed transitions: created -> running -> {stopped, errored}.
type SessionStatus string

const (
	SessionCreated SessionStatus = "created"
	SessionRunning SessionStatus = "running"
	SessionStopped SessionStatus = "stopped"
	SessionErrored SessionStatus = "errored"
)

// Profile is the resolved encoding parameter triple for a quality tier.
type Profile struct {
	BitrateKbps int
	FPS         int
	CRF         int
}

// GOP returns the keyframe interval in frames. Keeping it at twice the
// frame rate bounds the keyframe spacing to two seconds for every tier.
func (p Profile) GOP() int {
	return p.FPS * 2
}

// Session describes one logical stream attempt: destination, quality and
// lifecycle status. The secret is write-only; every listing must carry a
// redacted copy.
type Session struct {
	ID        SessionID     `json:"session_id"`
	Platform  Platform      `json:"platform"`
	Quality   Quality       `json:"quality"`
	Secret    string        `json:"-"`
	Status    SessionStatus `json:"status"`
	CreatedAt time.Time     `json:"created_at"`
	StartedAt *time.Time    `json:"started_at,omitempty"`
	EndedAt   *time.Time    `json:"ended_at,omitempty"`
}

// Redacted returns a copy safe for listing: the secret is replaced by a
// fixed marker so its length leaks nothing either.
func (s *Session) Redacted() *Session {
	cp := *s
	if cp.Secret != "" {
		cp.Secret = RedactedSecret
	}
	return &cp
}

// RedactedSecret substitutes the destination secret in any serialized view.
const RedactedSecret = "[HIDDEN]"

// Duration reports how long the session was live, zero until it has both
// started and ended.
func (s *Session) Duration() time.Duration {
	if s.StartedAt == nil || s.EndedAt == nil {
		return 0
	}
	return s.EndedAt.Sub(*s.StartedAt)
}
