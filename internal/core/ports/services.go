package ports

import (
	"context"

	"relaycast/internal/core/domain"
)

// SessionService owns the session registry: record lifecycle, the status
// transition graph and secret redaction on listings.
type SessionService interface {
	CreateSession(ctx context.Context, platform domain.Platform, quality domain.Quality, secret string) (*domain.Session, error)
	GetSession(ctx context.Context, id domain.SessionID) (*domain.Session, error)
	ListSessions(ctx context.Context) ([]*domain.Session, error)
	Transition(ctx context.Context, id domain.SessionID, status domain.SessionStatus) (*domain.Session, error)
	DeleteSession(ctx context.Context, id domain.SessionID) error
}

// EndpointService is the pure platform/quality resolver. Implementations
// perform no I/O and are total over the closed enums.
type EndpointService interface {
	ResolveEndpoint(platform domain.Platform, secret string) string
	ResolveProfile(quality domain.Quality) domain.Profile
}

// Transcoder is one supervised transcoding subprocess bound to a single
// session. Instances are single-use: a terminal exit requires a new
// instance for the next session.
type Transcoder interface {
	Start() error
	Write(chunk []byte) error
	Stop()
	Done() <-chan struct{}
}

// TranscoderFactory builds a Transcoder for a resolved destination and
// profile, with observers attached before spawn.
type TranscoderFactory interface {
	New(destination string, profile domain.Profile, observer TranscoderObserver) Transcoder
}

// TranscoderObserver receives asynchronous subprocess events. OnExit fires
// at most once; OnStderrLine is best-effort diagnostics only.
type TranscoderObserver interface {
	OnExit(code int)
	OnStderrLine(line string)
}
