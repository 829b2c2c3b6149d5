package services

import (
	"context"
	"fmt"
	"sync"
	"time"

	"relaycast/internal/core/domain"
	"relaycast/internal/core/ports"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

type sessionService struct {
	sessionRepo ports.SessionRepository
	logger      *zap.SugaredLogger

	// regMu serializes every read-validate-write cycle on the registry so
	// concurrent transitions on one session have exactly one winner.
	regMu sync.Mutex
}

func NewSessionService(sessionRepo ports.SessionRepository, logger *zap.SugaredLogger) ports.SessionService {
	return &sessionService{
		sessionRepo: sessionRepo,
		logger:      logger,
	}
}

func (s *sessionService) CreateSession(ctx context.Context, platform domain.Platform, quality domain.Quality, secret string) (*domain.Session, error) {
	platform = domain.ParsePlatform(string(platform))
	quality = domain.ParseQuality(string(quality))

	if secret == "" {
		return nil, fmt.Errorf("%w: secret is required for platform %s", domain.ErrValidation, platform)
	}

	session := &domain.Session{
		ID:        domain.SessionID(uuid.NewString()),
		Platform:  platform,
		Quality:   quality,
		Secret:    secret,
		Status:    domain.SessionCreated,
		CreatedAt: time.Now().UTC(),
	}

	if err := s.sessionRepo.Create(ctx, session); err != nil {
		return nil, fmt.Errorf("failed to create session: %w", err)
	}

	s.logger.Infow("session created",
		"session_id", session.ID,
		"platform", session.Platform,
		"quality", session.Quality,
	)

	return session, nil
}

func (s *sessionService) GetSession(ctx context.Context, id domain.SessionID) (*domain.Session, error) {
	return s.sessionRepo.GetByID(ctx, id)
}

// ListSessions returns copies with the destination secret redacted. The
// stored records are never handed out directly.
func (s *sessionService) ListSessions(ctx context.Context) ([]*domain.Session, error) {
	sessions, err := s.sessionRepo.List(ctx)
	if err != nil {
		return nil, err
	}

	redacted := make([]*domain.Session, 0, len(sessions))
	for _, session := range sessions {
		redacted = append(redacted, session.Redacted())
	}
	return redacted, nil
}

// allowedTransitions is the session status graph: created -> running ->
// {stopped, errored}. Terminal states have no outgoing edges; removal is
// the only exit.
var allowedTransitions = map[domain.SessionStatus][]domain.SessionStatus{
	domain.SessionCreated: {domain.SessionRunning},
	domain.SessionRunning: {domain.SessionStopped, domain.SessionErrored},
}

func transitionAllowed(from, to domain.SessionStatus) bool {
	for _, next := range allowedTransitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

func (s *sessionService) Transition(ctx context.Context, id domain.SessionID, status domain.SessionStatus) (*domain.Session, error) {
	s.regMu.Lock()
	defer s.regMu.Unlock()

	session, err := s.sessionRepo.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}

	if !transitionAllowed(session.Status, status) {
		return nil, fmt.Errorf("%w: %s -> %s for session %s",
			domain.ErrInvalidTransition, session.Status, status, id)
	}

	now := time.Now().UTC()
	switch status {
	case domain.SessionRunning:
		session.StartedAt = &now
	case domain.SessionStopped, domain.SessionErrored:
		session.EndedAt = &now
	}
	session.Status = status

	if err := s.sessionRepo.Update(ctx, session); err != nil {
		return nil, fmt.Errorf("failed to update session: %w", err)
	}

	s.logger.Infow("session status changed",
		"session_id", session.ID,
		"status", session.Status,
		"duration", session.Duration(),
	)

	return session, nil
}

// DeleteSession removes a session record. A running session is rejected:
// the owning connection must stop it first, since the adapter lifetime is
// owned by the connection handler, not the registry.
func (s *sessionService) DeleteSession(ctx context.Context, id domain.SessionID) error {
	s.regMu.Lock()
	defer s.regMu.Unlock()

	session, err := s.sessionRepo.GetByID(ctx, id)
	if err != nil {
		return err
	}

	if session.Status == domain.SessionRunning {
		return fmt.Errorf("%w: stop session %s before deleting", domain.ErrSessionActive, id)
	}

	return s.sessionRepo.Delete(ctx, id)
}
