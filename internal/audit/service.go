package audit

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
)

// Repository is the persistence contract for audit events.
//
// It MUST be append-only.
// No Update/Delete methods are provided by design.
type Repository interface {
	Append(ctx context.Context, e Event) error
	// ListByCall returns the events of one call, oldest first.
	ListByCall(ctx context.Context, callID string) ([]Event, error)
}

// Service logs internal audit information.
//
// Callers should treat audit logging as best-effort.
type Service struct {
	repo  Repository
	clock func() time.Time
}

func NewService(repo Repository) *Service {
	return &Service{repo: repo, clock: time.Now}
}

var ErrInvalidEvent = errors.New("audit: invalid event")

func (s *Service) Append(ctx context.Context, e Event) error {
	if s.repo == nil {
		return errors.New("audit: repository not configured")
	}
	if e.Type == "" {
		return ErrInvalidEvent
	}
	if e.Type != EventTypeAdminAction && e.CallID == "" {
		return ErrInvalidEvent
	}

	if e.ID == "" {
		e.ID = uuid.NewString()
	}
	if e.CreatedAt.IsZero() {
		e.CreatedAt = s.clock().UTC()
	}
	if e.Actor == "" {
		e.Actor = actorSystem
	}
	return s.repo.Append(ctx, e)
}

func (s *Service) ListByCall(ctx context.Context, callID string) ([]Event, error) {
	if s.repo == nil {
		return nil, errors.New("audit: repository not configured")
	}
	if callID == "" {
		return nil, ErrInvalidEvent
	}
	return s.repo.ListByCall(ctx, callID)
}

// LogAdminAction records an operator action such as a manual reconcile.
func (s *Service) LogAdminAction(ctx context.Context, actor, actorRole, ip, message, callID, metadata string) error {
	return s.Append(ctx, Event{
		Type:      EventTypeAdminAction,
		Actor:     actor,
		ActorRole: actorRole,
		IPAddress: ip,
		CallID:    callID,
		Message:   message,
		Metadata:  metadata,
	})
}

// LogLedgerMismatch records a call whose billed aggregates disagree with its ledger.
func (s *Service) LogLedgerMismatch(ctx context.Context, callID, message, metadata string) error {
	return s.Append(ctx, Event{
		Type:     EventTypeLedgerMismatch,
		CallID:   callID,
		Message:  message,
		Metadata: metadata,
	})
}

// LogSweep records a call terminated by the timeout sweeper.
func (s *Service) LogSweep(ctx context.Context, t EventType, callID, message string) error {
	if t != EventTypeCallTimedOut && t != EventTypeCallIdleTerminated {
		return ErrInvalidEvent
	}
	return s.Append(ctx, Event{Type: t, CallID: callID, Message: message})
}

// LogSystemFailure records a call ended with system_error.
func (s *Service) LogSystemFailure(ctx context.Context, actor, callID, message string) error {
	return s.Append(ctx, Event{
		Type:    EventTypeSystemFailure,
		Actor:   actor,
		CallID:  callID,
		Message: message,
	})
}
