package audit

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"projecthub-portal/internal/gate"
)

// Repository is the persistence contract for audit events.
// It is append-only: there is no Update or Delete.
type Repository interface {
	Append(ctx context.Context, e Event) error
}

// Service records gate decisions.
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
	if e.Type != EventTypeGateGranted && e.Type != EventTypeGateDenied {
		return ErrInvalidEvent
	}
	if e.Gate == "" || e.MountID == "" {
		return ErrInvalidEvent
	}

	if e.ID == "" {
		e.ID = uuid.NewString()
	}
	if e.CreatedAt.IsZero() {
		e.CreatedAt = s.clock().UTC()
	}
	return s.repo.Append(ctx, e)
}

// LogDecision records one resolved mount.
func (s *Service) LogDecision(ctx context.Context, d gate.Decision) error {
	typ := EventTypeGateDenied
	if d.Verdict == gate.Granted {
		typ = EventTypeGateGranted
	}
	return s.Append(ctx, Event{
		Type:       typ,
		Gate:       d.Gate,
		MountID:    d.MountID,
		SessionID:  d.Target.SessionID,
		Path:       d.Target.Path,
		IPAddress:  d.Target.ClientIP,
		Reason:     d.Reason,
		DurationMS: d.Duration.Milliseconds(),
	})
}

// Observer adapts the service to a gate observer. Each append gets its own
// short deadline; failures are logged and dropped.
func (s *Service) Observer(log *slog.Logger, timeout time.Duration) gate.Observer {
	if log == nil {
		log = slog.Default()
	}
	if timeout <= 0 {
		timeout = 2 * time.Second
	}
	return func(d gate.Decision) {
		ctx, cancel := context.WithTimeout(context.Background(), timeout)
		defer cancel()
		if err := s.LogDecision(ctx, d); err != nil {
			log.Warn("audit append failed", "gate", d.Gate, "mount_id", d.MountID, "err", err)
		}
	}
}
