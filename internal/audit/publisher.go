package audit

import (
	"context"
	"log/slog"

	id "heirloom/pkg/domain"
	"heirloom/pkg/requestcontext"
)

// Publisher captures structured audit entries. It is append-only and uses
// the storage layer for persistence so tests can swap sinks easily. An
// optional mirror fans entries out to Kafka for downstream consumers.
type Publisher struct {
	store  Store
	logger *slog.Logger
	mirror *Mirror
}

type Option func(*Publisher)

func WithLogger(logger *slog.Logger) Option {
	return func(p *Publisher) { p.logger = logger }
}

func WithMirror(mirror *Mirror) Option {
	return func(p *Publisher) { p.mirror = mirror }
}

func NewPublisher(store Store, opts ...Option) *Publisher {
	p := &Publisher{store: store, logger: slog.Default()}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Emit appends one entry. The store assigns the per-user entry ID; the
// mirror is best-effort and never fails the append.
func (p *Publisher) Emit(ctx context.Context, entry Entry) error {
	if entry.OccurredAt.IsZero() {
		entry.OccurredAt = requestcontext.Now(ctx)
	}
	if entry.Actor == "" {
		entry.Actor = ActorSystem
	}
	if err := p.store.Append(ctx, &entry); err != nil {
		return err
	}
	if p.mirror != nil {
		p.mirror.Publish(ctx, entry)
	}
	return nil
}

// List returns a user's entries in entry-ID order.
func (p *Publisher) List(ctx context.Context, userID id.UserID, q Query) ([]Entry, error) {
	return p.store.List(ctx, userID, q)
}

// LastBySubject exposes the store's water-mark lookup.
func (p *Publisher) LastBySubject(ctx context.Context, userID id.UserID, action Action, subject SubjectRef) (*Entry, error) {
	return p.store.LastBySubject(ctx, userID, action, subject)
}
