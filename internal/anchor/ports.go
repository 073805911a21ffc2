package anchor

import (
	"context"
	"fmt"
	"sync"

	dErrors "heirloom/pkg/domain-errors"
)

// Submission is the provider's acknowledgement of an accepted anchor.
type Submission struct {
	AnchorID    string
	ExternalURL string
}

// Client is the port to the external blockchain anchoring provider.
// Implementations return errors coded anchor_transient or anchor_permanent.
type Client interface {
	Submit(ctx context.Context, planHash string) (*Submission, error)

	// Confirmed reports whether an earlier submission has settled.
	Confirmed(ctx context.Context, anchorID string) (bool, error)
}

// InMemoryClient backs tests and local development. Every submission is
// accepted and confirms on the first poll.
type InMemoryClient struct {
	mu        sync.Mutex
	nextID    int
	submitted map[string]string // anchor ID -> plan hash
}

func NewInMemoryClient() *InMemoryClient {
	return &InMemoryClient{submitted: make(map[string]string)}
}

func (c *InMemoryClient) Submit(_ context.Context, planHash string) (*Submission, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.nextID++
	anchorID := fmt.Sprintf("local-anchor-%d", c.nextID)
	c.submitted[anchorID] = planHash
	return &Submission{
		AnchorID:    anchorID,
		ExternalURL: fmt.Sprintf("https://anchors.invalid/%s", anchorID),
	}, nil
}

func (c *InMemoryClient) Confirmed(_ context.Context, anchorID string) (bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.submitted[anchorID]; !ok {
		return false, dErrors.Newf(dErrors.CodeAnchorPermanent, "unknown anchor %s", anchorID)
	}
	return true, nil
}
