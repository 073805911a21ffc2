package anchor

import (
	"context"

	"heirloom/internal/audit"
	id "heirloom/pkg/domain"
	dErrors "heirloom/pkg/domain-errors"
	"heirloom/pkg/requestcontext"
)

// PollOnce checks every pending receipt against the provider and settles
// the ones that have confirmed or permanently failed. It returns the
// number of receipts that changed state.
func (c *Coordinator) PollOnce(ctx context.Context) (int, error) {
	pending, err := c.store.ListPending(ctx)
	if err != nil {
		return 0, dErrors.Wrap(err, dErrors.CodeInternal, "failed to list pending receipts")
	}

	settled := 0
	for i := range pending {
		r := &pending[i]
		changed, err := c.pollReceipt(ctx, r)
		if err != nil {
			c.logger.WarnContext(ctx, "anchor confirmation check failed",
				"version_id", r.VersionID.String(), "anchor_id", r.AnchorID, "error", err)
			continue
		}
		if changed {
			settled++
		}
	}
	return settled, nil
}

func (c *Coordinator) pollReceipt(ctx context.Context, r *Receipt) (bool, error) {
	pollCtx, cancel := context.WithTimeout(ctx, c.cfg.PollTimeout)
	defer cancel()

	confirmed, err := c.client.Confirmed(pollCtx, r.AnchorID)
	if err != nil {
		if dErrors.CodeOf(err) == dErrors.CodeAnchorPermanent {
			return true, c.settle(ctx, r, StatusFailed)
		}
		return false, err
	}
	if !confirmed {
		return false, nil
	}
	return true, c.settle(ctx, r, StatusConfirmed)
}

func (c *Coordinator) settle(ctx context.Context, r *Receipt, status Status) error {
	now := requestcontext.Now(ctx)
	r.Status = status
	action := audit.ActionAnchorFailed
	result := "failed"
	if status == StatusConfirmed {
		r.ConfirmedAt = &now
		action = audit.ActionAnchorConfirmed
		result = "confirmed"
	}
	if err := c.store.Update(ctx, r); err != nil {
		return dErrors.Wrap(err, dErrors.CodeInternal, "failed to update receipt")
	}
	if c.metrics != nil {
		c.metrics.AnchorSubmissions.WithLabelValues(result).Inc()
	}
	return c.auditor.Emit(ctx, audit.Entry{
		UserID:  r.UserID,
		Action:  action,
		Subject: audit.SubjectRef{Kind: audit.SubjectReceipt, ID: r.VersionID.String()},
		After:   map[string]any{"anchor_id": r.AnchorID, "status": string(status)},
	})
}

// ReceiptFor returns the version's receipt, or nil when none was ever
// submitted (budget-deferred versions stay receiptless).
func (c *Coordinator) ReceiptFor(ctx context.Context, versionID id.VersionID) (*Receipt, error) {
	r, err := c.store.GetByVersion(ctx, versionID)
	if err != nil {
		return nil, dErrors.Wrap(err, dErrors.CodeInternal, "failed to read receipt")
	}
	return r, nil
}
