package plan

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"heirloom/internal/rules"
	id "heirloom/pkg/domain"
	dErrors "heirloom/pkg/domain-errors"
)

const localRendererVersion = "local-1"

// LocalRenderer produces plain-text documents directly from the answers
// snapshot. It stands in for the external rendering service in development
// and tests; output is deterministic for identical inputs.
type LocalRenderer struct {
	catalogue *rules.Catalogue
}

// NewLocalRenderer builds a renderer. The catalogue is optional; when set,
// each document carries the execution formalities for its jurisdiction.
func NewLocalRenderer(catalogue *rules.Catalogue) *LocalRenderer {
	return &LocalRenderer{catalogue: catalogue}
}

func (r *LocalRenderer) Render(ctx context.Context, docType id.DocType, state id.StateCode, answers map[string]any) (*RenderedDoc, error) {
	if err := ctx.Err(); err != nil {
		return nil, dErrors.Wrap(err, dErrors.CodeRendererTransient, "render cancelled")
	}

	// json.Marshal sorts map keys, so the body is stable across runs.
	body, err := json.MarshalIndent(answers, "", "  ")
	if err != nil {
		return nil, dErrors.Wrap(err, dErrors.CodeRendererPermanent, "answers are not serialisable")
	}

	var sb strings.Builder
	fmt.Fprintf(&sb, "document: %s\njurisdiction: %s\n", docType, state)
	if r.catalogue != nil {
		if err := r.writeFormalities(ctx, &sb, docType, state); err != nil {
			return nil, err
		}
	}
	sb.WriteString("---\n")
	sb.Write(body)
	sb.WriteString("\n")

	return &RenderedDoc{
		Bytes:           []byte(sb.String()),
		RendererVersion: localRendererVersion,
	}, nil
}

func (r *LocalRenderer) writeFormalities(ctx context.Context, sb *strings.Builder, docType id.DocType, state id.StateCode) error {
	rule, err := r.catalogue.Get(ctx, rules.Key{State: state, DocType: docType})
	if err != nil {
		if dErrors.CodeOf(err) == dErrors.CodeNotFound {
			return nil
		}
		return dErrors.Wrap(err, dErrors.CodeRendererTransient, "failed to load execution rules")
	}
	fmt.Fprintf(sb, "notarisation_required: %t\nwitnesses_required: %d\nremote_notary_allowed: %t\nesign_allowed: %t\n",
		rule.NotarisationRequired, rule.WitnessesRequired, rule.RemoteNotaryAllowed, rule.EsignAllowed)
	return nil
}
