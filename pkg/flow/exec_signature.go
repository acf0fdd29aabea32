package flow

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/google/uuid"

	"github.com/flowdesk/flowdesk/pkg/flow/runtime"
	"github.com/flowdesk/flowdesk/pkg/signature"
	"github.com/flowdesk/flowdesk/pkg/smartvalue"
)

// executeSignature opens a signing envelope at the provider and parks the
// step until the envelope-closed webhook lands. The envelope record on the
// activity is what lets the webhook find its way back to this step.
func (engine *Engine) executeSignature(ctx context.Context, activity *runtime.Activity, ref stepRef) (stepOutcome, error) {
	if engine.signer == nil {
		return stepOutcome{}, newEngineErrorf("node %s needs a signing provider but none is configured", ref.node.ID)
	}
	cfg := ref.node.Signature
	scope := activityScope(activity)

	fields := make(map[string]string, len(cfg.Fields))
	for name, template := range cfg.Fields {
		fields[name] = smartvalue.Replace(template, scope)
	}
	content, err := json.Marshal(fields)
	if err != nil {
		return stepOutcome{}, fmt.Errorf("failed to encode document fields for node %s: %w", ref.node.ID, err)
	}

	signers := make([]signature.SignerRequest, 0, len(cfg.Signers))
	docSigners := make([]runtime.EnvelopeSigner, 0, len(cfg.Signers))
	for _, s := range cfg.Signers {
		name := smartvalue.Replace(s.Name, scope)
		email := smartvalue.Replace(s.Email, scope)
		if email == "" || email == smartvalue.Missing {
			return stepOutcome{}, newEngineErrorf("signer %q of node %s resolved to no address", s.Name, ref.node.ID)
		}
		signers = append(signers, signature.SignerRequest{Name: name, Email: email, Kind: s.Role})
		docSigners = append(docSigners, runtime.EnvelopeSigner{ID: uuid.NewString(), Name: name, Email: email})
	}

	envelopeID, err := engine.signer.CreateEnvelope(ctx, signature.EnvelopeRequest{
		Name:         fmt.Sprintf("%s - %s", activity.Name, activity.Protocol),
		DocumentName: cfg.DocumentKey,
		Content:      content,
		ContentType:  "application/json",
		Signers:      signers,
		Deadline:     activity.DueDate,
	})
	if err != nil {
		return stepOutcome{}, fmt.Errorf("failed to open envelope for node %s: %w", ref.node.ID, err)
	}

	activity.Documents = append(activity.Documents, runtime.SignatureEnvelope{
		ID:         uuid.NewString(),
		RunKey:     ref.run.Key,
		StepKey:    ref.step.Key,
		EnvelopeID: envelopeID,
		Documents: []runtime.SignedDocFile{{
			ID:      uuid.NewString(),
			Name:    cfg.DocumentKey,
			Fields:  fields,
			Signers: docSigners,
		}},
		CreatedAt: engine.clock(),
	})
	ref.step.SetData("envelopeId", envelopeID)

	return stepOutcome{idle: true}, nil
}
