package security

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"mycel/internal/types"
)

// AuditStore persists signed events.
type AuditStore interface {
	InsertAuditEvent(ctx context.Context, ev *types.AuditEvent) error
}

// AuditRecorder signs and persists audit events for mutating operations.
// Recording is fire-and-forget from the caller's point of view: a failed
// write is logged, never surfaced, so audit outages cannot take down the
// data path.
type AuditRecorder struct {
	store  AuditStore
	signer Signer
	log    *zap.Logger
	now    func() time.Time
}

// NewAuditRecorder wires the recorder. now may be nil.
func NewAuditRecorder(store AuditStore, signer Signer, log *zap.Logger, now func() time.Time) *AuditRecorder {
	if now == nil {
		now = time.Now
	}
	return &AuditRecorder{store: store, signer: signer, log: log, now: now}
}

// Record builds, signs and stores one event. The signature covers the
// canonical JSON of the event with the signature field empty.
func (r *AuditRecorder) Record(ctx context.Context, tenantID, action, actor, traceID string, detail interface{}) {
	ev := &types.AuditEvent{
		ID:        uuid.NewString(),
		TenantID:  tenantID,
		Action:    action,
		Actor:     actor,
		TraceID:   traceID,
		KeyID:     r.signer.KeyID(),
		CreatedAt: r.now().UTC(),
	}
	if detail != nil {
		raw, err := json.Marshal(detail)
		if err != nil {
			r.log.Error("audit detail not serializable",
				zap.String("action", action), zap.Error(err))
		} else {
			ev.Detail = raw
		}
	}

	body, err := CanonicalJSON(ev)
	if err != nil {
		r.log.Error("audit event not canonicalizable",
			zap.String("action", action), zap.Error(err))
		return
	}
	ev.Signature = hex.EncodeToString(r.signer.Sign(body))

	if err := r.store.InsertAuditEvent(ctx, ev); err != nil {
		r.log.Error("audit event not persisted",
			zap.String("tenant_id", tenantID),
			zap.String("action", action),
			zap.Error(err))
	}
}

// VerifyAuditEvent checks an event's signature offline given the signer's
// hex public key.
func VerifyAuditEvent(pubHex string, ev types.AuditEvent) bool {
	sig, err := hex.DecodeString(ev.Signature)
	if err != nil {
		return false
	}
	ev.Signature = ""
	body, err := CanonicalJSON(&ev)
	if err != nil {
		return false
	}
	return VerifyWithPublicKey(pubHex, body, sig)
}
