package store

import (
	"context"
	"encoding/json"

	"mycel/internal/types"
)

// InsertOutcome records a trace outcome. The primary key enforces
// first-wins: a second submission for the same trace reports
// already_recorded and leaves the stored row untouched.
func (s *Store) InsertOutcome(ctx context.Context, tenantID string, o *types.Outcome) error {
	var hopScores []byte
	if len(o.HopScores) > 0 {
		var err error
		hopScores, err = json.Marshal(o.HopScores)
		if err != nil {
			return types.Wrap(types.CodeInvalidArgument, err, "encode hop scores")
		}
	}
	return s.withRetry(ctx, "outcome.insert", func(ctx context.Context) error {
		tag, err := s.pool.Exec(ctx,
			`INSERT INTO trace_outcomes (tenant_id, trace_id, overall_score, hop_scores, recorded_at)
			 VALUES ($1, $2, $3, $4, $5)
			 ON CONFLICT (tenant_id, trace_id) DO NOTHING`,
			tenantID, o.TraceID, o.OverallScore, hopScores, o.RecordedAt)
		if err != nil {
			return err
		}
		if tag.RowsAffected() == 0 {
			return types.E(types.CodeAlreadyRecorded, "outcome for trace %s already recorded", o.TraceID)
		}
		return nil
	})
}
