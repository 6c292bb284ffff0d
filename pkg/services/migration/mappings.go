package migration

import (
	"context"
	"fmt"
	"time"
)

// MappingSummary describes the identifier map entries of one model.
type MappingSummary struct {
	Model          string    `json:"model"`
	Live           int       `json:"live"`
	Superseded     int       `json:"superseded"`
	LastRunID      string    `json:"last_run_id,omitempty"`
	LastMigratedAt time.Time `json:"last_migrated_at"`
}

// Mappings summarizes the identifier map for the configured models, or for
// only when it is not empty.
func (r *Runner) Mappings(ctx context.Context, only []string) ([]MappingSummary, error) {
	names := only
	if len(names) == 0 {
		names = r.cfg.ModelNames()
	}

	out := make([]MappingSummary, 0, len(names))
	for _, model := range names {
		if _, ok := r.modelConfigs[model]; !ok {
			return nil, fmt.Errorf("model %s is not configured", model)
		}
		recs, err := r.idmap.ListByModel(ctx, model)
		if err != nil {
			return nil, fmt.Errorf("list %s mappings: %w", model, err)
		}
		s := MappingSummary{Model: model}
		for _, rec := range recs {
			if !rec.IsLive() {
				s.Superseded++
				continue
			}
			s.Live++
			if rec.MigratedAt.After(s.LastMigratedAt) {
				s.LastMigratedAt = rec.MigratedAt
				s.LastRunID = rec.RunID
			}
		}
		out = append(out, s)
	}
	return out, nil
}
