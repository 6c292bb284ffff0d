package migration

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/ekaya-inc/ekaya-migrate/pkg/adapters/recordstore"
	"github.com/ekaya-inc/ekaya-migrate/pkg/models"
	"github.com/ekaya-inc/ekaya-migrate/pkg/services/transform"
)

// SeedResult reports one seed entry.
type SeedResult struct {
	Model    string `json:"model"`
	Created  int    `json:"created"`
	Existing int    `json:"existing"`
	// IDs maps key value to target id. Records withheld by a dry run are absent.
	IDs map[string]int64 `json:"ids"`
}

// Seeder makes sure reference records exist on the target, matched by a
// key field. Existing records are reused, missing ones created.
type Seeder struct {
	target recordstore.RecordStore
	dryRun bool
	logger *zap.Logger
}

// NewSeeder creates a seeder.
func NewSeeder(target recordstore.RecordStore, dryRun bool, logger *zap.Logger) *Seeder {
	return &Seeder{target: target, dryRun: dryRun, logger: logger.Named("seeder")}
}

// Seed processes seeds in order. Running it twice creates nothing the
// second time.
func (s *Seeder) Seed(ctx context.Context, seeds []transform.Seed) ([]SeedResult, error) {
	results := make([]SeedResult, 0, len(seeds))
	for _, seed := range seeds {
		res, err := s.seed(ctx, seed)
		if err != nil {
			return results, fmt.Errorf("seed %s: %w", seed.Model, err)
		}
		results = append(results, *res)
	}
	return results, nil
}

func (s *Seeder) seed(ctx context.Context, seed transform.Seed) (*SeedResult, error) {
	res := &SeedResult{Model: seed.Model, IDs: make(map[string]int64)}

	keys := make([]any, 0, len(seed.Records))
	for _, rec := range seed.Records {
		keys = append(keys, rec[seed.Key])
	}
	domain := recordstore.Domain{{Field: seed.Key, Operator: recordstore.OpIn, Value: keys}}
	existing, err := s.target.SearchRead(ctx, seed.Model, domain, []string{seed.Key}, 0, 0)
	if err != nil {
		return nil, fmt.Errorf("read existing: %w", err)
	}
	for _, rec := range existing {
		key := rec.Get(seed.Key).Key()
		// Keep the lowest id when the target already holds duplicates.
		if id, ok := res.IDs[key]; !ok || rec.ID < id {
			res.IDs[key] = rec.ID
		}
	}

	var (
		missing    []models.FieldValues
		missingKey []string
	)
	for _, raw := range seed.Records {
		values := make(models.FieldValues, len(raw))
		for field, v := range raw {
			val, err := models.FromAny(v)
			if err != nil {
				return nil, fmt.Errorf("field %s: %w", field, err)
			}
			values[field] = val
		}
		key := values[seed.Key].Key()
		if _, ok := res.IDs[key]; ok {
			res.Existing++
			continue
		}
		missing = append(missing, values)
		missingKey = append(missingKey, key)
	}

	if len(missing) == 0 || s.dryRun {
		res.Created = len(missing)
		if s.dryRun && len(missing) > 0 {
			s.logger.Info("Dry run: seed records withheld", zap.String("model", seed.Model), zap.Int("count", len(missing)))
		}
		return res, nil
	}

	ids, err := s.target.Create(ctx, seed.Model, missing)
	if err != nil {
		return nil, fmt.Errorf("create: %w", err)
	}
	for i, id := range ids {
		res.IDs[missingKey[i]] = id
	}
	res.Created = len(ids)
	s.logger.Info("Seeded reference records",
		zap.String("model", seed.Model),
		zap.Int("created", res.Created),
		zap.Int("existing", res.Existing))
	return res, nil
}
