package memory

import (
	"context"
	"fmt"

	"github.com/ekaya-inc/ekaya-migrate/pkg/adapters/recordstore"
)

func init() {
	recordstore.Register(recordstore.Registration{
		Info: recordstore.StoreInfo{
			Type:        "memory",
			DisplayName: "In-memory",
			Description: "Process-local store, optionally loaded from a JSON fixture (rehearsal runs)",
		},
		Factory: func(ctx context.Context, config map[string]any, opts recordstore.Options) (recordstore.RecordStore, error) {
			s := New()
			if path, ok := config["fixture"].(string); ok && path != "" {
				if err := s.LoadFixture(path); err != nil {
					return nil, fmt.Errorf("load fixture: %w", err)
				}
			}
			return s, nil
		},
	})
}
