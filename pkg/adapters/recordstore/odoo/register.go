package odoo

import (
	"context"

	"github.com/ekaya-inc/ekaya-migrate/pkg/adapters/recordstore"
)

func init() {
	recordstore.Register(recordstore.Registration{
		Info: recordstore.StoreInfo{
			Type:        "odoo",
			DisplayName: "Odoo",
			Description: "Odoo 13+ over the JSON-RPC external API",
		},
		Factory: func(ctx context.Context, config map[string]any, opts recordstore.Options) (recordstore.RecordStore, error) {
			cfg, err := FromMap(config)
			if err != nil {
				return nil, err
			}
			return NewStore(cfg, opts), nil
		},
	})
}
