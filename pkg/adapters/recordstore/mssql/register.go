package mssql

import (
	"context"

	"github.com/ekaya-inc/ekaya-migrate/pkg/adapters/recordstore"
)

func init() {
	recordstore.Register(recordstore.Registration{
		Info: recordstore.StoreInfo{
			Type:        "sqlserver",
			DisplayName: "Microsoft SQL Server",
			Description: "Tables in one SQL Server schema, one model per table",
		},
		Factory: func(ctx context.Context, config map[string]any, opts recordstore.Options) (recordstore.RecordStore, error) {
			cfg, err := FromMap(config)
			if err != nil {
				return nil, err
			}
			return NewStore(ctx, cfg, opts)
		},
	})
}
