//go:build integration

package idmap

import (
	"context"
	"testing"

	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"

	"github.com/ekaya-inc/ekaya-migrate/pkg/database"
	"github.com/ekaya-inc/ekaya-migrate/pkg/testhelpers"
)

func TestPostgresStore_Contract(t *testing.T) {
	db := testhelpers.GetIDMapDB(t)
	// Model names are unique per subtest, so the shared table needs no cleanup.
	runStoreContract(t, func(t *testing.T) Store { return &PostgresStore{db: db.DB} })
}

func TestRedisStore_Contract(t *testing.T) {
	addr := testhelpers.GetRedisAddr(t)
	client, err := database.NewRedisClient(context.Background(), &database.RedisConfig{Addr: addr})
	require.NoError(t, err)
	t.Cleanup(func() { client.Close() })

	runStoreContract(t, func(t *testing.T) Store {
		return NewRedisStore(client, "idmap_test")
	})
}

func TestRedisStore_KeyLayout(t *testing.T) {
	addr := testhelpers.GetRedisAddr(t)
	client := redis.NewClient(&redis.Options{Addr: addr})
	t.Cleanup(func() { client.Close() })
	ctx := context.Background()

	s := NewRedisStore(client, "layout")
	_, err := s.Record(ctx, mapping("res.partner", 1, 10))
	require.NoError(t, err)

	n, err := client.HLen(ctx, "layout:res.partner").Result()
	require.NoError(t, err)
	require.Equal(t, int64(1), n)
}
