// Package backend opens the repository implementation selected in config.
package backend

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"github.com/familybook/familybook/internal/config"
	"github.com/familybook/familybook/internal/store"
	"github.com/familybook/familybook/internal/store/memstore"
)

// Open connects the configured repository. The returned func releases its
// connections.
func Open(ctx context.Context, cfg *config.Config) (store.Repository, func(), error) {
	switch cfg.StoreDriver {
	case config.DriverPostgres:
		pool, err := pgxpool.New(ctx, cfg.PostgresDSN)
		if err != nil {
			return nil, nil, fmt.Errorf("postgres connect: %w", err)
		}
		return store.NewPostgresStore(pool), pool.Close, nil
	case config.DriverMongo:
		client, err := mongo.Connect(ctx, options.Client().ApplyURI(cfg.MongoURI))
		if err != nil {
			return nil, nil, fmt.Errorf("mongo connect: %w", err)
		}
		closeFn := func() { client.Disconnect(context.Background()) }
		return store.NewMongoStore(client.Database(cfg.MongoDB)), closeFn, nil
	case config.DriverMemory:
		return memstore.New(), func() {}, nil
	default:
		return nil, nil, fmt.Errorf("unknown store driver %q", cfg.StoreDriver)
	}
}
