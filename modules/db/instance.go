package db

import (
	"context"
	"fmt"

	"chain-reader/lib/utils"
	a "chain-reader/modules/aggregate"

	"github.com/chebyrash/promise"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

type DbInstance struct {
	*mongo.Database
}

var _ a.Plugin = &DbInstance{}

func NewDbInstance(db Db, name string, opts ...*options.DatabaseOptions) *DbInstance {
	return &DbInstance{
		db.Database(name, opts...),
	}
}

// MissingCollections lists which of the required collections do not exist.
// It returns ErrEmptyDatabase when the database has no collections at all.
func (d *DbInstance) MissingCollections(ctx context.Context, required ...string) ([]string, error) {
	names, err := d.ListCollectionNames(ctx, bson.D{})
	if err != nil {
		return nil, fmt.Errorf("failed to list collections of %s: %w", d.Name(), err)
	}
	if len(names) == 0 {
		return required, ErrEmptyDatabase
	}
	return utils.Missing(required, names), nil
}

// Init implements aggregate.Plugin.
func (d *DbInstance) Init() error {
	return nil
}

// Start implements aggregate.Plugin.
func (d *DbInstance) Start() *promise.Promise[any] {
	return utils.PromiseResolve[any](nil)
}

// Stop implements aggregate.Plugin.
func (d *DbInstance) Stop() error {
	return nil
}
