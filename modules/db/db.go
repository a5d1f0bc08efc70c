package db

import (
	"context"
	"fmt"
	"sync"

	"chain-reader/lib/utils"
	a "chain-reader/modules/aggregate"

	"github.com/chebyrash/promise"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
	"go.mongodb.org/mongo-driver/mongo/readpref"
)

const DefaultDbURI = "mongodb://127.0.0.1:27017"

type Db interface {
	Database(name string, opts ...*options.DatabaseOptions) *mongo.Database
}

// Connector is a Db that has to be connected before use.
type Connector interface {
	Db
	Connect(ctx context.Context) error
	Stop() error
}

type db struct {
	uri string

	mtx sync.Mutex
	*mongo.Client
}

var _ a.Plugin = &db{}
var _ Connector = &db{}

func NewFromURI(uri string) *db {
	return &db{uri: uri}
}

func (db *db) Init() error {
	return nil
}

func (db *db) Start() *promise.Promise[any] {
	if err := db.Connect(context.Background()); err != nil {
		return utils.PromiseReject[any](err)
	}
	return utils.PromiseResolve[any](nil)
}

// Connect dials the server and pings the primary. Calling it again after
// a successful connect is a no-op.
func (db *db) Connect(ctx context.Context) error {
	db.mtx.Lock()
	defer db.mtx.Unlock()
	if db.Client != nil {
		return nil
	}

	uri := db.uri
	if uri == "" {
		uri = DefaultDbURI
	}
	client, err := mongo.Connect(ctx, options.Client().ApplyURI(uri))
	if err != nil {
		return fmt.Errorf("failed to connect to %s: %w", uri, err)
	}
	if err := client.Ping(ctx, readpref.Primary()); err != nil {
		_ = client.Disconnect(context.Background())
		return fmt.Errorf("failed to ping %s: %w", uri, err)
	}
	db.Client = client
	return nil
}

func (db *db) Stop() error {
	db.mtx.Lock()
	defer db.mtx.Unlock()
	if db.Client == nil {
		return nil
	}
	err := db.Client.Disconnect(context.Background())
	db.Client = nil
	return err
}
