package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"chain-reader/lib/logger"
	"chain-reader/modules/aggregate"
	"chain-reader/modules/config"
	"chain-reader/modules/reader"
	hivereader "chain-reader/modules/reader/hive-reader"
	mongoreader "chain-reader/modules/reader/mongo-reader"
	"chain-reader/modules/reader/nodeos"
	statehistory "chain-reader/modules/reader/state-history"
	"chain-reader/modules/status"
	"chain-reader/modules/streamer"
)

// source is an ActionReader together with the options it was configured with
type source interface {
	reader.ActionReader
	Options() reader.Options
}

func main() {
	args, err := ParseArgs()
	if err != nil {
		fmt.Println("error is", err)
		os.Exit(1)
	}
	logger.Setup(os.Stderr, args.logFormat, args.logLevel)

	if err := run(args); err != nil {
		logger.New("main").Error("chain reader exited", "backend", args.backend, "err", err)
		os.Exit(1)
	}
}

func run(args args) error {
	log := logger.New("main")

	src, err := newSource(args)
	if err != nil {
		return fmt.Errorf("failed to configure backend: %w", err)
	}
	if closer, ok := src.(io.Closer); ok {
		defer func() {
			if err := closer.Close(); err != nil {
				log.Warn("failed to close backend", "err", err)
			}
		}()
	}

	process := func(block *reader.Block) error {
		log.Info("block",
			"number", block.Info.BlockNumber,
			"id", block.Info.BlockID,
			"actions", len(block.Actions),
		)
		for _, action := range block.Actions {
			log.Debug("action",
				"block", action.BlockNumber,
				"trx", action.TransactionID,
				"type", action.Type(),
				"global_sequence", action.GlobalSequence,
			)
		}
		return nil
	}
	rollback := func(blockNumber uint64) error {
		log.Warn("rolled back", "from", blockNumber)
		return nil
	}
	streamerPlugin := streamer.New(src, src.Options(), process, rollback)

	plugins := []aggregate.Plugin{streamerPlugin}
	if args.statusAddr != "" {
		plugins = append(plugins, status.NewServer(args.statusAddr, args.backend, streamerPlugin.Status))
	}
	if args.reportEvery != "" {
		plugins = append(plugins, status.NewReporter(args.reportEvery, streamerPlugin.Status))
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	return aggregate.NewWithContext(ctx, plugins).Run()
}

// newSource loads the config file of the selected backend, applies the
// environment overrides and builds the reader.
func newSource(args args) (source, error) {
	dataDir := &args.dataDir
	switch args.backend {
	case "mongo":
		conf := mongoreader.NewMongoReaderConfig(dataDir)
		if err := load(conf, "MONGO_URL", func(c *mongoreader.MongoReaderConfig, v string) { c.MongoURI = v }); err != nil {
			return nil, err
		}
		return mongoreader.New(conf.Get()), nil
	case "state-history":
		conf := statehistory.NewStateHistoryConfig(dataDir)
		if err := load(conf, "POSTGRES_URL", func(c *statehistory.StateHistoryConfig, v string) { c.PostgresURL = v }); err != nil {
			return nil, err
		}
		return statehistory.New(conf.Get()), nil
	case "nodeos":
		conf := nodeos.NewNodeosReaderConfig(dataDir)
		if err := load(conf, "NODEOS_API", func(c *nodeos.NodeosReaderConfig, v string) { c.NodeosURL = v }); err != nil {
			return nil, err
		}
		return nodeos.New(conf.Get()), nil
	case "hive":
		conf := hivereader.NewHiveReaderConfig(dataDir)
		if err := load(conf, "HIVE_API", func(c *hivereader.HiveReaderConfig, v string) { c.HiveURI = v }); err != nil {
			return nil, err
		}
		return hivereader.New(conf.Get()), nil
	}
	return nil, fmt.Errorf("unknown backend %q", args.backend)
}

func load[T any](conf *config.Config[T], env string, set func(t *T, value string)) error {
	if err := conf.Init(); err != nil {
		return err
	}
	return conf.ApplyEnv(env, set)
}
