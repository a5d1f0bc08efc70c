package main

import (
	"flag"
	"fmt"
	"log/slog"
	"os"
	"slices"
)

var backends = []string{"mongo", "state-history", "nodeos", "hive"}

type args struct {
	backend     string
	dataDir     string
	logFormat   string
	logLevel    slog.Level
	statusAddr  string
	reportEvery string
}

func ParseArgs() (args, error) {
	flag.Usage = func() {
		fmt.Printf("Chain Reader - streams blocks and their actions from a chain history source.\n\n")
		fmt.Printf("Usage: %s [options]\n", os.Args[0])
		flag.PrintDefaults()
	}
	backend := flag.String("backend", "mongo", "Block source: mongo, state-history, nodeos or hive")
	dataDir := flag.String("data-dir", "data", "Directory holding the config files")
	logFormat := flag.String("log-format", "text", "Log output format: text or json")
	logLevel := flag.String("log-level", "info", "Minimum log level: debug, info, warn or error")
	statusAddr := flag.String("status-addr", ":7080", "Listen address for /status and /metrics, empty to disable")
	reportEvery := flag.String("report-every", "@every 1m", "Cron spec for logging the stream status, empty to disable")

	flag.Parse()

	if !slices.Contains(backends, *backend) {
		return args{}, fmt.Errorf("unknown backend %q", *backend)
	}
	var level slog.Level
	if err := level.UnmarshalText([]byte(*logLevel)); err != nil {
		return args{}, fmt.Errorf("invalid log level %q: %w", *logLevel, err)
	}

	return args{
		*backend,
		*dataDir,
		*logFormat,
		level,
		*statusAddr,
		*reportEvery,
	}, nil
}
