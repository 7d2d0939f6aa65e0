package main

import (
	"log/slog"
	"os"
)

func main() {
	log := slog.New(slog.NewJSONHandler(os.Stderr, nil))

	if err := newRootCmd(log, connect).Execute(); err != nil {
		log.Error("migrate exited with error", "err", err)
		os.Exit(1)
	}
}
