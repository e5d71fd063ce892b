package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"

	chunkstore "github.com/chunkstore-db/chunkstore"
)

func main() {
	var (
		configPath = flag.String("config", "", "YAML config file (optional)")
		dbPath     = flag.String("db", "chunkstore.db", "SQLite database file")
		dataDir    = flag.String("data", "", "directory of chunked dataset files to ingest")
		rangeSpec  = flag.String("range", "", "range to read after ingest, as start:end")
	)
	flag.Parse()

	logger := slog.New(slog.NewTextHandler(os.Stderr, nil))
	slog.SetDefault(logger)

	if err := run(*configPath, *dbPath, *dataDir, *rangeSpec); err != nil {
		logger.Error("chunkstore failed", "err", err)
		os.Exit(1)
	}
}

func run(configPath, dbPath, dataDir, rangeSpec string) error {
	cfg := chunkstore.DefaultConfig(dbPath)
	if configPath != "" {
		loaded, err := chunkstore.LoadConfig(configPath)
		if err != nil {
			return err
		}
		cfg = loaded
		if cfg.Path == "" {
			cfg.Path = dbPath
		}
	}

	cache, err := chunkstore.Open(cfg.Path, cfg)
	if err != nil {
		return err
	}
	defer cache.Close()

	ctx := context.Background()

	if dataDir != "" {
		files, err := chunkstore.DirInputs(dataDir)
		if err != nil {
			return err
		}
		meta, err := cache.Ingest(ctx, files, func(percent int, status string) {
			fmt.Fprintf(os.Stderr, "\r%3d%% %s", percent, status)
		})
		fmt.Fprintln(os.Stderr)
		if err != nil {
			return err
		}
		slog.Info("dataset loaded",
			"coins", len(meta.Coins), "chunks", len(meta.Chunks), "points", meta.TotalPoints)
	}

	if rangeSpec != "" {
		start, end, err := parseRange(rangeSpec)
		if err != nil {
			return err
		}
		data, err := cache.ReadRange(ctx, start, end)
		if err != nil {
			return err
		}

		fmt.Printf("range [%d, %d): %d points\n", start, end, data.Len())
		if n := min(5, len(data.Spread)); n > 0 {
			fmt.Printf("  %-12s %v\n", "spread", data.Spread[:n])
		}
		for coin, series := range data.PerCoin {
			fmt.Printf("  %-12s ma=%d prices=%d means=%d\n",
				coin, len(series.MovingAverages), len(series.NormalizedPrices), len(series.CumulativeMeans))
		}
		stats := cache.ResidentStats()
		slog.Info("resident tier", "chunks", stats.Chunks, "hits", stats.Hits, "misses", stats.Misses)
	}

	return nil
}

func parseRange(spec string) (int, int, error) {
	parts := strings.SplitN(spec, ":", 2)
	if len(parts) != 2 {
		return 0, 0, fmt.Errorf("range must be start:end, got %q", spec)
	}
	start, err := strconv.Atoi(parts[0])
	if err != nil {
		return 0, 0, fmt.Errorf("bad range start: %w", err)
	}
	end, err := strconv.Atoi(parts[1])
	if err != nil {
		return 0, 0, fmt.Errorf("bad range end: %w", err)
	}
	return start, end, nil
}
