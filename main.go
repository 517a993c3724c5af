// Command vulnmatch matches a dependency set against known vulnerability
// records, with version-precise constraint evaluation, a persistent query
// cache, and a coverage report accounting for every input dependency.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/depscope/vulnmatch/internal/cache"
	"github.com/depscope/vulnmatch/internal/config"
	"github.com/depscope/vulnmatch/internal/logging"
	"github.com/depscope/vulnmatch/internal/matcher"
	"github.com/depscope/vulnmatch/internal/nvd"
	"github.com/depscope/vulnmatch/internal/registry"
	"github.com/depscope/vulnmatch/internal/tracker"
	"github.com/depscope/vulnmatch/model"
)

// inputDependency is one entry of the input file: either a purl or the
// explicit coordinate fields.
type inputDependency struct {
	Purl      string `json:"purl,omitempty"`
	Ecosystem string `json:"ecosystem,omitempty"`
	Namespace string `json:"namespace,omitempty"`
	Name      string `json:"name,omitempty"`
	Version   string `json:"version,omitempty"`
}

func main() {
	configPath := flag.String("config", "", "path to YAML config file")
	inputPath := flag.String("input", "", "path to dependency list JSON file")
	outputPath := flag.String("output", "", "path for the result JSON (default stdout)")
	showStats := flag.Bool("cache-stats", false, "print cache statistics and exit")
	pruneAge := flag.Duration("prune", 0, "delete cache entries older than this duration and exit")
	flag.Parse()

	logger := logging.InitLogger()
	defer logger.Sync() //nolint:errcheck
	sugar := logger.Sugar()

	cfg, err := config.Load(*configPath)
	if err != nil {
		sugar.Fatalw("failed to load configuration", "error", err)
	}

	store, err := cache.Open(cfg.CacheDir, cfg.CacheTTL, sugar)
	if err != nil {
		sugar.Fatalw("failed to open cache", "error", err)
	}
	defer store.Close() //nolint:errcheck

	if *showStats {
		stats, err := store.Stats()
		if err != nil {
			sugar.Fatalw("failed to read cache stats", "error", err)
		}
		sugar.Infow("cache statistics",
			"total_entries", stats.TotalEntries,
			"valid_entries", stats.ValidEntries,
			"total_bytes", stats.TotalBytes)
		return
	}
	if *pruneAge > 0 {
		removed, err := store.Prune(*pruneAge)
		if err != nil {
			sugar.Fatalw("failed to prune cache", "error", err)
		}
		sugar.Infow("pruned cache", "removed", removed, "older_than", pruneAge.String())
		return
	}

	if *inputPath == "" {
		sugar.Fatal("missing required -input flag")
	}
	coords, err := loadCoordinates(*inputPath)
	if err != nil {
		sugar.Fatalw("failed to load dependencies", "error", err)
	}
	if len(coords) == 0 {
		sugar.Fatal("no dependencies in input file")
	}

	reg := registry.New(cfg.FuzzyThreshold, cfg.ExactMappings)
	client := nvd.NewClient(nvd.Options{
		APIKey:          cfg.APIKey,
		PageSize:        cfg.PageSize,
		DaysBack:        cfg.DaysBack,
		ThrottleRetries: cfg.MaxRetries,
	}, sugar)
	m := matcher.New(reg, store, client, sugar)
	t := tracker.New(m, cfg.Workers, cfg.MaxRetries, cfg.SeverityThreshold, sugar)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	ctx, cancel := context.WithTimeout(ctx, cfg.RunDeadline)
	defer cancel()

	start := time.Now()
	sugar.Infow("starting matching run",
		"dependencies", len(coords), "workers", cfg.Workers, "keyed", cfg.APIKey != "")

	result := t.Run(ctx, coords)

	sugar.Infow("matching run finished",
		"elapsed", time.Since(start).String(), "summary", result.Report.Summary())

	if err := writeResult(*outputPath, result); err != nil {
		sugar.Fatalw("failed to write result", "error", err)
	}
	if !result.Report.Complete() {
		os.Exit(1)
	}
}

// loadCoordinates reads the input dependency list, accepting purl entries
// and explicit coordinate entries interchangeably. A malformed entry is a
// fatal input error; silent drops would break coverage accounting.
func loadCoordinates(path string) ([]model.Coordinate, error) {
	content, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read %s: %w", path, err)
	}

	var deps []inputDependency
	if err := json.Unmarshal(content, &deps); err != nil {
		return nil, fmt.Errorf("failed to parse %s: %w", path, err)
	}

	coords := make([]model.Coordinate, 0, len(deps))
	for i, dep := range deps {
		if dep.Purl != "" {
			coord, err := model.CoordinateFromPURL(dep.Purl)
			if err != nil {
				return nil, fmt.Errorf("entry %d: %w", i, err)
			}
			coords = append(coords, coord)
			continue
		}
		if dep.Name == "" {
			return nil, fmt.Errorf("entry %d: neither purl nor name given", i)
		}
		coords = append(coords, model.Coordinate{
			Namespace: dep.Namespace,
			Name:      dep.Name,
			Version:   dep.Version,
			Ecosystem: model.NormalizeEcosystem(dep.Ecosystem),
		})
	}
	return coords, nil
}

func writeResult(path string, result *tracker.Result) error {
	encoded, err := json.MarshalIndent(result, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to encode result: %w", err)
	}
	encoded = append(encoded, '\n')

	if path == "" {
		_, err = os.Stdout.Write(encoded)
		return err
	}
	if err := os.WriteFile(path, encoded, 0o644); err != nil {
		return fmt.Errorf("failed to write %s: %w", path, err)
	}
	return nil
}
