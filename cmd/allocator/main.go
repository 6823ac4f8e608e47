package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"time"

	"github.com/dpup/prefab"
	"github.com/joho/godotenv"

	"github.com/dpup/jamalloc/internal/cache"
	"github.com/dpup/jamalloc/internal/config"
	"github.com/dpup/jamalloc/internal/lib/allocation"
	"github.com/dpup/jamalloc/internal/lib/geo"
	"github.com/dpup/jamalloc/internal/repository/postgres"
	"github.com/dpup/jamalloc/internal/services"
)

func main() {
	var (
		configPath = flag.String("config", "", "YAML config file (defaults to prefab.yaml and PF__ env vars)")
		fromStr    = flag.String("from", "", "Window start (RFC3339); runs once instead of serving")
		toStr      = flag.String("to", "", "Window end (RFC3339), exclusive")
		exportRun  = flag.Bool("export", false, "Write per-segment summaries after a one-shot run")
		reset      = flag.Bool("reset", false, "Forget checkpoints and stored matches of the window before running")
	)
	flag.Parse()

	if err := godotenv.Load(); err != nil {
		log.Println("No .env file found, using system environment")
	}

	appConfig := loadConfig(*configPath)

	ctx := context.Background()

	pool, err := postgres.Connect(ctx, appConfig.Database.URL, appConfig.Database.MaxConns)
	if err != nil {
		log.Fatalf("Failed to connect to database: %v", err)
	}
	defer pool.Close()

	repo := postgres.NewRepository(pool)
	if err := repo.EnsureSchema(ctx); err != nil {
		log.Fatalf("Failed to prepare schema: %v", err)
	}

	normalizer, err := geo.NewNormalizer(appConfig.Projection)
	if err != nil {
		log.Fatalf("Failed to create projection: %v", err)
	}
	defer normalizer.Close()

	engine, err := allocation.NewEngine(appConfig.Allocation.Options(normalizer.SRID()))
	if err != nil {
		log.Fatalf("Invalid allocation options: %v", err)
	}

	networks := cache.NewNetworkCache(appConfig.Batch.NetworkTTL)
	defer networks.Invalidate()

	driver := services.NewBatchDriver(engine, networks, repo, normalizer, appConfig.Batch)

	log.Printf("Jam allocator starting (%s, small=%gm big=%gm directional=%t)",
		appConfig.Projection, appConfig.Allocation.SmallBuffer, appConfig.Allocation.BigBuffer, appConfig.Allocation.Directional)

	if *fromStr != "" || *toStr != "" {
		window, err := parseWindow(*fromStr, *toStr)
		if err != nil {
			log.Fatal(err)
		}
		runOnce(ctx, driver, repo, normalizer, window, appConfig, *exportRun, *reset)
		return
	}

	serve(ctx, driver, repo, networks, appConfig)
}

// loadConfig loads configuration from a YAML file when given, otherwise from
// Prefab's config system (prefab.yaml and environment variables with PF__ prefix)
func loadConfig(path string) *config.Config {
	if path != "" {
		cfg, err := config.LoadFile(path)
		if err != nil {
			log.Fatalf("Failed to load config: %v", err)
		}
		return cfg
	}

	appConfig := config.DefaultConfig()

	sections := map[string]interface{}{
		"allocation": &appConfig.Allocation,
		"projection": &appConfig.Projection,
		"batch":      &appConfig.Batch,
		"database":   &appConfig.Database,
		"feed":       &appConfig.Feed,
		"export":     &appConfig.Export,
	}
	for key, section := range sections {
		if err := prefab.Config.Unmarshal(key, section); err != nil {
			log.Fatalf("Failed to unmarshal %s section: %v", key, err)
		}
	}

	if appConfig.Database.URL == "" {
		appConfig.Database.URL = os.Getenv("DATABASE_URL")
	}

	if err := appConfig.Validate(); err != nil {
		log.Fatal(err)
	}
	return appConfig
}

func parseWindow(fromStr, toStr string) (services.Window, error) {
	from, err := time.Parse(time.RFC3339, fromStr)
	if err != nil {
		return services.Window{}, fmt.Errorf("invalid -from: %w", err)
	}
	to, err := time.Parse(time.RFC3339, toStr)
	if err != nil {
		return services.Window{}, fmt.Errorf("invalid -to: %w", err)
	}
	window := services.Window{From: from, To: to}
	return window, window.Validate()
}

func runOnce(ctx context.Context, driver *services.BatchDriver, repo *postgres.Repository, normalizer *geo.Normalizer, window services.Window, appConfig *config.Config, exportRun, reset bool) {
	if reset {
		if err := repo.ClearCheckpoints(ctx, driver.RunKey(window)); err != nil {
			log.Fatalf("Failed to clear checkpoints: %v", err)
		}
		deleted, err := repo.DeleteMatches(ctx, window.From, window.To)
		if err != nil {
			log.Fatalf("Failed to delete matches: %v", err)
		}
		log.Printf("Reset window %s (%d matches removed)", window, deleted)
	}

	stats, err := driver.Run(ctx, window)
	if err != nil {
		log.Fatalf("Allocation failed: %v", err)
	}

	fmt.Printf("Allocation of %s\n", window)
	fmt.Printf("  Jams:        %d\n", stats.Jams)
	fmt.Printf("  Pages:       %d (%d already done, %d failed)\n", stats.Pages, stats.PagesSkipped, stats.PagesFailed)
	for _, tier := range []allocation.Tier{allocation.TierContains, allocation.TierWithin, allocation.TierIntersects} {
		fmt.Printf("  %-12s %d\n", tier.String()+":", stats.MatchesByTier[tier])
	}
	fmt.Printf("  Unmatched:   %d\n", stats.Unmatched)
	fmt.Printf("  Duration:    %v\n", stats.Duration.Round(time.Millisecond))

	if exportRun {
		paths, err := services.ExportWindow(ctx, repo, window, normalizer, appConfig.Export)
		if err != nil {
			log.Fatalf("Export failed: %v", err)
		}
		for _, p := range paths {
			fmt.Printf("  Wrote %s\n", p)
		}
	}
}

func serve(ctx context.Context, driver *services.BatchDriver, repo *postgres.Repository, networks *cache.NetworkCache, appConfig *config.Config) {
	periodic := services.NewPeriodicAllocationService(driver, appConfig.Batch)
	if err := periodic.Start(ctx); err != nil {
		log.Fatalf("Failed to start periodic allocation: %v", err)
	}
	defer periodic.Stop()

	// Expired networks are otherwise only dropped when the next run looks
	// them up, which can be a whole interval away
	if ttl := appConfig.Batch.NetworkTTL; ttl > 0 {
		cleanupCtx, cancel := context.WithCancel(ctx)
		defer cancel()
		networks.StartPeriodicCleanup(cleanupCtx, ttl/2)
	}

	if appConfig.Feed.URL != "" {
		feed := services.NewIngestService(newFeedClient(appConfig), repo, appConfig.Feed.Timeout)
		go pollFeed(ctx, feed, time.Minute)
	}

	// Server configuration (port, etc.) is loaded from prefab.yaml/env vars
	server := prefab.New(
		prefab.WithHTTPHandlerFunc("/status", periodic.StatusHandler),
		prefab.WithHTTPHandlerFunc("/healthz", healthHandler(repo, networks)),
	)

	if err := server.Start(); err != nil {
		log.Fatalf("Server failed: %v", err)
	}
}

func healthHandler(repo *postgres.Repository, networks *cache.NetworkCache) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if err := repo.Health(r.Context()); err != nil {
			http.Error(w, err.Error(), http.StatusServiceUnavailable)
			return
		}
		stats := networks.Stats()
		fmt.Fprintf(w, "ok (networks cached: %d)\n", stats.TotalEntries)
	}
}
