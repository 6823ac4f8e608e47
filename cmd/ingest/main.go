package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"

	"github.com/joho/godotenv"

	"github.com/dpup/jamalloc/internal/clients/waze"
	"github.com/dpup/jamalloc/internal/config"
	"github.com/dpup/jamalloc/internal/lib/geo"
	"github.com/dpup/jamalloc/internal/repository/postgres"
	"github.com/dpup/jamalloc/internal/services"
)

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}

	if err := godotenv.Load(); err != nil {
		log.Println("No .env file found, using system environment")
	}

	command := os.Args[1]

	switch command {
	case "feed":
		handleFeed()
	case "sections":
		handleSections()
	case "help":
		printUsage()
	default:
		fmt.Printf("Unknown command: %s\n\n", command)
		printUsage()
		os.Exit(1)
	}
}

func printUsage() {
	fmt.Println("Jam ingest tool")
	fmt.Println()
	fmt.Println("Usage: ingest <command> [options]")
	fmt.Println()
	fmt.Println("Commands:")
	fmt.Println("  feed       Store jams from the live feed, or from an archive with -file")
	fmt.Println("  sections   Import road sections from a lon/lat GeoJSON file")
	fmt.Println("  help       Show this message")
	fmt.Println()
	fmt.Println("Examples:")
	fmt.Println("  ingest feed -config allocator.yaml")
	fmt.Println("  ingest feed -file waze_2019_06.json")
	fmt.Println("  ingest sections -file sections_joinville.geojson")
}

// setup loads the config and opens the repository
func setup(ctx context.Context, configPath string) (*config.Config, *postgres.Repository, func()) {
	appConfig := config.DefaultConfig()
	if configPath != "" {
		cfg, err := config.LoadFile(configPath)
		if err != nil {
			log.Fatalf("Failed to load config: %v", err)
		}
		appConfig = cfg
	}
	if appConfig.Database.URL == "" {
		appConfig.Database.URL = os.Getenv("DATABASE_URL")
	}
	if appConfig.Feed.URL == "" {
		appConfig.Feed.URL = os.Getenv("FEED_URL")
	}

	pool, err := postgres.Connect(ctx, appConfig.Database.URL, appConfig.Database.MaxConns)
	if err != nil {
		log.Fatalf("Failed to connect to database: %v", err)
	}

	repo := postgres.NewRepository(pool)
	if err := repo.EnsureSchema(ctx); err != nil {
		pool.Close()
		log.Fatalf("Failed to prepare schema: %v", err)
	}
	return appConfig, repo, pool.Close
}

func handleFeed() {
	fs := flag.NewFlagSet("feed", flag.ExitOnError)
	configPath := fs.String("config", "", "YAML config file")
	file := fs.String("file", "", "Archive of stored feed snapshots (JSON array) to import instead of the live feed")

	fs.Parse(os.Args[2:])

	ctx := context.Background()
	appConfig, repo, closeDB := setup(ctx, *configPath)
	defer closeDB()

	var stats *services.IngestStats
	var err error
	if *file != "" {
		f, openErr := os.Open(*file)
		if openErr != nil {
			log.Fatalf("Failed to open archive: %v", openErr)
		}
		defer f.Close()
		stats, err = services.NewIngestService(nil, repo, appConfig.Feed.Timeout).IngestArchive(ctx, f)
	} else {
		client := waze.NewClient(appConfig.Feed.URL, appConfig.Feed.Timeout)
		stats, err = services.NewIngestService(client, repo, appConfig.Feed.Timeout).IngestFeed(ctx)
	}
	if err != nil {
		log.Fatalf("Ingest failed: %v", err)
	}

	fmt.Printf("Ingested %d snapshot(s)\n", stats.Snapshots)
	fmt.Printf("  Jams:     %d\n", stats.Jams)
	fmt.Printf("  Inserted: %d\n", stats.Inserted)
	fmt.Printf("  Skipped:  %d (fewer than two trace points)\n", stats.Skipped)
}

func handleSections() {
	fs := flag.NewFlagSet("sections", flag.ExitOnError)
	configPath := fs.String("config", "", "YAML config file")
	file := fs.String("file", "", "GeoJSON FeatureCollection of lon/lat LineStrings")

	fs.Parse(os.Args[2:])

	if *file == "" {
		fmt.Println("Example usage:")
		fmt.Println("  ingest sections -file sections_joinville.geojson")
		os.Exit(1)
	}

	ctx := context.Background()
	appConfig, repo, closeDB := setup(ctx, *configPath)
	defer closeDB()

	normalizer, err := geo.NewNormalizer(appConfig.Projection)
	if err != nil {
		log.Fatalf("Failed to create projection: %v", err)
	}
	defer normalizer.Close()

	f, err := os.Open(*file)
	if err != nil {
		log.Fatalf("Failed to open sections: %v", err)
	}
	defer f.Close()

	stats, err := services.ImportSections(ctx, f, normalizer, repo)
	if err != nil {
		log.Fatalf("Import failed: %v", err)
	}
	fmt.Printf("Imported %d section(s) into %s, skipped %d\n", stats.Sections, appConfig.Projection, stats.Skipped)
}
