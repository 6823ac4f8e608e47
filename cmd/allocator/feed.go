package main

import (
	"context"
	"log"
	"time"

	"github.com/dpup/jamalloc/internal/clients/waze"
	"github.com/dpup/jamalloc/internal/config"
	"github.com/dpup/jamalloc/internal/services"
)

func newFeedClient(appConfig *config.Config) *waze.Client {
	return waze.NewClient(appConfig.Feed.URL, appConfig.Feed.Timeout)
}

// pollFeed stores a feed snapshot every interval so the periodic allocation
// always has fresh jams to work on
func pollFeed(ctx context.Context, feed *services.IngestService, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		if _, err := feed.IngestFeed(ctx); err != nil {
			log.Printf("Feed poll failed: %v", err)
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}
