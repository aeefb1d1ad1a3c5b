package main

import (
	"context"
	"flag"
	"fmt"
	"math/rand"
	"os"
	"os/signal"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/parley/chat-app/internal/session"
	"github.com/parley/chat-app/loadtest/stats"
)

// runChurn implements the join/leave churn test. Each worker cycles through
// rooms: join, linger, leave, pick another room. This hammers the claim scan,
// the lifecycle event stream, and the presence feed's add/remove fan-out —
// the paths an idle room never exercises.
func runChurn(args []string) {
	fs := flag.NewFlagSet("churn", flag.ExitOnError)
	backend, redisAddr, natsURL := storeFlags(fs)
	workers := fs.Int("workers", 100, "Number of churning occupants")
	rooms := fs.Int("rooms", 10, "Number of rooms to cycle through")
	linger := fs.Duration("linger", 5*time.Second, "How long each occupant stays before leaving")
	duration := fs.Duration("duration", 2*time.Minute, "Total test duration")
	metricsURL := fs.String("metrics-url", "", "Prometheus metrics endpoint URL of a client under observation")
	scrapeInterval := fs.Duration("scrape-interval", 2*time.Second, "Interval between metrics scrapes")
	fs.Parse(args)

	fmt.Printf("Churn test: %d workers over %d rooms (linger=%s, duration=%s)\n",
		*workers, *rooms, *linger, *duration)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	ctx, cancel := context.WithTimeout(ctx, *duration)
	defer cancel()

	store, closeStore, err := openStore(*backend, *redisAddr, *natsURL)
	if err != nil {
		fmt.Fprintf(os.Stderr, "store: %v\n", err)
		os.Exit(1)
	}
	defer closeStore()

	collector := stats.NewCollector()
	var scraper *stats.Scraper
	if *metricsURL != "" {
		scraper = stats.NewScraper(*metricsURL, *scrapeInterval)
		collector.SetScraper(scraper)
		scraper.Start(ctx)
		defer scraper.Stop()
	}

	var cycles atomic.Int64

	progressStop := make(chan struct{})
	var progressWg sync.WaitGroup
	progressWg.Add(1)
	go func() {
		defer progressWg.Done()
		ticker := time.NewTicker(5 * time.Second)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				fmt.Printf("  [churn] cycles: %d  joins: %d  errors: %d\n",
					cycles.Load(), collector.SessionCount(), collector.ErrorCount())
			case <-progressStop:
				return
			}
		}
	}()

	var wg sync.WaitGroup
	for i := 0; i < *workers; i++ {
		i := i
		wg.Add(1)
		go func() {
			defer wg.Done()

			// Stagger starts so the first wave of claims does not land
			// on one scan.
			select {
			case <-time.After(time.Duration(i) * 50 * time.Millisecond):
			case <-ctx.Done():
				return
			}

			rng := rand.New(rand.NewSource(int64(i)))
			sess := session.New(store, "", session.DefaultConfig())
			name := fmt.Sprintf("churner-%d", i)

			for {
				roomName := fmt.Sprintf("load-room-%d", rng.Intn(*rooms))

				joinStart := time.Now()
				if _, err := sess.Enter(ctx, roomName, "load", name); err != nil {
					collector.AddError()
				} else {
					collector.AddJoin(time.Since(joinStart))
				}

				select {
				case <-time.After(*linger):
				case <-ctx.Done():
					sess.Leave(context.Background())
					return
				}

				sess.Leave(ctx)
				cycles.Add(1)
			}
		}()
	}

	wg.Wait()
	close(progressStop)
	progressWg.Wait()

	fmt.Printf("\nChurn complete: %d full cycles\n", cycles.Load())
	collector.Report()
}
