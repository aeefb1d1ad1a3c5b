package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/parley/chat-app/internal/session"
	"github.com/parley/chat-app/loadtest/stats"
)

// runOccupy implements the occupancy saturation test. It ramps N occupants
// into a set of rooms and holds them idle for the test duration, so the only
// traffic is the liveness protocol: heartbeats, reaper scans, and the
// presence feed fan-out.
func runOccupy(args []string) {
	fs := flag.NewFlagSet("occupy", flag.ExitOnError)
	backend, redisAddr, natsURL := storeFlags(fs)
	occupants := fs.Int("occupants", 500, "Number of simulated occupants")
	rooms := fs.Int("rooms", 10, "Number of rooms to spread occupants across")
	rampUp := fs.Duration("ramp", 30*time.Second, "Ramp-up duration for joins")
	hold := fs.Duration("hold", 2*time.Minute, "How long occupants stay idle in their rooms")
	concurrency := fs.Int("concurrency", 50, "Maximum simultaneous join attempts during ramp-up")
	metricsURL := fs.String("metrics-url", "", "Prometheus metrics endpoint URL of a client under observation")
	scrapeInterval := fs.Duration("scrape-interval", 2*time.Second, "Interval between metrics scrapes")
	fs.Parse(args)

	fmt.Printf("Occupy test: %d occupants across %d rooms (ramp=%s, hold=%s, concurrency=%d)\n",
		*occupants, *rooms, *rampUp, *hold, *concurrency)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

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

	var mu sync.Mutex
	sessions := make([]*session.Session, 0, *occupants)

	interval := *rampUp / time.Duration(*occupants)
	if interval <= 0 {
		interval = time.Millisecond
	}

	sem := make(chan struct{}, *concurrency)
	var wg sync.WaitGroup

	progressStop := make(chan struct{})
	var progressWg sync.WaitGroup
	progressWg.Add(1)
	go func() {
		defer progressWg.Done()
		ticker := time.NewTicker(2 * time.Second)
		defer ticker.Stop()
		last := 0
		lastTime := time.Now()
		for {
			select {
			case <-ticker.C:
				now := time.Now()
				joined := collector.SessionCount()
				rate := float64(joined-last) / now.Sub(lastTime).Seconds()
				fmt.Printf("  [join] occupants: %d/%d  errors: %d  rate: %.1f join/s\n",
					joined, *occupants, collector.ErrorCount(), rate)
				last = joined
				lastTime = now
			case <-progressStop:
				return
			}
		}
	}()

	rampStart := time.Now()
	rampTicker := time.NewTicker(interval)

	launched := 0
	for launched < *occupants {
		select {
		case <-ctx.Done():
			fmt.Println("\nInterrupted during join phase.")
			launched = *occupants
		case <-rampTicker.C:
			launched++
			n := launched
			wg.Add(1)
			sem <- struct{}{}

			go func() {
				defer wg.Done()
				defer func() { <-sem }()

				roomName := fmt.Sprintf("load-room-%d", n%*rooms)
				name := fmt.Sprintf("occupant-%d", n)

				sess := session.New(store, "", session.DefaultConfig())
				joinStart := time.Now()
				if _, err := sess.Enter(ctx, roomName, "load", name); err != nil {
					collector.AddError()
					return
				}
				collector.AddJoin(time.Since(joinStart))

				mu.Lock()
				sessions = append(sessions, sess)
				mu.Unlock()
			}()
		}
	}

	rampTicker.Stop()
	wg.Wait()
	close(progressStop)
	progressWg.Wait()

	mu.Lock()
	joinedCount := len(sessions)
	mu.Unlock()
	fmt.Printf("\nJoin phase complete: %d/%d occupants in %s (%d errors)\n",
		joinedCount, *occupants, time.Since(rampStart).Round(time.Millisecond), collector.ErrorCount())

	// Hold phase: everyone sits idle, heartbeats and reapers running.
	fmt.Printf("\n--- Hold phase: %s of idle occupancy ---\n", *hold)
	select {
	case <-time.After(*hold):
	case <-ctx.Done():
		fmt.Println("\nInterrupted during hold phase.")
	}

	leaveAll(sessions, &mu)
	collector.Report()
}

// leaveAll runs the exit sequence for every session, bounded so a large
// teardown does not spawn one goroutine per occupant.
func leaveAll(sessions []*session.Session, mu *sync.Mutex) {
	mu.Lock()
	snapshot := make([]*session.Session, len(sessions))
	copy(snapshot, sessions)
	mu.Unlock()

	fmt.Printf("Leaving %d sessions...\n", len(snapshot))

	sem := make(chan struct{}, 50)
	var wg sync.WaitGroup
	for _, sess := range snapshot {
		wg.Add(1)
		sem <- struct{}{}
		go func() {
			defer wg.Done()
			defer func() { <-sem }()
			sess.Leave(context.Background())
		}()
	}
	wg.Wait()
}
