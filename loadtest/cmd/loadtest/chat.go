package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/parley/chat-app/internal/session"
	"github.com/parley/chat-app/loadtest/stats"
)

// runChat implements the full lifecycle load test. Each simulated pair joins
// its own room, exchanges messages for the chat duration, and leaves. The
// echo latency measured here is the full write path: append to the store,
// change-feed notification, and the message landing acknowledged in the
// sender's own view.
func runChat(args []string) {
	fs := flag.NewFlagSet("chat", flag.ExitOnError)
	backend, redisAddr, natsURL := storeFlags(fs)
	pairs := fs.Int("pairs", 50, "Number of occupant pairs, one room each")
	chatDuration := fs.Duration("chat-duration", 30*time.Second, "How long each pair chats")
	msgInterval := fs.Duration("msg-interval", 2*time.Second, "Interval between messages per occupant")
	msgSize := fs.Int("msg-size", 128, "Size of each message payload in bytes")
	echoTimeout := fs.Duration("echo-timeout", 10*time.Second, "Timeout waiting for a sent message's feed echo")
	metricsURL := fs.String("metrics-url", "", "Prometheus metrics endpoint URL of a client under observation")
	scrapeInterval := fs.Duration("scrape-interval", 2*time.Second, "Interval between metrics scrapes")
	fs.Parse(args)

	totalClients := *pairs * 2
	fmt.Printf("Chat test: %d pairs (%d occupants) (chat=%s, interval=%s, msg-size=%d)\n",
		*pairs, totalClients, *chatDuration, *msgInterval, *msgSize)

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

	// Payload filler, reused by every sender with a unique prefix.
	filler := strings.Repeat("abcdefgh", (*msgSize/8)+1)[:*msgSize]

	var totalSent, totalEchoed atomic.Int64
	var completedPairs atomic.Int64

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
				fmt.Printf("  [chat] pairs done: %d/%d  sent: %d  echoed: %d  errors: %d\n",
					completedPairs.Load(), *pairs, totalSent.Load(), totalEchoed.Load(), collector.ErrorCount())
			case <-progressStop:
				return
			}
		}
	}()

	var wg sync.WaitGroup
	for i := 0; i < *pairs; i++ {
		i := i
		wg.Add(1)
		go func() {
			defer wg.Done()
			defer completedPairs.Add(1)

			// Stagger pair starts so joins do not land in one burst.
			select {
			case <-time.After(time.Duration(i) * 100 * time.Millisecond):
			case <-ctx.Done():
				return
			}

			roomName := fmt.Sprintf("chat-room-%d", i)

			a := session.New(store, "", session.DefaultConfig())
			if _, err := a.Enter(ctx, roomName, "load", fmt.Sprintf("alice-%d", i)); err != nil {
				collector.AddError()
				return
			}
			defer a.Leave(context.Background())

			b := session.New(store, "", session.DefaultConfig())
			if _, err := b.Enter(ctx, roomName, "load", fmt.Sprintf("bob-%d", i)); err != nil {
				collector.AddError()
				return
			}
			defer b.Leave(context.Background())

			chatCtx, chatCancel := context.WithTimeout(ctx, *chatDuration)
			defer chatCancel()

			var pairWg sync.WaitGroup
			pairWg.Add(2)
			go func() {
				defer pairWg.Done()
				sendLoop(chatCtx, a, fmt.Sprintf("a%d", i), filler, *msgInterval, *echoTimeout,
					collector, &totalSent, &totalEchoed)
			}()
			go func() {
				defer pairWg.Done()
				sendLoop(chatCtx, b, fmt.Sprintf("b%d", i), filler, *msgInterval, *echoTimeout,
					collector, &totalSent, &totalEchoed)
			}()
			pairWg.Wait()
		}()
	}

	wg.Wait()
	close(progressStop)
	progressWg.Wait()

	fmt.Printf("\n--- Chat Results ---\n")
	fmt.Printf("Pairs completed: %d / %d\n", completedPairs.Load(), *pairs)
	fmt.Printf("Messages sent:   %d\n", totalSent.Load())
	fmt.Printf("Echoes seen:     %d\n", totalEchoed.Load())

	collector.Report()
}

// sendLoop posts a uniquely tagged message every interval and waits for its
// acknowledged echo to land in the sender's own view before recording the
// round-trip latency.
func sendLoop(
	ctx context.Context,
	sess *session.Session,
	tag, filler string,
	interval, echoTimeout time.Duration,
	collector *stats.Collector,
	totalSent, totalEchoed *atomic.Int64,
) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	seq := 0
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			seq++
			text := fmt.Sprintf("%s-%d %s", tag, seq, filler)

			start := time.Now()
			if err := sess.Send(ctx, text); err != nil {
				collector.AddError()
				continue
			}
			totalSent.Add(1)

			if waitForEcho(ctx, sess, text, echoTimeout) {
				collector.AddEchoLatency(time.Since(start))
				totalEchoed.Add(1)
			} else {
				collector.AddError()
			}
		}
	}
}

// waitForEcho polls the session view until the message with the given text
// carries a server timestamp, meaning the acknowledged document came back
// over the feed.
func waitForEcho(ctx context.Context, sess *session.Session, text string, timeout time.Duration) bool {
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		for _, m := range sess.Messages() {
			if m.Text == text && m.Timestamp != 0 {
				return true
			}
		}
		select {
		case <-ctx.Done():
			return false
		case <-time.After(5 * time.Millisecond):
		}
	}
	return false
}
