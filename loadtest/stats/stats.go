// Package stats provides a goroutine-safe metrics collector that aggregates
// performance data from many simulated chat clients and prints a summary
// report with percentile distributions.
package stats

import (
	"fmt"
	"math"
	"sort"
	"sync"
	"time"
)

// Collector aggregates metrics from the simulated clients. All methods are
// goroutine-safe and can be called concurrently from many client goroutines.
type Collector struct {
	mu            sync.Mutex
	joinLatencies []time.Duration
	echoLatencies []time.Duration
	errors        int
	sessions      int
	startTime     time.Time
	scraper       *Scraper
}

// NewCollector creates a new Collector with the start time set to now.
func NewCollector() *Collector {
	return &Collector{startTime: time.Now()}
}

// SetScraper attaches a Prometheus metrics scraper to this collector. When
// set, Report() also prints the client-side metrics collected by the scraper.
func (c *Collector) SetScraper(s *Scraper) {
	c.mu.Lock()
	c.scraper = s
	c.mu.Unlock()
}

// AddJoin records a successful room entry with its end-to-end latency
// (authorize, claim the name, attach the feeds).
func (c *Collector) AddJoin(d time.Duration) {
	c.mu.Lock()
	c.joinLatencies = append(c.joinLatencies, d)
	c.sessions++
	c.mu.Unlock()
}

// AddEchoLatency records one send-to-feed-echo round trip.
func (c *Collector) AddEchoLatency(d time.Duration) {
	c.mu.Lock()
	c.echoLatencies = append(c.echoLatencies, d)
	c.mu.Unlock()
}

// AddError increments the error counter.
func (c *Collector) AddError() {
	c.mu.Lock()
	c.errors++
	c.mu.Unlock()
}

// SessionCount returns the current number of recorded joins.
func (c *Collector) SessionCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.sessions
}

// ErrorCount returns the current number of recorded errors.
func (c *Collector) ErrorCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.errors
}

// Report prints a formatted summary of the collected metrics to stdout,
// including total duration, session count, error count, and percentile
// distributions for join and message-echo latencies.
func (c *Collector) Report() {
	c.mu.Lock()
	defer c.mu.Unlock()

	elapsed := time.Since(c.startTime)

	fmt.Println("\n=== Load Test Results ===")
	fmt.Printf("Duration:  %s\n", elapsed.Round(time.Second))
	fmt.Printf("Sessions:  %d\n", c.sessions)
	fmt.Printf("Errors:    %d\n", c.errors)

	if c.sessions > 0 {
		errorRate := float64(c.errors) / float64(c.sessions) * 100
		fmt.Printf("Error rate: %.2f%%\n", errorRate)
	}

	if len(c.joinLatencies) > 0 {
		fmt.Println("\n--- Join Latency ---")
		printPercentiles(c.joinLatencies)
	}

	if len(c.echoLatencies) > 0 {
		fmt.Println("\n--- Message Echo Latency ---")
		printPercentiles(c.echoLatencies)
	}

	if c.scraper != nil {
		c.scraper.Report()
	}

	fmt.Println()
}

// printPercentiles sorts the given durations and prints avg, p50, p95, p99,
// and max values along with the sample count.
func printPercentiles(durations []time.Duration) {
	sort.Slice(durations, func(i, j int) bool { return durations[i] < durations[j] })

	n := len(durations)
	p50 := durations[n/2]
	p95 := durations[int(math.Ceil(float64(n)*0.95))-1]
	p99 := durations[int(math.Ceil(float64(n)*0.99))-1]

	var sum time.Duration
	for _, d := range durations {
		sum += d
	}
	avg := sum / time.Duration(n)

	fmt.Printf("  avg: %v  p50: %v  p95: %v  p99: %v  max: %v  (n=%d)\n",
		avg.Round(time.Microsecond),
		p50.Round(time.Microsecond),
		p95.Round(time.Microsecond),
		p99.Round(time.Microsecond),
		durations[n-1].Round(time.Microsecond),
		n,
	)
}
