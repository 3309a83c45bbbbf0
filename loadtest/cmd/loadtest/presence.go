package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os/signal"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/pulsechat/realtime/loadtest/client"
	"github.com/pulsechat/realtime/loadtest/stats"
)

// runPresence implements the presence churn load test. A small set of watcher
// connections stays online for the whole run while churn users connect, hold
// briefly, and disconnect. The watchers observe user-online and user-offline
// announcements, which measures presence propagation latency and verifies that
// every appearance and departure is announced exactly once.
func runPresence(args []string) {
	fs := flag.NewFlagSet("presence", flag.ExitOnError)
	url := fs.String("url", "ws://localhost:8080", "Server base URL (without channel path)")
	watchers := fs.Int("watchers", 10, "Number of long-lived watcher connections")
	users := fs.Int("users", 500, "Number of churn users that connect and disconnect")
	rampUp := fs.Duration("ramp", 20*time.Second, "Duration over which churn users are launched")
	holdPerUser := fs.Duration("hold", 2*time.Second, "How long each churn user stays online")
	concurrency := fs.Int("concurrency", 50, "Maximum simultaneous churn users")
	metricsURL := fs.String("metrics-url", "http://localhost:8080/metrics", "Prometheus metrics endpoint URL")
	scrapeInterval := fs.Duration("scrape-interval", 2*time.Second, "Interval between metrics scrapes")
	fs.Parse(args)

	fmt.Printf("Presence test: %d churn users past %d watchers on %s (ramp=%s, hold=%s, concurrency=%d)\n",
		*users, *watchers, *url, *rampUp, *holdPerUser, *concurrency)

	// Set up signal handling for graceful shutdown.
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	collector := stats.NewCollector()

	// Set up metrics scraper.
	scraper := stats.NewScraper(*metricsURL, *scrapeInterval)
	collector.SetScraper(scraper)
	scraper.Start(ctx)

	// connectTimes maps churn userId -> unix nanoseconds of the dial, so the
	// watcher handlers can compute announcement latency.
	var connectTimes sync.Map

	// Announcement counters across all watchers.
	var onlineSeen atomic.Int64
	var offlineSeen atomic.Int64

	// -----------------------------------------------------------------------
	// Phase 1 — Connect watchers
	// -----------------------------------------------------------------------
	fmt.Println("\n--- Phase 1: Connect watchers ---")

	var mu sync.Mutex
	watcherClients := make([]*client.Client, 0, *watchers)

	for i := 0; i < *watchers; i++ {
		connCtx, connCancel := context.WithTimeout(ctx, 10*time.Second)

		userID := fmt.Sprintf("watch-%03d", i)
		w, err := client.New(connCtx, *url, "notifications", userID, "")
		if err != nil {
			connCancel()
			collector.AddError()
			continue
		}
		if err := w.WaitForAck(connCtx); err != nil {
			connCancel()
			collector.AddError()
			w.Close()
			continue
		}
		connCancel()

		m := w.GetMetrics()
		collector.AddConnect(m.ConnectLatency)

		// Online announcements carry the churn user's id; the latency is
		// measured from that user's dial to the watcher observing it.
		w.On(client.TypeUserOnline, func(raw json.RawMessage) {
			var msg struct {
				UserID string `json:"userId"`
			}
			if err := json.Unmarshal(raw, &msg); err != nil || msg.UserID == "" {
				return
			}
			onlineSeen.Add(1)
			if ts, ok := connectTimes.Load(msg.UserID); ok {
				collector.AddMsgLatency(time.Since(time.Unix(0, ts.(int64))))
			}
		})

		w.On(client.TypeUserOffline, func(raw json.RawMessage) {
			offlineSeen.Add(1)
		})

		mu.Lock()
		watcherClients = append(watcherClients, w)
		mu.Unlock()
	}

	mu.Lock()
	watcherCount := len(watcherClients)
	mu.Unlock()
	fmt.Printf("Watchers online: %d/%d\n", watcherCount, *watchers)

	if watcherCount == 0 {
		fmt.Println("No watchers could connect — aborting.")
		scraper.Stop()
		collector.Report()
		return
	}

	// -----------------------------------------------------------------------
	// Phase 2 — Churn users through
	// -----------------------------------------------------------------------
	fmt.Println("\n--- Phase 2: Churn users ---")

	interval := *rampUp / time.Duration(*users)
	if interval <= 0 {
		interval = time.Millisecond
	}

	// Semaphore to bound concurrent churn users.
	sem := make(chan struct{}, *concurrency)
	var wg sync.WaitGroup

	var churned atomic.Int64

	// Progress reporting every 2 seconds during churn.
	progressStop := make(chan struct{})
	var progressWg sync.WaitGroup
	progressWg.Add(1)
	go func() {
		defer progressWg.Done()
		ticker := time.NewTicker(2 * time.Second)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				fmt.Printf("  [churn] completed: %d/%d  online-seen: %d  offline-seen: %d  errors: %d\n",
					churned.Load(), int64(*users), onlineSeen.Load(), offlineSeen.Load(), collector.ErrorCount())
			case <-progressStop:
				return
			}
		}
	}()

	churnStart := time.Now()
	churnTicker := time.NewTicker(interval)

	launched := 0
	interrupted := false
	for launched < *users {
		select {
		case <-ctx.Done():
			fmt.Println("\nInterrupted during churn phase.")
			interrupted = true
			launched = *users // Break the loop.
		case <-churnTicker.C:
			idx := launched
			launched++
			wg.Add(1)
			sem <- struct{}{} // Acquire semaphore slot.

			go func() {
				defer wg.Done()
				defer func() { <-sem }() // Release semaphore slot.
				defer churned.Add(1)

				connCtx, connCancel := context.WithTimeout(ctx, 10*time.Second)
				defer connCancel()

				userID := fmt.Sprintf("churn-%06d", idx)
				connectTimes.Store(userID, time.Now().UnixNano())

				c, err := client.New(connCtx, *url, "notifications", userID, "")
				if err != nil {
					connectTimes.Delete(userID)
					collector.AddError()
					return
				}

				if err := c.WaitForAck(connCtx); err != nil {
					connectTimes.Delete(userID)
					collector.AddError()
					c.Close()
					return
				}

				m := c.GetMetrics()
				collector.AddConnect(m.ConnectLatency)

				// Stay online for the hold period, then leave.
				select {
				case <-time.After(*holdPerUser):
				case <-ctx.Done():
				}
				c.Close()
			}()
		}
	}

	churnTicker.Stop()
	wg.Wait()

	// Give the final offline announcements a moment to propagate.
	if !interrupted {
		select {
		case <-time.After(2 * time.Second):
		case <-ctx.Done():
		}
	}

	close(progressStop)
	progressWg.Wait()

	churnElapsed := time.Since(churnStart)

	// -----------------------------------------------------------------------
	// Final report
	// -----------------------------------------------------------------------
	// Every watcher should see each churn user appear and depart once, so the
	// expected announcement count is users * watchers.
	expected := int64(*users) * int64(watcherCount)
	finalOnline := onlineSeen.Load()
	finalOffline := offlineSeen.Load()

	fmt.Printf("\n--- Presence Results ---\n")
	fmt.Printf("Churned users:      %d / %d\n", churned.Load(), *users)
	fmt.Printf("Online announced:   %d / %d expected\n", finalOnline, expected)
	fmt.Printf("Offline announced:  %d / %d expected\n", finalOffline, expected)
	fmt.Printf("Churn duration:     %s\n", churnElapsed.Round(time.Millisecond))
	if churnElapsed.Seconds() > 0 {
		fmt.Printf("Churn throughput:   %.1f users/s\n", float64(churned.Load())/churnElapsed.Seconds())
	}

	// -----------------------------------------------------------------------
	// Cleanup
	// -----------------------------------------------------------------------
	cleanup(watcherClients, &mu)
	scraper.Stop()
	collector.Report()
}
