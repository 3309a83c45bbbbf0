package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os/signal"
	"strings"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/pulsechat/realtime/loadtest/client"
	"github.com/pulsechat/realtime/loadtest/stats"
)

// pairResult tracks the outcome of a single chat pair's exchange.
type pairResult struct {
	msgSent int64
	msgRecv int64
}

// runMessage implements the message fan-out load test. Each simulated chat
// pair connects two users to the notifications channel, starts a typing
// indicator, and exchanges new-message events for a configurable duration.
// This measures end-to-end delivery latency and fan-out throughput.
func runMessage(args []string) {
	fs := flag.NewFlagSet("message", flag.ExitOnError)
	url := fs.String("url", "ws://localhost:8080", "Server base URL (without channel path)")
	pairs := fs.Int("pairs", 100, "Number of chat pairs exchanging messages")
	rampUp := fs.Duration("ramp", 10*time.Second, "Ramp-up duration for connection creation")
	msgDuration := fs.Duration("msg-duration", 30*time.Second, "How long each pair exchanges messages")
	msgInterval := fs.Duration("msg-interval", 2*time.Second, "Interval between messages per user")
	msgSize := fs.Int("msg-size", 128, "Size of each message payload in bytes")
	concurrency := fs.Int("concurrency", 50, "Maximum simultaneous connection attempts during ramp-up")
	metricsURL := fs.String("metrics-url", "http://localhost:8080/metrics", "Prometheus metrics endpoint URL")
	scrapeInterval := fs.Duration("scrape-interval", 2*time.Second, "Interval between metrics scrapes")
	fs.Parse(args)

	totalClients := *pairs * 2

	fmt.Printf("Message test: %d pairs (%d clients) to %s (ramp=%s, duration=%s, interval=%s, msg-size=%d, concurrency=%d)\n",
		*pairs, totalClients, *url, *rampUp, *msgDuration, *msgInterval, *msgSize, *concurrency)

	// Set up signal handling for graceful shutdown.
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	collector := stats.NewCollector()

	// Set up metrics scraper.
	scraper := stats.NewScraper(*metricsURL, *scrapeInterval)
	collector.SetScraper(scraper)
	scraper.Start(ctx)

	// Slice to track all open connections for cleanup. The client at index i
	// connected as user "msg-<i>"; pair p owns indexes 2p and 2p+1.
	var mu sync.Mutex
	clients := make([]*client.Client, totalClients)
	connected := 0

	// Track whether ramp-up was interrupted so we can skip later phases.
	interrupted := false

	// -----------------------------------------------------------------------
	// Phase 1 — Connect all users
	// -----------------------------------------------------------------------
	fmt.Println("\n--- Phase 1: Connect all users ---")

	interval := *rampUp / time.Duration(totalClients)
	if interval <= 0 {
		interval = time.Millisecond
	}

	// Semaphore to bound concurrent connection attempts.
	sem := make(chan struct{}, *concurrency)
	var wg sync.WaitGroup

	// Progress reporting: every 2 seconds during ramp-up.
	progressStop := make(chan struct{})
	var progressWg sync.WaitGroup
	progressWg.Add(1)
	go func() {
		defer progressWg.Done()
		ticker := time.NewTicker(2 * time.Second)
		defer ticker.Stop()
		lastCount := 0
		lastTime := time.Now()
		for {
			select {
			case <-ticker.C:
				now := time.Now()
				currentConns := collector.ConnectionCount()
				currentErrs := collector.ErrorCount()
				dt := now.Sub(lastTime).Seconds()
				rate := float64(currentConns-lastCount) / dt
				fmt.Printf("  [connect] connections: %d/%d  errors: %d  rate: %.1f conn/s\n",
					currentConns, totalClients, currentErrs, rate)
				lastCount = currentConns
				lastTime = now
			case <-progressStop:
				return
			}
		}
	}()

	rampStart := time.Now()
	rampTicker := time.NewTicker(interval)

	launched := 0
	for launched < totalClients {
		select {
		case <-ctx.Done():
			fmt.Println("\nInterrupted during connection phase.")
			interrupted = true
			launched = totalClients // Break the loop.
		case <-rampTicker.C:
			idx := launched
			launched++
			wg.Add(1)
			sem <- struct{}{} // Acquire semaphore slot.

			go func() {
				defer wg.Done()
				defer func() { <-sem }() // Release semaphore slot.

				connCtx, connCancel := context.WithTimeout(ctx, 10*time.Second)
				defer connCancel()

				userID := fmt.Sprintf("msg-%06d", idx)
				c, err := client.New(connCtx, *url, "notifications", userID, "")
				if err != nil {
					collector.AddError()
					return
				}

				if err := c.WaitForAck(connCtx); err != nil {
					collector.AddError()
					c.Close()
					return
				}

				m := c.GetMetrics()
				collector.AddConnect(m.ConnectLatency)

				mu.Lock()
				clients[idx] = c
				connected++
				mu.Unlock()
			}()
		}
	}

	rampTicker.Stop()
	wg.Wait()
	close(progressStop)
	progressWg.Wait()

	rampElapsed := time.Since(rampStart)
	mu.Lock()
	connectedCount := connected
	mu.Unlock()
	fmt.Printf("\nPhase 1 complete: %d/%d connections in %s (%d errors)\n",
		connectedCount, totalClients,
		rampElapsed.Round(time.Millisecond), collector.ErrorCount())

	// Flatten for cleanup; skip slots whose connection failed.
	flatten := func() []*client.Client {
		mu.Lock()
		defer mu.Unlock()
		out := make([]*client.Client, 0, connected)
		for _, c := range clients {
			if c != nil {
				out = append(out, c)
			}
		}
		return out
	}

	if interrupted {
		fmt.Println("Interrupted — skipping message phase.")
		all := flatten()
		cleanup(all, &mu)
		scraper.Stop()
		collector.Report()
		return
	}

	// -----------------------------------------------------------------------
	// Phase 2 — Message exchange (per pair)
	// -----------------------------------------------------------------------
	fmt.Printf("\n--- Phase 2: Running %d message pairs ---\n", *pairs)

	// Global atomic counters for progress reporting.
	var totalMsgSent atomic.Int64
	var totalMsgRecv atomic.Int64
	var activePairCount atomic.Int64
	var completedPairs atomic.Int64
	var errorCount atomic.Int64

	// Collect results from each pair.
	results := make([]pairResult, *pairs)

	// WaitGroup for all pair goroutines.
	var pairWg sync.WaitGroup

	// Generate message payload once (reused by all pairs).
	msgPayload := strings.Repeat("abcdefgh", (*msgSize/8)+1)
	msgPayload = msgPayload[:*msgSize]

	// Progress reporting every 5 seconds.
	msgProgressStop := make(chan struct{})
	var msgProgressWg sync.WaitGroup
	msgProgressWg.Add(1)
	go func() {
		defer msgProgressWg.Done()
		ticker := time.NewTicker(5 * time.Second)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				active := activePairCount.Load()
				completed := completedPairs.Load()
				sent := totalMsgSent.Load()
				recv := totalMsgRecv.Load()
				errs := errorCount.Load()
				fmt.Printf("  [message] active: %d  completed: %d/%d  sent: %d  recv: %d  errors: %d\n",
					active, completed, *pairs, sent, recv, errs)
			case <-msgProgressStop:
				return
			}
		}
	}()

	exchangeStart := time.Now()
	skippedPairs := 0

	for i := 0; i < *pairs; i++ {
		i := i // capture loop variable
		mu.Lock()
		c1 := clients[i*2]
		c2 := clients[i*2+1]
		mu.Unlock()

		// Both sides of the pair must have connected.
		if c1 == nil || c2 == nil {
			skippedPairs++
			continue
		}

		pairWg.Add(1)
		go func() {
			defer pairWg.Done()

			// Stagger pair starts by 50ms to avoid a thundering herd.
			stagger := time.Duration(i) * 50 * time.Millisecond
			select {
			case <-time.After(stagger):
			case <-ctx.Done():
				return
			}

			runMessagePair(ctx, i, c1, c2, *msgDuration, *msgInterval,
				msgPayload, collector, &results[i],
				&totalMsgSent, &totalMsgRecv, &activePairCount, &completedPairs, &errorCount)
		}()
	}

	if skippedPairs > 0 {
		fmt.Printf("Skipped %d pairs with failed connections.\n", skippedPairs)
	}

	// Wait for all pairs to complete.
	allDone := make(chan struct{})
	go func() {
		pairWg.Wait()
		close(allDone)
	}()

	select {
	case <-allDone:
		// All pairs finished.
	case <-ctx.Done():
		fmt.Println("\nInterrupted — waiting for pairs to wind down...")
		<-allDone
	}

	close(msgProgressStop)
	msgProgressWg.Wait()

	exchangeElapsed := time.Since(exchangeStart)

	// -----------------------------------------------------------------------
	// Final report
	// -----------------------------------------------------------------------
	var totalSent, totalRecv int64
	for _, r := range results {
		totalSent += r.msgSent
		totalRecv += r.msgRecv
	}

	fmt.Printf("\n--- Message Results ---\n")
	fmt.Printf("Pairs run:        %d / %d\n", *pairs-skippedPairs, *pairs)
	fmt.Printf("Total msg sent:   %d\n", totalSent)
	fmt.Printf("Total msg recv:   %d\n", totalRecv)
	fmt.Printf("Exchange time:    %s\n", exchangeElapsed.Round(time.Millisecond))
	if totalSent > 0 {
		deliveryRate := float64(totalRecv) / float64(totalSent) * 100
		fmt.Printf("Delivery rate:    %.1f%%\n", deliveryRate)
	}
	if exchangeElapsed.Seconds() > 0 && totalSent > 0 {
		fmt.Printf("Msg throughput:   %.1f msg/s\n", float64(totalSent)/exchangeElapsed.Seconds())
	}

	// -----------------------------------------------------------------------
	// Cleanup
	// -----------------------------------------------------------------------
	all := flatten()
	cleanup(all, &mu)
	scraper.Stop()
	collector.Report()
}

// runMessagePair drives the exchange for one chat pair: a typing indicator,
// then alternating new-message events until the duration expires. It returns
// after the exchange ends or the context is cancelled.
func runMessagePair(
	ctx context.Context,
	pairIdx int,
	c1, c2 *client.Client,
	msgDuration, msgInterval time.Duration,
	msgPayload string,
	collector *stats.Collector,
	result *pairResult,
	totalMsgSent, totalMsgRecv, activePairCount, completedPairs, errorCount *atomic.Int64,
) {
	defer completedPairs.Add(1)

	chatID := fmt.Sprintf("chat-%06d", pairIdx)
	participants := []string{c1.UserID(), c2.UserID()}

	// Channels for message reception.
	c1MsgRecv := make(chan struct{}, 100)
	c2MsgRecv := make(chan struct{}, 100)

	// Register new-message handlers on both clients. The server fans a
	// message out to every claimed participant except the sender, so each
	// client only ever sees its partner's messages.
	c1.On(client.TypeNewMessage, func(raw json.RawMessage) {
		totalMsgRecv.Add(1)
		select {
		case c1MsgRecv <- struct{}{}:
		default:
		}
	})

	c2.On(client.TypeNewMessage, func(raw json.RawMessage) {
		totalMsgRecv.Add(1)
		select {
		case c2MsgRecv <- struct{}{}:
		default:
		}
	})

	// Lead with a typing indicator, the way a real client would.
	if err := c1.Send(map[string]interface{}{
		"type":         client.TypeTypingStart,
		"chatId":       chatID,
		"participants": participants,
	}); err != nil {
		errorCount.Add(1)
		collector.AddError()
		return
	}

	activePairCount.Add(1)
	defer activePairCount.Add(-1)

	exchangeCtx, exchangeCancel := context.WithTimeout(ctx, msgDuration)
	defer exchangeCancel()

	// Each client sends messages on its own ticker. We track approximate
	// delivery latency by recording the time of the last send on one side and
	// measuring until the next receive on the other side.
	var c1LastSend atomic.Int64 // unix nanoseconds of last send
	var c2LastSend atomic.Int64 // unix nanoseconds of last send

	sendLoop := func(c *client.Client, lastSend *atomic.Int64) func() {
		return func() {
			ticker := time.NewTicker(msgInterval)
			defer ticker.Stop()

			for {
				select {
				case <-exchangeCtx.Done():
					return
				case <-ticker.C:
					lastSend.Store(time.Now().UnixNano())
					if err := c.Send(map[string]interface{}{
						"type":   client.TypeNewMessage,
						"chatId": chatID,
						"message": map[string]string{
							"text": msgPayload,
						},
						"participants": participants,
					}); err != nil {
						errorCount.Add(1)
						collector.AddError()
						return
					}
					totalMsgSent.Add(1)
					result.msgSent++
				}
			}
		}
	}

	recvLoop := func(recv chan struct{}, partnerLastSend *atomic.Int64) func() {
		return func() {
			for {
				select {
				case <-exchangeCtx.Done():
					return
				case <-recv:
					result.msgRecv++
					// Approximate latency: time since the partner's last send.
					if ts := partnerLastSend.Load(); ts > 0 {
						latency := time.Since(time.Unix(0, ts))
						collector.AddMsgLatency(latency)
					}
				}
			}
		}
	}

	var exchangeWg sync.WaitGroup
	exchangeWg.Add(4)
	go func() { defer exchangeWg.Done(); sendLoop(c1, &c1LastSend)() }()
	go func() { defer exchangeWg.Done(); sendLoop(c2, &c2LastSend)() }()
	go func() { defer exchangeWg.Done(); recvLoop(c1MsgRecv, &c2LastSend)() }()
	go func() { defer exchangeWg.Done(); recvLoop(c2MsgRecv, &c1LastSend)() }()

	// Wait for the exchange duration to expire.
	exchangeWg.Wait()

	// Stop the typing indicator we started.
	if err := c1.Send(map[string]interface{}{
		"type":         client.TypeTypingStop,
		"chatId":       chatID,
		"participants": participants,
	}); err != nil {
		errorCount.Add(1)
		collector.AddError()
	}
}
