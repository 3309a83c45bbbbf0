// Package main implements a standalone end-to-end integration test for the
// realtime server. It validates the full client journey against a running
// stack: health checks, the connect acknowledgement, message fan-out, typing
// indicators, presence announcements, call signaling, and rate limiting.
//
// Usage:
//
//	go run ./cmd/e2etest/ [-url ws://localhost:8080] [-api http://localhost:8080] [-timeout 60s]
//
// Exit code 0 if all required scenarios pass, 1 if any fail.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/pulsechat/realtime/loadtest/client"
)

// ---------------------------------------------------------------------------
// Result tracking
// ---------------------------------------------------------------------------

// resultKind categorises a scenario outcome.
type resultKind int

const (
	resultPass resultKind = iota
	resultFail
	resultInfo // optional / non-fatal
)

// scenarioResult holds the outcome of a single test scenario.
type scenarioResult struct {
	name   string
	kind   resultKind
	detail string
}

func (r scenarioResult) tag() string {
	switch r.kind {
	case resultPass:
		return "PASS"
	case resultFail:
		return "FAIL"
	default:
		return "INFO"
	}
}

// ---------------------------------------------------------------------------
// Main
// ---------------------------------------------------------------------------

func main() {
	wsBase := flag.String("url", "ws://localhost:8080", "WebSocket server base URL")
	apiBase := flag.String("api", "http://localhost:8080", "HTTP API base URL")
	timeout := flag.Duration("timeout", 60*time.Second, "Global test timeout")
	flag.Parse()

	fmt.Println("=== Realtime Server E2E Integration Test ===")
	fmt.Printf("Server: %s\n\n", *wsBase)

	ctx, cancel := context.WithTimeout(context.Background(), *timeout)
	defer cancel()

	var results []scenarioResult

	// Run scenarios sequentially.
	results = append(results, scenario1HealthCheck(ctx, *apiBase))
	results = append(results, scenario2ConnectAck(ctx, *wsBase))
	results = append(results, scenario3MessageFanOut(ctx, *wsBase))
	results = append(results, scenario4TypingIndicator(ctx, *wsBase))
	results = append(results, scenario5PresenceAnnouncements(ctx, *wsBase))
	results = append(results, scenario6CallSignaling(ctx, *wsBase))

	// Optional scenario (non-fatal).
	results = append(results, scenario7RateLimiting(ctx, *wsBase))

	// ---------------------------------------------------------------------------
	// Summary
	// ---------------------------------------------------------------------------
	fmt.Println()
	passed := 0
	failed := 0
	info := 0
	for _, r := range results {
		fmt.Printf("[%s] %s", r.tag(), r.name)
		if r.detail != "" {
			fmt.Printf(" (%s)", r.detail)
		}
		fmt.Println()

		switch r.kind {
		case resultPass:
			passed++
		case resultFail:
			failed++
		case resultInfo:
			info++
		}
	}

	requiredTotal := passed + failed
	fmt.Printf("\n=== Results: %d/%d passed", passed, requiredTotal)
	if info > 0 {
		fmt.Printf(", %d info", info)
	}
	fmt.Println(" ===")

	if failed > 0 {
		os.Exit(1)
	}
}

// ---------------------------------------------------------------------------
// Scenario 1: Health Check
// ---------------------------------------------------------------------------

func scenario1HealthCheck(ctx context.Context, apiBase string) scenarioResult {
	name := "Scenario 1: Health Check"

	// 1a. /health — expect JSON with "status" and "connections" fields.
	body, err := httpGetBody(ctx, apiBase+"/health")
	if err != nil {
		return scenarioResult{name, resultFail, fmt.Sprintf("/health: %v", err)}
	}
	var healthResp struct {
		Status      string `json:"status"`
		Connections int    `json:"connections"`
		OnlineUsers int    `json:"onlineUsers"`
	}
	if err := json.Unmarshal(body, &healthResp); err != nil {
		return scenarioResult{name, resultFail, fmt.Sprintf("/health JSON parse: %v", err)}
	}
	if healthResp.Status != "ok" {
		return scenarioResult{name, resultFail, fmt.Sprintf("/health status: %q", healthResp.Status)}
	}

	// 1b. /metrics — expect Prometheus text with rt_connections.
	metricsBody, err := httpGetBody(ctx, apiBase+"/metrics")
	if err != nil {
		return scenarioResult{name, resultFail, fmt.Sprintf("/metrics: %v", err)}
	}
	if !strings.Contains(string(metricsBody), "rt_connections") {
		return scenarioResult{name, resultFail, "/metrics: missing rt_connections"}
	}

	return scenarioResult{name, resultPass, fmt.Sprintf("online=%d", healthResp.OnlineUsers)}
}

// ---------------------------------------------------------------------------
// Scenario 2: Connect and Acknowledgement
// ---------------------------------------------------------------------------

func scenario2ConnectAck(ctx context.Context, wsBase string) scenarioResult {
	name := "Scenario 2: Connect and Acknowledgement"

	connCtx, connCancel := context.WithTimeout(ctx, 10*time.Second)
	defer connCancel()

	clientA, err := client.New(connCtx, wsBase, "notifications", "e2e-ack-a", "")
	if err != nil {
		return scenarioResult{name, resultFail, fmt.Sprintf("client A connect: %v", err)}
	}
	defer clientA.Close()

	if err := clientA.WaitForAck(connCtx); err != nil {
		return scenarioResult{name, resultFail, fmt.Sprintf("client A ack: %v", err)}
	}

	// B connects second; its online snapshot must already include A.
	clientB, err := client.New(connCtx, wsBase, "notifications", "e2e-ack-b", "")
	if err != nil {
		return scenarioResult{name, resultFail, fmt.Sprintf("client B connect: %v", err)}
	}
	defer clientB.Close()

	if err := clientB.WaitForAck(connCtx); err != nil {
		return scenarioResult{name, resultFail, fmt.Sprintf("client B ack: %v", err)}
	}

	if clientA.Endpoint() != "notifications" {
		return scenarioResult{name, resultFail, fmt.Sprintf("unexpected endpoint: %q", clientA.Endpoint())}
	}

	snapshotHasA := false
	for _, u := range clientB.OnlineUsers() {
		if u == "e2e-ack-a" {
			snapshotHasA = true
			break
		}
	}
	if !snapshotHasA {
		return scenarioResult{name, resultFail, "client B's online snapshot does not include client A"}
	}

	return scenarioResult{name, resultPass, fmt.Sprintf("endpoint=%s, online=%d", clientA.Endpoint(), len(clientB.OnlineUsers()))}
}

// ---------------------------------------------------------------------------
// Scenario 3: Message Fan-Out
// ---------------------------------------------------------------------------

func scenario3MessageFanOut(ctx context.Context, wsBase string) scenarioResult {
	name := "Scenario 3: Message Fan-Out"

	connCtx, connCancel := context.WithTimeout(ctx, 10*time.Second)
	defer connCancel()

	clientA, clientB, err := connectPair(connCtx, wsBase, "notifications", "e2e-msg-a", "e2e-msg-b", "")
	if err != nil {
		return scenarioResult{name, resultFail, err.Error()}
	}
	defer clientA.Close()
	defer clientB.Close()

	chatID := "e2e-chat-1"
	participants := []string{"e2e-msg-a", "e2e-msg-b"}

	msgToB := make(chan string, 1) // carries the sender B observed
	msgToA := make(chan string, 1)

	clientB.On(client.TypeNewMessage, func(raw json.RawMessage) {
		var msg struct {
			SenderID string `json:"senderId"`
			ChatID   string `json:"chatId"`
		}
		if err := json.Unmarshal(raw, &msg); err == nil && msg.ChatID == chatID {
			select {
			case msgToB <- msg.SenderID:
			default:
			}
		}
	})

	clientA.On(client.TypeNewMessage, func(raw json.RawMessage) {
		var msg struct {
			SenderID string `json:"senderId"`
			ChatID   string `json:"chatId"`
		}
		if err := json.Unmarshal(raw, &msg); err == nil && msg.ChatID == chatID {
			select {
			case msgToA <- msg.SenderID:
			default:
			}
		}
	})

	waitCtx, waitCancel := context.WithTimeout(ctx, 10*time.Second)
	defer waitCancel()

	// A sends; B must receive with A as the sender.
	if err := clientA.Send(map[string]interface{}{
		"type":         client.TypeNewMessage,
		"chatId":       chatID,
		"message":      map[string]string{"text": "hello from A"},
		"participants": participants,
	}); err != nil {
		return scenarioResult{name, resultFail, fmt.Sprintf("client A send: %v", err)}
	}

	select {
	case sender := <-msgToB:
		if sender != "e2e-msg-a" {
			return scenarioResult{name, resultFail, fmt.Sprintf("wrong senderId on B: %q", sender)}
		}
	case <-waitCtx.Done():
		return scenarioResult{name, resultFail, "timeout: client B did not receive message from A"}
	}

	// B replies; A must receive.
	if err := clientB.Send(map[string]interface{}{
		"type":         client.TypeNewMessage,
		"chatId":       chatID,
		"message":      map[string]string{"text": "hello from B"},
		"participants": participants,
	}); err != nil {
		return scenarioResult{name, resultFail, fmt.Sprintf("client B send: %v", err)}
	}

	select {
	case sender := <-msgToA:
		if sender != "e2e-msg-b" {
			return scenarioResult{name, resultFail, fmt.Sprintf("wrong senderId on A: %q", sender)}
		}
	case <-waitCtx.Done():
		return scenarioResult{name, resultFail, "timeout: client A did not receive message from B"}
	}

	return scenarioResult{name, resultPass, "2 messages exchanged"}
}

// ---------------------------------------------------------------------------
// Scenario 4: Typing Indicator
// ---------------------------------------------------------------------------

func scenario4TypingIndicator(ctx context.Context, wsBase string) scenarioResult {
	name := "Scenario 4: Typing Indicator"

	connCtx, connCancel := context.WithTimeout(ctx, 10*time.Second)
	defer connCancel()

	clientA, clientB, err := connectPair(connCtx, wsBase, "notifications", "e2e-typ-a", "e2e-typ-b", "")
	if err != nil {
		return scenarioResult{name, resultFail, err.Error()}
	}
	defer clientA.Close()
	defer clientB.Close()

	chatID := "e2e-chat-2"
	participants := []string{"e2e-typ-a", "e2e-typ-b"}

	typing := make(chan bool, 2) // carries isTyping values B observes

	clientB.On(client.TypeTyping, func(raw json.RawMessage) {
		var msg struct {
			UserID   string `json:"userId"`
			ChatID   string `json:"chatId"`
			IsTyping bool   `json:"isTyping"`
		}
		if err := json.Unmarshal(raw, &msg); err == nil && msg.ChatID == chatID && msg.UserID == "e2e-typ-a" {
			select {
			case typing <- msg.IsTyping:
			default:
			}
		}
	})

	waitCtx, waitCancel := context.WithTimeout(ctx, 10*time.Second)
	defer waitCancel()

	if err := clientA.Send(map[string]interface{}{
		"type":         client.TypeTypingStart,
		"chatId":       chatID,
		"participants": participants,
	}); err != nil {
		return scenarioResult{name, resultFail, fmt.Sprintf("typing-start send: %v", err)}
	}

	select {
	case isTyping := <-typing:
		if !isTyping {
			return scenarioResult{name, resultFail, "expected isTyping=true after typing-start"}
		}
	case <-waitCtx.Done():
		return scenarioResult{name, resultFail, "timeout: client B did not receive typing start"}
	}

	if err := clientA.Send(map[string]interface{}{
		"type":         client.TypeTypingStop,
		"chatId":       chatID,
		"participants": participants,
	}); err != nil {
		return scenarioResult{name, resultFail, fmt.Sprintf("typing-stop send: %v", err)}
	}

	select {
	case isTyping := <-typing:
		if isTyping {
			return scenarioResult{name, resultFail, "expected isTyping=false after typing-stop"}
		}
	case <-waitCtx.Done():
		return scenarioResult{name, resultFail, "timeout: client B did not receive typing stop"}
	}

	return scenarioResult{name, resultPass, "start and stop observed"}
}

// ---------------------------------------------------------------------------
// Scenario 5: Presence Announcements
// ---------------------------------------------------------------------------

func scenario5PresenceAnnouncements(ctx context.Context, wsBase string) scenarioResult {
	name := "Scenario 5: Presence Announcements"

	connCtx, connCancel := context.WithTimeout(ctx, 10*time.Second)
	defer connCancel()

	watcher, err := client.New(connCtx, wsBase, "notifications", "e2e-watch", "")
	if err != nil {
		return scenarioResult{name, resultFail, fmt.Sprintf("watcher connect: %v", err)}
	}
	defer watcher.Close()
	if err := watcher.WaitForAck(connCtx); err != nil {
		return scenarioResult{name, resultFail, fmt.Sprintf("watcher ack: %v", err)}
	}

	online := make(chan struct{}, 1)
	offline := make(chan struct{}, 1)

	watcher.On(client.TypeUserOnline, func(raw json.RawMessage) {
		var msg struct {
			UserID string `json:"userId"`
		}
		if err := json.Unmarshal(raw, &msg); err == nil && msg.UserID == "e2e-ghost" {
			select {
			case online <- struct{}{}:
			default:
			}
		}
	})
	watcher.On(client.TypeUserOffline, func(raw json.RawMessage) {
		var msg struct {
			UserID string `json:"userId"`
		}
		if err := json.Unmarshal(raw, &msg); err == nil && msg.UserID == "e2e-ghost" {
			select {
			case offline <- struct{}{}:
			default:
			}
		}
	})

	// A second user appears...
	ghost, err := client.New(connCtx, wsBase, "notifications", "e2e-ghost", "")
	if err != nil {
		return scenarioResult{name, resultFail, fmt.Sprintf("ghost connect: %v", err)}
	}
	if err := ghost.WaitForAck(connCtx); err != nil {
		ghost.Close()
		return scenarioResult{name, resultFail, fmt.Sprintf("ghost ack: %v", err)}
	}

	waitCtx, waitCancel := context.WithTimeout(ctx, 10*time.Second)
	defer waitCancel()

	select {
	case <-online:
	case <-waitCtx.Done():
		ghost.Close()
		return scenarioResult{name, resultFail, "timeout: watcher did not see user-online"}
	}

	// ...and departs.
	ghost.Close()

	select {
	case <-offline:
	case <-waitCtx.Done():
		return scenarioResult{name, resultFail, "timeout: watcher did not see user-offline"}
	}

	return scenarioResult{name, resultPass, "online and offline announced"}
}

// ---------------------------------------------------------------------------
// Scenario 6: Call Signaling
// ---------------------------------------------------------------------------

func scenario6CallSignaling(ctx context.Context, wsBase string) scenarioResult {
	name := "Scenario 6: Call Signaling"

	connCtx, connCancel := context.WithTimeout(ctx, 10*time.Second)
	defer connCancel()

	callID := "e2e-call-1"
	clientA, clientB, err := connectPair(connCtx, wsBase, "signaling", "e2e-sig-a", "e2e-sig-b", callID)
	if err != nil {
		return scenarioResult{name, resultFail, err.Error()}
	}
	defer clientA.Close()
	defer clientB.Close()

	offerRecv := make(chan string, 1) // carries the "from" user B observed

	clientB.On(client.TypeWebRTCOffer, func(raw json.RawMessage) {
		var msg struct {
			From   string `json:"from"`
			ChatID string `json:"chatId"`
		}
		if err := json.Unmarshal(raw, &msg); err == nil && msg.ChatID == callID {
			select {
			case offerRecv <- msg.From:
			default:
			}
		}
	})

	if err := clientA.Send(map[string]interface{}{
		"type":   client.TypeWebRTCOffer,
		"to":     "e2e-sig-b",
		"chatId": callID,
		"offer":  map[string]string{"type": "offer", "sdp": "v=0"},
	}); err != nil {
		return scenarioResult{name, resultFail, fmt.Sprintf("offer send: %v", err)}
	}

	waitCtx, waitCancel := context.WithTimeout(ctx, 10*time.Second)
	defer waitCancel()

	select {
	case from := <-offerRecv:
		if from != "e2e-sig-a" {
			return scenarioResult{name, resultFail, fmt.Sprintf("wrong from on offer: %q", from)}
		}
	case <-waitCtx.Done():
		return scenarioResult{name, resultFail, "timeout: client B did not receive the offer"}
	}

	return scenarioResult{name, resultPass, "offer relayed point-to-point"}
}

// ---------------------------------------------------------------------------
// Scenario 7: Rate Limiting (optional, non-fatal)
// ---------------------------------------------------------------------------

func scenario7RateLimiting(ctx context.Context, wsBase string) scenarioResult {
	name := "Scenario 7: Rate Limiting"

	scenarioCtx, scenarioCancel := context.WithTimeout(ctx, 30*time.Second)
	defer scenarioCancel()

	connCtx, connCancel := context.WithTimeout(scenarioCtx, 10*time.Second)
	defer connCancel()

	clientA, err := client.New(connCtx, wsBase, "notifications", "e2e-rl", "")
	if err != nil {
		return scenarioResult{name, resultInfo, fmt.Sprintf("setup failed: %v", err)}
	}
	defer clientA.Close()
	if err := clientA.WaitForAck(connCtx); err != nil {
		return scenarioResult{name, resultInfo, fmt.Sprintf("setup failed: %v", err)}
	}

	// Listen for a rate_limited error.
	rateLimited := make(chan struct{}, 1)
	clientA.On(client.TypeError, func(raw json.RawMessage) {
		var msg struct {
			Code string `json:"code"`
		}
		if err := json.Unmarshal(raw, &msg); err == nil && msg.Code == "rate_limited" {
			select {
			case rateLimited <- struct{}{}:
			default:
			}
		}
	})

	// Send 150 pings rapidly (the default limit is 100 per 10s).
	sentCount := 0
	for i := 0; i < 150; i++ {
		if err := clientA.Send(map[string]string{"type": client.TypePing}); err != nil {
			break
		}
		sentCount++
	}

	// Wait briefly for the rate_limited response.
	rlCtx, rlCancel := context.WithTimeout(scenarioCtx, 5*time.Second)
	defer rlCancel()

	select {
	case <-rateLimited:
		return scenarioResult{name, resultInfo, fmt.Sprintf("rate_limited received after %d events", sentCount)}
	case <-rlCtx.Done():
		return scenarioResult{name, resultInfo, fmt.Sprintf("no rate_limited received after %d events (limiting may be disabled)", sentCount)}
	}
}

// ---------------------------------------------------------------------------
// Helpers
// ---------------------------------------------------------------------------

// connectPair creates two clients on the same channel and waits for both
// connected acks. Caller is responsible for closing the clients.
func connectPair(ctx context.Context, wsBase, channel, userA, userB, chatID string) (*client.Client, *client.Client, error) {
	clientA, err := client.New(ctx, wsBase, channel, userA, chatID)
	if err != nil {
		return nil, nil, fmt.Errorf("client A connect: %w", err)
	}

	clientB, err := client.New(ctx, wsBase, channel, userB, chatID)
	if err != nil {
		clientA.Close()
		return nil, nil, fmt.Errorf("client B connect: %w", err)
	}

	if err := clientA.WaitForAck(ctx); err != nil {
		clientA.Close()
		clientB.Close()
		return nil, nil, fmt.Errorf("client A ack: %w", err)
	}
	if err := clientB.WaitForAck(ctx); err != nil {
		clientA.Close()
		clientB.Close()
		return nil, nil, fmt.Errorf("client B ack: %w", err)
	}

	return clientA, clientB, nil
}

// httpGetBody performs an HTTP GET and returns the response body.
func httpGetBody(ctx context.Context, url string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("GET %s: %w", url, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("GET %s: status %d", url, resp.StatusCode)
	}
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read body: %w", err)
	}
	return body, nil
}
