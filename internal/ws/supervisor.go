package ws

import (
	"log"
	"time"

	"github.com/pulsechat/realtime/internal/metrics"
)

// SupervisorConfig holds the liveness supervisor's tuning parameters.
type SupervisorConfig struct {
	ProbeInterval time.Duration // how often to ping every connection
	IdleTimeout   time.Duration // max silence before a connection is evicted
	SweepInterval time.Duration // how often to reap transports marked dead
}

// DefaultSupervisorConfig returns the production defaults: probe every 30s,
// evict after 5 minutes of silence, sweep dead transports every minute.
func DefaultSupervisorConfig() SupervisorConfig {
	return SupervisorConfig{
		ProbeInterval: 30 * time.Second,
		IdleTimeout:   5 * time.Minute,
		SweepInterval: time.Minute,
	}
}

// StartSupervisor begins the liveness supervisor's two background loops.
//
// The probe loop sends a protocol-level ping to every connection each
// interval and evicts connections that have been silent past the idle
// timeout. Both eviction paths go through the normal removal so presence and
// room state are cleaned up.
//
// The sweep loop reaps transports already marked dead by a failed write.
// Those are removed silently: the occupancy count is corrected but no
// disconnect broadcasts fire, since the failure was already observed.
//
// Both loops exit when the server shuts down.
func StartSupervisor(server *Server, config SupervisorConfig) {
	go func() {
		ticker := time.NewTicker(config.ProbeInterval)
		defer ticker.Stop()
		for {
			select {
			case <-server.done:
				return
			case <-ticker.C:
				probeConnections(server, config)
			}
		}
	}()

	go func() {
		ticker := time.NewTicker(config.SweepInterval)
		defer ticker.Stop()
		for {
			select {
			case <-server.done:
				return
			case <-ticker.C:
				sweepDead(server)
			}
		}
	}()
}

// probeConnections evicts idle connections and pings the rest. A ping that
// fails at the transport level evicts immediately; browsers answer ping
// frames automatically, so a healthy client always refreshes its activity.
func probeConnections(server *Server, config SupervisorConfig) {
	now := time.Now()

	for _, c := range server.reg.AllConns() {
		if now.Sub(c.LastActivity) > config.IdleTimeout {
			log.Printf("ws: evicting idle connection user=%s channel=%s silent=%s",
				c.UserID, c.Channel, now.Sub(c.LastActivity).Round(time.Second))
			metrics.Evictions.WithLabelValues("idle").Inc()
			server.Remove(c)
			continue
		}

		if err := c.WritePing(); err != nil {
			log.Printf("ws: heartbeat ping failed user=%s channel=%s: %v", c.UserID, c.Channel, err)
			metrics.Evictions.WithLabelValues("ping_failed").Inc()
			server.Remove(c)
		}
	}
}

// sweepDead silently reaps connections whose transport is flagged broken.
func sweepDead(server *Server) {
	for _, c := range server.reg.AllConns() {
		if c.Dead() {
			metrics.Evictions.WithLabelValues("dead").Inc()
			server.RemoveSilent(c)
		}
	}
}
