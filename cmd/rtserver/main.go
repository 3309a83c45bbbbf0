package main

import (
	"log"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/pulsechat/realtime/internal/bridge"
	"github.com/pulsechat/realtime/internal/participants"
	"github.com/pulsechat/realtime/internal/presence"
	"github.com/pulsechat/realtime/internal/ratelimit"
	"github.com/pulsechat/realtime/internal/registry"
	"github.com/pulsechat/realtime/internal/router"
	"github.com/pulsechat/realtime/internal/ws"
)

func main() {
	config := ws.DefaultConfig()

	if addr := os.Getenv("LISTEN_ADDR"); addr != "" {
		config.ListenAddr = addr
	}
	if v := os.Getenv("WORKER_POOL_SIZE"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			config.WorkerPoolSize = n
		}
	}
	if v := os.Getenv("MAX_CONNECTIONS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			config.MaxConnections = n
		}
	}
	if v := os.Getenv("READ_TIMEOUT"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			config.ReadTimeout = d
		}
	}
	if v := os.Getenv("WRITE_TIMEOUT"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			config.WriteTimeout = d
		}
	}

	routerConfig := router.DefaultConfig()
	routerConfig.WriteTimeout = config.WriteTimeout
	if v := os.Getenv("TYPING_WINDOW"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			routerConfig.TypingWindow = d
		}
	}

	supervisorConfig := ws.DefaultSupervisorConfig()
	if v := os.Getenv("PROBE_INTERVAL"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			supervisorConfig.ProbeInterval = d
		}
	}
	if v := os.Getenv("IDLE_TIMEOUT"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			supervisorConfig.IdleTimeout = d
		}
	}
	if v := os.Getenv("SWEEP_INTERVAL"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			supervisorConfig.SweepInterval = d
		}
	}

	// --- Redis (presence records + rate limiting) ---
	redisAddr := "localhost:6379"
	if v := os.Getenv("REDIS_ADDR"); v != "" {
		redisAddr = v
	}
	store, err := presence.Connect(redisAddr)
	if err != nil {
		log.Fatalf("failed to connect to Redis: %v", err)
	}
	limiter := ratelimit.NewLimiter(store.Client())

	// --- Postgres (optional authoritative chat membership) ---
	var parts router.ChatParticipants
	var pstore *participants.Store
	if dsn := os.Getenv("DATABASE_URL"); dsn != "" {
		pstore, err = participants.Open(dsn)
		if err != nil {
			log.Fatalf("failed to connect to Postgres: %v", err)
		}
		migrationsDir := "migrations"
		if v := os.Getenv("MIGRATIONS_DIR"); v != "" {
			migrationsDir = v
		}
		if err := pstore.Migrate(migrationsDir); err != nil {
			log.Fatalf("failed to run migrations: %v", err)
		}
		parts = pstore
	}

	log.Printf("realtime server starting")
	log.Printf("  listen_addr:     %s", config.ListenAddr)
	log.Printf("  worker_pool:     %d", config.WorkerPoolSize)
	log.Printf("  max_connections: %d", config.MaxConnections)
	log.Printf("  read_timeout:    %s", config.ReadTimeout)
	log.Printf("  write_timeout:   %s", config.WriteTimeout)
	log.Printf("  typing_window:   %s", routerConfig.TypingWindow)
	log.Printf("  probe_interval:  %s", supervisorConfig.ProbeInterval)
	log.Printf("  idle_timeout:    %s", supervisorConfig.IdleTimeout)
	log.Printf("  redis_addr:      %s", redisAddr)
	log.Printf("  participants:    %v", parts != nil)

	reg := registry.NewRegistry()
	rt := router.New(routerConfig, reg, store, parts, limiter)

	// --- NATS (optional multi-instance bridge) ---
	var natsBridge *bridge.Bridge
	if natsURL := os.Getenv("NATS_URL"); natsURL != "" {
		bridgeConfig := bridge.DefaultConfig()
		bridgeConfig.URL = natsURL
		natsBridge, err = bridge.Connect(bridgeConfig, rt)
		if err != nil {
			log.Fatalf("failed to connect to NATS: %v", err)
		}
		rt.SetBridge(natsBridge)
	}

	server := ws.NewServer(config, reg, limiter)
	server.OnConnect(rt.HandleConnect)
	server.OnMessage(func(c *registry.Connection, data []byte) {
		rt.Route(c, data)
	})
	server.OnDisconnect(rt.HandleDisconnect)

	ws.StartSupervisor(server, supervisorConfig)

	// Graceful shutdown.
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		sig := <-sigCh
		log.Printf("received signal %v, initiating graceful shutdown...", sig)
		if natsBridge != nil {
			natsBridge.Close()
		}
		if err := server.Shutdown(); err != nil {
			log.Printf("shutdown error: %v", err)
		}
		if pstore != nil {
			if err := pstore.Close(); err != nil {
				log.Printf("participants store close error: %v", err)
			}
		}
		if err := store.Close(); err != nil {
			log.Printf("presence store close error: %v", err)
		}
		os.Exit(0)
	}()

	if err := server.Start(); err != nil {
		log.Fatalf("server error: %v", err)
	}
}
