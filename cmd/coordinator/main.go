package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/driftchat/drift/internal/coordinator"
	"github.com/driftchat/drift/internal/icebreaker"
	"github.com/driftchat/drift/internal/messaging"
	"github.com/driftchat/drift/internal/prefs"
	"github.com/driftchat/drift/internal/protocol"
	"github.com/driftchat/drift/internal/queue"
	"github.com/driftchat/drift/internal/ratelimit"
	"github.com/driftchat/drift/internal/session"
	"github.com/driftchat/drift/internal/ws"
)

func main() {
	config := ws.DefaultServerConfig()

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

	// --- NATS ---
	natsConfig := messaging.DefaultConfig()
	if natsURL := os.Getenv("NATS_URL"); natsURL != "" {
		natsConfig.URL = natsURL
	}
	natsClient, err := messaging.NewClient(natsConfig)
	if err != nil {
		log.Fatalf("failed to connect to NATS: %v", err)
	}

	// --- Redis ---
	redisAddr := "localhost:6379"
	if v := os.Getenv("REDIS_ADDR"); v != "" {
		redisAddr = v
	}
	rdb := redis.NewClient(&redis.Options{Addr: redisAddr})
	{
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		err := rdb.Ping(ctx).Err()
		cancel()
		if err != nil {
			log.Fatalf("failed to connect to Redis: %v", err)
		}
	}

	// --- Session store ---
	sessionConfig := session.DefaultConfig()
	if v := os.Getenv("SESSION_RETENTION_TTL"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			sessionConfig.RetentionTTL = d
		}
	}
	if v := os.Getenv("SESSION_INACTIVITY_THRESHOLD"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			sessionConfig.InactivityThreshold = d
		}
	}
	sessionStore := session.NewStore(rdb, sessionConfig)

	// --- Preference lookup ---
	// With DATABASE_URL set, preferences come from Postgres and unknown users
	// are rejected. Without it every user id is accepted with defaults.
	var lookup prefs.Lookup = prefs.Permissive{}
	if dsn := os.Getenv("DATABASE_URL"); dsn != "" {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		pg, err := prefs.NewPostgresLookup(ctx, dsn)
		cancel()
		if err != nil {
			log.Fatalf("failed to connect to Postgres: %v", err)
		}
		if err := pg.Migrate(); err != nil {
			log.Fatalf("failed to run migrations: %v", err)
		}
		defer pg.Close()
		lookup = pg
	}

	pool := queue.NewPool(rdb)
	rooms := ws.NewRooms(rdb)
	limiter := ratelimit.NewLimiter(rdb)
	generator := icebreaker.NewTemplates()

	coordConfig := coordinator.DefaultConfig()
	if v := os.Getenv("SEARCH_UPDATE_INTERVAL"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			coordConfig.SearchUpdateInterval = d
		}
	}

	log.Printf("Drift coordinator starting")
	log.Printf("  listen_addr:     %s", config.ListenAddr)
	log.Printf("  worker_pool:     %d", config.WorkerPoolSize)
	log.Printf("  max_connections: %d", config.MaxConnections)
	log.Printf("  nats_url:        %s", natsConfig.URL)
	log.Printf("  redis_addr:      %s", redisAddr)
	log.Printf("  retention_ttl:   %s", sessionConfig.RetentionTTL)
	log.Printf("  inactivity:      %s", sessionConfig.InactivityThreshold)

	dispatcher := ws.NewMessageDispatcher(nil)
	server := ws.NewServer(config, natsClient, dispatcher.Dispatch)
	dispatcher.SetServer(server)

	emitter := ws.NewEmitter(server.Endpoints(), natsClient)
	coord := coordinator.New(coordConfig, pool, sessionStore, rooms, emitter,
		lookup, generator, limiter)

	// -----------------------------------------------------------------------
	// join_queue — enter the waiting pool (or reconnect to a live session)
	// -----------------------------------------------------------------------
	dispatcher.Register(protocol.TypeJoinQueue, func(ep *ws.Endpoint, msg interface{}) {
		m, ok := msg.(protocol.JoinQueueMsg)
		if !ok {
			return
		}
		coord.HandleJoinQueue(context.Background(), ep.ID, m.UserID)
	})

	// -----------------------------------------------------------------------
	// join_session — bind this endpoint to an existing session's room
	// -----------------------------------------------------------------------
	dispatcher.Register(protocol.TypeJoinSession, func(ep *ws.Endpoint, msg interface{}) {
		m, ok := msg.(protocol.JoinSessionMsg)
		if !ok {
			return
		}
		coord.HandleJoinSession(context.Background(), ep.ID, m.SessionID)
	})

	// -----------------------------------------------------------------------
	// send_message — persist and fan out a chat message
	// -----------------------------------------------------------------------
	dispatcher.Register(protocol.TypeSendMessage, func(ep *ws.Endpoint, msg interface{}) {
		m, ok := msg.(protocol.SendMessageMsg)
		if !ok {
			return
		}
		coord.HandleSendMessage(context.Background(), ep.ID, m.SessionID, m.Message)
	})

	// -----------------------------------------------------------------------
	// typing — relay the typing indicator to the peer
	// -----------------------------------------------------------------------
	dispatcher.Register(protocol.TypeTyping, func(ep *ws.Endpoint, msg interface{}) {
		m, ok := msg.(protocol.TypingMsg)
		if !ok {
			return
		}
		coord.HandleTyping(context.Background(), ep.ID, m.SessionID, m.IsTyping)
	})

	// -----------------------------------------------------------------------
	// request_new_icebreakers — regenerate from the recent conversation
	// -----------------------------------------------------------------------
	dispatcher.Register(protocol.TypeNewIcebreakers, func(ep *ws.Endpoint, msg interface{}) {
		m, ok := msg.(protocol.NewIcebreakersMsg)
		if !ok {
			return
		}
		coord.HandleNewIcebreakers(context.Background(), ep.ID, m.SessionID)
	})

	// -----------------------------------------------------------------------
	// leave_session — deliberate skip, tears the session down
	// -----------------------------------------------------------------------
	dispatcher.Register(protocol.TypeLeaveSession, func(ep *ws.Endpoint, msg interface{}) {
		coord.HandleLeaveSession(context.Background(), ep.ID)
	})

	server.SetOnDisconnect(coord.HandleDisconnect)

	// Graceful shutdown.
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		sig := <-sigCh
		log.Printf("received signal %v, initiating graceful shutdown...", sig)
		natsClient.Close()
		if err := server.Shutdown(); err != nil {
			log.Printf("shutdown error: %v", err)
		}
		if err := rdb.Close(); err != nil {
			log.Printf("redis close error: %v", err)
		}
		os.Exit(0)
	}()

	if err := server.Start(); err != nil {
		log.Fatalf("server error: %v", err)
	}
}
