package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/CharlesNg35/shellcn-sub007/internal/audit"
	"github.com/CharlesNg35/shellcn-sub007/internal/auth"
	"github.com/CharlesNg35/shellcn-sub007/internal/config"
	"github.com/CharlesNg35/shellcn-sub007/internal/database"
	"github.com/CharlesNg35/shellcn-sub007/internal/health"
	"github.com/CharlesNg35/shellcn-sub007/internal/launcher"
	"github.com/CharlesNg35/shellcn-sub007/internal/logging"
	"github.com/CharlesNg35/shellcn-sub007/internal/mock"
	"github.com/CharlesNg35/shellcn-sub007/internal/session"
	"github.com/CharlesNg35/shellcn-sub007/internal/stats"
	"github.com/CharlesNg35/shellcn-sub007/internal/sweeper"
	"github.com/CharlesNg35/shellcn-sub007/internal/ws"
	"gorm.io/gorm"
)

func main() {
	mockMode := flag.Bool("mock", false, "Run a simulated fleet of users and drivers")
	configPath := flag.String("config", "config.yaml", "Path to config file")
	port := flag.Int("port", 0, "Override server port")
	issueFor := flag.String("issue-token", "", "Print a viewer token for `user` and exit")
	role := flag.String("role", "", "Role claim for -issue-token")
	teams := flag.String("teams", "", "Comma-separated team claim for -issue-token")
	ttl := flag.Duration("ttl", 24*time.Hour, "Lifetime of the token printed by -issue-token")
	flag.Parse()

	cfg, err := config.LoadOrDefault(*configPath)
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}
	if *port > 0 {
		cfg.Server.Port = *port
	}
	if err := cfg.Validate(); err != nil {
		log.Fatalf("Invalid config: %v", err)
	}

	verifier := auth.NewVerifier(cfg.Auth.Secret, cfg.Auth.Issuer, cfg.Auth.AdminRole)
	if *issueFor != "" {
		tok, err := verifier.Issue(*issueFor, *issueFor, *role, splitList(*teams), *ttl)
		if err != nil {
			log.Fatalf("Failed to issue token: %v", err)
		}
		fmt.Println(tok)
		return
	}

	if err := logging.Init(cfg.Logging.Path); err != nil {
		log.Printf("WARNING: %v", err)
	}
	defer logging.Close()

	var db *gorm.DB
	if cfg.Registry.Storage == config.StorageSQLite || cfg.Audit.Enabled {
		db, err = database.Open(cfg.Registry.DatabasePath)
		if err != nil {
			log.Fatalf("Failed to open database: %v", err)
		}
		defer database.Close(db)
	}

	var storage session.Storage
	if cfg.Registry.Storage == config.StorageSQLite {
		log.Printf("Registry storage: sqlite (%s)", cfg.Registry.DatabasePath)
		storage = database.NewSessionStore(db)
	} else {
		log.Println("Registry storage: memory")
		storage = session.NewMemoryStorage()
	}

	registry := session.NewRegistry(storage)
	broadcaster := ws.NewBroadcaster(registry, ws.Options{
		Stream:            cfg.Stream.Name,
		QueueSize:         cfg.Stream.QueueSize,
		ClientBuffer:      cfg.Stream.ClientBuffer,
		HeartbeatThrottle: cfg.Stream.HeartbeatThrottle,
		SnapshotInterval:  cfg.Stream.SnapshotInterval,
		MaxConnections:    cfg.Server.MaxConnections,
		Policy:            cfg.VisibilityPolicy(),
	})
	registry.SetPublisher(broadcaster)

	// Listeners outlive the broadcaster so events drained at shutdown still
	// reach them.
	listenerCtx, stopListeners := context.WithCancel(context.Background())
	var listeners sync.WaitGroup

	statsStore := stats.NewStore(cfg.StatsDir())
	tracker, statsEvents, err := stats.NewTracker(statsStore)
	if err != nil {
		log.Printf("WARNING: stats disabled: %v", err)
		tracker = nil
	} else {
		broadcaster.AddListener(statsEvents)
		listeners.Add(1)
		go func() {
			defer listeners.Done()
			tracker.Run(listenerCtx)
		}()
		log.Printf("Stats persisted to %s", statsStore.Path())
	}

	var recorder *audit.Recorder
	if cfg.Audit.Enabled {
		recorder = audit.NewRecorder(db, cfg.Audit.RetentionDays)
		auditEvents := make(chan session.Event, cfg.Stream.QueueSize)
		broadcaster.AddListener(auditEvents)
		listeners.Add(1)
		go func() {
			defer listeners.Done()
			recorder.Run(listenerCtx, auditEvents)
		}()
		if err := recorder.StartPurge(cfg.Audit.PurgeSchedule); err != nil {
			log.Fatalf("Failed to schedule audit purge: %v", err)
		}
		defer recorder.StopPurge()
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sw := sweeper.New(registry, cfg.Sweeper.Interval, cfg.Sweeper.GracePeriod)
	go sw.Start(ctx)

	if *mockMode {
		log.Println("Starting in mock mode")
		gen := mock.NewGenerator(launcher.New(registry, mock.Drivers()...))
		gen.Start(ctx)
	}

	server := ws.NewServer(registry, broadcaster, verifier, cfg.Server.AllowedOrigins)
	if tracker != nil {
		server.SetStatsTracker(tracker)
	}
	if recorder != nil {
		server.SetAuditRecorder(recorder)
	}
	var ping func() error
	if cfg.Registry.Storage == config.StorageSQLite {
		ping = func() error {
			sqlDB, err := db.DB()
			if err != nil {
				return err
			}
			return sqlDB.Ping()
		}
	}
	server.SetHealthReporter(health.NewReporter(cfg.Registry.Storage, registry.Count, broadcaster.ClientCount, ping))

	addr := fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port)
	httpServer := &http.Server{
		Addr:              addr,
		Handler:           server.Routes(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM, syscall.SIGHUP)
	go watchSignals(sigCh,
		func() { reload(*configPath, sw, broadcaster, recorder) },
		func() {
			log.Println("Shutting down...")
			shutdownCtx, done := context.WithTimeout(context.Background(), 5*time.Second)
			defer done()
			if err := httpServer.Shutdown(shutdownCtx); err != nil {
				log.Printf("HTTP shutdown: %v", err)
			}
		})

	log.Printf("Server listening on %s", addr)
	if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		log.Fatalf("Server error: %v", err)
	}

	cancel()
	n := registry.CloseAll(session.ReasonShutdown)
	log.Printf("Closed %d live session(s)", n)
	broadcaster.Stop()
	stopListeners()
	listeners.Wait()
	log.Println("Shutdown complete")
}

// reload applies the settings that can change without a restart.
func reload(path string, sw *sweeper.Sweeper, b *ws.Broadcaster, recorder *audit.Recorder) {
	cfg, err := config.LoadOrDefault(path)
	if err != nil {
		log.Printf("Config reload failed: %v", err)
		return
	}
	if err := cfg.Validate(); err != nil {
		log.Printf("Config reload rejected: %v", err)
		return
	}

	sw.SetConfig(cfg.Sweeper.Interval, cfg.Sweeper.GracePeriod)
	b.SetPolicy(cfg.VisibilityPolicy())
	b.SetHeartbeatThrottle(cfg.Stream.HeartbeatThrottle)
	if recorder != nil {
		recorder.SetRetentionDays(cfg.Audit.RetentionDays)
	}
	log.Printf("Config reloaded: sweep every %s, grace %s, team visibility %v",
		cfg.Sweeper.Interval, cfg.Sweeper.GracePeriod, cfg.Visibility.TeamVisibility)
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
