package main

import (
	"context"
	"errors"
	"io"
	"log"
	"net"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"

	"github.com/mateo/testfarm/internal/api"
	"github.com/mateo/testfarm/internal/config"
	"github.com/mateo/testfarm/internal/farm"
	"github.com/mateo/testfarm/internal/intake"
	"github.com/mateo/testfarm/internal/reporter"
	"github.com/mateo/testfarm/internal/store"
	"github.com/mateo/testfarm/internal/transport"
	"github.com/mateo/testfarm/internal/ws"
)

const shutdownTimeout = 10 * time.Second

// workChannel is both ends of the intake: the coordinator drains it and
// the admin API feeds it.
type workChannel interface {
	intake.Intake
	intake.Producer
}

func main() {
	var configPath string

	root := &cobra.Command{
		Use:          "farmd",
		Short:        "Test farm coordinator",
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			if configPath != "" {
				os.Setenv("FARM_CONFIG", configPath)
			}
			return run()
		},
	}
	root.Flags().StringVar(&configPath, "config", "", "config file (default ~/.testfarm/config.yaml)")

	if err := root.Execute(); err != nil {
		os.Exit(1)
	}
}

func run() error {
	log.SetFlags(log.Ldate | log.Ltime | log.Lshortfile)

	cfg, err := config.Load()
	if err != nil {
		return err
	}
	if err := config.EnsureDirs(); err != nil {
		return err
	}
	if cfg.Log.File != "" {
		closeLog, err := logToFile(cfg.Log.File)
		if err != nil {
			return err
		}
		defer closeLog()
	}
	log.Println("farmd starting...")

	db, err := store.Open(cfg.Database.Driver, cfg.Database.DSN)
	if err != nil {
		return err
	}
	if err := store.Migrate(db); err != nil {
		return err
	}

	work, closeIntake := openIntake(cfg.Redis)
	defer closeIntake()

	forwarder := reporter.New(cfg.Reporter.Webserver, cfg.Reporter.Timeout, cfg.Reporter.QueueSize)
	forwarder.Start()

	coord := farm.New(store.New(db), work, forwarder,
		farm.WithTickInterval(cfg.Server.TickInterval),
		farm.WithHeartbeatTimeout(cfg.Server.HeartbeatTimeout),
		farm.WithDefaultAssignmentTimeout(cfg.Server.DefaultAssignmentTimeout),
	)

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if err := coord.Preload(ctx); err != nil {
		return err
	}

	// Slave transport. A listener failure is the one fatal error.
	server := transport.NewServer(coord, cfg.Server.SendBuffer)
	ln, err := server.Listen(cfg.Server.ListenAddr)
	if err != nil {
		return err
	}
	serveErr := make(chan error, 1)
	go func() { serveErr <- server.Serve(ln) }()

	go coord.Run(ctx)

	hub := ws.NewHub(coord, ws.NewCommandHandler(work), cfg.Server.TickInterval)
	go hub.Run()

	apiErr := make(chan error, 1)
	go func() {
		apiErr <- api.ListenAndServe(ctx, cfg.API.Port, api.NewServer(coord, work, hub))
	}()

	select {
	case <-ctx.Done():
	case err := <-serveErr:
		if err != nil && !errors.Is(err, net.ErrClosed) {
			log.Printf("Slave transport failed: %v", err)
		}
		cancel()
	case err := <-apiErr:
		if err != nil {
			log.Printf("Admin API failed: %v", err)
		}
		cancel()
	}

	log.Println("Shutting down...")
	hub.Stop()
	if err := server.Close(); err != nil {
		log.Printf("Closing slave transport: %v", err)
	}

	flushCtx, flushCancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer flushCancel()
	if err := forwarder.Stop(flushCtx); err != nil {
		log.Printf("Warning: result notices not flushed: %v", err)
	}
	return nil
}

// openIntake prefers Redis and falls back to an in-process channel when
// it is disabled.
func openIntake(cfg config.RedisConfig) (workChannel, func()) {
	if !cfg.Enabled {
		log.Println("Redis disabled, using in-process intake")
		return intake.NewMemory(), func() {}
	}

	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	in := intake.NewRedis(rdb)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := in.Ping(ctx); err != nil {
		log.Printf("Warning: Redis at %s unreachable: %v; intake will retry every tick", cfg.Addr, err)
	} else {
		log.Printf("Intake connected to Redis at %s", cfg.Addr)
	}
	return in, func() { rdb.Close() }
}

func logToFile(path string) (func(), error) {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, err
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return nil, err
	}
	log.SetOutput(io.MultiWriter(os.Stderr, f))
	return func() {
		log.SetOutput(os.Stderr)
		f.Close()
	}, nil
}
