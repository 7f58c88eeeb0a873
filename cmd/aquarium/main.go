// aquarium is the relay server: control panels and displays connect to it
// over a websocket at /ws.
package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/alecthomas/kong"
	_ "github.com/joho/godotenv/autoload"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/outaqua/aquarium/internal/archive"
	"github.com/outaqua/aquarium/internal/logging"
	"github.com/outaqua/aquarium/internal/relay"
	"github.com/outaqua/aquarium/internal/server"
	"github.com/outaqua/aquarium/internal/storage"
	"github.com/outaqua/aquarium/internal/transfer"
)

type CLI struct {
	Listen        string        `env:"AQUARIUM_LISTEN" default:":3000" help:"HTTP listen address"`
	DataDir       string        `env:"AQUARIUM_DATA_DIR" default:"data" type:"path" help:"Directory for the upload database"`
	Bucket        string        `env:"AQUARIUM_BUCKET" help:"Blob bucket URL for archived images (mem://, file:///path). Defaults to <data-dir>/images"`
	NoArchive     bool          `env:"AQUARIUM_NO_ARCHIVE" help:"Relay uploads without keeping them"`
	SessionTTL    time.Duration `env:"AQUARIUM_SESSION_TTL" default:"2m" help:"Drop upload sessions idle for longer than this"`
	SweepInterval time.Duration `env:"AQUARIUM_SWEEP_INTERVAL" default:"30s" help:"How often idle sessions are swept"`
	MaxFileSize   int64         `env:"AQUARIUM_MAX_FILE_SIZE" default:"52428800" help:"Largest accepted upload in bytes"`
	MaxChunks     int           `env:"AQUARIUM_MAX_CHUNKS" default:"4096" help:"Most chunks an upload may declare"`
	Rate          int           `env:"AQUARIUM_RATE" default:"2000" help:"Messages allowed per connection per window (0 disables)"`
	RateWindow    time.Duration `env:"AQUARIUM_RATE_WINDOW" default:"10s" help:"Rate limit window"`
	Replay        bool          `env:"AQUARIUM_REPLAY" default:"true" negatable:"" help:"Send the latest images to displays when they register"`
	Debug         bool          `env:"AQUARIUM_DEBUG" help:"Enable debug logging"`
}

func main() {
	var cli CLI
	ctx := kong.Parse(&cli,
		kong.Name("aquarium"),
		kong.Description("Haunted aquarium relay server"),
		kong.UsageOnError(),
		kong.ConfigureHelp(kong.HelpOptions{Compact: true}),
	)
	ctx.FatalIfErrorf(run(&cli))
}

func run(cli *CLI) error {
	log, err := logging.New(cli.Debug)
	if err != nil {
		return err
	}
	defer log.Sync()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	var lib relay.Library
	var images server.Images
	if !cli.NoArchive {
		arc, closeArchive, err := openArchive(ctx, cli, log)
		if err != nil {
			return err
		}
		defer closeArchive()
		lib, images = arc, arc
	}

	cfg := relay.DefaultConfig
	cfg.Limits = transfer.Limits{MaxFileSize: cli.MaxFileSize, MaxChunks: cli.MaxChunks}
	cfg.Rate = cli.Rate
	cfg.RateWindow = cli.RateWindow
	cfg.Replay = cli.Replay
	hub := relay.NewHub(cfg, lib, log.Named("relay"))

	srv := server.New(hub, images, server.Config{
		SessionTTL:    cli.SessionTTL,
		SweepInterval: cli.SweepInterval,
		UpgradeRate:   server.DefaultConfig.UpgradeRate,
		UpgradeWindow: server.DefaultConfig.UpgradeWindow,
	}, log.Named("http"))
	srv.StartWorkers(ctx)

	httpServer := &http.Server{
		Addr:              cli.Listen,
		Handler:           srv,
		ReadHeaderTimeout: 10 * time.Second,
	}

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		log.Info("aquarium listening", zap.String("addr", cli.Listen))
		if err := httpServer.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-ctx.Done()
		log.Info("shutting down")
		hub.Close()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return httpServer.Shutdown(shutdownCtx)
	})
	return g.Wait()
}

func openArchive(ctx context.Context, cli *CLI, log *zap.Logger) (*archive.Archive, func(), error) {
	if err := os.MkdirAll(cli.DataDir, 0o755); err != nil {
		return nil, nil, fmt.Errorf("create data dir: %w", err)
	}
	db, err := storage.NewDB(filepath.Join(cli.DataDir, "aquarium.db"))
	if err != nil {
		return nil, nil, err
	}

	bucket := cli.Bucket
	if bucket == "" {
		dir, err := filepath.Abs(filepath.Join(cli.DataDir, "images"))
		if err != nil {
			db.Close()
			return nil, nil, err
		}
		if err := os.MkdirAll(dir, 0o755); err != nil {
			db.Close()
			return nil, nil, fmt.Errorf("create image dir: %w", err)
		}
		bucket = "file://" + filepath.ToSlash(dir)
	}

	arc, err := archive.Open(ctx, bucket, db, log.Named("archive"))
	if err != nil {
		db.Close()
		return nil, nil, err
	}
	return arc, func() {
		arc.Close()
		db.Close()
	}, nil
}
