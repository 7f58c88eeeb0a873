// aquarium-display is a headless display: it registers with the relay,
// writes every replaced image to a directory and logs the actions it is
// sent. It reconnects until interrupted.
package main

import (
	"context"
	"fmt"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/alecthomas/kong"
	_ "github.com/joho/godotenv/autoload"
	"go.uber.org/zap"

	"github.com/outaqua/aquarium/internal/display"
	"github.com/outaqua/aquarium/internal/logging"
)

type CLI struct {
	URL       string            `env:"AQUARIUM_URL" default:"ws://localhost:3000/ws" help:"Relay websocket URL"`
	Dir       string            `env:"AQUARIUM_DISPLAY_DIR" default:"display" type:"path" help:"Directory replaced images are written to"`
	Bind      map[string]string `help:"Extra filename=target bindings"`
	Reconnect time.Duration     `default:"2s" help:"Delay before reconnecting"`
	Debug     bool              `env:"AQUARIUM_DEBUG" help:"Enable debug logging"`
}

func main() {
	var cli CLI
	ctx := kong.Parse(&cli,
		kong.Name("aquarium-display"),
		kong.Description("Headless haunted aquarium display"),
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

	surface, err := display.NewDirSurface(cli.Dir, log.Named("surface"))
	if err != nil {
		return err
	}
	r := display.NewReplacer(surface, log.Named("replacer"))
	for filename, target := range cli.Bind {
		if strings.TrimSpace(target) == "" {
			return fmt.Errorf("binding for %s has no target", filename)
		}
		r.Bind(filename, target)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	for {
		err := connectOnce(ctx, cli.URL, r, log)
		if ctx.Err() != nil {
			log.Info("display stopped", zap.Int("images", len(surface.Applied())))
			return nil
		}
		log.Warn("disconnected from relay", zap.Error(err), zap.Duration("retry", cli.Reconnect))
		select {
		case <-ctx.Done():
			return nil
		case <-time.After(cli.Reconnect):
		}
	}
}

func connectOnce(ctx context.Context, url string, r *display.Replacer, log *zap.Logger) error {
	c, err := display.Dial(ctx, url, r, log.Named("client"))
	if err != nil {
		return err
	}
	defer c.Close()
	log.Info("registered as display", zap.String("url", url))
	return c.Run(ctx)
}
