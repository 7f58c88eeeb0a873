// aquarium-control drives the displays from the command line: it uploads
// replacement images and sends effects, music and character actions.
//
// Usage:
//
//	aquarium-control upload character1.png walking-left-2.gif
//	aquarium-control effect bubbles
//	aquarium-control music play
//	aquarium-control character shake character3
package main

import (
	"context"
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

	"github.com/outaqua/aquarium/internal/control"
	"github.com/outaqua/aquarium/internal/logging"
	"github.com/outaqua/aquarium/internal/relay"
	"github.com/outaqua/aquarium/internal/transfer"
)

type Globals struct {
	URL     string        `env:"AQUARIUM_URL" default:"ws://localhost:3000/ws" help:"Relay websocket URL"`
	Timeout time.Duration `default:"2m" help:"Give up after this long"`
	Debug   bool          `help:"Enable debug logging"`
}

type CLI struct {
	Globals

	Upload    UploadCmd    `cmd:"" help:"Upload replacement images"`
	Effect    EffectCmd    `cmd:"" help:"Trigger a special effect"`
	Music     MusicCmd     `cmd:"" help:"Control the music"`
	Character CharacterCmd `cmd:"" help:"Send a character action"`
}

type UploadCmd struct {
	Files     []string      `arg:"" type:"existingfile" help:"Image files"`
	Throttle  time.Duration `default:"50ms" help:"Pause between chunks"`
	Delimited bool          `help:"Send header|||payload frames"`
	Direct    bool          `help:"Send each file as one Base64 image-replace instead of chunks"`
	Parallel  int           `default:"2" help:"Uploads in flight at once"`
}

type EffectCmd struct {
	Type string `arg:"" help:"Effect name"`
}

type MusicCmd struct {
	Action string `arg:"" help:"play, pause, stop, next, ..."`
}

type CharacterCmd struct {
	Action string `arg:"" enum:"hover,click,scale,shake" help:"hover, click, scale or shake"`
	Name   string `arg:"" help:"Character name, e.g. character3"`
}

func main() {
	var cli CLI
	ctx := kong.Parse(&cli,
		kong.Name("aquarium-control"),
		kong.Description("Haunted aquarium control client"),
		kong.UsageOnError(),
		kong.ConfigureHelp(kong.HelpOptions{Compact: true}),
	)
	ctx.FatalIfErrorf(ctx.Run(&cli.Globals))
}

// connect dials the relay and returns a context bound to signals and the
// global timeout.
func (g *Globals) connect() (context.Context, *control.Client, *zap.Logger, func(), error) {
	log, err := logging.New(g.Debug)
	if err != nil {
		return nil, nil, nil, nil, err
	}
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	ctx, cancel := context.WithTimeout(ctx, g.Timeout)
	c, err := control.Dial(ctx, g.URL, log)
	if err != nil {
		cancel()
		stop()
		return nil, nil, nil, nil, err
	}
	return ctx, c, log, func() {
		c.Close()
		cancel()
		stop()
		log.Sync()
	}, nil
}

func (cmd *UploadCmd) Run(g *Globals) error {
	ctx, c, log, done, err := g.connect()
	if err != nil {
		return err
	}
	defer done()

	files := make([]transfer.File, 0, len(cmd.Files))
	for _, path := range cmd.Files {
		f, err := readImage(path)
		if err != nil {
			return err
		}
		files = append(files, f)
	}

	if cmd.Direct {
		for _, f := range files {
			if err := c.ReplaceImage(f); err != nil {
				return fmt.Errorf("%s: %w", f.Name, err)
			}
			fmt.Printf("%s: sent\n", f.Name)
		}
		return nil
	}

	opts := []transfer.SenderOption{transfer.WithThrottle(cmd.Throttle)}
	if cmd.Delimited {
		opts = append(opts, transfer.WithDelimitedFrames())
	}

	eg, ctx := errgroup.WithContext(ctx)
	eg.SetLimit(max(cmd.Parallel, 1))
	for _, f := range files {
		eg.Go(func() error {
			progress := transfer.WithProgress(func(p transfer.SendProgress) {
				fmt.Printf("%s: %3.0f%% (%d/%d)\n", p.Filename, p.Percent, p.Sent, p.Total)
			})
			m, err := c.Upload(ctx, f, append(opts[:len(opts):len(opts)], progress)...)
			if err != nil {
				return err
			}
			log.Info("uploaded", zap.String("filename", m.Filename), zap.String("session", m.SessionID), zap.Int("chunks", m.TotalChunks))
			return nil
		})
	}
	return eg.Wait()
}

func (cmd *EffectCmd) Run(g *Globals) error {
	_, c, _, done, err := g.connect()
	if err != nil {
		return err
	}
	defer done()
	return c.Effect(cmd.Type)
}

func (cmd *MusicCmd) Run(g *Globals) error {
	_, c, _, done, err := g.connect()
	if err != nil {
		return err
	}
	defer done()
	return c.Music(cmd.Action)
}

func (cmd *CharacterCmd) Run(g *Globals) error {
	_, c, _, done, err := g.connect()
	if err != nil {
		return err
	}
	defer done()
	return c.Character(relay.ParseKind("character-"+cmd.Action), relay.CharacterAction{Character: cmd.Name})
}

// readImage loads path and sniffs its MIME type.
func readImage(path string) (transfer.File, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return transfer.File{}, err
	}
	mimeType := http.DetectContentType(data)
	if !transfer.Supported(mimeType) {
		return transfer.File{}, fmt.Errorf("%s: %w: %s", path, transfer.ErrUnsupportedType, mimeType)
	}
	return transfer.File{Name: filepath.Base(path), MimeType: mimeType, Data: data}, nil
}
