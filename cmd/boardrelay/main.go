// boardrelay subscribes to a collaboration server's room feed and keeps a
// live replica of the room's boards.
package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/url"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/pflag"

	"github.com/gosuda/boardrelay/internal/api/ws"
	"github.com/gosuda/boardrelay/internal/auth"
	"github.com/gosuda/boardrelay/internal/config"
	"github.com/gosuda/boardrelay/internal/dispatch"
	"github.com/gosuda/boardrelay/internal/domain"
	"github.com/gosuda/boardrelay/internal/queue"
	"github.com/gosuda/boardrelay/internal/relay"
	"github.com/gosuda/boardrelay/internal/server"
	redisstore "github.com/gosuda/boardrelay/internal/store/redis"
	"github.com/gosuda/boardrelay/internal/stream"
)

func main() {
	if err := run(os.Args[1:]); err != nil {
		ev := log.Fatal().Err(err)
		if stage := domain.StageOf(err); stage != "" {
			ev = ev.Str("stage", string(stage))
		}
		ev.Msg("relay failed")
	}
}

type flags struct {
	configPath string
	roomID     string
	logLevel   string
}

func parseFlags(args []string, out io.Writer) (*flags, error) {
	var f flags

	flagSet := pflag.NewFlagSet("boardrelay", pflag.ContinueOnError)
	flagSet.SetOutput(out)
	flagSet.StringVarP(&f.configPath, "config", "c", "", "path to the configuration document (.json, .jsonc, .yaml)")
	flagSet.StringVarP(&f.roomID, "room", "r", "", "room id to subscribe to (overrides room_id)")
	flagSet.StringVar(&f.logLevel, "log-level", os.Getenv("BOARDRELAY_LOG_LEVEL"), "log level (debug, info, warn, error)")
	flagSet.Usage = func() {
		fmt.Fprintf(out, "Usage: boardrelay -c <config> [flags]\n\nFlags:\n")
		flagSet.PrintDefaults()
	}

	if err := flagSet.Parse(args); err != nil {
		return nil, err
	}
	if rest := flagSet.Args(); len(rest) > 0 {
		return nil, fmt.Errorf("unexpected argument: %s", rest[0])
	}
	if f.configPath == "" {
		return nil, errors.New("--config is required")
	}
	return &f, nil
}

func setupLogging(levelName string) {
	level, err := zerolog.ParseLevel(levelName)
	if err != nil || levelName == "" {
		level = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(level)

	if os.Getenv("BOARDRELAY_LOG_FORMAT") == "text" {
		log.Logger = zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr}).With().Timestamp().Logger()
	} else {
		log.Logger = zerolog.New(os.Stderr).With().Timestamp().Logger()
	}
}

// originHosts turns CORS origins into websocket origin host patterns.
func originHosts(origins []string) []string {
	hosts := make([]string, 0, len(origins))
	for _, o := range origins {
		if u, err := url.Parse(o); err == nil && u.Host != "" {
			hosts = append(hosts, u.Host)
			continue
		}
		hosts = append(hosts, o)
	}
	return hosts
}

func run(args []string) error {
	f, err := parseFlags(args, os.Stderr)
	if errors.Is(err, pflag.ErrHelp) {
		return nil
	}
	if err != nil {
		return err
	}

	setupLogging(f.logLevel)

	cfg, err := config.Load(f.configPath, config.WithRoomID(f.roomID))
	if err != nil {
		return err
	}

	info, err := auth.InspectToken(cfg.Token, time.Now())
	if err != nil {
		return err
	}
	if !info.Opaque {
		log.Debug().Str("subject", info.Subject).Time("expires_at", info.ExpiresAt).Msg("bearer token inspected")
	}

	// Graceful shutdown on SIGINT / SIGTERM.
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	q := queue.New(cfg.QueueOptions())
	room := domain.NewRoom(cfg.RoomID)

	var feed *ws.Hub
	dispOpts := []dispatch.Option{dispatch.WithEventTimeout(cfg.EventTimeout)}
	if cfg.Redis.Addr != "" {
		mirror, mirrorErr := redisstore.New(ctx, cfg.Redis.Addr, cfg.Redis.Password, cfg.Redis.DB)
		if mirrorErr != nil {
			return mirrorErr
		}
		defer mirror.Close()
		dispOpts = append(dispOpts, dispatch.WithPublisher(mirror))
		feed = ws.NewHub(mirror, originHosts(cfg.Status.CORSOrigins))
		log.Info().Str("addr", cfg.Redis.Addr).Msg("change mirror enabled")
	}

	dispatcher := dispatch.New(q, room, dispatch.BoardHandlers(), dispOpts...)
	subscriber := stream.New(stream.Config{
		URL:    cfg.SocketServer,
		Token:  cfg.Token,
		RoomID: cfg.RoomID,
	}, q)

	ctrl := relay.New(subscriber, dispatcher, q, relay.Options{
		DrainTimeout: cfg.DrainTimeout,
		Reconnect: relay.Reconnect{
			Enabled:     cfg.Reconnect.Enabled,
			MaxAttempts: cfg.Reconnect.MaxAttempts,
			Interval:    cfg.Reconnect.Interval,
		},
	})

	var status *server.Server
	if cfg.Status.Addr != "" {
		statusOpts := server.Options{
			Addr:              cfg.Status.Addr,
			CORSOrigins:       cfg.Status.CORSOrigins,
			RequestsPerSecond: 10,
			Burst:             20,
		}
		if feed != nil {
			statusOpts.Feed = feed
		}
		status = server.New(ctx, statusOpts, server.Sources{State: ctrl, Queue: q, Dispatcher: dispatcher})

		go func() {
			log.Info().Str("addr", cfg.Status.Addr).Msg("starting status server")
			if startErr := status.Start(ctx); startErr != nil {
				log.Error().Err(startErr).Msg("status server error")
			}
		}()
	}

	log.Info().
		Str("socket_server", cfg.SocketServer).
		Str("room_id", cfg.RoomID).
		Int("queue_capacity", cfg.Queue.Capacity).
		Msg("relay starting")

	runErr := ctrl.Run(ctx)

	stats := dispatcher.Stats()
	log.Info().
		Uint64("processed", stats.Processed).
		Uint64("failed", stats.Failed).
		Int("boards", room.Len()).
		Int("dropped", q.Dropped()).
		Msg("relay stopped")

	if status != nil {
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer shutdownCancel()
		if shutdownErr := status.Shutdown(shutdownCtx); shutdownErr != nil {
			log.Warn().Err(shutdownErr).Msg("status server shutdown")
		}
	}

	return runErr
}
