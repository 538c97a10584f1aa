// Command swatchd runs the rendezvous relay that pairs a game's host device
// with its clients and forwards frames between them. It holds no game
// state; every room is torn down the moment its host disconnects.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/rs/cors"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/bedudley/swatch-it/internal/rendezvous"
)

const releaseVersion = "0.1.0"

func main() {
	if err := godotenv.Load(); err != nil {
		log.Debug().Err(err).Msg("no .env file loaded")
	}
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})
	zerolog.SetGlobalLevel(zerolog.InfoLevel)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cfg := &Config{}
	cobra.CheckErr(newCmd(cfg).ExecuteContext(ctx))
}

// handleInfo reports the relay's identity and live room counts.
func handleInfo(relay *rendezvous.Server) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		stats := relay.Stats()
		w.Header().Set("Content-Type", "application/json")
		resp := struct {
			Service     string `json:"service"`
			Version     string `json:"version"`
			Rooms       int    `json:"rooms"`
			Connections int    `json:"connections"`
		}{
			Service:     "swatchd",
			Version:     releaseVersion,
			Rooms:       stats["active_rooms"],
			Connections: stats["total_clients"],
		}
		if err := json.NewEncoder(w).Encode(resp); err != nil {
			log.Error().Err(err).Msg("failed to write info response")
		}
	}
}

func serve(ctx context.Context, cfg *Config) error {
	if cfg.verbose {
		zerolog.SetGlobalLevel(zerolog.DebugLevel)
	}

	relayCfg := rendezvous.DefaultConfig()
	relayCfg.WriteTimeout = cfg.writeTimeout
	relayCfg.ReadTimeout = cfg.readTimeout
	relayCfg.PingInterval = cfg.pingInterval
	relayCfg.MaxMessageSize = cfg.maxMessage
	relayCfg.PublicURL = cfg.publicURL

	relay := rendezvous.NewServer(relayCfg)

	mux := http.NewServeMux()
	relay.RegisterRoutes(mux)

	mux.HandleFunc("GET /info", handleInfo(relay))

	handler := cors.New(cors.Options{
		AllowedOrigins: cfg.corsOrigins,
		AllowedMethods: []string{http.MethodGet},
	}).Handler(mux)

	srv := &http.Server{
		Addr:        net.JoinHostPort(cfg.bind, strconv.Itoa(cfg.port)),
		Handler:     handler,
		IdleTimeout: 2 * time.Minute,
		// No ReadTimeout: it would kill long-lived websocket connections.
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		log.Info().
			Str("addr", srv.Addr).
			Str("public_url", cfg.publicURL).
			Str("version", releaseVersion).
			Msg("starting swatchd")
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	log.Info().Msg("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil && !errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	return nil
}
