package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
	"github.com/urfave/cli/v2"

	"github.com/omochice/chatsync/internal/client"
	"github.com/omochice/chatsync/internal/config"
	"github.com/omochice/chatsync/internal/engine"
	"github.com/omochice/chatsync/internal/logging"
	"github.com/omochice/chatsync/internal/rest"
)

const historyPage = 50

func runCommand() *cli.Command {
	return &cli.Command{
		Name:  "run",
		Usage: "Connect and chat interactively",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "user",
				Aliases: []string{"u"},
				Usage:   "Log in as `USER_ID` (overrides session.user_id)",
			},
			&cli.StringFlag{
				Name:  "chat",
				Usage: "Open `CHAT_ID` right after connecting",
			},
		},
		Action: runChat,
	}
}

func runChat(c *cli.Context) error {
	cfg, err := loadConfig(c)
	if err != nil {
		return err
	}
	if user := c.String("user"); user != "" {
		cfg.Session.UserID = user
	}
	if err := config.Validate(cfg); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}

	logger, err := logging.New(logging.Options{Level: cfg.Log.Level, Format: cfg.Log.Format})
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(c.Context, os.Interrupt, syscall.SIGTERM)
	defer stop()

	var reg *prometheus.Registry
	if cfg.Metrics.Addr != "" {
		reg = prometheus.NewRegistry()
		reg.MustRegister(collectors.NewGoCollector())
		go serveMetrics(ctx, cfg.Metrics.Addr, reg, logger)
	}

	cl, err := newClient(cfg, logger, reg)
	if err != nil {
		return err
	}
	if cl.ConfiguredUser() == "" {
		return errors.New("no user: set session.user_id, session.token or --user")
	}

	runErr := make(chan error, 1)
	go func() { runErr <- cl.Run(ctx) }()
	defer func() {
		_ = cl.Close()
		<-runErr
	}()

	if err := cl.Login(ctx, cl.ConfiguredUser()); err != nil {
		return err
	}

	ui := newTerminal(c.App.Writer, cl)
	go ui.watch(ctx)

	if err := cl.RefreshChats(ctx); err != nil && !errors.Is(err, engine.ErrNoREST) {
		logger.Warn().Err(err).Msg("failed to load chats")
	}
	if chatID := c.String("chat"); chatID != "" {
		ui.open(ctx, chatID)
	}

	lines := make(chan string)
	go readLines(os.Stdin, lines)
	for {
		select {
		case <-ctx.Done():
			return nil
		case line, ok := <-lines:
			if !ok {
				return nil
			}
			if quit := ui.handle(ctx, line); quit {
				return nil
			}
		}
	}
}

// newClient keeps a nil registry an untyped nil.
func newClient(cfg *config.Config, logger zerolog.Logger, reg *prometheus.Registry) (*client.Client, error) {
	if reg == nil {
		return client.New(cfg, logger, nil)
	}
	return client.New(cfg, logger, reg)
}

func serveMetrics(ctx context.Context, addr string, reg *prometheus.Registry, logger zerolog.Logger) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	logger.Info().Str("addr", addr).Msg("serving metrics")
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		logger.Error().Err(err).Msg("metrics server error")
	}
}

func readLines(r io.Reader, out chan<- string) {
	defer close(out)
	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		out <- strings.TrimSpace(scanner.Text())
	}
}

// loadHistory fetches the first page of a chat. A missing REST client is
// not an error; the chat then fills from pushed events only.
func loadHistory(ctx context.Context, cl *client.Client, chatID string) error {
	err := cl.LoadMessages(ctx, chatID, rest.Page{Limit: historyPage})
	if errors.Is(err, engine.ErrNoREST) {
		return nil
	}
	return err
}
