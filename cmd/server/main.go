package main

import (
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/rs/zerolog/log"
	"github.com/urfave/cli/v2"

	"github.com/omochice/chatsync/internal/fakeserver"
	"github.com/omochice/chatsync/internal/logging"
	"github.com/omochice/chatsync/pkg/protocol"
)

func main() {
	app := &cli.App{
		Name:  "chatsync-server",
		Usage: "Development chat backend (TCP, WebSocket and REST on one port)",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "addr",
				Aliases: []string{"a"},
				Value:   ":8080",
				Usage:   "Listen address",
				EnvVars: []string{"CHATSYNC_SERVER_ADDR"},
			},
			&cli.StringFlag{
				Name:    "secret",
				Usage:   "HMAC secret used to sign access tokens",
				EnvVars: []string{"CHATSYNC_SERVER_SECRET"},
			},
			&cli.StringSliceFlag{
				Name:  "chat",
				Usage: "Seed a chat as `ID=user1,user2,...` (repeatable)",
			},
			&cli.BoolFlag{
				Name:  "reaction-snapshots",
				Usage: "Broadcast full reaction maps instead of deltas",
			},
			&cli.StringFlag{
				Name:  "log-level",
				Value: "info",
			},
		},
		Action: serve,
	}

	if err := app.Run(os.Args); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func serve(c *cli.Context) error {
	logger, err := logging.New(logging.Options{Level: c.String("log-level"), Format: "auto"})
	if err != nil {
		return err
	}
	log.Logger = logger

	opts := []fakeserver.Option{fakeserver.WithLogger(logger)}
	if secret := c.String("secret"); secret != "" {
		opts = append(opts, fakeserver.WithSecret([]byte(secret)))
	}
	if c.Bool("reaction-snapshots") {
		opts = append(opts, fakeserver.WithReactionSnapshots())
	}
	srv := fakeserver.New(c.String("addr"), opts...)

	users := make(map[string]bool)
	for _, def := range c.StringSlice("chat") {
		chat, err := parseChat(def)
		if err != nil {
			return err
		}
		srv.AddChat(chat)
		for _, u := range chat.Participants {
			users[u] = true
		}
	}

	if err := srv.Start(); err != nil {
		return err
	}
	defer srv.Stop()

	for u := range users {
		token, err := srv.Token(u)
		if err != nil {
			return err
		}
		logger.Info().Str("user_id", u).Str("token", token).Msg("seeded user")
	}
	logger.Info().Str("ws", srv.WebSocketURL()).Str("api", srv.APIURL()).Msg("ready")

	ctx, stop := signal.NotifyContext(c.Context, os.Interrupt, syscall.SIGTERM)
	defer stop()
	<-ctx.Done()

	logger.Info().Msg("shutting down")
	return nil
}

// parseChat reads "ID=user1,user2". Two participants make a direct chat.
func parseChat(def string) (protocol.Chat, error) {
	id, members, ok := strings.Cut(def, "=")
	id = strings.TrimSpace(id)
	if !ok || id == "" {
		return protocol.Chat{}, fmt.Errorf("invalid chat %q: want ID=user1,user2", def)
	}
	var participants []string
	for _, u := range strings.Split(members, ",") {
		if u = strings.TrimSpace(u); u != "" {
			participants = append(participants, u)
		}
	}
	if len(participants) == 0 {
		return protocol.Chat{}, fmt.Errorf("invalid chat %q: no participants", def)
	}
	chatType := protocol.ChatTypeGroup
	if len(participants) == 2 {
		chatType = protocol.ChatTypeDirect
	}
	return protocol.Chat{ID: id, Type: chatType, Name: id, Participants: participants}, nil
}
