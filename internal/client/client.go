// Package client assembles a ready-to-run chat session from configuration.
package client

import (
	"fmt"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"

	"github.com/omochice/chatsync/internal/config"
	"github.com/omochice/chatsync/internal/connection"
	"github.com/omochice/chatsync/internal/engine"
	"github.com/omochice/chatsync/internal/logging"
	"github.com/omochice/chatsync/internal/metrics"
	"github.com/omochice/chatsync/internal/rest"
	"github.com/omochice/chatsync/internal/transport"
	"github.com/omochice/chatsync/internal/transport/tcp"
	"github.com/omochice/chatsync/internal/transport/ws"
)

// Client is a Session together with the connection manager it drives.
type Client struct {
	*engine.Session
	manager *connection.Manager
	userID  string
}

// New wires a Client from cfg. reg may be nil to skip metric registration.
//
// The user id comes from session.user_id or, when only session.token is
// set, from the token's subject. The REST client is configured only when
// server.api_url is set.
func New(cfg *config.Config, logger zerolog.Logger, reg prometheus.Registerer) (*Client, error) {
	userID := cfg.Session.UserID
	if userID == "" && cfg.Session.Token != "" {
		sub, err := rest.UserIDFromToken(cfg.Session.Token)
		if err != nil {
			return nil, err
		}
		userID = sub
	}

	dialer, err := Dialer(cfg)
	if err != nil {
		return nil, err
	}

	m := metrics.New(reg)
	manager := connection.NewManager(connection.Options{
		Dialer: dialer,
		Backoff: connection.Backoff{
			Base:   cfg.Reconnect.BaseDelay,
			Max:    cfg.Reconnect.MaxDelay,
			Jitter: cfg.Reconnect.Jitter,
		},
		MaxAttempts: cfg.Reconnect.MaxAttempts,
		DialTimeout: cfg.Connection.DialTimeout,
		AuthTimeout: cfg.Connection.AuthTimeout,
		MaxPending:  cfg.Connection.MaxPending,
		Logger:      logging.Component(logger, "connection"),
		Metrics:     m,
	})

	var api rest.Client
	if cfg.Server.APIURL != "" {
		api = rest.NewHTTPClient(cfg.Server.APIURL, userID, cfg.Session.Token)
	}

	session := engine.New(engine.Options{
		Conn:           manager,
		REST:           api,
		TypingTTL:      cfg.Presence.TypingTTL,
		SweepInterval:  cfg.Presence.SweepInterval,
		TypingInterval: cfg.Typing.MinInterval,
		Logger:         logger,
		Metrics:        m,
	})

	return &Client{Session: session, manager: manager, userID: userID}, nil
}

// Dialer returns the transport dialer selected by server.transport.
func Dialer(cfg *config.Config) (transport.Dialer, error) {
	switch cfg.Server.Transport {
	case config.TransportWebSocket, "":
		var header http.Header
		if cfg.Session.Token != "" {
			header = http.Header{"Authorization": {"Bearer " + cfg.Session.Token}}
		}
		return ws.Dialer{URL: cfg.Server.URL, Header: header}, nil
	case config.TransportTCP:
		return tcp.Dialer{Address: cfg.Server.URL}, nil
	default:
		return nil, fmt.Errorf("unknown transport %q", cfg.Server.Transport)
	}
}

// ConfiguredUser returns the user id resolved from the configuration, or "".
func (c *Client) ConfiguredUser() string {
	return c.userID
}

// Close tears down the connection. Run returns once the manager has stopped.
func (c *Client) Close() error {
	return c.manager.Close()
}
