package notify

import (
	"fmt"
	"time"

	"github.com/nats-io/nats.go"

	"mqtt-relay/config"
	"mqtt-relay/internal/logger"
)

const reconnectWait = 2 * time.Second

// Connect opens the NATS connection used for notifications. The client
// library handles reconnection.
func Connect(cfg config.NotifyConfig, log *logger.Logger) (*nats.Conn, error) {
	if cfg.URL == "" {
		return nil, fmt.Errorf("no NATS server URL provided")
	}

	log = log.With("component", "nats")

	opts := []nats.Option{
		nats.Name(cfg.Name),
		nats.ReconnectWait(reconnectWait),
		nats.MaxReconnects(-1),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			log.Warn("disconnected from NATS server", "error", err)
		}),
		nats.ReconnectHandler(func(conn *nats.Conn) {
			log.Info("reconnected to NATS server", "url", conn.ConnectedUrl())
		}),
		nats.ClosedHandler(func(_ *nats.Conn) {
			log.Info("NATS connection closed")
		}),
	}

	if cfg.Username != "" {
		opts = append(opts, nats.UserInfo(cfg.Username, cfg.Password))
	}

	log.Info("connecting to NATS server", "url", cfg.URL)

	conn, err := nats.Connect(cfg.URL, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to NATS server: %w", err)
	}

	log.Info("connected to NATS server", "url", conn.ConnectedUrl())
	return conn, nil
}
