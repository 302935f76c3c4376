package broker

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"os"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/google/uuid"

	"mqtt-relay/config"
)

const (
	defaultConnectTimeout = 10 * time.Second
	defaultKeepAlive      = 30 * time.Second
	clientIDPrefix        = "mqtt-relay-"
)

// MQTTConnector opens paho connections. Every call uses a fresh client id
// and a clean session; reconnection is left to the caller.
type MQTTConnector struct {
	ConnectTimeout time.Duration
	KeepAlive      time.Duration

	newClient func(*mqtt.ClientOptions) mqtt.Client
}

func NewMQTTConnector() *MQTTConnector {
	return &MQTTConnector{
		ConnectTimeout: defaultConnectTimeout,
		KeepAlive:      defaultKeepAlive,
		newClient:      mqtt.NewClient,
	}
}

func (c *MQTTConnector) Connect(ctx context.Context, cfg *config.BrokerConfig, onLost mqtt.ConnectionLostHandler) (mqtt.Client, error) {
	if err := ctx.Err(); err != nil {
		return nil, &ConnectError{Broker: cfg.Name, Err: err}
	}

	opts, err := c.clientOptions(cfg, onLost)
	if err != nil {
		return nil, &ConnectError{Broker: cfg.Name, Err: err}
	}

	client := c.newClient(opts)
	token := client.Connect()

	timer := time.NewTimer(c.ConnectTimeout)
	defer timer.Stop()

	select {
	case <-token.Done():
	case <-ctx.Done():
		client.Disconnect(0)
		return nil, &ConnectError{Broker: cfg.Name, Err: ctx.Err()}
	case <-timer.C:
		client.Disconnect(0)
		return nil, &ConnectError{Broker: cfg.Name, Err: ErrTimeout}
	}

	if err := token.Error(); err != nil {
		return nil, &ConnectError{Broker: cfg.Name, Err: err}
	}

	return client, nil
}

func (c *MQTTConnector) clientOptions(cfg *config.BrokerConfig, onLost mqtt.ConnectionLostHandler) (*mqtt.ClientOptions, error) {
	scheme := "tcp"
	if cfg.TLS.Enable {
		scheme = "ssl"
	}

	username := cfg.Username
	if username == "" {
		username = config.DefaultUsername
	}
	password := cfg.Password
	if password == "" {
		password = config.DefaultPassword
	}

	opts := mqtt.NewClientOptions().
		AddBroker(fmt.Sprintf("%s://%s:%d", scheme, cfg.Host, cfg.Port)).
		SetClientID(clientIDPrefix + uuid.NewString()).
		SetUsername(username).
		SetPassword(password).
		SetCleanSession(true).
		SetAutoReconnect(false).
		SetConnectRetry(false).
		SetConnectTimeout(c.ConnectTimeout).
		SetKeepAlive(c.KeepAlive).
		SetConnectionLostHandler(onLost)

	if cfg.TLS.Enable {
		tlsConfig, err := newTLSConfig(cfg.TLS)
		if err != nil {
			return nil, fmt.Errorf("failed to create TLS config: %w", err)
		}
		opts.SetTLSConfig(tlsConfig)
	}

	return opts, nil
}

// newTLSConfig creates a new TLS configuration. Certificate files are optional;
// without a CA file the system pool is used.
func newTLSConfig(cfg config.TLSConfig) (*tls.Config, error) {
	tlsConfig := &tls.Config{
		MinVersion:         tls.VersionTLS12,
		InsecureSkipVerify: cfg.InsecureSkipVerify, //nolint:gosec // opt-in for test brokers
	}

	if cfg.CertFile != "" && cfg.KeyFile != "" {
		cert, err := tls.LoadX509KeyPair(cfg.CertFile, cfg.KeyFile)
		if err != nil {
			return nil, fmt.Errorf("failed to load client certificate: %w", err)
		}
		tlsConfig.Certificates = []tls.Certificate{cert}
	}

	if cfg.CAFile != "" {
		caCert, err := os.ReadFile(cfg.CAFile)
		if err != nil {
			return nil, fmt.Errorf("failed to read CA certificate: %w", err)
		}
		pool := x509.NewCertPool()
		if !pool.AppendCertsFromPEM(caCert) {
			return nil, fmt.Errorf("failed to parse CA certificate")
		}
		tlsConfig.RootCAs = pool
	}

	return tlsConfig, nil
}
