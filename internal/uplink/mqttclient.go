// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the Uplink License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

package uplink

import (
	"context"
	"crypto/tls"
	"fmt"
	"net"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
)

// PahoClientConfig configures the reference Client implementation.
type PahoClientConfig struct {
	BrokerURL string
	ClientID  string
	TLSConfig *tls.Config
	// DSCP, if non-zero, is applied to the broker TCP connection via a
	// custom dialer (see netqos.ApplyDSCP).
	DSCP int
}

// PahoClient wraps paho.mqtt.golang's Client, translating its Token
// futures into the try/blocking shapes the Serializer needs.
type PahoClient struct {
	inner mqtt.Client
}

// NewPahoClient dials the broker and returns a connected Client. The
// underlying paho client owns its own reconnect loop (auto-reconnect
// and connect-retry are enabled); no connection-lost handler is
// installed.
func NewPahoClient(cfg PahoClientConfig, dscpApply func(net.Conn, int) error) (*PahoClient, error) {
	opts := mqtt.NewClientOptions().
		AddBroker(cfg.BrokerURL).
		SetClientID(cfg.ClientID).
		SetAutoReconnect(true).
		SetConnectRetry(true).
		SetKeepAlive(30 * time.Second)

	if cfg.TLSConfig != nil {
		opts.SetTLSConfig(cfg.TLSConfig)
	}

	if cfg.DSCP != 0 && dscpApply != nil {
		base := &net.Dialer{Timeout: 30 * time.Second}
		opts.SetDialer(func(network, addr string) (net.Conn, error) {
			conn, err := base.Dial(network, addr)
			if err != nil {
				return nil, err
			}
			if err := dscpApply(conn, cfg.DSCP); err != nil {
				conn.Close()
				return nil, fmt.Errorf("applying dscp to mqtt dial: %w", err)
			}
			return conn, nil
		})
	}

	c := mqtt.NewClient(opts)
	if token := c.Connect(); token.Wait() && token.Error() != nil {
		return nil, fmt.Errorf("connecting to mqtt broker: %w", token.Error())
	}
	return &PahoClient{inner: c}, nil
}

// TryPublish is non-blocking: it returns ErrTryFull as soon as the
// token is not yet complete, matching the "try_publish
// never waits for the broker" contract.
func (c *PahoClient) TryPublish(ctx context.Context, p Publish) error {
	if !c.inner.IsConnectionOpen() {
		return ErrCrashed
	}
	token := c.inner.Publish(p.Topic, p.QoS, p.Retain, p.Payload)
	if token.WaitTimeout(0) {
		return c.tokenResult(token)
	}
	return ErrTryFull
}

// Publish blocks until the broker acknowledges, ctx is cancelled, or
// the client reports its connection lost (ErrCrashed).
func (c *PahoClient) Publish(ctx context.Context, p Publish) error {
	token := c.inner.Publish(p.Topic, p.QoS, p.Retain, p.Payload)
	done := make(chan struct{})
	go func() {
		token.Wait()
		close(done)
	}()

	select {
	case <-done:
		return c.tokenResult(token)
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Disconnect closes the broker connection, waiting up to quiesce for
// in-flight publishes to drain.
func (c *PahoClient) Disconnect(quiesce uint) {
	c.inner.Disconnect(quiesce)
}

// Subscribe registers handler for every message arriving on topic at
// QoS 1. handler runs on paho's own router goroutine, so it must not
// block for long.
func (c *PahoClient) Subscribe(topic string, handler func(topic string, payload []byte)) error {
	token := c.inner.Subscribe(topic, 1, func(_ mqtt.Client, msg mqtt.Message) {
		handler(msg.Topic(), msg.Payload())
	})
	token.Wait()
	return token.Error()
}

// tokenResult classifies a completed token's error against the
// ClientCrash/ClientOther taxonomy (see ErrCrashed): a lost connection is
// ErrCrashed (the Serializer's own crash transition), anything else is
// reported as-is and treated as fatal by the caller.
func (c *PahoClient) tokenResult(token mqtt.Token) error {
	err := token.Error()
	if err == nil {
		return nil
	}
	if !c.inner.IsConnectionOpen() {
		return fmt.Errorf("%w: %v", ErrCrashed, err)
	}
	return err
}
