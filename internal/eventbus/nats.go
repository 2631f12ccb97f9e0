/*
Copyright (C) 2026 Friends Incode

SPDX-License-Identifier: AGPL-3.0-or-later
*/

package eventbus

import (
	"sync"
	"time"

	"github.com/friendsincode/harmony/internal/events"
	"github.com/google/uuid"
	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog"
)

const natsSubjectPrefix = "harmony.events."

// NATSBus implements a NATS-backed event bus. Same contract as RedisBus:
// local delivery through the embedded in-process bus, remote messages
// re-published into it, own-node echoes suppressed.
type NATSBus struct {
	nc     *nats.Conn
	logger zerolog.Logger
	local  *events.Bus
	nodeID string

	mu          sync.Mutex
	subCount    map[events.EventType]int
	natsSubs    map[events.EventType]*nats.Subscription
	useFallback bool
}

// NATSConfig contains NATS connection configuration.
type NATSConfig struct {
	URL           string
	Token         string
	MaxReconnects int
	ReconnectWait time.Duration
	Timeout       time.Duration
}

// DefaultNATSConfig returns default NATS configuration.
func DefaultNATSConfig() NATSConfig {
	return NATSConfig{
		URL:           nats.DefaultURL,
		MaxReconnects: -1,
		ReconnectWait: 2 * time.Second,
		Timeout:       5 * time.Second,
	}
}

// NewNATSBus creates a NATS-backed event bus.
// Falls back to in-memory delivery if NATS is unavailable.
func NewNATSBus(cfg NATSConfig, nodeID string, logger zerolog.Logger) (*NATSBus, error) {
	if nodeID == "" {
		// An empty node id would match every remote message's echo check.
		nodeID = uuid.NewString()
	}

	nb := &NATSBus{
		logger:   logger.With().Str("component", "eventbus").Logger(),
		local:    events.NewBus(),
		nodeID:   nodeID,
		subCount: make(map[events.EventType]int),
		natsSubs: make(map[events.EventType]*nats.Subscription),
	}

	opts := []nats.Option{
		nats.MaxReconnects(cfg.MaxReconnects),
		nats.ReconnectWait(cfg.ReconnectWait),
		nats.Timeout(cfg.Timeout),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			nb.logger.Warn().Err(err).Msg("NATS disconnected")
		}),
		nats.ReconnectHandler(func(c *nats.Conn) {
			nb.logger.Info().Str("url", c.ConnectedUrl()).Msg("NATS reconnected")
		}),
	}
	if cfg.Token != "" {
		opts = append(opts, nats.Token(cfg.Token))
	}

	nc, err := nats.Connect(cfg.URL, opts...)
	if err != nil {
		nb.logger.Warn().Err(err).Msg("NATS connection failed, using in-memory fallback")
		nb.useFallback = true
		return nb, nil
	}

	nb.nc = nc
	nb.logger.Info().Str("url", cfg.URL).Msg("NATS event bus initialized")
	return nb, nil
}

// Subscribe registers a subscriber for an event type.
func (nb *NATSBus) Subscribe(eventType events.EventType) events.Subscriber {
	sub := nb.local.Subscribe(eventType)

	nb.mu.Lock()
	defer nb.mu.Unlock()

	nb.subCount[eventType]++

	if nb.useFallback {
		return sub
	}

	if _, exists := nb.natsSubs[eventType]; !exists {
		natsSub, err := nb.nc.Subscribe(natsSubjectPrefix+string(eventType), func(msg *nats.Msg) {
			wireMsg, err := unmarshalMessage(msg.Data)
			if err != nil {
				nb.logger.Error().Err(err).Msg("failed to unmarshal NATS message")
				return
			}
			if wireMsg.NodeID == nb.nodeID {
				return
			}
			nb.local.Publish(eventType, wireMsg.Payload)
		})
		if err != nil {
			nb.logger.Error().Err(err).Str("event_type", string(eventType)).Msg("NATS subscribe failed")
		} else {
			nb.natsSubs[eventType] = natsSub
		}
	}

	return sub
}

// Publish sends an event payload to all subscribers, local and remote.
func (nb *NATSBus) Publish(eventType events.EventType, payload events.Payload) {
	nb.local.Publish(eventType, payload)

	nb.mu.Lock()
	fallback := nb.useFallback
	nb.mu.Unlock()
	if fallback {
		return
	}

	data, err := marshalMessage(eventType, payload, nb.nodeID)
	if err != nil {
		nb.logger.Error().Err(err).Msg("failed to marshal NATS message")
		return
	}

	if err := nb.nc.Publish(natsSubjectPrefix+string(eventType), data); err != nil {
		nb.logger.Error().Err(err).Str("event_type", string(eventType)).Msg("failed to publish to NATS")
	}
}

// Unsubscribe removes a subscriber.
func (nb *NATSBus) Unsubscribe(eventType events.EventType, sub events.Subscriber) {
	nb.local.Unsubscribe(eventType, sub)

	nb.mu.Lock()
	defer nb.mu.Unlock()

	if nb.subCount[eventType] > 0 {
		nb.subCount[eventType]--
	}

	if nb.subCount[eventType] == 0 {
		if natsSub, exists := nb.natsSubs[eventType]; exists {
			_ = natsSub.Unsubscribe()
			delete(nb.natsSubs, eventType)
		}
	}
}

// Close drains and closes the NATS connection.
func (nb *NATSBus) Close() error {
	nb.mu.Lock()
	defer nb.mu.Unlock()

	for eventType, natsSub := range nb.natsSubs {
		_ = natsSub.Unsubscribe()
		delete(nb.natsSubs, eventType)
	}

	if nb.nc != nil {
		if err := nb.nc.Drain(); err != nil {
			nb.nc.Close()
			return err
		}
	}

	nb.logger.Info().Msg("NATS event bus closed")
	return nil
}
