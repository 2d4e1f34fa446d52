// Package mqtt bridges link events to an MQTT broker. Status frames go to
// <prefix>/status and health reports to <prefix>/health, each wrapped in a
// small JSON envelope.
package mqtt

import (
	"encoding/json"
	"fmt"
	"sync"
	"time"

	paho "github.com/eclipse/paho.mqtt.golang"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/shaunagostinho/loadbank-link/internal/link"
)

// Config holds broker settings.
type Config struct {
	Enabled     bool   `yaml:"enabled" json:"enabled"`
	Broker      string `yaml:"broker" json:"broker"` // e.g. tcp://localhost:1883
	ClientID    string `yaml:"client_id" json:"clientId"`
	TopicPrefix string `yaml:"topic_prefix" json:"topicPrefix"`
	QoS         byte   `yaml:"qos" json:"qos"`
	Retain      bool   `yaml:"retain" json:"retain"`
}

// Client is the subset of paho.Client the publisher needs.
type Client interface {
	Publish(topic string, qos byte, retained bool, payload interface{}) paho.Token
	Disconnect(quiesce uint)
}

// Envelope wraps every published payload.
type Envelope struct {
	MessageID   string      `json:"messageId"`
	Kind        link.Kind   `json:"kind"`
	Timestamp   int64       `json:"timestamp"` // Unix ms
	ContentType string      `json:"contentType"`
	Payload     interface{} `json:"payload"`
}

const (
	queueSize      = 64
	publishTimeout = 5 * time.Second
)

type message struct {
	topic string
	body  []byte
}

// Publisher is a link.Emitter that forwards status and health events.
// Emit never blocks; when the queue is full the event is dropped.
type Publisher struct {
	client Client
	cfg    Config
	log    zerolog.Logger
	queue  chan message
	wg     sync.WaitGroup
	once   sync.Once
	now    func() time.Time
}

// connectTimeout bounds a single Connect. Retrying is left to the caller.
var connectTimeout = 10 * time.Second

// Connect dials the broker once and returns a running Publisher. On failure
// the client is torn down so nothing keeps dialing in the background.
func Connect(cfg Config) (*Publisher, error) {
	if cfg.ClientID == "" {
		cfg.ClientID = "lbrun-" + uuid.NewString()[:8]
	}
	opts := paho.NewClientOptions().
		AddBroker(cfg.Broker).
		SetClientID(cfg.ClientID).
		SetAutoReconnect(true).
		SetConnectTimeout(connectTimeout).
		SetKeepAlive(60 * time.Second).
		SetPingTimeout(10 * time.Second)

	client := paho.NewClient(opts)
	token := client.Connect()
	if !token.WaitTimeout(connectTimeout) {
		client.Disconnect(0)
		return nil, fmt.Errorf("mqtt: connect to %s timed out", cfg.Broker)
	}
	if err := token.Error(); err != nil {
		client.Disconnect(0)
		return nil, fmt.Errorf("mqtt: connect to %s: %w", cfg.Broker, err)
	}
	return New(client, cfg), nil
}

// New starts a Publisher on an existing client.
func New(client Client, cfg Config) *Publisher {
	if cfg.TopicPrefix == "" {
		cfg.TopicPrefix = "loadbank"
	}
	p := &Publisher{
		client: client,
		cfg:    cfg,
		log:    log.With().Str("component", "mqtt").Logger(),
		queue:  make(chan message, queueSize),
		now:    time.Now,
	}
	p.wg.Add(1)
	go p.loop()
	p.log.Info().Str("broker", cfg.Broker).Str("prefix", cfg.TopicPrefix).Msg("publisher started")
	return p
}

// Emit implements link.Emitter.
func (p *Publisher) Emit(e link.Event) {
	var payload interface{}
	switch e.Kind {
	case link.KindStatus:
		payload = e.Status
	case link.KindHealth:
		payload = e.Health
	default:
		return
	}

	body, err := json.Marshal(Envelope{
		MessageID:   uuid.NewString(),
		Kind:        e.Kind,
		Timestamp:   p.now().UnixMilli(),
		ContentType: "application/json",
		Payload:     payload,
	})
	if err != nil {
		p.log.Error().Err(err).Msg("marshal failed")
		return
	}

	select {
	case p.queue <- message{topic: p.cfg.TopicPrefix + "/" + string(e.Kind), body: body}:
	default:
		p.log.Warn().Str("kind", string(e.Kind)).Msg("publish queue full, dropping event")
	}
}

func (p *Publisher) loop() {
	defer p.wg.Done()
	for m := range p.queue {
		tok := p.client.Publish(m.topic, p.cfg.QoS, p.cfg.Retain, m.body)
		if !tok.WaitTimeout(publishTimeout) {
			p.log.Warn().Str("topic", m.topic).Msg("publish timed out")
			continue
		}
		if err := tok.Error(); err != nil {
			p.log.Warn().Err(err).Str("topic", m.topic).Msg("publish failed")
		}
	}
}

// Close flushes queued messages and disconnects. Emit must not be called
// after Close.
func (p *Publisher) Close() {
	p.once.Do(func() {
		close(p.queue)
		p.wg.Wait()
		p.client.Disconnect(250)
		p.log.Info().Msg("publisher stopped")
	})
}
