// Package publish mirrors the ground-station status to an MQTT broker.
package publish

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"strings"
	"sync"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"

	"followme/internal/control"
)

var newClientFn = mqtt.NewClient

const (
	DefaultTopic    = "followme/status"
	DefaultInterval = 2 * time.Second
	DefaultClientID = "followme"

	publishTimeout = 2 * time.Second
)

// StatusSource is implemented by control.Controller.
type StatusSource interface {
	ReadStatus() control.Status
}

type Config struct {
	Broker         string
	ClientID       string
	Topic          string
	Interval       time.Duration
	ConnectTimeout time.Duration
}

type Snapshot struct {
	Broker      string    `json:"broker"`
	Topic       string    `json:"topic"`
	Published   uint64    `json:"published"`
	LastPublish time.Time `json:"last_publish_utc,omitempty"`
	LastError   string    `json:"last_error,omitempty"`
}

// Publisher sends the status JSON as a retained message every Interval, so
// a dashboard subscribing late still gets the latest state.
type Publisher struct {
	cfg    Config
	source StatusSource
	client mqtt.Client

	mu   sync.Mutex
	snap Snapshot

	wg       sync.WaitGroup
	stopOnce sync.Once
	stopCh   chan struct{}
}

func New(source StatusSource, cfg Config) *Publisher {
	if strings.TrimSpace(cfg.ClientID) == "" {
		cfg.ClientID = DefaultClientID
	}
	if strings.TrimSpace(cfg.Topic) == "" {
		cfg.Topic = DefaultTopic
	}
	if cfg.Interval <= 0 {
		cfg.Interval = DefaultInterval
	}
	if cfg.ConnectTimeout <= 0 {
		cfg.ConnectTimeout = 5 * time.Second
	}
	return &Publisher{
		cfg:    cfg,
		source: source,
		snap:   Snapshot{Broker: cfg.Broker, Topic: cfg.Topic},
		stopCh: make(chan struct{}),
	}
}

// Start connects to the broker and begins publishing. An unreachable broker
// is not fatal: paho keeps retrying in the background.
func (p *Publisher) Start(ctx context.Context) error {
	if p == nil || p.source == nil {
		return fmt.Errorf("mqtt: publisher is nil")
	}
	if strings.TrimSpace(p.cfg.Broker) == "" {
		return fmt.Errorf("mqtt: broker is required")
	}

	opts := mqtt.NewClientOptions().
		AddBroker(p.cfg.Broker).
		SetClientID(p.cfg.ClientID).
		SetAutoReconnect(true).
		SetConnectRetry(true).
		SetConnectTimeout(p.cfg.ConnectTimeout)
	p.client = newClientFn(opts)

	token := p.client.Connect()
	if token.WaitTimeout(p.cfg.ConnectTimeout) {
		if err := token.Error(); err != nil {
			return fmt.Errorf("mqtt: connect %s: %w", p.cfg.Broker, err)
		}
		log.Printf("mqtt: connected broker=%s topic=%s", p.cfg.Broker, p.cfg.Topic)
	} else {
		log.Printf("mqtt: broker=%s not reachable yet, retrying in background", p.cfg.Broker)
	}

	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		ticker := time.NewTicker(p.cfg.Interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-p.stopCh:
				return
			case <-ticker.C:
				if err := p.PublishOnce(); err != nil {
					p.setError(err)
				}
			}
		}
	}()
	return nil
}

// PublishOnce marshals the current status and publishes it.
func (p *Publisher) PublishOnce() error {
	payload, err := json.Marshal(p.source.ReadStatus())
	if err != nil {
		return fmt.Errorf("mqtt: marshal status: %w", err)
	}
	token := p.client.Publish(p.cfg.Topic, 0, true, payload)
	if !token.WaitTimeout(publishTimeout) {
		return fmt.Errorf("mqtt: publish %s timed out", p.cfg.Topic)
	}
	if err := token.Error(); err != nil {
		return fmt.Errorf("mqtt: publish %s: %w", p.cfg.Topic, err)
	}

	p.mu.Lock()
	p.snap.Published++
	p.snap.LastPublish = time.Now().UTC()
	p.snap.LastError = ""
	p.mu.Unlock()
	return nil
}

// setError logs only when the error text changes so a dead broker does not
// flood the log ring.
func (p *Publisher) setError(err error) {
	p.mu.Lock()
	changed := p.snap.LastError != err.Error()
	p.snap.LastError = err.Error()
	p.mu.Unlock()
	if changed {
		log.Printf("%v", err)
	}
}

func (p *Publisher) Snapshot() Snapshot {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.snap
}

func (p *Publisher) Close() {
	if p == nil {
		return
	}
	p.stopOnce.Do(func() { close(p.stopCh) })
	p.wg.Wait()
	if p.client != nil {
		p.client.Disconnect(250)
	}
}
