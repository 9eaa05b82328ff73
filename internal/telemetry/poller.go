// Package telemetry samples the vehicle link into the shared snapshot.
package telemetry

import (
	"context"
	"fmt"
	"log"
	"sync"
	"time"

	"followme/internal/vehicle"
)

var afterFn = time.After

const (
	DefaultPeriod  = 2 * time.Second
	DefaultBackoff = 5 * time.Second
)

// Sink is the shared state the poller reads its switch from and publishes
// into.
type Sink interface {
	TrackingActive() bool
	Link() vehicle.Link
	// PublishSnapshot replaces the snapshot wholesale.
	PublishSnapshot(s vehicle.Snapshot)
	// MarkSnapshot keeps the previous snapshot but downgrades its connection
	// status.
	MarkSnapshot(status vehicle.ConnectionStatus, detail string)
}

type Config struct {
	Period  time.Duration
	Backoff time.Duration
	// Observe, if set, sees every successful sample.
	Observe func(vehicle.Snapshot)
}

// Poller never issues commands; it only reads the link.
type Poller struct {
	cfg  Config
	sink Sink

	wg       sync.WaitGroup
	stopOnce sync.Once
	stopCh   chan struct{}
}

func New(sink Sink, cfg Config) *Poller {
	if cfg.Period <= 0 {
		cfg.Period = DefaultPeriod
	}
	if cfg.Backoff <= 0 {
		cfg.Backoff = DefaultBackoff
	}
	return &Poller{cfg: cfg, sink: sink, stopCh: make(chan struct{})}
}

func (p *Poller) Start(ctx context.Context) error {
	if p == nil || p.sink == nil {
		return fmt.Errorf("telemetry: poller is nil")
	}
	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		p.run(ctx)
	}()
	return nil
}

func (p *Poller) Close() {
	if p == nil {
		return
	}
	p.stopOnce.Do(func() { close(p.stopCh) })
	p.wg.Wait()
}

func (p *Poller) run(ctx context.Context) {
	for {
		delay := p.poll()
		select {
		case <-ctx.Done():
			return
		case <-p.stopCh:
			return
		case <-afterFn(delay):
		}
	}
}

// poll runs one cycle and returns how long to wait before the next.
func (p *Poller) poll() (next time.Duration) {
	defer func() {
		if r := recover(); r != nil {
			log.Printf("telemetry: poll panic: %v", r)
			p.sink.MarkSnapshot(vehicle.StatusError, fmt.Sprintf("panic: %v", r))
			next = p.cfg.Backoff
		}
	}()

	if !p.sink.TrackingActive() {
		return p.cfg.Period
	}
	link := p.sink.Link()
	if link == nil {
		p.sink.MarkSnapshot(vehicle.StatusDisconnected, vehicle.ErrNotConnected.Error())
		return p.cfg.Period
	}
	snap, err := link.Sample()
	if err != nil {
		log.Printf("telemetry: poll failed: %v", err)
		p.sink.MarkSnapshot(vehicle.StatusError, err.Error())
		return p.cfg.Backoff
	}
	if snap.Status == "" {
		snap.Status = vehicle.StatusConnected
	}
	p.sink.PublishSnapshot(snap)
	if p.cfg.Observe != nil {
		p.cfg.Observe(snap)
	}
	return p.cfg.Period
}
