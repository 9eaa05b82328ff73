package sim

import (
	"context"
	"fmt"
	"log"
	"strings"
	"sync"
	"time"
)

type Sender interface {
	Send(payload []byte) error
}

type PhoneConfig struct {
	Walk     OperatorWalk
	Interval time.Duration
}

// Phone streams the operator walk as NMEA datagrams, standing in for the
// phone app on bench runs.
type Phone struct {
	cfg    PhoneConfig
	sender Sender

	mu   sync.Mutex
	sent uint64

	wg       sync.WaitGroup
	stopOnce sync.Once
	stopCh   chan struct{}
}

func NewPhone(sender Sender, cfg PhoneConfig) *Phone {
	if cfg.Interval <= 0 {
		cfg.Interval = time.Second
	}
	return &Phone{cfg: cfg, sender: sender, stopCh: make(chan struct{})}
}

func (p *Phone) Start(ctx context.Context) error {
	if p == nil || p.sender == nil {
		return fmt.Errorf("sim: phone sender is nil")
	}
	w := p.cfg.Walk.withDefaults()
	log.Printf("sim: phone walk center=%.6f,%.6f radius_m=%.0f period=%s interval=%s",
		w.Center.Lat, w.Center.Lon, w.RadiusM, w.Period, p.cfg.Interval)

	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		ticker := time.NewTicker(p.cfg.Interval)
		defer ticker.Stop()
		p.Tick(time.Now())
		for {
			select {
			case <-ctx.Done():
				return
			case <-p.stopCh:
				return
			case now := <-ticker.C:
				p.Tick(now)
			}
		}
	}()
	return nil
}

// Tick sends one datagram carrying both sentences for now.
func (p *Phone) Tick(now time.Time) {
	payload := strings.Join(p.cfg.Walk.Sentences(now), "")
	if err := p.sender.Send([]byte(payload)); err != nil {
		log.Printf("sim: phone send failed: %v", err)
		return
	}
	p.mu.Lock()
	p.sent++
	p.mu.Unlock()
}

func (p *Phone) Sent() uint64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.sent
}

func (p *Phone) Close() {
	if p == nil {
		return
	}
	p.stopOnce.Do(func() { close(p.stopCh) })
	p.wg.Wait()
}
