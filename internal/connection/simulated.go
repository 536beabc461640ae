package connection

import (
	"context"
	"encoding/base64"
	"fmt"
	"math/rand"
	"time"
)

// SimulatedConfig tunes the simulated stream's timing and failure profile.
// Defaults mirror a healthy, low-latency account.
type SimulatedConfig struct {
	PairingDelay time.Duration // time from Connect to the pairing code event
	ConnectDelay time.Duration // time from pairing code to connected
	SendSuccessRate float64    // 0..1, probability a Send succeeds
	MinLatency   time.Duration
	MaxLatency   time.Duration
	AccountPhone string
	AccountName  string
}

func (c SimulatedConfig) withDefaults() SimulatedConfig {
	if c.PairingDelay == 0 {
		c.PairingDelay = 200 * time.Millisecond
	}
	if c.ConnectDelay == 0 {
		c.ConnectDelay = 300 * time.Millisecond
	}
	if c.SendSuccessRate == 0 {
		c.SendSuccessRate = 0.97
	}
	if c.MaxLatency == 0 {
		c.MinLatency = 50 * time.Millisecond
		c.MaxLatency = 200 * time.Millisecond
	}
	if c.AccountPhone == "" {
		c.AccountPhone = "254700000000"
	}
	return c
}

// simulatedStream is the default ConnectionStream/Socket: no real chat
// provider is wired into the surrounding stack, so it fabricates a
// plausible pairing/connect lifecycle and send outcomes with the same
// latency-and-success-rate shape as a mocked provider call, following the
// starting point's SenderService simulation pattern.
type simulatedStream struct {
	cfg       SimulatedConfig
	rng       *rand.Rand
	events    chan StreamEvent
	connected bool
	stop      chan struct{}
}

// NewSimulatedFactory returns a StreamFactory producing simulated streams
// with the given profile.
func NewSimulatedFactory(cfg SimulatedConfig) StreamFactory {
	cfg = cfg.withDefaults()
	return func() ConnectionStream {
		return &simulatedStream{
			cfg:    cfg,
			rng:    rand.New(rand.NewSource(time.Now().UnixNano())),
			events: make(chan StreamEvent, 8),
			stop:   make(chan struct{}),
		}
	}
}

func (s *simulatedStream) Connect(ctx context.Context, creds []byte) error {
	go func() {
		// Known credentials skip straight to connected; empty credentials
		// (first run, or cleared by a permanent-logout policy) pair first.
		if len(creds) == 0 {
			select {
			case <-time.After(s.cfg.PairingDelay):
			case <-s.stop:
				return
			}
			code := base64.RawURLEncoding.EncodeToString([]byte(fmt.Sprintf("pair-%d", s.rng.Int63())))
			select {
			case s.events <- PairingCodeEvent{Code: code}:
			case <-s.stop:
				return
			}
		}

		select {
		case <-time.After(s.cfg.ConnectDelay):
		case <-s.stop:
			return
		}

		s.connected = true
		select {
		case s.events <- ConnectedEvent{AccountPhone: s.cfg.AccountPhone, AccountName: s.cfg.AccountName}:
		case <-s.stop:
		}
	}()
	return nil
}

func (s *simulatedStream) Events() <-chan StreamEvent {
	return s.events
}

func (s *simulatedStream) Close() error {
	select {
	case <-s.stop:
	default:
		close(s.stop)
	}
	s.connected = false
	return nil
}

func (s *simulatedStream) IsConnected() bool {
	return s.connected
}

// Send simulates one provider call: a short randomized latency followed by
// a success/failure draw against SendSuccessRate.
func (s *simulatedStream) Send(ctx context.Context, address string, payload SendPayload) (string, error) {
	if !s.connected {
		return "", fmt.Errorf("simulated stream: not connected")
	}

	latencyRange := int64(s.cfg.MaxLatency - s.cfg.MinLatency)
	latency := s.cfg.MinLatency
	if latencyRange > 0 {
		latency += time.Duration(s.rng.Int63n(latencyRange))
	}
	select {
	case <-time.After(latency):
	case <-ctx.Done():
		return "", ctx.Err()
	}

	if s.rng.Float64() >= s.cfg.SendSuccessRate {
		return "", fmt.Errorf("simulated stream: provider rejected message to %s", address)
	}

	id := fmt.Sprintf("sim-%d-%d", time.Now().UnixNano(), s.rng.Int63())
	return id, nil
}

var _ Socket = (*simulatedStream)(nil)
var _ ConnectionStream = (*simulatedStream)(nil)
