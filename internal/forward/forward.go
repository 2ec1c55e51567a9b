// Package forward delivers authorized action payloads to the execution layer.
//
// The authorization core never interprets a payload; it only guarantees that
// anything handed to a Forwarder passed signature, replay, and policy checks.
// This package is the HTTP delivery side of that contract.
package forward

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/sigilhq/sigil/internal/account"
	"github.com/sigilhq/sigil/internal/circuitbreaker"
	"github.com/sigilhq/sigil/internal/metrics"
	"github.com/sigilhq/sigil/internal/retry"
)

// ErrCircuitOpen is returned when the downstream breaker refuses the call.
var ErrCircuitOpen = errors.New("forward: circuit open, downstream unavailable")

// Config tunes the HTTP forwarder.
type Config struct {
	URL         string
	Timeout     time.Duration
	MaxRetries  int
	BaseDelay   time.Duration
	CBThreshold int
	CBOpenFor   time.Duration
}

// DefaultConfig returns sane forwarding defaults.
func DefaultConfig(url string) Config {
	return Config{
		URL:         url,
		Timeout:     5 * time.Second,
		MaxRetries:  3,
		BaseDelay:   200 * time.Millisecond,
		CBThreshold: 5,
		CBOpenFor:   30 * time.Second,
	}
}

// HTTPForwarder POSTs each authorized payload to a fixed execution endpoint,
// with retry on transient failures and a circuit breaker guarding the
// downstream.
type HTTPForwarder struct {
	cfg     Config
	client  *http.Client
	breaker *circuitbreaker.Breaker
	logger  *slog.Logger
}

// NewHTTP creates an HTTP forwarder. logger may be nil.
func NewHTTP(cfg Config, logger *slog.Logger) *HTTPForwarder {
	if logger == nil {
		logger = slog.Default()
	}
	return &HTTPForwarder{
		cfg:     cfg,
		client:  &http.Client{Timeout: cfg.Timeout},
		breaker: circuitbreaker.New(cfg.CBThreshold, cfg.CBOpenFor),
		logger:  logger,
	}
}

// Forward implements account.Forwarder.
func (f *HTTPForwarder) Forward(ctx context.Context, addr [account.AddressSize]byte, payload []byte) error {
	if !f.breaker.Allow(f.cfg.URL) {
		metrics.ForwardsTotal.WithLabelValues("circuit_open").Inc()
		return ErrCircuitOpen
	}

	err := retry.Do(ctx, f.cfg.MaxRetries, f.cfg.BaseDelay, func() error {
		return f.post(ctx, addr, payload)
	})
	if err != nil {
		f.breaker.RecordFailure(f.cfg.URL)
		metrics.ForwardsTotal.WithLabelValues("error").Inc()
		return err
	}
	f.breaker.RecordSuccess(f.cfg.URL)
	metrics.ForwardsTotal.WithLabelValues("ok").Inc()
	return nil
}

func (f *HTTPForwarder) post(ctx context.Context, addr [account.AddressSize]byte, payload []byte) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, f.cfg.URL, bytes.NewReader(payload))
	if err != nil {
		return retry.Permanent(err)
	}
	req.Header.Set("Content-Type", "application/octet-stream")
	req.Header.Set("X-Sigil-Account", account.EncodeAddress(addr))

	resp, err := f.client.Do(req)
	if err != nil {
		return err
	}
	defer func() { _ = resp.Body.Close() }()

	switch {
	case resp.StatusCode < 300:
		return nil
	case resp.StatusCode >= 400 && resp.StatusCode < 500:
		// The downstream rejected the payload itself; retrying won't help.
		return retry.Permanent(fmt.Errorf("forward: downstream rejected payload: %s", resp.Status))
	default:
		return fmt.Errorf("forward: downstream error: %s", resp.Status)
	}
}

var _ account.Forwarder = (*HTTPForwarder)(nil)
