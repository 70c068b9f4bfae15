package cardpay

import (
	"time"

	"github.com/emcash/cardpay/clients"
	"github.com/emcash/cardpay/logger"
	"github.com/emcash/cardpay/metrics"
)

// Option configures an Engine during construction.
type Option func(*Engine)

// WithLogger replaces the default no-op logger.
func WithLogger(log logger.Logger) Option {
	return func(e *Engine) {
		if log != nil {
			e.log = log
		}
	}
}

// WithMetrics replaces the default no-op metrics recorder.
func WithMetrics(rec metrics.Recorder) Option {
	return func(e *Engine) {
		if rec != nil {
			e.rec = rec
		}
	}
}

// WithClock overrides the engine's clock, used for intent expiry on both the
// signing and the verification side. Tests pin this.
func WithClock(now func() time.Time) Option {
	return func(e *Engine) {
		if now != nil {
			e.now = now
		}
	}
}

// WithTokenClient injects a token ledger client, bypassing the lazy RPC dial.
func WithTokenClient(token clients.TokenClient) Option {
	return func(e *Engine) {
		e.token = token
	}
}
