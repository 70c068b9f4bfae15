package reader

import (
	"context"
	"io"
	"time"

	"github.com/emcash/cardpay/logger"
)

// DefaultCooldown is the minimum delay between handled scans. Rapid
// re-scans of the same physical card must not race two settlements.
const DefaultCooldown = 1200 * time.Millisecond

// Handler processes one card scan. It runs on the listener's goroutine, so
// at most one settlement is in flight at a time.
type Handler func(ctx context.Context, uid string)

// Listener serializes card scans: events are handled one at a time in
// arrival order, events arriving while a handler runs are dropped (the
// reader's I/O is not re-entrant), and a cooldown after each handled scan
// absorbs bounce from the reader.
type Listener struct {
	handler  Handler
	cooldown time.Duration
	log      logger.Logger
}

func NewListener(handler Handler, cooldown time.Duration) *Listener {
	if cooldown <= 0 {
		cooldown = DefaultCooldown
	}
	return &Listener{
		handler:  handler,
		cooldown: cooldown,
		log:      logger.NoopLogger{},
	}
}

func (l *Listener) SetLogger(lg logger.Logger) { l.log = lg }

// Run consumes events from src until the stream ends or ctx is canceled.
func (l *Listener) Run(ctx context.Context, src io.Reader) error {
	events := make(chan string, 1)
	errc := make(chan error, 1)

	go func() {
		sc := NewScanner(src)
		for {
			uid, err := sc.Next()
			if err != nil {
				errc <- err
				return
			}
			select {
			case events <- uid:
			default:
				// Busy: a scan is already queued or being handled.
				l.log.Warn("scan dropped, settlement in flight", map[string]any{"uid": uid})
			}
		}
	}()

	var lastDone time.Time
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case err := <-errc:
			if err == io.EOF {
				return nil
			}
			return err
		case uid := <-events:
			if since := time.Since(lastDone); !lastDone.IsZero() && since < l.cooldown {
				l.log.Debug("scan dropped, cooldown", map[string]any{"uid": uid})
				continue
			}
			l.handler(ctx, uid)
			lastDone = time.Now()
		}
	}
}
