package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/outcomelab/settled/internal/domain"
)

// Watcher consumes settlement events from the signal bus and turns the ones
// operators care about into notifications. Resolution outcomes, breaker
// transitions, and cancellations are alert-worthy; trade traffic is not.
type Watcher struct {
	bus      domain.SignalBus
	notifier *Notifier
	logger   *slog.Logger
}

// NewWatcher creates a Watcher over the given bus and notifier.
func NewWatcher(bus domain.SignalBus, notifier *Notifier, logger *slog.Logger) *Watcher {
	return &Watcher{
		bus:      bus,
		notifier: notifier,
		logger:   logger.With(slog.String("component", "notify_watcher")),
	}
}

// watchedChannels carry the events that can page an operator.
var watchedChannels = []string{
	domain.ChannelMarkets,
	domain.ChannelResolution,
	domain.ChannelBreaker,
}

// Run subscribes to the watched channels and dispatches notifications until
// the context is cancelled.
func (w *Watcher) Run(ctx context.Context) error {
	for _, ch := range watchedChannels {
		msgCh, err := w.bus.Subscribe(ctx, ch)
		if err != nil {
			return fmt.Errorf("notify: subscribe %s: %w", ch, err)
		}
		go w.consume(ctx, ch, msgCh)
	}
	<-ctx.Done()
	return ctx.Err()
}

func (w *Watcher) consume(ctx context.Context, channel string, msgCh <-chan []byte) {
	for {
		select {
		case <-ctx.Done():
			return
		case data, ok := <-msgCh:
			if !ok {
				w.logger.Warn("subscription closed", slog.String("channel", channel))
				return
			}
			var ev domain.Event
			if err := json.Unmarshal(data, &ev); err != nil {
				w.logger.Warn("malformed event",
					slog.String("channel", channel),
					slog.String("error", err.Error()),
				)
				continue
			}
			w.handle(ctx, ev)
		}
	}
}

// handle formats and dispatches one event. Delivery failures are logged; the
// watcher never stops over a sender outage.
func (w *Watcher) handle(ctx context.Context, ev domain.Event) {
	var title, message string

	switch ev.Type {
	case domain.EventMarketResolved:
		title = "Market resolved"
		message = fmt.Sprintf("Market %d resolved at seq %d.\n%s", ev.MarketID, ev.Seq, string(ev.Payload))
	case domain.EventMarketDisputed:
		title = "Market disputed"
		message = fmt.Sprintf("Market %d entered dispute at seq %d.", ev.MarketID, ev.Seq)
	case domain.EventMarketCancelled:
		title = "Market cancelled"
		message = fmt.Sprintf("Market %d cancelled at seq %d.\n%s", ev.MarketID, ev.Seq, string(ev.Payload))
	case domain.EventBreakerChanged:
		title = "Circuit breaker changed"
		message = fmt.Sprintf("Breaker transition at seq %d.\n%s", ev.Seq, string(ev.Payload))
	default:
		return
	}

	if err := w.notifier.Notify(ctx, ev.Type, title, message); err != nil {
		w.logger.ErrorContext(ctx, "notification failed",
			slog.String("event", ev.Type),
			slog.String("error", err.Error()),
		)
	}
}
