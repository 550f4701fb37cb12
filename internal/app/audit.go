package app

import (
	"context"
	"time"

	"visionguard/internal/eventbus"
	"visionguard/internal/notifier"
	"visionguard/internal/storage"
	"visionguard/pkg/logx"
)

// auditTypes are the terminal alert events worth persisting.
var auditTypes = map[string]bool{
	eventbus.AlertSent:         true,
	eventbus.AlertFailed:       true,
	eventbus.AlertDeduplicated: true,
	eventbus.AlertRateLimited:  true,
	eventbus.AlertDropped:      true,
	eventbus.AlertCancelled:    true,
}

// recordDeliveries copies terminal alert events into the audit store until
// ctx ends or the subscription closes.
func recordDeliveries(ctx context.Context, events <-chan eventbus.Event, store storage.Store, log logx.Logger) {
	for {
		select {
		case <-ctx.Done():
			return
		case e, ok := <-events:
			if !ok {
				return
			}
			if !auditTypes[e.Type] {
				continue
			}
			ev, ok := e.Data.(notifier.AlertEvent)
			if !ok {
				continue
			}
			rec := deliveryRecord(ev)
			wctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 2*time.Second)
			err := store.AppendDelivery(wctx, rec)
			cancel()
			if err != nil {
				log.Warn("audit append failed", logx.String("handle", ev.HandleID), logx.Err(err))
			}
		}
	}
}

func deliveryRecord(ev notifier.AlertEvent) storage.DeliveryRecord {
	rec := storage.DeliveryRecord{
		At:          ev.At,
		HandleID:    ev.HandleID,
		EventKey:    ev.EventKey,
		Recipient:   ev.Recipient,
		Template:    ev.Template,
		Outcome:     ev.Outcome,
		Attempts:    ev.Attempts,
		Error:       ev.Error,
		SubmittedAt: ev.SubmittedAt,
	}
	if !ev.SubmittedAt.IsZero() && ev.At.After(ev.SubmittedAt) {
		rec.LatencyMS = ev.At.Sub(ev.SubmittedAt).Milliseconds()
	}
	return rec
}
