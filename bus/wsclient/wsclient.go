// Package wsclient adapts a bus.Subscription to a websocket connection,
// giving the Subscription's otherwise transport-agnostic client handle a
// concrete transport to exercise in tests. The HTTP/WS facade itself
// remains out of scope for the core; this is a thin, optional pump.
package wsclient

import (
	"context"
	"encoding/json"

	"github.com/gorilla/websocket"

	"github.com/tripsmith/itinera/bus"
	"github.com/tripsmith/itinera/telemetry"
)

// Pump drains a subscription's event channel and writes each event as a
// JSON text frame to conn, until the subscription closes, the connection
// errors, or ctx is cancelled. It always unregisters the subscription
// before returning so no further send is attempted on a dead connection.
func Pump(ctx context.Context, conn *websocket.Conn, sub *bus.Subscription, log telemetry.Logger) error {
	if log == nil {
		log = telemetry.NoopLogger{}
	}
	defer sub.Close()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case ev, ok := <-sub.C():
			if !ok {
				return nil
			}
			data, err := json.Marshal(ev)
			if err != nil {
				log.Error(ctx, "failed to marshal event for websocket frame", "err", err)
				continue
			}
			if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
				return err
			}
		}
	}
}
