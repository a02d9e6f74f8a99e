package listener

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"github.com/mimisupply/mimisync/internal/logging"
	"github.com/mimisupply/mimisync/internal/models"
)

// ChangeSignal is the wire frame the remote change feed sends when a
// partition has new data.
type ChangeSignal struct {
	Partition models.Partition `json:"partition"`
}

// WSListener consumes the remote's websocket change feed and forwards
// signals into a debounced Listener. Any transport that can call
// Listener.Notify works; this is the default one.
type WSListener struct {
	url      string
	token    string
	listener *Listener
}

// NewWSListener creates a websocket change-feed consumer. url points at
// the remote's /ws endpoint.
func NewWSListener(url, token string, l *Listener) *WSListener {
	return &WSListener{url: url, token: token, listener: l}
}

const (
	redialBase = time.Second
	redialCap  = 30 * time.Second
)

// redialDelay advances the reconnect backoff: the delay doubles up to
// the cap, except that a connection which stayed up past the cap was
// healthy, so its drop restarts the schedule at the base.
func redialDelay(previous, connected time.Duration) time.Duration {
	if connected >= redialCap || previous < redialBase {
		return redialBase
	}
	next := previous * 2
	if next > redialCap {
		next = redialCap
	}
	return next
}

// Run dials the change feed and forwards signals until ctx is done,
// redialing with capped backoff after a dropped connection.
func (w *WSListener) Run(ctx context.Context) {
	var delay time.Duration
	for {
		if ctx.Err() != nil {
			return
		}

		start := time.Now()
		err := w.consume(ctx)
		delay = redialDelay(delay, time.Since(start))
		if err != nil && ctx.Err() == nil {
			logging.Warn("Change feed disconnected", map[string]interface{}{
				"error": err.Error(),
				"retry": delay.String(),
			})
		}

		select {
		case <-ctx.Done():
			return
		case <-time.After(delay):
		}
	}
}

func (w *WSListener) consume(ctx context.Context) error {
	header := http.Header{}
	if w.token != "" {
		header.Set("Authorization", "Bearer "+w.token)
	}

	conn, _, err := websocket.DefaultDialer.DialContext(ctx, w.url, header)
	if err != nil {
		return err
	}
	defer conn.Close()

	// Close the connection when ctx ends so ReadMessage unblocks.
	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-ctx.Done():
			conn.Close()
		case <-done:
		}
	}()

	logging.Info("Change feed connected", map[string]interface{}{"url": w.url})

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return err
		}
		var sig ChangeSignal
		if err := json.Unmarshal(data, &sig); err != nil {
			logging.Warn("Ignoring malformed change signal", map[string]interface{}{
				"error": err.Error(),
			})
			continue
		}
		if sig.Partition == "" {
			continue
		}
		w.listener.Notify(sig.Partition)
	}
}
