package remote

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/websocket"
	"github.com/sethvargo/go-retry"

	"github.com/dmitrijs2005/carelog/internal/common"
	"github.com/dmitrijs2005/carelog/internal/logging"
)

const (
	pushPongWait  = 60 * time.Second
	pushPingEvery = 45 * time.Second
)

// PushListener keeps a websocket open to the server and forwards push
// notifications to the sync coordinator. The connection is re-dialed with
// capped backoff after any failure; notifications are fire-and-forget, so a
// dropped connection only delays the next sync, it never loses data (the
// change token makes fetches catch up).
type PushListener struct {
	baseURL string
	token   string
	log     logging.Logger
	out     chan PushNotification
}

// NewPushListener builds a listener for the server at baseURL (http/https;
// the scheme is rewritten for the websocket dial).
func NewPushListener(baseURL, token string, log logging.Logger) *PushListener {
	return &PushListener{
		baseURL: baseURL,
		token:   token,
		log:     log.With("component", "push"),
		out:     make(chan PushNotification, 64),
	}
}

// Notifications is the stream of inbound pushes. Closed when Run returns.
func (l *PushListener) Notifications() <-chan PushNotification { return l.out }

// Run connects and pumps notifications until ctx is cancelled.
func (l *PushListener) Run(ctx context.Context) {
	defer close(l.out)

	backoff := retry.WithCappedDuration(time.Minute, retry.NewFibonacci(time.Second))
	_ = retry.Do(ctx, backoff, func(ctx context.Context) error {
		if err := l.pump(ctx); err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			l.log.Warn(ctx, "push connection lost, reconnecting", "error", err)
			return retry.RetryableError(err)
		}
		return nil
	})
}

func (l *PushListener) pump(ctx context.Context) error {
	wsURL := strings.Replace(l.baseURL, "http", "ws", 1) + "/ws"

	header := http.Header{}
	header.Set(common.AccessTokenHeaderName, "Bearer "+l.token)

	conn, resp, err := websocket.DefaultDialer.DialContext(ctx, wsURL, header)
	if err != nil {
		return err
	}
	if resp != nil && resp.Body != nil {
		defer resp.Body.Close()
	}
	defer conn.Close()

	// close the socket when the context ends so ReadMessage unblocks
	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-ctx.Done():
			_ = conn.Close()
		case <-done:
		}
	}()

	_ = conn.SetReadDeadline(time.Now().Add(pushPongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(pushPongWait))
	})

	go func() {
		ticker := time.NewTicker(pushPingEvery)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(5*time.Second)); err != nil {
					return
				}
			case <-done:
				return
			}
		}
	}()

	l.log.Info(ctx, "push channel connected")

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return err
		}

		var n PushNotification
		if err := json.Unmarshal(data, &n); err != nil {
			l.log.Warn(ctx, "dropping malformed push", "error", err)
			continue
		}

		select {
		case l.out <- n:
		default:
			// a full buffer means a sync is already overdue; the next
			// delivered push will cover this zone too
			l.log.Warn(ctx, "push buffer full, dropping", "zone", n.ZoneID)
		}
	}
}
