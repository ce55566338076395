package api

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/bytedance/sonic"
	"github.com/labstack/echo/v4"
	"github.com/redis/go-redis/v9"
	log "github.com/sirupsen/logrus"

	"payout-sync/projection"
)

// StatusBroker fans projection updates out to the SSE clients watching a
// subject. Slow clients miss intermediate updates, never the latest one
// they are sent.
type StatusBroker struct {
	mu      sync.Mutex
	clients map[string]map[chan []byte]struct{}
}

func NewStatusBroker() *StatusBroker {
	return &StatusBroker{clients: make(map[string]map[chan []byte]struct{})}
}

func (b *StatusBroker) subscribe(subjectID string) chan []byte {
	ch := make(chan []byte, 1)
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.clients[subjectID] == nil {
		b.clients[subjectID] = make(map[chan []byte]struct{})
	}
	b.clients[subjectID][ch] = struct{}{}
	return ch
}

func (b *StatusBroker) unsubscribe(subjectID string, ch chan []byte) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.clients[subjectID], ch)
	if len(b.clients[subjectID]) == 0 {
		delete(b.clients, subjectID)
	}
}

// Broadcast sends data to every client of subjectID, replacing an update the
// client has not read yet.
func (b *StatusBroker) Broadcast(subjectID string, data []byte) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for ch := range b.clients[subjectID] {
		select {
		case <-ch:
		default:
		}
		select {
		case ch <- data:
		default:
		}
	}
}

// SubscribeUpdates relays projection notifications published on channel to
// the broker until ctx ends, reconnecting when the subscription drops.
func SubscribeUpdates(ctx context.Context, rc *redis.Client, channel string, b *StatusBroker) {
	for {
		sub := rc.Subscribe(ctx, channel)
		relay(ctx, sub.Channel(), b)
		_ = sub.Close()
		if ctx.Err() != nil {
			return
		}
		log.WithField("channel", channel).Error("pubsub channel closed, reconnecting")
		select {
		case <-ctx.Done():
			return
		case <-time.After(time.Second):
		}
	}
}

func relay(ctx context.Context, ch <-chan *redis.Message, b *StatusBroker) {
	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-ch:
			if !ok {
				return
			}
			var view projection.Payout
			if err := sonic.UnmarshalString(msg.Payload, &view); err != nil || view.SubjectID == "" {
				log.WithError(err).Warn("unable to parse projection update")
				continue
			}
			b.Broadcast(view.SubjectID, []byte(msg.Payload))
		}
	}
}

// streamPayout serves a subject's projection as server-sent events: the
// current view first, then every update.
func streamPayout(deps Deps) echo.HandlerFunc {
	return func(c echo.Context) error {
		authHeader := c.Request().Header.Get(echo.HeaderAuthorization)
		if token := c.QueryParam("token"); authHeader == "" && token != "" {
			authHeader = "Bearer " + token
		}
		p, err := deps.Auth.Authenticate(authHeader)
		if err != nil {
			return c.String(http.StatusUnauthorized, err.Error())
		}
		subject := c.Param("subject")
		if subject != p.UserID {
			return c.String(http.StatusForbidden, "subject does not belong to caller")
		}
		ctx := c.Request().Context()
		ch := deps.Broker.subscribe(subject)
		defer deps.Broker.unsubscribe(subject, ch)

		resp := c.Response()
		resp.Header().Set(echo.HeaderContentType, "text/event-stream")
		resp.Header().Set(echo.HeaderCacheControl, "no-cache")
		resp.Header().Set(echo.HeaderConnection, "keep-alive")
		resp.Header().Set("X-Accel-Buffering", "no")
		resp.WriteHeader(http.StatusOK)

		view, err := deps.Projections.Get(ctx, subject)
		switch {
		case err == nil:
			data, merr := sonic.Marshal(view)
			if merr != nil {
				return merr
			}
			if err := writeEvent(resp, data); err != nil {
				return err
			}
		case !errors.Is(err, projection.ErrNotFound):
			log.WithError(err).WithField("subject", subject).Warn("unable to read projection for stream")
		}
		resp.Flush()

		for {
			select {
			case <-ctx.Done():
				return nil
			case data := <-ch:
				if err := writeEvent(resp, data); err != nil {
					return err
				}
				resp.Flush()
			}
		}
	}
}

func writeEvent(resp *echo.Response, data []byte) error {
	if _, err := resp.Write([]byte("event: payout-status\ndata: ")); err != nil {
		return err
	}
	if _, err := resp.Write(data); err != nil {
		return err
	}
	_, err := resp.Write([]byte("\n\n"))
	return err
}
