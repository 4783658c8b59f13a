package controlplane

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/coder/websocket"
	"github.com/gin-gonic/gin"
	"github.com/openmined/cardsync/internal/notify"
)

const (
	eventBuffer  = 64
	writeTimeout = 10 * time.Second
	pingInterval = 30 * time.Second
)

// Events streams contact events as server-sent events. The optional
// directory query parameter filters by directory.
func (h *Handler) Events(c *gin.Context) {
	filter := c.Query("directory")
	if filter != "" {
		if _, err := h.registry.Get(filter); err != nil {
			abortWithMappedError(c, err)
			return
		}
	}

	c.Header("Content-Type", "text/event-stream")
	c.Header("Cache-Control", "no-cache")
	c.Header("Connection", "keep-alive")

	sub, events := h.registry.Notifier().SubscribeChan(eventBuffer)
	defer h.registry.Notifier().Unsubscribe(sub)

	ctx := c.Request.Context()

	// headers go out before the first event
	c.Writer.WriteHeaderNow()
	c.Writer.Flush()

	c.Stream(func(w io.Writer) bool {
		select {
		case <-ctx.Done():
			return false
		case ev, ok := <-events:
			if !ok {
				return false
			}
			if filter != "" && ev.Directory != filter {
				return true
			}
			data, err := jsonMarshal(ev)
			if err != nil {
				slog.Error("events encode", "error", err)
				return true
			}
			_, err = fmt.Fprintf(w, "event: %s\ndata: %s\n\n", ev.Kind, data)
			return err == nil
		}
	})
}

// EventsWS streams contact events as JSON websocket messages.
func (h *Handler) EventsWS(c *gin.Context) {
	filter := c.Query("directory")

	conn, err := websocket.Accept(c.Writer, c.Request, &websocket.AcceptOptions{InsecureSkipVerify: true})
	if err != nil {
		slog.Warn("events websocket accept", "error", err)
		return
	}
	defer conn.CloseNow()

	sub, events := h.registry.Notifier().SubscribeChan(eventBuffer)
	defer h.registry.Notifier().Unsubscribe(sub)

	// the read side only handles control frames and notices the close
	ctx := conn.CloseRead(c.Request.Context())

	ping := time.NewTicker(pingInterval)
	defer ping.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ping.C:
			pctx, cancel := context.WithTimeout(ctx, writeTimeout)
			err := conn.Ping(pctx)
			cancel()
			if err != nil {
				return
			}
		case ev, ok := <-events:
			if !ok {
				conn.Close(websocket.StatusGoingAway, "shutdown")
				return
			}
			if filter != "" && ev.Directory != filter {
				continue
			}
			if err := writeEvent(ctx, conn, ev); err != nil {
				if !errors.Is(err, context.Canceled) {
					slog.Warn("events websocket write", "error", err)
				}
				return
			}
		}
	}
}

func writeEvent(ctx context.Context, conn *websocket.Conn, ev notify.Event) error {
	data, err := jsonMarshal(ev)
	if err != nil {
		return err
	}
	wctx, cancel := context.WithTimeout(ctx, writeTimeout)
	defer cancel()
	return conn.Write(wctx, websocket.MessageText, data)
}
