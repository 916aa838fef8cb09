package broadcast

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/headspace/headspace/internal/api/apierr"
)

// subscriberRetrySeconds is the retry hint returned when the subscriber cap
// refuses a connection.
const subscriberRetrySeconds = 5

// streamWriter is the slice of gin.ResponseWriter the stream loop needs.
type streamWriter interface {
	io.Writer
	Flush()
}

// StreamHandler returns the GET /api/events handler. Frames follow the SSE
// wire format; persisted events carry an id line, ephemeral frames do not.
func (b *Broadcaster) StreamHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		filter, err := filterFromQuery(c)
		if err != nil {
			apierr.Write(c, err)
			return
		}
		lastEventID, err := parseLastEventID(c.GetHeader("Last-Event-ID"))
		if err != nil {
			apierr.Write(c, err)
			return
		}

		sub, serr := b.Subscribe(filter)
		if serr != nil {
			if errors.Is(serr, ErrSubscriberLimit) {
				apierr.Write(c, apierr.TooManySubscribers(subscriberRetrySeconds))
			} else {
				apierr.Write(c, apierr.Internal())
			}
			return
		}
		defer b.Unsubscribe(sub)

		c.Header("Content-Type", "text/event-stream")
		c.Header("Cache-Control", "no-cache")
		c.Header("Connection", "keep-alive")
		c.Header("X-Accel-Buffering", "no")
		c.Writer.Flush()

		b.stream(c.Request.Context(), c.Writer, sub, lastEventID)
	}
}

// stream replays missed persisted events when the client presented a
// Last-Event-ID, then pumps live frames with heartbeats until the client
// disconnects or the subscriber channel closes.
func (b *Broadcaster) stream(ctx context.Context, w streamWriter, sub *Subscriber, lastEventID int64) {
	lastSeen := int64(0)
	if lastEventID >= 0 {
		lastSeen = b.replay(ctx, w, sub.filter, lastEventID)
	}

	idle := b.cfg.HeartbeatDuration()
	if idle <= 0 {
		idle = 30 * time.Second
	}
	hb := time.NewTimer(idle)
	defer hb.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case fr, ok := <-sub.Events():
			if !ok {
				return
			}
			if fr.ID > 0 && fr.ID <= lastSeen {
				continue
			}
			if n := sub.TakeDropped(); n > 0 {
				marker := Frame{Kind: KindDropped, Data: map[string]interface{}{"count": n}}
				if err := writeFrame(w, marker); err != nil {
					return
				}
			}
			if err := writeFrame(w, fr); err != nil {
				return
			}
			if fr.ID > lastSeen {
				lastSeen = fr.ID
			}
			resetTimer(hb, idle)
		case <-hb.C:
			if _, err := io.WriteString(w, ": heartbeat\n\n"); err != nil {
				return
			}
			w.Flush()
			hb.Reset(idle)
		}
	}
}

// replay writes persisted events after the client's last seen id and returns
// the highest id written, so the live loop can skip frames the replay
// already covered.
func (b *Broadcaster) replay(ctx context.Context, w streamWriter, f Filter, afterID int64) int64 {
	frames, err := b.CatchUp(ctx, f, afterID)
	if err != nil {
		b.logger.Warn("event catch-up failed", zap.Error(err))
		return afterID
	}
	for _, fr := range frames {
		if werr := writeFrame(w, fr); werr != nil {
			return afterID
		}
		if fr.ID > afterID {
			afterID = fr.ID
		}
	}
	return afterID
}

func writeFrame(w streamWriter, fr Frame) error {
	data, err := json.Marshal(fr.Data)
	if err != nil {
		data = []byte("{}")
	}
	if fr.ID > 0 {
		if _, err := fmt.Fprintf(w, "id: %d\n", fr.ID); err != nil {
			return err
		}
	}
	if _, err := fmt.Fprintf(w, "event: %s\ndata: %s\n\n", fr.Kind, data); err != nil {
		return err
	}
	w.Flush()
	return nil
}

func filterFromQuery(c *gin.Context) (Filter, error) {
	var types []string
	if raw := c.Query("types"); raw != "" {
		types = strings.Split(raw, ",")
	}
	return NewFilter(types, c.Query("project_id"), c.Query("session_id"))
}

// parseLastEventID returns -1 when the header is absent.
func parseLastEventID(raw string) (int64, error) {
	if raw == "" {
		return -1, nil
	}
	id, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || id < 0 {
		return 0, apierr.Validation("invalid Last-Event-ID")
	}
	return id, nil
}

func resetTimer(t *time.Timer, d time.Duration) {
	if !t.Stop() {
		select {
		case <-t.C:
		default:
		}
	}
	t.Reset(d)
}
