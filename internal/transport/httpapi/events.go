package httpapi

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/labstack/echo/v4"
)

var errStreamClosed = errors.New("event stream closed")

// streamConn — SSE-подключение как session.Connection. Send кладёт событие в буфер,
// писатель потока забирает его в горутине обработчика.
type streamConn struct {
	out  chan []byte
	done chan struct{}
	once sync.Once
}

func newStreamConn(buffer int) *streamConn {
	return &streamConn{
		out:  make(chan []byte, buffer),
		done: make(chan struct{}),
	}
}

func (c *streamConn) Send(ctx context.Context, payload []byte) error {
	select {
	case <-c.done:
		return errStreamClosed
	default:
	}
	select {
	case c.out <- payload:
		return nil
	case <-c.done:
		return errStreamClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (c *streamConn) Done() <-chan struct{} { return c.done }

func (c *streamConn) close() {
	c.once.Do(func() { close(c.done) })
}

// streamEvents держит SSE-поток событий текущего пользователя.
// ?watch=<resourceID> (можно несколько) добавляет события ресурса.
func (s *Server) streamEvents(c echo.Context) error {
	id := identityOf(c)
	ctx := c.Request().Context()

	watch := c.QueryParams()["watch"]
	for _, res := range watch {
		if _, err := parseUUID(res, "watch"); err != nil {
			return err
		}
	}

	w := c.Response()
	w.Header().Set(echo.HeaderContentType, "text/event-stream")
	w.Header().Set(echo.HeaderCacheControl, "no-cache")
	w.Header().Set(echo.HeaderConnection, "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")

	conn := newStreamConn(s.streamBuffer)
	defer conn.close()

	subID, err := s.sessions.Register(id.Subject, conn)
	if err != nil {
		return err
	}
	defer s.sessions.Unregister(subID)

	for _, res := range watch {
		if err := s.sessions.Watch(subID, res); err != nil {
			return err
		}
	}

	w.WriteHeader(http.StatusOK)
	if _, err := fmt.Fprintf(w, ": connected %s\n\n", subID); err != nil {
		return nil
	}
	w.Flush()

	s.log.Debugf("event stream open subscriber=%s identity=%s", subID, id.Subject)

	ping := time.NewTicker(s.keepAlive)
	defer ping.Stop()

	for {
		select {
		case <-ctx.Done():
			s.log.Debugf("event stream closed subscriber=%s", subID)
			return nil
		case <-s.closing:
			return nil
		case payload := <-conn.out:
			if _, err := fmt.Fprintf(w, "data: %s\n\n", payload); err != nil {
				return nil
			}
			w.Flush()
		case <-ping.C:
			if _, err := fmt.Fprint(w, ": ping\n\n"); err != nil {
				return nil
			}
			w.Flush()
		}
	}
}
