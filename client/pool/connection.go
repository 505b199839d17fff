package pool

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"time"

	"github.com/gorilla/websocket"
	"golang.org/x/sync/errgroup"

	"taskchat/client/generator"
	"taskchat/client/metrics"
	"taskchat/server/model"
)

const ioTimeout = 5 * time.Second

// Worker plays scripts one at a time, each on its own connection.
type Worker struct {
	ID         int
	Input      <-chan generator.Script
	Collector  *metrics.Collector
	Host       string
	Role       string
	MaxRetries int
	BaseDelay  time.Duration
	Logger     *slog.Logger
}

func (w *Worker) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case script, ok := <-w.Input:
			if !ok {
				return nil
			}
			w.play(ctx, script)
		}
	}
}

func (w *Worker) play(ctx context.Context, script generator.Script) {
	conn, err := w.dialWithRetry(ctx)
	if err != nil {
		w.Logger.Warn("giving up on script", "worker", w.ID, "identity", script.Identity, "error", err)
		w.Collector.Record(metrics.Record{Timestamp: time.Now(), Kind: metrics.KindJoin, StatusCode: metrics.StatusError, RoomKey: script.RoomKey})
		return
	}
	defer conn.Close()

	start := time.Now()
	if err := join(conn, script); err != nil {
		w.Logger.Warn("join failed", "worker", w.ID, "identity", script.Identity, "room", script.RoomKey, "error", err)
		w.Collector.Record(metrics.Record{Timestamp: start, Kind: metrics.KindJoin, StatusCode: metrics.StatusError, RoomKey: script.RoomKey})
		return
	}
	w.Collector.Record(metrics.Record{Timestamp: start, Kind: metrics.KindJoin, Latency: time.Since(start), StatusCode: metrics.StatusOK, RoomKey: script.RoomKey})

	for _, content := range script.Messages {
		if ctx.Err() != nil {
			return
		}
		start := time.Now()
		err := sendAndAwaitEcho(conn, script, content)
		rec := metrics.Record{Timestamp: start, Kind: metrics.KindMessage, StatusCode: metrics.StatusOK, RoomKey: script.RoomKey}
		if err != nil {
			w.Logger.Warn("send failed", "worker", w.ID, "identity", script.Identity, "error", err)
			rec.StatusCode = metrics.StatusError
			w.Collector.Record(rec)
			return
		}
		rec.Latency = time.Since(start)
		w.Collector.Record(rec)
	}
}

// dialWithRetry backs off exponentially between attempts.
func (w *Worker) dialWithRetry(ctx context.Context) (*websocket.Conn, error) {
	q := url.Values{}
	if w.Role != "" {
		q.Set("role", w.Role)
	}
	u := url.URL{Scheme: "ws", Host: w.Host, Path: "/ws", RawQuery: q.Encode()}

	var lastErr error
	for i := 0; i <= w.MaxRetries; i++ {
		conn, _, err := websocket.DefaultDialer.DialContext(ctx, u.String(), nil)
		if err == nil {
			w.Collector.RecordConnection()
			return conn, nil
		}
		lastErr = err
		if i == w.MaxRetries {
			break
		}
		w.Collector.RecordRetry()

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(w.BaseDelay << i):
		}
	}
	return nil, fmt.Errorf("dial %s: %w", u.String(), lastErr)
}

func join(conn *websocket.Conn, script generator.Script) error {
	ev := model.ClientEvent{Type: model.EventJoinLobby, Identity: script.Identity}
	if script.RoomKey != "" {
		ev = model.ClientEvent{Type: model.EventJoinRoom, RoomKey: script.RoomKey, Identity: script.Identity}
	}
	if err := write(conn, ev); err != nil {
		return err
	}
	_, err := awaitEvent(conn, func(ev model.ServerEvent) bool {
		return ev.Type == model.EventHistory
	})
	return err
}

// sendAndAwaitEcho sends content and waits until the broadcast of that same
// message comes back.
func sendAndAwaitEcho(conn *websocket.Conn, script generator.Script, content string) error {
	err := write(conn, model.ClientEvent{
		Type:    model.EventSendMessage,
		RoomKey: script.RoomKey,
		From:    script.Identity,
		Content: content,
	})
	if err != nil {
		return err
	}
	_, err = awaitEvent(conn, func(ev model.ServerEvent) bool {
		return ev.Type == model.EventMessage && ev.Message != nil &&
			ev.Message.From == script.Identity && ev.Message.Content == content
	})
	return err
}

func write(conn *websocket.Conn, ev model.ClientEvent) error {
	conn.SetWriteDeadline(time.Now().Add(ioTimeout))
	return conn.WriteJSON(ev)
}

// awaitEvent reads until match returns true. Error events fail the wait.
func awaitEvent(conn *websocket.Conn, match func(model.ServerEvent) bool) (model.ServerEvent, error) {
	for {
		conn.SetReadDeadline(time.Now().Add(ioTimeout))
		var ev model.ServerEvent
		if err := conn.ReadJSON(&ev); err != nil {
			return model.ServerEvent{}, err
		}
		if ev.Type == model.EventError && ev.Error != nil {
			return ev, errors.New(ev.Error.Code + ": " + ev.Error.Reason)
		}
		if match(ev) {
			return ev, nil
		}
	}
}

type Pool struct {
	NumWorkers int
	Input      <-chan generator.Script
	Collector  *metrics.Collector
	Host       string
	Role       string
	Logger     *slog.Logger
}

func NewPool(numWorkers int, input <-chan generator.Script, collector *metrics.Collector, host string) *Pool {
	return &Pool{
		NumWorkers: numWorkers,
		Input:      input,
		Collector:  collector,
		Host:       host,
		Logger:     slog.Default(),
	}
}

// Run starts the workers and waits until the input is drained or ctx ends.
func (p *Pool) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)
	for i := 0; i < p.NumWorkers; i++ {
		worker := &Worker{
			ID:         i,
			Input:      p.Input,
			Collector:  p.Collector,
			Host:       p.Host,
			Role:       p.Role,
			MaxRetries: 5,
			BaseDelay:  100 * time.Millisecond,
			Logger:     p.Logger,
		}
		g.Go(func() error {
			return worker.Run(ctx)
		})
	}
	return g.Wait()
}
