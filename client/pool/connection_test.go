package pool

import (
	"context"
	"io"
	"log/slog"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"taskchat/client/generator"
	"taskchat/client/metrics"
	"taskchat/server/gateway"
	"taskchat/server/handler"
	"taskchat/server/room"
	"taskchat/server/store"
)

func startServer(t *testing.T) (string, *gateway.Gateway, store.Store) {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	st := store.NewMemoryStore()
	gw := gateway.New(st, room.NewManager(), nil, logger, gateway.Options{QueueSize: 256})
	srv := httptest.NewServer(handler.NewRouter(gw, handler.NewChatHandler(gw, logger)))
	t.Cleanup(srv.Close)
	return strings.TrimPrefix(srv.URL, "http://"), gw, st
}

func TestPool_RunsScripts(t *testing.T) {
	host, gw, st := startServer(t)

	gen := generator.NewGenerator(generator.Config{Users: 12, Rooms: 3, MessagesPerUser: 4, LobbyShare: 0.25}, 16, 1)
	go gen.Run()

	collector := metrics.NewCollector(nil)
	collector.Start()

	p := NewPool(4, gen.Output, collector, host)
	p.Logger = slog.New(slog.NewTextHandler(io.Discard, nil))

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	require.NoError(t, p.Run(ctx))

	collector.Close()
	<-collector.Done

	stats := collector.Stats
	assert.Zero(t, stats.FailCount)
	assert.Equal(t, 12, stats.TotalConnections)
	assert.Equal(t, 12, stats.KindCounts[metrics.KindJoin])
	assert.Equal(t, 48, stats.KindCounts[metrics.KindMessage])

	// every sent message was persisted exactly once
	total := 0
	for _, roomKey := range []string{"", "task-1", "task-2", "task-3"} {
		history, err := st.FetchHistory(ctx, roomKey)
		require.NoError(t, err)
		total += len(history)
	}
	assert.Equal(t, 48, total)

	assert.Eventually(t, func() bool {
		return gw.Stats() == gateway.Stats{}
	}, 5*time.Second, 10*time.Millisecond, "workers close their connections")
}

func TestWorker_DialGivesUp(t *testing.T) {
	collector := metrics.NewCollector(nil)
	collector.Start()

	w := &Worker{
		Collector:  collector,
		Host:       "127.0.0.1:1",
		MaxRetries: 2,
		BaseDelay:  time.Millisecond,
		Logger:     slog.New(slog.NewTextHandler(io.Discard, nil)),
	}
	_, err := w.dialWithRetry(context.Background())
	assert.Error(t, err)

	collector.Close()
	<-collector.Done
	assert.Equal(t, 2, collector.Stats.RetryCount)
	assert.Zero(t, collector.Stats.TotalConnections)
}
