package app

import (
	"context"
	"database/sql"
	"fmt"
	"net"
	"net/http"
	"path/filepath"
	"testing"
	"time"

	"market-relay/src/config"
	"market-relay/src/data_source/replay"
	"market-relay/src/helpers"
	"market-relay/src/logger"
	"market-relay/src/models"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func freePort(t *testing.T) int {
	t.Helper()
	lis, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer lis.Close()
	return lis.Addr().(*net.TCPAddr).Port
}

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	cfg := &config.Config{MConfig: &models.MConfig{}}
	cfg.Session.Mode = "replay"
	cfg.Host = "127.0.0.1"
	cfg.Port = freePort(t)
	cfg.GrpcHost = "127.0.0.1"
	cfg.GrpcPort = freePort(t)
	cfg.LogLevel = "ERROR"
	cfg.Storage.DBPath = filepath.Join(t.TempDir(), "frames.db")
	cfg.ApplyDefaults()
	require.NoError(t, cfg.Validate())
	return cfg
}

func eurusdFrames() []models.MFrame {
	return []models.MFrame{
		{Direction: models.DirectionInbound, Payload: []byte(`{"name":"directory-snapshot","msg":{"actives":{"1":{"id":1,"name":"EURUSD"}}}}`)},
		{Direction: models.DirectionOutbound, Payload: []byte(`{"name":"sendMessage","request_id":"7","msg":{"name":"request-history","body":{"active_id":1}}}`)},
		{Direction: models.DirectionInbound, Payload: []byte(`{"name":"history-batch","request_id":"7","msg":{"candles":[{"open":1.1}]}}`)},
	}
}

// -----------------------------------------------------------------------------

func TestNewWiresRecorderForLiveSessionsOnly(t *testing.T) {
	cfg := testConfig(t)
	cfg.Storage.Enabled = true

	a, err := New(cfg, replay.FromFrames(nil), logger.NewNop("app"))
	require.NoError(t, err)
	assert.Nil(t, a.Recorder, "a replay must not record over its own journal")

	live, err := New(cfg, namedSession{replay.FromFrames(nil)}, logger.NewNop("app"))
	require.NoError(t, err)
	require.NotNil(t, live.Recorder)
	require.NoError(t, live.journal.Close())
}

func TestNewReturnsJournalError(t *testing.T) {
	cfg := testConfig(t)
	cfg.Storage.Enabled = true

	// a view where the frames table belongs makes table setup fail
	db, err := sql.Open("sqlite", cfg.Storage.DBPath)
	require.NoError(t, err)
	_, err = db.Exec("CREATE VIEW frames AS SELECT 1 AS x")
	require.NoError(t, err)
	require.NoError(t, db.Close())

	_, err = New(cfg, namedSession{replay.FromFrames(nil)}, logger.NewNop("app"))
	require.Error(t, err)
	assert.Equal(t, "storage", helpers.ErrorCategory(err))
}

func TestRunReturnsServerError(t *testing.T) {
	cfg := testConfig(t)
	busy, err := net.Listen("tcp", fmt.Sprintf("127.0.0.1:%d", cfg.Port))
	require.NoError(t, err)
	defer busy.Close()

	a, err := New(cfg, replay.FromFrames(nil), logger.NewNop("app"))
	require.NoError(t, err)

	done := make(chan error, 1)
	go func() { done <- a.Run(context.Background()) }()

	select {
	case err := <-done:
		require.Error(t, err)
		assert.Contains(t, err.Error(), "relay server")
	case <-time.After(10 * time.Second):
		t.Fatal("Run did not return after the relay failed to listen")
	}
}

func TestSetupSinks(t *testing.T) {
	cfg := testConfig(t)
	assert.Empty(t, setupSinks(cfg.MConfig))

	cfg.Sinks.Kafka.Enabled = true
	cfg.Sinks.Kafka.Brokers = []string{"127.0.0.1:9092"}
	cfg.Sinks.Redis.Enabled = true
	cfg.Sinks.Redis.Addr = "127.0.0.1:6379"
	got := setupSinks(cfg.MConfig)
	require.Len(t, got, 2)
	assert.Equal(t, "kafka", got[0].Name())
	assert.Equal(t, "redis", got[1].Name())
}

func TestRunServesRelayUntilCancelled(t *testing.T) {
	cfg := testConfig(t)
	a, err := New(cfg, replay.FromFrames(eurusdFrames(), replay.WithHold()), logger.NewNop("app"))
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- a.Run(ctx) }()

	base := fmt.Sprintf("127.0.0.1:%d", cfg.Port)
	require.Eventually(t, func() bool {
		resp, err := http.Get("http://" + base + "/api/health")
		if err != nil {
			return false
		}
		resp.Body.Close()
		return resp.StatusCode == http.StatusOK
	}, 5*time.Second, 20*time.Millisecond)

	conn, _, err := websocket.DefaultDialer.Dial("ws://"+base+"/ws", nil)
	require.NoError(t, err)
	defer conn.Close()
	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte("start")))

	var msg models.MBatchMessage
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(3*time.Second)))
	require.NoError(t, conn.ReadJSON(&msg))
	assert.Equal(t, "history-batch", msg.Topic)
	assert.Equal(t, "EURUSD", msg.Active)

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(10 * time.Second):
		t.Fatal("Run did not return after cancel")
	}
	assert.False(t, a.Engine.IsRunning())
}

// namedSession makes a replay look like a live session.
type namedSession struct{ *replay.Session }

func (namedSession) Name() string { return "live" }
