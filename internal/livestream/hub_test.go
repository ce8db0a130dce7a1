package livestream

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Rylan-Meilutis/sedsprintf-ingest/internal/models"
	"github.com/Rylan-Meilutis/sedsprintf-ingest/internal/sink"
)

func testLogger() *logrus.Logger {
	log := logrus.New()
	log.SetOutput(io.Discard)
	return log
}

func TestHub_BroadcastsAcceptedPackets(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	hub := NewHub(testLogger())
	go hub.Run(ctx)

	server := httptest.NewServer(http.HandlerFunc(hub.ServeWS))
	defer server.Close()

	url := "ws" + strings.TrimPrefix(server.URL, "http")
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	defer conn.Close()

	// Wait for the hub to register the client before broadcasting.
	require.Eventually(t, func() bool { return hub.ClientCount() == 1 },
		5*time.Second, 10*time.Millisecond)

	pkt := &models.Packet{
		Type:        "BAROMETER_DATA",
		Sender:      "CrashNBurn",
		TimestampMS: 3076,
		Values:      []float64{1.5},
		ReceivedAt:  time.Now(),
	}
	require.NoError(t, hub.Accept(ctx, pkt))

	conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	_, data, err := conn.ReadMessage()
	require.NoError(t, err)

	var rec sink.Record
	require.NoError(t, json.Unmarshal(data, &rec))
	assert.Equal(t, "BAROMETER_DATA", rec.Type)
	assert.Equal(t, "CrashNBurn", rec.Sender)
	require.Len(t, rec.Values, 1)
	assert.Equal(t, 1.5, *rec.Values[0])
}

func TestHub_AcceptNeverFailsWithoutClients(t *testing.T) {
	hub := NewHub(testLogger())
	pkt := &models.Packet{Type: "T", ReceivedAt: time.Now()}

	// No Run loop, queue fills up; Accept still never errors.
	for i := 0; i < 1000; i++ {
		require.NoError(t, hub.Accept(context.Background(), pkt))
	}
}

func TestStatsHandler(t *testing.T) {
	handler := StatsHandler(func() any {
		return map[string]uint64{"packets": 42}
	})

	recorder := httptest.NewRecorder()
	handler(recorder, httptest.NewRequest(http.MethodGet, "/stats", nil))

	assert.Equal(t, http.StatusOK, recorder.Code)
	assert.Equal(t, "application/json", recorder.Header().Get("Content-Type"))
	assert.JSONEq(t, `{"packets": 42}`, recorder.Body.String())
}
