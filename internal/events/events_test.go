package events

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	natsserver "github.com/nats-io/nats-server/v2/server"
	"github.com/nats-io/nats.go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fyrsmithlabs/reviewmemory/internal/config"
	"github.com/fyrsmithlabs/reviewmemory/internal/feedback"
	"github.com/fyrsmithlabs/reviewmemory/internal/logging"
	"github.com/fyrsmithlabs/reviewmemory/internal/models"
)

func startTestNATSServer(t *testing.T) *natsserver.Server {
	t.Helper()
	server, err := natsserver.NewServer(&natsserver.Options{
		Host:   "127.0.0.1",
		Port:   -1,
		NoLog:  true,
		NoSigs: true,
	})
	require.NoError(t, err)

	go server.Start()
	if !server.ReadyForConnections(5 * time.Second) {
		t.Fatal("NATS server not ready")
	}
	t.Cleanup(func() {
		server.Shutdown()
		server.WaitForShutdown()
	})
	return server
}

type fakeCollector struct {
	mu      sync.Mutex
	entries []*models.FeedbackEntry
}

func (f *fakeCollector) Collect(_ context.Context, e *models.FeedbackEntry) (*models.FeedbackEntry, error) {
	if e.ChangeRecordID == "" {
		return nil, models.NewValidationError("change_record_id", "required")
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	stored := *e
	stored.ID = "fb-1"
	f.entries = append(f.entries, &stored)
	return &stored, nil
}

func testConfig() config.NATSConfig {
	return config.NATSConfig{
		FeedbackSubject: "reviewmemory.feedback",
		PatternsSubject: "reviewmemory.patterns",
	}
}

func connect(t *testing.T, server *natsserver.Server) *nats.Conn {
	t.Helper()
	cfg := testConfig()
	cfg.URL = server.ClientURL()
	nc, err := Connect(cfg, nil)
	require.NoError(t, err)
	t.Cleanup(nc.Close)
	return nc
}

func TestNewBridge(t *testing.T) {
	nc := connect(t, startTestNATSServer(t))

	_, err := NewBridge(nil, &fakeCollector{}, testConfig(), nil)
	assert.Error(t, err)
	_, err = NewBridge(nc, nil, testConfig(), nil)
	assert.Error(t, err)
	_, err = NewBridge(nc, &fakeCollector{}, config.NATSConfig{}, nil)
	assert.Error(t, err)
}

func TestBridge_IngestsFeedback(t *testing.T) {
	server := startTestNATSServer(t)
	nc := connect(t, server)
	collector := &fakeCollector{}

	b, err := NewBridge(nc, collector, testConfig(), logging.NewNop())
	require.NoError(t, err)
	require.NoError(t, b.Start())
	assert.Error(t, b.Start())
	defer func() { _ = b.Close() }()

	client := connect(t, server)
	data, err := json.Marshal(models.FeedbackEntry{
		ChangeRecordID: "acme/api#1",
		FindingID:      "f1",
		Type:           models.FeedbackPositive,
		Source:         models.SourceReaction,
		Category:       "security",
	})
	require.NoError(t, err)

	resp, err := client.Request("reviewmemory.feedback", data, 2*time.Second)
	require.NoError(t, err)
	var ack Ack
	require.NoError(t, json.Unmarshal(resp.Data, &ack))
	assert.Equal(t, "fb-1", ack.ID)
	assert.Empty(t, ack.Error)

	collector.mu.Lock()
	require.Len(t, collector.entries, 1)
	assert.Equal(t, "security", collector.entries[0].Category)
	collector.mu.Unlock()

	resp, err = client.Request("reviewmemory.feedback", []byte(`{"type":"positive"}`), 2*time.Second)
	require.NoError(t, err)
	require.NoError(t, json.Unmarshal(resp.Data, &ack))
	assert.Contains(t, ack.Error, "change_record_id")

	resp, err = client.Request("reviewmemory.feedback", []byte(`not json`), 2*time.Second)
	require.NoError(t, err)
	require.NoError(t, json.Unmarshal(resp.Data, &ack))
	assert.Contains(t, ack.Error, "malformed")
}

func TestBridge_PublishesPatterns(t *testing.T) {
	server := startTestNATSServer(t)
	nc := connect(t, server)
	b, err := NewBridge(nc, &fakeCollector{}, testConfig(), nil)
	require.NoError(t, err)

	client := connect(t, server)
	ch := make(chan *nats.Msg, 1)
	sub, err := client.ChanSubscribe("reviewmemory.patterns", ch)
	require.NoError(t, err)
	defer func() { _ = sub.Unsubscribe() }()
	require.NoError(t, client.Flush())

	set := &feedback.PatternSet{
		Patterns: map[string]models.LearningPattern{
			"security": {Category: "security", Samples: 5, Multiplier: 1.3, Trusted: true},
		},
		WindowDays: 30,
		ComputedAt: time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC),
	}
	b.PublishPatterns(context.Background(), set)
	b.PublishPatterns(context.Background(), nil)

	select {
	case msg := <-ch:
		var ev PatternsEvent
		require.NoError(t, json.Unmarshal(msg.Data, &ev))
		assert.Equal(t, 30, ev.WindowDays)
		assert.True(t, ev.Patterns["security"].Trusted)
		assert.True(t, set.ComputedAt.Equal(ev.ComputedAt))
	case <-time.After(2 * time.Second):
		t.Fatal("patterns event not received")
	}
}

func TestBridge_CloseIsIdempotent(t *testing.T) {
	nc := connect(t, startTestNATSServer(t))
	b, err := NewBridge(nc, &fakeCollector{}, testConfig(), nil)
	require.NoError(t, err)
	assert.NoError(t, b.Close())
	require.NoError(t, b.Start())
	assert.NoError(t, b.Close())
	assert.NoError(t, b.Close())
}
