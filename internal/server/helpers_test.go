package server

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/CTFer/EarthOnline-sub001/internal/auth"
	"github.com/CTFer/EarthOnline-sub001/internal/realtime"
	"github.com/CTFer/EarthOnline-sub001/internal/replication"
	"github.com/CTFer/EarthOnline-sub001/internal/roadmap"
	"github.com/gin-gonic/gin"
	sqlite "github.com/glebarez/sqlite"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

const testAPIKey = "shared-secret"

var testDatabaseCounter atomic.Int64

type testServer struct {
	handler http.Handler
	store   *roadmap.Store
	engine  *replication.Engine
	hub     *realtime.Hub
	db      *gorm.DB
}

type testServerOptions struct {
	mode         replication.Mode
	peer         replication.Peer
	streamTokens StreamTokenManager
	freshCutoff  time.Duration
	logger       *zap.Logger
	now          int64
}

func newTestServer(t *testing.T, options testServerOptions) *testServer {
	t.Helper()
	gin.SetMode(gin.TestMode)

	if options.mode == "" {
		options.mode = replication.ModeProd
	}
	if options.now == 0 {
		options.now = 1_700_000_000
	}
	clock := func() time.Time { return time.Unix(options.now, 0).UTC() }

	dsn := fmt.Sprintf("file:server_test_%d_%d?mode=memory&cache=shared", time.Now().UnixNano(), testDatabaseCounter.Add(1))
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{})
	if err != nil {
		t.Fatalf("failed to open sqlite: %v", err)
	}
	sqlDB, err := db.DB()
	if err != nil {
		t.Fatalf("failed to access sql db: %v", err)
	}
	sqlDB.SetMaxOpenConns(1)
	t.Cleanup(func() {
		_ = sqlDB.Close()
	})
	if err := db.AutoMigrate(&roadmap.Record{}); err != nil {
		t.Fatalf("failed to migrate: %v", err)
	}

	store, err := roadmap.NewStore(roadmap.StoreConfig{Database: db, Clock: clock})
	if err != nil {
		t.Fatalf("failed to build store: %v", err)
	}
	engine, err := replication.NewEngine(replication.EngineConfig{
		Mode:     options.mode,
		Store:    store,
		Peer:     options.peer,
		Interval: time.Hour,
		Clock:    clock,
	})
	if err != nil {
		t.Fatalf("failed to build engine: %v", err)
	}
	t.Cleanup(engine.Close)

	hub := realtime.NewHub(realtime.HubConfig{HeartbeatInterval: time.Hour, InactivityTimeout: 2 * time.Hour})
	t.Cleanup(hub.Close)

	apiKeys, err := auth.NewAPIKeyValidator(testAPIKey)
	if err != nil {
		t.Fatalf("failed to build api key validator: %v", err)
	}

	handler, err := NewHTTPHandler(Dependencies{
		Store:        store,
		Engine:       engine,
		Hub:          hub,
		APIKeys:      apiKeys,
		StreamTokens: options.streamTokens,
		IDProvider:   roadmap.NewUUIDProvider(),
		FreshCutoff:  options.freshCutoff,
		DefaultRooms: []string{"roadmap_room"},
		Clock:        clock,
		Logger:       options.logger,
	})
	if err != nil {
		t.Fatalf("failed to build handler: %v", err)
	}
	return &testServer{handler: handler, store: store, engine: engine, hub: hub, db: db}
}

func (s *testServer) do(t *testing.T, method string, target string, body any, headers map[string]string) (*httptest.ResponseRecorder, testEnvelope) {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		encoded, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("failed to encode body: %v", err)
		}
		reader = bytes.NewReader(encoded)
	} else {
		reader = bytes.NewReader(nil)
	}
	request := httptest.NewRequest(method, target, reader)
	if body != nil {
		request.Header.Set("Content-Type", "application/json")
	}
	for key, value := range headers {
		request.Header.Set(key, value)
	}
	recorder := httptest.NewRecorder()
	s.handler.ServeHTTP(recorder, request)

	var envelope testEnvelope
	if recorder.Body.Len() > 0 {
		if err := json.Unmarshal(recorder.Body.Bytes(), &envelope); err != nil {
			t.Fatalf("failed to decode envelope %q: %v", recorder.Body.String(), err)
		}
	}
	return recorder, envelope
}

func (s *testServer) seed(t *testing.T, records ...roadmap.Record) {
	t.Helper()
	if _, err := s.store.ApplyRemote(context.Background(), records); err != nil {
		t.Fatalf("failed to seed records: %v", err)
	}
}

type testEnvelope struct {
	Code    int             `json:"code"`
	Message string          `json:"msg"`
	Data    json.RawMessage `json:"data"`
}

func peerHeaders(extra map[string]string) map[string]string {
	headers := map[string]string{replication.HeaderAPIKey: testAPIKey}
	for key, value := range extra {
		headers[key] = value
	}
	return headers
}

type stubPeer struct {
	delta  []roadmap.Record
	pushed [][]roadmap.Record
}

func (p *stubPeer) Pull(context.Context, int64) ([]roadmap.Record, error) {
	return p.delta, nil
}

func (p *stubPeer) Push(_ context.Context, records []roadmap.Record) (int, error) {
	p.pushed = append(p.pushed, records)
	return len(records), nil
}

type stubStreamTokens struct {
	ownerID     int64
	validateErr error
}

func (s stubStreamTokens) IssueStreamToken(ownerID int64) (string, int64, error) {
	return fmt.Sprintf("token-%d", ownerID), 60, nil
}

func (s stubStreamTokens) ValidateToken(string) (int64, error) {
	if s.validateErr != nil {
		return 0, s.validateErr
	}
	return s.ownerID, nil
}
