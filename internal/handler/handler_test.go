package handler_test

import (
	"bytes"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"

	"github.com/sakif/relaynet/internal/auth"
	"github.com/sakif/relaynet/internal/handler"
	"github.com/sakif/relaynet/internal/model"
	"github.com/sakif/relaynet/internal/repository/pebble"
	"github.com/sakif/relaynet/internal/repository/sqlite"
	"github.com/sakif/relaynet/internal/service"
	"github.com/sakif/relaynet/internal/validator"
)

const serviceToken = "shared-service-token"

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// do sends a JSON request through h and returns the recorder.
func do(t *testing.T, h http.Handler, method, path string, body any, bearer string) *httptest.ResponseRecorder {
	t.Helper()
	var reader io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(raw)
	}
	req := httptest.NewRequest(method, path, reader)
	req.Header.Set("Content-Type", "application/json")
	if bearer != "" {
		req.Header.Set("Authorization", "Bearer "+bearer)
	}
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, req)
	return rr
}

func decode[T any](t *testing.T, rr *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.NewDecoder(rr.Body).Decode(&v), rr.Body.String())
	return v
}

// =========================================================================
// ROUTERS
// =========================================================================

func newHubRouter(t *testing.T) (http.Handler, *service.HubService) {
	t.Helper()
	store, err := pebble.OpenInMemory()
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	hub := service.NewHubService("hub-test", store, validator.New(nil, testLogger()), nil, nil, testLogger(), nil)
	h := handler.NewHubHandler(hub, testLogger())

	r := chi.NewRouter()
	r.Get("/health", handler.HandleHealth)
	r.Route("/api/v1", func(r chi.Router) {
		r.Post("/messages", h.HandleSubmit)
		r.Get("/messages/batch", h.HandleBatch)
		r.Get("/messages/{hash}", h.HandleGet)
		r.Delete("/messages/{hash}", h.HandleDelete)
		r.Get("/peers", h.HandlePeers)
		r.Get("/sync/status", h.HandleSyncStatus)
	})
	return r, hub
}

func newPDSRouter(t *testing.T) (http.Handler, *auth.TokenService) {
	t.Helper()
	db, err := sqlite.New(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	tokens, err := auth.NewTokenService("handler-test-secret-0123456789")
	require.NoError(t, err)
	pds := service.NewPDSService(service.PDSConfig{DID: "did:web:pds.test"}, db, db, nil,
		auth.NewPasswordService(bcrypt.MinCost), tokens, nil, testLogger(), nil)
	h := handler.NewPDSHandler(pds, testLogger())

	r := chi.NewRouter()
	r.Route("/xrpc", func(r chi.Router) {
		r.Get("/com.atproto.server.describeServer", h.HandleDescribeServer)
		r.With(auth.IdentifyService(serviceToken)).Post("/com.atproto.server.createAccount", h.HandleCreateAccount)
		r.Post("/com.atproto.server.createSession", h.HandleCreateSession)
		r.Post("/com.atproto.server.refreshSession", h.HandleRefreshSession)
		r.Get("/com.atproto.repo.listRecords", h.HandleListRecords)
		r.Get("/com.atproto.repo.getRecord", h.HandleGetRecord)
		r.Get("/com.atproto.repo.describeRepo", h.HandleDescribeRepo)
		r.Get("/com.proto.feed.listReplies", h.HandleListReplies)
		r.Group(func(r chi.Router) {
			r.Use(auth.RequireAuth(tokens, serviceToken))
			r.Post("/com.atproto.repo.createRecord", h.HandleCreateRecord)
			r.Post("/com.atproto.server.migrateAccount", h.HandleMigrateAccount)
		})
	})
	return r, tokens
}

func newMessage(did, text string) *model.Message {
	msg := &model.Message{DID: did, Text: text, Timestamp: time.Now().UnixMilli()}
	msg.Seal()
	return msg
}

// doRaw sends body unmodified, for malformed payloads.
func doRaw(t *testing.T, h http.Handler, method, path string, body io.Reader) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, body)
	req.Header.Set("Content-Type", "application/json")
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, req)
	return rr
}
