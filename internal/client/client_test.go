package client

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sakif/relaynet/internal/apperror"
	"github.com/sakif/relaynet/internal/model"
)

func writeBody(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func TestHubClient_RoundTrip(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /api/v1/messages", func(w http.ResponseWriter, r *http.Request) {
		var msg model.Message
		require.NoError(t, json.NewDecoder(r.Body).Decode(&msg))
		writeBody(w, http.StatusCreated, model.SubmitResult{Hash: msg.Hash, Status: model.StatusAccepted, Timestamp: msg.Timestamp})
	})
	mux.HandleFunc("GET /api/v1/messages/batch", func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "did:proto:1,did:proto:2", r.URL.Query().Get("ids"))
		assert.Equal(t, "10", r.URL.Query().Get("limit"))
		assert.Equal(t, "500", r.URL.Query().Get("before"))
		writeBody(w, http.StatusOK, model.MessageList{Messages: []model.Message{{Hash: "0xabc"}}})
	})
	mux.HandleFunc("GET /api/v1/messages/{hash}", func(w http.ResponseWriter, r *http.Request) {
		writeBody(w, http.StatusNotFound, ErrorBody{Error: "not_found", Message: "message not found with id " + r.PathValue("hash")})
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	c := NewHubClient(time.Second)
	ctx := context.Background()

	res, err := c.SubmitMessage(ctx, srv.URL+"/", &model.Message{Hash: "0x1", Timestamp: 7})
	require.NoError(t, err)
	assert.Equal(t, model.StatusAccepted, res.Status)

	msgs, err := c.GetMessagesByIdentifiers(ctx, srv.URL, []string{"did:proto:1", "did:proto:2"}, 10, 500)
	require.NoError(t, err)
	assert.Len(t, msgs, 1)

	_, err = c.GetMessage(ctx, srv.URL, "0xmissing")
	assert.True(t, errors.Is(err, apperror.ErrNotFound))
}

func TestDecodeError_Mapping(t *testing.T) {
	tests := []struct {
		name   string
		status int
		body   any
		want   error
		reason string
	}{
		{"rejected with reason", http.StatusBadRequest, ErrorBody{Error: "validation_error", Message: "stale", Reason: "StaleOrFutureMessage"}, apperror.ErrValidation, "StaleOrFutureMessage"},
		{"plain validation", http.StatusBadRequest, ErrorBody{Error: "InvalidRequest", Message: "bad"}, apperror.ErrValidation, ""},
		{"unauthorized", http.StatusUnauthorized, ErrorBody{Message: "no"}, apperror.ErrUnauthorized, ""},
		{"forbidden", http.StatusForbidden, ErrorBody{Message: "no"}, apperror.ErrForbidden, ""},
		{"conflict", http.StatusConflict, ErrorBody{Message: "taken"}, apperror.ErrConflict, ""},
		{"server error", http.StatusInternalServerError, "boom", apperror.ErrUpstream, ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				writeBody(w, tt.status, tt.body)
			}))
			defer srv.Close()

			_, err := NewPDSClient(time.Second, "").DescribeRepo(context.Background(), srv.URL, "did:proto:1")
			require.Error(t, err)
			assert.True(t, errors.Is(err, tt.want), "got %v", err)
			assert.Equal(t, tt.reason, apperror.ReasonOf(err))
		})
	}
}

func TestPDSClient_Unreachable(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	url := srv.URL
	srv.Close()

	err := NewPDSClient(200*time.Millisecond, "").ApplyRecords(context.Background(), url, model.RepoBatch{})
	assert.True(t, errors.Is(err, apperror.ErrUpstream))
}

func TestPDSClient_PeerToken(t *testing.T) {
	var gotAuth, gotSince string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		gotSince = r.URL.Query().Get("since")
		writeBody(w, http.StatusOK, model.RepoBatch{Origin: "http://pds-b", Cursor: 9})
	}))
	defer srv.Close()

	batch, err := NewPDSClient(time.Second, "s3cret").ListSince(context.Background(), srv.URL, 4, 100)
	require.NoError(t, err)
	assert.Equal(t, int64(9), batch.Cursor)
	assert.Equal(t, "Bearer s3cret", gotAuth)
	assert.Equal(t, "4", gotSince)
}

func TestPDSClient_CreateRecord(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/xrpc/com.atproto.repo.createRecord", r.URL.Path)
		var in model.CreateRecordInput
		require.NoError(t, json.NewDecoder(r.Body).Decode(&in))
		assert.Equal(t, model.CollectionPost, in.Collection)
		assert.JSONEq(t, `{"$type":"app.proto.feed.post","text":"hi","hash":"0x1","timestamp":1,"createdAt":""}`, string(in.Record))
		writeBody(w, http.StatusOK, model.RecordRef{URI: "at://did:proto:1/app.proto.feed.post/3k", CID: "bafy"})
	}))
	defer srv.Close()

	ref, err := NewPDSClient(time.Second, "").CreateRecord(context.Background(), srv.URL, "did:proto:1", model.CollectionPost,
		model.PostRecord{Type: model.CollectionPost, Text: "hi", Hash: "0x1", Timestamp: 1})
	require.NoError(t, err)
	assert.Equal(t, "bafy", ref.CID)
}

func TestPDSClient_ListReplies(t *testing.T) {
	var gotParent, gotLimit string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/xrpc/com.proto.feed.listReplies", r.URL.Path)
		gotParent = r.URL.Query().Get("parent")
		gotLimit = r.URL.Query().Get("limit")
		writeBody(w, http.StatusOK, model.RecordPage{Records: []model.Record{{URI: "at://did:proto:2/app.proto.feed.post/3k"}}})
	}))
	defer srv.Close()

	page, err := NewPDSClient(time.Second, "").ListReplies(context.Background(), srv.URL, "0xabc", 20)
	require.NoError(t, err)
	require.Len(t, page.Records, 1)
	assert.Equal(t, "0xabc", gotParent)
	assert.Equal(t, "20", gotLimit)
}
