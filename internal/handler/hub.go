package handler

import (
	"log/slog"
	"net/http"
	"strings"

	"github.com/sakif/relaynet/internal/apperror"
	"github.com/sakif/relaynet/internal/model"
	"github.com/sakif/relaynet/internal/service"
)

// HubHandler exposes a Hub's REST API.
//
// ROUTES:
//
//	POST   /api/v1/messages            submit a message
//	GET    /api/v1/messages/batch      messages by author (?ids=a,b&limit=&before=)
//	GET    /api/v1/messages/{hash}     one message
//	DELETE /api/v1/messages/{hash}     soft delete (?did= must be the author)
//	GET    /api/v1/peers               connected peers
//	GET    /api/v1/sync/status         high-water mark, message count, peers
type HubHandler struct {
	hub    *service.HubService
	logger *slog.Logger
}

func NewHubHandler(hub *service.HubService, logger *slog.Logger) *HubHandler {
	return &HubHandler{hub: hub, logger: logger}
}

// HandleSubmit validates and stores a message.
//
// HTTP: POST /api/v1/messages
// A rejected message answers 400 with the validator's reason code.
func (h *HubHandler) HandleSubmit(w http.ResponseWriter, r *http.Request) {
	var msg model.Message
	if err := decodeJSON(r, &msg); err != nil {
		writeError(w, err)
		return
	}
	res, err := h.hub.SubmitMessage(r.Context(), &msg)
	if err != nil {
		if reason := apperror.ReasonOf(err); reason != "" {
			h.logger.Info("message rejected", slog.String("hash", msg.Hash), slog.String("reason", reason))
		}
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

// HandleGet returns one message.
//
// HTTP: GET /api/v1/messages/{hash}
func (h *HubHandler) HandleGet(w http.ResponseWriter, r *http.Request) {
	msg, err := h.hub.GetMessage(r.Context(), r.PathValue("hash"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, msg)
}

// HandleBatch returns the messages of several authors, newest first.
//
// HTTP: GET /api/v1/messages/batch?ids=did:proto:1,did:proto:2&limit=50&before=<ms>
func (h *HubHandler) HandleBatch(w http.ResponseWriter, r *http.Request) {
	limit, err := intParam(r, "limit", service.DefaultMessageLimit)
	if err != nil {
		writeError(w, err)
		return
	}
	before, err := int64Param(r, "before")
	if err != nil {
		writeError(w, err)
		return
	}
	ids := strings.Split(r.URL.Query().Get("ids"), ",")

	msgs, err := h.hub.GetMessagesByIdentifiers(r.Context(), ids, limit, before)
	if err != nil {
		writeError(w, err)
		return
	}
	if msgs == nil {
		msgs = []model.Message{}
	}
	writeJSON(w, http.StatusOK, model.MessageList{Messages: msgs})
}

// HandleDelete soft-deletes a message.
//
// HTTP: DELETE /api/v1/messages/{hash}?did=<author>
func (h *HubHandler) HandleDelete(w http.ResponseWriter, r *http.Request) {
	did := r.URL.Query().Get("did")
	if did == "" {
		writeError(w, apperror.ValidationFailed("did", "did is required"))
		return
	}
	if err := h.hub.DeleteMessage(r.Context(), r.PathValue("hash"), did); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// HandlePeers lists connected peers.
//
// HTTP: GET /api/v1/peers
func (h *HubHandler) HandlePeers(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"peers": h.hub.Peers()})
}

// HandleSyncStatus reports where this Hub's log ends.
//
// HTTP: GET /api/v1/sync/status
func (h *HubHandler) HandleSyncStatus(w http.ResponseWriter, r *http.Request) {
	status, err := h.hub.SyncStatus(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, status)
}
