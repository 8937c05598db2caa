package handler

import (
	"log/slog"
	"net/http"
	"strings"

	"github.com/sakif/relaynet/internal/apperror"
	"github.com/sakif/relaynet/internal/auth"
	"github.com/sakif/relaynet/internal/model"
	"github.com/sakif/relaynet/internal/replication"
	"github.com/sakif/relaynet/internal/service"
)

// PDSHandler exposes a PDS's XRPC API.
//
// ROUTES:
//
//	GET  /xrpc/com.atproto.server.describeServer
//	POST /xrpc/com.atproto.server.createAccount      (provisioning needs the service token)
//	POST /xrpc/com.atproto.server.createSession
//	POST /xrpc/com.atproto.server.refreshSession     (bearer = refresh token)
//	POST /xrpc/com.atproto.server.migrateAccount     (owner or service)
//	POST /xrpc/com.atproto.repo.createRecord         (owner or service)
//	GET  /xrpc/com.atproto.repo.listRecords
//	GET  /xrpc/com.atproto.repo.getRecord
//	GET  /xrpc/com.atproto.repo.describeRepo
//
// PEER ROUTES (service token only):
//
//	POST /xrpc/com.proto.sync.applyRecords
//	GET  /xrpc/com.proto.sync.listSince
//	POST /xrpc/com.proto.sync.importRepo
//	POST /xrpc/com.proto.sync.notifyMigration
//
// WHO MAY WRITE A REPO?
// A user writes their own repo with their access token. The Gateway writes on behalf
// of users with the shared service token, which is also how peers authenticate.
type PDSHandler struct {
	pds    *service.PDSService
	logger *slog.Logger
}

func NewPDSHandler(pds *service.PDSService, logger *slog.Logger) *PDSHandler {
	return &PDSHandler{pds: pds, logger: logger}
}

// authorize allows the repo owner and service callers.
func authorize(r *http.Request, repo string) error {
	if auth.ServiceFromContext(r.Context()) {
		return nil
	}
	did, ok := auth.DIDFromContext(r.Context())
	if !ok {
		return apperror.Unauthorized("authentication required")
	}
	if did != repo {
		return apperror.Forbidden("cannot write to another account's repository")
	}
	return nil
}

// =========================================================================
// SERVER
// =========================================================================

// HTTP: GET /xrpc/com.atproto.server.describeServer
func (h *PDSHandler) HandleDescribeServer(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.pds.DescribeServer())
}

// HandleCreateAccount accepts the password, wallet and provisioning payloads.
//
// HTTP: POST /xrpc/com.atproto.server.createAccount
func (h *PDSHandler) HandleCreateAccount(w http.ResponseWriter, r *http.Request) {
	var in model.CreateAccountInput
	if err := decodeJSON(r, &in); err != nil {
		writeXRPCError(w, err)
		return
	}
	if in.DID != "" && in.WalletAddress == "" && !auth.ServiceFromContext(r.Context()) {
		writeXRPCError(w, apperror.Forbidden("provisioning an account by DID requires the service token"))
		return
	}
	sess, err := h.pds.CreateAccount(r.Context(), in)
	if err != nil {
		writeXRPCError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, sess)
}

// HTTP: POST /xrpc/com.atproto.server.createSession
func (h *PDSHandler) HandleCreateSession(w http.ResponseWriter, r *http.Request) {
	var in model.CreateSessionInput
	if err := decodeJSON(r, &in); err != nil {
		writeXRPCError(w, err)
		return
	}
	sess, err := h.pds.CreateSession(r.Context(), in.Identifier, in.Password)
	if err != nil {
		writeXRPCError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, sess)
}

// HTTP: POST /xrpc/com.atproto.server.refreshSession
// Authorization: Bearer <refreshJwt>
func (h *PDSHandler) HandleRefreshSession(w http.ResponseWriter, r *http.Request) {
	token, ok := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer ")
	if !ok || token == "" {
		writeXRPCError(w, apperror.Unauthorized("refresh token required"))
		return
	}
	sess, err := h.pds.RefreshSession(r.Context(), token)
	if err != nil {
		writeXRPCError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, sess)
}

// HTTP: POST /xrpc/com.atproto.server.migrateAccount
func (h *PDSHandler) HandleMigrateAccount(w http.ResponseWriter, r *http.Request) {
	var in model.MigrateAccountInput
	if err := decodeJSON(r, &in); err != nil {
		writeXRPCError(w, err)
		return
	}
	if err := authorize(r, in.DID); err != nil {
		writeXRPCError(w, err)
		return
	}
	if err := h.pds.MigrateAccount(r.Context(), in.DID, in.NewPDS); err != nil {
		writeXRPCError(w, err)
		return
	}
	h.logger.Info("account migrated", slog.String("did", in.DID), slog.String("to", in.NewPDS))
	writeJSON(w, http.StatusOK, in)
}

// =========================================================================
// REPO
// =========================================================================

// HTTP: POST /xrpc/com.atproto.repo.createRecord
func (h *PDSHandler) HandleCreateRecord(w http.ResponseWriter, r *http.Request) {
	var in model.CreateRecordInput
	if err := decodeJSON(r, &in); err != nil {
		writeXRPCError(w, err)
		return
	}
	if err := authorize(r, in.Repo); err != nil {
		writeXRPCError(w, err)
		return
	}
	ref, err := h.pds.CreateRecord(r.Context(), in.Repo, in.Collection, in.Record)
	if err != nil {
		writeXRPCError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, ref)
}

// HTTP: GET /xrpc/com.atproto.repo.listRecords?repo=&collection=&limit=&cursor=
func (h *PDSHandler) HandleListRecords(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	limit, err := intParam(r, "limit", service.DefaultRecordLimit)
	if err != nil {
		writeXRPCError(w, err)
		return
	}
	page, err := h.pds.ListRecords(r.Context(), q.Get("repo"), q.Get("collection"), limit, q.Get("cursor"))
	if err != nil {
		writeXRPCError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, page)
}

// HTTP: GET /xrpc/com.proto.feed.listReplies?parent=&limit=
func (h *PDSHandler) HandleListReplies(w http.ResponseWriter, r *http.Request) {
	limit, err := intParam(r, "limit", service.DefaultRecordLimit)
	if err != nil {
		writeXRPCError(w, err)
		return
	}
	page, err := h.pds.ListReplies(r.Context(), r.URL.Query().Get("parent"), limit)
	if err != nil {
		writeXRPCError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, page)
}

// HandleGetRecord accepts either ?uri= or ?repo=&collection=&rkey=.
//
// HTTP: GET /xrpc/com.atproto.repo.getRecord
func (h *PDSHandler) HandleGetRecord(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	uri := q.Get("uri")
	if uri == "" && q.Get("repo") != "" {
		uri = "at://" + q.Get("repo") + "/" + q.Get("collection") + "/" + q.Get("rkey")
	}
	if uri == "" {
		writeXRPCError(w, apperror.ValidationFailed("uri", "uri or repo/collection/rkey is required"))
		return
	}
	rec, err := h.pds.GetRecord(r.Context(), uri)
	if err != nil {
		writeXRPCError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

// HTTP: GET /xrpc/com.atproto.repo.describeRepo?repo=
func (h *PDSHandler) HandleDescribeRepo(w http.ResponseWriter, r *http.Request) {
	desc, err := h.pds.DescribeRepo(r.Context(), r.URL.Query().Get("repo"))
	if err != nil {
		writeXRPCError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, desc)
}

// =========================================================================
// PEER SYNC
// =========================================================================

// HTTP: POST /xrpc/com.proto.sync.applyRecords
func (h *PDSHandler) HandleApplyRecords(w http.ResponseWriter, r *http.Request) {
	var batch model.RepoBatch
	if err := decodeJSON(r, &batch); err != nil {
		writeXRPCError(w, err)
		return
	}
	n, err := h.pds.ApplyRecords(r.Context(), batch)
	if err != nil {
		writeXRPCError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]int{"applied": n})
}

// HTTP: GET /xrpc/com.proto.sync.listSince?since=<seq>&limit=
func (h *PDSHandler) HandleListSince(w http.ResponseWriter, r *http.Request) {
	since, err := int64Param(r, "since")
	if err != nil {
		writeXRPCError(w, err)
		return
	}
	limit, err := intParam(r, "limit", replication.DefaultPullBatch)
	if err != nil {
		writeXRPCError(w, err)
		return
	}
	batch, err := h.pds.ListSince(r.Context(), since, min(max(limit, 1), replication.DefaultPullBatch))
	if err != nil {
		writeXRPCError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, batch)
}

// HTTP: POST /xrpc/com.proto.sync.importRepo
func (h *PDSHandler) HandleImportRepo(w http.ResponseWriter, r *http.Request) {
	var export model.RepoExport
	if err := decodeJSON(r, &export); err != nil {
		writeXRPCError(w, err)
		return
	}
	n, err := h.pds.ImportRepo(r.Context(), export)
	if err != nil {
		writeXRPCError(w, err)
		return
	}
	h.logger.Info("repository imported", slog.String("did", export.Account.DID), slog.Int("records", n))
	writeJSON(w, http.StatusOK, map[string]int{"imported": n})
}

// HTTP: POST /xrpc/com.proto.sync.notifyMigration
func (h *PDSHandler) HandleNotifyMigration(w http.ResponseWriter, r *http.Request) {
	var notice model.MigrationNotice
	if err := decodeJSON(r, &notice); err != nil {
		writeXRPCError(w, err)
		return
	}
	if err := h.pds.NotifyMigration(r.Context(), notice); err != nil {
		writeXRPCError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
