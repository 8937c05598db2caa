package handler

import (
	"log/slog"
	"net/http"
	"strings"

	"github.com/sakif/relaynet/internal/apperror"
	"github.com/sakif/relaynet/internal/auth"
	"github.com/sakif/relaynet/internal/model"
	"github.com/sakif/relaynet/internal/ranking"
	"github.com/sakif/relaynet/internal/service"
)

// GatewayHandler exposes the Gateway's REST API.
//
// ROUTES:
//
//	GET  /api/v1/feed                   ?did=&type=&limit=&cursor=  (or ?users=a,b for specific authors)
//	POST /api/v1/posts                  create a post or reply
//	GET  /api/v1/posts/{hash}           one post
//	GET  /api/v1/posts/{hash}/replies   direct replies, oldest first
//	GET  /api/v1/profile/{did}          get-or-create profile
//	PUT  /api/v1/profile/{did}          partial profile update
//	POST /api/v1/follow, /unfollow      follow edges
//	GET  /api/v1/follows/{did}          who did follows
//	POST /api/v1/reactions              toggle a reaction
//	POST /api/v1/votes                  toggle/flip a vote
//	GET  /api/v1/search?q=              profiles and posts
//	GET  /api/v1/notifications?did=     last week's activity
//
// VIEWER IDENTITY:
// A valid access token (OptionalAuth) identifies the viewer. Without one the viewer may
// be named with ?viewer= for read personalization. A signed-in caller can only act as
// themselves; unsigned writes are gated by payment instead.
type GatewayHandler struct {
	gw     *service.AggregatorService
	logger *slog.Logger
}

func NewGatewayHandler(gw *service.AggregatorService, logger *slog.Logger) *GatewayHandler {
	return &GatewayHandler{gw: gw, logger: logger}
}

func viewerOf(r *http.Request) string {
	if did, ok := auth.DIDFromContext(r.Context()); ok {
		return did
	}
	return r.URL.Query().Get("viewer")
}

// actingAs rejects a signed-in caller acting for another DID.
func actingAs(r *http.Request, claimed string) error {
	if did, ok := auth.DIDFromContext(r.Context()); ok && did != claimed {
		return apperror.Forbidden("signed in as " + did + ", cannot act as " + claimed)
	}
	return nil
}

// =========================================================================
// FEEDS AND POSTS
// =========================================================================

// HandleFeed serves the home feed, the global feed or a multi-author feed.
//
// HTTP: GET /api/v1/feed
func (h *GatewayHandler) HandleFeed(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	policy, err := ranking.ParsePolicy(q.Get("type"))
	if err != nil {
		writeError(w, err)
		return
	}
	limit, err := intParam(r, "limit", service.DefaultFeedLimit)
	if err != nil {
		writeError(w, err)
		return
	}
	before, err := int64Param(r, "cursor")
	if err != nil {
		writeError(w, err)
		return
	}

	viewer := viewerOf(r)
	if viewer == "" {
		viewer = q.Get("did")
	}

	var page *model.FeedPage
	if users := q.Get("users"); users != "" {
		page, err = h.gw.GetPostsFromUsers(r.Context(), strings.Split(users, ","), viewer, policy, limit, before)
	} else {
		page, err = h.gw.GetFeed(r.Context(), viewer, policy, limit, before)
	}
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, page)
}

// HTTP: POST /api/v1/posts
// REQUEST BODY: {"did": "did:proto:42", "text": "hello", "parentHash": "0x..."}
func (h *GatewayHandler) HandleCreatePost(w http.ResponseWriter, r *http.Request) {
	var in model.CreatePostInput
	if err := decodeJSON(r, &in); err != nil {
		writeError(w, err)
		return
	}
	if err := actingAs(r, in.DID); err != nil {
		writeError(w, err)
		return
	}
	post, err := h.gw.CreatePost(r.Context(), in)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, post)
}

// HTTP: GET /api/v1/posts/{hash}
func (h *GatewayHandler) HandleGetPost(w http.ResponseWriter, r *http.Request) {
	post, err := h.gw.GetPost(r.Context(), r.PathValue("hash"), viewerOf(r))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, post)
}

// HTTP: GET /api/v1/posts/{hash}/replies
func (h *GatewayHandler) HandleReplies(w http.ResponseWriter, r *http.Request) {
	replies, err := h.gw.GetReplies(r.Context(), r.PathValue("hash"), viewerOf(r))
	if err != nil {
		writeError(w, err)
		return
	}
	if replies == nil {
		replies = []model.Post{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"replies": replies})
}

// =========================================================================
// PROFILES AND GRAPH
// =========================================================================

// HTTP: GET /api/v1/profile/{did}
func (h *GatewayHandler) HandleGetProfile(w http.ResponseWriter, r *http.Request) {
	p, err := h.gw.GetOrCreateProfile(r.Context(), r.PathValue("did"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, p)
}

// HTTP: PUT /api/v1/profile/{did}
// REQUEST BODY: any of {"displayName", "bio", "avatarRef", "bannerRef"}
func (h *GatewayHandler) HandleUpdateProfile(w http.ResponseWriter, r *http.Request) {
	did := r.PathValue("did")
	if err := actingAs(r, did); err != nil {
		writeError(w, err)
		return
	}
	var upd model.ProfileUpdate
	if err := decodeJSON(r, &upd); err != nil {
		writeError(w, err)
		return
	}
	p, err := h.gw.UpdateProfile(r.Context(), did, upd)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, p)
}

// HTTP: POST /api/v1/follow
func (h *GatewayHandler) HandleFollow(w http.ResponseWriter, r *http.Request) {
	h.edge(w, r, true)
}

// HTTP: POST /api/v1/unfollow
func (h *GatewayHandler) HandleUnfollow(w http.ResponseWriter, r *http.Request) {
	h.edge(w, r, false)
}

func (h *GatewayHandler) edge(w http.ResponseWriter, r *http.Request, follow bool) {
	var in model.FollowInput
	if err := decodeJSON(r, &in); err != nil {
		writeError(w, err)
		return
	}
	if err := actingAs(r, in.FollowerDID); err != nil {
		writeError(w, err)
		return
	}
	var err error
	if follow {
		err = h.gw.Follow(r.Context(), in.FollowerDID, in.FollowingDID)
	} else {
		err = h.gw.Unfollow(r.Context(), in.FollowerDID, in.FollowingDID)
	}
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"followerDid":  in.FollowerDID,
		"followingDid": in.FollowingDID,
		"active":       follow,
	})
}

// HTTP: GET /api/v1/follows/{did}
func (h *GatewayHandler) HandleFollows(w http.ResponseWriter, r *http.Request) {
	did := r.PathValue("did")
	follows, err := h.gw.GetFollows(r.Context(), did)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, model.FollowList{DID: did, Following: follows})
}

// =========================================================================
// ENGAGEMENT
// =========================================================================

// HTTP: POST /api/v1/reactions
// REQUEST BODY: {"did": "...", "targetHash": "0x...", "type": "like|repost|quote"}
func (h *GatewayHandler) HandleReact(w http.ResponseWriter, r *http.Request) {
	var in model.ReactionInput
	if err := decodeJSON(r, &in); err != nil {
		writeError(w, err)
		return
	}
	if err := actingAs(r, in.DID); err != nil {
		writeError(w, err)
		return
	}
	res, err := h.gw.React(r.Context(), in)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

// HTTP: POST /api/v1/votes
// REQUEST BODY: {"did": "...", "targetHash": "0x...", "targetType": "post", "voteType": "UP|DOWN"}
func (h *GatewayHandler) HandleVote(w http.ResponseWriter, r *http.Request) {
	var in model.VoteInput
	if err := decodeJSON(r, &in); err != nil {
		writeError(w, err)
		return
	}
	if err := actingAs(r, in.DID); err != nil {
		writeError(w, err)
		return
	}
	res, err := h.gw.Vote(r.Context(), in)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

// HTTP: GET /api/v1/search?q=&limit=
func (h *GatewayHandler) HandleSearch(w http.ResponseWriter, r *http.Request) {
	limit, err := intParam(r, "limit", service.DefaultSearchLimit)
	if err != nil {
		writeError(w, err)
		return
	}
	res, err := h.gw.Search(r.Context(), r.URL.Query().Get("q"), viewerOf(r), limit)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

// HTTP: GET /api/v1/notifications?did=
func (h *GatewayHandler) HandleNotifications(w http.ResponseWriter, r *http.Request) {
	did := r.URL.Query().Get("did")
	if signedIn, ok := auth.DIDFromContext(r.Context()); ok {
		if did != "" && did != signedIn {
			writeError(w, apperror.Forbidden("notifications are private"))
			return
		}
		did = signedIn
	}
	if did == "" {
		writeError(w, apperror.ValidationFailed("did", "did is required"))
		return
	}
	list, err := h.gw.GetNotifications(r.Context(), did)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, list)
}
