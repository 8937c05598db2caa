package handler_test

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sakif/relaynet/internal/auth"
	"github.com/sakif/relaynet/internal/client"
	"github.com/sakif/relaynet/internal/handler"
	"github.com/sakif/relaynet/internal/model"
	"github.com/sakif/relaynet/internal/repository/sqlite"
	"github.com/sakif/relaynet/internal/service"
)

// gatewayStack runs a Hub and a PDS behind real HTTP servers and points a Gateway at
// them through the production clients.
type gatewayStack struct {
	router http.Handler
	hub    *httptest.Server
	pds    *httptest.Server
	tokens *auth.TokenService
}

func newGatewayStack(t *testing.T) *gatewayStack {
	t.Helper()
	hubRouter, _ := newHubRouter(t)
	pdsRouter, _ := newPDSRouter(t)
	hubSrv := httptest.NewServer(hubRouter)
	t.Cleanup(hubSrv.Close)
	pdsSrv := httptest.NewServer(pdsRouter)
	t.Cleanup(pdsSrv.Close)

	db, err := sqlite.New(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	caches := service.NewAggregatorCaches(100)
	t.Cleanup(caches.Close)

	gw := service.NewAggregatorService(
		service.AggregatorConfig{HubEndpoints: []string{hubSrv.URL}, PDSEndpoints: []string{pdsSrv.URL}},
		client.NewHubClient(2*time.Second),
		client.NewPDSClient(2*time.Second, serviceToken),
		db, caches, testLogger(), nil,
	)
	h := handler.NewGatewayHandler(gw, testLogger())

	tokens, err := auth.NewTokenService("gateway-test-secret-0123456789")
	require.NoError(t, err)

	r := chi.NewRouter()
	r.Route("/api/v1", func(r chi.Router) {
		r.Use(auth.OptionalAuth(tokens))
		r.Get("/feed", h.HandleFeed)
		r.Post("/posts", h.HandleCreatePost)
		r.Get("/posts/{hash}", h.HandleGetPost)
		r.Get("/posts/{hash}/replies", h.HandleReplies)
		r.Get("/profile/{did}", h.HandleGetProfile)
		r.Put("/profile/{did}", h.HandleUpdateProfile)
		r.Post("/follow", h.HandleFollow)
		r.Post("/unfollow", h.HandleUnfollow)
		r.Get("/follows/{did}", h.HandleFollows)
		r.Post("/reactions", h.HandleReact)
		r.Post("/votes", h.HandleVote)
		r.Get("/search", h.HandleSearch)
		r.Get("/notifications", h.HandleNotifications)
	})
	return &gatewayStack{router: r, hub: hubSrv, pds: pdsSrv, tokens: tokens}
}

func (s *gatewayStack) createPost(t *testing.T, did, text, parent string) model.Post {
	t.Helper()
	rr := do(t, s.router, http.MethodPost, "/api/v1/posts",
		model.CreatePostInput{DID: did, Text: text, ParentHash: parent}, "")
	require.Equal(t, http.StatusCreated, rr.Code, rr.Body.String())
	return decode[model.Post](t, rr)
}

func TestGateway_PostThenReadBack(t *testing.T) {
	s := newGatewayStack(t)

	post := s.createPost(t, "did:proto:42", "hello relaynet", "")
	assert.Equal(t, "user42", post.Username)
	assert.Equal(t, "did:proto:42", post.DID)

	// The PDS provisioned the account and holds the record.
	pdsRouter := s.pds.Config.Handler
	rr := do(t, pdsRouter, http.MethodGet, "/xrpc/com.atproto.repo.describeRepo?repo=did:proto:42", nil, "")
	require.Equal(t, http.StatusOK, rr.Code)
	assert.Contains(t, decode[model.RepoDescription](t, rr).Collections, model.CollectionPost)

	// The Hub holds the message.
	rr = do(t, s.hub.Config.Handler, http.MethodGet, "/api/v1/messages/"+post.Hash, nil, "")
	assert.Equal(t, http.StatusOK, rr.Code)

	rr = do(t, s.router, http.MethodGet, "/api/v1/feed?did=did:proto:42&type=new", nil, "")
	require.Equal(t, http.StatusOK, rr.Code)
	page := decode[model.FeedPage](t, rr)
	require.Len(t, page.Posts, 1)
	assert.Equal(t, post.Hash, page.Posts[0].Hash)

	rr = do(t, s.router, http.MethodGet, "/api/v1/posts/"+post.Hash, nil, "")
	require.Equal(t, http.StatusOK, rr.Code)
	assert.Equal(t, "hello relaynet", decode[model.Post](t, rr).Text)

	rr = do(t, s.router, http.MethodGet, "/api/v1/profile/did:proto:42", nil, "")
	require.Equal(t, http.StatusOK, rr.Code)
	assert.Equal(t, "user42", decode[model.Profile](t, rr).Username)
}

func TestGateway_Replies(t *testing.T) {
	s := newGatewayStack(t)
	root := s.createPost(t, "did:proto:1", "root", "")
	reply := s.createPost(t, "did:proto:2", "a reply", root.Hash)

	// Replies stay off the Hub.
	rr := do(t, s.hub.Config.Handler, http.MethodGet, "/api/v1/messages/"+reply.Hash, nil, "")
	assert.Equal(t, http.StatusNotFound, rr.Code)

	rr = do(t, s.router, http.MethodGet, "/api/v1/posts/"+root.Hash+"/replies", nil, "")
	require.Equal(t, http.StatusOK, rr.Code)
	body := decode[struct {
		Replies []model.Post `json:"replies"`
	}](t, rr)
	require.Len(t, body.Replies, 1)
	assert.Equal(t, reply.Hash, body.Replies[0].Hash)
}

func TestGateway_Validation(t *testing.T) {
	s := newGatewayStack(t)

	tests := []struct {
		name  string
		in    model.CreatePostInput
		field string
	}{
		{"bad did", model.CreatePostInput{DID: "alice", Text: "x"}, "did"},
		{"empty text", model.CreatePostInput{DID: "did:proto:1", Text: "   "}, "text"},
		{"bad parent", model.CreatePostInput{DID: "did:proto:1", Text: "x", ParentHash: "nope"}, "parentHash"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rr := do(t, s.router, http.MethodPost, "/api/v1/posts", tt.in, "")
			require.Equal(t, http.StatusBadRequest, rr.Code)
			assert.Equal(t, tt.field, decode[handler.ErrorResponse](t, rr).Field)
		})
	}

	assert.Equal(t, http.StatusBadRequest,
		do(t, s.router, http.MethodGet, "/api/v1/feed?type=bogus", nil, "").Code)
	assert.Equal(t, http.StatusBadRequest,
		do(t, s.router, http.MethodGet, "/api/v1/search", nil, "").Code)
	assert.Equal(t, http.StatusBadRequest,
		do(t, s.router, http.MethodGet, "/api/v1/notifications", nil, "").Code)
}

func TestGateway_SignedInCallerActsAsThemselves(t *testing.T) {
	s := newGatewayStack(t)
	pair, err := s.tokens.IssuePair("did:proto:7")
	require.NoError(t, err)

	rr := do(t, s.router, http.MethodPost, "/api/v1/posts",
		model.CreatePostInput{DID: "did:proto:8", Text: "impersonation"}, pair.Access)
	assert.Equal(t, http.StatusForbidden, rr.Code)

	rr = do(t, s.router, http.MethodPost, "/api/v1/posts",
		model.CreatePostInput{DID: "did:proto:7", Text: "it's me"}, pair.Access)
	assert.Equal(t, http.StatusCreated, rr.Code, rr.Body.String())

	rr = do(t, s.router, http.MethodGet, "/api/v1/notifications?did=did:proto:8", nil, pair.Access)
	assert.Equal(t, http.StatusForbidden, rr.Code)
}

func TestGateway_SocialGraphAndEngagement(t *testing.T) {
	s := newGatewayStack(t)
	post := s.createPost(t, "did:proto:1", "follow me", "")

	rr := do(t, s.router, http.MethodPost, "/api/v1/follow",
		model.FollowInput{FollowerDID: "did:proto:2", FollowingDID: "did:proto:1"}, "")
	require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())

	rr = do(t, s.router, http.MethodGet, "/api/v1/follows/did:proto:2", nil, "")
	require.Equal(t, http.StatusOK, rr.Code)
	assert.Equal(t, []string{"did:proto:1"}, decode[model.FollowList](t, rr).Following)

	rr = do(t, s.router, http.MethodGet, "/api/v1/feed?did=did:proto:2&type=new", nil, "")
	require.Equal(t, http.StatusOK, rr.Code)
	require.Len(t, decode[model.FeedPage](t, rr).Posts, 1)

	rr = do(t, s.router, http.MethodPost, "/api/v1/votes", model.VoteInput{
		DID: "did:proto:2", TargetHash: post.Hash, VoteType: model.VoteUp,
	}, "")
	require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())
	assert.Equal(t, 1, decode[model.VoteResult](t, rr).Upvotes)

	rr = do(t, s.router, http.MethodPost, "/api/v1/reactions", model.ReactionInput{
		DID: "did:proto:2", TargetHash: post.Hash, Type: model.ReactionLike,
	}, "")
	require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())
	assert.True(t, decode[model.ReactionResult](t, rr).Active)

	rr = do(t, s.router, http.MethodGet, "/api/v1/notifications?did=did:proto:1", nil, "")
	require.Equal(t, http.StatusOK, rr.Code)
	list := decode[model.NotificationList](t, rr)
	assert.Len(t, list.Notifications, 2)

	rr = do(t, s.router, http.MethodPost, "/api/v1/unfollow",
		model.FollowInput{FollowerDID: "did:proto:2", FollowingDID: "did:proto:1"}, "")
	require.Equal(t, http.StatusOK, rr.Code)
	rr = do(t, s.router, http.MethodGet, "/api/v1/follows/did:proto:2", nil, "")
	assert.Empty(t, decode[model.FollowList](t, rr).Following)
}

func TestGateway_UpstreamFailures(t *testing.T) {
	t.Run("hub down", func(t *testing.T) {
		s := newGatewayStack(t)
		s.hub.Close()
		s.createPost(t, "did:proto:1", "still works", "")
	})

	t.Run("pds down", func(t *testing.T) {
		s := newGatewayStack(t)
		s.pds.Close()
		rr := do(t, s.router, http.MethodPost, "/api/v1/posts",
			model.CreatePostInput{DID: "did:proto:1", Text: "lost"}, "")
		assert.Equal(t, http.StatusBadGateway, rr.Code)
		assert.Equal(t, "upstream_unavailable", decode[handler.ErrorResponse](t, rr).Error)
	})
}
