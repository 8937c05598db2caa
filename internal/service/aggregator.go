package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/sakif/relaynet/internal/apperror"
	"github.com/sakif/relaynet/internal/cache"
	"github.com/sakif/relaynet/internal/identity"
	"github.com/sakif/relaynet/internal/metrics"
	"github.com/sakif/relaynet/internal/model"
	"github.com/sakif/relaynet/internal/ranking"
	"github.com/sakif/relaynet/internal/repository"
	"github.com/sakif/relaynet/internal/validator"
)

const (
	DefaultFeedLimit   = 20
	MaxFeedLimit       = 100
	DefaultSearchLimit = 20
	MaxSearchLimit     = 50

	NotificationWindow = 7 * 24 * time.Hour
	MaxNotifications   = 50

	MaxDisplayNameLength = 64
	MaxBioLength         = 256

	// Upper bound on how many repositories a single read walks on the PDS side.
	maxSupplementRepos = 25

	// Upper bound on listRecords pages read per repository while looking for older posts.
	maxPDSPages = 5
)

// Cache lifetimes. Follows change often and are cheap to reload; posts are immutable
// apart from deletion.
const (
	FollowsTTL  = 5 * time.Minute
	ProfilesTTL = 30 * time.Minute
	PostsTTL    = time.Hour
	HomesTTL    = 10 * time.Minute
)

// HubAPI is the part of client.HubClient the Gateway reads and writes through.
type HubAPI interface {
	SubmitMessage(ctx context.Context, endpoint string, msg *model.Message) (*model.SubmitResult, error)
	GetMessage(ctx context.Context, endpoint, hash string) (*model.Message, error)
	GetMessagesByIdentifiers(ctx context.Context, endpoint string, dids []string, limit int, before int64) ([]model.Message, error)
}

// PDSAPI is the part of client.PDSClient the Gateway reads and writes through.
type PDSAPI interface {
	CreateAccount(ctx context.Context, endpoint string, in model.CreateAccountInput) (*model.Session, error)
	CreateRecord(ctx context.Context, endpoint, repo, collection string, record any) (*model.RecordRef, error)
	ListRecords(ctx context.Context, endpoint, repo, collection string, limit int, cursor string) (*model.RecordPage, error)
	ListReplies(ctx context.Context, endpoint, parent string, limit int) (*model.RecordPage, error)
	DescribeRepo(ctx context.Context, endpoint, did string) (*model.RepoDescription, error)
}

// GatewayStore is the Gateway's local database. *sqlite.DB satisfies it.
type GatewayStore interface {
	repository.ProfileRepository
	repository.FollowRepository
	repository.ReactionRepository
	repository.VoteRepository
	repository.PostRepository
}

// AggregatorConfig lists the upstreams. New accounts are provisioned on PDSEndpoints[0].
type AggregatorConfig struct {
	HubEndpoints []string
	PDSEndpoints []string
}

// AggregatorCaches groups the Gateway's read caches.
type AggregatorCaches struct {
	Follows  *cache.Cache[[]string]
	Profiles *cache.Cache[*model.Profile]
	Posts    *cache.Cache[*model.Post]
	Homes    *cache.Cache[string]
}

// NewAggregatorCaches builds the caches with the default lifetimes.
func NewAggregatorCaches(maxSize int) AggregatorCaches {
	return AggregatorCaches{
		Follows:  cache.New[[]string](FollowsTTL, maxSize),
		Profiles: cache.New[*model.Profile](ProfilesTTL, maxSize),
		Posts:    cache.New[*model.Post](PostsTTL, maxSize),
		Homes:    cache.New[string](HomesTTL, maxSize),
	}
}

// Close stops the cache janitors.
func (c AggregatorCaches) Close() {
	c.Follows.Close()
	c.Profiles.Close()
	c.Posts.Close()
	c.Homes.Close()
}

// AggregatorService is the Gateway: it writes posts to the author's PDS and the Hubs,
// and assembles feeds from whatever answers.
//
// READ PATH:
//
//	Hubs (fan-out) ──empty?──► PDS repositories ──► local copy ──► enrich ──► rank
//
// The local database holds every post the Gateway has seen, plus everything that only
// lives here: profiles, follows, votes, reactions.
//
// WRITE PATH:
//
//	createPost ──► author's home PDS (authoritative) ──► local copy ──► Hubs (top-level only)
//
// A PDS failure fails the write. A Hub failure is logged; the post still exists.
type AggregatorService struct {
	cfg     AggregatorConfig
	hubs    HubAPI
	pds     PDSAPI
	store   GatewayStore
	caches  AggregatorCaches
	logger  *slog.Logger
	metrics *metrics.Metrics
	now     func() time.Time
}

// NewAggregatorService wires the Gateway. metrics may be nil in tests.
func NewAggregatorService(
	cfg AggregatorConfig,
	hubs HubAPI,
	pds PDSAPI,
	store GatewayStore,
	caches AggregatorCaches,
	logger *slog.Logger,
	m *metrics.Metrics,
) *AggregatorService {
	return &AggregatorService{
		cfg:     cfg,
		hubs:    hubs,
		pds:     pds,
		store:   store,
		caches:  caches,
		logger:  logger.With(slog.String("component", "gateway")),
		metrics: m,
		now:     time.Now,
	}
}

// =========================================================================
// POSTS
// =========================================================================

// CreatePost publishes a post or reply on behalf of in.DID.
func (s *AggregatorService) CreatePost(ctx context.Context, in model.CreatePostInput) (*model.Post, error) {
	if _, err := identity.ParseDID(in.DID); err != nil {
		return nil, err
	}
	text := strings.TrimSpace(in.Text)
	if text == "" {
		return nil, apperror.ValidationFailed("text", "text is required")
	}
	if n := utf8.RuneCountInString(text); n > validator.MaxTextLength {
		return nil, apperror.ValidationFailed("text", fmt.Sprintf("text is %d characters, max %d", n, validator.MaxTextLength))
	}
	if in.ParentHash != "" && !validator.IsMessageHash(in.ParentHash) {
		return nil, apperror.ValidationFailed("parentHash", "parentHash must be 0x followed by 64 hex digits")
	}

	msg := &model.Message{
		DID:        in.DID,
		Text:       text,
		ParentHash: in.ParentHash,
		Embeds:     in.Embeds,
		Timestamp:  s.now().UnixMilli(),
	}
	if in.ParentHash != "" {
		msg.RootParentHash = s.threadRoot(ctx, in.ParentHash)
	}
	msg.Seal()

	record := model.PostRecord{
		Type:      model.CollectionPost,
		Text:      msg.Text,
		Hash:      msg.Hash,
		Timestamp: msg.Timestamp,
		CreatedAt: msg.Time().UTC().Format(time.RFC3339Nano),
		Mentions:  msg.Mentions,
		Embeds:    msg.Embeds,
	}
	if msg.IsReply() {
		record.Reply = &model.ReplyRef{
			Root:   model.StrongRef{Hash: msg.RootParentHash},
			Parent: model.StrongRef{Hash: msg.ParentHash},
		}
	}
	if err := s.writeRecord(ctx, msg.DID, model.CollectionPost, record); err != nil {
		return nil, err
	}

	post := model.PostFromMessage(msg, model.SourceLocal)
	if _, err := s.store.PutPost(ctx, &post); err != nil {
		return nil, fmt.Errorf("service/gateway: storing post: %w", err)
	}

	// Replies stay on the PDS; only top-level posts go to the Hubs.
	if !msg.IsReply() {
		s.publish(ctx, msg)
	} else {
		s.caches.Posts.Delete(msg.ParentHash)
	}

	if _, err := s.GetOrCreateProfile(ctx, msg.DID); err != nil {
		s.logger.Warn("profile materialization failed", slog.String("did", msg.DID), slog.Any("error", err))
	}

	s.logger.Info("post created",
		slog.String("hash", post.Hash),
		slog.String("did", post.DID),
		slog.Bool("reply", post.IsReply()),
	)
	out := []model.Post{post}
	if err := s.enrich(ctx, out, in.DID); err != nil {
		return nil, err
	}
	return &out[0], nil
}

// threadRoot returns the root of the thread parent belongs to. An unknown parent is
// treated as the root itself.
func (s *AggregatorService) threadRoot(ctx context.Context, parent string) string {
	p, err := s.store.GetPost(ctx, parent)
	if err != nil || p.RootParentHash == "" {
		return parent
	}
	return p.RootParentHash
}

// publish submits a top-level post to every Hub.
func (s *AggregatorService) publish(ctx context.Context, msg *model.Message) {
	for _, ep := range s.cfg.HubEndpoints {
		if _, err := s.hubs.SubmitMessage(ctx, ep, msg); err != nil {
			s.upstreamFailed("hub", ep, err)
		}
	}
}

// GetPostsFromUsers returns the top-level posts of dids.
//
// Hubs are queried concurrently and their answers merged. Only when every Hub returns
// nothing does the Gateway read the authors' PDS repositories instead.
func (s *AggregatorService) GetPostsFromUsers(ctx context.Context, dids []string, viewer string, policy ranking.Policy, limit int, before int64) (*model.FeedPage, error) {
	dids = cleanDIDs(dids)
	if len(dids) == 0 {
		return nil, apperror.ValidationFailed("dids", "at least one DID is required")
	}
	limit = clampLimit(limit, DefaultFeedLimit, MaxFeedLimit)

	posts := s.fromHubs(ctx, dids, limit, before)
	if len(posts) == 0 {
		if s.metrics != nil {
			s.metrics.PDSFallbacks.Inc()
		}
		s.logger.Debug("hubs returned nothing, reading PDS repositories", slog.Int("dids", len(dids)))
		posts = s.fromPDS(ctx, dids, limit, before)
	}
	posts = topLevel(dedup(posts))
	s.remember(ctx, posts)
	return s.page(ctx, posts, viewer, policy, limit)
}

// GetAllPosts is the global timeline: the local database, supplemented with PDS posts
// from known authors the database has nothing for yet.
func (s *AggregatorService) GetAllPosts(ctx context.Context, viewer string, policy ranking.Policy, limit int, before int64) (*model.FeedPage, error) {
	limit = clampLimit(limit, DefaultFeedLimit, MaxFeedLimit)
	local, err := s.store.ListPosts(ctx, repository.PostQuery{Before: before, Limit: limit, TopLevelOnly: true})
	if err != nil {
		return nil, fmt.Errorf("service/gateway: listing posts: %w", err)
	}

	seen := make(map[string]bool, len(local))
	for _, p := range local {
		seen[p.DID] = true
	}
	known, err := s.store.ListProfileDIDs(ctx)
	if err != nil {
		return nil, fmt.Errorf("service/gateway: listing profiles: %w", err)
	}
	var missing []string
	for _, did := range known {
		if !seen[did] && len(missing) < maxSupplementRepos {
			missing = append(missing, did)
		}
	}
	if len(missing) > 0 {
		extra := s.fromPDS(ctx, missing, limit, before)
		s.remember(ctx, extra)
		local = append(local, extra...)
	}
	return s.page(ctx, topLevel(dedup(local)), viewer, policy, limit)
}

// GetFeed is the viewer's home feed: the viewer and everyone they follow. Anonymous
// viewers and viewers who follow nobody get the global timeline.
func (s *AggregatorService) GetFeed(ctx context.Context, viewer string, policy ranking.Policy, limit int, before int64) (*model.FeedPage, error) {
	if viewer != "" {
		follows, err := s.GetFollows(ctx, viewer)
		if err != nil {
			return nil, err
		}
		if len(follows) > 0 {
			dids := make([]string, 0, len(follows)+1)
			dids = append(dids, follows...)
			dids = append(dids, viewer)
			return s.GetPostsFromUsers(ctx, dids, viewer, policy, limit, before)
		}
	}
	return s.GetAllPosts(ctx, viewer, policy, limit, before)
}

// GetPost looks a post up in the cache, the local database and finally the Hubs.
func (s *AggregatorService) GetPost(ctx context.Context, hash, viewer string) (*model.Post, error) {
	if hash == "" {
		return nil, apperror.ValidationFailed("hash", "hash is required")
	}
	post, ok := s.caches.Posts.Get(hash)
	s.cacheLookup("post", ok)
	if !ok {
		p, err := s.store.GetPost(ctx, hash)
		if errors.Is(err, apperror.ErrNotFound) {
			p, err = s.postFromHubs(ctx, hash)
		}
		if err != nil {
			return nil, err
		}
		s.caches.Posts.Set(hash, p)
		post = p
	}

	// Enrichment works on a copy; the cached value stays bare.
	out := []model.Post{*post}
	if err := s.enrich(ctx, out, viewer); err != nil {
		return nil, err
	}
	return &out[0], nil
}

func (s *AggregatorService) postFromHubs(ctx context.Context, hash string) (*model.Post, error) {
	for _, ep := range s.cfg.HubEndpoints {
		msg, err := s.hubs.GetMessage(ctx, ep, hash)
		if err != nil {
			if !errors.Is(err, apperror.ErrNotFound) {
				s.upstreamFailed("hub", ep, err)
			}
			continue
		}
		p := model.PostFromMessage(msg, model.SourceHub)
		if _, err := s.store.PutPost(ctx, &p); err != nil {
			return nil, fmt.Errorf("service/gateway: storing post: %w", err)
		}
		return &p, nil
	}
	return nil, apperror.NotFound("post", hash)
}

// GetReplies returns the direct replies to hash, oldest first. Replies never reach the
// Hubs, so the local copy is merged with what each PDS holds. Every PDS answers for all
// the repositories it stores in one call.
func (s *AggregatorService) GetReplies(ctx context.Context, hash, viewer string) ([]model.Post, error) {
	if !validator.IsMessageHash(hash) {
		return nil, apperror.ValidationFailed("hash", "hash must be 0x followed by 64 hex digits")
	}
	replies, err := s.store.ListReplies(ctx, hash)
	if err != nil {
		return nil, fmt.Errorf("service/gateway: listing replies: %w", err)
	}

	var remote []model.Post
	for _, ep := range s.cfg.PDSEndpoints {
		page, err := s.pds.ListReplies(ctx, ep, hash, MaxRecordLimit)
		if err != nil {
			s.upstreamFailed("pds", ep, err)
			continue
		}
		for _, p := range s.postsFromRecords(page.Records, 0) {
			if p.ParentHash == hash {
				remote = append(remote, p)
			}
		}
	}
	s.remember(ctx, remote)

	replies = dedup(append(replies, remote...))
	sort.SliceStable(replies, func(i, j int) bool {
		if replies[i].Timestamp != replies[j].Timestamp {
			return replies[i].Timestamp < replies[j].Timestamp
		}
		return replies[i].Hash < replies[j].Hash
	})
	if err := s.enrich(ctx, replies, viewer); err != nil {
		return nil, err
	}
	return replies, nil
}

// =========================================================================
// UPSTREAM READS
// =========================================================================

func (s *AggregatorService) fromHubs(ctx context.Context, dids []string, limit int, before int64) []model.Post {
	var (
		mu  sync.Mutex
		wg  sync.WaitGroup
		out []model.Post
	)
	for _, ep := range s.cfg.HubEndpoints {
		wg.Add(1)
		go func() {
			defer wg.Done()
			msgs, err := s.hubs.GetMessagesByIdentifiers(ctx, ep, dids, limit, before)
			if err != nil {
				s.upstreamFailed("hub", ep, err)
				return
			}
			mu.Lock()
			defer mu.Unlock()
			for i := range msgs {
				out = append(out, model.PostFromMessage(&msgs[i], model.SourceHub))
			}
		}()
	}
	wg.Wait()
	return out
}

// fromPDS reads up to limit top-level posts older than before from each DID's home PDS.
// It follows the PDS listing cursor, so a before bound can reach past the newest page.
func (s *AggregatorService) fromPDS(ctx context.Context, dids []string, limit int, before int64) []model.Post {
	var out []model.Post
	for _, did := range dids {
		home, err := s.homeOf(ctx, did)
		if err != nil {
			if !errors.Is(err, apperror.ErrNotFound) {
				s.logger.Debug("no home PDS for repo", slog.String("did", did), slog.Any("error", err))
			}
			continue
		}
		var (
			found  []model.Post
			cursor string
		)
		for range maxPDSPages {
			page, err := s.pds.ListRecords(ctx, home, did, model.CollectionPost, MaxRecordLimit, cursor)
			if err != nil {
				s.upstreamFailed("pds", home, err)
				break
			}
			found = append(found, topLevel(s.postsFromRecords(page.Records, before))...)
			if len(found) >= limit || page.Cursor == "" {
				break
			}
			cursor = page.Cursor
		}
		out = append(out, found...)
	}
	return out
}

// postsFromRecords decodes feed-post records. Records whose claimed hash does not match
// their content are dropped.
func (s *AggregatorService) postsFromRecords(recs []model.Record, before int64) []model.Post {
	var out []model.Post
	for _, rec := range recs {
		var pr model.PostRecord
		if err := json.Unmarshal(rec.Data, &pr); err != nil {
			s.logger.Debug("skipping undecodable record", slog.String("uri", rec.URI), slog.Any("error", err))
			continue
		}
		p, ok := model.PostFromRecord(rec.Repo, &pr, rec.CreatedAt)
		if !ok {
			s.logger.Warn("dropping record with mismatched hash",
				slog.String("uri", rec.URI),
				slog.String("claimed", pr.Hash),
				slog.String("computed", p.Hash),
			)
			continue
		}
		if before > 0 && p.Timestamp >= before {
			continue
		}
		out = append(out, p)
	}
	return out
}

// remember stores upstream posts in the local database.
func (s *AggregatorService) remember(ctx context.Context, posts []model.Post) {
	for i := range posts {
		if _, err := s.store.PutPost(ctx, &posts[i]); err != nil {
			s.logger.Warn("caching upstream post failed", slog.String("hash", posts[i].Hash), slog.Any("error", err))
		}
	}
}

// page cuts the newest limit posts, enriches them and applies the ranking policy.
// Cursor is the timestamp of the oldest post in the window, empty on the last page.
func (s *AggregatorService) page(ctx context.Context, posts []model.Post, viewer string, policy ranking.Policy, limit int) (*model.FeedPage, error) {
	posts = ranking.Rank(posts, ranking.New, s.now())
	cursor := ""
	if len(posts) > limit {
		posts = posts[:limit]
	}
	if len(posts) == limit && limit > 0 {
		cursor = fmt.Sprint(posts[len(posts)-1].Timestamp)
	}
	if err := s.enrich(ctx, posts, viewer); err != nil {
		return nil, err
	}
	if policy != ranking.New {
		posts = ranking.Rank(posts, policy, s.now())
	}
	if posts == nil {
		posts = []model.Post{}
	}
	return &model.FeedPage{Posts: posts, Cursor: cursor}, nil
}

// =========================================================================
// HOME PDS RESOLUTION
// =========================================================================

// describe asks every PDS about did and reports where its repository is authoritative.
func (s *AggregatorService) describe(ctx context.Context, did string) (*model.RepoDescription, string, error) {
	var lastErr error = apperror.NotFound("repo", did)
	for _, ep := range s.cfg.PDSEndpoints {
		desc, err := s.pds.DescribeRepo(ctx, ep, did)
		if err != nil {
			if !errors.Is(err, apperror.ErrNotFound) {
				s.upstreamFailed("pds", ep, err)
				lastErr = err
			}
			continue
		}
		home := ep
		switch {
		case desc.MigratedTo != "":
			home = desc.MigratedTo
		case desc.HomePDS != "":
			home = desc.HomePDS
		}
		s.caches.Homes.Set(did, home)
		return desc, home, nil
	}
	return nil, "", lastErr
}

func (s *AggregatorService) homeOf(ctx context.Context, did string) (string, error) {
	if home, ok := s.caches.Homes.Get(did); ok {
		s.cacheLookup("home", true)
		return home, nil
	}
	s.cacheLookup("home", false)
	_, home, err := s.describe(ctx, did)
	return home, err
}

// writeRecord writes to did's home PDS. A DID no PDS knows is provisioned on the
// default PDS and the write retried once.
func (s *AggregatorService) writeRecord(ctx context.Context, did, collection string, record any) error {
	if len(s.cfg.PDSEndpoints) == 0 {
		return apperror.Upstream("pds", errors.New("no PDS endpoints configured"))
	}
	home, err := s.homeOf(ctx, did)
	switch {
	case errors.Is(err, apperror.ErrNotFound):
		home = s.cfg.PDSEndpoints[0]
	case err != nil:
		return err
	}

	_, err = s.pds.CreateRecord(ctx, home, did, collection, record)
	if errors.Is(err, apperror.ErrNotFound) {
		if err := s.provision(ctx, home, did); err != nil {
			return err
		}
		_, err = s.pds.CreateRecord(ctx, home, did, collection, record)
	}
	if err != nil {
		s.upstreamFailed("pds", home, err)
		return err
	}
	return nil
}

func (s *AggregatorService) provision(ctx context.Context, endpoint, did string) error {
	_, err := s.pds.CreateAccount(ctx, endpoint, model.CreateAccountInput{DID: did})
	if err != nil && !errors.Is(err, apperror.ErrConflict) {
		s.upstreamFailed("pds", endpoint, err)
		return err
	}
	s.caches.Homes.Set(did, endpoint)
	s.logger.Info("provisioned repository", slog.String("did", did), slog.String("pds", endpoint))
	return nil
}

// =========================================================================
// VOTES AND REACTIONS
// =========================================================================

// Vote toggles a vote: the same vote twice removes it, the opposite vote flips it.
func (s *AggregatorService) Vote(ctx context.Context, in model.VoteInput) (*model.VoteResult, error) {
	if _, err := identity.ParseDID(in.DID); err != nil {
		return nil, err
	}
	if in.TargetHash == "" {
		return nil, apperror.ValidationFailed("targetHash", "targetHash is required")
	}
	if in.VoteType != model.VoteUp && in.VoteType != model.VoteDown {
		return nil, apperror.ValidationFailed("voteType", "voteType must be UP or DOWN")
	}
	target := in.TargetType
	switch target {
	case "":
		target = model.TargetPost
	case model.TargetPost, model.TargetComment:
	default:
		return nil, apperror.ValidationFailed("targetType", "targetType must be post or comment")
	}

	state := in.VoteType
	existing, err := s.store.GetVote(ctx, in.DID, in.TargetHash)
	switch {
	case errors.Is(err, apperror.ErrNotFound):
		err = s.putVote(ctx, in, target)
	case err != nil:
	case existing.VoteType == in.VoteType:
		state = ""
		err = s.store.DeleteVote(ctx, in.DID, in.TargetHash)
	default:
		err = s.putVote(ctx, in, target)
	}
	if err != nil {
		return nil, fmt.Errorf("service/gateway: recording vote: %w", err)
	}

	tallies, err := s.store.TallyVotes(ctx, []string{in.TargetHash})
	if err != nil {
		return nil, fmt.Errorf("service/gateway: tallying votes: %w", err)
	}
	t := tallies[in.TargetHash]
	return &model.VoteResult{
		TargetHash: in.TargetHash,
		VoteType:   state,
		Upvotes:    t.Upvotes,
		Downvotes:  t.Downvotes,
		VoteCount:  t.Score(),
	}, nil
}

func (s *AggregatorService) putVote(ctx context.Context, in model.VoteInput, target model.TargetType) error {
	return s.store.PutVote(ctx, &model.Vote{
		DID:        in.DID,
		TargetHash: in.TargetHash,
		TargetType: target,
		VoteType:   in.VoteType,
		Timestamp:  s.now().UTC(),
	})
}

// React toggles a like, repost or quote.
func (s *AggregatorService) React(ctx context.Context, in model.ReactionInput) (*model.ReactionResult, error) {
	if _, err := identity.ParseDID(in.DID); err != nil {
		return nil, err
	}
	if in.TargetHash == "" {
		return nil, apperror.ValidationFailed("targetHash", "targetHash is required")
	}
	if !in.Type.Valid() {
		return nil, apperror.ValidationFailed("type", "type must be like, repost or quote")
	}

	active := true
	existing, err := s.store.GetReaction(ctx, in.DID, in.TargetHash, in.Type)
	switch {
	case err == nil:
		active = !existing.Active
	case !errors.Is(err, apperror.ErrNotFound):
		return nil, fmt.Errorf("service/gateway: reading reaction: %w", err)
	}
	err = s.store.UpsertReaction(ctx, &model.Reaction{
		DID:        in.DID,
		TargetHash: in.TargetHash,
		Type:       in.Type,
		Timestamp:  s.now().UTC(),
		Active:     active,
	})
	if err != nil {
		return nil, fmt.Errorf("service/gateway: recording reaction: %w", err)
	}

	counts, err := s.store.CountReactions(ctx, in.TargetHash)
	if err != nil {
		return nil, fmt.Errorf("service/gateway: counting reactions: %w", err)
	}
	return &model.ReactionResult{TargetHash: in.TargetHash, Type: in.Type, Active: active, Counts: counts}, nil
}

// =========================================================================
// NOTIFICATIONS
// =========================================================================

// GetNotifications derives the last week's activity aimed at did. Quotes are not
// notified.
func (s *AggregatorService) GetNotifications(ctx context.Context, did string) (*model.NotificationList, error) {
	if _, err := identity.ParseDID(did); err != nil {
		return nil, err
	}
	since := s.now().Add(-NotificationWindow)

	reactions, err := s.store.ListReactionsToAuthor(ctx, did, since)
	if err != nil {
		return nil, fmt.Errorf("service/gateway: listing reactions: %w", err)
	}
	replies, err := s.store.ListRepliesToAuthor(ctx, did, since)
	if err != nil {
		return nil, fmt.Errorf("service/gateway: listing replies: %w", err)
	}
	follows, err := s.store.ListNewFollowers(ctx, did, since)
	if err != nil {
		return nil, fmt.Errorf("service/gateway: listing followers: %w", err)
	}

	out := make([]model.Notification, 0, len(reactions)+len(replies)+len(follows))
	for _, r := range reactions {
		var typ model.NotificationType
		switch r.Type {
		case model.ReactionLike:
			typ = model.NotificationLike
		case model.ReactionRepost:
			typ = model.NotificationRepost
		default:
			continue
		}
		out = append(out, model.Notification{Type: typ, ActorDID: r.DID, TargetHash: r.TargetHash, Timestamp: r.Timestamp})
	}
	for _, p := range replies {
		out = append(out, model.Notification{
			Type:       model.NotificationReply,
			ActorDID:   p.DID,
			TargetHash: p.ParentHash,
			Text:       p.Text,
			Timestamp:  p.Time().UTC(),
		})
	}
	for _, f := range follows {
		out = append(out, model.Notification{Type: model.NotificationFollow, ActorDID: f.FollowerDID, Timestamp: f.Timestamp})
	}

	sort.SliceStable(out, func(i, j int) bool { return out[i].Timestamp.After(out[j].Timestamp) })
	if len(out) > MaxNotifications {
		out = out[:MaxNotifications]
	}
	names := map[string]authorNames{}
	for i := range out {
		out[i].ActorUsername, _ = s.names(ctx, out[i].ActorDID, names)
	}
	return &model.NotificationList{Notifications: out}, nil
}

// =========================================================================
// SOCIAL GRAPH
// =========================================================================

// Follow makes follower follow following. The edge is also written to the follower's
// repository; that write is best effort.
func (s *AggregatorService) Follow(ctx context.Context, follower, following string) error {
	if err := s.checkEdge(follower, following); err != nil {
		return err
	}
	now := s.now().UTC()
	err := s.store.UpsertFollow(ctx, &model.Follow{FollowerDID: follower, FollowingDID: following, Timestamp: now, Active: true})
	if err != nil {
		return fmt.Errorf("service/gateway: storing follow: %w", err)
	}
	s.caches.Follows.Delete(follower)

	record := model.FollowRecord{Type: model.CollectionFollow, Subject: following, CreatedAt: now.Format(time.RFC3339Nano)}
	if err := s.writeRecord(ctx, follower, model.CollectionFollow, record); err != nil {
		s.logger.Warn("follow record not written to PDS", slog.String("did", follower), slog.Any("error", err))
	}
	return nil
}

// Unfollow deactivates the edge. Unfollowing someone never followed is a no-op.
func (s *AggregatorService) Unfollow(ctx context.Context, follower, following string) error {
	if err := s.checkEdge(follower, following); err != nil {
		return err
	}
	err := s.store.UpsertFollow(ctx, &model.Follow{FollowerDID: follower, FollowingDID: following, Timestamp: s.now().UTC(), Active: false})
	if err != nil {
		return fmt.Errorf("service/gateway: storing unfollow: %w", err)
	}
	s.caches.Follows.Delete(follower)
	return nil
}

func (s *AggregatorService) checkEdge(follower, following string) error {
	if _, err := identity.ParseDID(follower); err != nil {
		return apperror.ValidationFailed("followerDid", err.Error())
	}
	if _, err := identity.ParseDID(following); err != nil {
		return apperror.ValidationFailed("followingDid", err.Error())
	}
	if follower == following {
		return apperror.ValidationFailed("followingDid", "cannot follow yourself")
	}
	return nil
}

// GetFollows returns the DIDs did follows.
func (s *AggregatorService) GetFollows(ctx context.Context, did string) ([]string, error) {
	if _, err := identity.ParseDID(did); err != nil {
		return nil, err
	}
	if follows, ok := s.caches.Follows.Get(did); ok {
		s.cacheLookup("follows", true)
		return append([]string(nil), follows...), nil
	}
	s.cacheLookup("follows", false)
	follows, err := s.store.ListFollowing(ctx, did)
	if err != nil {
		return nil, fmt.Errorf("service/gateway: listing follows: %w", err)
	}
	if follows == nil {
		follows = []string{}
	}
	s.caches.Follows.Set(did, follows)
	return append([]string(nil), follows...), nil
}

// =========================================================================
// PROFILES AND SEARCH
// =========================================================================

// GetOrCreateProfile returns the profile for did, creating it on first sight. The
// username comes from the PDS handle when a PDS knows the DID.
func (s *AggregatorService) GetOrCreateProfile(ctx context.Context, did string) (*model.Profile, error) {
	parsed, err := identity.ParseDID(did)
	if err != nil {
		return nil, err
	}
	if p, ok := s.caches.Profiles.Get(did); ok {
		s.cacheLookup("profile", true)
		cp := *p
		return &cp, nil
	}
	s.cacheLookup("profile", false)

	p, err := s.store.GetProfile(ctx, did)
	if err == nil {
		s.caches.Profiles.Set(did, p)
		cp := *p
		return &cp, nil
	}
	if !errors.Is(err, apperror.ErrNotFound) {
		return nil, fmt.Errorf("service/gateway: reading profile: %w", err)
	}

	username := fallbackUsername(did, parsed.Identifier())
	if desc, _, err := s.describe(ctx, did); err == nil && desc.Handle != "" {
		username = desc.Handle
	}
	now := s.now().UTC()
	created, err := s.store.CreateProfileIfAbsent(ctx, &model.Profile{
		DID:         did,
		Username:    username,
		DisplayName: username,
		CreatedAt:   now,
		UpdatedAt:   now,
	})
	if err != nil {
		return nil, fmt.Errorf("service/gateway: creating profile: %w", err)
	}
	s.logger.Debug("profile created", slog.String("did", did), slog.String("username", created.Username))
	s.caches.Profiles.Set(did, created)
	cp := *created
	return &cp, nil
}

// fallbackUsername names a DID no PDS knows: user<id> for on-chain identifiers,
// otherwise the DID's identifier.
func fallbackUsername(did, identifier string) string {
	if id, ok := identity.NumericID(did); ok {
		return "user" + id
	}
	return identifier
}

// UpdateProfile applies the non-nil fields of upd.
func (s *AggregatorService) UpdateProfile(ctx context.Context, did string, upd model.ProfileUpdate) (*model.Profile, error) {
	p, err := s.GetOrCreateProfile(ctx, did)
	if err != nil {
		return nil, err
	}
	if upd.DisplayName != nil {
		name := strings.TrimSpace(*upd.DisplayName)
		if name == "" || utf8.RuneCountInString(name) > MaxDisplayNameLength {
			return nil, apperror.ValidationFailed("displayName", fmt.Sprintf("displayName must be 1-%d characters", MaxDisplayNameLength))
		}
		p.DisplayName = name
	}
	if upd.Bio != nil {
		if utf8.RuneCountInString(*upd.Bio) > MaxBioLength {
			return nil, apperror.ValidationFailed("bio", fmt.Sprintf("bio is limited to %d characters", MaxBioLength))
		}
		p.Bio = *upd.Bio
	}
	if upd.AvatarRef != nil {
		p.AvatarRef = *upd.AvatarRef
	}
	if upd.BannerRef != nil {
		p.BannerRef = *upd.BannerRef
	}
	p.UpdatedAt = s.now().UTC()

	if err := s.store.UpdateProfile(ctx, p); err != nil {
		return nil, fmt.Errorf("service/gateway: updating profile: %w", err)
	}
	s.caches.Profiles.Delete(did)
	return p, nil
}

// Search matches profiles by username or display name and posts by text.
func (s *AggregatorService) Search(ctx context.Context, query, viewer string, limit int) (*model.SearchResult, error) {
	q := strings.TrimSpace(query)
	if q == "" {
		return nil, apperror.ValidationFailed("q", "query is required")
	}
	limit = clampLimit(limit, DefaultSearchLimit, MaxSearchLimit)

	profiles, err := s.store.SearchProfiles(ctx, q, limit)
	if err != nil {
		return nil, fmt.Errorf("service/gateway: searching profiles: %w", err)
	}
	posts, err := s.store.SearchPosts(ctx, q, limit)
	if err != nil {
		return nil, fmt.Errorf("service/gateway: searching posts: %w", err)
	}
	if err := s.enrich(ctx, posts, viewer); err != nil {
		return nil, err
	}
	if profiles == nil {
		profiles = []model.Profile{}
	}
	if posts == nil {
		posts = []model.Post{}
	}
	return &model.SearchResult{Profiles: profiles, Posts: posts}, nil
}

// =========================================================================
// ENRICHMENT
// =========================================================================

// enrich fills vote tallies, reply counts, the viewer's own vote and author names in place.
func (s *AggregatorService) enrich(ctx context.Context, posts []model.Post, viewer string) error {
	if len(posts) == 0 {
		return nil
	}
	hashes := make([]string, len(posts))
	for i, p := range posts {
		hashes[i] = p.Hash
	}

	tallies, err := s.store.TallyVotes(ctx, hashes)
	if err != nil {
		return fmt.Errorf("service/gateway: tallying votes: %w", err)
	}
	replies, err := s.store.CountReplies(ctx, hashes)
	if err != nil {
		return fmt.Errorf("service/gateway: counting replies: %w", err)
	}
	var mine map[string]model.VoteType
	if viewer != "" {
		if mine, err = s.store.ViewerVotes(ctx, viewer, hashes); err != nil {
			return fmt.Errorf("service/gateway: reading viewer votes: %w", err)
		}
	}

	names := map[string]authorNames{}
	for i := range posts {
		t := tallies[posts[i].Hash]
		posts[i].Upvotes = t.Upvotes
		posts[i].Downvotes = t.Downvotes
		posts[i].VoteCount = t.Score()
		posts[i].ReplyCount = replies[posts[i].Hash]
		posts[i].ViewerVote = mine[posts[i].Hash]
		posts[i].Username, posts[i].DisplayName = s.names(ctx, posts[i].DID, names)
	}
	return nil
}

// authorNames is the username and display name shown next to a post.
type authorNames struct{ username, displayName string }

// names resolves did's names without creating a profile. memo spans one request.
func (s *AggregatorService) names(ctx context.Context, did string, memo map[string]authorNames) (string, string) {
	n, ok := memo[did]
	if !ok {
		n = s.lookupNames(ctx, did)
		memo[did] = n
	}
	return n.username, n.displayName
}

func (s *AggregatorService) lookupNames(ctx context.Context, did string) authorNames {
	if p, ok := s.caches.Profiles.Get(did); ok {
		return authorNames{p.Username, p.DisplayName}
	}
	if p, err := s.store.GetProfile(ctx, did); err == nil {
		s.caches.Profiles.Set(did, p)
		return authorNames{p.Username, p.DisplayName}
	}
	name := did
	if parsed, err := identity.ParseDID(did); err == nil {
		name = fallbackUsername(did, parsed.Identifier())
	}
	return authorNames{name, name}
}

// =========================================================================
// HELPERS
// =========================================================================

func (s *AggregatorService) upstreamFailed(upstream, endpoint string, err error) {
	s.logger.Warn("upstream call failed",
		slog.String("upstream", upstream),
		slog.String("endpoint", endpoint),
		slog.Any("error", err),
	)
	if s.metrics != nil {
		s.metrics.UpstreamErrors.WithLabelValues(upstream).Inc()
	}
}

func (s *AggregatorService) cacheLookup(name string, hit bool) {
	if s.metrics != nil {
		s.metrics.CacheLookup(name, hit)
	}
}

func cleanDIDs(dids []string) []string {
	seen := make(map[string]bool, len(dids))
	out := make([]string, 0, len(dids))
	for _, d := range dids {
		d = strings.TrimSpace(d)
		if d == "" || seen[d] {
			continue
		}
		seen[d] = true
		out = append(out, d)
	}
	return out
}

// dedup keeps the first copy of each hash and drops deleted posts.
func dedup(posts []model.Post) []model.Post {
	seen := make(map[string]bool, len(posts))
	out := posts[:0:0]
	for _, p := range posts {
		if p.Deleted || seen[p.Hash] {
			continue
		}
		seen[p.Hash] = true
		out = append(out, p)
	}
	return out
}

func topLevel(posts []model.Post) []model.Post {
	out := posts[:0:0]
	for _, p := range posts {
		if !p.IsReply() {
			out = append(out, p)
		}
	}
	return out
}
