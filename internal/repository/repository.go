// Package repository declares the storage interfaces the services depend on.
//
// Implementations live in sub-packages: pebble backs the Hub message store,
// sqlite backs the PDS and Gateway stores. Services only see these interfaces,
// so tests can inject in-memory fakes.
package repository

import (
	"context"
	"time"

	"github.com/sakif/relaynet/internal/model"
)

// MessageQuery selects Hub messages by author.
type MessageQuery struct {
	Authors []string
	Before  int64 // exclusive upper bound on timestamp (ms); 0 = no bound
	Limit   int
}

// MessageStore persists Hub messages keyed by hash.
type MessageStore interface {
	// PutMessage stores msg unless its hash is already present.
	// inserted reports whether this call wrote it.
	PutMessage(ctx context.Context, msg *model.Message) (inserted bool, err error)
	GetMessage(ctx context.Context, hash string) (*model.Message, error)
	HasMessage(ctx context.Context, hash string) (bool, error)
	// ListByAuthors returns messages newest-first.
	ListByAuthors(ctx context.Context, q MessageQuery) ([]model.Message, error)
	// ListSince returns messages after the cursor in (timestamp, hash) order.
	ListSince(ctx context.Context, after model.MessageCursor, limit int) ([]model.Message, error)
	MarkDeleted(ctx context.Context, hash string) error
	// HighWaterMark is the largest stored timestamp, or 0 for an empty store.
	HighWaterMark(ctx context.Context) (int64, error)
	Count(ctx context.Context) (int, error)
}

// AccountRepository persists PDS accounts.
type AccountRepository interface {
	// CreateAccount returns a Conflict error when the DID or handle is taken.
	CreateAccount(ctx context.Context, acct *model.Account) error
	// UpsertAccount stores a replicated account, keeping any local password hash.
	UpsertAccount(ctx context.Context, acct *model.Account) error
	// DeleteAccount removes an account row. Deleting a missing account is not an error.
	DeleteAccount(ctx context.Context, did string) error
	GetAccount(ctx context.Context, did string) (*model.Account, error)
	GetAccountByHandle(ctx context.Context, handle string) (*model.Account, error)
	GetAccountByWallet(ctx context.Context, address string) (*model.Account, error)
	MarkMigrated(ctx context.Context, did, target string) error
	// AdoptAccount makes this node the home of acct, creating or overwriting the row.
	AdoptAccount(ctx context.Context, acct *model.Account) error
	// SetHome records which peer PDS an account is homed on.
	SetHome(ctx context.Context, did, home string) error
	ListAccounts(ctx context.Context) ([]model.Account, error)
}

// RecordQuery pages through one repository collection, newest-first.
type RecordQuery struct {
	Repo       string
	Collection string
	Before     time.Time // exclusive; zero = no bound
	Limit      int
}

// RecordRepository persists PDS repository records.
type RecordRepository interface {
	// PutRecord stores rec unless its URI is already present.
	PutRecord(ctx context.Context, rec *model.Record) (inserted bool, err error)
	GetRecord(ctx context.Context, uri string) (*model.Record, error)
	ListRecords(ctx context.Context, q RecordQuery) ([]model.Record, error)
	// ListRepo returns every record of a repository, oldest-first (migration export).
	ListRepo(ctx context.Context, repo string) ([]model.Record, error)
	// ListLocalSince returns records of locally homed accounts in storage order, starting after
	// the sequence cursor. The second return value is the cursor for the next call.
	ListLocalSince(ctx context.Context, afterSeq int64, limit int) ([]model.Record, int64, error)
	// ListRepliesTo returns post records, across all repositories, whose reply parent is
	// parentHash. Oldest first.
	ListRepliesTo(ctx context.Context, parentHash string, limit int) ([]model.Record, error)
}

// ProfileRepository persists Gateway profiles.
type ProfileRepository interface {
	GetProfile(ctx context.Context, did string) (*model.Profile, error)
	// CreateProfileIfAbsent inserts p unless a profile for p.DID exists, and returns the stored row.
	CreateProfileIfAbsent(ctx context.Context, p *model.Profile) (*model.Profile, error)
	UpdateProfile(ctx context.Context, p *model.Profile) error
	SearchProfiles(ctx context.Context, query string, limit int) ([]model.Profile, error)
	ListProfileDIDs(ctx context.Context) ([]string, error)
}

// FollowRepository persists follow edges.
type FollowRepository interface {
	UpsertFollow(ctx context.Context, f *model.Follow) error
	// ListFollowing returns the DIDs did actively follows.
	ListFollowing(ctx context.Context, did string) ([]string, error)
	// ListNewFollowers returns active follow edges pointing at did created at or after since.
	ListNewFollowers(ctx context.Context, did string, since time.Time) ([]model.Follow, error)
}

// ReactionRepository persists reactions.
type ReactionRepository interface {
	GetReaction(ctx context.Context, did, targetHash string, typ model.ReactionType) (*model.Reaction, error)
	UpsertReaction(ctx context.Context, r *model.Reaction) error
	CountReactions(ctx context.Context, targetHash string) (map[model.ReactionType]int, error)
	// ListReactionsToAuthor returns active reactions on posts authored by did at or after since.
	ListReactionsToAuthor(ctx context.Context, did string, since time.Time) ([]model.Reaction, error)
}

// VoteRepository persists votes. At most one vote per (did, target).
type VoteRepository interface {
	GetVote(ctx context.Context, did, targetHash string) (*model.Vote, error)
	PutVote(ctx context.Context, v *model.Vote) error
	DeleteVote(ctx context.Context, did, targetHash string) error
	TallyVotes(ctx context.Context, hashes []string) (map[string]model.VoteTally, error)
	ViewerVotes(ctx context.Context, did string, hashes []string) (map[string]model.VoteType, error)
}

// PostQuery selects Gateway posts.
type PostQuery struct {
	Authors      []string // empty = all authors
	Before       int64    // exclusive upper bound on timestamp (ms); 0 = no bound
	Limit        int
	TopLevelOnly bool
}

// PostRepository persists the Gateway's local copy of posts.
type PostRepository interface {
	// PutPost stores p unless its hash is already present.
	PutPost(ctx context.Context, p *model.Post) (inserted bool, err error)
	GetPost(ctx context.Context, hash string) (*model.Post, error)
	ListPosts(ctx context.Context, q PostQuery) ([]model.Post, error)
	ListReplies(ctx context.Context, parentHash string) ([]model.Post, error)
	CountReplies(ctx context.Context, hashes []string) (map[string]int, error)
	// ListRepliesToAuthor returns replies to posts authored by did at or after since.
	ListRepliesToAuthor(ctx context.Context, did string, since time.Time) ([]model.Post, error)
	SearchPosts(ctx context.Context, query string, limit int) ([]model.Post, error)
}
