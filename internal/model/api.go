package model

import "encoding/json"

// Request and response bodies shared by the HTTP handlers and the inter-service clients.

// SubmitResult is what a Hub returns for an accepted message.
type SubmitResult struct {
	Hash      string `json:"hash"`
	Status    string `json:"status"`
	Timestamp int64  `json:"timestamp"`
}

const StatusAccepted = "accepted"

// MessageList wraps a batch of Hub messages.
type MessageList struct {
	Messages []Message `json:"messages"`
}

// CreateAccountInput covers the three createAccount payloads: password (handle, email,
// password), wallet (walletAddress, optional handle) and provisioning (did, handle).
type CreateAccountInput struct {
	Handle        string `json:"handle,omitempty"`
	Email         string `json:"email,omitempty"`
	Password      string `json:"password,omitempty"`
	WalletAddress string `json:"walletAddress,omitempty"`
	DID           string `json:"did,omitempty"`
}

// Session is returned by createAccount and createSession.
type Session struct {
	DID        string `json:"did"`
	Handle     string `json:"handle"`
	AccessJwt  string `json:"accessJwt,omitempty"`
	RefreshJwt string `json:"refreshJwt,omitempty"`
}

type CreateSessionInput struct {
	Identifier string `json:"identifier"`
	Password   string `json:"password"`
}

type CreateRecordInput struct {
	Repo       string          `json:"repo"`
	Collection string          `json:"collection"`
	Record     json.RawMessage `json:"record"`
}

// RecordRef identifies a stored record.
type RecordRef struct {
	URI string `json:"uri"`
	CID string `json:"cid"`
}

// RecordPage is one listRecords page. Cursor is empty on the last page.
type RecordPage struct {
	Records []Record `json:"records"`
	Cursor  string   `json:"cursor,omitempty"`
}

// RepoDescription answers describeRepo.
type RepoDescription struct {
	DID         string   `json:"did"`
	Handle      string   `json:"handle"`
	MigratedTo  string   `json:"migratedTo,omitempty"`
	HomePDS     string   `json:"homePds,omitempty"`
	Collections []string `json:"collections"`
}

type MigrateAccountInput struct {
	DID    string `json:"did"`
	NewPDS string `json:"newPds"`
}

// ServerDescription answers describeServer.
type ServerDescription struct {
	DID                  string   `json:"did"`
	AvailableUserDomains []string `json:"availableUserDomains"`
	InviteCodeRequired   bool     `json:"inviteCodeRequired"`
	Peers                []string `json:"peers"`
}

// === Gateway ===

type CreatePostInput struct {
	DID        string   `json:"did"`
	Text       string   `json:"text"`
	ParentHash string   `json:"parentHash,omitempty"`
	Embeds     []string `json:"embeds,omitempty"`
}

// FeedPage is one page of posts. Cursor is the timestamp (Unix ms) to pass as before
// for the next page; it is empty when the page was not full.
type FeedPage struct {
	Posts  []Post `json:"posts"`
	Cursor string `json:"cursor,omitempty"`
}

type FollowInput struct {
	FollowerDID  string `json:"followerDid"`
	FollowingDID string `json:"followingDid"`
}

type FollowList struct {
	DID       string   `json:"did"`
	Following []string `json:"following"`
}

type VoteInput struct {
	DID        string     `json:"did"`
	TargetHash string     `json:"targetHash"`
	TargetType TargetType `json:"targetType"`
	VoteType   VoteType   `json:"voteType"`
}

// VoteResult is the state after a vote. VoteType is empty when the vote was removed.
type VoteResult struct {
	TargetHash string   `json:"targetHash"`
	VoteType   VoteType `json:"voteType,omitempty"`
	Upvotes    int      `json:"upvotes"`
	Downvotes  int      `json:"downvotes"`
	VoteCount  int      `json:"voteCount"`
}

type ReactionInput struct {
	DID        string       `json:"did"`
	TargetHash string       `json:"targetHash"`
	Type       ReactionType `json:"type"`
}

type ReactionResult struct {
	TargetHash string               `json:"targetHash"`
	Type       ReactionType         `json:"type"`
	Active     bool                 `json:"active"`
	Counts     map[ReactionType]int `json:"counts"`
}

// ProfileUpdate carries the editable profile fields. Nil fields are left unchanged.
type ProfileUpdate struct {
	DisplayName *string `json:"displayName,omitempty"`
	Bio         *string `json:"bio,omitempty"`
	AvatarRef   *string `json:"avatarRef,omitempty"`
	BannerRef   *string `json:"bannerRef,omitempty"`
}

type SearchResult struct {
	Profiles []Profile `json:"profiles"`
	Posts    []Post    `json:"posts"`
}

type NotificationList struct {
	Notifications []Notification `json:"notifications"`
}
