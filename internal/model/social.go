package model

import "time"

// Profile is the Gateway's view of an account.
//
// Profiles are get-or-create: the first read of a syntactically valid DID materializes one.
type Profile struct {
	DID         string    `json:"did"`
	Username    string    `json:"username"`
	DisplayName string    `json:"displayName"`
	Bio         string    `json:"bio"`
	AvatarRef   string    `json:"avatarRef"`
	BannerRef   string    `json:"bannerRef"`
	Verified    bool      `json:"verified"`
	CreatedAt   time.Time `json:"createdAt"`
	UpdatedAt   time.Time `json:"updatedAt"`
}

// Follow is a directed follow edge. Unfollowing sets Active=false; re-following re-activates it.
type Follow struct {
	FollowerDID  string    `json:"followerDid"`
	FollowingDID string    `json:"followingDid"`
	Timestamp    time.Time `json:"timestamp"`
	Active       bool      `json:"active"`
}

type ReactionType string

const (
	ReactionLike   ReactionType = "like"
	ReactionRepost ReactionType = "repost"
	ReactionQuote  ReactionType = "quote"
)

// Valid reports whether t is a known reaction type.
func (t ReactionType) Valid() bool {
	switch t {
	case ReactionLike, ReactionRepost, ReactionQuote:
		return true
	}
	return false
}

// Reaction is unique per (DID, TargetHash, Type) and toggled through Active.
type Reaction struct {
	DID        string       `json:"did"`
	TargetHash string       `json:"targetHash"`
	Type       ReactionType `json:"type"`
	Timestamp  time.Time    `json:"timestamp"`
	Active     bool         `json:"active"`
}

type VoteType string

const (
	VoteUp   VoteType = "UP"
	VoteDown VoteType = "DOWN"
)

type TargetType string

const (
	TargetPost    TargetType = "post"
	TargetComment TargetType = "comment"
)

// Vote is unique per (DID, TargetHash): a DID holds at most one live vote per target.
type Vote struct {
	DID        string     `json:"did"`
	TargetHash string     `json:"targetHash"`
	TargetType TargetType `json:"targetType"`
	VoteType   VoteType   `json:"voteType"`
	Timestamp  time.Time  `json:"timestamp"`
}

// VoteTally aggregates the votes on one target.
type VoteTally struct {
	Upvotes   int `json:"upvotes"`
	Downvotes int `json:"downvotes"`
}

// Score is the net vote count.
func (v VoteTally) Score() int {
	return v.Upvotes - v.Downvotes
}

type NotificationType string

const (
	NotificationLike   NotificationType = "like"
	NotificationRepost NotificationType = "repost"
	NotificationReply  NotificationType = "reply"
	NotificationFollow NotificationType = "follow"
)

// Notification is a computed view over reactions, replies and follows. Nothing is persisted,
// so there is no read/unread state.
type Notification struct {
	Type          NotificationType `json:"type"`
	ActorDID      string           `json:"actorDid"`
	ActorUsername string           `json:"actorUsername,omitempty"`
	TargetHash    string           `json:"targetHash,omitempty"`
	Text          string           `json:"text,omitempty"`
	Timestamp     time.Time        `json:"timestamp"`
}
