package model

import (
	"encoding/json"
	"time"
)

// Record collections observed on the network.
const (
	CollectionPost    = "app.proto.feed.post"
	CollectionFollow  = "app.proto.graph.follow"
	CollectionProfile = "app.proto.actor.profile"
)

// Record is a single immutable item in one account's repository.
//
// URI has the form at://<repo>/<collection>/<rkey>, where RKey is a TID minted from
// the creation instant, so URIs are unique per repo+collection+instant.
type Record struct {
	URI        string          `json:"uri"`
	Repo       string          `json:"repo"`
	Collection string          `json:"collection"`
	RKey       string          `json:"rkey"`
	CID        string          `json:"cid"`
	Data       json.RawMessage `json:"value"`
	CreatedAt  time.Time       `json:"createdAt"`
}

// Account is a PDS account. One account per DID.
//
// HomePDS is empty for accounts created on this node and set for accounts that
// arrived through replication. Replicated accounts never carry a password hash.
type Account struct {
	DID           string    `json:"did"`
	Handle        string    `json:"handle"`
	Email         string    `json:"email,omitempty"`
	PasswordHash  string    `json:"-"`
	WalletAddress string    `json:"walletAddress,omitempty"`
	MigratedTo    string    `json:"migratedTo,omitempty"`
	HomePDS       string    `json:"homePds,omitempty"`
	CreatedAt     time.Time `json:"createdAt"`
}

// IsLocal reports whether this node is the account's home.
func (a *Account) IsLocal() bool {
	return a.HomePDS == ""
}

// IsMigrated reports whether the account moved to another PDS.
func (a *Account) IsMigrated() bool {
	return a.MigratedTo != ""
}

// StrongRef points at another post by hash (and optionally by record URI).
type StrongRef struct {
	Hash string `json:"hash"`
	URI  string `json:"uri,omitempty"`
}

// ReplyRef is the reply metadata embedded in a post record.
type ReplyRef struct {
	Root   StrongRef `json:"root"`
	Parent StrongRef `json:"parent"`
}

// PostRecord is the data stored under CollectionPost.
// Hash and Timestamp are the Hub message identity of the post, so a post found on a PDS
// and the same post found on a Hub deduplicate by hash.
type PostRecord struct {
	Type      string    `json:"$type"`
	Text      string    `json:"text"`
	Hash      string    `json:"hash"`
	Timestamp int64     `json:"timestamp"`
	CreatedAt string    `json:"createdAt"`
	Reply     *ReplyRef `json:"reply,omitempty"`
	Mentions  []string  `json:"mentions,omitempty"`
	Embeds    []string  `json:"embeds,omitempty"`
}

// FollowRecord is the data stored under CollectionFollow.
type FollowRecord struct {
	Type      string `json:"$type"`
	Subject   string `json:"subject"`
	CreatedAt string `json:"createdAt"`
}

// ProfileRecord is the data stored under CollectionProfile.
type ProfileRecord struct {
	Type        string `json:"$type"`
	DisplayName string `json:"displayName"`
	Description string `json:"description,omitempty"`
}

// RepoBatch is a page of replicated repository data exchanged between PDS nodes.
// Origin is the base URL of the PDS the accounts are homed on.
type RepoBatch struct {
	Origin   string    `json:"origin"`
	Accounts []Account `json:"accounts"`
	Records  []Record  `json:"records"`
	Cursor   int64     `json:"cursor"`
}

// RepoExport is a full account export sent to the new home during migration.
// It is the only shape that carries a password hash between nodes.
type RepoExport struct {
	Origin       string   `json:"origin"`
	Account      Account  `json:"account"`
	PasswordHash string   `json:"passwordHash,omitempty"`
	Records      []Record `json:"records"`
}

// MigrationNotice tells peer PDS nodes that an account has a new home.
type MigrationNotice struct {
	DID    string `json:"did"`
	NewPDS string `json:"newPds"`
	Origin string `json:"origin"`
}
