package model

import "time"

// PostSource records where the Gateway found a post.
type PostSource string

const (
	SourceHub   PostSource = "hub"
	SourcePDS   PostSource = "pds"
	SourceLocal PostSource = "local"
)

// Post is the Gateway's read model: a message plus enrichment computed at read time.
type Post struct {
	Hash           string     `json:"hash"`
	DID            string     `json:"did"`
	Text           string     `json:"text"`
	ParentHash     string     `json:"parentHash,omitempty"`
	RootParentHash string     `json:"rootParentHash,omitempty"`
	Mentions       []string   `json:"mentions"`
	Embeds         []string   `json:"embeds"`
	Timestamp      int64      `json:"timestamp"`
	Deleted        bool       `json:"deleted"`
	Source         PostSource `json:"source"`

	Username    string   `json:"username,omitempty"`
	DisplayName string   `json:"displayName,omitempty"`
	VoteCount   int      `json:"voteCount"`
	Upvotes     int      `json:"upvotes"`
	Downvotes   int      `json:"downvotes"`
	ViewerVote  VoteType `json:"viewerVote,omitempty"`
	ReplyCount  int      `json:"replyCount"`
}

// IsReply reports whether the post answers another post.
func (p *Post) IsReply() bool {
	return p.ParentHash != ""
}

// Time converts the millisecond timestamp to a time.Time.
func (p *Post) Time() time.Time {
	return time.UnixMilli(p.Timestamp)
}

// PostFromMessage converts a Hub message into a Gateway post.
func PostFromMessage(m *Message, source PostSource) Post {
	return Post{
		Hash:           m.Hash,
		DID:            m.DID,
		Text:           m.Text,
		ParentHash:     m.ParentHash,
		RootParentHash: m.RootParentHash,
		Mentions:       nonNil(m.Mentions),
		Embeds:         nonNil(m.Embeds),
		Timestamp:      m.Timestamp,
		Deleted:        m.Deleted,
		Source:         source,
	}
}

// Message converts a post back into the message shape that was hashed.
func (p *Post) Message() *Message {
	msg := &Message{
		Hash:           p.Hash,
		DID:            p.DID,
		Text:           p.Text,
		ParentHash:     p.ParentHash,
		RootParentHash: p.RootParentHash,
		Mentions:       nonNil(p.Mentions),
		Embeds:         nonNil(p.Embeds),
		Timestamp:      p.Timestamp,
		Deleted:        p.Deleted,
		MessageType:    MessageTypePost,
	}
	if p.ParentHash != "" {
		msg.MessageType = MessageTypeReply
	}
	return msg
}

// PostFromRecord reconstructs a post from a PDS feed-post record. Reply metadata becomes
// ParentHash/RootParentHash. The hash is always recomputed from content; records written
// before the hash field existed take the computed one. ok is false when the record claims
// a hash its content does not produce.
func PostFromRecord(repo string, rec *PostRecord, createdAt time.Time) (p Post, ok bool) {
	p = Post{
		DID:       repo,
		Text:      rec.Text,
		Timestamp: rec.Timestamp,
		Mentions:  nonNil(rec.Mentions),
		Embeds:    nonNil(rec.Embeds),
		Source:    SourcePDS,
	}
	if p.Timestamp == 0 {
		p.Timestamp = createdAt.UnixMilli()
	}
	if rec.Reply != nil {
		p.ParentHash = rec.Reply.Parent.Hash
		p.RootParentHash = rec.Reply.Root.Hash
	}
	p.Hash = p.Message().ComputeHash()
	return p, rec.Hash == "" || rec.Hash == p.Hash
}
