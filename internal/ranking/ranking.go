// Package ranking orders candidate posts for a feed.
//
// Ranking is a pure function of the posts, the policy and "now": no I/O, no randomness.
// Viewer-specific data (the viewer's own vote) is attached to posts before ranking and
// does not change their order.
//
// POLICIES:
//
//	new          timestamp descending, no scoring
//	top          net votes descending
//	hot          votes / (ageSeconds + 2)^1.5, boosted ×1.2 under an hour and ×1.5 under 5 minutes
//	algorithmic  0.5·exp(-age / 7d) + 0.5·ln(votes + 1)   (default)
//
// Negative net votes count as zero inside every formula. Equal scores fall back to newer
// first, then to the hash, so the order is total.
package ranking

import (
	"fmt"
	"math"
	"sort"
	"time"

	"github.com/sakif/relaynet/internal/apperror"
	"github.com/sakif/relaynet/internal/model"
)

type Policy string

const (
	New         Policy = "new"
	Top         Policy = "top"
	Hot         Policy = "hot"
	Algorithmic Policy = "algorithmic"
)

const (
	recencyScale = 7 * 24 * time.Hour
	hotGravity   = 1.5
)

// ParsePolicy maps a query parameter to a policy. Empty means Algorithmic.
func ParsePolicy(s string) (Policy, error) {
	switch p := Policy(s); p {
	case "":
		return Algorithmic, nil
	case New, Top, Hot, Algorithmic:
		return p, nil
	default:
		return "", apperror.ValidationFailed("type", fmt.Sprintf("unknown feed type %q (want new, top, hot or algorithmic)", s))
	}
}

// Rank returns posts ordered by policy. The input slice is not modified.
func Rank(posts []model.Post, policy Policy, now time.Time) []model.Post {
	out := make([]model.Post, len(posts))
	copy(out, posts)

	if policy == New {
		sort.SliceStable(out, func(i, j int) bool { return newer(out[i], out[j]) })
		return out
	}

	scores := make(map[string]float64, len(out))
	for _, p := range out {
		scores[p.Hash] = Score(p, policy, now)
	}
	sort.SliceStable(out, func(i, j int) bool {
		si, sj := scores[out[i].Hash], scores[out[j].Hash]
		if si != sj {
			return si > sj
		}
		return newer(out[i], out[j])
	})
	return out
}

// Score computes the ranking score of one post. New has no score and returns 0.
func Score(p model.Post, policy Policy, now time.Time) float64 {
	votes := float64(max(p.VoteCount, 0))
	age := now.Sub(p.Time())
	if age < 0 {
		age = 0
	}

	switch policy {
	case Top:
		return votes
	case Hot:
		score := votes / math.Pow(age.Seconds()+2, hotGravity)
		switch {
		case age < 5*time.Minute:
			score *= 1.5
		case age < time.Hour:
			score *= 1.2
		}
		return score
	case Algorithmic:
		recency := math.Exp(-age.Seconds() / recencyScale.Seconds())
		return 0.5*recency + 0.5*math.Log(votes+1)
	default:
		return 0
	}
}

// newer orders by timestamp descending, then hash ascending.
func newer(a, b model.Post) bool {
	if a.Timestamp != b.Timestamp {
		return a.Timestamp > b.Timestamp
	}
	return a.Hash < b.Hash
}
