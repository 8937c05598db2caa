package ranking

import (
	"errors"
	"math"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sakif/relaynet/internal/apperror"
	"github.com/sakif/relaynet/internal/model"
)

var now = time.Date(2026, 5, 10, 12, 0, 0, 0, time.UTC)

func post(hash string, age time.Duration, votes int) model.Post {
	return model.Post{Hash: hash, Timestamp: now.Add(-age).UnixMilli(), VoteCount: votes}
}

func hashes(posts []model.Post) []string {
	out := make([]string, len(posts))
	for i, p := range posts {
		out[i] = p.Hash
	}
	return out
}

func TestRank_New(t *testing.T) {
	posts := []model.Post{
		post("a", 3*time.Hour, 100),
		post("b", time.Minute, 0),
		post("c", time.Hour, 5),
	}
	assert.Equal(t, []string{"b", "c", "a"}, hashes(Rank(posts, New, now)), "votes are ignored")
}

func TestRank_Top(t *testing.T) {
	posts := []model.Post{
		post("a", time.Hour, 3),
		post("b", 2*time.Hour, 10),
		post("c", 3*time.Hour, 3),
		post("d", time.Minute, -4),
		post("e", 2*time.Minute, 0),
	}
	// a and c tie on votes: newer first. d's negative score clamps to 0, tying e; d is newer.
	assert.Equal(t, []string{"b", "a", "c", "d", "e"}, hashes(Rank(posts, Top, now)))
}

func TestRank_TieBreakIsTotal(t *testing.T) {
	posts := []model.Post{post("z", time.Hour, 1), post("m", time.Hour, 1), post("a", time.Hour, 1)}
	for _, p := range []Policy{New, Top, Hot, Algorithmic} {
		assert.Equal(t, []string{"a", "m", "z"}, hashes(Rank(posts, p, now)), string(p))
	}
}

func TestRank_DoesNotMutateInput(t *testing.T) {
	posts := []model.Post{post("a", time.Hour, 1), post("b", time.Minute, 9)}
	Rank(posts, Top, now)
	assert.Equal(t, []string{"a", "b"}, hashes(posts))
}

func TestScore_Hot(t *testing.T) {
	hot := func(votes, seconds float64) float64 { return votes / math.Pow(seconds+2, 1.5) }

	assert.InDelta(t, hot(10, 60)*1.5, Score(post("a", time.Minute, 10), Hot, now), 1e-12)
	assert.InDelta(t, hot(10, 1800)*1.2, Score(post("b", 30*time.Minute, 10), Hot, now), 1e-12)
	assert.InDelta(t, hot(10, 7200), Score(post("c", 2*time.Hour, 10), Hot, now), 1e-12)
	assert.Zero(t, Score(post("d", time.Minute, -3), Hot, now))
}

func TestScore_Algorithmic(t *testing.T) {
	// Brand new, no votes: the full recency half.
	assert.InDelta(t, 0.5, Score(post("a", 0, 0), Algorithmic, now), 1e-9)

	// A week old: recency has decayed to 1/e.
	assert.InDelta(t, 0.5*math.Exp(-1), Score(post("b", 7*24*time.Hour, 0), Algorithmic, now), 1e-9)

	// Popularity can outrank recency.
	popular := post("old", 3*24*time.Hour, 50)
	fresh := post("new", time.Minute, 0)
	assert.Equal(t, []string{"old", "new"}, hashes(Rank([]model.Post{fresh, popular}, Algorithmic, now)))
}

func TestScore_FutureTimestampCountsAsNow(t *testing.T) {
	future := post("f", -time.Hour, 0)
	assert.InDelta(t, 0.5, Score(future, Algorithmic, now), 1e-9)
}

func TestParsePolicy(t *testing.T) {
	p, err := ParsePolicy("")
	require.NoError(t, err)
	assert.Equal(t, Algorithmic, p)

	p, err = ParsePolicy("hot")
	require.NoError(t, err)
	assert.Equal(t, Hot, p)

	_, err = ParsePolicy("random")
	assert.True(t, errors.Is(err, apperror.ErrValidation))
}
