package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/sakif/relaynet/internal/apperror"
	"github.com/sakif/relaynet/internal/model"
	"github.com/sakif/relaynet/internal/repository"
)

var (
	_ repository.FollowRepository   = (*DB)(nil)
	_ repository.ReactionRepository = (*DB)(nil)
	_ repository.VoteRepository     = (*DB)(nil)
)

// =========================================================================
// FOLLOWS
// =========================================================================

// UpsertFollow writes the edge with its active flag; unfollow keeps the row with active=0.
func (db *DB) UpsertFollow(ctx context.Context, f *model.Follow) error {
	_, err := db.conn.ExecContext(ctx,
		`INSERT INTO follows (follower_did, following_did, active, ts) VALUES (?, ?, ?, ?)
		 ON CONFLICT(follower_did, following_did) DO UPDATE SET active = excluded.active, ts = excluded.ts`,
		f.FollowerDID, f.FollowingDID, boolToInt(f.Active), toMicros(f.Timestamp),
	)
	if err != nil {
		return fmt.Errorf("sqlite: upserting follow %s -> %s: %w", f.FollowerDID, f.FollowingDID, err)
	}
	return nil
}

func (db *DB) ListFollowing(ctx context.Context, did string) ([]string, error) {
	rows, err := db.conn.QueryContext(ctx,
		`SELECT following_did FROM follows WHERE follower_did = ? AND active = 1 ORDER BY ts`, did)
	if err != nil {
		return nil, fmt.Errorf("sqlite: listing follows of %s: %w", did, err)
	}
	defer rows.Close()

	dids := []string{}
	for rows.Next() {
		var d string
		if err := rows.Scan(&d); err != nil {
			return nil, fmt.Errorf("sqlite: scanning follow: %w", err)
		}
		dids = append(dids, d)
	}
	return dids, rows.Err()
}

func (db *DB) ListNewFollowers(ctx context.Context, did string, since time.Time) ([]model.Follow, error) {
	rows, err := db.conn.QueryContext(ctx,
		`SELECT follower_did, following_did, active, ts FROM follows
		 WHERE following_did = ? AND active = 1 AND ts >= ? ORDER BY ts DESC`,
		did, toMicros(since),
	)
	if err != nil {
		return nil, fmt.Errorf("sqlite: listing followers of %s: %w", did, err)
	}
	defer rows.Close()

	follows := []model.Follow{}
	for rows.Next() {
		var (
			f      model.Follow
			active int
			ts     int64
		)
		if err := rows.Scan(&f.FollowerDID, &f.FollowingDID, &active, &ts); err != nil {
			return nil, fmt.Errorf("sqlite: scanning follow: %w", err)
		}
		f.Active = active != 0
		f.Timestamp = fromMicros(ts)
		follows = append(follows, f)
	}
	return follows, rows.Err()
}

// =========================================================================
// REACTIONS
// =========================================================================

func (db *DB) GetReaction(ctx context.Context, did, targetHash string, typ model.ReactionType) (*model.Reaction, error) {
	var (
		r      = model.Reaction{DID: did, TargetHash: targetHash, Type: typ}
		active int
		ts     int64
	)
	err := db.conn.QueryRowContext(ctx,
		`SELECT active, ts FROM reactions WHERE did = ? AND target_hash = ? AND type = ?`,
		did, targetHash, string(typ),
	).Scan(&active, &ts)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, apperror.NotFound("reaction", targetHash)
		}
		return nil, fmt.Errorf("sqlite: getting reaction: %w", err)
	}
	r.Active = active != 0
	r.Timestamp = fromMicros(ts)
	return &r, nil
}

func (db *DB) UpsertReaction(ctx context.Context, r *model.Reaction) error {
	_, err := db.conn.ExecContext(ctx,
		`INSERT INTO reactions (did, target_hash, type, active, ts) VALUES (?, ?, ?, ?, ?)
		 ON CONFLICT(did, target_hash, type) DO UPDATE SET active = excluded.active, ts = excluded.ts`,
		r.DID, r.TargetHash, string(r.Type), boolToInt(r.Active), toMicros(r.Timestamp),
	)
	if err != nil {
		return fmt.Errorf("sqlite: upserting reaction: %w", err)
	}
	return nil
}

func (db *DB) CountReactions(ctx context.Context, targetHash string) (map[model.ReactionType]int, error) {
	rows, err := db.conn.QueryContext(ctx,
		`SELECT type, COUNT(*) FROM reactions WHERE target_hash = ? AND active = 1 GROUP BY type`,
		targetHash,
	)
	if err != nil {
		return nil, fmt.Errorf("sqlite: counting reactions on %s: %w", targetHash, err)
	}
	defer rows.Close()

	counts := map[model.ReactionType]int{}
	for rows.Next() {
		var (
			typ string
			n   int
		)
		if err := rows.Scan(&typ, &n); err != nil {
			return nil, fmt.Errorf("sqlite: scanning reaction count: %w", err)
		}
		counts[model.ReactionType(typ)] = n
	}
	return counts, rows.Err()
}

func (db *DB) ListReactionsToAuthor(ctx context.Context, did string, since time.Time) ([]model.Reaction, error) {
	rows, err := db.conn.QueryContext(ctx,
		`SELECT r.did, r.target_hash, r.type, r.ts FROM reactions r
		 JOIN posts p ON p.hash = r.target_hash
		 WHERE p.did = ? AND r.did != ? AND r.active = 1 AND r.ts >= ?
		 ORDER BY r.ts DESC`,
		did, did, toMicros(since),
	)
	if err != nil {
		return nil, fmt.Errorf("sqlite: listing reactions to %s: %w", did, err)
	}
	defer rows.Close()

	reactions := []model.Reaction{}
	for rows.Next() {
		var (
			r   = model.Reaction{Active: true}
			typ string
			ts  int64
		)
		if err := rows.Scan(&r.DID, &r.TargetHash, &typ, &ts); err != nil {
			return nil, fmt.Errorf("sqlite: scanning reaction: %w", err)
		}
		r.Type = model.ReactionType(typ)
		r.Timestamp = fromMicros(ts)
		reactions = append(reactions, r)
	}
	return reactions, rows.Err()
}

// =========================================================================
// VOTES
// =========================================================================

func (db *DB) GetVote(ctx context.Context, did, targetHash string) (*model.Vote, error) {
	var (
		v                    = model.Vote{DID: did, TargetHash: targetHash}
		targetType, voteType string
		ts                   int64
	)
	err := db.conn.QueryRowContext(ctx,
		`SELECT target_type, vote_type, ts FROM votes WHERE did = ? AND target_hash = ?`,
		did, targetHash,
	).Scan(&targetType, &voteType, &ts)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, apperror.NotFound("vote", targetHash)
		}
		return nil, fmt.Errorf("sqlite: getting vote: %w", err)
	}
	v.TargetType = model.TargetType(targetType)
	v.VoteType = model.VoteType(voteType)
	v.Timestamp = fromMicros(ts)
	return &v, nil
}

// PutVote replaces the caller's vote on the target. The primary key guarantees one row.
func (db *DB) PutVote(ctx context.Context, v *model.Vote) error {
	_, err := db.conn.ExecContext(ctx,
		`INSERT INTO votes (did, target_hash, target_type, vote_type, ts) VALUES (?, ?, ?, ?, ?)
		 ON CONFLICT(did, target_hash) DO UPDATE SET
			target_type = excluded.target_type, vote_type = excluded.vote_type, ts = excluded.ts`,
		v.DID, v.TargetHash, string(v.TargetType), string(v.VoteType), toMicros(v.Timestamp),
	)
	if err != nil {
		return fmt.Errorf("sqlite: putting vote: %w", err)
	}
	return nil
}

func (db *DB) DeleteVote(ctx context.Context, did, targetHash string) error {
	_, err := db.conn.ExecContext(ctx,
		`DELETE FROM votes WHERE did = ? AND target_hash = ?`, did, targetHash)
	if err != nil {
		return fmt.Errorf("sqlite: deleting vote: %w", err)
	}
	return nil
}

func (db *DB) TallyVotes(ctx context.Context, hashes []string) (map[string]model.VoteTally, error) {
	tallies := make(map[string]model.VoteTally, len(hashes))
	if len(hashes) == 0 {
		return tallies, nil
	}
	in, args := placeholders(hashes)
	rows, err := db.conn.QueryContext(ctx,
		`SELECT target_hash,
			SUM(CASE WHEN vote_type = 'UP' THEN 1 ELSE 0 END),
			SUM(CASE WHEN vote_type = 'DOWN' THEN 1 ELSE 0 END)
		 FROM votes WHERE target_hash IN (`+in+`) GROUP BY target_hash`,
		args...,
	)
	if err != nil {
		return nil, fmt.Errorf("sqlite: tallying votes: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var (
			hash string
			t    model.VoteTally
		)
		if err := rows.Scan(&hash, &t.Upvotes, &t.Downvotes); err != nil {
			return nil, fmt.Errorf("sqlite: scanning tally: %w", err)
		}
		tallies[hash] = t
	}
	return tallies, rows.Err()
}

func (db *DB) ViewerVotes(ctx context.Context, did string, hashes []string) (map[string]model.VoteType, error) {
	votes := make(map[string]model.VoteType)
	if did == "" || len(hashes) == 0 {
		return votes, nil
	}
	in, args := placeholders(hashes)
	rows, err := db.conn.QueryContext(ctx,
		`SELECT target_hash, vote_type FROM votes WHERE did = ? AND target_hash IN (`+in+`)`,
		append([]any{did}, args...)...,
	)
	if err != nil {
		return nil, fmt.Errorf("sqlite: loading viewer votes: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var hash, vt string
		if err := rows.Scan(&hash, &vt); err != nil {
			return nil, fmt.Errorf("sqlite: scanning vote: %w", err)
		}
		votes[hash] = model.VoteType(vt)
	}
	return votes, rows.Err()
}
