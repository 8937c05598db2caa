package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/sakif/relaynet/internal/apperror"
	"github.com/sakif/relaynet/internal/model"
	"github.com/sakif/relaynet/internal/repository"
)

var _ repository.PostRepository = (*DB)(nil)

const postColumns = `hash, did, text, parent_hash, root_parent_hash, mentions, embeds, timestamp, deleted, source`

// PutPost inserts p unless the hash is known. Posts are content-addressed, so the first
// copy wins and later copies are identical anyway.
func (db *DB) PutPost(ctx context.Context, p *model.Post) (bool, error) {
	mentions, err := json.Marshal(nonNil(p.Mentions))
	if err != nil {
		return false, fmt.Errorf("sqlite: encoding mentions: %w", err)
	}
	embeds, err := json.Marshal(nonNil(p.Embeds))
	if err != nil {
		return false, fmt.Errorf("sqlite: encoding embeds: %w", err)
	}
	source := p.Source
	if source == "" {
		source = model.SourceLocal
	}

	res, err := db.conn.ExecContext(ctx,
		`INSERT INTO posts (`+postColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(hash) DO NOTHING`,
		p.Hash, p.DID, p.Text, p.ParentHash, p.RootParentHash, string(mentions), string(embeds),
		p.Timestamp, boolToInt(p.Deleted), string(source),
	)
	if err != nil {
		return false, fmt.Errorf("sqlite: inserting post %s: %w", p.Hash, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("sqlite: checking rows affected: %w", err)
	}
	return n == 1, nil
}

func (db *DB) GetPost(ctx context.Context, hash string) (*model.Post, error) {
	row := db.conn.QueryRowContext(ctx, `SELECT `+postColumns+` FROM posts WHERE hash = ?`, hash)
	p, err := scanPost(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, apperror.NotFound("post", hash)
		}
		return nil, fmt.Errorf("sqlite: getting post %s: %w", hash, err)
	}
	return p, nil
}

// ListPosts returns non-deleted posts newest-first.
func (db *DB) ListPosts(ctx context.Context, q repository.PostQuery) ([]model.Post, error) {
	var (
		where = []string{"deleted = 0"}
		args  []any
	)
	if len(q.Authors) > 0 {
		in, authorArgs := placeholders(q.Authors)
		where = append(where, "did IN ("+in+")")
		args = append(args, authorArgs...)
	}
	if q.Before > 0 {
		where = append(where, "timestamp < ?")
		args = append(args, q.Before)
	}
	if q.TopLevelOnly {
		where = append(where, "parent_hash = ''")
	}
	args = append(args, q.Limit)

	return db.queryPosts(ctx,
		`SELECT `+postColumns+` FROM posts WHERE `+strings.Join(where, " AND ")+
			` ORDER BY timestamp DESC, hash LIMIT ?`,
		args...)
}

// ListReplies returns direct replies oldest-first, the order a thread is read in.
func (db *DB) ListReplies(ctx context.Context, parentHash string) ([]model.Post, error) {
	return db.queryPosts(ctx,
		`SELECT `+postColumns+` FROM posts WHERE parent_hash = ? AND deleted = 0
		 ORDER BY timestamp, hash`,
		parentHash)
}

func (db *DB) CountReplies(ctx context.Context, hashes []string) (map[string]int, error) {
	counts := make(map[string]int, len(hashes))
	if len(hashes) == 0 {
		return counts, nil
	}
	in, args := placeholders(hashes)
	rows, err := db.conn.QueryContext(ctx,
		`SELECT parent_hash, COUNT(*) FROM posts
		 WHERE parent_hash IN (`+in+`) AND deleted = 0 GROUP BY parent_hash`,
		args...)
	if err != nil {
		return nil, fmt.Errorf("sqlite: counting replies: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var (
			hash string
			n    int
		)
		if err := rows.Scan(&hash, &n); err != nil {
			return nil, fmt.Errorf("sqlite: scanning reply count: %w", err)
		}
		counts[hash] = n
	}
	return counts, rows.Err()
}

func (db *DB) ListRepliesToAuthor(ctx context.Context, did string, since time.Time) ([]model.Post, error) {
	return db.queryPosts(ctx,
		`SELECT r.hash, r.did, r.text, r.parent_hash, r.root_parent_hash, r.mentions, r.embeds,
			r.timestamp, r.deleted, r.source
		 FROM posts r JOIN posts p ON p.hash = r.parent_hash
		 WHERE p.did = ? AND r.did != ? AND r.deleted = 0 AND r.timestamp >= ?
		 ORDER BY r.timestamp DESC`,
		did, did, since.UnixMilli())
}

func (db *DB) SearchPosts(ctx context.Context, query string, limit int) ([]model.Post, error) {
	return db.queryPosts(ctx,
		`SELECT `+postColumns+` FROM posts
		 WHERE deleted = 0 AND lower(text) LIKE ? ESCAPE '\'
		 ORDER BY timestamp DESC LIMIT ?`,
		"%"+escapeLike(strings.ToLower(query))+"%", limit)
}

func (db *DB) queryPosts(ctx context.Context, query string, args ...any) ([]model.Post, error) {
	rows, err := db.conn.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("sqlite: listing posts: %w", err)
	}
	defer rows.Close()

	posts := []model.Post{}
	for rows.Next() {
		p, err := scanPost(rows)
		if err != nil {
			return nil, fmt.Errorf("sqlite: scanning post: %w", err)
		}
		posts = append(posts, *p)
	}
	return posts, rows.Err()
}

func scanPost(s scanner) (*model.Post, error) {
	var (
		p                model.Post
		mentions, embeds string
		deleted          int
		source           string
	)
	err := s.Scan(&p.Hash, &p.DID, &p.Text, &p.ParentHash, &p.RootParentHash, &mentions, &embeds,
		&p.Timestamp, &deleted, &source)
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(mentions), &p.Mentions); err != nil {
		return nil, fmt.Errorf("decoding mentions: %w", err)
	}
	if err := json.Unmarshal([]byte(embeds), &p.Embeds); err != nil {
		return nil, fmt.Errorf("decoding embeds: %w", err)
	}
	p.Deleted = deleted != 0
	p.Source = model.PostSource(source)
	return &p, nil
}

func nonNil(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}
