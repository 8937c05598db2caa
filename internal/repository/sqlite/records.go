package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/sakif/relaynet/internal/apperror"
	"github.com/sakif/relaynet/internal/model"
	"github.com/sakif/relaynet/internal/repository"
)

var _ repository.RecordRepository = (*DB)(nil)

const recordColumns = `uri, repo, collection, rkey, cid, data, created_at`

// PutRecord inserts rec. Records are immutable, so a second write of the same URI is a no-op.
func (db *DB) PutRecord(ctx context.Context, rec *model.Record) (bool, error) {
	res, err := db.conn.ExecContext(ctx,
		`INSERT INTO records (`+recordColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(uri) DO NOTHING`,
		rec.URI, rec.Repo, rec.Collection, rec.RKey, rec.CID, string(rec.Data), toMicros(rec.CreatedAt),
	)
	if err != nil {
		return false, fmt.Errorf("sqlite: inserting record %s: %w", rec.URI, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("sqlite: checking rows affected: %w", err)
	}
	return n == 1, nil
}

func (db *DB) GetRecord(ctx context.Context, uri string) (*model.Record, error) {
	row := db.conn.QueryRowContext(ctx, `SELECT `+recordColumns+` FROM records WHERE uri = ?`, uri)
	rec, err := scanRecord(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, apperror.NotFound("record", uri)
		}
		return nil, fmt.Errorf("sqlite: getting record %s: %w", uri, err)
	}
	return rec, nil
}

// ListRecords pages newest-first. Ties on created_at fall back to the rkey so pages are stable.
func (db *DB) ListRecords(ctx context.Context, q repository.RecordQuery) ([]model.Record, error) {
	query := `SELECT ` + recordColumns + ` FROM records WHERE repo = ? AND collection = ?`
	args := []any{q.Repo, q.Collection}
	if !q.Before.IsZero() {
		query += ` AND created_at < ?`
		args = append(args, toMicros(q.Before))
	}
	query += ` ORDER BY created_at DESC, rkey DESC LIMIT ?`
	args = append(args, q.Limit)

	return db.queryRecords(ctx, query, args...)
}

func (db *DB) ListRepo(ctx context.Context, repo string) ([]model.Record, error) {
	return db.queryRecords(ctx,
		`SELECT `+recordColumns+` FROM records WHERE repo = ? ORDER BY created_at, rkey`, repo)
}

func (db *DB) ListRepliesTo(ctx context.Context, parentHash string, limit int) ([]model.Record, error) {
	return db.queryRecords(ctx,
		`SELECT `+recordColumns+` FROM records
		 WHERE collection = ? AND json_extract(data, '$.reply.parent.hash') = ?
		 ORDER BY created_at, rkey LIMIT ?`,
		model.CollectionPost, parentHash, limit)
}

// ListLocalSince walks records by rowid. Only records of accounts homed on this node are
// returned, so a pull never echoes back what this node itself received from peers.
func (db *DB) ListLocalSince(ctx context.Context, afterSeq int64, limit int) ([]model.Record, int64, error) {
	rows, err := db.conn.QueryContext(ctx,
		`SELECT r.rowid, r.uri, r.repo, r.collection, r.rkey, r.cid, r.data, r.created_at
		 FROM records r JOIN accounts a ON a.did = r.repo
		 WHERE r.rowid > ? AND a.home_pds = ''
		 ORDER BY r.rowid LIMIT ?`,
		afterSeq, limit,
	)
	if err != nil {
		return nil, afterSeq, fmt.Errorf("sqlite: listing records since %d: %w", afterSeq, err)
	}
	defer rows.Close()

	cursor := afterSeq
	records := []model.Record{}
	for rows.Next() {
		var (
			seq       int64
			rec       model.Record
			data      string
			createdAt int64
		)
		if err := rows.Scan(&seq, &rec.URI, &rec.Repo, &rec.Collection, &rec.RKey, &rec.CID, &data, &createdAt); err != nil {
			return nil, afterSeq, fmt.Errorf("sqlite: scanning record: %w", err)
		}
		rec.Data = []byte(data)
		rec.CreatedAt = fromMicros(createdAt)
		records = append(records, rec)
		cursor = seq
	}
	return records, cursor, rows.Err()
}

func (db *DB) queryRecords(ctx context.Context, query string, args ...any) ([]model.Record, error) {
	rows, err := db.conn.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("sqlite: listing records: %w", err)
	}
	defer rows.Close()

	records := []model.Record{}
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, fmt.Errorf("sqlite: scanning record: %w", err)
		}
		records = append(records, *rec)
	}
	return records, rows.Err()
}

func scanRecord(s scanner) (*model.Record, error) {
	var (
		rec       model.Record
		data      string
		createdAt int64
	)
	if err := s.Scan(&rec.URI, &rec.Repo, &rec.Collection, &rec.RKey, &rec.CID, &data, &createdAt); err != nil {
		return nil, err
	}
	rec.Data = []byte(data)
	rec.CreatedAt = fromMicros(createdAt)
	return &rec, nil
}
