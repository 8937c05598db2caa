package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"github.com/sakif/relaynet/internal/apperror"
	"github.com/sakif/relaynet/internal/model"
	"github.com/sakif/relaynet/internal/repository"
)

var _ repository.ProfileRepository = (*DB)(nil)

const profileColumns = `did, username, display_name, bio, avatar_ref, banner_ref, verified, created_at, updated_at`

func (db *DB) GetProfile(ctx context.Context, did string) (*model.Profile, error) {
	row := db.conn.QueryRowContext(ctx, `SELECT `+profileColumns+` FROM profiles WHERE did = ?`, did)
	p, err := scanProfile(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, apperror.NotFound("profile", did)
		}
		return nil, fmt.Errorf("sqlite: getting profile %s: %w", did, err)
	}
	return p, nil
}

// CreateProfileIfAbsent is the conditional write behind get-or-create. Two concurrent
// first reads both land here; ON CONFLICT DO NOTHING keeps the first row and both
// callers read it back.
func (db *DB) CreateProfileIfAbsent(ctx context.Context, p *model.Profile) (*model.Profile, error) {
	_, err := db.conn.ExecContext(ctx,
		`INSERT INTO profiles (`+profileColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(did) DO NOTHING`,
		p.DID, p.Username, p.DisplayName, p.Bio, p.AvatarRef, p.BannerRef, boolToInt(p.Verified),
		toMicros(p.CreatedAt), toMicros(p.UpdatedAt),
	)
	if err != nil {
		return nil, fmt.Errorf("sqlite: creating profile %s: %w", p.DID, err)
	}
	return db.GetProfile(ctx, p.DID)
}

func (db *DB) UpdateProfile(ctx context.Context, p *model.Profile) error {
	res, err := db.conn.ExecContext(ctx,
		`UPDATE profiles SET username = ?, display_name = ?, bio = ?, avatar_ref = ?, banner_ref = ?,
			verified = ?, updated_at = ?
		 WHERE did = ?`,
		p.Username, p.DisplayName, p.Bio, p.AvatarRef, p.BannerRef, boolToInt(p.Verified),
		toMicros(p.UpdatedAt), p.DID,
	)
	if err != nil {
		return fmt.Errorf("sqlite: updating profile %s: %w", p.DID, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("sqlite: checking rows affected: %w", err)
	}
	if n == 0 {
		return apperror.NotFound("profile", p.DID)
	}
	return nil
}

// SearchProfiles matches username or display name, case-insensitively.
func (db *DB) SearchProfiles(ctx context.Context, query string, limit int) ([]model.Profile, error) {
	pattern := "%" + escapeLike(strings.ToLower(query)) + "%"
	rows, err := db.conn.QueryContext(ctx,
		`SELECT `+profileColumns+` FROM profiles
		 WHERE lower(username) LIKE ? ESCAPE '\' OR lower(display_name) LIKE ? ESCAPE '\'
		 ORDER BY username LIMIT ?`,
		pattern, pattern, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("sqlite: searching profiles: %w", err)
	}
	defer rows.Close()

	profiles := []model.Profile{}
	for rows.Next() {
		p, err := scanProfile(rows)
		if err != nil {
			return nil, fmt.Errorf("sqlite: scanning profile: %w", err)
		}
		profiles = append(profiles, *p)
	}
	return profiles, rows.Err()
}

func (db *DB) ListProfileDIDs(ctx context.Context) ([]string, error) {
	rows, err := db.conn.QueryContext(ctx, `SELECT did FROM profiles ORDER BY created_at`)
	if err != nil {
		return nil, fmt.Errorf("sqlite: listing profiles: %w", err)
	}
	defer rows.Close()

	dids := []string{}
	for rows.Next() {
		var did string
		if err := rows.Scan(&did); err != nil {
			return nil, fmt.Errorf("sqlite: scanning did: %w", err)
		}
		dids = append(dids, did)
	}
	return dids, rows.Err()
}

func scanProfile(s scanner) (*model.Profile, error) {
	var (
		p                    model.Profile
		verified             int
		createdAt, updatedAt int64
	)
	err := s.Scan(&p.DID, &p.Username, &p.DisplayName, &p.Bio, &p.AvatarRef, &p.BannerRef,
		&verified, &createdAt, &updatedAt)
	if err != nil {
		return nil, err
	}
	p.Verified = verified != 0
	p.CreatedAt = fromMicros(createdAt)
	p.UpdatedAt = fromMicros(updatedAt)
	return &p, nil
}

// escapeLike escapes LIKE wildcards in user input.
func escapeLike(s string) string {
	r := strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)
	return r.Replace(s)
}
