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

// compile-time check that *DB implements repository.AccountRepository
var _ repository.AccountRepository = (*DB)(nil)

const accountColumns = `did, handle, email, password_hash, wallet_address, migrated_to, home_pds, created_at`

// CreateAccount inserts a new account. The UNIQUE constraints on did and handle turn a
// concurrent duplicate into a Conflict instead of a second row.
func (db *DB) CreateAccount(ctx context.Context, a *model.Account) error {
	a.WalletAddress = strings.ToLower(a.WalletAddress)
	_, err := db.conn.ExecContext(ctx,
		`INSERT INTO accounts (`+accountColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		a.DID, a.Handle, a.Email, a.PasswordHash, a.WalletAddress, a.MigratedTo, a.HomePDS,
		toMicros(a.CreatedAt),
	)
	if err != nil {
		if isUniqueViolation(err) {
			if strings.Contains(err.Error(), "handle") {
				return apperror.Conflict("handle", a.Handle)
			}
			return apperror.Conflict("account", a.DID)
		}
		return fmt.Errorf("sqlite: inserting account %s: %w", a.DID, err)
	}
	return nil
}

// UpsertAccount stores an account received from a peer. A local password hash is never
// overwritten, and migratedTo only ever moves from empty to set.
func (db *DB) UpsertAccount(ctx context.Context, a *model.Account) error {
	_, err := db.conn.ExecContext(ctx,
		`INSERT INTO accounts (`+accountColumns+`) VALUES (?, ?, ?, '', ?, ?, ?, ?)
		 ON CONFLICT(did) DO UPDATE SET
			email = excluded.email,
			wallet_address = excluded.wallet_address,
			migrated_to = CASE WHEN accounts.migrated_to = '' THEN excluded.migrated_to ELSE accounts.migrated_to END`,
		a.DID, a.Handle, a.Email, strings.ToLower(a.WalletAddress), a.MigratedTo, a.HomePDS,
		toMicros(a.CreatedAt),
	)
	if err != nil {
		if isUniqueViolation(err) {
			return apperror.Conflict("handle", a.Handle)
		}
		return fmt.Errorf("sqlite: upserting account %s: %w", a.DID, err)
	}
	return nil
}

func (db *DB) DeleteAccount(ctx context.Context, did string) error {
	if _, err := db.conn.ExecContext(ctx, `DELETE FROM accounts WHERE did = ?`, did); err != nil {
		return fmt.Errorf("sqlite: deleting account %s: %w", did, err)
	}
	return nil
}

func (db *DB) GetAccount(ctx context.Context, did string) (*model.Account, error) {
	return db.getAccountWhere(ctx, "did = ?", did)
}

func (db *DB) GetAccountByHandle(ctx context.Context, handle string) (*model.Account, error) {
	return db.getAccountWhere(ctx, "handle = ?", handle)
}

func (db *DB) GetAccountByWallet(ctx context.Context, address string) (*model.Account, error) {
	if address == "" {
		return nil, apperror.NotFound("account", "wallet")
	}
	return db.getAccountWhere(ctx, "wallet_address = ?", strings.ToLower(address))
}

func (db *DB) getAccountWhere(ctx context.Context, where, arg string) (*model.Account, error) {
	row := db.conn.QueryRowContext(ctx,
		`SELECT `+accountColumns+` FROM accounts WHERE `+where, arg)
	a, err := scanAccount(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, apperror.NotFound("account", arg)
		}
		return nil, fmt.Errorf("sqlite: getting account %s: %w", arg, err)
	}
	return a, nil
}

// MarkMigrated records that did moved to target. Migration is one-way, so marking an
// already migrated account is a Conflict.
func (db *DB) MarkMigrated(ctx context.Context, did, target string) error {
	res, err := db.conn.ExecContext(ctx,
		`UPDATE accounts SET migrated_to = ? WHERE did = ? AND migrated_to = ''`, target, did)
	if err != nil {
		return fmt.Errorf("sqlite: marking %s migrated: %w", did, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("sqlite: checking rows affected: %w", err)
	}
	if n == 0 {
		if _, err := db.GetAccount(ctx, did); err != nil {
			return err
		}
		return apperror.Conflict("migration", did)
	}
	return nil
}

// AdoptAccount is used by the migration target: the account becomes local, keeps the
// password hash from the export and loses any previous migration mark.
func (db *DB) AdoptAccount(ctx context.Context, a *model.Account) error {
	_, err := db.conn.ExecContext(ctx,
		`INSERT INTO accounts (`+accountColumns+`) VALUES (?, ?, ?, ?, ?, '', '', ?)
		 ON CONFLICT(did) DO UPDATE SET
			handle = excluded.handle,
			email = excluded.email,
			password_hash = excluded.password_hash,
			wallet_address = excluded.wallet_address,
			migrated_to = '',
			home_pds = ''`,
		a.DID, a.Handle, a.Email, a.PasswordHash, strings.ToLower(a.WalletAddress),
		toMicros(a.CreatedAt),
	)
	if err != nil {
		if isUniqueViolation(err) {
			return apperror.Conflict("handle", a.Handle)
		}
		return fmt.Errorf("sqlite: adopting account %s: %w", a.DID, err)
	}
	return nil
}

func (db *DB) SetHome(ctx context.Context, did, home string) error {
	res, err := db.conn.ExecContext(ctx, `UPDATE accounts SET home_pds = ? WHERE did = ?`, home, did)
	if err != nil {
		return fmt.Errorf("sqlite: setting home of %s: %w", did, err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return apperror.NotFound("account", did)
	}
	return nil
}

func (db *DB) ListAccounts(ctx context.Context) ([]model.Account, error) {
	rows, err := db.conn.QueryContext(ctx,
		`SELECT `+accountColumns+` FROM accounts ORDER BY created_at`)
	if err != nil {
		return nil, fmt.Errorf("sqlite: listing accounts: %w", err)
	}
	defer rows.Close()

	accounts := []model.Account{}
	for rows.Next() {
		a, err := scanAccount(rows)
		if err != nil {
			return nil, fmt.Errorf("sqlite: scanning account: %w", err)
		}
		accounts = append(accounts, *a)
	}
	return accounts, rows.Err()
}

// scanner is satisfied by both *sql.Row and *sql.Rows.
type scanner interface {
	Scan(dest ...any) error
}

func scanAccount(s scanner) (*model.Account, error) {
	var (
		a         model.Account
		createdAt int64
	)
	err := s.Scan(&a.DID, &a.Handle, &a.Email, &a.PasswordHash, &a.WalletAddress,
		&a.MigratedTo, &a.HomePDS, &createdAt)
	if err != nil {
		return nil, err
	}
	a.CreatedAt = fromMicros(createdAt)
	return &a, nil
}
