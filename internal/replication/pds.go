package replication

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"github.com/sakif/relaynet/internal/apperror"
	"github.com/sakif/relaynet/internal/metrics"
	"github.com/sakif/relaynet/internal/model"
	"github.com/sakif/relaynet/internal/repository"
)

const DefaultPullBatch = 500

// PDSPeer is the peer-facing API of another PDS. client.PDSClient implements it.
type PDSPeer interface {
	ApplyRecords(ctx context.Context, peer string, batch model.RepoBatch) error
	ListSince(ctx context.Context, peer string, cursor int64, limit int) (model.RepoBatch, error)
	ImportRepo(ctx context.Context, peer string, export model.RepoExport) error
	NotifyMigration(ctx context.Context, peer string, notice model.MigrationNotice) error
}

// PDSSync replicates accounts and records between PDS nodes.
//
// Writes are pushed to every peer as they happen (ReplicateAccount, ReplicateRecord).
// Run pulls from every peer with a per-peer sequence cursor, repairing failed pushes.
// Both paths store idempotently, so a record that arrives twice is stored once.
type PDSSync struct {
	self     string
	peers    []string
	client   PDSPeer
	accounts repository.AccountRepository
	records  repository.RecordRepository
	logger   *slog.Logger
	metrics  *metrics.Metrics
	batch    int

	mu      sync.Mutex
	cursors map[string]int64
}

// NewPDSSync creates the engine. self is this node's public base URL; peers are the base
// URLs of the other PDS nodes.
func NewPDSSync(self string, peers []string, client PDSPeer, accounts repository.AccountRepository, records repository.RecordRepository, logger *slog.Logger, m *metrics.Metrics) *PDSSync {
	self = strings.TrimRight(self, "/")
	clean := make([]string, 0, len(peers))
	for _, p := range peers {
		p = strings.TrimRight(p, "/")
		if p != "" && p != self {
			clean = append(clean, p)
		}
	}
	return &PDSSync{
		self:     self,
		peers:    clean,
		client:   client,
		accounts: accounts,
		records:  records,
		logger:   logger.With(slog.String("component", "pdssync")),
		metrics:  m,
		batch:    DefaultPullBatch,
		cursors:  make(map[string]int64),
	}
}

func (r *PDSSync) Name() string { return "pds-sync" }

// Self is the base URL this node announces as its origin.
func (r *PDSSync) Self() string { return r.self }

// Peers returns the base URLs of the other PDS nodes.
func (r *PDSSync) Peers() []string {
	return append([]string(nil), r.peers...)
}

// =========================================================================
// PUSH
// =========================================================================

// ReplicateAccount pushes a new account to every peer. Failures are returned as one
// joined error of apperror.Replication values; callers log it and carry on.
func (r *PDSSync) ReplicateAccount(ctx context.Context, acct *model.Account) error {
	return r.push(ctx, "account", model.RepoBatch{Origin: r.self, Accounts: []model.Account{*acct}})
}

// ReplicateRecord pushes one record, together with its account, to every peer.
func (r *PDSSync) ReplicateRecord(ctx context.Context, acct *model.Account, rec *model.Record) error {
	batch := model.RepoBatch{Origin: r.self, Records: []model.Record{*rec}}
	if acct != nil {
		batch.Accounts = []model.Account{*acct}
	}
	return r.push(ctx, "record", batch)
}

func (r *PDSSync) push(ctx context.Context, op string, batch model.RepoBatch) error {
	var errs []error
	for _, peer := range r.peers {
		if err := r.client.ApplyRecords(ctx, peer, batch); err != nil {
			errs = append(errs, apperror.Replication(peer, err))
			if r.metrics != nil {
				r.metrics.ReplicationFailures.WithLabelValues(op).Inc()
			}
		}
	}
	return errors.Join(errs...)
}

// =========================================================================
// APPLY / EXPORT (peer endpoints)
// =========================================================================

// Apply stores a batch received from a peer and returns how many records were new.
// Accounts without a home are homed on the batch origin.
func (r *PDSSync) Apply(ctx context.Context, batch model.RepoBatch) (int, error) {
	for i := range batch.Accounts {
		acct := batch.Accounts[i]
		if acct.HomePDS == "" {
			acct.HomePDS = strings.TrimRight(batch.Origin, "/")
		}
		if acct.HomePDS == r.self {
			// Our own account echoed back.
			continue
		}
		acct.PasswordHash = ""
		if err := r.accounts.UpsertAccount(ctx, &acct); err != nil {
			return 0, fmt.Errorf("applying account %s: %w", acct.DID, err)
		}
	}

	applied := 0
	for i := range batch.Records {
		inserted, err := r.records.PutRecord(ctx, &batch.Records[i])
		if err != nil {
			return applied, fmt.Errorf("applying record %s: %w", batch.Records[i].URI, err)
		}
		if inserted {
			applied++
		}
	}
	return applied, nil
}

// Export answers a peer's listSince pull: records of local accounts after cursor, plus
// the accounts they belong to. The first page (cursor 0) carries every local account so
// accounts without records replicate too.
func (r *PDSSync) Export(ctx context.Context, cursor int64, limit int) (model.RepoBatch, error) {
	if limit <= 0 || limit > DefaultPullBatch {
		limit = DefaultPullBatch
	}
	records, next, err := r.records.ListLocalSince(ctx, cursor, limit)
	if err != nil {
		return model.RepoBatch{}, err
	}

	batch := model.RepoBatch{Origin: r.self, Records: records, Cursor: next, Accounts: []model.Account{}}
	if cursor == 0 {
		all, err := r.accounts.ListAccounts(ctx)
		if err != nil {
			return model.RepoBatch{}, err
		}
		for _, a := range all {
			if a.IsLocal() {
				batch.Accounts = append(batch.Accounts, a)
			}
		}
		return batch, nil
	}

	seen := make(map[string]bool)
	for _, rec := range records {
		if seen[rec.Repo] {
			continue
		}
		seen[rec.Repo] = true
		acct, err := r.accounts.GetAccount(ctx, rec.Repo)
		if err != nil {
			continue
		}
		batch.Accounts = append(batch.Accounts, *acct)
	}
	return batch, nil
}

// =========================================================================
// PULL
// =========================================================================

// Run pulls from every peer. One unreachable peer does not stop the others.
func (r *PDSSync) Run(ctx context.Context) error {
	failed := 0
	for _, peer := range r.peers {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		applied, err := r.pullPeer(ctx, peer)
		if err != nil {
			failed++
			r.logger.Warn("pull from peer failed", slog.String("peer", peer), slog.String("error", err.Error()))
			if r.metrics != nil {
				r.metrics.ReplicationFailures.WithLabelValues("pull").Inc()
			}
			continue
		}
		if applied > 0 {
			r.logger.Info("pulled records from peer", slog.String("peer", peer), slog.Int("applied", applied))
			if r.metrics != nil {
				r.metrics.SyncMessagesApplied.Add(float64(applied))
			}
		}
	}
	if failed > 0 {
		return fmt.Errorf("pull failed for %d of %d peers", failed, len(r.peers))
	}
	return nil
}

func (r *PDSSync) pullPeer(ctx context.Context, peer string) (int, error) {
	r.mu.Lock()
	cursor := r.cursors[peer]
	r.mu.Unlock()

	total := 0
	for page := 0; page < maxSyncPages; page++ {
		batch, err := r.client.ListSince(ctx, peer, cursor, r.batch)
		if err != nil {
			return total, err
		}
		if batch.Origin == "" {
			batch.Origin = peer
		}
		applied, err := r.Apply(ctx, batch)
		total += applied
		if err != nil {
			return total, err
		}

		if batch.Cursor > cursor {
			cursor = batch.Cursor
			r.mu.Lock()
			r.cursors[peer] = cursor
			r.mu.Unlock()
		}
		if len(batch.Records) < r.batch {
			break
		}
	}
	return total, nil
}

// Cursor returns the pull cursor for a peer.
func (r *PDSSync) Cursor(peer string) int64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.cursors[strings.TrimRight(peer, "/")]
}

// =========================================================================
// MIGRATION
// =========================================================================

// Migrate moves a local account to newPDS: full export, import at the target, then the
// source is marked migratedTo and every other peer is told. Migration is one-way.
func (r *PDSSync) Migrate(ctx context.Context, did, newPDS string) error {
	newPDS = strings.TrimRight(newPDS, "/")
	if newPDS == "" {
		return apperror.ValidationFailed("newPds", "target PDS is required")
	}
	if newPDS == r.self {
		return apperror.ValidationFailed("newPds", "account is already homed here")
	}

	acct, err := r.accounts.GetAccount(ctx, did)
	if err != nil {
		return err
	}
	if acct.IsMigrated() {
		return apperror.Conflict("migration", did)
	}
	if !acct.IsLocal() {
		return apperror.Forbidden("account " + did + " is homed on " + acct.HomePDS)
	}

	records, err := r.records.ListRepo(ctx, did)
	if err != nil {
		return fmt.Errorf("exporting repo %s: %w", did, err)
	}

	export := model.RepoExport{
		Origin:       r.self,
		Account:      *acct,
		PasswordHash: acct.PasswordHash,
		Records:      records,
	}
	if err := r.client.ImportRepo(ctx, newPDS, export); err != nil {
		return apperror.Upstream(newPDS, err)
	}

	if err := r.accounts.MarkMigrated(ctx, did, newPDS); err != nil {
		return err
	}
	r.logger.Info("account migrated",
		slog.String("did", did), slog.String("to", newPDS), slog.Int("records", len(records)))

	notice := model.MigrationNotice{DID: did, NewPDS: newPDS, Origin: r.self}
	for _, peer := range r.peers {
		if peer == newPDS {
			continue
		}
		if err := r.client.NotifyMigration(ctx, peer, notice); err != nil {
			r.logger.Warn("migration notice not delivered",
				slog.String("peer", peer), slog.String("did", did), slog.String("error", err.Error()))
			if r.metrics != nil {
				r.metrics.ReplicationFailures.WithLabelValues("notify").Inc()
			}
		}
	}
	return nil
}

// Import adopts an exported account on this node (migration target side).
func (r *PDSSync) Import(ctx context.Context, export model.RepoExport) (int, error) {
	if export.Account.DID == "" {
		return 0, apperror.ValidationFailed("account.did", "export has no account")
	}
	acct := export.Account
	acct.PasswordHash = export.PasswordHash
	if err := r.accounts.AdoptAccount(ctx, &acct); err != nil {
		return 0, err
	}

	imported := 0
	for i := range export.Records {
		if export.Records[i].Repo != acct.DID {
			return imported, apperror.ValidationFailed("records", "record "+export.Records[i].URI+" belongs to another repo")
		}
		inserted, err := r.records.PutRecord(ctx, &export.Records[i])
		if err != nil {
			return imported, fmt.Errorf("importing record %s: %w", export.Records[i].URI, err)
		}
		if inserted {
			imported++
		}
	}
	r.logger.Info("account imported",
		slog.String("did", acct.DID), slog.String("from", export.Origin), slog.Int("records", imported))
	return imported, nil
}

// NoteMigration applies a peer's migration notice. The origin marks the account migrated;
// everyone else re-homes their replica. Unknown accounts are ignored.
func (r *PDSSync) NoteMigration(ctx context.Context, notice model.MigrationNotice) error {
	acct, err := r.accounts.GetAccount(ctx, notice.DID)
	if err != nil {
		if errors.Is(err, apperror.ErrNotFound) {
			return nil
		}
		return err
	}
	newPDS := strings.TrimRight(notice.NewPDS, "/")
	if newPDS == r.self {
		return nil
	}
	if acct.IsLocal() && !acct.IsMigrated() {
		// A peer claims one of our own accounts moved; only migrateAccount may do that.
		return apperror.Forbidden("account " + notice.DID + " is homed here")
	}
	if err := r.accounts.SetHome(ctx, notice.DID, newPDS); err != nil {
		return err
	}
	r.logger.Info("replica re-homed", slog.String("did", notice.DID), slog.String("home", newPDS))
	return nil
}
