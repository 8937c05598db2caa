package service

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/mail"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/bluesky-social/indigo/atproto/syntax"
	"github.com/ipfs/go-cid"
	"github.com/multiformats/go-multihash"

	"github.com/sakif/relaynet/internal/apperror"
	"github.com/sakif/relaynet/internal/auth"
	"github.com/sakif/relaynet/internal/identity"
	"github.com/sakif/relaynet/internal/metrics"
	"github.com/sakif/relaynet/internal/model"
	"github.com/sakif/relaynet/internal/replication"
	"github.com/sakif/relaynet/internal/repository"
	"github.com/sakif/relaynet/internal/validator"
)

const (
	DefaultRecordLimit = 50
	MaxRecordLimit     = 100
)

// Replicator is the replication engine as the PDS service sees it.
// *replication.PDSSync implements it.
type Replicator interface {
	Self() string
	Peers() []string
	ReplicateAccount(ctx context.Context, acct *model.Account) error
	ReplicateRecord(ctx context.Context, acct *model.Account, rec *model.Record) error
	Migrate(ctx context.Context, did, newPDS string) error
	Apply(ctx context.Context, batch model.RepoBatch) (int, error)
	Export(ctx context.Context, cursor int64, limit int) (model.RepoBatch, error)
	Import(ctx context.Context, export model.RepoExport) (int, error)
	NoteMigration(ctx context.Context, notice model.MigrationNotice) error
}

var _ Replicator = (*replication.PDSSync)(nil)

// PDSConfig holds the describeServer answers.
type PDSConfig struct {
	// DID of the server itself, e.g. did:web:pds.example.com.
	DID         string
	UserDomains []string
}

// PDSService hosts account repositories.
//
// OWNERSHIP RULES:
//   - every account has exactly one home PDS; only the home accepts writes
//   - replicas (HomePDS set) are read-only copies kept current by replication
//   - a migrated account (MigratedTo set) is read-only forever on the old home
type PDSService struct {
	cfg       PDSConfig
	accounts  repository.AccountRepository
	records   repository.RecordRepository
	oracle    identity.Oracle
	passwords *auth.PasswordService
	tokens    *auth.TokenService
	repl      Replicator
	logger    *slog.Logger
	metrics   *metrics.Metrics

	// clock mints record keys. It never goes backwards, so two records created in the
	// same microsecond still get distinct, ordered keys.
	clock *syntax.TIDClock
}

// NewPDSService wires the PDS. oracle may be nil (wallet accounts are then unavailable).
func NewPDSService(
	cfg PDSConfig,
	accounts repository.AccountRepository,
	records repository.RecordRepository,
	oracle identity.Oracle,
	passwords *auth.PasswordService,
	tokens *auth.TokenService,
	repl Replicator,
	logger *slog.Logger,
	m *metrics.Metrics,
) *PDSService {
	return &PDSService{
		cfg:       cfg,
		accounts:  accounts,
		records:   records,
		oracle:    oracle,
		passwords: passwords,
		tokens:    tokens,
		repl:      repl,
		logger:    logger.With(slog.String("component", "pds")),
		metrics:   m,
		clock:     syntax.NewTIDClock(0),
	}
}

// =========================================================================
// ACCOUNTS
// =========================================================================

// CreateAccount dispatches on the payload shape: a wallet address wins, then an explicit
// DID (provisioning), then handle + email + password.
func (s *PDSService) CreateAccount(ctx context.Context, in model.CreateAccountInput) (*model.Session, error) {
	switch {
	case in.WalletAddress != "":
		return s.CreateAccountWithWallet(ctx, in.WalletAddress, in.Handle)
	case in.DID != "":
		return s.ProvisionAccount(ctx, in.DID, in.Handle)
	default:
		return s.CreateAccountWithPassword(ctx, in.Handle, in.Email, in.Password)
	}
}

// CreateAccountWithPassword creates a handle account. Its DID is did:proto:<handle>.
// The email is optional.
func (s *PDSService) CreateAccountWithPassword(ctx context.Context, handle, email, password string) (*model.Session, error) {
	handle = strings.ToLower(strings.TrimSpace(handle))
	if err := identity.ValidateHandle(handle); err != nil {
		return nil, err
	}
	email = strings.TrimSpace(email)
	if email != "" {
		if _, err := mail.ParseAddress(email); err != nil {
			return nil, apperror.ValidationFailed("email", "email must be a valid address")
		}
	}
	hash, err := s.passwords.Hash(password)
	if err != nil {
		return nil, err
	}

	acct := &model.Account{
		DID:          identity.HandleDID(handle),
		Handle:       handle,
		Email:        email,
		PasswordHash: hash,
	}
	if err := s.create(ctx, acct, "password"); err != nil {
		return nil, err
	}
	return s.session(acct, true)
}

// CreateAccountWithWallet creates an account for a wallet registered on chain. The DID
// is the oracle's numeric identifier; an unregistered wallet is refused outright.
func (s *PDSService) CreateAccountWithWallet(ctx context.Context, address, handle string) (*model.Session, error) {
	address = strings.ToLower(strings.TrimSpace(address))
	if s.oracle == nil {
		return nil, apperror.ValidationFailed("walletAddress", "wallet accounts require the identity oracle")
	}
	if _, err := s.accounts.GetAccountByWallet(ctx, address); err == nil {
		return nil, apperror.Conflict("wallet", address)
	} else if !errors.Is(err, apperror.ErrNotFound) {
		return nil, err
	}

	id, registered, err := s.oracle.ResolveWallet(ctx, address)
	if err != nil {
		return nil, err
	}
	if !registered {
		return nil, apperror.ValidationFailed("walletAddress", "wallet "+address+" has no on-chain identifier")
	}

	handle = strings.ToLower(strings.TrimSpace(handle))
	if handle == "" {
		handle = "user" + id
	}
	if err := identity.ValidateHandle(handle); err != nil {
		return nil, err
	}

	acct := &model.Account{
		DID:           identity.NumericDID(id),
		Handle:        handle,
		WalletAddress: address,
	}
	if err := s.create(ctx, acct, "wallet"); err != nil {
		return nil, err
	}
	return s.session(acct, true)
}

// ProvisionAccount creates a password-less account for an existing DID. The Gateway uses
// it the first time a user writes through a PDS that has never seen them.
func (s *PDSService) ProvisionAccount(ctx context.Context, did, handle string) (*model.Session, error) {
	parsed, err := identity.ParseDID(did)
	if err != nil {
		return nil, err
	}
	did = parsed.String()

	id, numeric := identity.NumericID(did)
	if numeric && s.oracle != nil {
		exists, err := s.oracle.IdentifierExists(ctx, id)
		if err != nil {
			return nil, err
		}
		if !exists {
			return nil, apperror.ValidationFailed("did", did+" is not registered on chain")
		}
	}

	handle = strings.ToLower(strings.TrimSpace(handle))
	if handle == "" {
		handle = parsed.Identifier()
		if numeric {
			handle = "user" + id
		}
	}
	if err := identity.ValidateHandle(handle); err != nil {
		return nil, err
	}

	acct := &model.Account{DID: did, Handle: handle}
	if err := s.create(ctx, acct, "provisioned"); err != nil {
		return nil, err
	}
	return s.session(acct, false)
}

// create persists acct with its default profile record and replicates both. When the
// profile record cannot be written the account row is removed again, so the handle stays free.
func (s *PDSService) create(ctx context.Context, acct *model.Account, kind string) error {
	acct.CreatedAt = time.Now().UTC()
	if err := s.accounts.CreateAccount(ctx, acct); err != nil {
		return err
	}

	profile, _ := json.Marshal(model.ProfileRecord{Type: model.CollectionProfile, DisplayName: acct.Handle})
	rec, err := s.putRecord(ctx, acct.DID, model.CollectionProfile, profile)
	if err != nil {
		if derr := s.accounts.DeleteAccount(context.WithoutCancel(ctx), acct.DID); derr != nil {
			s.logger.Error("removing half-created account failed",
				slog.String("did", acct.DID), slog.String("error", derr.Error()))
		}
		return fmt.Errorf("service/pds: writing default profile for %s: %w", acct.DID, err)
	}

	if s.metrics != nil {
		s.metrics.AccountsCreated.WithLabelValues(kind).Inc()
	}
	s.logger.Info("account created",
		slog.String("did", acct.DID), slog.String("handle", acct.Handle), slog.String("kind", kind))

	s.replicate(ctx, acct, rec)
	return nil
}

// session issues tokens for acct. Provisioned accounts have no credentials, so they get
// an identity-only session.
func (s *PDSService) session(acct *model.Account, withTokens bool) (*model.Session, error) {
	out := &model.Session{DID: acct.DID, Handle: acct.Handle}
	if !withTokens {
		return out, nil
	}
	pair, err := s.tokens.IssuePair(acct.DID)
	if err != nil {
		return nil, fmt.Errorf("service/pds: issuing tokens for %s: %w", acct.DID, err)
	}
	out.AccessJwt, out.RefreshJwt = pair.Access, pair.Refresh
	return out, nil
}

// CreateSession logs in with a handle (or DID) and password.
//
// Every credential failure reads the same to the caller, so the response does not tell
// an attacker which handles exist.
func (s *PDSService) CreateSession(ctx context.Context, identifier, password string) (*model.Session, error) {
	identifier = strings.ToLower(strings.TrimSpace(identifier))
	if identifier == "" || password == "" {
		return nil, apperror.ValidationFailed("identifier", "identifier and password are required")
	}

	var (
		acct *model.Account
		err  error
	)
	if strings.HasPrefix(identifier, "did:") {
		acct, err = s.accounts.GetAccount(ctx, identifier)
	} else {
		acct, err = s.accounts.GetAccountByHandle(ctx, identifier)
	}
	if errors.Is(err, apperror.ErrNotFound) {
		return nil, apperror.Unauthorized("invalid identifier or password")
	}
	if err != nil {
		return nil, err
	}
	if acct.IsMigrated() {
		return nil, apperror.Forbidden("account has moved to " + acct.MigratedTo)
	}
	if !acct.IsLocal() || acct.PasswordHash == "" {
		return nil, apperror.Unauthorized("invalid identifier or password")
	}
	if err := s.passwords.Verify(acct.PasswordHash, password); err != nil {
		if errors.Is(err, auth.ErrInvalidPassword) {
			return nil, apperror.Unauthorized("invalid identifier or password")
		}
		return nil, err
	}
	return s.session(acct, true)
}

// RefreshSession trades a refresh token for a new token pair.
func (s *PDSService) RefreshSession(ctx context.Context, refreshJwt string) (*model.Session, error) {
	did, err := s.tokens.Validate(refreshJwt, auth.ScopeRefresh)
	if err != nil {
		return nil, apperror.Unauthorized(err.Error())
	}
	acct, err := s.accounts.GetAccount(ctx, did)
	if err != nil {
		return nil, err
	}
	if acct.IsMigrated() || !acct.IsLocal() {
		return nil, apperror.Forbidden("account is not hosted here")
	}
	return s.session(acct, true)
}

// =========================================================================
// RECORDS
// =========================================================================

// CreateRecord appends a record to repo. Only a local account that has not migrated
// accepts writes. Replication failure is logged; the write still succeeds.
func (s *PDSService) CreateRecord(ctx context.Context, repo, collection string, data json.RawMessage) (*model.RecordRef, error) {
	if _, err := syntax.ParseNSID(collection); err != nil {
		return nil, apperror.ValidationFailed("collection", fmt.Sprintf("invalid collection NSID %q", collection))
	}
	data = bytes.TrimSpace(data)
	if len(data) == 0 || data[0] != '{' || !json.Valid(data) {
		return nil, apperror.ValidationFailed("record", "record must be a JSON object")
	}

	acct, err := s.accounts.GetAccount(ctx, repo)
	if err != nil {
		return nil, err
	}
	if acct.IsMigrated() {
		return nil, apperror.Forbidden("account " + repo + " has migrated to " + acct.MigratedTo)
	}
	if !acct.IsLocal() {
		return nil, apperror.Forbidden("account " + repo + " is homed on " + acct.HomePDS)
	}

	rec, err := s.putRecord(ctx, repo, collection, data)
	if err != nil {
		return nil, err
	}
	s.replicate(ctx, acct, rec)
	return &model.RecordRef{URI: rec.URI, CID: rec.CID}, nil
}

// putRecord mints the record identity (TID, URI, CID) and stores it.
func (s *PDSService) putRecord(ctx context.Context, repo, collection string, data json.RawMessage) (*model.Record, error) {
	tid := s.clock.Next()
	c, err := recordCID(data)
	if err != nil {
		return nil, err
	}
	rec := &model.Record{
		URI:        fmt.Sprintf("at://%s/%s/%s", repo, collection, tid.String()),
		Repo:       repo,
		Collection: collection,
		RKey:       tid.String(),
		CID:        c,
		Data:       data,
		CreatedAt:  tid.Time().UTC(),
	}
	if _, err := s.records.PutRecord(ctx, rec); err != nil {
		return nil, fmt.Errorf("service/pds: storing %s: %w", rec.URI, err)
	}
	if s.metrics != nil {
		s.metrics.RecordsCreated.WithLabelValues(collection).Inc()
	}
	return rec, nil
}

// recordCID is a CIDv1 with the raw codec over a sha2-256 multihash of the record bytes.
func recordCID(data []byte) (string, error) {
	prefix := cid.Prefix{
		Version:  1,
		Codec:    cid.Raw,
		MhType:   multihash.SHA2_256,
		MhLength: -1,
	}
	c, err := prefix.Sum(data)
	if err != nil {
		return "", fmt.Errorf("service/pds: computing CID: %w", err)
	}
	return c.String(), nil
}

func (s *PDSService) replicate(ctx context.Context, acct *model.Account, rec *model.Record) {
	if s.repl == nil {
		return
	}
	if err := s.repl.ReplicateRecord(ctx, acct, rec); err != nil {
		s.logger.Warn("replication failed",
			slog.String("uri", rec.URI), slog.String("error", err.Error()))
	}
}

// ListRecords pages through one collection newest-first. The cursor is the creation
// instant (Unix microseconds) of the last record returned; it is empty on the last page.
func (s *PDSService) ListRecords(ctx context.Context, repo, collection string, limit int, cursor string) (*model.RecordPage, error) {
	if repo == "" {
		return nil, apperror.ValidationFailed("repo", "repo is required")
	}
	if _, err := syntax.ParseNSID(collection); err != nil {
		return nil, apperror.ValidationFailed("collection", fmt.Sprintf("invalid collection NSID %q", collection))
	}
	q := repository.RecordQuery{
		Repo:       repo,
		Collection: collection,
		Limit:      clampLimit(limit, DefaultRecordLimit, MaxRecordLimit),
	}
	if cursor != "" {
		us, err := strconv.ParseInt(cursor, 10, 64)
		if err != nil || us <= 0 {
			return nil, apperror.ValidationFailed("cursor", "cursor must be a Unix microsecond timestamp")
		}
		q.Before = time.UnixMicro(us)
	}

	// One extra row tells us whether another page exists.
	want := q.Limit
	q.Limit++
	recs, err := s.records.ListRecords(ctx, q)
	if err != nil {
		return nil, fmt.Errorf("service/pds: listing %s/%s: %w", repo, collection, err)
	}

	page := &model.RecordPage{Records: recs}
	if len(recs) > want {
		page.Records = recs[:want]
		page.Cursor = strconv.FormatInt(page.Records[want-1].CreatedAt.UnixMicro(), 10)
	}
	if page.Records == nil {
		page.Records = []model.Record{}
	}
	return page, nil
}

// ListReplies returns the post records on this node that reply to parent, oldest first.
// It covers every repository the node holds, replicated ones included.
func (s *PDSService) ListReplies(ctx context.Context, parent string, limit int) (*model.RecordPage, error) {
	if !validator.IsMessageHash(parent) {
		return nil, apperror.ValidationFailed("parent", "parent must be 0x followed by 64 hex digits")
	}
	recs, err := s.records.ListRepliesTo(ctx, parent, clampLimit(limit, DefaultRecordLimit, MaxRecordLimit))
	if err != nil {
		return nil, fmt.Errorf("service/pds: listing replies to %s: %w", parent, err)
	}
	if recs == nil {
		recs = []model.Record{}
	}
	return &model.RecordPage{Records: recs}, nil
}

func (s *PDSService) GetRecord(ctx context.Context, uri string) (*model.Record, error) {
	if _, err := syntax.ParseATURI(uri); err != nil {
		return nil, apperror.ValidationFailed("uri", fmt.Sprintf("invalid AT-URI %q", uri))
	}
	return s.records.GetRecord(ctx, uri)
}

// DescribeRepo reports where an account lives and which collections it has.
func (s *PDSService) DescribeRepo(ctx context.Context, did string) (*model.RepoDescription, error) {
	acct, err := s.accounts.GetAccount(ctx, did)
	if err != nil {
		return nil, err
	}
	recs, err := s.records.ListRepo(ctx, did)
	if err != nil {
		return nil, fmt.Errorf("service/pds: reading repo %s: %w", did, err)
	}
	seen := make(map[string]bool)
	collections := []string{}
	for _, r := range recs {
		if !seen[r.Collection] {
			seen[r.Collection] = true
			collections = append(collections, r.Collection)
		}
	}
	sort.Strings(collections)

	return &model.RepoDescription{
		DID:         acct.DID,
		Handle:      acct.Handle,
		MigratedTo:  acct.MigratedTo,
		HomePDS:     acct.HomePDS,
		Collections: collections,
	}, nil
}

func (s *PDSService) DescribeServer() *model.ServerDescription {
	peers := []string{}
	if s.repl != nil {
		peers = s.repl.Peers()
	}
	domains := s.cfg.UserDomains
	if domains == nil {
		domains = []string{}
	}
	return &model.ServerDescription{
		DID:                  s.cfg.DID,
		AvailableUserDomains: domains,
		Peers:                peers,
	}
}

// =========================================================================
// MIGRATION AND PEER ENDPOINTS
// =========================================================================

func (s *PDSService) MigrateAccount(ctx context.Context, did, newPDS string) error {
	if s.repl == nil {
		return apperror.ValidationFailed("newPds", "no peer PDS is configured")
	}
	return s.repl.Migrate(ctx, did, newPDS)
}

func (s *PDSService) ApplyRecords(ctx context.Context, batch model.RepoBatch) (int, error) {
	return s.repl.Apply(ctx, batch)
}

func (s *PDSService) ListSince(ctx context.Context, cursor int64, limit int) (model.RepoBatch, error) {
	return s.repl.Export(ctx, cursor, limit)
}

func (s *PDSService) ImportRepo(ctx context.Context, export model.RepoExport) (int, error) {
	return s.repl.Import(ctx, export)
}

func (s *PDSService) NotifyMigration(ctx context.Context, notice model.MigrationNotice) error {
	return s.repl.NoteMigration(ctx, notice)
}
