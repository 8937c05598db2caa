package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"

	"github.com/sakif/relaynet/internal/apperror"
	"github.com/sakif/relaynet/internal/auth"
	"github.com/sakif/relaynet/internal/identity"
	"github.com/sakif/relaynet/internal/model"
	"github.com/sakif/relaynet/internal/replication"
	"github.com/sakif/relaynet/internal/repository/sqlite"
)

// pdsNetwork routes replication calls between in-process PDS services by base URL.
type pdsNetwork struct {
	nodes map[string]*PDSService
	down  map[string]bool
}

func (n *pdsNetwork) node(peer string) (*PDSService, error) {
	if n.down[peer] {
		return nil, errors.New("connection refused")
	}
	node, ok := n.nodes[peer]
	if !ok {
		return nil, fmt.Errorf("no such peer %s", peer)
	}
	return node, nil
}

func (n *pdsNetwork) ApplyRecords(ctx context.Context, peer string, batch model.RepoBatch) error {
	node, err := n.node(peer)
	if err != nil {
		return err
	}
	_, err = node.ApplyRecords(ctx, batch)
	return err
}

func (n *pdsNetwork) ListSince(ctx context.Context, peer string, cursor int64, limit int) (model.RepoBatch, error) {
	node, err := n.node(peer)
	if err != nil {
		return model.RepoBatch{}, err
	}
	return node.ListSince(ctx, cursor, limit)
}

func (n *pdsNetwork) ImportRepo(ctx context.Context, peer string, export model.RepoExport) error {
	node, err := n.node(peer)
	if err != nil {
		return err
	}
	_, err = node.ImportRepo(ctx, export)
	return err
}

func (n *pdsNetwork) NotifyMigration(ctx context.Context, peer string, notice model.MigrationNotice) error {
	node, err := n.node(peer)
	if err != nil {
		return err
	}
	return node.NotifyMigration(ctx, notice)
}

func newTestTokens(t *testing.T) *auth.TokenService {
	t.Helper()
	ts, err := auth.NewTokenService("service-test-secret-0123456789")
	require.NoError(t, err)
	return ts
}

// newPDSCluster starts one PDS per URL, all peered with each other.
func newPDSCluster(t *testing.T, oracle identity.Oracle, urls ...string) (*pdsNetwork, map[string]*sqlite.DB) {
	t.Helper()
	net := &pdsNetwork{nodes: map[string]*PDSService{}, down: map[string]bool{}}
	dbs := map[string]*sqlite.DB{}
	tokens := newTestTokens(t)
	passwords := auth.NewPasswordService(bcrypt.MinCost)

	for _, u := range urls {
		db, err := sqlite.New(":memory:")
		require.NoError(t, err)
		t.Cleanup(func() { db.Close() })

		repl := replication.NewPDSSync(u, urls, net, db, db, testLogger(), nil)
		net.nodes[u] = NewPDSService(PDSConfig{DID: "did:web:" + strings.TrimPrefix(u, "http://")},
			db, db, oracle, passwords, tokens, repl, testLogger(), nil)
		dbs[u] = db
	}
	return net, dbs
}

func newSinglePDS(t *testing.T) (*PDSService, *sqlite.DB) {
	t.Helper()
	net, dbs := newPDSCluster(t, nil, "http://pds-a")
	return net.nodes["http://pds-a"], dbs["http://pds-a"]
}

// =========================================================================
// ACCOUNT TESTS
// =========================================================================

func TestCreateAccount_Password(t *testing.T) {
	pds, db := newSinglePDS(t)
	ctx := context.Background()

	sess, err := pds.CreateAccount(ctx, model.CreateAccountInput{Handle: "Alice", Email: "alice@example.com", Password: "correct horse"})
	require.NoError(t, err)
	assert.Equal(t, "did:proto:alice", sess.DID)
	assert.Equal(t, "alice", sess.Handle)
	assert.NotEmpty(t, sess.AccessJwt)
	assert.NotEmpty(t, sess.RefreshJwt)

	// The default profile record exists.
	page, err := pds.ListRecords(ctx, sess.DID, model.CollectionProfile, 0, "")
	require.NoError(t, err)
	require.Len(t, page.Records, 1)
	var profile model.ProfileRecord
	require.NoError(t, json.Unmarshal(page.Records[0].Data, &profile))
	assert.Equal(t, "alice", profile.DisplayName)

	acct, err := db.GetAccount(ctx, sess.DID)
	require.NoError(t, err)
	assert.NotEqual(t, "correct horse", acct.PasswordHash)
}

func TestCreateAccount_Validation(t *testing.T) {
	pds, _ := newSinglePDS(t)
	ctx := context.Background()
	_, err := pds.CreateAccount(ctx, model.CreateAccountInput{Handle: "bob", Email: "bob@example.com", Password: "hunter22"})
	require.NoError(t, err)

	tests := []struct {
		name  string
		in    model.CreateAccountInput
		want  error
		field string
	}{
		{"bad handle", model.CreateAccountInput{Handle: "-x", Email: "x@example.com", Password: "longenough"}, apperror.ErrValidation, "handle"},
		{"numeric handle", model.CreateAccountInput{Handle: "123", Email: "n@example.com", Password: "longenough"}, apperror.ErrValidation, "handle"},
		{"bad email", model.CreateAccountInput{Handle: "carol", Email: "nope", Password: "longenough"}, apperror.ErrValidation, "email"},
		{"short password", model.CreateAccountInput{Handle: "carol", Email: "c@example.com", Password: "short"}, apperror.ErrValidation, "password"},
		{"taken handle", model.CreateAccountInput{Handle: "bob", Email: "b2@example.com", Password: "longenough"}, apperror.ErrConflict, ""},
		{"wallet without oracle", model.CreateAccountInput{WalletAddress: "0xabc"}, apperror.ErrValidation, "walletAddress"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := pds.CreateAccount(ctx, tt.in)
			require.Error(t, err)
			assert.True(t, errors.Is(err, tt.want), "got %v", err)
			if tt.field != "" {
				var appErr *apperror.AppError
				require.True(t, errors.As(err, &appErr))
				assert.Equal(t, tt.field, appErr.Field)
			}
		})
	}
}

func TestCreateAccount_PasswordWithoutEmail(t *testing.T) {
	pds, db := newSinglePDS(t)
	ctx := context.Background()

	for _, handle := range []string{"noemail", "alsonoemail"} {
		sess, err := pds.CreateAccount(ctx, model.CreateAccountInput{Handle: handle, Password: "correct horse"})
		require.NoError(t, err)
		acct, err := db.GetAccount(ctx, sess.DID)
		require.NoError(t, err)
		assert.Empty(t, acct.Email)
	}

	_, err := pds.CreateSession(ctx, "noemail", "correct horse")
	assert.NoError(t, err)
}

func TestCreateAccount_NumericHandleCannotTakeWalletDID(t *testing.T) {
	oracle := identity.NewStaticOracle()
	oracle.Register("123", "0xowner")
	net, _ := newPDSCluster(t, oracle, "http://pds-a")
	pds := net.nodes["http://pds-a"]
	ctx := context.Background()

	_, err := pds.CreateAccountWithPassword(ctx, "123", "squatter@example.com", "longenough")
	require.True(t, errors.Is(err, apperror.ErrValidation), "got %v", err)

	sess, err := pds.CreateAccountWithWallet(ctx, "0xowner", "")
	require.NoError(t, err)
	assert.Equal(t, "did:proto:123", sess.DID)
	assert.Equal(t, "user123", sess.Handle)
}

// brokenRecords fails every record write.
type brokenRecords struct {
	*sqlite.DB
}

func (brokenRecords) PutRecord(ctx context.Context, rec *model.Record) (bool, error) {
	return false, errors.New("disk full")
}

func TestCreateAccount_ProfileFailureRemovesAccount(t *testing.T) {
	db, err := sqlite.New(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	ctx := context.Background()

	broken := NewPDSService(PDSConfig{DID: "did:web:pds-a"}, db, brokenRecords{db}, nil,
		auth.NewPasswordService(bcrypt.MinCost), newTestTokens(t), nil, testLogger(), nil)
	_, err = broken.CreateAccount(ctx, model.CreateAccountInput{Handle: "frank", Password: "correct horse"})
	require.Error(t, err)

	_, err = db.GetAccount(ctx, "did:proto:frank")
	assert.True(t, errors.Is(err, apperror.ErrNotFound), "got %v", err)

	// The handle is free for a retry once storage recovers.
	healthy := NewPDSService(PDSConfig{DID: "did:web:pds-a"}, db, db, nil,
		auth.NewPasswordService(bcrypt.MinCost), newTestTokens(t), nil, testLogger(), nil)
	sess, err := healthy.CreateAccount(ctx, model.CreateAccountInput{Handle: "frank", Password: "correct horse"})
	require.NoError(t, err)
	assert.Equal(t, "did:proto:frank", sess.DID)
}

func TestCreateAccountWithWallet(t *testing.T) {
	oracle := identity.NewStaticOracle()
	oracle.Register("42", "0xWallet")
	net, _ := newPDSCluster(t, oracle, "http://pds-a")
	pds := net.nodes["http://pds-a"]
	ctx := context.Background()

	sess, err := pds.CreateAccountWithWallet(ctx, "0xwallet", "")
	require.NoError(t, err)
	assert.Equal(t, "did:proto:42", sess.DID)
	assert.Equal(t, "user42", sess.Handle)

	_, err = pds.CreateAccountWithWallet(ctx, "0xWALLET", "other")
	assert.True(t, errors.Is(err, apperror.ErrConflict), "one account per wallet")

	_, err = pds.CreateAccountWithWallet(ctx, "0xunregistered", "")
	assert.True(t, errors.Is(err, apperror.ErrValidation), "unregistered wallets are refused")
}

func TestProvisionAccount(t *testing.T) {
	oracle := identity.NewStaticOracle()
	oracle.Register("7", "")
	net, _ := newPDSCluster(t, oracle, "http://pds-a")
	pds := net.nodes["http://pds-a"]
	ctx := context.Background()

	sess, err := pds.ProvisionAccount(ctx, "did:proto:7", "")
	require.NoError(t, err)
	assert.Equal(t, "user7", sess.Handle)
	assert.Empty(t, sess.AccessJwt, "provisioned accounts have no credentials")

	sess, err = pds.ProvisionAccount(ctx, "did:proto:dave", "")
	require.NoError(t, err)
	assert.Equal(t, "dave", sess.Handle)

	_, err = pds.ProvisionAccount(ctx, "did:proto:8", "")
	assert.True(t, errors.Is(err, apperror.ErrValidation), "numeric DIDs must be on chain")

	_, err = pds.ProvisionAccount(ctx, "not a did", "x")
	assert.True(t, errors.Is(err, apperror.ErrValidation))
}

func TestCreateSession(t *testing.T) {
	pds, _ := newSinglePDS(t)
	ctx := context.Background()
	_, err := pds.CreateAccount(ctx, model.CreateAccountInput{Handle: "erin", Email: "erin@example.com", Password: "s3cret-pass"})
	require.NoError(t, err)

	sess, err := pds.CreateSession(ctx, "erin", "s3cret-pass")
	require.NoError(t, err)
	assert.Equal(t, "did:proto:erin", sess.DID)

	sess, err = pds.CreateSession(ctx, "did:proto:erin", "s3cret-pass")
	require.NoError(t, err, "a DID works as the identifier too")

	refreshed, err := pds.RefreshSession(ctx, sess.RefreshJwt)
	require.NoError(t, err)
	assert.Equal(t, "did:proto:erin", refreshed.DID)

	_, err = pds.RefreshSession(ctx, sess.AccessJwt)
	assert.True(t, errors.Is(err, apperror.ErrUnauthorized), "access token is not a refresh token")

	for _, tc := range [][2]string{{"erin", "wrong-pass"}, {"nobody", "s3cret-pass"}} {
		_, err := pds.CreateSession(ctx, tc[0], tc[1])
		assert.True(t, errors.Is(err, apperror.ErrUnauthorized), "%v: %v", tc, err)
	}
}

// =========================================================================
// RECORD TESTS
// =========================================================================

func TestCreateRecord(t *testing.T) {
	pds, _ := newSinglePDS(t)
	ctx := context.Background()
	sess, err := pds.CreateAccount(ctx, model.CreateAccountInput{Handle: "frank", Email: "f@example.com", Password: "longenough"})
	require.NoError(t, err)

	ref, err := pds.CreateRecord(ctx, sess.DID, model.CollectionPost, json.RawMessage(`{"text":"hi"}`))
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(ref.URI, "at://did:proto:frank/app.proto.feed.post/"))
	assert.True(t, strings.HasPrefix(ref.CID, "bafk"), "CIDv1 raw codec, got %s", ref.CID)

	rec, err := pds.GetRecord(ctx, ref.URI)
	require.NoError(t, err)
	assert.JSONEq(t, `{"text":"hi"}`, string(rec.Data))

	// Same content, different instant: same CID, different URI.
	ref2, err := pds.CreateRecord(ctx, sess.DID, model.CollectionPost, json.RawMessage(`{"text":"hi"}`))
	require.NoError(t, err)
	assert.Equal(t, ref.CID, ref2.CID)
	assert.NotEqual(t, ref.URI, ref2.URI)

	tests := []struct {
		name       string
		repo       string
		collection string
		data       string
		want       error
	}{
		{"bad nsid", sess.DID, "not an nsid", `{}`, apperror.ErrValidation},
		{"not an object", sess.DID, model.CollectionPost, `[1]`, apperror.ErrValidation},
		{"unknown repo", "did:proto:ghost", model.CollectionPost, `{}`, apperror.ErrNotFound},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := pds.CreateRecord(ctx, tt.repo, tt.collection, json.RawMessage(tt.data))
			assert.True(t, errors.Is(err, tt.want), "got %v", err)
		})
	}
}

func TestListRecords_Pagination(t *testing.T) {
	pds, _ := newSinglePDS(t)
	ctx := context.Background()
	sess, err := pds.CreateAccount(ctx, model.CreateAccountInput{Handle: "gina", Email: "g@example.com", Password: "longenough"})
	require.NoError(t, err)
	for i := 0; i < 5; i++ {
		_, err := pds.CreateRecord(ctx, sess.DID, model.CollectionPost, json.RawMessage(fmt.Sprintf(`{"n":%d}`, i)))
		require.NoError(t, err)
	}

	var seen []string
	cursor := ""
	for pages := 0; pages < 10; pages++ {
		page, err := pds.ListRecords(ctx, sess.DID, model.CollectionPost, 2, cursor)
		require.NoError(t, err)
		for _, r := range page.Records {
			seen = append(seen, string(r.Data))
		}
		if page.Cursor == "" {
			break
		}
		cursor = page.Cursor
	}
	assert.Equal(t, []string{`{"n":4}`, `{"n":3}`, `{"n":2}`, `{"n":1}`, `{"n":0}`}, seen)

	_, err = pds.ListRecords(ctx, sess.DID, model.CollectionPost, 2, "yesterday")
	assert.True(t, errors.Is(err, apperror.ErrValidation))
}

// =========================================================================
// REPLICATION AND MIGRATION TESTS
// =========================================================================

func TestReplication_WriteReachesPeers(t *testing.T) {
	net, dbs := newPDSCluster(t, nil, "http://pds-a", "http://pds-b")
	a, b := net.nodes["http://pds-a"], net.nodes["http://pds-b"]
	ctx := context.Background()

	sess, err := a.CreateAccount(ctx, model.CreateAccountInput{Handle: "hank", Email: "h@example.com", Password: "longenough"})
	require.NoError(t, err)
	ref, err := a.CreateRecord(ctx, sess.DID, model.CollectionPost, json.RawMessage(`{"text":"replicated"}`))
	require.NoError(t, err)

	rec, err := b.GetRecord(ctx, ref.URI)
	require.NoError(t, err)
	assert.Equal(t, ref.CID, rec.CID)

	replica, err := dbs["http://pds-b"].GetAccount(ctx, sess.DID)
	require.NoError(t, err)
	assert.Equal(t, "http://pds-a", replica.HomePDS)
	assert.Empty(t, replica.PasswordHash, "replicas never carry credentials")

	// Replicas are read-only.
	_, err = b.CreateRecord(ctx, sess.DID, model.CollectionPost, json.RawMessage(`{"text":"hijack"}`))
	assert.True(t, errors.Is(err, apperror.ErrForbidden))
}

func TestReplication_PeerDownDoesNotFailWrite(t *testing.T) {
	net, _ := newPDSCluster(t, nil, "http://pds-a", "http://pds-b")
	net.down["http://pds-b"] = true
	a := net.nodes["http://pds-a"]

	sess, err := a.CreateAccount(context.Background(), model.CreateAccountInput{Handle: "ivan", Email: "i@example.com", Password: "longenough"})
	require.NoError(t, err)
	_, err = a.CreateRecord(context.Background(), sess.DID, model.CollectionPost, json.RawMessage(`{"text":"still works"}`))
	require.NoError(t, err)
}

func TestMigrateAccount(t *testing.T) {
	net, dbs := newPDSCluster(t, nil, "http://pds-a", "http://pds-b", "http://pds-c")
	a, b := net.nodes["http://pds-a"], net.nodes["http://pds-b"]
	ctx := context.Background()

	sess, err := a.CreateAccount(ctx, model.CreateAccountInput{Handle: "judy", Email: "j@example.com", Password: "longenough"})
	require.NoError(t, err)
	_, err = a.CreateRecord(ctx, sess.DID, model.CollectionPost, json.RawMessage(`{"text":"before"}`))
	require.NoError(t, err)

	require.NoError(t, a.MigrateAccount(ctx, sess.DID, "http://pds-b"))

	// The old home refuses writes, the new one accepts them.
	_, err = a.CreateRecord(ctx, sess.DID, model.CollectionPost, json.RawMessage(`{"text":"after"}`))
	assert.True(t, errors.Is(err, apperror.ErrForbidden))
	_, err = b.CreateRecord(ctx, sess.DID, model.CollectionPost, json.RawMessage(`{"text":"after"}`))
	require.NoError(t, err)

	// The password came along.
	_, err = b.CreateSession(ctx, "judy", "longenough")
	require.NoError(t, err)

	desc, err := a.DescribeRepo(ctx, sess.DID)
	require.NoError(t, err)
	assert.Equal(t, "http://pds-b", desc.MigratedTo)
	assert.Equal(t, []string{model.CollectionProfile, model.CollectionPost}, desc.Collections)

	// The third node re-homed its replica.
	replica, err := dbs["http://pds-c"].GetAccount(ctx, sess.DID)
	require.NoError(t, err)
	assert.Equal(t, "http://pds-b", replica.HomePDS)

	// One-way.
	err = a.MigrateAccount(ctx, sess.DID, "http://pds-c")
	assert.True(t, errors.Is(err, apperror.ErrConflict))
}

func TestDescribeServer(t *testing.T) {
	net, _ := newPDSCluster(t, nil, "http://pds-a", "http://pds-b")
	desc := net.nodes["http://pds-a"].DescribeServer()
	assert.Equal(t, "did:web:pds-a", desc.DID)
	assert.Equal(t, []string{"http://pds-b"}, desc.Peers)
	assert.False(t, desc.InviteCodeRequired)
}
