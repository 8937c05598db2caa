package replication

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sakif/relaynet/internal/apperror"
	"github.com/sakif/relaynet/internal/model"
	"github.com/sakif/relaynet/internal/repository/sqlite"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// fakeNetwork routes PDSPeer calls to in-process PDSSync instances by base URL.
type fakeNetwork struct {
	nodes map[string]*PDSSync
	down  map[string]bool
}

func (n *fakeNetwork) node(peer string) (*PDSSync, error) {
	if n.down[peer] {
		return nil, errors.New("connection refused")
	}
	node, ok := n.nodes[peer]
	if !ok {
		return nil, fmt.Errorf("no such peer %s", peer)
	}
	return node, nil
}

func (n *fakeNetwork) ApplyRecords(ctx context.Context, peer string, batch model.RepoBatch) error {
	node, err := n.node(peer)
	if err != nil {
		return err
	}
	_, err = node.Apply(ctx, batch)
	return err
}

func (n *fakeNetwork) ListSince(ctx context.Context, peer string, cursor int64, limit int) (model.RepoBatch, error) {
	node, err := n.node(peer)
	if err != nil {
		return model.RepoBatch{}, err
	}
	return node.Export(ctx, cursor, limit)
}

func (n *fakeNetwork) ImportRepo(ctx context.Context, peer string, export model.RepoExport) error {
	node, err := n.node(peer)
	if err != nil {
		return err
	}
	_, err = node.Import(ctx, export)
	return err
}

func (n *fakeNetwork) NotifyMigration(ctx context.Context, peer string, notice model.MigrationNotice) error {
	node, err := n.node(peer)
	if err != nil {
		return err
	}
	return node.NoteMigration(ctx, notice)
}

type pdsNode struct {
	url  string
	db   *sqlite.DB
	sync *PDSSync
}

// newCluster builds len(urls) PDS nodes that all know each other.
func newCluster(t *testing.T, urls ...string) (*fakeNetwork, []*pdsNode) {
	t.Helper()
	net := &fakeNetwork{nodes: map[string]*PDSSync{}, down: map[string]bool{}}
	nodes := make([]*pdsNode, 0, len(urls))
	for _, u := range urls {
		db, err := sqlite.New(":memory:")
		require.NoError(t, err)
		t.Cleanup(func() { db.Close() })
		s := NewPDSSync(u, urls, net, db, db, testLogger(), nil)
		net.nodes[u] = s
		nodes = append(nodes, &pdsNode{url: u, db: db, sync: s})
	}
	return net, nodes
}

var created = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func createLocal(t *testing.T, n *pdsNode, did, handle string) *model.Account {
	t.Helper()
	a := &model.Account{DID: did, Handle: handle, PasswordHash: "secret-hash", CreatedAt: created}
	require.NoError(t, n.db.CreateAccount(context.Background(), a))
	return a
}

func putLocal(t *testing.T, n *pdsNode, repo, rkey string) *model.Record {
	t.Helper()
	rec := &model.Record{
		URI:        "at://" + repo + "/" + model.CollectionPost + "/" + rkey,
		Repo:       repo,
		Collection: model.CollectionPost,
		RKey:       rkey,
		CID:        "cid-" + rkey,
		Data:       json.RawMessage(`{"text":"` + rkey + `"}`),
		CreatedAt:  created,
	}
	_, err := n.db.PutRecord(context.Background(), rec)
	require.NoError(t, err)
	return rec
}

func TestPDSSync_PushOnWrite(t *testing.T) {
	_, nodes := newCluster(t, "http://pds-a", "http://pds-b")
	a, b := nodes[0], nodes[1]
	ctx := context.Background()

	acct := createLocal(t, a, "did:proto:alice", "alice")
	require.NoError(t, a.sync.ReplicateAccount(ctx, acct))
	rec := putLocal(t, a, acct.DID, "3kabc")
	require.NoError(t, a.sync.ReplicateRecord(ctx, acct, rec))

	replica, err := b.db.GetAccount(ctx, "did:proto:alice")
	require.NoError(t, err)
	assert.Equal(t, "http://pds-a", replica.HomePDS)
	assert.Empty(t, replica.PasswordHash, "replicas never carry a password hash")

	got, err := b.db.GetRecord(ctx, rec.URI)
	require.NoError(t, err)
	assert.Equal(t, rec.CID, got.CID)
}

func TestPDSSync_PushFailureIsReplicationError(t *testing.T) {
	net, nodes := newCluster(t, "http://pds-a", "http://pds-b")
	net.down["http://pds-b"] = true

	acct := createLocal(t, nodes[0], "did:proto:alice", "alice")
	err := nodes[0].sync.ReplicateAccount(context.Background(), acct)
	require.Error(t, err)
	assert.True(t, errors.Is(err, apperror.ErrReplication))

	// The local write is the durable fact.
	_, err = nodes[0].db.GetAccount(context.Background(), "did:proto:alice")
	assert.NoError(t, err)
}

func TestPDSSync_PullRepairsMissedPushes(t *testing.T) {
	_, nodes := newCluster(t, "http://pds-a", "http://pds-b")
	a, b := nodes[0], nodes[1]
	ctx := context.Background()

	createLocal(t, a, "did:proto:alice", "alice")
	createLocal(t, a, "did:proto:quiet", "quiet") // no records, still replicated
	for i := 0; i < 3; i++ {
		putLocal(t, a, "did:proto:alice", fmt.Sprintf("r%d", i))
	}

	require.NoError(t, b.sync.Run(ctx))

	recs, err := b.db.ListRepo(ctx, "did:proto:alice")
	require.NoError(t, err)
	assert.Len(t, recs, 3)
	_, err = b.db.GetAccount(ctx, "did:proto:quiet")
	assert.NoError(t, err)
	assert.Positive(t, b.sync.Cursor("http://pds-a"))

	// A second pull starts after the cursor and applies nothing new.
	putLocal(t, a, "did:proto:alice", "r3")
	require.NoError(t, b.sync.Run(ctx))
	recs, _ = b.db.ListRepo(ctx, "did:proto:alice")
	assert.Len(t, recs, 4)
}

func TestPDSSync_PullDoesNotEchoReplicas(t *testing.T) {
	_, nodes := newCluster(t, "http://pds-a", "http://pds-b")
	a, b := nodes[0], nodes[1]
	ctx := context.Background()

	createLocal(t, a, "did:proto:alice", "alice")
	putLocal(t, a, "did:proto:alice", "r0")
	require.NoError(t, b.sync.Run(ctx))

	batch, err := b.sync.Export(ctx, 0, 100)
	require.NoError(t, err)
	assert.Empty(t, batch.Records, "records of replicated accounts are not re-exported")
	assert.Empty(t, batch.Accounts)
}

func TestPDSSync_PullSkipsUnreachablePeer(t *testing.T) {
	net, nodes := newCluster(t, "http://pds-a", "http://pds-b", "http://pds-c")
	net.down["http://pds-b"] = true
	createLocal(t, nodes[2], "did:proto:carol", "carol")
	putLocal(t, nodes[2], "did:proto:carol", "r0")

	err := nodes[0].sync.Run(context.Background())
	assert.Error(t, err)

	recs, _ := nodes[0].db.ListRepo(context.Background(), "did:proto:carol")
	assert.Len(t, recs, 1, "the reachable peer is still pulled")
}

func TestPDSSync_Migrate(t *testing.T) {
	_, nodes := newCluster(t, "http://pds-a", "http://pds-b", "http://pds-c")
	a, b, c := nodes[0], nodes[1], nodes[2]
	ctx := context.Background()

	acct := createLocal(t, a, "did:proto:alice", "alice")
	putLocal(t, a, acct.DID, "r0")
	putLocal(t, a, acct.DID, "r1")
	// c holds a replica homed on a.
	require.NoError(t, a.sync.ReplicateAccount(ctx, acct))

	require.NoError(t, a.sync.Migrate(ctx, acct.DID, "http://pds-b"))

	src, _ := a.db.GetAccount(ctx, acct.DID)
	assert.Equal(t, "http://pds-b", src.MigratedTo)

	dst, err := b.db.GetAccount(ctx, acct.DID)
	require.NoError(t, err)
	assert.True(t, dst.IsLocal())
	assert.Equal(t, "secret-hash", dst.PasswordHash, "the new home can still authenticate the account")
	recs, _ := b.db.ListRepo(ctx, acct.DID)
	assert.Len(t, recs, 2)

	replica, _ := c.db.GetAccount(ctx, acct.DID)
	assert.Equal(t, "http://pds-b", replica.HomePDS)

	err = a.sync.Migrate(ctx, acct.DID, "http://pds-c")
	assert.True(t, errors.Is(err, apperror.ErrConflict), "migration is one-way")
}

func TestPDSSync_MigrateRules(t *testing.T) {
	net, nodes := newCluster(t, "http://pds-a", "http://pds-b")
	a, b := nodes[0], nodes[1]
	ctx := context.Background()

	err := a.sync.Migrate(ctx, "did:proto:ghost", "http://pds-b")
	assert.True(t, errors.Is(err, apperror.ErrNotFound))

	acct := createLocal(t, a, "did:proto:alice", "alice")
	require.NoError(t, a.sync.ReplicateAccount(ctx, acct))
	err = b.sync.Migrate(ctx, acct.DID, "http://pds-a")
	assert.True(t, errors.Is(err, apperror.ErrForbidden), "only the home PDS may migrate an account")

	err = a.sync.Migrate(ctx, acct.DID, "http://pds-a/")
	assert.True(t, errors.Is(err, apperror.ErrValidation))

	net.down["http://pds-b"] = true
	err = a.sync.Migrate(ctx, acct.DID, "http://pds-b")
	assert.True(t, errors.Is(err, apperror.ErrUpstream))
	src, _ := a.db.GetAccount(ctx, acct.DID)
	assert.False(t, src.IsMigrated(), "a failed import leaves the source untouched")
}

func TestPDSSync_NoteMigrationRejectsClaimOnLocalAccount(t *testing.T) {
	_, nodes := newCluster(t, "http://pds-a", "http://pds-b")
	createLocal(t, nodes[0], "did:proto:alice", "alice")

	err := nodes[0].sync.NoteMigration(context.Background(), model.MigrationNotice{
		DID: "did:proto:alice", NewPDS: "http://pds-evil", Origin: "http://pds-b",
	})
	assert.True(t, errors.Is(err, apperror.ErrForbidden))

	assert.NoError(t, nodes[0].sync.NoteMigration(context.Background(), model.MigrationNotice{
		DID: "did:proto:nobody", NewPDS: "http://pds-b",
	}))
}
