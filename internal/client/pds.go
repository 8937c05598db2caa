package client

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/sakif/relaynet/internal/model"
	"github.com/sakif/relaynet/internal/replication"
)

// PDSClient calls the XRPC API of a PDS. The Gateway uses the repo methods; PDS nodes use
// the com.proto.sync methods to replicate to each other.
type PDSClient struct {
	base
}

// compile-time check that *PDSClient can drive replication
var _ replication.PDSPeer = (*PDSClient)(nil)

// NewPDSClient creates a client. peerToken, when set, is sent as a bearer token; PDS nodes
// require it on the com.proto.sync endpoints.
func NewPDSClient(timeout time.Duration, peerToken string) *PDSClient {
	return &PDSClient{base: newBase(timeout, peerToken)}
}

func xrpc(method string) string {
	return "/xrpc/" + method
}

// =========================================================================
// REPO API
// =========================================================================

func (c *PDSClient) CreateAccount(ctx context.Context, endpoint string, in model.CreateAccountInput) (*model.Session, error) {
	var out model.Session
	if err := c.do(ctx, http.MethodPost, endpoint, xrpc("com.atproto.server.createAccount"), in, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// CreateRecord stores record (any JSON-encodable value) in repo's collection.
func (c *PDSClient) CreateRecord(ctx context.Context, endpoint, repo, collection string, record any) (*model.RecordRef, error) {
	raw, err := json.Marshal(record)
	if err != nil {
		return nil, fmt.Errorf("encoding %s record: %w", collection, err)
	}
	in := model.CreateRecordInput{Repo: repo, Collection: collection, Record: raw}
	var out model.RecordRef
	if err := c.do(ctx, http.MethodPost, endpoint, xrpc("com.atproto.repo.createRecord"), in, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *PDSClient) ListRecords(ctx context.Context, endpoint, repo, collection string, limit int, cursor string) (*model.RecordPage, error) {
	q := url.Values{}
	q.Set("repo", repo)
	q.Set("collection", collection)
	if limit > 0 {
		q.Set("limit", strconv.Itoa(limit))
	}
	if cursor != "" {
		q.Set("cursor", cursor)
	}
	var out model.RecordPage
	if err := c.do(ctx, http.MethodGet, endpoint, xrpc("com.atproto.repo.listRecords")+"?"+q.Encode(), nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// ListReplies asks one PDS for the post records replying to parent.
func (c *PDSClient) ListReplies(ctx context.Context, endpoint, parent string, limit int) (*model.RecordPage, error) {
	q := url.Values{}
	q.Set("parent", parent)
	if limit > 0 {
		q.Set("limit", strconv.Itoa(limit))
	}
	var out model.RecordPage
	if err := c.do(ctx, http.MethodGet, endpoint, xrpc("com.proto.feed.listReplies")+"?"+q.Encode(), nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *PDSClient) DescribeRepo(ctx context.Context, endpoint, did string) (*model.RepoDescription, error) {
	q := url.Values{}
	q.Set("repo", did)
	var out model.RepoDescription
	if err := c.do(ctx, http.MethodGet, endpoint, xrpc("com.atproto.repo.describeRepo")+"?"+q.Encode(), nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// =========================================================================
// PEER API
// =========================================================================

func (c *PDSClient) ApplyRecords(ctx context.Context, peer string, batch model.RepoBatch) error {
	return c.do(ctx, http.MethodPost, peer, xrpc("com.proto.sync.applyRecords"), batch, nil)
}

func (c *PDSClient) ListSince(ctx context.Context, peer string, cursor int64, limit int) (model.RepoBatch, error) {
	q := url.Values{}
	q.Set("since", strconv.FormatInt(cursor, 10))
	q.Set("limit", strconv.Itoa(limit))
	var out model.RepoBatch
	err := c.do(ctx, http.MethodGet, peer, xrpc("com.proto.sync.listSince")+"?"+q.Encode(), nil, &out)
	return out, err
}

func (c *PDSClient) ImportRepo(ctx context.Context, peer string, export model.RepoExport) error {
	return c.do(ctx, http.MethodPost, peer, xrpc("com.proto.sync.importRepo"), export, nil)
}

func (c *PDSClient) NotifyMigration(ctx context.Context, peer string, notice model.MigrationNotice) error {
	return c.do(ctx, http.MethodPost, peer, xrpc("com.proto.sync.notifyMigration"), notice, nil)
}
