package client

import (
	"context"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/sakif/relaynet/internal/model"
)

// HubClient calls the Hub HTTP API. One client serves every Hub endpoint.
type HubClient struct {
	base
}

func NewHubClient(timeout time.Duration) *HubClient {
	return &HubClient{base: newBase(timeout, "")}
}

func (c *HubClient) SubmitMessage(ctx context.Context, endpoint string, msg *model.Message) (*model.SubmitResult, error) {
	var out model.SubmitResult
	if err := c.do(ctx, http.MethodPost, endpoint, "/api/v1/messages", msg, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *HubClient) GetMessage(ctx context.Context, endpoint, hash string) (*model.Message, error) {
	var out model.Message
	if err := c.do(ctx, http.MethodGet, endpoint, "/api/v1/messages/"+url.PathEscape(hash), nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// GetMessagesByIdentifiers lists messages authored by dids, newest-first. before is an
// exclusive timestamp cursor in Unix milliseconds; 0 means from the newest.
func (c *HubClient) GetMessagesByIdentifiers(ctx context.Context, endpoint string, dids []string, limit int, before int64) ([]model.Message, error) {
	q := url.Values{}
	q.Set("ids", strings.Join(dids, ","))
	if limit > 0 {
		q.Set("limit", strconv.Itoa(limit))
	}
	if before > 0 {
		q.Set("before", strconv.FormatInt(before, 10))
	}
	var out model.MessageList
	if err := c.do(ctx, http.MethodGet, endpoint, "/api/v1/messages/batch?"+q.Encode(), nil, &out); err != nil {
		return nil, err
	}
	return out.Messages, nil
}
