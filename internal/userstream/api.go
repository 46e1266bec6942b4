package userstream

import (
	"context"
	"fmt"
	"net/http"
	"net/url"

	json "github.com/goccy/go-json"

	"github.com/tradewire/connector/internal/rest"
)

const listenKeyPath = "/api/v3/userDataStream"

// API is the REST surface the lifecycle manager drives.
type API interface {
	CreateListenKey(ctx context.Context) (string, error)
	KeepAliveListenKey(ctx context.Context, key string) error
	CloseListenKey(ctx context.Context, key string) error
}

// RESTAPI implements API against the venue's user-data-stream endpoints.
type RESTAPI struct {
	client *rest.Client
}

// NewRESTAPI wraps a REST client.
func NewRESTAPI(client *rest.Client) *RESTAPI {
	return &RESTAPI{client: client}
}

// CreateListenKey obtains a fresh stream credential.
func (a *RESTAPI) CreateListenKey(ctx context.Context) (string, error) {
	body, err := a.client.Signed(ctx, http.MethodPost, listenKeyPath, nil, "listen-key")
	if err != nil {
		return "", err
	}
	var payload struct {
		ListenKey string `json:"listenKey"`
	}
	if err := json.Unmarshal(body, &payload); err != nil {
		return "", fmt.Errorf("decode listen key response: %w", err)
	}
	if payload.ListenKey == "" {
		return "", fmt.Errorf("listen key missing from response")
	}
	return payload.ListenKey, nil
}

// KeepAliveListenKey extends the credential's validity window.
func (a *RESTAPI) KeepAliveListenKey(ctx context.Context, key string) error {
	params := url.Values{"listenKey": {key}}
	_, err := a.client.Signed(ctx, http.MethodPut, listenKeyPath, params, "listen-key")
	return err
}

// CloseListenKey invalidates the credential on the venue side.
func (a *RESTAPI) CloseListenKey(ctx context.Context, key string) error {
	params := url.Values{"listenKey": {key}}
	_, err := a.client.Signed(ctx, http.MethodDelete, listenKeyPath, params, "listen-key")
	return err
}
