package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/cuemby/agent/internal/backend"
	"github.com/cuemby/agent/internal/errs"
	"github.com/cuemby/agent/internal/models"
)

// httpClient is the stdlib net/http implementation of backend.Client,
// wired at the process entry point per internal/backend's interface-only
// design: the rest of the agent never imports this type directly.
type httpClient struct {
	http    *http.Client
	baseURL string
}

func newHTTPClient(baseURL string, timeout time.Duration) *httpClient {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &httpClient{
		http:    &http.Client{Timeout: timeout},
		baseURL: baseURL,
	}
}

var _ backend.Client = (*httpClient)(nil)

type issueTokenRequest struct {
	DeviceID  string `json:"device_id"`
	Claims    []byte `json:"claims"`
	Signature string `json:"signature"`
}

func (c *httpClient) IssueDeviceToken(ctx context.Context, deviceID string, claims []byte, signature string) (backend.IssuedToken, error) {
	var out backend.IssuedToken
	err := c.doJSON(ctx, http.MethodPost, "/v1/devices/"+url.PathEscape(deviceID)+"/token",
		issueTokenRequest{DeviceID: deviceID, Claims: claims, Signature: signature}, &out)
	return out, err
}

func (c *httpClient) ListConfigInstances(ctx context.Context, deviceID string) ([]backend.BackendInstance, error) {
	var out []backend.BackendInstance
	err := c.doJSON(ctx, http.MethodGet, "/v1/devices/"+url.PathEscape(deviceID)+"/config_instances", nil, &out)
	return out, err
}

func (c *httpClient) UpdateConfigInstance(ctx context.Context, instanceID models.ConfigInstanceID, update backend.InstanceUpdate) error {
	return c.doJSON(ctx, http.MethodPatch, "/v1/config_instances/"+url.PathEscape(instanceID.String()), update, nil)
}

func (c *httpClient) FindConfigSchema(ctx context.Context, typeSlug, digest string) (backend.ConfigSchema, error) {
	var out backend.ConfigSchema
	path := fmt.Sprintf("/v1/config_schemas?config_type_slug=%s&digest=%s", url.QueryEscape(typeSlug), url.QueryEscape(digest))
	err := c.doJSON(ctx, http.MethodGet, path, nil, &out)
	if err != nil {
		var status *errs.HTTPStatus
		if errors.As(err, &status) && status.StatusCode == http.StatusNotFound {
			return backend.ConfigSchema{}, &errs.ConfigSchemaNotFound{ConfigTypeSlug: typeSlug, Digest: digest}
		}
		return backend.ConfigSchema{}, err
	}
	return out, nil
}

func (c *httpClient) doJSON(ctx context.Context, method, path string, body, out any) error {
	var reqBody io.Reader
	if body != nil {
		encoded, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("backend: encode request: %w", err)
		}
		reqBody = bytes.NewReader(encoded)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reqBody)
	if err != nil {
		return fmt.Errorf("backend: build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return &errs.NetworkConnection{Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		respBody, _ := io.ReadAll(resp.Body)
		return &errs.HTTPStatus{StatusCode: resp.StatusCode, Body: string(respBody)}
	}

	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return &errs.Decode{Err: err}
	}
	return nil
}
