// Package license talks to the external license server. Activation binds a
// key to this installation's instance id; the returned entitlement is kept in
// the settings table and refreshed by renewals.
package license

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/google/uuid"

	"github.com/zigroninc/loom/internal/store"
)

// Settings keys.
const (
	InstanceIDKey = "license.instanceId"
	CertKey       = "license.cert"
)

const requestTimeout = 10 * time.Second

// ErrNotActivated is returned by Renew and Current before Activate succeeds.
var ErrNotActivated = errors.New("no active license")

// Entitlement is what the server grants for an activation key.
type Entitlement struct {
	Cert      string    `json:"cert"`
	Plan      string    `json:"plan"`
	ExpiresAt time.Time `json:"expiresAt"`
}

// ServerError is a non-2xx answer from the license server.
type ServerError struct {
	StatusCode int
	Reason     string
}

func (e *ServerError) Error() string {
	if e.Reason == "" {
		return fmt.Sprintf("license server returned %d", e.StatusCode)
	}
	return fmt.Sprintf("license server returned %d: %s", e.StatusCode, e.Reason)
}

// Settings is the slice of the store the client needs.
type Settings interface {
	GetSetting(ctx context.Context, key string) (string, error)
	PutSetting(ctx context.Context, key, value string) error
}

// Client activates and renews licenses against a server.
type Client struct {
	baseURL  string
	http     *http.Client
	settings Settings
	logger   *slog.Logger
}

func NewClient(baseURL string, settings Settings, logger *slog.Logger) *Client {
	return &Client{
		baseURL:  baseURL,
		http:     &http.Client{Timeout: requestTimeout},
		settings: settings,
		logger:   logger,
	}
}

// InstanceID returns this installation's stable id, minting and persisting
// one on first use.
func (c *Client) InstanceID(ctx context.Context) (string, error) {
	id, err := c.settings.GetSetting(ctx, InstanceIDKey)
	if err == nil {
		return id, nil
	}
	if !errors.Is(err, store.ErrNotFound) {
		return "", fmt.Errorf("load instance id: %w", err)
	}

	id = uuid.NewString()
	if err := c.settings.PutSetting(ctx, InstanceIDKey, id); err != nil {
		return "", fmt.Errorf("save instance id: %w", err)
	}
	c.logger.Info("minted license instance id", "instance_id", id)
	return id, nil
}

// Activate exchanges an activation key for an entitlement and stores it.
func (c *Client) Activate(ctx context.Context, key string) (*Entitlement, error) {
	if key == "" {
		return nil, errors.New("activation key is required")
	}
	instanceID, err := c.InstanceID(ctx)
	if err != nil {
		return nil, err
	}

	ent, err := c.post(ctx, "/v1/license/activate", map[string]string{
		"key":        key,
		"instanceId": instanceID,
	})
	if err != nil {
		return nil, err
	}
	if err := c.storeEntitlement(ctx, ent); err != nil {
		return nil, err
	}
	c.logger.Info("license activated", "plan", ent.Plan, "expires_at", ent.ExpiresAt)
	return ent, nil
}

// Renew refreshes the stored entitlement.
func (c *Client) Renew(ctx context.Context) (*Entitlement, error) {
	current, err := c.Current(ctx)
	if err != nil {
		return nil, err
	}
	instanceID, err := c.InstanceID(ctx)
	if err != nil {
		return nil, err
	}

	ent, err := c.post(ctx, "/v1/license/renew", map[string]string{
		"cert":       current.Cert,
		"instanceId": instanceID,
	})
	if err != nil {
		return nil, err
	}
	if err := c.storeEntitlement(ctx, ent); err != nil {
		return nil, err
	}
	c.logger.Info("license renewed", "plan", ent.Plan, "expires_at", ent.ExpiresAt)
	return ent, nil
}

// Current returns the stored entitlement, or ErrNotActivated.
func (c *Client) Current(ctx context.Context) (*Entitlement, error) {
	raw, err := c.settings.GetSetting(ctx, CertKey)
	if errors.Is(err, store.ErrNotFound) {
		return nil, ErrNotActivated
	}
	if err != nil {
		return nil, fmt.Errorf("load license: %w", err)
	}
	var ent Entitlement
	if err := json.Unmarshal([]byte(raw), &ent); err != nil {
		return nil, fmt.Errorf("decode license: %w", err)
	}
	return &ent, nil
}

func (c *Client) storeEntitlement(ctx context.Context, ent *Entitlement) error {
	raw, err := json.Marshal(ent)
	if err != nil {
		return fmt.Errorf("encode license: %w", err)
	}
	if err := c.settings.PutSetting(ctx, CertKey, string(raw)); err != nil {
		return fmt.Errorf("save license: %w", err)
	}
	return nil
}

func (c *Client) post(ctx context.Context, path string, body map[string]string) (*Entitlement, error) {
	payload, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("encode request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("call license server: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, serverError(resp)
	}

	var ent Entitlement
	if err := json.NewDecoder(resp.Body).Decode(&ent); err != nil {
		return nil, fmt.Errorf("decode response: %w", err)
	}
	return &ent, nil
}

func serverError(resp *http.Response) error {
	srvErr := &ServerError{StatusCode: resp.StatusCode}
	raw, err := io.ReadAll(io.LimitReader(resp.Body, 4096))
	if err != nil {
		return srvErr
	}
	var body struct {
		Reason string `json:"reason"`
	}
	if json.Unmarshal(raw, &body) == nil {
		srvErr.Reason = body.Reason
	}
	return srvErr
}
