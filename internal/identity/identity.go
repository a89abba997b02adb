// Package identity handles device registration and credential persistence.
//
// Every box carries a stable device UUID generated on first boot. The UUID is
// presented to the signage server on registration; the server answers with a
// device ID and an auth token, both of which are persisted locally so the box
// keeps its identity across restarts. Registration with an already-known UUID
// is idempotent on the server side, so re-registering after losing the local
// database simply reclaims the existing device record.
package identity

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/google/uuid"

	"tvboxd/internal/httpclient"
	"tvboxd/internal/models"
	"tvboxd/internal/repository"
)

// RegisterRequest is the payload sent to the registration endpoint.
type RegisterRequest struct {
	DeviceUUID string `json:"device_uuid"`
	Name       string `json:"name,omitempty"`
	TenantID   string `json:"tenant_id,omitempty"`
}

// RegisterResponse is the server's answer to a registration request.
type RegisterResponse struct {
	DeviceID string `json:"device_id"`
	Token    string `json:"token"`
	Name     string `json:"name,omitempty"`
	Blocked  bool   `json:"blocked,omitempty"`
	Reason   string `json:"reason,omitempty"`
}

// Bootstrapper establishes and persists the device identity.
type Bootstrapper struct {
	repo    repository.IdentityRepository
	client  *httpclient.Client
	logger  *slog.Logger
	baseURL string
	name    string
	tenant  string
}

// NewBootstrapper creates a Bootstrapper talking to the server at baseURL.
func NewBootstrapper(repo repository.IdentityRepository, client *httpclient.Client, baseURL, name, tenant string, logger *slog.Logger) *Bootstrapper {
	return &Bootstrapper{
		repo:    repo,
		client:  client,
		logger:  logger.With(slog.String("component", "identity")),
		baseURL: baseURL,
		name:    name,
		tenant:  tenant,
	}
}

// Bootstrap returns the device identity, registering with the server if no
// identity is persisted yet. On success the returned identity always has a
// non-empty DeviceID and Token, and the HTTP client is primed with the token.
func (b *Bootstrapper) Bootstrap(ctx context.Context) (*models.DeviceIdentity, error) {
	ident, err := b.repo.Load(ctx)
	if err != nil {
		return nil, fmt.Errorf("loading persisted identity: %w", err)
	}

	if ident != nil && ident.DeviceID != "" && ident.Token != "" {
		b.logger.Info("using persisted device identity",
			slog.String("device_id", ident.DeviceID),
			slog.String("device_uuid", ident.DeviceUUID),
		)
		b.client.SetAuthToken(ident.Token)
		return ident, nil
	}

	deviceUUID := ""
	if ident != nil {
		deviceUUID = ident.DeviceUUID
	}
	if deviceUUID == "" {
		deviceUUID = uuid.New().String()
		b.logger.Info("generated new device uuid", slog.String("device_uuid", deviceUUID))
	}

	registered, err := b.register(ctx, deviceUUID)
	if err != nil {
		return nil, err
	}

	if err := b.repo.Save(ctx, registered); err != nil {
		return nil, fmt.Errorf("persisting device identity: %w", err)
	}

	b.client.SetAuthToken(registered.Token)
	b.logger.Info("device registered",
		slog.String("device_id", registered.DeviceID),
		slog.String("device_uuid", registered.DeviceUUID),
		slog.String("name", registered.Name),
	)
	return registered, nil
}

// Reregister exchanges the persisted device UUID for fresh credentials,
// ignoring any stored token. Used when the server starts rejecting the
// current credential; the device UUID is stable so the server returns the
// existing registration rather than a duplicate.
func (b *Bootstrapper) Reregister(ctx context.Context) (*models.DeviceIdentity, error) {
	ident, err := b.repo.Load(ctx)
	if err != nil {
		return nil, fmt.Errorf("loading persisted identity: %w", err)
	}

	deviceUUID := ""
	if ident != nil {
		deviceUUID = ident.DeviceUUID
	}
	if deviceUUID == "" {
		deviceUUID = uuid.New().String()
	}

	registered, err := b.register(ctx, deviceUUID)
	if err != nil {
		return nil, err
	}

	if err := b.repo.Save(ctx, registered); err != nil {
		return nil, fmt.Errorf("persisting device identity: %w", err)
	}

	b.client.SetAuthToken(registered.Token)
	b.logger.Info("device re-registered with fresh credentials",
		slog.String("device_id", registered.DeviceID),
	)
	return registered, nil
}

// register performs the registration call against the server.
func (b *Bootstrapper) register(ctx context.Context, deviceUUID string) (*models.DeviceIdentity, error) {
	payload, err := json.Marshal(RegisterRequest{
		DeviceUUID: deviceUUID,
		Name:       b.name,
		TenantID:   b.tenant,
	})
	if err != nil {
		return nil, fmt.Errorf("encoding registration request: %w", err)
	}

	url := b.baseURL + "/api/devices/register"
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("creating registration request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := b.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("registration request failed: %w", err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return nil, fmt.Errorf("registration rejected with status %d: %w", resp.StatusCode, models.ErrAuth)
	case resp.StatusCode < 200 || resp.StatusCode >= 300:
		return nil, fmt.Errorf("registration failed with status %d", resp.StatusCode)
	}

	var reg RegisterResponse
	if err := json.NewDecoder(resp.Body).Decode(&reg); err != nil {
		return nil, fmt.Errorf("decoding registration response: %w", err)
	}

	if reg.Blocked {
		return nil, &models.BlockedError{Reason: reg.Reason}
	}
	if reg.DeviceID == "" || reg.Token == "" {
		return nil, fmt.Errorf("registration response missing device_id or token")
	}

	name := reg.Name
	if name == "" {
		name = b.name
	}

	return &models.DeviceIdentity{
		DeviceUUID:   deviceUUID,
		DeviceID:     reg.DeviceID,
		Token:        reg.Token,
		Name:         name,
		TenantID:     b.tenant,
		RegisteredAt: time.Now().UTC(),
	}, nil
}
