package dbal

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/url"
	"strings"

	"github.com/castdio/castd/internal/config"
	"github.com/castdio/castd/internal/httpclient"
	"github.com/castdio/castd/internal/observability"
	"github.com/castdio/castd/internal/version"
)

// PermissionClient asks the external service whether a user may perform an
// action. Policy is conservative: transport errors, timeouts, and non-200
// responses all count as deny.
type PermissionClient struct {
	cfg      config.DBALConfig
	client   *httpclient.Client
	logger   *slog.Logger
	endpoint string
}

// NewPermissionClient builds a permission client. Checks run inside
// inflight API requests, so there are no retries; an unreachable service
// denies immediately.
func NewPermissionClient(cfg config.DBALConfig, logger *slog.Logger) *PermissionClient {
	hc := httpclient.DefaultConfig()
	hc.Logger = observability.WithComponent(logger, "dbal")
	hc.UserAgent = version.UserAgent()
	hc.BearerToken = cfg.APIKey
	hc.RetryAttempts = 0
	if cfg.PermissionTimeout > 0 {
		hc.Timeout = cfg.PermissionTimeout
	}

	return &PermissionClient{
		cfg:      cfg,
		client:   httpclient.New(hc),
		logger:   observability.WithComponent(logger, "dbal-permission"),
		endpoint: strings.TrimSuffix(cfg.BaseURL, "/") + permissionPath,
	}
}

type permissionResponse struct {
	Allowed bool `json:"allowed"`
}

// Allowed reports whether the user holds the permission. With no service
// configured every check passes.
func (p *PermissionClient) Allowed(ctx context.Context, tenantID, userID, permission string) bool {
	if !p.cfg.Enabled() {
		return true
	}

	q := url.Values{}
	q.Set("tenant", tenantID)
	q.Set("user", userID)
	q.Set("permission", permission)

	resp, err := p.client.Get(ctx, p.endpoint+"?"+q.Encode())
	if err != nil {
		p.logger.Warn("permission check unreachable, denying",
			slog.String("permission", permission),
			slog.String("tenant_id", tenantID),
			slog.Any("error", err),
		)
		return false
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		p.logger.Warn("permission check denied",
			slog.String("permission", permission),
			slog.String("tenant_id", tenantID),
			slog.Int("status", resp.StatusCode),
		)
		return false
	}

	var pr permissionResponse
	if err := json.NewDecoder(resp.Body).Decode(&pr); err != nil {
		p.logger.Warn("permission response malformed, denying",
			slog.String("permission", permission),
			slog.Any("error", err),
		)
		return false
	}
	return pr.Allowed
}
