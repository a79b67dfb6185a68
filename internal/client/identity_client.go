package client

import (
	"context"
	"fmt"
	"net/url"
)

// IdentityClient implements RoleProvider against the platform identity
// service's HTTP API.
type IdentityClient struct {
	client *httpClient
}

// NewIdentityClient creates a new identity service client.
func NewIdentityClient(baseURL string) *IdentityClient {
	return &IdentityClient{client: newHTTPClient(baseURL)}
}

type roleCheckResponse struct {
	HasRole bool `json:"has_role"`
}

type adminCheckResponse struct {
	IsAdmin bool `json:"is_admin"`
}

// HasRole reports whether the user currently holds the role. Resolved live on
// every call so revocations take effect at decision time, not claim time.
func (c *IdentityClient) HasRole(ctx context.Context, userID, roleID string) (bool, error) {
	path := fmt.Sprintf("/api/v1/identity/roles/check?user_id=%s&role_id=%s",
		url.QueryEscape(userID), url.QueryEscape(roleID))

	var resp roleCheckResponse
	if err := c.client.Get(ctx, path, &resp); err != nil {
		return false, fmt.Errorf("failed to check role: %w", err)
	}
	return resp.HasRole, nil
}

// IsAdmin reports whether the user holds the administrative capability.
func (c *IdentityClient) IsAdmin(ctx context.Context, userID string) (bool, error) {
	path := fmt.Sprintf("/api/v1/identity/admin/check?user_id=%s", url.QueryEscape(userID))

	var resp adminCheckResponse
	if err := c.client.Get(ctx, path, &resp); err != nil {
		return false, fmt.Errorf("failed to check admin capability: %w", err)
	}
	return resp.IsAdmin, nil
}
