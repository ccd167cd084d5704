// Copyright 2025 Tom Barlow
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package backendclient

import (
	"context"
	"net/http"
)

// LoginRequest is the operator login payload.
type LoginRequest struct {
	Username  string `json:"username"`
	Password  string `json:"password"`
	StationID string `json:"station_id,omitempty"`
}

// TokenTriple is the access/refresh/expiry response shared by login and refresh.
type TokenTriple struct {
	AccessToken   string `json:"access_token"`
	RefreshToken  string `json:"refresh_token"`
	ExpiresIn     int    `json:"expires_in"`
	User          User   `json:"user"`
	StationAPIKey string `json:"station_api_key,omitempty"`
}

// User is the authenticated operator identity.
type User struct {
	ID       string `json:"id"`
	Username string `json:"username"`
}

// RefreshRequest is the token refresh payload.
type RefreshRequest struct {
	RefreshToken string `json:"refresh_token"`
	StationID    string `json:"station_id,omitempty"`
}

// Login authenticates an operator and returns a fresh token triple.
func (c *Client) Login(ctx context.Context, username, password string) (*TokenTriple, error) {
	req := LoginRequest{Username: username, Password: password, StationID: c.stationID}
	var resp TokenTriple
	if err := c.doAPIKeyOrAnon(ctx, http.MethodPost, "/api/v1/auth/login/json", req, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// Refresh exchanges a refresh token for a new token triple. Its signature
// differs from token.RefreshFunc, and no caller in this module binds it into
// a token.Manager.
func (c *Client) Refresh(ctx context.Context, refreshToken string) (*TokenTriple, error) {
	req := RefreshRequest{RefreshToken: refreshToken, StationID: c.stationID}
	var resp TokenTriple
	if err := c.doAPIKeyOrAnon(ctx, http.MethodPost, "/api/v1/auth/refresh", req, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// Me returns the currently authenticated operator.
func (c *Client) Me(ctx context.Context) (*User, error) {
	var user User
	if err := c.doJWT(ctx, http.MethodGet, "/api/v1/auth/me", nil, &user); err != nil {
		return nil, err
	}
	return &user, nil
}

// doAPIKeyOrAnon issues a request with no auth header beyond whatever the
// MES accepts for login/refresh (both endpoints are documented as "none").
func (c *Client) doAPIKeyOrAnon(ctx context.Context, method, path string, body, out interface{}) error {
	req, err := c.newRequest(ctx, method, path, body)
	if err != nil {
		return err
	}
	return c.do(req, out)
}
