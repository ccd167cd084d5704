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

// Package backendclient is the typed HTTP client against the MES backend:
// WIP lookup, 착공/완공 (start-process/complete-process), process sessions,
// sequence package pull, and station registration/heartbeat. It mediates
// between two coexisting auth modes — a dynamic/static station API key for
// service-level calls, and a JWT bearer token (refreshed reactively through
// internal/token) for operator-tracked calls.
package backendclient

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"

	"github.com/Soochol/station-service/internal/token"
	stationerrors "github.com/Soochol/station-service/pkg/errors"
	"github.com/Soochol/station-service/pkg/httpclient"
)

// Config configures the Backend Client.
type Config struct {
	BaseURL     string
	StaticAPIKey string
	StationID   string
	EquipmentID string
	HTTP        httpclient.Config
}

// Client is the MES backend HTTP client.
type Client struct {
	baseURL      string
	staticAPIKey string
	stationID    string
	equipmentID  string
	tokens       *token.Manager
	http         *http.Client
}

// New builds a Client. tokens may be nil for a station that has not yet
// logged an operator in; JWT-mode calls will fail with TokenExpiredError
// until SetTokens has been called.
func New(cfg Config, tokens *token.Manager) (*Client, error) {
	httpCfg := cfg.HTTP
	if httpCfg.Timeout == 0 {
		httpCfg = httpclient.DefaultConfig()
	}
	if httpCfg.UserAgent == "" {
		httpCfg.UserAgent = "station-service/1.0"
	}

	client, err := httpclient.New(httpCfg)
	if err != nil {
		return nil, fmt.Errorf("failed to build http client: %w", err)
	}

	return &Client{
		baseURL:      cfg.BaseURL,
		staticAPIKey: cfg.StaticAPIKey,
		stationID:    cfg.StationID,
		equipmentID:  cfg.EquipmentID,
		tokens:       tokens,
		http:         client,
	}, nil
}

// errorBody is the MES error envelope consulted for business-rule mapping.
type errorBody struct {
	ErrorCode string `json:"error_code"`
	Message   string `json:"message"`
}

// doAPIKey issues a request authenticated with the station API key
// (dynamic key from the Token Manager, falling back to the static config
// key). API_KEY calls never retry on 401 (spec §4.3).
func (c *Client) doAPIKey(ctx context.Context, method, path string, body, out interface{}) error {
	apiKey := c.staticAPIKey
	if c.tokens != nil {
		if dynamic := c.tokens.GetStationAPIKey(); dynamic != "" {
			apiKey = dynamic
		}
	}

	req, err := c.newRequest(ctx, method, path, body)
	if err != nil {
		return err
	}
	req.Header.Set("X-API-Key", apiKey)

	return c.do(req, out)
}

// doJWT issues a request authenticated with the current access token. On
// HTTP 401 it invokes the Token Manager's single-flight refresh; on success
// it retries exactly once with the new token, otherwise it surfaces
// TokenExpiredError.
func (c *Client) doJWT(ctx context.Context, method, path string, body, out interface{}) error {
	if c.tokens == nil {
		return &stationerrors.TokenExpiredError{Reason: "no operator session"}
	}

	req, err := c.newRequest(ctx, method, path, body)
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", "Bearer "+c.tokens.GetAccessToken())

	err = c.do(req, out)
	if !isUnauthorized(err) {
		return err
	}

	ok, refreshErr := c.tokens.Handle401Error()
	if !ok {
		if refreshErr != nil {
			return refreshErr
		}
		return &stationerrors.TokenExpiredError{}
	}

	retryReq, err := c.newRequest(ctx, method, path, body)
	if err != nil {
		return err
	}
	retryReq.Header.Set("Authorization", "Bearer "+c.tokens.GetAccessToken())

	return c.do(retryReq, out)
}

func (c *Client) newRequest(ctx context.Context, method, path string, body interface{}) (*http.Request, error) {
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal request body: %w", err)
		}
		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return nil, fmt.Errorf("failed to build request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	return req, nil
}

// do executes req and maps the HTTP response to a typed error or decodes
// the response body into out.
func (c *Client) do(req *http.Request, out interface{}) error {
	resp, err := c.http.Do(req)
	if err != nil {
		return &stationerrors.BackendError{IsRetryable: true, Cause: err}
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return &stationerrors.BackendError{StatusCode: resp.StatusCode, IsRetryable: true, Cause: err}
	}

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		if out != nil && len(data) > 0 {
			if err := json.Unmarshal(data, out); err != nil {
				return fmt.Errorf("failed to decode response: %w", err)
			}
		}
		return nil
	}

	return mapErrorResponse(resp.StatusCode, data)
}

func mapErrorResponse(statusCode int, body []byte) error {
	var eb errorBody
	_ = json.Unmarshal(body, &eb)

	switch {
	case statusCode == http.StatusNotFound:
		return &stationerrors.BackendError{StatusCode: statusCode, Code: eb.ErrorCode, Message: eb.Message, IsRetryable: false}
	case statusCode == http.StatusUnauthorized:
		return &stationerrors.BackendError{StatusCode: statusCode, Code: "UNAUTHORIZED", Message: eb.Message, IsRetryable: false}
	case eb.ErrorCode == "PREREQUISITE_NOT_MET":
		return &stationerrors.PrerequisiteNotMetError{}
	case eb.ErrorCode == "DUPLICATE_PASS":
		return &stationerrors.DuplicatePassError{}
	case eb.ErrorCode == "INVALID_WIP_STATUS":
		return &stationerrors.InvalidWIPStatusError{}
	case statusCode >= 500:
		return &stationerrors.BackendError{StatusCode: statusCode, Code: eb.ErrorCode, Message: eb.Message, IsRetryable: true}
	default:
		return &stationerrors.BackendError{StatusCode: statusCode, Code: eb.ErrorCode, Message: eb.Message, IsRetryable: false}
	}
}

func isUnauthorized(err error) bool {
	be, ok := err.(*stationerrors.BackendError)
	return ok && be.StatusCode == http.StatusUnauthorized
}
