// Package auth implements the Quilt sign-in flow against Cognito User
// Pools. Login is passwordless: the pool runs a CUSTOM_AUTH challenge that
// emails a one-time code to the account address. Derived from a capture of
// the official app's login flow.
package auth

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"
)

const (
	DefaultRegion   = "us-west-2"
	DefaultClientID = "6lef74vtc8p7pgu47nmqubd9vn"
)

// ErrAuth covers every Cognito-side failure (bad code, expired session,
// disabled refresh flow).
var ErrAuth = errors.New("cognito auth failed")

// Challenge is the state carried between InitiateAuth and the emailed-code
// answer.
type Challenge struct {
	Session  string
	Username string
}

// Tokens is the result of a successful auth or refresh.
type Tokens struct {
	IDToken      string `json:"id_token"`
	RefreshToken string `json:"refresh_token"`
}

// Client talks to the Cognito identity provider endpoint.
type Client struct {
	http     *http.Client
	endpoint string
	clientID string
}

// NewClient creates a Cognito client for the given region and app client.
func NewClient(httpClient *http.Client, region, clientID string) *Client {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 30 * time.Second}
	}
	if region == "" {
		region = DefaultRegion
	}
	if clientID == "" {
		clientID = DefaultClientID
	}
	return &Client{
		http:     httpClient,
		endpoint: fmt.Sprintf("https://cognito-idp.%s.amazonaws.com/", region),
		clientID: clientID,
	}
}

func (c *Client) post(ctx context.Context, target string, payload any, out any) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("encode request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-amz-json-1.1")
	req.Header.Set("X-Amz-Target", target)

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("cognito request: %w", err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return fmt.Errorf("read response: %w", err)
	}
	if resp.StatusCode >= 400 {
		msg := string(data)
		if len(msg) > 200 {
			msg = msg[:200]
		}
		return fmt.Errorf("%w: status %d: %s", ErrAuth, resp.StatusCode, msg)
	}
	if len(data) == 0 || out == nil {
		return nil
	}
	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

type initiateAuthResponse struct {
	ChallengeName       string            `json:"ChallengeName"`
	ChallengeParameters map[string]string `json:"ChallengeParameters"`
	Session             string            `json:"Session"`
	AuthenticationResult struct {
		IdToken      string `json:"IdToken"`
		RefreshToken string `json:"RefreshToken"`
	} `json:"AuthenticationResult"`
}

// InitiateCustomAuth starts the passwordless flow for an email address. The
// pool emails a verification code and returns a challenge session.
func (c *Client) InitiateCustomAuth(ctx context.Context, email string) (Challenge, error) {
	var resp initiateAuthResponse
	err := c.post(ctx, "AWSCognitoIdentityProviderService.InitiateAuth", map[string]any{
		"ClientId":       c.clientID,
		"ClientMetadata": map[string]string{},
		"AuthFlow":       "CUSTOM_AUTH",
		"AuthParameters": map[string]string{"USERNAME": email},
	}, &resp)
	if err != nil {
		return Challenge{}, err
	}

	if resp.ChallengeName != "CUSTOM_CHALLENGE" {
		return Challenge{}, fmt.Errorf("%w: unexpected challenge %q", ErrAuth, resp.ChallengeName)
	}
	username := resp.ChallengeParameters["USERNAME"]
	if username == "" || resp.Session == "" {
		return Challenge{}, fmt.Errorf("%w: missing username/session in challenge response", ErrAuth)
	}
	return Challenge{Session: resp.Session, Username: username}, nil
}

// RespondToChallenge answers the emailed code and returns tokens.
func (c *Client) RespondToChallenge(ctx context.Context, challenge Challenge, answer string) (Tokens, error) {
	var resp initiateAuthResponse
	err := c.post(ctx, "AWSCognitoIdentityProviderService.RespondToAuthChallenge", map[string]any{
		"ChallengeName":  "CUSTOM_CHALLENGE",
		"ClientId":       c.clientID,
		"ClientMetadata": map[string]string{},
		"Session":        challenge.Session,
		"ChallengeResponses": map[string]string{
			"USERNAME": challenge.Username,
			"ANSWER":   answer,
		},
	}, &resp)
	if err != nil {
		return Tokens{}, err
	}

	auth := resp.AuthenticationResult
	if auth.IdToken == "" || auth.RefreshToken == "" {
		return Tokens{}, fmt.Errorf("%w: missing tokens in auth result", ErrAuth)
	}
	return Tokens{IDToken: auth.IdToken, RefreshToken: auth.RefreshToken}, nil
}

// Refresh exchanges a refresh token for a fresh IdToken. Cognito may or may
// not rotate the refresh token; the old one is kept when it doesn't.
func (c *Client) Refresh(ctx context.Context, refreshToken string) (Tokens, error) {
	var resp initiateAuthResponse
	err := c.post(ctx, "AWSCognitoIdentityProviderService.InitiateAuth", map[string]any{
		"ClientId":       c.clientID,
		"ClientMetadata": map[string]string{},
		"AuthFlow":       "REFRESH_TOKEN_AUTH",
		"AuthParameters": map[string]string{"REFRESH_TOKEN": refreshToken},
	}, &resp)
	if err != nil {
		return Tokens{}, err
	}

	auth := resp.AuthenticationResult
	if auth.IdToken == "" {
		return Tokens{}, fmt.Errorf("%w: missing id token in refresh result", ErrAuth)
	}
	newRefresh := auth.RefreshToken
	if newRefresh == "" {
		newRefresh = refreshToken
	}
	return Tokens{IDToken: auth.IdToken, RefreshToken: newRefresh}, nil
}
