package upstream

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"joblance-gateway/internal/auth"
)

// AuthClient speaks the Auth service's token endpoints.
type AuthClient struct {
	client      *Client
	refreshPath string
}

func NewAuthClient(c *Client, refreshPath string) *AuthClient {
	if refreshPath == "" {
		refreshPath = "/refresh"
	}
	return &AuthClient{client: c, refreshPath: refreshPath}
}

var _ auth.RefreshClient = (*AuthClient)(nil)

// Refresh implements auth.RefreshClient.
func (a *AuthClient) Refresh(ctx context.Context, subject auth.Identity, refreshToken string) (auth.TokenPair, error) {
	body, err := json.Marshal(map[string]string{"refreshToken": refreshToken})
	if err != nil {
		return auth.TokenPair{}, err
	}
	resp, err := a.client.Do(ctx, Request{
		Method:   http.MethodPost,
		Path:     a.refreshPath,
		Header:   http.Header{"Content-Type": []string{"application/json"}},
		Body:     body,
		Identity: subject,
	})
	if err != nil {
		return auth.TokenPair{}, err
	}
	if resp.Status != http.StatusOK && resp.Status != http.StatusCreated {
		return auth.TokenPair{}, fmt.Errorf("auth refresh: status %d", resp.Status)
	}
	pair, _, err := ParseTokenResponse(resp.Body)
	return pair, err
}

// tokenField accepts both "token" and {"token": "...", "exp": <unix seconds>}.
type tokenField struct {
	Token string
	Exp   int64
}

func (t *tokenField) UnmarshalJSON(b []byte) error {
	var s string
	if err := json.Unmarshal(b, &s); err == nil {
		t.Token = s
		return nil
	}
	var obj struct {
		Token string `json:"token"`
		Exp   int64  `json:"exp"`
	}
	if err := json.Unmarshal(b, &obj); err != nil {
		return err
	}
	t.Token, t.Exp = obj.Token, obj.Exp
	return nil
}

type tokenResponse struct {
	AccessToken  tokenField `json:"accessToken"`
	RefreshToken tokenField `json:"refreshToken"`
	User         struct {
		ID string `json:"id"`
	} `json:"user"`
}

// ParseTokenResponse reads the sign-in/refresh payload, optionally nested
// under "data", returning the pair and the user id when present.
func ParseTokenResponse(body []byte) (auth.TokenPair, string, error) {
	var tr tokenResponse
	if err := json.Unmarshal(body, &tr); err != nil {
		return auth.TokenPair{}, "", fmt.Errorf("decode token response: %w", err)
	}
	if tr.AccessToken.Token == "" {
		var wrapped struct {
			Data tokenResponse `json:"data"`
		}
		if err := json.Unmarshal(body, &wrapped); err == nil {
			tr = wrapped.Data
		}
	}
	if tr.AccessToken.Token == "" {
		return auth.TokenPair{}, "", fmt.Errorf("token response has no access token")
	}
	pair := auth.TokenPair{
		AccessToken:  tr.AccessToken.Token,
		RefreshToken: tr.RefreshToken.Token,
	}
	if tr.AccessToken.Exp > 0 {
		pair.AccessExpiresAt = time.Unix(tr.AccessToken.Exp, 0)
	}
	if tr.RefreshToken.Exp > 0 {
		pair.RefreshExpiresAt = time.Unix(tr.RefreshToken.Exp, 0)
	}
	return pair, tr.User.ID, nil
}
