package showdown

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
)

// AuthError indicates the server rejected the handshake or the credentials.
// It is fatal to the connection; partial login state is never retried here.
type AuthError struct {
	Reason string
}

func (e *AuthError) Error() string { return "authentication failed: " + e.Reason }

// An assertion starting with ";;" is the server's guest/error sentinel, not a
// signed token; presenting it over the socket would leave the session a guest.
const guestAssertionPrefix = ";;"

// login performs the out-of-band HTTP exchange: submit name, password and the
// handshake token, and get back the signed assertion for /trn.
func login(ctx context.Context, cfg Config, challstr string) (string, error) {
	form := url.Values{
		"act":      {"login"},
		"name":     {cfg.Name},
		"pass":     {cfg.Password},
		"challstr": {challstr},
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, cfg.ActionURL, strings.NewReader(form.Encode()))
	if err != nil {
		return "", fmt.Errorf("build login request: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("login request: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", fmt.Errorf("read login response: %w", err)
	}

	// The body leads with a "]" sentinel byte before the JSON object.
	if len(body) < 2 || body[0] != ']' {
		return "", &AuthError{Reason: fmt.Sprintf("malformed login response: %.40q", body)}
	}

	var result struct {
		ActionSuccess bool   `json:"actionsuccess"`
		Assertion     string `json:"assertion"`
		CurUser       struct {
			LoggedIn bool `json:"loggedin"`
		} `json:"curuser"`
	}
	if err := json.Unmarshal(body[1:], &result); err != nil {
		return "", &AuthError{Reason: "undecodable login response: " + err.Error()}
	}

	if !result.ActionSuccess {
		return "", &AuthError{Reason: "login action did not succeed"}
	}
	if !result.CurUser.LoggedIn {
		return "", &AuthError{Reason: "session is not marked logged in"}
	}
	if strings.HasPrefix(result.Assertion, guestAssertionPrefix) {
		return "", &AuthError{Reason: "guest assertion: " + strings.TrimPrefix(result.Assertion, guestAssertionPrefix)}
	}
	return result.Assertion, nil
}
