package idp

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

const gotrueTimeout = 10 * time.Second

// GoTrue talks to a GoTrue-compatible auth server over HTTP.
type GoTrue struct {
	baseURL string
	apiKey  string
	client  *http.Client
}

func NewGoTrue(baseURL, apiKey string, client *http.Client) *GoTrue {
	if client == nil {
		client = &http.Client{Timeout: gotrueTimeout}
	}
	return &GoTrue{
		baseURL: strings.TrimRight(baseURL, "/"),
		apiKey:  apiKey,
		client:  client,
	}
}

type gotrueUser struct {
	ID               string     `json:"id"`
	Email            string     `json:"email"`
	EmailConfirmedAt *time.Time `json:"email_confirmed_at"`
	ConfirmedAt      *time.Time `json:"confirmed_at"`
}

type gotrueSession struct {
	AccessToken string     `json:"access_token"`
	User        gotrueUser `json:"user"`
}

// gotrueError covers both the legacy OAuth shape and the error_code shape.
type gotrueError struct {
	Code             string `json:"error_code"`
	Message          string `json:"msg"`
	Error            string `json:"error"`
	ErrorDescription string `json:"error_description"`
}

func (e gotrueError) text() string {
	for _, s := range []string{e.Message, e.ErrorDescription, e.Error, e.Code} {
		if s != "" {
			return s
		}
	}
	return "unknown error"
}

// category maps a provider failure once; nothing downstream inspects
// provider text again.
func (e gotrueError) category(status int) Category {
	if status == http.StatusTooManyRequests {
		return CategoryRateLimited
	}
	switch e.Code {
	case "invalid_credentials", "user_not_found":
		return CategoryInvalidCredentials
	case "email_not_confirmed":
		return CategoryEmailNotConfirmed
	case "over_request_rate_limit", "over_email_send_rate_limit":
		return CategoryRateLimited
	}
	desc := strings.ToLower(e.ErrorDescription + " " + e.Message)
	switch {
	case e.Error == "invalid_grant" && strings.Contains(desc, "email not confirmed"):
		return CategoryEmailNotConfirmed
	case e.Error == "invalid_grant":
		return CategoryInvalidCredentials
	}
	return CategoryOther
}

func (g *GoTrue) SignIn(ctx context.Context, c Credentials) (Principal, error) {
	var sess gotrueSession
	status, gerr, err := g.post(ctx, "/token?grant_type=password", c, &sess)
	if err != nil {
		return Principal{}, authError(CategoryOther, err)
	}
	if gerr != nil {
		return Principal{}, authError(gerr.category(status), fmt.Errorf("gotrue %d: %s", status, gerr.text()))
	}
	if sess.User.ID == "" {
		return Principal{}, authError(CategoryOther, errors.New("gotrue: session without user"))
	}
	return Principal{ID: sess.User.ID, Email: normalizeEmail(sess.User.Email)}, nil
}

func (g *GoTrue) SignUp(ctx context.Context, c Credentials) (SignUpResult, error) {
	// The server answers with either a bare user or a session when
	// autoconfirm is on.
	var raw struct {
		gotrueUser
		User *gotrueUser `json:"user"`
	}
	status, gerr, err := g.post(ctx, "/signup", c, &raw)
	if err != nil {
		return SignUpResult{}, err
	}
	if gerr != nil {
		switch {
		case gerr.Code == "user_already_exists" || gerr.Code == "email_exists":
			return SignUpResult{}, ErrAlreadyRegistered
		case gerr.Code == "weak_password":
			return SignUpResult{}, ErrWeakPassword
		default:
			return SignUpResult{}, authError(gerr.category(status), fmt.Errorf("gotrue %d: %s", status, gerr.text()))
		}
	}
	u := raw.gotrueUser
	if raw.User != nil {
		u = *raw.User
	}
	if u.ID == "" {
		return SignUpResult{}, errors.New("gotrue: signup response without user id")
	}
	return SignUpResult{
		Principal:            Principal{ID: u.ID, Email: normalizeEmail(u.Email)},
		ConfirmationRequired: u.EmailConfirmedAt == nil && u.ConfirmedAt == nil,
	}, nil
}

func (g *GoTrue) post(ctx context.Context, path string, body any, out any) (int, *gotrueError, error) {
	payload, err := json.Marshal(body)
	if err != nil {
		return 0, nil, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, g.baseURL+path, bytes.NewReader(payload))
	if err != nil {
		return 0, nil, fmt.Errorf("gotrue: build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("apikey", g.apiKey)
	req.Header.Set("Authorization", "Bearer "+g.apiKey)

	resp, err := g.client.Do(req)
	if err != nil {
		return 0, nil, fmt.Errorf("gotrue: %w", err)
	}
	defer resp.Body.Close()
	data, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return resp.StatusCode, nil, fmt.Errorf("gotrue: read body: %w", err)
	}
	if resp.StatusCode >= 300 {
		var ge gotrueError
		_ = json.Unmarshal(data, &ge)
		return resp.StatusCode, &ge, nil
	}
	if err := json.Unmarshal(data, out); err != nil {
		return resp.StatusCode, nil, fmt.Errorf("gotrue: decode response: %w", err)
	}
	return resp.StatusCode, nil, nil
}
