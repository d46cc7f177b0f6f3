// Command smoke drives a running gateway through sign-up, login, TOTP
// enrollment and one audited patient read.
package main

import (
	"bytes"
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"net/http"
	"os"
	"time"

	"clinigate.org/internal/mfa"
	"clinigate.org/internal/obs"
)

type client struct {
	base  string
	http  *http.Client
	token string
}

func (c *client) call(ctx context.Context, method, path string, body any, want int) (map[string]any, error) {
	var payload io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			return nil, err
		}
		payload = bytes.NewReader(raw)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.base+path, payload)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	raw, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	var out map[string]any
	_ = json.Unmarshal(raw, &out)
	if resp.StatusCode != want {
		return out, fmt.Errorf("%s %s: status %d: %s", method, path, resp.StatusCode, bytes.TrimSpace(raw))
	}
	return out, nil
}

func main() {
	var (
		base     = flag.String("base", envOr("CLINIGATE_URL", "http://localhost:8080"), "gateway base URL")
		email    = flag.String("email", fmt.Sprintf("smoke+%d@example.org", time.Now().Unix()), "account email")
		password = flag.String("password", "smoke-password", "account password")
		patient  = flag.String("patient", "S1234567A", "patient id to read")
	)
	flag.Parse()
	log := obs.Logger()

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	c := &client{base: *base, http: &http.Client{Timeout: 10 * time.Second}}
	creds := map[string]string{"email": *email, "password": *password}

	if _, err := c.call(ctx, http.MethodPost, "/auth/signup", creds, http.StatusCreated); err != nil {
		log.Fatal().Err(err).Msg("signup")
	}
	login, err := c.call(ctx, http.MethodPost, "/auth/login", creds, http.StatusOK)
	if err != nil {
		log.Fatal().Err(err).Msg("login")
	}
	c.token, _ = login["token"].(string)
	if login["next"] != string(mfa.RouteEnroll) {
		log.Fatal().Interface("next", login["next"]).Msg("expected enrollment for a new account")
	}

	enr, err := c.call(ctx, http.MethodPost, "/mfa/enroll", nil, http.StatusCreated)
	if err != nil {
		log.Fatal().Err(err).Msg("enroll")
	}
	ch, err := c.call(ctx, http.MethodPost, "/mfa/challenge", map[string]any{"factor_id": enr["factor_id"]}, http.StatusCreated)
	if err != nil {
		log.Fatal().Err(err).Msg("challenge")
	}
	secret, _ := enr["secret"].(string)
	code, err := mfa.GenerateCode(secret, time.Now())
	if err != nil {
		log.Fatal().Err(err).Msg("generate code")
	}
	ver, err := c.call(ctx, http.MethodPost, "/mfa/verify", map[string]any{"challenge_id": ch["challenge_id"], "code": code}, http.StatusOK)
	if err != nil {
		log.Fatal().Err(err).Msg("verify")
	}
	c.token, _ = ver["token"].(string)

	rec, err := c.call(ctx, http.MethodGet, "/patients/"+*patient+"?reason=smoke+test", nil, http.StatusOK)
	if err != nil {
		log.Fatal().Err(err).Msg("read patient")
	}
	if rec["id"] != *patient {
		log.Fatal().Interface("record", rec).Msg("unexpected record")
	}

	fmt.Printf("smoke test passed: clinician=%v patient=%s\n", login["clinician"], *patient)
}

func envOr(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}
