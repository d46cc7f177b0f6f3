package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"golang.org/x/crypto/bcrypt"

	"clinigate.org/internal/audit"
	"clinigate.org/internal/auth"
	"clinigate.org/internal/clinician"
	"clinigate.org/internal/fault"
	"clinigate.org/internal/gateway"
	"clinigate.org/internal/idp"
	"clinigate.org/internal/mfa"
	"clinigate.org/internal/patient"
	"clinigate.org/internal/stream"
)

const internalToken = "internal-test-token"

type testServer struct {
	t        *testing.T
	srv      *httptest.Server
	sink     *audit.MemorySink
	store    *audit.MemorySink
	recorder *audit.Recorder
	events   *stream.Stream[audit.Event]
}

type serverOption func(*Deps)

func strictReason() serverOption { return func(d *Deps) { d.StrictReason = true } }

func newTestServer(t *testing.T, opts ...serverOption) *testServer {
	t.Helper()

	dir := idp.NewDirectory(idp.WithAutoConfirm(), idp.WithBcryptCost(bcrypt.MinCost))
	sessions, err := auth.NewIssuer("test-session-secret-that-is-long-enough")
	if err != nil {
		t.Fatalf("NewIssuer: %v", err)
	}
	svc, err := mfa.NewService(mfa.NewMemoryFactors(), mfa.NewMemoryChallenges(time.Now))
	if err != nil {
		t.Fatalf("NewService: %v", err)
	}
	records := patient.NewInMemory(patient.Record{
		ID:        "S1234567A",
		Name:      "John Tan",
		DOB:       patient.NewDate(1980, time.April, 12),
		Allergies: patient.ListOf("Penicillin"),
	})

	sink := audit.NewMemorySink()
	events := stream.New[audit.Event](8)
	recorder := audit.NewRecorder(sink, audit.WithEvents(events))

	deps := Deps{
		Verifier:      idp.NewVerifier(dir),
		Provisioner:   clinician.NewProvisioner(clinician.NewInMemory()),
		MFA:           svc,
		Sessions:      sessions,
		Gateway:       gateway.New(records, recorder),
		AuditStore:    audit.NewMemorySink(),
		Events:        events,
		InternalToken: internalToken,
		Version:       "test",
	}
	for _, opt := range opts {
		opt(&deps)
	}
	api := New(deps)
	api.SetRateLimit(1000, 1000)

	srv := httptest.NewServer(api.Handler())
	t.Cleanup(srv.Close)

	return &testServer{
		t:        t,
		srv:      srv,
		sink:     sink,
		store:    deps.AuditStore.(*audit.MemorySink),
		recorder: recorder,
		events:   events,
	}
}

func (s *testServer) do(method, path, token string, body any, headers map[string]string) (*http.Response, map[string]any) {
	s.t.Helper()
	var payload io.Reader
	switch b := body.(type) {
	case nil:
	case string:
		payload = bytes.NewBufferString(b)
	default:
		raw, err := json.Marshal(b)
		if err != nil {
			s.t.Fatalf("marshal body: %v", err)
		}
		payload = bytes.NewReader(raw)
	}
	req, err := http.NewRequest(method, s.srv.URL+path, payload)
	if err != nil {
		s.t.Fatalf("new request: %v", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	resp, err := s.srv.Client().Do(req)
	if err != nil {
		s.t.Fatalf("do request: %v", err)
	}
	defer resp.Body.Close()
	var out map[string]any
	raw, _ := io.ReadAll(resp.Body)
	if len(raw) > 0 {
		_ = json.Unmarshal(raw, &out)
	}
	return resp, out
}

func expectStatus(t *testing.T, resp *http.Response, body map[string]any, want int) {
	t.Helper()
	if resp.StatusCode != want {
		t.Fatalf("%s %s: expected %d, got %d (%v)", resp.Request.Method, resp.Request.URL.Path, want, resp.StatusCode, body)
	}
}

// signIn registers and logs in doc@example.org and returns the aal1 token.
func (s *testServer) signIn() (string, map[string]any) {
	s.t.Helper()
	creds := map[string]string{"email": "doc@example.org", "password": "correct-horse"}
	resp, body := s.do(http.MethodPost, "/auth/signup", "", creds, nil)
	if resp.StatusCode != http.StatusCreated && resp.StatusCode != http.StatusConflict {
		s.t.Fatalf("signup: %d %v", resp.StatusCode, body)
	}
	resp, body = s.do(http.MethodPost, "/auth/login", "", creds, nil)
	expectStatus(s.t, resp, body, http.StatusOK)
	return body["token"].(string), body
}

// elevate enrolls (when needed) and verifies a TOTP factor, returning an aal2 token.
func (s *testServer) elevate(token string) (string, map[string]any, string) {
	s.t.Helper()
	resp, enr := s.do(http.MethodPost, "/mfa/enroll", token, nil, nil)
	expectStatus(s.t, resp, enr, http.StatusCreated)
	secret := enr["secret"].(string)

	resp, ch := s.do(http.MethodPost, "/mfa/challenge", token, nil, nil)
	expectStatus(s.t, resp, ch, http.StatusCreated)

	code, err := mfa.GenerateCode(secret, time.Now())
	if err != nil {
		s.t.Fatalf("GenerateCode: %v", err)
	}
	resp, ver := s.do(http.MethodPost, "/mfa/verify", token, map[string]string{
		"challenge_id": ch["challenge_id"].(string),
		"code":         code,
	}, nil)
	expectStatus(s.t, resp, ver, http.StatusOK)
	return ver["token"].(string), ver, secret
}

func TestFirstLoginEnrollVerifyAndRead(t *testing.T) {
	s := newTestServer(t)

	token, login := s.signIn()
	if login["next"] != string(mfa.RouteEnroll) {
		t.Fatalf("expected next=enroll, got %v", login["next"])
	}
	doc := login["clinician"].(map[string]any)
	if doc["id"].(float64) != 1 || doc["name"] != "Dr. doc" {
		t.Fatalf("unexpected clinician %v", doc)
	}

	resp, body := s.do(http.MethodGet, "/patients/S1234567A?reason=checkup", token, nil, nil)
	expectStatus(t, resp, body, http.StatusForbidden)

	resp, body = s.do(http.MethodGet, "/mfa/state", token, nil, nil)
	expectStatus(t, resp, body, http.StatusOK)
	if body["state"] != string(mfa.StateUnenrolled) {
		t.Fatalf("expected unenrolled, got %v", body["state"])
	}

	full, ver, _ := s.elevate(token)
	if ver["state"] != string(mfa.StateActive) || ver["first_verification"] != true {
		t.Fatalf("unexpected verify response %v", ver)
	}

	resp, body = s.do(http.MethodGet, "/patients/S1234567A?reason=checkup", full, nil, nil)
	expectStatus(t, resp, body, http.StatusOK)
	if body["name"] != "John Tan" || body["dob"] != "1980-04-12" {
		t.Fatalf("unexpected record %v", body)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := s.recorder.Close(ctx); err != nil {
		t.Fatalf("Close: %v", err)
	}
	entries := s.sink.Entries()
	if len(entries) != 1 {
		t.Fatalf("expected 1 audit entry, got %d", len(entries))
	}
	e := entries[0]
	if e.ClinicianID != 1 || e.PatientID != "S1234567A" || e.Action != audit.ActionRead || e.Reason != "checkup" {
		t.Fatalf("unexpected entry %+v", e)
	}
	if e.RequestID == "" {
		t.Fatal("expected request id on audit entry")
	}
}

func TestSecondLoginRoutesToChallenge(t *testing.T) {
	s := newTestServer(t)
	token, _ := s.signIn()
	s.elevate(token)

	token, login := s.signIn()
	if login["next"] != string(mfa.RouteChallenge) {
		t.Fatalf("expected next=challenge, got %v", login["next"])
	}
	resp, body := s.do(http.MethodPost, "/mfa/enroll", token, nil, nil)
	expectStatus(t, resp, body, http.StatusConflict)
	if body["next"] != string(mfa.RouteChallenge) {
		t.Fatalf("expected next=challenge, got %v", body)
	}
}

func TestWriteClearsEmptyList(t *testing.T) {
	s := newTestServer(t)
	token, _ := s.signIn()
	full, _, _ := s.elevate(token)

	resp, body := s.do(http.MethodPut, "/patients/s1234567a?reason=update", full, map[string]any{"allergies": []string{}}, nil)
	expectStatus(t, resp, body, http.StatusOK)
	if v, ok := body["allergies"]; !ok || v != nil {
		t.Fatalf("expected allergies null, got %v", body)
	}
	if body["updated_by"].(float64) != 1 || body["last_updated"] == nil {
		t.Fatalf("expected stamp, got %v", body)
	}

	resp, body = s.do(http.MethodGet, "/patients/S1234567A?reason=verify", full, nil, nil)
	expectStatus(t, resp, body, http.StatusOK)
	if body["allergies"] != nil {
		t.Fatalf("expected allergies absent after read, got %v", body["allergies"])
	}
}

func TestWriteReasonFromHeaderAndRequired(t *testing.T) {
	s := newTestServer(t)
	token, _ := s.signIn()
	full, _, _ := s.elevate(token)

	resp, body := s.do(http.MethodPut, "/patients/S1234567A", full, map[string]any{"name": "John T."}, nil)
	expectStatus(t, resp, body, http.StatusBadRequest)

	resp, body = s.do(http.MethodPut, "/patients/S1234567A", full, map[string]any{"name": "John T."}, map[string]string{reasonHeader: "name change"})
	expectStatus(t, resp, body, http.StatusOK)

	resp, body = s.do(http.MethodPut, "/patients/S1234567A?reason=x", full, map[string]any{"updated_by": 9}, nil)
	expectStatus(t, resp, body, http.StatusBadRequest)
}

func TestReadReasonDefaultAndStrict(t *testing.T) {
	s := newTestServer(t)
	token, _ := s.signIn()
	full, _, _ := s.elevate(token)

	resp, body := s.do(http.MethodGet, "/patients/S1234567A", full, nil, nil)
	expectStatus(t, resp, body, http.StatusOK)
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	_ = s.recorder.Close(ctx)
	if got := s.sink.Entries(); len(got) != 1 || got[0].Reason != defaultReason {
		t.Fatalf("expected default reason entry, got %+v", got)
	}

	strict := newTestServer(t, strictReason())
	token, _ = strict.signIn()
	full, _, _ = strict.elevate(token)
	resp, body = strict.do(http.MethodGet, "/patients/S1234567A", full, nil, nil)
	expectStatus(t, resp, body, http.StatusBadRequest)
}

func TestPatientErrors(t *testing.T) {
	s := newTestServer(t)
	token, _ := s.signIn()
	full, _, _ := s.elevate(token)

	resp, body := s.do(http.MethodGet, "/patients/NOPE?reason=x", full, nil, nil)
	expectStatus(t, resp, body, http.StatusNotFound)

	resp, body = s.do(http.MethodDelete, "/patients/S1234567A", full, nil, nil)
	expectStatus(t, resp, body, http.StatusMethodNotAllowed)
	if got := resp.Header.Get("Allow"); got != "GET, PUT" {
		t.Fatalf("unexpected Allow %q", got)
	}

	resp, body = s.do(http.MethodGet, "/patients/S1234567A", "", nil, nil)
	expectStatus(t, resp, body, http.StatusUnauthorized)

	resp, body = s.do(http.MethodGet, "/patients/S1234567A", "not-a-token", nil, nil)
	expectStatus(t, resp, body, http.StatusUnauthorized)
}

func TestLoginFailures(t *testing.T) {
	s := newTestServer(t)
	s.signIn()

	resp, body := s.do(http.MethodPost, "/auth/login", "", map[string]string{"email": "doc@example.org", "password": "wrong-pass"}, nil)
	expectStatus(t, resp, body, http.StatusUnauthorized)
	if body["category"] != idp.CategoryInvalidCredentials.String() {
		t.Fatalf("unexpected category %v", body)
	}
	if body["error"] != idp.CategoryInvalidCredentials.Message() {
		t.Fatalf("unexpected message %v", body["error"])
	}

	resp, body = s.do(http.MethodPost, "/auth/login", "", `{"email":"doc@example.org"`, nil)
	expectStatus(t, resp, body, http.StatusBadRequest)

	resp, body = s.do(http.MethodGet, "/auth/login", "", nil, nil)
	expectStatus(t, resp, body, http.StatusMethodNotAllowed)
}

func TestVerifyRejectsWrongCode(t *testing.T) {
	s := newTestServer(t)
	token, _ := s.signIn()

	resp, _ := s.do(http.MethodPost, "/mfa/enroll", token, nil, nil)
	expectStatus(t, resp, nil, http.StatusCreated)
	resp, ch := s.do(http.MethodPost, "/mfa/challenge", token, nil, nil)
	expectStatus(t, resp, ch, http.StatusCreated)
	id := ch["challenge_id"].(string)

	resp, body := s.do(http.MethodPost, "/mfa/verify", token, map[string]string{"challenge_id": id, "code": "12ab"}, nil)
	expectStatus(t, resp, body, http.StatusBadRequest)

	resp, body = s.do(http.MethodPost, "/mfa/verify", token, map[string]string{"challenge_id": id, "code": "000000"}, nil)
	if resp.StatusCode != http.StatusUnauthorized && resp.StatusCode != http.StatusOK {
		t.Fatalf("unexpected status %d", resp.StatusCode)
	}
	if resp.StatusCode == http.StatusUnauthorized && body["outcome"] != string(mfa.Rejected) {
		t.Fatalf("expected rejected outcome, got %v", body)
	}

	resp, body = s.do(http.MethodPost, "/mfa/verify", token, map[string]string{"challenge_id": id, "code": "123456"}, nil)
	expectStatus(t, resp, body, http.StatusNotFound)
}

func TestInternalLogs(t *testing.T) {
	s := newTestServer(t)
	entry := map[string]any{"doctorId": 1, "patientId": "S1234567A", "action": "read", "reason": "checkup"}

	resp, body := s.do(http.MethodPost, "/logs", "", entry, nil)
	expectStatus(t, resp, body, http.StatusUnauthorized)

	resp, body = s.do(http.MethodPost, "/logs", "", entry, map[string]string{audit.InternalTokenHeader: internalToken})
	expectStatus(t, resp, body, http.StatusCreated)
	if got := s.store.Entries(); len(got) != 1 || got[0].ID == "" || got[0].OccurredAt.IsZero() {
		t.Fatalf("unexpected stored entries %+v", got)
	}

	bad := map[string]any{"doctorId": 1, "patientId": "S1234567A", "action": "delete", "reason": "x"}
	resp, body = s.do(http.MethodPost, "/logs", "", bad, map[string]string{audit.InternalTokenHeader: internalToken})
	expectStatus(t, resp, body, http.StatusBadRequest)

	resp, body = s.do(http.MethodGet, "/logs", "", nil, map[string]string{audit.InternalTokenHeader: internalToken})
	expectStatus(t, resp, body, http.StatusMethodNotAllowed)
	if resp.Header.Get("Allow") != http.MethodPost {
		t.Fatalf("unexpected Allow %q", resp.Header.Get("Allow"))
	}
}

func TestInternalLogsStoreFailure(t *testing.T) {
	s := newTestServer(t)
	s.store.SetFailure(fault.E(fault.AuditFailure, "audit_logs.append", errors.New("disk full")))
	entry := map[string]any{"doctorId": 999, "patientId": "S1234567A", "action": "read", "reason": "checkup"}

	resp, body := s.do(http.MethodPost, "/logs", "", entry, map[string]string{audit.InternalTokenHeader: internalToken})
	expectStatus(t, resp, body, http.StatusInternalServerError)
	if body["error"] != "internal error" {
		t.Fatalf("unexpected body %v", body)
	}
}

func TestHTTPSinkAgainstLogsEndpoint(t *testing.T) {
	s := newTestServer(t)
	sink := audit.NewHTTPSink(s.srv.URL, internalToken, s.srv.Client())

	err := sink.Append(context.Background(), audit.Entry{ClinicianID: 1, PatientID: "S1234567A", Action: audit.ActionWrite, Reason: "update", RequestID: "req-1"})
	if err != nil {
		t.Fatalf("Append: %v", err)
	}
	got := s.store.Entries()
	if len(got) != 1 || got[0].RequestID != "req-1" || got[0].Action != audit.ActionWrite {
		t.Fatalf("unexpected stored entries %+v", got)
	}
}

func TestLogsSkipRateLimitWithInternalToken(t *testing.T) {
	store := audit.NewMemorySink()
	api := New(Deps{AuditStore: store, InternalToken: internalToken})
	srv := httptest.NewServer(api.Handler())
	t.Cleanup(srv.Close)

	sink := audit.NewHTTPSink(srv.URL, internalToken, srv.Client())
	const posts = 60
	var (
		wg     sync.WaitGroup
		mu     sync.Mutex
		failed int
	)
	for i := 0; i < posts; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			err := sink.Append(context.Background(), audit.Entry{ClinicianID: 1, PatientID: "S1234567A", Action: audit.ActionRead, Reason: "checkup"})
			if err != nil {
				mu.Lock()
				failed++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	if failed != 0 || len(store.Entries()) != posts {
		t.Fatalf("expected %d stored entries, got %d (%d failed)", posts, len(store.Entries()), failed)
	}

	limited := 0
	for i := 0; i < 80; i++ {
		resp, err := srv.Client().Get(srv.URL + "/healthz")
		if err != nil {
			t.Fatalf("healthz: %v", err)
		}
		resp.Body.Close()
		if resp.StatusCode == http.StatusTooManyRequests {
			limited++
		}
	}
	if limited == 0 {
		t.Fatal("expected public routes to stay rate limited")
	}
}

func TestHealthAndReady(t *testing.T) {
	s := newTestServer(t)
	resp, body := s.do(http.MethodGet, "/healthz", "", nil, nil)
	expectStatus(t, resp, body, http.StatusOK)
	if body["service"] != serviceName {
		t.Fatalf("unexpected health body %v", body)
	}
	resp, body = s.do(http.MethodGet, "/readyz", "", nil, nil)
	expectStatus(t, resp, body, http.StatusOK)
	if resp.Header.Get("X-Request-ID") == "" {
		t.Fatal("expected X-Request-ID header")
	}
}
