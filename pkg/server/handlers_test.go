// Copyright 2026 Annex Project
//
// API Handler Tests
// Drives the wire surface over a real store with the pairing check
// stubbed: registration, path refresh, membership verification, admission
// limits and the uniform error shape.

package server

import (
	"bytes"
	"context"
	"encoding/json"
	"math/big"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/seismicgear/annex/pkg/admission"
	"github.com/seismicgear/annex/pkg/config"
	"github.com/seismicgear/annex/pkg/database"
	"github.com/seismicgear/annex/pkg/federation"
	"github.com/seismicgear/annex/pkg/field"
	"github.com/seismicgear/annex/pkg/identity"
	"github.com/seismicgear/annex/pkg/merkle"
	"github.com/seismicgear/annex/pkg/policy"
	"github.com/seismicgear/annex/pkg/zk"
)

type okVerifier struct{}

func (okVerifier) Verify(*zk.Proof, []*big.Int) error { return nil }
func (okVerifier) Fingerprint() string                { return "stub" }

type apiFixture struct {
	ts     *httptest.Server
	pol    *policy.Policy
	repos  *database.Repositories
	setPol func(*policy.Policy) error
}

func newAPIFixture(t *testing.T) *apiFixture {
	t.Helper()

	cfg := &config.Config{
		DBPath:            filepath.Join(t.TempDir(), "annex.db"),
		DBMaxOpenConns:    4,
		DBMaxIdleConns:    2,
		DBConnMaxLifetime: time.Hour,
	}
	client, err := database.NewClient(cfg)
	if err != nil {
		t.Fatalf("new client: %v", err)
	}
	t.Cleanup(func() { client.Close() })
	if err := client.MigrateUp(context.Background()); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	repos := database.NewRepositories(client)
	if err := repos.Policy.EnsureServer(context.Background(), &database.Server{
		Slug: "default", Label: "Test", PublicKey: "00",
	}); err != nil {
		t.Fatalf("ensure server: %v", err)
	}

	f := &apiFixture{pol: policy.Default(), repos: repos}
	policyFn := func() *policy.Policy { return f.pol }
	f.setPol = func(p *policy.Policy) error { f.pol = p; return nil }

	registry := merkle.NewRegistry()
	identitySvc := identity.NewService("default", client, repos, registry, okVerifier{})
	engine := federation.NewEngine("default", client, repos, policyFn)
	cache := federation.NewCache("default", client, repos, func() *federation.PolicySnapshot {
		return &federation.PolicySnapshot{FreshnessSeconds: f.pol.FederationFreshnessSeconds}
	}, federation.WithVerifierFactory(func([]byte) (federation.Verifier, error) {
		return okVerifier{}, nil
	}))

	api := New(Config{
		ServerSlug: "default",
		Identity:   identitySvc,
		Engine:     engine,
		Cache:      cache,
		Limiter:    admission.NewLimiter(policyFn),
		Gate:       admission.NewGate("default", repos),
		Repos:      repos,
		PolicyFn:   policyFn,
		SetPolicy:  f.setPol,
		Registerer: prometheus.NewRegistry(),
	})
	f.ts = httptest.NewServer(api.Handler())
	t.Cleanup(f.ts.Close)
	return f
}

func (f *apiFixture) post(t *testing.T, path string, body interface{}, headers map[string]string) (*http.Response, map[string]interface{}) {
	t.Helper()
	raw, err := json.Marshal(body)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	req, err := http.NewRequest(http.MethodPost, f.ts.URL+path, bytes.NewReader(raw))
	if err != nil {
		t.Fatalf("request: %v", err)
	}
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("do: %v", err)
	}
	return resp, decodeBody(t, resp)
}

func (f *apiFixture) get(t *testing.T, path string) (*http.Response, map[string]interface{}) {
	t.Helper()
	resp, err := http.Get(f.ts.URL + path)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	return resp, decodeBody(t, resp)
}

func decodeBody(t *testing.T, resp *http.Response) map[string]interface{} {
	t.Helper()
	defer resp.Body.Close()
	var body map[string]interface{}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		t.Fatalf("decode body: %v", err)
	}
	return body
}

func TestRegisterVerifyFlow_HTTP(t *testing.T) {
	f := newAPIFixture(t)
	commitment := field.ToHex(big.NewInt(123456789))

	resp, body := f.post(t, "/api/v1/register", map[string]interface{}{
		"commitmentHex": commitment,
		"roleCode":      1,
		"nodeId":        42,
	}, nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("register status = %d: %v", resp.StatusCode, body)
	}
	if body["leafIndex"].(float64) != 0 {
		t.Errorf("leafIndex = %v, want 0", body["leafIndex"])
	}
	if body["identityId"] == "" {
		t.Error("identityId missing")
	}
	elements := body["pathElements"].([]interface{})
	bits := body["pathIndexBits"].([]interface{})
	if len(elements) != merkle.Depth || len(bits) != merkle.Depth {
		t.Errorf("path arrays %d/%d, want %d each", len(elements), len(bits), merkle.Depth)
	}
	rootHex := body["rootHex"].(string)

	// Path refresh matches the registration response.
	resp, pathBody := f.get(t, "/api/v1/path/"+commitment)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("path status = %d", resp.StatusCode)
	}
	if pathBody["rootHex"].(string) != rootHex {
		t.Errorf("path root drifted")
	}

	// Root endpoint agrees.
	_, rootBody := f.get(t, "/api/v1/root")
	if rootBody["rootHex"].(string) != rootHex {
		t.Errorf("root endpoint disagrees")
	}

	// Membership verification (pairing check stubbed).
	rootDec, _ := field.ParseHex(rootHex)
	comDec, _ := field.ParseHex(commitment)
	verify := map[string]interface{}{
		"root":          rootHex,
		"commitment":    commitment,
		"topic":         "annex:server:default:v1",
		"proof":         map[string]interface{}{"pi_a": []string{}, "pi_b": [][]string{}, "pi_c": []string{}},
		"publicSignals": []string{rootDec.String(), comDec.String()},
	}
	resp, body = f.post(t, "/api/v1/verify_membership", verify, nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("verify status = %d: %v", resp.StatusCode, body)
	}
	if body["ok"] != true || len(body["pseudonymId"].(string)) != 64 {
		t.Errorf("verify body = %v", body)
	}

	// Replay surfaces the uniform error shape.
	resp, body = f.post(t, "/api/v1/verify_membership", verify, nil)
	if resp.StatusCode != http.StatusConflict {
		t.Fatalf("replay status = %d", resp.StatusCode)
	}
	if body["error"] != "NullifierReplay" || body["message"] == "" {
		t.Errorf("replay body = %v", body)
	}
}

func TestRegister_DuplicateOverHTTP(t *testing.T) {
	f := newAPIFixture(t)
	commitment := field.ToHex(big.NewInt(7))
	payload := map[string]interface{}{"commitmentHex": commitment, "roleCode": 2, "nodeId": 1}

	if resp, _ := f.post(t, "/api/v1/register", payload, nil); resp.StatusCode != http.StatusOK {
		t.Fatalf("register failed")
	}
	resp, body := f.post(t, "/api/v1/register", payload, nil)
	if resp.StatusCode != http.StatusConflict || body["error"] != "DuplicateCommitment" {
		t.Errorf("duplicate = %d %v", resp.StatusCode, body)
	}
}

func TestRateLimit_RegistrationClass(t *testing.T) {
	f := newAPIFixture(t)
	f.pol.RateLimit.Registration = 3

	var last *http.Response
	var lastBody map[string]interface{}
	for i := 0; i < 4; i++ {
		last, lastBody = f.post(t, "/api/v1/register", map[string]interface{}{
			"commitmentHex": field.ToHex(big.NewInt(int64(100 + i))),
			"roleCode":      1,
			"nodeId":        1,
		}, nil)
	}
	if last.StatusCode != http.StatusTooManyRequests {
		t.Fatalf("4th request status = %d, want 429", last.StatusCode)
	}
	if lastBody["error"] != "RateLimited" {
		t.Errorf("error = %v, want RateLimited", lastBody["error"])
	}
	retry, ok := lastBody["retry_after_seconds"].(float64)
	if !ok || retry <= 0 || retry > 60 {
		t.Errorf("retry_after_seconds = %v, want (0, 60]", lastBody["retry_after_seconds"])
	}
}

func TestErrorShape_MalformedBody(t *testing.T) {
	f := newAPIFixture(t)

	resp, err := http.Post(f.ts.URL+"/api/v1/register", "application/json", bytes.NewReader([]byte("{")))
	if err != nil {
		t.Fatalf("post: %v", err)
	}
	body := decodeBody(t, resp)
	if resp.StatusCode != http.StatusBadRequest || body["error"] != "InvalidInput" {
		t.Errorf("malformed body = %d %v", resp.StatusCode, body)
	}
}

func TestMethodChecks(t *testing.T) {
	f := newAPIFixture(t)

	resp, _ := f.get(t, "/api/v1/register")
	if resp.StatusCode != http.StatusMethodNotAllowed {
		t.Errorf("GET register = %d, want 405", resp.StatusCode)
	}
}

func TestPolicyEndpoint_GateAndUpdate(t *testing.T) {
	f := newAPIFixture(t)

	resp, body := f.get(t, "/api/v1/policy")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("get policy = %d", resp.StatusCode)
	}
	if body["federation_enabled"] != true {
		t.Errorf("policy body = %v", body)
	}

	// Mutation without a moderator pseudonym is refused.
	resp, body = f.post(t, "/api/v1/policy", map[string]interface{}{"voice_enabled": false}, nil)
	if resp.StatusCode != http.StatusForbidden || body["error"] != "Forbidden" {
		t.Errorf("ungated policy update = %d %v", resp.StatusCode, body)
	}

	// Activate a founder (auto-promoted to moderator) and retry.
	commitment := field.ToHex(big.NewInt(55))
	if resp, _ := f.post(t, "/api/v1/register", map[string]interface{}{
		"commitmentHex": commitment, "roleCode": 1, "nodeId": 1,
	}, nil); resp.StatusCode != http.StatusOK {
		t.Fatal("register failed")
	}
	_, rootBody := f.get(t, "/api/v1/root")
	rootHex := rootBody["rootHex"].(string)
	rootDec, _ := field.ParseHex(rootHex)
	comDec, _ := field.ParseHex(commitment)
	resp, body = f.post(t, "/api/v1/verify_membership", map[string]interface{}{
		"root": rootHex, "commitment": commitment, "topic": "annex:server:default:v1",
		"proof":         map[string]interface{}{"pi_a": []string{}, "pi_b": [][]string{}, "pi_c": []string{}},
		"publicSignals": []string{rootDec.String(), comDec.String()},
	}, nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("activation failed: %v", body)
	}
	founder := body["pseudonymId"].(string)

	resp, body = f.post(t, "/api/v1/policy", map[string]interface{}{"voice_enabled": false},
		map[string]string{"X-Annex-Pseudonym": founder})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("gated policy update = %d %v", resp.StatusCode, body)
	}
	if body["voice_enabled"] != false {
		t.Errorf("policy update not applied: %v", body)
	}
}

func TestEventsEndpoint(t *testing.T) {
	f := newAPIFixture(t)

	if resp, _ := f.post(t, "/api/v1/register", map[string]interface{}{
		"commitmentHex": field.ToHex(big.NewInt(9)), "roleCode": 1, "nodeId": 1,
	}, nil); resp.StatusCode != http.StatusOK {
		t.Fatal("register failed")
	}

	resp, body := f.get(t, "/api/v1/events?domain=IDENTITY")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("events = %d", resp.StatusCode)
	}
	events := body["events"].([]interface{})
	if len(events) != 1 {
		t.Fatalf("%d events, want 1", len(events))
	}
	first := events[0].(map[string]interface{})
	if first["event_type"] != "registered" || first["seq"].(float64) != 1 {
		t.Errorf("event = %v", first)
	}

	resp, _ = f.get(t, "/api/v1/events?domain=BOGUS")
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("bogus domain = %d, want 400", resp.StatusCode)
	}
}

func TestHealthEndpoint(t *testing.T) {
	f := newAPIFixture(t)
	resp, body := f.get(t, "/health")
	if resp.StatusCode != http.StatusOK || body["status"] != "ok" {
		t.Errorf("health = %d %v", resp.StatusCode, body)
	}
}
