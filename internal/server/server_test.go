package server

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net"
	"net/http"
	"testing"

	"gigchain/internal/config"
	"gigchain/internal/db"
	"gigchain/internal/domain"
	"gigchain/internal/engine"
	"gigchain/internal/keys"
	"gigchain/internal/ledger"
	"gigchain/internal/migrate"
	"gigchain/internal/repo"
)

type testServer struct {
	URL    string
	repo   repo.Repo
	client *http.Client
	close  func()
}

func (s *testServer) Client() *http.Client { return s.client }
func (s *testServer) Close()               { s.close() }

var authHeaders = map[string]string{"X-Actor-Id": "tester"}

func newTestServer(t *testing.T) (*testServer, func()) {
	t.Helper()
	workspace := t.TempDir()
	cfg := config.Default("localnet")
	conn, err := db.Open(db.Config{Workspace: workspace})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	if err := migrate.Migrate(conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	ks, err := keys.Open(workspace)
	if err != nil {
		t.Fatalf("open keys: %v", err)
	}
	ldg := ledger.New(conn, cfg)
	e := engine.New(conn, cfg, ldg, &ks)
	handler, err := New(Config{
		Engine:   e,
		BasePath: "/v0",
		Auth:     AuthConfig{AllowLegacyActorHeader: true},
		Faucet:   ldg.Faucet,
	})
	if err != nil {
		t.Fatalf("build handler: %v", err)
	}
	ln, err := net.Listen("tcp4", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	srv := &http.Server{Handler: handler}
	go srv.Serve(ln)
	testSrv := &testServer{
		URL:    "http://" + ln.Addr().String(),
		repo:   e.Repo,
		client: &http.Client{},
		close: func() {
			srv.Shutdown(context.Background())
			ln.Close()
			conn.Close()
		},
	}
	return testSrv, func() { testSrv.Close() }
}

func doJSON(t *testing.T, client *http.Client, method, url string, body any, headers map[string]string) (*http.Response, []byte) {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("marshal body: %v", err)
		}
		reader = bytes.NewReader(b)
	} else {
		reader = bytes.NewReader(nil)
	}
	req, err := http.NewRequest(method, url, reader)
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	res, err := client.Do(req)
	if err != nil {
		t.Fatalf("do request: %v", err)
	}
	defer res.Body.Close()
	data, err := io.ReadAll(res.Body)
	if err != nil {
		t.Fatalf("read body: %v", err)
	}
	return res, data
}

func registerAndFund(t *testing.T, srv *testServer, name string, amount int64) domain.Party {
	t.Helper()
	client := srv.Client()
	res, data := doJSON(t, client, http.MethodPost, srv.URL+"/v0/parties", map[string]any{"name": name}, authHeaders)
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("create party %s: %d %s", name, res.StatusCode, string(data))
	}
	var p domain.Party
	if err := json.Unmarshal(data, &p); err != nil {
		t.Fatalf("unmarshal party: %v", err)
	}
	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v0/parties/"+p.KeyHash+"/faucet", map[string]any{"amount": amount}, authHeaders)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("faucet %s: %d %s", name, res.StatusCode, string(data))
	}
	return p
}

func TestAuthRequired(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()

	res, data := doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v0/jobs", nil, nil)
	if res.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d %s", res.StatusCode, string(data))
	}
	// health stays open
	res, _ = doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v0/health", nil, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("health: %d", res.StatusCode)
	}
}

func TestWhoami(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()

	res, data := doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v0/auth/whoami", nil, authHeaders)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("whoami: %d %s", res.StatusCode, string(data))
	}
	var who struct {
		ActorID string `json:"actor_id"`
		Source  string `json:"source"`
	}
	if err := json.Unmarshal(data, &who); err != nil {
		t.Fatalf("unmarshal whoami: %v %s", err, string(data))
	}
	if who.ActorID != "tester" || who.Source != "legacy_header" {
		t.Fatalf("whoami = %+v", who)
	}
}

func TestAPIKeyAuth(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	ctx := context.Background()

	if err := srv.repo.EnsureActor(ctx, "ops"); err != nil {
		t.Fatalf("ensure actor: %v", err)
	}
	plaintext, hash, err := repo.NewAPIKey()
	if err != nil {
		t.Fatalf("new api key: %v", err)
	}
	if err := srv.repo.InsertAPIKey(ctx, domain.APIKey{ID: "key-1", ActorID: "ops", Name: "ci", KeyHash: hash}); err != nil {
		t.Fatalf("insert api key: %v", err)
	}

	res, data := doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v0/auth/whoami", nil, map[string]string{"X-Api-Key": plaintext})
	if res.StatusCode != http.StatusOK {
		t.Fatalf("whoami with api key: %d %s", res.StatusCode, string(data))
	}
	var who struct {
		ActorID string `json:"actor_id"`
		Source  string `json:"source"`
	}
	if err := json.Unmarshal(data, &who); err != nil {
		t.Fatalf("unmarshal whoami: %v %s", err, string(data))
	}
	if who.ActorID != "ops" || who.Source != "api_key" {
		t.Fatalf("whoami = %+v", who)
	}

	res, _ = doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v0/auth/whoami", nil, map[string]string{"X-Api-Key": "gig_bogus"})
	if res.StatusCode != http.StatusUnauthorized {
		t.Fatalf("bogus key accepted: %d", res.StatusCode)
	}
}

func TestJobFlowOverHTTP(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	client := srv.Client()

	registerAndFund(t, srv, "acme", 500_000_000)
	dana := registerAndFund(t, srv, "dana", 100_000_000)
	iris := registerAndFund(t, srv, "iris", 100_000_000)

	res, data := doJSON(t, client, http.MethodPost, srv.URL+"/v0/jobs", map[string]any{
		"signer": "acme", "title": "Build a site",
		"budget_min": 10_000_000, "budget_max": 20_000_000,
	}, authHeaders)
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("post job: %d %s", res.StatusCode, string(data))
	}
	var job struct {
		PositionID string `json:"position_id"`
		JobID      string `json:"job_id"`
	}
	if err := json.Unmarshal(data, &job); err != nil || job.JobID == "" {
		t.Fatalf("unmarshal job: %v %s", err, string(data))
	}

	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v0/jobs/"+job.JobID+"/bids", map[string]any{
		"signer": "dana", "bid_amount": 15_000_000,
	}, authHeaders)
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("submit bid: %d %s", res.StatusCode, string(data))
	}

	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v0/jobs/"+job.JobID+"/bids/accept", map[string]any{
		"signer": "acme", "bidder_hash": dana.KeyHash,
	}, authHeaders)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("accept bid: %d %s", res.StatusCode, string(data))
	}

	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v0/jobs/"+job.JobID+"/escrow", map[string]any{
		"signer": "acme", "freelancer_hash": dana.KeyHash, "arbiter_hash": iris.KeyHash,
		"amount": 15_000_000,
	}, authHeaders)
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("create escrow: %d %s", res.StatusCode, string(data))
	}

	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v0/jobs/"+job.JobID+"/escrow/release", map[string]any{
		"employer_signer": "acme", "freelancer_signer": "dana",
	}, authHeaders)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("release: %d %s", res.StatusCode, string(data))
	}

	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v0/reputation/update", map[string]any{
		"signer": "dana", "job_id": job.JobID, "rating": 98,
		"completed": true, "freelancer_side": true,
	}, authHeaders)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("update reputation: %d %s", res.StatusCode, string(data))
	}
	var rec struct {
		AverageRating int64 `json:"average_rating"`
		TotalEarned   int64 `json:"total_earned"`
	}
	if err := json.Unmarshal(data, &rec); err != nil {
		t.Fatalf("unmarshal record: %v", err)
	}
	if rec.AverageRating != 98 || rec.TotalEarned != 15_000_000 {
		t.Fatalf("record: %+v", rec)
	}

	// the event log saw the whole lifecycle
	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/v0/events?job="+job.JobID, nil, authHeaders)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("events: %d %s", res.StatusCode, string(data))
	}
	var events struct {
		Events []domain.Event `json:"events"`
	}
	if err := json.Unmarshal(data, &events); err != nil {
		t.Fatalf("unmarshal events: %v %s", err, string(data))
	}
	if len(events.Events) < 4 {
		t.Fatalf("expected lifecycle events, got %d", len(events.Events))
	}
}

func TestErrorEnvelope(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()

	res, data := doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v0/jobs/nope", nil, authHeaders)
	if res.StatusCode != http.StatusNotFound {
		t.Fatalf("expected 404, got %d %s", res.StatusCode, string(data))
	}
	var envelope struct {
		Error struct {
			Code    string `json:"code"`
			Message string `json:"message"`
		} `json:"error"`
	}
	if err := json.Unmarshal(data, &envelope); err != nil {
		t.Fatalf("unmarshal envelope: %v %s", err, string(data))
	}
	if envelope.Error.Code != "not_found" {
		t.Fatalf("code = %q", envelope.Error.Code)
	}
}
