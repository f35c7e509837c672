package ledger_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"gigchain/internal/chain"
	"gigchain/internal/config"
	"gigchain/internal/db"
	"gigchain/internal/domain"
	"gigchain/internal/keys"
	"gigchain/internal/ledger"
	"gigchain/internal/migrate"
)

func newLedger(t *testing.T) (*ledger.Ledger, keys.Store) {
	t.Helper()
	dir := t.TempDir()
	conn, err := db.Open(db.Config{Workspace: dir})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	if err := migrate.Migrate(conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	ks, err := keys.Open(dir)
	if err != nil {
		t.Fatalf("open keys: %v", err)
	}
	l := ledger.New(conn, config.Default("localnet"))
	l.Now = func() time.Time { return time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC) }
	return l, ks
}

func mustJSON(t *testing.T, v any) string {
	t.Helper()
	return chain.MarshalRedeemer(v)
}

// seedJob mints a record and posts one job for the signer, returning the
// live job position id.
func seedJob(t *testing.T, l *ledger.Ledger, signer keys.Signer, jobID string) string {
	t.Helper()
	ctx := context.Background()
	if err := l.Faucet(ctx, signer.KeyHash(), 100_000_000); err != nil {
		t.Fatalf("faucet: %v", err)
	}

	recBody := chain.TxBody{
		ID: "tx-record-" + jobID, CreatedAt: "2024-01-01T00:00:00Z",
		Outputs: []chain.Output{{
			Kind:      domain.KindReputationRecord,
			OwnerHash: signer.KeyHash(),
			Amount:    2_000_000,
			DatumJSON: mustJSON(t, domain.ReputationRecord{OwnerHash: signer.KeyHash()}),
		}},
		FundedBy:        signer.KeyHash(),
		RequiredSigners: []string{signer.KeyHash()},
	}
	recTx := chain.Tx{Body: recBody}
	recTx.Sign(signer)
	recTxID, err := l.Submit(ctx, recTx)
	if err != nil {
		t.Fatalf("mint record: %v", err)
	}

	job := domain.JobPosting{
		JobID: jobID, EmployerHash: signer.KeyHash(),
		Title: "work", BudgetMin: 1, BudgetMax: 2, IsActive: true,
	}
	jobBody := chain.TxBody{
		ID: "tx-job-" + jobID, CreatedAt: "2024-01-01T00:00:00Z",
		References: []string{recTxID + "#0"},
		Outputs: []chain.Output{{
			Kind:      domain.KindJobPosting,
			OwnerHash: signer.KeyHash(),
			JobID:     jobID,
			Amount:    2_000_000,
			DatumJSON: mustJSON(t, job),
		}},
		FundedBy:        signer.KeyHash(),
		RequiredSigners: []string{signer.KeyHash()},
	}
	jobTx := chain.Tx{Body: jobBody}
	jobTx.Sign(signer)
	jobTxID, err := l.Submit(ctx, jobTx)
	if err != nil {
		t.Fatalf("post job: %v", err)
	}
	return jobTxID + "#0"
}

func closeJobTx(signer keys.Signer, txID, positionID string) chain.Tx {
	body := chain.TxBody{
		ID: txID, CreatedAt: "2024-01-01T00:00:00Z",
		Inputs:          []chain.Input{{PositionID: positionID, Action: domain.ActionCloseJob}},
		Payments:        []chain.Payment{{ToHash: signer.KeyHash(), Amount: 2_000_000}},
		RequiredSigners: []string{signer.KeyHash()},
	}
	t := chain.Tx{Body: body}
	t.Sign(signer)
	return t
}

func TestDoubleSpendLosesRace(t *testing.T) {
	l, ks := newLedger(t)
	signer, err := ks.Generate("acme", false)
	if err != nil {
		t.Fatal(err)
	}
	posID := seedJob(t, l, signer, "job-1")
	ctx := context.Background()

	if _, err := l.Submit(ctx, closeJobTx(signer, "spend-1", posID)); err != nil {
		t.Fatalf("first spend: %v", err)
	}
	_, err = l.Submit(ctx, closeJobTx(signer, "spend-2", posID))
	if !errors.Is(err, chain.ErrNotFound) {
		t.Fatalf("second spend: got %v, want not found", err)
	}

	// the position records its one consumer
	pos, err := l.FetchPosition(ctx, posID)
	if err != nil {
		t.Fatalf("fetch position: %v", err)
	}
	if pos.ConsumedBy == nil || *pos.ConsumedBy != "spend-1" {
		t.Fatalf("consumed_by = %v", pos.ConsumedBy)
	}
}

func TestDuplicateTxIDConflicts(t *testing.T) {
	l, ks := newLedger(t)
	signer, err := ks.Generate("acme", false)
	if err != nil {
		t.Fatal(err)
	}
	posID := seedJob(t, l, signer, "job-1")
	ctx := context.Background()

	if _, err := l.Submit(ctx, closeJobTx(signer, "spend-1", posID)); err != nil {
		t.Fatalf("first submit: %v", err)
	}
	_, err = l.Submit(ctx, closeJobTx(signer, "spend-1", posID))
	if !errors.Is(err, chain.ErrConflict) {
		t.Fatalf("resubmit: got %v, want conflict", err)
	}
}

// flakyClient fails a fixed number of submissions before accepting.
type flakyClient struct {
	failures int
	calls    int
}

func (f *flakyClient) Submit(ctx context.Context, t chain.Tx) (string, error) {
	f.calls++
	if f.calls <= f.failures {
		return "", chain.ErrUnavailable
	}
	return t.Body.ID, nil
}

func (f *flakyClient) FetchPosition(ctx context.Context, id string) (domain.Position, error) {
	return domain.Position{}, chain.ErrNotFound
}

func (f *flakyClient) FetchTx(ctx context.Context, id string) (chain.TxStatus, error) {
	return chain.TxStatus{ID: id, Confirmed: true}, nil
}

func (f *flakyClient) Balance(ctx context.Context, ownerHash string) (int64, error) {
	return 0, nil
}

func TestGatewayRetriesTransientFailures(t *testing.T) {
	cfg := config.Default("localnet")
	cfg.Confirm.Attempts = 5
	cfg.Confirm.IntervalSeconds = 1
	cfg.Confirm.BackoffFactor = 2
	cfg.Confirm.MaxIntervalSecs = 3

	client := &flakyClient{failures: 3}
	g := ledger.NewGateway(client, cfg)
	var waits []time.Duration
	g.Sleep = func(ctx context.Context, d time.Duration) error {
		waits = append(waits, d)
		return nil
	}

	id, err := g.SubmitAndWait(context.Background(), chain.Tx{Body: chain.TxBody{ID: "tx-1"}})
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	if id != "tx-1" || client.calls != 4 {
		t.Fatalf("id=%s calls=%d", id, client.calls)
	}
	// exponential, capped at the max interval
	want := []time.Duration{1 * time.Second, 2 * time.Second, 3 * time.Second}
	if len(waits) != len(want) {
		t.Fatalf("waits = %v", waits)
	}
	for i := range want {
		if waits[i] != want[i] {
			t.Fatalf("wait %d = %v, want %v", i, waits[i], want[i])
		}
	}
}

func TestGatewayGivesUp(t *testing.T) {
	cfg := config.Default("localnet")
	cfg.Confirm.Attempts = 3
	client := &flakyClient{failures: 10}
	g := ledger.NewGateway(client, cfg)
	g.Sleep = func(ctx context.Context, d time.Duration) error { return nil }

	_, err := g.Submit(context.Background(), chain.Tx{Body: chain.TxBody{ID: "tx-1"}})
	if !errors.Is(err, chain.ErrUnavailable) {
		t.Fatalf("got %v, want unavailable", err)
	}
	if client.calls != 3 {
		t.Fatalf("calls = %d", client.calls)
	}
}

func TestGatewayDoesNotRetryValidationErrors(t *testing.T) {
	cfg := config.Default("localnet")
	client := &rejectingClient{}
	g := ledger.NewGateway(client, cfg)
	g.Sleep = func(ctx context.Context, d time.Duration) error { return nil }

	_, err := g.Submit(context.Background(), chain.Tx{Body: chain.TxBody{ID: "tx-1"}})
	if !errors.Is(err, chain.ErrBadEvidence) {
		t.Fatalf("got %v", err)
	}
	if client.calls != 1 {
		t.Fatalf("calls = %d, want 1", client.calls)
	}
}

type rejectingClient struct{ calls int }

func (r *rejectingClient) Submit(ctx context.Context, t chain.Tx) (string, error) {
	r.calls++
	return "", chain.ErrBadEvidence
}

func (r *rejectingClient) FetchPosition(ctx context.Context, id string) (domain.Position, error) {
	return domain.Position{}, chain.ErrNotFound
}

func (r *rejectingClient) FetchTx(ctx context.Context, id string) (chain.TxStatus, error) {
	return chain.TxStatus{}, chain.ErrNotFound
}

func (r *rejectingClient) Balance(ctx context.Context, ownerHash string) (int64, error) {
	return 0, nil
}
