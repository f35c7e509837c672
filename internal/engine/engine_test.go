package engine_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"gigchain/internal/config"
	"gigchain/internal/db"
	"gigchain/internal/domain"
	"gigchain/internal/engine"
	"gigchain/internal/keys"
	"gigchain/internal/ledger"
	"gigchain/internal/migrate"
	"gigchain/internal/repo"
)

type testEnv struct {
	Engine engine.Engine
	Ledger *ledger.Ledger
	Ctx    context.Context
}

func newTestEnv(t *testing.T) testEnv {
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
	cfg := config.Default("localnet")
	ks, err := keys.Open(dir)
	if err != nil {
		t.Fatalf("open keys: %v", err)
	}
	ldg := ledger.New(conn, cfg)
	eng := engine.New(conn, cfg, ldg, &ks)
	eng.Now = func() time.Time { return time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC) }
	return testEnv{Engine: eng, Ledger: ldg, Ctx: context.Background()}
}

func (env testEnv) party(t *testing.T, name string, funds int64) domain.Party {
	t.Helper()
	p, err := env.Engine.RegisterParty(env.Ctx, name, false)
	if err != nil {
		t.Fatalf("register %s: %v", name, err)
	}
	if err := env.Ledger.Faucet(env.Ctx, p.KeyHash, funds); err != nil {
		t.Fatalf("faucet %s: %v", name, err)
	}
	return p
}

func (env testEnv) balance(t *testing.T, keyHash string) int64 {
	t.Helper()
	bal, err := env.Ledger.Balance(env.Ctx, keyHash)
	if err != nil {
		t.Fatalf("balance: %v", err)
	}
	return bal
}

func TestPostJobValidatesBudget(t *testing.T) {
	env := newTestEnv(t)
	env.party(t, "acme", 100_000_000)

	_, err := env.Engine.PostJob(env.Ctx, engine.JobCreateOptions{
		SignerName: "acme", Title: "Build a site", BudgetMin: 20_000_000, BudgetMax: 10_000_000,
	})
	if err == nil {
		t.Fatalf("expected budget error")
	}
	_, err = env.Engine.PostJob(env.Ctx, engine.JobCreateOptions{
		SignerName: "acme", Title: "Build a site", BudgetMin: 0, BudgetMax: 10_000_000,
	})
	if err == nil {
		t.Fatalf("expected budget_min error")
	}
}

func TestJobLifecycleReturnsDeposit(t *testing.T) {
	env := newTestEnv(t)
	acme := env.party(t, "acme", 100_000_000)

	before := env.balance(t, acme.KeyHash)
	job, err := env.Engine.PostJob(env.Ctx, engine.JobCreateOptions{
		SignerName: "acme", Title: "Build a site", BudgetMin: 10_000_000, BudgetMax: 20_000_000,
	})
	if err != nil {
		t.Fatalf("post job: %v", err)
	}
	// posting locks the job deposit plus the first-use record deposit
	deposit := env.Engine.Config.Protocol.Deposit
	if got := env.balance(t, acme.KeyHash); got != before-2*deposit {
		t.Fatalf("balance after post = %d, want %d", got, before-2*deposit)
	}

	jobs, err := env.Engine.ListJobs(env.Ctx, acme.KeyHash, 0)
	if err != nil || len(jobs) != 1 {
		t.Fatalf("list jobs = %d, %v", len(jobs), err)
	}

	if _, err := env.Engine.CloseJob(env.Ctx, "acme", job.JobID); err != nil {
		t.Fatalf("close job: %v", err)
	}
	// job deposit back, record deposit stays locked
	if got := env.balance(t, acme.KeyHash); got != before-deposit {
		t.Fatalf("balance after close = %d, want %d", got, before-deposit)
	}
	if _, err := env.Engine.GetJob(env.Ctx, job.JobID); !errors.Is(err, repo.ErrNotFound) {
		t.Fatalf("closed job still live: %v", err)
	}
	// second close must fail: the position is spent
	if _, err := env.Engine.CloseJob(env.Ctx, "acme", job.JobID); err == nil {
		t.Fatalf("expected error closing twice")
	}
}

func TestBidFlow(t *testing.T) {
	env := newTestEnv(t)
	acme := env.party(t, "acme", 100_000_000)
	dana := env.party(t, "dana", 100_000_000)

	job, err := env.Engine.PostJob(env.Ctx, engine.JobCreateOptions{
		SignerName: "acme", Title: "Refactor backend", BudgetMin: 10_000_000, BudgetMax: 20_000_000,
	})
	if err != nil {
		t.Fatalf("post job: %v", err)
	}

	if _, err := env.Engine.SubmitBid(env.Ctx, engine.BidCreateOptions{
		SignerName: "acme", JobID: job.JobID, BidAmount: 15_000_000,
	}); err == nil {
		t.Fatalf("employer bidding on own job should fail")
	}

	bid, err := env.Engine.SubmitBid(env.Ctx, engine.BidCreateOptions{
		SignerName: "dana", JobID: job.JobID, BidAmount: 15_000_000,
	})
	if err != nil {
		t.Fatalf("submit bid: %v", err)
	}
	if bid.BidderHash != dana.KeyHash || !bid.IsActive {
		t.Fatalf("bid datum wrong: %+v", bid)
	}

	if _, err := env.Engine.CancelBid(env.Ctx, "dana", job.JobID); err != nil {
		t.Fatalf("cancel bid: %v", err)
	}
	bids, err := env.Engine.ListBids(env.Ctx, job.JobID, 0)
	if err != nil || len(bids) != 0 {
		t.Fatalf("bids after cancel = %d, %v", len(bids), err)
	}

	danaBefore := env.balance(t, dana.KeyHash)
	acmeBefore := env.balance(t, acme.KeyHash)
	if _, err := env.Engine.SubmitBid(env.Ctx, engine.BidCreateOptions{
		SignerName: "dana", JobID: job.JobID, BidAmount: 12_000_000,
	}); err != nil {
		t.Fatalf("re-bid: %v", err)
	}
	if _, err := env.Engine.AcceptBid(env.Ctx, "acme", job.JobID, dana.KeyHash); err != nil {
		t.Fatalf("accept bid: %v", err)
	}
	// the bid deposit transfers to the employer on accept
	deposit := env.Engine.Config.Protocol.Deposit
	if got := env.balance(t, dana.KeyHash); got != danaBefore-deposit {
		t.Fatalf("bidder balance after accept = %d, want %d", got, danaBefore-deposit)
	}
	if got := env.balance(t, acme.KeyHash); got != acmeBefore+deposit {
		t.Fatalf("employer balance after accept = %d, want %d", got, acmeBefore+deposit)
	}
}

func TestBidRequiresActiveJob(t *testing.T) {
	env := newTestEnv(t)
	env.party(t, "acme", 100_000_000)
	env.party(t, "dana", 100_000_000)

	job, err := env.Engine.PostJob(env.Ctx, engine.JobCreateOptions{
		SignerName: "acme", Title: "One-off", BudgetMin: 5_000_000, BudgetMax: 6_000_000,
	})
	if err != nil {
		t.Fatalf("post job: %v", err)
	}
	if _, err := env.Engine.CancelJob(env.Ctx, "acme", job.JobID); err != nil {
		t.Fatalf("cancel job: %v", err)
	}
	if _, err := env.Engine.SubmitBid(env.Ctx, engine.BidCreateOptions{
		SignerName: "dana", JobID: job.JobID, BidAmount: 5_000_000,
	}); err == nil {
		t.Fatalf("bid on cancelled job should fail")
	}
}

// runJob drives one full lifecycle for a fixed pair and returns the job id.
func runJob(t *testing.T, env testEnv, employer, freelancer, arbiter domain.Party, amount int64) string {
	t.Helper()
	job, err := env.Engine.PostJob(env.Ctx, engine.JobCreateOptions{
		SignerName: employer.Name, Title: "work", BudgetMin: amount, BudgetMax: amount,
	})
	if err != nil {
		t.Fatalf("post job: %v", err)
	}
	if _, err := env.Engine.SubmitBid(env.Ctx, engine.BidCreateOptions{
		SignerName: freelancer.Name, JobID: job.JobID, BidAmount: amount,
	}); err != nil {
		t.Fatalf("submit bid: %v", err)
	}
	if _, err := env.Engine.AcceptBid(env.Ctx, employer.Name, job.JobID, freelancer.KeyHash); err != nil {
		t.Fatalf("accept bid: %v", err)
	}
	if _, err := env.Engine.CreateEscrow(env.Ctx, engine.EscrowCreateOptions{
		SignerName: employer.Name, JobID: job.JobID,
		FreelancerHash: freelancer.KeyHash, ArbiterHash: arbiter.KeyHash, Amount: amount,
	}); err != nil {
		t.Fatalf("create escrow: %v", err)
	}
	if _, err := env.Engine.ReleaseEscrow(env.Ctx, employer.Name, freelancer.Name, job.JobID); err != nil {
		t.Fatalf("release escrow: %v", err)
	}
	if _, err := env.Engine.CloseJob(env.Ctx, employer.Name, job.JobID); err != nil {
		t.Fatalf("close job: %v", err)
	}
	return job.JobID
}

func TestReputationRunningAverage(t *testing.T) {
	env := newTestEnv(t)
	acme := env.party(t, "acme", 500_000_000)
	dana := env.party(t, "dana", 500_000_000)
	iris := env.party(t, "iris", 100_000_000)

	job1 := runJob(t, env, acme, dana, iris, 15_000_000)
	rec, err := env.Engine.UpdateReputation(env.Ctx, engine.UpdateOptions{
		SignerName: "dana", JobID: job1, Rating: 95, Completed: true, FreelancerSide: true,
	})
	if err != nil {
		t.Fatalf("update 1: %v", err)
	}
	if rec.AverageRating != 95 || rec.TotalJobs != 1 || rec.CompletedJobs != 1 {
		t.Fatalf("after first update: %+v", rec.ReputationRecord)
	}
	if rec.TotalEarned != 15_000_000 {
		t.Fatalf("total earned = %d", rec.TotalEarned)
	}

	job2 := runJob(t, env, acme, dana, iris, 10_000_000)
	rec, err = env.Engine.UpdateReputation(env.Ctx, engine.UpdateOptions{
		SignerName: "dana", JobID: job2, Rating: 85, Completed: true, FreelancerSide: true,
	})
	if err != nil {
		t.Fatalf("update 2: %v", err)
	}
	// (95+85)/2 rounds to 90
	if rec.AverageRating != 90 {
		t.Fatalf("average = %d, want 90", rec.AverageRating)
	}
	if rec.TotalJobs != 2 || rec.CompletedJobs != 2 || rec.TotalEarned != 25_000_000 {
		t.Fatalf("counters: %+v", rec.ReputationRecord)
	}

	// counters never decrease across the employer's own updates either
	empRec, err := env.Engine.UpdateReputation(env.Ctx, engine.UpdateOptions{
		SignerName: "acme", JobID: job1, Rating: 90, Completed: true, FreelancerSide: false,
	})
	if err != nil {
		t.Fatalf("employer update: %v", err)
	}
	if empRec.TotalPaid != 15_000_000 || empRec.TotalJobs != 1 {
		t.Fatalf("employer counters: %+v", empRec.ReputationRecord)
	}

	if dana.KeyHash == "" {
		t.Fatal("missing key hash")
	}
}

func TestUpdateWithoutProofFails(t *testing.T) {
	env := newTestEnv(t)
	env.party(t, "dana", 100_000_000)
	if _, err := env.Engine.MintReputationRecord(env.Ctx, "dana"); err != nil {
		t.Fatalf("mint record: %v", err)
	}
	_, err := env.Engine.UpdateReputation(env.Ctx, engine.UpdateOptions{
		SignerName: "dana", JobID: "no-such-job", Rating: 100, Completed: true, FreelancerSide: true,
	})
	if !errors.Is(err, repo.ErrNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
}

func TestSecondLiveRecordRejected(t *testing.T) {
	env := newTestEnv(t)
	env.party(t, "dana", 100_000_000)
	if _, err := env.Engine.MintReputationRecord(env.Ctx, "dana"); err != nil {
		t.Fatalf("mint record: %v", err)
	}
	if _, err := env.Engine.MintReputationRecord(env.Ctx, "dana"); err == nil {
		t.Fatalf("expected second mint to fail")
	}
	// EnsureRecord keeps returning the existing one
	rec, err := env.Engine.EnsureRecord(env.Ctx, "dana")
	if err != nil {
		t.Fatalf("ensure record: %v", err)
	}
	if rec.TotalJobs != 0 {
		t.Fatalf("unexpected record: %+v", rec.ReputationRecord)
	}
}
