package engine_test

import (
	"testing"

	"github.com/stretchr/testify/require"

	"gigchain/internal/chain"
	"gigchain/internal/domain"
	"gigchain/internal/engine"
	"gigchain/internal/repo"
)

func TestEscrowAmountMustMatchBid(t *testing.T) {
	env := newTestEnv(t)
	env.party(t, "acme", 500_000_000)
	dana := env.party(t, "dana", 100_000_000)
	iris := env.party(t, "iris", 100_000_000)

	job, err := env.Engine.PostJob(env.Ctx, engine.JobCreateOptions{
		SignerName: "acme", Title: "work", BudgetMin: 10_000_000, BudgetMax: 20_000_000,
	})
	require.NoError(t, err)
	_, err = env.Engine.SubmitBid(env.Ctx, engine.BidCreateOptions{
		SignerName: "dana", JobID: job.JobID, BidAmount: 15_000_000,
	})
	require.NoError(t, err)
	_, err = env.Engine.AcceptBid(env.Ctx, "acme", job.JobID, dana.KeyHash)
	require.NoError(t, err)

	_, err = env.Engine.CreateEscrow(env.Ctx, engine.EscrowCreateOptions{
		SignerName: "acme", JobID: job.JobID,
		FreelancerHash: dana.KeyHash, ArbiterHash: iris.KeyHash, Amount: 14_000_000,
	})
	require.Error(t, err, "escrow below the accepted bid must be rejected")

	_, err = env.Engine.CreateEscrow(env.Ctx, engine.EscrowCreateOptions{
		SignerName: "acme", JobID: job.JobID,
		FreelancerHash: dana.KeyHash, ArbiterHash: iris.KeyHash, Amount: 15_000_000,
	})
	require.NoError(t, err)
}

// TestEscrowRequiresAcceptedBid pins the escrow to the bid the employer
// actually accepted: neither a cancelled bid nor a still-open one backs
// an escrow, whatever its amount.
func TestEscrowRequiresAcceptedBid(t *testing.T) {
	env := newTestEnv(t)
	env.party(t, "acme", 500_000_000)
	dana := env.party(t, "dana", 100_000_000)
	iris := env.party(t, "iris", 100_000_000)

	job, err := env.Engine.PostJob(env.Ctx, engine.JobCreateOptions{
		SignerName: "acme", Title: "work", BudgetMin: 10_000_000, BudgetMax: 20_000_000,
	})
	require.NoError(t, err)

	// a cancelled bid leaves nothing to escrow against
	_, err = env.Engine.SubmitBid(env.Ctx, engine.BidCreateOptions{
		SignerName: "dana", JobID: job.JobID, BidAmount: 14_000_000,
	})
	require.NoError(t, err)
	_, err = env.Engine.CancelBid(env.Ctx, "dana", job.JobID)
	require.NoError(t, err)
	_, err = env.Engine.CreateEscrow(env.Ctx, engine.EscrowCreateOptions{
		SignerName: "acme", JobID: job.JobID,
		FreelancerHash: dana.KeyHash, ArbiterHash: iris.KeyHash, Amount: 14_000_000,
	})
	require.ErrorIs(t, err, repo.ErrNotFound, "cancelled bid must not back an escrow")

	// a live bid that has not been accepted is not enough either
	_, err = env.Engine.SubmitBid(env.Ctx, engine.BidCreateOptions{
		SignerName: "dana", JobID: job.JobID, BidAmount: 15_000_000,
	})
	require.NoError(t, err)
	_, err = env.Engine.CreateEscrow(env.Ctx, engine.EscrowCreateOptions{
		SignerName: "acme", JobID: job.JobID,
		FreelancerHash: dana.KeyHash, ArbiterHash: iris.KeyHash, Amount: 15_000_000,
	})
	require.ErrorIs(t, err, repo.ErrNotFound, "open bid must not back an escrow")

	_, err = env.Engine.AcceptBid(env.Ctx, "acme", job.JobID, dana.KeyHash)
	require.NoError(t, err)

	// the cancelled bid's amount still does not satisfy the check
	_, err = env.Engine.CreateEscrow(env.Ctx, engine.EscrowCreateOptions{
		SignerName: "acme", JobID: job.JobID,
		FreelancerHash: dana.KeyHash, ArbiterHash: iris.KeyHash, Amount: 14_000_000,
	})
	require.Error(t, err)

	_, err = env.Engine.CreateEscrow(env.Ctx, engine.EscrowCreateOptions{
		SignerName: "acme", JobID: job.JobID,
		FreelancerHash: dana.KeyHash, ArbiterHash: iris.KeyHash, Amount: 15_000_000,
	})
	require.NoError(t, err)
}

func TestReleaseNeedsBothSignatures(t *testing.T) {
	env := newTestEnv(t)
	env.party(t, "acme", 500_000_000)
	dana := env.party(t, "dana", 100_000_000)
	iris := env.party(t, "iris", 100_000_000)

	jobID := fundEscrow(t, env, "acme", "dana", dana.KeyHash, iris.KeyHash, 15_000_000)

	// employer alone
	pending, err := env.Engine.BuildRelease(env.Ctx, "acme", jobID)
	require.NoError(t, err)
	_, err = env.Engine.SubmitRelease(env.Ctx, pending)
	require.True(t, chain.IsUnauthorized(err), "employer-only release must be unauthorized, got %v", err)

	// escrow is untouched after the failed attempt
	esc, err := env.Engine.GetEscrow(env.Ctx, jobID)
	require.NoError(t, err)
	require.Equal(t, int64(15_000_000), esc.Amount)

	// with the freelancer's co-signature it goes through
	pending, err = env.Engine.CoSign(pending, "dana")
	require.NoError(t, err)
	_, err = env.Engine.SubmitRelease(env.Ctx, pending)
	require.NoError(t, err)
}

func TestRefundNeedsArbiter(t *testing.T) {
	env := newTestEnv(t)
	acme := env.party(t, "acme", 500_000_000)
	dana := env.party(t, "dana", 100_000_000)
	iris := env.party(t, "iris", 100_000_000)

	jobID := fundEscrow(t, env, "acme", "dana", dana.KeyHash, iris.KeyHash, 15_000_000)

	pending, err := env.Engine.BuildRefund(env.Ctx, "acme", jobID, "work abandoned")
	require.NoError(t, err)
	_, err = env.Engine.SubmitRefund(env.Ctx, pending)
	require.True(t, chain.IsUnauthorized(err))

	before := env.balance(t, acme.KeyHash)
	pending, err = env.Engine.CoSign(pending, "iris")
	require.NoError(t, err)
	_, err = env.Engine.SubmitRefund(env.Ctx, pending)
	require.NoError(t, err)

	// full escrow value including the fee buffer comes back
	buffer := env.Engine.Config.Protocol.FeeBuffer
	require.Equal(t, before+15_000_000+buffer, env.balance(t, acme.KeyHash))

	// no completion proof was minted
	_, err = env.Engine.QueryReputation(env.Ctx, dana.KeyHash)
	require.NoError(t, err)
	_, err = env.Engine.UpdateReputation(env.Ctx, engine.UpdateOptions{
		SignerName: "dana", JobID: jobID, Rating: 100, Completed: true, FreelancerSide: true,
	})
	require.Error(t, err, "no proof exists after refund")
}

// TestForgedTransitions drives hand-built transactions straight at the
// chain to confirm the validator, not the engine's client-side checks, is
// what blocks each takeover attempt.
func TestForgedTransitions(t *testing.T) {
	env := newTestEnv(t)
	env.party(t, "acme", 500_000_000)
	dana := env.party(t, "dana", 100_000_000)
	iris := env.party(t, "iris", 100_000_000)
	mallory := env.party(t, "mallory", 100_000_000)

	sign := func(name string) func(*chain.Tx) {
		signer, err := env.Engine.Keys.Load(name)
		require.NoError(t, err)
		return func(tx *chain.Tx) { tx.Sign(signer) }
	}
	mallorySign := sign("mallory")

	job, err := env.Engine.PostJob(env.Ctx, engine.JobCreateOptions{
		SignerName: "acme", Title: "work", BudgetMin: 10_000_000, BudgetMax: 20_000_000,
	})
	require.NoError(t, err)
	bid, err := env.Engine.SubmitBid(env.Ctx, engine.BidCreateOptions{
		SignerName: "dana", JobID: job.JobID, BidAmount: 15_000_000,
	})
	require.NoError(t, err)

	build := func(id string) chain.TxBody {
		return chain.TxBody{ID: id, CreatedAt: "2024-01-01T00:00:00Z"}
	}

	t.Run("accept someone else's bid", func(t *testing.T) {
		body := build("forge-accept")
		body.Inputs = []chain.Input{{PositionID: bid.PositionID, Action: domain.ActionAcceptBid}}
		body.Payments = []chain.Payment{{ToHash: bid.EmployerHash, Amount: env.Engine.Config.Protocol.Deposit}}
		tx := chain.Tx{Body: body}
		mallorySign(&tx)
		_, err := env.Ledger.Submit(env.Ctx, tx)
		require.True(t, chain.IsUnauthorized(err), "got %v", err)
	})

	t.Run("cancel someone else's bid", func(t *testing.T) {
		body := build("forge-cancel-bid")
		body.Inputs = []chain.Input{{PositionID: bid.PositionID, Action: domain.ActionCancelBid}}
		body.Payments = []chain.Payment{{ToHash: bid.BidderHash, Amount: env.Engine.Config.Protocol.Deposit}}
		tx := chain.Tx{Body: body}
		mallorySign(&tx)
		_, err := env.Ledger.Submit(env.Ctx, tx)
		require.True(t, chain.IsUnauthorized(err), "got %v", err)
	})

	t.Run("close someone else's job", func(t *testing.T) {
		body := build("forge-close")
		body.Inputs = []chain.Input{{PositionID: job.PositionID, Action: domain.ActionCloseJob}}
		body.Payments = []chain.Payment{{ToHash: job.EmployerHash, Amount: env.Engine.Config.Protocol.Deposit}}
		tx := chain.Tx{Body: body}
		mallorySign(&tx)
		_, err := env.Ledger.Submit(env.Ctx, tx)
		require.True(t, chain.IsUnauthorized(err), "got %v", err)
	})

	_, err = env.Engine.AcceptBid(env.Ctx, "acme", job.JobID, dana.KeyHash)
	require.NoError(t, err)
	esc, err := env.Engine.CreateEscrow(env.Ctx, engine.EscrowCreateOptions{
		SignerName: "acme", JobID: job.JobID,
		FreelancerHash: dana.KeyHash, ArbiterHash: iris.KeyHash, Amount: 15_000_000,
	})
	require.NoError(t, err)

	t.Run("drain someone else's escrow", func(t *testing.T) {
		body := build("forge-drain")
		body.Inputs = []chain.Input{{
			PositionID: esc.PositionID,
			Action:     domain.ActionRelease,
			RedeemerJSON: chain.MarshalRedeemer(chain.ReleaseRedeemer{
				ProofPolicy:    chain.ProofPolicyID,
				JobID:          job.JobID,
				EmployerHash:   esc.EmployerHash,
				FreelancerHash: mallory.KeyHash,
				Amount:         15_000_000,
			}),
		}}
		body.Payments = []chain.Payment{{ToHash: mallory.KeyHash, Amount: 15_000_000}}
		tx := chain.Tx{Body: body}
		mallorySign(&tx)
		_, err := env.Ledger.Submit(env.Ctx, tx)
		require.True(t, chain.IsUnauthorized(err), "got %v", err)
	})

	t.Run("mint a proof without releasing", func(t *testing.T) {
		body := build("forge-proof")
		asset := chain.ProofAssetName(job.JobID)
		body.Mints = []chain.Mint{{PolicyID: chain.ProofPolicyID, AssetName: asset, Amount: 1}}
		body.Outputs = []chain.Output{{
			Kind:      domain.KindCompletionProof,
			OwnerHash: mallory.KeyHash,
			JobID:     job.JobID,
			AssetName: asset,
			DatumJSON: `{"job_id":"` + job.JobID + `"}`,
		}}
		tx := chain.Tx{Body: body}
		mallorySign(&tx)
		_, err := env.Ledger.Submit(env.Ctx, tx)
		require.ErrorIs(t, err, chain.ErrBadEvidence)
	})

	t.Run("mint a record for someone else", func(t *testing.T) {
		body := build("forge-record")
		body.Outputs = []chain.Output{{
			Kind:      domain.KindReputationRecord,
			OwnerHash: dana.KeyHash,
			Amount:    env.Engine.Config.Protocol.Deposit,
			DatumJSON: `{"owner_hash":"` + dana.KeyHash + `","average_rating":100}`,
		}}
		body.FundedBy = mallory.KeyHash
		tx := chain.Tx{Body: body}
		mallorySign(&tx)
		_, err := env.Ledger.Submit(env.Ctx, tx)
		require.True(t, chain.IsUnauthorized(err), "got %v", err)
	})
}

// TestFullLifecycle walks the whole protocol end to end and checks the
// exact balance movement on release.
func TestFullLifecycle(t *testing.T) {
	env := newTestEnv(t)
	acme := env.party(t, "acme", 500_000_000)
	dana := env.party(t, "dana", 100_000_000)
	iris := env.party(t, "iris", 100_000_000)

	job, err := env.Engine.PostJob(env.Ctx, engine.JobCreateOptions{
		SignerName: "acme", Title: "Marketplace build", BudgetMin: 10_000_000, BudgetMax: 20_000_000,
	})
	require.NoError(t, err)
	_, err = env.Engine.SubmitBid(env.Ctx, engine.BidCreateOptions{
		SignerName: "dana", JobID: job.JobID, BidAmount: 15_000_000,
	})
	require.NoError(t, err)
	_, err = env.Engine.AcceptBid(env.Ctx, "acme", job.JobID, dana.KeyHash)
	require.NoError(t, err)
	_, err = env.Engine.CreateEscrow(env.Ctx, engine.EscrowCreateOptions{
		SignerName: "acme", JobID: job.JobID,
		FreelancerHash: dana.KeyHash, ArbiterHash: iris.KeyHash, Amount: 15_000_000,
	})
	require.NoError(t, err)

	danaBefore := env.balance(t, dana.KeyHash)
	acmeBefore := env.balance(t, acme.KeyHash)

	pending, err := env.Engine.BuildRelease(env.Ctx, "acme", job.JobID)
	require.NoError(t, err)
	handoff, err := pending.Encode()
	require.NoError(t, err)
	decoded, err := chain.Decode(handoff)
	require.NoError(t, err)
	decoded, err = env.Engine.CoSign(decoded, "dana")
	require.NoError(t, err)
	_, err = env.Engine.SubmitRelease(env.Ctx, decoded)
	require.NoError(t, err)

	// the freelancer receives exactly the escrow amount; the employer gets
	// the fee buffer back
	require.Equal(t, danaBefore+15_000_000, env.balance(t, dana.KeyHash))
	require.Equal(t, acmeBefore+env.Engine.Config.Protocol.FeeBuffer, env.balance(t, acme.KeyHash))

	// proof gates both reputation updates
	danaRec, err := env.Engine.UpdateReputation(env.Ctx, engine.UpdateOptions{
		SignerName: "dana", JobID: job.JobID, Rating: 98, Completed: true, FreelancerSide: true,
	})
	require.NoError(t, err)
	require.Equal(t, int64(98), danaRec.AverageRating)
	require.Equal(t, int64(15_000_000), danaRec.TotalEarned)

	acmeRec, err := env.Engine.UpdateReputation(env.Ctx, engine.UpdateOptions{
		SignerName: "acme", JobID: job.JobID, Rating: 95, Completed: true, FreelancerSide: false,
	})
	require.NoError(t, err)
	require.Equal(t, int64(95), acmeRec.AverageRating)
	require.Equal(t, int64(15_000_000), acmeRec.TotalPaid)

	// each side can only ride the proof once: the successor record was
	// already advanced for this job, and a second identical update would
	// double-count, so the engine's consumed-position discipline applies
	_, err = env.Engine.CloseJob(env.Ctx, "acme", job.JobID)
	require.NoError(t, err)
}

// TestUpdateRequiresOwnProof has a third party cite a completion proof
// that names other participants. The record spend must fail whichever
// side of the proof they claim.
func TestUpdateRequiresOwnProof(t *testing.T) {
	env := newTestEnv(t)
	acme := env.party(t, "acme", 500_000_000)
	dana := env.party(t, "dana", 500_000_000)
	iris := env.party(t, "iris", 100_000_000)
	env.party(t, "mallory", 100_000_000)

	jobID := runJob(t, env, acme, dana, iris, 15_000_000)
	_, err := env.Engine.MintReputationRecord(env.Ctx, "mallory")
	require.NoError(t, err)

	_, err = env.Engine.UpdateReputation(env.Ctx, engine.UpdateOptions{
		SignerName: "mallory", JobID: jobID, Rating: 100, Completed: true, FreelancerSide: true,
	})
	require.ErrorIs(t, err, chain.ErrBadEvidence, "freelancer-side claim by a non-participant")

	_, err = env.Engine.UpdateReputation(env.Ctx, engine.UpdateOptions{
		SignerName: "mallory", JobID: jobID, Rating: 100, Completed: true, FreelancerSide: false,
	})
	require.ErrorIs(t, err, chain.ErrBadEvidence, "employer-side claim by a non-participant")

	// the proof still works for the freelancer it actually names
	rec, err := env.Engine.UpdateReputation(env.Ctx, engine.UpdateOptions{
		SignerName: "dana", JobID: jobID, Rating: 90, Completed: true, FreelancerSide: true,
	})
	require.NoError(t, err)
	require.Equal(t, int64(90), rec.AverageRating)
}

func fundEscrow(t *testing.T, env testEnv, employer, freelancer, freelancerHash, arbiterHash string, amount int64) string {
	t.Helper()
	job, err := env.Engine.PostJob(env.Ctx, engine.JobCreateOptions{
		SignerName: employer, Title: "work", BudgetMin: amount, BudgetMax: amount,
	})
	require.NoError(t, err)
	_, err = env.Engine.SubmitBid(env.Ctx, engine.BidCreateOptions{
		SignerName: freelancer, JobID: job.JobID, BidAmount: amount,
	})
	require.NoError(t, err)
	_, err = env.Engine.AcceptBid(env.Ctx, employer, job.JobID, freelancerHash)
	require.NoError(t, err)
	_, err = env.Engine.CreateEscrow(env.Ctx, engine.EscrowCreateOptions{
		SignerName: employer, JobID: job.JobID,
		FreelancerHash: freelancerHash, ArbiterHash: arbiterHash, Amount: amount,
	})
	require.NoError(t, err)
	return job.JobID
}
