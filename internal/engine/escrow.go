package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"gigchain/internal/chain"
	"gigchain/internal/domain"
	"gigchain/internal/events"
	"gigchain/internal/keys"
	"gigchain/internal/repo"
)

// EscrowCreateOptions are parameters for funding an escrow.
type EscrowCreateOptions struct {
	SignerName     string
	JobID          string
	FreelancerHash string
	ArbiterHash    string
	Amount         int64
}

// EscrowView pairs an escrow datum with the position holding it.
type EscrowView struct {
	PositionID string `json:"position_id"`
	domain.Escrow
}

// CreateEscrow locks the agreed amount plus the fee buffer into an escrow
// position. The amount must match the freelancer's accepted bid.
func (e Engine) CreateEscrow(ctx context.Context, opts EscrowCreateOptions) (EscrowView, error) {
	if opts.Amount <= 0 {
		return EscrowView{}, errors.New("amount must be positive")
	}
	if opts.FreelancerHash == "" || opts.ArbiterHash == "" {
		return EscrowView{}, errors.New("freelancer and arbiter are required")
	}
	signer, err := e.signer(opts.SignerName)
	if err != nil {
		return EscrowView{}, err
	}
	bid, err := e.acceptedBid(ctx, opts.JobID, opts.FreelancerHash)
	if err != nil {
		return EscrowView{}, err
	}
	if bid.BidAmount != opts.Amount {
		return EscrowView{}, fmt.Errorf("amount %d does not match accepted bid %d", opts.Amount, bid.BidAmount)
	}

	esc := domain.Escrow{
		JobID:          opts.JobID,
		EmployerHash:   signer.KeyHash(),
		EmployerDID:    signer.DID(),
		FreelancerHash: opts.FreelancerHash,
		FreelancerDID:  e.partyDID(ctx, opts.FreelancerHash),
		ArbiterHash:    opts.ArbiterHash,
		AssetPolicy:    e.Config.Protocol.PaymentAsset.PolicyID,
		AssetName:      e.Config.Protocol.PaymentAsset.Name,
		Amount:         opts.Amount,
		FundedAt:       e.timestamp(),
	}

	body := e.newBody()
	body.Outputs = []chain.Output{{
		Kind:      domain.KindEscrow,
		OwnerHash: esc.EmployerHash,
		JobID:     esc.JobID,
		Amount:    esc.Amount + e.Config.Protocol.FeeBuffer,
		DatumJSON: mustJSON(esc),
	}}
	body.FundedBy = esc.EmployerHash
	body.RequiredSigners = []string{esc.EmployerHash}

	t := chain.Tx{Body: body}
	t.Sign(signer)
	txID, err := e.submit(ctx, t, esc.EmployerHash)
	if err != nil {
		return EscrowView{}, err
	}
	view := EscrowView{PositionID: txID + "#0", Escrow: esc}
	if err := e.appendEvent(ctx, events.TypeEscrowFunded, esc.JobID, domain.KindEscrow, view.PositionID, esc.EmployerHash, events.EventPayload{
		"amount": esc.Amount,
		"tx":     txID,
	}); err != nil {
		return view, err
	}
	return view, nil
}

// acceptedBid finds the freelancer's bid on the job that was consumed by
// an accept transaction. Open or cancelled bids do not count: the spend
// that closed the bid position must carry the accept action.
func (e Engine) acceptedBid(ctx context.Context, jobID, bidderHash string) (domain.Bid, error) {
	positions, err := e.Repo.ListPositions(ctx, repo.PositionFilters{
		Kind:      domain.KindBid,
		JobID:     jobID,
		OwnerHash: bidderHash,
	})
	if err != nil {
		return domain.Bid{}, err
	}
	for _, pos := range positions {
		if pos.ConsumedBy == nil {
			continue
		}
		bodyJSON, err := e.Repo.TransactionBody(ctx, *pos.ConsumedBy)
		if err != nil {
			return domain.Bid{}, err
		}
		var body chain.TxBody
		if err := json.Unmarshal([]byte(bodyJSON), &body); err != nil {
			return domain.Bid{}, fmt.Errorf("tx %s: decode body: %w", *pos.ConsumedBy, err)
		}
		for _, in := range body.Inputs {
			if in.PositionID != pos.ID || in.Action != domain.ActionAcceptBid {
				continue
			}
			var bid domain.Bid
			if err := repo.DecodeDatum(pos, &bid); err != nil {
				return domain.Bid{}, err
			}
			return bid, nil
		}
	}
	return domain.Bid{}, fmt.Errorf("no accepted bid by %s on job %s: %w", bidderHash, jobID, repo.ErrNotFound)
}

func (e Engine) partyDID(ctx context.Context, keyHash string) string {
	if party, err := e.Repo.GetParty(ctx, keyHash); err == nil {
		return party.DID
	}
	return keys.DID(keyHash)
}

// BuildRelease constructs the release transaction for a job's escrow and
// signs it with the local signer. Release needs both the employer's and
// the freelancer's signatures; the returned pending tx is handed to the
// counterparty via Encode/Decode and co-signed before submission.
func (e Engine) BuildRelease(ctx context.Context, signerName, jobID string) (chain.Tx, error) {
	signer, err := e.signer(signerName)
	if err != nil {
		return chain.Tx{}, err
	}
	pos, err := e.Repo.LiveEscrowPosition(ctx, jobID)
	if err != nil {
		return chain.Tx{}, fmt.Errorf("escrow for job %s: %w", jobID, err)
	}
	var esc domain.Escrow
	if err := repo.DecodeDatum(pos, &esc); err != nil {
		return chain.Tx{}, err
	}

	proof := domain.CompletionProof{
		JobID:          esc.JobID,
		EmployerHash:   esc.EmployerHash,
		FreelancerHash: esc.FreelancerHash,
		Amount:         esc.Amount,
		CompletedAt:    e.timestamp(),
	}
	assetName := chain.ProofAssetName(esc.JobID)

	body := e.newBody()
	body.Inputs = []chain.Input{{
		PositionID: pos.ID,
		Action:     domain.ActionRelease,
		RedeemerJSON: chain.MarshalRedeemer(chain.ReleaseRedeemer{
			ProofPolicy:    chain.ProofPolicyID,
			JobID:          esc.JobID,
			EmployerHash:   esc.EmployerHash,
			FreelancerHash: esc.FreelancerHash,
			Amount:         esc.Amount,
		}),
	}}
	body.Mints = []chain.Mint{{PolicyID: chain.ProofPolicyID, AssetName: assetName, Amount: 1}}
	body.Outputs = []chain.Output{{
		Kind:      domain.KindCompletionProof,
		OwnerHash: esc.FreelancerHash,
		JobID:     esc.JobID,
		AssetName: assetName,
		DatumJSON: mustJSON(proof),
	}}
	body.Payments = []chain.Payment{{ToHash: esc.FreelancerHash, Amount: esc.Amount}}
	if buffer := pos.Amount - esc.Amount; buffer > 0 {
		body.Payments = append(body.Payments, chain.Payment{ToHash: esc.EmployerHash, Amount: buffer})
	}
	body.RequiredSigners = []string{esc.EmployerHash, esc.FreelancerHash}

	t := chain.Tx{Body: body}
	t.Sign(signer)
	return t, nil
}

// BuildRefund constructs the refund transaction for a job's escrow,
// returning everything to the employer. Refund needs the employer and the
// arbiter.
func (e Engine) BuildRefund(ctx context.Context, signerName, jobID, reason string) (chain.Tx, error) {
	signer, err := e.signer(signerName)
	if err != nil {
		return chain.Tx{}, err
	}
	pos, err := e.Repo.LiveEscrowPosition(ctx, jobID)
	if err != nil {
		return chain.Tx{}, fmt.Errorf("escrow for job %s: %w", jobID, err)
	}
	var esc domain.Escrow
	if err := repo.DecodeDatum(pos, &esc); err != nil {
		return chain.Tx{}, err
	}

	body := e.newBody()
	body.Inputs = []chain.Input{{
		PositionID:   pos.ID,
		Action:       domain.ActionRefund,
		RedeemerJSON: chain.MarshalRedeemer(chain.RefundRedeemer{JobID: esc.JobID, Reason: reason}),
	}}
	body.Payments = []chain.Payment{{ToHash: esc.EmployerHash, Amount: pos.Amount}}
	body.RequiredSigners = []string{esc.EmployerHash, esc.ArbiterHash}

	t := chain.Tx{Body: body}
	t.Sign(signer)
	return t, nil
}

// CoSign adds the local signer's signature to a pending transaction.
func (e Engine) CoSign(t chain.Tx, signerName string) (chain.Tx, error) {
	signer, err := e.signer(signerName)
	if err != nil {
		return t, err
	}
	t.Sign(signer)
	return t, nil
}

// SubmitRelease submits a fully signed release transaction and records
// the release and proof-mint events.
func (e Engine) SubmitRelease(ctx context.Context, t chain.Tx) (string, error) {
	if missing := t.MissingSigners(); len(missing) > 0 {
		return "", &chain.UnauthorizedError{Missing: missing}
	}
	jobID, actor := txJobAndActor(t)
	txID, err := e.submit(ctx, t, actor)
	if err != nil {
		return "", err
	}
	if err := e.appendEvent(ctx, events.TypeEscrowReleased, jobID, domain.KindEscrow, firstInput(t), actor, events.EventPayload{"tx": txID}); err != nil {
		return txID, err
	}
	for _, m := range t.Body.Mints {
		if err := e.appendEvent(ctx, events.TypeProofMinted, jobID, domain.KindCompletionProof, m.AssetName, actor, events.EventPayload{"tx": txID}); err != nil {
			return txID, err
		}
	}
	return txID, nil
}

// SubmitRefund submits a fully signed refund transaction.
func (e Engine) SubmitRefund(ctx context.Context, t chain.Tx) (string, error) {
	if missing := t.MissingSigners(); len(missing) > 0 {
		return "", &chain.UnauthorizedError{Missing: missing}
	}
	jobID, actor := txJobAndActor(t)
	txID, err := e.submit(ctx, t, actor)
	if err != nil {
		return "", err
	}
	if err := e.appendEvent(ctx, events.TypeEscrowRefunded, jobID, domain.KindEscrow, firstInput(t), actor, events.EventPayload{"tx": txID}); err != nil {
		return txID, err
	}
	return txID, nil
}

// ReleaseEscrow is the single-process path: both keys are in the local
// store, so build, co-sign and submit in one call.
func (e Engine) ReleaseEscrow(ctx context.Context, employerName, freelancerName, jobID string) (string, error) {
	t, err := e.BuildRelease(ctx, employerName, jobID)
	if err != nil {
		return "", err
	}
	t, err = e.CoSign(t, freelancerName)
	if err != nil {
		return "", err
	}
	return e.SubmitRelease(ctx, t)
}

// RefundEscrow is the single-process refund path for employer plus arbiter.
func (e Engine) RefundEscrow(ctx context.Context, employerName, arbiterName, jobID, reason string) (string, error) {
	t, err := e.BuildRefund(ctx, employerName, jobID, reason)
	if err != nil {
		return "", err
	}
	t, err = e.CoSign(t, arbiterName)
	if err != nil {
		return "", err
	}
	return e.SubmitRefund(ctx, t)
}

// GetEscrow returns the live escrow for a job.
func (e Engine) GetEscrow(ctx context.Context, jobID string) (EscrowView, error) {
	pos, err := e.Repo.LiveEscrowPosition(ctx, jobID)
	if err != nil {
		return EscrowView{}, err
	}
	var esc domain.Escrow
	if err := repo.DecodeDatum(pos, &esc); err != nil {
		return EscrowView{}, err
	}
	return EscrowView{PositionID: pos.ID, Escrow: esc}, nil
}

func txJobAndActor(t chain.Tx) (jobID, actor string) {
	for _, out := range t.Body.Outputs {
		if out.JobID != "" {
			jobID = out.JobID
			break
		}
	}
	if jobID == "" {
		for _, in := range t.Body.Inputs {
			var red struct {
				JobID string `json:"job_id"`
			}
			if err := json.Unmarshal([]byte(in.RedeemerJSON), &red); err == nil && red.JobID != "" {
				jobID = red.JobID
				break
			}
		}
	}
	if len(t.Signatures) > 0 {
		actor = t.Signatures[0].KeyHash
	}
	return jobID, actor
}

func firstInput(t chain.Tx) string {
	if len(t.Body.Inputs) > 0 {
		return t.Body.Inputs[0].PositionID
	}
	return ""
}
