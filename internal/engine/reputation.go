package engine

import (
	"context"
	"errors"
	"fmt"

	"gigchain/internal/chain"
	"gigchain/internal/domain"
	"gigchain/internal/events"
	"gigchain/internal/ledger"
	"gigchain/internal/repo"
)

// RecordView pairs a reputation record with the position holding it.
type RecordView struct {
	PositionID string `json:"position_id"`
	domain.ReputationRecord
}

// EnsureRecord returns the signer's live reputation record, minting the
// initial empty record on first use.
func (e Engine) EnsureRecord(ctx context.Context, signerName string) (RecordView, error) {
	signer, err := e.signer(signerName)
	if err != nil {
		return RecordView{}, err
	}
	pos, err := e.Repo.LiveRecordPosition(ctx, signer.KeyHash())
	if err == nil {
		var rec domain.ReputationRecord
		if err := repo.DecodeDatum(pos, &rec); err != nil {
			return RecordView{}, err
		}
		return RecordView{PositionID: pos.ID, ReputationRecord: rec}, nil
	}
	if !errors.Is(err, repo.ErrNotFound) {
		return RecordView{}, err
	}
	return e.MintReputationRecord(ctx, signerName)
}

// MintReputationRecord creates the signer's initial reputation record. The
// storage layer rejects a second live record for the same owner.
func (e Engine) MintReputationRecord(ctx context.Context, signerName string) (RecordView, error) {
	signer, err := e.signer(signerName)
	if err != nil {
		return RecordView{}, err
	}
	rec := domain.ReputationRecord{
		OwnerHash:   signer.KeyHash(),
		OwnerDID:    signer.DID(),
		LastUpdated: e.timestamp(),
	}

	body := e.newBody()
	body.Outputs = []chain.Output{{
		Kind:      domain.KindReputationRecord,
		OwnerHash: rec.OwnerHash,
		Amount:    e.Config.Protocol.Deposit,
		DatumJSON: mustJSON(rec),
	}}
	body.FundedBy = rec.OwnerHash
	body.RequiredSigners = []string{rec.OwnerHash}

	t := chain.Tx{Body: body}
	t.Sign(signer)
	txID, err := e.submit(ctx, t, rec.OwnerHash)
	if err != nil {
		return RecordView{}, err
	}
	view := RecordView{PositionID: txID + "#0", ReputationRecord: rec}
	if err := e.appendEvent(ctx, events.TypeRecordMinted, "", domain.KindReputationRecord, view.PositionID, rec.OwnerHash, nil); err != nil {
		return view, err
	}
	return view, nil
}

// UpdateOptions are parameters for a proof-gated reputation update.
type UpdateOptions struct {
	SignerName string
	JobID      string
	Rating     int64
	Completed  bool
	// FreelancerSide selects which side of the completion proof the
	// signer claims: earnings for the freelancer, spend for the employer.
	FreelancerSide bool
}

// UpdateReputation consumes the signer's record and creates its successor,
// gated on the completion proof for the job. Each transition consumes the
// previous record, so two updates for the same proof on the same record
// race and only one lands; the loser rebuilds from the successor.
func (e Engine) UpdateReputation(ctx context.Context, opts UpdateOptions) (RecordView, error) {
	if opts.Rating < 0 || opts.Rating > 100 {
		return RecordView{}, fmt.Errorf("rating %d out of range [0,100]", opts.Rating)
	}
	signer, err := e.signer(opts.SignerName)
	if err != nil {
		return RecordView{}, err
	}
	proofPos, err := e.Repo.ProofPosition(ctx, chain.ProofAssetName(opts.JobID))
	if err != nil {
		return RecordView{}, fmt.Errorf("completion proof for job %s: %w", opts.JobID, err)
	}
	var proof domain.CompletionProof
	if err := repo.DecodeDatum(proofPos, &proof); err != nil {
		return RecordView{}, err
	}
	recPos, err := e.Repo.LiveRecordPosition(ctx, signer.KeyHash())
	if err != nil {
		return RecordView{}, fmt.Errorf("reputation record: %w", err)
	}
	var old domain.ReputationRecord
	if err := repo.DecodeDatum(recPos, &old); err != nil {
		return RecordView{}, err
	}

	red := chain.UpdateRedeemer{
		ProofPolicy:    chain.ProofPolicyID,
		JobID:          proof.JobID,
		Rating:         opts.Rating,
		Amount:         proof.Amount,
		Completed:      opts.Completed,
		FreelancerSide: opts.FreelancerSide,
	}
	next := ledger.NextRecord(old, red)
	next.LastUpdated = e.timestamp()

	body := e.newBody()
	body.Inputs = []chain.Input{{
		PositionID:   recPos.ID,
		Action:       domain.ActionUpdateRecord,
		RedeemerJSON: chain.MarshalRedeemer(red),
	}}
	body.References = []string{proofPos.ID}
	body.Outputs = []chain.Output{{
		Kind:      domain.KindReputationRecord,
		OwnerHash: next.OwnerHash,
		Amount:    recPos.Amount,
		DatumJSON: mustJSON(next),
	}}
	// The spent record's value funds the successor position.
	body.Payments = []chain.Payment{{ToHash: next.OwnerHash, Amount: recPos.Amount}}
	body.FundedBy = next.OwnerHash
	body.RequiredSigners = []string{next.OwnerHash}

	t := chain.Tx{Body: body}
	t.Sign(signer)
	txID, err := e.submit(ctx, t, next.OwnerHash)
	if err != nil {
		return RecordView{}, err
	}
	view := RecordView{PositionID: txID + "#0", ReputationRecord: next}
	if err := e.appendEvent(ctx, events.TypeRecordUpdated, opts.JobID, domain.KindReputationRecord, view.PositionID, next.OwnerHash, events.EventPayload{
		"rating":         opts.Rating,
		"completed":      opts.Completed,
		"average_rating": next.AverageRating,
		"tx":             txID,
	}); err != nil {
		return view, err
	}
	return view, nil
}

// QueryReputation returns a party's live reputation record.
func (e Engine) QueryReputation(ctx context.Context, ownerHash string) (RecordView, error) {
	pos, err := e.Repo.LiveRecordPosition(ctx, ownerHash)
	if err != nil {
		return RecordView{}, err
	}
	var rec domain.ReputationRecord
	if err := repo.DecodeDatum(pos, &rec); err != nil {
		return RecordView{}, err
	}
	return RecordView{PositionID: pos.ID, ReputationRecord: rec}, nil
}
