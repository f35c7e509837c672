package engine

import (
	"context"
	"errors"
	"fmt"

	"gigchain/internal/chain"
	"gigchain/internal/domain"
	"gigchain/internal/events"
	"gigchain/internal/repo"
)

// BidCreateOptions are parameters for submitting a bid.
type BidCreateOptions struct {
	SignerName   string
	JobID        string
	BidAmount    int64
	ProposalHash string
}

// BidView pairs a bid datum with the position currently holding it.
type BidView struct {
	PositionID string `json:"position_id"`
	domain.Bid
}

// SubmitBid locks the protocol deposit into a new bid position. The job
// must still be live and active; that check is advisory, the posting is
// not consumed so a race with close is settled at accept time.
func (e Engine) SubmitBid(ctx context.Context, opts BidCreateOptions) (BidView, error) {
	if opts.BidAmount <= 0 {
		return BidView{}, errors.New("bid_amount must be positive")
	}
	signer, err := e.signer(opts.SignerName)
	if err != nil {
		return BidView{}, err
	}
	jobPos, err := e.Repo.LiveJobPosition(ctx, opts.JobID)
	if err != nil {
		return BidView{}, fmt.Errorf("job %s: %w", opts.JobID, err)
	}
	var job domain.JobPosting
	if err := repo.DecodeDatum(jobPos, &job); err != nil {
		return BidView{}, err
	}
	if !job.IsActive {
		return BidView{}, fmt.Errorf("job %s is not accepting bids", opts.JobID)
	}
	if job.EmployerHash == signer.KeyHash() {
		return BidView{}, errors.New("employer cannot bid on own job")
	}
	record, err := e.EnsureRecord(ctx, opts.SignerName)
	if err != nil {
		return BidView{}, err
	}

	bid := domain.Bid{
		JobID:        opts.JobID,
		EmployerHash: job.EmployerHash,
		BidderHash:   signer.KeyHash(),
		BidderDID:    signer.DID(),
		BidAmount:    opts.BidAmount,
		ProposalHash: opts.ProposalHash,
		SubmittedAt:  e.timestamp(),
		IsActive:     true,
	}

	body := e.newBody()
	body.References = []string{record.PositionID, jobPos.ID}
	body.Outputs = []chain.Output{{
		Kind:      domain.KindBid,
		OwnerHash: bid.BidderHash,
		JobID:     bid.JobID,
		Amount:    e.Config.Protocol.Deposit,
		DatumJSON: mustJSON(bid),
	}}
	body.FundedBy = bid.BidderHash
	body.RequiredSigners = []string{bid.BidderHash}

	t := chain.Tx{Body: body}
	t.Sign(signer)
	txID, err := e.submit(ctx, t, bid.BidderHash)
	if err != nil {
		return BidView{}, err
	}
	view := BidView{PositionID: txID + "#0", Bid: bid}
	if err := e.appendEvent(ctx, events.TypeBidSubmitted, bid.JobID, domain.KindBid, view.PositionID, bid.BidderHash, events.EventPayload{
		"bid_amount": bid.BidAmount,
		"tx":         txID,
	}); err != nil {
		return view, err
	}
	return view, nil
}

// CancelBid withdraws the signer's own bid; the deposit returns to the
// bidder.
func (e Engine) CancelBid(ctx context.Context, signerName, jobID string) (string, error) {
	signer, err := e.signer(signerName)
	if err != nil {
		return "", err
	}
	pos, err := e.Repo.LiveBidPosition(ctx, jobID, signer.KeyHash())
	if err != nil {
		return "", fmt.Errorf("bid on job %s: %w", jobID, err)
	}
	var bid domain.Bid
	if err := repo.DecodeDatum(pos, &bid); err != nil {
		return "", err
	}

	body := e.newBody()
	body.Inputs = []chain.Input{{PositionID: pos.ID, Action: domain.ActionCancelBid}}
	body.Payments = []chain.Payment{{ToHash: bid.BidderHash, Amount: pos.Amount}}
	body.RequiredSigners = []string{bid.BidderHash}

	t := chain.Tx{Body: body}
	t.Sign(signer)
	txID, err := e.submit(ctx, t, signer.KeyHash())
	if err != nil {
		return "", err
	}
	if err := e.appendEvent(ctx, events.TypeBidCancelled, jobID, domain.KindBid, pos.ID, signer.KeyHash(), events.EventPayload{"tx": txID}); err != nil {
		return txID, err
	}
	return txID, nil
}

// AcceptBid lets the employer consume a bid position, selecting its
// bidder. The bid's deposit transfers to the employer, who takes
// ownership of the decision; the next step is funding the escrow.
func (e Engine) AcceptBid(ctx context.Context, signerName, jobID, bidderHash string) (string, error) {
	signer, err := e.signer(signerName)
	if err != nil {
		return "", err
	}
	pos, err := e.Repo.LiveBidPosition(ctx, jobID, bidderHash)
	if err != nil {
		return "", fmt.Errorf("bid on job %s by %s: %w", jobID, bidderHash, err)
	}
	var bid domain.Bid
	if err := repo.DecodeDatum(pos, &bid); err != nil {
		return "", err
	}
	if bid.EmployerHash != signer.KeyHash() {
		return "", &chain.UnauthorizedError{Missing: []string{bid.EmployerHash}}
	}

	body := e.newBody()
	body.Inputs = []chain.Input{{PositionID: pos.ID, Action: domain.ActionAcceptBid}}
	body.Payments = []chain.Payment{{ToHash: bid.EmployerHash, Amount: pos.Amount}}
	body.RequiredSigners = []string{bid.EmployerHash}

	t := chain.Tx{Body: body}
	t.Sign(signer)
	txID, err := e.submit(ctx, t, signer.KeyHash())
	if err != nil {
		return "", err
	}
	if err := e.appendEvent(ctx, events.TypeBidAccepted, jobID, domain.KindBid, pos.ID, signer.KeyHash(), events.EventPayload{
		"bidder_hash": bid.BidderHash,
		"bid_amount":  bid.BidAmount,
		"tx":          txID,
	}); err != nil {
		return txID, err
	}
	return txID, nil
}

// ListBids returns live bids for a job.
func (e Engine) ListBids(ctx context.Context, jobID string, limit int) ([]BidView, error) {
	positions, err := e.Repo.ListPositions(ctx, repo.PositionFilters{
		Kind:  domain.KindBid,
		JobID: jobID,
		Live:  true,
		Limit: limit,
	})
	if err != nil {
		return nil, err
	}
	views := make([]BidView, 0, len(positions))
	for _, pos := range positions {
		var bid domain.Bid
		if err := repo.DecodeDatum(pos, &bid); err != nil {
			return nil, err
		}
		views = append(views, BidView{PositionID: pos.ID, Bid: bid})
	}
	return views, nil
}
