package server

import (
	"gigchain/internal/domain"
	"gigchain/internal/engine"
)

type partyCreateBody struct {
	Name    string `json:"name" minLength:"1" example:"acme"`
	Arbiter bool   `json:"arbiter,omitempty"`
}

type partyResponse struct {
	Body domain.Party
}

type partyListResponse struct {
	Body struct {
		Parties []domain.Party `json:"parties"`
	}
}

type balanceResponse struct {
	Body struct {
		OwnerHash string `json:"owner_hash"`
		Amount    int64  `json:"amount"`
	}
}

type faucetBody struct {
	Amount int64 `json:"amount" minimum:"1"`
}

type jobCreateBody struct {
	Signer          string `json:"signer" minLength:"1" example:"acme"`
	Title           string `json:"title" minLength:"1"`
	DescriptionHash string `json:"description_hash,omitempty"`
	BudgetMin       int64  `json:"budget_min" minimum:"1"`
	BudgetMax       int64  `json:"budget_max" minimum:"1"`
	Deadline        string `json:"deadline,omitempty" format:"date-time"`
	KYCRequired     bool   `json:"kyc_required,omitempty"`
}

type jobResponse struct {
	Body engine.JobView
}

type jobListResponse struct {
	Body struct {
		Jobs []engine.JobView `json:"jobs"`
	}
}

type signerBody struct {
	Signer string `json:"signer" minLength:"1"`
}

type txResponse struct {
	Body struct {
		TxID string `json:"tx_id"`
	}
}

type bidCreateBody struct {
	Signer       string `json:"signer" minLength:"1"`
	BidAmount    int64  `json:"bid_amount" minimum:"1"`
	ProposalHash string `json:"proposal_hash,omitempty"`
}

type bidResponse struct {
	Body engine.BidView
}

type bidListResponse struct {
	Body struct {
		Bids []engine.BidView `json:"bids"`
	}
}

type bidAcceptBody struct {
	Signer     string `json:"signer" minLength:"1"`
	BidderHash string `json:"bidder_hash" minLength:"1"`
}

type escrowCreateBody struct {
	Signer         string `json:"signer" minLength:"1"`
	FreelancerHash string `json:"freelancer_hash" minLength:"1"`
	ArbiterHash    string `json:"arbiter_hash" minLength:"1"`
	Amount         int64  `json:"amount" minimum:"1"`
}

type escrowResponse struct {
	Body engine.EscrowView
}

type releaseBody struct {
	EmployerSigner   string `json:"employer_signer" minLength:"1"`
	FreelancerSigner string `json:"freelancer_signer" minLength:"1"`
}

type refundBody struct {
	EmployerSigner string `json:"employer_signer" minLength:"1"`
	ArbiterSigner  string `json:"arbiter_signer" minLength:"1"`
	Reason         string `json:"reason,omitempty"`
}

type recordResponse struct {
	Body engine.RecordView
}

type reputationUpdateBody struct {
	Signer         string `json:"signer" minLength:"1"`
	JobID          string `json:"job_id" minLength:"1"`
	Rating         int64  `json:"rating" minimum:"0" maximum:"100"`
	Completed      bool   `json:"completed"`
	FreelancerSide bool   `json:"freelancer_side"`
}

type positionResponse struct {
	Body domain.Position
}

type eventListResponse struct {
	Body struct {
		Events     []domain.Event `json:"events"`
		NextCursor int64          `json:"next_cursor,omitempty"`
	}
}
