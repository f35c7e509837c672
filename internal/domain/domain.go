package domain

// Position kinds. Every protocol entity lives in the datum of exactly one
// unspent position; a transition consumes the old position and creates the
// next one (or none, when terminal).
const (
	KindJobPosting       = "job_posting"
	KindBid              = "bid"
	KindEscrow           = "escrow"
	KindReputationRecord = "reputation_record"
	KindCompletionProof  = "completion_proof"
)

// Redeemer actions accepted by the validator, per position kind.
const (
	ActionCloseJob     = "close_job"     // employer, job fulfilled
	ActionCancelJob    = "cancel_job"    // employer, job withdrawn
	ActionCancelBid    = "cancel_bid"    // bidder
	ActionAcceptBid    = "accept_bid"    // employer
	ActionRelease      = "release"       // employer + freelancer
	ActionRefund       = "refund"        // employer + arbiter
	ActionUpdateRecord = "update_record" // record owner, proof referenced
)

// Party is a keypair-backed participant identity.
type Party struct {
	Name     string `json:"name"`
	KeyHash  string `json:"key_hash"`
	DID      string `json:"did"`
	PubKey   string `json:"pub_key"`
	Arbiter  bool   `json:"arbiter,omitempty"`
	JoinedAt string `json:"joined_at" format:"date-time"`
}

// ReputationRecord is the per-participant mutable ledger of job counts,
// earnings and rating. One live record per owner; mutated only through a
// proof-gated update that consumes the old position.
type ReputationRecord struct {
	OwnerHash     string `json:"owner_hash"`
	OwnerDID      string `json:"owner_did"`
	TotalJobs     int64  `json:"total_jobs"`
	CompletedJobs int64  `json:"completed_jobs"`
	CancelledJobs int64  `json:"cancelled_jobs"`
	DisputeCount  int64  `json:"dispute_count"`
	TotalEarned   int64  `json:"total_earned"`
	TotalPaid     int64  `json:"total_paid"`
	AverageRating int64  `json:"average_rating"`
	LastUpdated   string `json:"last_updated" format:"date-time"`
}

type JobPosting struct {
	JobID           string `json:"job_id"`
	EmployerHash    string `json:"employer_hash"`
	EmployerDID     string `json:"employer_did"`
	Title           string `json:"title"`
	DescriptionHash string `json:"description_hash"`
	BudgetMin       int64  `json:"budget_min"`
	BudgetMax       int64  `json:"budget_max"`
	Deadline        string `json:"deadline" format:"date-time"`
	IsActive        bool   `json:"is_active"`
	KYCRequired     bool   `json:"kyc_required"`
	PostedAt        string `json:"posted_at" format:"date-time"`
}

type Bid struct {
	JobID        string `json:"job_id"`
	EmployerHash string `json:"employer_hash"`
	BidderHash   string `json:"bidder_hash"`
	BidderDID    string `json:"bidder_did"`
	BidAmount    int64  `json:"bid_amount"`
	ProposalHash string `json:"proposal_hash"`
	SubmittedAt  string `json:"submitted_at" format:"date-time"`
	IsActive     bool   `json:"is_active"`
}

type Escrow struct {
	JobID          string `json:"job_id"`
	EmployerHash   string `json:"employer_hash"`
	EmployerDID    string `json:"employer_did"`
	FreelancerHash string `json:"freelancer_hash"`
	FreelancerDID  string `json:"freelancer_did"`
	ArbiterHash    string `json:"arbiter_hash"`
	AssetPolicy    string `json:"asset_policy"`
	AssetName      string `json:"asset_name"`
	Amount         int64  `json:"amount"`
	FundedAt       string `json:"funded_at" format:"date-time"`
}

// CompletionProof attests that a specific escrow was legitimately released.
// Its single non-fungible unit can only be minted by the same transaction
// that spends the matching escrow, so it cannot be forged.
type CompletionProof struct {
	JobID          string `json:"job_id"`
	EmployerHash   string `json:"employer_hash"`
	FreelancerHash string `json:"freelancer_hash"`
	Amount         int64  `json:"amount"`
	CompletedAt    string `json:"completed_at" format:"date-time"`
}

// Position is an unspent, uniquely-addressable holder of value and datum,
// consumed exactly once.
type Position struct {
	ID         string  `json:"id"`
	Kind       string  `json:"kind"`
	OwnerHash  string  `json:"owner_hash"`
	JobID      string  `json:"job_id,omitempty"`
	AssetName  string  `json:"asset_name,omitempty"`
	Amount     int64   `json:"amount"`
	DatumJSON  string  `json:"datum_json"`
	CreatedTx  string  `json:"created_tx"`
	CreatedAt  string  `json:"created_at" format:"date-time"`
	ConsumedBy *string `json:"consumed_by,omitempty"`
	ConsumedAt *string `json:"consumed_at,omitempty"`
}

// Consumed reports whether the position has been spent.
func (p Position) Consumed() bool { return p.ConsumedBy != nil }

type Event struct {
	ID         int64  `json:"id"`
	TS         string `json:"ts" format:"date-time"`
	Type       string `json:"type"`
	JobID      string `json:"job_id,omitempty"`
	EntityKind string `json:"entity_kind"`
	EntityID   string `json:"entity_id,omitempty"`
	ActorID    string `json:"actor_id"`
	Payload    string `json:"payload_json"`
}

type APIKey struct {
	ID        string `json:"id"`
	ActorID   string `json:"actor_id"`
	Name      string `json:"name,omitempty"`
	KeyHash   string `json:"key_hash"`
	CreatedAt string `json:"created_at" format:"date-time"`
}
