package chain

import "encoding/json"

// ReleaseRedeemer justifies spending an escrow via release. It names the
// proof policy about to mint and pins the escrow's identity fields, so the
// minting rule can check them against the value actually being spent.
type ReleaseRedeemer struct {
	ProofPolicy    string `json:"proof_policy"`
	JobID          string `json:"job_id"`
	EmployerHash   string `json:"employer_hash"`
	FreelancerHash string `json:"freelancer_hash"`
	Amount         int64  `json:"amount"`
}

// RefundRedeemer justifies spending an escrow via refund. Same shape of
// spend, different authorization set, and no proof is minted.
type RefundRedeemer struct {
	JobID  string `json:"job_id"`
	Reason string `json:"reason,omitempty"`
}

// UpdateRedeemer justifies consuming a reputation record. Its fields must
// match the referenced completion proof's datum exactly.
type UpdateRedeemer struct {
	ProofPolicy    string `json:"proof_policy"`
	JobID          string `json:"job_id"`
	Rating         int64  `json:"rating"`
	Amount         int64  `json:"amount"`
	Completed      bool   `json:"completed"`
	FreelancerSide bool   `json:"freelancer_side"`
}

func MarshalRedeemer(v any) string {
	data, _ := json.Marshal(v)
	return string(data)
}
