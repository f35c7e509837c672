package chain

import (
	"crypto/ed25519"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"

	"gigchain/internal/keys"
)

// ProofPolicyID identifies the completion-proof minting policy. The
// validator only accepts a mint under this policy when the same transaction
// spends the matching escrow with a release redeemer.
const ProofPolicyID = "gigproof-v1"

// ProofAssetName derives the unique completion-proof asset name for a job.
// Deriving it from the job id means a second mint for the same job collides.
func ProofAssetName(jobID string) string {
	sum := sha256.Sum256([]byte("gigproof:" + jobID))
	return hex.EncodeToString(sum[:])
}

// Input names a position to consume plus the redeemer justifying the spend.
type Input struct {
	PositionID   string `json:"position_id"`
	Action       string `json:"action"`
	RedeemerJSON string `json:"redeemer_json,omitempty"`
}

// Mint creates token units carrying a datum, under a named policy.
type Mint struct {
	PolicyID  string `json:"policy_id"`
	AssetName string `json:"asset_name"`
	Amount    int64  `json:"amount"`
}

// Output is a new position to create.
type Output struct {
	Kind      string `json:"kind"`
	OwnerHash string `json:"owner_hash"`
	JobID     string `json:"job_id,omitempty"`
	AssetName string `json:"asset_name,omitempty"`
	Amount    int64  `json:"amount"`
	DatumJSON string `json:"datum_json"`
}

// Payment credits unlocked funds to a party.
type Payment struct {
	ToHash string `json:"to_hash"`
	Amount int64  `json:"amount"`
}

// TxBody is the unsigned transaction payload. All effects are applied
// atomically or not at all.
type TxBody struct {
	ID string `json:"id"`
	// Inputs are consumed exactly once; the first confirmed spender wins.
	Inputs []Input `json:"inputs,omitempty"`
	// References are read-only: cited, never spent.
	References []string  `json:"references,omitempty"`
	Mints      []Mint    `json:"mints,omitempty"`
	Outputs    []Output  `json:"outputs,omitempty"`
	Payments   []Payment `json:"payments,omitempty"`
	// FundedBy is debited for any new locked value the outputs carry.
	FundedBy        string   `json:"funded_by,omitempty"`
	RequiredSigners []string `json:"required_signers,omitempty"`
	CreatedAt       string   `json:"created_at"`
}

// Digest returns the signing digest of the body.
func (b TxBody) Digest() []byte {
	data, _ := json.Marshal(b)
	sum := sha256.Sum256(data)
	return sum[:]
}

// Signature is a detached ed25519 signature over the body digest.
type Signature struct {
	KeyHash string `json:"key_hash"`
	PubKey  string `json:"pub_key"`
	Sig     string `json:"sig"`
}

// Tx is a transaction in flight: a body plus the signatures collected so
// far. Nothing is durable until the fully signed tx is submitted and
// confirmed; an abandoned signing flow simply never produces a transaction.
type Tx struct {
	Body       TxBody      `json:"body"`
	Signatures []Signature `json:"signatures,omitempty"`
}

// Sign appends the signer's signature. Signing twice is a no-op, so a
// pending tx can be handed between independent signers in any order.
func (t *Tx) Sign(s keys.Signer) {
	hash := s.KeyHash()
	for _, existing := range t.Signatures {
		if existing.KeyHash == hash {
			return
		}
	}
	sig := s.Sign(t.Body.Digest())
	t.Signatures = append(t.Signatures, Signature{
		KeyHash: hash,
		PubKey:  hex.EncodeToString(s.Pub),
		Sig:     hex.EncodeToString(sig),
	})
}

// SignedBy reports whether a valid-looking signature from the key hash is
// attached.
func (t Tx) SignedBy(keyHash string) bool {
	for _, sig := range t.Signatures {
		if sig.KeyHash == keyHash {
			return true
		}
	}
	return false
}

// MissingSigners lists required signers without an attached signature.
func (t Tx) MissingSigners() []string {
	var missing []string
	for _, req := range t.Body.RequiredSigners {
		if !t.SignedBy(req) {
			missing = append(missing, req)
		}
	}
	return missing
}

// VerifySignatures checks every attached signature cryptographically and
// that each required signer is present.
func (t Tx) VerifySignatures() error {
	digest := t.Body.Digest()
	verified := map[string]bool{}
	for _, sig := range t.Signatures {
		pub, err := hex.DecodeString(sig.PubKey)
		if err != nil || len(pub) != ed25519.PublicKeySize {
			return fmt.Errorf("signature %s: bad public key", sig.KeyHash)
		}
		if keys.KeyHash(pub) != sig.KeyHash {
			return fmt.Errorf("signature %s: key hash mismatch", sig.KeyHash)
		}
		raw, err := hex.DecodeString(sig.Sig)
		if err != nil {
			return fmt.Errorf("signature %s: bad encoding", sig.KeyHash)
		}
		if !ed25519.Verify(ed25519.PublicKey(pub), digest, raw) {
			return fmt.Errorf("signature %s: verification failed", sig.KeyHash)
		}
		verified[sig.KeyHash] = true
	}
	for _, req := range t.Body.RequiredSigners {
		if !verified[req] {
			return &UnauthorizedError{Missing: []string{req}}
		}
	}
	return nil
}

// Encode serializes the pending tx for handoff between signers.
func (t Tx) Encode() ([]byte, error) {
	return json.MarshalIndent(t, "", "  ")
}

// Decode parses a pending tx produced by Encode.
func Decode(data []byte) (Tx, error) {
	var t Tx
	if err := json.Unmarshal(data, &t); err != nil {
		return Tx{}, fmt.Errorf("decode tx: %w", err)
	}
	if t.Body.ID == "" {
		return Tx{}, errors.New("decode tx: missing id")
	}
	return t, nil
}
