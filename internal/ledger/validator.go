package ledger

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	"gigchain/internal/chain"
	"gigchain/internal/config"
	"gigchain/internal/domain"
)

// validate is the script validator: an opaque predicate from the engine's
// point of view, keyed by (position kind, redeemer action, signers
// present). The signing-policy table in the config decides which roles
// must have signed; the per-action checks below pin the redeemer shape and
// the value flow.
func (l *Ledger) validate(ctx context.Context, tx *sql.Tx, t chain.Tx) error {
	var releaseInputs []domain.Escrow
	for _, in := range t.Body.Inputs {
		pos, err := l.positionTx(ctx, tx, in.PositionID)
		if err != nil {
			return err
		}
		if pos.Consumed() {
			return fmt.Errorf("position %s: %w", in.PositionID, chain.ErrNotFound)
		}
		if err := l.requireSigners(t, in.Action, pos); err != nil {
			return err
		}
		switch {
		case pos.Kind == domain.KindJobPosting && (in.Action == domain.ActionCloseJob || in.Action == domain.ActionCancelJob):
			if err := requirePayment(t.Body, pos.OwnerHash, pos.Amount); err != nil {
				return fmt.Errorf("job deposit: %w", err)
			}
		case pos.Kind == domain.KindBid && in.Action == domain.ActionCancelBid:
			var bid domain.Bid
			if err := json.Unmarshal([]byte(pos.DatumJSON), &bid); err != nil {
				return fmt.Errorf("%w: bid datum: %v", chain.ErrBadEvidence, err)
			}
			if err := requirePayment(t.Body, bid.BidderHash, pos.Amount); err != nil {
				return fmt.Errorf("bid deposit: %w", err)
			}
		case pos.Kind == domain.KindBid && in.Action == domain.ActionAcceptBid:
			var bid domain.Bid
			if err := json.Unmarshal([]byte(pos.DatumJSON), &bid); err != nil {
				return fmt.Errorf("%w: bid datum: %v", chain.ErrBadEvidence, err)
			}
			// accept hands the locked deposit to the employer, marking the
			// selection decision on-chain.
			if err := requirePayment(t.Body, bid.EmployerHash, pos.Amount); err != nil {
				return fmt.Errorf("bid deposit: %w", err)
			}
		case pos.Kind == domain.KindEscrow && in.Action == domain.ActionRelease:
			esc, err := l.checkRelease(t, in, pos)
			if err != nil {
				return err
			}
			releaseInputs = append(releaseInputs, esc)
		case pos.Kind == domain.KindEscrow && in.Action == domain.ActionRefund:
			if err := l.checkRefund(t, in, pos); err != nil {
				return err
			}
		case pos.Kind == domain.KindReputationRecord && in.Action == domain.ActionUpdateRecord:
			if err := l.checkUpdate(ctx, tx, t, in, pos); err != nil {
				return err
			}
		default:
			return fmt.Errorf("%w: action %s not valid for %s position", chain.ErrBadEvidence, in.Action, pos.Kind)
		}
	}

	// A completion-proof mint is only legitimate when the same transaction
	// spends the matching escrow with a release redeemer.
	for _, m := range t.Body.Mints {
		if m.PolicyID != chain.ProofPolicyID {
			return fmt.Errorf("%w: unknown minting policy %s", chain.ErrBadEvidence, m.PolicyID)
		}
		if m.Amount != 1 {
			return fmt.Errorf("%w: completion proof must mint exactly one unit", chain.ErrBadEvidence)
		}
		matched := false
		for _, esc := range releaseInputs {
			if chain.ProofAssetName(esc.JobID) == m.AssetName {
				matched = true
				break
			}
		}
		if !matched {
			return fmt.Errorf("%w: proof mint without matching escrow release", chain.ErrBadEvidence)
		}
	}

	for _, out := range t.Body.Outputs {
		switch out.Kind {
		case domain.KindCompletionProof:
			if !hasMint(t.Body, out.AssetName) {
				return fmt.Errorf("%w: proof output without mint", chain.ErrBadEvidence)
			}
		case domain.KindReputationRecord:
			// A fresh record (no update input) can only be minted by its
			// owner; the policy derives from the owner's own key, so an
			// attacker can only ever mint a record for themselves.
			if !consumesRecordOf(ctx, tx, l, t.Body, out.OwnerHash) {
				if !t.SignedBy(out.OwnerHash) {
					return &chain.UnauthorizedError{Missing: []string{out.OwnerHash}}
				}
			}
		case domain.KindJobPosting:
			var job domain.JobPosting
			if err := json.Unmarshal([]byte(out.DatumJSON), &job); err != nil {
				return fmt.Errorf("%w: job datum: %v", chain.ErrBadEvidence, err)
			}
			if err := l.requireLiveRecordRef(ctx, tx, t.Body, job.EmployerHash); err != nil {
				return fmt.Errorf("job posting: %w", err)
			}
			if !t.SignedBy(job.EmployerHash) {
				return &chain.UnauthorizedError{Missing: []string{job.EmployerHash}}
			}
		case domain.KindBid:
			var bid domain.Bid
			if err := json.Unmarshal([]byte(out.DatumJSON), &bid); err != nil {
				return fmt.Errorf("%w: bid datum: %v", chain.ErrBadEvidence, err)
			}
			if err := l.requireLiveRecordRef(ctx, tx, t.Body, bid.BidderHash); err != nil {
				return fmt.Errorf("bid: %w", err)
			}
			if !t.SignedBy(bid.BidderHash) {
				return &chain.UnauthorizedError{Missing: []string{bid.BidderHash}}
			}
		case domain.KindEscrow:
			var esc domain.Escrow
			if err := json.Unmarshal([]byte(out.DatumJSON), &esc); err != nil {
				return fmt.Errorf("%w: escrow datum: %v", chain.ErrBadEvidence, err)
			}
			// No signature required beyond the employer funding it.
			if t.Body.FundedBy != esc.EmployerHash {
				return fmt.Errorf("%w: escrow must be funded by its employer", chain.ErrBadEvidence)
			}
		}
	}

	for _, ref := range t.Body.References {
		if _, err := l.positionTx(ctx, tx, ref); err != nil {
			return fmt.Errorf("reference %s: %w", ref, chain.ErrNotFound)
		}
	}
	return nil
}

// requireSigners resolves the policy table's roles against the position
// datum and demands a verified signature from every resolved hash.
func (l *Ledger) requireSigners(t chain.Tx, action string, pos domain.Position) error {
	roles, ok := l.Config.RequiredRoles(action)
	if !ok {
		return fmt.Errorf("%w: no signing policy for action %s", chain.ErrBadEvidence, action)
	}
	hashes, err := resolveRoles(roles, pos)
	if err != nil {
		return err
	}
	var missing []string
	for _, h := range hashes {
		if !t.SignedBy(h) {
			missing = append(missing, h)
		}
	}
	if len(missing) > 0 {
		return &chain.UnauthorizedError{Missing: missing}
	}
	return nil
}

func resolveRoles(roles []string, pos domain.Position) ([]string, error) {
	var hashes []string
	for _, role := range roles {
		h, err := resolveRole(role, pos)
		if err != nil {
			return nil, err
		}
		hashes = append(hashes, h)
	}
	return hashes, nil
}

func resolveRole(role string, pos domain.Position) (string, error) {
	switch pos.Kind {
	case domain.KindJobPosting:
		if role == config.RoleEmployer {
			return pos.OwnerHash, nil
		}
	case domain.KindBid:
		var bid domain.Bid
		if err := json.Unmarshal([]byte(pos.DatumJSON), &bid); err != nil {
			return "", fmt.Errorf("%w: bid datum: %v", chain.ErrBadEvidence, err)
		}
		switch role {
		case config.RoleBidder:
			return bid.BidderHash, nil
		case config.RoleEmployer:
			return bid.EmployerHash, nil
		}
	case domain.KindEscrow:
		var esc domain.Escrow
		if err := json.Unmarshal([]byte(pos.DatumJSON), &esc); err != nil {
			return "", fmt.Errorf("%w: escrow datum: %v", chain.ErrBadEvidence, err)
		}
		switch role {
		case config.RoleEmployer:
			return esc.EmployerHash, nil
		case config.RoleFreelancer:
			return esc.FreelancerHash, nil
		case config.RoleArbiter:
			return esc.ArbiterHash, nil
		}
	case domain.KindReputationRecord:
		if role == config.RoleOwner {
			return pos.OwnerHash, nil
		}
	}
	return "", fmt.Errorf("%w: role %s not resolvable for %s position", chain.ErrBadEvidence, role, pos.Kind)
}

// checkRelease pins the release redeemer to the escrow being spent and
// demands the paired proof mint plus the payment to the freelancer.
func (l *Ledger) checkRelease(t chain.Tx, in chain.Input, pos domain.Position) (domain.Escrow, error) {
	var esc domain.Escrow
	if err := json.Unmarshal([]byte(pos.DatumJSON), &esc); err != nil {
		return esc, fmt.Errorf("%w: escrow datum: %v", chain.ErrBadEvidence, err)
	}
	var red chain.ReleaseRedeemer
	if err := json.Unmarshal([]byte(in.RedeemerJSON), &red); err != nil {
		return esc, fmt.Errorf("%w: release redeemer: %v", chain.ErrBadEvidence, err)
	}
	if red.ProofPolicy != chain.ProofPolicyID {
		return esc, fmt.Errorf("%w: release names unknown proof policy", chain.ErrBadEvidence)
	}
	if red.JobID != esc.JobID || red.EmployerHash != esc.EmployerHash ||
		red.FreelancerHash != esc.FreelancerHash || red.Amount != esc.Amount {
		return esc, fmt.Errorf("%w: release redeemer does not match escrow", chain.ErrBadEvidence)
	}
	if !hasMint(t.Body, chain.ProofAssetName(esc.JobID)) {
		return esc, fmt.Errorf("%w: release without completion-proof mint", chain.ErrBadEvidence)
	}
	proofOut, ok := findOutput(t.Body, domain.KindCompletionProof, chain.ProofAssetName(esc.JobID))
	if !ok {
		return esc, fmt.Errorf("%w: release without proof output", chain.ErrBadEvidence)
	}
	var proof domain.CompletionProof
	if err := json.Unmarshal([]byte(proofOut.DatumJSON), &proof); err != nil {
		return esc, fmt.Errorf("%w: proof datum: %v", chain.ErrBadEvidence, err)
	}
	if proof.JobID != esc.JobID || proof.EmployerHash != esc.EmployerHash ||
		proof.FreelancerHash != esc.FreelancerHash || proof.Amount != esc.Amount {
		return esc, fmt.Errorf("%w: proof datum does not match escrow", chain.ErrBadEvidence)
	}
	if err := requirePayment(t.Body, esc.FreelancerHash, esc.Amount); err != nil {
		return esc, fmt.Errorf("release payment: %w", err)
	}
	// Any fee buffer locked above the escrow amount goes back to the
	// employer.
	if buffer := pos.Amount - esc.Amount; buffer > 0 {
		if err := requirePayment(t.Body, esc.EmployerHash, buffer); err != nil {
			return esc, fmt.Errorf("release buffer: %w", err)
		}
	}
	return esc, nil
}

// checkRefund is the symmetric spend: everything back to the employer, no
// proof minted, cancelled jobs do not earn completed credit.
func (l *Ledger) checkRefund(t chain.Tx, in chain.Input, pos domain.Position) error {
	var esc domain.Escrow
	if err := json.Unmarshal([]byte(pos.DatumJSON), &esc); err != nil {
		return fmt.Errorf("%w: escrow datum: %v", chain.ErrBadEvidence, err)
	}
	var red chain.RefundRedeemer
	if err := json.Unmarshal([]byte(in.RedeemerJSON), &red); err != nil {
		return fmt.Errorf("%w: refund redeemer: %v", chain.ErrBadEvidence, err)
	}
	if red.JobID != esc.JobID {
		return fmt.Errorf("%w: refund redeemer does not match escrow", chain.ErrBadEvidence)
	}
	if len(t.Body.Mints) > 0 {
		return fmt.Errorf("%w: refund must not mint", chain.ErrBadEvidence)
	}
	if err := requirePayment(t.Body, esc.EmployerHash, pos.Amount); err != nil {
		return fmt.Errorf("refund payment: %w", err)
	}
	return nil
}

// checkUpdate gates a reputation-record spend on a referenced completion
// proof whose immutable fields match the redeemer, and verifies the
// successor record's counters transition exactly as specified.
func (l *Ledger) checkUpdate(ctx context.Context, tx *sql.Tx, t chain.Tx, in chain.Input, pos domain.Position) error {
	var old domain.ReputationRecord
	if err := json.Unmarshal([]byte(pos.DatumJSON), &old); err != nil {
		return fmt.Errorf("%w: record datum: %v", chain.ErrBadEvidence, err)
	}
	var red chain.UpdateRedeemer
	if err := json.Unmarshal([]byte(in.RedeemerJSON), &red); err != nil {
		return fmt.Errorf("%w: update redeemer: %v", chain.ErrBadEvidence, err)
	}
	if red.ProofPolicy != chain.ProofPolicyID {
		return fmt.Errorf("%w: update names unknown proof policy", chain.ErrBadEvidence)
	}
	proof, err := l.referencedProof(ctx, tx, t.Body, red.JobID)
	if err != nil {
		return err
	}
	if proof.JobID != red.JobID || proof.Amount != red.Amount {
		return fmt.Errorf("%w: update redeemer does not match proof", chain.ErrBadEvidence)
	}
	if red.FreelancerSide {
		if proof.FreelancerHash != pos.OwnerHash {
			return fmt.Errorf("%w: proof names a different freelancer", chain.ErrBadEvidence)
		}
	} else {
		if proof.EmployerHash != pos.OwnerHash {
			return fmt.Errorf("%w: proof names a different employer", chain.ErrBadEvidence)
		}
	}

	out, ok := findRecordOutput(t.Body, pos.OwnerHash)
	if !ok {
		return fmt.Errorf("%w: update without successor record", chain.ErrBadEvidence)
	}
	var next domain.ReputationRecord
	if err := json.Unmarshal([]byte(out.DatumJSON), &next); err != nil {
		return fmt.Errorf("%w: successor datum: %v", chain.ErrBadEvidence, err)
	}
	want := NextRecord(old, red)
	want.LastUpdated = next.LastUpdated
	if next != want {
		return fmt.Errorf("%w: successor record counters do not follow", chain.ErrBadEvidence)
	}
	return nil
}

// NextRecord computes the successor reputation record for an update
// redeemer. Counters are monotonically non-decreasing; the average is an
// integer running mean with round-half-up and, as observed in the
// reference behavior, no clamping to [0,100].
func NextRecord(old domain.ReputationRecord, red chain.UpdateRedeemer) domain.ReputationRecord {
	next := old
	next.TotalJobs = old.TotalJobs + 1
	if red.Completed {
		next.CompletedJobs = old.CompletedJobs + 1
	} else {
		next.CancelledJobs = old.CancelledJobs + 1
	}
	if red.FreelancerSide {
		next.TotalEarned = old.TotalEarned + red.Amount
	} else {
		next.TotalPaid = old.TotalPaid + red.Amount
	}
	num := old.AverageRating*old.TotalJobs + red.Rating
	den := old.TotalJobs + 1
	next.AverageRating = (num + den/2) / den
	return next
}

func (l *Ledger) referencedProof(ctx context.Context, tx *sql.Tx, body chain.TxBody, jobID string) (domain.CompletionProof, error) {
	asset := chain.ProofAssetName(jobID)
	for _, ref := range body.References {
		pos, err := l.positionTx(ctx, tx, ref)
		if err != nil {
			continue
		}
		if pos.Kind == domain.KindCompletionProof && pos.AssetName == asset {
			var proof domain.CompletionProof
			if err := json.Unmarshal([]byte(pos.DatumJSON), &proof); err != nil {
				return proof, fmt.Errorf("%w: proof datum: %v", chain.ErrBadEvidence, err)
			}
			return proof, nil
		}
	}
	return domain.CompletionProof{}, fmt.Errorf("%w: update without completion-proof reference", chain.ErrBadEvidence)
}

func (l *Ledger) requireLiveRecordRef(ctx context.Context, tx *sql.Tx, body chain.TxBody, ownerHash string) error {
	for _, ref := range body.References {
		pos, err := l.positionTx(ctx, tx, ref)
		if err != nil {
			continue
		}
		if pos.Kind == domain.KindReputationRecord && pos.OwnerHash == ownerHash && !pos.Consumed() {
			return nil
		}
	}
	return fmt.Errorf("%w: live reputation record for %s not referenced", chain.ErrBadEvidence, ownerHash)
}

func consumesRecordOf(ctx context.Context, tx *sql.Tx, l *Ledger, body chain.TxBody, ownerHash string) bool {
	for _, in := range body.Inputs {
		pos, err := l.positionTx(ctx, tx, in.PositionID)
		if err != nil {
			continue
		}
		if pos.Kind == domain.KindReputationRecord && pos.OwnerHash == ownerHash {
			return true
		}
	}
	return false
}

func (l *Ledger) positionTx(ctx context.Context, tx *sql.Tx, id string) (domain.Position, error) {
	var p domain.Position
	var jobID, assetName, consumedBy, consumedAt sql.NullString
	err := tx.QueryRowContext(ctx,
		`SELECT id,kind,owner_hash,job_id,asset_name,amount,datum_json,created_tx,created_at,consumed_by,consumed_at FROM positions WHERE id=?`, id).
		Scan(&p.ID, &p.Kind, &p.OwnerHash, &jobID, &assetName, &p.Amount, &p.DatumJSON, &p.CreatedTx, &p.CreatedAt, &consumedBy, &consumedAt)
	if err == sql.ErrNoRows {
		return p, fmt.Errorf("position %s: %w", id, chain.ErrNotFound)
	}
	if err != nil {
		return p, err
	}
	if jobID.Valid {
		p.JobID = jobID.String
	}
	if assetName.Valid {
		p.AssetName = assetName.String
	}
	if consumedBy.Valid {
		p.ConsumedBy = &consumedBy.String
	}
	if consumedAt.Valid {
		p.ConsumedAt = &consumedAt.String
	}
	return p, nil
}

func requirePayment(body chain.TxBody, toHash string, amount int64) error {
	if amount == 0 {
		return nil
	}
	for _, pay := range body.Payments {
		if pay.ToHash == toHash && pay.Amount == amount {
			return nil
		}
	}
	return fmt.Errorf("%w: missing payment of %d to %s", chain.ErrBadEvidence, amount, toHash)
}

func hasMint(body chain.TxBody, assetName string) bool {
	for _, m := range body.Mints {
		if m.AssetName == assetName {
			return true
		}
	}
	return false
}

func findOutput(body chain.TxBody, kind, assetName string) (chain.Output, bool) {
	for _, out := range body.Outputs {
		if out.Kind == kind && out.AssetName == assetName {
			return out, true
		}
	}
	return chain.Output{}, false
}

func findRecordOutput(body chain.TxBody, ownerHash string) (chain.Output, bool) {
	for _, out := range body.Outputs {
		if out.Kind == domain.KindReputationRecord && out.OwnerHash == ownerHash {
			return out, true
		}
	}
	return chain.Output{}, false
}
