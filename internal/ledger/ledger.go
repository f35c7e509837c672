package ledger

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"gigchain/internal/chain"
	"gigchain/internal/config"
	"gigchain/internal/domain"
)

// Ledger is a local chain backed by SQLite. The positions table is the
// UTXO set: spending is a compare-and-swap on consumed_by, so of two
// transactions racing for the same position exactly one is confirmed and
// the other fails to apply.
type Ledger struct {
	DB     *sql.DB
	Config *config.Config
	Now    func() time.Time
}

func New(db *sql.DB, cfg *config.Config) *Ledger {
	return &Ledger{DB: db, Config: cfg, Now: time.Now}
}

func (l *Ledger) now() time.Time {
	if l.Now != nil {
		return l.Now()
	}
	return time.Now()
}

// Submit verifies signatures, runs the validator over every input and
// mint, and applies spend+mint+pay+create in a single database
// transaction. All effects happen or none do.
func (l *Ledger) Submit(ctx context.Context, t chain.Tx) (string, error) {
	if t.Body.ID == "" {
		return "", fmt.Errorf("submit: missing tx id")
	}
	if err := t.VerifySignatures(); err != nil {
		return "", err
	}
	now := l.now().UTC().Format(time.RFC3339)

	tx, err := l.DB.BeginTx(ctx, nil)
	if err != nil {
		return "", fmt.Errorf("%w: %v", chain.ErrUnavailable, err)
	}
	defer tx.Rollback()

	var existing int
	if err := tx.QueryRowContext(ctx, `SELECT COUNT(*) FROM transactions WHERE id=?`, t.Body.ID).Scan(&existing); err != nil {
		return "", err
	}
	if existing > 0 {
		return "", fmt.Errorf("tx %s already submitted: %w", t.Body.ID, chain.ErrConflict)
	}

	if err := l.validate(ctx, tx, t); err != nil {
		return "", err
	}

	body, err := json.Marshal(t.Body)
	if err != nil {
		return "", err
	}
	submitter := ""
	if len(t.Signatures) > 0 {
		submitter = t.Signatures[0].KeyHash
	}
	if _, err := tx.ExecContext(ctx, `INSERT INTO transactions(id,body_json,submitted_by,confirmed_at) VALUES (?,?,?,?)`,
		t.Body.ID, string(body), submitter, now); err != nil {
		if isUniqueViolation(err) {
			return "", fmt.Errorf("tx %s already submitted: %w", t.Body.ID, chain.ErrConflict)
		}
		return "", err
	}

	// Spend inputs. The WHERE consumed_by IS NULL guard is the mutual
	// exclusion: a position consumed by a concurrent transaction makes
	// this spend a no-op and the whole submission rolls back.
	for _, in := range t.Body.Inputs {
		res, err := tx.ExecContext(ctx, `UPDATE positions SET consumed_by=?, consumed_at=? WHERE id=? AND consumed_by IS NULL`,
			t.Body.ID, now, in.PositionID)
		if err != nil {
			return "", err
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return "", fmt.Errorf("position %s: %w", in.PositionID, chain.ErrNotFound)
		}
	}

	// Debit the funding party for newly locked value.
	if locked := lockedValue(t.Body); locked > 0 {
		if t.Body.FundedBy == "" {
			return "", fmt.Errorf("%w: outputs lock value but no funding party", chain.ErrBadEvidence)
		}
		if err := l.debit(ctx, tx, t.Body.FundedBy, locked); err != nil {
			return "", err
		}
	}

	for _, pay := range t.Body.Payments {
		if err := l.credit(ctx, tx, pay.ToHash, pay.Amount); err != nil {
			return "", err
		}
	}

	for idx, out := range t.Body.Outputs {
		id := fmt.Sprintf("%s#%d", t.Body.ID, idx)
		_, err := tx.ExecContext(ctx, `INSERT INTO positions(id,kind,owner_hash,job_id,asset_name,amount,datum_json,created_tx,created_at) VALUES (?,?,?,?,?,?,?,?,?)`,
			id, out.Kind, out.OwnerHash, nullable(out.JobID), nullable(out.AssetName), out.Amount, out.DatumJSON, t.Body.ID, now)
		if err != nil {
			if isUniqueViolation(err) {
				switch out.Kind {
				case domain.KindCompletionProof:
					return "", fmt.Errorf("completion proof for job %s already minted: %w", out.JobID, chain.ErrConflict)
				case domain.KindReputationRecord:
					return "", fmt.Errorf("live reputation record for %s already exists: %w", out.OwnerHash, chain.ErrConflict)
				}
			}
			return "", err
		}
	}

	if err := tx.Commit(); err != nil {
		return "", fmt.Errorf("%w: %v", chain.ErrUnavailable, err)
	}
	return t.Body.ID, nil
}

// lockedValue is the value the outputs carry minus the value the spent
// inputs release; only the surplus needs funding.
func lockedValue(body chain.TxBody) int64 {
	var out int64
	for _, o := range body.Outputs {
		out += o.Amount
	}
	return out
}

func (l *Ledger) debit(ctx context.Context, tx *sql.Tx, ownerHash string, amount int64) error {
	res, err := tx.ExecContext(ctx, `UPDATE balances SET amount=amount-? WHERE owner_hash=? AND amount>=?`,
		amount, ownerHash, amount)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("insufficient funds for %s: %w", ownerHash, chain.ErrBadEvidence)
	}
	return nil
}

func (l *Ledger) credit(ctx context.Context, tx *sql.Tx, ownerHash string, amount int64) error {
	if amount <= 0 {
		return fmt.Errorf("%w: non-positive payment", chain.ErrBadEvidence)
	}
	_, err := tx.ExecContext(ctx, `INSERT INTO balances(owner_hash,amount) VALUES (?,?)
ON CONFLICT(owner_hash) DO UPDATE SET amount=amount+excluded.amount`, ownerHash, amount)
	return err
}

// Faucet credits unlocked funds outside the protocol. Local networks only.
func (l *Ledger) Faucet(ctx context.Context, ownerHash string, amount int64) error {
	tx, err := l.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	if err := l.credit(ctx, tx, ownerHash, amount); err != nil {
		return err
	}
	return tx.Commit()
}

// FetchPosition returns a position by id, spent or not.
func (l *Ledger) FetchPosition(ctx context.Context, id string) (domain.Position, error) {
	return scanPosition(l.DB.QueryRowContext(ctx,
		`SELECT id,kind,owner_hash,job_id,asset_name,amount,datum_json,created_tx,created_at,consumed_by,consumed_at FROM positions WHERE id=?`, id))
}

// FetchTx reports confirmation status for a transaction.
func (l *Ledger) FetchTx(ctx context.Context, id string) (chain.TxStatus, error) {
	var confirmedAt sql.NullString
	err := l.DB.QueryRowContext(ctx, `SELECT confirmed_at FROM transactions WHERE id=?`, id).Scan(&confirmedAt)
	if err == sql.ErrNoRows {
		return chain.TxStatus{}, fmt.Errorf("tx %s: %w", id, chain.ErrNotFound)
	}
	if err != nil {
		return chain.TxStatus{}, err
	}
	return chain.TxStatus{ID: id, Confirmed: confirmedAt.Valid, ConfirmedAt: confirmedAt.String}, nil
}

// Balance returns the unlocked funds held by a party.
func (l *Ledger) Balance(ctx context.Context, ownerHash string) (int64, error) {
	var amount int64
	err := l.DB.QueryRowContext(ctx, `SELECT amount FROM balances WHERE owner_hash=?`, ownerHash).Scan(&amount)
	if err == sql.ErrNoRows {
		return 0, nil
	}
	return amount, err
}

func scanPosition(row *sql.Row) (domain.Position, error) {
	var p domain.Position
	var jobID, assetName, consumedBy, consumedAt sql.NullString
	err := row.Scan(&p.ID, &p.Kind, &p.OwnerHash, &jobID, &assetName, &p.Amount, &p.DatumJSON, &p.CreatedTx, &p.CreatedAt, &consumedBy, &consumedAt)
	if err == sql.ErrNoRows {
		return p, chain.ErrNotFound
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

func isUniqueViolation(err error) bool {
	if err == nil {
		return false
	}
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "unique") || strings.Contains(msg, "constraint")
}

func nullable(v string) any {
	if v == "" {
		return nil
	}
	return v
}
