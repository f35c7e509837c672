package repo

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"gigchain/internal/config"
	"gigchain/internal/domain"
)

// Repo is the read side of the node: typed queries over the position set,
// the event log and the party registry. Writes go through the ledger.
type Repo struct {
	DB *sql.DB
}

var ErrNotFound = errors.New("not found")

func (r Repo) UpsertParty(ctx context.Context, p domain.Party) error {
	_, err := r.DB.ExecContext(ctx, `INSERT INTO parties(key_hash,did,name,pub_key,arbiter,joined_at) VALUES (?,?,?,?,?,?)
ON CONFLICT(key_hash) DO UPDATE SET name=excluded.name, arbiter=excluded.arbiter`,
		p.KeyHash, p.DID, nullable(p.Name), p.PubKey, boolInt(p.Arbiter), p.JoinedAt)
	return err
}

func (r Repo) GetParty(ctx context.Context, keyHash string) (domain.Party, error) {
	var p domain.Party
	var name sql.NullString
	var arbiter int
	err := r.DB.QueryRowContext(ctx, `SELECT key_hash,did,name,pub_key,arbiter,joined_at FROM parties WHERE key_hash=?`, keyHash).
		Scan(&p.KeyHash, &p.DID, &name, &p.PubKey, &arbiter, &p.JoinedAt)
	if err == sql.ErrNoRows {
		return p, ErrNotFound
	}
	if err != nil {
		return p, err
	}
	if name.Valid {
		p.Name = name.String
	}
	p.Arbiter = arbiter != 0
	return p, nil
}

func (r Repo) ListParties(ctx context.Context) ([]domain.Party, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT key_hash,did,name,pub_key,arbiter,joined_at FROM parties ORDER BY joined_at`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Party
	for rows.Next() {
		var p domain.Party
		var name sql.NullString
		var arbiter int
		if err := rows.Scan(&p.KeyHash, &p.DID, &name, &p.PubKey, &arbiter, &p.JoinedAt); err != nil {
			return nil, err
		}
		if name.Valid {
			p.Name = name.String
		}
		p.Arbiter = arbiter != 0
		res = append(res, p)
	}
	return res, rows.Err()
}

func (r Repo) EnsureActor(ctx context.Context, id string) error {
	if strings.TrimSpace(id) == "" {
		return errors.New("actor id required")
	}
	now := time.Now().UTC().Format(time.RFC3339)
	_, err := r.DB.ExecContext(ctx, `INSERT OR IGNORE INTO actors(id,created_at) VALUES (?,?)`, id, now)
	return err
}

// PositionFilters narrows position listings. Live restricts to unspent
// positions; the cursor pair pages backwards through creation order.
type PositionFilters struct {
	Kind            string
	OwnerHash       string
	JobID           string
	Live            bool
	Limit           int
	CursorCreatedAt string
	CursorID        string
}

const positionCols = `id,kind,owner_hash,job_id,asset_name,amount,datum_json,created_tx,created_at,consumed_by,consumed_at`

func (r Repo) ListPositions(ctx context.Context, f PositionFilters) ([]domain.Position, error) {
	var clauses []string
	var args []any
	if f.Kind != "" {
		clauses = append(clauses, "kind=?")
		args = append(args, f.Kind)
	}
	if f.OwnerHash != "" {
		clauses = append(clauses, "owner_hash=?")
		args = append(args, f.OwnerHash)
	}
	if f.JobID != "" {
		clauses = append(clauses, "job_id=?")
		args = append(args, f.JobID)
	}
	if f.Live {
		clauses = append(clauses, "consumed_by IS NULL")
	}
	if f.CursorCreatedAt != "" && f.CursorID != "" {
		clauses = append(clauses, "(created_at < ? OR (created_at = ? AND id < ?))")
		args = append(args, f.CursorCreatedAt, f.CursorCreatedAt, f.CursorID)
	}
	where := ""
	if len(clauses) > 0 {
		where = "WHERE " + strings.Join(clauses, " AND ")
	}
	query := `SELECT ` + positionCols + ` FROM positions ` + where + ` ORDER BY created_at DESC, id DESC`
	if f.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, f.Limit)
	}
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Position
	for rows.Next() {
		p, err := scanPositionRows(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, p)
	}
	return res, rows.Err()
}

func (r Repo) GetPosition(ctx context.Context, id string) (domain.Position, error) {
	return scanPositionRow(r.DB.QueryRowContext(ctx, `SELECT `+positionCols+` FROM positions WHERE id=?`, id))
}

// LiveJobPosition returns the unspent job-posting position for a job.
func (r Repo) LiveJobPosition(ctx context.Context, jobID string) (domain.Position, error) {
	return scanPositionRow(r.DB.QueryRowContext(ctx,
		`SELECT `+positionCols+` FROM positions WHERE kind=? AND job_id=? AND consumed_by IS NULL`, domain.KindJobPosting, jobID))
}

// LiveBidPosition returns a bidder's unspent bid position on a job.
func (r Repo) LiveBidPosition(ctx context.Context, jobID, bidderHash string) (domain.Position, error) {
	return scanPositionRow(r.DB.QueryRowContext(ctx,
		`SELECT `+positionCols+` FROM positions WHERE kind=? AND job_id=? AND owner_hash=? AND consumed_by IS NULL`, domain.KindBid, jobID, bidderHash))
}

// LiveEscrowPosition returns the unspent escrow position for a job.
func (r Repo) LiveEscrowPosition(ctx context.Context, jobID string) (domain.Position, error) {
	return scanPositionRow(r.DB.QueryRowContext(ctx,
		`SELECT `+positionCols+` FROM positions WHERE kind=? AND job_id=? AND consumed_by IS NULL`, domain.KindEscrow, jobID))
}

// LiveRecordPosition returns a party's unspent reputation-record position.
// The schema guarantees at most one exists.
func (r Repo) LiveRecordPosition(ctx context.Context, ownerHash string) (domain.Position, error) {
	return scanPositionRow(r.DB.QueryRowContext(ctx,
		`SELECT `+positionCols+` FROM positions WHERE kind=? AND owner_hash=? AND consumed_by IS NULL`, domain.KindReputationRecord, ownerHash))
}

// TransactionBody returns the stored body of a confirmed transaction.
func (r Repo) TransactionBody(ctx context.Context, id string) (string, error) {
	var body string
	err := r.DB.QueryRowContext(ctx, `SELECT body_json FROM transactions WHERE id=?`, id).Scan(&body)
	if err == sql.ErrNoRows {
		return "", ErrNotFound
	}
	return body, err
}

// ProofPosition returns the completion-proof position for a job, if minted.
func (r Repo) ProofPosition(ctx context.Context, assetName string) (domain.Position, error) {
	return scanPositionRow(r.DB.QueryRowContext(ctx,
		`SELECT `+positionCols+` FROM positions WHERE kind=? AND asset_name=?`, domain.KindCompletionProof, assetName))
}

// DecodeDatum unmarshals a position's datum into the caller's entity type.
func DecodeDatum(p domain.Position, v any) error {
	if err := json.Unmarshal([]byte(p.DatumJSON), v); err != nil {
		return fmt.Errorf("position %s: decode datum: %w", p.ID, err)
	}
	return nil
}

func scanPositionRow(row *sql.Row) (domain.Position, error) {
	var p domain.Position
	var jobID, assetName, consumedBy, consumedAt sql.NullString
	err := row.Scan(&p.ID, &p.Kind, &p.OwnerHash, &jobID, &assetName, &p.Amount, &p.DatumJSON, &p.CreatedTx, &p.CreatedAt, &consumedBy, &consumedAt)
	if err == sql.ErrNoRows {
		return p, ErrNotFound
	}
	if err != nil {
		return p, err
	}
	fillPosition(&p, jobID, assetName, consumedBy, consumedAt)
	return p, nil
}

func scanPositionRows(rows *sql.Rows) (domain.Position, error) {
	var p domain.Position
	var jobID, assetName, consumedBy, consumedAt sql.NullString
	if err := rows.Scan(&p.ID, &p.Kind, &p.OwnerHash, &jobID, &assetName, &p.Amount, &p.DatumJSON, &p.CreatedTx, &p.CreatedAt, &consumedBy, &consumedAt); err != nil {
		return p, err
	}
	fillPosition(&p, jobID, assetName, consumedBy, consumedAt)
	return p, nil
}

func fillPosition(p *domain.Position, jobID, assetName, consumedBy, consumedAt sql.NullString) {
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
}

func (r Repo) LatestEvents(ctx context.Context, limit int, jobID, evtType, entityKind, entityID string) ([]domain.Event, error) {
	return r.LatestEventsFrom(ctx, limit, 0, jobID, evtType, entityKind, entityID)
}

func (r Repo) LatestEventsFrom(ctx context.Context, limit int, cursor int64, jobID, evtType, entityKind, entityID string) ([]domain.Event, error) {
	clauses := []string{"1=1"}
	var args []any
	if jobID != "" {
		clauses = append(clauses, "job_id=?")
		args = append(args, jobID)
	}
	if evtType != "" {
		clauses = append(clauses, "type=?")
		args = append(args, evtType)
	}
	if entityKind != "" {
		clauses = append(clauses, "entity_kind=?")
		args = append(args, entityKind)
	}
	if entityID != "" {
		clauses = append(clauses, "entity_id=?")
		args = append(args, entityID)
	}
	if cursor > 0 {
		clauses = append(clauses, "id<?")
		args = append(args, cursor)
	}
	where := "WHERE " + strings.Join(clauses, " AND ")
	query := fmt.Sprintf(`SELECT id,ts,type,job_id,entity_kind,entity_id,actor_id,payload_json FROM events %s ORDER BY id DESC LIMIT ?`, where)
	args = append(args, limit)
	return r.queryEvents(ctx, query, args...)
}

// EventsAfter returns events with IDs greater than the cursor in ascending order.
func (r Repo) EventsAfter(ctx context.Context, limit int, cursor int64, jobID string) ([]domain.Event, error) {
	if limit <= 0 {
		limit = 100
	}
	clauses := []string{"1=1"}
	var args []any
	if jobID != "" {
		clauses = append(clauses, "job_id=?")
		args = append(args, jobID)
	}
	if cursor > 0 {
		clauses = append(clauses, "id>?")
		args = append(args, cursor)
	}
	where := "WHERE " + strings.Join(clauses, " AND ")
	query := fmt.Sprintf(`SELECT id,ts,type,job_id,entity_kind,entity_id,actor_id,payload_json FROM events %s ORDER BY id ASC LIMIT ?`, where)
	args = append(args, limit)
	return r.queryEvents(ctx, query, args...)
}

// LatestEventID returns the most recent event ID, optionally scoped to a job.
func (r Repo) LatestEventID(ctx context.Context, jobID string) (int64, error) {
	query := `SELECT COALESCE(MAX(id),0) FROM events`
	var args []any
	if jobID != "" {
		query += ` WHERE job_id=?`
		args = append(args, jobID)
	}
	var id int64
	if err := r.DB.QueryRowContext(ctx, query, args...).Scan(&id); err != nil {
		return 0, err
	}
	return id, nil
}

func (r Repo) queryEvents(ctx context.Context, query string, args ...any) ([]domain.Event, error) {
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Event
	for rows.Next() {
		var e domain.Event
		var jobID, entityID, payload sql.NullString
		if err := rows.Scan(&e.ID, &e.TS, &e.Type, &jobID, &e.EntityKind, &entityID, &e.ActorID, &payload); err != nil {
			return nil, err
		}
		if jobID.Valid {
			e.JobID = jobID.String
		}
		if entityID.Valid {
			e.EntityID = entityID.String
		}
		if payload.Valid {
			e.Payload = payload.String
		}
		res = append(res, e)
	}
	return res, rows.Err()
}

func (r Repo) UpsertNetworkConfig(ctx context.Context, networkID string, cfg *config.Config) error {
	if cfg == nil {
		return fmt.Errorf("config nil")
	}
	if err := cfg.Validate(); err != nil {
		return err
	}
	payload, err := json.Marshal(cfg)
	if err != nil {
		return err
	}
	now := time.Now().UTC().Format(time.RFC3339)
	_, err = r.DB.ExecContext(ctx, `INSERT INTO network_configs(network_id,config_json,created_at,updated_at) VALUES (?,?,?,?)
ON CONFLICT(network_id) DO UPDATE SET config_json=excluded.config_json, updated_at=excluded.updated_at`, networkID, string(payload), now, now)
	return err
}

func (r Repo) GetNetworkConfig(ctx context.Context, networkID string) (*config.Config, error) {
	var payload string
	err := r.DB.QueryRowContext(ctx, `SELECT config_json FROM network_configs WHERE network_id=?`, networkID).Scan(&payload)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	var cfg config.Config
	if err := json.Unmarshal([]byte(payload), &cfg); err != nil {
		return nil, err
	}
	if cfg.Network.ID == "" {
		cfg.Network.ID = networkID
	}
	return &cfg, cfg.Validate()
}

// SingleNetwork returns the network ID when exactly one is configured.
func (r Repo) SingleNetwork(ctx context.Context) (string, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT network_id FROM network_configs LIMIT 2`)
	if err != nil {
		return "", err
	}
	defer rows.Close()
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return "", err
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return "", err
	}
	if len(ids) != 1 {
		return "", fmt.Errorf("expected one network, found %d", len(ids))
	}
	return ids[0], nil
}

func nullable(v string) any {
	if v == "" {
		return nil
	}
	return v
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
