package engine

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"time"

	"github.com/google/uuid"

	"gigchain/internal/chain"
	"gigchain/internal/config"
	"gigchain/internal/events"
	"gigchain/internal/keys"
	"gigchain/internal/ledger"
	"gigchain/internal/repo"
)

// Engine drives the protocol: it builds transactions from the current
// position set, collects signatures, submits through the gateway and
// records one event per confirmed transition. All protocol state lives on
// chain; the engine itself holds none.
type Engine struct {
	DB      *sql.DB
	Repo    repo.Repo
	Events  events.Writer
	Keys    *keys.Store
	Client  chain.Client
	Gateway *ledger.Gateway
	Config  *config.Config
	Now     func() time.Time
}

func New(db *sql.DB, cfg *config.Config, client chain.Client, ks *keys.Store) Engine {
	return Engine{
		DB:      db,
		Repo:    repo.Repo{DB: db},
		Events:  events.Writer{DB: db},
		Keys:    ks,
		Client:  client,
		Gateway: ledger.NewGateway(client, cfg),
		Config:  cfg,
		Now:     time.Now,
	}
}

func (e Engine) now() time.Time {
	if e.Now != nil {
		return e.Now()
	}
	return time.Now()
}

func (e Engine) timestamp() string {
	return e.now().UTC().Format(time.RFC3339)
}

// newBody stamps a fresh transaction body. IDs are random; uniqueness is
// enforced at submission.
func (e Engine) newBody() chain.TxBody {
	return chain.TxBody{
		ID:        uuid.NewString(),
		CreatedAt: e.timestamp(),
	}
}

func (e Engine) signer(name string) (keys.Signer, error) {
	if e.Keys == nil {
		return keys.Signer{}, errors.New("no key store configured")
	}
	return e.Keys.Load(name)
}

// submit runs the collateral preflight for the submitter and pushes the
// signed transaction through the gateway.
func (e Engine) submit(ctx context.Context, t chain.Tx, submitterHash string) (string, error) {
	if err := e.Gateway.CheckCollateral(ctx, submitterHash); err != nil {
		return "", err
	}
	return e.Gateway.SubmitAndWait(ctx, t)
}

func mustJSON(v any) string {
	data, err := json.Marshal(v)
	if err != nil {
		panic(err)
	}
	return string(data)
}

// appendEvent records a confirmed transition in the local event log.
func (e Engine) appendEvent(ctx context.Context, evtType, jobID, entityKind, entityID, actorID string, payload events.EventPayload) error {
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	if err := e.Events.Append(ctx, tx, evtType, jobID, entityKind, entityID, actorID, payload); err != nil {
		return err
	}
	return tx.Commit()
}
