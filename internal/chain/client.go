package chain

import (
	"context"
	"errors"
	"fmt"

	"gigchain/internal/domain"
)

// Client is the chain client consumed by the protocol core. The validator
// behind Submit is opaque: the core only knows which signer set and
// redeemer shape each transition requires.
type Client interface {
	// Submit validates and applies a fully signed transaction, returning
	// its id once accepted.
	Submit(ctx context.Context, tx Tx) (string, error)
	// FetchPosition returns a position by id, spent or not.
	FetchPosition(ctx context.Context, id string) (domain.Position, error)
	// FetchTx reports confirmation status for a submitted transaction.
	FetchTx(ctx context.Context, id string) (TxStatus, error)
	// Balance returns the unlocked funds held by a party.
	Balance(ctx context.Context, ownerHash string) (int64, error)
}

type TxStatus struct {
	ID          string `json:"id"`
	Confirmed   bool   `json:"confirmed"`
	ConfirmedAt string `json:"confirmed_at,omitempty"`
}

// Error taxonomy. Not-found is recoverable by re-querying state;
// unauthorized and bad-evidence are never retried; unavailable is
// transient and retried with backoff.
var (
	ErrNotFound    = errors.New("not found")
	ErrBadEvidence = errors.New("bad evidence")
	ErrUnavailable = errors.New("chain unavailable")
	ErrConflict    = errors.New("conflict")
)

// UnauthorizedError carries the signer set a transaction was missing.
type UnauthorizedError struct {
	Missing []string
}

func (e *UnauthorizedError) Error() string {
	if len(e.Missing) == 0 {
		return "unauthorized"
	}
	return fmt.Sprintf("unauthorized: missing signatures from %v", e.Missing)
}

// IsUnauthorized reports whether err is an authorization failure.
func IsUnauthorized(err error) bool {
	var ue *UnauthorizedError
	return errors.As(err, &ue)
}
