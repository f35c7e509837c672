package ledger

import (
	"context"
	"errors"
	"fmt"
	"time"

	"gigchain/internal/chain"
	"gigchain/internal/config"
)

// Gateway wraps a chain client with the retry and confirmation discipline
// the protocol requires: transient failures are retried with exponential
// backoff, validation failures are surfaced immediately, and every wait is
// context-cancellable.
type Gateway struct {
	Client chain.Client
	Config *config.Config
	// Sleep is replaceable in tests.
	Sleep func(ctx context.Context, d time.Duration) error
}

func NewGateway(client chain.Client, cfg *config.Config) *Gateway {
	return &Gateway{Client: client, Config: cfg, Sleep: sleep}
}

func sleep(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

func (g *Gateway) interval(attempt int) time.Duration {
	secs := g.Config.Confirm.IntervalSeconds
	for i := 0; i < attempt; i++ {
		secs *= g.Config.Confirm.BackoffFactor
		if secs >= g.Config.Confirm.MaxIntervalSecs {
			secs = g.Config.Confirm.MaxIntervalSecs
			break
		}
	}
	return time.Duration(secs * float64(time.Second))
}

// CheckCollateral refuses to build a script spend when the submitter's
// unlocked reserve is below the configured minimum. Catching this before
// submission avoids burning a signing round on a transaction the network
// would reject.
func (g *Gateway) CheckCollateral(ctx context.Context, ownerHash string) error {
	min := g.Config.Protocol.CollateralMin
	if min <= 0 {
		return nil
	}
	bal, err := g.Client.Balance(ctx, ownerHash)
	if err != nil {
		return err
	}
	if bal < min {
		return fmt.Errorf("%w: unlocked balance %d below collateral minimum %d", chain.ErrBadEvidence, bal, min)
	}
	return nil
}

// Submit pushes a signed transaction, retrying only transient failures.
func (g *Gateway) Submit(ctx context.Context, t chain.Tx) (string, error) {
	var lastErr error
	for attempt := 0; attempt < g.Config.Confirm.Attempts; attempt++ {
		if attempt > 0 {
			if err := g.Sleep(ctx, g.interval(attempt-1)); err != nil {
				return "", err
			}
		}
		id, err := g.Client.Submit(ctx, t)
		if err == nil {
			return id, nil
		}
		if !errors.Is(err, chain.ErrUnavailable) {
			return "", err
		}
		lastErr = err
	}
	return "", fmt.Errorf("submit gave up after %d attempts: %w", g.Config.Confirm.Attempts, lastErr)
}

// WaitConfirmed polls until the transaction is confirmed or the attempt
// budget is exhausted. A not-found tx during polling means the network has
// not seen it yet, so it is treated like a transient failure.
func (g *Gateway) WaitConfirmed(ctx context.Context, txID string) error {
	for attempt := 0; attempt < g.Config.Confirm.Attempts; attempt++ {
		status, err := g.Client.FetchTx(ctx, txID)
		if err == nil && status.Confirmed {
			return nil
		}
		if err != nil && !errors.Is(err, chain.ErrUnavailable) && !errors.Is(err, chain.ErrNotFound) {
			return err
		}
		if err := g.Sleep(ctx, g.interval(attempt)); err != nil {
			return err
		}
	}
	return fmt.Errorf("tx %s not confirmed after %d attempts: %w", txID, g.Config.Confirm.Attempts, chain.ErrUnavailable)
}

// SubmitAndWait is the common path: submit with retry, then poll for
// confirmation.
func (g *Gateway) SubmitAndWait(ctx context.Context, t chain.Tx) (string, error) {
	id, err := g.Submit(ctx, t)
	if err != nil {
		return "", err
	}
	if err := g.WaitConfirmed(ctx, id); err != nil {
		return id, err
	}
	return id, nil
}
