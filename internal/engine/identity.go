package engine

import (
	"context"
	"encoding/hex"

	"gigchain/internal/domain"
)

// RegisterParty generates a named keypair in the local store and records
// the party in the registry. The key hash is the party's on-chain
// identity; the DID is derived from it.
func (e Engine) RegisterParty(ctx context.Context, name string, arbiter bool) (domain.Party, error) {
	signer, err := e.Keys.Generate(name, arbiter)
	if err != nil {
		return domain.Party{}, err
	}
	p := domain.Party{
		Name:     name,
		KeyHash:  signer.KeyHash(),
		DID:      signer.DID(),
		PubKey:   hex.EncodeToString(signer.Pub),
		Arbiter:  arbiter,
		JoinedAt: e.timestamp(),
	}
	if err := e.Repo.UpsertParty(ctx, p); err != nil {
		return domain.Party{}, err
	}
	return p, nil
}

// Party returns a registered party by key hash.
func (e Engine) Party(ctx context.Context, keyHash string) (domain.Party, error) {
	return e.Repo.GetParty(ctx, keyHash)
}

// Parties lists the registry.
func (e Engine) Parties(ctx context.Context) ([]domain.Party, error) {
	return e.Repo.ListParties(ctx)
}
