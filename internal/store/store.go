// Package store defines persistence for the margin engine.
// Implementations include PostgreSQL (source of truth), Redis
// (read-through cache), and in-memory (for testing and single-node
// deployments). Entities are keyed by their derived address
// (internal/derive), so every implementation resolves the same entity
// from the same identifying keys.
package store

import (
	"context"
	"errors"

	"github.com/perpx/margin-engine/internal/model"
)

var (
	// ErrNotFound is returned when an entity does not exist.
	ErrNotFound = errors.New("store: not found")

	// ErrAlreadyExists is returned when a create collides with an
	// existing entity.
	ErrAlreadyExists = errors.New("store: already exists")
)

// Store is the persistence interface. Reads return copies; mutating an
// entity requires writing it back, and the multi-entity Commit methods
// apply a whole operation's writes atomically.
type Store interface {
	// --- Exchange singleton ---

	// GetExchange returns the exchange aggregate, creating the zeroed
	// singleton on first access.
	GetExchange(ctx context.Context) (*model.Exchange, error)

	// PutExchange writes the exchange aggregate.
	PutExchange(ctx context.Context, ex *model.Exchange) error

	// --- Markets ---

	CreateMarket(ctx context.Context, m *model.Market) error
	GetMarket(ctx context.Context, index uint16) (*model.Market, error)
	ListMarkets(ctx context.Context) ([]model.Market, error)
	PutMarket(ctx context.Context, m *model.Market) error

	// --- User accounts ---

	CreateUserAccount(ctx context.Context, a *model.UserAccount) error
	GetUserAccount(ctx context.Context, owner string) (*model.UserAccount, error)
	PutUserAccount(ctx context.Context, a *model.UserAccount) error

	// --- User positions ---

	CreateUserPosition(ctx context.Context, p *model.UserPosition) error
	GetUserPosition(ctx context.Context, owner string, index uint16) (*model.UserPosition, error)
	ListUserPositions(ctx context.Context, owner string) ([]model.UserPosition, error)
	PutUserPosition(ctx context.Context, p *model.UserPosition) error

	// --- Treasury ---

	CreateTreasuryPosition(ctx context.Context, tp *model.TreasuryPosition) error
	GetTreasuryPosition(ctx context.Context, mint string) (*model.TreasuryPosition, error)
	ListTreasuryPositions(ctx context.Context) ([]model.TreasuryPosition, error)
	PutTreasuryPosition(ctx context.Context, tp *model.TreasuryPosition) error

	// --- Immutable ledger ---

	InsertLedgerEntry(ctx context.Context, e *model.LedgerEntry) error
	LedgerByMarket(ctx context.Context, index uint16) ([]model.LedgerEntry, error)
	LedgerByOwner(ctx context.Context, owner string) ([]model.LedgerEntry, error)
	LedgerByMint(ctx context.Context, mint string) ([]model.LedgerEntry, error)

	// --- Atomic multi-entity commits ---

	// CommitTrade persists everything a trade touches plus its ledger
	// entry, all or nothing.
	CommitTrade(ctx context.Context, ex *model.Exchange, m *model.Market,
		a *model.UserAccount, p *model.UserPosition, e *model.LedgerEntry) error

	// CommitFunding persists a deposit or withdrawal: exchange, account,
	// treasury escrow and ledger entry, all or nothing.
	CommitFunding(ctx context.Context, ex *model.Exchange, a *model.UserAccount,
		tp *model.TreasuryPosition, e *model.LedgerEntry) error
}
