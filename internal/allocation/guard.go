// Package allocation enforces the per-session variant cap: a session may take
// at most twice the configured allocation of a variant.
package allocation

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"gorm.io/gorm"

	pkgerrors "github.com/angelmondragon/grosir-backend/pkg/errors"
)

// CapMultiplier scales the configured allocation into the enforced cap.
const CapMultiplier = 2

// Request identifies the units a join wants to take.
type Request struct {
	SessionID uuid.UUID
	ProductID uuid.UUID
	VariantID *uuid.UUID
	Quantity  int
}

// Availability is the cap state of one (session, variant).
type Availability struct {
	Configured   bool
	Allocation   int
	MaxAllowed   int
	TotalOrdered int
	Available    int
	Locked       bool
}

// Guard checks join requests against the variant cap.
type Guard struct {
	repo *Repository
}

// NewGuard constructs a guard over the allocation repository.
func NewGuard(repo *Repository) (*Guard, error) {
	if repo == nil {
		return nil, fmt.Errorf("allocation repository required")
	}
	return &Guard{repo: repo}, nil
}

// Availability reports the cap numbers for read paths. Variants without an
// allocation record are reported as unconfigured.
func (g *Guard) Availability(ctx context.Context, sessionID, productID uuid.UUID, variantID *uuid.UUID) (Availability, error) {
	return g.availability(ctx, g.repo, sessionID, productID, variantID)
}

// Check rejects a request that would push the session past the cap.
func (g *Guard) Check(ctx context.Context, req Request) (Availability, error) {
	return g.check(ctx, g.repo, req)
}

// CheckTx re-runs Check inside tx so the totals include rows locked or written
// by that transaction.
func (g *Guard) CheckTx(ctx context.Context, tx *gorm.DB, req Request) (Availability, error) {
	if tx == nil {
		return Availability{}, pkgerrors.New(pkgerrors.CodeInternal, "transaction required")
	}
	return g.check(ctx, g.repo.WithTx(tx), req)
}

func (g *Guard) check(ctx context.Context, repo *Repository, req Request) (Availability, error) {
	if req.Quantity < 1 {
		return Availability{}, pkgerrors.New(pkgerrors.CodeValidation, "quantity must be at least 1")
	}
	avail, err := g.availability(ctx, repo, req.SessionID, req.ProductID, req.VariantID)
	if err != nil {
		return Availability{}, err
	}
	if !avail.Configured {
		return avail, nil
	}
	if req.Quantity <= avail.Available {
		return avail, nil
	}

	details := map[string]int{
		"requested":  req.Quantity,
		"available":  max(avail.Available, 0),
		"maxAllowed": avail.MaxAllowed,
	}
	if avail.Locked {
		return avail, pkgerrors.New(pkgerrors.CodeConflict, "variant is fully allocated for this session").
			WithKind(pkgerrors.KindVariantLocked).
			WithDetails(details)
	}
	return avail, pkgerrors.New(pkgerrors.CodeConflict, fmt.Sprintf("only %d units left for this variant", avail.Available)).
		WithKind(pkgerrors.KindAllocationExceeded).
		WithDetails(details)
}

func (g *Guard) availability(ctx context.Context, repo *Repository, sessionID, productID uuid.UUID, variantID *uuid.UUID) (Availability, error) {
	if sessionID == uuid.Nil || productID == uuid.Nil {
		return Availability{}, pkgerrors.New(pkgerrors.CodeValidation, "session and product ids are required")
	}
	allocation, err := repo.FindAllocation(ctx, productID, variantID)
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return Availability{}, nil
		}
		return Availability{}, pkgerrors.Wrap(pkgerrors.CodeDependency, err, "load variant allocation")
	}
	ordered, err := repo.SumOrdered(ctx, sessionID, variantID)
	if err != nil {
		return Availability{}, pkgerrors.Wrap(pkgerrors.CodeDependency, err, "sum ordered quantity")
	}

	maxAllowed := allocation.AllocationQuantity * CapMultiplier
	available := maxAllowed - ordered
	return Availability{
		Configured:   true,
		Allocation:   allocation.AllocationQuantity,
		MaxAllowed:   maxAllowed,
		TotalOrdered: ordered,
		Available:    available,
		Locked:       available <= 0,
	}, nil
}
