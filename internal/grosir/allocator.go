// Package grosir sizes factory purchase orders in whole bundles.
//
// A bundle is a fixed multi-variant production run: every bundle yields
// UnitsPerBundle units of each configured variant. Allocate picks the bundle
// count that covers the most-demanded variant without pushing any variant's
// surplus past its warehouse tolerance.
package grosir

import (
	"fmt"
	"sort"

	"github.com/google/uuid"

	pkgerrors "github.com/angelmondragon/grosir-backend/pkg/errors"
)

// BaseVariant keys the product itself when it has no variants.
var BaseVariant = uuid.Nil

// Input carries per-variant figures keyed by variant id.
type Input struct {
	Demand         map[uuid.UUID]int
	UnitsPerBundle map[uuid.UUID]int
	Stock          map[uuid.UUID]int
	// Tolerance is the maximum surplus per variant. Variants missing from the
	// map are unconstrained.
	Tolerance map[uuid.UUID]int
}

// VariantDecision is the per-variant outcome of an allocation.
type VariantDecision struct {
	VariantID      uuid.UUID
	Demand         int
	Stock          int
	UnitsPerBundle int
	BundlesNeeded  int
	OrderQuantity  int
	// Excess is OrderQuantity minus Demand; negative means the order alone
	// does not cover demand.
	Excess int
	// Shortfall is demand left uncovered by stock plus the order.
	Shortfall int
}

// Decision is the result of Allocate.
type Decision struct {
	Bundles             int
	Constrained         bool
	ConstrainingVariant uuid.UUID
	Variants            []VariantDecision
}

// FulfillFromStock reports that no purchase order is needed.
func (d Decision) FulfillFromStock() bool {
	return d.Bundles == 0
}

// TotalUnits is the purchase order quantity summed over variants.
func (d Decision) TotalUnits() int {
	total := 0
	for _, v := range d.Variants {
		total += v.OrderQuantity
	}
	return total
}

// Backorders lists variants with a positive shortfall.
func (d Decision) Backorders() []VariantDecision {
	var out []VariantDecision
	for _, v := range d.Variants {
		if v.Shortfall > 0 {
			out = append(out, v)
		}
	}
	return out
}

// Variant returns the decision for one variant.
func (d Decision) Variant(id uuid.UUID) (VariantDecision, bool) {
	for _, v := range d.Variants {
		if v.VariantID == id {
			return v, true
		}
	}
	return VariantDecision{}, false
}

// Allocate computes the bundle count for the given demand.
func Allocate(in Input) (Decision, error) {
	variants, err := variantOrder(in)
	if err != nil {
		return Decision{}, err
	}

	rows := make([]VariantDecision, 0, len(variants))
	candidate := 0
	for _, id := range variants {
		row := VariantDecision{
			VariantID:      id,
			Demand:         in.Demand[id],
			Stock:          in.Stock[id],
			UnitsPerBundle: in.UnitsPerBundle[id],
		}
		net := row.Demand - row.Stock
		if net < 0 {
			net = 0
		}
		row.BundlesNeeded = ceilDiv(net, row.UnitsPerBundle)
		if row.BundlesNeeded > candidate {
			candidate = row.BundlesNeeded
		}
		rows = append(rows, row)
	}

	decision := Decision{}
	for _, row := range rows {
		tolerance, ok := in.Tolerance[row.VariantID]
		if !ok {
			continue
		}
		excess := candidate*row.UnitsPerBundle - row.Demand
		if excess <= tolerance {
			continue
		}
		maxAllowed := (row.Demand + tolerance) / row.UnitsPerBundle
		if maxAllowed < candidate {
			candidate = maxAllowed
			decision.Constrained = true
			decision.ConstrainingVariant = row.VariantID
		}
	}

	for i := range rows {
		row := &rows[i]
		row.OrderQuantity = candidate * row.UnitsPerBundle
		row.Excess = row.OrderQuantity - row.Demand
		if short := row.Demand - row.Stock - row.OrderQuantity; short > 0 {
			row.Shortfall = short
		}
	}
	decision.Bundles = candidate
	decision.Variants = rows
	return decision, nil
}

// variantOrder validates the input and returns the variant ids in a stable order.
func variantOrder(in Input) ([]uuid.UUID, error) {
	details := map[string]string{}
	seen := map[uuid.UUID]struct{}{}
	for id, qty := range in.Demand {
		if qty < 0 {
			details[id.String()] = "demand must be non-negative"
		}
		if _, ok := in.UnitsPerBundle[id]; !ok && qty > 0 {
			details[id.String()] = "no bundle config for demanded variant"
		}
		seen[id] = struct{}{}
	}
	for id, upb := range in.UnitsPerBundle {
		if upb < 1 {
			details[id.String()] = "units per bundle must be at least 1"
		}
		seen[id] = struct{}{}
	}
	for id, qty := range in.Stock {
		if qty < 0 {
			details[id.String()] = "stock must be non-negative"
		}
	}
	for id, tol := range in.Tolerance {
		if tol < 0 {
			details[id.String()] = "tolerance must be non-negative"
		}
	}
	if len(details) > 0 {
		return nil, pkgerrors.New(pkgerrors.CodeValidation, "invalid bundle allocation input").WithDetails(details)
	}

	ids := make([]uuid.UUID, 0, len(seen))
	for id := range seen {
		if _, ok := in.UnitsPerBundle[id]; !ok {
			// zero demand without a bundle config contributes nothing
			continue
		}
		ids = append(ids, id)
	}
	if len(ids) == 0 {
		return nil, pkgerrors.New(pkgerrors.CodeValidation, "bundle config is empty")
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i].String() < ids[j].String() })
	return ids, nil
}

func ceilDiv(n, d int) int {
	if n <= 0 {
		return 0
	}
	return (n + d - 1) / d
}

// String renders the decision for logs.
func (d Decision) String() string {
	if d.Constrained {
		return fmt.Sprintf("bundles=%d constrained_by=%s", d.Bundles, d.ConstrainingVariant)
	}
	return fmt.Sprintf("bundles=%d", d.Bundles)
}
