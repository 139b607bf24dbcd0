package issuance

import (
	"fmt"

	"keymint/internal/registry"
)

// Plan is the entitlement a price identifier grants.
type Plan struct {
	Tier      registry.Tier
	IsFounder bool
}

// UnknownPlanError reports a price identifier with no configured mapping.
// Unknown plans fail the event loudly; defaulting a paid checkout to a
// guessed tier is the failure mode this type exists to prevent.
type UnknownPlanError struct {
	PriceID string
}

func (e *UnknownPlanError) Error() string {
	return fmt.Sprintf("issuance: no plan mapping for price %q", e.PriceID)
}

// PlanMap maps processor price identifiers to plans.
type PlanMap map[string]Plan

// Resolve looks up the plan for a price identifier.
func (m PlanMap) Resolve(priceID string) (Plan, error) {
	plan, ok := m[priceID]
	if !ok {
		return Plan{}, &UnknownPlanError{PriceID: priceID}
	}
	return plan, nil
}
