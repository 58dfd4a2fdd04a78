package ratelimit

import (
	"fmt"
	"slices"
	"time"
)

// Built-in tiers, lowest first.
const (
	TierFree       = "free"
	TierPro        = "pro"
	TierEnterprise = "enterprise"
)

// Built-in roles, lowest privilege first.
const (
	RoleViewer = "viewer"
	RoleMember = "member"
	RoleAdmin  = "admin"
)

// Built-in endpoints.
const (
	EndpointQuery  = "query"
	EndpointExport = "export"
	EndpointRead   = "read"
)

// EndpointQuotas holds a default quota plus per-endpoint overrides.
type EndpointQuotas struct {
	Default   Quota
	Endpoints map[string]Quota
}

// For returns the quota for endpoint, falling back to Default.
func (e EndpointQuotas) For(endpoint string) Quota {
	if q, ok := e.Endpoints[endpoint]; ok {
		return q
	}
	return e.Default
}

// TierRole addresses an actor-scope entry.
type TierRole struct {
	Tier string
	Role string
}

// TierTable is the static quota configuration.
// It is immutable once validated; resolve calls never mutate it.
type TierTable struct {
	// Tiers lists known tiers, lowest first. Tiers[0] is used when a request has none.
	Tiers []string

	// Roles lists known roles, lowest privilege first. Roles[0] is used when a request has none.
	Roles []string

	// Endpoints lists the endpoints callers may ask about.
	Endpoints []string

	// Actor holds actor-scope quotas keyed by (tier, role).
	Actor map[TierRole]EndpointQuotas

	// Group holds group-scope quotas keyed by tier.
	Group map[string]EndpointQuotas

	// Fallback applies to unknown (tier, role) combinations and unknown tiers.
	// It must be stricter than every configured entry.
	Fallback EndpointQuotas
}

// Validate checks the table for misconfiguration.
func (t *TierTable) Validate() error {
	if len(t.Tiers) == 0 {
		return fmt.Errorf("%w: no tiers configured", ErrInvalidTierTable)
	}
	if len(t.Roles) == 0 {
		return fmt.Errorf("%w: no roles configured", ErrInvalidTierTable)
	}
	if len(t.Endpoints) == 0 {
		return fmt.Errorf("%w: no endpoints configured", ErrInvalidTierTable)
	}

	check := func(name string, eq EndpointQuotas) error {
		for _, ep := range t.Endpoints {
			if q := eq.For(ep); !q.Valid() {
				return fmt.Errorf("%w: %s endpoint %q: limit must be >= 1 and window > 0 (got %d per %s)",
					ErrInvalidTierTable, name, ep, q.Limit, q.Window)
			}
		}
		for ep := range eq.Endpoints {
			if !slices.Contains(t.Endpoints, ep) {
				return fmt.Errorf("%w: %s references unknown endpoint %q", ErrInvalidTierTable, name, ep)
			}
		}
		return nil
	}

	if err := check("fallback", t.Fallback); err != nil {
		return err
	}
	for key, eq := range t.Actor {
		name := fmt.Sprintf("actor[%s/%s]", key.Tier, key.Role)
		if !slices.Contains(t.Tiers, key.Tier) || !slices.Contains(t.Roles, key.Role) {
			return fmt.Errorf("%w: %s uses an undeclared tier or role", ErrInvalidTierTable, name)
		}
		if err := check(name, eq); err != nil {
			return err
		}
		if err := t.checkFallbackStricter(name, eq); err != nil {
			return err
		}
	}
	for tier, eq := range t.Group {
		name := fmt.Sprintf("group[%s]", tier)
		if !slices.Contains(t.Tiers, tier) {
			return fmt.Errorf("%w: %s uses an undeclared tier", ErrInvalidTierTable, name)
		}
		if err := check(name, eq); err != nil {
			return err
		}
		if err := t.checkFallbackStricter(name, eq); err != nil {
			return err
		}
	}
	return nil
}

func (t *TierTable) checkFallbackStricter(name string, eq EndpointQuotas) error {
	for _, ep := range t.Endpoints {
		if t.Fallback.For(ep).rate() >= eq.For(ep).rate() {
			return fmt.Errorf("%w: fallback for endpoint %q must be stricter than %s",
				ErrInvalidTierTable, ep, name)
		}
	}
	return nil
}

// KnownEndpoint reports whether endpoint is configured.
func (t *TierTable) KnownEndpoint(endpoint string) bool {
	return slices.Contains(t.Endpoints, endpoint)
}

// Normalize applies the lowest tier and role when either is empty.
func (t *TierTable) Normalize(tier, role string) (string, string) {
	if tier == "" {
		tier = t.Tiers[0]
	}
	if role == "" {
		role = t.Roles[0]
	}
	return tier, role
}

// ActorQuota returns the actor-scope quota. found is false when the
// (tier, role) pair is not configured and the fallback was used.
func (t *TierTable) ActorQuota(tier, role, endpoint string) (q Quota, found bool) {
	if eq, ok := t.Actor[TierRole{Tier: tier, Role: role}]; ok {
		return eq.For(endpoint), true
	}
	return t.Fallback.For(endpoint), false
}

// GroupQuota returns the group-scope quota. found is false when the tier
// is not configured and the fallback was used.
func (t *TierTable) GroupQuota(tier, endpoint string) (q Quota, found bool) {
	if eq, ok := t.Group[tier]; ok {
		return eq.For(endpoint), true
	}
	return t.Fallback.For(endpoint), false
}

// perMinute and perHour keep the default table readable.
func perMinute(n int) Quota { return Quota{Limit: n, Window: time.Minute} }
func perHour(n int) Quota   { return Quota{Limit: n, Window: time.Hour} }

// quotas builds an EndpointQuotas for the three built-in endpoints.
// Unknown endpoints never reach it, so Default mirrors the query entry.
func quotas(query, read, exportPerHour int) EndpointQuotas {
	return EndpointQuotas{
		Default: perMinute(query),
		Endpoints: map[string]Quota{
			EndpointQuery:  perMinute(query),
			EndpointRead:   perMinute(read),
			EndpointExport: perHour(exportPerHour),
		},
	}
}

// DefaultTierTable returns the built-in table.
// Exports are metered per hour; queries and reads per minute.
func DefaultTierTable() *TierTable {
	return &TierTable{
		Tiers:     []string{TierFree, TierPro, TierEnterprise},
		Roles:     []string{RoleViewer, RoleMember, RoleAdmin},
		Endpoints: []string{EndpointQuery, EndpointRead, EndpointExport},
		Actor: map[TierRole]EndpointQuotas{
			{TierFree, RoleViewer}:       quotas(10, 60, 2),
			{TierFree, RoleMember}:       quotas(20, 120, 3),
			{TierFree, RoleAdmin}:        quotas(30, 180, 5),
			{TierPro, RoleViewer}:        quotas(30, 300, 5),
			{TierPro, RoleMember}:        quotas(60, 600, 10),
			{TierPro, RoleAdmin}:         quotas(90, 900, 20),
			{TierEnterprise, RoleViewer}: quotas(100, 1000, 20),
			{TierEnterprise, RoleMember}: quotas(200, 2000, 40),
			{TierEnterprise, RoleAdmin}:  quotas(300, 3000, 60),
		},
		Group: map[string]EndpointQuotas{
			TierFree:       quotas(60, 300, 10),
			TierPro:        quotas(300, 3000, 50),
			TierEnterprise: quotas(2000, 20000, 200),
		},
		Fallback: quotas(5, 30, 1),
	}
}
