// Package state provides file-based persistence for per-group quota overrides.
//
// The overrides file is plain JSON so operators can review it, and it is
// edited through the CLI. This package provides atomic writes, file locking,
// backup functionality, and an OverrideResolver backed by the file.
package state

import (
	"time"

	"github.com/Sentinel-Gate/Quotagate/internal/domain/ratelimit"
)

// AllEndpoints is the endpoint wildcard of an override entry.
const AllEndpoints = ratelimit.AnyEndpoint

// OverrideState is the top-level structure persisted in the overrides file.
type OverrideState struct {
	// Version is the schema version for forward compatibility. Currently "1".
	Version string `json:"version"`

	// Overrides are the custom group quotas.
	// At most one entry exists per (group, endpoint) pair.
	Overrides []OverrideEntry `json:"overrides"`

	// CreatedAt is when this state file was first created.
	CreatedAt time.Time `json:"created_at"`

	// UpdatedAt is when this state file was last modified.
	UpdatedAt time.Time `json:"updated_at"`
}

// OverrideEntry is a custom group-scope quota.
type OverrideEntry struct {
	// GroupID is the group the quota applies to.
	GroupID string `json:"group_id"`

	// Endpoint is the endpoint, or AllEndpoints.
	// An exact endpoint entry wins over the wildcard.
	Endpoint string `json:"endpoint"`

	// Limit is the capacity per window.
	Limit int `json:"limit"`

	// WindowSeconds is the window length in seconds.
	WindowSeconds int64 `json:"window_seconds"`

	// Note is free text, e.g. the contract reference.
	Note string `json:"note,omitempty"`

	// UpdatedAt is when this entry was last written.
	UpdatedAt time.Time `json:"updated_at"`
}

// Quota converts the entry to a domain quota.
func (e OverrideEntry) Quota() ratelimit.Quota {
	return ratelimit.Quota{
		Limit:  e.Limit,
		Window: time.Duration(e.WindowSeconds) * time.Second,
	}
}

// Override converts the entry to the domain representation.
func (e OverrideEntry) Override() ratelimit.Override {
	return ratelimit.Override{
		GroupID:   e.GroupID,
		Endpoint:  e.Endpoint,
		Quota:     e.Quota(),
		Note:      e.Note,
		UpdatedAt: e.UpdatedAt,
	}
}

// EntryFromOverride converts a domain override to a file entry.
// Sub-second windows are rounded up to one second.
func EntryFromOverride(o ratelimit.Override) OverrideEntry {
	secs := int64((o.Quota.Window + time.Second - 1) / time.Second)
	return OverrideEntry{
		GroupID:       o.GroupID,
		Endpoint:      o.Endpoint,
		Limit:         o.Quota.Limit,
		WindowSeconds: secs,
		Note:          o.Note,
	}
}

// matches reports whether the entry addresses (groupID, endpoint) exactly.
func (e OverrideEntry) matches(groupID, endpoint string) bool {
	return e.GroupID == groupID && e.Endpoint == endpoint
}
