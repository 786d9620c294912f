package geo

import (
	"time"
)

// ResourceType names a kind of replicable resource, e.g. "upload",
// "lfs_object" or "project_repository".
type ResourceType string

// EventKind is the kind of change recorded in the primary's event log.
type EventKind string

const (
	EventCreated EventKind = "created"
	EventUpdated EventKind = "updated"
	EventDeleted EventKind = "deleted"
)

// Valid reports whether k is a known event kind.
func (k EventKind) Valid() bool {
	switch k {
	case EventCreated, EventUpdated, EventDeleted:
		return true
	}
	return false
}

// Resource is the secondary's read-only view of a primary-owned resource.
type Resource struct {
	Type ResourceType `json:"type"`
	ID   int64        `json:"id"`

	// NamespaceID is the owning namespace. NamespacePath lists the namespace
	// ancestry from the root down to and including NamespaceID.
	NamespaceID   int64   `json:"namespace_id,omitempty"`
	NamespacePath []int64 `json:"namespace_path,omitempty"`

	// Shard is the storage shard holding the resource on the primary.
	Shard string `json:"shard,omitempty"`

	// PrimaryChecksum is the authoritative checksum computed by the primary.
	PrimaryChecksum string `json:"checksum,omitempty"`

	Size int64 `json:"size,omitempty"`

	// LastEventID is the highest event id that touched this resource.
	LastEventID int64 `json:"last_event_id,omitempty"`
}

// Event is one entry of the primary's append-only event log.
type Event struct {
	ID        int64     `json:"id"`
	Kind      EventKind `json:"kind"`
	Resource  Resource  `json:"resource"`
	CreatedAt time.Time `json:"created_at"`
}

// State is the replication state of a registry.
type State string

const (
	StatePending State = "pending"
	StateStarted State = "started"
	StateSynced  State = "synced"
	StateFailed  State = "failed"
)

// States lists every replication state in lifecycle order.
var States = []State{StatePending, StateStarted, StateSynced, StateFailed}

// Valid reports whether s is one of the four replication states.
func (s State) Valid() bool {
	switch s {
	case StatePending, StateStarted, StateSynced, StateFailed:
		return true
	}
	return false
}

// VerificationState is the verification state of a registry.
type VerificationState string

const (
	VerificationPending   VerificationState = "pending"
	VerificationStarted   VerificationState = "started"
	VerificationSucceeded VerificationState = "succeeded"
	VerificationFailed    VerificationState = "failed"
)

// VerificationStates lists every verification state in lifecycle order.
var VerificationStates = []VerificationState{
	VerificationPending, VerificationStarted, VerificationSucceeded, VerificationFailed,
}

// Valid reports whether s is one of the four verification states.
func (s VerificationState) Valid() bool {
	switch s {
	case VerificationPending, VerificationStarted, VerificationSucceeded, VerificationFailed:
		return true
	}
	return false
}

// Registry tracks replication and verification of one resource on this
// secondary.
type Registry struct {
	ID            int64        `json:"id"`
	ResourceType  ResourceType `json:"resource_type"`
	ModelRecordID int64        `json:"model_record_id"`

	State           State      `json:"state"`
	RetryCount      int        `json:"retry_count"`
	RetryAt         *time.Time `json:"retry_at,omitempty"`
	LastSyncedAt    *time.Time `json:"last_synced_at,omitempty"`
	LastSyncFailure string     `json:"last_sync_failure,omitempty"`

	// LeaseToken fences the worker that won start. Cleared when the sync
	// finishes or times out.
	LeaseToken string `json:"lease_token,omitempty"`

	// ResyncNeeded records an update that arrived while a sync was running.
	ResyncNeeded bool `json:"resync_needed,omitempty"`

	// LastEventID is the highest event id applied to this registry.
	LastEventID int64 `json:"last_event_id,omitempty"`

	VerificationState              VerificationState `json:"verification_state"`
	VerificationChecksum           string            `json:"verification_checksum,omitempty"`
	VerificationChecksumMismatched string            `json:"verification_checksum_mismatched,omitempty"`
	ChecksumMismatch               bool              `json:"checksum_mismatch"`
	VerificationRetryCount         int               `json:"verification_retry_count"`
	VerificationRetryAt            *time.Time        `json:"verification_retry_at,omitempty"`
	VerificationFailure            string            `json:"verification_failure,omitempty"`
	VerificationStartedAt          *time.Time        `json:"verification_started_at,omitempty"`
	VerifiedAt                     *time.Time        `json:"verified_at,omitempty"`

	// LockVersion is bumped by every persisted transition.
	LockVersion int64     `json:"lock_version"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
}

// NewRegistry returns a fresh pending registry for a resource.
func NewRegistry(t ResourceType, modelRecordID int64) Registry {
	return Registry{
		ResourceType:      t,
		ModelRecordID:     modelRecordID,
		State:             StatePending,
		VerificationState: VerificationPending,
	}
}

// Key identifies the resource a registry belongs to, e.g. "upload/12".
func (r Registry) Key() string {
	return ResourceKey(r.ResourceType, r.ModelRecordID)
}
