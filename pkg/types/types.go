package types

import (
	"encoding/json"
	"time"
)

// Project is a named collection of photos with its own on-disk folder.
type Project struct {
	ID              int64
	TenantID        string
	Folder          string // URL-safe slug, unique while the project exists
	Name            string
	Status          ProjectStatus
	ManifestVersion int
	CreatedAt       time.Time
	UpdatedAt       time.Time
}

// ProjectStatus represents the lifecycle state of a project
type ProjectStatus string

const (
	ProjectStatusActive   ProjectStatus = "active"
	ProjectStatusCanceled ProjectStatus = "canceled"
)

// Photo is one logical picture inside a project. A photo may have several
// variants on disk (jpg, raw, other); availability flags track which exist
// and keep flags track which the user wants to retain.
type Photo struct {
	ID               int64
	ProjectID        int64
	Filename         string
	Basename         string
	Ext              string
	DateTimeOriginal *time.Time
	JPGAvailable     bool
	RawAvailable     bool
	OtherAvailable   bool
	KeepJPG          bool
	KeepRaw          bool
	ThumbnailStatus  DerivativeStatus
	PreviewStatus    DerivativeStatus
	Orientation      int
	Visibility       Visibility
	Meta             json.RawMessage
	CreatedAt        time.Time
	UpdatedAt        time.Time
}

// PendingDeletion reports whether any available variant is marked not-keep.
func (p *Photo) PendingDeletion() bool {
	return (p.JPGAvailable && !p.KeepJPG) || (p.RawAvailable && !p.KeepRaw)
}

// DerivativeStatus tracks the state of a generated thumbnail or preview
type DerivativeStatus string

const (
	DerivativePending      DerivativeStatus = "pending"
	DerivativeGenerated    DerivativeStatus = "generated"
	DerivativeMissing      DerivativeStatus = "missing"
	DerivativeNotSupported DerivativeStatus = "not_supported"
)

// Visibility controls unauthenticated access to a photo's assets
type Visibility string

const (
	VisibilityPublic  Visibility = "public"
	VisibilityPrivate Visibility = "private"
)

// JobType is the closed set of work the pipeline can perform
type JobType string

const (
	JobGenerateDerivatives JobType = "generate_derivatives"
	JobImageMove           JobType = "image_move"
	JobUploadPostprocess   JobType = "upload_postprocess"
	JobCommitChanges       JobType = "commit_changes"
	JobRevertChanges       JobType = "revert_changes"
	JobManifestCheck       JobType = "manifest_check"
	JobProjectScavenge     JobType = "project_scavenge"
	JobHashRotation        JobType = "hash_rotation"
)

// ValidJobType reports whether t is a member of the closed job type enum.
// Unknown types are rejected at enqueue time, never dispatched to workers.
func ValidJobType(t JobType) bool {
	switch t {
	case JobGenerateDerivatives, JobImageMove, JobUploadPostprocess,
		JobCommitChanges, JobRevertChanges, JobManifestCheck,
		JobProjectScavenge, JobHashRotation:
		return true
	}
	return false
}

// JobStatus represents the current state of a job
type JobStatus string

const (
	JobQueued    JobStatus = "queued"
	JobRunning   JobStatus = "running"
	JobCompleted JobStatus = "completed"
	JobFailed    JobStatus = "failed"
	JobCanceled  JobStatus = "canceled"
)

// Terminal reports whether the status admits no further transitions.
func (s JobStatus) Terminal() bool {
	return s == JobCompleted || s == JobFailed || s == JobCanceled
}

// JobScope describes what a job operates over
type JobScope string

const (
	ScopeProject  JobScope = "project"
	ScopePhotoSet JobScope = "photo_set"
	ScopeTenant   JobScope = "tenant"
)

// Priority conventions. Jobs at or above PriorityHigh run in the
// priority lane; everything below is normal-lane work.
const (
	PriorityNormal = 50
	PriorityHigh   = 70
	PriorityUrgent = 90
)

// Job is one durable unit of asynchronous work. Jobs survive crashes:
// every state transition is persisted before it is acted on.
type Job struct {
	ID            int64
	TenantID      string
	ProjectID     *int64
	Type          JobType
	Status        JobStatus
	Priority      int
	Scope         JobScope
	CreatedAt     time.Time
	StartedAt     *time.Time
	FinishedAt    *time.Time
	HeartbeatAt   *time.Time
	WorkerID      string
	ProgressDone  int
	ProgressTotal int
	Attempts      int
	MaxAttempts   *int // nil = unbounded
	LastErrorAt   *time.Time
	ErrorMessage  string
	Payload       json.RawMessage
}

// ItemStatus represents the state of a per-job subtask
type ItemStatus string

const (
	ItemPending ItemStatus = "pending"
	ItemRunning ItemStatus = "running"
	ItemDone    ItemStatus = "done"
	ItemFailed  ItemStatus = "failed"
)

// JobItem is a granular subtask of a job, usually one photo or filename.
type JobItem struct {
	ID        int64
	JobID     int64
	PhotoID   *int64
	Filename  string
	Status    ItemStatus
	Message   string
	CreatedAt time.Time
	UpdatedAt time.Time
}

// PublicLinkHash grants unauthenticated access to one public photo's
// assets until expiry. At most one active hash exists per photo.
type PublicLinkHash struct {
	ID        int64
	PhotoID   int64
	Hash      string
	RotatedAt time.Time
	ExpiresAt time.Time
}

// Expired reports whether the hash is past its expiry at the given instant.
func (h *PublicLinkHash) Expired(now time.Time) bool {
	return !h.ExpiresAt.After(now)
}

// PendingChanges aggregates pending deletions for one project.
type PendingChanges struct {
	ProjectFolder string `json:"project_folder"`
	PendingTotal  int    `json:"pending_total"`
	PendingJPG    int    `json:"pending_jpg"`
	PendingRaw    int    `json:"pending_raw"`
}
