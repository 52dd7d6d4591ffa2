package types

import "time"

// Payload shapes for the job types that carry structured payloads.
// Payloads are stored as opaque JSON on the job row; these structs are the
// only readers and writers.

// ChunkInfo identifies a sibling job produced by auto-chunking a batch
// that exceeded the per-job item cap.
type ChunkInfo struct {
	ChunkIndex  int `json:"chunk_index"`
	TotalChunks int `json:"total_chunks"`
}

// SuccessorMeta marks a job the orchestrator enqueued on behalf of a
// finished predecessor. The (predecessor, type) pair is the dedupe key
// that keeps retried terminal transitions from double-enqueueing.
type SuccessorMeta struct {
	PredecessorID int64 `json:"predecessor_id,omitempty"`
}

// DerivativesPayload configures a generate_derivatives job.
type DerivativesPayload struct {
	ChunkInfo
	SuccessorMeta
	// Force regenerates derivatives even when already generated.
	Force bool `json:"force,omitempty"`
}

// MovePayload configures an image_move job. The destination project is the
// job's ProjectID; filenames resolve their source project from the photos
// table at run time.
type MovePayload struct {
	SuccessorMeta
	Filenames []string `json:"filenames"`
	// NeedGenerateDerivatives is set by the handler when at least one
	// moved photo arrived without its derivatives. The orchestrator
	// enqueues a high-priority generate_derivatives successor when true.
	NeedGenerateDerivatives bool `json:"need_generate_derivatives"`
	// SourceProjectIDs is filled by the handler with every project a file
	// was moved out of, so manifest_check successors can reconcile them.
	SourceProjectIDs []int64 `json:"source_project_ids,omitempty"`
}

// UploadPostprocessPayload configures an upload_postprocess job and carries
// its outcome for the orchestrator.
type UploadPostprocessPayload struct {
	Filenames []string `json:"filenames"`
	// TakenAt carries capture timestamps extracted at upload time,
	// keyed by filename.
	TakenAt map[string]time.Time `json:"taken_at,omitempty"`
	// ConflictFilenames are uploads whose filename already belongs to a
	// photo in another project; they become an image_move successor.
	ConflictFilenames []string `json:"conflict_filenames,omitempty"`
}

// HashRotationPayload configures a hash_rotation maintenance job.
// Zero values mean the configured defaults.
type HashRotationPayload struct {
	TTLDays int `json:"ttl_days,omitempty"`
}

// ManifestCheckPayload configures a manifest_check job. Offset is the
// position in the byte-ordered file listing where this chunk starts;
// oversized listings self-schedule a continuation job.
type ManifestCheckPayload struct {
	ChunkInfo
	SuccessorMeta
	Offset int `json:"offset,omitempty"`
}
