package model

import (
	"time"

	"github.com/google/uuid"
)

// JobStatus is the state-machine status of a JobQueue row.
//
//	pending -> running -> completed
//	pending -> running -> failed -> pending (retries remain) | failed (terminal)
//	pending | running -> cancelled (terminal)
type JobStatus string

const (
	JobPending   JobStatus = "pending"
	JobRunning   JobStatus = "running"
	JobCompleted JobStatus = "completed"
	JobFailed    JobStatus = "failed"
	JobCancelled JobStatus = "cancelled"
)

// Tier is the resource class a job requires.
// TierAny is the null tier: legacy/agnostic jobs claimable by any worker.
type Tier string

const (
	TierCPU      Tier = "cpu"
	TierFastGPU  Tier = "fast_gpu"
	TierStdGPU   Tier = "standard_gpu"
	TierAny      Tier = ""
)

// JobType enumerates the pipeline stages a job can represent, plus two
// housekeeping job types (blob GC, queue cleanup).
type JobType string

const (
	JobExtraction            JobType = "extraction"
	JobMetadataExtraction    JobType = "metadata_extraction"
	JobEXIFExtraction        JobType = "exif_extraction"
	JobDocTypeInference      JobType = "doctype_inference"
	JobRevision              JobType = "revision"
	JobConceptTagging        JobType = "concept_tagging"
	JobReferenceExtraction   JobType = "reference_extraction"
	JobRelatedConceptInfer   JobType = "related_concept_inference"
	JobEmbedding             JobType = "embedding"
	JobLinking               JobType = "linking"
	JobEntityGraphEmbedding  JobType = "entity_graph_embedding"
	JobPurgeNote             JobType = "purge_note"
	JobBlobGC                JobType = "blob_gc"
	JobQueueCleanup          JobType = "queue_cleanup"
)

// DefaultTiers maps each job type to the resource tier its handler needs.
var DefaultTiers = map[JobType]Tier{
	JobExtraction:           TierStdGPU, // vision/OCR-capable extraction strategies
	JobMetadataExtraction:   TierCPU,
	JobEXIFExtraction:       TierCPU,
	JobDocTypeInference:     TierCPU,
	JobRevision:             TierStdGPU,
	JobConceptTagging:       TierCPU,
	JobReferenceExtraction:  TierCPU,
	JobRelatedConceptInfer:  TierCPU,
	JobEmbedding:            TierFastGPU,
	JobLinking:              TierFastGPU,
	JobEntityGraphEmbedding: TierFastGPU,
	JobPurgeNote:            TierCPU,
	JobBlobGC:               TierCPU,
	JobQueueCleanup:         TierCPU,
}

// DefaultMaxRetries is the retry ceiling applied when a job type does not
// override it.
const DefaultMaxRetries = 3

// Job is a row in the JobQueue.
type Job struct {
	ID              uuid.UUID
	Archive         string // schema context, propagated into Payload for resume
	NoteID          *uuid.UUID
	Type            JobType
	Status          JobStatus
	Priority        int
	Tier            Tier
	Payload         map[string]any
	ProgressPercent int
	ProgressMessage string
	Logs            []string
	RetryCount      int
	MaxRetries      int
	EstimatedMS     int64
	ActualMS        int64
	CreatedAt       time.Time
	StartedAt       *time.Time
	CompletedAt     *time.Time
	CancelRequested bool
}

// StartedAtOrNow returns StartedAt, or the current time if the job was
// never marked running (defensive default for duration accounting).
func (j Job) StartedAtOrNow() time.Time {
	if j.StartedAt != nil {
		return *j.StartedAt
	}
	return time.Now()
}

// EnqueueResult is returned by the scheduler's enqueue operation.
type EnqueueResult struct {
	ID            uuid.UUID
	AlreadyPending bool
}

// JobHistory is one completed-job row kept for duration estimation.
type JobHistory struct {
	JobType    JobType
	DurationMS int64
	Succeeded  bool
	CompletedAt time.Time
}

// BaselineDurationMS gives a per-type fallback estimate used by
// estimate_duration when fewer than 10 historical samples exist.
var BaselineDurationMS = map[JobType]int64{
	JobExtraction:           8_000,
	JobMetadataExtraction:   500,
	JobEXIFExtraction:       300,
	JobDocTypeInference:     1_500,
	JobRevision:             6_000,
	JobConceptTagging:       2_000,
	JobReferenceExtraction:  2_000,
	JobRelatedConceptInfer:  1_000,
	JobEmbedding:            1_200,
	JobLinking:              1_500,
	JobEntityGraphEmbedding: 1_800,
	JobPurgeNote:            200,
	JobBlobGC:               500,
	JobQueueCleanup:         300,
}

// JobHistoryRetention bounds the job_history/terminal job_queue rows kept.
const JobHistoryRetention = 100

// ArchiveRegistryEntry is a row in ArchiveRegistry.
type ArchiveRegistryEntry struct {
	Name          string
	SchemaName    string
	IsDefault     bool
	SchemaVersion int
	NoteCount     int64
	Features      []string // no code writes or detects features; stays empty
}
