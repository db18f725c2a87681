package receipts

import "time"

// Mode records how a job reached its terminal state. Spec §3.
type Mode string

const (
	ModeRemote      Mode = "remote"
	ModeLocal       Mode = "local"
	ModeLocalCached Mode = "local_cached"
)

// Artifact is a single downloaded or produced output file, referenced by a
// Receipt. Spec §3.
type Artifact struct {
	Path      string `json:"path"`
	SHA256    string `json:"sha256"`
	SizeBytes int64  `json:"size_bytes"`
}

// Receipt is the durable record of a finished job, remote or local.
// Spec §3: "the durable record of a finished job ... the basis of restart
// idempotency."
type Receipt struct {
	RunID    string `json:"run_id"`
	JobID    string `json:"job_id"`
	StepName string `json:"step_name"`

	Status   string `json:"status"`
	ExitCode int    `json:"exit_code"`
	Mode     Mode   `json:"mode"`

	CreatedAt  time.Time `json:"created_at"`
	StartedAt  time.Time `json:"started_at,omitempty"`
	FinishedAt time.Time `json:"finished_at,omitempty"`

	Metrics   map[string]any `json:"metrics,omitempty"`
	Artifacts []Artifact     `json:"artifacts,omitempty"`
	LogPath   string         `json:"log_path,omitempty"`

	ErrorCode    string `json:"error_code,omitempty"`
	ErrorMessage string `json:"error_message,omitempty"`

	Idempotent  bool   `json:"idempotent,omitempty"`
	CachedJobID string `json:"cached_job_id,omitempty"`
	WorkerID    string `json:"worker_id,omitempty"`

	// Message carries supplementary context surfaced to the CLI caller,
	// e.g. the accumulated remote-failure reason on a local-fallback
	// result (spec §9 scenario 4).
	Message string `json:"message,omitempty"`
}

// LocalCacheEntry is the local-fallback executor's fingerprint-keyed cache
// record. Per spec §4.10 it deliberately does not duplicate metrics or
// artifacts, those live only in the receipt it points to.
type LocalCacheEntry struct {
	Success     bool   `json:"success"`
	Status      string `json:"status"`
	ExitCode    int    `json:"exit_code"`
	ReceiptPath string `json:"receipt_path"`
}
