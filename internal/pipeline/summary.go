package pipeline

import (
	"time"

	"github.com/couchcryptid/wx-cache-service/internal/domain"
)

// Stage is a step of one ingestion run.
type Stage string

const (
	StageIdle          Stage = "idle"
	StageDownloading   Stage = "downloading"
	StageDecompressing Stage = "decompressing"
	StageDecoding      Stage = "decoding"
	StageApplying      Stage = "applying"
	StageBackingUp     Stage = "backing_up"
	StageDone          Stage = "done"
	StageFailed        Stage = "failed"
)

// BackupStatus is the outcome of the raw payload backup.
type BackupStatus string

const (
	BackupStored  BackupStatus = "stored"
	BackupFailed  BackupStatus = "failed"
	BackupSkipped BackupStatus = "skipped"
)

// Backup reports what happened to the raw payload copy.
type Backup struct {
	Status BackupStatus `json:"status"`
	Object string       `json:"object,omitempty"`
	Error  string       `json:"error,omitempty"`
}

// Summary describes one ingestion run. FailedStage is set when Stage is
// StageFailed and names the step that failed.
type Summary struct {
	Kind        domain.Kind   `json:"kind"`
	RunID       string        `json:"runId"`
	Source      string        `json:"source"`
	Stage       Stage         `json:"stage"`
	FailedStage Stage         `json:"failedStage,omitempty"`
	Decoded     int           `json:"decoded"`
	Written     int           `json:"written"`
	Warnings    int           `json:"warnings"`
	Pruned      int           `json:"pruned"`
	Backup      Backup        `json:"backup"`
	StartedAt   time.Time     `json:"startedAt"`
	Duration    time.Duration `json:"durationNs"`
	Error       string        `json:"error,omitempty"`
}

// Succeeded reports whether the run reached StageDone.
func (s Summary) Succeeded() bool {
	return s.Stage == StageDone
}

// outcome is the metrics label for the run result.
func (s Summary) outcome() string {
	switch {
	case s.Stage == StageFailed:
		return "failed"
	case s.Decoded == 0:
		return "empty"
	default:
		return "success"
	}
}
