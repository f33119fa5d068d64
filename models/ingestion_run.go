package models

import (
	"database/sql/driver"
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"
)

type RunTrigger string
type RunStatus string

const (
	RunTriggerUpload RunTrigger = "upload"
	RunTriggerResync RunTrigger = "resync"
	RunTriggerDelete RunTrigger = "delete"

	RunStatusRunning   RunStatus = "running"
	RunStatusCompleted RunStatus = "completed"
	RunStatusFailed    RunStatus = "failed"
)

// RunStep records one pipeline stage inside an ingestion run.
type RunStep struct {
	Stage       string     `json:"stage"`
	StartedAt   time.Time  `json:"started_at"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
	Status      RunStatus  `json:"status"`
	Error       string     `json:"error,omitempty"`
}

// RunStepList is a custom type for GORM to properly handle a JSONB array of RunStep
type RunStepList []RunStep

func (l RunStepList) Value() (driver.Value, error) {
	if l == nil {
		return json.Marshal([]RunStep{})
	}
	return json.Marshal(l)
}

func (l *RunStepList) Scan(value interface{}) error {
	if value == nil {
		*l = RunStepList{}
		return nil
	}

	bytes, ok := value.([]byte)
	if !ok {
		strVal, ok := value.(string)
		if !ok {
			*l = RunStepList{}
			return nil
		}
		bytes = []byte(strVal)
	}

	var steps []RunStep
	if err := json.Unmarshal(bytes, &steps); err != nil {
		*l = RunStepList{}
		return nil // Don't fail on unmarshal errors, just use empty list
	}
	*l = steps
	return nil
}

// IngestionRun is the audit record of one pipeline execution for a document.
// Rows outlive pipeline failures so operators can see what happened before
// resyncing; they are removed with the document.
type IngestionRun struct {
	ID           uuid.UUID       `json:"id" gorm:"type:uuid;primaryKey"`
	DocumentID   uuid.UUID       `json:"document_id" gorm:"type:uuid;not null;index"`
	Document     *SourceDocument `json:"-" gorm:"foreignKey:DocumentID;constraint:OnDelete:CASCADE"`
	Trigger      RunTrigger      `json:"trigger" gorm:"not null"`
	Status       RunStatus       `json:"status" gorm:"not null"`
	Steps        RunStepList     `json:"steps" gorm:"type:jsonb"`
	Stats        datatypes.JSON  `json:"stats,omitempty" gorm:"type:jsonb"`
	ChunkCount   int             `json:"chunk_count"`
	ErrorMessage *string         `json:"error_message,omitempty"`
	DurationMs   int             `json:"duration_ms"`
	StartedAt    time.Time       `json:"started_at"`
	CompletedAt  *time.Time      `json:"completed_at,omitempty"`
	CreatedAt    time.Time       `json:"created_at"`
}

func (IngestionRun) TableName() string {
	return "ingestion_runs"
}
