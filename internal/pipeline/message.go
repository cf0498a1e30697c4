package pipeline

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

// Stage names double as bus subject suffixes.
const (
	StageRetrieve      = "retrieve"
	StageStructural    = "structural"
	StageAntivirus     = "antivirus"
	StageSchema        = "schema"
	StagePTI           = "pti"
	StagePostSchema    = "post_schema"
	StageMetadata      = "metadata"
	StageCrossRevision = "cross_revision"
	StageDQSUpload     = "dqs_upload"
	StageAVLSchema     = "avl_schema"
	StageAVLValidate   = "avl_validate"
	StageFinalise      = "finalise"

	// StageDQSReport runs outside a task chain once the remote job finished.
	StageDQSReport = "dqs_report"
)

// StageMessage is the unit of work carried on ingest.stage.<stage>.
type StageMessage struct {
	TaskID       string `json:"task_id,omitempty"`
	RevisionID   string `json:"revision_id"`
	Stage        string `json:"stage"`
	RemoteTaskID string `json:"remote_task_id,omitempty"`
	Actor        string `json:"actor,omitempty"`
	RequestID    string `json:"request_id,omitempty"`
}

func (m StageMessage) Validate() error {
	if strings.TrimSpace(m.RevisionID) == "" {
		return errors.New("revision_id is required")
	}
	if strings.TrimSpace(m.Stage) == "" {
		return errors.New("stage is required")
	}
	if m.Stage == StageDQSReport {
		if strings.TrimSpace(m.RemoteTaskID) == "" {
			return errors.New("remote_task_id is required")
		}
		return nil
	}
	if strings.TrimSpace(m.TaskID) == "" {
		return errors.New("task_id is required")
	}
	return nil
}

func DecodeStageMessage(data []byte) (StageMessage, error) {
	var msg StageMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		return StageMessage{}, fmt.Errorf("decode stage message: %w", err)
	}
	if err := msg.Validate(); err != nil {
		return StageMessage{}, fmt.Errorf("invalid stage message: %w", err)
	}
	return msg, nil
}
