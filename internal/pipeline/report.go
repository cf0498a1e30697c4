package pipeline

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/animus-labs/transit-ingest/internal/domain"
	"github.com/animus-labs/transit-ingest/internal/platform/jsonvalidate"
	"github.com/animus-labs/transit-ingest/internal/repo"
)

// DataQualityReport is the document the Data-Quality Service produces for
// one uploaded revision.
type DataQualityReport struct {
	Warnings []DataQualityWarning `json:"warnings"`
}

type DataQualityWarning struct {
	File      string `json:"file"`
	Line      int    `json:"line,omitempty"`
	Message   string `json:"message"`
	Reference string `json:"reference,omitempty"`
}

var reportSchema = jsonvalidate.MustCompile("dqs-report", `{
	"type": "object",
	"required": ["warnings"],
	"properties": {
		"warnings": {
			"type": "array",
			"items": {
				"type": "object",
				"required": ["file", "message"],
				"properties": {
					"file": {"type": "string"},
					"line": {"type": "integer", "minimum": 0},
					"message": {"type": "string", "minLength": 1},
					"reference": {"type": "string"}
				}
			}
		}
	}
}`)

// ParseDataQualityReport validates a downloaded report and converts its
// warnings into advisory violations.
func ParseDataQualityReport(data []byte) ([]domain.Violation, error) {
	var report DataQualityReport
	if err := reportSchema.Validate(data, &report); err != nil {
		return nil, domain.NewPipelineError(domain.ErrDataQuality, "invalid report", err)
	}
	rows := make([]domain.Violation, 0, len(report.Warnings))
	for _, w := range report.Warnings {
		rows = append(rows, domain.Violation{
			Filename:  strings.TrimSpace(w.File),
			Line:      w.Line,
			Details:   strings.TrimSpace(w.Message),
			Reference: strings.TrimSpace(w.Reference),
		})
	}
	return rows, nil
}

const (
	reportRejectedPrefix    = "report rejected: "
	reportUnavailablePrefix = "report unavailable: "
)

// reportSettled reports whether the report of task was stored or given up on.
func reportSettled(task domain.RemoteTask) bool {
	return task.ReportKey != "" ||
		strings.HasPrefix(task.Message, reportRejectedPrefix) ||
		strings.HasPrefix(task.Message, reportUnavailablePrefix)
}

func reportKey(task domain.RemoteTask) string {
	return fmt.Sprintf("dqs/%s/%s.json", task.RevisionID, task.RemoteID)
}

// handleReport downloads a finished data-quality report, keeps a copy in the
// report bucket and records its warnings. It runs after the revision's own
// task has finished, so it never changes revision status.
func (o *Orchestrator) handleReport(ctx context.Context, msg StageMessage) error {
	task, err := o.Store.RemoteTasks().GetRemoteTask(ctx, msg.RevisionID, domain.ServiceDataQuality)
	if errors.Is(err, repo.ErrNotFound) {
		o.log(slog.LevelWarn, "report for unknown remote task dropped", "revision_id", msg.RevisionID)
		return nil
	}
	if err != nil {
		return fmt.Errorf("load remote task: %w", err)
	}
	if task.ID != msg.RemoteTaskID || task.Status != domain.RemoteSuccess || reportSettled(task) {
		return nil
	}
	if o.DQS == nil || o.Objects == nil {
		return notConfigured("data quality report handling")
	}

	data, err := o.DQS.Download(ctx, task.RemoteID)
	if err != nil {
		// The client has already spent its retry budget; a PipelineError is final.
		var perr *domain.PipelineError
		if !errors.As(err, &perr) {
			return err
		}
		o.log(slog.LevelError, "data quality report unavailable", "revision_id", task.RevisionID, "remote_id", task.RemoteID, "error", err)
		_, uerr := o.Store.RemoteTasks().UpdateRemoteTaskStatus(ctx, task.ID, domain.RemoteSuccess, reportUnavailablePrefix+perr.Error(), "")
		return uerr
	}
	rows, err := ParseDataQualityReport(data)
	if err != nil {
		o.log(slog.LevelError, "data quality report rejected", "revision_id", task.RevisionID, "remote_id", task.RemoteID, "error", err)
		_, uerr := o.Store.RemoteTasks().UpdateRemoteTaskStatus(ctx, task.ID, domain.RemoteSuccess, reportRejectedPrefix+err.Error(), "")
		return uerr
	}
	key := reportKey(task)
	if _, err := o.Objects.Put(ctx, o.ReportBucket, key, bytes.NewReader(data), int64(len(data)), "application/json"); err != nil {
		return fmt.Errorf("store report: %w", err)
	}
	err = o.Store.WithinTx(ctx, func(tx repo.Repositories) error {
		if err := tx.Violations().ReplaceViolations(ctx, task.RevisionID, domain.CategoryDataQuality, rows); err != nil {
			return err
		}
		_, err := tx.RemoteTasks().UpdateRemoteTaskStatus(ctx, task.ID, domain.RemoteSuccess, countInfo(len(rows), "warning"), key)
		return err
	})
	if err != nil {
		return fmt.Errorf("record report: %w", err)
	}
	o.log(slog.LevelInfo, "data quality report stored", "revision_id", task.RevisionID, "report_key", key, "warnings", len(rows))
	return nil
}
