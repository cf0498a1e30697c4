// Package memory is an in-process repo.Store used by tests and local runs
// without Postgres. Transactions are serialized and rolled back by restoring
// a snapshot.
package memory

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/animus-labs/transit-ingest/internal/domain"
	"github.com/animus-labs/transit-ingest/internal/repo"
)

type state struct {
	datasets    map[string]domain.Dataset
	revisions   map[string]domain.DatasetRevision
	tasks       map[string]domain.TaskResult
	violations  map[string][]domain.Violation
	attributes  map[string][]domain.FileAttributes
	remoteTasks map[string]domain.RemoteTask
	outbox      []repo.OutboxMessage
	audit       []domain.AuditEvent
	lineage     []domain.LineageEdge
	nextID      int64
}

func newState() state {
	return state{
		datasets:    map[string]domain.Dataset{},
		revisions:   map[string]domain.DatasetRevision{},
		tasks:       map[string]domain.TaskResult{},
		violations:  map[string][]domain.Violation{},
		attributes:  map[string][]domain.FileAttributes{},
		remoteTasks: map[string]domain.RemoteTask{},
	}
}

func (s state) clone() state {
	out := newState()
	for k, v := range s.datasets {
		out.datasets[k] = v
	}
	for k, v := range s.revisions {
		out.revisions[k] = v
	}
	for k, v := range s.tasks {
		out.tasks[k] = v
	}
	for k, v := range s.violations {
		out.violations[k] = append([]domain.Violation(nil), v...)
	}
	for k, v := range s.attributes {
		out.attributes[k] = append([]domain.FileAttributes(nil), v...)
	}
	for k, v := range s.remoteTasks {
		out.remoteTasks[k] = v
	}
	out.outbox = append([]repo.OutboxMessage(nil), s.outbox...)
	out.audit = append([]domain.AuditEvent(nil), s.audit...)
	out.lineage = append([]domain.LineageEdge(nil), s.lineage...)
	out.nextID = s.nextID
	return out
}

type Store struct {
	txMu    sync.Mutex
	relayMu sync.Mutex
	mu      sync.Mutex
	data    state
	now     func() time.Time
}

func NewStore() *Store {
	return &Store{data: newState(), now: time.Now}
}

func (s *Store) Datasets() repo.DatasetRepository             { return s }
func (s *Store) Revisions() repo.RevisionRepository           { return s }
func (s *Store) TaskResults() repo.TaskResultRepository       { return s }
func (s *Store) Violations() repo.ViolationRepository         { return s }
func (s *Store) FileAttributes() repo.FileAttributeRepository { return s }
func (s *Store) RemoteTasks() repo.RemoteTaskRepository       { return s }
func (s *Store) Outbox() repo.OutboxWriter                    { return s }
func (s *Store) Events() repo.EventAppender                   { return s }
func (s *Store) Relay() repo.OutboxRepository                 { return s }

func (s *Store) WithinTx(ctx context.Context, fn func(tx repo.Repositories) error) error {
	s.txMu.Lock()
	defer s.txMu.Unlock()

	s.mu.Lock()
	snapshot := s.data.clone()
	s.mu.Unlock()

	if err := fn(s); err != nil {
		s.mu.Lock()
		s.data = snapshot
		s.mu.Unlock()
		return err
	}
	return ctx.Err()
}

func (s *Store) CreateDataset(_ context.Context, dataset domain.Dataset) error {
	if err := dataset.Validate(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.data.datasets[dataset.ID]; ok {
		return repo.ErrConflict
	}
	if dataset.CreatedAt.IsZero() {
		dataset.CreatedAt = s.now().UTC()
	}
	s.data.datasets[dataset.ID] = dataset
	return nil
}

func (s *Store) GetDataset(_ context.Context, id string) (domain.Dataset, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	d, ok := s.data.datasets[strings.TrimSpace(id)]
	if !ok {
		return domain.Dataset{}, repo.ErrNotFound
	}
	return d, nil
}

func (s *Store) LockDataset(ctx context.Context, id string) (domain.Dataset, error) {
	return s.GetDataset(ctx, id)
}

func (s *Store) SetLiveRevision(_ context.Context, datasetID, revisionID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	d, ok := s.data.datasets[datasetID]
	if !ok {
		return repo.ErrNotFound
	}
	d.LiveRevisionID = revisionID
	s.data.datasets[datasetID] = d
	return nil
}

func (s *Store) CreateRevision(_ context.Context, rev domain.DatasetRevision) error {
	if err := rev.Validate(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.data.revisions[rev.ID]; ok {
		return repo.ErrConflict
	}
	for _, other := range s.data.revisions {
		if other.DatasetID == rev.DatasetID && !other.IsPublished {
			return repo.ErrConflict
		}
	}
	now := s.now().UTC()
	if rev.CreatedAt.IsZero() {
		rev.CreatedAt = now
	}
	rev.ModifiedAt = rev.CreatedAt
	rev.IsPublished = false
	s.data.revisions[rev.ID] = rev
	return nil
}

func (s *Store) GetRevision(_ context.Context, id string) (domain.DatasetRevision, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rev, ok := s.data.revisions[strings.TrimSpace(id)]
	if !ok {
		return domain.DatasetRevision{}, repo.ErrNotFound
	}
	return rev, nil
}

func (s *Store) ListRevisions(_ context.Context, filter repo.RevisionFilter) ([]domain.DatasetRevision, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]domain.DatasetRevision, 0)
	for _, rev := range s.data.revisions {
		if filter.DatasetID != "" && rev.DatasetID != filter.DatasetID {
			continue
		}
		if filter.Status != "" && rev.Status != filter.Status {
			continue
		}
		out = append(out, rev)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	if filter.Limit > 0 && len(out) > filter.Limit {
		out = out[:filter.Limit]
	}
	return out, nil
}

func (s *Store) GetDraft(_ context.Context, datasetID string) (domain.DatasetRevision, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, rev := range s.data.revisions {
		if rev.DatasetID == datasetID && !rev.IsPublished {
			return rev, nil
		}
	}
	return domain.DatasetRevision{}, repo.ErrNotFound
}

func (s *Store) GetLiveRevision(_ context.Context, datasetID string) (domain.DatasetRevision, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, rev := range s.data.revisions {
		if rev.DatasetID == datasetID && rev.Status == domain.RevisionLive {
			return rev, nil
		}
	}
	return domain.DatasetRevision{}, repo.ErrNotFound
}

func (s *Store) UpdatePayload(_ context.Context, id string, objectKey string, sha256 string, size int64) error {
	return s.setPayload(id, objectKey, sha256, size, false)
}

func (s *Store) RecordRetrievedPayload(_ context.Context, id string, objectKey string, sha256 string, size int64) error {
	return s.setPayload(id, objectKey, sha256, size, true)
}

func (s *Store) setPayload(id string, objectKey string, sha256 string, size int64, indexing bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	rev, ok := s.data.revisions[id]
	if !ok {
		return repo.ErrNotFound
	}
	if rev.IsPublished || (rev.Status == domain.RevisionIndexing) != indexing {
		return fmt.Errorf("%w: payload of a %s revision cannot change", repo.ErrInvalidTransition, rev.Status)
	}
	rev.ObjectKey = objectKey
	rev.ContentSHA256 = sha256
	rev.SizeBytes = size
	rev.ModifiedAt = s.now().UTC()
	s.data.revisions[id] = rev
	return nil
}

func (s *Store) TransitionRevision(_ context.Context, id string, from, to domain.RevisionStatus) error {
	if !domain.CanTransitionRevision(from, to) {
		return fmt.Errorf("%w: %s -> %s", repo.ErrInvalidTransition, from, to)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	rev, ok := s.data.revisions[id]
	if !ok {
		return repo.ErrNotFound
	}
	if rev.Status != from {
		return fmt.Errorf("%w: revision is %s, not %s", repo.ErrInvalidTransition, rev.Status, from)
	}
	if to == domain.RevisionLive {
		for otherID, other := range s.data.revisions {
			if otherID != id && other.DatasetID == rev.DatasetID && other.Status == domain.RevisionLive {
				return repo.ErrConflict
			}
		}
	}
	rev.Status = to
	rev.ModifiedAt = s.now().UTC()
	s.data.revisions[id] = rev
	return nil
}

func (s *Store) MarkPublished(_ context.Context, id string, actor string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	rev, ok := s.data.revisions[id]
	if !ok || rev.IsPublished {
		return repo.ErrConflict
	}
	if at.IsZero() {
		at = s.now()
	}
	at = at.UTC()
	rev.IsPublished = true
	rev.PublishedAt = &at
	rev.PublishedBy = actor
	rev.ModifiedAt = at
	s.data.revisions[id] = rev
	return nil
}

func (s *Store) ListLiveURLRevisions(_ context.Context, limit int) ([]domain.DatasetRevision, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]domain.DatasetRevision, 0)
	for _, rev := range s.data.revisions {
		if rev.Status == domain.RevisionLive && strings.TrimSpace(rev.URLLink) != "" {
			out = append(out, rev)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ModifiedAt.Before(out[j].ModifiedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *Store) CreateTaskResult(_ context.Context, task domain.TaskResult) error {
	if strings.TrimSpace(task.TaskID) == "" {
		return errors.New("task id is required")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.data.tasks[task.TaskID]; ok {
		return repo.ErrConflict
	}
	if task.Status == "" {
		task.Status = domain.TaskPending
	}
	if task.CreatedAt.IsZero() {
		task.CreatedAt = s.now().UTC()
	}
	task.UpdatedAt = task.CreatedAt
	task.Progress = domain.ClampProgress(task.Progress)
	s.data.tasks[task.TaskID] = task
	return nil
}

func (s *Store) GetTaskResult(_ context.Context, taskID string) (domain.TaskResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	task, ok := s.data.tasks[taskID]
	if !ok {
		return domain.TaskResult{}, repo.ErrNotFound
	}
	return task, nil
}

func (s *Store) LatestTaskResult(ctx context.Context, revisionID string) (domain.TaskResult, error) {
	tasks, err := s.ListTaskResults(ctx, revisionID)
	if err != nil {
		return domain.TaskResult{}, err
	}
	if len(tasks) == 0 {
		return domain.TaskResult{}, repo.ErrNotFound
	}
	return tasks[0], nil
}

func (s *Store) ListTaskResults(_ context.Context, revisionID string) ([]domain.TaskResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]domain.TaskResult, 0)
	for _, task := range s.data.tasks {
		if task.RevisionID == revisionID {
			out = append(out, task)
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return out, nil
}

func (s *Store) UpdateTaskResult(_ context.Context, taskID string, u domain.TaskUpdate) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	task, ok := s.data.tasks[taskID]
	if !ok {
		return false, repo.ErrNotFound
	}
	if !task.Apply(u) {
		return false, nil
	}
	s.data.tasks[taskID] = task
	return true, nil
}

func (s *Store) ReplaceViolations(_ context.Context, revisionID string, category domain.ViolationCategory, rows []domain.Violation) error {
	if category == "" {
		return errors.New("category is required")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	kept := make([]domain.Violation, 0, len(rows))
	for _, v := range s.data.violations[revisionID] {
		if v.Category != category {
			kept = append(kept, v)
		}
	}
	now := s.now().UTC()
	for _, v := range rows {
		s.data.nextID++
		v.ID = s.data.nextID
		v.RevisionID = revisionID
		v.Category = category
		if v.CreatedAt.IsZero() {
			v.CreatedAt = now
		}
		kept = append(kept, v)
	}
	s.data.violations[revisionID] = kept
	return nil
}

func (s *Store) ListViolations(_ context.Context, revisionID string, category domain.ViolationCategory) ([]domain.Violation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]domain.Violation, 0)
	for _, v := range s.data.violations[revisionID] {
		if category == "" || v.Category == category {
			out = append(out, v)
		}
	}
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].Filename != out[j].Filename {
			return out[i].Filename < out[j].Filename
		}
		return out[i].Line < out[j].Line
	})
	return out, nil
}

func (s *Store) CountViolations(ctx context.Context, revisionID string, category domain.ViolationCategory) (int, error) {
	rows, err := s.ListViolations(ctx, revisionID, category)
	return len(rows), err
}

func (s *Store) ReplaceFileAttributes(_ context.Context, revisionID string, attrs []domain.FileAttributes) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]domain.FileAttributes, 0, len(attrs))
	for _, a := range attrs {
		a.RevisionID = revisionID
		out = append(out, a)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Filename < out[j].Filename })
	s.data.attributes[revisionID] = out
	return nil
}

func (s *Store) ListFileAttributes(_ context.Context, revisionID string) ([]domain.FileAttributes, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]domain.FileAttributes(nil), s.data.attributes[revisionID]...), nil
}

func remoteKey(revisionID string, service domain.RemoteService) string {
	return revisionID + "/" + string(service)
}

func (s *Store) UpsertRemoteTask(_ context.Context, task domain.RemoteTask) (domain.RemoteTask, error) {
	if strings.TrimSpace(task.RevisionID) == "" || task.Service == "" || strings.TrimSpace(task.RemoteID) == "" {
		return domain.RemoteTask{}, errors.New("revision id, service and remote id are required")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.now().UTC()
	key := remoteKey(task.RevisionID, task.Service)
	if existing, ok := s.data.remoteTasks[key]; ok {
		task.ID = existing.ID
		task.CreatedAt = existing.CreatedAt
	}
	if task.ID == "" {
		task.ID = uuid.NewString()
	}
	if task.CreatedAt.IsZero() {
		task.CreatedAt = now
	}
	if task.Status == "" {
		task.Status = domain.RemotePending
	}
	task.UpdatedAt = now
	s.data.remoteTasks[key] = task
	return task, nil
}

func (s *Store) GetRemoteTask(_ context.Context, revisionID string, service domain.RemoteService) (domain.RemoteTask, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	task, ok := s.data.remoteTasks[remoteKey(revisionID, service)]
	if !ok {
		return domain.RemoteTask{}, repo.ErrNotFound
	}
	return task, nil
}

func (s *Store) ListPendingRemoteTasks(_ context.Context, service domain.RemoteService, limit int) ([]domain.RemoteTask, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]domain.RemoteTask, 0)
	for _, task := range s.data.remoteTasks {
		if task.Service == service && task.Status == domain.RemotePending {
			out = append(out, task)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *Store) UpdateRemoteTaskStatus(_ context.Context, id string, status domain.RemoteTaskStatus, message string, reportKey string) (bool, error) {
	if !domain.CanTransitionRemoteTask(domain.RemotePending, status) {
		return false, fmt.Errorf("%w: pending -> %s", repo.ErrInvalidTransition, status)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	for key, task := range s.data.remoteTasks {
		if task.ID != id {
			continue
		}
		if task.Status != domain.RemotePending && task.Status != status {
			return false, nil
		}
		task.Status = status
		if message != "" {
			task.Message = message
		}
		if reportKey != "" {
			task.ReportKey = reportKey
		}
		task.UpdatedAt = s.now().UTC()
		s.data.remoteTasks[key] = task
		return true, nil
	}
	return false, nil
}

func (s *Store) Enqueue(_ context.Context, subject string, payload []byte) (string, error) {
	if strings.TrimSpace(subject) == "" {
		return "", errors.New("subject is required")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	msg := repo.OutboxMessage{
		ID:        uuid.NewString(),
		Subject:   subject,
		Payload:   append([]byte(nil), payload...),
		CreatedAt: s.now().UTC(),
	}
	s.data.outbox = append(s.data.outbox, msg)
	return msg.ID, nil
}

func (s *Store) ClaimPending(ctx context.Context, limit int, fn func(msg repo.OutboxMessage) error) (int, error) {
	if fn == nil {
		return 0, errors.New("dispatch func is required")
	}
	s.relayMu.Lock()
	defer s.relayMu.Unlock()

	s.mu.Lock()
	batch := make([]repo.OutboxMessage, 0)
	for _, msg := range s.data.outbox {
		if limit > 0 && len(batch) == limit {
			break
		}
		if msg.DispatchedAt == nil {
			batch = append(batch, msg)
		}
	}
	s.mu.Unlock()

	dispatched := 0
	for _, msg := range batch {
		if err := ctx.Err(); err != nil {
			return dispatched, err
		}
		sendErr := fn(msg)
		s.mu.Lock()
		for i := range s.data.outbox {
			stored := &s.data.outbox[i]
			if stored.ID != msg.ID {
				continue
			}
			stored.Attempts++
			if sendErr == nil {
				at := s.now().UTC()
				stored.DispatchedAt = &at
				dispatched++
			}
			break
		}
		s.mu.Unlock()
	}
	return dispatched, nil
}

func (s *Store) AppendAudit(_ context.Context, event domain.AuditEvent) (int64, error) {
	if err := event.Validate(); err != nil {
		return 0, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if event.OccurredAt.IsZero() {
		event.OccurredAt = s.now().UTC()
	}
	s.data.audit = append(s.data.audit, event)
	return int64(len(s.data.audit)), nil
}

func (s *Store) AppendLineage(_ context.Context, edge domain.LineageEdge) error {
	if strings.TrimSpace(edge.SubjectID) == "" || strings.TrimSpace(edge.ObjectID) == "" {
		return errors.New("lineage edge requires subject and object")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if edge.OccurredAt.IsZero() {
		edge.OccurredAt = s.now().UTC()
	}
	s.data.lineage = append(s.data.lineage, edge)
	return nil
}

// AuditEvents returns a copy of every appended audit event.
func (s *Store) AuditEvents() []domain.AuditEvent {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]domain.AuditEvent(nil), s.data.audit...)
}

func (s *Store) LineageEdges() []domain.LineageEdge {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]domain.LineageEdge(nil), s.data.lineage...)
}

func (s *Store) OutboxMessages() []repo.OutboxMessage {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]repo.OutboxMessage(nil), s.data.outbox...)
}

var _ repo.Store = (*Store)(nil)
