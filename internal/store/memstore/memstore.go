// Package memstore is an in-memory store.Store on hashicorp/go-memdb. Write
// transactions are serialized by memdb, which gives the same single-winner
// behaviour as the SQLite adapter for conditional updates.
package memstore

import (
	"context"
	"encoding/json"
	"fmt"
	"slices"
	"sort"
	"time"

	memdb "github.com/hashicorp/go-memdb"

	"auditflow/internal/domain"
	"auditflow/internal/store"
)

const (
	tblDefinitions   = "definitions"
	tblInstances     = "instances"
	tblAssignments   = "assignments"
	tblVotes         = "votes"
	tblTimeline      = "timeline"
	tblEscalations   = "escalations"
	tblNotifications = "notifications"
	tblUsers         = "users"
)

func idIndex() *memdb.IndexSchema {
	return &memdb.IndexSchema{Name: "id", Unique: true, Indexer: &memdb.StringFieldIndex{Field: "ID"}}
}

func fieldIndex(name, field string) *memdb.IndexSchema {
	return &memdb.IndexSchema{Name: name, AllowMissing: true, Indexer: &memdb.StringFieldIndex{Field: field}}
}

func schema() *memdb.DBSchema {
	table := func(name string, extra ...*memdb.IndexSchema) *memdb.TableSchema {
		idx := map[string]*memdb.IndexSchema{"id": idIndex()}
		for _, e := range extra {
			idx[e.Name] = e
		}
		return &memdb.TableSchema{Name: name, Indexes: idx}
	}
	return &memdb.DBSchema{Tables: map[string]*memdb.TableSchema{
		tblDefinitions: table(tblDefinitions, fieldIndex("module", "Module")),
		tblInstances:   table(tblInstances, fieldIndex("definition", "DefinitionID")),
		tblAssignments: table(tblAssignments,
			fieldIndex("instance", "WorkflowInstanceID"),
			fieldIndex("status", "Status")),
		tblVotes:         table(tblVotes, fieldIndex("assignment", "StepAssignmentID")),
		tblTimeline:      table(tblTimeline, fieldIndex("instance", "WorkflowInstanceID")),
		tblEscalations:   table(tblEscalations, fieldIndex("assignment", "AssignmentID")),
		tblNotifications: table(tblNotifications, fieldIndex("assignment", "AssignmentID")),
		tblUsers:         table(tblUsers),
	}}
}

type Store struct {
	db *memdb.MemDB
}

var _ store.Store = (*Store)(nil)

func New() (*Store, error) {
	db, err := memdb.NewMemDB(schema())
	if err != nil {
		return nil, fmt.Errorf("memdb schema: %w", err)
	}
	return &Store{db: db}, nil
}

func (s *Store) Update(ctx context.Context, fn func(store.Tx) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	txn := s.db.Txn(true)
	defer txn.Abort()
	if err := fn(&tx{txn: txn}); err != nil {
		return err
	}
	txn.Commit()
	return nil
}

func (s *Store) View(ctx context.Context, fn func(store.Tx) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	txn := s.db.Txn(false)
	defer txn.Abort()
	return fn(&tx{txn: txn})
}

func (s *Store) Close() error { return nil }

type tx struct {
	txn *memdb.Txn
}

func (t *tx) Definitions() store.DefinitionStore     { return definitions{t.txn} }
func (t *tx) Instances() store.InstanceStore         { return instances{t.txn} }
func (t *tx) Assignments() store.AssignmentStore     { return assignments{t.txn} }
func (t *tx) Votes() store.VoteStore                 { return votes{t.txn} }
func (t *tx) Timeline() store.TimelineStore          { return timeline{t.txn} }
func (t *tx) Escalations() store.EscalationStore     { return escalations{t.txn} }
func (t *tx) Notifications() store.NotificationStore { return notifications{t.txn} }
func (t *tx) Users() store.Directory                 { return users{t.txn} }

func first[T any](txn *memdb.Txn, table, index string, args ...any) (T, bool, error) {
	var zero T
	raw, err := txn.First(table, index, args...)
	if err != nil {
		return zero, false, fmt.Errorf("%s lookup: %w", table, err)
	}
	if raw == nil {
		return zero, false, nil
	}
	return *raw.(*T), true, nil
}

func all[T any](txn *memdb.Txn, table, index string, args ...any) ([]T, error) {
	it, err := txn.Get(table, index, args...)
	if err != nil {
		return nil, fmt.Errorf("%s scan: %w", table, err)
	}
	var out []T
	for raw := it.Next(); raw != nil; raw = it.Next() {
		out = append(out, *raw.(*T))
	}
	return out, nil
}

func insert[T any](txn *memdb.Txn, table string, v T) error {
	if err := txn.Insert(table, &v); err != nil {
		return fmt.Errorf("%s insert: %w", table, err)
	}
	return nil
}

// cloneJSON deep-copies JSON-shaped maps so stored objects never alias
// caller state. Numbers come back as float64, as they do from SQLite.
func cloneJSON(m map[string]any) map[string]any {
	if m == nil {
		return nil
	}
	raw, err := json.Marshal(m)
	if err != nil {
		return m
	}
	var out map[string]any
	if err := json.Unmarshal(raw, &out); err != nil {
		return m
	}
	return out
}

type definitions struct{ txn *memdb.Txn }

func cloneDefinition(d domain.WorkflowDefinition) domain.WorkflowDefinition {
	d.Nodes = slices.Clone(d.Nodes)
	d.Edges = slices.Clone(d.Edges)
	return d
}

func (s definitions) Create(ctx context.Context, d domain.WorkflowDefinition) error {
	if _, ok, err := first[domain.WorkflowDefinition](s.txn, tblDefinitions, "id", d.ID); err != nil {
		return err
	} else if ok {
		return domain.Conflict("definition %s already exists", d.ID)
	}
	return insert(s.txn, tblDefinitions, cloneDefinition(d))
}

func (s definitions) Get(ctx context.Context, id string) (domain.WorkflowDefinition, error) {
	d, ok, err := first[domain.WorkflowDefinition](s.txn, tblDefinitions, "id", id)
	if err != nil {
		return d, err
	}
	if !ok {
		return d, domain.NotFound("definition", id)
	}
	return cloneDefinition(d), nil
}

func (s definitions) List(ctx context.Context, f store.DefinitionFilter) ([]domain.WorkflowDefinition, error) {
	var (
		defs []domain.WorkflowDefinition
		err  error
	)
	if f.Module != "" {
		defs, err = all[domain.WorkflowDefinition](s.txn, tblDefinitions, "module", string(f.Module))
	} else {
		defs, err = all[domain.WorkflowDefinition](s.txn, tblDefinitions, "id")
	}
	if err != nil {
		return nil, err
	}
	out := defs[:0]
	for _, d := range defs {
		if f.Status != "" && d.Status != f.Status {
			continue
		}
		out = append(out, cloneDefinition(d))
	}
	sort.SliceStable(out, func(i, j int) bool { return createdBefore(out[i].CreatedAt, out[j].CreatedAt, out[i].ID, out[j].ID) })
	return out, nil
}

func createdBefore(a, b *time.Time, idA, idB string) bool {
	if a != nil && b != nil && !a.Equal(*b) {
		return a.Before(*b)
	}
	return idA < idB
}

func (s definitions) Update(ctx context.Context, d domain.WorkflowDefinition, expect domain.DefinitionStatus) error {
	cur, err := s.Get(ctx, d.ID)
	if err != nil {
		return err
	}
	if cur.Status != expect {
		return domain.Conflict("definition %s is %s, expected %s", d.ID, cur.Status, expect)
	}
	return insert(s.txn, tblDefinitions, cloneDefinition(d))
}

func (s definitions) Active(ctx context.Context, module domain.Module) (domain.WorkflowDefinition, error) {
	defs, err := s.List(ctx, store.DefinitionFilter{Module: module, Status: domain.DefinitionActive})
	if err != nil {
		return domain.WorkflowDefinition{}, err
	}
	if len(defs) == 0 {
		return domain.WorkflowDefinition{}, domain.NotFound("active definition for module", string(module))
	}
	return defs[len(defs)-1], nil
}

func (s definitions) Delete(ctx context.Context, id string) error {
	n, err := s.txn.DeleteAll(tblDefinitions, "id", id)
	if err != nil {
		return fmt.Errorf("definitions delete: %w", err)
	}
	if n == 0 {
		return domain.NotFound("definition", id)
	}
	return nil
}

type instances struct{ txn *memdb.Txn }

func cloneInstance(in domain.WorkflowInstance) domain.WorkflowInstance {
	in.Context = cloneJSON(in.Context)
	return in
}

func (s instances) Create(ctx context.Context, in domain.WorkflowInstance) error {
	return insert(s.txn, tblInstances, cloneInstance(in))
}

func (s instances) Get(ctx context.Context, id string) (domain.WorkflowInstance, error) {
	in, ok, err := first[domain.WorkflowInstance](s.txn, tblInstances, "id", id)
	if err != nil {
		return in, err
	}
	if !ok {
		return in, domain.NotFound("instance", id)
	}
	return cloneInstance(in), nil
}

func (s instances) List(ctx context.Context, f store.InstanceFilter) ([]domain.WorkflowInstance, error) {
	var (
		list []domain.WorkflowInstance
		err  error
	)
	if f.DefinitionID != "" {
		list, err = all[domain.WorkflowInstance](s.txn, tblInstances, "definition", f.DefinitionID)
	} else {
		list, err = all[domain.WorkflowInstance](s.txn, tblInstances, "id")
	}
	if err != nil {
		return nil, err
	}
	var out []domain.WorkflowInstance
	for _, in := range list {
		if f.EntityType != "" && in.EntityType != f.EntityType {
			continue
		}
		if f.EntityID != "" && in.EntityID != f.EntityID {
			continue
		}
		if f.Status != "" && in.Status != f.Status {
			continue
		}
		out = append(out, cloneInstance(in))
	}
	sort.SliceStable(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.After(out[j].CreatedAt)
		}
		return out[i].ID > out[j].ID
	})
	if f.Limit > 0 && len(out) > f.Limit {
		out = out[:f.Limit]
	}
	return out, nil
}

func (s instances) Move(ctx context.Context, in domain.WorkflowInstance, fromNode string) error {
	cur, err := s.Get(ctx, in.ID)
	if err != nil {
		return err
	}
	if cur.Status != domain.InstanceRunning || cur.CurrentNodeID != fromNode {
		return domain.Conflict("instance %s moved concurrently (now %s at %s)", in.ID, cur.Status, cur.CurrentNodeID)
	}
	return insert(s.txn, tblInstances, cloneInstance(in))
}

func (s instances) CountByDefinition(ctx context.Context, definitionID string) (int, error) {
	list, err := all[domain.WorkflowInstance](s.txn, tblInstances, "definition", definitionID)
	return len(list), err
}

type assignments struct{ txn *memdb.Txn }

func cloneAssignment(a domain.StepAssignment) domain.StepAssignment {
	a.Approvers = slices.Clone(a.Approvers)
	return a
}

func (s assignments) Create(ctx context.Context, a domain.StepAssignment) error {
	return insert(s.txn, tblAssignments, cloneAssignment(a))
}

func (s assignments) Get(ctx context.Context, id string) (domain.StepAssignment, error) {
	a, ok, err := first[domain.StepAssignment](s.txn, tblAssignments, "id", id)
	if err != nil {
		return a, err
	}
	if !ok {
		return a, domain.NotFound("assignment", id)
	}
	return cloneAssignment(a), nil
}

func sortAssignments(list []domain.StepAssignment) {
	sort.SliceStable(list, func(i, j int) bool {
		if !list[i].CreatedAt.Equal(list[j].CreatedAt) {
			return list[i].CreatedAt.Before(list[j].CreatedAt)
		}
		return list[i].ID < list[j].ID
	})
}

func (s assignments) ListByInstance(ctx context.Context, instanceID string) ([]domain.StepAssignment, error) {
	list, err := all[domain.StepAssignment](s.txn, tblAssignments, "instance", instanceID)
	if err != nil {
		return nil, err
	}
	for i := range list {
		list[i] = cloneAssignment(list[i])
	}
	sortAssignments(list)
	return list, nil
}

func (s assignments) ListOpen(ctx context.Context) ([]domain.StepAssignment, error) {
	var out []domain.StepAssignment
	for _, st := range []domain.AssignmentStatus{domain.AssignmentPending, domain.AssignmentEscalated} {
		list, err := all[domain.StepAssignment](s.txn, tblAssignments, "status", string(st))
		if err != nil {
			return nil, err
		}
		for _, a := range list {
			out = append(out, cloneAssignment(a))
		}
	}
	sortAssignments(out)
	return out, nil
}

func (s assignments) FindOpen(ctx context.Context, instanceID, stepID string) (domain.StepAssignment, bool, error) {
	list, err := s.ListByInstance(ctx, instanceID)
	if err != nil {
		return domain.StepAssignment{}, false, err
	}
	for _, a := range list {
		if a.StepID == stepID && a.Status.Open() {
			return a, true, nil
		}
	}
	return domain.StepAssignment{}, false, nil
}

func (s assignments) Close(ctx context.Context, id string, c store.Close) error {
	a, err := s.Get(ctx, id)
	if err != nil {
		return err
	}
	if !a.Status.Open() {
		return domain.Conflict("assignment %s is already %s", id, a.Status)
	}
	at := c.At
	a.Status = c.Status
	a.CompletedBy = c.By
	a.CompletedAt = &at
	a.Notes = c.Notes
	return insert(s.txn, tblAssignments, a)
}

func (s assignments) MarkEscalated(ctx context.Context, id, userID string, at time.Time) (bool, error) {
	a, err := s.Get(ctx, id)
	if err != nil {
		return false, err
	}
	if a.Status != domain.AssignmentPending || a.EscalatedAt != nil {
		return false, nil
	}
	a.Status = domain.AssignmentEscalated
	a.AssignedUserID = userID
	a.EscalatedTo = userID
	a.EscalatedAt = &at
	return true, insert(s.txn, tblAssignments, a)
}

type votes struct{ txn *memdb.Txn }

func (s votes) Append(ctx context.Context, v domain.ApprovalVote) (domain.ApprovalVote, error) {
	prev, err := all[domain.ApprovalVote](s.txn, tblVotes, "assignment", v.StepAssignmentID)
	if err != nil {
		return v, err
	}
	v.Seq = int64(len(prev)) + 1
	return v, insert(s.txn, tblVotes, v)
}

func (s votes) ListByAssignment(ctx context.Context, assignmentID string) ([]domain.ApprovalVote, error) {
	list, err := all[domain.ApprovalVote](s.txn, tblVotes, "assignment", assignmentID)
	if err != nil {
		return nil, err
	}
	sort.Slice(list, func(i, j int) bool { return list[i].Seq < list[j].Seq })
	return list, nil
}

type timeline struct{ txn *memdb.Txn }

func (s timeline) Append(ctx context.Context, e domain.TimelineEntry) (domain.TimelineEntry, error) {
	prev, err := all[domain.TimelineEntry](s.txn, tblTimeline, "instance", e.WorkflowInstanceID)
	if err != nil {
		return e, err
	}
	e.Seq = int64(len(prev)) + 1
	e.Metadata = cloneJSON(e.Metadata)
	return e, insert(s.txn, tblTimeline, e)
}

func (s timeline) List(ctx context.Context, instanceID string) ([]domain.TimelineEntry, error) {
	list, err := all[domain.TimelineEntry](s.txn, tblTimeline, "instance", instanceID)
	if err != nil {
		return nil, err
	}
	sort.Slice(list, func(i, j int) bool { return list[i].Seq < list[j].Seq })
	for i := range list {
		list[i].Metadata = cloneJSON(list[i].Metadata)
	}
	return list, nil
}

type escalations struct{ txn *memdb.Txn }

func (s escalations) Append(ctx context.Context, l domain.EscalationLog) error {
	return insert(s.txn, tblEscalations, l)
}

func (s escalations) ListByAssignment(ctx context.Context, assignmentID string) ([]domain.EscalationLog, error) {
	list, err := all[domain.EscalationLog](s.txn, tblEscalations, "assignment", assignmentID)
	if err != nil {
		return nil, err
	}
	sort.SliceStable(list, func(i, j int) bool { return list[i].CreatedAt.Before(list[j].CreatedAt) })
	return list, nil
}

type notifications struct{ txn *memdb.Txn }

func (s notifications) Record(ctx context.Context, r domain.NotificationRecord) error {
	return insert(s.txn, tblNotifications, r)
}

func (s notifications) LastSent(ctx context.Context, assignmentID string, t domain.NotificationType) (time.Time, bool, error) {
	list, err := all[domain.NotificationRecord](s.txn, tblNotifications, "assignment", assignmentID)
	if err != nil {
		return time.Time{}, false, err
	}
	var (
		last  time.Time
		found bool
	)
	for _, r := range list {
		if r.Type == t && (!found || r.SentAt.After(last)) {
			last, found = r.SentAt, true
		}
	}
	return last, found, nil
}

type users struct{ txn *memdb.Txn }

func (s users) Upsert(ctx context.Context, u domain.User) error {
	u.Roles = slices.Clone(u.Roles)
	return insert(s.txn, tblUsers, u)
}

func (s users) Get(ctx context.Context, id string) (domain.User, error) {
	u, ok, err := first[domain.User](s.txn, tblUsers, "id", id)
	if err != nil {
		return u, err
	}
	if !ok {
		return u, domain.NotFound("user", id)
	}
	u.Roles = slices.Clone(u.Roles)
	return u, nil
}

// List walks the id index, which memdb keeps in key order.
func (s users) List(ctx context.Context) ([]domain.User, error) {
	list, err := all[domain.User](s.txn, tblUsers, "id")
	if err != nil {
		return nil, err
	}
	for i := range list {
		list[i].Roles = slices.Clone(list[i].Roles)
	}
	return list, nil
}

func (s users) FirstActiveWithRole(ctx context.Context, role string) (domain.User, bool, error) {
	list, err := s.List(ctx)
	if err != nil {
		return domain.User{}, false, err
	}
	for _, u := range list {
		if u.Active && u.HasRole(role) {
			return u, true, nil
		}
	}
	return domain.User{}, false, nil
}
