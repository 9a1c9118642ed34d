package sqlstore

import (
	"context"
	"database/sql"
	"strings"

	"auditflow/internal/domain"
	"auditflow/internal/store"
)

type instances struct{ tx *sql.Tx }

const instanceColumns = `id,definition_id,entity_type,entity_id,current_node_id,status,context_json,COALESCE(started_by,''),COALESCE(cancel_reason,''),created_at,updated_at,completed_at`

func scanInstance(row scanner) (domain.WorkflowInstance, error) {
	var (
		in                   domain.WorkflowInstance
		ctxJSON              string
		createdAt, updatedAt string
		completedAt          sql.NullString
	)
	if err := row.Scan(&in.ID, &in.DefinitionID, &in.EntityType, &in.EntityID, &in.CurrentNodeID, &in.Status, &ctxJSON,
		&in.StartedBy, &in.CancelReason, &createdAt, &updatedAt, &completedAt); err != nil {
		return in, err
	}
	if err := fromJSON(sql.NullString{String: ctxJSON, Valid: true}, &in.Context); err != nil {
		return in, err
	}
	var err error
	if in.CreatedAt, err = parseTime(createdAt); err != nil {
		return in, err
	}
	if in.UpdatedAt, err = parseTime(updatedAt); err != nil {
		return in, err
	}
	if in.CompletedAt, err = parseNullTime(completedAt); err != nil {
		return in, err
	}
	return in, nil
}

func (s instances) Create(ctx context.Context, in domain.WorkflowInstance) error {
	data, err := toJSON(contextOrEmpty(in.Context))
	if err != nil {
		return err
	}
	_, err = s.tx.ExecContext(ctx, `INSERT INTO workflow_instances(id,definition_id,entity_type,entity_id,current_node_id,status,context_json,started_by,cancel_reason,created_at,updated_at,completed_at)
VALUES (?,?,?,?,?,?,?,?,?,?,?,?)`,
		in.ID, in.DefinitionID, in.EntityType, in.EntityID, in.CurrentNodeID, string(in.Status), data,
		nullable(in.StartedBy), nullable(in.CancelReason), formatTime(in.CreatedAt), formatTime(in.UpdatedAt), nullableTime(in.CompletedAt))
	return err
}

func contextOrEmpty(m map[string]any) map[string]any {
	if m == nil {
		return map[string]any{}
	}
	return m
}

func (s instances) Get(ctx context.Context, id string) (domain.WorkflowInstance, error) {
	in, err := scanInstance(s.tx.QueryRowContext(ctx, `SELECT `+instanceColumns+` FROM workflow_instances WHERE id=?`, id))
	if isNoRows(err) {
		return in, domain.NotFound("instance", id)
	}
	return in, err
}

func (s instances) List(ctx context.Context, f store.InstanceFilter) ([]domain.WorkflowInstance, error) {
	var (
		clauses []string
		args    []any
	)
	if f.DefinitionID != "" {
		clauses = append(clauses, "definition_id=?")
		args = append(args, f.DefinitionID)
	}
	if f.EntityType != "" {
		clauses = append(clauses, "entity_type=?")
		args = append(args, f.EntityType)
	}
	if f.EntityID != "" {
		clauses = append(clauses, "entity_id=?")
		args = append(args, f.EntityID)
	}
	if f.Status != "" {
		clauses = append(clauses, "status=?")
		args = append(args, string(f.Status))
	}
	where := ""
	if len(clauses) > 0 {
		where = "WHERE " + strings.Join(clauses, " AND ")
	}
	query := `SELECT ` + instanceColumns + ` FROM workflow_instances ` + where + ` ORDER BY created_at DESC, id DESC`
	if f.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, f.Limit)
	}
	rows, err := s.tx.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.WorkflowInstance
	for rows.Next() {
		in, err := scanInstance(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, in)
	}
	return res, rows.Err()
}

func (s instances) Move(ctx context.Context, in domain.WorkflowInstance, fromNode string) error {
	data, err := toJSON(contextOrEmpty(in.Context))
	if err != nil {
		return err
	}
	res, err := s.tx.ExecContext(ctx, `UPDATE workflow_instances SET current_node_id=?, status=?, context_json=?, cancel_reason=?, updated_at=?, completed_at=?
WHERE id=? AND current_node_id=? AND status=?`,
		in.CurrentNodeID, string(in.Status), data, nullable(in.CancelReason), formatTime(in.UpdatedAt), nullableTime(in.CompletedAt),
		in.ID, fromNode, string(domain.InstanceRunning))
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		cur, err := s.Get(ctx, in.ID)
		if err != nil {
			return err
		}
		return domain.Conflict("instance %s moved concurrently (now %s at %s)", in.ID, cur.Status, cur.CurrentNodeID)
	}
	return nil
}

func (s instances) CountByDefinition(ctx context.Context, definitionID string) (int, error) {
	var n int
	err := s.tx.QueryRowContext(ctx, `SELECT COUNT(*) FROM workflow_instances WHERE definition_id=?`, definitionID).Scan(&n)
	return n, err
}
