package sqlstore

import (
	"context"
	"database/sql"
	"time"

	"auditflow/internal/domain"
	"auditflow/internal/store"
)

type assignments struct{ tx *sql.Tx }

const assignmentColumns = `id,workflow_instance_id,step_id,kind,COALESCE(assigned_user_id,''),COALESCE(assigned_role,''),approvers_json,COALESCE(approval_type,''),status,deadline,escalated_at,COALESCE(escalated_to,''),COALESCE(completed_by,''),completed_at,COALESCE(notes,''),created_at`

func scanAssignment(row scanner) (domain.StepAssignment, error) {
	var (
		a         domain.StepAssignment
		approvers sql.NullString
		deadline  sql.NullString
		escalated sql.NullString
		completed sql.NullString
		createdAt string
	)
	if err := row.Scan(&a.ID, &a.WorkflowInstanceID, &a.StepID, &a.Kind, &a.AssignedUserID, &a.AssignedRole, &approvers,
		&a.ApprovalType, &a.Status, &deadline, &escalated, &a.EscalatedTo, &a.CompletedBy, &completed, &a.Notes, &createdAt); err != nil {
		return a, err
	}
	if err := fromJSON(approvers, &a.Approvers); err != nil {
		return a, err
	}
	var err error
	if a.Deadline, err = parseNullTime(deadline); err != nil {
		return a, err
	}
	if a.EscalatedAt, err = parseNullTime(escalated); err != nil {
		return a, err
	}
	if a.CompletedAt, err = parseNullTime(completed); err != nil {
		return a, err
	}
	if a.CreatedAt, err = parseTime(createdAt); err != nil {
		return a, err
	}
	return a, nil
}

func (s assignments) Create(ctx context.Context, a domain.StepAssignment) error {
	approvers, err := nullableJSON(a.Approvers, len(a.Approvers) == 0)
	if err != nil {
		return err
	}
	_, err = s.tx.ExecContext(ctx, `INSERT INTO step_assignments(id,workflow_instance_id,step_id,kind,assigned_user_id,assigned_role,approvers_json,approval_type,status,deadline,escalated_at,escalated_to,completed_by,completed_at,notes,created_at)
VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?)`,
		a.ID, a.WorkflowInstanceID, a.StepID, string(a.Kind), nullable(a.AssignedUserID), nullable(a.AssignedRole), approvers,
		nullable(string(a.ApprovalType)), string(a.Status), nullableTime(a.Deadline), nullableTime(a.EscalatedAt), nullable(a.EscalatedTo),
		nullable(a.CompletedBy), nullableTime(a.CompletedAt), nullable(a.Notes), formatTime(a.CreatedAt))
	return err
}

func (s assignments) Get(ctx context.Context, id string) (domain.StepAssignment, error) {
	a, err := scanAssignment(s.tx.QueryRowContext(ctx, `SELECT `+assignmentColumns+` FROM step_assignments WHERE id=?`, id))
	if isNoRows(err) {
		return a, domain.NotFound("assignment", id)
	}
	return a, err
}

func (s assignments) list(ctx context.Context, where string, args ...any) ([]domain.StepAssignment, error) {
	rows, err := s.tx.QueryContext(ctx, `SELECT `+assignmentColumns+` FROM step_assignments WHERE `+where+` ORDER BY created_at, id`, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.StepAssignment
	for rows.Next() {
		a, err := scanAssignment(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, a)
	}
	return res, rows.Err()
}

func (s assignments) ListByInstance(ctx context.Context, instanceID string) ([]domain.StepAssignment, error) {
	return s.list(ctx, `workflow_instance_id=?`, instanceID)
}

func (s assignments) ListOpen(ctx context.Context) ([]domain.StepAssignment, error) {
	return s.list(ctx, `status IN ('pending','escalated')`)
}

func (s assignments) FindOpen(ctx context.Context, instanceID, stepID string) (domain.StepAssignment, bool, error) {
	a, err := scanAssignment(s.tx.QueryRowContext(ctx, `SELECT `+assignmentColumns+` FROM step_assignments
WHERE workflow_instance_id=? AND step_id=? AND status IN ('pending','escalated')`, instanceID, stepID))
	if isNoRows(err) {
		return a, false, nil
	}
	if err != nil {
		return a, false, err
	}
	return a, true, nil
}

func (s assignments) Close(ctx context.Context, id string, c store.Close) error {
	res, err := s.tx.ExecContext(ctx, `UPDATE step_assignments SET status=?, completed_by=?, completed_at=?, notes=?
WHERE id=? AND status IN ('pending','escalated')`,
		string(c.Status), nullable(c.By), formatTime(c.At), nullable(c.Notes), id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		cur, err := s.Get(ctx, id)
		if err != nil {
			return err
		}
		return domain.Conflict("assignment %s is already %s", id, cur.Status)
	}
	return nil
}

func (s assignments) MarkEscalated(ctx context.Context, id, userID string, at time.Time) (bool, error) {
	res, err := s.tx.ExecContext(ctx, `UPDATE step_assignments SET status=?, assigned_user_id=?, escalated_to=?, escalated_at=?
WHERE id=? AND status='pending' AND escalated_at IS NULL`,
		string(domain.AssignmentEscalated), userID, userID, formatTime(at), id)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}
