package sqlstore

import (
	"context"
	"database/sql"
	"time"

	"auditflow/internal/domain"
)

type votes struct{ tx *sql.Tx }

func (s votes) Append(ctx context.Context, v domain.ApprovalVote) (domain.ApprovalVote, error) {
	if err := s.tx.QueryRowContext(ctx, `SELECT COALESCE(MAX(seq),0)+1 FROM approval_votes WHERE step_assignment_id=?`, v.StepAssignmentID).Scan(&v.Seq); err != nil {
		return v, err
	}
	_, err := s.tx.ExecContext(ctx, `INSERT INTO approval_votes(id,step_assignment_id,approver_id,actor_id,decision,comment,created_at,seq) VALUES (?,?,?,?,?,?,?,?)`,
		v.ID, v.StepAssignmentID, v.ApproverID, v.ActorID, string(v.Decision), nullable(v.Comment), formatTime(v.CreatedAt), v.Seq)
	return v, err
}

func (s votes) ListByAssignment(ctx context.Context, assignmentID string) ([]domain.ApprovalVote, error) {
	rows, err := s.tx.QueryContext(ctx, `SELECT id,step_assignment_id,approver_id,actor_id,decision,COALESCE(comment,''),created_at,seq
FROM approval_votes WHERE step_assignment_id=? ORDER BY seq`, assignmentID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.ApprovalVote
	for rows.Next() {
		var (
			v  domain.ApprovalVote
			ts string
		)
		if err := rows.Scan(&v.ID, &v.StepAssignmentID, &v.ApproverID, &v.ActorID, &v.Decision, &v.Comment, &ts, &v.Seq); err != nil {
			return nil, err
		}
		if v.CreatedAt, err = parseTime(ts); err != nil {
			return nil, err
		}
		res = append(res, v)
	}
	return res, rows.Err()
}

type timeline struct{ tx *sql.Tx }

func (s timeline) Append(ctx context.Context, e domain.TimelineEntry) (domain.TimelineEntry, error) {
	if err := s.tx.QueryRowContext(ctx, `SELECT COALESCE(MAX(seq),0)+1 FROM workflow_timeline WHERE workflow_instance_id=?`, e.WorkflowInstanceID).Scan(&e.Seq); err != nil {
		return e, err
	}
	meta, err := nullableJSON(e.Metadata, len(e.Metadata) == 0)
	if err != nil {
		return e, err
	}
	_, err = s.tx.ExecContext(ctx, `INSERT INTO workflow_timeline(id,seq,workflow_instance_id,step_id,action,performed_by,comment,metadata_json,created_at) VALUES (?,?,?,?,?,?,?,?,?)`,
		e.ID, e.Seq, e.WorkflowInstanceID, e.StepID, string(e.Action), nullable(e.PerformedBy), nullable(e.Comment), meta, formatTime(e.CreatedAt))
	return e, err
}

func (s timeline) List(ctx context.Context, instanceID string) ([]domain.TimelineEntry, error) {
	rows, err := s.tx.QueryContext(ctx, `SELECT id,seq,workflow_instance_id,step_id,action,COALESCE(performed_by,''),COALESCE(comment,''),metadata_json,created_at
FROM workflow_timeline WHERE workflow_instance_id=? ORDER BY seq`, instanceID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.TimelineEntry
	for rows.Next() {
		var (
			e    domain.TimelineEntry
			meta sql.NullString
			ts   string
		)
		if err := rows.Scan(&e.ID, &e.Seq, &e.WorkflowInstanceID, &e.StepID, &e.Action, &e.PerformedBy, &e.Comment, &meta, &ts); err != nil {
			return nil, err
		}
		if err := fromJSON(meta, &e.Metadata); err != nil {
			return nil, err
		}
		if e.CreatedAt, err = parseTime(ts); err != nil {
			return nil, err
		}
		res = append(res, e)
	}
	return res, rows.Err()
}

type escalations struct{ tx *sql.Tx }

func (s escalations) Append(ctx context.Context, l domain.EscalationLog) error {
	_, err := s.tx.ExecContext(ctx, `INSERT INTO escalation_logs(id,assignment_id,escalated_from,escalated_to,reason,created_at) VALUES (?,?,?,?,?,?)`,
		l.ID, l.AssignmentID, nullable(l.EscalatedFrom), l.EscalatedTo, l.Reason, formatTime(l.CreatedAt))
	return err
}

func (s escalations) ListByAssignment(ctx context.Context, assignmentID string) ([]domain.EscalationLog, error) {
	rows, err := s.tx.QueryContext(ctx, `SELECT id,assignment_id,COALESCE(escalated_from,''),escalated_to,reason,created_at
FROM escalation_logs WHERE assignment_id=? ORDER BY created_at`, assignmentID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.EscalationLog
	for rows.Next() {
		var (
			l  domain.EscalationLog
			ts string
		)
		if err := rows.Scan(&l.ID, &l.AssignmentID, &l.EscalatedFrom, &l.EscalatedTo, &l.Reason, &ts); err != nil {
			return nil, err
		}
		if l.CreatedAt, err = parseTime(ts); err != nil {
			return nil, err
		}
		res = append(res, l)
	}
	return res, rows.Err()
}

type notifications struct{ tx *sql.Tx }

func (s notifications) Record(ctx context.Context, r domain.NotificationRecord) error {
	_, err := s.tx.ExecContext(ctx, `INSERT INTO notifications(id,assignment_id,user_id,type,sent_at) VALUES (?,?,?,?,?)`,
		r.ID, r.AssignmentID, r.UserID, string(r.Type), formatTime(r.SentAt))
	return err
}

func (s notifications) LastSent(ctx context.Context, assignmentID string, t domain.NotificationType) (time.Time, bool, error) {
	var ts sql.NullString
	err := s.tx.QueryRowContext(ctx, `SELECT MAX(sent_at) FROM notifications WHERE assignment_id=? AND type=?`, assignmentID, string(t)).Scan(&ts)
	if err != nil {
		return time.Time{}, false, err
	}
	if !ts.Valid {
		return time.Time{}, false, nil
	}
	at, err := parseTime(ts.String)
	if err != nil {
		return time.Time{}, false, err
	}
	return at, true, nil
}
