package sqlstore

import (
	"context"
	"database/sql"
	"strings"

	"auditflow/internal/domain"
	"auditflow/internal/store"
)

type definitions struct{ tx *sql.Tx }

const definitionColumns = `id,name,module,COALESCE(description,''),status,version,COALESCE(parent_id,''),nodes_json,edges_json,COALESCE(created_by,''),created_at,updated_at,published_at`

func scanDefinition(row scanner) (domain.WorkflowDefinition, error) {
	var (
		d                    domain.WorkflowDefinition
		nodes, edges         string
		createdAt, updatedAt string
		publishedAt          sql.NullString
	)
	if err := row.Scan(&d.ID, &d.Name, &d.Module, &d.Description, &d.Status, &d.Version, &d.ParentID,
		&nodes, &edges, &d.CreatedBy, &createdAt, &updatedAt, &publishedAt); err != nil {
		return d, err
	}
	if err := fromJSON(sql.NullString{String: nodes, Valid: true}, &d.Nodes); err != nil {
		return d, err
	}
	if err := fromJSON(sql.NullString{String: edges, Valid: true}, &d.Edges); err != nil {
		return d, err
	}
	c, err := parseTime(createdAt)
	if err != nil {
		return d, err
	}
	u, err := parseTime(updatedAt)
	if err != nil {
		return d, err
	}
	d.CreatedAt, d.UpdatedAt = &c, &u
	if d.PublishedAt, err = parseNullTime(publishedAt); err != nil {
		return d, err
	}
	return d, nil
}

func definitionArgs(d domain.WorkflowDefinition) ([]any, error) {
	nodes, err := toJSON(d.Nodes)
	if err != nil {
		return nil, err
	}
	edges, err := toJSON(d.Edges)
	if err != nil {
		return nil, err
	}
	return []any{d.Name, string(d.Module), nullable(d.Description), string(d.Status), d.Version, nullable(d.ParentID),
		nodes, edges, nullable(d.CreatedBy), nullableTime(d.CreatedAt), nullableTime(d.UpdatedAt), nullableTime(d.PublishedAt)}, nil
}

func (s definitions) Create(ctx context.Context, d domain.WorkflowDefinition) error {
	args, err := definitionArgs(d)
	if err != nil {
		return err
	}
	_, err = s.tx.ExecContext(ctx, `INSERT INTO workflow_definitions(name,module,description,status,version,parent_id,nodes_json,edges_json,created_by,created_at,updated_at,published_at,id)
VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?)`, append(args, d.ID)...)
	return err
}

func (s definitions) Get(ctx context.Context, id string) (domain.WorkflowDefinition, error) {
	d, err := scanDefinition(s.tx.QueryRowContext(ctx, `SELECT `+definitionColumns+` FROM workflow_definitions WHERE id=?`, id))
	if isNoRows(err) {
		return d, domain.NotFound("definition", id)
	}
	return d, err
}

func (s definitions) List(ctx context.Context, f store.DefinitionFilter) ([]domain.WorkflowDefinition, error) {
	var (
		clauses []string
		args    []any
	)
	if f.Module != "" {
		clauses = append(clauses, "module=?")
		args = append(args, string(f.Module))
	}
	if f.Status != "" {
		clauses = append(clauses, "status=?")
		args = append(args, string(f.Status))
	}
	where := ""
	if len(clauses) > 0 {
		where = "WHERE " + strings.Join(clauses, " AND ")
	}
	rows, err := s.tx.QueryContext(ctx, `SELECT `+definitionColumns+` FROM workflow_definitions `+where+` ORDER BY created_at, id`, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.WorkflowDefinition
	for rows.Next() {
		d, err := scanDefinition(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, d)
	}
	return res, rows.Err()
}

func (s definitions) Update(ctx context.Context, d domain.WorkflowDefinition, expect domain.DefinitionStatus) error {
	args, err := definitionArgs(d)
	if err != nil {
		return err
	}
	res, err := s.tx.ExecContext(ctx, `UPDATE workflow_definitions SET name=?, module=?, description=?, status=?, version=?, parent_id=?, nodes_json=?, edges_json=?, created_by=?, created_at=?, updated_at=?, published_at=?
WHERE id=? AND status=?`, append(args, d.ID, string(expect))...)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		cur, err := s.Get(ctx, d.ID)
		if err != nil {
			return err
		}
		return domain.Conflict("definition %s is %s, expected %s", d.ID, cur.Status, expect)
	}
	return nil
}

func (s definitions) Active(ctx context.Context, module domain.Module) (domain.WorkflowDefinition, error) {
	d, err := scanDefinition(s.tx.QueryRowContext(ctx, `SELECT `+definitionColumns+` FROM workflow_definitions WHERE module=? AND status=?`,
		string(module), string(domain.DefinitionActive)))
	if isNoRows(err) {
		return d, domain.NotFound("active definition for module", string(module))
	}
	return d, err
}

func (s definitions) Delete(ctx context.Context, id string) error {
	res, err := s.tx.ExecContext(ctx, `DELETE FROM workflow_definitions WHERE id=?`, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return domain.NotFound("definition", id)
	}
	return nil
}
