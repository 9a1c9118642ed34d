package sqlstore

import (
	"context"
	"database/sql"

	"auditflow/internal/domain"
)

type users struct{ tx *sql.Tx }

func (s users) Upsert(ctx context.Context, u domain.User) error {
	if _, err := s.tx.ExecContext(ctx, `INSERT INTO users(id,name,email,active) VALUES (?,?,?,?)
ON CONFLICT(id) DO UPDATE SET name=excluded.name, email=excluded.email, active=excluded.active`,
		u.ID, nullable(u.Name), nullable(u.Email), u.Active); err != nil {
		return err
	}
	if _, err := s.tx.ExecContext(ctx, `DELETE FROM user_roles WHERE user_id=?`, u.ID); err != nil {
		return err
	}
	for _, role := range u.Roles {
		if _, err := s.tx.ExecContext(ctx, `INSERT OR IGNORE INTO user_roles(user_id, role) VALUES (?,?)`, u.ID, role); err != nil {
			return err
		}
	}
	return nil
}

func (s users) roles(ctx context.Context, userID string) ([]string, error) {
	rows, err := s.tx.QueryContext(ctx, `SELECT role FROM user_roles WHERE user_id=? ORDER BY role`, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	roles := []string{}
	for rows.Next() {
		var role string
		if err := rows.Scan(&role); err != nil {
			return nil, err
		}
		roles = append(roles, role)
	}
	return roles, rows.Err()
}

func (s users) Get(ctx context.Context, id string) (domain.User, error) {
	var u domain.User
	err := s.tx.QueryRowContext(ctx, `SELECT id,COALESCE(name,''),COALESCE(email,''),active FROM users WHERE id=?`, id).
		Scan(&u.ID, &u.Name, &u.Email, &u.Active)
	if isNoRows(err) {
		return u, domain.NotFound("user", id)
	}
	if err != nil {
		return u, err
	}
	u.Roles, err = s.roles(ctx, id)
	return u, err
}

func (s users) List(ctx context.Context) ([]domain.User, error) {
	rows, err := s.tx.QueryContext(ctx, `SELECT id,COALESCE(name,''),COALESCE(email,''),active FROM users ORDER BY id`)
	if err != nil {
		return nil, err
	}
	var res []domain.User
	for rows.Next() {
		var u domain.User
		if err := rows.Scan(&u.ID, &u.Name, &u.Email, &u.Active); err != nil {
			rows.Close()
			return nil, err
		}
		res = append(res, u)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}
	// Roles are loaded after the cursor is closed.
	for i := range res {
		if res[i].Roles, err = s.roles(ctx, res[i].ID); err != nil {
			return nil, err
		}
	}
	return res, nil
}

func (s users) FirstActiveWithRole(ctx context.Context, role string) (domain.User, bool, error) {
	var id string
	err := s.tx.QueryRowContext(ctx, `SELECT u.id FROM users u JOIN user_roles r ON r.user_id=u.id
WHERE r.role=? AND u.active=1 ORDER BY u.id LIMIT 1`, role).Scan(&id)
	if isNoRows(err) {
		return domain.User{}, false, nil
	}
	if err != nil {
		return domain.User{}, false, err
	}
	u, err := s.Get(ctx, id)
	if err != nil {
		return domain.User{}, false, err
	}
	return u, true, nil
}
