package outbox

import (
	"context"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/pkg/errors"
)

// Postgres keeps markers in the outbox table, for deployments where several
// instances share one remote store.
type Postgres struct {
	db *pgxpool.Pool
}

func NewPostgres(db *pgxpool.Pool) *Postgres {
	return &Postgres{db: db}
}

func (p *Postgres) Mark(ctx context.Context, e Entry) error {
	_, err := p.db.Exec(ctx,
		`INSERT INTO outbox (tenant, relpath) VALUES ($1, $2)
		 ON CONFLICT (tenant, relpath) DO NOTHING`,
		e.Tenant, e.Path,
	)
	if err != nil {
		return errors.Wrap(err, "insert outbox marker")
	}
	return nil
}

func (p *Postgres) Delete(ctx context.Context, e Entry) error {
	_, err := p.db.Exec(ctx, `DELETE FROM outbox WHERE tenant = $1 AND relpath = $2`, e.Tenant, e.Path)
	if err != nil {
		return errors.Wrap(err, "delete outbox marker")
	}
	return nil
}

func (p *Postgres) Pending(ctx context.Context) ([]Entry, error) {
	rows, err := p.db.Query(ctx, `SELECT tenant, relpath FROM outbox ORDER BY created_at`)
	if err != nil {
		return nil, errors.Wrap(err, "query outbox")
	}
	defer rows.Close()

	var out []Entry
	for rows.Next() {
		var e Entry
		if err := rows.Scan(&e.Tenant, &e.Path); err != nil {
			return nil, errors.Wrap(err, "scan outbox row")
		}
		out = append(out, e)
	}
	if err := rows.Err(); err != nil {
		return nil, errors.Wrap(err, "iterate outbox")
	}
	return out, nil
}
