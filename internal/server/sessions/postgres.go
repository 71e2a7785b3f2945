package sessions

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/pressly/goose/v3"

	"github.com/dmitrijs2005/gophupload/internal/common"
	"github.com/dmitrijs2005/gophupload/internal/dbx"
	"github.com/dmitrijs2005/gophupload/internal/server/migrations"
	"github.com/dmitrijs2005/gophupload/internal/server/models"
)

// chunkInsertBatch bounds the rows per INSERT so a 10000-part session stays
// well under the Postgres parameter limit.
const chunkInsertBatch = 500

type PostgresStore struct {
	db *sql.DB
}

func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

// OpenPostgres connects through the pgx driver and applies migrations.
func OpenPostgres(ctx context.Context, dsn string) (*PostgresStore, error) {
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, fmt.Errorf("db open error: %w", err)
	}

	if err := RunMigrations(ctx, db); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("migration error: %w", err)
	}

	return NewPostgresStore(db), nil
}

func RunMigrations(ctx context.Context, db *sql.DB) error {
	goose.SetBaseFS(migrations.Migrations)

	if err := goose.SetDialect("postgres"); err != nil {
		return err
	}

	if err := goose.UpContext(ctx, db, "."); err != nil {
		return err
	}

	return nil
}

func (p *PostgresStore) Name() string { return "sessions[postgres]" }

func (p *PostgresStore) IsReady(ctx context.Context) error {
	return p.db.PingContext(ctx)
}

func (p *PostgresStore) Close() error {
	return p.db.Close()
}

func (p *PostgresStore) Create(ctx context.Context, s *models.UploadSession) error {
	return dbx.WithTx(ctx, p.db, nil, func(ctx context.Context, tx dbx.DBTX) error {
		query :=
			`INSERT INTO upload_sessions (upload_id, object_name, file_name, file_size, chunk_size, total_chunks,
				concurrency, status, strategy, last_error, created_at, updated_at, expires_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)
			ON CONFLICT (upload_id) DO NOTHING`

		res, err := tx.ExecContext(ctx, query,
			s.UploadID, s.ObjectName, s.FileName, s.FileSize, s.ChunkSize, s.TotalChunks,
			s.Concurrency, string(s.Status), s.Strategy, s.LastError, s.CreatedAt, s.UpdatedAt, s.ExpiresAt,
		)
		if err != nil {
			return fmt.Errorf("error performing sql request: %w", err)
		}
		if n, err := res.RowsAffected(); err != nil {
			return err
		} else if n == 0 {
			return common.ErrStatusConflict
		}

		for start := 0; start < len(s.Chunks); start += chunkInsertBatch {
			batch := s.Chunks[start:min(start+chunkInsertBatch, len(s.Chunks))]
			if err := insertChunks(ctx, tx, s.UploadID, batch); err != nil {
				return err
			}
		}
		return nil
	})
}

func insertChunks(ctx context.Context, tx dbx.DBTX, uploadID string, chunks []models.ChunkDescriptor) error {
	const cols = 9

	var sb strings.Builder
	sb.WriteString(`INSERT INTO upload_chunks (upload_id, part_number, object_key, start_byte, end_byte, status, size, etag, authorization_expires_at) VALUES `)

	args := make([]any, 0, len(chunks)*cols)
	for i, c := range chunks {
		if i > 0 {
			sb.WriteString(", ")
		}
		sb.WriteString("(")
		for j := range cols {
			if j > 0 {
				sb.WriteString(", ")
			}
			fmt.Fprintf(&sb, "$%d", i*cols+j+1)
		}
		sb.WriteString(")")

		args = append(args, uploadID, c.PartNumber, c.ObjectKey, c.StartByte, c.EndByte,
			string(c.Status), c.Size, c.ETag, nullTime(c.AuthorizationExpiresAt))
	}

	if _, err := tx.ExecContext(ctx, sb.String(), args...); err != nil {
		return fmt.Errorf("error inserting chunks: %w", err)
	}
	return nil
}

func nullTime(t time.Time) sql.NullTime {
	return sql.NullTime{Time: t, Valid: !t.IsZero()}
}

func (p *PostgresStore) Get(ctx context.Context, uploadID string) (*models.UploadSession, error) {
	return getSession(ctx, p.db, uploadID)
}

func getSession(ctx context.Context, q dbx.DBTX, uploadID string) (*models.UploadSession, error) {
	query :=
		`SELECT upload_id, object_name, file_name, file_size, chunk_size, total_chunks, concurrency,
			status, strategy, last_error, created_at, updated_at, expires_at
		FROM upload_sessions WHERE upload_id = $1`

	var s models.UploadSession
	var status string
	err := q.QueryRowContext(ctx, query, uploadID).Scan(
		&s.UploadID, &s.ObjectName, &s.FileName, &s.FileSize, &s.ChunkSize, &s.TotalChunks, &s.Concurrency,
		&status, &s.Strategy, &s.LastError, &s.CreatedAt, &s.UpdatedAt, &s.ExpiresAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, common.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("error performing sql request: %w", err)
	}
	s.Status = models.SessionStatus(status)

	rows, err := q.QueryContext(ctx,
		`SELECT part_number, object_key, start_byte, end_byte, status, size, etag, authorization_expires_at
		FROM upload_chunks WHERE upload_id = $1 ORDER BY part_number`, uploadID)
	if err != nil {
		return nil, fmt.Errorf("error performing sql request: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var c models.ChunkDescriptor
		var cs string
		var exp sql.NullTime
		if err := rows.Scan(&c.PartNumber, &c.ObjectKey, &c.StartByte, &c.EndByte, &cs, &c.Size, &c.ETag, &exp); err != nil {
			return nil, err
		}
		c.Status = models.ChunkStatus(cs)
		if exp.Valid {
			c.AuthorizationExpiresAt = exp.Time
		}
		s.Chunks = append(s.Chunks, c)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	return &s, nil
}

func (p *PostgresStore) UpdateChunks(ctx context.Context, uploadID string, chunks []models.ChunkDescriptor) error {
	return dbx.WithTx(ctx, p.db, nil, func(ctx context.Context, tx dbx.DBTX) error {
		res, err := tx.ExecContext(ctx, `UPDATE upload_sessions SET updated_at = $2 WHERE upload_id = $1`, uploadID, now())
		if err != nil {
			return fmt.Errorf("error performing sql request: %w", err)
		}
		if n, err := res.RowsAffected(); err != nil {
			return err
		} else if n == 0 {
			return common.ErrNotFound
		}

		query :=
			`UPDATE upload_chunks SET status = $3, size = $4, etag = $5, authorization_expires_at = $6
			WHERE upload_id = $1 AND part_number = $2`

		for _, c := range chunks {
			res, err := tx.ExecContext(ctx, query, uploadID, c.PartNumber, string(c.Status), c.Size, c.ETag, nullTime(c.AuthorizationExpiresAt))
			if err != nil {
				return fmt.Errorf("error performing sql request: %w", err)
			}
			if n, err := res.RowsAffected(); err != nil {
				return err
			} else if n == 0 {
				return common.NewValidationError("partNumber", "no such part")
			}
		}
		return nil
	})
}

func (p *PostgresStore) Transition(ctx context.Context, uploadID string, t Transition) (*models.UploadSession, error) {
	var out *models.UploadSession

	err := dbx.WithTx(ctx, p.db, nil, func(ctx context.Context, tx dbx.DBTX) error {
		args := []any{uploadID, string(t.To), t.Strategy, t.LastError, now()}
		placeholders := make([]string, 0, len(t.From))
		for _, s := range t.From {
			args = append(args, string(s))
			placeholders = append(placeholders, fmt.Sprintf("$%d", len(args)))
		}
		if len(placeholders) == 0 {
			return common.ErrStatusConflict
		}

		query := `UPDATE upload_sessions SET status = $2, strategy = $3, last_error = $4, updated_at = $5
			WHERE upload_id = $1 AND status IN (` + strings.Join(placeholders, ", ") + `)`

		res, err := tx.ExecContext(ctx, query, args...)
		if err != nil {
			return fmt.Errorf("error performing sql request: %w", err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return err
		}
		if n == 0 {
			var current string
			err := tx.QueryRowContext(ctx, `SELECT status FROM upload_sessions WHERE upload_id = $1`, uploadID).Scan(&current)
			if errors.Is(err, sql.ErrNoRows) {
				return common.ErrNotFound
			}
			if err != nil {
				return fmt.Errorf("error performing sql request: %w", err)
			}
			return common.ErrStatusConflict
		}

		out, err = getSession(ctx, tx, uploadID)
		return err
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

func (p *PostgresStore) Delete(ctx context.Context, uploadID string) error {
	res, err := p.db.ExecContext(ctx, `DELETE FROM upload_sessions WHERE upload_id = $1`, uploadID)
	if err != nil {
		return fmt.Errorf("error performing sql request: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return common.ErrNotFound
	}
	return nil
}

func (p *PostgresStore) ListExpired(ctx context.Context, before time.Time, limit int) ([]*models.UploadSession, error) {
	rows, err := p.db.QueryContext(ctx,
		`SELECT upload_id FROM upload_sessions WHERE expires_at <= $1 ORDER BY expires_at LIMIT $2`, before, limit)
	if err != nil {
		return nil, fmt.Errorf("error performing sql request: %w", err)
	}

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			rows.Close()
			return nil, err
		}
		ids = append(ids, id)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}

	out := make([]*models.UploadSession, 0, len(ids))
	for _, id := range ids {
		s, err := p.Get(ctx, id)
		if errors.Is(err, common.ErrNotFound) {
			continue
		}
		if err != nil {
			return nil, err
		}
		out = append(out, s)
	}
	return out, nil
}
