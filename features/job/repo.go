package job

import (
	"context"
	"database/sql"
)

type Repository interface {
	Save(ctx context.Context, job *Job) error
	List(ctx context.Context) ([]Job, error)
	Get(ctx context.Context, id string) (*Job, error)
	Delete(ctx context.Context, id string) error
	Count(ctx context.Context) (int, error)
}

type PostgresRepo struct {
	db *sql.DB
}

func NewPostgresRepo(db *sql.DB) *PostgresRepo {
	return &PostgresRepo{db: db}
}

func (r *PostgresRepo) Save(ctx context.Context, job *Job) error {
	query := `INSERT INTO dead_letter_jobs (job_id, url, status, error, retries, created_at) VALUES ($1, $2, $3, $4, $5, $6) RETURNING id, archived_at`
	return r.db.QueryRowContext(ctx, query, job.JobID, job.URL, job.Status, job.Error, job.Retries, job.CreatedAt).Scan(&job.ID, &job.ArchivedAt)
}

func (r *PostgresRepo) List(ctx context.Context) ([]Job, error) {
	query := `SELECT id, job_id, url, status, error, retries, created_at, archived_at FROM dead_letter_jobs ORDER BY archived_at DESC`
	rows, err := r.db.QueryContext(ctx, query)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var jobs []Job
	for rows.Next() {
		var j Job
		if err := rows.Scan(&j.ID, &j.JobID, &j.URL, &j.Status, &j.Error, &j.Retries, &j.CreatedAt, &j.ArchivedAt); err != nil {
			return nil, err
		}
		jobs = append(jobs, j)
	}
	return jobs, rows.Err()
}

func (r *PostgresRepo) Get(ctx context.Context, id string) (*Job, error) {
	j := &Job{}
	query := `SELECT id, job_id, url, status, error, retries, created_at, archived_at FROM dead_letter_jobs WHERE id = $1`
	err := r.db.QueryRowContext(ctx, query, id).Scan(&j.ID, &j.JobID, &j.URL, &j.Status, &j.Error, &j.Retries, &j.CreatedAt, &j.ArchivedAt)
	if err != nil {
		return nil, err
	}
	return j, nil
}

func (r *PostgresRepo) Delete(ctx context.Context, id string) error {
	query := `DELETE FROM dead_letter_jobs WHERE id = $1`
	_, err := r.db.ExecContext(ctx, query, id)
	return err
}

func (r *PostgresRepo) Count(ctx context.Context) (int, error) {
	var count int
	query := `SELECT COUNT(*) FROM dead_letter_jobs`
	err := r.db.QueryRowContext(ctx, query).Scan(&count)
	return count, err
}
