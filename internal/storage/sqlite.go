package storage

import (
	"database/sql"
	"embed"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	_ "modernc.org/sqlite"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// Store wraps a SQLite database with methods for documents and jobs.
type Store struct {
	db *sql.DB
}

// Open opens (or creates) a SQLite database in dataDir and runs pending migrations.
// Pass ":memory:" as dataDir for an in-memory database (used by tests).
func Open(dataDir string) (*Store, error) {
	var dsn string
	if dataDir == ":memory:" {
		dsn = ":memory:"
	} else {
		if err := os.MkdirAll(dataDir, 0o755); err != nil {
			return nil, fmt.Errorf("creating data directory: %w", err)
		}
		dsn = filepath.Join(dataDir, "vellum.db")
	}

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("pinging database: %w", err)
	}

	// Limit to single connection to avoid "database is locked" errors.
	db.SetMaxOpenConns(1)

	// Set busy timeout so concurrent access waits briefly instead of failing immediately.
	if _, err := db.Exec("PRAGMA busy_timeout = 5000"); err != nil {
		db.Close()
		return nil, fmt.Errorf("setting busy timeout: %w", err)
	}

	// Enable WAL mode for better concurrent read performance.
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("setting journal mode: %w", err)
	}

	s := &Store{db: db}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("running migrations: %w", err)
	}

	return s, nil
}

// DB exposes the underlying connection for packages that manage their own
// tables (the vector index) and for tests.
func (s *Store) DB() *sql.DB {
	return s.db
}

// Close closes the underlying database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// migrate reads embedded SQL migration files and applies any that haven't been run yet.
func (s *Store) migrate() error {
	// Ensure schema_version table exists (bootstrap).
	if _, err := s.db.Exec(`CREATE TABLE IF NOT EXISTS schema_version (
		version INTEGER PRIMARY KEY,
		applied_at DATETIME DEFAULT CURRENT_TIMESTAMP
	)`); err != nil {
		return fmt.Errorf("creating schema_version table: %w", err)
	}

	entries, err := migrationsFS.ReadDir("migrations")
	if err != nil {
		return fmt.Errorf("reading migrations directory: %w", err)
	}

	// Sort by filename to guarantee ascending order.
	sort.Slice(entries, func(i, j int) bool {
		return entries[i].Name() < entries[j].Name()
	})

	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".sql") {
			continue
		}

		version, err := parseMigrationVersion(entry.Name())
		if err != nil {
			return err
		}

		// Check if already applied.
		var exists int
		if err := s.db.QueryRow("SELECT COUNT(*) FROM schema_version WHERE version = ?", version).Scan(&exists); err != nil {
			return fmt.Errorf("checking migration %d: %w", version, err)
		}
		if exists > 0 {
			continue
		}

		content, err := migrationsFS.ReadFile("migrations/" + entry.Name())
		if err != nil {
			return fmt.Errorf("reading migration %s: %w", entry.Name(), err)
		}

		tx, err := s.db.Begin()
		if err != nil {
			return fmt.Errorf("beginning transaction for migration %d: %w", version, err)
		}

		if _, err := tx.Exec(string(content)); err != nil {
			tx.Rollback()
			return fmt.Errorf("applying migration %d: %w", version, err)
		}

		if _, err := tx.Exec("INSERT INTO schema_version (version) VALUES (?)", version); err != nil {
			tx.Rollback()
			return fmt.Errorf("recording migration %d: %w", version, err)
		}

		if err := tx.Commit(); err != nil {
			return fmt.Errorf("committing migration %d: %w", version, err)
		}
	}

	return nil
}

func parseMigrationVersion(filename string) (int, error) {
	var version int
	if _, err := fmt.Sscanf(filename, "%d_", &version); err != nil {
		return 0, fmt.Errorf("parsing migration version from %q: %w", filename, err)
	}
	return version, nil
}

// AppliedMigrations returns the list of applied migration versions in ascending order.
func (s *Store) AppliedMigrations() ([]int, error) {
	rows, err := s.db.Query("SELECT version FROM schema_version ORDER BY version ASC")
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var versions []int
	for rows.Next() {
		var v int
		if err := rows.Scan(&v); err != nil {
			return nil, err
		}
		versions = append(versions, v)
	}
	return versions, rows.Err()
}

// --- Documents ---

// SaveDocument inserts a document. Callers must resolve content-hash
// collisions first via GetDocumentByHash; a duplicate hash is an error here.
func (s *Store) SaveDocument(doc Document) error {
	_, err := s.db.Exec(`
		INSERT INTO documents (id, content_hash, name, format, content, caller, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		doc.ID, doc.ContentHash, doc.Name, doc.Format, doc.Content, doc.Caller,
		doc.CreatedAt.UTC().Format(time.RFC3339),
	)
	return err
}

func (s *Store) GetDocument(id string) (Document, error) {
	row := s.db.QueryRow(`
		SELECT id, content_hash, name, format, content, caller, created_at
		FROM documents WHERE id = ?`, id)
	return scanDocument(row)
}

// GetDocumentByHash returns the document with the given content hash.
func (s *Store) GetDocumentByHash(hash string) (Document, error) {
	row := s.db.QueryRow(`
		SELECT id, content_hash, name, format, content, caller, created_at
		FROM documents WHERE content_hash = ?`, hash)
	return scanDocument(row)
}

func scanDocument(row *sql.Row) (Document, error) {
	var d Document
	var createdAt string
	err := row.Scan(&d.ID, &d.ContentHash, &d.Name, &d.Format, &d.Content, &d.Caller, &createdAt)
	if err == sql.ErrNoRows {
		return Document{}, ErrNotFound
	}
	if err != nil {
		return Document{}, err
	}
	t, err := time.Parse(time.RFC3339, createdAt)
	if err != nil {
		return Document{}, fmt.Errorf("parsing created_at: %w", err)
	}
	d.CreatedAt = t
	return d, nil
}

// ListDocuments returns documents newest first, without their content bytes.
func (s *Store) ListDocuments(limit, offset int) ([]Document, error) {
	rows, err := s.db.Query(`
		SELECT id, content_hash, name, format, caller, created_at
		FROM documents ORDER BY created_at DESC LIMIT ? OFFSET ?`, limit, offset)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var results []Document
	for rows.Next() {
		var d Document
		var createdAt string
		if err := rows.Scan(&d.ID, &d.ContentHash, &d.Name, &d.Format, &d.Caller, &createdAt); err != nil {
			return nil, err
		}
		t, err := time.Parse(time.RFC3339, createdAt)
		if err != nil {
			return nil, fmt.Errorf("parsing created_at: %w", err)
		}
		d.CreatedAt = t
		results = append(results, d)
	}
	return results, rows.Err()
}

func (s *Store) DeleteDocument(id string) error {
	res, err := s.db.Exec("DELETE FROM documents WHERE id = ?", id)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

// --- Jobs ---

func (s *Store) CreateJob(job Job) error {
	now := time.Now().UTC().Format(time.RFC3339)
	runAfter := now
	if !job.RunAfter.IsZero() {
		runAfter = job.RunAfter.UTC().Format(time.RFC3339)
	}
	maxAttempts := job.MaxAttempts
	if maxAttempts == 0 {
		maxAttempts = 3
	}
	_, err := s.db.Exec(`
		INSERT INTO jobs (id, document_id, state, attempts, max_attempts, run_after, created_at, updated_at)
		VALUES (?, ?, 'queued', 0, ?, ?, ?, ?)`,
		job.ID, job.DocumentID, maxAttempts, runAfter, now, now,
	)
	return err
}

const jobColumns = `id, document_id, state, attempts, max_attempts, error_kind, error_detail,
	cancel_requested, run_after, lease_expires_at, created_at, updated_at`

func (s *Store) GetJob(id string) (Job, error) {
	row := s.db.QueryRow(`SELECT `+jobColumns+` FROM jobs WHERE id = ?`, id)
	j, err := scanJob(row.Scan)
	if err == sql.ErrNoRows {
		return Job{}, ErrNotFound
	}
	return j, err
}

// ActiveJobForDocument returns the non-terminal job for a document, if any.
// This is the dedup lookup: at most one such job exists per document.
func (s *Store) ActiveJobForDocument(documentID string) (Job, error) {
	row := s.db.QueryRow(`SELECT `+jobColumns+` FROM jobs
		WHERE document_id = ? AND state NOT IN ('completed', 'failed', 'cancelled')
		ORDER BY created_at DESC LIMIT 1`, documentID)
	j, err := scanJob(row.Scan)
	if err == sql.ErrNoRows {
		return Job{}, ErrNotFound
	}
	return j, err
}

func (s *Store) ListJobs(limit, offset int) ([]Job, error) {
	rows, err := s.db.Query(`SELECT `+jobColumns+` FROM jobs
		ORDER BY created_at DESC LIMIT ? OFFSET ?`, limit, offset)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var results []Job
	for rows.Next() {
		j, err := scanJob(rows.Scan)
		if err != nil {
			return nil, err
		}
		results = append(results, j)
	}
	return results, rows.Err()
}

func scanJob(scan func(...any) error) (Job, error) {
	var j Job
	var runAfter, createdAt, updatedAt string
	var leaseExpires sql.NullString
	var cancelRequested int
	err := scan(&j.ID, &j.DocumentID, (*string)(&j.State), &j.Attempts, &j.MaxAttempts,
		(*string)(&j.ErrorKind), &j.ErrorDetail, &cancelRequested, &runAfter, &leaseExpires,
		&createdAt, &updatedAt)
	if err != nil {
		return Job{}, err
	}
	j.CancelRequested = cancelRequested != 0
	if j.RunAfter, err = time.Parse(time.RFC3339, runAfter); err != nil {
		return Job{}, fmt.Errorf("parsing run_after: %w", err)
	}
	if j.CreatedAt, err = time.Parse(time.RFC3339, createdAt); err != nil {
		return Job{}, fmt.Errorf("parsing created_at: %w", err)
	}
	if j.UpdatedAt, err = time.Parse(time.RFC3339, updatedAt); err != nil {
		return Job{}, fmt.Errorf("parsing updated_at: %w", err)
	}
	if leaseExpires.Valid && leaseExpires.String != "" {
		if j.LeaseExpiresAt, err = time.Parse(time.RFC3339, leaseExpires.String); err != nil {
			return Job{}, fmt.Errorf("parsing lease_expires_at: %w", err)
		}
	}
	return j, nil
}

// ClaimNextJob atomically takes the oldest due queued job, moving it to the
// extracting state and granting the caller a lease. Returns nil when no job
// is due.
func (s *Store) ClaimNextJob(lease time.Duration) (*Job, error) {
	now := time.Now().UTC()
	nowStr := now.Format(time.RFC3339)

	tx, err := s.db.Begin()
	if err != nil {
		return nil, fmt.Errorf("beginning claim transaction: %w", err)
	}

	row := tx.QueryRow(`SELECT `+jobColumns+` FROM jobs
		WHERE state = 'queued' AND run_after <= ?
		ORDER BY run_after ASC, created_at ASC
		LIMIT 1`, nowStr)
	j, err := scanJob(row.Scan)
	if err == sql.ErrNoRows {
		tx.Rollback()
		return nil, nil
	}
	if err != nil {
		tx.Rollback()
		return nil, fmt.Errorf("selecting next job: %w", err)
	}

	leaseExpires := now.Add(lease).Format(time.RFC3339)
	res, err := tx.Exec(`UPDATE jobs SET state = 'extracting', lease_expires_at = ?, updated_at = ?
		WHERE id = ? AND state = 'queued'`, leaseExpires, nowStr, j.ID)
	if err != nil {
		tx.Rollback()
		return nil, fmt.Errorf("updating job state: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		tx.Rollback()
		return nil, fmt.Errorf("checking updated job rows: %w", err)
	}
	if n != 1 {
		tx.Rollback()
		return nil, nil
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("committing claim: %w", err)
	}

	j.State = StateExtracting
	j.LeaseExpiresAt = now.Add(lease)
	j.UpdatedAt = now
	return &j, nil
}

// RequeueExpiredLeases re-delivers in-flight jobs whose worker disappeared.
// Each requeue counts as a failed attempt so a crash-looping job still
// terminates after max_attempts. Returns the number of jobs touched.
func (s *Store) RequeueExpiredLeases() (int, error) {
	now := time.Now().UTC()
	nowStr := now.Format(time.RFC3339)

	rows, err := s.db.Query(`SELECT id, attempts, max_attempts FROM jobs
		WHERE state IN ('extracting', 'chunking', 'embedding', 'indexing')
		AND lease_expires_at IS NOT NULL AND lease_expires_at <= ?`, nowStr)
	if err != nil {
		return 0, fmt.Errorf("querying expired leases: %w", err)
	}
	type expired struct {
		id                    string
		attempts, maxAttempts int
	}
	var found []expired
	for rows.Next() {
		var e expired
		if err := rows.Scan(&e.id, &e.attempts, &e.maxAttempts); err != nil {
			rows.Close()
			return 0, err
		}
		found = append(found, e)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return 0, err
	}

	requeued := 0
	for _, e := range found {
		attempts := e.attempts + 1
		var res sql.Result
		if attempts >= e.maxAttempts {
			res, err = s.db.Exec(`UPDATE jobs
				SET state = 'failed', attempts = ?, error_kind = ?, error_detail = 'worker lease expired',
				    lease_expires_at = NULL, updated_at = ?
				WHERE id = ? AND lease_expires_at <= ?`,
				attempts, string(ErrKindTimeout), nowStr, e.id, nowStr)
		} else {
			backoff := time.Duration(math.Pow(2, float64(attempts))) * time.Second
			res, err = s.db.Exec(`UPDATE jobs
				SET state = 'queued', attempts = ?, error_detail = 'worker lease expired',
				    lease_expires_at = NULL, run_after = ?, updated_at = ?
				WHERE id = ? AND lease_expires_at <= ?`,
				attempts, now.Add(backoff).Format(time.RFC3339), nowStr, e.id, nowStr)
		}
		if err != nil {
			return requeued, fmt.Errorf("requeueing job %s: %w", e.id, err)
		}
		if n, err := res.RowsAffected(); err == nil && n == 1 {
			requeued++
		}
	}
	return requeued, nil
}

// TransitionJob moves a job from one state to another in a single atomic
// update. Returns ErrNotFound if the job is not currently in the from state,
// which callers use to detect lost ownership after a lease expiry.
func (s *Store) TransitionJob(id string, from, to JobState) error {
	now := time.Now().UTC().Format(time.RFC3339)
	var res sql.Result
	var err error
	if to == StateCancelled {
		res, err = s.db.Exec(`UPDATE jobs SET state = ?, error_kind = ?, lease_expires_at = NULL, updated_at = ?
			WHERE id = ? AND state = ?`, string(to), string(ErrKindCancelled), now, id, string(from))
	} else if to.Terminal() {
		res, err = s.db.Exec(`UPDATE jobs SET state = ?, lease_expires_at = NULL, updated_at = ?
			WHERE id = ? AND state = ?`, string(to), now, id, string(from))
	} else {
		res, err = s.db.Exec(`UPDATE jobs SET state = ?, updated_at = ?
			WHERE id = ? AND state = ?`, string(to), now, id, string(from))
	}
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

// FailJob records a stage failure. Retryable kinds are requeued with
// exponential backoff until max_attempts is reached; everything else is
// terminal immediately.
func (s *Store) FailJob(id string, kind ErrorKind, detail string) error {
	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("beginning fail transaction: %w", err)
	}
	defer tx.Rollback()

	var attempts, maxAttempts int
	var state string
	err = tx.QueryRow(`SELECT attempts, max_attempts, state FROM jobs WHERE id = ?`, id).
		Scan(&attempts, &maxAttempts, &state)
	if err == sql.ErrNoRows {
		return ErrNotFound
	}
	if err != nil {
		return err
	}
	if JobState(state).Terminal() {
		return fmt.Errorf("job %s already terminal (%s)", id, state)
	}

	now := time.Now().UTC()
	attempts++

	if kind.Retryable() && attempts < maxAttempts {
		backoff := time.Duration(math.Pow(2, float64(attempts))) * time.Second
		runAfter := now.Add(backoff)
		_, err = tx.Exec(`UPDATE jobs
			SET state = 'queued', attempts = ?, error_kind = ?, error_detail = ?,
			    lease_expires_at = NULL, run_after = ?, updated_at = ?
			WHERE id = ?`,
			attempts, string(kind), detail, runAfter.Format(time.RFC3339), now.Format(time.RFC3339), id)
	} else {
		_, err = tx.Exec(`UPDATE jobs
			SET state = 'failed', attempts = ?, error_kind = ?, error_detail = ?,
			    lease_expires_at = NULL, updated_at = ?
			WHERE id = ?`,
			attempts, string(kind), detail, now.Format(time.RFC3339), id)
	}
	if err != nil {
		return err
	}

	return tx.Commit()
}

// RequestCancel flags a job for cancellation. Queued jobs are cancelled on
// the spot; running jobs are picked up by the worker at the next stage
// boundary.
func (s *Store) RequestCancel(id string) (Job, error) {
	now := time.Now().UTC().Format(time.RFC3339)

	tx, err := s.db.Begin()
	if err != nil {
		return Job{}, fmt.Errorf("beginning cancel transaction: %w", err)
	}
	defer tx.Rollback()

	row := tx.QueryRow(`SELECT `+jobColumns+` FROM jobs WHERE id = ?`, id)
	j, err := scanJob(row.Scan)
	if err == sql.ErrNoRows {
		return Job{}, ErrNotFound
	}
	if err != nil {
		return Job{}, err
	}
	if j.State.Terminal() {
		return j, nil
	}

	if j.State == StateQueued {
		if _, err := tx.Exec(`UPDATE jobs SET state = 'cancelled', cancel_requested = 1,
			error_kind = ?, updated_at = ? WHERE id = ?`, string(ErrKindCancelled), now, id); err != nil {
			return Job{}, err
		}
		j.State = StateCancelled
	} else {
		if _, err := tx.Exec(`UPDATE jobs SET cancel_requested = 1, updated_at = ? WHERE id = ?`, now, id); err != nil {
			return Job{}, err
		}
	}
	j.CancelRequested = true

	if err := tx.Commit(); err != nil {
		return Job{}, err
	}
	return j, nil
}
