package store

import (
	"context"
	"database/sql"
	"errors"
	"sync"
	"time"

	"pdcaflow/internal/domain"
)

// Store is the record store: documents, raw field entries, references and
// the search index, all backed by SQLite.
type Store struct {
	DB  *sql.DB
	Now func() time.Time

	mu    sync.Mutex
	cache map[string]domain.Document
}

var ErrNotFound = errors.New("not found")

func New(db *sql.DB) *Store {
	return &Store{DB: db, Now: time.Now, cache: map[string]domain.Document{}}
}

func (s *Store) now() time.Time {
	if s.Now != nil {
		return s.Now()
	}
	return time.Now()
}

func scanDocument(row *sql.Row) (domain.Document, error) {
	var d domain.Document
	var deadline sql.NullString
	err := row.Scan(&d.ID, &d.Module, &d.CategoryID, &d.Name, &d.StatusID, &d.StationID, &d.ReportedBy, &deadline, &d.CreatedAt, &d.UpdatedAt)
	if err == sql.ErrNoRows {
		return d, ErrNotFound
	}
	if deadline.Valid {
		d.Deadline = &deadline.String
	}
	return d, err
}

const documentColumns = `id,module,category_id,name,status_id,station_id,reported_by,deadline,created_at,updated_at`

// CreateDocument inserts a new document row.
func (s *Store) CreateDocument(ctx context.Context, d domain.Document) error {
	now := s.now().UTC().Format(time.RFC3339)
	if d.CreatedAt == "" {
		d.CreatedAt = now
	}
	if d.UpdatedAt == "" {
		d.UpdatedAt = now
	}
	_, err := s.DB.ExecContext(ctx, `INSERT INTO documents(id,module,category_id,name,status_id,station_id,reported_by,deadline,created_at,updated_at) VALUES (?,?,?,?,?,?,?,?,?,?)`,
		d.ID, d.Module, d.CategoryID, d.Name, d.StatusID, d.StationID, d.ReportedBy, nullableStringPtr(d.Deadline), d.CreatedAt, d.UpdatedAt)
	return err
}

// GetDocument fetches a document by id, served from the read-through cache
// when possible.
func (s *Store) GetDocument(ctx context.Context, id string) (domain.Document, error) {
	s.mu.Lock()
	if d, ok := s.cache[id]; ok {
		s.mu.Unlock()
		return d, nil
	}
	s.mu.Unlock()
	return s.GetDocumentFresh(ctx, id)
}

// GetDocumentFresh bypasses the cache and reads the current row, refreshing
// the cache on the way out. Callers that just mutated related state use this
// to observe their own writes.
func (s *Store) GetDocumentFresh(ctx context.Context, id string) (domain.Document, error) {
	d, err := scanDocument(s.DB.QueryRowContext(ctx, `SELECT `+documentColumns+` FROM documents WHERE id=? AND deleted='N'`, id))
	if err != nil {
		return d, err
	}
	s.mu.Lock()
	s.cache[id] = d
	s.mu.Unlock()
	return d, nil
}

// SaveDocument updates a document and invalidates its cache entry.
func (s *Store) SaveDocument(ctx context.Context, d domain.Document) error {
	d.UpdatedAt = s.now().UTC().Format(time.RFC3339)
	res, err := s.DB.ExecContext(ctx, `UPDATE documents SET name=?, status_id=?, station_id=?, reported_by=?, deadline=?, updated_at=? WHERE id=? AND deleted='N'`,
		d.Name, d.StatusID, d.StationID, d.ReportedBy, nullableStringPtr(d.Deadline), d.UpdatedAt, d.ID)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	s.invalidate(d.ID)
	return nil
}

// DeleteDocument removes a document with its field entries, references and
// index row.
func (s *Store) DeleteDocument(ctx context.Context, id string) error {
	tx, err := s.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	res, err := tx.ExecContext(ctx, `DELETE FROM documents WHERE id=?`, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM field_entries WHERE document_id=?`, id); err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM doc_references WHERE source_id=? OR target_id=?`, id, id); err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM search_index WHERE document_id=?`, id); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return err
	}
	s.invalidate(id)
	return nil
}

// ListDocuments returns non-deleted documents of a module and category.
func (s *Store) ListDocuments(ctx context.Context, module, categoryID string) ([]domain.Document, error) {
	rows, err := s.DB.QueryContext(ctx, `SELECT `+documentColumns+` FROM documents WHERE module=? AND category_id=? AND deleted='N' ORDER BY created_at DESC, id DESC`, module, categoryID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectDocuments(rows)
}

// ForceIndex refreshes the search-index row for a document immediately.
// Access filtering downstream depends on new tasks being indexed promptly.
func (s *Store) ForceIndex(ctx context.Context, d domain.Document) error {
	now := s.now().UTC().Format(time.RFC3339)
	_, err := s.DB.ExecContext(ctx, `INSERT INTO search_index(document_id,module,category_id,indexed_at) VALUES (?,?,?,?)
ON CONFLICT(document_id) DO UPDATE SET module=excluded.module, category_id=excluded.category_id, indexed_at=excluded.indexed_at`,
		d.ID, d.Module, d.CategoryID, now)
	return err
}

// IndexedAt returns the index timestamp for a document, ErrNotFound if the
// document was never indexed.
func (s *Store) IndexedAt(ctx context.Context, documentID string) (string, error) {
	var ts string
	err := s.DB.QueryRowContext(ctx, `SELECT indexed_at FROM search_index WHERE document_id=?`, documentID).Scan(&ts)
	if err == sql.ErrNoRows {
		return "", ErrNotFound
	}
	return ts, err
}

// MediaFilesFor returns photos bound to an inspection question.
func (s *Store) MediaFilesFor(ctx context.Context, bind, module, itemID string) ([]domain.MediaFile, error) {
	rows, err := s.DB.QueryContext(ctx, `SELECT id,bind,item_id,module,content FROM media_files WHERE bind=? AND module=? AND item_id=?`, bind, module, itemID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.MediaFile
	for rows.Next() {
		var m domain.MediaFile
		if err := rows.Scan(&m.ID, &m.Bind, &m.ItemID, &m.Module, &m.Content); err != nil {
			return nil, err
		}
		res = append(res, m)
	}
	return res, rows.Err()
}

// UserEmail resolves the email address for a user id.
func (s *Store) UserEmail(ctx context.Context, id string) (string, error) {
	var email string
	err := s.DB.QueryRowContext(ctx, `SELECT email FROM users WHERE id=?`, id).Scan(&email)
	if err == sql.ErrNoRows {
		return "", ErrNotFound
	}
	return email, err
}

// EnsureUser inserts a user row if missing.
func (s *Store) EnsureUser(ctx context.Context, id, name, email string) error {
	_, err := s.DB.ExecContext(ctx, `INSERT INTO users(id,name,email) VALUES (?,?,?) ON CONFLICT(id) DO NOTHING`, id, name, email)
	return err
}

func (s *Store) invalidate(id string) {
	s.mu.Lock()
	delete(s.cache, id)
	s.mu.Unlock()
}

func collectDocuments(rows *sql.Rows) ([]domain.Document, error) {
	var res []domain.Document
	for rows.Next() {
		var d domain.Document
		var deadline sql.NullString
		if err := rows.Scan(&d.ID, &d.Module, &d.CategoryID, &d.Name, &d.StatusID, &d.StationID, &d.ReportedBy, &deadline, &d.CreatedAt, &d.UpdatedAt); err != nil {
			return nil, err
		}
		if deadline.Valid {
			d.Deadline = &deadline.String
		}
		res = append(res, d)
	}
	return res, rows.Err()
}

func nullable(v string) any {
	if v == "" {
		return nil
	}
	return v
}

func nullableStringPtr(v *string) any {
	if v == nil {
		return nil
	}
	return *v
}
