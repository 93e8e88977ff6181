package store

import (
	"context"
	"database/sql"

	"pdcaflow/internal/domain"
)

// AddReference links two documents. FieldID tags the link with the trigger
// field that caused it; pass "" for untyped links.
func (s *Store) AddReference(ctx context.Context, ref domain.Reference) error {
	_, err := s.DB.ExecContext(ctx, `INSERT INTO doc_references(source_id,target_id,field_id) VALUES (?,?,?)
ON CONFLICT(source_id,target_id,field_id) DO NOTHING`,
		ref.SourceID, ref.TargetID, ref.FieldID)
	return err
}

// ReferencedDocuments returns documents linked to the given one in either
// direction, restricted to a category when categoryID is non-empty and to a
// field tag when fieldID is non-empty. Deleted documents are excluded, so
// the result reflects the live sibling set.
func (s *Store) ReferencedDocuments(ctx context.Context, documentID, categoryID, fieldID string) ([]domain.Document, error) {
	query := `SELECT DISTINCT d.` + joinDocumentColumns() + `
FROM doc_references r
JOIN documents d ON d.id = CASE WHEN r.source_id=? THEN r.target_id ELSE r.source_id END
WHERE (r.source_id=? OR r.target_id=?) AND d.deleted='N'`
	args := []any{documentID, documentID, documentID}
	if categoryID != "" {
		query += ` AND d.category_id=?`
		args = append(args, categoryID)
	}
	if fieldID != "" {
		query += ` AND r.field_id=?`
		args = append(args, fieldID)
	}
	query += ` ORDER BY d.id ASC`
	rows, err := s.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectDocuments(rows)
}

// ParentInspectionID resolves the inspection a task belongs to via its
// outgoing reference into the inspection module.
func (s *Store) ParentInspectionID(ctx context.Context, taskID string, taskCategoryID string) (string, error) {
	var id string
	err := s.DB.QueryRowContext(ctx, `SELECT r.target_id
FROM doc_references r
JOIN documents d ON d.id = r.target_id
WHERE r.source_id=? AND d.module=? AND d.category_id != ? AND d.deleted='N'
LIMIT 1`, taskID, domain.ModuleInspection, taskCategoryID).Scan(&id)
	if err == sql.ErrNoRows {
		return "", ErrNotFound
	}
	return id, err
}

func joinDocumentColumns() string {
	return `id, d.module, d.category_id, d.name, d.status_id, d.station_id, d.reported_by, d.deadline, d.created_at, d.updated_at`
}
