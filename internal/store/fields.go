package store

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	"pdcaflow/internal/domain"
)

// SetField writes a raw field entry, replacing an existing value at the same
// sequence slot.
func (s *Store) SetField(ctx context.Context, e domain.FieldEntry) error {
	if e.Language == "" {
		e.Language = "nl"
	}
	_, err := s.DB.ExecContext(ctx, `INSERT INTO field_entries(document_id,field_id,seq,value,language,module) VALUES (?,?,?,?,?,?)
ON CONFLICT(document_id,field_id,seq) DO UPDATE SET value=excluded.value, language=excluded.language, module=excluded.module`,
		e.DocumentID, e.FieldID, e.Seq, e.Value, e.Language, e.Module)
	return err
}

// GetField returns the first stored value of a field on a document.
func (s *Store) GetField(ctx context.Context, documentID, fieldID string) (string, error) {
	var v string
	err := s.DB.QueryRowContext(ctx, `SELECT value FROM field_entries WHERE document_id=? AND field_id=? ORDER BY seq ASC LIMIT 1`, documentID, fieldID).Scan(&v)
	if err == sql.ErrNoRows {
		return "", ErrNotFound
	}
	return v, err
}

// GetFieldValues returns all stored values of a field on a document, in
// sequence order. Multi-value fields (inform departments) use this.
func (s *Store) GetFieldValues(ctx context.Context, documentID, fieldID string) ([]string, error) {
	rows, err := s.DB.QueryContext(ctx, `SELECT value FROM field_entries WHERE document_id=? AND field_id=? ORDER BY seq ASC`, documentID, fieldID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []string
	for rows.Next() {
		var v string
		if err := rows.Scan(&v); err != nil {
			return nil, err
		}
		res = append(res, v)
	}
	return res, rows.Err()
}

// FieldDefByAlias resolves a field id by its alias within a table.
func (s *Store) FieldDefByAlias(ctx context.Context, tableID, alias string) (string, error) {
	var id string
	err := s.DB.QueryRowContext(ctx, `SELECT id FROM field_defs WHERE table_id=? AND alias=? AND deleted='N' LIMIT 1`, tableID, alias).Scan(&id)
	if err == sql.ErrNoRows {
		return "", ErrNotFound
	}
	return id, err
}

// FieldDefsByAliases resolves a set of aliases within a table to field ids.
// Aliases that do not resolve are absent from the result.
func (s *Store) FieldDefsByAliases(ctx context.Context, tableID string, aliases []string) (map[string]string, error) {
	if len(aliases) == 0 {
		return map[string]string{}, nil
	}
	placeholders := strings.TrimSuffix(strings.Repeat("?,", len(aliases)), ",")
	args := []any{tableID}
	for _, a := range aliases {
		args = append(args, a)
	}
	rows, err := s.DB.QueryContext(ctx, fmt.Sprintf(`SELECT id, alias FROM field_defs WHERE table_id=? AND alias IN (%s) AND deleted='N'`, placeholders), args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	res := map[string]string{}
	for rows.Next() {
		var id, alias string
		if err := rows.Scan(&id, &alias); err != nil {
			return nil, err
		}
		res[alias] = id
	}
	return res, rows.Err()
}

// TriggerFields returns the trigger field configuration of a category,
// ordered by field id so plan derivation is stable.
func (s *Store) TriggerFields(ctx context.Context, categoryID, module string) ([]domain.TriggerField, error) {
	rows, err := s.DB.QueryContext(ctx, `SELECT id, table_id, module, params FROM field_defs WHERE table_id=? AND module=? AND field_type='trigger' AND deleted='N' ORDER BY id ASC`, categoryID, module)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.TriggerField
	for rows.Next() {
		var f domain.TriggerField
		if err := rows.Scan(&f.ID, &f.CategoryID, &f.Module, &f.Params); err != nil {
			return nil, err
		}
		res = append(res, f)
	}
	return res, rows.Err()
}

// LookupByValue finds the document holding a given value in a given field.
// This is the foreign-key-by-value relation of the procedure table: the row
// whose question-alias field stores the trigger field's id. It is modelled
// here, at the data-access layer, as an indexed (field, value) lookup.
func (s *Store) LookupByValue(ctx context.Context, fieldID, value string) (string, error) {
	var id string
	err := s.DB.QueryRowContext(ctx, `SELECT document_id FROM field_entries WHERE field_id=? AND value=? LIMIT 1`, fieldID, value).Scan(&id)
	if err == sql.ErrNoRows {
		return "", ErrNotFound
	}
	return id, err
}

// FieldValuesByIDs returns the stored values of several fields on one
// document, keyed by field id. Missing fields are simply absent.
func (s *Store) FieldValuesByIDs(ctx context.Context, documentID string, fieldIDs []string) (map[string]string, error) {
	if len(fieldIDs) == 0 {
		return map[string]string{}, nil
	}
	placeholders := strings.TrimSuffix(strings.Repeat("?,", len(fieldIDs)), ",")
	args := []any{documentID}
	for _, id := range fieldIDs {
		args = append(args, id)
	}
	rows, err := s.DB.QueryContext(ctx, fmt.Sprintf(`SELECT field_id, value FROM field_entries WHERE document_id=? AND field_id IN (%s) ORDER BY seq ASC`, placeholders), args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	res := map[string]string{}
	for rows.Next() {
		var fieldID, value string
		if err := rows.Scan(&fieldID, &value); err != nil {
			return nil, err
		}
		if _, ok := res[fieldID]; !ok {
			res[fieldID] = value
		}
	}
	return res, rows.Err()
}

// UpsertFieldDef registers a field definition. Used by seeding and tests.
func (s *Store) UpsertFieldDef(ctx context.Context, id, tableID, module, alias, fieldType, params string) error {
	_, err := s.DB.ExecContext(ctx, `INSERT INTO field_defs(id,table_id,module,alias,field_type,params) VALUES (?,?,?,?,?,?)
ON CONFLICT(id) DO UPDATE SET table_id=excluded.table_id, module=excluded.module, alias=excluded.alias, field_type=excluded.field_type, params=excluded.params`,
		id, tableID, module, alias, fieldType, params)
	return err
}
