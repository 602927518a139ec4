package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"regexp"
	"strings"

	"github.com/google/uuid"

	"github.com/rendis/bizflow/pkg/schema"
)

var fieldNamePattern = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)

// SubCollection returns the collection path of a child collection owned by a
// parent document, e.g. SubCollection("projects", "p1", "phases") is
// "projects/p1/phases".
func SubCollection(parent, parentID, name string) string {
	return parent + "/" + parentID + "/" + name
}

func (s *LibSQLStore) GetDocument(ctx context.Context, collection, id string) (Document, error) {
	var data string
	err := s.db.QueryRowContext(ctx,
		`SELECT data FROM documents WHERE collection = ? AND id = ?`, collection, id,
	).Scan(&data)
	if err == sql.ErrNoRows {
		return nil, storeNotFound(singular(collection), id)
	}
	if err != nil {
		return nil, err
	}
	return decodeDocument(id, data)
}

// QueryDocuments returns every document of the collection matching all
// filter conditions, in insertion order.
func (s *LibSQLStore) QueryDocuments(ctx context.Context, collection string, filter Filter) ([]Document, error) {
	where := []string{"collection = ?"}
	args := []any{collection}

	for field, value := range filter {
		if !fieldNamePattern.MatchString(field) {
			return nil, schema.NewErrorf(schema.ErrCodeValidation, "invalid filter field %q", field)
		}
		path := "$." + field
		switch v := value.(type) {
		case nil:
			where = append(where, "json_extract(data, ?) IS NULL")
			args = append(args, path)
		case bool:
			// json_extract yields 1/0 for JSON booleans.
			where = append(where, "json_extract(data, ?) = ?")
			args = append(args, path, boolInt(v))
		default:
			where = append(where, "json_extract(data, ?) = ?")
			args = append(args, path, v)
		}
	}

	rows, err := s.db.QueryContext(ctx,
		`SELECT id, data FROM documents WHERE `+strings.Join(where, " AND ")+` ORDER BY seq ASC`, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var docs []Document
	for rows.Next() {
		var id, data string
		if err := rows.Scan(&id, &data); err != nil {
			return nil, err
		}
		doc, err := decodeDocument(id, data)
		if err != nil {
			return nil, err
		}
		docs = append(docs, doc)
	}
	return docs, rows.Err()
}

// InsertDocument stores doc and returns its id. A non-empty "id" key is used
// as the document id; otherwise a new UUID is assigned.
func (s *LibSQLStore) InsertDocument(ctx context.Context, collection string, doc Document) (string, error) {
	if collection == "" {
		return "", schema.NewError(schema.ErrCodeValidation, "collection is required")
	}
	id, _ := doc["id"].(string)
	if id == "" {
		id = uuid.New().String()
	}
	body := make(Document, len(doc))
	for k, v := range doc {
		if k != "id" {
			body[k] = v
		}
	}
	data, err := json.Marshal(body)
	if err != nil {
		return "", fmt.Errorf("marshal document: %w", err)
	}

	now := s.now()
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO documents (collection, id, data, created_at, updated_at) VALUES (?, ?, ?, ?, ?)`,
		collection, id, string(data), now, now,
	)
	if err != nil {
		if strings.Contains(err.Error(), "UNIQUE") {
			return "", schema.NewErrorf(schema.ErrCodeConflict, "%s %q already exists", singular(collection), id).WithCause(err)
		}
		return "", err
	}
	return id, nil
}

// UpdateDocument merges patch into the stored document following JSON merge
// patch rules: nested objects merge, a nil value removes the field.
func (s *LibSQLStore) UpdateDocument(ctx context.Context, collection, id string, patch Document) error {
	body := make(Document, len(patch))
	for k, v := range patch {
		if k != "id" {
			body[k] = v
		}
	}
	if len(body) == 0 {
		return nil
	}
	data, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("marshal patch: %w", err)
	}
	res, err := s.db.ExecContext(ctx,
		`UPDATE documents SET data = json_patch(data, ?), updated_at = ? WHERE collection = ? AND id = ?`,
		string(data), s.now(), collection, id,
	)
	if err != nil {
		return err
	}
	return checkRowsAffected(res, singular(collection), id)
}

// AppendToArray appends value to the array stored under field, creating the
// array when the field is absent.
func (s *LibSQLStore) AppendToArray(ctx context.Context, collection, id, field string, value any) error {
	if !fieldNamePattern.MatchString(field) {
		return schema.NewErrorf(schema.ErrCodeValidation, "invalid array field %q", field)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	var data string
	err = tx.QueryRowContext(ctx,
		`SELECT data FROM documents WHERE collection = ? AND id = ?`, collection, id,
	).Scan(&data)
	if err == sql.ErrNoRows {
		return storeNotFound(singular(collection), id)
	}
	if err != nil {
		return err
	}

	var doc Document
	if err := json.Unmarshal([]byte(data), &doc); err != nil {
		return fmt.Errorf("unmarshal document: %w", err)
	}
	var arr []any
	switch cur := doc[field].(type) {
	case nil:
	case []any:
		arr = cur
	default:
		return schema.NewErrorf(schema.ErrCodeValidation, "field %q of %s %q is not an array", field, singular(collection), id)
	}
	doc[field] = append(arr, value)

	out, err := json.Marshal(doc)
	if err != nil {
		return fmt.Errorf("marshal document: %w", err)
	}
	if _, err := tx.ExecContext(ctx,
		`UPDATE documents SET data = ?, updated_at = ? WHERE collection = ? AND id = ?`,
		string(out), s.now(), collection, id,
	); err != nil {
		return err
	}
	return tx.Commit()
}

func decodeDocument(id, data string) (Document, error) {
	doc := Document{}
	if err := json.Unmarshal([]byte(data), &doc); err != nil {
		return nil, fmt.Errorf("unmarshal document %q: %w", id, err)
	}
	doc["id"] = id
	return doc, nil
}

// singular turns a collection path into a resource label for error messages:
// "projects/p1/phases" becomes "phase", "opportunities" becomes "opportunity".
func singular(collection string) string {
	name := collection
	if i := strings.LastIndex(name, "/"); i >= 0 {
		name = name[i+1:]
	}
	switch {
	case strings.HasSuffix(name, "ss"):
		return name
	case strings.HasSuffix(name, "ies"):
		return strings.TrimSuffix(name, "ies") + "y"
	case strings.HasSuffix(name, "s"):
		return strings.TrimSuffix(name, "s")
	}
	return name
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
