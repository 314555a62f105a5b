package repo

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"commandcore/internal/domain"
)

type Repo struct {
	DB *sql.DB
}

var ErrNotFound = errors.New("not found")

// --- messages ---

func (r Repo) InsertMessageTx(ctx context.Context, tx *sql.Tx, m domain.Message) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO messages(id,role,content,type,model,created_at) VALUES (?,?,?,?,?,?)`,
		m.ID, m.Role, m.Content, nullable(m.Type), nullable(m.Model), m.CreatedAt)
	return err
}

func (r Repo) GetMessage(ctx context.Context, id string) (domain.Message, error) {
	row := r.DB.QueryRowContext(ctx, `SELECT id,role,content,COALESCE(type,''),COALESCE(model,''),created_at FROM messages WHERE id=?`, id)
	var m domain.Message
	err := row.Scan(&m.ID, &m.Role, &m.Content, &m.Type, &m.Model, &m.CreatedAt)
	if err == sql.ErrNoRows {
		return m, ErrNotFound
	}
	return m, err
}

// ListMessages returns messages most recent first.
func (r Repo) ListMessages(ctx context.Context, limit int) ([]domain.Message, error) {
	return r.ListMessagesWithCursor(ctx, limit, "", "")
}

func (r Repo) ListMessagesWithCursor(ctx context.Context, limit int, cursorCreatedAt, cursorID string) ([]domain.Message, error) {
	var clauses []string
	var args []any
	if cursorCreatedAt != "" && cursorID != "" {
		clauses = append(clauses, "(created_at < ? OR (created_at = ? AND id < ?))")
		args = append(args, cursorCreatedAt, cursorCreatedAt, cursorID)
	}
	query := `SELECT id,role,content,COALESCE(type,''),COALESCE(model,''),created_at FROM messages`
	if len(clauses) > 0 {
		query += " WHERE " + strings.Join(clauses, " AND ")
	}
	query += ` ORDER BY created_at DESC, id DESC`
	if limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", limit)
	}
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Message
	for rows.Next() {
		var m domain.Message
		if err := rows.Scan(&m.ID, &m.Role, &m.Content, &m.Type, &m.Model, &m.CreatedAt); err != nil {
			return nil, err
		}
		res = append(res, m)
	}
	return res, rows.Err()
}

func (r Repo) CountMessages(ctx context.Context) (int, error) {
	var n int
	err := r.DB.QueryRowContext(ctx, `SELECT count(*) FROM messages`).Scan(&n)
	return n, err
}

// --- assets ---

func (r Repo) InsertAsset(ctx context.Context, a domain.Asset) error {
	tagsJSON, err := marshalTags(a.Tags)
	if err != nil {
		return err
	}
	_, err = r.DB.ExecContext(ctx, `INSERT INTO assets(id,name,mime_type,content,alt_text,tags_json,is_analyzing,size_bytes,created_at) VALUES (?,?,?,?,?,?,?,?,?)`,
		a.ID, a.Name, a.MimeType, a.Content, nullable(a.AltText), tagsJSON, boolToInt(a.IsAnalyzing), a.SizeBytes, a.CreatedAt)
	return err
}

// GetAsset returns one asset including its binary content.
func (r Repo) GetAsset(ctx context.Context, id string) (domain.Asset, error) {
	row := r.DB.QueryRowContext(ctx, `SELECT id,name,mime_type,content,COALESCE(alt_text,''),COALESCE(tags_json,''),is_analyzing,size_bytes,created_at FROM assets WHERE id=?`, id)
	return scanAsset(row)
}

// ListAssets returns asset metadata most recent first, without content.
func (r Repo) ListAssets(ctx context.Context) ([]domain.Asset, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT id,name,mime_type,COALESCE(alt_text,''),COALESCE(tags_json,''),is_analyzing,size_bytes,created_at FROM assets ORDER BY created_at DESC, id DESC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Asset
	for rows.Next() {
		var a domain.Asset
		var tagsJSON string
		var analyzing int
		if err := rows.Scan(&a.ID, &a.Name, &a.MimeType, &a.AltText, &tagsJSON, &analyzing, &a.SizeBytes, &a.CreatedAt); err != nil {
			return nil, err
		}
		a.IsAnalyzing = analyzing != 0
		if a.Tags, err = unmarshalTags(tagsJSON); err != nil {
			return nil, err
		}
		res = append(res, a)
	}
	return res, rows.Err()
}

// SetAssetAnalysis records a completed analysis on exactly one asset.
func (r Repo) SetAssetAnalysis(ctx context.Context, id, altText string, tags []string) error {
	tagsJSON, err := marshalTags(tags)
	if err != nil {
		return err
	}
	res, err := r.DB.ExecContext(ctx, `UPDATE assets SET alt_text=?, tags_json=?, is_analyzing=0 WHERE id=?`,
		nullable(altText), tagsJSON, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// ClearAssetAnalyzing clears the analyzing flag without touching alt-text or tags.
func (r Repo) ClearAssetAnalyzing(ctx context.Context, id string) error {
	res, err := r.DB.ExecContext(ctx, `UPDATE assets SET is_analyzing=0 WHERE id=?`, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func scanAsset(row *sql.Row) (domain.Asset, error) {
	var a domain.Asset
	var tagsJSON string
	var analyzing int
	err := row.Scan(&a.ID, &a.Name, &a.MimeType, &a.Content, &a.AltText, &tagsJSON, &analyzing, &a.SizeBytes, &a.CreatedAt)
	if err == sql.ErrNoRows {
		return a, ErrNotFound
	}
	if err != nil {
		return a, err
	}
	a.IsAnalyzing = analyzing != 0
	a.Tags, err = unmarshalTags(tagsJSON)
	return a, err
}

// --- events ---

func (r Repo) LatestEvents(ctx context.Context, limit int, evtType, entityKind, entityID string) ([]domain.Event, error) {
	clauses := []string{"1=1"}
	var args []any
	if evtType != "" {
		clauses = append(clauses, "type=?")
		args = append(args, evtType)
	}
	if entityKind != "" {
		clauses = append(clauses, "entity_kind=?")
		args = append(args, entityKind)
	}
	if entityID != "" {
		clauses = append(clauses, "entity_id=?")
		args = append(args, entityID)
	}
	query := `SELECT id,ts,type,entity_kind,COALESCE(entity_id,''),actor_id,payload_json FROM events WHERE ` +
		strings.Join(clauses, " AND ") + ` ORDER BY id DESC`
	if limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", limit)
	}
	return r.queryEvents(ctx, query, args...)
}

// EventsAfter returns up to limit events with id greater than cursor, oldest first.
func (r Repo) EventsAfter(ctx context.Context, limit int, cursor int64) ([]domain.Event, error) {
	query := `SELECT id,ts,type,entity_kind,COALESCE(entity_id,''),actor_id,payload_json FROM events WHERE id > ? ORDER BY id ASC`
	if limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", limit)
	}
	return r.queryEvents(ctx, query, cursor)
}

func (r Repo) LatestEventID(ctx context.Context) (int64, error) {
	var id sql.NullInt64
	if err := r.DB.QueryRowContext(ctx, `SELECT MAX(id) FROM events`).Scan(&id); err != nil {
		return 0, err
	}
	return id.Int64, nil
}

func (r Repo) queryEvents(ctx context.Context, query string, args ...any) ([]domain.Event, error) {
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Event
	for rows.Next() {
		var e domain.Event
		if err := rows.Scan(&e.ID, &e.TS, &e.Type, &e.EntityKind, &e.EntityID, &e.ActorID, &e.Payload); err != nil {
			return nil, err
		}
		res = append(res, e)
	}
	return res, rows.Err()
}

// --- helpers ---

func marshalTags(tags []string) (any, error) {
	if len(tags) == 0 {
		return nil, nil
	}
	b, err := json.Marshal(tags)
	if err != nil {
		return nil, err
	}
	return string(b), nil
}

func unmarshalTags(raw string) ([]string, error) {
	if raw == "" {
		return nil, nil
	}
	var tags []string
	if err := json.Unmarshal([]byte(raw), &tags); err != nil {
		return nil, err
	}
	return tags, nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func nullable(v string) any {
	if v == "" {
		return nil
	}
	return v
}
