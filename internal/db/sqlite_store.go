package db

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/crowdtask-io/crowdtask/internal/api"
	"github.com/crowdtask-io/crowdtask/internal/models"
	"github.com/crowdtask-io/crowdtask/internal/services"
)

const timeLayout = time.RFC3339Nano

type SQLiteStore struct {
	db *sql.DB
}

func NewSQLiteStore(db *sql.DB) (*SQLiteStore, error) {
	if db == nil {
		return nil, errors.New("nil db")
	}
	pragmas := []string{
		"PRAGMA foreign_keys = ON",
		"PRAGMA journal_mode = WAL",
		"PRAGMA synchronous = NORMAL",
	}
	for _, stmt := range pragmas {
		if _, err := db.Exec(stmt); err != nil {
			return nil, fmt.Errorf("apply sqlite pragma %q: %w", stmt, err)
		}
	}
	return &SQLiteStore{db: db}, nil
}

func NewStore(db *sql.DB) (api.Store, error) {
	return NewSQLiteStore(db)
}

var _ api.Store = (*SQLiteStore)(nil)

// --- helpers ---

func boolToInt64(v bool) int64 {
	if v {
		return 1
	}
	return 0
}

func int64ToBool(v int64) bool { return v != 0 }

func toNullString(s string) sql.NullString {
	if strings.TrimSpace(s) == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}

func fromNullString(ns sql.NullString) string {
	if !ns.Valid {
		return ""
	}
	return ns.String
}

func toNullIntPtr(p *int) sql.NullInt64 {
	if p == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: int64(*p), Valid: true}
}

func fromNullIntPtr(ns sql.NullInt64) *int {
	if !ns.Valid {
		return nil
	}
	v := int(ns.Int64)
	return &v
}

func toNullTime(t *time.Time) sql.NullString {
	if t == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: t.Format(timeLayout), Valid: true}
}

func fromNullTime(ns sql.NullString) *time.Time {
	if !ns.Valid || ns.String == "" {
		return nil
	}
	t, err := time.Parse(timeLayout, ns.String)
	if err != nil {
		log.Printf("sqlite store: parse time %q: %v", ns.String, err)
		return nil
	}
	return &t
}

func parseTime(s string) time.Time {
	t, err := time.Parse(timeLayout, s)
	if err != nil {
		log.Printf("sqlite store: parse time %q: %v", s, err)
	}
	return t
}

func encodeJSON(v any) (sql.NullString, error) {
	if v == nil {
		return sql.NullString{}, nil
	}
	b, err := json.Marshal(v)
	if err != nil {
		return sql.NullString{}, err
	}
	return sql.NullString{String: string(b), Valid: true}, nil
}

func decodeStringMap(ns sql.NullString) map[string]string {
	if !ns.Valid || strings.TrimSpace(ns.String) == "" {
		return nil
	}
	var out map[string]string
	if err := json.Unmarshal([]byte(ns.String), &out); err != nil {
		log.Printf("sqlite store: decode string map: %v", err)
		return nil
	}
	return out
}

func decodeStringSlice(ns sql.NullString) []string {
	if !ns.Valid || strings.TrimSpace(ns.String) == "" {
		return nil
	}
	var out []string
	if err := json.Unmarshal([]byte(ns.String), &out); err != nil {
		log.Printf("sqlite store: decode string slice: %v", err)
		return nil
	}
	return out
}

// --- users ---

func (s *SQLiteStore) AddUser(u *models.User) error {
	_, err := s.db.Exec(
		`INSERT INTO users (id, email, name, pass_hash, admin, created_at) VALUES (?, ?, ?, ?, ?, ?)`,
		u.ID, u.Email, toNullString(u.Name), u.PassHash, boolToInt64(u.Admin), u.CreatedAt.Format(timeLayout),
	)
	return err
}

func (s *SQLiteStore) FindUserByEmail(email string) (*models.User, error) {
	return s.scanUser(s.db.QueryRow(
		`SELECT id, email, name, pass_hash, admin, created_at FROM users WHERE email = ?`, email))
}

func (s *SQLiteStore) GetUser(id string) (*models.User, error) {
	return s.scanUser(s.db.QueryRow(
		`SELECT id, email, name, pass_hash, admin, created_at FROM users WHERE id = ?`, id))
}

func (s *SQLiteStore) scanUser(row *sql.Row) (*models.User, error) {
	var u models.User
	var name sql.NullString
	var admin int64
	var created string
	err := row.Scan(&u.ID, &u.Email, &name, &u.PassHash, &admin, &created)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	u.Name = fromNullString(name)
	u.Admin = int64ToBool(admin)
	u.CreatedAt = parseTime(created)
	return &u, nil
}

// --- assignments ---

const assignmentCols = `id, title, slug, description, status, registration, data_limit,
	user_limit, multiple_per_page, ask_public, submission_emails, user_id,
	created_at, opened_at, closed_at`

func (s *SQLiteStore) InsertAssignment(a *models.Assignment) error {
	emails, err := encodeJSON(a.SubmissionEmails)
	if err != nil {
		return err
	}
	_, err = s.db.Exec(
		`INSERT INTO assignments (`+assignmentCols+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		a.ID, a.Title, a.Slug, toNullString(a.Description), string(a.Status), string(a.Registration),
		a.DataLimit, boolToInt64(a.UserLimit), boolToInt64(a.MultiplePerPage), boolToInt64(a.AskPublic),
		emails, a.UserID, a.CreatedAt.Format(timeLayout), toNullTime(a.OpenedAt), toNullTime(a.ClosedAt),
	)
	return err
}

func (s *SQLiteStore) UpdateAssignment(a *models.Assignment) error {
	emails, err := encodeJSON(a.SubmissionEmails)
	if err != nil {
		return err
	}
	_, err = s.db.Exec(
		`UPDATE assignments SET title = ?, slug = ?, description = ?, status = ?, registration = ?,
			data_limit = ?, user_limit = ?, multiple_per_page = ?, ask_public = ?,
			submission_emails = ?, opened_at = ?, closed_at = ? WHERE id = ?`,
		a.Title, a.Slug, toNullString(a.Description), string(a.Status), string(a.Registration),
		a.DataLimit, boolToInt64(a.UserLimit), boolToInt64(a.MultiplePerPage), boolToInt64(a.AskPublic),
		emails, toNullTime(a.OpenedAt), toNullTime(a.ClosedAt), a.ID,
	)
	return err
}

func (s *SQLiteStore) GetAssignment(id string) (*models.Assignment, error) {
	rows, err := s.db.Query(`SELECT `+assignmentCols+` FROM assignments WHERE id = ?`, id)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	if !rows.Next() {
		return nil, rows.Err()
	}
	return scanAssignment(rows)
}

func (s *SQLiteStore) ListAssignments() ([]*models.Assignment, error) {
	rows, err := s.db.Query(`SELECT ` + assignmentCols + ` FROM assignments ORDER BY created_at`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []*models.Assignment
	for rows.Next() {
		a, err := scanAssignment(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

func scanAssignment(rows *sql.Rows) (*models.Assignment, error) {
	var a models.Assignment
	var description, emails, opened, closed sql.NullString
	var status, registration, created string
	var userLimit, multiple, askPublic int64
	err := rows.Scan(&a.ID, &a.Title, &a.Slug, &description, &status, &registration, &a.DataLimit,
		&userLimit, &multiple, &askPublic, &emails, &a.UserID, &created, &opened, &closed)
	if err != nil {
		return nil, err
	}
	a.Description = fromNullString(description)
	a.Status = models.Status(status)
	a.Registration = models.Registration(registration)
	a.UserLimit = int64ToBool(userLimit)
	a.MultiplePerPage = int64ToBool(multiple)
	a.AskPublic = int64ToBool(askPublic)
	a.SubmissionEmails = decodeStringSlice(emails)
	a.CreatedAt = parseTime(created)
	a.OpenedAt = fromNullTime(opened)
	a.ClosedAt = fromNullTime(closed)
	return &a, nil
}

// --- fields and choices ---

const fieldCols = `id, assignment_id, label, type, help_text, min, max, required, gallery, position, deleted`

// ListFields returns active fields ordered by position, then soft-deleted
// fields.
func (s *SQLiteStore) ListFields(assignmentID string, includeDeleted bool) ([]*models.Field, error) {
	query := `SELECT ` + fieldCols + ` FROM fields WHERE assignment_id = ?`
	if !includeDeleted {
		query += ` AND deleted = 0`
	}
	query += ` ORDER BY deleted, position, label`
	rows, err := s.db.Query(query, assignmentID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []*models.Field
	for rows.Next() {
		f, err := scanField(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, f)
	}
	return out, rows.Err()
}

func (s *SQLiteStore) GetField(id string) (*models.Field, error) {
	rows, err := s.db.Query(`SELECT `+fieldCols+` FROM fields WHERE id = ?`, id)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	if !rows.Next() {
		return nil, rows.Err()
	}
	return scanField(rows)
}

func scanField(rows *sql.Rows) (*models.Field, error) {
	var f models.Field
	var help sql.NullString
	var min, max, position sql.NullInt64
	var ftype string
	var required, gallery, deleted int64
	err := rows.Scan(&f.ID, &f.AssignmentID, &f.Label, &ftype, &help, &min, &max,
		&required, &gallery, &position, &deleted)
	if err != nil {
		return nil, err
	}
	f.Type = models.FieldType(ftype)
	f.HelpText = fromNullString(help)
	f.Min = fromNullIntPtr(min)
	f.Max = fromNullIntPtr(max)
	f.Required = int64ToBool(required)
	f.Gallery = int64ToBool(gallery)
	f.Order = fromNullIntPtr(position)
	f.Deleted = int64ToBool(deleted)
	return &f, nil
}

func (s *SQLiteStore) ListChoices(fieldID string) ([]*models.Choice, error) {
	rows, err := s.db.Query(
		`SELECT id, field_id, label, value, position FROM choices WHERE field_id = ? ORDER BY position`, fieldID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []*models.Choice
	for rows.Next() {
		var c models.Choice
		if err := rows.Scan(&c.ID, &c.FieldID, &c.Label, &c.Value, &c.Order); err != nil {
			return nil, err
		}
		out = append(out, &c)
	}
	return out, rows.Err()
}

// ApplyFormPlan lands a whole reconciliation pass in one transaction.
func (s *SQLiteStore) ApplyFormPlan(assignmentID string, plan *services.FormPlan) error {
	tx, err := s.db.Begin()
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	for _, up := range plan.Upserts {
		f := up.Field
		_, err := tx.Exec(
			`INSERT INTO fields (`+fieldCols+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, 0)
			 ON CONFLICT(id) DO UPDATE SET label = excluded.label, type = excluded.type,
				help_text = excluded.help_text, min = excluded.min, max = excluded.max,
				required = excluded.required, gallery = excluded.gallery,
				position = excluded.position, deleted = 0`,
			f.ID, f.AssignmentID, f.Label, string(f.Type), toNullString(f.HelpText),
			toNullIntPtr(f.Min), toNullIntPtr(f.Max), boolToInt64(f.Required),
			boolToInt64(f.Gallery), toNullIntPtr(f.Order),
		)
		if err != nil {
			return err
		}
		if up.ReplaceChoices {
			if _, err := tx.Exec(`DELETE FROM choices WHERE field_id = ?`, f.ID); err != nil {
				return err
			}
			for _, c := range up.Choices {
				_, err := tx.Exec(
					`INSERT INTO choices (id, field_id, label, value, position) VALUES (?, ?, ?, ?, ?)`,
					c.ID, c.FieldID, c.Label, c.Value, c.Order,
				)
				if err != nil {
					return err
				}
			}
		}
	}
	for _, id := range plan.SoftDeleteIDs {
		if _, err := tx.Exec(`UPDATE fields SET deleted = 1, position = NULL WHERE id = ?`, id); err != nil {
			return err
		}
	}
	return tx.Commit()
}

// --- data ---

func (s *SQLiteStore) AddDatum(d *models.Datum) error {
	metadata, err := encodeJSON(d.Metadata)
	if err != nil {
		return err
	}
	_, err = s.db.Exec(
		`INSERT INTO data (id, assignment_id, url, metadata) VALUES (?, ?, ?, ?)`,
		d.ID, d.AssignmentID, d.URL, metadata,
	)
	return err
}

func (s *SQLiteStore) GetDatum(id string) (*models.Datum, error) {
	var d models.Datum
	var metadata sql.NullString
	err := s.db.QueryRow(
		`SELECT id, assignment_id, url, metadata FROM data WHERE id = ?`, id,
	).Scan(&d.ID, &d.AssignmentID, &d.URL, &metadata)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	d.Metadata = decodeStringMap(metadata)
	return &d, nil
}

func (s *SQLiteStore) ListData(assignmentID string) ([]*models.Datum, error) {
	rows, err := s.db.Query(
		`SELECT id, assignment_id, url, metadata FROM data WHERE assignment_id = ? ORDER BY id`, assignmentID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []*models.Datum
	for rows.Next() {
		var d models.Datum
		var metadata sql.NullString
		if err := rows.Scan(&d.ID, &d.AssignmentID, &d.URL, &metadata); err != nil {
			return nil, err
		}
		d.Metadata = decodeStringMap(metadata)
		out = append(out, &d)
	}
	return out, rows.Err()
}

func (s *SQLiteStore) HasData(assignmentID string) (bool, error) {
	var n int
	err := s.db.QueryRow(`SELECT COUNT(1) FROM data WHERE assignment_id = ?`, assignmentID).Scan(&n)
	return n > 0, err
}

// --- responses and values ---

const responseCols = `id, assignment_id, user_id, ip_address, datum_id, public, skip, number,
	flag, gallery, tags, created_at, edit_user_id, edited_at`

func (s *SQLiteStore) AddResponse(r *models.Response) error {
	tags, err := encodeJSON(r.Tags)
	if err != nil {
		return err
	}
	_, err = s.db.Exec(
		`INSERT INTO responses (`+responseCols+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		r.ID, r.AssignmentID, toNullString(r.UserID), toNullString(r.IPAddress), toNullString(r.DatumID),
		boolToInt64(r.Public), boolToInt64(r.Skip), r.Number, boolToInt64(r.Flag), boolToInt64(r.Gallery),
		tags, r.CreatedAt.Format(timeLayout), toNullString(r.EditUserID), toNullTime(r.EditedAt),
	)
	return err
}

func (s *SQLiteStore) UpdateResponse(r *models.Response) error {
	tags, err := encodeJSON(r.Tags)
	if err != nil {
		return err
	}
	_, err = s.db.Exec(
		`UPDATE responses SET public = ?, skip = ?, number = ?, flag = ?, gallery = ?, tags = ?,
			edit_user_id = ?, edited_at = ? WHERE id = ?`,
		boolToInt64(r.Public), boolToInt64(r.Skip), r.Number, boolToInt64(r.Flag), boolToInt64(r.Gallery),
		tags, toNullString(r.EditUserID), toNullTime(r.EditedAt), r.ID,
	)
	return err
}

func (s *SQLiteStore) GetResponse(id string) (*models.Response, error) {
	rows, err := s.db.Query(`SELECT `+responseCols+` FROM responses WHERE id = ?`, id)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	if !rows.Next() {
		return nil, rows.Err()
	}
	return scanResponse(rows)
}

func (s *SQLiteStore) ListResponses(assignmentID string) ([]*models.Response, error) {
	rows, err := s.db.Query(
		`SELECT `+responseCols+` FROM responses WHERE assignment_id = ? ORDER BY created_at`, assignmentID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []*models.Response
	for rows.Next() {
		r, err := scanResponse(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

func scanResponse(rows *sql.Rows) (*models.Response, error) {
	var r models.Response
	var userID, ip, datumID, tags, editUserID, edited sql.NullString
	var public, skip, flag, gallery int64
	var created string
	err := rows.Scan(&r.ID, &r.AssignmentID, &userID, &ip, &datumID, &public, &skip, &r.Number,
		&flag, &gallery, &tags, &created, &editUserID, &edited)
	if err != nil {
		return nil, err
	}
	r.UserID = fromNullString(userID)
	r.IPAddress = fromNullString(ip)
	r.DatumID = fromNullString(datumID)
	r.Public = int64ToBool(public)
	r.Skip = int64ToBool(skip)
	r.Flag = int64ToBool(flag)
	r.Gallery = int64ToBool(gallery)
	r.Tags = decodeStringSlice(tags)
	r.CreatedAt = parseTime(created)
	r.EditUserID = fromNullString(editUserID)
	r.EditedAt = fromNullTime(edited)
	return &r, nil
}

func (s *SQLiteStore) AddValues(vs []*models.Value) error {
	if len(vs) == 0 {
		return nil
	}
	tx, err := s.db.Begin()
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()
	for _, v := range vs {
		_, err := tx.Exec(
			`INSERT INTO response_values (id, response_id, field_id, value, original_value) VALUES (?, ?, ?, ?, ?)`,
			v.ID, v.ResponseID, v.FieldID, v.Value, v.OriginalValue,
		)
		if err != nil {
			return err
		}
	}
	return tx.Commit()
}

func (s *SQLiteStore) ListValues(responseID string) ([]*models.Value, error) {
	rows, err := s.db.Query(
		`SELECT id, response_id, field_id, value, original_value FROM response_values WHERE response_id = ? ORDER BY id`,
		responseID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []*models.Value
	for rows.Next() {
		var v models.Value
		if err := rows.Scan(&v.ID, &v.ResponseID, &v.FieldID, &v.Value, &v.OriginalValue); err != nil {
			return nil, err
		}
		out = append(out, &v)
	}
	return out, rows.Err()
}

func (s *SQLiteStore) ReplaceFieldValues(responseID, fieldID string, vs []*models.Value) error {
	tx, err := s.db.Begin()
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()
	if _, err := tx.Exec(
		`DELETE FROM response_values WHERE response_id = ? AND field_id = ?`, responseID, fieldID); err != nil {
		return err
	}
	for _, v := range vs {
		if _, err := tx.Exec(
			`INSERT INTO response_values (id, response_id, field_id, value, original_value) VALUES (?, ?, ?, ?, ?)`,
			v.ID, v.ResponseID, v.FieldID, v.Value, v.OriginalValue,
		); err != nil {
			return err
		}
	}
	return tx.Commit()
}

// --- selector aggregations ---

func (s *SQLiteStore) CountFirstCompletions(assignmentID string) (map[string]int, error) {
	rows, err := s.db.Query(
		`SELECT datum_id, COUNT(1) FROM responses
		 WHERE assignment_id = ? AND datum_id IS NOT NULL AND number = 1
		 GROUP BY datum_id`, assignmentID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	counts := map[string]int{}
	for rows.Next() {
		var datumID string
		var n int
		if err := rows.Scan(&datumID, &n); err != nil {
			return nil, err
		}
		counts[datumID] = n
	}
	return counts, rows.Err()
}

func (s *SQLiteStore) ListRespondedDatumIDs(assignmentID string, identity models.Identity) ([]string, error) {
	var rows *sql.Rows
	var err error
	if identity.UserID != "" {
		rows, err = s.db.Query(
			`SELECT DISTINCT datum_id FROM responses
			 WHERE assignment_id = ? AND datum_id IS NOT NULL AND user_id = ?`,
			assignmentID, identity.UserID)
	} else {
		// anonymous responses only; a registered response from the same
		// address does not block the bare-IP identity
		rows, err = s.db.Query(
			`SELECT DISTINCT datum_id FROM responses
			 WHERE assignment_id = ? AND datum_id IS NOT NULL AND user_id IS NULL AND ip_address = ?`,
			assignmentID, identity.IPAddress)
	}
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

func (s *SQLiteStore) HasResponded(assignmentID string, identity models.Identity) (bool, error) {
	var n int
	var err error
	if identity.UserID != "" {
		err = s.db.QueryRow(
			`SELECT COUNT(1) FROM responses WHERE assignment_id = ? AND user_id = ?`,
			assignmentID, identity.UserID).Scan(&n)
	} else {
		err = s.db.QueryRow(
			`SELECT COUNT(1) FROM responses WHERE assignment_id = ? AND user_id IS NULL AND ip_address = ?`,
			assignmentID, identity.IPAddress).Scan(&n)
	}
	return n > 0, err
}

func (s *SQLiteStore) CountIdentityResponses(assignmentID string, identity models.Identity, datumID string) (int, error) {
	var n int
	var err error
	if identity.UserID != "" {
		err = s.db.QueryRow(
			`SELECT COUNT(1) FROM responses
			 WHERE assignment_id = ? AND user_id = ? AND COALESCE(datum_id, '') = ?`,
			assignmentID, identity.UserID, datumID).Scan(&n)
	} else {
		err = s.db.QueryRow(
			`SELECT COUNT(1) FROM responses
			 WHERE assignment_id = ? AND user_id IS NULL AND ip_address = ? AND COALESCE(datum_id, '') = ?`,
			assignmentID, identity.IPAddress, datumID).Scan(&n)
	}
	return n, err
}

// --- audit ---

func (s *SQLiteStore) AddAudit(e models.AuditEntry) {
	_, err := s.db.Exec(
		`INSERT INTO audit_log (time, actor, action, target, note) VALUES (?, ?, ?, ?, ?)`,
		e.Time.Format(timeLayout), toNullString(e.Actor), e.Action, toNullString(e.Target), toNullString(e.Note),
	)
	if err != nil {
		log.Printf("sqlite store: add audit: %v", err)
	}
}

func (s *SQLiteStore) ListAudit() ([]models.AuditEntry, error) {
	rows, err := s.db.Query(`SELECT time, actor, action, target, note FROM audit_log ORDER BY time`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []models.AuditEntry
	for rows.Next() {
		var e models.AuditEntry
		var tm string
		var actor, target, note sql.NullString
		if err := rows.Scan(&tm, &actor, &e.Action, &target, &note); err != nil {
			return nil, err
		}
		e.Time = parseTime(tm)
		e.Actor = fromNullString(actor)
		e.Target = fromNullString(target)
		e.Note = fromNullString(note)
		out = append(out, e)
	}
	return out, rows.Err()
}
