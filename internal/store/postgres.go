package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
)

// ErrDuplicate is returned when an insert trips one of the annotation
// uniqueness indexes (same tag applied twice, duplicated save, ...).
var ErrDuplicate = errors.New("duplicate record")

type PostgresStore struct {
	db *sql.DB
}

func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (s *PostgresStore) DB() *sql.DB {
	return s.db
}

func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// ---- users & sessions ----

func (s *PostgresStore) CreateUser(ctx context.Context, user User) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO users (id, email, username, password_hash)
		VALUES ($1, $2, $3, $4)
	`, user.ID, user.Email, user.Username, user.PasswordHash)
	if isUniqueViolation(err) {
		return ErrDuplicate
	}
	if err != nil {
		return fmt.Errorf("insert user: %w", err)
	}
	return nil
}

func (s *PostgresStore) GetUserByEmail(ctx context.Context, email string) (User, error) {
	var user User
	err := s.db.QueryRowContext(ctx, `
		SELECT id, email, username, password_hash, created_at FROM users WHERE email=$1
	`, email).Scan(&user.ID, &user.Email, &user.Username, &user.PasswordHash, &user.CreatedAt)
	if err != nil {
		return User{}, err
	}
	return user, nil
}

func (s *PostgresStore) GetUserByID(ctx context.Context, userID string) (User, error) {
	var user User
	err := s.db.QueryRowContext(ctx, `
		SELECT id, email, username, password_hash, created_at FROM users WHERE id=$1
	`, userID).Scan(&user.ID, &user.Email, &user.Username, &user.PasswordHash, &user.CreatedAt)
	if err != nil {
		return User{}, err
	}
	return user, nil
}

func (s *PostgresStore) SaveRefreshSession(ctx context.Context, tokenHash string, user User, expiresAt time.Time) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO refresh_sessions (token_hash, user_id, expires_at)
		VALUES ($1, $2, $3)
		ON CONFLICT (token_hash) DO UPDATE SET user_id=EXCLUDED.user_id, expires_at=EXCLUDED.expires_at, revoked_at=NULL
	`, tokenHash, user.ID, expiresAt)
	if err != nil {
		return fmt.Errorf("save refresh session: %w", err)
	}
	return nil
}

func (s *PostgresStore) LookupRefreshSession(ctx context.Context, tokenHash string) (User, error) {
	const query = `
		SELECT u.id, u.email, u.username
		FROM refresh_sessions rs
		JOIN users u ON u.id = rs.user_id
		WHERE rs.token_hash = $1
			AND rs.revoked_at IS NULL
			AND rs.expires_at > NOW()
	`
	var user User
	err := s.db.QueryRowContext(ctx, query, tokenHash).Scan(&user.ID, &user.Email, &user.Username)
	if err != nil {
		return User{}, err
	}
	return user, nil
}

func (s *PostgresStore) RevokeRefreshSession(ctx context.Context, tokenHash string) error {
	_, err := s.db.ExecContext(ctx, `UPDATE refresh_sessions SET revoked_at=NOW() WHERE token_hash=$1`, tokenHash)
	if err != nil {
		return fmt.Errorf("revoke refresh session: %w", err)
	}
	return nil
}

func (s *PostgresStore) RevokeAccessToken(ctx context.Context, jti string, exp time.Time) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO revoked_access_tokens (jti, expires_at)
		VALUES ($1, $2)
		ON CONFLICT (jti) DO NOTHING
	`, jti, exp)
	if err != nil {
		return fmt.Errorf("revoke access token: %w", err)
	}
	return nil
}

func (s *PostgresStore) IsAccessTokenRevoked(ctx context.Context, jti string) (bool, error) {
	var revoked bool
	err := s.db.QueryRowContext(ctx, `SELECT EXISTS(SELECT 1 FROM revoked_access_tokens WHERE jti=$1)`, jti).Scan(&revoked)
	if err != nil {
		return false, fmt.Errorf("check revoked token: %w", err)
	}
	return revoked, nil
}

// ---- projects ----

func (s *PostgresStore) InsertProject(ctx context.Context, project Project) error {
	specials, err := json.Marshal(project.SpecialTokens)
	if err != nil {
		return fmt.Errorf("marshal special tokens: %w", err)
	}
	dict, err := json.Marshal(project.ReplacementDict)
	if err != nil {
		return fmt.Errorf("marshal replacement dict: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO projects (id, name, description, owner_id, special_tokens, replacement_dict)
		VALUES ($1, $2, $3, $4, $5, $6)
	`, project.ID, project.Name, project.Description, project.OwnerID, specials, dict)
	if err != nil {
		return fmt.Errorf("insert project: %w", err)
	}
	return nil
}

func (s *PostgresStore) GetProject(ctx context.Context, projectID string) (Project, error) {
	var project Project
	var specials, dict []byte
	err := s.db.QueryRowContext(ctx, `
		SELECT id, name, description, owner_id, special_tokens, replacement_dict, created_at, updated_at
		FROM projects WHERE id=$1
	`, projectID).Scan(&project.ID, &project.Name, &project.Description, &project.OwnerID, &specials, &dict, &project.CreatedAt, &project.UpdatedAt)
	if err != nil {
		return Project{}, err
	}
	if err := json.Unmarshal(specials, &project.SpecialTokens); err != nil {
		return Project{}, fmt.Errorf("unmarshal special tokens: %w", err)
	}
	if err := json.Unmarshal(dict, &project.ReplacementDict); err != nil {
		return Project{}, fmt.Errorf("unmarshal replacement dict: %w", err)
	}
	return project, nil
}

func (s *PostgresStore) ListProjectsForUser(ctx context.Context, userID string) ([]Project, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT p.id, p.name, p.description, p.owner_id, p.created_at, p.updated_at
		FROM projects p
		JOIN project_memberships pm ON pm.project_id = p.id
		WHERE pm.user_id = $1
		ORDER BY p.updated_at DESC
	`, userID)
	if err != nil {
		return nil, fmt.Errorf("list projects: %w", err)
	}
	defer rows.Close()

	items := make([]Project, 0)
	for rows.Next() {
		var item Project
		if err := rows.Scan(&item.ID, &item.Name, &item.Description, &item.OwnerID, &item.CreatedAt, &item.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan project: %w", err)
		}
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate projects: %w", err)
	}
	return items, nil
}

func (s *PostgresStore) InsertMembership(ctx context.Context, membership ProjectMembership) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO project_memberships (project_id, user_id, role)
		VALUES ($1, $2, $3)
		ON CONFLICT (project_id, user_id) DO UPDATE SET role=EXCLUDED.role
	`, membership.ProjectID, membership.UserID, membership.Role)
	if err != nil {
		return fmt.Errorf("upsert membership: %w", err)
	}
	return nil
}

func (s *PostgresStore) GetProjectRole(ctx context.Context, projectID, userID string) (string, error) {
	var role string
	err := s.db.QueryRowContext(ctx, `
		SELECT role FROM project_memberships WHERE project_id=$1 AND user_id=$2
	`, projectID, userID).Scan(&role)
	if errors.Is(err, sql.ErrNoRows) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("read project role: %w", err)
	}
	return role, nil
}

func (s *PostgresStore) ListAnnotators(ctx context.Context, projectID string) ([]Annotator, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT u.id, u.username
		FROM project_memberships pm
		JOIN users u ON u.id = pm.user_id
		WHERE pm.project_id = $1
		ORDER BY u.username
	`, projectID)
	if err != nil {
		return nil, fmt.Errorf("list annotators: %w", err)
	}
	defer rows.Close()

	items := make([]Annotator, 0)
	for rows.Next() {
		var item Annotator
		if err := rows.Scan(&item.UserID, &item.Username); err != nil {
			return nil, fmt.Errorf("scan annotator: %w", err)
		}
		items = append(items, item)
	}
	return items, rows.Err()
}

func (s *PostgresStore) InsertEntityLabel(ctx context.Context, label EntityLabel) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO entity_labels (id, project_id, name, color)
		VALUES ($1, $2, $3, $4)
	`, label.ID, label.ProjectID, label.Name, label.Color)
	if isUniqueViolation(err) {
		return ErrDuplicate
	}
	if err != nil {
		return fmt.Errorf("insert entity label: %w", err)
	}
	return nil
}

func (s *PostgresStore) GetEntityLabel(ctx context.Context, labelID string) (EntityLabel, error) {
	var label EntityLabel
	err := s.db.QueryRowContext(ctx, `
		SELECT id, project_id, name, color FROM entity_labels WHERE id=$1
	`, labelID).Scan(&label.ID, &label.ProjectID, &label.Name, &label.Color)
	if err != nil {
		return EntityLabel{}, err
	}
	return label, nil
}

func (s *PostgresStore) ListEntityLabels(ctx context.Context, projectID string) ([]EntityLabel, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, project_id, name, color FROM entity_labels WHERE project_id=$1 ORDER BY name
	`, projectID)
	if err != nil {
		return nil, fmt.Errorf("list entity labels: %w", err)
	}
	defer rows.Close()

	items := make([]EntityLabel, 0)
	for rows.Next() {
		var item EntityLabel
		if err := rows.Scan(&item.ID, &item.ProjectID, &item.Name, &item.Color); err != nil {
			return nil, fmt.Errorf("scan entity label: %w", err)
		}
		items = append(items, item)
	}
	return items, rows.Err()
}

// ---- texts & tokens ----

func (s *PostgresStore) InsertText(ctx context.Context, text Text, tokens []Token) error {
	identifiers, err := json.Marshal(text.Identifiers)
	if err != nil {
		return fmt.Errorf("marshal identifiers: %w", err)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin insert text: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO texts (id, project_id, original, reference, weight, rank, identifiers)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
	`, text.ID, text.ProjectID, text.Original, text.Reference, text.Weight, text.Rank, identifiers); err != nil {
		return fmt.Errorf("insert text: %w", err)
	}

	for _, token := range tokens {
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO tokens (id, text_id, idx, value, english_word)
			VALUES ($1, $2, $3, $4, $5)
		`, token.ID, token.TextID, token.Index, token.Value, token.EnglishWord); err != nil {
			return fmt.Errorf("insert token: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit insert text: %w", err)
	}
	return nil
}

func (s *PostgresStore) GetText(ctx context.Context, textID string) (Text, error) {
	var text Text
	var identifiers []byte
	err := s.db.QueryRowContext(ctx, `
		SELECT id, project_id, original, reference, weight, rank, identifiers, created_at
		FROM texts WHERE id=$1
	`, textID).Scan(&text.ID, &text.ProjectID, &text.Original, &text.Reference, &text.Weight, &text.Rank, &identifiers, &text.CreatedAt)
	if err != nil {
		return Text{}, err
	}
	if err := json.Unmarshal(identifiers, &text.Identifiers); err != nil {
		return Text{}, fmt.Errorf("unmarshal identifiers: %w", err)
	}
	return text, nil
}

func (s *PostgresStore) ListTexts(ctx context.Context, projectID string, offset, limit int) ([]Text, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, project_id, original, reference, weight, rank, created_at
		FROM texts
		WHERE project_id=$1
		ORDER BY rank, id
		OFFSET $2 LIMIT $3
	`, projectID, offset, limit)
	if err != nil {
		return nil, fmt.Errorf("list texts: %w", err)
	}
	defer rows.Close()

	items := make([]Text, 0)
	for rows.Next() {
		var item Text
		if err := rows.Scan(&item.ID, &item.ProjectID, &item.Original, &item.Reference, &item.Weight, &item.Rank, &item.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan text: %w", err)
		}
		items = append(items, item)
	}
	return items, rows.Err()
}

func (s *PostgresStore) CountTexts(ctx context.Context, projectID string) (int, error) {
	var count int
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM texts WHERE project_id=$1`, projectID).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("count texts: %w", err)
	}
	return count, nil
}

func (s *PostgresStore) ListTokens(ctx context.Context, textID string) ([]Token, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, text_id, idx, value, english_word FROM tokens WHERE text_id=$1 ORDER BY idx
	`, textID)
	if err != nil {
		return nil, fmt.Errorf("list tokens: %w", err)
	}
	defer rows.Close()

	items := make([]Token, 0)
	for rows.Next() {
		var item Token
		if err := rows.Scan(&item.ID, &item.TextID, &item.Index, &item.Value, &item.EnglishWord); err != nil {
			return nil, fmt.Errorf("scan token: %w", err)
		}
		items = append(items, item)
	}
	return items, rows.Err()
}

func (s *PostgresStore) GetToken(ctx context.Context, textID, tokenID string) (Token, error) {
	var token Token
	err := s.db.QueryRowContext(ctx, `
		SELECT id, text_id, idx, value, english_word FROM tokens WHERE text_id=$1 AND id=$2
	`, textID, tokenID).Scan(&token.ID, &token.TextID, &token.Index, &token.Value, &token.EnglishWord)
	if err != nil {
		return Token{}, err
	}
	return token, nil
}

// MergeTokens rewrites a text's token sequence after a concatenation.
// Consumed tokens and every annotation that referenced them go away in
// the same transaction, so no orphaned facts survive a merge. Kept
// tokens are re-indexed to their new positions and the fresh merged
// tokens inserted.
func (s *PostgresStore) MergeTokens(ctx context.Context, textID string, removedTokenIDs []string, indexUpdates map[string]int, merged []Token) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin merge tokens: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if len(removedTokenIDs) > 0 {
		query := fmt.Sprintf(`DELETE FROM annotations WHERE token_id IN (%s)`, placeholders(1, len(removedTokenIDs)))
		if _, err := tx.ExecContext(ctx, query, toAnyList(removedTokenIDs)...); err != nil {
			return fmt.Errorf("delete consumed-token annotations: %w", err)
		}
		query = fmt.Sprintf(`DELETE FROM tokens WHERE id IN (%s)`, placeholders(1, len(removedTokenIDs)))
		if _, err := tx.ExecContext(ctx, query, toAnyList(removedTokenIDs)...); err != nil {
			return fmt.Errorf("delete consumed tokens: %w", err)
		}
	}

	// Shift surviving indexes out of the way so the UNIQUE(text_id, idx)
	// constraint cannot trip while positions move around.
	if _, err := tx.ExecContext(ctx, `UPDATE tokens SET idx = idx + 1000000 WHERE text_id=$1`, textID); err != nil {
		return fmt.Errorf("shift token indexes: %w", err)
	}
	for tokenID, idx := range indexUpdates {
		if _, err := tx.ExecContext(ctx, `UPDATE tokens SET idx=$2 WHERE id=$1`, tokenID, idx); err != nil {
			return fmt.Errorf("reindex token %s: %w", tokenID, err)
		}
	}
	for _, token := range merged {
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO tokens (id, text_id, idx, value, english_word)
			VALUES ($1, $2, $3, $4, $5)
		`, token.ID, token.TextID, token.Index, token.Value, token.EnglishWord); err != nil {
			return fmt.Errorf("insert merged token: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit merge tokens: %w", err)
	}
	return nil
}

// ---- annotations ----

func (s *PostgresStore) InsertAnnotation(ctx context.Context, annotation Annotation) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO annotations (id, type, user_id, text_id, token_id, suggestion, value)
		VALUES ($1, $2, $3, $4, NULLIF($5, ''), $6, $7)
	`, annotation.ID, annotation.Type, annotation.UserID, annotation.TextID, annotation.TokenID, annotation.Suggestion, annotation.Value)
	if isUniqueViolation(err) {
		return ErrDuplicate
	}
	if err != nil {
		return fmt.Errorf("insert annotation: %w", err)
	}
	return nil
}

// InsertAnnotations batches cascade writes into one statement. The batch
// is best-effort, not atomic with the focus write that preceded it.
func (s *PostgresStore) InsertAnnotations(ctx context.Context, annotations []Annotation) error {
	if len(annotations) == 0 {
		return nil
	}
	var sb strings.Builder
	sb.WriteString(`INSERT INTO annotations (id, type, user_id, text_id, token_id, suggestion, value) VALUES `)
	args := make([]any, 0, len(annotations)*7)
	for i, a := range annotations {
		if i > 0 {
			sb.WriteString(", ")
		}
		base := i * 7
		fmt.Fprintf(&sb, "($%d, $%d, $%d, $%d, NULLIF($%d, ''), $%d, $%d)",
			base+1, base+2, base+3, base+4, base+5, base+6, base+7)
		args = append(args, a.ID, a.Type, a.UserID, a.TextID, a.TokenID, a.Suggestion, a.Value)
	}
	if _, err := s.db.ExecContext(ctx, sb.String(), args...); err != nil {
		return fmt.Errorf("bulk insert annotations: %w", err)
	}
	return nil
}

func (s *PostgresStore) GetReplacement(ctx context.Context, userID, tokenID string) (*Annotation, error) {
	var a Annotation
	var tok sql.NullString
	err := s.db.QueryRowContext(ctx, `
		SELECT id, type, user_id, text_id, token_id, suggestion, value, created_at
		FROM annotations
		WHERE type='replacement' AND user_id=$1 AND token_id=$2
	`, userID, tokenID).Scan(&a.ID, &a.Type, &a.UserID, &a.TextID, &tok, &a.Suggestion, &a.Value, &a.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get replacement: %w", err)
	}
	a.TokenID = tok.String
	return &a, nil
}

// ListUserAnnotationsForTokens returns the user's annotations of one type
// across a token id set. The cascade's exclusion filtering happens on top
// of this in the service, as a pure step.
func (s *PostgresStore) ListUserAnnotationsForTokens(ctx context.Context, userID, annotationType string, tokenIDs []string) ([]Annotation, error) {
	if len(tokenIDs) == 0 {
		return []Annotation{}, nil
	}
	query := fmt.Sprintf(`
		SELECT id, type, user_id, text_id, token_id, suggestion, value, created_at
		FROM annotations
		WHERE user_id=$1 AND type=$2 AND token_id IN (%s)
	`, placeholders(3, len(tokenIDs)))
	args := append([]any{userID, annotationType}, toAnyList(tokenIDs)...)
	return s.queryAnnotations(ctx, query, args...)
}

// ListUserReplacementsByValue finds the user's replacement annotations
// across a project whose replacement value matches, case-insensitively.
// Label cascades use it to reach tokens whose corrected value equals the
// focus token's effective value.
func (s *PostgresStore) ListUserReplacementsByValue(ctx context.Context, userID, projectID, value string) ([]Annotation, error) {
	return s.queryAnnotations(ctx, `
		SELECT a.id, a.type, a.user_id, a.text_id, a.token_id, a.suggestion, a.value, a.created_at
		FROM annotations a
		JOIN texts x ON x.id = a.text_id
		WHERE a.user_id=$1 AND x.project_id=$2 AND a.type='replacement' AND LOWER(a.value) = LOWER($3)
	`, userID, projectID, value)
}

func (s *PostgresStore) DeleteTokenAnnotation(ctx context.Context, userID, tokenID, annotationType, value string) (bool, error) {
	result, err := s.db.ExecContext(ctx, `
		DELETE FROM annotations
		WHERE user_id=$1 AND token_id=$2 AND type=$3 AND ($4 = '' OR value = $4)
	`, userID, tokenID, annotationType, value)
	if err != nil {
		return false, fmt.Errorf("delete token annotation: %w", err)
	}
	affected, _ := result.RowsAffected()
	return affected > 0, nil
}

func (s *PostgresStore) ListAnnotationsByText(ctx context.Context, textID string) ([]Annotation, error) {
	return s.queryAnnotations(ctx, `
		SELECT id, type, user_id, text_id, token_id, suggestion, value, created_at
		FROM annotations
		WHERE text_id=$1
		ORDER BY created_at
	`, textID)
}

func (s *PostgresStore) ListUserAnnotationsByText(ctx context.Context, textID, userID string) ([]Annotation, error) {
	return s.queryAnnotations(ctx, `
		SELECT id, type, user_id, text_id, token_id, suggestion, value, created_at
		FROM annotations
		WHERE text_id=$1 AND user_id=$2
		ORDER BY created_at
	`, textID, userID)
}

func (s *PostgresStore) UpdateAnnotation(ctx context.Context, annotationID, value string, suggestion bool) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE annotations SET value=$2, suggestion=$3 WHERE id=$1
	`, annotationID, value, suggestion)
	if err != nil {
		return fmt.Errorf("update annotation: %w", err)
	}
	return nil
}

func (s *PostgresStore) AcceptSuggestions(ctx context.Context, annotationIDs []string) error {
	if len(annotationIDs) == 0 {
		return nil
	}
	query := fmt.Sprintf(`UPDATE annotations SET suggestion=FALSE WHERE id IN (%s)`, placeholders(1, len(annotationIDs)))
	if _, err := s.db.ExecContext(ctx, query, toAnyList(annotationIDs)...); err != nil {
		return fmt.Errorf("accept suggestions: %w", err)
	}
	return nil
}

func (s *PostgresStore) DeleteAnnotations(ctx context.Context, annotationIDs []string) error {
	if len(annotationIDs) == 0 {
		return nil
	}
	query := fmt.Sprintf(`DELETE FROM annotations WHERE id IN (%s)`, placeholders(1, len(annotationIDs)))
	if _, err := s.db.ExecContext(ctx, query, toAnyList(annotationIDs)...); err != nil {
		return fmt.Errorf("delete annotations: %w", err)
	}
	return nil
}

func (s *PostgresStore) DeleteTextAnnotation(ctx context.Context, userID, textID, annotationType, value string) (bool, error) {
	result, err := s.db.ExecContext(ctx, `
		DELETE FROM annotations
		WHERE user_id=$1 AND text_id=$2 AND type=$3 AND token_id IS NULL AND ($4 = '' OR value = $4)
	`, userID, textID, annotationType, value)
	if err != nil {
		return false, fmt.Errorf("delete text annotation: %w", err)
	}
	affected, _ := result.RowsAffected()
	return affected > 0, nil
}

// AnnotationContextCount is one row of the searchTokenContext grouping.
type AnnotationContextCount struct {
	Type       string
	Value      string
	Suggestion bool
	Count      int
}

func (s *PostgresStore) CountAnnotationsForTokens(ctx context.Context, tokenIDs []string) ([]AnnotationContextCount, error) {
	if len(tokenIDs) == 0 {
		return []AnnotationContextCount{}, nil
	}
	query := fmt.Sprintf(`
		SELECT type, value, suggestion, COUNT(*)
		FROM annotations
		WHERE token_id IN (%s)
		GROUP BY type, value, suggestion
		ORDER BY type, value
	`, placeholders(1, len(tokenIDs)))
	rows, err := s.db.QueryContext(ctx, query, toAnyList(tokenIDs)...)
	if err != nil {
		return nil, fmt.Errorf("count annotations for tokens: %w", err)
	}
	defer rows.Close()

	items := make([]AnnotationContextCount, 0)
	for rows.Next() {
		var item AnnotationContextCount
		if err := rows.Scan(&item.Type, &item.Value, &item.Suggestion, &item.Count); err != nil {
			return nil, fmt.Errorf("scan context count: %w", err)
		}
		items = append(items, item)
	}
	return items, rows.Err()
}

// ---- project summary ----

type ProjectCounts struct {
	Texts        int
	Tokens       int
	Vocabulary   int
	Corrections  int
	SavedTexts   int
	FlaggedTexts int
}

func (s *PostgresStore) SummaryCounts(ctx context.Context, projectID string) (ProjectCounts, error) {
	const query = `
		SELECT
			(SELECT COUNT(*) FROM texts WHERE project_id=$1),
			(SELECT COUNT(*) FROM tokens t JOIN texts x ON x.id=t.text_id WHERE x.project_id=$1),
			(SELECT COUNT(DISTINCT LOWER(t.value)) FROM tokens t JOIN texts x ON x.id=t.text_id WHERE x.project_id=$1),
			(SELECT COUNT(*) FROM annotations a JOIN texts x ON x.id=a.text_id WHERE x.project_id=$1 AND a.type='replacement'),
			(SELECT COUNT(DISTINCT a.text_id) FROM annotations a JOIN texts x ON x.id=a.text_id WHERE x.project_id=$1 AND a.type='save'),
			(SELECT COUNT(DISTINCT a.text_id) FROM annotations a JOIN texts x ON x.id=a.text_id WHERE x.project_id=$1 AND a.type='flag')
	`
	var counts ProjectCounts
	err := s.db.QueryRowContext(ctx, query, projectID).Scan(
		&counts.Texts, &counts.Tokens, &counts.Vocabulary,
		&counts.Corrections, &counts.SavedTexts, &counts.FlaggedTexts,
	)
	if err != nil {
		return ProjectCounts{}, fmt.Errorf("summary counts: %w", err)
	}
	return counts, nil
}

// ReplacementUsage is one (original -> replacement) pair with how many
// annotations carry it across the project.
type ReplacementUsage struct {
	Original    string
	Replacement string
	Count       int
}

func (s *PostgresStore) ReplacementHistogram(ctx context.Context, projectID string, limit int) ([]ReplacementUsage, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT LOWER(t.value), a.value, COUNT(*)
		FROM annotations a
		JOIN tokens t ON t.id = a.token_id
		JOIN texts x ON x.id = a.text_id
		WHERE x.project_id=$1 AND a.type='replacement'
		GROUP BY LOWER(t.value), a.value
		ORDER BY COUNT(*) DESC, LOWER(t.value)
		LIMIT $2
	`, projectID, limit)
	if err != nil {
		return nil, fmt.Errorf("replacement histogram: %w", err)
	}
	defer rows.Close()

	items := make([]ReplacementUsage, 0)
	for rows.Next() {
		var item ReplacementUsage
		if err := rows.Scan(&item.Original, &item.Replacement, &item.Count); err != nil {
			return nil, fmt.Errorf("scan replacement usage: %w", err)
		}
		items = append(items, item)
	}
	return items, rows.Err()
}

// ---- helpers ----

func (s *PostgresStore) queryAnnotations(ctx context.Context, query string, args ...any) ([]Annotation, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query annotations: %w", err)
	}
	defer rows.Close()

	items := make([]Annotation, 0)
	for rows.Next() {
		var item Annotation
		var tok sql.NullString
		if err := rows.Scan(&item.ID, &item.Type, &item.UserID, &item.TextID, &tok, &item.Suggestion, &item.Value, &item.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan annotation: %w", err)
		}
		item.TokenID = tok.String
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate annotations: %w", err)
	}
	return items, nil
}

func placeholders(start, count int) string {
	parts := make([]string, count)
	for i := 0; i < count; i++ {
		parts[i] = fmt.Sprintf("$%d", start+i)
	}
	return strings.Join(parts, ", ")
}

func toAnyList(values []string) []any {
	out := make([]any, len(values))
	for i, v := range values {
		out[i] = v
	}
	return out
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}
