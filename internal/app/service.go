package app

import (
	"context"
	"fmt"
	"log"
	"sort"
	"strings"
	"time"

	"lexiform/api/internal/auth"
	"lexiform/api/internal/authpw"
	"lexiform/api/internal/config"
	"lexiform/api/internal/consensus"
	"lexiform/api/internal/export"
	"lexiform/api/internal/gitrepo"
	"lexiform/api/internal/match"
	"lexiform/api/internal/projection"
	"lexiform/api/internal/rbac"
	"lexiform/api/internal/store"
	"lexiform/api/internal/util"
)

type Session struct {
	Token        string
	RefreshToken string
	UserID       string
	Username     string
	Email        string
	JTI          string
	ExpiresAt    time.Time
}

// CascadeResult reports a propagation operation. The focus mutation is
// always applied; Matches counts only the cascaded tokens. CascadeError
// is set when the match-index lookup failed mid-cascade, in which case
// the cascade touched fewer tokens than it could have.
type CascadeResult struct {
	Matches      int                 `json:"matches"`
	TextTokenIDs map[string][]string `json:"textTokenIds"`
	CascadeError string              `json:"cascadeError,omitempty"`
}

type TextInput struct {
	Original    string   `json:"original"`
	Reference   string   `json:"reference"`
	Identifiers []string `json:"identifiers"`
}

type CreateProjectInput struct {
	Name            string            `json:"name"`
	Description     string            `json:"description"`
	SpecialTokens   []string          `json:"specialTokens"`
	ReplacementDict map[string]string `json:"replacementDict"`
	Texts           []TextInput       `json:"texts"`
}

type MergeTokensInput struct {
	IndexGroups [][]int `json:"indexGroups"`
}

type dataStore interface {
	Ping(context.Context) error
	CreateUser(context.Context, store.User) error
	GetUserByEmail(context.Context, string) (store.User, error)
	GetUserByID(context.Context, string) (store.User, error)
	RevokeAccessToken(context.Context, string, time.Time) error
	IsAccessTokenRevoked(context.Context, string) (bool, error)

	InsertProject(context.Context, store.Project) error
	GetProject(context.Context, string) (store.Project, error)
	ListProjectsForUser(context.Context, string) ([]store.Project, error)
	InsertMembership(context.Context, store.ProjectMembership) error
	GetProjectRole(context.Context, string, string) (string, error)
	ListAnnotators(context.Context, string) ([]store.Annotator, error)
	InsertEntityLabel(context.Context, store.EntityLabel) error
	GetEntityLabel(context.Context, string) (store.EntityLabel, error)
	ListEntityLabels(context.Context, string) ([]store.EntityLabel, error)

	InsertText(context.Context, store.Text, []store.Token) error
	GetText(context.Context, string) (store.Text, error)
	ListTexts(context.Context, string, int, int) ([]store.Text, error)
	CountTexts(context.Context, string) (int, error)
	ListTokens(context.Context, string) ([]store.Token, error)
	GetToken(context.Context, string, string) (store.Token, error)
	MergeTokens(context.Context, string, []string, map[string]int, []store.Token) error

	InsertAnnotation(context.Context, store.Annotation) error
	InsertAnnotations(context.Context, []store.Annotation) error
	GetReplacement(context.Context, string, string) (*store.Annotation, error)
	ListUserAnnotationsForTokens(context.Context, string, string, []string) ([]store.Annotation, error)
	ListUserReplacementsByValue(context.Context, string, string, string) ([]store.Annotation, error)
	DeleteTokenAnnotation(context.Context, string, string, string, string) (bool, error)
	ListAnnotationsByText(context.Context, string) ([]store.Annotation, error)
	ListUserAnnotationsByText(context.Context, string, string) ([]store.Annotation, error)
	UpdateAnnotation(context.Context, string, string, bool) error
	AcceptSuggestions(context.Context, []string) error
	DeleteAnnotations(context.Context, []string) error
	DeleteTextAnnotation(context.Context, string, string, string, string) (bool, error)
	CountAnnotationsForTokens(context.Context, []string) ([]store.AnnotationContextCount, error)

	SummaryCounts(context.Context, string) (store.ProjectCounts, error)
	ReplacementHistogram(context.Context, string, int) ([]store.ReplacementUsage, error)
}

// SessionBackend stores refresh sessions. Redis when configured,
// Postgres otherwise.
type SessionBackend interface {
	SaveRefreshSession(context.Context, string, store.User, time.Time) error
	LookupRefreshSession(context.Context, string) (store.User, error)
	RevokeRefreshSession(context.Context, string) error
}

type corpusMatcher interface {
	FindMatchingTokens(ctx context.Context, projectID, value string, excludeTokenIDs []string) ([]match.Hit, error)
	IndexProjectTokens(ctx context.Context, projectID string)
	ReplaceTextTokens(removedTokenIDs []string, added []match.TokenRecord)
}

type snapshotService interface {
	EnsureProjectRepo(projectID string) error
	CommitSnapshot(projectID string, snapshot gitrepo.Snapshot, author string) (store.SnapshotInfo, error)
	History(projectID string, limit int) ([]store.SnapshotInfo, error)
}

type Service struct {
	cfg       config.Config
	store     dataStore
	sessions  SessionBackend
	accounts  *authpw.Service
	matcher   corpusMatcher
	snapshots snapshotService
	wordList  map[string]struct{}
}

func New(cfg config.Config, dataStore *store.PostgresStore, sessions SessionBackend, matcher *match.Service, snapshots *gitrepo.Service, wordList map[string]struct{}) *Service {
	return &Service{
		cfg:       cfg,
		store:     dataStore,
		sessions:  sessions,
		accounts:  authpw.NewService(dataStore),
		matcher:   matcher,
		snapshots: snapshots,
		wordList:  wordList,
	}
}

// ---- sessions ----

func (s *Service) SignUp(ctx context.Context, email, username, password string) (Session, error) {
	user, err := s.accounts.SignUp(ctx, authpw.SignUpRequest{Email: email, Username: username, Password: password})
	if err != nil {
		if err == authpw.ErrEmailTaken {
			return Session{}, conflictError("email already registered")
		}
		return Session{}, validationError(err.Error(), nil)
	}
	return s.issueSession(ctx, user)
}

func (s *Service) Login(ctx context.Context, email, password string) (Session, error) {
	user, err := s.accounts.SignIn(ctx, email, password)
	if err != nil {
		return Session{}, err
	}
	return s.issueSession(ctx, user)
}

func (s *Service) Refresh(ctx context.Context, refreshToken string) (Session, error) {
	tokenHash := auth.HashToken(refreshToken)
	user, err := s.sessions.LookupRefreshSession(ctx, tokenHash)
	if err != nil {
		return Session{}, err
	}
	if err := s.sessions.RevokeRefreshSession(ctx, tokenHash); err != nil {
		return Session{}, err
	}
	return s.issueSession(ctx, user)
}

func (s *Service) issueSession(ctx context.Context, user store.User) (Session, error) {
	now := time.Now()
	expiresAt := now.Add(s.cfg.AccessTTL)
	jti := util.NewID("jti")

	token, err := auth.IssueToken([]byte(s.cfg.JWTSecret), auth.Claims{
		Sub:      user.ID,
		Username: user.Username,
		JTI:      jti,
		Exp:      expiresAt.Unix(),
	})
	if err != nil {
		return Session{}, err
	}

	refresh := util.NewID("rft") + util.NewID("")
	refreshExpires := now.Add(s.cfg.RefreshTTL)
	if err := s.sessions.SaveRefreshSession(ctx, auth.HashToken(refresh), user, refreshExpires); err != nil {
		return Session{}, err
	}

	return Session{
		Token:        token,
		RefreshToken: refresh,
		UserID:       user.ID,
		Username:     user.Username,
		Email:        user.Email,
		JTI:          jti,
		ExpiresAt:    expiresAt,
	}, nil
}

func (s *Service) SessionFromToken(ctx context.Context, token string) (Session, error) {
	claims, err := auth.ParseToken([]byte(s.cfg.JWTSecret), token)
	if err != nil {
		return Session{}, err
	}
	revoked, err := s.store.IsAccessTokenRevoked(ctx, claims.JTI)
	if err != nil {
		return Session{}, err
	}
	if revoked {
		return Session{}, auth.ErrInvalidToken
	}

	user, err := s.store.GetUserByID(ctx, claims.Sub)
	if err != nil {
		return Session{}, err
	}

	return Session{
		Token:     token,
		UserID:    user.ID,
		Username:  user.Username,
		Email:     user.Email,
		JTI:       claims.JTI,
		ExpiresAt: time.Unix(claims.Exp, 0),
	}, nil
}

func (s *Service) Logout(ctx context.Context, session Session, refreshToken string) error {
	if session.JTI != "" {
		_ = s.store.RevokeAccessToken(ctx, session.JTI, session.ExpiresAt)
	}
	if refreshToken != "" {
		_ = s.sessions.RevokeRefreshSession(ctx, auth.HashToken(refreshToken))
	}
	return nil
}

func (s *Service) Ping(ctx context.Context) error {
	return s.store.Ping(ctx)
}

// requireRole resolves the caller's project role. A user with no
// membership gets a 404 rather than a 403 so project ids stay private.
func (s *Service) requireRole(ctx context.Context, projectID, userID string, action rbac.Action) error {
	role, err := s.store.GetProjectRole(ctx, projectID, userID)
	if err != nil {
		return err
	}
	if role == "" {
		return notFound("project not found")
	}
	if !rbac.Can(rbac.Normalize(role), action) {
		return forbidden("insufficient project role")
	}
	return nil
}

// ---- projects ----

func (s *Service) CreateProject(ctx context.Context, session Session, input CreateProjectInput) (map[string]any, error) {
	name := strings.TrimSpace(input.Name)
	if name == "" {
		return nil, validationError("project name is required", nil)
	}
	if len(input.Texts) == 0 {
		return nil, validationError("a project needs at least one text", nil)
	}

	project := store.Project{
		ID:              util.NewID("prj"),
		Name:            name,
		Description:     strings.TrimSpace(input.Description),
		OwnerID:         session.UserID,
		SpecialTokens:   input.SpecialTokens,
		ReplacementDict: input.ReplacementDict,
	}
	if err := s.store.InsertProject(ctx, project); err != nil {
		return nil, err
	}
	if err := s.store.InsertMembership(ctx, store.ProjectMembership{
		ProjectID: project.ID,
		UserID:    session.UserID,
		Role:      string(rbac.RoleAdmin),
	}); err != nil {
		return nil, err
	}

	special := make(map[string]struct{}, len(input.SpecialTokens))
	for _, tok := range input.SpecialTokens {
		special[strings.ToLower(tok)] = struct{}{}
	}
	dict := make(map[string]string, len(input.ReplacementDict))
	for original, replacement := range input.ReplacementDict {
		dict[strings.ToLower(original)] = replacement
	}

	type pending struct {
		text   store.Text
		tokens []store.Token
		weight int
	}
	items := make([]pending, 0, len(input.Texts))
	for _, textInput := range input.Texts {
		values := Tokenize(textInput.Original)
		if len(values) == 0 {
			continue
		}
		text := store.Text{
			ID:          util.NewID("txt"),
			ProjectID:   project.ID,
			Original:    textInput.Original,
			Reference:   textInput.Reference,
			Identifiers: textInput.Identifiers,
		}
		tokens := make([]store.Token, 0, len(values))
		weight := 0
		for i, value := range values {
			english := s.isEnglishWord(value, special)
			if !english {
				weight++
			}
			tokens = append(tokens, store.Token{
				ID:          util.NewID("tok"),
				TextID:      text.ID,
				Index:       i,
				Value:       value,
				EnglishWord: english,
			})
		}
		items = append(items, pending{text: text, tokens: tokens, weight: weight})
	}
	if len(items) == 0 {
		return nil, validationError("every text is empty after tokenization", nil)
	}

	// Texts with more out-of-vocabulary tokens surface first in the
	// annotation queue.
	sort.SliceStable(items, func(i, j int) bool { return items[i].weight > items[j].weight })

	var seeded []store.Annotation
	for rank, item := range items {
		item.text.Weight = item.weight
		item.text.Rank = rank
		if err := s.store.InsertText(ctx, item.text, item.tokens); err != nil {
			return nil, err
		}
		for _, token := range item.tokens {
			replacement, ok := dict[strings.ToLower(token.Value)]
			if !ok {
				continue
			}
			seeded = append(seeded, store.Annotation{
				ID:         util.NewID("ann"),
				Type:       store.AnnotationReplacement,
				UserID:     session.UserID,
				TextID:     item.text.ID,
				TokenID:    token.ID,
				Suggestion: true,
				Value:      replacement,
			})
		}
	}
	if err := s.store.InsertAnnotations(ctx, seeded); err != nil {
		return nil, err
	}

	s.matcher.IndexProjectTokens(ctx, project.ID)

	project.CreatedAt = time.Now()
	return projectPayload(project, len(items)), nil
}

func (s *Service) ListProjects(ctx context.Context, session Session) ([]map[string]any, error) {
	projects, err := s.store.ListProjectsForUser(ctx, session.UserID)
	if err != nil {
		return nil, err
	}
	items := make([]map[string]any, 0, len(projects))
	for _, project := range projects {
		count, err := s.store.CountTexts(ctx, project.ID)
		if err != nil {
			return nil, err
		}
		items = append(items, projectPayload(project, count))
	}
	return items, nil
}

func (s *Service) GetProject(ctx context.Context, session Session, projectID string) (map[string]any, error) {
	if err := s.requireRole(ctx, projectID, session.UserID, rbac.ActionRead); err != nil {
		return nil, err
	}
	project, err := s.store.GetProject(ctx, projectID)
	if err != nil {
		return nil, err
	}
	labels, err := s.store.ListEntityLabels(ctx, projectID)
	if err != nil {
		return nil, err
	}
	annotators, err := s.store.ListAnnotators(ctx, projectID)
	if err != nil {
		return nil, err
	}
	count, err := s.store.CountTexts(ctx, projectID)
	if err != nil {
		return nil, err
	}

	payload := projectPayload(project, count)
	labelItems := make([]map[string]any, 0, len(labels))
	for _, label := range labels {
		labelItems = append(labelItems, map[string]any{"id": label.ID, "name": label.Name, "color": label.Color})
	}
	annotatorItems := make([]map[string]any, 0, len(annotators))
	for _, annotator := range annotators {
		annotatorItems = append(annotatorItems, map[string]any{"userId": annotator.UserID, "username": annotator.Username})
	}
	payload["entityLabels"] = labelItems
	payload["annotators"] = annotatorItems
	return payload, nil
}

func (s *Service) AddMember(ctx context.Context, session Session, projectID, email, role string) (map[string]any, error) {
	if err := s.requireRole(ctx, projectID, session.UserID, rbac.ActionManage); err != nil {
		return nil, err
	}
	user, err := s.store.GetUserByEmail(ctx, strings.ToLower(strings.TrimSpace(email)))
	if err != nil {
		return nil, notFound("no account with that email")
	}
	membership := store.ProjectMembership{
		ProjectID: projectID,
		UserID:    user.ID,
		Role:      string(rbac.Normalize(role)),
	}
	if err := s.store.InsertMembership(ctx, membership); err != nil {
		if err == store.ErrDuplicate {
			return nil, conflictError("user is already a member")
		}
		return nil, err
	}
	return map[string]any{"userId": user.ID, "username": user.Username, "role": membership.Role}, nil
}

func (s *Service) CreateEntityLabel(ctx context.Context, session Session, projectID, name, color string) (map[string]any, error) {
	if err := s.requireRole(ctx, projectID, session.UserID, rbac.ActionManage); err != nil {
		return nil, err
	}
	labelName := strings.TrimSpace(name)
	if labelName == "" {
		return nil, validationError("label name is required", nil)
	}
	label := store.EntityLabel{
		ID:        util.NewID("lbl"),
		ProjectID: projectID,
		Name:      labelName,
		Color:     strings.TrimSpace(color),
	}
	if err := s.store.InsertEntityLabel(ctx, label); err != nil {
		if err == store.ErrDuplicate {
			return nil, conflictError("label name already exists")
		}
		return nil, err
	}
	return map[string]any{"id": label.ID, "name": label.Name, "color": label.Color}, nil
}

// ---- texts ----

// ListTexts pages through a project's texts in rank order. filter narrows
// the listing to texts the caller saved ("saved") or flagged ("flagged");
// filtered listings paginate over the filtered set.
func (s *Service) ListTexts(ctx context.Context, session Session, projectID string, page, perPage int, filter string) (map[string]any, error) {
	if err := s.requireRole(ctx, projectID, session.UserID, rbac.ActionRead); err != nil {
		return nil, err
	}
	if perPage <= 0 || perPage > 100 {
		perPage = 20
	}
	if page < 0 {
		page = 0
	}
	switch filter {
	case "", "saved", "flagged":
	default:
		return nil, validationError(fmt.Sprintf("unknown filter %q", filter), nil)
	}

	total, err := s.store.CountTexts(ctx, projectID)
	if err != nil {
		return nil, err
	}

	var texts []store.Text
	if filter == "" {
		texts, err = s.store.ListTexts(ctx, projectID, page*perPage, perPage)
		if err != nil {
			return nil, err
		}
	} else {
		all, err := s.store.ListTexts(ctx, projectID, 0, total)
		if err != nil {
			return nil, err
		}
		matched := make([]store.Text, 0)
		for _, text := range all {
			annotations, err := s.store.ListUserAnnotationsByText(ctx, text.ID, session.UserID)
			if err != nil {
				return nil, err
			}
			keep := false
			for _, a := range annotations {
				if filter == "saved" && a.Type == store.AnnotationSave {
					keep = true
				}
				if filter == "flagged" && a.Type == store.AnnotationFlag {
					keep = true
				}
			}
			if keep {
				matched = append(matched, text)
			}
		}
		total = len(matched)
		offset := page * perPage
		if offset > len(matched) {
			offset = len(matched)
		}
		end := offset + perPage
		if end > len(matched) {
			end = len(matched)
		}
		texts = matched[offset:end]
	}

	items := make([]map[string]any, 0, len(texts))
	for _, text := range texts {
		payload, err := s.textPayload(ctx, session.UserID, text)
		if err != nil {
			return nil, err
		}
		items = append(items, payload)
	}
	return map[string]any{
		"texts":   items,
		"page":    page,
		"perPage": perPage,
		"total":   total,
	}, nil
}

func (s *Service) GetText(ctx context.Context, session Session, textID string) (map[string]any, error) {
	text, err := s.store.GetText(ctx, textID)
	if err != nil {
		return nil, notFound("text not found")
	}
	if err := s.requireRole(ctx, text.ProjectID, session.UserID, rbac.ActionRead); err != nil {
		return nil, err
	}
	return s.textPayload(ctx, session.UserID, text)
}

func (s *Service) textPayload(ctx context.Context, userID string, text store.Text) (map[string]any, error) {
	tokens, err := s.store.ListTokens(ctx, text.ID)
	if err != nil {
		return nil, err
	}
	annotations, err := s.store.ListUserAnnotationsByText(ctx, text.ID, userID)
	if err != nil {
		return nil, err
	}
	view := projection.ProjectUser(userID, tokens, annotations)
	return map[string]any{
		"id":          text.ID,
		"projectId":   text.ProjectID,
		"original":    text.Original,
		"reference":   text.Reference,
		"rank":        text.Rank,
		"weight":      text.Weight,
		"identifiers": text.Identifiers,
		"tokens":      view.Tokens,
		"flags":       view.Flags,
		"saved":       view.Saved,
	}, nil
}

// SetTextFlag records a text-level flag for the caller. value names the
// reason and must be non-empty.
func (s *Service) SetTextFlag(ctx context.Context, session Session, textID, value string) error {
	text, err := s.store.GetText(ctx, textID)
	if err != nil {
		return notFound("text not found")
	}
	if err := s.requireRole(ctx, text.ProjectID, session.UserID, rbac.ActionAnnotate); err != nil {
		return err
	}
	if strings.TrimSpace(value) == "" {
		return validationError("flag value is required", nil)
	}
	err = s.store.InsertAnnotation(ctx, store.Annotation{
		ID:     util.NewID("ann"),
		Type:   store.AnnotationFlag,
		UserID: session.UserID,
		TextID: textID,
		Value:  value,
	})
	if err == store.ErrDuplicate {
		return conflictError("text already flagged")
	}
	return err
}

func (s *Service) ClearTextFlag(ctx context.Context, session Session, textID, value string) error {
	text, err := s.store.GetText(ctx, textID)
	if err != nil {
		return notFound("text not found")
	}
	if err := s.requireRole(ctx, text.ProjectID, session.UserID, rbac.ActionAnnotate); err != nil {
		return err
	}
	found, err := s.store.DeleteTextAnnotation(ctx, session.UserID, textID, store.AnnotationFlag, value)
	if err != nil {
		return err
	}
	if !found {
		return notFound("flag not found")
	}
	return nil
}

// SetTextSaved marks a text done (or not) for the caller. The stored
// value is the literal "true"; anything else is a type mismatch.
func (s *Service) SetTextSaved(ctx context.Context, session Session, textID string, saved bool) error {
	text, err := s.store.GetText(ctx, textID)
	if err != nil {
		return notFound("text not found")
	}
	if err := s.requireRole(ctx, text.ProjectID, session.UserID, rbac.ActionAnnotate); err != nil {
		return err
	}
	if !saved {
		_, err := s.store.DeleteTextAnnotation(ctx, session.UserID, textID, store.AnnotationSave, "")
		return err
	}
	err = s.store.InsertAnnotation(ctx, store.Annotation{
		ID:     util.NewID("ann"),
		Type:   store.AnnotationSave,
		UserID: session.UserID,
		TextID: textID,
		Value:  "true",
	})
	if err == store.ErrDuplicate {
		return nil
	}
	return err
}

// ---- propagation controller ----

// ApplyReplacement records an accepted correction on the focus token and,
// with applyAll, cascades it as suggestions to every project token that
// shares the focus token's original value and has no replacement from
// this user yet. originalValue overrides the matched value when the
// client already resolved it (a merge can leave the focus value stale).
func (s *Service) ApplyReplacement(ctx context.Context, session Session, projectID, textID, tokenID, replacement string, applyAll bool, originalValue string) (CascadeResult, error) {
	if err := s.requireRole(ctx, projectID, session.UserID, rbac.ActionAnnotate); err != nil {
		return CascadeResult{}, err
	}
	token, err := s.store.GetToken(ctx, textID, tokenID)
	if err != nil {
		return CascadeResult{}, notFound("token not found")
	}

	existing, err := s.store.GetReplacement(ctx, session.UserID, tokenID)
	if err != nil {
		return CascadeResult{}, err
	}
	switch {
	case existing == nil:
		err = s.store.InsertAnnotation(ctx, store.Annotation{
			ID:      util.NewID("ann"),
			Type:    store.AnnotationReplacement,
			UserID:  session.UserID,
			TextID:  textID,
			TokenID: tokenID,
			Value:   replacement,
		})
		if err != nil && err != store.ErrDuplicate {
			return CascadeResult{}, err
		}
	case existing.Suggestion:
		if err := s.store.UpdateAnnotation(ctx, existing.ID, replacement, false); err != nil {
			return CascadeResult{}, err
		}
	default:
		// Accepted corrections are authoritative; reapplying is a no-op.
	}

	result := newCascadeResult(textID, tokenID)
	if !applyAll {
		return result, nil
	}

	searchValue := originalValue
	if searchValue == "" {
		searchValue = token.Value
	}
	hits, err := s.matcher.FindMatchingTokens(ctx, projectID, searchValue, []string{tokenID})
	if err != nil {
		return cascadeFailed(result, err), nil
	}

	excluded, err := s.annotatedTokenSet(ctx, session.UserID, store.AnnotationReplacement, hitTokenIDs(hits), nil)
	if err != nil {
		return CascadeResult{}, err
	}
	candidates := FilterCandidates(hits, excluded)

	cascade := make([]store.Annotation, 0, len(candidates))
	for _, hit := range candidates {
		cascade = append(cascade, store.Annotation{
			ID:         util.NewID("ann"),
			Type:       store.AnnotationReplacement,
			UserID:     session.UserID,
			TextID:     hit.TextID,
			TokenID:    hit.TokenID,
			Suggestion: true,
			Value:      replacement,
		})
		result.TextTokenIDs[hit.TextID] = append(result.TextTokenIDs[hit.TextID], hit.TokenID)
	}
	if err := s.store.InsertAnnotations(ctx, cascade); err != nil {
		return CascadeResult{}, err
	}
	result.Matches = len(candidates)
	return result, nil
}

// DeleteReplacement undoes the caller's correction on the focus token.
// With applyAll it also deletes every replacement of this user across
// corpus-matching tokens whose value and suggestion state equal the
// focus annotation's, so deleting a suggestion never removes unrelated
// accepted corrections.
func (s *Service) DeleteReplacement(ctx context.Context, session Session, projectID, textID, tokenID string, applyAll bool, originalValue string) (CascadeResult, error) {
	if err := s.requireRole(ctx, projectID, session.UserID, rbac.ActionAnnotate); err != nil {
		return CascadeResult{}, err
	}
	token, err := s.store.GetToken(ctx, textID, tokenID)
	if err != nil {
		return CascadeResult{}, notFound("token not found")
	}
	focus, err := s.store.GetReplacement(ctx, session.UserID, tokenID)
	if err != nil {
		return CascadeResult{}, err
	}
	if focus == nil {
		return CascadeResult{}, notFound("no replacement to delete")
	}

	focusValue := focus.Value
	focusSuggestion := focus.Suggestion
	if err := s.store.DeleteAnnotations(ctx, []string{focus.ID}); err != nil {
		return CascadeResult{}, err
	}

	result := newCascadeResult(textID, tokenID)
	if !applyAll {
		return result, nil
	}

	searchValue := originalValue
	if searchValue == "" {
		searchValue = token.Value
	}
	hits, err := s.matcher.FindMatchingTokens(ctx, projectID, searchValue, []string{tokenID})
	if err != nil {
		return cascadeFailed(result, err), nil
	}

	annotations, err := s.store.ListUserAnnotationsForTokens(ctx, session.UserID, store.AnnotationReplacement, hitTokenIDs(hits))
	if err != nil {
		return CascadeResult{}, err
	}
	textByToken := hitTextByToken(hits)
	ids := make([]string, 0, len(annotations))
	for _, a := range annotations {
		if a.Value != focusValue || a.Suggestion != focusSuggestion {
			continue
		}
		ids = append(ids, a.ID)
		result.TextTokenIDs[textByToken[a.TokenID]] = append(result.TextTokenIDs[textByToken[a.TokenID]], a.TokenID)
	}
	if err := s.store.DeleteAnnotations(ctx, ids); err != nil {
		return CascadeResult{}, err
	}
	result.Matches = len(ids)
	return result, nil
}

// AcceptReplacement promotes the focus token's suggestion to accepted.
// With applyAll every suggested replacement of this user among
// corpus-matching tokens is promoted in one batch.
func (s *Service) AcceptReplacement(ctx context.Context, session Session, projectID, textID, tokenID string, applyAll bool, originalValue string) (CascadeResult, error) {
	if err := s.requireRole(ctx, projectID, session.UserID, rbac.ActionAnnotate); err != nil {
		return CascadeResult{}, err
	}
	token, err := s.store.GetToken(ctx, textID, tokenID)
	if err != nil {
		return CascadeResult{}, notFound("token not found")
	}
	focus, err := s.store.GetReplacement(ctx, session.UserID, tokenID)
	if err != nil {
		return CascadeResult{}, err
	}
	if focus == nil {
		return CascadeResult{}, notFound("no replacement to accept")
	}
	if focus.Suggestion {
		if err := s.store.AcceptSuggestions(ctx, []string{focus.ID}); err != nil {
			return CascadeResult{}, err
		}
	}

	result := newCascadeResult(textID, tokenID)
	if !applyAll {
		return result, nil
	}

	searchValue := originalValue
	if searchValue == "" {
		searchValue = token.Value
	}
	hits, err := s.matcher.FindMatchingTokens(ctx, projectID, searchValue, []string{tokenID})
	if err != nil {
		return cascadeFailed(result, err), nil
	}

	annotations, err := s.store.ListUserAnnotationsForTokens(ctx, session.UserID, store.AnnotationReplacement, hitTokenIDs(hits))
	if err != nil {
		return CascadeResult{}, err
	}
	textByToken := hitTextByToken(hits)
	ids := make([]string, 0, len(annotations))
	for _, a := range annotations {
		if !a.Suggestion {
			continue
		}
		ids = append(ids, a.ID)
		result.TextTokenIDs[textByToken[a.TokenID]] = append(result.TextTokenIDs[textByToken[a.TokenID]], a.TokenID)
	}
	if err := s.store.AcceptSuggestions(ctx, ids); err != nil {
		return CascadeResult{}, err
	}
	result.Matches = len(ids)
	return result, nil
}

// RemoveToken records an accepted empty replacement, deleting the
// token's contribution to the compiled text. Removal never cascades.
func (s *Service) RemoveToken(ctx context.Context, session Session, projectID, textID, tokenID string, applyAll bool) (CascadeResult, error) {
	if applyAll {
		return CascadeResult{}, validationError("token removal cannot apply to all", nil)
	}
	if err := s.requireRole(ctx, projectID, session.UserID, rbac.ActionAnnotate); err != nil {
		return CascadeResult{}, err
	}
	if _, err := s.store.GetToken(ctx, textID, tokenID); err != nil {
		return CascadeResult{}, notFound("token not found")
	}

	existing, err := s.store.GetReplacement(ctx, session.UserID, tokenID)
	if err != nil {
		return CascadeResult{}, err
	}
	if existing == nil {
		err = s.store.InsertAnnotation(ctx, store.Annotation{
			ID:      util.NewID("ann"),
			Type:    store.AnnotationReplacement,
			UserID:  session.UserID,
			TextID:  textID,
			TokenID: tokenID,
			Value:   "",
		})
		if err != nil && err != store.ErrDuplicate {
			return CascadeResult{}, err
		}
	} else if err := s.store.UpdateAnnotation(ctx, existing.ID, "", false); err != nil {
		return CascadeResult{}, err
	}
	return newCascadeResult(textID, tokenID), nil
}

// ApplyLabel attaches an entity label to the focus token. With applyAll
// the label cascades to tokens sharing the focus token's effective value
// (the accepted replacement when present, else the original), including
// tokens whose own replacement equals that value.
func (s *Service) ApplyLabel(ctx context.Context, session Session, projectID, textID, tokenID, labelID string, applyAll bool) (CascadeResult, error) {
	if err := s.requireRole(ctx, projectID, session.UserID, rbac.ActionAnnotate); err != nil {
		return CascadeResult{}, err
	}
	label, err := s.store.GetEntityLabel(ctx, labelID)
	if err != nil || label.ProjectID != projectID {
		return CascadeResult{}, notFound("entity label not found")
	}
	token, err := s.store.GetToken(ctx, textID, tokenID)
	if err != nil {
		return CascadeResult{}, notFound("token not found")
	}

	err = s.store.InsertAnnotation(ctx, store.Annotation{
		ID:      util.NewID("ann"),
		Type:    store.AnnotationTag,
		UserID:  session.UserID,
		TextID:  textID,
		TokenID: tokenID,
		Value:   labelID,
	})
	if err == store.ErrDuplicate {
		return CascadeResult{}, conflictError("label already applied to this token")
	}
	if err != nil {
		return CascadeResult{}, err
	}

	result := newCascadeResult(textID, tokenID)
	if !applyAll {
		return result, nil
	}

	candidates, lookupErr := s.labelCandidates(ctx, session.UserID, projectID, token)
	if lookupErr != nil {
		return cascadeFailed(result, lookupErr), nil
	}

	excluded, err := s.annotatedTokenSet(ctx, session.UserID, store.AnnotationTag, hitTokenIDs(candidates), func(a store.Annotation) bool {
		return a.Value == labelID
	})
	if err != nil {
		return CascadeResult{}, err
	}
	remaining := FilterCandidates(candidates, excluded)

	cascade := make([]store.Annotation, 0, len(remaining))
	for _, hit := range remaining {
		cascade = append(cascade, store.Annotation{
			ID:      util.NewID("ann"),
			Type:    store.AnnotationTag,
			UserID:  session.UserID,
			TextID:  hit.TextID,
			TokenID: hit.TokenID,
			Value:   labelID,
		})
		result.TextTokenIDs[hit.TextID] = append(result.TextTokenIDs[hit.TextID], hit.TokenID)
	}
	if err := s.store.InsertAnnotations(ctx, cascade); err != nil {
		return CascadeResult{}, err
	}
	result.Matches = len(remaining)
	return result, nil
}

// DeleteLabel mirrors ApplyLabel with bulk removal.
func (s *Service) DeleteLabel(ctx context.Context, session Session, projectID, textID, tokenID, labelID string, applyAll bool) (CascadeResult, error) {
	if err := s.requireRole(ctx, projectID, session.UserID, rbac.ActionAnnotate); err != nil {
		return CascadeResult{}, err
	}
	token, err := s.store.GetToken(ctx, textID, tokenID)
	if err != nil {
		return CascadeResult{}, notFound("token not found")
	}
	found, err := s.store.DeleteTokenAnnotation(ctx, session.UserID, tokenID, store.AnnotationTag, labelID)
	if err != nil {
		return CascadeResult{}, err
	}
	if !found {
		return CascadeResult{}, notFound("label not applied to this token")
	}

	result := newCascadeResult(textID, tokenID)
	if !applyAll {
		return result, nil
	}

	candidates, lookupErr := s.labelCandidates(ctx, session.UserID, projectID, token)
	if lookupErr != nil {
		return cascadeFailed(result, lookupErr), nil
	}

	annotations, err := s.store.ListUserAnnotationsForTokens(ctx, session.UserID, store.AnnotationTag, hitTokenIDs(candidates))
	if err != nil {
		return CascadeResult{}, err
	}
	textByToken := hitTextByToken(candidates)
	ids := make([]string, 0, len(annotations))
	for _, a := range annotations {
		if a.Value != labelID {
			continue
		}
		ids = append(ids, a.ID)
		result.TextTokenIDs[textByToken[a.TokenID]] = append(result.TextTokenIDs[textByToken[a.TokenID]], a.TokenID)
	}
	if err := s.store.DeleteAnnotations(ctx, ids); err != nil {
		return CascadeResult{}, err
	}
	result.Matches = len(ids)
	return result, nil
}

// labelCandidates finds label-cascade candidates: tokens matching the
// focus token's effective value, plus tokens whose own replacement value
// equals it.
func (s *Service) labelCandidates(ctx context.Context, userID, projectID string, token store.Token) ([]match.Hit, error) {
	effective := token.Value
	replacement, err := s.store.GetReplacement(ctx, userID, token.ID)
	if err != nil {
		return nil, err
	}
	if replacement != nil && replacement.Value != "" {
		effective = replacement.Value
	}

	hits, err := s.matcher.FindMatchingTokens(ctx, projectID, effective, []string{token.ID})
	if err != nil {
		return nil, err
	}
	seen := make(map[string]struct{}, len(hits)+1)
	seen[token.ID] = struct{}{}
	for _, hit := range hits {
		seen[hit.TokenID] = struct{}{}
	}

	replacements, err := s.store.ListUserReplacementsByValue(ctx, userID, projectID, effective)
	if err != nil {
		return nil, err
	}
	for _, a := range replacements {
		if _, ok := seen[a.TokenID]; ok {
			continue
		}
		seen[a.TokenID] = struct{}{}
		hits = append(hits, match.Hit{TokenID: a.TokenID, TextID: a.TextID, Value: a.Value})
	}
	return hits, nil
}

// annotatedTokenSet returns the token ids among candidates that already
// carry an annotation of the given type from the user. keep narrows the
// match (nil keeps every annotation).
func (s *Service) annotatedTokenSet(ctx context.Context, userID, annotationType string, tokenIDs []string, keep func(store.Annotation) bool) (map[string]struct{}, error) {
	annotations, err := s.store.ListUserAnnotationsForTokens(ctx, userID, annotationType, tokenIDs)
	if err != nil {
		return nil, err
	}
	set := make(map[string]struct{}, len(annotations))
	for _, a := range annotations {
		if keep != nil && !keep(a) {
			continue
		}
		set[a.TokenID] = struct{}{}
	}
	return set, nil
}

// ---- tokenization merge ----

// MergeTokens concatenates each group of contiguous tokens into one
// fresh token carrying the group's current values, then rewrites the
// text's token sequence. Annotations on consumed tokens are deleted with
// them rather than left dangling.
func (s *Service) MergeTokens(ctx context.Context, session Session, textID string, indexGroups [][]int) (map[string]any, error) {
	text, err := s.store.GetText(ctx, textID)
	if err != nil {
		return nil, notFound("text not found")
	}
	if err := s.requireRole(ctx, text.ProjectID, session.UserID, rbac.ActionAnnotate); err != nil {
		return nil, err
	}
	tokens, err := s.store.ListTokens(ctx, textID)
	if err != nil {
		return nil, err
	}
	if err := ValidateIndexGroups(indexGroups, len(tokens)); err != nil {
		return nil, err
	}

	annotations, err := s.store.ListUserAnnotationsByText(ctx, textID, session.UserID)
	if err != nil {
		return nil, err
	}
	accepted := make(map[string]string)
	for _, a := range annotations {
		if a.Type == store.AnnotationReplacement && !a.Suggestion {
			accepted[a.TokenID] = a.Value
		}
	}
	currentValue := func(token store.Token) string {
		if value, ok := accepted[token.ID]; ok {
			return value
		}
		return token.Value
	}

	inGroup := make(map[int]struct{}, len(tokens))
	for _, group := range indexGroups {
		for _, idx := range group {
			inGroup[idx] = struct{}{}
		}
	}

	type entry struct {
		startIndex int
		token      store.Token
		fresh      bool
	}
	entries := make([]entry, 0, len(tokens))
	removedIDs := make([]string, 0)
	for _, group := range indexGroups {
		var sb strings.Builder
		for _, idx := range group {
			sb.WriteString(currentValue(tokens[idx]))
			removedIDs = append(removedIDs, tokens[idx].ID)
		}
		entries = append(entries, entry{
			startIndex: group[0],
			fresh:      true,
			token: store.Token{
				ID:     util.NewID("tok"),
				TextID: textID,
				Value:  sb.String(),
			},
		})
	}
	for i, token := range tokens {
		if _, ok := inGroup[i]; ok {
			continue
		}
		entries = append(entries, entry{startIndex: i, token: token})
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].startIndex < entries[j].startIndex })

	indexUpdates := make(map[string]int)
	merged := make([]store.Token, 0, len(indexGroups))
	added := make([]match.TokenRecord, 0, len(indexGroups))
	for newIdx := range entries {
		entries[newIdx].token.Index = newIdx
		if entries[newIdx].fresh {
			merged = append(merged, entries[newIdx].token)
			added = append(added, match.TokenRecord{
				ID:         entries[newIdx].token.ID,
				TextID:     textID,
				ProjectID:  text.ProjectID,
				Value:      entries[newIdx].token.Value,
				ValueLower: strings.ToLower(entries[newIdx].token.Value),
			})
		} else {
			indexUpdates[entries[newIdx].token.ID] = newIdx
		}
	}

	if err := s.store.MergeTokens(ctx, textID, removedIDs, indexUpdates, merged); err != nil {
		return nil, err
	}
	s.matcher.ReplaceTextTokens(removedIDs, added)

	return s.textPayload(ctx, session.UserID, text)
}

// ValidateIndexGroups checks merge input: every group non-empty,
// ascending and contiguous, in range, and disjoint from the others.
func ValidateIndexGroups(groups [][]int, tokenCount int) error {
	if len(groups) == 0 {
		return validationError("at least one index group is required", nil)
	}
	seen := make(map[int]struct{})
	for _, group := range groups {
		if len(group) == 0 {
			return validationError("index groups must not be empty", nil)
		}
		for i, idx := range group {
			if idx < 0 || idx >= tokenCount {
				return validationError("token index out of range", map[string]any{"index": idx})
			}
			if i > 0 && idx != group[i-1]+1 {
				return validationError("index groups must be contiguous", map[string]any{"group": group})
			}
			if _, ok := seen[idx]; ok {
				return validationError("index groups must be disjoint", map[string]any{"index": idx})
			}
			seen[idx] = struct{}{}
		}
	}
	return nil
}

// ---- search, adjudication, summary ----

// SearchTokenContext reports how tokens with the given original value
// are annotated across the project, grouped by type and value.
func (s *Service) SearchTokenContext(ctx context.Context, session Session, projectID, value string) (map[string]any, error) {
	if err := s.requireRole(ctx, projectID, session.UserID, rbac.ActionRead); err != nil {
		return nil, err
	}
	if strings.TrimSpace(value) == "" {
		return nil, validationError("search value is required", nil)
	}
	hits, err := s.matcher.FindMatchingTokens(ctx, projectID, value, nil)
	if err != nil {
		return nil, propagationError(err)
	}
	counts, err := s.store.CountAnnotationsForTokens(ctx, hitTokenIDs(hits))
	if err != nil {
		return nil, err
	}

	items := make([]map[string]any, 0, len(counts))
	for _, count := range counts {
		items = append(items, map[string]any{
			"type":       count.Type,
			"value":      count.Value,
			"suggestion": count.Suggestion,
			"count":      count.Count,
		})
	}
	return map[string]any{
		"value":       value,
		"matches":     len(hits),
		"annotations": items,
	}, nil
}

// GetAdjudicationPage builds the adjudication view for one text,
// one document per page: every annotator's current token sequence, the
// agreement report, and the majority-vote compiled sequence.
func (s *Service) GetAdjudicationPage(ctx context.Context, session Session, projectID string, pageIndex int) (map[string]any, error) {
	if err := s.requireRole(ctx, projectID, session.UserID, rbac.ActionRead); err != nil {
		return nil, err
	}
	if pageIndex < 0 {
		return nil, validationError("page index must not be negative", nil)
	}
	texts, err := s.store.ListTexts(ctx, projectID, pageIndex, 1)
	if err != nil {
		return nil, err
	}
	if len(texts) == 0 {
		return nil, notFound("page out of range")
	}
	total, err := s.store.CountTexts(ctx, projectID)
	if err != nil {
		return nil, err
	}

	usernames, err := s.annotatorNames(ctx, projectID)
	if err != nil {
		return nil, err
	}
	adjudicated, err := s.adjudicateText(ctx, texts[0], usernames)
	if err != nil {
		return nil, err
	}

	annotatorPayload := make(map[string]any, len(adjudicated.views))
	for username, view := range adjudicated.views {
		tags := make([][]string, len(view.Tokens))
		tokens := make([]string, len(view.Tokens))
		for i, tokenView := range view.Tokens {
			tokens[i] = tokenView.CurrentValue
			tags[i] = tokenView.Tags
		}
		annotatorPayload[username] = map[string]any{
			"tokens": tokens,
			"tags":   tags,
			"flags":  view.Flags,
			"saved":  view.Saved,
		}
	}

	input := make([]string, len(adjudicated.tokens))
	for i, token := range adjudicated.tokens {
		input[i] = token.Value
	}
	return map[string]any{
		"id":          texts[0].ID,
		"input":       input,
		"annotations": annotatorPayload,
		"compiled":    adjudicated.compiled,
		"iaa":         adjudicated.report,
		"page":        pageIndex,
		"totalPages":  total,
	}, nil
}

// GetProjectSummary aggregates corpus counts, the replacement histogram,
// the mean document agreement across annotated texts, and recent export
// snapshots.
func (s *Service) GetProjectSummary(ctx context.Context, session Session, projectID string) (map[string]any, error) {
	if err := s.requireRole(ctx, projectID, session.UserID, rbac.ActionRead); err != nil {
		return nil, err
	}
	counts, err := s.store.SummaryCounts(ctx, projectID)
	if err != nil {
		return nil, err
	}
	histogram, err := s.store.ReplacementHistogram(ctx, projectID, 20)
	if err != nil {
		return nil, err
	}
	meanIAA, err := s.meanDocumentIAA(ctx, projectID)
	if err != nil {
		return nil, err
	}

	history, err := s.snapshots.History(projectID, 5)
	if err != nil {
		log.Printf("app: snapshot history for %s: %v", projectID, err)
		history = []store.SnapshotInfo{}
	}
	snapshots := make([]map[string]any, 0, len(history))
	for _, info := range history {
		snapshots = append(snapshots, map[string]any{
			"hash":      info.Hash,
			"message":   strings.TrimSpace(info.Message),
			"author":    info.Author,
			"createdAt": info.CreatedAt,
		})
	}

	usage := make([]map[string]any, 0, len(histogram))
	for _, item := range histogram {
		usage = append(usage, map[string]any{
			"original":    item.Original,
			"replacement": item.Replacement,
			"count":       item.Count,
		})
	}
	return map[string]any{
		"texts":            counts.Texts,
		"tokens":           counts.Tokens,
		"vocabulary":       counts.Vocabulary,
		"corrections":      counts.Corrections,
		"savedTexts":       counts.SavedTexts,
		"flaggedTexts":     counts.FlaggedTexts,
		"documentIAA":      meanIAA,
		"replacementUsage": usage,
		"snapshots":        snapshots,
	}, nil
}

// ---- export ----

// ExportCorpus compiles the whole project, commits the result to the
// project's snapshot repository, and renders it in the requested format.
func (s *Service) ExportCorpus(ctx context.Context, session Session, projectID string, format export.Format) (*export.Result, error) {
	if err := s.requireRole(ctx, projectID, session.UserID, rbac.ActionRead); err != nil {
		return nil, err
	}
	project, err := s.store.GetProject(ctx, projectID)
	if err != nil {
		return nil, err
	}
	usernames, err := s.annotatorNames(ctx, projectID)
	if err != nil {
		return nil, err
	}
	total, err := s.store.CountTexts(ctx, projectID)
	if err != nil {
		return nil, err
	}
	texts, err := s.store.ListTexts(ctx, projectID, 0, total)
	if err != nil {
		return nil, err
	}

	corpus := export.Corpus{
		ProjectID:   projectID,
		ProjectName: project.Name,
		GeneratedAt: time.Now(),
	}
	snapshot := gitrepo.Snapshot{ProjectID: projectID, ExportedAt: corpus.GeneratedAt}
	iaaTotal := 0.0
	annotatedTexts := 0
	for _, text := range texts {
		adjudicated, err := s.adjudicateText(ctx, text, usernames)
		if err != nil {
			return nil, err
		}
		corpus.Texts = append(corpus.Texts, export.CorpusText{
			TextID:         text.ID,
			Original:       text.Original,
			Compiled:       adjudicated.compiled,
			AnnotatorCount: len(adjudicated.views),
			AgreementScore: adjudicated.report.DocumentIAA,
		})
		snapshot.Texts = append(snapshot.Texts, gitrepo.SnapshotText{
			TextID:   text.ID,
			Original: text.Original,
			Compiled: adjudicated.compiled,
		})
		if len(adjudicated.views) > 0 {
			iaaTotal += adjudicated.report.DocumentIAA
			annotatedTexts++
		}
	}

	if err := s.snapshots.EnsureProjectRepo(projectID); err != nil {
		log.Printf("app: ensure snapshot repo for %s: %v", projectID, err)
	} else if _, err := s.snapshots.CommitSnapshot(projectID, snapshot, session.Username); err != nil {
		log.Printf("app: commit snapshot for %s: %v", projectID, err)
	}

	switch format {
	case export.FormatText:
		return export.CorpusPlainText(corpus), nil
	case export.FormatJSON:
		return export.CorpusJSON(corpus)
	case export.FormatPDF:
		meanIAA := 0.0
		if annotatedTexts > 0 {
			meanIAA = iaaTotal / float64(annotatedTexts)
		}
		names := make([]string, 0, len(usernames))
		for _, name := range usernames {
			names = append(names, name)
		}
		sort.Strings(names)
		return export.ReportPDF(corpus, meanIAA, names)
	default:
		return nil, validationError(fmt.Sprintf("unsupported export format %q", format), nil)
	}
}

// ---- consensus plumbing ----

type adjudicatedText struct {
	tokens   []store.Token
	views    map[string]projection.UserView
	compiled []string
	report   consensus.Report
}

// adjudicateText projects every annotator's view of one text and runs
// the consensus engine over the resulting sequences. views is keyed by
// username rather than user id; annotators no longer in the project fall
// back to their user id.
func (s *Service) adjudicateText(ctx context.Context, text store.Text, usernames map[string]string) (adjudicatedText, error) {
	tokens, err := s.store.ListTokens(ctx, text.ID)
	if err != nil {
		return adjudicatedText{}, err
	}
	annotations, err := s.store.ListAnnotationsByText(ctx, text.ID)
	if err != nil {
		return adjudicatedText{}, err
	}

	byUser := projection.Project(tokens, annotations)
	views := make(map[string]projection.UserView, len(byUser))
	sequences := make(map[string][]string, len(byUser))
	for userID, view := range byUser {
		name := usernames[userID]
		if name == "" {
			name = userID
		}
		views[name] = view
		sequences[name] = projection.CurrentValues(view)
	}

	// With no annotators there is nothing to vote on; the original
	// sequence stands.
	compiled := make([]string, len(tokens))
	for i, token := range tokens {
		compiled[i] = token.Value
	}
	if len(sequences) > 0 {
		compiled = consensus.Compile(sequences, len(tokens))
	}

	return adjudicatedText{
		tokens:   tokens,
		views:    views,
		compiled: compiled,
		report:   consensus.Agree(sequences, len(tokens)),
	}, nil
}

func (s *Service) meanDocumentIAA(ctx context.Context, projectID string) (float64, error) {
	total, err := s.store.CountTexts(ctx, projectID)
	if err != nil {
		return 0, err
	}
	if total == 0 {
		return 0, nil
	}
	texts, err := s.store.ListTexts(ctx, projectID, 0, total)
	if err != nil {
		return 0, err
	}
	usernames, err := s.annotatorNames(ctx, projectID)
	if err != nil {
		return 0, err
	}

	sum := 0.0
	annotated := 0
	for _, text := range texts {
		adjudicated, err := s.adjudicateText(ctx, text, usernames)
		if err != nil {
			return 0, err
		}
		if len(adjudicated.views) == 0 {
			continue
		}
		sum += adjudicated.report.DocumentIAA
		annotated++
	}
	if annotated == 0 {
		return 0, nil
	}
	return sum / float64(annotated), nil
}

func (s *Service) annotatorNames(ctx context.Context, projectID string) (map[string]string, error) {
	annotators, err := s.store.ListAnnotators(ctx, projectID)
	if err != nil {
		return nil, err
	}
	names := make(map[string]string, len(annotators))
	for _, annotator := range annotators {
		names[annotator.UserID] = annotator.Username
	}
	return names, nil
}

// ---- pure helpers ----

// Tokenize splits a raw text on whitespace. Token values keep their
// punctuation; normalisation is the annotators' job, not the upload's.
func Tokenize(raw string) []string {
	return strings.Fields(raw)
}

// FilterCandidates removes hits whose token already carries a competing
// annotation. Kept separate from candidate discovery so both steps test
// in isolation.
func FilterCandidates(hits []match.Hit, excluded map[string]struct{}) []match.Hit {
	remaining := make([]match.Hit, 0, len(hits))
	for _, hit := range hits {
		if _, ok := excluded[hit.TokenID]; ok {
			continue
		}
		remaining = append(remaining, hit)
	}
	return remaining
}

func (s *Service) isEnglishWord(value string, special map[string]struct{}) bool {
	lower := strings.ToLower(value)
	if _, ok := special[lower]; ok {
		return true
	}
	_, ok := s.wordList[lower]
	return ok
}

func newCascadeResult(textID, tokenID string) CascadeResult {
	return CascadeResult{
		TextTokenIDs: map[string][]string{textID: {tokenID}},
	}
}

// cascadeFailed reports a match-index failure after the focus mutation
// already landed. The caller gets a zero cascade and the error text, not
// a failed request.
func cascadeFailed(result CascadeResult, err error) CascadeResult {
	log.Printf("app: cascade lookup failed: %v", err)
	result.CascadeError = propagationError(err).Message
	return result
}

func hitTokenIDs(hits []match.Hit) []string {
	ids := make([]string, 0, len(hits))
	for _, hit := range hits {
		ids = append(ids, hit.TokenID)
	}
	return ids
}

func hitTextByToken(hits []match.Hit) map[string]string {
	byToken := make(map[string]string, len(hits))
	for _, hit := range hits {
		byToken[hit.TokenID] = hit.TextID
	}
	return byToken
}

func projectPayload(project store.Project, textCount int) map[string]any {
	specialTokens := project.SpecialTokens
	if specialTokens == nil {
		specialTokens = []string{}
	}
	return map[string]any{
		"id":            project.ID,
		"name":          project.Name,
		"description":   project.Description,
		"ownerId":       project.OwnerID,
		"specialTokens": specialTokens,
		"textCount":     textCount,
		"createdAt":     project.CreatedAt,
	}
}
