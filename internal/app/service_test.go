package app

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"testing"
	"time"

	"lexiform/api/internal/authpw"
	"lexiform/api/internal/config"
	"lexiform/api/internal/consensus"
	"lexiform/api/internal/export"
	"lexiform/api/internal/gitrepo"
	"lexiform/api/internal/match"
	"lexiform/api/internal/rbac"
	"lexiform/api/internal/store"
	"lexiform/api/internal/util"
)

// memStore is an in-memory dataStore. Cascade behavior depends on state
// accumulating across calls, so a stateful fake beats stubbed returns.
type memStore struct {
	users       map[string]store.User
	projects    map[string]store.Project
	memberships map[string]map[string]string
	labels      map[string]store.EntityLabel
	texts       map[string]store.Text
	tokens      map[string][]store.Token
	annotations map[string]store.Annotation
	revoked     map[string]bool
	pingErr     error
}

func newMemStore() *memStore {
	return &memStore{
		users:       make(map[string]store.User),
		projects:    make(map[string]store.Project),
		memberships: make(map[string]map[string]string),
		labels:      make(map[string]store.EntityLabel),
		texts:       make(map[string]store.Text),
		tokens:      make(map[string][]store.Token),
		annotations: make(map[string]store.Annotation),
		revoked:     make(map[string]bool),
	}
}

var errNotFound = errors.New("not found")

func (m *memStore) Ping(context.Context) error { return m.pingErr }

func (m *memStore) CreateUser(_ context.Context, user store.User) error {
	for _, existing := range m.users {
		if existing.Email == user.Email {
			return store.ErrDuplicate
		}
	}
	m.users[user.ID] = user
	return nil
}

func (m *memStore) GetUserByEmail(_ context.Context, email string) (store.User, error) {
	for _, user := range m.users {
		if user.Email == email {
			return user, nil
		}
	}
	return store.User{}, errNotFound
}

func (m *memStore) GetUserByID(_ context.Context, userID string) (store.User, error) {
	user, ok := m.users[userID]
	if !ok {
		return store.User{}, errNotFound
	}
	return user, nil
}

func (m *memStore) RevokeAccessToken(_ context.Context, jti string, _ time.Time) error {
	m.revoked[jti] = true
	return nil
}

func (m *memStore) IsAccessTokenRevoked(_ context.Context, jti string) (bool, error) {
	return m.revoked[jti], nil
}

func (m *memStore) InsertProject(_ context.Context, project store.Project) error {
	m.projects[project.ID] = project
	return nil
}

func (m *memStore) GetProject(_ context.Context, projectID string) (store.Project, error) {
	project, ok := m.projects[projectID]
	if !ok {
		return store.Project{}, errNotFound
	}
	return project, nil
}

func (m *memStore) ListProjectsForUser(_ context.Context, userID string) ([]store.Project, error) {
	items := make([]store.Project, 0)
	for projectID, members := range m.memberships {
		if _, ok := members[userID]; ok {
			items = append(items, m.projects[projectID])
		}
	}
	return items, nil
}

func (m *memStore) InsertMembership(_ context.Context, membership store.ProjectMembership) error {
	members, ok := m.memberships[membership.ProjectID]
	if !ok {
		members = make(map[string]string)
		m.memberships[membership.ProjectID] = members
	}
	if _, exists := members[membership.UserID]; exists {
		return store.ErrDuplicate
	}
	members[membership.UserID] = membership.Role
	return nil
}

func (m *memStore) GetProjectRole(_ context.Context, projectID, userID string) (string, error) {
	return m.memberships[projectID][userID], nil
}

func (m *memStore) ListAnnotators(_ context.Context, projectID string) ([]store.Annotator, error) {
	items := make([]store.Annotator, 0)
	for userID := range m.memberships[projectID] {
		items = append(items, store.Annotator{UserID: userID, Username: m.users[userID].Username})
	}
	return items, nil
}

func (m *memStore) InsertEntityLabel(_ context.Context, label store.EntityLabel) error {
	for _, existing := range m.labels {
		if existing.ProjectID == label.ProjectID && existing.Name == label.Name {
			return store.ErrDuplicate
		}
	}
	m.labels[label.ID] = label
	return nil
}

func (m *memStore) GetEntityLabel(_ context.Context, labelID string) (store.EntityLabel, error) {
	label, ok := m.labels[labelID]
	if !ok {
		return store.EntityLabel{}, errNotFound
	}
	return label, nil
}

func (m *memStore) ListEntityLabels(_ context.Context, projectID string) ([]store.EntityLabel, error) {
	items := make([]store.EntityLabel, 0)
	for _, label := range m.labels {
		if label.ProjectID == projectID {
			items = append(items, label)
		}
	}
	return items, nil
}

func (m *memStore) InsertText(_ context.Context, text store.Text, tokens []store.Token) error {
	m.texts[text.ID] = text
	m.tokens[text.ID] = append([]store.Token(nil), tokens...)
	return nil
}

func (m *memStore) GetText(_ context.Context, textID string) (store.Text, error) {
	text, ok := m.texts[textID]
	if !ok {
		return store.Text{}, errNotFound
	}
	return text, nil
}

func (m *memStore) ListTexts(_ context.Context, projectID string, offset, limit int) ([]store.Text, error) {
	items := make([]store.Text, 0)
	for _, text := range m.texts {
		if text.ProjectID == projectID {
			items = append(items, text)
		}
	}
	sort.Slice(items, func(i, j int) bool { return items[i].Rank < items[j].Rank })
	if offset >= len(items) {
		return []store.Text{}, nil
	}
	items = items[offset:]
	if limit < len(items) {
		items = items[:limit]
	}
	return items, nil
}

func (m *memStore) CountTexts(_ context.Context, projectID string) (int, error) {
	count := 0
	for _, text := range m.texts {
		if text.ProjectID == projectID {
			count++
		}
	}
	return count, nil
}

func (m *memStore) ListTokens(_ context.Context, textID string) ([]store.Token, error) {
	tokens := append([]store.Token(nil), m.tokens[textID]...)
	sort.Slice(tokens, func(i, j int) bool { return tokens[i].Index < tokens[j].Index })
	return tokens, nil
}

func (m *memStore) GetToken(_ context.Context, textID, tokenID string) (store.Token, error) {
	for _, token := range m.tokens[textID] {
		if token.ID == tokenID {
			return token, nil
		}
	}
	return store.Token{}, errNotFound
}

func (m *memStore) MergeTokens(_ context.Context, textID string, removedTokenIDs []string, indexUpdates map[string]int, merged []store.Token) error {
	removed := make(map[string]struct{}, len(removedTokenIDs))
	for _, id := range removedTokenIDs {
		removed[id] = struct{}{}
	}
	for id, a := range m.annotations {
		if _, ok := removed[a.TokenID]; ok {
			delete(m.annotations, id)
		}
	}
	kept := make([]store.Token, 0)
	for _, token := range m.tokens[textID] {
		if _, ok := removed[token.ID]; ok {
			continue
		}
		if idx, ok := indexUpdates[token.ID]; ok {
			token.Index = idx
		}
		kept = append(kept, token)
	}
	m.tokens[textID] = append(kept, merged...)
	return nil
}

func (m *memStore) InsertAnnotation(_ context.Context, annotation store.Annotation) error {
	for _, existing := range m.annotations {
		if existing.Type != annotation.Type || existing.UserID != annotation.UserID {
			continue
		}
		switch annotation.Type {
		case store.AnnotationReplacement:
			if existing.TokenID == annotation.TokenID {
				return store.ErrDuplicate
			}
		case store.AnnotationTag:
			if existing.TokenID == annotation.TokenID && existing.Value == annotation.Value {
				return store.ErrDuplicate
			}
		case store.AnnotationFlag:
			if existing.TextID == annotation.TextID && existing.Value == annotation.Value {
				return store.ErrDuplicate
			}
		case store.AnnotationSave:
			if existing.TextID == annotation.TextID {
				return store.ErrDuplicate
			}
		}
	}
	m.annotations[annotation.ID] = annotation
	return nil
}

func (m *memStore) InsertAnnotations(ctx context.Context, annotations []store.Annotation) error {
	for _, annotation := range annotations {
		if err := m.InsertAnnotation(ctx, annotation); err != nil {
			return err
		}
	}
	return nil
}

func (m *memStore) GetReplacement(_ context.Context, userID, tokenID string) (*store.Annotation, error) {
	for _, a := range m.annotations {
		if a.Type == store.AnnotationReplacement && a.UserID == userID && a.TokenID == tokenID {
			copied := a
			return &copied, nil
		}
	}
	return nil, nil
}

func (m *memStore) ListUserAnnotationsForTokens(_ context.Context, userID, annotationType string, tokenIDs []string) ([]store.Annotation, error) {
	wanted := make(map[string]struct{}, len(tokenIDs))
	for _, id := range tokenIDs {
		wanted[id] = struct{}{}
	}
	items := make([]store.Annotation, 0)
	for _, a := range m.annotations {
		if a.UserID != userID || a.Type != annotationType {
			continue
		}
		if _, ok := wanted[a.TokenID]; ok {
			items = append(items, a)
		}
	}
	return items, nil
}

func (m *memStore) ListUserReplacementsByValue(_ context.Context, userID, projectID, value string) ([]store.Annotation, error) {
	items := make([]store.Annotation, 0)
	for _, a := range m.annotations {
		if a.Type != store.AnnotationReplacement || a.UserID != userID {
			continue
		}
		if m.texts[a.TextID].ProjectID != projectID {
			continue
		}
		if strings.EqualFold(a.Value, value) {
			items = append(items, a)
		}
	}
	return items, nil
}

func (m *memStore) DeleteTokenAnnotation(_ context.Context, userID, tokenID, annotationType, value string) (bool, error) {
	found := false
	for id, a := range m.annotations {
		if a.UserID == userID && a.TokenID == tokenID && a.Type == annotationType && (value == "" || a.Value == value) {
			delete(m.annotations, id)
			found = true
		}
	}
	return found, nil
}

func (m *memStore) ListAnnotationsByText(_ context.Context, textID string) ([]store.Annotation, error) {
	items := make([]store.Annotation, 0)
	for _, a := range m.annotations {
		if a.TextID == textID {
			items = append(items, a)
		}
	}
	return items, nil
}

func (m *memStore) ListUserAnnotationsByText(_ context.Context, textID, userID string) ([]store.Annotation, error) {
	items := make([]store.Annotation, 0)
	for _, a := range m.annotations {
		if a.TextID == textID && a.UserID == userID {
			items = append(items, a)
		}
	}
	return items, nil
}

func (m *memStore) UpdateAnnotation(_ context.Context, annotationID, value string, suggestion bool) error {
	a, ok := m.annotations[annotationID]
	if !ok {
		return errNotFound
	}
	a.Value = value
	a.Suggestion = suggestion
	m.annotations[annotationID] = a
	return nil
}

func (m *memStore) AcceptSuggestions(_ context.Context, annotationIDs []string) error {
	for _, id := range annotationIDs {
		if a, ok := m.annotations[id]; ok {
			a.Suggestion = false
			m.annotations[id] = a
		}
	}
	return nil
}

func (m *memStore) DeleteAnnotations(_ context.Context, annotationIDs []string) error {
	for _, id := range annotationIDs {
		delete(m.annotations, id)
	}
	return nil
}

func (m *memStore) DeleteTextAnnotation(_ context.Context, userID, textID, annotationType, value string) (bool, error) {
	found := false
	for id, a := range m.annotations {
		if a.UserID == userID && a.TextID == textID && a.Type == annotationType && (value == "" || a.Value == value) {
			delete(m.annotations, id)
			found = true
		}
	}
	return found, nil
}

func (m *memStore) CountAnnotationsForTokens(_ context.Context, tokenIDs []string) ([]store.AnnotationContextCount, error) {
	wanted := make(map[string]struct{}, len(tokenIDs))
	for _, id := range tokenIDs {
		wanted[id] = struct{}{}
	}
	type key struct {
		typ        string
		value      string
		suggestion bool
	}
	counts := make(map[key]int)
	for _, a := range m.annotations {
		if _, ok := wanted[a.TokenID]; !ok {
			continue
		}
		counts[key{a.Type, a.Value, a.Suggestion}]++
	}
	items := make([]store.AnnotationContextCount, 0, len(counts))
	for k, count := range counts {
		items = append(items, store.AnnotationContextCount{Type: k.typ, Value: k.value, Suggestion: k.suggestion, Count: count})
	}
	return items, nil
}

func (m *memStore) SummaryCounts(_ context.Context, projectID string) (store.ProjectCounts, error) {
	counts := store.ProjectCounts{}
	vocabulary := make(map[string]struct{})
	saved := make(map[string]struct{})
	flagged := make(map[string]struct{})
	for textID, text := range m.texts {
		if text.ProjectID != projectID {
			continue
		}
		counts.Texts++
		for _, token := range m.tokens[textID] {
			counts.Tokens++
			vocabulary[strings.ToLower(token.Value)] = struct{}{}
		}
	}
	for _, a := range m.annotations {
		if m.texts[a.TextID].ProjectID != projectID {
			continue
		}
		switch a.Type {
		case store.AnnotationReplacement:
			counts.Corrections++
		case store.AnnotationSave:
			saved[a.TextID] = struct{}{}
		case store.AnnotationFlag:
			flagged[a.TextID] = struct{}{}
		}
	}
	counts.Vocabulary = len(vocabulary)
	counts.SavedTexts = len(saved)
	counts.FlaggedTexts = len(flagged)
	return counts, nil
}

func (m *memStore) ReplacementHistogram(_ context.Context, projectID string, limit int) ([]store.ReplacementUsage, error) {
	return []store.ReplacementUsage{}, nil
}

// memSessions is an in-memory SessionBackend.
type memSessions struct {
	byHash map[string]store.User
}

func newMemSessions() *memSessions {
	return &memSessions{byHash: make(map[string]store.User)}
}

func (m *memSessions) SaveRefreshSession(_ context.Context, tokenHash string, user store.User, _ time.Time) error {
	m.byHash[tokenHash] = user
	return nil
}

func (m *memSessions) LookupRefreshSession(_ context.Context, tokenHash string) (store.User, error) {
	user, ok := m.byHash[tokenHash]
	if !ok {
		return store.User{}, errNotFound
	}
	return user, nil
}

func (m *memSessions) RevokeRefreshSession(_ context.Context, tokenHash string) error {
	delete(m.byHash, tokenHash)
	return nil
}

// fakeMatcher scans the memStore directly. failErr simulates an index
// outage mid-cascade.
type fakeMatcher struct {
	store    *memStore
	failErr  error
	replaced [][]string
}

func (f *fakeMatcher) FindMatchingTokens(_ context.Context, projectID, value string, excludeTokenIDs []string) ([]match.Hit, error) {
	if f.failErr != nil {
		return nil, f.failErr
	}
	excluded := make(map[string]struct{}, len(excludeTokenIDs))
	for _, id := range excludeTokenIDs {
		excluded[id] = struct{}{}
	}
	hits := make([]match.Hit, 0)
	for textID, text := range f.store.texts {
		if text.ProjectID != projectID {
			continue
		}
		for _, token := range f.store.tokens[textID] {
			if _, ok := excluded[token.ID]; ok {
				continue
			}
			if strings.EqualFold(token.Value, value) {
				hits = append(hits, match.Hit{TokenID: token.ID, TextID: textID, Value: token.Value})
			}
		}
	}
	return hits, nil
}

func (f *fakeMatcher) IndexProjectTokens(context.Context, string) {}

func (f *fakeMatcher) ReplaceTextTokens(removedTokenIDs []string, _ []match.TokenRecord) {
	f.replaced = append(f.replaced, removedTokenIDs)
}

type fakeSnapshots struct {
	commits []gitrepo.Snapshot
}

func (f *fakeSnapshots) EnsureProjectRepo(string) error { return nil }

func (f *fakeSnapshots) CommitSnapshot(projectID string, snapshot gitrepo.Snapshot, author string) (store.SnapshotInfo, error) {
	f.commits = append(f.commits, snapshot)
	return store.SnapshotInfo{Hash: fmt.Sprintf("hash-%d", len(f.commits)), Author: author, CreatedAt: time.Now()}, nil
}

func (f *fakeSnapshots) History(string, int) ([]store.SnapshotInfo, error) {
	items := make([]store.SnapshotInfo, 0, len(f.commits))
	for i := range f.commits {
		items = append(items, store.SnapshotInfo{Hash: fmt.Sprintf("hash-%d", i+1)})
	}
	return items, nil
}

type testEnv struct {
	service   *Service
	store     *memStore
	matcher   *fakeMatcher
	snapshots *fakeSnapshots
}

func newTestEnv() *testEnv {
	mem := newMemStore()
	matcher := &fakeMatcher{store: mem}
	snapshots := &fakeSnapshots{}
	service := &Service{
		cfg: config.Config{
			JWTSecret:  "test-secret",
			AccessTTL:  time.Hour,
			RefreshTTL: 24 * time.Hour,
		},
		store:     mem,
		sessions:  newMemSessions(),
		accounts:  authpw.NewService(mem),
		matcher:   matcher,
		snapshots: snapshots,
		wordList:  map[string]struct{}{"the": {}, "house": {}, "is": {}, "big": {}, "new": {}},
	}
	return &testEnv{service: service, store: mem, matcher: matcher, snapshots: snapshots}
}

func (e *testEnv) addUser(t *testing.T, username string) Session {
	t.Helper()
	user := store.User{
		ID:       util.NewID("usr"),
		Email:    username + "@example.com",
		Username: username,
	}
	if err := e.store.CreateUser(context.Background(), user); err != nil {
		t.Fatalf("CreateUser() error = %v", err)
	}
	return Session{UserID: user.ID, Username: username, Email: user.Email}
}

func (e *testEnv) addMember(t *testing.T, projectID string, session Session, role rbac.Role) {
	t.Helper()
	err := e.store.InsertMembership(context.Background(), store.ProjectMembership{
		ProjectID: projectID,
		UserID:    session.UserID,
		Role:      string(role),
	})
	if err != nil {
		t.Fatalf("InsertMembership() error = %v", err)
	}
}

// seedText inserts a text with one token per value, indexes 0..n-1.
func (e *testEnv) seedText(t *testing.T, projectID, textID string, values ...string) []store.Token {
	t.Helper()
	tokens := make([]store.Token, 0, len(values))
	for i, value := range values {
		tokens = append(tokens, store.Token{
			ID:     fmt.Sprintf("%s-tok-%d", textID, i),
			TextID: textID,
			Index:  i,
			Value:  value,
		})
	}
	text := store.Text{ID: textID, ProjectID: projectID, Original: strings.Join(values, " "), Rank: len(e.store.texts)}
	if err := e.store.InsertText(context.Background(), text, tokens); err != nil {
		t.Fatalf("InsertText() error = %v", err)
	}
	return tokens
}

func (e *testEnv) seedProject(t *testing.T, session Session) string {
	t.Helper()
	projectID := util.NewID("prj")
	err := e.store.InsertProject(context.Background(), store.Project{ID: projectID, Name: "Norm Round", OwnerID: session.UserID})
	if err != nil {
		t.Fatalf("InsertProject() error = %v", err)
	}
	e.addMember(t, projectID, session, rbac.RoleAdmin)
	return projectID
}

func (e *testEnv) replacementFor(t *testing.T, userID, tokenID string) *store.Annotation {
	t.Helper()
	a, err := e.store.GetReplacement(context.Background(), userID, tokenID)
	if err != nil {
		t.Fatalf("GetReplacement() error = %v", err)
	}
	return a
}

func TestApplyReplacementBasic(t *testing.T) {
	env := newTestEnv()
	session := env.addUser(t, "avery")
	projectID := env.seedProject(t, session)
	tokens := env.seedText(t, projectID, "txt-a", "Teh", "house", "is", "big")

	result, err := env.service.ApplyReplacement(context.Background(), session, projectID, "txt-a", tokens[0].ID, "The", false, "")
	if err != nil {
		t.Fatalf("ApplyReplacement() error = %v", err)
	}
	if result.Matches != 0 {
		t.Fatalf("matches = %d, want 0", result.Matches)
	}

	a := env.replacementFor(t, session.UserID, tokens[0].ID)
	if a == nil || a.Suggestion || a.Value != "The" {
		t.Fatalf("unexpected focus annotation: %+v", a)
	}
	for _, token := range tokens[1:] {
		if other := env.replacementFor(t, session.UserID, token.ID); other != nil {
			t.Fatalf("token %s unexpectedly annotated: %+v", token.ID, other)
		}
	}
}

func TestApplyReplacementIdempotent(t *testing.T) {
	env := newTestEnv()
	session := env.addUser(t, "avery")
	projectID := env.seedProject(t, session)
	tokens := env.seedText(t, projectID, "txt-a", "Teh", "house")

	for i := 0; i < 2; i++ {
		if _, err := env.service.ApplyReplacement(context.Background(), session, projectID, "txt-a", tokens[0].ID, "The", false, ""); err != nil {
			t.Fatalf("ApplyReplacement() call %d error = %v", i+1, err)
		}
	}

	count := 0
	for _, a := range env.store.annotations {
		if a.Type == store.AnnotationReplacement && a.TokenID == tokens[0].ID {
			count++
			if a.Suggestion {
				t.Fatal("expected accepted annotation")
			}
		}
	}
	if count != 1 {
		t.Fatalf("annotation count = %d, want 1", count)
	}
}

func TestApplyReplacementCascade(t *testing.T) {
	env := newTestEnv()
	session := env.addUser(t, "avery")
	projectID := env.seedProject(t, session)
	tokensA := env.seedText(t, projectID, "txt-a", "Teh", "house")
	tokensB := env.seedText(t, projectID, "txt-b", "big", "Teh")

	result, err := env.service.ApplyReplacement(context.Background(), session, projectID, "txt-a", tokensA[0].ID, "The", true, "")
	if err != nil {
		t.Fatalf("ApplyReplacement() error = %v", err)
	}
	if result.Matches != 1 {
		t.Fatalf("matches = %d, want 1", result.Matches)
	}
	if len(result.TextTokenIDs["txt-a"]) != 1 || len(result.TextTokenIDs["txt-b"]) != 1 {
		t.Fatalf("unexpected textTokenIds: %+v", result.TextTokenIDs)
	}

	focus := env.replacementFor(t, session.UserID, tokensA[0].ID)
	if focus == nil || focus.Suggestion {
		t.Fatalf("focus should be accepted: %+v", focus)
	}
	cascaded := env.replacementFor(t, session.UserID, tokensB[1].ID)
	if cascaded == nil || !cascaded.Suggestion || cascaded.Value != "The" {
		t.Fatalf("cascaded annotation wrong: %+v", cascaded)
	}
}

func TestApplyAllExcludesPriorDecisions(t *testing.T) {
	env := newTestEnv()
	session := env.addUser(t, "avery")
	projectID := env.seedProject(t, session)
	tokensA := env.seedText(t, projectID, "txt-a", "Teh", "house")
	tokensB := env.seedText(t, projectID, "txt-b", "Teh", "big")

	// An independent decision on text B's token must not be overwritten.
	if _, err := env.service.ApplyReplacement(context.Background(), session, projectID, "txt-b", tokensB[0].ID, "Tech", false, ""); err != nil {
		t.Fatalf("seed replacement error = %v", err)
	}

	result, err := env.service.ApplyReplacement(context.Background(), session, projectID, "txt-a", tokensA[0].ID, "The", true, "")
	if err != nil {
		t.Fatalf("ApplyReplacement() error = %v", err)
	}
	if result.Matches != 0 {
		t.Fatalf("matches = %d, want 0", result.Matches)
	}
	prior := env.replacementFor(t, session.UserID, tokensB[0].ID)
	if prior == nil || prior.Value != "Tech" || prior.Suggestion {
		t.Fatalf("prior decision changed: %+v", prior)
	}
}

func TestApplyReplacementCascadeLookupFailure(t *testing.T) {
	env := newTestEnv()
	session := env.addUser(t, "avery")
	projectID := env.seedProject(t, session)
	tokens := env.seedText(t, projectID, "txt-a", "Teh", "house")
	env.matcher.failErr = errors.New("index offline")

	result, err := env.service.ApplyReplacement(context.Background(), session, projectID, "txt-a", tokens[0].ID, "The", true, "")
	if err != nil {
		t.Fatalf("ApplyReplacement() error = %v", err)
	}
	if result.CascadeError == "" {
		t.Fatal("expected cascadeError to be reported")
	}
	if result.Matches != 0 {
		t.Fatalf("matches = %d, want 0", result.Matches)
	}
	// The focus mutation must land even when the cascade failed.
	focus := env.replacementFor(t, session.UserID, tokens[0].ID)
	if focus == nil || focus.Value != "The" || focus.Suggestion {
		t.Fatalf("focus annotation lost: %+v", focus)
	}
}

func TestAcceptReplacementCascade(t *testing.T) {
	env := newTestEnv()
	session := env.addUser(t, "avery")
	projectID := env.seedProject(t, session)
	tokensA := env.seedText(t, projectID, "txt-a", "Teh", "house")
	tokensB := env.seedText(t, projectID, "txt-b", "Teh", "big")

	if _, err := env.service.ApplyReplacement(context.Background(), session, projectID, "txt-a", tokensA[0].ID, "The", true, ""); err != nil {
		t.Fatalf("ApplyReplacement() error = %v", err)
	}
	suggested := env.replacementFor(t, session.UserID, tokensB[0].ID)
	if suggested == nil || !suggested.Suggestion {
		t.Fatalf("expected suggestion on text B: %+v", suggested)
	}

	result, err := env.service.AcceptReplacement(context.Background(), session, projectID, "txt-b", tokensB[0].ID, true, "")
	if err != nil {
		t.Fatalf("AcceptReplacement() error = %v", err)
	}
	if result.Matches != 0 {
		t.Fatalf("matches = %d, want 0 (no other suggestions)", result.Matches)
	}
	accepted := env.replacementFor(t, session.UserID, tokensB[0].ID)
	if accepted == nil || accepted.Suggestion {
		t.Fatalf("suggestion not promoted: %+v", accepted)
	}
}

func TestDeleteReplacementScopedToState(t *testing.T) {
	env := newTestEnv()
	session := env.addUser(t, "avery")
	projectID := env.seedProject(t, session)
	tokensA := env.seedText(t, projectID, "txt-a", "Teh", "house")
	tokensB := env.seedText(t, projectID, "txt-b", "Teh", "big")
	tokensC := env.seedText(t, projectID, "txt-c", "Teh", "is")

	// Cascade creates suggestions on B and C; then accept only C's.
	if _, err := env.service.ApplyReplacement(context.Background(), session, projectID, "txt-a", tokensA[0].ID, "The", true, ""); err != nil {
		t.Fatalf("ApplyReplacement() error = %v", err)
	}
	if _, err := env.service.AcceptReplacement(context.Background(), session, projectID, "txt-c", tokensC[0].ID, false, ""); err != nil {
		t.Fatalf("AcceptReplacement() error = %v", err)
	}

	// Deleting B's suggestion with applyAll must spare C's accepted one.
	result, err := env.service.DeleteReplacement(context.Background(), session, projectID, "txt-b", tokensB[0].ID, true, "")
	if err != nil {
		t.Fatalf("DeleteReplacement() error = %v", err)
	}
	if result.Matches != 0 {
		t.Fatalf("matches = %d, want 0", result.Matches)
	}
	if got := env.replacementFor(t, session.UserID, tokensB[0].ID); got != nil {
		t.Fatalf("focus suggestion not deleted: %+v", got)
	}
	if got := env.replacementFor(t, session.UserID, tokensC[0].ID); got == nil || got.Suggestion {
		t.Fatalf("accepted correction lost: %+v", got)
	}
}

func TestRemoveToken(t *testing.T) {
	env := newTestEnv()
	session := env.addUser(t, "avery")
	projectID := env.seedProject(t, session)
	tokens := env.seedText(t, projectID, "txt-a", "Teh", "house")

	if _, err := env.service.RemoveToken(context.Background(), session, projectID, "txt-a", tokens[0].ID, true); err == nil {
		t.Fatal("expected validation error for applyAll removal")
	}

	if _, err := env.service.RemoveToken(context.Background(), session, projectID, "txt-a", tokens[0].ID, false); err != nil {
		t.Fatalf("RemoveToken() error = %v", err)
	}
	a := env.replacementFor(t, session.UserID, tokens[0].ID)
	if a == nil || a.Value != "" || a.Suggestion {
		t.Fatalf("removal annotation wrong: %+v", a)
	}
}

func TestApplyLabelConflict(t *testing.T) {
	env := newTestEnv()
	session := env.addUser(t, "avery")
	projectID := env.seedProject(t, session)
	tokens := env.seedText(t, projectID, "txt-a", "obama", "said")
	label := store.EntityLabel{ID: "lbl-1", ProjectID: projectID, Name: "person"}
	if err := env.store.InsertEntityLabel(context.Background(), label); err != nil {
		t.Fatalf("InsertEntityLabel() error = %v", err)
	}

	if _, err := env.service.ApplyLabel(context.Background(), session, projectID, "txt-a", tokens[0].ID, "lbl-1", false); err != nil {
		t.Fatalf("first ApplyLabel() error = %v", err)
	}
	_, err := env.service.ApplyLabel(context.Background(), session, projectID, "txt-a", tokens[0].ID, "lbl-1", false)
	var domainErr *DomainError
	if !errors.As(err, &domainErr) || domainErr.Code != "CONFLICT" {
		t.Fatalf("expected CONFLICT, got %v", err)
	}

	count := 0
	for _, a := range env.store.annotations {
		if a.Type == store.AnnotationTag && a.TokenID == tokens[0].ID {
			count++
		}
	}
	if count != 1 {
		t.Fatalf("tag count = %d, want 1", count)
	}
}

func TestApplyLabelCascadeUsesEffectiveValue(t *testing.T) {
	env := newTestEnv()
	session := env.addUser(t, "avery")
	projectID := env.seedProject(t, session)
	tokensA := env.seedText(t, projectID, "txt-a", "barack", "spoke")
	tokensB := env.seedText(t, projectID, "txt-b", "Barack", "left")
	tokensC := env.seedText(t, projectID, "txt-c", "brck", "waved")
	label := store.EntityLabel{ID: "lbl-1", ProjectID: projectID, Name: "person"}
	if err := env.store.InsertEntityLabel(context.Background(), label); err != nil {
		t.Fatalf("InsertEntityLabel() error = %v", err)
	}

	// txt-c's token is corrected to the focus value, so the cascade must
	// reach it through the replacement, not the original.
	if _, err := env.service.ApplyReplacement(context.Background(), session, projectID, "txt-c", tokensC[0].ID, "barack", false, ""); err != nil {
		t.Fatalf("ApplyReplacement() error = %v", err)
	}

	result, err := env.service.ApplyLabel(context.Background(), session, projectID, "txt-a", tokensA[0].ID, "lbl-1", true)
	if err != nil {
		t.Fatalf("ApplyLabel() error = %v", err)
	}
	if result.Matches != 2 {
		t.Fatalf("matches = %d, want 2", result.Matches)
	}
	for _, tokenID := range []string{tokensB[0].ID, tokensC[0].ID} {
		tagged := false
		for _, a := range env.store.annotations {
			if a.Type == store.AnnotationTag && a.TokenID == tokenID && a.Value == "lbl-1" {
				tagged = true
			}
		}
		if !tagged {
			t.Fatalf("token %s missing cascaded tag", tokenID)
		}
	}
}

func TestMergeTokensCascadeDeletesAnnotations(t *testing.T) {
	env := newTestEnv()
	session := env.addUser(t, "avery")
	projectID := env.seedProject(t, session)
	tokens := env.seedText(t, projectID, "txt-a", "to", "moro", "is", "big")

	// "moro" corrected to "morrow" so the merged value uses the current
	// value; its annotation must not survive the merge.
	if _, err := env.service.ApplyReplacement(context.Background(), session, projectID, "txt-a", tokens[1].ID, "morrow", false, ""); err != nil {
		t.Fatalf("ApplyReplacement() error = %v", err)
	}

	payload, err := env.service.MergeTokens(context.Background(), session, "txt-a", [][]int{{0, 1}})
	if err != nil {
		t.Fatalf("MergeTokens() error = %v", err)
	}
	if payload["id"] != "txt-a" {
		t.Fatalf("payload id = %v", payload["id"])
	}

	merged, err := env.store.ListTokens(context.Background(), "txt-a")
	if err != nil {
		t.Fatalf("ListTokens() error = %v", err)
	}
	if len(merged) != 3 {
		t.Fatalf("token count = %d, want 3", len(merged))
	}
	if merged[0].Value != "tomorrow" || merged[0].Index != 0 {
		t.Fatalf("merged token wrong: %+v", merged[0])
	}
	if merged[1].Value != "is" || merged[1].Index != 1 || merged[2].Index != 2 {
		t.Fatalf("kept tokens not reindexed: %+v", merged[1:])
	}
	for _, a := range env.store.annotations {
		if a.TokenID == tokens[0].ID || a.TokenID == tokens[1].ID {
			t.Fatalf("orphaned annotation survived merge: %+v", a)
		}
	}
	if len(env.matcher.replaced) != 1 {
		t.Fatalf("match index not updated, calls = %d", len(env.matcher.replaced))
	}
}

func TestValidateIndexGroups(t *testing.T) {
	tests := []struct {
		name    string
		groups  [][]int
		count   int
		wantErr bool
	}{
		{"valid single group", [][]int{{0, 1}}, 4, false},
		{"valid two groups", [][]int{{0, 1}, {2, 3}}, 4, false},
		{"empty groups", nil, 4, true},
		{"empty group", [][]int{{}}, 4, true},
		{"non contiguous", [][]int{{0, 2}}, 4, true},
		{"overlapping", [][]int{{0, 1}, {1, 2}}, 4, true},
		{"out of range", [][]int{{3, 4}}, 4, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidateIndexGroups(tt.groups, tt.count)
			if (err != nil) != tt.wantErr {
				t.Fatalf("ValidateIndexGroups() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestGetAdjudicationPage(t *testing.T) {
	env := newTestEnv()
	avery := env.addUser(t, "avery")
	blair := env.addUser(t, "blair")
	casey := env.addUser(t, "casey")
	projectID := env.seedProject(t, avery)
	env.addMember(t, projectID, blair, rbac.RoleAnnotator)
	env.addMember(t, projectID, casey, rbac.RoleAnnotator)
	tokens := env.seedText(t, projectID, "txt-a", "Teh", "house")

	// Two annotators correct, one keeps the original: majority wins.
	for _, s := range []Session{avery, blair} {
		if _, err := env.service.ApplyReplacement(context.Background(), s, projectID, "txt-a", tokens[0].ID, "The", false, ""); err != nil {
			t.Fatalf("ApplyReplacement() error = %v", err)
		}
	}
	if err := env.service.SetTextSaved(context.Background(), casey, "txt-a", true); err != nil {
		t.Fatalf("SetTextSaved() error = %v", err)
	}

	payload, err := env.service.GetAdjudicationPage(context.Background(), avery, projectID, 0)
	if err != nil {
		t.Fatalf("GetAdjudicationPage() error = %v", err)
	}
	compiled, ok := payload["compiled"].([]string)
	if !ok {
		t.Fatalf("compiled missing: %+v", payload)
	}
	if compiled[0] != "The" || compiled[1] != "house" {
		t.Fatalf("compiled = %v, want [The house]", compiled)
	}
	annotators, ok := payload["annotations"].(map[string]any)
	if !ok || len(annotators) != 3 {
		t.Fatalf("annotations = %+v, want 3 annotators", payload["annotations"])
	}

	if _, err := env.service.GetAdjudicationPage(context.Background(), avery, projectID, 5); err == nil {
		t.Fatal("expected not found for page out of range")
	}
}

func TestAdjudicationSingleAnnotatorIAA(t *testing.T) {
	env := newTestEnv()
	session := env.addUser(t, "avery")
	projectID := env.seedProject(t, session)
	tokens := env.seedText(t, projectID, "txt-a", "Teh", "house")
	if _, err := env.service.ApplyReplacement(context.Background(), session, projectID, "txt-a", tokens[0].ID, "The", false, ""); err != nil {
		t.Fatalf("ApplyReplacement() error = %v", err)
	}

	payload, err := env.service.GetAdjudicationPage(context.Background(), session, projectID, 0)
	if err != nil {
		t.Fatalf("GetAdjudicationPage() error = %v", err)
	}
	report, ok := payload["iaa"].(consensus.Report)
	if !ok {
		t.Fatalf("iaa payload has type %T", payload["iaa"])
	}
	if report.DocumentIAA != 100 {
		t.Fatalf("single annotator DocumentIAA = %v, want 100", report.DocumentIAA)
	}
}

func TestRequireRole(t *testing.T) {
	env := newTestEnv()
	owner := env.addUser(t, "avery")
	viewer := env.addUser(t, "blair")
	outsider := env.addUser(t, "casey")
	projectID := env.seedProject(t, owner)
	env.addMember(t, projectID, viewer, rbac.RoleViewer)
	tokens := env.seedText(t, projectID, "txt-a", "Teh", "house")

	var domainErr *DomainError

	_, err := env.service.ApplyReplacement(context.Background(), outsider, projectID, "txt-a", tokens[0].ID, "The", false, "")
	if !errors.As(err, &domainErr) || domainErr.Code != "NOT_FOUND" {
		t.Fatalf("outsider should get NOT_FOUND, got %v", err)
	}

	_, err = env.service.ApplyReplacement(context.Background(), viewer, projectID, "txt-a", tokens[0].ID, "The", false, "")
	if !errors.As(err, &domainErr) || domainErr.Code != "FORBIDDEN" {
		t.Fatalf("viewer should get FORBIDDEN, got %v", err)
	}

	if _, err := env.service.GetProjectSummary(context.Background(), viewer, projectID); err != nil {
		t.Fatalf("viewer read should pass, got %v", err)
	}
}

func TestCreateProjectTokenizesAndSeeds(t *testing.T) {
	env := newTestEnv()
	session := env.addUser(t, "avery")

	payload, err := env.service.CreateProject(context.Background(), session, CreateProjectInput{
		Name:            "Norm Round",
		SpecialTokens:   []string{"#nswpol"},
		ReplacementDict: map[string]string{"teh": "the"},
		Texts: []TextInput{
			{Original: "the house is big"},
			{Original: "Teh pix #nswpol"},
		},
	})
	if err != nil {
		t.Fatalf("CreateProject() error = %v", err)
	}
	projectID, _ := payload["id"].(string)
	if projectID == "" {
		t.Fatalf("missing project id: %+v", payload)
	}

	texts, err := env.store.ListTexts(context.Background(), projectID, 0, 10)
	if err != nil {
		t.Fatalf("ListTexts() error = %v", err)
	}
	if len(texts) != 2 {
		t.Fatalf("text count = %d, want 2", len(texts))
	}
	// "Teh pix #nswpol" carries more out-of-vocabulary tokens, so it
	// ranks first.
	if texts[0].Original != "Teh pix #nswpol" {
		t.Fatalf("rank order wrong: %q first", texts[0].Original)
	}

	tokens, err := env.store.ListTokens(context.Background(), texts[0].ID)
	if err != nil {
		t.Fatalf("ListTokens() error = %v", err)
	}
	if !tokens[2].EnglishWord {
		t.Fatal("special token should count as in-vocabulary")
	}
	seeded := env.replacementFor(t, session.UserID, tokens[0].ID)
	if seeded == nil || !seeded.Suggestion || seeded.Value != "the" {
		t.Fatalf("dictionary seed missing: %+v", seeded)
	}
}

func TestListTextsSavedFilter(t *testing.T) {
	env := newTestEnv()
	session := env.addUser(t, "avery")
	projectID := env.seedProject(t, session)
	env.seedText(t, projectID, "txt-a", "Teh", "house")
	env.seedText(t, projectID, "txt-b", "big", "pix")
	if err := env.service.SetTextSaved(context.Background(), session, "txt-b", true); err != nil {
		t.Fatalf("SetTextSaved() error = %v", err)
	}

	payload, err := env.service.ListTexts(context.Background(), session, projectID, 0, 20, "saved")
	if err != nil {
		t.Fatalf("ListTexts() error = %v", err)
	}
	items, _ := payload["texts"].([]map[string]any)
	if len(items) != 1 || items[0]["id"] != "txt-b" {
		t.Fatalf("filtered texts = %+v, want only txt-b", items)
	}
	if payload["total"] != 1 {
		t.Fatalf("total = %v, want 1", payload["total"])
	}

	if _, err := env.service.ListTexts(context.Background(), session, projectID, 0, 20, "starred"); err == nil {
		t.Fatal("expected validation error for unknown filter")
	}
}

func TestSessionLifecycle(t *testing.T) {
	env := newTestEnv()
	ctx := context.Background()

	session, err := env.service.SignUp(ctx, "Avery@Example.com", "avery", "hunter2hunter2")
	if err != nil {
		t.Fatalf("SignUp() error = %v", err)
	}
	if session.Token == "" || session.RefreshToken == "" {
		t.Fatal("expected tokens on signup")
	}

	parsed, err := env.service.SessionFromToken(ctx, session.Token)
	if err != nil {
		t.Fatalf("SessionFromToken() error = %v", err)
	}
	if parsed.Username != "avery" {
		t.Fatalf("username = %q", parsed.Username)
	}

	refreshed, err := env.service.Refresh(ctx, session.RefreshToken)
	if err != nil {
		t.Fatalf("Refresh() error = %v", err)
	}
	if _, err := env.service.Refresh(ctx, session.RefreshToken); err == nil {
		t.Fatal("refresh token should rotate")
	}

	if err := env.service.Logout(ctx, refreshed, refreshed.RefreshToken); err != nil {
		t.Fatalf("Logout() error = %v", err)
	}
	if _, err := env.service.SessionFromToken(ctx, refreshed.Token); err == nil {
		t.Fatal("access token should be revoked after logout")
	}

	if _, err := env.service.Login(ctx, "avery@example.com", "wrong-password"); !errors.Is(err, authpw.ErrInvalidCredentials) {
		t.Fatalf("expected invalid credentials, got %v", err)
	}
	if _, err := env.service.Login(ctx, "avery@example.com", "hunter2hunter2"); err != nil {
		t.Fatalf("Login() error = %v", err)
	}
}

func TestExportCorpusCommitsSnapshot(t *testing.T) {
	env := newTestEnv()
	session := env.addUser(t, "avery")
	projectID := env.seedProject(t, session)
	tokens := env.seedText(t, projectID, "txt-a", "Teh", "house")
	if _, err := env.service.ApplyReplacement(context.Background(), session, projectID, "txt-a", tokens[0].ID, "The", false, ""); err != nil {
		t.Fatalf("ApplyReplacement() error = %v", err)
	}

	result, err := env.service.ExportCorpus(context.Background(), session, projectID, export.FormatText)
	if err != nil {
		t.Fatalf("ExportCorpus() error = %v", err)
	}
	if string(result.Data) != "The house\n" {
		t.Fatalf("export = %q, want %q", string(result.Data), "The house\n")
	}
	if len(env.snapshots.commits) != 1 {
		t.Fatalf("snapshot commits = %d, want 1", len(env.snapshots.commits))
	}
	if env.snapshots.commits[0].Texts[0].Compiled[0] != "The" {
		t.Fatalf("snapshot content wrong: %+v", env.snapshots.commits[0])
	}
}

func TestSearchTokenContext(t *testing.T) {
	env := newTestEnv()
	session := env.addUser(t, "avery")
	projectID := env.seedProject(t, session)
	tokensA := env.seedText(t, projectID, "txt-a", "Teh", "house")
	env.seedText(t, projectID, "txt-b", "teh", "big")
	if _, err := env.service.ApplyReplacement(context.Background(), session, projectID, "txt-a", tokensA[0].ID, "The", false, ""); err != nil {
		t.Fatalf("ApplyReplacement() error = %v", err)
	}

	payload, err := env.service.SearchTokenContext(context.Background(), session, projectID, "teh")
	if err != nil {
		t.Fatalf("SearchTokenContext() error = %v", err)
	}
	if payload["matches"] != 2 {
		t.Fatalf("matches = %v, want 2", payload["matches"])
	}
	items, ok := payload["annotations"].([]map[string]any)
	if !ok || len(items) != 1 {
		t.Fatalf("annotations = %+v, want one group", payload["annotations"])
	}
	if items[0]["value"] != "The" || items[0]["count"] != 1 {
		t.Fatalf("unexpected group: %+v", items[0])
	}
}
