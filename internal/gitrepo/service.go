// Package gitrepo keeps a per-project git repository of compiled-corpus
// snapshots. Every export commits the majority-vote corpus, so reviewers
// can audit how the compiled output evolved as annotators worked.
package gitrepo

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"lexiform/api/internal/store"

	git "github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/plumbing"
	"github.com/go-git/go-git/v5/plumbing/object"
)

// Snapshot is the compiled corpus at one point in time.
type Snapshot struct {
	ProjectID string          `json:"projectId"`
	Texts     []SnapshotText  `json:"texts"`
	ExportedAt time.Time      `json:"exportedAt"`
}

// SnapshotText is one document's compiled token sequence.
type SnapshotText struct {
	TextID   string   `json:"textId"`
	Original string   `json:"original"`
	Compiled []string `json:"compiled"`
}

type Service struct {
	baseDir string
	lockMu  sync.Mutex
	locks   map[string]*sync.Mutex
}

func New(baseDir string) *Service {
	return &Service{
		baseDir: baseDir,
		locks:   make(map[string]*sync.Mutex),
	}
}

// EnsureProjectRepo initializes the snapshot repository for a project if
// it does not exist yet.
func (s *Service) EnsureProjectRepo(projectID string) error {
	lock := s.projectLock(projectID)
	lock.Lock()
	defer lock.Unlock()

	path := s.repoPath(projectID)
	if _, err := os.Stat(path); err == nil {
		return nil
	} else if !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("stat repo path: %w", err)
	}

	if err := os.MkdirAll(path, 0o755); err != nil {
		return fmt.Errorf("create repo dir: %w", err)
	}
	if _, err := git.PlainInit(path, false); err != nil {
		return fmt.Errorf("init repo: %w", err)
	}
	return nil
}

// CommitSnapshot writes the compiled corpus and commits it.
func (s *Service) CommitSnapshot(projectID string, snapshot Snapshot, author string) (store.SnapshotInfo, error) {
	lock := s.projectLock(projectID)
	lock.Lock()
	defer lock.Unlock()

	repo, err := git.PlainOpen(s.repoPath(projectID))
	if err != nil {
		return store.SnapshotInfo{}, fmt.Errorf("open repo: %w", err)
	}
	worktree, err := repo.Worktree()
	if err != nil {
		return store.SnapshotInfo{}, fmt.Errorf("open worktree: %w", err)
	}

	payload, err := json.MarshalIndent(snapshot, "", "  ")
	if err != nil {
		return store.SnapshotInfo{}, fmt.Errorf("marshal snapshot: %w", err)
	}
	root := worktree.Filesystem.Root()
	if err := os.WriteFile(filepath.Join(root, "corpus.json"), append(payload, '\n'), 0o644); err != nil {
		return store.SnapshotInfo{}, fmt.Errorf("write corpus.json: %w", err)
	}
	if err := os.WriteFile(filepath.Join(root, "corpus.txt"), []byte(PlainText(snapshot)), 0o644); err != nil {
		return store.SnapshotInfo{}, fmt.Errorf("write corpus.txt: %w", err)
	}

	for _, file := range []string{"corpus.json", "corpus.txt"} {
		if _, err := worktree.Add(file); err != nil {
			return store.SnapshotInfo{}, fmt.Errorf("git add %s: %w", file, err)
		}
	}

	message := fmt.Sprintf("Export compiled corpus (%d texts)", len(snapshot.Texts))
	hash, err := worktree.Commit(message, &git.CommitOptions{
		AllowEmptyCommits: true,
		Author: &object.Signature{
			Name:  author,
			Email: fmt.Sprintf("%s@local.lexiform.dev", sanitizeEmail(author)),
			When:  time.Now(),
		},
	})
	if err != nil {
		return store.SnapshotInfo{}, fmt.Errorf("commit snapshot: %w", err)
	}

	commitObj, err := repo.CommitObject(hash)
	if err != nil {
		return store.SnapshotInfo{}, fmt.Errorf("read commit object: %w", err)
	}
	return toSnapshotInfo(commitObj), nil
}

// History lists the most recent snapshot commits, newest first.
func (s *Service) History(projectID string, limit int) ([]store.SnapshotInfo, error) {
	lock := s.projectLock(projectID)
	lock.Lock()
	defer lock.Unlock()

	repo, err := git.PlainOpen(s.repoPath(projectID))
	if err != nil {
		return nil, fmt.Errorf("open repo: %w", err)
	}

	head, err := repo.Head()
	if err != nil {
		// A fresh repo with no snapshots yet has no history.
		return []store.SnapshotInfo{}, nil
	}

	iter, err := repo.Log(&git.LogOptions{From: head.Hash()})
	if err != nil {
		return nil, fmt.Errorf("read log: %w", err)
	}
	defer iter.Close()

	items := make([]store.SnapshotInfo, 0, limit)
	count := 0
	err = iter.ForEach(func(commitObj *object.Commit) error {
		items = append(items, toSnapshotInfo(commitObj))
		count++
		if limit > 0 && count >= limit {
			return io.EOF
		}
		return nil
	})
	if err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("iterate log: %w", err)
	}
	return items, nil
}

// GetSnapshot reads the compiled corpus at a given commit.
func (s *Service) GetSnapshot(projectID, hash string) (Snapshot, error) {
	lock := s.projectLock(projectID)
	lock.Lock()
	defer lock.Unlock()

	repo, err := git.PlainOpen(s.repoPath(projectID))
	if err != nil {
		return Snapshot{}, fmt.Errorf("open repo: %w", err)
	}
	commitObj, err := repo.CommitObject(plumbing.NewHash(hash))
	if err != nil {
		return Snapshot{}, fmt.Errorf("read commit %s: %w", hash, err)
	}
	file, err := commitObj.File("corpus.json")
	if err != nil {
		return Snapshot{}, fmt.Errorf("read corpus.json at %s: %w", hash, err)
	}
	contents, err := file.Contents()
	if err != nil {
		return Snapshot{}, fmt.Errorf("read snapshot contents: %w", err)
	}
	var snapshot Snapshot
	if err := json.Unmarshal([]byte(contents), &snapshot); err != nil {
		return Snapshot{}, fmt.Errorf("unmarshal snapshot: %w", err)
	}
	return snapshot, nil
}

// PlainText renders one compiled sentence per line.
func PlainText(snapshot Snapshot) string {
	var sb strings.Builder
	for _, text := range snapshot.Texts {
		sb.WriteString(strings.Join(nonEmpty(text.Compiled), " "))
		sb.WriteByte('\n')
	}
	return sb.String()
}

// nonEmpty drops removed tokens (compiled value "") from the rendered
// line.
func nonEmpty(values []string) []string {
	out := make([]string, 0, len(values))
	for _, v := range values {
		if v != "" {
			out = append(out, v)
		}
	}
	return out
}

func (s *Service) repoPath(projectID string) string {
	return filepath.Join(s.baseDir, projectID)
}

func (s *Service) projectLock(projectID string) *sync.Mutex {
	s.lockMu.Lock()
	defer s.lockMu.Unlock()
	lock, ok := s.locks[projectID]
	if ok {
		return lock
	}
	lock = &sync.Mutex{}
	s.locks[projectID] = lock
	return lock
}

func toSnapshotInfo(commitObj *object.Commit) store.SnapshotInfo {
	return store.SnapshotInfo{
		Hash:      commitObj.Hash.String(),
		Message:   commitObj.Message,
		Author:    commitObj.Author.Name,
		CreatedAt: commitObj.Author.When,
	}
}

func sanitizeEmail(input string) string {
	cleaned := strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9':
			return r
		case r >= 'A' && r <= 'Z':
			return r + ('a' - 'A')
		case r == '.', r == '-', r == '_':
			return r
		default:
			return '-'
		}
	}, input)
	if cleaned == "" {
		return "annotator"
	}
	return cleaned
}
