// Package ledger keeps a per-exam append-only journal of stage submissions,
// backed by a plain git repository per exam. The journal is linear: every
// commit lands on main, and history reads walk main backwards.
package ledger

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
	"time"

	"eegflow/api/internal/workflow"

	git "github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/plumbing"
	"github.com/go-git/go-git/v5/plumbing/object"
)

// Entry is the journal snapshot committed for one submission.
type Entry struct {
	SubmissionID  string            `json:"submissionId"`
	ExamID        string            `json:"examId"`
	Stage         string            `json:"stage"`
	SubmittedBy   string            `json:"submittedBy"`
	SubmittedRole string            `json:"submittedRole"`
	SubmittedAt   time.Time         `json:"submittedAt"`
	Payload       map[string]string `json:"payload"`
	AttachmentRef string            `json:"attachmentRef,omitempty"`
}

// CommitInfo describes one journal commit.
type CommitInfo struct {
	Hash      string    `json:"hash"`
	Message   string    `json:"message"`
	Author    string    `json:"author"`
	CreatedAt time.Time `json:"createdAt"`
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

// EnsureExamLedger initializes the journal repository for an exam. Calling it
// for an existing exam is a no-op.
func (s *Service) EnsureExamLedger(examID, author string) error {
	lock := s.examLock(examID)
	lock.Lock()
	defer lock.Unlock()

	path := s.repoPath(examID)
	if _, err := os.Stat(path); err == nil {
		return nil
	} else if !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("stat ledger path: %w", err)
	}

	if err := os.MkdirAll(path, 0o755); err != nil {
		return fmt.Errorf("create ledger dir: %w", err)
	}

	repo, err := git.PlainInit(path, false)
	if err != nil {
		return fmt.Errorf("init ledger repo: %w", err)
	}

	worktree, err := repo.Worktree()
	if err != nil {
		return fmt.Errorf("open worktree: %w", err)
	}
	initial := Entry{ExamID: examID, Stage: string(workflow.StagePending), SubmittedAt: time.Now()}
	payload, err := json.MarshalIndent(initial, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal initial entry: %w", err)
	}
	if err := os.WriteFile(filepath.Join(path, "entry.json"), append(payload, '\n'), 0o644); err != nil {
		return fmt.Errorf("write initial entry: %w", err)
	}
	if _, err := worktree.Add("entry.json"); err != nil {
		return fmt.Errorf("git add initial entry: %w", err)
	}
	hash, err := worktree.Commit("Open exam ledger", &git.CommitOptions{
		Author: signature(author),
	})
	if err != nil {
		return fmt.Errorf("commit initial entry: %w", err)
	}
	if err := repo.Storer.SetReference(plumbing.NewHashReference(plumbing.NewBranchReferenceName("main"), hash)); err != nil {
		return fmt.Errorf("set main branch ref: %w", err)
	}
	if err := repo.Storer.SetReference(plumbing.NewSymbolicReference(plumbing.HEAD, plumbing.NewBranchReferenceName("main"))); err != nil {
		return fmt.Errorf("set HEAD to main: %w", err)
	}
	return nil
}

// CommitSubmission appends one stage submission to the exam journal.
func (s *Service) CommitSubmission(examID string, sub workflow.StageSubmission) (CommitInfo, error) {
	lock := s.examLock(examID)
	lock.Lock()
	defer lock.Unlock()

	repo, err := git.PlainOpen(s.repoPath(examID))
	if err != nil {
		return CommitInfo{}, fmt.Errorf("open ledger repo: %w", err)
	}

	entry := Entry{
		SubmissionID:  sub.ID,
		ExamID:        sub.ExamID,
		Stage:         string(sub.Stage),
		SubmittedBy:   sub.SubmittedByName,
		SubmittedRole: sub.SubmittedByRole,
		SubmittedAt:   sub.SubmittedAt,
		Payload:       sub.Payload,
		AttachmentRef: sub.AttachmentRef,
	}
	message := fmt.Sprintf("Submit %s stage", sub.Stage)

	hash, err := s.commit(repo, entry, sub.SubmittedByName, message)
	if err != nil {
		return CommitInfo{}, err
	}

	commitObj, err := repo.CommitObject(hash)
	if err != nil {
		return CommitInfo{}, fmt.Errorf("read commit object: %w", err)
	}
	return toCommitInfo(commitObj), nil
}

// Head returns the latest journal entry and its commit.
func (s *Service) Head(examID string) (Entry, CommitInfo, error) {
	lock := s.examLock(examID)
	lock.Lock()
	defer lock.Unlock()

	repo, err := git.PlainOpen(s.repoPath(examID))
	if err != nil {
		return Entry{}, CommitInfo{}, fmt.Errorf("open ledger repo: %w", err)
	}

	ref, err := repo.Reference(plumbing.NewBranchReferenceName("main"), true)
	if err != nil {
		return Entry{}, CommitInfo{}, fmt.Errorf("resolve main: %w", err)
	}
	commitObj, err := repo.CommitObject(ref.Hash())
	if err != nil {
		return Entry{}, CommitInfo{}, fmt.Errorf("load commit object: %w", err)
	}
	entry, err := readEntryFromCommit(commitObj)
	if err != nil {
		return Entry{}, CommitInfo{}, err
	}
	return entry, toCommitInfo(commitObj), nil
}

// EntryByHash reads the journal entry recorded at a specific commit.
func (s *Service) EntryByHash(examID, hash string) (Entry, error) {
	lock := s.examLock(examID)
	lock.Lock()
	defer lock.Unlock()

	repo, err := git.PlainOpen(s.repoPath(examID))
	if err != nil {
		return Entry{}, fmt.Errorf("open ledger repo: %w", err)
	}

	resolvedHash, err := resolveHash(repo, hash)
	if err != nil {
		return Entry{}, err
	}
	commitObj, err := repo.CommitObject(resolvedHash)
	if err != nil {
		return Entry{}, fmt.Errorf("read commit %s: %w", hash, err)
	}
	return readEntryFromCommit(commitObj)
}

// History walks main from the newest commit, up to limit entries.
func (s *Service) History(examID string, limit int) ([]CommitInfo, error) {
	lock := s.examLock(examID)
	lock.Lock()
	defer lock.Unlock()

	repo, err := git.PlainOpen(s.repoPath(examID))
	if err != nil {
		return nil, fmt.Errorf("open ledger repo: %w", err)
	}

	ref, err := repo.Reference(plumbing.NewBranchReferenceName("main"), true)
	if err != nil {
		return nil, fmt.Errorf("resolve main: %w", err)
	}

	iter, err := repo.Log(&git.LogOptions{From: ref.Hash()})
	if err != nil {
		return nil, fmt.Errorf("read log: %w", err)
	}
	defer iter.Close()

	items := make([]CommitInfo, 0, limit)
	count := 0
	err = iter.ForEach(func(commitObj *object.Commit) error {
		items = append(items, toCommitInfo(commitObj))
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

func (s *Service) repoPath(examID string) string {
	return filepath.Join(s.baseDir, examID)
}

func (s *Service) examLock(examID string) *sync.Mutex {
	s.lockMu.Lock()
	defer s.lockMu.Unlock()
	lock, ok := s.locks[examID]
	if ok {
		return lock
	}
	lock = &sync.Mutex{}
	s.locks[examID] = lock
	return lock
}

func (s *Service) commit(repo *git.Repository, entry Entry, author, message string) (plumbing.Hash, error) {
	worktree, err := repo.Worktree()
	if err != nil {
		return plumbing.ZeroHash, fmt.Errorf("open worktree: %w", err)
	}

	payload, err := json.MarshalIndent(entry, "", "  ")
	if err != nil {
		return plumbing.ZeroHash, fmt.Errorf("marshal entry: %w", err)
	}

	repoRoot := worktree.Filesystem.Root()
	if err := os.WriteFile(filepath.Join(repoRoot, "entry.json"), append(payload, '\n'), 0o644); err != nil {
		return plumbing.ZeroHash, fmt.Errorf("write entry.json: %w", err)
	}

	if _, err := worktree.Add("entry.json"); err != nil {
		return plumbing.ZeroHash, fmt.Errorf("git add entry: %w", err)
	}

	hash, err := worktree.Commit(message, &git.CommitOptions{
		Author: signature(author),
	})
	if err != nil {
		return plumbing.ZeroHash, fmt.Errorf("commit entry: %w", err)
	}
	return hash, nil
}

func readEntryFromCommit(commitObj *object.Commit) (Entry, error) {
	file, err := commitObj.File("entry.json")
	if err != nil {
		return Entry{}, fmt.Errorf("load entry.json from commit: %w", err)
	}
	reader, err := file.Reader()
	if err != nil {
		return Entry{}, fmt.Errorf("open entry reader: %w", err)
	}
	defer reader.Close()

	raw, err := io.ReadAll(reader)
	if err != nil {
		return Entry{}, fmt.Errorf("read entry bytes: %w", err)
	}

	var entry Entry
	if err := json.Unmarshal(raw, &entry); err != nil {
		return Entry{}, fmt.Errorf("decode ledger entry: %w", err)
	}
	return entry, nil
}

func toCommitInfo(commitObj *object.Commit) CommitInfo {
	return CommitInfo{
		Hash:      commitObj.Hash.String()[:7],
		Message:   commitObj.Message,
		Author:    commitObj.Author.Name,
		CreatedAt: commitObj.Author.When,
	}
}

func signature(author string) *object.Signature {
	return &object.Signature{
		Name:  author,
		Email: fmt.Sprintf("%s@local.eegflow.dev", sanitizeEmail(author)),
		When:  time.Now(),
	}
}

func sanitizeEmail(input string) string {
	out := make([]rune, 0, len(input))
	for _, r := range input {
		if (r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z') || (r >= '0' && r <= '9') {
			out = append(out, r)
			continue
		}
		if r == ' ' || r == '-' || r == '_' {
			out = append(out, '.')
		}
	}
	if len(out) == 0 {
		return "staff"
	}
	return string(out)
}

func resolveHash(repo *git.Repository, hash string) (plumbing.Hash, error) {
	if len(hash) == 40 {
		return plumbing.NewHash(hash), nil
	}
	resolved, err := repo.ResolveRevision(plumbing.Revision(hash))
	if err != nil {
		return plumbing.ZeroHash, fmt.Errorf("resolve hash %s: %w", hash, err)
	}
	return *resolved, nil
}
