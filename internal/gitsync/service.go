// Package gitsync mirrors mind-map documents into per-document git
// repositories: one repository per (domain, doc) under a base directory,
// branches mapped 1:1 to document branches, optional HTTPS remote
// authenticated with a PAT.
package gitsync

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"ejunz/api/internal/store"

	git "github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/config"
	"github.com/go-git/go-git/v5/plumbing"
	"github.com/go-git/go-git/v5/plumbing/object"
	"github.com/go-git/go-git/v5/plumbing/transport"
	githttp "github.com/go-git/go-git/v5/plumbing/transport/http"
)

const remoteName = "origin"

var (
	// ErrNoRemote is returned by push/pull when no remote is configured.
	ErrNoRemote = errors.New("no remote configured")
	// ErrAuthFailed wraps remote authentication failures so handlers can map
	// them without leaking the token.
	ErrAuthFailed = errors.New("remote authentication failed")
)

// FileStatus is one entry of a worktree status report.
type FileStatus struct {
	Path    string `json:"path"`
	Staging string `json:"staging"`
	Work    string `json:"worktree"`
}

// Status is the git status of a document repository.
type Status struct {
	Branch    string       `json:"branch"`
	Clean     bool         `json:"clean"`
	Files     []FileStatus `json:"files"`
	HasRemote bool         `json:"hasRemote"`
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

// EnsureRepo initializes the per-document repository with an empty baseline
// commit on main. Calling it on an existing repository is a no-op.
func (s *Service) EnsureRepo(domainID, docID, author string) error {
	lock := s.repoLock(domainID, docID)
	lock.Lock()
	defer lock.Unlock()

	path := s.repoPath(domainID, docID)
	if _, err := os.Stat(path); err == nil {
		return nil
	} else if !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("stat repo path: %w", err)
	}

	if err := os.MkdirAll(path, 0o755); err != nil {
		return fmt.Errorf("create repo dir: %w", err)
	}

	repo, err := git.PlainInit(path, false)
	if err != nil {
		return fmt.Errorf("init repo: %w", err)
	}

	worktree, err := repo.Worktree()
	if err != nil {
		return fmt.Errorf("open worktree: %w", err)
	}
	hash, err := worktree.Commit("Initialize document repository", &git.CommitOptions{
		AllowEmptyCommits: true,
		Author:            signature(author),
	})
	if err != nil {
		return fmt.Errorf("baseline commit: %w", err)
	}
	if err := repo.Storer.SetReference(plumbing.NewHashReference(plumbing.NewBranchReferenceName("main"), hash)); err != nil {
		return fmt.Errorf("set main branch ref: %w", err)
	}
	if err := repo.Storer.SetReference(plumbing.NewSymbolicReference(plumbing.HEAD, plumbing.NewBranchReferenceName("main"))); err != nil {
		return fmt.Errorf("set HEAD to main: %w", err)
	}
	return nil
}

// EnsureBranch creates branchName pointing at fromBranch's head when it does
// not exist yet.
func (s *Service) EnsureBranch(domainID, docID, branchName, fromBranch string) error {
	lock := s.repoLock(domainID, docID)
	lock.Lock()
	defer lock.Unlock()

	repo, err := git.PlainOpen(s.repoPath(domainID, docID))
	if err != nil {
		return fmt.Errorf("open repo: %w", err)
	}

	branchRefName := plumbing.NewBranchReferenceName(branchName)
	if _, err := repo.Reference(branchRefName, true); err == nil {
		return nil
	}

	fromRef, err := repo.Reference(plumbing.NewBranchReferenceName(fromBranch), true)
	if err != nil {
		return fmt.Errorf("read source branch ref: %w", err)
	}
	if err := repo.Storer.SetReference(plumbing.NewHashReference(branchRefName, fromRef.Hash())); err != nil {
		return fmt.Errorf("create branch ref: %w", err)
	}
	return nil
}

// DeleteBranch removes the git ref of a document branch.
func (s *Service) DeleteBranch(domainID, docID, branchName string) error {
	lock := s.repoLock(domainID, docID)
	lock.Lock()
	defer lock.Unlock()

	repo, err := git.PlainOpen(s.repoPath(domainID, docID))
	if err != nil {
		return fmt.Errorf("open repo: %w", err)
	}
	if err := repo.Storer.RemoveReference(plumbing.NewBranchReferenceName(branchName)); err != nil {
		return fmt.Errorf("remove branch ref %s: %w", branchName, err)
	}
	return nil
}

// Checkout switches the working tree to a branch. The caller may then write
// into WorktreePath; mutations stay serialized through CommitTree.
func (s *Service) Checkout(domainID, docID, branchName string) error {
	lock := s.repoLock(domainID, docID)
	lock.Lock()
	defer lock.Unlock()

	repo, err := git.PlainOpen(s.repoPath(domainID, docID))
	if err != nil {
		return fmt.Errorf("open repo: %w", err)
	}
	return checkoutBranch(repo, branchName)
}

// CommitTree checks out the branch, lets write fill the working tree, stages
// everything and commits. A clean worktree after write yields no new commit;
// the current head is returned instead.
func (s *Service) CommitTree(domainID, docID, branchName string, write func(dir string) error, author, message string) (store.CommitInfo, error) {
	lock := s.repoLock(domainID, docID)
	lock.Lock()
	defer lock.Unlock()

	repo, err := git.PlainOpen(s.repoPath(domainID, docID))
	if err != nil {
		return store.CommitInfo{}, fmt.Errorf("open repo: %w", err)
	}
	if err := checkoutBranch(repo, branchName); err != nil {
		return store.CommitInfo{}, err
	}

	worktree, err := repo.Worktree()
	if err != nil {
		return store.CommitInfo{}, fmt.Errorf("open worktree: %w", err)
	}
	if err := write(worktree.Filesystem.Root()); err != nil {
		return store.CommitInfo{}, fmt.Errorf("write tree: %w", err)
	}

	if err := worktree.AddWithOptions(&git.AddOptions{All: true}); err != nil {
		return store.CommitInfo{}, fmt.Errorf("git add: %w", err)
	}

	status, err := worktree.Status()
	if err != nil {
		return store.CommitInfo{}, fmt.Errorf("worktree status: %w", err)
	}
	if status.IsClean() {
		ref, err := repo.Reference(plumbing.NewBranchReferenceName(branchName), true)
		if err != nil {
			return store.CommitInfo{}, fmt.Errorf("resolve branch %s: %w", branchName, err)
		}
		head, err := repo.CommitObject(ref.Hash())
		if err != nil {
			return store.CommitInfo{}, fmt.Errorf("read head commit: %w", err)
		}
		return toCommitInfo(head), nil
	}

	hash, err := worktree.Commit(message, &git.CommitOptions{Author: signature(author)})
	if err != nil {
		return store.CommitInfo{}, fmt.Errorf("commit tree: %w", err)
	}
	commitObj, err := repo.CommitObject(hash)
	if err != nil {
		return store.CommitInfo{}, fmt.Errorf("read commit object: %w", err)
	}
	return toCommitInfo(commitObj), nil
}

// History returns up to limit commits reachable from a branch head, newest
// first.
func (s *Service) History(domainID, docID, branchName string, limit int) ([]store.CommitInfo, error) {
	lock := s.repoLock(domainID, docID)
	lock.Lock()
	defer lock.Unlock()

	repo, err := git.PlainOpen(s.repoPath(domainID, docID))
	if err != nil {
		return nil, fmt.Errorf("open repo: %w", err)
	}
	ref, err := repo.Reference(plumbing.NewBranchReferenceName(branchName), true)
	if err != nil {
		return nil, fmt.Errorf("resolve branch %s: %w", branchName, err)
	}
	iter, err := repo.Log(&git.LogOptions{From: ref.Hash()})
	if err != nil {
		return nil, fmt.Errorf("read log: %w", err)
	}
	defer iter.Close()

	items := make([]store.CommitInfo, 0, limit)
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

// Status reports the worktree state of a document repository.
func (s *Service) Status(domainID, docID string) (Status, error) {
	lock := s.repoLock(domainID, docID)
	lock.Lock()
	defer lock.Unlock()

	repo, err := git.PlainOpen(s.repoPath(domainID, docID))
	if err != nil {
		return Status{}, fmt.Errorf("open repo: %w", err)
	}
	worktree, err := repo.Worktree()
	if err != nil {
		return Status{}, fmt.Errorf("open worktree: %w", err)
	}
	wtStatus, err := worktree.Status()
	if err != nil {
		return Status{}, fmt.Errorf("worktree status: %w", err)
	}

	result := Status{Clean: wtStatus.IsClean()}
	if head, err := repo.Head(); err == nil {
		result.Branch = head.Name().Short()
	}
	if _, err := repo.Remote(remoteName); err == nil {
		result.HasRemote = true
	}
	for path, state := range wtStatus {
		result.Files = append(result.Files, FileStatus{
			Path:    path,
			Staging: string(state.Staging),
			Work:    string(state.Worktree),
		})
	}
	sort.Slice(result.Files, func(i, j int) bool { return result.Files[i].Path < result.Files[j].Path })
	return result, nil
}

// SetRemote points origin at url, replacing any previous remote.
func (s *Service) SetRemote(domainID, docID, url string) error {
	lock := s.repoLock(domainID, docID)
	lock.Lock()
	defer lock.Unlock()

	repo, err := git.PlainOpen(s.repoPath(domainID, docID))
	if err != nil {
		return fmt.Errorf("open repo: %w", err)
	}
	if _, err := repo.Remote(remoteName); err == nil {
		if err := repo.DeleteRemote(remoteName); err != nil {
			return fmt.Errorf("delete remote: %w", err)
		}
	}
	_, err = repo.CreateRemote(&config.RemoteConfig{
		Name: remoteName,
		URLs: []string{url},
	})
	if err != nil {
		return fmt.Errorf("create remote: %w", err)
	}
	return nil
}

// Push sends a branch to origin. The PAT goes into basic auth for this one
// operation and is never persisted in git config.
func (s *Service) Push(ctx context.Context, domainID, docID, branchName, token string) error {
	lock := s.repoLock(domainID, docID)
	lock.Lock()
	defer lock.Unlock()

	repo, err := git.PlainOpen(s.repoPath(domainID, docID))
	if err != nil {
		return fmt.Errorf("open repo: %w", err)
	}
	if _, err := repo.Remote(remoteName); err != nil {
		return ErrNoRemote
	}

	refSpec := config.RefSpec(fmt.Sprintf("refs/heads/%s:refs/heads/%s", branchName, branchName))
	err = repo.PushContext(ctx, &git.PushOptions{
		RemoteName: remoteName,
		RefSpecs:   []config.RefSpec{refSpec},
		Auth:       tokenAuth(token),
	})
	if errors.Is(err, git.NoErrAlreadyUpToDate) {
		return nil
	}
	if err != nil {
		return wrapRemoteErr("push", err)
	}
	return nil
}

// Pull fetches and fast-forwards a branch from origin into the worktree.
func (s *Service) Pull(ctx context.Context, domainID, docID, branchName, token string) error {
	lock := s.repoLock(domainID, docID)
	lock.Lock()
	defer lock.Unlock()

	repo, err := git.PlainOpen(s.repoPath(domainID, docID))
	if err != nil {
		return fmt.Errorf("open repo: %w", err)
	}
	if _, err := repo.Remote(remoteName); err != nil {
		return ErrNoRemote
	}
	if err := checkoutBranch(repo, branchName); err != nil {
		return err
	}
	worktree, err := repo.Worktree()
	if err != nil {
		return fmt.Errorf("open worktree: %w", err)
	}
	// the remote is authoritative for a pull; discard local edits so the
	// merge never trips over unstaged changes
	if err := worktree.Checkout(&git.CheckoutOptions{
		Branch: plumbing.NewBranchReferenceName(branchName),
		Force:  true,
	}); err != nil {
		return fmt.Errorf("reset worktree for pull: %w", err)
	}
	err = worktree.PullContext(ctx, &git.PullOptions{
		RemoteName:    remoteName,
		ReferenceName: plumbing.NewBranchReferenceName(branchName),
		SingleBranch:  true,
		Auth:          tokenAuth(token),
	})
	if errors.Is(err, git.NoErrAlreadyUpToDate) {
		return nil
	}
	if err != nil {
		return wrapRemoteErr("pull", err)
	}
	return nil
}

// Fetch updates remote tracking refs without touching the worktree.
func (s *Service) Fetch(ctx context.Context, domainID, docID, token string) error {
	lock := s.repoLock(domainID, docID)
	lock.Lock()
	defer lock.Unlock()

	repo, err := git.PlainOpen(s.repoPath(domainID, docID))
	if err != nil {
		return fmt.Errorf("open repo: %w", err)
	}
	if _, err := repo.Remote(remoteName); err != nil {
		return ErrNoRemote
	}
	err = repo.FetchContext(ctx, &git.FetchOptions{
		RemoteName: remoteName,
		Auth:       tokenAuth(token),
	})
	if errors.Is(err, git.NoErrAlreadyUpToDate) {
		return nil
	}
	if err != nil {
		return wrapRemoteErr("fetch", err)
	}
	return nil
}

// WorktreePath is the on-disk working directory of a document repository.
func (s *Service) WorktreePath(domainID, docID string) string {
	return s.repoPath(domainID, docID)
}

func (s *Service) repoPath(domainID, docID string) string {
	return filepath.Join(s.baseDir, domainID, docID)
}

func (s *Service) repoLock(domainID, docID string) *sync.Mutex {
	key := domainID + "/" + docID
	s.lockMu.Lock()
	defer s.lockMu.Unlock()
	lock, ok := s.locks[key]
	if ok {
		return lock
	}
	lock = &sync.Mutex{}
	s.locks[key] = lock
	return lock
}

func checkoutBranch(repo *git.Repository, branchName string) error {
	branchRef := plumbing.NewBranchReferenceName(branchName)

	// Already on the branch: leave the worktree alone. A forced checkout
	// would reset it to HEAD and wipe the external edits an import is
	// supposed to read.
	if head, err := repo.Head(); err == nil && head.Name() == branchRef {
		return nil
	}

	worktree, err := repo.Worktree()
	if err != nil {
		return fmt.Errorf("open worktree: %w", err)
	}
	if _, err := repo.Reference(branchRef, true); err != nil {
		if errors.Is(err, plumbing.ErrReferenceNotFound) {
			if err := worktree.Checkout(&git.CheckoutOptions{Branch: branchRef, Create: true}); err != nil {
				return fmt.Errorf("create branch checkout %s: %w", branchName, err)
			}
			return nil
		}
		return fmt.Errorf("resolve branch %s: %w", branchName, err)
	}

	if err := worktree.Checkout(&git.CheckoutOptions{Branch: branchRef, Force: true}); err != nil {
		return fmt.Errorf("checkout branch %s: %w", branchName, err)
	}
	return nil
}

func tokenAuth(token string) transport.AuthMethod {
	if token == "" {
		return nil
	}
	// GitHub PATs go in the password slot; the username is ignored.
	return &githttp.BasicAuth{Username: "git", Password: token}
}

func wrapRemoteErr(op string, err error) error {
	if errors.Is(err, transport.ErrAuthenticationRequired) || errors.Is(err, transport.ErrAuthorizationFailed) {
		return fmt.Errorf("%s: %w", op, ErrAuthFailed)
	}
	return fmt.Errorf("%s: %w", op, err)
}

func signature(author string) *object.Signature {
	return &object.Signature{
		Name:  author,
		Email: fmt.Sprintf("%s@local.ejunz.dev", sanitizeEmail(author)),
		When:  time.Now(),
	}
}

func toCommitInfo(commitObj *object.Commit) store.CommitInfo {
	return store.CommitInfo{
		Hash:      commitObj.Hash.String()[:7],
		Message:   commitObj.Message,
		Author:    commitObj.Author.Name,
		CreatedAt: commitObj.Author.When,
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
		return "user"
	}
	return string(out)
}
