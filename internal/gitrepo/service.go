package gitrepo

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
	"time"

	git "github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/plumbing"
	"github.com/go-git/go-git/v5/plumbing/object"

	"hyperdraft/api/internal/blocks"
	"hyperdraft/api/internal/versions"
)

const MainBranch = "main"

const contentFile = "content.json"

var (
	ErrVersionNotFound = errors.New("version not found")
	ErrNoChanges       = errors.New("nothing to commit")
)

// Content is what a commit stores for a document.
type Content struct {
	Title    string             `json:"title"`
	Children []blocks.BlockNode `json:"children"`
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

// DraftBranch names the branch an author edits a document on.
func DraftBranch(author string) string {
	return "draft-" + sanitizeEmail(author)
}

func (s *Service) EnsureDocumentRepo(documentID string, initial Content, author string) error {
	lock := s.documentLock(documentID)
	lock.Lock()
	defer lock.Unlock()

	path := s.repoPath(documentID)
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
	if err := writeContent(worktree.Filesystem.Root(), initial); err != nil {
		return err
	}
	if _, err := worktree.Add(contentFile); err != nil {
		return fmt.Errorf("git add initial content: %w", err)
	}
	hash, err := worktree.Commit("Create document", &git.CommitOptions{
		AllowEmptyCommits: true,
		Author:            signature(author),
	})
	if err != nil {
		return fmt.Errorf("commit initial content: %w", err)
	}
	if err := repo.Storer.SetReference(plumbing.NewHashReference(plumbing.NewBranchReferenceName(MainBranch), hash)); err != nil {
		return fmt.Errorf("set main branch ref: %w", err)
	}
	if err := repo.Storer.SetReference(plumbing.NewSymbolicReference(plumbing.HEAD, plumbing.NewBranchReferenceName(MainBranch))); err != nil {
		return fmt.Errorf("set HEAD to main: %w", err)
	}
	return nil
}

// EnsureBranch creates branchName at the head of fromBranch unless it exists.
func (s *Service) EnsureBranch(documentID, branchName, fromBranch string) error {
	lock := s.documentLock(documentID)
	lock.Lock()
	defer lock.Unlock()

	repo, err := s.open(documentID)
	if err != nil {
		return err
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

// CommitContent records content as a new change on branchName. It returns
// ErrNoChanges when content equals the branch head.
func (s *Service) CommitContent(documentID, branchName string, content Content, author, message string) (versions.ChangeRecord, error) {
	lock := s.documentLock(documentID)
	lock.Lock()
	defer lock.Unlock()

	repo, err := s.open(documentID)
	if err != nil {
		return versions.ChangeRecord{}, err
	}
	hash, err := s.commit(repo, branchName, content, author, message, nil)
	if err != nil {
		return versions.ChangeRecord{}, err
	}
	commitObj, err := repo.CommitObject(hash)
	if err != nil {
		return versions.ChangeRecord{}, fmt.Errorf("read commit object: %w", err)
	}
	return toChangeRecord(commitObj), nil
}

func (s *Service) GetHeadContent(documentID, branchName string) (Content, versions.ChangeRecord, error) {
	lock := s.documentLock(documentID)
	lock.Lock()
	defer lock.Unlock()

	repo, err := s.open(documentID)
	if err != nil {
		return Content{}, versions.ChangeRecord{}, err
	}
	commitObj, err := branchHead(repo, branchName)
	if err != nil {
		return Content{}, versions.ChangeRecord{}, err
	}
	content, err := readContentFromCommit(commitObj)
	if err != nil {
		return Content{}, versions.ChangeRecord{}, err
	}
	return content, toChangeRecord(commitObj), nil
}

// GetContentByVersion loads the document as of a version or change id.
func (s *Service) GetContentByVersion(documentID, version string) (Content, versions.ChangeRecord, error) {
	lock := s.documentLock(documentID)
	lock.Lock()
	defer lock.Unlock()

	repo, err := s.open(documentID)
	if err != nil {
		return Content{}, versions.ChangeRecord{}, err
	}
	commitObj, err := resolveCommit(repo, version)
	if err != nil {
		return Content{}, versions.ChangeRecord{}, err
	}
	content, err := readContentFromCommit(commitObj)
	if err != nil {
		return Content{}, versions.ChangeRecord{}, err
	}
	return content, toChangeRecord(commitObj), nil
}

// Changes lists every change reachable from any branch of the document.
func (s *Service) Changes(documentID string) ([]versions.ChangeRecord, error) {
	lock := s.documentLock(documentID)
	lock.Lock()
	defer lock.Unlock()

	repo, err := s.open(documentID)
	if err != nil {
		return nil, err
	}
	iter, err := repo.Log(&git.LogOptions{All: true, Order: git.LogOrderCommitterTime})
	if err != nil {
		return nil, fmt.Errorf("read log: %w", err)
	}
	defer iter.Close()

	var items []versions.ChangeRecord
	seen := make(map[plumbing.Hash]struct{})
	err = iter.ForEach(func(commitObj *object.Commit) error {
		if _, ok := seen[commitObj.Hash]; ok {
			return nil
		}
		seen[commitObj.Hash] = struct{}{}
		items = append(items, toChangeRecord(commitObj))
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("iterate log: %w", err)
	}
	return items, nil
}

// History lists the changes reachable from one branch, newest first.
func (s *Service) History(documentID, branchName string, limit int) ([]versions.ChangeRecord, error) {
	lock := s.documentLock(documentID)
	lock.Lock()
	defer lock.Unlock()

	repo, err := s.open(documentID)
	if err != nil {
		return nil, err
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

	items := make([]versions.ChangeRecord, 0, limit)
	err = iter.ForEach(func(commitObj *object.Commit) error {
		items = append(items, toChangeRecord(commitObj))
		if limit > 0 && len(items) >= limit {
			return io.EOF
		}
		return nil
	})
	if err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("iterate log: %w", err)
	}
	return items, nil
}

// Publish brings sourceBranch into main. When main has not moved since the
// draft forked it fast-forwards; otherwise it records a merge change with
// both heads as dependencies and the draft's content. The draft branch is
// moved to the published change either way.
func (s *Service) Publish(documentID, sourceBranch, author, message string) (versions.ChangeRecord, error) {
	lock := s.documentLock(documentID)
	lock.Lock()
	defer lock.Unlock()

	repo, err := s.open(documentID)
	if err != nil {
		return versions.ChangeRecord{}, err
	}
	source, err := branchHead(repo, sourceBranch)
	if err != nil {
		return versions.ChangeRecord{}, err
	}
	main, err := branchHead(repo, MainBranch)
	if err != nil {
		return versions.ChangeRecord{}, err
	}

	if source.Hash == main.Hash {
		return toChangeRecord(main), nil
	}
	published, err := main.IsAncestor(source)
	if err != nil {
		return versions.ChangeRecord{}, fmt.Errorf("compare heads: %w", err)
	}
	if published {
		if err := setBranch(repo, MainBranch, source.Hash); err != nil {
			return versions.ChangeRecord{}, err
		}
		return toChangeRecord(source), nil
	}
	behind, err := source.IsAncestor(main)
	if err != nil {
		return versions.ChangeRecord{}, fmt.Errorf("compare heads: %w", err)
	}
	if behind {
		if err := setBranch(repo, sourceBranch, main.Hash); err != nil {
			return versions.ChangeRecord{}, err
		}
		return toChangeRecord(main), nil
	}

	content, err := readContentFromCommit(source)
	if err != nil {
		return versions.ChangeRecord{}, err
	}
	mergeMessage := fmt.Sprintf("%s\n\nmerge: source=%s target=%s actor=%s", message, sourceBranch, MainBranch, author)
	hash, err := s.commit(repo, MainBranch, content, author, mergeMessage, []plumbing.Hash{main.Hash, source.Hash})
	if err != nil {
		return versions.ChangeRecord{}, err
	}
	if err := setBranch(repo, sourceBranch, hash); err != nil {
		return versions.ChangeRecord{}, err
	}
	merged, err := repo.CommitObject(hash)
	if err != nil {
		return versions.ChangeRecord{}, fmt.Errorf("read merge commit object: %w", err)
	}
	return toChangeRecord(merged), nil
}

func (s *Service) repoPath(documentID string) string {
	return filepath.Join(s.baseDir, documentID)
}

func (s *Service) open(documentID string) (*git.Repository, error) {
	repo, err := git.PlainOpen(s.repoPath(documentID))
	if err != nil {
		return nil, fmt.Errorf("open repo: %w", err)
	}
	return repo, nil
}

func (s *Service) documentLock(documentID string) *sync.Mutex {
	s.lockMu.Lock()
	defer s.lockMu.Unlock()
	lock, ok := s.locks[documentID]
	if ok {
		return lock
	}
	lock = &sync.Mutex{}
	s.locks[documentID] = lock
	return lock
}

// commit writes content on branchName. Merge commits pass their parents and
// are recorded even when the tree is unchanged.
func (s *Service) commit(repo *git.Repository, branchName string, content Content, author, message string, parents []plumbing.Hash) (plumbing.Hash, error) {
	if err := checkoutBranch(repo, branchName); err != nil {
		return plumbing.ZeroHash, err
	}
	worktree, err := repo.Worktree()
	if err != nil {
		return plumbing.ZeroHash, fmt.Errorf("open worktree: %w", err)
	}
	if err := writeContent(worktree.Filesystem.Root(), content); err != nil {
		return plumbing.ZeroHash, err
	}
	if _, err := worktree.Add(contentFile); err != nil {
		return plumbing.ZeroHash, fmt.Errorf("git add content: %w", err)
	}

	hash, err := worktree.Commit(message, &git.CommitOptions{
		AllowEmptyCommits: len(parents) > 1,
		Author:            signature(author),
		Parents:           parents,
	})
	if errors.Is(err, git.ErrEmptyCommit) {
		return plumbing.ZeroHash, ErrNoChanges
	}
	if err != nil {
		return plumbing.ZeroHash, fmt.Errorf("commit content: %w", err)
	}
	return hash, nil
}

func writeContent(root string, content Content) error {
	payload, err := json.MarshalIndent(content, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal content: %w", err)
	}
	if err := os.WriteFile(filepath.Join(root, contentFile), append(payload, '\n'), 0o644); err != nil {
		return fmt.Errorf("write %s: %w", contentFile, err)
	}
	return nil
}

func checkoutBranch(repo *git.Repository, branchName string) error {
	worktree, err := repo.Worktree()
	if err != nil {
		return fmt.Errorf("open worktree: %w", err)
	}

	branchRef := plumbing.NewBranchReferenceName(branchName)
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

func branchHead(repo *git.Repository, branchName string) (*object.Commit, error) {
	ref, err := repo.Reference(plumbing.NewBranchReferenceName(branchName), true)
	if err != nil {
		return nil, fmt.Errorf("resolve branch %s: %w", branchName, err)
	}
	commitObj, err := repo.CommitObject(ref.Hash())
	if err != nil {
		return nil, fmt.Errorf("load commit object: %w", err)
	}
	return commitObj, nil
}

func setBranch(repo *git.Repository, branchName string, hash plumbing.Hash) error {
	ref := plumbing.NewHashReference(plumbing.NewBranchReferenceName(branchName), hash)
	if err := repo.Storer.SetReference(ref); err != nil {
		return fmt.Errorf("move branch %s: %w", branchName, err)
	}
	return nil
}

func readContentFromCommit(commitObj *object.Commit) (Content, error) {
	file, err := commitObj.File(contentFile)
	if err != nil {
		return Content{}, fmt.Errorf("load %s from commit: %w", contentFile, err)
	}
	reader, err := file.Reader()
	if err != nil {
		return Content{}, fmt.Errorf("open content reader: %w", err)
	}
	defer reader.Close()

	payload, err := io.ReadAll(reader)
	if err != nil {
		return Content{}, fmt.Errorf("read content bytes: %w", err)
	}
	var content Content
	if err := json.Unmarshal(payload, &content); err != nil {
		return Content{}, fmt.Errorf("decode commit content: %w", err)
	}
	return content, nil
}

// toChangeRecord maps a commit onto the change DAG: the abbreviated hash is
// the change id, the full hash the version, parents the dependencies.
func toChangeRecord(commitObj *object.Commit) versions.ChangeRecord {
	deps := make([]string, 0, len(commitObj.ParentHashes))
	for _, parent := range commitObj.ParentHashes {
		deps = append(deps, changeID(parent))
	}
	return versions.ChangeRecord{
		ID:         changeID(commitObj.Hash),
		Version:    commitObj.Hash.String(),
		Author:     commitObj.Author.Name,
		Message:    commitObj.Message,
		CreateTime: commitObj.Author.When,
		Deps:       deps,
	}
}

func changeID(hash plumbing.Hash) string {
	return hash.String()[:12]
}

func signature(author string) *object.Signature {
	return &object.Signature{
		Name:  author,
		Email: fmt.Sprintf("%s@local.hyperdraft.dev", sanitizeEmail(author)),
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
		return "user"
	}
	return string(out)
}

// resolveCommit accepts a full version hash or an abbreviated change id.
func resolveCommit(repo *git.Repository, version string) (*object.Commit, error) {
	var hash plumbing.Hash
	if len(version) == 40 {
		hash = plumbing.NewHash(version)
	} else {
		resolved, err := repo.ResolveRevision(plumbing.Revision(version))
		if err != nil {
			return nil, fmt.Errorf("%w: %s", ErrVersionNotFound, version)
		}
		hash = *resolved
	}
	commitObj, err := repo.CommitObject(hash)
	if errors.Is(err, plumbing.ErrObjectNotFound) {
		return nil, fmt.Errorf("%w: %s", ErrVersionNotFound, version)
	}
	if err != nil {
		return nil, fmt.Errorf("read commit %s: %w", version, err)
	}
	return commitObj, nil
}
