// Package journal keeps the history of each family tree in a git repository,
// one repository per protocol key, one commit per snapshot.
package journal

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"sync"
	"time"

	git "github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/plumbing"
	"github.com/go-git/go-git/v5/plumbing/object"

	"heirloom/api/internal/archive"
)

const treeFile = "tree.json"

var (
	ErrNoJournal        = errors.New("no snapshots recorded for this family")
	ErrSnapshotNotFound = errors.New("snapshot not found")
)

type Commit struct {
	Hash      string    `json:"hash"`
	ShortHash string    `json:"shortHash"`
	Message   string    `json:"message"`
	Author    string    `json:"author"`
	CreatedAt time.Time `json:"createdAt"`
	// Unchanged is set when a snapshot matched the previous one and no commit was made.
	Unchanged bool `json:"unchanged,omitempty"`
}

type Service struct {
	baseDir string
	lockMu  sync.Mutex
	locks   map[string]*sync.Mutex
	now     func() time.Time
}

func New(baseDir string) *Service {
	return &Service{
		baseDir: baseDir,
		locks:   make(map[string]*sync.Mutex),
		now:     time.Now,
	}
}

// Snapshot commits tree as tree.json. Identical consecutive snapshots are
// collapsed: the previous commit is returned with Unchanged set.
func (s *Service) Snapshot(protocolKey string, tree archive.Tree, author, message string) (Commit, error) {
	lock := s.familyLock(protocolKey)
	lock.Lock()
	defer lock.Unlock()

	repo, err := s.openOrInit(protocolKey)
	if err != nil {
		return Commit{}, err
	}
	worktree, err := repo.Worktree()
	if err != nil {
		return Commit{}, fmt.Errorf("open worktree: %w", err)
	}

	payload, err := json.MarshalIndent(canonical(tree), "", "  ")
	if err != nil {
		return Commit{}, fmt.Errorf("marshal tree: %w", err)
	}
	payload = append(payload, '\n')

	if previous, ok, err := headSnapshot(repo); err != nil {
		return Commit{}, err
	} else if ok && previous.contents == string(payload) {
		info := toCommit(previous.commit)
		info.Unchanged = true
		return info, nil
	}
	if err := os.WriteFile(filepath.Join(worktree.Filesystem.Root(), treeFile), payload, 0o644); err != nil {
		return Commit{}, fmt.Errorf("write %s: %w", treeFile, err)
	}
	if _, err := worktree.Add(treeFile); err != nil {
		return Commit{}, fmt.Errorf("git add tree: %w", err)
	}

	if message == "" {
		message = "Snapshot"
	}
	hash, err := worktree.Commit(message, &git.CommitOptions{
		Author: &object.Signature{
			Name:  author,
			Email: sanitizeEmail(author) + "@heirloom.local",
			When:  s.now(),
		},
	})
	if err != nil {
		return Commit{}, fmt.Errorf("commit snapshot: %w", err)
	}

	commitObj, err := repo.CommitObject(hash)
	if err != nil {
		return Commit{}, fmt.Errorf("read commit object: %w", err)
	}
	return toCommit(commitObj), nil
}

// History lists snapshots newest first. A zero limit returns all of them.
func (s *Service) History(protocolKey string, limit int) ([]Commit, error) {
	lock := s.familyLock(protocolKey)
	lock.Lock()
	defer lock.Unlock()

	repo, err := s.open(protocolKey)
	if errors.Is(err, ErrNoJournal) {
		return []Commit{}, nil
	}
	if err != nil {
		return nil, err
	}
	head, err := repo.Head()
	if err != nil {
		return nil, fmt.Errorf("resolve head: %w", err)
	}

	iter, err := repo.Log(&git.LogOptions{From: head.Hash()})
	if err != nil {
		return nil, fmt.Errorf("read log: %w", err)
	}
	defer iter.Close()

	items := make([]Commit, 0)
	err = iter.ForEach(func(commitObj *object.Commit) error {
		items = append(items, toCommit(commitObj))
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

// SnapshotAt loads the tree recorded by the commit hash (full or abbreviated).
func (s *Service) SnapshotAt(protocolKey, hash string) (archive.Tree, Commit, error) {
	lock := s.familyLock(protocolKey)
	lock.Lock()
	defer lock.Unlock()

	repo, err := s.open(protocolKey)
	if err != nil {
		return archive.Tree{}, Commit{}, err
	}
	resolved, err := resolveHash(repo, hash)
	if err != nil {
		return archive.Tree{}, Commit{}, err
	}
	commitObj, err := repo.CommitObject(resolved)
	if err != nil {
		return archive.Tree{}, Commit{}, fmt.Errorf("%w: %s", ErrSnapshotNotFound, hash)
	}
	tree, err := readTree(commitObj)
	if err != nil {
		return archive.Tree{}, Commit{}, err
	}
	return tree, toCommit(commitObj), nil
}

func (s *Service) repoPath(protocolKey string) string {
	return filepath.Join(s.baseDir, protocolKey)
}

func (s *Service) open(protocolKey string) (*git.Repository, error) {
	repo, err := git.PlainOpen(s.repoPath(protocolKey))
	if errors.Is(err, git.ErrRepositoryNotExists) {
		return nil, ErrNoJournal
	}
	if err != nil {
		return nil, fmt.Errorf("open repo: %w", err)
	}
	return repo, nil
}

func (s *Service) openOrInit(protocolKey string) (*git.Repository, error) {
	repo, err := s.open(protocolKey)
	if err == nil || !errors.Is(err, ErrNoJournal) {
		return repo, err
	}
	path := s.repoPath(protocolKey)
	if err := os.MkdirAll(path, 0o755); err != nil {
		return nil, fmt.Errorf("create repo dir: %w", err)
	}
	repo, err = git.PlainInitWithOptions(path, &git.PlainInitOptions{
		InitOptions: git.InitOptions{DefaultBranch: plumbing.Main},
	})
	if err != nil {
		return nil, fmt.Errorf("init repo: %w", err)
	}
	return repo, nil
}

func (s *Service) familyLock(protocolKey string) *sync.Mutex {
	s.lockMu.Lock()
	defer s.lockMu.Unlock()
	lock, ok := s.locks[protocolKey]
	if ok {
		return lock
	}
	lock = &sync.Mutex{}
	s.locks[protocolKey] = lock
	return lock
}

// canonical orders records by id so equal trees serialize identically.
func canonical(tree archive.Tree) archive.Tree {
	out := tree
	out.People = append([]archive.Person(nil), tree.People...)
	out.Memories = append([]archive.Memory(nil), tree.Memories...)
	sort.Slice(out.People, func(i, j int) bool { return out.People[i].ID < out.People[j].ID })
	sort.Slice(out.Memories, func(i, j int) bool { return out.Memories[i].ID < out.Memories[j].ID })
	if out.People == nil {
		out.People = []archive.Person{}
	}
	if out.Memories == nil {
		out.Memories = []archive.Memory{}
	}
	// Revision changes on every write, including ones that leave the tree
	// content identical, so it is not part of the snapshot.
	out.Revision = 0
	return out
}

type headState struct {
	commit   *object.Commit
	contents string
}

// headSnapshot returns the latest commit and its tree.json; ok is false for
// a repository with no commits yet.
func headSnapshot(repo *git.Repository) (headState, bool, error) {
	head, err := repo.Head()
	if errors.Is(err, plumbing.ErrReferenceNotFound) {
		return headState{}, false, nil
	}
	if err != nil {
		return headState{}, false, fmt.Errorf("resolve head: %w", err)
	}
	commitObj, err := repo.CommitObject(head.Hash())
	if err != nil {
		return headState{}, false, fmt.Errorf("read head commit: %w", err)
	}
	file, err := commitObj.File(treeFile)
	if err != nil {
		return headState{commit: commitObj}, true, nil
	}
	contents, err := file.Contents()
	if err != nil {
		return headState{}, false, fmt.Errorf("read %s: %w", treeFile, err)
	}
	return headState{commit: commitObj, contents: contents}, true, nil
}

func readTree(commitObj *object.Commit) (archive.Tree, error) {
	file, err := commitObj.File(treeFile)
	if err != nil {
		return archive.Tree{}, fmt.Errorf("load %s from commit: %w", treeFile, err)
	}
	contents, err := file.Contents()
	if err != nil {
		return archive.Tree{}, fmt.Errorf("read %s: %w", treeFile, err)
	}
	var tree archive.Tree
	if err := json.Unmarshal([]byte(contents), &tree); err != nil {
		return archive.Tree{}, fmt.Errorf("decode snapshot tree: %w", err)
	}
	return tree, nil
}

func toCommit(commitObj *object.Commit) Commit {
	hash := commitObj.Hash.String()
	return Commit{
		Hash:      hash,
		ShortHash: hash[:7],
		Message:   commitObj.Message,
		Author:    commitObj.Author.Name,
		CreatedAt: commitObj.Author.When,
	}
}

var emailUnsafe = regexp.MustCompile(`[^A-Za-z0-9.]+`)

func sanitizeEmail(input string) string {
	local := emailUnsafe.ReplaceAllString(input, ".")
	for len(local) > 0 && local[0] == '.' {
		local = local[1:]
	}
	for len(local) > 0 && local[len(local)-1] == '.' {
		local = local[:len(local)-1]
	}
	if local == "" {
		return "member"
	}
	return local
}

var hexHash = regexp.MustCompile(`^[0-9a-f]{4,40}$`)

func resolveHash(repo *git.Repository, hash string) (plumbing.Hash, error) {
	if !hexHash.MatchString(hash) {
		return plumbing.ZeroHash, fmt.Errorf("%w: %s", ErrSnapshotNotFound, hash)
	}
	if len(hash) == 40 {
		return plumbing.NewHash(hash), nil
	}
	resolved, err := repo.ResolveRevision(plumbing.Revision(hash))
	if err != nil {
		return plumbing.ZeroHash, fmt.Errorf("%w: %s", ErrSnapshotNotFound, hash)
	}
	return *resolved, nil
}
