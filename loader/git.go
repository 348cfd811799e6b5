package loader

import (
	"fmt"
	"io"
	"strings"
	"sync"

	"github.com/go-git/go-billy/v5"
	"github.com/go-git/go-billy/v5/helper/chroot"
	"github.com/go-git/go-billy/v5/memfs"
	"github.com/go-git/go-billy/v5/osfs"
	"github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/plumbing"
	"github.com/go-git/go-git/v5/storage/memory"

	"github.com/go-airspeed/airspeed/parser"
)

// GitLoader resolves template names against a billy.Filesystem worktree
// checked out from a git repository, letting a host version-control its
// templates (spec §4.5: "Hosts may supply custom Loaders"). Parsed
// templates are cached in memory, keyed by name; GitLoader has no
// freshness check of its own since a cloned worktree is immutable for the
// lifetime of the clone — call Refresh to re-clone at the current ref.
type GitLoader struct {
	url string
	ref string

	mu   sync.RWMutex
	fs   billy.Filesystem
	tree map[string]*parser.TemplateNode
}

// NewGitLoader clones url at ref (a branch name, or "" for the default
// branch; ref is always resolved as a branch, never as a tag) into an
// in-memory worktree.
func NewGitLoader(url, ref string) (*GitLoader, error) {
	l := &GitLoader{url: url, ref: ref, tree: make(map[string]*parser.TemplateNode)}
	if err := l.Refresh(); err != nil {
		return nil, err
	}
	return l, nil
}

// NewGitLoaderFromWorktree wraps an already-checked-out local worktree
// directory, skipping the clone (useful for tests and for hosts that
// manage the checkout themselves).
func NewGitLoaderFromWorktree(dir string) *GitLoader {
	return &GitLoader{fs: osfs.New(dir), tree: make(map[string]*parser.TemplateNode)}
}

// Refresh re-clones the repository at the configured ref, discarding any
// cached parsed templates. A loader built by NewGitLoaderFromWorktree has
// no URL: Refresh then returns nil without doing anything, and its cache is
// kept.
func (l *GitLoader) Refresh() error {
	if l.url == "" {
		return nil
	}
	storage := memory.NewStorage()
	fsRoot := memfs.New()
	opts := &git.CloneOptions{URL: l.url, SingleBranch: true}
	if l.ref != "" {
		opts.ReferenceName = plumbing.NewBranchReferenceName(l.ref)
	}
	if _, err := git.Clone(storage, fsRoot, opts); err != nil {
		return fmt.Errorf("loader: git clone %s: %w", l.url, err)
	}
	l.mu.Lock()
	l.fs = fsRoot
	l.tree = make(map[string]*parser.TemplateNode)
	l.mu.Unlock()
	return nil
}

func (l *GitLoader) resolve(name string) (string, error) {
	if strings.Contains(name, "..") {
		return "", fmt.Errorf("loader: rejected path-traversal template name %q", name)
	}
	return strings.TrimPrefix(name, "/"), nil
}

// LoadText reads raw source from the worktree for `#include`.
func (l *GitLoader) LoadText(name string) (string, error) {
	path, err := l.resolve(name)
	if err != nil {
		return "", err
	}
	l.mu.RLock()
	fs := l.fs
	l.mu.RUnlock()
	if fs == nil {
		return "", fmt.Errorf("loader: git worktree not initialized")
	}
	f, err := fs.Open(path)
	if err != nil {
		return "", fmt.Errorf("loader: %w", err)
	}
	defer f.Close()
	data, err := io.ReadAll(f)
	if err != nil {
		return "", fmt.Errorf("loader: %w", err)
	}
	return string(data), nil
}

// LoadTemplate returns a parsed template, cached for the lifetime of the
// current checkout.
func (l *GitLoader) LoadTemplate(name string) (*parser.TemplateNode, error) {
	l.mu.RLock()
	if tmpl, ok := l.tree[name]; ok {
		l.mu.RUnlock()
		return tmpl, nil
	}
	l.mu.RUnlock()

	src, err := l.LoadText(name)
	if err != nil {
		return nil, err
	}
	tmpl, err := parser.Parse(name, src)
	if err != nil {
		return nil, err
	}
	l.mu.Lock()
	l.tree[name] = tmpl
	l.mu.Unlock()
	return tmpl, nil
}

// Chroot restricts an existing billy.Filesystem to a subdirectory, for
// hosts that keep templates under a prefix within the repository.
func Chroot(fs billy.Filesystem, dir string) billy.Filesystem {
	return chroot.New(fs, dir)
}
