// Package gitprovider implements the Git Provider component (§4.2):
// clone/fetch/list-tags/checkout against a package's repository working
// tree, surfacing tags as version.PackageVersion. Grounded on
// controller_src/git.go's use of go-git (PlainOpen/PlainClone,
// plumbing.NewHashReference, named-return error wrapping), generalized
// from "roll this repo's HEAD back one commit" to "move this repo's
// worktree to an arbitrary tagged commit."
package gitprovider

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/config"
	"github.com/go-git/go-git/v5/plumbing"
	"github.com/modelingevolution/autoupdater/internal/errkind"
	"github.com/modelingevolution/autoupdater/internal/version"
)

// tagCacheTTL bounds how long listVersions may serve a cached tag list
// before re-reading the repository, per §4.2's caching clause.
const tagCacheTTL = 10 * time.Second

type tagCacheEntry struct {
	versions []version.PackageVersion
	at       time.Time
}

// Provider implements the Git Provider contract of §4.2.
type Provider struct {
	mu    sync.Mutex
	cache map[string]tagCacheEntry
}

// New returns a ready-to-use Provider.
func New() *Provider {
	return &Provider{cache: make(map[string]tagCacheEntry)}
}

// EnsureCloned clones url into path if path/.git is absent; otherwise
// it is a no-op, matching controller_src/git.go's retrieveGitRepoPath
// existence check.
func (p *Provider) EnsureCloned(url string, path string) error {
	dotGit := filepath.Join(path, ".git")
	if _, err := os.Stat(dotGit); err == nil {
		return nil
	} else if !os.IsNotExist(err) {
		return errkind.New(errkind.GitClone, fmt.Errorf("checking for existing repository: %v", err))
	}

	if _, err := git.PlainClone(path, false, &git.CloneOptions{URL: url}); err != nil {
		return errkind.New(errkind.GitClone, fmt.Errorf("cloning %s into %s: %v", url, path, err))
	}

	return nil
}

// FetchTags fetches all remote refs with tags, per §4.2.
func (p *Provider) FetchTags(path string) error {
	repo, err := git.PlainOpen(path)
	if err != nil {
		return errkind.New(errkind.GitFetch, fmt.Errorf("opening repository at %s: %v", path, err))
	}

	remote, err := repo.Remote("origin")
	if err != nil {
		return errkind.New(errkind.GitFetch, fmt.Errorf("resolving origin remote: %v", err))
	}

	err = remote.Fetch(&git.FetchOptions{
		RefSpecs: []config.RefSpec{"+refs/heads/*:refs/remotes/origin/*"},
		Tags:     git.AllTags,
	})
	if err != nil && err != git.NoErrAlreadyUpToDate {
		return errkind.New(errkind.GitFetch, fmt.Errorf("fetching tags for %s: %v", path, err))
	}

	p.invalidate(path)
	return nil
}

func (p *Provider) invalidate(path string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.cache, path)
}

// ListVersions returns every tag name repo contains that
// version.TryParse accepts, sorted descending. Results are cached for up
// to 10s per path (§4.2).
func (p *Provider) ListVersions(path string) ([]version.PackageVersion, error) {
	p.mu.Lock()
	if entry, ok := p.cache[path]; ok && time.Since(entry.at) < tagCacheTTL {
		versions := entry.versions
		p.mu.Unlock()
		return versions, nil
	}
	p.mu.Unlock()

	versions, err := p.listVersionsUncached(path)
	if err != nil {
		return nil, err
	}

	p.mu.Lock()
	p.cache[path] = tagCacheEntry{versions: versions, at: time.Now()}
	p.mu.Unlock()

	return versions, nil
}

func (p *Provider) listVersionsUncached(path string) ([]version.PackageVersion, error) {
	repo, err := git.PlainOpen(path)
	if err != nil {
		return nil, errkind.New(errkind.GitFetch, fmt.Errorf("opening repository at %s: %v", path, err))
	}

	tagRefs, err := repo.Tags()
	if err != nil {
		return nil, errkind.New(errkind.GitFetch, fmt.Errorf("listing tags for %s: %v", path, err))
	}

	var versions []version.PackageVersion
	err = tagRefs.ForEach(func(ref *plumbing.Reference) error {
		name := ref.Name().Short()
		v := version.TryParse(name)
		if !v.IsEmpty() {
			versions = append(versions, v)
		}
		return nil
	})
	if err != nil {
		return nil, errkind.New(errkind.GitFetch, fmt.Errorf("iterating tags for %s: %v", path, err))
	}

	version.SortDescending(versions)
	return versions, nil
}

// CurrentVersion returns HEAD's tag if any, else version.Empty, per
// §4.2.
func (p *Provider) CurrentVersion(path string) (version.PackageVersion, error) {
	repo, err := git.PlainOpen(path)
	if err != nil {
		return version.Empty, errkind.New(errkind.GitFetch, fmt.Errorf("opening repository at %s: %v", path, err))
	}

	head, err := repo.Head()
	if err != nil {
		return version.Empty, nil
	}

	tagRefs, err := repo.Tags()
	if err != nil {
		return version.Empty, errkind.New(errkind.GitFetch, fmt.Errorf("listing tags for %s: %v", path, err))
	}

	var found version.PackageVersion
	err = tagRefs.ForEach(func(ref *plumbing.Reference) error {
		commitHash, resolveErr := resolveTagCommit(repo, ref)
		if resolveErr != nil {
			return nil
		}
		if commitHash != head.Hash() {
			return nil
		}
		v := version.TryParse(ref.Name().Short())
		if !v.IsEmpty() {
			found = v
		}
		return nil
	})
	if err != nil {
		return version.Empty, errkind.New(errkind.GitFetch, fmt.Errorf("resolving HEAD tag for %s: %v", path, err))
	}

	return found, nil
}

// resolveTagCommit dereferences a tag reference to the commit it
// ultimately points at, handling both lightweight tags (ref -> commit)
// and annotated tags (ref -> tag object -> commit).
func resolveTagCommit(repo *git.Repository, ref *plumbing.Reference) (plumbing.Hash, error) {
	tagObject, err := repo.TagObject(ref.Hash())
	if err == nil {
		commit, commitErr := tagObject.Commit()
		if commitErr != nil {
			return plumbing.ZeroHash, commitErr
		}
		return commit.Hash, nil
	}
	// Not an annotated tag object: the ref already points at the commit.
	return ref.Hash(), nil
}

// Checkout performs a hard checkout of the tag's commit, failing with
// GitTagMissing if absent, per §4.2.
func (p *Provider) Checkout(path string, v version.PackageVersion) error {
	if v.IsEmpty() {
		return errkind.New(errkind.GitTagMissing, fmt.Errorf("cannot checkout the empty version sentinel"))
	}

	repo, err := git.PlainOpen(path)
	if err != nil {
		return errkind.New(errkind.GitCheckout, fmt.Errorf("opening repository at %s: %v", path, err))
	}

	tagRefs, err := repo.Tags()
	if err != nil {
		return errkind.New(errkind.GitCheckout, fmt.Errorf("listing tags for %s: %v", path, err))
	}

	var target *plumbing.Reference
	err = tagRefs.ForEach(func(ref *plumbing.Reference) error {
		if version.TryParse(ref.Name().Short()).Equal(v) {
			target = ref
		}
		return nil
	})
	if err != nil {
		return errkind.New(errkind.GitCheckout, fmt.Errorf("resolving tag for version %s: %v", v, err))
	}
	if target == nil {
		return errkind.New(errkind.GitTagMissing, fmt.Errorf("no tag found for version %s in %s", v, path))
	}

	commitHash, err := resolveTagCommit(repo, target)
	if err != nil {
		return errkind.New(errkind.GitCheckout, fmt.Errorf("resolving commit for tag %s: %v", target.Name().Short(), err))
	}

	worktree, err := repo.Worktree()
	if err != nil {
		return errkind.New(errkind.GitCheckout, fmt.Errorf("opening worktree for %s: %v", path, err))
	}

	err = worktree.Checkout(&git.CheckoutOptions{
		Hash:  commitHash,
		Force: true,
	})
	if err != nil {
		return errkind.New(errkind.GitCheckout, fmt.Errorf("checking out %s (%s): %v", v, commitHash, err))
	}

	return nil
}
