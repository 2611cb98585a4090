package scan

import (
	"os"
	"path/filepath"

	"github.com/go-git/go-git/v5"
)

// MarkerDir is the version-control marker that identifies a repository.
const MarkerDir = ".git"

// IsRepository reports whether dir contains a version-control marker.
func IsRepository(dir string) bool {
	_, err := os.Stat(filepath.Join(dir, MarkerDir))
	return err == nil
}

// RepoInfo holds best-effort repository metadata. Empty fields mean the
// lookup failed.
type RepoInfo struct {
	RemoteURL    string
	HeadRevision string
}

// InspectRepository reads the origin remote URL and HEAD commit of dir.
func InspectRepository(dir string) RepoInfo {
	var info RepoInfo
	repo, err := git.PlainOpen(dir)
	if err != nil {
		return info
	}
	if remote, err := repo.Remote(git.DefaultRemoteName); err == nil {
		if urls := remote.Config().URLs; len(urls) > 0 {
			info.RemoteURL = urls[0]
		}
	}
	if head, err := repo.Head(); err == nil {
		info.HeadRevision = head.Hash().String()
	}
	return info
}
