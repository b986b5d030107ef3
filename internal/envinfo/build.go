package envinfo

import (
	"runtime/debug"
	"strings"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/plumbing"
	"github.com/rs/zerolog"
)

// ErrMissingCommitMessage is returned when no source provides a commit message.
var ErrMissingCommitMessage = errors.New("missing commit message")

// Set with -ldflags "-X github.com/3cpo-dev/benchctl/internal/envinfo.commitSHA=..."
var (
	commitSHA     = ""
	commitMessage = ""
	commitDate    = ""
	branch        = ""
)

// BuildInfo is the provenance of the benchmarked build.
type BuildInfo struct {
	CommitSHA1    string     `json:"commit_sha1"`
	CommitMessage string     `json:"commit_msg"`
	CommitDate    *time.Time `json:"commit_date,omitempty"`
	Branch        string     `json:"branch,omitempty"`
	Tag           string     `json:"describe,omitempty"`
	Dirty         bool       `json:"dirty"`
}

// CommitSummary returns the first line of the commit message.
func (b BuildInfo) CommitSummary() (string, error) {
	line, _, _ := strings.Cut(strings.TrimSpace(b.CommitMessage), "\n")
	line = strings.TrimSpace(line)
	if line == "" {
		return "", ErrMissingCommitMessage
	}
	return line, nil
}

// ReadBuildInfo merges provenance from the linker flags and the git
// repository enclosing dir, the project being benchmarked. Linker flags win.
func ReadBuildInfo(dir string, log zerolog.Logger) BuildInfo {
	bi := BuildInfo{
		CommitSHA1:    commitSHA,
		CommitMessage: commitMessage,
		Branch:        branch,
	}
	if t, err := time.Parse(time.RFC3339, commitDate); err == nil {
		bi.CommitDate = &t
	}
	if bi.CommitMessage == "" || bi.CommitSHA1 == "" || bi.Branch == "" {
		fillFromRepository(dir, &bi, log)
	}
	return bi
}

// ToolRevision is the VCS revision benchctl itself was built from, with a
// -dirty suffix for modified trees. It never describes the benchmarked build.
func ToolRevision() string {
	info, ok := debug.ReadBuildInfo()
	if !ok {
		return ""
	}
	var rev string
	var dirty bool
	for _, s := range info.Settings {
		switch s.Key {
		case "vcs.revision":
			rev = s.Value
		case "vcs.modified":
			dirty = s.Value == "true"
		}
	}
	if rev != "" && dirty {
		rev += "-dirty"
	}
	return rev
}

func fillFromRepository(dir string, bi *BuildInfo, log zerolog.Logger) {
	repo, err := git.PlainOpenWithOptions(dir, &git.PlainOpenOptions{DetectDotGit: true})
	if err != nil {
		log.Debug().Err(err).Str("dir", dir).Msg("no git repository")
		return
	}
	head, err := repo.Head()
	if err != nil {
		log.Debug().Err(err).Msg("could not resolve HEAD")
		return
	}
	if bi.CommitSHA1 == "" {
		bi.CommitSHA1 = head.Hash().String()
	}
	if bi.Branch == "" && head.Name().IsBranch() {
		bi.Branch = head.Name().Short()
	}

	commit, err := repo.CommitObject(plumbing.NewHash(bi.CommitSHA1))
	if err != nil {
		log.Debug().Err(err).Str("commit", bi.CommitSHA1).Msg("commit not in repository")
		return
	}
	if bi.CommitMessage == "" {
		bi.CommitMessage = commit.Message
	}
	if bi.CommitDate == nil {
		when := commit.Committer.When.UTC()
		bi.CommitDate = &when
	}

	if tags, err := repo.Tags(); err != nil {
		log.Debug().Err(err).Msg("could not list tags")
	} else {
		err := tags.ForEach(func(ref *plumbing.Reference) error {
			target := ref.Hash()
			if tag, err := repo.TagObject(target); err == nil {
				target = tag.Target
			}
			if target == commit.Hash {
				bi.Tag = ref.Name().Short()
			}
			return nil
		})
		if err != nil {
			log.Debug().Err(err).Msg("could not iterate tags")
		}
	}

	if wt, err := repo.Worktree(); err != nil {
		log.Debug().Err(err).Msg("no worktree")
	} else if st, err := wt.Status(); err != nil {
		log.Debug().Err(err).Msg("could not read worktree status")
	} else if !st.IsClean() {
		bi.Dirty = true
	}
}
