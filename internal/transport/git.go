package transport

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/roach88/geosync/internal/geo"
)

// GitFetcher mirrors repositories with the git command line.
type GitFetcher struct {
	// BaseURL is where the primary serves repositories; the repository of a
	// resource is BaseURL/<type>/<id>.git. Local paths work too.
	BaseURL string

	// Token is sent as a bearer token in an extra HTTP header when set.
	Token string

	// Bin is the git executable. Defaults to "git".
	Bin string
}

// RepositoryURL returns the primary URL of res.
func (g *GitFetcher) RepositoryURL(res geo.Resource) string {
	return strings.TrimRight(g.BaseURL, "/") + "/" + string(res.Type) + "/" + strconv.FormatInt(res.ID, 10) + ".git"
}

// Fetch creates the bare mirror in dir if needed and fetches every ref,
// pruning refs deleted on the primary.
func (g *GitFetcher) Fetch(ctx context.Context, res geo.Resource, dir string) error {
	if _, err := os.Stat(filepath.Join(dir, "HEAD")); errors.Is(err, os.ErrNotExist) {
		if _, err := g.exec(ctx, "", "init", "--bare", "--quiet", dir); err != nil {
			return err
		}
	}

	args := []string{}
	if g.Token != "" {
		args = append(args, "-c", "http.extraHeader=Authorization: Bearer "+g.Token)
	}
	args = append(args, "fetch", "--quiet", "--prune", "--force", g.RepositoryURL(res), "+refs/*:refs/*")
	if _, err := g.exec(ctx, dir, args...); err != nil {
		return err
	}
	return nil
}

// RefState lists the refs of the mirror in dir.
func (g *GitFetcher) RefState(ctx context.Context, dir string) (map[string]string, error) {
	out, err := g.exec(ctx, dir, "for-each-ref", "--format=%(objectname) %(refname)")
	if err != nil {
		return nil, err
	}
	refs := make(map[string]string)
	for _, line := range strings.Split(strings.TrimSpace(string(out)), "\n") {
		if oid, name, ok := strings.Cut(line, " "); ok {
			refs[name] = oid
		}
	}
	return refs, nil
}

// exec runs git in dir and returns its output. The token is redacted from
// error messages.
func (g *GitFetcher) exec(ctx context.Context, dir string, args ...string) ([]byte, error) {
	bin := g.Bin
	if bin == "" {
		bin = "git"
	}
	cmd := exec.CommandContext(ctx, bin, args...)
	cmd.Dir = dir
	cmd.Env = append(os.Environ(), "GIT_TERMINAL_PROMPT=0")

	output, err := cmd.CombinedOutput()
	if err != nil {
		msg := fmt.Sprintf("git %s failed: %v\n%s", strings.Join(args, " "), err, string(output))
		if g.Token != "" {
			msg = strings.ReplaceAll(msg, g.Token, "[REDACTED]")
		}
		return output, errors.New(msg)
	}
	return output, nil
}
