// Package release resolves a branch of the upstream repository to a source
// snapshot and installs it into the installation root. Snapshots are fetched
// to a scratch directory and copied only after a verified extraction, so the
// root is never left half-replaced.
package release

import (
	"archive/zip"
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/camhub/camdeploy/internal/prompt"
	"github.com/camhub/camdeploy/internal/report"
)

const (
	// DefaultBranch is used whenever the operator does not pick one.
	DefaultBranch = "main"

	// Upstream repository coordinates.
	RepoOwner = "camhub"
	RepoName  = "camhub"

	apiBase      = "https://api.github.com"
	downloadBase = "https://github.com"

	metadataTimeout = 15 * time.Second
	downloadTimeout = 2 * time.Minute
)

// Branch is one entry of the repository's branch listing.
type Branch struct {
	Name   string `json:"name"`
	Commit struct {
		SHA string `json:"sha"`
	} `json:"commit"`
}

// BranchInfo describes the head of a single branch.
type BranchInfo struct {
	Name   string `json:"name"`
	Commit struct {
		SHA    string `json:"sha"`
		Commit struct {
			Message   string `json:"message"`
			Committer struct {
				Date time.Time `json:"date"`
			} `json:"committer"`
		} `json:"commit"`
	} `json:"commit"`
}

// ShortSHA returns the abbreviated head commit hash.
func (b *BranchInfo) ShortSHA() string {
	if len(b.Commit.SHA) > 7 {
		return b.Commit.SHA[:7]
	}
	return b.Commit.SHA
}

// Client talks to the repository metadata and archive endpoints.
type Client struct {
	logger *slog.Logger
	http   *http.Client

	apiBase      string
	downloadBase string
	owner        string
	repo         string
	token        string
}

// NewClient creates a Client for the upstream repository. A GITHUB_TOKEN
// environment variable, when present, raises the API rate limit.
func NewClient(logger *slog.Logger) *Client {
	return &Client{
		logger:       logger,
		http:         &http.Client{Timeout: downloadTimeout},
		apiBase:      apiBase,
		downloadBase: downloadBase,
		owner:        RepoOwner,
		repo:         RepoName,
		token:        os.Getenv("GITHUB_TOKEN"),
	}
}

func (c *Client) newRequest(ctx context.Context, url string) (*http.Request, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "application/vnd.github.v3+json")
	req.Header.Set("User-Agent", "camdeploy")
	if c.token != "" {
		req.Header.Set("Authorization", "token "+c.token)
	}
	return req, nil
}

// ListBranches enumerates the repository's branches.
func (c *Client) ListBranches(ctx context.Context) ([]Branch, error) {
	ctx, cancel := context.WithTimeout(ctx, metadataTimeout)
	defer cancel()

	url := fmt.Sprintf("%s/repos/%s/%s/branches?per_page=100", c.apiBase, c.owner, c.repo)
	req, err := c.newRequest(ctx, url)
	if err != nil {
		return nil, err
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("list branches: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("list branches: unexpected status %d", resp.StatusCode)
	}

	var branches []Branch
	if err := json.NewDecoder(resp.Body).Decode(&branches); err != nil {
		return nil, fmt.Errorf("decode branch list: %w", err)
	}
	return branches, nil
}

// BranchHead fetches head commit details for one branch.
func (c *Client) BranchHead(ctx context.Context, branch string) (*BranchInfo, error) {
	ctx, cancel := context.WithTimeout(ctx, metadataTimeout)
	defer cancel()

	url := fmt.Sprintf("%s/repos/%s/%s/branches/%s", c.apiBase, c.owner, c.repo, branch)
	req, err := c.newRequest(ctx, url)
	if err != nil {
		return nil, err
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetch branch %s: %w", branch, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return nil, fmt.Errorf("branch %q not found in %s/%s", branch, c.owner, c.repo)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("fetch branch %s: unexpected status %d", branch, resp.StatusCode)
	}

	var info BranchInfo
	if err := json.NewDecoder(resp.Body).Decode(&info); err != nil {
		return nil, fmt.Errorf("decode branch info: %w", err)
	}
	return &info, nil
}

// ArchiveURL returns the snapshot zip URL for a branch.
func (c *Client) ArchiveURL(branch string) string {
	return fmt.Sprintf("%s/%s/%s/archive/refs/heads/%s.zip", c.downloadBase, c.owner, c.repo, branch)
}

// Download fetches the branch snapshot archive into destDir and returns the
// archive path.
func (c *Client) Download(ctx context.Context, branch, destDir string) (string, error) {
	url := c.ArchiveURL(branch)
	c.logger.Info("downloading snapshot", "branch", branch, "url", url)

	req, err := c.newRequest(ctx, url)
	if err != nil {
		return "", err
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return "", fmt.Errorf("download snapshot: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("download snapshot: unexpected status %d for branch %q", resp.StatusCode, branch)
	}

	archivePath := filepath.Join(destDir, fmt.Sprintf("source-%s.zip", strings.ReplaceAll(branch, "/", "-")))
	f, err := os.Create(archivePath)
	if err != nil {
		return "", fmt.Errorf("create archive file: %w", err)
	}
	defer f.Close()

	if _, err := io.Copy(f, resp.Body); err != nil {
		os.Remove(archivePath)
		return "", fmt.Errorf("write archive: %w", err)
	}
	return archivePath, nil
}

// SelectBranch resolves the branch to deploy. Interactive selection
// enumerates remote branches numbered with the default as the bare-Enter
// shortcut; if the listing call fails the default is used silently — a dead
// metadata API must never block a deployment.
func SelectBranch(ctx context.Context, c *Client, src prompt.Source, rep *report.Printer) (string, error) {
	branches, err := c.ListBranches(ctx)
	if err != nil || len(branches) == 0 {
		c.logger.Warn("branch listing unavailable, using default", "error", err)
		rep.Info("using default branch %q", DefaultBranch)
		return DefaultBranch, nil
	}

	names := make([]string, len(branches))
	def := 0
	for i, b := range branches {
		names[i] = b.Name
		if b.Name == DefaultBranch {
			def = i
		}
	}

	idx, err := src.Select("select a branch to deploy", names, def)
	if err != nil {
		return "", fmt.Errorf("branch selection: %w", err)
	}
	return names[idx], nil
}

// Extract unpacks a snapshot archive into destDir and returns the path of
// its single top-level directory. An archive without exactly one top-level
// directory is rejected; that is how a truncated or foreign zip is caught
// before anything touches the installation root.
func Extract(archivePath, destDir string) (string, error) {
	zr, err := zip.OpenReader(archivePath)
	if err != nil {
		return "", fmt.Errorf("open archive: %w", err)
	}
	defer zr.Close()

	topLevels := make(map[string]bool)
	for _, f := range zr.File {
		name := filepath.Clean(f.Name)
		if name == "." || strings.HasPrefix(name, "..") || filepath.IsAbs(name) {
			return "", fmt.Errorf("archive contains unsafe path %q", f.Name)
		}
		topLevels[strings.SplitN(name, string(filepath.Separator), 2)[0]] = true
	}
	if len(topLevels) != 1 {
		return "", fmt.Errorf("archive does not have a single top-level directory (got %d)", len(topLevels))
	}

	for _, f := range zr.File {
		target := filepath.Join(destDir, filepath.Clean(f.Name))
		if f.FileInfo().IsDir() {
			if err := os.MkdirAll(target, 0o755); err != nil {
				return "", fmt.Errorf("create dir %s: %w", target, err)
			}
			continue
		}
		if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
			return "", fmt.Errorf("create dir for %s: %w", target, err)
		}
		if err := extractFile(f, target); err != nil {
			return "", err
		}
	}

	var top string
	for name := range topLevels {
		top = name
	}
	return filepath.Join(destDir, top), nil
}

func extractFile(f *zip.File, target string) error {
	rc, err := f.Open()
	if err != nil {
		return fmt.Errorf("open %s in archive: %w", f.Name, err)
	}
	defer rc.Close()

	mode := f.Mode().Perm()
	if mode == 0 {
		mode = 0o644
	}
	out, err := os.OpenFile(target, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, mode)
	if err != nil {
		return fmt.Errorf("create %s: %w", target, err)
	}
	defer out.Close()

	if _, err := io.Copy(out, rc); err != nil {
		return fmt.Errorf("extract %s: %w", f.Name, err)
	}
	return nil
}

// InstallTree downloads and extracts the branch snapshot, then copies the
// extracted tree's contents over root. Subpaths listed in protect (relative
// to root, e.g. "config") are never written. The copy happens only after the
// archive extracted and verified cleanly.
func (c *Client) InstallTree(ctx context.Context, branch, root string, protect []string) error {
	scratch, err := os.MkdirTemp("", "camdeploy-fetch-")
	if err != nil {
		return fmt.Errorf("create scratch dir: %w", err)
	}
	defer os.RemoveAll(scratch)

	archivePath, err := c.Download(ctx, branch, scratch)
	if err != nil {
		return err
	}

	extracted, err := Extract(archivePath, scratch)
	if err != nil {
		return err
	}

	if err := os.MkdirAll(root, 0o755); err != nil {
		return fmt.Errorf("create installation root: %w", err)
	}
	if err := copyTree(extracted, root, protect); err != nil {
		return fmt.Errorf("install tree: %w", err)
	}

	c.logger.Info("snapshot installed", "branch", branch, "root", root)
	return nil
}

// copyTree copies src into dst, overwriting files, skipping protected
// relative subpaths.
func copyTree(src, dst string, protect []string) error {
	protected := make(map[string]bool, len(protect))
	for _, p := range protect {
		protected[filepath.Clean(p)] = true
	}

	return filepath.WalkDir(src, func(path string, d os.DirEntry, err error) error {
		if err != nil {
			return err
		}
		rel, err := filepath.Rel(src, path)
		if err != nil {
			return err
		}
		if rel == "." {
			return nil
		}
		for p := range protected {
			if rel == p || strings.HasPrefix(rel, p+string(filepath.Separator)) {
				if d.IsDir() {
					return filepath.SkipDir
				}
				return nil
			}
		}

		target := filepath.Join(dst, rel)
		if d.IsDir() {
			return os.MkdirAll(target, 0o755)
		}

		info, err := d.Info()
		if err != nil {
			return err
		}
		return copyFile(path, target, info.Mode().Perm())
	})
}

func copyFile(src, dst string, mode os.FileMode) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	out, err := os.OpenFile(dst, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, mode)
	if err != nil {
		return err
	}
	defer out.Close()

	_, err = io.Copy(out, in)
	return err
}

// InstalledVersion reads the deployed tree's version from the first "## x.y.z"
// heading of its CHANGELOG.md. Returns "0.0.0" when no version is found.
func InstalledVersion(root string) string {
	f, err := os.Open(filepath.Join(root, "CHANGELOG.md"))
	if err != nil {
		return "0.0.0"
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if strings.HasPrefix(line, "## ") {
			parts := strings.Fields(line)
			if len(parts) >= 2 {
				return parts[1]
			}
		}
	}
	return "0.0.0"
}
