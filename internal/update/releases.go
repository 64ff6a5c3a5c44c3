package update

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

const defaultGitHubAPIBaseURL = "https://api.github.com"

// HTTPDoer allows tests to stub HTTP transport.
type HTTPDoer interface {
	Do(req *http.Request) (*http.Response, error)
}

type githubClient struct {
	baseURL string
	client  HTTPDoer
}

type releaseAPIResponse struct {
	TagName     string `json:"tag_name"`
	Name        string `json:"name"`
	Body        string `json:"body"`
	Prerelease  bool   `json:"prerelease"`
	PublishedAt string `json:"published_at"`
}

// ReleaseNotes is the subset of a GitHub release shown as a changelog.
type ReleaseNotes struct {
	Tag         string
	Name        string
	Body        string
	PublishedAt time.Time
}

func newGitHubClient(doer HTTPDoer) *githubClient {
	if doer == nil {
		doer = &http.Client{Timeout: 10 * time.Second}
	}
	return &githubClient{
		baseURL: defaultGitHubAPIBaseURL,
		client:  doer,
	}
}

func (c *githubClient) latestRelease(ctx context.Context, repo string) (ReleaseNotes, error) {
	url := strings.TrimRight(c.baseURL, "/") + "/repos/" + strings.Trim(repo, "/") + "/releases/latest"
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return ReleaseNotes{}, err
	}
	req.Header.Set("Accept", "application/vnd.github+json")
	req.Header.Set("User-Agent", "hub-api")
	resp, err := c.client.Do(req)
	if err != nil {
		return ReleaseNotes{}, fmt.Errorf("github release request failed: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return ReleaseNotes{}, fmt.Errorf("github release request returned %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}

	var payload releaseAPIResponse
	if err := json.NewDecoder(io.LimitReader(resp.Body, 1<<20)).Decode(&payload); err != nil {
		return ReleaseNotes{}, fmt.Errorf("decode github release response: %w", err)
	}
	notes := ReleaseNotes{
		Tag:  strings.TrimSpace(payload.TagName),
		Name: strings.TrimSpace(payload.Name),
		Body: strings.TrimSpace(payload.Body),
	}
	if payload.PublishedAt != "" {
		if t, err := time.Parse(time.RFC3339, payload.PublishedAt); err == nil {
			notes.PublishedAt = t.UTC()
		}
	}
	if notes.Tag == "" {
		return ReleaseNotes{}, fmt.Errorf("release metadata missing tag")
	}
	return notes, nil
}

// Markdown renders the notes as the dashboard expects them.
func (n ReleaseNotes) Markdown() string {
	title := n.Name
	if title == "" {
		title = n.Tag
	}
	body := n.Body
	if body == "" {
		body = "No description available."
	}
	return "## " + title + "\n\n" + body
}
