package swarm

import (
	"context"
	"encoding/json"
	"fmt"
	"os/exec"
)

// CheckStatus is the reduced state of a PR's CI checks, §4.9
// "reduce per-check states into one of success, failure, pending, unknown".
type CheckStatus string

const (
	CheckSuccess CheckStatus = "success"
	CheckFailure CheckStatus = "failure"
	CheckPending CheckStatus = "pending"
	CheckUnknown CheckStatus = "unknown"
)

// PR is the subset of a pull request's fields the monitor needs.
type PR struct {
	URL    string
	Number int
}

// PRPlatform abstracts the PR-hosting CLI §6 names: "pr list, pr checks".
// A real deployment shells out to the GitHub CLI (`gh`); tests use a fake.
type PRPlatform interface {
	// FindByBranch returns the PR whose head is branch, or nil if none exists.
	FindByBranch(ctx context.Context, repoRoot, branch string) (*PR, error)
	// Checks returns the reduced CI status for prNumber.
	Checks(ctx context.Context, repoRoot string, prNumber int) (CheckStatus, error)
}

// GHPRPlatform shells out to the `gh` CLI.
type GHPRPlatform struct{}

func NewGHPRPlatform() *GHPRPlatform { return &GHPRPlatform{} }

type ghPRListEntry struct {
	URL    string `json:"url"`
	Number int    `json:"number"`
}

func (g *GHPRPlatform) FindByBranch(ctx context.Context, repoRoot, branch string) (*PR, error) {
	cmd := exec.CommandContext(ctx, "gh", "pr", "list", "--head", branch, "--json", "url,number")
	cmd.Dir = repoRoot
	out, err := cmd.Output()
	if err != nil {
		return nil, fmt.Errorf("swarm: gh pr list: %w", err)
	}
	var entries []ghPRListEntry
	if err := json.Unmarshal(out, &entries); err != nil {
		return nil, fmt.Errorf("swarm: parse gh pr list: %w", err)
	}
	if len(entries) == 0 {
		return nil, nil
	}
	return &PR{URL: entries[0].URL, Number: entries[0].Number}, nil
}

type ghCheckEntry struct {
	Bucket string `json:"bucket"` // "pass", "fail", "pending", "skipping", "cancel"
}

func (g *GHPRPlatform) Checks(ctx context.Context, repoRoot string, prNumber int) (CheckStatus, error) {
	cmd := exec.CommandContext(ctx, "gh", "pr", "checks", fmt.Sprint(prNumber), "--json", "bucket")
	cmd.Dir = repoRoot
	out, err := cmd.Output()
	if err != nil {
		// gh pr checks exits non-zero when any check failed or is pending;
		// the JSON on stdout is still authoritative, so only bail if it's empty.
		if len(out) == 0 {
			return CheckUnknown, fmt.Errorf("swarm: gh pr checks: %w", err)
		}
	}
	var entries []ghCheckEntry
	if err := json.Unmarshal(out, &entries); err != nil {
		return CheckUnknown, fmt.Errorf("swarm: parse gh pr checks: %w", err)
	}
	return reduceChecks(entries), nil
}

// reduceChecks implements §4.9's per-check reduction: any failure wins,
// then any pending, then success if every check passed, else unknown.
func reduceChecks(entries []ghCheckEntry) CheckStatus {
	if len(entries) == 0 {
		return CheckUnknown
	}
	sawPending := false
	sawUnknown := false
	for _, e := range entries {
		switch e.Bucket {
		case "fail", "cancel":
			return CheckFailure
		case "pending":
			sawPending = true
		case "pass", "skipping":
			// counts toward success unless something else fails
		default:
			sawUnknown = true
		}
	}
	if sawPending {
		return CheckPending
	}
	if sawUnknown {
		return CheckUnknown
	}
	return CheckSuccess
}
