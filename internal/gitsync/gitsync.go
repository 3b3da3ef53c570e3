// Copyright 2025 Tom Barlow
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package gitsync keeps the pipelines directory in step with a remote
// git repository. A sync fetches the configured branch and hard-resets
// the working tree to its head, so the directory always mirrors the
// remote exactly; local edits (enable flags, webhook keys) are expected
// to be pushed upstream by whoever owns the repo.
package gitsync

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/plumbing"
	githttp "github.com/go-git/go-git/v5/plumbing/transport/http"
	"golang.org/x/oauth2"

	fflog "github.com/tombee/fastflow/internal/log"
	"github.com/tombee/fastflow/internal/metrics"
	"github.com/tombee/fastflow/internal/resilience"
	fferrors "github.com/tombee/fastflow/pkg/errors"
)

// Credentials resolves the remote, branch and token for a sync. The
// daemon backs this with the settings document so operators can rotate
// the token without a restart.
type Credentials struct {
	// RemoteURL is the HTTPS clone URL. Empty disables syncing.
	RemoteURL string

	// Branch to track. Default "main".
	Branch string

	// Username for basic auth. Token-only providers (GitHub, GitLab)
	// accept any non-empty value; default "fastflow".
	Username string

	// TokenSource yields the access token. Nil means the remote is
	// public. Static tokens wrap in oauth2.StaticTokenSource; OAuth
	// apps can plug a refreshing source.
	TokenSource oauth2.TokenSource
}

// CredentialsFunc loads the current credentials before each sync.
type CredentialsFunc func(ctx context.Context) (Credentials, error)

// StaticToken adapts a fixed personal-access token to an
// oauth2.TokenSource.
func StaticToken(token string) oauth2.TokenSource {
	if token == "" {
		return nil
	}
	return oauth2.StaticTokenSource(&oauth2.Token{AccessToken: token})
}

// Config tunes sync behaviour.
type Config struct {
	// Dir is the pipelines checkout directory.
	Dir string

	// Timeout bounds one whole sync.
	// Default: 2m
	Timeout time.Duration

	// Retry policy for transport failures inside one sync.
	Retry resilience.RetryPolicy
}

// Result describes what one sync did.
type Result struct {
	// Updated is true when the working tree changed.
	Updated bool `json:"updated"`

	// OldHead and NewHead are commit hashes; OldHead is empty on the
	// initial clone.
	OldHead string `json:"old_head,omitempty"`
	NewHead string `json:"new_head,omitempty"`

	// Message is operator-facing ("already up to date", "cloned ...").
	Message string `json:"message"`
}

// Syncer pulls the pipelines repository. Syncs are serialised; a sync
// requested while one is in flight fails fast rather than queueing.
type Syncer struct {
	cfg        Config
	creds      CredentialsFunc
	gitBreaker *resilience.Breaker
	oauth      *resilience.Breaker
	logger     *slog.Logger

	// onSynced hooks run after a sync that changed the tree. The daemon
	// registers discovery invalidation and scheduler refresh here.
	hookMu   sync.Mutex
	onSynced []func(context.Context)

	busy sync.Mutex
}

// New wires a syncer. creds is called at the start of every sync so
// settings changes take effect immediately.
func New(cfg Config, creds CredentialsFunc, gitBreaker, oauthBreaker *resilience.Breaker, logger *slog.Logger) *Syncer {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 2 * time.Minute
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Syncer{
		cfg:        cfg,
		creds:      creds,
		gitBreaker: gitBreaker,
		oauth:      oauthBreaker,
		logger:     fflog.WithComponent(logger, "gitsync"),
	}
}

// OnSynced registers a hook fired after every sync that changed the
// working tree. Hooks run synchronously, in registration order.
func (s *Syncer) OnSynced(fn func(context.Context)) {
	s.hookMu.Lock()
	defer s.hookMu.Unlock()
	s.onSynced = append(s.onSynced, fn)
}

func (s *Syncer) hooks() []func(context.Context) {
	s.hookMu.Lock()
	defer s.hookMu.Unlock()
	return append([]func(context.Context){}, s.onSynced...)
}

// Sync brings the checkout up to date with the remote. Returns a
// ValidationError when no remote is configured, a ConcurrencyLimitError
// when a sync is already running, and an InfrastructureError for
// transport failures (after retries, through the git breaker).
func (s *Syncer) Sync(ctx context.Context) (*Result, error) {
	if !s.busy.TryLock() {
		return nil, &fferrors.ConcurrencyLimitError{Scope: "git-sync", Limit: 1, Active: 1}
	}
	defer s.busy.Unlock()

	creds, err := s.creds(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to load git credentials: %w", err)
	}
	if creds.RemoteURL == "" {
		return nil, &fferrors.ValidationError{
			Field:      "git_remote",
			Message:    "no git remote configured",
			Suggestion: "set git_remote in the orchestrator settings",
		}
	}
	if creds.Branch == "" {
		creds.Branch = "main"
	}

	auth, err := s.buildAuth(ctx, creds)
	if err != nil {
		return nil, err
	}

	ctx, cancel := context.WithTimeout(ctx, s.cfg.Timeout)
	defer cancel()

	started := time.Now()
	var result *Result
	err = resilience.Retry(ctx, s.cfg.Retry, s.logger, "git sync", func() error {
		return s.gitBreaker.Do(ctx, "sync", func() error {
			var syncErr error
			result, syncErr = s.syncOnce(ctx, creds, auth)
			return syncErr
		})
	})
	metrics.RecordGitSync(err == nil)
	if err != nil {
		return nil, err
	}

	s.logger.Info("pipelines repository synced",
		fflog.String("remote", creds.RemoteURL),
		fflog.String("branch", creds.Branch),
		fflog.Bool("updated", result.Updated),
		fflog.Duration("duration", time.Since(started).Milliseconds()))

	if result.Updated {
		for _, hook := range s.hooks() {
			hook(ctx)
		}
	}
	return result, nil
}

// buildAuth exchanges the token source for basic-auth credentials. The
// exchange goes through the oauth breaker: a refreshing source hits the
// provider's token endpoint.
func (s *Syncer) buildAuth(ctx context.Context, creds Credentials) (*githttp.BasicAuth, error) {
	if creds.TokenSource == nil {
		return nil, nil
	}

	var token *oauth2.Token
	err := s.oauth.Do(ctx, "token", func() error {
		var tokenErr error
		token, tokenErr = creds.TokenSource.Token()
		return tokenErr
	})
	if err != nil {
		return nil, &fferrors.InfrastructureError{
			Component: resilience.ComponentOAuth,
			Op:        "token",
			Message:   "fetch git access token",
			Cause:     err,
		}
	}

	username := creds.Username
	if username == "" {
		username = "fastflow"
	}
	return &githttp.BasicAuth{Username: username, Password: token.AccessToken}, nil
}

// syncOnce is one clone-or-fetch-and-reset pass.
func (s *Syncer) syncOnce(ctx context.Context, creds Credentials, auth *githttp.BasicAuth) (*Result, error) {
	branchRef := plumbing.NewBranchReferenceName(creds.Branch)

	if _, statErr := os.Stat(filepath.Join(s.cfg.Dir, git.GitDirName)); statErr != nil {
		repo, err := git.PlainCloneContext(ctx, s.cfg.Dir, false, &git.CloneOptions{
			URL:           creds.RemoteURL,
			ReferenceName: branchRef,
			SingleBranch:  true,
			Auth:          auth,
		})
		if err != nil {
			return nil, infra("clone", err)
		}
		head, err := repo.Head()
		if err != nil {
			return nil, infra("clone", err)
		}
		return &Result{
			Updated: true,
			NewHead: head.Hash().String(),
			Message: fmt.Sprintf("cloned %s at %s", creds.Branch, short(head.Hash())),
		}, nil
	}

	repo, err := git.PlainOpen(s.cfg.Dir)
	if err != nil {
		return nil, infra("open", err)
	}

	oldHead, err := repo.Head()
	if err != nil {
		return nil, infra("head", err)
	}

	err = repo.FetchContext(ctx, &git.FetchOptions{
		RemoteName: git.DefaultRemoteName,
		Auth:       auth,
	})
	if err != nil && !errors.Is(err, git.NoErrAlreadyUpToDate) {
		return nil, infra("fetch", err)
	}

	remoteRef, err := repo.Reference(
		plumbing.NewRemoteReferenceName(git.DefaultRemoteName, creds.Branch), true)
	if err != nil {
		return nil, infra("resolve remote branch", err)
	}

	if remoteRef.Hash() == oldHead.Hash() {
		return &Result{
			OldHead: oldHead.Hash().String(),
			NewHead: oldHead.Hash().String(),
			Message: "already up to date",
		}, nil
	}

	// Hard reset so metadata rewrites never wedge the checkout.
	wt, err := repo.Worktree()
	if err != nil {
		return nil, infra("worktree", err)
	}
	if err := wt.Reset(&git.ResetOptions{Commit: remoteRef.Hash(), Mode: git.HardReset}); err != nil {
		return nil, infra("reset", err)
	}

	return &Result{
		Updated: true,
		OldHead: oldHead.Hash().String(),
		NewHead: remoteRef.Hash().String(),
		Message: fmt.Sprintf("updated %s..%s", short(oldHead.Hash()), short(remoteRef.Hash())),
	}, nil
}

func infra(op string, err error) error {
	return &fferrors.InfrastructureError{
		Component: resilience.ComponentGit,
		Op:        op,
		Cause:     err,
	}
}

func short(h plumbing.Hash) string {
	return h.String()[:8]
}
