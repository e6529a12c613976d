package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/exec"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/pflag"

	"github.com/seanblong/semindex/internal/app"
	"github.com/seanblong/semindex/internal/config"
	"github.com/seanblong/semindex/internal/extract"
	"github.com/seanblong/semindex/pkg/models"
)

func main() {
	fs := pflag.NewFlagSet("semindex-indexer", pflag.ExitOnError)

	cfg, err := config.Load("", fs)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load configuration: %v\n", err)
		os.Exit(1)
	}
	fs.Usage = cfg.Usage

	level, err := zerolog.ParseLevel(cfg.LogLevel)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Invalid log level '%s': %v\n", cfg.LogLevel, err)
		os.Exit(1)
	}
	log.Logger = zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr}).Level(level).With().Timestamp().Logger()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg); err != nil {
		log.Error().Err(err).Msg("indexing failed")
		stop()
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg config.Specification) error {
	collection, items, cleanup, err := collect(ctx, cfg)
	if err != nil {
		return err
	}
	defer cleanup()

	a, err := app.New(ctx, cfg)
	if err != nil {
		return err
	}
	defer a.Close()

	if cfg.Reindex {
		if err := reset(ctx, a, collection); err != nil {
			return err
		}
	}

	res, err := a.Pipeline.Ingest(ctx, collection, items)
	if err != nil {
		return err
	}

	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	if err := enc.Encode(res); err != nil {
		return err
	}
	if res.FailedCount > 0 && res.SuccessfulCount == 0 {
		return fmt.Errorf("all %d units failed", res.FailedCount)
	}
	return nil
}

// reset drops every stored unit and the job of a collection so the next
// ingest starts from an empty index.
func reset(ctx context.Context, a *app.App, collection string) error {
	release, err := a.Pipeline.Locker.Acquire(ctx, collection)
	if err != nil {
		return err
	}
	defer release()

	n, err := a.Store.DeleteCollection(ctx, collection)
	if err != nil {
		return fmt.Errorf("delete collection %s: %w", collection, err)
	}
	if err := a.Tracker.Reset(ctx, collection); err != nil {
		return fmt.Errorf("reset job %s: %w", collection, err)
	}
	log.Info().Str("collection", collection).Int64("deleted", n).Msg("collection cleared for re-index")
	return nil
}

// collect gathers the units to ingest: a mailbox export when EmailFile is
// set, otherwise a repository checkout (cloned first when RepoURL is set).
func collect(ctx context.Context, cfg config.Specification) (string, []models.Indexable, func(), error) {
	noop := func() {}

	if cfg.EmailFile != "" {
		user, provider, err := splitMailbox(cfg.Collection)
		if err != nil {
			return "", nil, noop, err
		}
		f, err := os.Open(cfg.EmailFile)
		if err != nil {
			return "", nil, noop, err
		}
		defer f.Close()
		msgs, err := extract.ReadEmails(f, user, provider)
		if err != nil {
			return "", nil, noop, fmt.Errorf("read %s: %w", cfg.EmailFile, err)
		}
		log.Info().Str("file", cfg.EmailFile).Int("messages", len(msgs)).Msg("loaded mailbox export")
		return models.EmailCollectionKey(user, provider), extract.Indexables(msgs), noop, nil
	}

	root := cfg.RepoRoot
	cleanup := noop
	if cfg.RepoURL != "" {
		dir, err := cloneToTemp(ctx, cfg.RepoURL, cfg.GitRef, cfg.GithubToken)
		if err != nil {
			return "", nil, noop, fmt.Errorf("clone failed: %w", err)
		}
		root = dir
		cleanup = func() {
			if err := os.RemoveAll(dir); err != nil {
				log.Warn().Err(err).Str("dir", dir).Msg("failed to remove temp directory")
			}
		}
	}

	repository := cfg.Collection
	if repository == "" {
		repository = repositoryName(cfg.RepoURL, root)
	}
	chunks, err := extract.NewRepoExtractor(root, repository, cfg.GitRef).Extract(ctx)
	if err != nil {
		cleanup()
		return "", nil, noop, err
	}
	return models.CodeCollectionKey(repository, cfg.GitRef), extract.Indexables(chunks), cleanup, nil
}

// repositoryName derives "owner/repo" from a clone URL, or the directory
// name of a local checkout.
func repositoryName(repoURL, root string) string {
	if repoURL != "" {
		u := strings.TrimSuffix(strings.TrimRight(repoURL, "/"), ".git")
		u = strings.ReplaceAll(u, ":", "/")
		parts := strings.Split(u, "/")
		if len(parts) >= 2 {
			return parts[len(parts)-2] + "/" + parts[len(parts)-1]
		}
		return u
	}
	abs, err := filepath.Abs(root)
	if err != nil {
		return filepath.Base(root)
	}
	return filepath.Base(abs)
}

// splitMailbox parses a "user/provider" collection.
func splitMailbox(collection string) (string, string, error) {
	user, provider, ok := strings.Cut(collection, "/")
	if !ok || user == "" || provider == "" {
		return "", "", &models.ValidationError{Field: "collection", Reason: `mail collections must look like "user/provider"`}
	}
	return user, provider, nil
}

func cloneToTemp(ctx context.Context, repoURL, ref, token string) (string, error) {
	dir, err := os.MkdirTemp("", "semindex-*")
	if err != nil {
		return "", err
	}
	url := repoURL
	if token != "" && strings.HasPrefix(url, "https://") {
		url = "https://" + token + ":x-oauth-basic@" + strings.TrimPrefix(url, "https://")
	}
	cmd := exec.CommandContext(ctx, "git", "clone", "--depth", "1", "--branch", ref, url, dir)
	cmd.Stdout, cmd.Stderr = os.Stderr, os.Stderr
	if err := cmd.Run(); err != nil {
		if rmErr := os.RemoveAll(dir); rmErr != nil {
			log.Warn().Err(rmErr).Str("dir", dir).Msg("failed to remove temp directory")
		}
		return "", fmt.Errorf("git clone: %w", err)
	}
	return dir, nil
}
