package main

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/rs/zerolog"

	"github.com/seanblong/semindex/internal/app"
	"github.com/seanblong/semindex/internal/config"
	"github.com/seanblong/semindex/pkg/models"
)

func init() {
	zerolog.SetGlobalLevel(zerolog.Disabled)
}

func TestRepositoryName(t *testing.T) {
	tests := []struct {
		url, root, want string
	}{
		{"https://github.com/acme/widgets.git", "", "acme/widgets"},
		{"https://github.com/acme/widgets/", "", "acme/widgets"},
		{"git@github.com:acme/widgets.git", "", "acme/widgets"},
		{"", "/src/widgets", "widgets"},
	}
	for _, tt := range tests {
		if got := repositoryName(tt.url, tt.root); got != tt.want {
			t.Errorf("repositoryName(%q, %q) = %q, want %q", tt.url, tt.root, got, tt.want)
		}
	}
}

func TestSplitMailbox(t *testing.T) {
	user, provider, err := splitMailbox("alice/gmail")
	if err != nil || user != "alice" || provider != "gmail" {
		t.Errorf("splitMailbox = %q, %q, %v", user, provider, err)
	}
	for _, bad := range []string{"", "alice", "/gmail", "alice/"} {
		if _, _, err := splitMailbox(bad); err == nil {
			t.Errorf("splitMailbox(%q) should fail", bad)
		}
	}
}

func TestCollect(t *testing.T) {
	ctx := context.Background()

	t.Run("local repository", func(t *testing.T) {
		root := filepath.Join(t.TempDir(), "widgets")
		if err := os.MkdirAll(filepath.Join(root, "pkg"), 0o755); err != nil {
			t.Fatal(err)
		}
		if err := os.WriteFile(filepath.Join(root, "pkg", "a.go"), []byte("package pkg\n\nfunc A() {}\n"), 0o644); err != nil {
			t.Fatal(err)
		}
		coll, items, cleanup, err := collect(ctx, config.Specification{RepoRoot: root, GitRef: "main"})
		if err != nil {
			t.Fatalf("collect: %v", err)
		}
		defer cleanup()
		if coll != "widgets@main" {
			t.Errorf("unexpected collection %q", coll)
		}
		if len(items) != 1 || items[0].IdentityKey().UnitKey != "pkg/a.go#0" {
			t.Errorf("unexpected items %v", items)
		}
	})

	t.Run("mailbox export", func(t *testing.T) {
		file := filepath.Join(t.TempDir(), "mail.jsonl")
		data := `{"id":"m1","subject":"hi","body":"hello"}` + "\n" + `{"id":"m2","subject":"re: hi","body":"hey"}` + "\n"
		if err := os.WriteFile(file, []byte(data), 0o644); err != nil {
			t.Fatal(err)
		}
		coll, items, cleanup, err := collect(ctx, config.Specification{EmailFile: file, Collection: "alice/gmail"})
		if err != nil {
			t.Fatalf("collect: %v", err)
		}
		defer cleanup()
		if coll != "alice/gmail" || len(items) != 2 {
			t.Errorf("unexpected result %q %d", coll, len(items))
		}
		if items[0].Category() != models.CategoryEmail {
			t.Errorf("unexpected category %q", items[0].Category())
		}
	})

	t.Run("mailbox without collection", func(t *testing.T) {
		if _, _, _, err := collect(ctx, config.Specification{EmailFile: "x.jsonl"}); err == nil {
			t.Error("expected an error")
		}
	})
}

// discardStdout silences the JSON result run prints.
func discardStdout(t *testing.T) {
	t.Helper()
	stdout := os.Stdout
	devnull, err := os.OpenFile(os.DevNull, os.O_WRONLY, 0)
	if err != nil {
		t.Fatal(err)
	}
	os.Stdout = devnull
	t.Cleanup(func() {
		os.Stdout = stdout
		devnull.Close()
	})
}

func TestRun_Reindex(t *testing.T) {
	ctx := context.Background()
	root := t.TempDir()
	for _, name := range []string{"a.go", "b.go"} {
		if err := os.WriteFile(filepath.Join(root, name), []byte("package main\n\nfunc "+name[:1]+"() {}\n"), 0o644); err != nil {
			t.Fatal(err)
		}
	}
	cfg := config.Specification{
		Provider:   "stub",
		Dim:        16,
		Backend:    config.BackendSQLite,
		DataDir:    t.TempDir(),
		RepoRoot:   root,
		GitRef:     "main",
		Collection: "acme/widgets",
	}
	discardStdout(t)

	count := func() int {
		t.Helper()
		a, err := app.New(ctx, cfg)
		if err != nil {
			t.Fatal(err)
		}
		defer a.Close()
		n, err := a.Store.Count(ctx, "acme/widgets@main")
		if err != nil {
			t.Fatal(err)
		}
		return n
	}

	if err := run(ctx, cfg); err != nil {
		t.Fatalf("run: %v", err)
	}
	if n := count(); n != 2 {
		t.Fatalf("Expected 2 units after the first run, got %d", n)
	}

	if err := os.Remove(filepath.Join(root, "b.go")); err != nil {
		t.Fatal(err)
	}
	if err := run(ctx, cfg); err != nil {
		t.Fatalf("run: %v", err)
	}
	if n := count(); n != 2 {
		t.Errorf("A plain re-run only upserts, expected 2 units, got %d", n)
	}

	cfg.Reindex = true
	if err := run(ctx, cfg); err != nil {
		t.Fatalf("run: %v", err)
	}
	if n := count(); n != 1 {
		t.Errorf("Expected the removed file to be dropped, got %d units", n)
	}
}

func TestRun_SQLite(t *testing.T) {
	root := t.TempDir()
	if err := os.WriteFile(filepath.Join(root, "main.go"), []byte("package main\n\nfunc main() {}\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	cfg := config.Specification{
		Provider:   "stub",
		Dim:        16,
		Backend:    config.BackendSQLite,
		DataDir:    t.TempDir(),
		RepoRoot:   root,
		GitRef:     "main",
		Collection: "acme/widgets",
	}

	discardStdout(t)

	if err := run(context.Background(), cfg); err != nil {
		t.Fatalf("run: %v", err)
	}
}
