// Package extract turns raw sources (a repository checkout, a mailbox
// export) into indexable units for the ingest pipeline.
package extract

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"

	"github.com/karrick/godirwalk"
	"github.com/rs/zerolog/log"

	"github.com/seanblong/semindex/pkg/models"
)

const (
	DefaultChunkLines   = 80
	DefaultMaxFileBytes = 1 << 20
)

// FileSystemWalker defines the interface for walking directories
type FileSystemWalker interface {
	Walk(root string, options *godirwalk.Options) error
}

// FileReader defines the interface for reading files
type FileReader interface {
	ReadFile(filename string) ([]byte, error)
}

// DefaultFileSystemWalker implements FileSystemWalker using godirwalk
type DefaultFileSystemWalker struct{}

func (d *DefaultFileSystemWalker) Walk(root string, options *godirwalk.Options) error {
	return godirwalk.Walk(root, options)
}

// DefaultFileReader implements FileReader using os
type DefaultFileReader struct{}

func (d *DefaultFileReader) ReadFile(filename string) ([]byte, error) {
	return os.ReadFile(filename)
}

// RepoExtractor splits every eligible file of a checkout into line windows.
type RepoExtractor struct {
	Root         string
	Repository   string
	Branch       string
	ChunkLines   int
	MaxFileBytes int
	Walker       FileSystemWalker
	FileReader   FileReader
}

// NewRepoExtractor creates an extractor with the default walker, reader and
// window size.
func NewRepoExtractor(root, repository, branch string) *RepoExtractor {
	return &RepoExtractor{
		Root:         root,
		Repository:   repository,
		Branch:       branch,
		ChunkLines:   DefaultChunkLines,
		MaxFileBytes: DefaultMaxFileBytes,
		Walker:       &DefaultFileSystemWalker{},
		FileReader:   &DefaultFileReader{},
	}
}

// Extract walks Root and returns the chunks ordered by path and index.
// Unreadable files are logged and skipped.
func (x *RepoExtractor) Extract(ctx context.Context) ([]models.CodeChunk, error) {
	var out []models.CodeChunk
	err := x.Walker.Walk(x.Root, &godirwalk.Options{
		Unsorted: true,
		Callback: func(path string, de *godirwalk.Dirent) error {
			if err := ctx.Err(); err != nil {
				return err
			}
			if de != nil && de.IsDir() {
				return nil
			}
			relPath := rel(x.Root, path)
			if shouldSkip(relPath) {
				return nil
			}
			b, err := x.FileReader.ReadFile(path)
			if err != nil {
				log.Warn().Err(err).Str("path", path).Msg("failed to read file")
				return nil
			}
			if x.MaxFileBytes > 0 && len(b) > x.MaxFileBytes {
				log.Debug().Str("path", path).Int("bytes", len(b)).Msg("skipping large file")
				return nil
			}
			if bytes.IndexByte(b, 0) >= 0 {
				return nil
			}
			out = append(out, x.chunkFile(relPath, string(b))...)
			return nil
		},
	})
	if err != nil {
		return nil, err
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Path != out[j].Path {
			return out[i].Path < out[j].Path
		}
		return out[i].ChunkIndex < out[j].ChunkIndex
	})
	log.Info().Str("repository", x.Repository).Str("branch", x.Branch).Int("chunks", len(out)).Msg("extracted repository")
	return out, nil
}

func (x *RepoExtractor) chunkFile(relPath, content string) []models.CodeChunk {
	if strings.TrimSpace(content) == "" {
		return nil
	}
	size := x.ChunkLines
	if size <= 0 {
		size = DefaultChunkLines
	}
	lang := guessLang(relPath)
	lines := strings.Split(strings.TrimSuffix(content, "\n"), "\n")
	total := (len(lines) + size - 1) / size

	chunks := make([]models.CodeChunk, 0, total)
	for i := 0; i < total; i++ {
		start := i * size
		end := start + size
		if end > len(lines) {
			end = len(lines)
		}
		window := lines[start:end]
		chunks = append(chunks, models.CodeChunk{
			Repository: x.Repository,
			Branch:     x.Branch,
			Path:       filepath.ToSlash(relPath),
			Language:   lang,
			Symbol:     firstSymbol(window),
			Text:       strings.Join(window, "\n"),
			LineStart:  start + 1,
			LineEnd:    end,
			ChunkIndex: i,
			ChunkTotal: total,
		})
	}
	return chunks
}

var symbolPattern = regexp.MustCompile(`^\s*(?:export\s+)?(?:func|def|class|type|interface|function|module|resource)\s+(?:\([^)]*\)\s*)?"?([A-Za-z_][\w.-]*)`)

// firstSymbol returns the first declared name in the window, if any.
func firstSymbol(lines []string) string {
	for _, l := range lines {
		if m := symbolPattern.FindStringSubmatch(l); m != nil {
			return m[1]
		}
	}
	return ""
}

// shouldSkip returns true if the file at path should be skipped.
func shouldSkip(path string) bool {
	p := "/" + strings.ToLower(filepath.ToSlash(path))
	for _, dir := range skipDirs {
		if strings.Contains(p, "/"+dir+"/") {
			return true
		}
	}
	switch filepath.Ext(p) {
	case ".png", ".jpg", ".jpeg", ".gif", ".pdf", ".webp", ".lock", ".zip", ".svg", ".exe", ".dll", ".sum", ".ico", ".woff", ".woff2":
		return true
	}
	return false
}

var skipDirs = []string{
	"vendor", ".git", ".terraform", "node_modules", "target", "build", "dist",
	"out", "bin", "obj", ".venv", "venv", "__pycache__", ".pytest_cache",
	".gradle", ".m2", ".idea", "coverage", ".cache",
}

func rel(root, p string) string {
	r, err := filepath.Rel(root, p)
	if err != nil {
		return p
	}
	return r
}

func guessLang(path string) string {
	ext := strings.ToLower(filepath.Ext(path))
	switch ext {
	case ".sh":
		return "shell"
	case ".py":
		return "python"
	case ".go":
		return "go"
	case ".md":
		return "markdown"
	case ".tf":
		return "terraform"
	case ".js", ".jsx":
		return "javascript"
	case ".ts", ".tsx":
		return "typescript"
	case ".java":
		return "java"
	case ".rb":
		return "ruby"
	case ".rs":
		return "rust"
	case ".yaml", ".yml":
		return "yaml"
	case ".json":
		return "json"
	case "":
		return "text"
	default:
		return strings.TrimPrefix(ext, ".")
	}
}
