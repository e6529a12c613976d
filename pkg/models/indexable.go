package models

import (
	"crypto/sha1"
	"encoding/hex"
	"fmt"
	"strings"
	"time"
)

// Indexable is anything the ingest pipeline can turn into a stored unit.
type Indexable interface {
	IdentityKey() UnitIdentity
	Content() string
	Category() string
	Unit() ContentUnit
}

// Category tags shared by the built-in variants.
const (
	CategoryEmail      = "email"
	categoryCodePrefix = "code:"
)

// CodeCategory returns the category used for code in the given language.
func CodeCategory(language string) string {
	if language == "" {
		return categoryCodePrefix + "text"
	}
	return categoryCodePrefix + strings.ToLower(language)
}

// CodeCollectionKey is "<repository>@<branch>".
func CodeCollectionKey(repository, branch string) string {
	return repository + "@" + branch
}

// EmailCollectionKey is "<user>/<provider>".
func EmailCollectionKey(userID, provider string) string {
	return userID + "/" + provider
}

// HashContent returns the SHA-1 of s as hex; stores use it to detect
// unchanged content on re-ingest.
func HashContent(s string) string {
	h := sha1.Sum([]byte(s))
	return hex.EncodeToString(h[:])
}

// CodeChunk is a window of lines from one file in a repository branch.
type CodeChunk struct {
	Repository string
	Branch     string
	Path       string
	Language   string
	Symbol     string
	Text       string
	LineStart  int
	LineEnd    int
	ChunkIndex int
	ChunkTotal int
	Embedding  []float32
}

func (c CodeChunk) IdentityKey() UnitIdentity {
	return UnitIdentity{
		CollectionKey: CodeCollectionKey(c.Repository, c.Branch),
		UnitKey:       fmt.Sprintf("%s#%d", c.Path, c.ChunkIndex),
	}
}

func (c CodeChunk) Content() string  { return c.Text }
func (c CodeChunk) Category() string { return CodeCategory(c.Language) }

func (c CodeChunk) Unit() ContentUnit {
	id := c.IdentityKey()
	name := c.Symbol
	if name == "" {
		name = c.Path
	}
	return ContentUnit{
		CollectionKey: id.CollectionKey,
		UnitKey:       id.UnitKey,
		Content:       c.Text,
		Category:      c.Category(),
		Name:          name,
		Position: Position{
			LineStart:  c.LineStart,
			LineEnd:    c.LineEnd,
			ChunkIndex: c.ChunkIndex,
			ChunkTotal: c.ChunkTotal,
		},
		TokenCount:  EstimateTokens(c.Text),
		Embedding:   c.Embedding,
		Metadata:    map[string]any{"path": c.Path, "language": c.Language},
		ContentHash: HashContent(c.Text),
	}
}

// EmailMessage is one message from a user's mailbox.
type EmailMessage struct {
	UserID     string
	Provider   string
	MessageID  string
	ThreadID   string
	Subject    string
	From       string
	To         []string
	Body       string
	Labels     []string
	ReceivedAt time.Time
	Embedding  []float32
}

func (m EmailMessage) IdentityKey() UnitIdentity {
	return UnitIdentity{
		CollectionKey: EmailCollectionKey(m.UserID, m.Provider),
		UnitKey:       m.MessageID,
	}
}

// Content is the subject line followed by the body, which is what gets embedded.
func (m EmailMessage) Content() string {
	if m.Subject == "" {
		return m.Body
	}
	return m.Subject + "\n\n" + m.Body
}

func (m EmailMessage) Category() string { return CategoryEmail }

func (m EmailMessage) Unit() ContentUnit {
	id := m.IdentityKey()
	text := m.Content()
	u := ContentUnit{
		CollectionKey: id.CollectionKey,
		UnitKey:       id.UnitKey,
		Content:       text,
		Category:      CategoryEmail,
		Name:          m.Subject,
		Position:      Position{ThreadID: m.ThreadID},
		TokenCount:    EstimateTokens(text),
		Embedding:     m.Embedding,
		Tags:          m.Labels,
		Metadata:      map[string]any{"from": m.From, "to": m.To},
		ContentHash:   HashContent(text),
	}
	if !m.ReceivedAt.IsZero() {
		t := m.ReceivedAt
		u.OccurredAt = &t
	}
	return u
}

// Prebuilt adapts a ready-made unit (for example one posted to the HTTP
// API) to Indexable.
func Prebuilt(u ContentUnit) Indexable { return prebuilt{u: u} }

type prebuilt struct{ u ContentUnit }

func (p prebuilt) IdentityKey() UnitIdentity { return p.u.Identity() }
func (p prebuilt) Content() string           { return p.u.Content }
func (p prebuilt) Category() string          { return p.u.Category }

func (p prebuilt) Unit() ContentUnit {
	u := p.u
	if u.ContentHash == "" {
		u.ContentHash = HashContent(u.Content)
	}
	if u.TokenCount == 0 {
		u.TokenCount = EstimateTokens(u.Content)
	}
	return u
}

// EstimateTokens approximates a tokenizer at roughly four bytes per token.
func EstimateTokens(s string) int {
	if s == "" {
		return 0
	}
	return (len(s) + 3) / 4
}
