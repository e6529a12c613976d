package extract

import (
	"bufio"
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/seanblong/semindex/pkg/models"
)

// emailRecord is one line of a mailbox JSONL export.
type emailRecord struct {
	ID         string    `json:"id"`
	ThreadID   string    `json:"thread_id"`
	Subject    string    `json:"subject"`
	From       string    `json:"from"`
	To         []string  `json:"to"`
	Body       string    `json:"body"`
	Labels     []string  `json:"labels"`
	ReceivedAt time.Time `json:"received_at"`
}

// ReadEmails parses a JSONL export, one message per line, into messages of
// the given user's mailbox. Blank lines are ignored.
func ReadEmails(r io.Reader, userID, provider string) ([]models.EmailMessage, error) {
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 64*1024), 16*1024*1024)

	var out []models.EmailMessage
	line := 0
	for sc.Scan() {
		line++
		raw := strings.TrimSpace(sc.Text())
		if raw == "" {
			continue
		}
		var rec emailRecord
		if err := json.Unmarshal([]byte(raw), &rec); err != nil {
			return nil, fmt.Errorf("line %d: %w", line, err)
		}
		if rec.ID == "" {
			return nil, fmt.Errorf("line %d: %w", line, &models.ValidationError{Field: "id", Reason: "must not be empty"})
		}
		out = append(out, models.EmailMessage{
			UserID:     userID,
			Provider:   provider,
			MessageID:  rec.ID,
			ThreadID:   rec.ThreadID,
			Subject:    rec.Subject,
			From:       rec.From,
			To:         rec.To,
			Body:       rec.Body,
			Labels:     rec.Labels,
			ReceivedAt: rec.ReceivedAt,
		})
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("reading emails: %w", err)
	}
	return out, nil
}

// Indexables widens a slice of a concrete variant to the pipeline's input type.
func Indexables[T models.Indexable](items []T) []models.Indexable {
	out := make([]models.Indexable, len(items))
	for i, it := range items {
		out[i] = it
	}
	return out
}
