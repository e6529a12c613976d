package models

import "unicode/utf8"

// MaxErrorMessage bounds IngestError.Message.
const MaxErrorMessage = 500

// IngestError records one unit that could not be stored, with enough context
// to replay just that unit.
type IngestError struct {
	BatchIndex    int    `json:"batch_index"`
	CollectionKey string `json:"collection_key"`
	UnitKey       string `json:"unit_key"`
	Message       string `json:"message"`
}

type IngestResult struct {
	CollectionKey   string        `json:"collection_key"`
	RunID           string        `json:"run_id"`
	SuccessfulCount int           `json:"successful_count"`
	FailedCount     int           `json:"failed_count"`
	ReusedCount     int           `json:"reused_count"`
	Errors          []IngestError `json:"errors"`
}

// FailedKeys returns the unit keys listed in r.Errors.
func (r IngestResult) FailedKeys() map[string]struct{} {
	out := make(map[string]struct{}, len(r.Errors))
	for _, e := range r.Errors {
		out[e.UnitKey] = struct{}{}
	}
	return out
}

// Truncate cuts s to at most n bytes without splitting a rune.
func Truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	for n > 0 && !utf8.RuneStart(s[n]) {
		n--
	}
	return s[:n]
}
