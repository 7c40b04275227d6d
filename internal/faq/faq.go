// Package faq answers inbound questions from a static list of question/answer pairs.
//
// Matching is a cheap heuristic: substring containment in either direction, or word-overlap
// similarity above a threshold. The first entry that matches wins.
package faq

import (
	"bytes"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"unicode/utf8"

	"github.com/BurntSushi/toml"
	"gopkg.in/yaml.v3"

	"github.com/BTreeMap/PromptRelay/internal/models"
)

// Default matcher heuristics.
const (
	DefaultThreshold    = 0.7
	DefaultShortWordLen = 3
)

// Opts holds configuration options for the matcher.
type Opts struct {
	Threshold    float64 // similarity must be strictly greater than this to match
	ShortWordLen int     // words with at most this many characters are ignored by Similarity
}

// Option defines a configuration option for the matcher.
type Option func(*Opts)

// WithThreshold overrides the similarity threshold.
func WithThreshold(threshold float64) Option {
	return func(o *Opts) {
		o.Threshold = threshold
	}
}

// WithShortWordLen overrides the short-word cutoff used by Similarity.
func WithShortWordLen(n int) Option {
	return func(o *Opts) {
		o.ShortWordLen = n
	}
}

type entry struct {
	question string // normalized
	answer   string
}

// Matcher holds the FAQ entries. It is immutable after construction and safe for concurrent use.
type Matcher struct {
	entries      []entry
	threshold    float64
	shortWordLen int
}

// New builds a matcher from in-memory entries. Entries with an empty question or answer are skipped.
func New(entries []models.FAQEntry, opts ...Option) *Matcher {
	cfg := Opts{Threshold: DefaultThreshold, ShortWordLen: DefaultShortWordLen}
	for _, opt := range opts {
		opt(&cfg)
	}

	m := &Matcher{threshold: cfg.Threshold, shortWordLen: cfg.ShortWordLen}
	for i, e := range entries {
		q := normalize(e.Question)
		if q == "" || strings.TrimSpace(e.Answer) == "" {
			slog.Warn("faq.New: skipping incomplete entry", "index", i)
			continue
		}
		m.entries = append(m.entries, entry{question: q, answer: e.Answer})
	}
	return m
}

// Load reads FAQ entries from path and builds a matcher. The decoder is chosen by file
// extension (.json, .yaml, .yml, .toml). Any read or parse failure is logged and yields an
// empty matcher; the caller keeps running without FAQ answers.
func Load(path string, opts ...Option) *Matcher {
	entries, err := ReadFile(path)
	if err != nil {
		slog.Error("faq.Load: failed to load FAQ data, continuing without FAQ answers", "path", path, "error", err)
		return New(nil, opts...)
	}
	m := New(entries, opts...)
	slog.Info("faq.Load: FAQ data loaded successfully", "path", path, "entries", m.Len())
	return m
}

// ReadFile decodes the FAQ file at path.
func ReadFile(path string) ([]models.FAQEntry, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", path, err)
	}

	var data models.FAQData
	switch ext := strings.ToLower(filepath.Ext(path)); ext {
	case ".yaml", ".yml":
		if err := yaml.Unmarshal(raw, &data); err != nil {
			return nil, fmt.Errorf("parse yaml %s: %w", path, err)
		}
	case ".toml":
		if err := toml.Unmarshal(raw, &data); err != nil {
			return nil, fmt.Errorf("parse toml %s: %w", path, err)
		}
	case ".json", "":
		trimmed := bytes.TrimSpace(raw)
		if len(trimmed) > 0 && trimmed[0] == '[' {
			if err := json.Unmarshal(trimmed, &data.Questions); err != nil {
				return nil, fmt.Errorf("parse json %s: %w", path, err)
			}
			break
		}
		if err := json.Unmarshal(trimmed, &data); err != nil {
			return nil, fmt.Errorf("parse json %s: %w", path, err)
		}
	default:
		return nil, fmt.Errorf("unsupported FAQ file extension %q", ext)
	}
	return data.Questions, nil
}

// Len returns the number of usable entries.
func (m *Matcher) Len() int {
	if m == nil {
		return 0
	}
	return len(m.entries)
}

// Match returns the answer of the first entry matching query.
func (m *Matcher) Match(query string) (string, bool) {
	if m == nil {
		return "", false
	}
	q := normalize(query)
	if q == "" {
		return "", false
	}
	for _, e := range m.entries {
		if strings.Contains(q, e.question) || strings.Contains(e.question, q) ||
			similarity(q, e.question, m.shortWordLen) > m.threshold {
			slog.Debug("faq.Match: FAQ answer found", "question", e.question)
			return e.answer, true
		}
	}
	return "", false
}

// Similarity is the word-overlap ratio of a and b: the number of shared distinct words longer
// than DefaultShortWordLen characters divided by the larger distinct word count. It is 0 when
// either side has no such words.
func Similarity(a, b string) float64 {
	return similarity(normalize(a), normalize(b), DefaultShortWordLen)
}

func similarity(a, b string, shortWordLen int) float64 {
	wa := wordSet(a, shortWordLen)
	wb := wordSet(b, shortWordLen)
	if len(wa) == 0 || len(wb) == 0 {
		return 0
	}
	overlap := 0
	for w := range wa {
		if _, ok := wb[w]; ok {
			overlap++
		}
	}
	return float64(overlap) / float64(max(len(wa), len(wb)))
}

func wordSet(s string, shortWordLen int) map[string]struct{} {
	set := make(map[string]struct{})
	for _, w := range strings.Fields(s) {
		if utf8.RuneCountInString(w) > shortWordLen {
			set[w] = struct{}{}
		}
	}
	return set
}

func normalize(s string) string {
	return strings.ToLower(strings.TrimSpace(s))
}
