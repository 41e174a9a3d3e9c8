package storage

import (
	"errors"
	"fmt"
	"os"
	"slices"
	"sort"
	"strings"
	"sync"
	"unicode"

	"gopkg.in/yaml.v3"
)

var (
	// ErrEmptyCDB indicates the concept database holds no usable concepts.
	ErrEmptyCDB = errors.New("concept database must contain at least one concept")
	// ErrInvalidConcept indicates a concept without a CUI or without names.
	ErrInvalidConcept = errors.New("concept requires a cui and at least one name")
)

// Concept is a single entry of the concept database.
type Concept struct {
	CUI        string   `yaml:"cui"`
	PrettyName string   `yaml:"pretty_name"`
	Names      []string `yaml:"names"`
	TypeIDs    []string `yaml:"type_ids"`
}

// Match is a concept name found at a token position. Concept points into the
// store and must not be modified.
type Match struct {
	Concept *Concept
	Name    string
	// Tokens is the number of tokens covered by the name.
	Tokens int
}

// Storage provides read access to the concept database.
type Storage interface {
	Len() int
	Concept(cui string) (Concept, bool)
	LongestMatch(tokens []string, at int) (Match, bool)
}

type cdbFile struct {
	Name     string    `yaml:"name"`
	Version  string    `yaml:"version"`
	Concepts []Concept `yaml:"concepts"`
}

type entry struct {
	concept *Concept
	name    string
	tokens  []string
}

// MemoryStorage keeps the concept database in memory and guards access with a RWMutex.
type MemoryStorage struct {
	mu       sync.RWMutex
	name     string
	version  string
	concepts map[string]*Concept
	// byFirst indexes names by their first token, longest names first.
	byFirst map[string][]entry
}

// NewMemoryStorage builds storage from concepts.
func NewMemoryStorage(concepts []Concept) (*MemoryStorage, error) {
	s := &MemoryStorage{}
	if err := s.SetConcepts(concepts); err != nil {
		return nil, err
	}
	return s, nil
}

// LoadFile reads a YAML concept database from path.
func LoadFile(path string) (*MemoryStorage, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read concept database: %w", err)
	}

	var file cdbFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("parse concept database: %w", err)
	}

	s, err := NewMemoryStorage(file.Concepts)
	if err != nil {
		return nil, fmt.Errorf("load %s: %w", path, err)
	}
	s.name = file.Name
	s.version = file.Version
	return s, nil
}

// Name returns the model name declared in the database file, if any.
func (s *MemoryStorage) Name() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.name
}

// Version returns the model version declared in the database file, if any.
func (s *MemoryStorage) Version() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.version
}

// SetConcepts validates, indexes, and stores the provided concepts.
func (s *MemoryStorage) SetConcepts(concepts []Concept) error {
	byCUI, index, err := buildIndex(concepts)
	if err != nil {
		return err
	}

	s.mu.Lock()
	s.concepts = byCUI
	s.byFirst = index
	s.mu.Unlock()
	return nil
}

// Len returns the number of concepts.
func (s *MemoryStorage) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.concepts)
}

// Concept returns a copy of the concept with the given CUI.
func (s *MemoryStorage) Concept(cui string) (Concept, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	c, ok := s.concepts[cui]
	if !ok {
		return Concept{}, false
	}
	return cloneConcept(c), true
}

// LongestMatch returns the longest concept name that matches tokens starting
// at position at. Tokens must already be normalised with Normalize.
func (s *MemoryStorage) LongestMatch(tokens []string, at int) (Match, bool) {
	if at < 0 || at >= len(tokens) {
		return Match{}, false
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	for _, e := range s.byFirst[tokens[at]] {
		if at+len(e.tokens) > len(tokens) {
			continue
		}
		if slices.Equal(tokens[at:at+len(e.tokens)], e.tokens) {
			return Match{Concept: e.concept, Name: e.name, Tokens: len(e.tokens)}, true
		}
	}
	return Match{}, false
}

// Normalize lower-cases a token the same way names are indexed.
func Normalize(token string) string {
	return strings.ToLower(token)
}

// Span is a token of a text with character offsets; End is exclusive.
type Span struct {
	Text  string
	Start int
	End   int
}

// TokenSpans splits s into runs of letters and digits. Offsets count runes,
// not bytes.
func TokenSpans(s string) []Span {
	var (
		spans []Span
		b     strings.Builder
		start = -1
		pos   int
	)
	flush := func() {
		if start >= 0 {
			spans = append(spans, Span{Text: b.String(), Start: start, End: pos})
			b.Reset()
			start = -1
		}
	}
	for _, r := range s {
		if unicode.IsLetter(r) || unicode.IsDigit(r) {
			if start < 0 {
				start = pos
			}
			b.WriteRune(r)
		} else {
			flush()
		}
		pos++
	}
	flush()
	return spans
}

// Tokenize returns the normalised tokens of s.
func Tokenize(s string) []string {
	spans := TokenSpans(s)
	tokens := make([]string, len(spans))
	for i, sp := range spans {
		tokens[i] = Normalize(sp.Text)
	}
	return tokens
}

func buildIndex(concepts []Concept) (map[string]*Concept, map[string][]entry, error) {
	if len(concepts) == 0 {
		return nil, nil, ErrEmptyCDB
	}

	byCUI := make(map[string]*Concept, len(concepts))
	index := make(map[string][]entry)
	for i := range concepts {
		c := cloneConcept(&concepts[i])
		c.CUI = strings.TrimSpace(c.CUI)
		if c.CUI == "" || len(c.Names) == 0 {
			return nil, nil, fmt.Errorf("%w: entry %d", ErrInvalidConcept, i)
		}
		if c.PrettyName == "" {
			c.PrettyName = c.Names[0]
		}
		stored := &c
		byCUI[c.CUI] = stored

		for _, name := range c.Names {
			tokens := Tokenize(name)
			if len(tokens) == 0 {
				return nil, nil, fmt.Errorf("%w: %s has an empty name", ErrInvalidConcept, c.CUI)
			}
			index[tokens[0]] = append(index[tokens[0]], entry{concept: stored, name: name, tokens: tokens})
		}
	}

	for first := range index {
		entries := index[first]
		sort.SliceStable(entries, func(i, j int) bool {
			return len(entries[i].tokens) > len(entries[j].tokens)
		})
	}
	return byCUI, index, nil
}

func cloneConcept(c *Concept) Concept {
	return Concept{
		CUI:        c.CUI,
		PrettyName: c.PrettyName,
		Names:      append([]string(nil), c.Names...),
		TypeIDs:    append([]string(nil), c.TypeIDs...),
	}
}
