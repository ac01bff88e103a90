// ABOUTME: JSON-file-backed case store with an in-memory map and derived topic index.
// ABOUTME: Handles v1 schema migration, LRU pruning, and atomic read-modify-write of cases.

package triage

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"sync"
)

// ErrCaseNotFound is returned when a case id resolves to nothing.
var ErrCaseNotFound = errors.New("case not found")

// storeVersion is the current on-disk schema version.
const storeVersion = 2

// topicKey indexes cases occupying a dedicated analysis topic.
type topicKey struct {
	Stream string
	Topic  string
}

// document is the on-disk shape: {version, cases}. Cases are written sorted
// by UpdatedAt descending; read order is not relied upon.
type document struct {
	Version int     `json:"version"`
	Cases   []*Case `json:"cases"`
}

// legacyCase is the v1 case shape: the link lived in a "link" field and
// records carried no explicit status.
type legacyCase struct {
	Case
	Link string `json:"link"`
}

type legacyDocument struct {
	Cases []*legacyCase `json:"cases"`
}

// Store owns persistence of case records for one account. The topic index
// is always derived from the case map, never persisted, so it cannot
// diverge from the data after a crash.
type Store struct {
	mu       sync.Mutex
	path     string
	maxCases int
	logger   *slog.Logger

	cases map[string]*Case
	topic map[topicKey]string // (analysis stream, topic) -> case id, dedicated topics only
}

// OpenStore loads the case store at path, migrating older schema versions
// and rebuilding the topic index. A missing file yields an empty store; a
// corrupt file is logged and treated as empty rather than failing startup.
func OpenStore(path string, maxCases int, logger *slog.Logger) *Store {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Store{
		path:     path,
		maxCases: maxCases,
		logger:   logger.With("component", "casestore"),
		cases:    make(map[string]*Case),
		topic:    make(map[topicKey]string),
	}
	s.load()
	return s
}

// load reads and migrates the on-disk document. Failures fall back to an
// empty store: the file is a recovery aid, not a correctness requirement.
func (s *Store) load() {
	data, err := os.ReadFile(s.path)
	if err != nil {
		if !os.IsNotExist(err) {
			s.logger.Warn("failed to read case store, starting empty", "path", s.path, "error", err)
		}
		return
	}

	var doc document
	if err := json.Unmarshal(data, &doc); err != nil {
		s.logger.Warn("corrupt case store, starting empty", "path", s.path, "error", err)
		return
	}

	if doc.Version < storeVersion {
		doc = s.migrate(data, doc.Version)
	}

	for _, c := range doc.Cases {
		if c.ID == "" {
			continue
		}
		s.cases[c.ID] = c
	}
	s.rebuildTopicIndex()
	s.logger.Debug("case store loaded", "cases", len(s.cases))
}

// migrate upgrades a pre-v2 document in memory. The write-back happens on
// the next save, so a crash mid-migration just re-runs it.
func (s *Store) migrate(data []byte, fromVersion int) document {
	s.logger.Info("migrating case store", "from_version", fromVersion, "to_version", storeVersion)

	var legacy legacyDocument
	if err := json.Unmarshal(data, &legacy); err != nil {
		s.logger.Warn("case store migration failed, starting empty", "error", err)
		return document{Version: storeVersion}
	}

	doc := document{Version: storeVersion}
	for _, lc := range legacy.Cases {
		c := lc.Case
		if c.URL == "" {
			c.URL = lc.Link
		}
		if c.ID == "" && c.URL != "" {
			if normalized, ok := NormalizeURL(c.URL); ok {
				c.URL = normalized
				c.ID = DeriveCaseID(normalized)
			}
		}
		if c.Status == "" {
			c.Status = StatusOpen
		}
		if c.ID != "" {
			doc.Cases = append(doc.Cases, &c)
		}
	}
	return doc
}

// rebuildTopicIndex derives the topic index from scratch. Must be called
// with mu held (or before the store is shared).
func (s *Store) rebuildTopicIndex() {
	s.topic = make(map[topicKey]string)
	for id, c := range s.cases {
		if c.DedicatedTopic && c.AnalysisStream != "" && c.AnalysisTopic != "" {
			s.topic[topicKey{c.AnalysisStream, c.AnalysisTopic}] = id
		}
	}
}

// reindexLocked refreshes the topic index entries for one case: any stale
// keys pointing at it are removed first, so a moved case never leaves two
// index entries behind. Must be called with mu held.
func (s *Store) reindexLocked(c *Case) {
	for key, id := range s.topic {
		if id == c.ID {
			delete(s.topic, key)
		}
	}
	if c.DedicatedTopic && c.AnalysisStream != "" && c.AnalysisTopic != "" {
		s.topic[topicKey{c.AnalysisStream, c.AnalysisTopic}] = c.ID
	}
}

// Get returns a copy of the case with the given id.
func (s *Store) Get(id string) (Case, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	c, ok := s.cases[id]
	if !ok {
		return Case{}, false
	}
	return *c, true
}

// ByTopic resolves a dedicated analysis topic to its case.
func (s *Store) ByTopic(stream, topic string) (Case, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	id, ok := s.topic[topicKey{stream, topic}]
	if !ok {
		return Case{}, false
	}
	c, ok := s.cases[id]
	if !ok {
		return Case{}, false
	}
	return *c, true
}

// Put inserts or replaces a case, reindexes it, and persists.
func (s *Store) Put(c Case) {
	s.mu.Lock()
	defer s.mu.Unlock()

	stored := c
	s.cases[c.ID] = &stored
	s.reindexLocked(&stored)
	s.pruneLocked()
	s.saveLocked()
}

// Update atomically applies fn to the case with the given id, reindexes, and
// persists. Returns the updated copy, or ErrCaseNotFound.
func (s *Store) Update(id string, fn func(*Case)) (Case, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	c, ok := s.cases[id]
	if !ok {
		return Case{}, ErrCaseNotFound
	}
	fn(c)
	s.reindexLocked(c)
	s.saveLocked()
	return *c, nil
}

// List returns copies of cases sorted by UpdatedAt descending. With
// activeOnly set, closed and moved cases are skipped.
func (s *Store) List(activeOnly bool) []Case {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]Case, 0, len(s.cases))
	for _, c := range s.cases {
		if activeOnly && !c.Active() {
			continue
		}
		out = append(out, *c)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].UpdatedAt != out[j].UpdatedAt {
			return out[i].UpdatedAt > out[j].UpdatedAt
		}
		return out[i].ID < out[j].ID
	})
	return out
}

// Len reports the number of stored cases.
func (s *Store) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.cases)
}

// pruneLocked discards the least-recently-updated cases once the store
// exceeds its bound. Must be called with mu held.
func (s *Store) pruneLocked() {
	if s.maxCases <= 0 || len(s.cases) <= s.maxCases {
		return
	}

	byAge := make([]*Case, 0, len(s.cases))
	for _, c := range s.cases {
		byAge = append(byAge, c)
	}
	sort.Slice(byAge, func(i, j int) bool {
		return byAge[i].UpdatedAt < byAge[j].UpdatedAt
	})

	for _, c := range byAge[:len(s.cases)-s.maxCases] {
		delete(s.cases, c.ID)
	}
	s.rebuildTopicIndex()
}

// saveLocked writes the document to disk, sorted by UpdatedAt descending.
// Best-effort: failures are logged and swallowed. Must be called with mu held.
func (s *Store) saveLocked() {
	doc := document{Version: storeVersion, Cases: make([]*Case, 0, len(s.cases))}
	for _, c := range s.cases {
		doc.Cases = append(doc.Cases, c)
	}
	sort.Slice(doc.Cases, func(i, j int) bool {
		if doc.Cases[i].UpdatedAt != doc.Cases[j].UpdatedAt {
			return doc.Cases[i].UpdatedAt > doc.Cases[j].UpdatedAt
		}
		return doc.Cases[i].ID < doc.Cases[j].ID
	})

	data, err := json.MarshalIndent(&doc, "", "  ")
	if err != nil {
		s.logger.Warn("failed to encode case store", "error", err)
		return
	}

	if err := os.MkdirAll(filepath.Dir(s.path), 0755); err != nil {
		s.logger.Warn("failed to create case store directory", "error", err)
		return
	}

	// Write-then-rename so a crash mid-write can't corrupt the document
	tmp := s.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0600); err != nil {
		s.logger.Warn("failed to write case store", "error", err)
		return
	}
	if err := os.Rename(tmp, s.path); err != nil {
		s.logger.Warn("failed to replace case store", "error", fmt.Errorf("renaming %s: %w", tmp, err))
	}
}
