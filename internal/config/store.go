package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"go.uber.org/zap"
)

// ErrVersionConflict is returned when the on-disk document changed under a
// mutation. The store serializes its own writers, so this only fires when an
// external process edits the file between load and save.
var ErrVersionConflict = errors.New("config: document version conflict")

// Store owns the persisted configuration document. Every mutation goes
// through Update, which re-reads the file, applies one scoped change, bumps
// the version and writes the whole document back atomically.
//
// If the file is unreadable or unwritable the store degrades to an in-memory
// document so the bridge keeps running; the condition is logged, not fatal.
type Store struct {
	path   string
	logger *zap.Logger

	mu       sync.Mutex
	mem      *Document // last known good state, authoritative when degraded
	degraded bool
}

// OpenStore loads the document at path, creating a default one if the file
// does not exist yet.
func OpenStore(path string, logger *zap.Logger) *Store {
	s := &Store{path: path, logger: logger}
	doc, err := s.readFile()
	if err != nil {
		if !os.IsNotExist(err) {
			logger.Warn("config file unreadable, starting with in-memory defaults",
				zap.String("path", path), zap.Error(err))
			s.degraded = true
		}
		doc = NewDocument()
	}
	s.mem = doc
	return s
}

// Snapshot returns a deep copy of the current document. The copy may be
// stale by the time the caller looks at it; callers must tolerate that.
func (s *Store) Snapshot() *Document {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.mem.Clone()
}

// Update applies one scoped mutation. The document is re-read from disk so
// the mutation always operates on the freshest state, then written back with
// an incremented version. A failed write leaves the in-memory state updated
// and the store degraded.
func (s *Store) Update(mutate func(doc *Document) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	doc := s.loadLocked()
	base := doc.Version
	if err := mutate(doc); err != nil {
		return err
	}
	doc.Version = base + 1

	if err := s.writeFile(doc); err != nil {
		s.logger.Error("config save failed, continuing with in-memory document",
			zap.String("path", s.path), zap.Error(err))
		s.degraded = true
		s.mem = doc
		return nil
	}
	s.degraded = false
	s.mem = doc
	return nil
}

// Degraded reports whether the store is running on the in-memory fallback.
func (s *Store) Degraded() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.degraded
}

func (s *Store) loadLocked() *Document {
	if s.degraded {
		return s.mem.Clone()
	}
	doc, err := s.readFile()
	if err != nil {
		if !os.IsNotExist(err) {
			s.logger.Warn("config reload failed, using last known state", zap.Error(err))
		}
		return s.mem.Clone()
	}
	if doc.Version != s.mem.Version && s.mem.Version > doc.Version {
		// The file went backwards relative to what we wrote last. Keep the
		// newer in-memory state rather than silently losing updates.
		s.logger.Warn("config file older than in-memory state",
			zap.Int64("file_version", doc.Version),
			zap.Int64("mem_version", s.mem.Version))
		return s.mem.Clone()
	}
	return doc
}

func (s *Store) readFile() (*Document, error) {
	data, err := os.ReadFile(s.path)
	if err != nil {
		return nil, err
	}
	doc := NewDocument()
	if err := json.Unmarshal(data, doc); err != nil {
		return nil, fmt.Errorf("parse config document: %w", err)
	}
	if doc.Entities == nil {
		doc.Entities = make(map[string]*Entity)
	}
	return doc, nil
}

// writeFile writes the document to a temp file in the same directory and
// renames it into place so readers never observe a partial write.
func (s *Store) writeFile(doc *Document) error {
	data, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal config document: %w", err)
	}

	dir := filepath.Dir(s.path)
	tmp, err := os.CreateTemp(dir, ".config-*.json")
	if err != nil {
		return fmt.Errorf("create temp config: %w", err)
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("write temp config: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("sync temp config: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return err
	}
	if err := os.Rename(tmpName, s.path); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("replace config: %w", err)
	}
	return nil
}

// =============================================================================
// Scoped mutators
// =============================================================================

// SetServerCredentials replaces the stored server credentials in full.
func (s *Store) SetServerCredentials(creds ServerCredentials) error {
	return s.Update(func(doc *Document) error {
		doc.Server = &creds
		return nil
	})
}

// ClearServerCredentials removes the stored server credentials.
func (s *Store) ClearServerCredentials() error {
	return s.Update(func(doc *Document) error {
		doc.Server = nil
		return nil
	})
}

// SetPushCredentials replaces the stored push credentials.
func (s *Store) SetPushCredentials(creds PushCredentials) error {
	return s.Update(func(doc *Document) error {
		doc.Push = &creds
		return nil
	})
}

// UpsertEntity creates or refreshes one entity from a pairing notification.
// A display name already set is never overwritten; re-delivery of the same
// pairing only refreshes LastChangedAt.
func (s *Store) UpsertEntity(id, displayName, kind string, now time.Time) error {
	return s.Update(func(doc *Document) error {
		e, ok := doc.Entities[id]
		if !ok {
			doc.Entities[id] = &Entity{
				ID:            id,
				DisplayName:   displayName,
				Kind:          kind,
				LastValue:     false,
				LastChangedAt: now,
				Paired:        true,
			}
			return nil
		}
		if e.DisplayName == "" {
			e.DisplayName = displayName
		}
		if e.Kind == "" {
			e.Kind = kind
		}
		e.Paired = true
		e.LastChangedAt = now
		return nil
	})
}

// RecordEntityValue stores an observed entity value, creating the entity
// lazily if the id is unknown. The display name is left alone.
func (s *Store) RecordEntityValue(id string, value interface{}, now time.Time) error {
	return s.Update(func(doc *Document) error {
		e, ok := doc.Entities[id]
		if !ok {
			e = &Entity{ID: id}
			doc.Entities[id] = e
		}
		e.LastValue = value
		e.LastChangedAt = now
		return nil
	})
}

// RenameEntity sets a user-chosen display name.
func (s *Store) RenameEntity(id, displayName string) error {
	return s.Update(func(doc *Document) error {
		e, ok := doc.Entities[id]
		if !ok {
			return fmt.Errorf("config: unknown entity %q", id)
		}
		e.DisplayName = displayName
		return nil
	})
}

// PutRule inserts or replaces a smart alarm rule by id.
func (s *Store) PutRule(rule SmartAlarmRule) error {
	return s.Update(func(doc *Document) error {
		for i, r := range doc.Rules {
			if r.ID == rule.ID {
				doc.Rules[i] = &rule
				return nil
			}
		}
		doc.Rules = append(doc.Rules, &rule)
		return nil
	})
}

// DeleteRule removes a rule by id. Deleting a missing rule is not an error.
func (s *Store) DeleteRule(id string) error {
	return s.Update(func(doc *Document) error {
		for i, r := range doc.Rules {
			if r.ID == id {
				doc.Rules = append(doc.Rules[:i], doc.Rules[i+1:]...)
				return nil
			}
		}
		return nil
	})
}
