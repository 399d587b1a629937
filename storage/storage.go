// Package storage is the namespaced key/value wrapper described in
// spec §4.1. It never talks to a concrete backend directly; Backend is
// the opaque host-supplied collaborator spec §1 places out of scope.
// Two reference backends (Memory, JSONFile) are provided for tests and
// for the cmd/pushcli example host.
package storage

import (
	"encoding/json"
	"fmt"
)

// Backend is the minimal key/value contract a host must supply. Get
// returns (nil, nil) for an absent key; it never distinguishes "absent"
// from "stored null" any further than that, matching spec's "null reads
// map to absent" rule once Storage unmarshals on top of it.
type Backend interface {
	Get(key string) ([]byte, error)
	Set(key string, value []byte) error
	Delete(key string) error
}

// Storage prefixes every key with a colon-joined namespace and
// JSON-codes values on the way in and out. Two Storage instances that
// share a Backend but were built with different namespaces never
// collide, because every operation goes through joinNamespace first.
type Storage struct {
	backend   Backend
	namespace string
}

// New wraps backend with no namespace prefix.
func New(backend Backend) *Storage {
	return &Storage{backend: backend}
}

// Extend returns a Storage nested under suffix, e.g. a per-channel
// namespace built from a top-level Storage.
func (s *Storage) Extend(suffix string) *Storage {
	return &Storage{
		backend:   s.backend,
		namespace: joinNamespace(s.namespace, suffix),
	}
}

// joinNamespace joins two namespace segments with ":", eliding an empty
// segment rather than producing a leading/trailing/double colon.
func joinNamespace(prefix, suffix string) string {
	switch {
	case prefix == "":
		return suffix
	case suffix == "":
		return prefix
	default:
		return prefix + ":" + suffix
	}
}

func (s *Storage) key(key string) string {
	return joinNamespace(s.namespace, key)
}

// Read looks up key, JSON-decoding the stored value into out. It
// reports ok=false (and leaves out untouched) when the key is absent or
// the backend returned a JSON null, matching spec's "null reads map to
// absent" rule.
func (s *Storage) Read(key string, out any) (ok bool, err error) {
	raw, err := s.backend.Get(s.key(key))
	if err != nil {
		return false, fmt.Errorf("storage: read %q: %w", s.key(key), err)
	}
	if raw == nil || string(raw) == "null" {
		return false, nil
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return false, fmt.Errorf("storage: decode %q: %w", s.key(key), err)
	}
	return true, nil
}

// Write JSON-encodes value and stores it under key.
func (s *Storage) Write(key string, value any) error {
	raw, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("storage: encode %q: %w", s.key(key), err)
	}
	if err := s.backend.Set(s.key(key), raw); err != nil {
		return fmt.Errorf("storage: write %q: %w", s.key(key), err)
	}
	return nil
}

// Remove deletes key. Removing an absent key is not an error.
func (s *Storage) Remove(key string) error {
	if err := s.backend.Delete(s.key(key)); err != nil {
		return fmt.Errorf("storage: remove %q: %w", s.key(key), err)
	}
	return nil
}
