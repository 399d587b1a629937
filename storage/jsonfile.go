package storage

import (
	"encoding/json"
	"fmt"
	"os"
	"sync"
)

// JSONFileBackend persists the whole key/value map as a single JSON
// document, grounded on the example host's ConfigLoad/ConfigSave shape
// (shinosaki/webpush-client-go's examples/nicopush/main.go): read the
// file fully at startup, rewrite it fully on every mutation.
type JSONFileBackend struct {
	mu   sync.Mutex
	path string
	data map[string]json.RawMessage
}

// NewJSONFileBackend loads path if it exists, or starts empty if it
// does not.
func NewJSONFileBackend(path string) (*JSONFileBackend, error) {
	b := &JSONFileBackend{path: path, data: map[string]json.RawMessage{}}

	raw, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return b, nil
		}
		return nil, fmt.Errorf("storage: open %q: %w", path, err)
	}
	if len(raw) == 0 {
		return b, nil
	}
	if err := json.Unmarshal(raw, &b.data); err != nil {
		return nil, fmt.Errorf("storage: parse %q: %w", path, err)
	}
	return b, nil
}

func (b *JSONFileBackend) Get(key string) ([]byte, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	v, ok := b.data[key]
	if !ok {
		return nil, nil
	}
	return []byte(v), nil
}

func (b *JSONFileBackend) Set(key string, value []byte) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.data[key] = json.RawMessage(value)
	return b.flush()
}

func (b *JSONFileBackend) Delete(key string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.data, key)
	return b.flush()
}

func (b *JSONFileBackend) flush() error {
	raw, err := json.MarshalIndent(b.data, "", "  ")
	if err != nil {
		return fmt.Errorf("storage: encode %q: %w", b.path, err)
	}
	if err := os.WriteFile(b.path, raw, 0o600); err != nil {
		return fmt.Errorf("storage: write %q: %w", b.path, err)
	}
	return nil
}
