package vm

import (
	"encoding/json"

	"github.com/tolelom/tolchain/statetrie"
)

// ServiceStore is a namespace-scoped view over the shared world-state trie:
// every key a service reads or writes is transparently prefixed with
// "svc:<name>:" so two services can never collide on a raw key, matching
// spec §4.4's per-service storage isolation.
type ServiceStore struct {
	trie    *statetrie.Store
	service string
}

func newServiceStore(trie *statetrie.Store, service string) *ServiceStore {
	prefix := "svc:" + service + ":"
	statetrie.RegisterNamespace(prefix)
	return &ServiceStore{trie: trie, service: service}
}

func (s *ServiceStore) key(k string) []byte {
	return []byte("svc:" + s.service + ":" + k)
}

// Get reads a raw value by service-local key.
func (s *ServiceStore) Get(key string) ([]byte, error) {
	return s.trie.Get(s.key(key))
}

// Set writes a raw value by service-local key.
func (s *ServiceStore) Set(key string, value []byte) error {
	return s.trie.Set(s.key(key), value)
}

// Delete removes a service-local key.
func (s *ServiceStore) Delete(key string) error {
	return s.trie.Delete(s.key(key))
}

// GetJSON reads and unmarshals a JSON-encoded value, returning
// core.ErrNotFound if absent.
func (s *ServiceStore) GetJSON(key string, out any) error {
	data, err := s.Get(key)
	if err != nil {
		return err
	}
	return json.Unmarshal(data, out)
}

// PutJSON marshals and writes v as JSON.
func (s *ServiceStore) PutJSON(key string, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return s.Set(key, data)
}

// Has reports whether key exists.
func (s *ServiceStore) Has(key string) bool {
	_, err := s.Get(key)
	return err == nil
}
