// Package kv is the shared key-value substrate every view reads and writes.
// There is no cross-view locking; callers rely on last-write-wins.
package kv

import (
	"encoding/json"
	"errors"
	"fmt"
)

// ErrQuotaExceeded is returned by Set when the write would push the store
// past its capacity.
var ErrQuotaExceeded = errors.New("storage quota exceeded")

// Store is the capability the core components depend on.
type Store interface {
	Get(key string) ([]byte, bool, error)
	Set(key string, value []byte) error
	Remove(key string) error
	Keys() ([]string, error)
}

// GetJSON decodes the value at key into v. It reports false when the key is
// absent. Decode failures are returned as errors.
func GetJSON(s Store, key string, v any) (bool, error) {
	data, ok, err := s.Get(key)
	if err != nil || !ok {
		return false, err
	}
	if err := json.Unmarshal(data, v); err != nil {
		return true, fmt.Errorf("decoding %s: %w", key, err)
	}
	return true, nil
}

// SetJSON encodes v and stores it at key.
func SetJSON(s Store, key string, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("encoding %s: %w", key, err)
	}
	return s.Set(key, data)
}

// TotalBytes sums len(key)+len(value) over every entry.
func TotalBytes(s Store) (int64, error) {
	keys, err := s.Keys()
	if err != nil {
		return 0, err
	}
	var total int64
	for _, k := range keys {
		v, ok, err := s.Get(k)
		if err != nil {
			return 0, fmt.Errorf("reading %s: %w", k, err)
		}
		if ok {
			total += int64(len(k) + len(v))
		}
	}
	return total, nil
}
