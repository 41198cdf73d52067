package kv

import (
	"context"
	"encoding/json"
	"fmt"
	"time"
)

// GetJSON retrieves and unmarshals a JSON value.
func GetJSON(ctx context.Context, s Store, key string, v any) error {
	data, err := s.Get(ctx, key)
	if err != nil {
		return err
	}
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("unmarshal key %s: %w", key, err)
	}
	return nil
}

// SetJSON marshals and stores a JSON value.
func SetJSON(ctx context.Context, s Store, key string, v any, ttl time.Duration) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshal key %s: %w", key, err)
	}
	return s.Set(ctx, key, data, ttl)
}

// InsertJSONIfAbsent marshals v and stores it only if key is absent.
func InsertJSONIfAbsent(ctx context.Context, s Store, key string, v any, ttl time.Duration) (bool, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return false, fmt.Errorf("marshal key %s: %w", key, err)
	}
	return s.InsertIfAbsent(ctx, key, data, ttl)
}
