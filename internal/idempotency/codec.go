package idempotency

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
)

// placeholderPayload is the wire form of a reserved entry. A status code of zero
// marks the placeholder; completed entries always carry a real status.
var placeholderPayload = mustEncode(CachedResponse{})

func encodeEntry(response CachedResponse) ([]byte, error) {
	if response.Headers == nil {
		response.Headers = map[string]string{}
	}
	raw, err := json.Marshal(response)
	if err != nil {
		return nil, fmt.Errorf("encode idempotency entry: %w", err)
	}
	return raw, nil
}

func decodeEntry(raw []byte) (Entry, error) {
	var response CachedResponse
	if err := json.Unmarshal(raw, &response); err != nil {
		return Entry{}, fmt.Errorf("decode idempotency entry: %w", err)
	}
	if response.StatusCode == 0 {
		return Entry{State: EntryReserved}, nil
	}
	if response.Headers == nil {
		response.Headers = map[string]string{}
	}
	return Entry{State: EntryCompleted, Response: response}, nil
}

func mustEncode(response CachedResponse) []byte {
	raw, err := encodeEntry(response)
	if err != nil {
		panic(err)
	}
	return raw
}

func normalizeKey(key string) (string, error) {
	key = strings.TrimSpace(key)
	if key == "" {
		return "", errors.New("key is required")
	}
	return key, nil
}

// validateTTL rejects ttls below a millisecond, the resolution of Redis PX and of
// the Postgres expiry arithmetic.
func validateTTL(ttl time.Duration) error {
	if ttl < time.Millisecond {
		return fmt.Errorf("ttl must be at least 1ms, got %s", ttl)
	}
	return nil
}

func validateResponse(response CachedResponse) error {
	if response.StatusCode < 100 || response.StatusCode > 999 {
		return fmt.Errorf("invalid status code %d", response.StatusCode)
	}
	return nil
}
