package sessionmeta

import (
	"encoding/json"
	"fmt"
	"os"
)

// IndexEntry is one value of the session index file.
type IndexEntry struct {
	SessionID     string `json:"sessionId"`
	Model         string `json:"model,omitempty"`
	ModelProvider string `json:"modelProvider,omitempty"`
	ProviderName  string `json:"provider,omitempty"`
	ContextTokens int    `json:"contextTokens,omitempty"`
	TotalTokens   int    `json:"totalTokens,omitempty"`
	UpdatedAt     int64  `json:"updatedAt,omitempty"` // epoch ms
}

// Provider prefers modelProvider over provider.
func (e IndexEntry) Provider() string {
	if e.ModelProvider != "" {
		return e.ModelProvider
	}
	return e.ProviderName
}

// LoadIndexFile reads the session index. A missing file returns an empty
// map and no error.
func LoadIndexFile(path string) (map[string]IndexEntry, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return map[string]IndexEntry{}, nil
		}
		return nil, fmt.Errorf("read session index: %w", err)
	}

	// Decode entry by entry so one odd value does not discard the rest.
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("parse session index: %w", err)
	}
	entries := make(map[string]IndexEntry, len(raw))
	for key, v := range raw {
		var e IndexEntry
		if err := json.Unmarshal(v, &e); err != nil {
			continue
		}
		entries[key] = e
	}
	return entries, nil
}
