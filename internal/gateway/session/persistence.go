package session

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/remoteagent/gateway/internal/config"
)

// SessionsDir is where session metadata snapshots are written, one JSON
// file per key.
func SessionsDir() string {
	return filepath.Join(config.ConfigDir(), "sessions")
}

// Save writes a snapshot to disk.
func (s *Session) Save() error {
	dir := SessionsDir()
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create sessions dir: %w", err)
	}

	path := filepath.Join(dir, sanitizeFilename(s.Key)+".json")
	data, err := json.MarshalIndent(s, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal session: %w", err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("write session file: %w", err)
	}
	return nil
}

// Load reads one snapshot from disk.
func Load(key string) (*Session, error) {
	path := filepath.Join(SessionsDir(), sanitizeFilename(key)+".json")
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read session file: %w", err)
	}
	var sess Session
	if err := json.Unmarshal(data, &sess); err != nil {
		return nil, fmt.Errorf("unmarshal session: %w", err)
	}
	return &sess, nil
}

// LoadAll reads every snapshot on disk.
func LoadAll() ([]*Session, error) {
	dir := SessionsDir()
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("read sessions dir: %w", err)
	}

	var sessions []*Session
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".json") {
			continue
		}
		data, err := os.ReadFile(filepath.Join(dir, entry.Name()))
		if err != nil {
			continue
		}
		var sess Session
		if err := json.Unmarshal(data, &sess); err != nil {
			continue
		}
		sessions = append(sessions, &sess)
	}
	return sessions, nil
}

// Delete removes a snapshot file.
func Delete(key string) error {
	path := filepath.Join(SessionsDir(), sanitizeFilename(key)+".json")
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("delete session file: %w", err)
	}
	return nil
}

func sanitizeFilename(key string) string {
	safe := strings.Map(func(r rune) rune {
		if r == '/' || r == '\\' || r == ':' || r == '*' || r == '?' || r == '"' || r == '<' || r == '>' || r == '|' {
			return '_'
		}
		return r
	}, key)
	if len(safe) > 200 {
		safe = safe[:200]
	}
	return safe
}

// AutoSave writes every tracked in-memory snapshot to disk.
func (m *Manager) AutoSave() {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, sess := range m.sessions {
		_ = sess.Save()
	}
}

// PruneResult reports how many stale snapshots an automatic cleanup removed.
type PruneResult struct {
	Pruned int
	Capped int
}

// PruneStaleSessions deletes snapshots idle past maxAgeDays (0 = no age
// limit) and caps the remainder at maxCount (0 = unlimited), keeping the
// most recently active ones.
func PruneStaleSessions(maxAgeDays, maxCount int) (PruneResult, error) {
	all, err := LoadAll()
	if err != nil {
		return PruneResult{}, err
	}
	if len(all) == 0 {
		return PruneResult{}, nil
	}

	var result PruneResult
	now := time.Now()

	sort.Slice(all, func(i, j int) bool {
		return all[i].LastActivityAt.After(all[j].LastActivityAt)
	})

	for i, s := range all {
		if maxAgeDays > 0 && now.Sub(s.LastActivityAt).Hours() > float64(maxAgeDays*24) {
			if err := Delete(s.Key); err == nil {
				result.Pruned++
			}
			continue
		}
		if maxCount > 0 && i >= maxCount {
			if err := Delete(s.Key); err == nil {
				result.Capped++
			}
		}
	}
	return result, nil
}

// GetLastSessionKey returns the most recently active session's key, if any.
func GetLastSessionKey() string {
	sessions, err := LoadAll()
	if err != nil || len(sessions) == 0 {
		return ""
	}
	sort.Slice(sessions, func(i, j int) bool {
		return sessions[i].LastActivityAt.After(sessions[j].LastActivityAt)
	})
	return sessions[0].Key
}
