package gateway

import (
	"log/slog"
	"time"

	"github.com/remoteagent/gateway/internal/gateway/session"
)

// SnapshotStore is component L: a metadata-only record of sessions, kept
// for CLI/status reporting. It never holds conversation content — the
// spec's persisted-state Non-goal rules that out; only key, model, message
// and turn counts, and last-activity time survive a restart.
type SnapshotStore struct {
	manager *session.Manager
	logger  *slog.Logger
}

// NewSnapshotStore wraps a session.Manager with gateway-specific recording helpers.
func NewSnapshotStore(logger *slog.Logger) *SnapshotStore {
	return &SnapshotStore{manager: session.NewManager(), logger: logger.With("component", "snapshot")}
}

// Manager exposes the underlying in-memory registry, e.g. for sessions.list.
func (st *SnapshotStore) Manager() *session.Manager { return st.manager }

// Record updates a session's in-memory snapshot after activity (a
// completed generation, a reset, a disconnect) and persists it to disk.
func (st *SnapshotStore) Record(key, model string, messageCount, turnCount int) {
	snap := st.manager.GetOrCreate(key, model)
	snap.Touch(messageCount, turnCount)
	if err := session.SaveSnapshot(key, model, messageCount, turnCount); err != nil {
		st.logger.Warn("snapshot save failed", "key", key, "error", err)
	}
}

// Forget removes a session from the live registry (disk snapshot is left
// for history/CLI inspection until pruned).
func (st *SnapshotStore) Forget(key string) {
	st.manager.Delete(key)
}

// StartPruneLoop periodically removes snapshots idle past maxAgeDays or
// beyond maxCount, until stop is closed.
func (st *SnapshotStore) StartPruneLoop(interval time.Duration, maxAgeDays, maxCount int, stop <-chan struct{}) {
	ticker := time.NewTicker(interval)
	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-stop:
				return
			case <-ticker.C:
				result, err := session.PruneStaleSessions(maxAgeDays, maxCount)
				if err != nil {
					st.logger.Warn("session prune failed", "error", err)
					continue
				}
				if result.Pruned > 0 || result.Capped > 0 {
					st.logger.Info("pruned stale sessions", "pruned", result.Pruned, "capped", result.Capped)
				}
			}
		}
	}()
}
