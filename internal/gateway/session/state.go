package session

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/remoteagent/gateway/internal/config"
)

type currentSessionState struct {
	Key       string `json:"key"`
	UpdatedAt int64  `json:"updatedAt"`
}

func stateDir() string {
	return filepath.Join(config.ConfigDir(), "state")
}

func currentSessionPath() string {
	return filepath.Join(stateDir(), "current_session.json")
}

// SetCurrent stores the active session key used by CLI defaults.
func SetCurrent(key string) error {
	key = strings.TrimSpace(key)
	if key == "" {
		if err := os.Remove(currentSessionPath()); err != nil && !os.IsNotExist(err) {
			return fmt.Errorf("clear current session: %w", err)
		}
		return nil
	}
	if err := os.MkdirAll(stateDir(), 0o755); err != nil {
		return fmt.Errorf("create state dir: %w", err)
	}
	payload, err := json.MarshalIndent(currentSessionState{Key: key, UpdatedAt: time.Now().UnixMilli()}, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal current session: %w", err)
	}
	if err := os.WriteFile(currentSessionPath(), payload, 0o644); err != nil {
		return fmt.Errorf("write current session: %w", err)
	}
	return nil
}

// Current returns the active session key, if any.
func Current() (string, error) {
	raw, err := os.ReadFile(currentSessionPath())
	if err != nil {
		if os.IsNotExist(err) {
			return "", nil
		}
		return "", fmt.Errorf("read current session: %w", err)
	}
	var st currentSessionState
	if err := json.Unmarshal(raw, &st); err != nil {
		return "", fmt.Errorf("parse current session: %w", err)
	}
	return strings.TrimSpace(st.Key), nil
}

// SaveSnapshot writes a metadata-only snapshot for key and marks it current.
// Unlike the teacher's SaveFromHistory, no conversation content is persisted.
func SaveSnapshot(key, model string, messageCount, turnCount int) error {
	now := time.Now()
	createdAt := now
	if old, err := Load(key); err == nil {
		createdAt = old.CreatedAt
	}

	sess := &Session{
		Key:            strings.TrimSpace(key),
		Model:          strings.TrimSpace(model),
		MessageCount:   messageCount,
		TurnCount:      turnCount,
		CreatedAt:      createdAt,
		LastActivityAt: now,
	}
	if err := sess.Save(); err != nil {
		return err
	}
	return SetCurrent(sess.Key)
}
