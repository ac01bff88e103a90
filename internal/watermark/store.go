// ABOUTME: Persists the per-account "last processed message" timestamp to disk.
// ABOUTME: The watermark is the replay cutoff after a reconnect; losing it only widens the window.

package watermark

import (
	"encoding/json"
	"log/slog"
	"os"
	"path/filepath"
)

// state is the on-disk document, one file per account.
type state struct {
	Timestamp int64 `json:"timestamp"`
}

// Store reads and writes watermark files under a data directory. All
// operations are best-effort: a missing or corrupt file loads as zero and a
// failed save is logged and swallowed. Correctness during a process's
// lifetime depends only on the in-memory value held by the ingest loop; the
// file is a crash-recovery aid.
type Store struct {
	dir    string
	logger *slog.Logger
}

// New creates a watermark store rooted at dir.
func New(dir string, logger *slog.Logger) *Store {
	if logger == nil {
		logger = slog.Default()
	}
	return &Store{
		dir:    dir,
		logger: logger.With("component", "watermark"),
	}
}

// Load returns the last saved watermark for the account, in unix seconds.
// Absent or unreadable state loads as 0 so the caller falls back to the
// age-bounded replay window rather than failing startup.
func (s *Store) Load(accountID string) int64 {
	data, err := os.ReadFile(s.path(accountID))
	if err != nil {
		if !os.IsNotExist(err) {
			s.logger.Warn("failed to read watermark, starting from zero",
				"account", accountID, "error", err)
		}
		return 0
	}

	var st state
	if err := json.Unmarshal(data, &st); err != nil {
		s.logger.Warn("corrupt watermark file, starting from zero",
			"account", accountID, "error", err)
		return 0
	}
	if st.Timestamp < 0 {
		return 0
	}
	return st.Timestamp
}

// Save persists the watermark for the account. Failures are logged and
// swallowed; the worst case is a wider replay window after a restart.
func (s *Store) Save(accountID string, timestamp int64) {
	if err := os.MkdirAll(s.dir, 0755); err != nil {
		s.logger.Warn("failed to create watermark directory",
			"account", accountID, "error", err)
		return
	}

	data, err := json.Marshal(state{Timestamp: timestamp})
	if err != nil {
		s.logger.Warn("failed to encode watermark",
			"account", accountID, "error", err)
		return
	}

	if err := os.WriteFile(s.path(accountID), data, 0600); err != nil {
		s.logger.Warn("failed to write watermark",
			"account", accountID, "error", err)
	}
}

// path returns the watermark file path for an account.
func (s *Store) path(accountID string) string {
	return filepath.Join(s.dir, accountID+".watermark.json")
}
