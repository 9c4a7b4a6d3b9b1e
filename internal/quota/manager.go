// Package quota tracks per-share disk usage for quota enforcement.
package quota

import (
	"context"
	"fmt"
	"io/fs"
	"log/slog"
	"path/filepath"
	"sync"
	"time"

	"github.com/chfs-io/chfs/internal/config"
	"github.com/chfs-io/chfs/internal/utils"
	"github.com/robfig/cron/v3"
)

// ExceededError is returned when a share would exceed its quota.
type ExceededError struct {
	Share string
	Limit int64
	Used  int64
}

func (e *ExceededError) Error() string {
	return fmt.Sprintf("share %q quota exceeded: %s used / %s limit",
		e.Share, utils.FormatFileSize(e.Used), utils.FormatFileSize(e.Limit))
}

// Description is the quota status payload for admin views.
type Description struct {
	Limit            int64   `json:"limit"`
	LimitDisplay     string  `json:"limit_display"`
	Used             int64   `json:"used"`
	UsedDisplay      string  `json:"used_display"`
	Remaining        int64   `json:"remaining"`
	RemainingDisplay string  `json:"remaining_display"`
	PercentUsed      float64 `json:"percent_used"`
	Over             bool    `json:"over"`
}

type shareState struct {
	mu     sync.Mutex
	usage  int64
	walked time.Time
	cached bool
}

// Manager caches share usage. Walks are serialized per share; waiters
// on a concurrent walk return the walker's result.
type Manager struct {
	mu     sync.Mutex
	shares map[string]*shareState
	logger *slog.Logger
}

// NewManager creates a quota manager.
func NewManager() *Manager {
	return &Manager{
		shares: make(map[string]*shareState),
		logger: slog.Default(),
	}
}

func (m *Manager) state(name string) *shareState {
	m.mu.Lock()
	defer m.mu.Unlock()
	st, ok := m.shares[name]
	if !ok {
		st = &shareState{}
		m.shares[name] = st
	}
	return st
}

// Usage returns the share's usage in bytes, walking the share root when
// no cached value exists or force is set.
func (m *Manager) Usage(ctx context.Context, share config.ShareConfig, force bool) (int64, error) {
	st := m.state(share.Name)
	st.mu.Lock()
	defer st.mu.Unlock()

	if st.cached && !force {
		return st.usage, nil
	}

	usage, err := walkUsage(ctx, share.Path)
	if err != nil {
		return 0, err
	}

	st.usage = usage
	st.walked = time.Now()
	st.cached = true
	return usage, nil
}

// Invalidate drops the cached usage for a share.
func (m *Manager) Invalidate(name string) {
	st := m.state(name)
	st.mu.Lock()
	st.cached = false
	st.mu.Unlock()
}

// Charge adds delta bytes to the share's cached usage and fails with
// ExceededError if the result is over quota, rolling the addition back.
// The share lock covers write and check, so concurrent uploads cannot
// slip past the limit together.
func (m *Manager) Charge(ctx context.Context, share config.ShareConfig, delta int64) error {
	if share.QuotaBytes <= 0 {
		return nil
	}

	st := m.state(share.Name)
	st.mu.Lock()
	defer st.mu.Unlock()

	if !st.cached {
		usage, err := walkUsage(ctx, share.Path)
		if err != nil {
			return err
		}
		// The walk already saw the written bytes.
		st.usage = usage - delta
		st.walked = time.Now()
		st.cached = true
	}

	st.usage += delta
	if st.usage > share.QuotaBytes {
		over := st.usage
		st.usage -= delta
		return &ExceededError{Share: share.Name, Limit: share.QuotaBytes, Used: over}
	}
	return nil
}

// EnsureWithin fails with ExceededError if projected usage is over the
// share's quota. Shares without a quota always pass.
func (m *Manager) EnsureWithin(share config.ShareConfig, projected int64) error {
	if share.QuotaBytes <= 0 {
		return nil
	}
	if projected > share.QuotaBytes {
		return &ExceededError{Share: share.Name, Limit: share.QuotaBytes, Used: projected}
	}
	return nil
}

// Describe returns the quota status payload, or nil for unlimited
// shares.
func (m *Manager) Describe(share config.ShareConfig, usage int64) *Description {
	if share.QuotaBytes <= 0 {
		return nil
	}

	limit := share.QuotaBytes
	remaining := limit - usage
	if remaining < 0 {
		remaining = 0
	}
	percent := 100.0
	if limit > 0 {
		percent = float64(usage) / float64(limit) * 100.0
		if percent > 100.0 {
			percent = 100.0
		}
	}

	return &Description{
		Limit:            limit,
		LimitDisplay:     utils.FormatFileSize(limit),
		Used:             usage,
		UsedDisplay:      utils.FormatFileSize(usage),
		Remaining:        remaining,
		RemainingDisplay: utils.FormatFileSize(remaining),
		PercentUsed:      percent,
		Over:             usage > limit,
	}
}

// ScheduleRefresh registers a periodic background re-walk of every
// quota-limited share so cached usage cannot drift forever.
func (m *Manager) ScheduleRefresh(c *cron.Cron, getter config.Getter) error {
	_, err := c.AddFunc("@every 10m", func() {
		cfg := getter()
		if cfg == nil {
			return
		}
		for _, share := range cfg.Shares {
			if share.QuotaBytes <= 0 {
				continue
			}
			if _, err := m.Usage(context.Background(), share, true); err != nil {
				m.logger.Warn("Quota usage refresh failed", "share", share.Name, "err", err)
			}
		}
	})
	return err
}

// walkUsage sums regular file sizes under root. Unreadable entries are
// skipped; a missing root counts as zero.
func walkUsage(ctx context.Context, root string) (int64, error) {
	var total int64
	err := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if err != nil {
			if path == root {
				return filepath.SkipAll
			}
			return nil
		}
		if d.Type().IsRegular() {
			if info, err := d.Info(); err == nil {
				total += info.Size()
			}
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	return total, nil
}
