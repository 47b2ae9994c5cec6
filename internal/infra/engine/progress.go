package engine

import (
	"slices"
	"sync"
	"time"

	"github.com/taskpilot/taskpilot/internal/domain"
)

// ProgressCache holds streaming output of running tasks for pollers.
// One instance is owned by the daemon and shared by every worker. Entries
// live until Clear or until a later run of the same task replaces them.
type ProgressCache struct {
	mu      sync.RWMutex
	entries map[string]*domain.Progress
	now     func() time.Time
}

// NewProgressCache creates an empty cache.
func NewProgressCache() *ProgressCache {
	return &ProgressCache{
		entries: make(map[string]*domain.Progress),
		now:     time.Now,
	}
}

// Begin starts a fresh record for taskID, replacing any earlier one.
func (c *ProgressCache) Begin(taskID, runID string) {
	now := c.now()
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries[taskID] = &domain.Progress{
		TaskID:    taskID,
		RunID:     runID,
		Status:    domain.TaskProcessing,
		Lines:     []string{},
		StartedAt: now,
		UpdatedAt: now,
	}
}

// Append adds one output line. Lines for unknown or finished records are dropped.
func (c *ProgressCache) Append(taskID, line string) {
	now := c.now()
	c.mu.Lock()
	defer c.mu.Unlock()
	p, ok := c.entries[taskID]
	if !ok || p.Completed {
		return
	}
	p.Lines = append(p.Lines, line)
	p.UpdatedAt = now
}

// Finish marks the record completed with the task's final status.
func (c *ProgressCache) Finish(taskID string, status domain.TaskStatus) {
	now := c.now()
	c.mu.Lock()
	defer c.mu.Unlock()
	p, ok := c.entries[taskID]
	if !ok {
		return
	}
	p.Status = status
	p.Completed = true
	p.UpdatedAt = now
}

// Get returns a copy of the record for taskID.
func (c *ProgressCache) Get(taskID string) (domain.Progress, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	p, ok := c.entries[taskID]
	if !ok {
		return domain.Progress{}, false
	}
	cp := *p
	cp.Lines = slices.Clone(p.Lines)
	return cp, true
}

// Clear discards the record for taskID. Reports whether one existed.
func (c *ProgressCache) Clear(taskID string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.entries[taskID]
	delete(c.entries, taskID)
	return ok
}

// Len returns the number of records held.
func (c *ProgressCache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.entries)
}
