package dispatch

import (
	"sync"
	"time"
)

// ProgressEntry is the latest known progress for one job.
type ProgressEntry struct {
	JobID          string    `json:"job_id"`
	Progress       float64   `json:"progress"`
	FPS            float64   `json:"fps,omitempty"`
	Speed          float64   `json:"speed,omitempty"`
	ETASeconds     int       `json:"eta_seconds,omitempty"`
	LastProgressAt time.Time `json:"last_progress_at"`
}

type progressState struct {
	ProgressEntry
	lastWriteAt time.Time
	dirty       bool
}

// progressCache absorbs the firehose of job:progress frames. Every frame
// lands here; DB writes happen at most once per writeInterval per job, with
// a periodic flush picking up whatever went stale in between.
type progressCache struct {
	mu            sync.Mutex
	entries       map[string]*progressState
	writeInterval time.Duration
	now           func() time.Time
}

func newProgressCache(writeInterval time.Duration) *progressCache {
	return &progressCache{
		entries:       make(map[string]*progressState),
		writeInterval: writeInterval,
		now:           time.Now,
	}
}

// Update records a progress frame and reports whether a DB write is due for
// this job. When it is, the entry is considered written.
func (c *progressCache) Update(jobID string, progress, fps, speed float64, etaSeconds int) (ProgressEntry, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.now()
	state, ok := c.entries[jobID]
	if !ok {
		state = &progressState{}
		state.JobID = jobID
		c.entries[jobID] = state
	}
	state.Progress = progress
	state.FPS = fps
	state.Speed = speed
	state.ETASeconds = etaSeconds
	state.LastProgressAt = now
	state.dirty = true

	if now.Sub(state.lastWriteAt) >= c.writeInterval {
		state.lastWriteAt = now
		state.dirty = false
		return state.ProgressEntry, true
	}
	return state.ProgressEntry, false
}

// FlushDue returns dirty entries whose last write is older than the write
// interval and marks them written.
func (c *progressCache) FlushDue() []ProgressEntry {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.now()
	var due []ProgressEntry
	for _, state := range c.entries {
		if state.dirty && now.Sub(state.lastWriteAt) >= c.writeInterval {
			state.lastWriteAt = now
			state.dirty = false
			due = append(due, state.ProgressEntry)
		}
	}
	return due
}

// FlushAll returns every dirty entry regardless of age, for shutdown.
func (c *progressCache) FlushAll() []ProgressEntry {
	c.mu.Lock()
	defer c.mu.Unlock()

	var dirty []ProgressEntry
	for _, state := range c.entries {
		if state.dirty {
			state.lastWriteAt = c.now()
			state.dirty = false
			dirty = append(dirty, state.ProgressEntry)
		}
	}
	return dirty
}

// Get returns the cached progress for a job.
func (c *progressCache) Get(jobID string) (ProgressEntry, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	state, ok := c.entries[jobID]
	if !ok {
		return ProgressEntry{}, false
	}
	return state.ProgressEntry, true
}

// Remove drops a job from the cache once it reaches a terminal state.
func (c *progressCache) Remove(jobID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.entries, jobID)
}
