package vectorcache

import (
	"math"
	"time"
)

// enqueuePersist fires a persistence attempt for task off the calling
// goroutine. A failure lands the task in the retry queue rather than
// surfacing synchronously — callers of Upsert/Delete never block on
// storage I/O.
func (c *Cache) enqueuePersist(task retryTask) {
	if c.opts.Persister == nil {
		return
	}
	go func() {
		err := c.runPersist(task)
		if err == nil {
			return
		}
		task.attempts = 1
		task.queuedAt = time.Now()
		task.nextAfter = time.Now().Add(c.backoffDelay(task.attempts))

		c.retryMu.Lock()
		c.retries[task.retryKey()] = &task
		c.retryMu.Unlock()
	}()
}

func (t *retryTask) retryKey() string {
	if t.id != "" {
		return t.id
	}
	return t.entry.ID
}

func (c *Cache) runPersist(task retryTask) error {
	switch task.kind {
	case "save":
		return c.opts.Persister.SaveVector(task.entry)
	case "delete":
		return c.opts.Persister.DeleteVector(task.id)
	default:
		return nil
	}
}

// backoffDelay reuses the kos.OpenWithRetry formula: baseDelayMs *
// multiplier^(attempt-1), capped at maxDelayMs.
func (c *Cache) backoffDelay(attempt int) time.Duration {
	delay := float64(c.opts.BaseDelayMs) * math.Pow(c.opts.BackoffMultiplier, float64(attempt-1))
	if ceiling := float64(c.opts.MaxDelayMs); delay > ceiling {
		delay = ceiling
	}
	return time.Duration(delay) * time.Millisecond
}

// retryLoop periodically retries due persistence tasks until Close.
func (c *Cache) retryLoop() {
	ticker := time.NewTicker(50 * time.Millisecond)
	defer ticker.Stop()
	for {
		select {
		case <-c.stopCh:
			return
		case <-ticker.C:
			c.drainRetriesOnce()
		}
	}
}

func (c *Cache) drainRetriesOnce() {
	if c.opts.Persister == nil {
		return
	}
	now := time.Now()

	c.retryMu.Lock()
	due := make([]*retryTask, 0, len(c.retries))
	for _, t := range c.retries {
		if !now.Before(t.nextAfter) {
			due = append(due, t)
		}
	}
	c.retryMu.Unlock()

	for _, t := range due {
		err := c.runPersist(*t)

		c.retryMu.Lock()
		if err == nil {
			delete(c.retries, t.retryKey())
		} else {
			t.attempts++
			if t.attempts > c.opts.MaxRetries {
				delete(c.retries, t.retryKey()) // exhausted; give up
			} else {
				t.nextAfter = now.Add(c.backoffDelay(t.attempts))
			}
		}
		c.retryMu.Unlock()
	}
}
