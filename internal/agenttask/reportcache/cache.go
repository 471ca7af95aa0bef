// Package reportcache keeps the most recent completed reports in memory
// as the hot-path fast return for WaitForAgentReport. Disk remains the
// source of truth; the cache only saves a round-trip through the artifact
// store for reports that just finalized.
package reportcache

import (
	lru "github.com/hashicorp/golang-lru/v2"
)

// Entry is one cached completed report.
type Entry struct {
	ReportMarkdown       string
	Title                string
	AncestorWorkspaceIDs []string
}

// Cache is a bounded report cache keyed by task id. Reads use Peek so
// they never bump recency; with no recency bumps the LRU eviction order
// degenerates to insertion order, i.e. the oldest-inserted report is
// evicted first.
type Cache struct {
	lru *lru.Cache[string, Entry]
}

// New creates a cache holding at most size entries.
func New(size int) (*Cache, error) {
	inner, err := lru.New[string, Entry](size)
	if err != nil {
		return nil, err
	}
	return &Cache{lru: inner}, nil
}

// Add inserts or refreshes the report for a task.
func (c *Cache) Add(taskID string, e Entry) {
	c.lru.Add(taskID, e)
}

// Get returns the cached report for a task without affecting eviction
// order.
func (c *Cache) Get(taskID string) (Entry, bool) {
	return c.lru.Peek(taskID)
}

// Remove drops a task's cached report, used when its subtree is
// terminated.
func (c *Cache) Remove(taskID string) {
	c.lru.Remove(taskID)
}

// Len returns the number of cached reports.
func (c *Cache) Len() int {
	return c.lru.Len()
}
