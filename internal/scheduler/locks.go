package scheduler

import (
	"sort"
	"sync"
)

// Lock key namespaces. Keys are sorted before multi-acquire, so every caller
// that takes a task and a workspace lock takes them in the same order.
const (
	taskKeyPrefix      = "task:"
	projectKeyPrefix   = "project:"
	workspaceKeyPrefix = "workspace:"
)

// TaskKey is the lock key serializing mutations of one task.
func TaskKey(taskID string) string { return taskKeyPrefix + taskID }

// ProjectKey is the lock key serializing dependency edits in one project.
func ProjectKey(projectID string) string { return projectKeyPrefix + projectID }

// WorkspaceKey is the lock key serializing bindings to one workspace.
func WorkspaceKey(workspaceID string) string { return workspaceKeyPrefix + workspaceID }

// KeyedMutex provides one mutex per key, created on first use.
type KeyedMutex struct {
	mu    sync.Mutex // Guards the locks map itself
	locks map[string]*sync.Mutex
}

// NewKeyedMutex creates an empty KeyedMutex.
func NewKeyedMutex() *KeyedMutex {
	return &KeyedMutex{
		locks: make(map[string]*sync.Mutex),
	}
}

// Lock acquires the mutex for key.
func (k *KeyedMutex) Lock(key string) {
	k.mu.Lock()
	l, ok := k.locks[key]
	if !ok {
		l = &sync.Mutex{}
		k.locks[key] = l
	}
	k.mu.Unlock()

	l.Lock()
}

// Unlock releases the mutex for key.
func (k *KeyedMutex) Unlock(key string) {
	k.mu.Lock()
	l, ok := k.locks[key]
	k.mu.Unlock()

	if ok {
		l.Unlock()
	}
}

// LockAll acquires every key in sorted order and returns the matching release.
func (k *KeyedMutex) LockAll(keys ...string) (unlock func()) {
	sorted := append([]string(nil), keys...)
	sort.Strings(sorted)
	sorted = dedupe(sorted)

	for _, key := range sorted {
		k.Lock(key)
	}
	return func() {
		for i := len(sorted) - 1; i >= 0; i-- {
			k.Unlock(sorted[i])
		}
	}
}

func dedupe(sorted []string) []string {
	out := sorted[:0]
	for i, s := range sorted {
		if i > 0 && s == sorted[i-1] {
			continue
		}
		out = append(out, s)
	}
	return out
}
