// Package memory provides an in-memory implementation of transport.ToolStore
// for testing and lightweight deployments. Tools and execution records are
// stored in memory and lost when the process restarts. Optional LRU eviction
// bounds the number of retained execution records.
package memory

import (
	"container/list"
	"context"
	"sort"
	"sync"
	"time"

	"github.com/rhuss/werkstatt/pkg/api"
	"github.com/rhuss/werkstatt/pkg/storage"
	"github.com/rhuss/werkstatt/pkg/transport"
)

// toolEntry holds a registered tool and its metadata.
type toolEntry struct {
	tool      *api.FunctionTool
	tenantID  string
	deletedAt *time.Time
}

// execEntry holds a stored execution record and its metadata.
type execEntry struct {
	exec     *api.Execution
	tenantID string
	lruElem  *list.Element // position in LRU list
}

// Store is an in-memory ToolStore. Tools are soft-deleted and never
// evicted; execution records are capped by an optional LRU limit.
type Store struct {
	mu         sync.RWMutex
	tools      map[string]*toolEntry
	executions map[string]*execEntry
	lruList    *list.List // front = most recent, back = oldest
	maxExecs   int        // 0 = unlimited
}

// Ensure Store implements transport.ToolStore at compile time.
var _ transport.ToolStore = (*Store)(nil)

// New creates a new in-memory store. If maxExecutions is 0, execution
// records accumulate without limit. If maxExecutions > 0, the oldest
// record is evicted when the limit is reached.
func New(maxExecutions int) *Store {
	return &Store{
		tools:      make(map[string]*toolEntry),
		executions: make(map[string]*execEntry),
		lruList:    list.New(),
		maxExecs:   maxExecutions,
	}
}

// SaveTool persists a registered tool in memory.
func (s *Store) SaveTool(ctx context.Context, tool *api.FunctionTool) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.tools[tool.ID]; exists {
		return storage.ErrConflict
	}

	s.tools[tool.ID] = &toolEntry{
		tool:     tool,
		tenantID: storage.GetTenant(ctx),
	}
	return nil
}

// GetTool retrieves a tool by ID. Returns ErrNotFound if the tool does
// not exist or has been soft-deleted. Scoped by tenant when a tenant is
// present in the context.
func (s *Store) GetTool(ctx context.Context, id string) (*api.FunctionTool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	e, ok := s.tools[id]
	if !ok || e.deletedAt != nil {
		return nil, storage.ErrNotFound
	}

	// Tenant scoping.
	tenantID := storage.GetTenant(ctx)
	if tenantID != "" && e.tenantID != tenantID {
		return nil, storage.ErrNotFound
	}

	return e.tool, nil
}

// DeleteTool soft-deletes a tool. Execution records referencing the tool
// remain readable.
func (s *Store) DeleteTool(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.tools[id]
	if !ok || e.deletedAt != nil {
		return storage.ErrNotFound
	}

	// Tenant scoping.
	tenantID := storage.GetTenant(ctx)
	if tenantID != "" && e.tenantID != tenantID {
		return storage.ErrNotFound
	}

	now := time.Now()
	e.deletedAt = &now
	return nil
}

// ListTools returns a paginated list of registered tools filtered by
// tenant, with cursor-based pagination.
func (s *Store) ListTools(ctx context.Context, opts transport.ListOptions) (*transport.ToolList, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	tenantID := storage.GetTenant(ctx)

	// Collect matching entries.
	var matches []*api.FunctionTool
	for _, e := range s.tools {
		if e.deletedAt != nil {
			continue
		}
		if tenantID != "" && e.tenantID != tenantID {
			continue
		}
		matches = append(matches, e.tool)
	}

	// Sort by created_at. Default is desc (newest first).
	asc := opts.Order == "asc"
	sort.Slice(matches, func(i, j int) bool {
		if asc {
			if matches[i].CreatedAt != matches[j].CreatedAt {
				return matches[i].CreatedAt < matches[j].CreatedAt
			}
			return matches[i].ID < matches[j].ID
		}
		if matches[i].CreatedAt != matches[j].CreatedAt {
			return matches[i].CreatedAt > matches[j].CreatedAt
		}
		return matches[i].ID > matches[j].ID
	})

	// Apply cursor-based pagination.
	if opts.After != "" {
		idx := -1
		for i, tl := range matches {
			if tl.ID == opts.After {
				idx = i
				break
			}
		}
		if idx >= 0 {
			matches = matches[idx+1:]
		} else {
			matches = nil
		}
	} else if opts.Before != "" {
		idx := -1
		for i, tl := range matches {
			if tl.ID == opts.Before {
				idx = i
				break
			}
		}
		if idx > 0 {
			matches = matches[:idx]
		} else {
			matches = nil
		}
	}

	// Apply limit.
	limit := opts.Limit
	if limit <= 0 {
		limit = 20
	}
	if limit > 100 {
		limit = 100
	}

	hasMore := len(matches) > limit
	if hasMore {
		matches = matches[:limit]
	}

	result := &transport.ToolList{
		Object:  "list",
		Data:    matches,
		HasMore: hasMore,
	}
	if len(matches) > 0 {
		result.FirstID = matches[0].ID
		result.LastID = matches[len(matches)-1].ID
	}
	if result.Data == nil {
		result.Data = []*api.FunctionTool{}
	}

	return result, nil
}

// SaveExecution persists a new execution record.
func (s *Store) SaveExecution(ctx context.Context, exec *api.Execution) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.executions[exec.ID]; exists {
		return storage.ErrConflict
	}

	// Evict if at capacity.
	if s.maxExecs > 0 && len(s.executions) >= s.maxExecs {
		s.evictOldest()
	}

	elem := s.lruList.PushFront(exec.ID)
	s.executions[exec.ID] = &execEntry{
		exec:     exec,
		tenantID: storage.GetTenant(ctx),
		lruElem:  elem,
	}
	return nil
}

// UpdateExecution replaces a stored execution record, keyed by ID.
// Returns ErrNotFound if no record with that ID exists.
func (s *Store) UpdateExecution(ctx context.Context, exec *api.Execution) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.executions[exec.ID]
	if !ok {
		return storage.ErrNotFound
	}

	// Tenant scoping.
	tenantID := storage.GetTenant(ctx)
	if tenantID != "" && e.tenantID != tenantID {
		return storage.ErrNotFound
	}

	e.exec = exec
	s.lruList.MoveToFront(e.lruElem)
	return nil
}

// GetExecution retrieves an execution record by ID. Scoped by tenant
// when a tenant is present in the context.
func (s *Store) GetExecution(ctx context.Context, id string) (*api.Execution, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	e, ok := s.executions[id]
	if !ok {
		return nil, storage.ErrNotFound
	}

	// Tenant scoping.
	tenantID := storage.GetTenant(ctx)
	if tenantID != "" && e.tenantID != tenantID {
		return nil, storage.ErrNotFound
	}

	return e.exec, nil
}

// ListExecutions returns a paginated list of execution records filtered
// by tenant and optionally by tool ID, with cursor-based pagination.
func (s *Store) ListExecutions(ctx context.Context, opts transport.ListOptions) (*transport.ExecutionList, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	tenantID := storage.GetTenant(ctx)

	// Collect matching entries.
	var matches []*api.Execution
	for _, e := range s.executions {
		if tenantID != "" && e.tenantID != tenantID {
			continue
		}
		if opts.Tool != "" && e.exec.ToolID != opts.Tool {
			continue
		}
		matches = append(matches, e.exec)
	}

	// Sort by created_at. Default is desc (newest first).
	asc := opts.Order == "asc"
	sort.Slice(matches, func(i, j int) bool {
		if asc {
			if matches[i].CreatedAt != matches[j].CreatedAt {
				return matches[i].CreatedAt < matches[j].CreatedAt
			}
			return matches[i].ID < matches[j].ID
		}
		if matches[i].CreatedAt != matches[j].CreatedAt {
			return matches[i].CreatedAt > matches[j].CreatedAt
		}
		return matches[i].ID > matches[j].ID
	})

	// Apply cursor-based pagination.
	if opts.After != "" {
		idx := -1
		for i, ex := range matches {
			if ex.ID == opts.After {
				idx = i
				break
			}
		}
		if idx >= 0 {
			matches = matches[idx+1:]
		} else {
			matches = nil
		}
	} else if opts.Before != "" {
		idx := -1
		for i, ex := range matches {
			if ex.ID == opts.Before {
				idx = i
				break
			}
		}
		if idx > 0 {
			matches = matches[:idx]
		} else {
			matches = nil
		}
	}

	// Apply limit.
	limit := opts.Limit
	if limit <= 0 {
		limit = 20
	}
	if limit > 100 {
		limit = 100
	}

	hasMore := len(matches) > limit
	if hasMore {
		matches = matches[:limit]
	}

	result := &transport.ExecutionList{
		Object:  "list",
		Data:    matches,
		HasMore: hasMore,
	}
	if len(matches) > 0 {
		result.FirstID = matches[0].ID
		result.LastID = matches[len(matches)-1].ID
	}
	if result.Data == nil {
		result.Data = []*api.Execution{}
	}

	return result, nil
}

// HealthCheck always returns nil for the in-memory store.
func (s *Store) HealthCheck(_ context.Context) error {
	return nil
}

// Close is a no-op for the in-memory store.
func (s *Store) Close() error {
	return nil
}

// evictOldest removes the least recently touched execution record.
// Must be called with s.mu held.
func (s *Store) evictOldest() {
	back := s.lruList.Back()
	if back == nil {
		return
	}

	id := back.Value.(string)
	s.lruList.Remove(back)
	delete(s.executions, id)
}
