package memory

import (
	"context"
	"errors"
	"testing"

	"github.com/rhuss/werkstatt/pkg/api"
	"github.com/rhuss/werkstatt/pkg/storage"
	"github.com/rhuss/werkstatt/pkg/transport"
)

func makeTool(id string) *api.FunctionTool {
	return &api.FunctionTool{
		ID:        id,
		Object:    "function_tool",
		CreatedAt: 1000,
		FunctionToolConfig: api.FunctionToolConfig{
			Name:        "adder",
			Description: "adds two numbers",
			ExecuteCode: "export default (args) => args.a + args.b",
			Sandbox: &api.SandboxConfig{
				Provider: api.SandboxProviderNative,
				Runtime:  api.RuntimeNode,
			},
		},
	}
}

func makeExecution(id, toolID string) *api.Execution {
	return &api.Execution{
		ID:        id,
		Object:    "execution",
		ToolID:    toolID,
		ToolName:  "adder",
		Provider:  api.SandboxProviderNative,
		Status:    api.StatusQueued,
		CreatedAt: 1000,
	}
}

func TestSaveAndGetTool(t *testing.T) {
	s := New(0)
	ctx := context.Background()

	tool := makeTool("ft_test1")
	if err := s.SaveTool(ctx, tool); err != nil {
		t.Fatalf("SaveTool failed: %v", err)
	}

	got, err := s.GetTool(ctx, "ft_test1")
	if err != nil {
		t.Fatalf("GetTool failed: %v", err)
	}

	if got.ID != "ft_test1" {
		t.Errorf("ID = %q, want %q", got.ID, "ft_test1")
	}
	if got.Name != "adder" {
		t.Errorf("Name = %q, want %q", got.Name, "adder")
	}
	if got.Sandbox == nil || got.Sandbox.Provider != api.SandboxProviderNative {
		t.Errorf("Sandbox config not preserved: %+v", got.Sandbox)
	}
}

func TestGetToolNotFound(t *testing.T) {
	s := New(0)
	ctx := context.Background()

	_, err := s.GetTool(ctx, "ft_missing")
	if !errors.Is(err, storage.ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}

func TestToolSoftDelete(t *testing.T) {
	s := New(0)
	ctx := context.Background()

	s.SaveTool(ctx, makeTool("ft_del"))
	s.SaveExecution(ctx, makeExecution("exec_of_del", "ft_del"))

	// Delete.
	if err := s.DeleteTool(ctx, "ft_del"); err != nil {
		t.Fatalf("DeleteTool failed: %v", err)
	}

	// GetTool should return not-found.
	_, err := s.GetTool(ctx, "ft_del")
	if !errors.Is(err, storage.ErrNotFound) {
		t.Errorf("expected ErrNotFound after delete, got %v", err)
	}

	// Second delete should return not-found.
	if err := s.DeleteTool(ctx, "ft_del"); !errors.Is(err, storage.ErrNotFound) {
		t.Errorf("expected ErrNotFound on double delete, got %v", err)
	}

	// Execution records referencing the tool remain readable.
	got, err := s.GetExecution(ctx, "exec_of_del")
	if err != nil {
		t.Fatalf("execution of deleted tool should remain: %v", err)
	}
	if got.ToolID != "ft_del" {
		t.Errorf("execution ToolID = %q, want %q", got.ToolID, "ft_del")
	}
}

func TestDuplicateToolSave(t *testing.T) {
	s := New(0)
	ctx := context.Background()

	tool := makeTool("ft_dup")
	s.SaveTool(ctx, tool)

	err := s.SaveTool(ctx, tool)
	if !errors.Is(err, storage.ErrConflict) {
		t.Errorf("expected ErrConflict for duplicate, got %v", err)
	}
}

func TestSaveAndUpdateExecution(t *testing.T) {
	s := New(0)
	ctx := context.Background()

	exec := makeExecution("exec_upd", "ft_test1")
	if err := s.SaveExecution(ctx, exec); err != nil {
		t.Fatalf("SaveExecution failed: %v", err)
	}

	// Duplicate save conflicts.
	if err := s.SaveExecution(ctx, exec); !errors.Is(err, storage.ErrConflict) {
		t.Errorf("expected ErrConflict for duplicate, got %v", err)
	}

	// Update to terminal status.
	done := makeExecution("exec_upd", "ft_test1")
	done.Status = api.StatusSucceeded
	done.CompletedAt = 2000
	done.Result = &api.ExecutionResult{Success: true, Logs: []string{}}
	if err := s.UpdateExecution(ctx, done); err != nil {
		t.Fatalf("UpdateExecution failed: %v", err)
	}

	got, err := s.GetExecution(ctx, "exec_upd")
	if err != nil {
		t.Fatalf("GetExecution failed: %v", err)
	}
	if got.Status != api.StatusSucceeded {
		t.Errorf("Status = %q, want %q", got.Status, api.StatusSucceeded)
	}
	if got.Result == nil || !got.Result.Success {
		t.Errorf("Result not updated: %+v", got.Result)
	}
}

func TestUpdateExecutionNotFound(t *testing.T) {
	s := New(0)
	ctx := context.Background()

	err := s.UpdateExecution(ctx, makeExecution("exec_missing", "ft_x"))
	if !errors.Is(err, storage.ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}

func TestHealthCheck(t *testing.T) {
	s := New(0)
	if err := s.HealthCheck(context.Background()); err != nil {
		t.Errorf("HealthCheck failed: %v", err)
	}
}

func TestExecutionEviction(t *testing.T) {
	s := New(3) // max 3 execution records
	ctx := context.Background()

	s.SaveExecution(ctx, makeExecution("exec_a", "ft_x"))
	s.SaveExecution(ctx, makeExecution("exec_b", "ft_x"))
	s.SaveExecution(ctx, makeExecution("exec_c", "ft_x"))

	// All three should be accessible.
	for _, id := range []string{"exec_a", "exec_b", "exec_c"} {
		if _, err := s.GetExecution(ctx, id); err != nil {
			t.Fatalf("expected %s to exist, got %v", id, err)
		}
	}

	// Save a 4th: oldest (exec_a) should be evicted.
	s.SaveExecution(ctx, makeExecution("exec_d", "ft_x"))

	if _, err := s.GetExecution(ctx, "exec_a"); !errors.Is(err, storage.ErrNotFound) {
		t.Error("expected exec_a to be evicted")
	}

	// exec_b, exec_c, exec_d should still exist.
	for _, id := range []string{"exec_b", "exec_c", "exec_d"} {
		if _, err := s.GetExecution(ctx, id); err != nil {
			t.Errorf("expected %s to exist after eviction, got %v", id, err)
		}
	}
}

func TestExecutionEviction_Unlimited(t *testing.T) {
	s := New(0) // unlimited
	ctx := context.Background()

	for i := 0; i < 100; i++ {
		s.SaveExecution(ctx, makeExecution("exec_"+string(rune('a'+i)), "ft_x"))
	}

	// All should exist (no eviction).
	s.mu.RLock()
	count := len(s.executions)
	s.mu.RUnlock()

	if count != 100 {
		t.Errorf("expected 100 records, got %d", count)
	}
}

func TestExecutionEvictionDoesNotTouchTools(t *testing.T) {
	s := New(1)
	ctx := context.Background()

	s.SaveTool(ctx, makeTool("ft_keep"))
	s.SaveExecution(ctx, makeExecution("exec_1", "ft_keep"))
	s.SaveExecution(ctx, makeExecution("exec_2", "ft_keep"))

	// Tool survives record eviction.
	if _, err := s.GetTool(ctx, "ft_keep"); err != nil {
		t.Errorf("tool should not be evicted: %v", err)
	}
	if _, err := s.GetExecution(ctx, "exec_1"); !errors.Is(err, storage.ErrNotFound) {
		t.Error("expected exec_1 to be evicted")
	}
}

func TestListTools(t *testing.T) {
	s := New(0)
	ctx := context.Background()

	for i, id := range []string{"ft_a", "ft_b", "ft_c"} {
		tool := makeTool(id)
		tool.CreatedAt = int64(1000 + i)
		s.SaveTool(ctx, tool)
	}
	s.DeleteTool(ctx, "ft_b")

	// Default order is desc (newest first); deleted tools are excluded.
	list, err := s.ListTools(ctx, transport.ListOptions{})
	if err != nil {
		t.Fatalf("ListTools failed: %v", err)
	}
	if len(list.Data) != 2 {
		t.Fatalf("len(Data) = %d, want 2", len(list.Data))
	}
	if list.Data[0].ID != "ft_c" || list.Data[1].ID != "ft_a" {
		t.Errorf("order = [%s %s], want [ft_c ft_a]", list.Data[0].ID, list.Data[1].ID)
	}
	if list.FirstID != "ft_c" || list.LastID != "ft_a" {
		t.Errorf("cursors = %q/%q, want ft_c/ft_a", list.FirstID, list.LastID)
	}
	if list.HasMore {
		t.Error("HasMore should be false")
	}
}

func TestListToolsPagination(t *testing.T) {
	s := New(0)
	ctx := context.Background()

	for i, id := range []string{"ft_a", "ft_b", "ft_c", "ft_d"} {
		tool := makeTool(id)
		tool.CreatedAt = int64(1000 + i)
		s.SaveTool(ctx, tool)
	}

	// Ascending, limit 2: first page.
	opts := transport.ListOptions{Order: "asc", Limit: 2}
	page, err := s.ListTools(ctx, opts)
	if err != nil {
		t.Fatalf("ListTools failed: %v", err)
	}
	if len(page.Data) != 2 || page.Data[0].ID != "ft_a" || page.Data[1].ID != "ft_b" {
		t.Fatalf("first page = %v", toolIDs(page.Data))
	}
	if !page.HasMore {
		t.Error("first page HasMore should be true")
	}

	// Second page via after cursor.
	opts.After = page.LastID
	page, err = s.ListTools(ctx, opts)
	if err != nil {
		t.Fatalf("ListTools page 2 failed: %v", err)
	}
	if len(page.Data) != 2 || page.Data[0].ID != "ft_c" || page.Data[1].ID != "ft_d" {
		t.Fatalf("second page = %v", toolIDs(page.Data))
	}
	if page.HasMore {
		t.Error("second page HasMore should be false")
	}
}

func TestListExecutionsFilterByTool(t *testing.T) {
	s := New(0)
	ctx := context.Background()

	s.SaveExecution(ctx, makeExecution("exec_1", "ft_one"))
	s.SaveExecution(ctx, makeExecution("exec_2", "ft_two"))
	s.SaveExecution(ctx, makeExecution("exec_3", "ft_one"))

	opts := transport.ListOptions{Tool: "ft_one"}
	list, err := s.ListExecutions(ctx, opts)
	if err != nil {
		t.Fatalf("ListExecutions failed: %v", err)
	}
	if len(list.Data) != 2 {
		t.Fatalf("len(Data) = %d, want 2", len(list.Data))
	}
	for _, ex := range list.Data {
		if ex.ToolID != "ft_one" {
			t.Errorf("unexpected tool in filtered list: %s", ex.ToolID)
		}
	}

	// Empty result normalizes to an empty slice, not nil.
	opts.Tool = "ft_none"
	list, err = s.ListExecutions(ctx, opts)
	if err != nil {
		t.Fatalf("ListExecutions failed: %v", err)
	}
	if list.Data == nil || len(list.Data) != 0 {
		t.Errorf("expected empty non-nil Data, got %v", list.Data)
	}
}

func TestTenantIsolation(t *testing.T) {
	s := New(0)

	ctxA := storage.SetTenant(context.Background(), "tenant-a")
	ctxB := storage.SetTenant(context.Background(), "tenant-b")
	ctxNone := context.Background()

	// Save for tenant A.
	s.SaveTool(ctxA, makeTool("ft_a1"))

	// Tenant A can retrieve.
	if _, err := s.GetTool(ctxA, "ft_a1"); err != nil {
		t.Fatalf("tenant A should retrieve own tool: %v", err)
	}

	// Tenant B cannot retrieve.
	if _, err := s.GetTool(ctxB, "ft_a1"); !errors.Is(err, storage.ErrNotFound) {
		t.Error("tenant B should not see tenant A's tool")
	}

	// No tenant (single-tenant mode) can retrieve.
	if _, err := s.GetTool(ctxNone, "ft_a1"); err != nil {
		t.Fatalf("no-tenant context should see all tools: %v", err)
	}

	// Listing is scoped too.
	list, err := s.ListTools(ctxB, transport.ListOptions{})
	if err != nil {
		t.Fatalf("ListTools failed: %v", err)
	}
	if len(list.Data) != 0 {
		t.Errorf("tenant B list should be empty, got %d tools", len(list.Data))
	}
}

func TestTenantIsolation_Delete(t *testing.T) {
	s := New(0)

	ctxA := storage.SetTenant(context.Background(), "tenant-a")
	ctxB := storage.SetTenant(context.Background(), "tenant-b")

	s.SaveTool(ctxA, makeTool("ft_a2"))

	// Tenant B cannot delete tenant A's tool.
	if err := s.DeleteTool(ctxB, "ft_a2"); !errors.Is(err, storage.ErrNotFound) {
		t.Error("tenant B should not delete tenant A's tool")
	}

	// Tenant A can delete.
	if err := s.DeleteTool(ctxA, "ft_a2"); err != nil {
		t.Fatalf("tenant A should delete own tool: %v", err)
	}
}

func TestTenantIsolation_Executions(t *testing.T) {
	s := New(0)

	ctxA := storage.SetTenant(context.Background(), "tenant-a")
	ctxB := storage.SetTenant(context.Background(), "tenant-b")

	s.SaveExecution(ctxA, makeExecution("exec_a1", "ft_a1"))

	if _, err := s.GetExecution(ctxB, "exec_a1"); !errors.Is(err, storage.ErrNotFound) {
		t.Error("tenant B should not see tenant A's execution")
	}
	if err := s.UpdateExecution(ctxB, makeExecution("exec_a1", "ft_a1")); !errors.Is(err, storage.ErrNotFound) {
		t.Error("tenant B should not update tenant A's execution")
	}
}

func toolIDs(tools []*api.FunctionTool) []string {
	ids := make([]string, len(tools))
	for i, tl := range tools {
		ids[i] = tl.ID
	}
	return ids
}
