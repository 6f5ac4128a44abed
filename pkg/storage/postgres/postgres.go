// Package postgres provides a PostgreSQL implementation of transport.ToolStore.
// It uses pgx/v5 for connection pooling and JSONB columns for structured
// storage of input schemas, sandbox configs, arguments, and result envelopes.
package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/rhuss/werkstatt/pkg/api"
	"github.com/rhuss/werkstatt/pkg/storage"
	"github.com/rhuss/werkstatt/pkg/transport"
)

// Store is a PostgreSQL-backed ToolStore.
type Store struct {
	pool *pgxpool.Pool
}

// Ensure Store implements transport.ToolStore at compile time.
var _ transport.ToolStore = (*Store)(nil)

// New creates a new PostgreSQL store with the given configuration.
// If MigrateOnStart is true, schema migrations are applied automatically.
func New(ctx context.Context, cfg Config) (*Store, error) {
	cfg.defaults()

	poolCfg, err := pgxpool.ParseConfig(cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("parsing DSN: %w", err)
	}

	poolCfg.MaxConns = cfg.MaxConns
	poolCfg.MinConns = cfg.MinConns
	poolCfg.MaxConnLifetime = cfg.MaxConnLifetime

	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("creating connection pool: %w", err)
	}

	// Verify connectivity.
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("connecting to database: %w", err)
	}

	s := &Store{pool: pool}

	if cfg.MigrateOnStart {
		if err := s.migrate(ctx); err != nil {
			pool.Close()
			return nil, fmt.Errorf("running migrations: %w", err)
		}
	}

	return s, nil
}

// SaveTool persists a registered tool.
func (s *Store) SaveTool(ctx context.Context, tool *api.FunctionTool) error {
	tenantID := storage.GetTenant(ctx)

	sandboxJSON, err := json.Marshal(tool.Sandbox)
	if err != nil {
		return fmt.Errorf("marshaling sandbox config: %w", err)
	}

	var depsJSON []byte
	if tool.Dependencies != nil {
		depsJSON, err = json.Marshal(tool.Dependencies)
		if err != nil {
			return fmt.Errorf("marshaling dependencies: %w", err)
		}
	}

	_, err = s.pool.Exec(ctx, `
		INSERT INTO function_tools (
			id, tenant_id, name, description, input_schema,
			execute_code, dependencies, sandbox, created_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
	`,
		tool.ID, tenantID, nullString(tool.Name), tool.Description,
		nullJSON(tool.InputSchema), tool.ExecuteCode,
		nullJSON(depsJSON), sandboxJSON, tool.CreatedAt,
	)

	if err != nil {
		if isDuplicateKey(err) {
			return storage.ErrConflict
		}
		return fmt.Errorf("inserting tool: %w", err)
	}

	return nil
}

// GetTool retrieves a tool by ID, excluding soft-deleted tools.
func (s *Store) GetTool(ctx context.Context, id string) (*api.FunctionTool, error) {
	tenantID := storage.GetTenant(ctx)

	query := `
		SELECT id, name, description, input_schema, execute_code,
		       dependencies, sandbox, created_at
		FROM function_tools
		WHERE id = $1 AND deleted_at IS NULL
	`
	args := []any{id}

	if tenantID != "" {
		query += " AND tenant_id = $2"
		args = append(args, tenantID)
	}

	tool, err := scanTool(s.pool.QueryRow(ctx, query, args...))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, storage.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("querying tool: %w", err)
	}

	return tool, nil
}

// DeleteTool soft-deletes a tool by setting deleted_at. Execution records
// referencing the tool remain readable.
func (s *Store) DeleteTool(ctx context.Context, id string) error {
	tenantID := storage.GetTenant(ctx)

	query := "UPDATE function_tools SET deleted_at = $1 WHERE id = $2 AND deleted_at IS NULL"
	args := []any{time.Now(), id}

	if tenantID != "" {
		query += " AND tenant_id = $3"
		args = append(args, tenantID)
	}

	result, err := s.pool.Exec(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("deleting tool: %w", err)
	}

	if result.RowsAffected() == 0 {
		return storage.ErrNotFound
	}

	return nil
}

// ListTools returns a paginated list of registered tools filtered by
// tenant, with cursor-based pagination on (created_at, id).
func (s *Store) ListTools(ctx context.Context, opts transport.ListOptions) (*transport.ToolList, error) {
	tenantID := storage.GetTenant(ctx)
	limit := normalizeLimit(opts.Limit)
	asc := opts.Order == "asc"

	query := `
		SELECT id, name, description, input_schema, execute_code,
		       dependencies, sandbox, created_at
		FROM function_tools
		WHERE deleted_at IS NULL
	`
	var args []any
	argIdx := 1

	if tenantID != "" {
		query += fmt.Sprintf(" AND tenant_id = $%d", argIdx)
		args = append(args, tenantID)
		argIdx++
	}

	if cond, cursorArg := cursorCondition("function_tools", opts, asc, argIdx); cond != "" {
		query += cond
		args = append(args, cursorArg)
	}

	query += orderClause(asc) + fmt.Sprintf(" LIMIT %d", limit+1)

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("listing tools: %w", err)
	}
	defer rows.Close()

	tools := []*api.FunctionTool{}
	for rows.Next() {
		tool, err := scanTool(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning tool: %w", err)
		}
		tools = append(tools, tool)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("listing tools: %w", err)
	}

	hasMore := len(tools) > limit
	if hasMore {
		tools = tools[:limit]
	}

	result := &transport.ToolList{
		Object:  "list",
		Data:    tools,
		HasMore: hasMore,
	}
	if len(tools) > 0 {
		result.FirstID = tools[0].ID
		result.LastID = tools[len(tools)-1].ID
	}

	return result, nil
}

// SaveExecution persists a new execution record.
func (s *Store) SaveExecution(ctx context.Context, exec *api.Execution) error {
	tenantID := storage.GetTenant(ctx)

	resultJSON, err := marshalResult(exec.Result)
	if err != nil {
		return err
	}

	_, err = s.pool.Exec(ctx, `
		INSERT INTO executions (
			id, tenant_id, tool_id, tool_name, provider, status,
			arguments, result, fingerprint, created_at, completed_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
	`,
		exec.ID, tenantID, exec.ToolID, nullString(exec.ToolName),
		string(exec.Provider), string(exec.Status),
		nullJSON(exec.Arguments), nullJSON(resultJSON),
		nullString(exec.Fingerprint), exec.CreatedAt, nullInt64(exec.CompletedAt),
	)

	if err != nil {
		if isDuplicateKey(err) {
			return storage.ErrConflict
		}
		return fmt.Errorf("inserting execution: %w", err)
	}

	return nil
}

// UpdateExecution replaces the mutable fields of a stored execution record.
func (s *Store) UpdateExecution(ctx context.Context, exec *api.Execution) error {
	tenantID := storage.GetTenant(ctx)

	resultJSON, err := marshalResult(exec.Result)
	if err != nil {
		return err
	}

	query := `
		UPDATE executions
		SET status = $1, result = $2, fingerprint = $3, completed_at = $4
		WHERE id = $5
	`
	args := []any{
		string(exec.Status), nullJSON(resultJSON),
		nullString(exec.Fingerprint), nullInt64(exec.CompletedAt), exec.ID,
	}

	if tenantID != "" {
		query += " AND tenant_id = $6"
		args = append(args, tenantID)
	}

	result, err := s.pool.Exec(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("updating execution: %w", err)
	}

	if result.RowsAffected() == 0 {
		return storage.ErrNotFound
	}

	return nil
}

// GetExecution retrieves an execution record by ID.
func (s *Store) GetExecution(ctx context.Context, id string) (*api.Execution, error) {
	tenantID := storage.GetTenant(ctx)

	query := `
		SELECT id, tool_id, tool_name, provider, status,
		       arguments, result, fingerprint, created_at, completed_at
		FROM executions
		WHERE id = $1
	`
	args := []any{id}

	if tenantID != "" {
		query += " AND tenant_id = $2"
		args = append(args, tenantID)
	}

	exec, err := scanExecution(s.pool.QueryRow(ctx, query, args...))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, storage.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("querying execution: %w", err)
	}

	return exec, nil
}

// ListExecutions returns a paginated list of execution records filtered by
// tenant and optionally by tool ID, with cursor-based pagination on
// (created_at, id).
func (s *Store) ListExecutions(ctx context.Context, opts transport.ListOptions) (*transport.ExecutionList, error) {
	tenantID := storage.GetTenant(ctx)
	limit := normalizeLimit(opts.Limit)
	asc := opts.Order == "asc"

	query := `
		SELECT id, tool_id, tool_name, provider, status,
		       arguments, result, fingerprint, created_at, completed_at
		FROM executions
		WHERE true
	`
	var args []any
	argIdx := 1

	if tenantID != "" {
		query += fmt.Sprintf(" AND tenant_id = $%d", argIdx)
		args = append(args, tenantID)
		argIdx++
	}

	if opts.Tool != "" {
		query += fmt.Sprintf(" AND tool_id = $%d", argIdx)
		args = append(args, opts.Tool)
		argIdx++
	}

	if cond, cursorArg := cursorCondition("executions", opts, asc, argIdx); cond != "" {
		query += cond
		args = append(args, cursorArg)
	}

	query += orderClause(asc) + fmt.Sprintf(" LIMIT %d", limit+1)

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("listing executions: %w", err)
	}
	defer rows.Close()

	execs := []*api.Execution{}
	for rows.Next() {
		exec, err := scanExecution(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning execution: %w", err)
		}
		execs = append(execs, exec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("listing executions: %w", err)
	}

	hasMore := len(execs) > limit
	if hasMore {
		execs = execs[:limit]
	}

	result := &transport.ExecutionList{
		Object:  "list",
		Data:    execs,
		HasMore: hasMore,
	}
	if len(execs) > 0 {
		result.FirstID = execs[0].ID
		result.LastID = execs[len(execs)-1].ID
	}

	return result, nil
}

// HealthCheck verifies the database connection.
func (s *Store) HealthCheck(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

// Close releases the connection pool.
func (s *Store) Close() error {
	s.pool.Close()
	return nil
}

// scanTool reads one function_tools row. Works for both QueryRow and
// iterated Query results.
func scanTool(row pgx.Row) (*api.FunctionTool, error) {
	var tool api.FunctionTool
	var name *string
	var inputSchema, depsJSON *[]byte
	var sandboxJSON []byte

	err := row.Scan(
		&tool.ID, &name, &tool.Description, &inputSchema,
		&tool.ExecuteCode, &depsJSON, &sandboxJSON, &tool.CreatedAt,
	)
	if err != nil {
		return nil, err
	}

	tool.Object = "function_tool"
	if name != nil {
		tool.Name = *name
	}
	if inputSchema != nil {
		tool.InputSchema = json.RawMessage(*inputSchema)
	}
	if depsJSON != nil {
		if err := json.Unmarshal(*depsJSON, &tool.Dependencies); err != nil {
			return nil, fmt.Errorf("unmarshaling dependencies: %w", err)
		}
	}
	if err := json.Unmarshal(sandboxJSON, &tool.Sandbox); err != nil {
		return nil, fmt.Errorf("unmarshaling sandbox config: %w", err)
	}

	return &tool, nil
}

// scanExecution reads one executions row.
func scanExecution(row pgx.Row) (*api.Execution, error) {
	var exec api.Execution
	var toolName, fingerprint *string
	var provider, status string
	var argsJSON, resultJSON *[]byte
	var completedAt *int64

	err := row.Scan(
		&exec.ID, &exec.ToolID, &toolName, &provider, &status,
		&argsJSON, &resultJSON, &fingerprint, &exec.CreatedAt, &completedAt,
	)
	if err != nil {
		return nil, err
	}

	exec.Object = "execution"
	exec.Provider = api.SandboxProvider(provider)
	exec.Status = api.ExecutionStatus(status)
	if toolName != nil {
		exec.ToolName = *toolName
	}
	if fingerprint != nil {
		exec.Fingerprint = *fingerprint
	}
	if argsJSON != nil {
		exec.Arguments = json.RawMessage(*argsJSON)
	}
	if resultJSON != nil {
		var res api.ExecutionResult
		if err := json.Unmarshal(*resultJSON, &res); err != nil {
			return nil, fmt.Errorf("unmarshaling result: %w", err)
		}
		exec.Result = &res
	}
	if completedAt != nil {
		exec.CompletedAt = *completedAt
	}

	return &exec, nil
}

// marshalResult serializes the result envelope, passing nil through.
func marshalResult(res *api.ExecutionResult) ([]byte, error) {
	if res == nil {
		return nil, nil
	}
	b, err := json.Marshal(res)
	if err != nil {
		return nil, fmt.Errorf("marshaling result: %w", err)
	}
	return b, nil
}

// cursorCondition builds the pagination predicate for after/before cursors.
// The cursor row's sort key is resolved with a subselect so an unknown
// cursor ID yields an empty page rather than an error.
func cursorCondition(table string, opts transport.ListOptions, asc bool, argIdx int) (string, any) {
	cursor := opts.After
	// after moves forward through the sort order, before moves backward.
	forward := true
	if cursor == "" {
		cursor = opts.Before
		forward = false
	}
	if cursor == "" {
		return "", nil
	}

	op := "<"
	if asc == forward {
		op = ">"
	}

	cond := fmt.Sprintf(
		" AND (created_at, id) %s (SELECT created_at, id FROM %s WHERE id = $%d)",
		op, table, argIdx,
	)
	return cond, cursor
}

// orderClause returns the shared ORDER BY clause for list queries.
func orderClause(asc bool) string {
	if asc {
		return " ORDER BY created_at ASC, id ASC"
	}
	return " ORDER BY created_at DESC, id DESC"
}

// normalizeLimit clamps a requested page size to 1..100, defaulting to 20.
func normalizeLimit(limit int) int {
	if limit <= 0 {
		return 20
	}
	if limit > 100 {
		return 100
	}
	return limit
}

// nullString converts an empty string to nil for nullable TEXT columns.
func nullString(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

// nullInt64 converts a zero value to nil for nullable BIGINT columns.
func nullInt64(n int64) *int64 {
	if n == 0 {
		return nil
	}
	return &n
}

// nullJSON converts nil/empty byte slices to nil for nullable JSONB columns.
func nullJSON(b []byte) *[]byte {
	if len(b) == 0 {
		return nil
	}
	return &b
}

// isDuplicateKey checks if the error is a PostgreSQL unique violation (23505).
func isDuplicateKey(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}
