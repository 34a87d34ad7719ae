// Copyright 2026 © The Noesis Authors
// SPDX-License-Identifier: Apache-2.0

// Package connectors turns external data sources into registered tool
// capabilities. The SQL connector introspects a database schema and generates
// CRUD tools per table, each carrying the risk tier its blast radius
// deserves: reads are low, writes are high, deletes are critical.
package connectors

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"unicode"

	"github.com/noesis-ai/noesis/pkg/tools"
)

// SQLTable describes one discovered table.
type SQLTable struct {
	Name       string
	Columns    []SQLColumn
	PrimaryKey []string
}

// SQLColumn describes one column.
type SQLColumn struct {
	Name      string
	Type      string
	Nullable  bool
	IsPrimary bool
}

// SQLConnector generates capabilities from a database schema.
type SQLConnector struct {
	db          *sql.DB
	driver      string
	tables      map[string]*SQLTable
	tableFilter map[string]bool
	prefix      string
	readOnly    bool
}

// SQLOption configures the connector.
type SQLOption func(*SQLConnector)

// WithTables limits introspection to the named tables.
func WithTables(names ...string) SQLOption {
	return func(c *SQLConnector) {
		c.tableFilter = make(map[string]bool, len(names))
		for _, name := range names {
			c.tableFilter[name] = true
		}
	}
}

// WithToolPrefix prefixes generated tool names.
func WithToolPrefix(prefix string) SQLOption {
	return func(c *SQLConnector) { c.prefix = prefix }
}

// WithReadOnly generates only list and get tools.
func WithReadOnly() SQLOption {
	return func(c *SQLConnector) { c.readOnly = true }
}

// NewSQLConnector introspects db and prepares tool generation. The driver
// name selects the introspection dialect; "sqlite" is the primary target.
func NewSQLConnector(db *sql.DB, driver string, opts ...SQLOption) (*SQLConnector, error) {
	if db == nil {
		return nil, fmt.Errorf("database connection is nil")
	}
	c := &SQLConnector{
		db:     db,
		driver: driver,
		tables: make(map[string]*SQLTable),
	}
	for _, opt := range opts {
		opt(c)
	}
	if err := c.introspect(context.Background()); err != nil {
		return nil, fmt.Errorf("introspection failed: %w", err)
	}
	return c, nil
}

// Tables returns the discovered tables.
func (c *SQLConnector) Tables() map[string]*SQLTable {
	return c.tables
}

// Register adds the generated capabilities to reg. Write tools are omitted
// for read-only connectors rather than registered and refused at call time,
// so the model never sees a tool it cannot use.
func (c *SQLConnector) Register(reg *tools.Registry) error {
	names := make([]string, 0, len(c.tables))
	for name := range c.tables {
		names = append(names, name)
	}
	sort.Strings(names)

	for _, name := range names {
		table := c.tables[name]
		caps := []tools.Capability{
			c.listCapability(table),
			c.getCapability(table),
		}
		if !c.readOnly {
			caps = append(caps,
				c.createCapability(table),
				c.updateCapability(table),
				c.deleteCapability(table))
		}
		for _, cap := range caps {
			if err := reg.Register(cap); err != nil {
				return err
			}
		}
	}
	return nil
}

func (c *SQLConnector) introspect(ctx context.Context) error {
	switch c.driver {
	case "sqlite", "sqlite3":
		return c.introspectSQLite(ctx)
	case "postgres", "postgresql", "mysql":
		return c.introspectInformationSchema(ctx)
	default:
		return fmt.Errorf("unsupported driver %q", c.driver)
	}
}

func (c *SQLConnector) introspectSQLite(ctx context.Context) error {
	rows, err := c.db.QueryContext(ctx,
		"SELECT name FROM sqlite_master WHERE type='table' AND name NOT LIKE 'sqlite_%'")
	if err != nil {
		return fmt.Errorf("list tables: %w", err)
	}
	defer rows.Close()

	var tableNames []string
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return err
		}
		if c.wantTable(name) {
			tableNames = append(tableNames, name)
		}
	}
	if err := rows.Err(); err != nil {
		return err
	}

	for _, tableName := range tableNames {
		table := &SQLTable{Name: tableName}

		pragmaRows, err := c.db.QueryContext(ctx, fmt.Sprintf("PRAGMA table_info(%s)", c.quoteIdentifier(tableName)))
		if err != nil {
			return fmt.Errorf("table_info %s: %w", tableName, err)
		}
		for pragmaRows.Next() {
			var cid int
			var name, dataType string
			var notNull, pk int
			var dflt sql.NullString
			if err := pragmaRows.Scan(&cid, &name, &dataType, &notNull, &dflt, &pk); err != nil {
				pragmaRows.Close()
				return err
			}
			table.Columns = append(table.Columns, SQLColumn{
				Name:      name,
				Type:      dataType,
				Nullable:  notNull == 0,
				IsPrimary: pk > 0,
			})
			if pk > 0 {
				table.PrimaryKey = append(table.PrimaryKey, name)
			}
		}
		err = pragmaRows.Err()
		pragmaRows.Close()
		if err != nil {
			return err
		}

		c.tables[tableName] = table
	}
	return nil
}

func (c *SQLConnector) introspectInformationSchema(ctx context.Context) error {
	var query string
	switch c.driver {
	case "postgres", "postgresql":
		query = `SELECT table_name, column_name, data_type, is_nullable
			FROM information_schema.columns
			WHERE table_schema = 'public'
			ORDER BY table_name, ordinal_position`
	case "mysql":
		query = `SELECT table_name, column_name, data_type, is_nullable
			FROM information_schema.columns
			WHERE table_schema = DATABASE()
			ORDER BY table_name, ordinal_position`
	}

	rows, err := c.db.QueryContext(ctx, query)
	if err != nil {
		return fmt.Errorf("list columns: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var tableName, columnName, dataType, nullable string
		if err := rows.Scan(&tableName, &columnName, &dataType, &nullable); err != nil {
			return err
		}
		if !c.wantTable(tableName) {
			continue
		}
		table, ok := c.tables[tableName]
		if !ok {
			table = &SQLTable{Name: tableName}
			c.tables[tableName] = table
		}
		table.Columns = append(table.Columns, SQLColumn{
			Name:     columnName,
			Type:     dataType,
			Nullable: strings.EqualFold(nullable, "YES"),
		})
	}
	if err := rows.Err(); err != nil {
		return err
	}
	return c.introspectPrimaryKeys(ctx)
}

func (c *SQLConnector) introspectPrimaryKeys(ctx context.Context) error {
	var query string
	switch c.driver {
	case "postgres", "postgresql":
		query = `SELECT kcu.table_name, kcu.column_name
			FROM information_schema.table_constraints tc
			JOIN information_schema.key_column_usage kcu
				ON tc.constraint_name = kcu.constraint_name
			WHERE tc.constraint_type = 'PRIMARY KEY' AND tc.table_schema = 'public'`
	case "mysql":
		query = `SELECT table_name, column_name
			FROM information_schema.key_column_usage
			WHERE constraint_name = 'PRIMARY' AND table_schema = DATABASE()`
	default:
		return nil
	}

	rows, err := c.db.QueryContext(ctx, query)
	if err != nil {
		return err
	}
	defer rows.Close()

	for rows.Next() {
		var tableName, columnName string
		if err := rows.Scan(&tableName, &columnName); err != nil {
			return err
		}
		table, ok := c.tables[tableName]
		if !ok {
			continue
		}
		table.PrimaryKey = append(table.PrimaryKey, columnName)
		for i := range table.Columns {
			if table.Columns[i].Name == columnName {
				table.Columns[i].IsPrimary = true
			}
		}
	}
	return rows.Err()
}

func (c *SQLConnector) wantTable(name string) bool {
	return c.tableFilter == nil || c.tableFilter[name]
}

func (c *SQLConnector) toolName(op string, table *SQLTable) string {
	name := op + "_" + toSnakeCase(table.Name)
	if c.prefix != "" {
		name = c.prefix + "_" + name
	}
	return name
}

func (c *SQLConnector) listCapability(table *SQLTable) tools.Capability {
	return tools.Capability{
		Name:        c.toolName("list", table),
		Description: fmt.Sprintf("Lists records from the %s table with optional filters.", table.Name),
		Parameters: map[string]interface{}{
			"type": "object",
			"properties": map[string]interface{}{
				"filters": map[string]interface{}{
					"type":        "object",
					"description": "Column equality filters",
				},
				"order_by":   map[string]interface{}{"type": "string"},
				"order_desc": map[string]interface{}{"type": "boolean"},
				"limit":      map[string]interface{}{"type": "number"},
				"offset":     map[string]interface{}{"type": "number"},
			},
		},
		Tier: tools.TierLow,
		Handler: func(ctx context.Context, args map[string]interface{}) (string, error) {
			return c.executeList(ctx, table, args)
		},
	}
}

func (c *SQLConnector) getCapability(table *SQLTable) tools.Capability {
	return tools.Capability{
		Name:        c.toolName("get", table),
		Description: fmt.Sprintf("Fetches one record from the %s table by primary key.", table.Name),
		Parameters:  c.primaryKeySchema(table),
		Tier:        tools.TierLow,
		Handler: func(ctx context.Context, args map[string]interface{}) (string, error) {
			return c.executeGet(ctx, table, args)
		},
	}
}

func (c *SQLConnector) createCapability(table *SQLTable) tools.Capability {
	properties := make(map[string]interface{}, len(table.Columns))
	for _, col := range table.Columns {
		properties[col.Name] = columnSchema(col)
	}
	return tools.Capability{
		Name:        c.toolName("create", table),
		Description: fmt.Sprintf("Inserts a record into the %s table.", table.Name),
		Parameters: map[string]interface{}{
			"type":       "object",
			"properties": properties,
		},
		Tier: tools.TierHigh,
		Handler: func(ctx context.Context, args map[string]interface{}) (string, error) {
			return c.executeCreate(ctx, table, args)
		},
	}
}

func (c *SQLConnector) updateCapability(table *SQLTable) tools.Capability {
	properties := make(map[string]interface{}, len(table.Columns))
	for _, col := range table.Columns {
		properties[col.Name] = columnSchema(col)
	}
	return tools.Capability{
		Name:        c.toolName("update", table),
		Description: fmt.Sprintf("Updates a record in the %s table, addressed by primary key.", table.Name),
		Parameters: map[string]interface{}{
			"type":       "object",
			"properties": properties,
			"required":   stringsToAny(table.PrimaryKey),
		},
		Tier: tools.TierHigh,
		Handler: func(ctx context.Context, args map[string]interface{}) (string, error) {
			return c.executeUpdate(ctx, table, args)
		},
	}
}

func (c *SQLConnector) deleteCapability(table *SQLTable) tools.Capability {
	return tools.Capability{
		Name:        c.toolName("delete", table),
		Description: fmt.Sprintf("Deletes a record from the %s table by primary key.", table.Name),
		Parameters:  c.primaryKeySchema(table),
		Tier:        tools.TierCritical,
		Handler: func(ctx context.Context, args map[string]interface{}) (string, error) {
			return c.executeDelete(ctx, table, args)
		},
	}
}

func (c *SQLConnector) primaryKeySchema(table *SQLTable) map[string]interface{} {
	pkCols := table.PrimaryKey
	if len(pkCols) == 0 {
		pkCols = []string{"id"}
	}
	properties := make(map[string]interface{}, len(pkCols))
	for _, pk := range pkCols {
		properties[pk] = map[string]interface{}{"description": "Primary key column " + pk}
	}
	return map[string]interface{}{
		"type":       "object",
		"properties": properties,
		"required":   stringsToAny(pkCols),
	}
}

func columnSchema(col SQLColumn) map[string]interface{} {
	schema := map[string]interface{}{}
	switch {
	case strings.Contains(strings.ToUpper(col.Type), "INT"):
		schema["type"] = "integer"
	case strings.Contains(strings.ToUpper(col.Type), "REAL"),
		strings.Contains(strings.ToUpper(col.Type), "FLOA"),
		strings.Contains(strings.ToUpper(col.Type), "DOUB"),
		strings.Contains(strings.ToUpper(col.Type), "NUMERIC"),
		strings.Contains(strings.ToUpper(col.Type), "DECIMAL"):
		schema["type"] = "number"
	case strings.Contains(strings.ToUpper(col.Type), "BOOL"):
		schema["type"] = "boolean"
	default:
		schema["type"] = "string"
	}
	return schema
}

func (c *SQLConnector) executeList(ctx context.Context, table *SQLTable, args map[string]interface{}) (string, error) {
	query := fmt.Sprintf("SELECT * FROM %s", c.quoteIdentifier(table.Name))
	var queryArgs []interface{}

	if filters, ok := args["filters"].(map[string]interface{}); ok && len(filters) > 0 {
		cols := make([]string, 0, len(filters))
		for col := range filters {
			if !c.hasColumn(table, col) {
				return "", fmt.Errorf("unknown filter column %q", col)
			}
			cols = append(cols, col)
		}
		sort.Strings(cols)
		conditions := make([]string, 0, len(cols))
		for _, col := range cols {
			conditions = append(conditions, fmt.Sprintf("%s = ?", c.quoteIdentifier(col)))
			queryArgs = append(queryArgs, filters[col])
		}
		query += " WHERE " + strings.Join(conditions, " AND ")
	}

	if orderBy, ok := args["order_by"].(string); ok && orderBy != "" {
		if !c.hasColumn(table, orderBy) {
			return "", fmt.Errorf("unknown order_by column %q", orderBy)
		}
		query += " ORDER BY " + c.quoteIdentifier(orderBy)
		if desc, ok := args["order_desc"].(bool); ok && desc {
			query += " DESC"
		}
	}

	limit := 100
	if l, ok := args["limit"].(float64); ok && l > 0 {
		limit = int(l)
	}
	query += fmt.Sprintf(" LIMIT %d", limit)
	if offset, ok := args["offset"].(float64); ok && offset > 0 {
		query += fmt.Sprintf(" OFFSET %d", int(offset))
	}

	rows, err := c.db.QueryContext(ctx, query, queryArgs...)
	if err != nil {
		return "", fmt.Errorf("query failed: %w", err)
	}
	defer rows.Close()

	results, err := rowsToMaps(rows)
	if err != nil {
		return "", err
	}
	return encodeResult(results)
}

func (c *SQLConnector) executeGet(ctx context.Context, table *SQLTable, args map[string]interface{}) (string, error) {
	conditions, values, err := c.primaryKeyWhere(table, args)
	if err != nil {
		return "", err
	}
	query := fmt.Sprintf("SELECT * FROM %s WHERE %s LIMIT 1",
		c.quoteIdentifier(table.Name), strings.Join(conditions, " AND "))

	rows, err := c.db.QueryContext(ctx, query, values...)
	if err != nil {
		return "", fmt.Errorf("query failed: %w", err)
	}
	defer rows.Close()

	results, err := rowsToMaps(rows)
	if err != nil {
		return "", err
	}
	if len(results) == 0 {
		return "", fmt.Errorf("record not found")
	}
	return encodeResult(results[0])
}

func (c *SQLConnector) executeCreate(ctx context.Context, table *SQLTable, args map[string]interface{}) (string, error) {
	if len(args) == 0 {
		return "", fmt.Errorf("no fields to insert")
	}
	cols := make([]string, 0, len(args))
	for col := range args {
		if !c.hasColumn(table, col) {
			return "", fmt.Errorf("unknown column %q", col)
		}
		cols = append(cols, col)
	}
	sort.Strings(cols)

	columns := make([]string, 0, len(cols))
	placeholders := make([]string, 0, len(cols))
	values := make([]interface{}, 0, len(cols))
	for _, col := range cols {
		columns = append(columns, c.quoteIdentifier(col))
		placeholders = append(placeholders, "?")
		values = append(values, args[col])
	}

	query := fmt.Sprintf("INSERT INTO %s (%s) VALUES (%s)",
		c.quoteIdentifier(table.Name),
		strings.Join(columns, ", "),
		strings.Join(placeholders, ", "))

	result, err := c.db.ExecContext(ctx, query, values...)
	if err != nil {
		return "", fmt.Errorf("insert failed: %w", err)
	}
	lastID, _ := result.LastInsertId()
	affected, _ := result.RowsAffected()
	return encodeResult(map[string]interface{}{
		"last_insert_id": lastID,
		"rows_affected":  affected,
	})
}

func (c *SQLConnector) executeUpdate(ctx context.Context, table *SQLTable, args map[string]interface{}) (string, error) {
	pkSet := make(map[string]bool, len(table.PrimaryKey))
	for _, pk := range table.PrimaryKey {
		pkSet[pk] = true
	}

	cols := make([]string, 0, len(args))
	for col := range args {
		if !c.hasColumn(table, col) {
			return "", fmt.Errorf("unknown column %q", col)
		}
		cols = append(cols, col)
	}
	sort.Strings(cols)

	var setClauses, whereClauses []string
	var setValues, whereValues []interface{}
	for _, col := range cols {
		if pkSet[col] {
			whereClauses = append(whereClauses, fmt.Sprintf("%s = ?", c.quoteIdentifier(col)))
			whereValues = append(whereValues, args[col])
		} else {
			setClauses = append(setClauses, fmt.Sprintf("%s = ?", c.quoteIdentifier(col)))
			setValues = append(setValues, args[col])
		}
	}
	if len(whereClauses) == 0 {
		return "", fmt.Errorf("missing primary key for update")
	}
	if len(setClauses) == 0 {
		return "", fmt.Errorf("no fields to update")
	}

	query := fmt.Sprintf("UPDATE %s SET %s WHERE %s",
		c.quoteIdentifier(table.Name),
		strings.Join(setClauses, ", "),
		strings.Join(whereClauses, " AND "))

	result, err := c.db.ExecContext(ctx, query, append(setValues, whereValues...)...)
	if err != nil {
		return "", fmt.Errorf("update failed: %w", err)
	}
	affected, _ := result.RowsAffected()
	return encodeResult(map[string]interface{}{"rows_affected": affected})
}

func (c *SQLConnector) executeDelete(ctx context.Context, table *SQLTable, args map[string]interface{}) (string, error) {
	conditions, values, err := c.primaryKeyWhere(table, args)
	if err != nil {
		return "", err
	}
	query := fmt.Sprintf("DELETE FROM %s WHERE %s",
		c.quoteIdentifier(table.Name), strings.Join(conditions, " AND "))

	result, err := c.db.ExecContext(ctx, query, values...)
	if err != nil {
		return "", fmt.Errorf("delete failed: %w", err)
	}
	affected, _ := result.RowsAffected()
	return encodeResult(map[string]interface{}{"rows_affected": affected})
}

func (c *SQLConnector) primaryKeyWhere(table *SQLTable, args map[string]interface{}) ([]string, []interface{}, error) {
	pkCols := table.PrimaryKey
	if len(pkCols) == 0 {
		pkCols = []string{"id"}
	}
	conditions := make([]string, 0, len(pkCols))
	values := make([]interface{}, 0, len(pkCols))
	for _, pk := range pkCols {
		val, ok := args[pk]
		if !ok {
			return nil, nil, fmt.Errorf("missing primary key: %s", pk)
		}
		conditions = append(conditions, fmt.Sprintf("%s = ?", c.quoteIdentifier(pk)))
		values = append(values, val)
	}
	return conditions, values, nil
}

func (c *SQLConnector) hasColumn(table *SQLTable, name string) bool {
	for _, col := range table.Columns {
		if col.Name == name {
			return true
		}
	}
	return false
}

func (c *SQLConnector) quoteIdentifier(name string) string {
	if c.driver == "mysql" {
		return "`" + name + "`"
	}
	return `"` + name + `"`
}

func rowsToMaps(rows *sql.Rows) ([]map[string]interface{}, error) {
	columns, err := rows.Columns()
	if err != nil {
		return nil, err
	}

	results := []map[string]interface{}{}
	for rows.Next() {
		values := make([]interface{}, len(columns))
		pointers := make([]interface{}, len(columns))
		for i := range values {
			pointers[i] = &values[i]
		}
		if err := rows.Scan(pointers...); err != nil {
			return nil, err
		}
		row := make(map[string]interface{}, len(columns))
		for i, col := range columns {
			if b, ok := values[i].([]byte); ok {
				row[col] = string(b)
			} else {
				row[col] = values[i]
			}
		}
		results = append(results, row)
	}
	return results, rows.Err()
}

func encodeResult(value interface{}) (string, error) {
	raw, err := json.Marshal(value)
	if err != nil {
		return "", err
	}
	return string(raw), nil
}

func stringsToAny(values []string) []interface{} {
	out := make([]interface{}, len(values))
	for i, v := range values {
		out[i] = v
	}
	return out
}

func toSnakeCase(s string) string {
	var b strings.Builder
	for i, r := range s {
		if unicode.IsUpper(r) {
			if i > 0 {
				b.WriteByte('_')
			}
			b.WriteRune(unicode.ToLower(r))
			continue
		}
		if r == ' ' || r == '-' {
			b.WriteByte('_')
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}
