package postgres

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"thingstore/src/store"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// Tables maps registered type ids onto table base names. A thing kind with
// base name "link" lives in thing_link + data_link; a relation kind with base
// name "vote" lives in rel_vote + reldata_vote.
type Tables struct {
	Things map[int]string
	Rels   map[int]string
}

// ThingBackend implements store.Backend over per-kind Postgres tables:
// a narrow fixed-column table for base fields and a key/value jsonb table
// for dynamic props. Batch reads go to the read pool, transactional writes
// and id allocation to the write pool.
type ThingBackend struct {
	readPool  *pgxpool.Pool
	writePool *pgxpool.Pool
	tables    Tables
}

func NewThingBackend(client *ReadWriteClient, tables Tables) *ThingBackend {
	return &ThingBackend{
		readPool:  client.GetReadPool(),
		writePool: client.GetWritePool(),
		tables:    tables,
	}
}

func (b *ThingBackend) thingTable(typeID int) (string, error) {
	name, ok := b.tables.Things[typeID]
	if !ok {
		return "", fmt.Errorf("no table registered for thing type %d", typeID)
	}
	return "thing_" + name, nil
}

func (b *ThingBackend) relTable(typeID int) (string, error) {
	name, ok := b.tables.Rels[typeID]
	if !ok {
		return "", fmt.Errorf("no table registered for relation type %d", typeID)
	}
	return "rel_" + name, nil
}

func (b *ThingBackend) dataTable(typeID int, rel bool) (string, error) {
	if rel {
		name, ok := b.tables.Rels[typeID]
		if !ok {
			return "", fmt.Errorf("no table registered for relation type %d", typeID)
		}
		return "reldata_" + name, nil
	}
	name, ok := b.tables.Things[typeID]
	if !ok {
		return "", fmt.Errorf("no table registered for thing type %d", typeID)
	}
	return "data_" + name, nil
}

// EnsureSchema creates the thing/data/rel tables for every registered kind.
// Meant for dev and test environments; production schemas are migrated
// separately.
func (b *ThingBackend) EnsureSchema(ctx context.Context) error {
	for _, name := range b.tables.Things {
		ddl := fmt.Sprintf(`
			CREATE TABLE IF NOT EXISTS thing_%[1]s (
				id BIGSERIAL PRIMARY KEY,
				ups BIGINT NOT NULL DEFAULT 0,
				downs BIGINT NOT NULL DEFAULT 0,
				date TIMESTAMPTZ NOT NULL DEFAULT NOW(),
				deleted BOOLEAN NOT NULL DEFAULT FALSE,
				spam BOOLEAN NOT NULL DEFAULT FALSE
			);
			CREATE TABLE IF NOT EXISTS data_%[1]s (
				thing_id BIGINT NOT NULL,
				key TEXT NOT NULL,
				value JSONB,
				PRIMARY KEY (thing_id, key)
			);`, name)
		if _, err := b.writePool.Exec(ctx, ddl); err != nil {
			return fmt.Errorf("ensure schema for %s: %w", name, err)
		}
	}
	for _, name := range b.tables.Rels {
		ddl := fmt.Sprintf(`
			CREATE TABLE IF NOT EXISTS rel_%[1]s (
				id BIGSERIAL PRIMARY KEY,
				thing1_id BIGINT NOT NULL,
				thing2_id BIGINT NOT NULL,
				name TEXT NOT NULL,
				date TIMESTAMPTZ NOT NULL DEFAULT NOW(),
				UNIQUE (thing1_id, thing2_id, name)
			);
			CREATE TABLE IF NOT EXISTS reldata_%[1]s (
				rel_id BIGINT NOT NULL,
				key TEXT NOT NULL,
				value JSONB,
				PRIMARY KEY (rel_id, key)
			);`, name)
		if _, err := b.writePool.Exec(ctx, ddl); err != nil {
			return fmt.Errorf("ensure schema for %s: %w", name, err)
		}
	}
	return nil
}

func (b *ThingBackend) CreateThing(ctx context.Context, typeID int, fields store.BaseFields) (int64, error) {
	table, err := b.thingTable(typeID)
	if err != nil {
		return 0, err
	}

	var id int64
	query := fmt.Sprintf(
		`INSERT INTO %s (ups, downs, date, deleted, spam) VALUES ($1, $2, $3, $4, $5) RETURNING id`,
		table)
	err = b.writePool.QueryRow(ctx, query,
		fields.Ups, fields.Downs, fields.Date, fields.Deleted, fields.Spam).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("insert into %s: %w", table, err)
	}
	return id, nil
}

func (b *ThingBackend) CreateRel(ctx context.Context, typeID int, fields store.RelFields) (int64, error) {
	table, err := b.relTable(typeID)
	if err != nil {
		return 0, err
	}

	var id int64
	query := fmt.Sprintf(
		`INSERT INTO %s (thing1_id, thing2_id, name, date) VALUES ($1, $2, $3, $4) RETURNING id`,
		table)
	err = b.writePool.QueryRow(ctx, query,
		fields.Thing1ID, fields.Thing2ID, fields.Name, fields.Date).Scan(&id)
	if err != nil {
		if IsUniqueViolation(err) {
			return 0, fmt.Errorf("duplicate (%d, %d, %s) in %s: %w",
				fields.Thing1ID, fields.Thing2ID, fields.Name, table, store.ErrCreation)
		}
		return 0, fmt.Errorf("insert into %s: %w", table, err)
	}
	return id, nil
}

func (b *ThingBackend) GetThings(ctx context.Context, typeID int, ids []int64) (map[int64]store.BaseFields, error) {
	table, err := b.thingTable(typeID)
	if err != nil {
		return nil, err
	}

	query := fmt.Sprintf(
		`SELECT id, ups, downs, date, deleted, spam FROM %s WHERE id = ANY($1)`, table)
	rows, err := b.readPool.Query(ctx, query, ids)
	if err != nil {
		return nil, fmt.Errorf("select from %s: %w", table, err)
	}
	defer rows.Close()

	result := make(map[int64]store.BaseFields, len(ids))
	for rows.Next() {
		var id int64
		var fields store.BaseFields
		if err := rows.Scan(&id, &fields.Ups, &fields.Downs, &fields.Date, &fields.Deleted, &fields.Spam); err != nil {
			return nil, fmt.Errorf("scan %s row: %w", table, err)
		}
		result[id] = fields
	}
	return result, rows.Err()
}

func (b *ThingBackend) GetRels(ctx context.Context, typeID int, ids []int64) (map[int64]store.RelFields, error) {
	table, err := b.relTable(typeID)
	if err != nil {
		return nil, err
	}

	query := fmt.Sprintf(
		`SELECT id, thing1_id, thing2_id, name, date FROM %s WHERE id = ANY($1)`, table)
	rows, err := b.readPool.Query(ctx, query, ids)
	if err != nil {
		return nil, fmt.Errorf("select from %s: %w", table, err)
	}
	defer rows.Close()

	result := make(map[int64]store.RelFields, len(ids))
	for rows.Next() {
		var id int64
		var fields store.RelFields
		if err := rows.Scan(&id, &fields.Thing1ID, &fields.Thing2ID, &fields.Name, &fields.Date); err != nil {
			return nil, fmt.Errorf("scan %s row: %w", table, err)
		}
		result[id] = fields
	}
	return result, rows.Err()
}

func (b *ThingBackend) GetData(ctx context.Context, typeID int, rel bool, ids []int64) (map[int64]map[string]any, error) {
	table, err := b.dataTable(typeID, rel)
	if err != nil {
		return nil, err
	}

	idCol := "thing_id"
	if rel {
		idCol = "rel_id"
	}
	query := fmt.Sprintf(`SELECT %s, key, value FROM %s WHERE %s = ANY($1)`, idCol, table, idCol)
	rows, err := b.readPool.Query(ctx, query, ids)
	if err != nil {
		return nil, fmt.Errorf("select from %s: %w", table, err)
	}
	defer rows.Close()

	result := make(map[int64]map[string]any, len(ids))
	for rows.Next() {
		var id int64
		var key string
		var raw []byte
		if err := rows.Scan(&id, &key, &raw); err != nil {
			return nil, fmt.Errorf("scan %s row: %w", table, err)
		}
		props, ok := result[id]
		if !ok {
			props = map[string]any{}
			result[id] = props
		}
		props[key] = decodeJSONValue(raw)
	}
	return result, rows.Err()
}

func (b *ThingBackend) IncrThingField(ctx context.Context, typeID int, id int64, field string, amount int64) error {
	table, err := b.thingTable(typeID)
	if err != nil {
		return err
	}
	if field != "ups" && field != "downs" {
		return fmt.Errorf("field %q of %s is not an increment column", field, table)
	}

	query := fmt.Sprintf(`UPDATE %s SET %s = %s + $1 WHERE id = $2`, table, field, field)
	if _, err := b.writePool.Exec(ctx, query, amount, id); err != nil {
		return fmt.Errorf("incr %s.%s: %w", table, field, err)
	}
	return nil
}

func (b *ThingBackend) IncrData(ctx context.Context, typeID int, rel bool, id int64, prop string, amount int64) error {
	table, err := b.dataTable(typeID, rel)
	if err != nil {
		return err
	}

	idCol := "thing_id"
	if rel {
		idCol = "rel_id"
	}
	query := fmt.Sprintf(`
		INSERT INTO %[1]s (%[2]s, key, value) VALUES ($1, $2, to_jsonb($3::numeric))
		ON CONFLICT (%[2]s, key)
		DO UPDATE SET value = to_jsonb(((%[1]s.value #>> '{}')::numeric) + $3)`,
		table, idCol)
	if _, err := b.writePool.Exec(ctx, query, id, prop, amount); err != nil {
		return fmt.Errorf("incr %s.%s: %w", table, prop, err)
	}
	return nil
}

func (b *ThingBackend) FindThings(ctx context.Context, typeID int, filter store.Filter, sorts []store.Sort, limit, offset int) ([]int64, error) {
	table, err := b.thingTable(typeID)
	if err != nil {
		return nil, err
	}
	dataTable, err := b.dataTable(typeID, false)
	if err != nil {
		return nil, err
	}
	return b.find(ctx, table, dataTable, "thing_id", thingColumns, filter, sorts, limit, offset)
}

func (b *ThingBackend) FindRels(ctx context.Context, typeID int, filter store.Filter, sorts []store.Sort, limit, offset int) ([]int64, error) {
	table, err := b.relTable(typeID)
	if err != nil {
		return nil, err
	}
	dataTable, err := b.dataTable(typeID, true)
	if err != nil {
		return nil, err
	}
	return b.find(ctx, table, dataTable, "rel_id", relColumns, filter, sorts, limit, offset)
}

func (b *ThingBackend) DeleteRel(ctx context.Context, typeID int, id int64) error {
	table, err := b.relTable(typeID)
	if err != nil {
		return err
	}
	dataTable, err := b.dataTable(typeID, true)
	if err != nil {
		return err
	}

	tx, err := b.writePool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin delete: %w", err)
	}
	defer tx.Rollback(ctx)

	if _, err := tx.Exec(ctx, fmt.Sprintf(`DELETE FROM %s WHERE rel_id = $1`, dataTable), id); err != nil {
		return fmt.Errorf("delete from %s: %w", dataTable, err)
	}
	if _, err := tx.Exec(ctx, fmt.Sprintf(`DELETE FROM %s WHERE id = $1`, table), id); err != nil {
		return fmt.Errorf("delete from %s: %w", table, err)
	}
	return tx.Commit(ctx)
}

func (b *ThingBackend) Begin(ctx context.Context) (store.Tx, error) {
	tx, err := b.writePool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("begin: %w", err)
	}
	return &backendTx{backend: b, tx: tx}, nil
}

// backendTx brackets the base-field and dynamic-field writes of one commit.
type backendTx struct {
	backend *ThingBackend
	tx      pgx.Tx
}

func (t *backendTx) SetThingFields(ctx context.Context, typeID int, id int64, fields map[string]any) error {
	table, err := t.backend.thingTable(typeID)
	if err != nil {
		return err
	}
	return t.setFields(ctx, table, thingColumns, id, fields)
}

func (t *backendTx) SetRelFields(ctx context.Context, typeID int, id int64, fields map[string]any) error {
	table, err := t.backend.relTable(typeID)
	if err != nil {
		return err
	}
	return t.setFields(ctx, table, relColumns, id, fields)
}

func (t *backendTx) setFields(ctx context.Context, table string, allowed map[string]bool, id int64, fields map[string]any) error {
	sets := make([]string, 0, len(fields))
	args := []any{id}
	for col, v := range fields {
		if !allowed[col] {
			return fmt.Errorf("unknown column %q for %s", col, table)
		}
		args = append(args, v)
		sets = append(sets, fmt.Sprintf("%s = $%d", col, len(args)))
	}
	if len(sets) == 0 {
		return nil
	}

	query := fmt.Sprintf(`UPDATE %s SET %s WHERE id = $1`, table, strings.Join(sets, ", "))
	if _, err := t.tx.Exec(ctx, query, args...); err != nil {
		return fmt.Errorf("update %s: %w", table, err)
	}
	return nil
}

func (t *backendTx) SetData(ctx context.Context, typeID int, rel bool, id int64, create bool, props map[string]any) error {
	table, err := t.backend.dataTable(typeID, rel)
	if err != nil {
		return err
	}
	idCol := "thing_id"
	if rel {
		idCol = "rel_id"
	}

	for key, v := range props {
		raw, err := json.Marshal(v)
		if err != nil {
			return fmt.Errorf("encode prop %q: %w", key, err)
		}
		query := fmt.Sprintf(`
			INSERT INTO %[1]s (%[2]s, key, value) VALUES ($1, $2, $3)
			ON CONFLICT (%[2]s, key) DO UPDATE SET value = excluded.value`,
			table, idCol)
		if _, err := t.tx.Exec(ctx, query, id, key, raw); err != nil {
			return fmt.Errorf("upsert %s.%s: %w", table, key, err)
		}
	}
	return nil
}

func (t *backendTx) Commit(ctx context.Context) error {
	return t.tx.Commit(ctx)
}

func (t *backendTx) Rollback(ctx context.Context) error {
	return t.tx.Rollback(ctx)
}

var thingColumns = map[string]bool{
	"id": true, "ups": true, "downs": true, "date": true, "deleted": true, "spam": true,
}

var relColumns = map[string]bool{
	"id": true, "thing1_id": true, "thing2_id": true, "name": true, "date": true,
}

// find translates a store.Filter + sort spec into one SELECT over the base
// table, joining the data table once per referenced dynamic prop.
func (b *ThingBackend) find(ctx context.Context, table, dataTable, idCol string, baseCols map[string]bool, filter store.Filter, sorts []store.Sort, limit, offset int) ([]int64, error) {
	q := &sqlQuery{
		table:     table,
		dataTable: dataTable,
		idCol:     idCol,
		baseCols:  baseCols,
		joins:     map[string]string{},
	}

	var where []string
	for _, rule := range filter.All {
		where = append(where, q.ruleSQL(rule))
	}
	var ors []string
	for _, ands := range filter.Any {
		parts := make([]string, len(ands))
		for i, rule := range ands {
			parts[i] = q.ruleSQL(rule)
		}
		ors = append(ors, "("+strings.Join(parts, " AND ")+")")
	}
	if len(ors) > 0 {
		where = append(where, "("+strings.Join(ors, " OR ")+")")
	}

	// orderings may register joins too, so render them before the FROM clause
	orderings := make([]string, len(sorts))
	for i, s := range sorts {
		dir := "ASC"
		if s.Desc {
			dir = "DESC"
		}
		orderings[i] = fmt.Sprintf("%s %s NULLS LAST", q.sortExpr(s.Col), dir)
	}

	var sb bytes.Buffer
	fmt.Fprintf(&sb, "SELECT t.id FROM %s t", table)
	for prop, alias := range q.joins {
		fmt.Fprintf(&sb, " LEFT JOIN %s %s ON %s.%s = t.id AND %s.key = %s",
			dataTable, alias, alias, idCol, alias, q.arg(prop))
	}
	if len(where) > 0 {
		fmt.Fprintf(&sb, " WHERE %s", strings.Join(where, " AND "))
	}
	if len(orderings) > 0 {
		fmt.Fprintf(&sb, " ORDER BY %s", strings.Join(orderings, ", "))
	}
	if limit > 0 {
		fmt.Fprintf(&sb, " LIMIT %d", limit)
	}
	if offset > 0 {
		fmt.Fprintf(&sb, " OFFSET %d", offset)
	}

	rows, err := b.readPool.Query(ctx, sb.String(), q.args...)
	if err != nil {
		return nil, fmt.Errorf("query %s: %w", table, err)
	}
	defer rows.Close()

	var ids []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan %s id: %w", table, err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

type sqlQuery struct {
	table     string
	dataTable string
	idCol     string
	baseCols  map[string]bool
	joins     map[string]string
	args      []any
}

func (q *sqlQuery) arg(v any) string {
	q.args = append(q.args, v)
	return fmt.Sprintf("$%d", len(q.args))
}

// colExpr renders a column reference: base columns address the base table,
// dynamic props address a per-prop join of the data table cast by the
// comparison value's type.
func (q *sqlQuery) colExpr(col string, sample any) string {
	if q.baseCols[col] {
		return "t." + col
	}
	alias, ok := q.joins[col]
	if !ok {
		alias = fmt.Sprintf("d%d", len(q.joins))
		q.joins[col] = alias
	}
	switch sample.(type) {
	case int, int32, int64, float32, float64:
		return fmt.Sprintf("((%s.value #>> '{}')::numeric)", alias)
	case bool:
		return fmt.Sprintf("((%s.value #>> '{}')::boolean)", alias)
	case time.Time:
		return fmt.Sprintf("((%s.value #>> '{}')::timestamptz)", alias)
	default:
		return fmt.Sprintf("(%s.value #>> '{}')", alias)
	}
}

// sortExpr renders an ORDER BY term. Dynamic props order by the raw jsonb
// value: jsonb comparison ranks numbers numerically, where the text
// extraction used for predicates would sort them lexicographically.
func (q *sqlQuery) sortExpr(col string) string {
	if q.baseCols[col] {
		return "t." + col
	}
	alias, ok := q.joins[col]
	if !ok {
		alias = fmt.Sprintf("d%d", len(q.joins))
		q.joins[col] = alias
	}
	return alias + ".value"
}

func (q *sqlQuery) ruleSQL(rule store.Rule) string {
	if rule.Op == store.OpIn {
		return fmt.Sprintf("%s = ANY(%s)", q.colExpr(rule.Col, sampleOf(rule.Val)), q.arg(rule.Val))
	}
	return fmt.Sprintf("%s %s %s", q.colExpr(rule.Col, rule.Val), sqlOp(rule.Op), q.arg(rule.Val))
}

func sqlOp(op store.Op) string {
	switch op {
	case store.OpEq:
		return "="
	case store.OpNe:
		return "!="
	case store.OpLt:
		return "<"
	case store.OpLte:
		return "<="
	case store.OpGt:
		return ">"
	case store.OpGte:
		return ">="
	}
	return "="
}

// sampleOf peels one element off a slice so colExpr can infer the cast.
func sampleOf(v any) any {
	switch s := v.(type) {
	case []int64:
		if len(s) > 0 {
			return s[0]
		}
	case []string:
		if len(s) > 0 {
			return s[0]
		}
	case []time.Time:
		if len(s) > 0 {
			return s[0]
		}
	}
	return v
}

// decodeJSONValue turns a jsonb scalar into a prop value, keeping integers
// integral.
func decodeJSONValue(raw []byte) any {
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var v any
	if err := dec.Decode(&v); err != nil {
		return string(raw)
	}
	if n, ok := v.(json.Number); ok {
		if i, err := n.Int64(); err == nil {
			return i
		}
		if f, err := n.Float64(); err == nil {
			return f
		}
	}
	return v
}
