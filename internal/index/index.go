// Package index implements the SQL-backed IndexEngine from spec.md §4.7:
// getAll/getOnly/getRange/count*/fullTextSearch against a plain column, a
// pivot table, or a native FTS3 virtual table, depending on how the index
// is physically backed.
package index

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"docengine/internal/backend"
	"docengine/internal/dberr"
	"docengine/internal/fts"
	"docengine/internal/keycodec"
	"docengine/internal/keypath"
	"docengine/internal/schema"
	"docengine/internal/storeapi"
)

type kind int

const (
	kindColumn kind = iota
	kindPivot
	kindFTS3
)

// Engine is the SQL-backed storeapi.Index for one secondary index.
type Engine struct {
	tx     backend.Tx
	caps   backend.Capabilities
	store  schema.StoreSchema
	idx    schema.IndexSchema
	kind   kind
	column string // nsp_i_<name>, when kind == kindColumn
	table  string // pivot or fts table name, otherwise
}

// New builds the Engine for idx on store ss, choosing its physical
// backing the same way internal/executor's DDL builder does
// (schema.IndexUsesSeparateTable / IndexDegradesToColumn).
func New(tx backend.Tx, caps backend.Capabilities, ss schema.StoreSchema, idx schema.IndexSchema) storeapi.Index {
	switch {
	case idx.FullText && caps.SupportsFTS3:
		return &Engine{tx: tx, caps: caps, store: ss, idx: idx, kind: kindFTS3, table: schema.PivotTableName(ss.Name, idx.Name)}
	case schema.IndexUsesSeparateTable(idx, caps.SupportsFTS3):
		return &Engine{tx: tx, caps: caps, store: ss, idx: idx, kind: kindPivot, table: schema.PivotTableName(ss.Name, idx.Name)}
	default:
		return &Engine{tx: tx, caps: caps, store: ss, idx: idx, kind: kindColumn, column: idx.ColumnName()}
	}
}

var _ storeapi.Index = (*Engine)(nil)

func (si *Engine) serializeBound(v any) (string, error) {
	if v == nil {
		return "", nil
	}
	return keycodec.Serialize(v, si.idx.KeyPath.IsCompound())
}

func orderSQL(order storeapi.Order) string {
	if order == storeapi.OrderReverse {
		return " DESC"
	}
	return " ASC"
}

func limitOffsetSQL(limit, offset int) string {
	limit = storeapi.ClampLimit(limit)
	var sb strings.Builder
	if limit > 0 {
		fmt.Fprintf(&sb, " LIMIT %d", limit)
		if offset > 0 {
			fmt.Fprintf(&sb, " OFFSET %d", offset)
		}
	} else if offset > 0 {
		fmt.Fprintf(&sb, " LIMIT -1 OFFSET %d", offset)
	}
	return sb.String()
}

func (si *Engine) GetAll(ctx context.Context, order storeapi.Order, limit, offset int) ([]keypath.Item, error) {
	return si.query(ctx, "", "", false, false, order, limit, offset)
}

func (si *Engine) GetOnly(ctx context.Context, key any, order storeapi.Order, limit, offset int) ([]keypath.Item, error) {
	k, err := si.serializeBound(key)
	if err != nil {
		return nil, err
	}
	return si.query(ctx, k, k, false, false, order, limit, offset)
}

func (si *Engine) GetRange(ctx context.Context, low, high any, loExcl, hiExcl bool, order storeapi.Order, limit, offset int) ([]keypath.Item, error) {
	lo, err := si.serializeBound(low)
	if err != nil {
		return nil, err
	}
	hi, err := si.serializeBound(high)
	if err != nil {
		return nil, err
	}
	return si.query(ctx, lo, hi, loExcl, hiExcl, order, limit, offset)
}

func (si *Engine) query(ctx context.Context, lo, hi string, loExcl, hiExcl bool, order storeapi.Order, limit, offset int) ([]keypath.Item, error) {
	var sqlText string
	switch {
	case si.kind == kindColumn:
		where, args := rangeWhere(si.valueColumnRef(), lo, hi, loExcl, hiExcl)
		sqlText = fmt.Sprintf("SELECT nsp_data FROM %s%s ORDER BY %s%s%s",
			quoteIdent(si.store.Name), where, si.valueColumnRef(), orderSQL(order), limitOffsetSQL(limit, offset))
		rows, err := si.tx.RunQuery(ctx, sqlText, args)
		return scanRows(rows, err)
	case si.idx.IncludeDataInIndex:
		// spec.md §4.7: a pivot carrying its own nsp_data is read directly,
		// with no join back to the store table.
		where, args := rangeWhere("nsp_v", lo, hi, loExcl, hiExcl)
		sqlText = fmt.Sprintf("SELECT nsp_data FROM %s%s ORDER BY nsp_v%s%s",
			quoteIdent(si.table), where, orderSQL(order), limitOffsetSQL(limit, offset))
		rows, err := si.tx.RunQuery(ctx, sqlText, args)
		return scanRows(rows, err)
	default:
		where, args := rangeWhere(si.valueColumnRef(), lo, hi, loExcl, hiExcl)
		sqlText = fmt.Sprintf("SELECT s.nsp_data FROM %s s JOIN %s p ON p.nsp_pk = s.nsp_pk%s ORDER BY p.nsp_v%s%s",
			quoteIdent(si.store.Name), quoteIdent(si.table), where, orderSQL(order), limitOffsetSQL(limit, offset))
		rows, err := si.tx.RunQuery(ctx, sqlText, args)
		return scanRows(rows, err)
	}
}

func scanRows(rows backend.Rows, err error) ([]keypath.Item, error) {
	if err != nil {
		return nil, dberr.Wrap(dberr.Backend, "querying index", err)
	}
	var out []keypath.Item
	if err := scanItems(rows, &out); err != nil {
		return nil, err
	}
	return out, nil
}

func (si *Engine) valueColumnRef() string {
	if si.kind == kindColumn {
		return quoteIdent(si.column)
	}
	return "p.nsp_v"
}

// rangeWhere builds a "WHERE col <op> ? [AND col <op> ?]" fragment. An
// empty lo/hi means unbounded on that side.
func rangeWhere(col, lo, hi string, loExcl, hiExcl bool) (string, []any) {
	var clauses []string
	var args []any
	if lo != "" {
		op := ">="
		if loExcl {
			op = ">"
		}
		clauses = append(clauses, fmt.Sprintf("%s %s ?", col, op))
		args = append(args, lo)
	}
	if hi != "" {
		op := "<="
		if hiExcl {
			op = "<"
		}
		clauses = append(clauses, fmt.Sprintf("%s %s ?", col, op))
		args = append(args, hi)
	}
	if len(clauses) == 0 {
		return "", nil
	}
	return " WHERE " + strings.Join(clauses, " AND "), args
}

func (si *Engine) GetKeysForRange(ctx context.Context, low, high any, loExcl, hiExcl bool) ([]string, error) {
	lo, err := si.serializeBound(low)
	if err != nil {
		return nil, err
	}
	hi, err := si.serializeBound(high)
	if err != nil {
		return nil, err
	}
	var where string
	var args []any
	var sqlText string
	if si.kind == kindColumn {
		where, args = rangeWhere(si.valueColumnRef(), lo, hi, loExcl, hiExcl)
		sqlText = fmt.Sprintf("SELECT DISTINCT %s FROM %s%s ORDER BY %s", si.valueColumnRef(), quoteIdent(si.store.Name), where, si.valueColumnRef())
	} else {
		where, args = rangeWhere("nsp_v", lo, hi, loExcl, hiExcl)
		sqlText = fmt.Sprintf("SELECT DISTINCT nsp_v FROM %s%s ORDER BY nsp_v", quoteIdent(si.table), where)
	}
	rows, err := si.tx.RunQuery(ctx, sqlText, args)
	if err != nil {
		return nil, dberr.Wrap(dberr.Backend, "querying index keys", err)
	}
	defer rows.Close()
	var out []string
	for rows.Next() {
		var k string
		if err := rows.Scan(&k); err != nil {
			return nil, dberr.Wrap(dberr.Backend, "scanning index key", err)
		}
		out = append(out, k)
	}
	return out, rows.Err()
}

func (si *Engine) CountAll(ctx context.Context) (int, error) {
	return si.CountRange(ctx, nil, nil, false, false)
}

func (si *Engine) CountOnly(ctx context.Context, key any) (int, error) {
	return si.CountRange(ctx, key, key, false, false)
}

func (si *Engine) CountRange(ctx context.Context, low, high any, loExcl, hiExcl bool) (int, error) {
	lo, err := si.serializeBound(low)
	if err != nil {
		return 0, err
	}
	hi, err := si.serializeBound(high)
	if err != nil {
		return 0, err
	}
	var where string
	var args []any
	var sqlText string
	if si.kind == kindColumn {
		where, args = rangeWhere(si.valueColumnRef(), lo, hi, loExcl, hiExcl)
		sqlText = fmt.Sprintf("SELECT COUNT(*) FROM %s%s", quoteIdent(si.store.Name), where)
	} else {
		where, args = rangeWhere("nsp_v", lo, hi, loExcl, hiExcl)
		sqlText = fmt.Sprintf("SELECT COUNT(*) FROM %s%s", quoteIdent(si.table), where)
	}
	rows, err := si.tx.RunQuery(ctx, sqlText, args)
	if err != nil {
		return 0, dberr.Wrap(dberr.Backend, "counting index", err)
	}
	defer rows.Close()
	if !rows.Next() {
		return 0, rows.Err()
	}
	var n int
	if err := rows.Scan(&n); err != nil {
		return 0, dberr.Wrap(dberr.Backend, "scanning count", err)
	}
	return n, rows.Err()
}

// FullTextSearch normalizes phrase into terms and combines them per
// resolution: one MATCH over all terms (native FTS3), one LIKE clause per
// term (degraded-column, joined-token fallback), or one IN list over the
// pivot rows (multiEntry pivot).
func (si *Engine) FullTextSearch(ctx context.Context, phrase string, resolution storeapi.Resolution, limit int) ([]keypath.Item, error) {
	terms := fts.BreakAndNormalizeSearchPhrase(phrase)
	if len(terms) == 0 {
		return nil, nil
	}
	limit = storeapi.ClampLimit(limit)

	switch si.kind {
	case kindFTS3:
		return si.fts3Search(ctx, terms, resolution, limit)
	case kindColumn:
		return si.likeSearch(ctx, terms, resolution, limit)
	default:
		return si.pivotWordSearch(ctx, terms, resolution, limit)
	}
}

// fts3Search issues one MATCH against nsp_v, restricted to that column so a
// stored nsp_data copy (when idx.IncludeDataInIndex) never participates in
// the match. Because pivotValues/replacePivotRows write a single row per
// item whose nsp_v is the whole space-joined token list, "term1 term2"
// requires both terms in that one FTS3 document — exactly AND.
func (si *Engine) fts3Search(ctx context.Context, terms []string, resolution storeapi.Resolution, limit int) ([]keypath.Item, error) {
	matchExpr := strings.Join(terms, " OR ")
	if resolution == storeapi.ResolutionAnd {
		matchExpr = strings.Join(terms, " ")
	}
	var sqlText string
	if si.idx.IncludeDataInIndex {
		sqlText = fmt.Sprintf("SELECT DISTINCT nsp_data FROM %s WHERE nsp_v MATCH ?%s",
			quoteIdent(si.table), limitOffsetSQL(limit, 0))
	} else {
		sqlText = fmt.Sprintf("SELECT DISTINCT s.nsp_data FROM %s s JOIN %s p ON p.nsp_pk = s.nsp_pk WHERE p.nsp_v MATCH ?%s",
			quoteIdent(si.store.Name), quoteIdent(si.table), limitOffsetSQL(limit, 0))
	}
	rows, err := si.tx.RunQuery(ctx, sqlText, []any{matchExpr})
	if err != nil {
		return nil, dberr.Wrap(dberr.Backend, "running fts3 match", err)
	}
	var out []keypath.Item
	if err := scanItems(rows, &out); err != nil {
		return nil, err
	}
	return out, nil
}

func (si *Engine) pivotWordSearch(ctx context.Context, terms []string, resolution storeapi.Resolution, limit int) ([]keypath.Item, error) {
	placeholders := make([]string, len(terms))
	args := make([]any, len(terms))
	for i, t := range terms {
		placeholders[i] = "?"
		args[i] = t
	}
	var sqlText string
	if si.idx.IncludeDataInIndex {
		having := fmt.Sprintf("HAVING COUNT(DISTINCT nsp_v) = %d", len(terms))
		if resolution == storeapi.ResolutionOr {
			having = ""
		}
		sqlText = fmt.Sprintf(
			"SELECT nsp_data FROM %s WHERE nsp_v IN (%s) GROUP BY nsp_pk %s%s",
			quoteIdent(si.table), strings.Join(placeholders, ", "), having, limitOffsetSQL(limit, 0))
	} else {
		having := fmt.Sprintf("HAVING COUNT(DISTINCT p.nsp_v) = %d", len(terms))
		if resolution == storeapi.ResolutionOr {
			having = ""
		}
		sqlText = fmt.Sprintf(
			"SELECT s.nsp_data FROM %s s JOIN %s p ON p.nsp_pk = s.nsp_pk WHERE p.nsp_v IN (%s) GROUP BY s.nsp_pk %s%s",
			quoteIdent(si.store.Name), quoteIdent(si.table), strings.Join(placeholders, ", "), having, limitOffsetSQL(limit, 0))
	}
	rows, err := si.tx.RunQuery(ctx, sqlText, args)
	if err != nil {
		return nil, dberr.Wrap(dberr.Backend, "running pivot word search", err)
	}
	var out []keypath.Item
	if err := scanItems(rows, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// likeSearch handles the FTS3-less fallback: the column stores every
// token joined with keycodec.FTSFallbackSeparator and wrapped at both
// ends, so "LIKE '%^$^term^$^%'" exactly matches a whole token.
func (si *Engine) likeSearch(ctx context.Context, terms []string, resolution storeapi.Resolution, limit int) ([]keypath.Item, error) {
	joiner := " OR "
	if resolution == storeapi.ResolutionAnd {
		joiner = " AND "
	}
	clauses := make([]string, len(terms))
	args := make([]any, len(terms))
	for i, t := range terms {
		clauses[i] = fmt.Sprintf("%s LIKE ?", quoteIdent(si.column))
		args[i] = "%" + keycodec.FTSFallbackSeparator + t + keycodec.FTSFallbackSeparator + "%"
	}
	sqlText := fmt.Sprintf("SELECT nsp_data FROM %s WHERE %s%s",
		quoteIdent(si.store.Name), strings.Join(clauses, joiner), limitOffsetSQL(limit, 0))
	rows, err := si.tx.RunQuery(ctx, sqlText, args)
	if err != nil {
		return nil, dberr.Wrap(dberr.Backend, "running like search", err)
	}
	var out []keypath.Item
	if err := scanItems(rows, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// PrimaryKeyEngine is the virtual index over the primary key column
// itself (OpenPrimaryKeyIndex), with no FullTextSearch meaning.
type PrimaryKeyEngine struct {
	tx     backend.Tx
	caps   backend.Capabilities
	schema schema.StoreSchema
}

// NewPrimaryKey builds the primary-key-backed pseudo-index for ss.
func NewPrimaryKey(tx backend.Tx, caps backend.Capabilities, ss schema.StoreSchema) storeapi.Index {
	return &PrimaryKeyEngine{tx: tx, caps: caps, schema: ss}
}

var _ storeapi.Index = (*PrimaryKeyEngine)(nil)

func (p *PrimaryKeyEngine) serialize(v any) (string, error) {
	if v == nil {
		return "", nil
	}
	return keycodec.Serialize(v, p.schema.PrimaryKeyPath.IsCompound())
}

func (p *PrimaryKeyEngine) query(ctx context.Context, lo, hi string, loExcl, hiExcl bool, order storeapi.Order, limit, offset int) ([]keypath.Item, error) {
	where, args := rangeWhere("nsp_pk", lo, hi, loExcl, hiExcl)
	sqlText := fmt.Sprintf("SELECT nsp_data FROM %s%s ORDER BY nsp_pk%s%s",
		quoteIdent(p.schema.Name), where, orderSQL(order), limitOffsetSQL(limit, offset))
	rows, err := p.tx.RunQuery(ctx, sqlText, args)
	if err != nil {
		return nil, dberr.Wrap(dberr.Backend, "querying primary key index", err)
	}
	var out []keypath.Item
	if err := scanItems(rows, &out); err != nil {
		return nil, err
	}
	return out, nil
}

func (p *PrimaryKeyEngine) GetAll(ctx context.Context, order storeapi.Order, limit, offset int) ([]keypath.Item, error) {
	return p.query(ctx, "", "", false, false, order, limit, offset)
}

func (p *PrimaryKeyEngine) GetOnly(ctx context.Context, key any, order storeapi.Order, limit, offset int) ([]keypath.Item, error) {
	k, err := p.serialize(key)
	if err != nil {
		return nil, err
	}
	return p.query(ctx, k, k, false, false, order, limit, offset)
}

func (p *PrimaryKeyEngine) GetRange(ctx context.Context, low, high any, loExcl, hiExcl bool, order storeapi.Order, limit, offset int) ([]keypath.Item, error) {
	lo, err := p.serialize(low)
	if err != nil {
		return nil, err
	}
	hi, err := p.serialize(high)
	if err != nil {
		return nil, err
	}
	return p.query(ctx, lo, hi, loExcl, hiExcl, order, limit, offset)
}

func (p *PrimaryKeyEngine) GetKeysForRange(ctx context.Context, low, high any, loExcl, hiExcl bool) ([]string, error) {
	lo, err := p.serialize(low)
	if err != nil {
		return nil, err
	}
	hi, err := p.serialize(high)
	if err != nil {
		return nil, err
	}
	where, args := rangeWhere("nsp_pk", lo, hi, loExcl, hiExcl)
	sqlText := fmt.Sprintf("SELECT nsp_pk FROM %s%s ORDER BY nsp_pk", quoteIdent(p.schema.Name), where)
	rows, err := p.tx.RunQuery(ctx, sqlText, args)
	if err != nil {
		return nil, dberr.Wrap(dberr.Backend, "querying primary keys", err)
	}
	defer rows.Close()
	var out []string
	for rows.Next() {
		var k string
		if err := rows.Scan(&k); err != nil {
			return nil, dberr.Wrap(dberr.Backend, "scanning primary key", err)
		}
		out = append(out, k)
	}
	return out, rows.Err()
}

func (p *PrimaryKeyEngine) CountAll(ctx context.Context) (int, error) {
	return p.CountRange(ctx, nil, nil, false, false)
}

func (p *PrimaryKeyEngine) CountOnly(ctx context.Context, key any) (int, error) {
	return p.CountRange(ctx, key, key, false, false)
}

func (p *PrimaryKeyEngine) CountRange(ctx context.Context, low, high any, loExcl, hiExcl bool) (int, error) {
	lo, err := p.serialize(low)
	if err != nil {
		return 0, err
	}
	hi, err := p.serialize(high)
	if err != nil {
		return 0, err
	}
	where, args := rangeWhere("nsp_pk", lo, hi, loExcl, hiExcl)
	rows, err := p.tx.RunQuery(ctx, fmt.Sprintf("SELECT COUNT(*) FROM %s%s", quoteIdent(p.schema.Name), where), args)
	if err != nil {
		return 0, dberr.Wrap(dberr.Backend, "counting primary keys", err)
	}
	defer rows.Close()
	if !rows.Next() {
		return 0, rows.Err()
	}
	var n int
	if err := rows.Scan(&n); err != nil {
		return 0, dberr.Wrap(dberr.Backend, "scanning count", err)
	}
	return n, rows.Err()
}

func (p *PrimaryKeyEngine) FullTextSearch(ctx context.Context, phrase string, resolution storeapi.Resolution, limit int) ([]keypath.Item, error) {
	return nil, dberr.New(dberr.BadKey, "full-text search is not supported over the primary key index")
}

func quoteIdent(name string) string {
	return "`" + strings.ReplaceAll(name, "`", "``") + "`"
}

func scanItems(rows backend.Rows, out *[]keypath.Item) error {
	defer rows.Close()
	for rows.Next() {
		var data string
		if err := rows.Scan(&data); err != nil {
			return dberr.Wrap(dberr.Backend, "scanning row", err)
		}
		var item keypath.Item
		if err := json.Unmarshal([]byte(data), &item); err != nil {
			return dberr.Wrap(dberr.Backend, "unmarshaling item", err)
		}
		*out = append(*out, item)
	}
	return rows.Err()
}
