package registry

import (
	"fmt"

	sq "github.com/Masterminds/squirrel"
)

// buildWhere translates a QueryOptions' filters into squirrel
// predicates against query, mapping a closed field vocabulary onto SQL
// columns rather than accepting arbitrary column names from the
// caller.
func buildWhere(query sq.SelectBuilder, filters []Filter, columns map[string]string) (sq.SelectBuilder, error) {
	for _, f := range filters {
		col, ok := columns[f.Field]
		if !ok {
			return query, fmt.Errorf("registry: unknown filter field %q", f.Field)
		}
		switch f.Op {
		case OpEqual:
			query = query.Where(sq.Eq{col: f.Value})
		case OpNotEqual:
			query = query.Where(sq.NotEq{col: f.Value})
		case OpGreater:
			query = query.Where(sq.Gt{col: f.Value})
		case OpLess:
			query = query.Where(sq.Lt{col: f.Value})
		case OpContains:
			s, ok := f.Value.(string)
			if !ok {
				return query, fmt.Errorf("registry: contains filter on %q requires a string value", f.Field)
			}
			query = query.Where(col+" LIKE ?", "%"+s+"%")
		case OpIn:
			values, ok := f.Value.([]interface{})
			if !ok {
				return query, fmt.Errorf("registry: in filter on %q requires a []interface{} value", f.Field)
			}
			// Empty set is "no constraint" — squirrel's Eq on an
			// empty slice emits "(1=0)", which would match nothing.
			if len(values) == 0 {
				continue
			}
			query = query.Where(sq.Eq{col: values})
		default:
			return query, fmt.Errorf("registry: unknown filter operator %q", f.Op)
		}
	}
	return query, nil
}

// applySortAndPage adds ORDER BY / OFFSET / LIMIT, or a cursor
// predicate in place of OFFSET when Pagination.Cursor is set. table is
// the FROM-clause source (including any backend-specific modifier,
// e.g. clickhouse's "FINAL") that cursor resolution re-queries against.
//
// Cursor.After is an entity id, not a sort-key value, and the entity
// id is appended as an internal tiebreaker to whatever sort_by the
// caller requested, so that paging is deterministic even when sort_by
// alone doesn't uniquely order the rows. The ORDER BY therefore always carries the id column as
// its final key, and the cursor predicate is a lexicographic
// (sort_col, id) comparison against the anchor row looked up by id.
func applySortAndPage(query sq.SelectBuilder, q QueryOptions, columns map[string]string, table string) (sq.SelectBuilder, error) {
	idCol, ok := columns["id"]
	if !ok {
		return query, fmt.Errorf("registry: entity has no id column")
	}

	sortCol := idCol
	if q.SortBy != "" {
		col, ok := columns[q.SortBy]
		if !ok {
			return query, fmt.Errorf("registry: unknown sort field %q", q.SortBy)
		}
		sortCol = col
	}

	dir := "ASC"
	if q.SortOrder == SortDescending {
		dir = "DESC"
	}
	if sortCol == idCol {
		query = query.OrderBy(fmt.Sprintf("%s %s", idCol, dir))
	} else {
		query = query.OrderBy(fmt.Sprintf("%s %s", sortCol, dir), fmt.Sprintf("%s %s", idCol, dir))
	}

	if q.Pagination.Cursor != nil && q.Pagination.Cursor.After != nil {
		after := *q.Pagination.Cursor.After
		cmp := ">"
		if q.SortOrder == SortDescending {
			cmp = "<"
		}
		anchor := fmt.Sprintf("(SELECT %s FROM %s WHERE %s = ?)", sortCol, table, idCol)
		if sortCol == idCol {
			query = query.Where(fmt.Sprintf("%s %s ?", idCol, cmp), after)
		} else {
			query = query.Where(sq.Or{
				sq.Expr(fmt.Sprintf("%s %s %s", sortCol, cmp, anchor), after),
				sq.And{
					sq.Expr(fmt.Sprintf("%s = %s", sortCol, anchor), after),
					sq.Expr(fmt.Sprintf("%s %s ?", idCol, cmp), after),
				},
			})
		}
	}

	switch {
	case q.Pagination.Offset != nil:
		if q.Pagination.Offset.Limit > 0 {
			query = query.Limit(uint64(q.Pagination.Offset.Limit))
		}
		if q.Pagination.Offset.Offset > 0 {
			query = query.Offset(uint64(q.Pagination.Offset.Offset))
		}
	case q.Pagination.Cursor != nil:
		if q.Pagination.Cursor.Limit > 0 {
			query = query.Limit(uint64(q.Pagination.Cursor.Limit))
		}
	}
	return query, nil
}
