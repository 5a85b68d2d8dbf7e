package registry

import (
	"fmt"
	"sort"
	"strings"
	"time"
)

// fieldAccessor resolves a named field on T to a comparable Go value.
// The in-memory backend is the only one that needs this indirection;
// the sqlite and clickhouse backends translate QueryOptions directly
// into SQL.
type fieldAccessor[T any] func(item T, field string) (interface{}, bool)

// applyQuery filters, sorts, and paginates items uniformly, matching
// the contract every backend must satisfy identically.
//
// Sorting always appends the entity id as a final tiebreaker after
// SortBy, and cursor pagination resolves its boundary by entity id
// rather than by the sort value itself, matching the sqlite and
// clickhouse backends' behavior.
func applyQuery[T any](items []T, q QueryOptions, get fieldAccessor[T]) ([]T, error) {
	filtered := make([]T, 0, len(items))
	for _, item := range items {
		ok, err := matchesAll(item, q.Filters, get)
		if err != nil {
			return nil, err
		}
		if ok {
			filtered = append(filtered, item)
		}
	}

	var sortErr error
	sort.SliceStable(filtered, func(i, j int) bool {
		if q.SortBy != "" && q.SortBy != "id" {
			vi, _ := get(filtered[i], q.SortBy)
			vj, _ := get(filtered[j], q.SortBy)
			cmp, err := compareValues(vi, vj)
			if err != nil {
				sortErr = err
				return false
			}
			if cmp != 0 {
				if q.SortOrder == SortDescending {
					return cmp > 0
				}
				return cmp < 0
			}
		}
		idI, _ := get(filtered[i], "id")
		idJ, _ := get(filtered[j], "id")
		cmp, err := compareValues(idI, idJ)
		if err != nil {
			sortErr = err
			return false
		}
		if q.SortOrder == SortDescending {
			return cmp > 0
		}
		return cmp < 0
	})
	if sortErr != nil {
		return nil, sortErr
	}

	return paginate(filtered, q.Pagination, get), nil
}

func matchesAll[T any](item T, filters []Filter, get fieldAccessor[T]) (bool, error) {
	for _, f := range filters {
		val, ok := get(item, f.Field)
		if !ok {
			return false, fmt.Errorf("registry: unknown filter field %q", f.Field)
		}
		match, err := matchesOne(val, f)
		if err != nil {
			return false, err
		}
		if !match {
			return false, nil
		}
	}
	return true, nil
}

func matchesOne(val interface{}, f Filter) (bool, error) {
	switch f.Op {
	case OpEqual:
		cmp, err := compareValues(val, f.Value)
		return err == nil && cmp == 0, err
	case OpNotEqual:
		cmp, err := compareValues(val, f.Value)
		return err == nil && cmp != 0, err
	case OpGreater:
		cmp, err := compareValues(val, f.Value)
		return err == nil && cmp > 0, err
	case OpLess:
		cmp, err := compareValues(val, f.Value)
		return err == nil && cmp < 0, err
	case OpContains:
		s, ok1 := val.(string)
		sub, ok2 := f.Value.(string)
		if !ok1 || !ok2 {
			return false, fmt.Errorf("registry: contains filter requires string field and value")
		}
		return strings.Contains(s, sub), nil
	case OpIn:
		values, ok := f.Value.([]interface{})
		if !ok {
			return false, fmt.Errorf("registry: in filter requires a []interface{} value")
		}
		// Empty set is "no constraint", matching buildWhere's
		// treatment of the same case for the SQL-backed registries.
		if len(values) == 0 {
			return true, nil
		}
		for _, candidate := range values {
			if cmp, err := compareValues(val, candidate); err == nil && cmp == 0 {
				return true, nil
			}
		}
		return false, nil
	default:
		return false, fmt.Errorf("registry: unknown filter operator %q", f.Op)
	}
}

// compareValues orders two field values, returning -1/0/1. It supports
// the concrete types every entity in this module actually uses.
func compareValues(a, b interface{}) (int, error) {
	switch av := a.(type) {
	case string:
		bv, ok := b.(string)
		if !ok {
			return 0, fmt.Errorf("registry: cannot compare string with %T", b)
		}
		return strings.Compare(av, bv), nil
	case int:
		bv, ok := b.(int)
		if !ok {
			return 0, fmt.Errorf("registry: cannot compare int with %T", b)
		}
		return cmpOrdered(av, bv), nil
	case int64:
		bv, ok := b.(int64)
		if !ok {
			return 0, fmt.Errorf("registry: cannot compare int64 with %T", b)
		}
		return cmpOrdered(av, bv), nil
	case uint64:
		bv, ok := b.(uint64)
		if !ok {
			return 0, fmt.Errorf("registry: cannot compare uint64 with %T", b)
		}
		return cmpOrdered(av, bv), nil
	case float64:
		bv, ok := b.(float64)
		if !ok {
			return 0, fmt.Errorf("registry: cannot compare float64 with %T", b)
		}
		return cmpOrdered(av, bv), nil
	case time.Time:
		bv, ok := b.(time.Time)
		if !ok {
			return 0, fmt.Errorf("registry: cannot compare time.Time with %T", b)
		}
		switch {
		case av.Before(bv):
			return -1, nil
		case av.After(bv):
			return 1, nil
		default:
			return 0, nil
		}
	default:
		return 0, fmt.Errorf("registry: unsupported comparable type %T", a)
	}
}

func cmpOrdered[T int | int64 | uint64 | float64](a, b T) int {
	switch {
	case a < b:
		return -1
	case a > b:
		return 1
	default:
		return 0
	}
}

func paginate[T any](items []T, p Pagination, get fieldAccessor[T]) []T {
	switch {
	case p.Offset != nil:
		off := p.Offset.Offset
		if off > len(items) {
			return []T{}
		}
		end := len(items)
		if p.Offset.Limit > 0 && off+p.Offset.Limit < end {
			end = off + p.Offset.Limit
		}
		return items[off:end]
	case p.Cursor != nil:
		start := 0
		if p.Cursor.After != nil {
			for i, item := range items {
				id, ok := get(item, "id")
				if !ok {
					continue
				}
				if idStr, ok := id.(string); ok && idStr == *p.Cursor.After {
					start = i + 1
					break
				}
			}
		}
		if start > len(items) {
			return []T{}
		}
		end := len(items)
		if p.Cursor.Limit > 0 && start+p.Cursor.Limit < end {
			end = start + p.Cursor.Limit
		}
		return items[start:end]
	default:
		return items
	}
}
