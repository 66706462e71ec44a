package tabular

// InnerJoin matches rows of left and right on the named key column. Rows
// whose key never appears on the other side are dropped silently; the mapping
// side is built to be total over observed ids, so the loss is bounded to keys
// the mapping never saw. Colliding non-key column names are disambiguated
// with the given source suffixes. Empty inputs short-circuit to an empty
// result with the joined header.
func InnerJoin(left, right *Table, key, leftSuffix, rightSuffix string) *Table {
	leftKey := left.ColumnIndex(key)
	rightKey := right.ColumnIndex(key)

	columns := make([]string, 0, len(left.Columns)+len(right.Columns)-1)
	taken := make(map[string]struct{}, len(left.Columns))
	for _, c := range left.Columns {
		name := c
		if c != key && right.ColumnIndex(c) >= 0 {
			name = c + leftSuffix
		}
		columns = append(columns, name)
		taken[name] = struct{}{}
	}
	for i, c := range right.Columns {
		if i == rightKey {
			continue
		}
		name := c
		if _, collides := taken[name]; collides || left.ColumnIndex(c) >= 0 {
			name = c + rightSuffix
		}
		columns = append(columns, name)
	}

	joined := &Table{Columns: columns}
	if leftKey < 0 || rightKey < 0 || left.IsEmpty() || right.IsEmpty() {
		return joined
	}

	byKey := make(map[string][][]string, len(right.Rows))
	for _, row := range right.Rows {
		k := row[rightKey]
		byKey[k] = append(byKey[k], row)
	}

	for _, lrow := range left.Rows {
		matches, ok := byKey[lrow[leftKey]]
		if !ok {
			continue
		}
		for _, rrow := range matches {
			row := make([]string, 0, len(columns))
			row = append(row, lrow...)
			for i, v := range rrow {
				if i == rightKey {
					continue
				}
				row = append(row, v)
			}
			joined.Rows = append(joined.Rows, row)
		}
	}

	return joined
}
