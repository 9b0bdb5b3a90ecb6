package transform

// Dataset is a table of string cells. Every row has len(Columns) cells;
// an empty string is a missing value.
type Dataset struct {
	Columns []string
	Rows    [][]string
}

// Empty reports whether the dataset has no rows.
func (d *Dataset) Empty() bool {
	return d == nil || len(d.Rows) == 0
}

// Len returns the number of rows.
func (d *Dataset) Len() int {
	if d == nil {
		return 0
	}
	return len(d.Rows)
}

// Concat stacks datasets by column name. The result holds the union of all
// columns in first-seen order; cells of columns a part does not have stay empty.
func Concat(parts ...*Dataset) *Dataset {
	out := &Dataset{}
	index := make(map[string]int)

	for _, p := range parts {
		if p == nil {
			continue
		}
		for _, c := range p.Columns {
			if _, ok := index[c]; !ok {
				index[c] = len(out.Columns)
				out.Columns = append(out.Columns, c)
			}
		}
	}

	for _, p := range parts {
		if p == nil {
			continue
		}
		positions := make([]int, len(p.Columns))
		for i, c := range p.Columns {
			positions[i] = index[c]
		}
		for _, row := range p.Rows {
			merged := make([]string, len(out.Columns))
			for i, cell := range row {
				if i < len(positions) {
					merged[positions[i]] = cell
				}
			}
			out.Rows = append(out.Rows, merged)
		}
	}

	return out
}
