package qcarchive

// Cursor walks the rows of a search result. It holds the ids only and fetches
// each row from the table on Next; the table must outlive it.
type Cursor struct {
	table  *Table
	oids   []int32
	pos    int
	filter columnFilter
	outSR  *SpatialReference

	oid    int32
	values []Value
	err    error
}

// Query runs Search and returns a cursor over the matching rows, see FetchRow
// for filter and outSR.
func (t *Table) Query(q Query, filter string, outSR *SpatialReference) (*Cursor, error) {
	oids, err := t.Search(q)
	if err != nil {
		return nil, err
	}
	return &Cursor{table: t, oids: oids, filter: parseColumnFilter(filter), outSR: outSR}, nil
}

// Next advances to the next row. It returns false at the end or on error.
func (c *Cursor) Next() bool {
	if c.err != nil || c.pos >= len(c.oids) {
		c.values = nil
		return false
	}
	if err := c.table.usable("Cursor.Next"); err != nil {
		c.err = err
		return false
	}
	c.oid = c.oids[c.pos]
	c.pos++
	c.values, c.err = c.table.project(c.oid, c.filter, c.outSR)
	return c.err == nil
}

// OID is the id of the current row.
func (c *Cursor) OID() int32 { return c.oid }

// Values are the current row values.
func (c *Cursor) Values() []Value { return c.values }

// Len is the total number of rows in the result.
func (c *Cursor) Len() int { return len(c.oids) }

// Err returns the error that stopped iteration, if any.
func (c *Cursor) Err() error { return c.err }
