package tablet

// ColumnType of a schema column. Values are opaque to the tablet; the type
// only matters to the dialect decoding the operation batch.
type ColumnType byte

const (
	TypeBinary ColumnType = iota
	TypeInt64
	TypeDocument
)

type Column struct {
	Name string
	Type ColumnType
}

// Schema describes the rows a tablet stores. The version is checked on every
// prepared write so requests built against a stale schema are rejected.
type Schema struct {
	Version uint32
	Columns []Column
}

func (s *Schema) Clone() *Schema {
	c := &Schema{Version: s.Version, Columns: make([]Column, len(s.Columns))}
	copy(c.Columns, s.Columns)
	return c
}

// Projection names the columns a read returns. An empty projection returns
// everything.
type Projection struct {
	Columns []string
}
