package database

import (
	"fmt"
	"strings"
)

func (d Dialect) typeName(t ColumnType) string {
	switch d {
	case DialectPostgres:
		switch t {
		case TypeUUID:
			return "UUID"
		case TypeJSON:
			return "JSONB"
		case TypeTimestamp:
			return "TIMESTAMP WITH TIME ZONE"
		case TypeInteger:
			return "INTEGER"
		case TypeBoolean:
			return "BOOLEAN"
		default:
			return "TEXT"
		}
	default:
		switch t {
		case TypeUUID:
			return "CHAR(36)"
		case TypeTimestamp:
			return "TIMESTAMP"
		case TypeInteger:
			return "INTEGER"
		case TypeBoolean:
			return "BOOLEAN"
		default:
			return "TEXT"
		}
	}
}

func createTableSQL(d Dialect, t Table) string {
	var defs []string
	for _, c := range t.Columns {
		def := c.Name + " " + d.typeName(c.Type)
		if !c.Nullable {
			def += " NOT NULL"
		}
		if c.Default != "" {
			def += " DEFAULT " + c.Default
		}
		defs = append(defs, def)
	}
	defs = append(defs, fmt.Sprintf("CONSTRAINT %s PRIMARY KEY (id)", PrimaryKeyName(t.Name)))
	for _, cols := range t.Unique {
		defs = append(defs, fmt.Sprintf("CONSTRAINT %s UNIQUE (%s)",
			UniqueName(t.Name, cols...), strings.Join(cols, ", ")))
	}
	for _, fk := range t.ForeignKeys {
		def := fmt.Sprintf("CONSTRAINT %s FOREIGN KEY (%s) REFERENCES %s (%s)",
			fk.Name(t.Name), strings.Join(fk.Columns, ", "), fk.RefTable, strings.Join(fk.RefColumns, ", "))
		if fk.OnDelete != "" {
			def += " ON DELETE " + fk.OnDelete
		}
		defs = append(defs, def)
	}
	for _, ck := range t.Checks {
		defs = append(defs, fmt.Sprintf("CONSTRAINT %s CHECK (%s)", CheckName(t.Name, ck.Name), ck.Expr))
	}
	return fmt.Sprintf("CREATE TABLE IF NOT EXISTS %s (\n\t%s\n)", t.Name, strings.Join(defs, ",\n\t"))
}

func createIndexSQL(ix Index) string {
	cols := make([]string, len(ix.Columns))
	for i, c := range ix.Columns {
		cols[i] = c.Name
		switch c.Direction {
		case Asc:
			cols[i] += " ASC"
		case Desc:
			cols[i] += " DESC"
		}
	}
	unique := ""
	if ix.Unique {
		unique = "UNIQUE "
	}
	return fmt.Sprintf("CREATE %sINDEX IF NOT EXISTS %s ON %s (%s)", unique, ix.Name(), ix.Table, strings.Join(cols, ", "))
}

func dropTableSQL(d Dialect, t Table) string {
	if d == DialectPostgres {
		return fmt.Sprintf("DROP TABLE IF EXISTS %s CASCADE", t.Name)
	}
	return fmt.Sprintf("DROP TABLE IF EXISTS %s", t.Name)
}
