package database

import (
	"strings"

	"github.com/Masterminds/squirrel"
)

// InsertBuilder extends squirrel's insert with the upsert and RETURNING
// clauses both dialects share.
type InsertBuilder struct {
	dialect   Dialect
	b         squirrel.InsertBuilder
	conflict  string
	returning []string
}

func newInsert(d Dialect, table string) InsertBuilder {
	return InsertBuilder{dialect: d, b: d.Builder().Insert(table)}
}

func (ib InsertBuilder) Columns(cols ...string) InsertBuilder {
	ib.b = ib.b.Columns(cols...)
	return ib
}

func (ib InsertBuilder) Values(vals ...any) InsertBuilder {
	ib.b = ib.b.Values(vals...)
	return ib
}

// SetMap sets columns and values from m, in sorted column order.
func (ib InsertBuilder) SetMap(m map[string]any) InsertBuilder {
	ib.b = ib.b.SetMap(m)
	return ib
}

// OnConflictDoNothing skips rows that violate the unique key over cols.
func (ib InsertBuilder) OnConflictDoNothing(cols ...string) InsertBuilder {
	ib.conflict = "ON CONFLICT (" + strings.Join(cols, ", ") + ") DO NOTHING"
	return ib
}

// OnConflictDoUpdate overwrites update with the incoming values when a row
// with the same cols exists.
func (ib InsertBuilder) OnConflictDoUpdate(cols []string, update ...string) InsertBuilder {
	if len(update) == 0 {
		return ib.OnConflictDoNothing(cols...)
	}
	excluded := "excluded"
	if ib.dialect == DialectPostgres {
		excluded = "EXCLUDED"
	}
	sets := make([]string, len(update))
	for i, c := range update {
		sets[i] = c + " = " + excluded + "." + c
	}
	ib.conflict = "ON CONFLICT (" + strings.Join(cols, ", ") + ") DO UPDATE SET " + strings.Join(sets, ", ")
	return ib
}

func (ib InsertBuilder) Returning(cols ...string) InsertBuilder {
	ib.returning = cols
	return ib
}

func (ib InsertBuilder) ToSql() (string, []any, error) {
	b := ib.b
	if ib.conflict != "" {
		b = b.Suffix(ib.conflict)
	}
	if len(ib.returning) > 0 {
		b = b.Suffix("RETURNING " + strings.Join(ib.returning, ", "))
	}
	return b.ToSql()
}
