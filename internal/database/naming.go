package database

import "strings"

// Constraint and index names. The table name is separated from the rest by
// two underscores so that e.g. flow_run.state_type and flow_run_state.type
// stay distinguishable.

func IndexName(table string, columns ...string) string {
	return "ix_" + table + "__" + strings.Join(columns, "_")
}

func UniqueName(table string, columns ...string) string {
	return "uq_" + table + "__" + strings.Join(columns, "_")
}

func CheckName(table, constraint string) string {
	return "ck_" + table + "__" + constraint
}

func ForeignKeyName(table string, columns []string, refTable string) string {
	return "fk_" + table + "__" + strings.Join(columns, "_") + "__" + refTable
}

func PrimaryKeyName(table string) string {
	return "pk_" + table
}
