package database

// ColumnType is a dialect-neutral column type; see Dialect.typeName.
type ColumnType int

const (
	TypeUUID ColumnType = iota
	TypeText
	TypeJSON
	TypeTimestamp
	TypeInteger
	TypeBoolean
)

type Column struct {
	Name     string
	Type     ColumnType
	Nullable bool
	// Default is an SQL literal valid in every dialect, e.g. '[]'.
	Default string
}

type ForeignKey struct {
	Columns    []string
	RefTable   string
	RefColumns []string
	OnDelete   string
}

func (fk ForeignKey) Name(table string) string {
	return ForeignKeyName(table, fk.Columns, fk.RefTable)
}

type Check struct {
	Name string
	Expr string
}

// Table is a static entity definition. Every table has the id, created and
// updated columns.
type Table struct {
	Name        string
	Columns     []Column
	Unique      [][]string
	ForeignKeys []ForeignKey
	Checks      []Check
}

// ColumnNames returns every column of t, base columns first.
func (t Table) ColumnNames() []string {
	names := make([]string, len(t.Columns))
	for i, c := range t.Columns {
		names[i] = c.Name
	}
	return names
}

type Direction int

const (
	Unordered Direction = iota
	Asc
	Desc
)

type IndexColumn struct {
	Name      string
	Direction Direction
}

func (c IndexColumn) token() string {
	switch c.Direction {
	case Asc:
		return c.Name + "_asc"
	case Desc:
		return c.Name + "_desc"
	default:
		return c.Name
	}
}

// Index is a derived index, declared apart from the tables it covers.
type Index struct {
	Table   string
	Columns []IndexColumn
	Unique  bool
}

// Name follows the naming convention; explicit sort directions are part of
// the name, e.g. ix_flow_run__end_time_desc.
func (ix Index) Name() string {
	tokens := make([]string, len(ix.Columns))
	for i, c := range ix.Columns {
		tokens[i] = c.token()
	}
	if ix.Unique {
		return UniqueName(ix.Table, tokens...)
	}
	return IndexName(ix.Table, tokens...)
}

// Schema is the full set of tables, in dependency order, and indexes.
type Schema struct {
	Tables  []Table
	Indexes []Index
}

// Table looks up a table definition by name.
func (s *Schema) Table(name string) (Table, bool) {
	for _, t := range s.Tables {
		if t.Name == name {
			return t, true
		}
	}
	return Table{}, false
}

const (
	TableFlow              = "flow"
	TableDeployment        = "deployment"
	TableFlowRun           = "flow_run"
	TableFlowRunState      = "flow_run_state"
	TableTaskRun           = "task_run"
	TableTaskRunState      = "task_run_state"
	TableTaskRunStateCache = "task_run_state_cache"
	TableSavedSearch       = "saved_search"
)

func baseColumns() []Column {
	return []Column{
		{Name: "id", Type: TypeUUID},
		{Name: "created", Type: TypeTimestamp, Default: "CURRENT_TIMESTAMP"},
		{Name: "updated", Type: TypeTimestamp, Default: "CURRENT_TIMESTAMP"},
	}
}

func table(name string, cols ...Column) Table {
	return Table{Name: name, Columns: append(baseColumns(), cols...)}
}

func runColumns() []Column {
	return []Column{
		{Name: "name", Type: TypeText, Default: "''"},
		{Name: "tags", Type: TypeJSON, Default: "'[]'"},
		{Name: "state_id", Type: TypeUUID, Nullable: true},
		{Name: "state_type", Type: TypeText, Nullable: true},
		{Name: "state_name", Type: TypeText, Nullable: true},
		{Name: "run_count", Type: TypeInteger, Default: "0"},
		{Name: "expected_start_time", Type: TypeTimestamp, Nullable: true},
		{Name: "next_scheduled_start_time", Type: TypeTimestamp, Nullable: true},
		{Name: "start_time", Type: TypeTimestamp, Nullable: true},
		{Name: "end_time", Type: TypeTimestamp, Nullable: true},
	}
}

func stateColumns(runFK string) []Column {
	return []Column{
		{Name: runFK, Type: TypeUUID},
		{Name: "type", Type: TypeText},
		{Name: "name", Type: TypeText},
		{Name: "message", Type: TypeText, Nullable: true},
		{Name: "timestamp", Type: TypeTimestamp},
		{Name: "data", Type: TypeJSON, Nullable: true},
	}
}

func cascade(cols []string, ref string) ForeignKey {
	return ForeignKey{Columns: cols, RefTable: ref, RefColumns: []string{"id"}, OnDelete: "CASCADE"}
}

var runCountCheck = Check{Name: "run_count_non_negative", Expr: "run_count >= 0"}

// DefaultSchema returns the store's entities and derived indexes. The run
// tables' state_id has no foreign key: it would make run and state rows
// mutually dependent.
func DefaultSchema() *Schema {
	flow := table(TableFlow,
		Column{Name: "name", Type: TypeText},
		Column{Name: "tags", Type: TypeJSON, Default: "'[]'"},
	)
	flow.Unique = [][]string{{"name"}}

	deployment := table(TableDeployment,
		Column{Name: "name", Type: TypeText},
		Column{Name: "flow_id", Type: TypeUUID},
		Column{Name: "schedule", Type: TypeJSON, Nullable: true},
		Column{Name: "is_schedule_active", Type: TypeBoolean, Default: "TRUE"},
		Column{Name: "parameters", Type: TypeJSON, Default: "'{}'"},
		Column{Name: "tags", Type: TypeJSON, Default: "'[]'"},
	)
	deployment.ForeignKeys = []ForeignKey{cascade([]string{"flow_id"}, TableFlow)}

	flowRun := table(TableFlowRun, append([]Column{
		{Name: "flow_id", Type: TypeUUID},
		{Name: "deployment_id", Type: TypeUUID, Nullable: true},
		{Name: "idempotency_key", Type: TypeText, Nullable: true},
		{Name: "parameters", Type: TypeJSON, Default: "'{}'"},
	}, runColumns()...)...)
	flowRun.ForeignKeys = []ForeignKey{
		cascade([]string{"flow_id"}, TableFlow),
		{Columns: []string{"deployment_id"}, RefTable: TableDeployment, RefColumns: []string{"id"}, OnDelete: "SET NULL"},
	}
	flowRun.Checks = []Check{runCountCheck}

	flowRunState := table(TableFlowRunState, stateColumns("flow_run_id")...)
	flowRunState.ForeignKeys = []ForeignKey{cascade([]string{"flow_run_id"}, TableFlowRun)}

	taskRun := table(TableTaskRun, append([]Column{
		{Name: "flow_run_id", Type: TypeUUID},
		{Name: "task_key", Type: TypeText},
		{Name: "dynamic_key", Type: TypeText, Default: "''"},
		{Name: "cache_key", Type: TypeText, Nullable: true},
	}, runColumns()...)...)
	taskRun.ForeignKeys = []ForeignKey{cascade([]string{"flow_run_id"}, TableFlowRun)}
	taskRun.Checks = []Check{runCountCheck}

	taskRunState := table(TableTaskRunState, stateColumns("task_run_id")...)
	taskRunState.ForeignKeys = []ForeignKey{cascade([]string{"task_run_id"}, TableTaskRun)}

	cache := table(TableTaskRunStateCache,
		Column{Name: "cache_key", Type: TypeText},
		Column{Name: "cache_expiration", Type: TypeTimestamp, Nullable: true},
		Column{Name: "task_run_state_id", Type: TypeUUID},
	)

	savedSearch := table(TableSavedSearch,
		Column{Name: "name", Type: TypeText},
		Column{Name: "filters", Type: TypeJSON, Default: "'[]'"},
	)
	savedSearch.Unique = [][]string{{"name"}}

	return &Schema{
		Tables: []Table{flow, deployment, flowRun, flowRunState, taskRun, taskRunState, cache, savedSearch},
		Indexes: append([]Index{
			{Table: TableFlowRunState, Unique: true, Columns: []IndexColumn{{Name: "flow_run_id"}, {Name: "timestamp", Direction: Desc}}},
			{Table: TableTaskRunState, Unique: true, Columns: []IndexColumn{{Name: "task_run_id"}, {Name: "timestamp", Direction: Desc}}},
			{Table: TableTaskRunStateCache, Columns: []IndexColumn{{Name: "cache_key"}, {Name: "created", Direction: Desc}}},
			{Table: TableFlowRun, Unique: true, Columns: []IndexColumn{{Name: "flow_id"}, {Name: "idempotency_key"}}},
			{Table: TableTaskRun, Unique: true, Columns: []IndexColumn{{Name: "flow_run_id"}, {Name: "task_key"}, {Name: "dynamic_key"}}},
			{Table: TableDeployment, Unique: true, Columns: []IndexColumn{{Name: "flow_id"}, {Name: "name"}}},
		}, append(runIndexes(TableFlowRun), runIndexes(TableTaskRun)...)...),
	}
}

func runIndexes(t string) []Index {
	return []Index{
		{Table: t, Columns: []IndexColumn{{Name: "expected_start_time", Direction: Desc}}},
		{Table: t, Columns: []IndexColumn{{Name: "next_scheduled_start_time", Direction: Asc}}},
		{Table: t, Columns: []IndexColumn{{Name: "end_time", Direction: Desc}}},
		{Table: t, Columns: []IndexColumn{{Name: "start_time"}}},
		{Table: t, Columns: []IndexColumn{{Name: "state_type"}}},
	}
}
