package records

import "fmt"

// Table names a synchronized collection. The string value is the table name
// both locally and on the remote service.
type Table string

const (
	TableBuckets     Table = "buckets"
	TableConnections Table = "connections"
	TableImportRules Table = "import_rules"
	TableTasks       Table = "tasks"
	TableSessions    Table = "sessions"
	TableTimeEntries Table = "time_entries"
)

// dependencyRank orders tables so that a referenced row is always pushed
// before the rows referencing it.
var dependencyRank = map[Table]int{
	TableBuckets:     0,
	TableConnections: 0,
	TableImportRules: 1, // target_bucket_id, connection_id
	TableTasks:       2, // bucket_id, connection_id
	TableSessions:    3, // task_id
	TableTimeEntries: 4, // task_id, session_id
}

// Tables returns every synchronized table in dependency order.
func Tables() []Table {
	return []Table{
		TableBuckets,
		TableConnections,
		TableImportRules,
		TableTasks,
		TableSessions,
		TableTimeEntries,
	}
}

// Rank returns the dependency rank of the table. Unknown tables sort last.
func (t Table) Rank() int {
	if r, ok := dependencyRank[t]; ok {
		return r
	}
	return len(dependencyRank)
}

// Valid reports whether t is a known synchronized table.
func (t Table) Valid() bool {
	_, ok := dependencyRank[t]
	return ok
}

func (t Table) String() string {
	return string(t)
}

// ParseTable converts a table name into a Table.
func ParseTable(name string) (Table, error) {
	t := Table(name)
	if !t.Valid() {
		return "", fmt.Errorf("records: unknown table %q", name)
	}
	return t, nil
}
