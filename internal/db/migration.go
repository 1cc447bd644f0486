package db

import "database/sql"

// Migration is one schema step. Steps are applied in order, once, each in its own transaction.
type Migration struct {
	Name string
	Func func(*sql.Tx) error
}

func (m *Migration) String() string {
	return m.Name
}
