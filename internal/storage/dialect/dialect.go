// Package dialect hides the SQL differences between the supported databases.
package dialect

import (
	"fmt"
	"strconv"
	"strings"
)

// Dialect represents a SQL database dialect.
type Dialect interface {
	// Name returns the dialect name: sqlite, postgres or mysql.
	Name() string

	// DriverName returns the database/sql driver to open.
	DriverName() string

	// Rebind converts ? placeholders to the dialect's format.
	Rebind(query string) string

	// KeyType is the column type for indexed string keys.
	KeyType() string

	// TextType is the column type for large text payloads.
	TextType() string

	// BooleanType returns the SQL type for boolean values.
	BooleanType() string

	// TimestampType returns the SQL type for timestamps.
	TimestampType() string

	// UpsertClause returns the ON CONFLICT / ON DUPLICATE KEY tail of an insert.
	UpsertClause(conflictColumn string, updateColumns []string) string

	// PragmaStatements are run once after opening the database.
	PragmaStatements() []string
}

// DialectType represents supported database types
type DialectType string

const (
	SQLite   DialectType = "sqlite"
	Postgres DialectType = "postgres"
	MySQL    DialectType = "mysql"
)

type upsertStyle int

const (
	onConflictExcluded upsertStyle = iota
	onDuplicateKey
)

type sqlDialect struct {
	name        DialectType
	driver      string
	numbered    bool
	keyType     string
	textType    string
	boolType    string
	timeType    string
	upsert      upsertStyle
	initPragmas []string
}

var dialects = map[DialectType]*sqlDialect{
	SQLite: {
		name:     SQLite,
		driver:   "sqlite",
		keyType:  "TEXT",
		textType: "TEXT",
		boolType: "INTEGER",
		timeType: "TIMESTAMP",
		upsert:   onConflictExcluded,
		initPragmas: []string{
			"PRAGMA journal_mode=WAL",
			"PRAGMA synchronous=NORMAL",
			"PRAGMA foreign_keys=ON",
			"PRAGMA busy_timeout=5000",
		},
	},
	Postgres: {
		name:     Postgres,
		driver:   "postgres",
		numbered: true,
		keyType:  "TEXT",
		textType: "TEXT",
		boolType: "BOOLEAN",
		timeType: "TIMESTAMP WITH TIME ZONE",
		upsert:   onConflictExcluded,
	},
	MySQL: {
		name:     MySQL,
		driver:   "mysql",
		keyType:  "VARCHAR(191)",
		textType: "LONGTEXT",
		boolType: "TINYINT(1)",
		timeType: "DATETIME(6)",
		upsert:   onDuplicateKey,
	},
}

// New creates a new Dialect based on the dialect type
func New(dialectType DialectType) (Dialect, error) {
	d, ok := dialects[dialectType]
	if !ok {
		return nil, fmt.Errorf("unsupported dialect: %s", dialectType)
	}
	return d, nil
}

// FromDriverName returns the dialect for a configured driver name.
func FromDriverName(driverName string) (Dialect, error) {
	switch strings.ToLower(driverName) {
	case "sqlite", "sqlite3":
		return dialects[SQLite], nil
	case "postgres", "postgresql", "pq":
		return dialects[Postgres], nil
	case "mysql":
		return dialects[MySQL], nil
	default:
		return nil, fmt.Errorf("unsupported driver: %s", driverName)
	}
}

func (d *sqlDialect) Name() string          { return string(d.name) }
func (d *sqlDialect) DriverName() string    { return d.driver }
func (d *sqlDialect) KeyType() string       { return d.keyType }
func (d *sqlDialect) TextType() string      { return d.textType }
func (d *sqlDialect) BooleanType() string   { return d.boolType }
func (d *sqlDialect) TimestampType() string { return d.timeType }

func (d *sqlDialect) PragmaStatements() []string {
	return d.initPragmas
}

// Rebind converts ? placeholders to $1, $2, ... for dialects that number them.
func (d *sqlDialect) Rebind(query string) string {
	if !d.numbered {
		return query
	}
	var b strings.Builder
	idx := 1
	for _, ch := range query {
		if ch == '?' {
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(idx))
			idx++
			continue
		}
		b.WriteRune(ch)
	}
	return b.String()
}

func (d *sqlDialect) UpsertClause(conflictColumn string, updateColumns []string) string {
	updates := make([]string, len(updateColumns))
	switch d.upsert {
	case onDuplicateKey:
		if len(updateColumns) == 0 {
			return fmt.Sprintf("ON DUPLICATE KEY UPDATE %s = %s", conflictColumn, conflictColumn)
		}
		for i, col := range updateColumns {
			updates[i] = fmt.Sprintf("%s = VALUES(%s)", col, col)
		}
		return "ON DUPLICATE KEY UPDATE " + strings.Join(updates, ", ")
	default:
		if len(updateColumns) == 0 {
			return fmt.Sprintf("ON CONFLICT (%s) DO NOTHING", conflictColumn)
		}
		for i, col := range updateColumns {
			updates[i] = fmt.Sprintf("%s = excluded.%s", col, col)
		}
		return fmt.Sprintf("ON CONFLICT (%s) DO UPDATE SET %s", conflictColumn, strings.Join(updates, ", "))
	}
}
