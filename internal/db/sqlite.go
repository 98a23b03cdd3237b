package db

import (
	"strings"

	"github.com/glebarez/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/migrator"
	"gorm.io/gorm/schema"
)

// sqliteDialector stores fixed-point columns as TEXT.
//
// SQLite gives decimal(p,s) columns NUMERIC affinity, which coerces values to
// REAL once they exceed 15 significant digits. shopspring decimals bind as
// strings, so TEXT affinity keeps them exact.
type sqliteDialector struct {
	sqlite.Dialector
}

// SQLiteDialector returns the SQLite dialector used by Open.
func SQLiteDialector(dsn string) gorm.Dialector {
	return sqliteDialector{Dialector: sqlite.Dialector{DSN: dsn}}
}

// DataTypeOf maps decimal columns to text and defers everything else.
func (d sqliteDialector) DataTypeOf(field *schema.Field) string {
	if isDecimalType(string(field.DataType)) {
		return "text"
	}
	return d.Dialector.DataTypeOf(field)
}

// Migrator binds the migrator to the wrapping dialector so column types go through DataTypeOf above.
func (d sqliteDialector) Migrator(conn *gorm.DB) gorm.Migrator {
	return sqlite.Migrator{Migrator: migrator.Migrator{Config: migrator.Config{
		DB:                          conn,
		Dialector:                   d,
		CreateIndexAfterCreateTable: true,
	}}}
}

func isDecimalType(dataType string) bool {
	lower := strings.ToLower(strings.TrimSpace(dataType))
	return strings.HasPrefix(lower, "decimal") || strings.HasPrefix(lower, "numeric")
}
