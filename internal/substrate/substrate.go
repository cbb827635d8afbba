// Copyright (c) 2021 OpenM++
// This code is licensed under the MIT license (see LICENSE.txt for details)

/*
Package substrate opens the embedded relational engine connection the
suppression core runs its planner SQL against, and satisfies the engine
substrate contract: projection, aggregation, window functions, filter,
and scalar UDF registration (§6).

Two drivers are supported, mirroring a typical openM++ model database
connection: an embedded SQLite file for the common case, and ODBC for a
server-hosted source (§6 "connection types").
*/
package substrate

import (
	"database/sql"
	"errors"
	"os"
	"strconv"
	"strings"

	"github.com/mattn/go-sqlite3"

	_ "github.com/alexbrainman/odbc"

	"github.com/greenriver/ostrich-egg/internal/helper"
	"github.com/greenriver/ostrich-egg/internal/log"
)

// Driver names accepted by Open.
const (
	SQLiteDriver      = "SQLite"  // default pseudo name, translated to sqlite3
	Sqlite3DbDriver   = "sqlite3" // go-sqlite3 driver name
	OdbcDbDriver      = "odbc"
	DefaultBusyWaitS  = 86400
)

// udfDriverName is the name under which the redaction-aware sqlite3 driver
// variant is registered with database/sql, distinct from the plain
// "sqlite3" name so a process that opens more than one substrate
// connection never double-registers the driver.
const udfDriverName = "sqlite3_with_redaction_udf"

var udfDriverRegistered bool

// Open connects to the substrate database named by dbConnStr/dbDriver,
// registering should_redact_along_axis as a scalar UDF when the driver is
// sqlite3. The kernel evaluates the decision in Go on scanned rows and
// never calls this UDF, so a non-SQLite substrate works without it.
func Open(dbConnStr, dbDriver string, lg *log.Logger) (*sql.DB, error) {
	facetDriver := dbDriver
	if facetDriver == "" || facetDriver == SQLiteDriver {
		var err error
		dbConnStr, facetDriver, err = prepareSqlite(dbConnStr)
		if err != nil {
			return nil, err
		}
	}

	driverName := facetDriver
	if facetDriver == Sqlite3DbDriver {
		registerUDFDriver()
		driverName = udfDriverName
	}

	if lg != nil {
		lg.LogSQL("connect to " + driverName)
	}

	return sql.Open(driverName, dbConnStr)
}

// registerUDFDriver registers a sqlite3 driver variant whose connections
// carry should_redact_along_axis as a registered scalar function, so a
// substrate-side CASE expression that calls it (an alternative rendering
// of §4.5 to evaluating it in Go against scanned rows) resolves without a
// companion Go round trip per row.
func registerUDFDriver() {
	if udfDriverRegistered {
		return
	}
	udfDriverRegistered = true

	sql.Register(udfDriverName, &sqlite3.SQLiteDriver{
		ConnectHook: func(conn *sqlite3.SQLiteConn) error {
			return conn.RegisterFunc("should_redact_along_axis", redactUDF, true)
		},
	})
}

// redactUDF is the scalar-UDF form of redact.ShouldRedactAlongAxis,
// callable directly from SQL as
// should_redact_along_axis(is_anonymous, run_sum_by_axis, incidence,
// minimum_threshold, masked_value_count, previous_cell_redacted,
// first_order_only, previous_cell_is_anonymous).
func redactUDF(
	isAnonymous bool,
	runSumByAxis, incidence, minimumThreshold float64,
	maskedValueCount int64,
	previousCellRedacted interface{},
	firstOrderOnly bool,
	previousCellIsAnonymous interface{},
) bool {
	if !isAnonymous {
		return true
	}

	prevRedacted, hasPrev := previousCellRedacted.(int64)
	if !hasPrev {
		return false
	}
	if prevRedacted == 0 {
		return false
	}

	remainder := runSumByAxis - incidence
	if remainder >= minimumThreshold {
		if firstOrderOnly {
			prevAnon, ok := previousCellIsAnonymous.(int64)
			return ok && prevAnon == 0 && maskedValueCount < 2
		}
		return maskedValueCount < 2
	}
	return true
}

// prepareSqlite translates an openM++-style connection string (Database=
// path; Timeout=seconds; OpenMode=ReadOnly|ReadWrite|Create;) into a
// go-sqlite3 DSN, mirroring the teacher's db.Open handling of the same
// connection-string grammar.
func prepareSqlite(dbConnStr string) (string, string, error) {
	kv, err := helper.ParseKeyValue(dbConnStr)
	if err != nil {
		return "", "", err
	}

	dbPath := kv["Database"]
	if dbPath == "" {
		return "", "", errors.New("sqlite database file path cannot be empty")
	}

	mode := kv["OpenMode"]
	switch strings.ToLower(mode) {
	case "", "readonly":
		mode = "ro"
	case "readwrite":
		mode = "rw"
	case "create":
		mode = "rwc"
	default:
		return "", "", errors.New("sqlite invalid OpenMode=" + mode)
	}

	if mode == "ro" || mode == "rw" {
		if _, err := os.Stat(dbPath); err != nil {
			return "", "", errors.New("sqlite file not found (or not accessible): " + dbPath)
		}
	}

	timeoutS := kv["Timeout"]
	busyMs := 0
	if timeoutS != "" {
		t, err := strconv.Atoi(timeoutS)
		if err != nil {
			return "", "", err
		}
		busyMs = t * 1000
	}

	if del := kv["DeleteExisting"]; del != "" {
		if isDel, err := strconv.ParseBool(del); err != nil {
			return "", "", err
		} else if isDel {
			_ = os.Remove(dbPath)
		}
	}

	dsn := "file:" + dbPath + "?mode=" + mode
	if busyMs != 0 {
		dsn += "&_busy_timeout=" + strconv.Itoa(busyMs)
	}
	return dsn, Sqlite3DbDriver, nil
}

// MakeSqliteDefault returns a default connection string for an in-memory
// or file-backed database created for one run, analogous to the teacher's
// MakeSqliteDefault helper.
func MakeSqliteDefault(path string) string {
	return "Database=" + path + "; Timeout=" + strconv.Itoa(DefaultBusyWaitS) + "; OpenMode=Create;"
}

// OpenODBC connects to an ODBC DSN directly, bypassing the SQLite
// connection-string translation, for the server-hosted substrate case
// named in §6.
func OpenODBC(dsn string, lg *log.Logger) (*sql.DB, error) {
	if lg != nil {
		lg.LogSQL("connect to odbc: " + dsn)
	}
	return sql.Open(OdbcDbDriver, dsn)
}
