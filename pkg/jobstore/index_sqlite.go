package jobstore

import (
	"database/sql"

	sqlite "modernc.org/sqlite"
)

const driverName = "pipeboard-sqlite"

func init() {
	sql.Register(driverName, &sqlite.Driver{})
}
