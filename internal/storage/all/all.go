// Package all registers every storage backend with the storage registry.
package all

import (
	_ "recordstore/internal/storage/mssql"
	_ "recordstore/internal/storage/postgres"
	_ "recordstore/internal/storage/sqlite"
)
