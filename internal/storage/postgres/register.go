package postgres

import "recordstore/internal/storage"

func init() {
	// registers the gateway factory
	storage.Register("postgres", New)
}
