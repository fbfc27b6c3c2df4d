package store

import "fmt"

// Open creates a Store for the configured driver.
func Open(driver, dsn string) (Store, error) {
	switch driver {
	case "", "sqlite":
		return NewSQLite(dsn)
	case "postgres":
		return NewPostgres(dsn)
	default:
		return nil, fmt.Errorf("unknown storage driver: %q", driver)
	}
}
