package migration

import (
	"embed"
	"fmt"
)

//go:embed mysql_schema.sql sqlite_schema.sql
var schemas embed.FS

// Schema returns the bundled schema for the given database driver.
func Schema(driver string) (string, error) {
	data, err := schemas.ReadFile(driver + "_schema.sql")
	if err != nil {
		return "", fmt.Errorf("no bundled schema for driver %q: %w", driver, err)
	}
	return string(data), nil
}
