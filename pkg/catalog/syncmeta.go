package catalog

import (
	"database/sql"
	"strconv"
)

// GetSyncMeta reads a sync metadata value. Returns "" when the key is
// absent.
func (c *Catalog) GetSyncMeta(key string) (string, error) {
	var value string
	err := c.db.sdb.QueryRow(
		"SELECT value FROM sync_metadata WHERE key = ?", key).Scan(&value)
	if err == sql.ErrNoRows {
		return "", nil
	}
	if err != nil {
		return "", err
	}
	return value, nil
}

// SetSyncMeta writes a sync metadata value.
func (c *Catalog) SetSyncMeta(key, value string) error {
	return c.db.Transaction(func(tx *sql.Tx) error {
		_, err := tx.Exec(`
			INSERT OR REPLACE INTO sync_metadata (key, value, updated_at)
			VALUES (?, ?, ?)`, key, value, nowString())
		return err
	})
}

// GetSyncMetaInt reads a sync metadata value as an integer, defaulting
// to 0 for absent or unparsable values.
func (c *Catalog) GetSyncMetaInt(key string) (int, error) {
	s, err := c.GetSyncMeta(key)
	if err != nil {
		return 0, err
	}
	if s == "" {
		return 0, nil
	}
	n, err := strconv.Atoi(s)
	if err != nil {
		return 0, nil
	}
	return n, nil
}
