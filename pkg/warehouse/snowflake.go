package warehouse

import (
	"context"
	"database/sql"
	"fmt"

	sf "github.com/snowflakedb/gosnowflake"
)

// SnowflakeConfig holds Snowflake connection details.
type SnowflakeConfig struct {
	Account   string
	User      string
	Password  string
	Database  string
	Schema    string
	Warehouse string
	Role      string
}

// String returns the connection details without the password.
func (c SnowflakeConfig) String() string {
	return fmt.Sprintf("%v:%v@%v/%v?schema=%v&warehouse=%v&role=%v",
		c.User, "xxxxxxx", c.Account, c.Database, c.Schema, c.Warehouse, c.Role)
}

func (c SnowflakeConfig) validate() error {
	switch {
	case c.Account == "":
		return fmt.Errorf("snowflake account is required")
	case c.User == "":
		return fmt.Errorf("snowflake user is required")
	case c.Database == "":
		return fmt.Errorf("snowflake database is required")
	case c.Schema == "":
		return fmt.Errorf("snowflake schema is required")
	}
	return nil
}

// SnowflakeDSN builds the gosnowflake DSN.
func SnowflakeDSN(c SnowflakeConfig) (string, error) {
	if err := c.validate(); err != nil {
		return "", err
	}
	return sf.DSN(&sf.Config{
		Account:   c.Account,
		User:      c.User,
		Password:  c.Password,
		Database:  c.Database,
		Schema:    c.Schema,
		Warehouse: c.Warehouse,
		Role:      c.Role,
	})
}

// OpenSnowflake opens and pings a Snowflake connection.
func OpenSnowflake(ctx context.Context, c SnowflakeConfig) (*sql.DB, error) {
	dsn, err := SnowflakeDSN(c)
	if err != nil {
		return nil, err
	}

	db, err := sql.Open("snowflake", dsn)
	if err != nil {
		return nil, fmt.Errorf("open snowflake %s: %w", c, err)
	}
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("connect snowflake %s: %w", c, err)
	}
	return db, nil
}
