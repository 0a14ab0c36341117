package database

import (
	"context"
	"database/sql/driver"
	"fmt"
)

// hookConnector runs statements on every new physical connection before the
// pool hands it out.
type hookConnector struct {
	dsn   string
	drv   driver.Driver
	hooks []string
}

func (c *hookConnector) Connect(ctx context.Context) (driver.Conn, error) {
	conn, err := c.drv.Open(c.dsn)
	if err != nil {
		return nil, err
	}
	for _, stmt := range c.hooks {
		if err := execOnConn(ctx, conn, stmt); err != nil {
			conn.Close()
			return nil, fmt.Errorf("connect hook %q: %w", stmt, err)
		}
	}
	return conn, nil
}

func (c *hookConnector) Driver() driver.Driver {
	return c.drv
}

func execOnConn(ctx context.Context, conn driver.Conn, stmt string) error {
	if execer, ok := conn.(driver.ExecerContext); ok {
		_, err := execer.ExecContext(ctx, stmt, nil)
		return err
	}

	prepared, err := conn.Prepare(stmt)
	if err != nil {
		return err
	}
	defer prepared.Close()
	//nolint:staticcheck // fallback for drivers without ExecerContext
	_, err = prepared.Exec(nil)
	return err
}
