// Package sqlutil holds the row-scanning and execution helpers shared
// by the database/sql backed adapters (MySQL, SQLite).
package sqlutil

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
)

// FetchMaps runs a query on the pinned connection and scans every row
// into a column-name keyed map. A limit below zero means no limit.
func FetchMaps(ctx context.Context, conn *sql.Conn, limit int, query string, args ...interface{}) ([]map[string]interface{}, error) {
	rows, err := conn.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	columns, err := rows.Columns()
	if err != nil {
		return nil, fmt.Errorf("reading columns: %w", err)
	}

	var results []map[string]interface{}
	for rows.Next() {
		if limit >= 0 && len(results) >= limit {
			break
		}

		values := make([]interface{}, len(columns))
		valuePtrs := make([]interface{}, len(columns))
		for i := range values {
			valuePtrs[i] = &values[i]
		}

		if err := rows.Scan(valuePtrs...); err != nil {
			return nil, fmt.Errorf("scanning row: %w", err)
		}

		row := make(map[string]interface{}, len(columns))
		for i, name := range columns {
			row[name] = normalize(values[i])
		}
		results = append(results, row)
	}

	if err := rows.Err(); err != nil {
		return nil, err
	}
	return results, nil
}

// Exec runs a statement on the pinned connection and returns the
// affected row count. Drivers without RowsAffected support report zero.
func Exec(ctx context.Context, conn *sql.Conn, query string, args ...interface{}) (int64, error) {
	res, err := conn.ExecContext(ctx, query, args...)
	if err != nil {
		return 0, err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return 0, nil
	}
	return affected, nil
}

// QueryValue scans a single scalar from a query.
func QueryValue(ctx context.Context, conn *sql.Conn, dest interface{}, query string, args ...interface{}) error {
	return conn.QueryRowContext(ctx, query, args...).Scan(dest)
}

// ReturnsRows reports whether a statement produces a result set. Used
// by the database/sql adapters to decide between query and exec paths,
// since those drivers expose no unified row/affected result.
func ReturnsRows(query string) bool {
	s := strings.TrimSpace(query)
	for {
		switch {
		case strings.HasPrefix(s, "--"):
			nl := strings.IndexByte(s, '\n')
			if nl < 0 {
				return false
			}
			s = strings.TrimSpace(s[nl+1:])
		case strings.HasPrefix(s, "/*"):
			end := strings.Index(s, "*/")
			if end < 0 {
				return false
			}
			s = strings.TrimSpace(s[end+2:])
		default:
			word := s
			if sp := strings.IndexAny(s, " \t\r\n("); sp >= 0 {
				word = s[:sp]
			}
			switch strings.ToUpper(word) {
			case "SELECT", "SHOW", "EXPLAIN", "DESCRIBE", "DESC", "WITH", "VALUES", "PRAGMA", "TABLE":
				return true
			}
			return false
		}
	}
}

// normalize converts driver byte slices to strings so result maps are
// JSON-friendly regardless of the driver's column typing.
func normalize(v interface{}) interface{} {
	if b, ok := v.([]byte); ok {
		return string(b)
	}
	return v
}
