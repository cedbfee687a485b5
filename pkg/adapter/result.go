package adapter

import (
	"time"

	"github.com/google/uuid"
)

// QueryResult is the immutable outcome of one statement execution.
type QueryResult struct {
	Data          []map[string]interface{} `json:"data,omitempty"`
	RowsAffected  int64                    `json:"rowsAffected"`
	RowsReturned  int64                    `json:"rowsReturned"`
	ExecutionTime time.Duration            `json:"executionTime"`
	QueryID       string                   `json:"queryId"`
	Timestamp     time.Time                `json:"timestamp"`
	Warnings      []string                 `json:"warnings,omitempty"`
}

// NewQueryResult assembles a result for a statement started at the
// given time.
func NewQueryResult(data []map[string]interface{}, rowsAffected int64, started time.Time, warnings ...string) *QueryResult {
	return &QueryResult{
		Data:          data,
		RowsAffected:  rowsAffected,
		RowsReturned:  int64(len(data)),
		ExecutionTime: time.Since(started),
		QueryID:       uuid.NewString(),
		Timestamp:     time.Now(),
		Warnings:      warnings,
	}
}
