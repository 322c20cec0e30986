// Copyright 2025 AxonFlow
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package audit

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	_ "github.com/lib/pq"
)

const createAuditTableSQL = `
	CREATE TABLE IF NOT EXISTS gateway_audit_events (
		id VARCHAR(64) PRIMARY KEY,
		seq BIGINT NOT NULL,
		timestamp TIMESTAMPTZ NOT NULL,
		subject_id VARCHAR(255) NOT NULL,
		action VARCHAR(100) NOT NULL,
		outcome VARCHAR(50) NOT NULL,
		agent_name VARCHAR(255),
		project_id VARCHAR(255),
		request_id VARCHAR(64),
		details JSONB,
		created_at TIMESTAMPTZ DEFAULT CURRENT_TIMESTAMP
	);

	CREATE INDEX IF NOT EXISTS idx_gateway_audit_timestamp ON gateway_audit_events(timestamp);
	CREATE INDEX IF NOT EXISTS idx_gateway_audit_subject ON gateway_audit_events(subject_id);
	CREATE INDEX IF NOT EXISTS idx_gateway_audit_outcome ON gateway_audit_events(outcome);
	`

const insertAuditEventSQL = `
	INSERT INTO gateway_audit_events
		(id, seq, timestamp, subject_id, action, outcome, agent_name, project_id, request_id, details)
	VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
	ON CONFLICT (id) DO NOTHING`

// PostgresSink writes events to the gateway_audit_events table.
type PostgresSink struct {
	db *sql.DB
}

// OpenPostgresSink connects to dsn and prepares the table.
func OpenPostgresSink(ctx context.Context, dsn string) (*PostgresSink, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open audit database: %w", err)
	}
	db.SetMaxOpenConns(10)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to connect to audit database: %w", err)
	}

	s, err := NewPostgresSink(ctx, db)
	if err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

// NewPostgresSink wraps an open handle and creates the table if needed.
func NewPostgresSink(ctx context.Context, db *sql.DB) (*PostgresSink, error) {
	if _, err := db.ExecContext(ctx, createAuditTableSQL); err != nil {
		return nil, fmt.Errorf("failed to create audit table: %w", err)
	}
	return &PostgresSink{db: db}, nil
}

func (s *PostgresSink) Name() string { return "postgres" }

func (s *PostgresSink) Write(ctx context.Context, e Event) error {
	var details []byte
	if len(e.Details) > 0 {
		var err error
		if details, err = json.Marshal(e.Details); err != nil {
			return fmt.Errorf("failed to marshal audit details: %w", err)
		}
	}

	_, err := s.db.ExecContext(ctx, insertAuditEventSQL,
		e.ID,
		int64(e.Seq),
		e.Timestamp,
		e.SubjectID,
		e.Action,
		string(e.Outcome),
		nullString(e.AgentName),
		nullString(e.ProjectID),
		nullString(e.RequestID),
		details,
	)
	if err != nil {
		return fmt.Errorf("failed to insert audit event: %w", err)
	}
	return nil
}

func (s *PostgresSink) Close() error { return s.db.Close() }

func nullString(v string) sql.NullString {
	return sql.NullString{String: v, Valid: v != ""}
}
