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
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

func sampleEvent() Event {
	return Event{
		ID:        "evt-1",
		Seq:       7,
		Timestamp: time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC),
		SubjectID: "u1",
		Action:    ActionInvoke,
		Outcome:   OutcomeSuccess,
		AgentName: "onboardingAgent",
		ProjectID: "p1",
		Details:   map[string]interface{}{"status": 200},
	}
}

func TestPostgresSink_CreatesTable(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer func() { _ = db.Close() }()

	mock.ExpectExec("CREATE TABLE IF NOT EXISTS gateway_audit_events").
		WillReturnResult(sqlmock.NewResult(0, 0))

	_, err = NewPostgresSink(context.Background(), db)
	require.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresSink_CreateTableError(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer func() { _ = db.Close() }()

	mock.ExpectExec("CREATE TABLE IF NOT EXISTS gateway_audit_events").
		WillReturnError(errors.New("permission denied"))

	_, err = NewPostgresSink(context.Background(), db)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to create audit table")
}

func TestPostgresSink_Write(t *testing.T) {
	tests := []struct {
		name      string
		setupMock func(mock sqlmock.Sqlmock)
		wantErr   bool
	}{
		{
			name: "successful insert",
			setupMock: func(mock sqlmock.Sqlmock) {
				mock.ExpectExec("INSERT INTO gateway_audit_events").
					WithArgs("evt-1", int64(7), sqlmock.AnyArg(), "u1", ActionInvoke, "success",
						"onboardingAgent", "p1", nil, []byte(`{"status":200}`)).
					WillReturnResult(sqlmock.NewResult(1, 1))
			},
		},
		{
			name: "database error",
			setupMock: func(mock sqlmock.Sqlmock) {
				mock.ExpectExec("INSERT INTO gateway_audit_events").
					WillReturnError(sql.ErrConnDone)
			},
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			db, mock, err := sqlmock.New()
			require.NoError(t, err)
			defer func() { _ = db.Close() }()

			mock.ExpectExec("CREATE TABLE IF NOT EXISTS").WillReturnResult(sqlmock.NewResult(0, 0))
			tt.setupMock(mock)

			sink, err := NewPostgresSink(context.Background(), db)
			require.NoError(t, err)

			err = sink.Write(context.Background(), sampleEvent())
			if tt.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
			assert.NoError(t, mock.ExpectationsWereMet())
		})
	}
}

func TestPostgresSink_WithLogFallback(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)

	mock.ExpectExec("CREATE TABLE IF NOT EXISTS").WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectExec("INSERT INTO gateway_audit_events").WillReturnError(sql.ErrConnDone)
	mock.ExpectExec("INSERT INTO gateway_audit_events").WillReturnError(sql.ErrConnDone)
	mock.ExpectClose()

	sink, err := NewPostgresSink(context.Background(), db)
	require.NoError(t, err)

	fallback := filepath.Join(t.TempDir(), "fallback.jsonl")
	l, err := NewLog(Options{Sink: sink, FallbackPath: fallback, Retries: 2})
	require.NoError(t, err)

	_, err = l.Record(context.Background(), Event{SubjectID: "u1", Action: ActionInvoke, Outcome: OutcomeForbidden})
	require.NoError(t, err)
	assert.Len(t, readJSONLines(t, fallback), 1)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.NoError(t, l.Shutdown(ctx))
	assert.NoError(t, mock.ExpectationsWereMet())
}

type fakeCollection struct {
	docs []interface{}
	err  error
}

func (c *fakeCollection) InsertOne(_ context.Context, doc interface{}, _ ...*options.InsertOneOptions) (*mongo.InsertOneResult, error) {
	if c.err != nil {
		return nil, c.err
	}
	c.docs = append(c.docs, doc)
	return &mongo.InsertOneResult{InsertedID: doc.(Event).ID}, nil
}

func TestMongoSink_Write(t *testing.T) {
	coll := &fakeCollection{}
	sink := &MongoSink{coll: coll}

	require.NoError(t, sink.Write(context.Background(), sampleEvent()))
	require.Len(t, coll.docs, 1)
	assert.Equal(t, "evt-1", coll.docs[0].(Event).ID)
	assert.Equal(t, "mongodb", sink.Name())
	assert.NoError(t, sink.Close())
}

func TestMongoSink_DuplicateIsIdempotent(t *testing.T) {
	dup := mongo.WriteException{WriteErrors: []mongo.WriteError{{Code: 11000, Message: "E11000 duplicate key"}}}
	sink := &MongoSink{coll: &fakeCollection{err: dup}}

	assert.NoError(t, sink.Write(context.Background(), sampleEvent()))
}

func TestMongoSink_WriteError(t *testing.T) {
	sink := &MongoSink{coll: &fakeCollection{err: errors.New("no reachable servers")}}

	err := sink.Write(context.Background(), sampleEvent())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to insert audit event")
}

func TestFileSink_AppendsLines(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "audit.jsonl")
	sink, err := OpenFileSink(path)
	require.NoError(t, err)

	require.NoError(t, sink.Write(context.Background(), sampleEvent()))
	second := sampleEvent()
	second.ID = "evt-2"
	require.NoError(t, sink.Write(context.Background(), second))
	require.NoError(t, sink.Close())

	lines := readJSONLines(t, path)
	require.Len(t, lines, 2)
	assert.Equal(t, "evt-1", lines[0].ID)
	assert.Equal(t, "evt-2", lines[1].ID)
}
