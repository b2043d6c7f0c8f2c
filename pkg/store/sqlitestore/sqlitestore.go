// Package sqlitestore is a modernc.org/sqlite-backed Store, a persistent
// implementation of the Shared Store Facade. It polls for verdict rows in
// AwaitVerdict rather than subscribing, which the facade's contract allows.
package sqlitestore

import (
	"context"
	"database/sql"
	"encoding/json"
	"time"

	_ "modernc.org/sqlite"

	ierrors "github.com/nullwire/interceptproxy/pkg/errors"
	"github.com/nullwire/interceptproxy/pkg/model"
)

const pollInterval = 100 * time.Millisecond

const schema = `
CREATE TABLE IF NOT EXISTS pending (
	id TEXT PRIMARY KEY,
	request_json TEXT NOT NULL,
	state TEXT NOT NULL,
	verdict_kind TEXT,
	edited_request_json TEXT,
	edited_response_json TEXT,
	timed_out INTEGER NOT NULL DEFAULT 0,
	cancelled INTEGER NOT NULL DEFAULT 0,
	response_json TEXT
);

CREATE TABLE IF NOT EXISTS policy (
	id INTEGER PRIMARY KEY CHECK (id = 0),
	mode TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS blocklist (
	id INTEGER PRIMARY KEY CHECK (id = 0),
	domains_json TEXT NOT NULL,
	keywords_json TEXT NOT NULL
);
`

// Store is a SQLite-backed Shared Store Facade.
type Store struct {
	db *sql.DB
}

// Open opens (creating if needed) a SQLite database at dsn and migrates its
// schema. dsn is a modernc.org/sqlite data source, e.g. a file path or
// "file::memory:?cache=shared".
func Open(dsn string) (*Store, error) {
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, ierrors.NewStoreUnavailableError("open", err)
	}
	db.SetMaxOpenConns(1) // modernc.org/sqlite serializes writers; avoid SQLITE_BUSY
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, ierrors.NewStoreUnavailableError("migrate", err)
	}
	return &Store{db: db}, nil
}

// Close releases the underlying database handle.
func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) PublishPending(ctx context.Context, req *model.Request) (string, error) {
	if req.ID == "" {
		req.ID = model.NewRequestID()
	}
	payload, err := json.Marshal(req)
	if err != nil {
		return "", ierrors.NewStoreUnavailableError("publish_pending", err)
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO pending (id, request_json, state) VALUES (?, ?, ?)`,
		req.ID, string(payload), string(model.StatePending))
	if err != nil {
		return "", ierrors.NewStoreUnavailableError("publish_pending", err)
	}
	return req.ID, nil
}

func (s *Store) AwaitVerdict(ctx context.Context, id string, timeout time.Duration) (model.Verdict, error) {
	deadline := time.Now().Add(timeout)
	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()

	for {
		v, found, err := s.pollVerdict(ctx, id)
		if err != nil {
			return model.Verdict{}, err
		}
		if found {
			return v, nil
		}
		if time.Now().After(deadline) {
			return model.Verdict{TimedOut: true}, nil
		}
		select {
		case <-ctx.Done():
			return model.Verdict{Cancelled: true}, ctx.Err()
		case <-ticker.C:
		}
	}
}

func (s *Store) pollVerdict(ctx context.Context, id string) (model.Verdict, bool, error) {
	var (
		state         string
		verdictKind   sql.NullString
		editedReqJSON sql.NullString
		editedRspJSON sql.NullString
		timedOut      bool
		cancelled     bool
	)
	row := s.db.QueryRowContext(ctx,
		`SELECT state, verdict_kind, edited_request_json, edited_response_json, timed_out, cancelled
		 FROM pending WHERE id = ?`, id)
	if err := row.Scan(&state, &verdictKind, &editedReqJSON, &editedRspJSON, &timedOut, &cancelled); err != nil {
		if err == sql.ErrNoRows {
			return model.Verdict{}, false, ierrors.NewValidationError("unknown request id: " + id)
		}
		return model.Verdict{}, false, ierrors.NewStoreUnavailableError("await_verdict", err)
	}

	if cancelled {
		return model.Verdict{Cancelled: true}, true, nil
	}
	if timedOut {
		return model.Verdict{TimedOut: true}, true, nil
	}
	if !verdictKind.Valid {
		return model.Verdict{}, false, nil
	}

	v := model.Verdict{Kind: model.VerdictKind(verdictKind.String)}
	if editedReqJSON.Valid {
		var r model.Request
		if err := json.Unmarshal([]byte(editedReqJSON.String), &r); err != nil {
			return model.Verdict{}, false, ierrors.NewStoreUnavailableError("await_verdict", err)
		}
		v.EditedRequest = &r
	}
	if editedRspJSON.Valid {
		var r model.Response
		if err := json.Unmarshal([]byte(editedRspJSON.String), &r); err != nil {
			return model.Verdict{}, false, ierrors.NewStoreUnavailableError("await_verdict", err)
		}
		v.EditedResponse = &r
	}
	return v, true, nil
}

// PendingIDs returns every id still awaiting a verdict, in id order. Request
// ids are time-sortable, so id order is publication order.
func (s *Store) PendingIDs(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id FROM pending
		 WHERE verdict_kind IS NULL AND timed_out = 0 AND cancelled = 0
		 ORDER BY id`)
	if err != nil {
		return nil, ierrors.NewStoreUnavailableError("pending_ids", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, ierrors.NewStoreUnavailableError("pending_ids", err)
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, ierrors.NewStoreUnavailableError("pending_ids", err)
	}
	return ids, nil
}

// RecordVerdict persists a reviewer's verdict for id, unblocking AwaitVerdict
// on its next poll. Called by the (external) review control plane.
func (s *Store) RecordVerdict(ctx context.Context, id string, v model.Verdict) error {
	var editedReq, editedRsp sql.NullString
	if v.EditedRequest != nil {
		b, err := json.Marshal(v.EditedRequest)
		if err != nil {
			return ierrors.NewStoreUnavailableError("record_verdict", err)
		}
		editedReq = sql.NullString{String: string(b), Valid: true}
	}
	if v.EditedResponse != nil {
		b, err := json.Marshal(v.EditedResponse)
		if err != nil {
			return ierrors.NewStoreUnavailableError("record_verdict", err)
		}
		editedRsp = sql.NullString{String: string(b), Valid: true}
	}
	res, err := s.db.ExecContext(ctx,
		`UPDATE pending SET verdict_kind = ?, edited_request_json = ?, edited_response_json = ?,
		 timed_out = ?, cancelled = ? WHERE id = ?`,
		string(v.Kind), editedReq, editedRsp, v.TimedOut, v.Cancelled, id)
	if err != nil {
		return ierrors.NewStoreUnavailableError("record_verdict", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ierrors.NewValidationError("unknown request id: " + id)
	}
	return nil
}

func (s *Store) PublishResponse(ctx context.Context, id string, resp *model.Response) error {
	payload, err := json.Marshal(resp)
	if err != nil {
		return ierrors.NewStoreUnavailableError("publish_response", err)
	}
	res, err := s.db.ExecContext(ctx, `UPDATE pending SET response_json = ? WHERE id = ?`, string(payload), id)
	if err != nil {
		return ierrors.NewStoreUnavailableError("publish_response", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ierrors.NewValidationError("unknown request id: " + id)
	}
	return nil
}

func (s *Store) ReadPolicyMode(ctx context.Context) (model.PolicyMode, error) {
	var mode string
	err := s.db.QueryRowContext(ctx, `SELECT mode FROM policy WHERE id = 0`).Scan(&mode)
	if err == sql.ErrNoRows {
		return model.ModeIntercept, nil
	}
	if err != nil {
		return "", ierrors.NewStoreUnavailableError("read_policy_mode", err)
	}
	return model.PolicyMode(mode), nil
}

// SetPolicyMode upserts the process-wide policy mode.
func (s *Store) SetPolicyMode(ctx context.Context, mode model.PolicyMode) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO policy (id, mode) VALUES (0, ?)
		 ON CONFLICT(id) DO UPDATE SET mode = excluded.mode`, string(mode))
	if err != nil {
		return ierrors.NewStoreUnavailableError("set_policy_mode", err)
	}
	return nil
}

func (s *Store) ReadBlocklists(ctx context.Context) (model.Blocklist, error) {
	var domainsJSON, keywordsJSON string
	err := s.db.QueryRowContext(ctx, `SELECT domains_json, keywords_json FROM blocklist WHERE id = 0`).
		Scan(&domainsJSON, &keywordsJSON)
	if err == sql.ErrNoRows {
		return model.Blocklist{}, nil
	}
	if err != nil {
		return model.Blocklist{}, ierrors.NewStoreUnavailableError("read_blocklists", err)
	}
	var bl model.Blocklist
	if err := json.Unmarshal([]byte(domainsJSON), &bl.Domains); err != nil {
		return model.Blocklist{}, ierrors.NewStoreUnavailableError("read_blocklists", err)
	}
	if err := json.Unmarshal([]byte(keywordsJSON), &bl.Keywords); err != nil {
		return model.Blocklist{}, ierrors.NewStoreUnavailableError("read_blocklists", err)
	}
	return bl, nil
}

// SetBlocklists upserts the domain/keyword blocklists.
func (s *Store) SetBlocklists(ctx context.Context, bl model.Blocklist) error {
	domainsJSON, err := json.Marshal(bl.Domains)
	if err != nil {
		return ierrors.NewStoreUnavailableError("set_blocklists", err)
	}
	keywordsJSON, err := json.Marshal(bl.Keywords)
	if err != nil {
		return ierrors.NewStoreUnavailableError("set_blocklists", err)
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO blocklist (id, domains_json, keywords_json) VALUES (0, ?, ?)
		 ON CONFLICT(id) DO UPDATE SET domains_json = excluded.domains_json, keywords_json = excluded.keywords_json`,
		string(domainsJSON), string(keywordsJSON))
	if err != nil {
		return ierrors.NewStoreUnavailableError("set_blocklists", err)
	}
	return nil
}

func (s *Store) Cancel(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `UPDATE pending SET cancelled = 1 WHERE id = ?`, id)
	if err != nil {
		return ierrors.NewStoreUnavailableError("cancel", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ierrors.NewValidationError("unknown request id: " + id)
	}
	return nil
}
