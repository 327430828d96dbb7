package storage

import (
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// AppendPathState appends one path state, enforcing terminality and
// byte monotonicity. Transitions out of a terminal state fail with
// ErrTerminalState; a byte counter lower than the last recorded one
// fails with ErrNonMonotonic. Neither modifies the history.
func (s *Store) AppendPathState(tid uuid.UUID, fileID string, dir Direction, st PathState, now time.Time) error {
	return s.run("append_path_state", func(db *sql.DB) error {
		pathID, err := pathRowID(db, tid, fileID, dir)
		if err != nil {
			return err
		}

		states, err := loadPathStates(db, pathID, dir)
		if err != nil {
			return err
		}
		if len(states) > 0 {
			last := states[len(states)-1]
			if last.Kind.Terminal() {
				return fmt.Errorf("path %s: %w", fileID, ErrTerminalState)
			}
		}
		if carriesBytes(st.Kind) {
			for i := len(states) - 1; i >= 0; i-- {
				if !carriesBytes(states[i].Kind) {
					continue
				}
				if st.Bytes < states[i].Bytes {
					return fmt.Errorf("path %s: %d < %d: %w", fileID, st.Bytes, states[i].Bytes, ErrNonMonotonic)
				}
				break
			}
		}

		return insertPathState(db, pathID, dir, st, now)
	})
}

func carriesBytes(k PathStateKind) bool {
	switch k {
	case PathStarted, PathPaused, PathFailed, PathRejected:
		return true
	}
	return false
}

func insertPathState(db *sql.DB, pathID int64, dir Direction, st PathState, now time.Time) error {
	ms := now.UnixMilli()
	var err error
	if dir == Incoming {
		switch st.Kind {
		case PathPending:
			_, err = db.Exec(
				"INSERT INTO incoming_path_pending_states (path_id, base_dir, created_at) VALUES (?1, ?2, ?3)",
				pathID, st.BaseDir, ms,
			)
		case PathStarted:
			_, err = db.Exec(
				"INSERT INTO incoming_path_started_states (path_id, bytes_received, created_at) VALUES (?1, ?2, ?3)",
				pathID, int64(st.Bytes), ms,
			)
		case PathPaused:
			_, err = db.Exec(
				"INSERT INTO incoming_path_paused_states (path_id, bytes_received, created_at) VALUES (?1, ?2, ?3)",
				pathID, int64(st.Bytes), ms,
			)
		case PathFailed:
			_, err = db.Exec(
				"INSERT INTO incoming_path_failed_states (path_id, status_code, bytes_received, created_at) VALUES (?1, ?2, ?3, ?4)",
				pathID, st.StatusCode, int64(st.Bytes), ms,
			)
		case PathCompleted:
			_, err = db.Exec(
				"INSERT INTO incoming_path_completed_states (path_id, final_path, created_at) VALUES (?1, ?2, ?3)",
				pathID, st.FinalPath, ms,
			)
		case PathRejected:
			_, err = db.Exec(
				"INSERT INTO incoming_path_reject_states (path_id, by_peer, bytes_received, created_at) VALUES (?1, ?2, ?3, ?4)",
				pathID, boolInt(st.ByPeer), int64(st.Bytes), ms,
			)
		default:
			return fmt.Errorf("unknown path state kind %d", st.Kind)
		}
	} else {
		switch st.Kind {
		case PathStarted:
			_, err = db.Exec(
				"INSERT INTO outgoing_path_started_states (path_id, bytes_sent, created_at) VALUES (?1, ?2, ?3)",
				pathID, int64(st.Bytes), ms,
			)
		case PathPaused:
			_, err = db.Exec(
				"INSERT INTO outgoing_path_paused_states (path_id, bytes_sent, created_at) VALUES (?1, ?2, ?3)",
				pathID, int64(st.Bytes), ms,
			)
		case PathFailed:
			_, err = db.Exec(
				"INSERT INTO outgoing_path_failed_states (path_id, status_code, bytes_sent, created_at) VALUES (?1, ?2, ?3, ?4)",
				pathID, st.StatusCode, int64(st.Bytes), ms,
			)
		case PathCompleted:
			_, err = db.Exec(
				"INSERT INTO outgoing_path_completed_states (path_id, created_at) VALUES (?1, ?2)",
				pathID, ms,
			)
		case PathRejected:
			_, err = db.Exec(
				"INSERT INTO outgoing_path_reject_states (path_id, by_peer, bytes_sent, created_at) VALUES (?1, ?2, ?3, ?4)",
				pathID, boolInt(st.ByPeer), int64(st.Bytes), ms,
			)
		case PathPending:
			return fmt.Errorf("outgoing paths have no pending state")
		default:
			return fmt.Errorf("unknown path state kind %d", st.Kind)
		}
	}
	if err != nil {
		return fmt.Errorf("append path state: %w", err)
	}
	return nil
}

// MarkPathDeleted soft-deletes a path. Only terminal paths may be
// removed; others fail with a "not terminal" error wrapping
// ErrTerminalState, reported as BadTransferState at the engine.
func (s *Store) MarkPathDeleted(tid uuid.UUID, fileID string, dir Direction) error {
	return s.run("mark_path_deleted", func(db *sql.DB) error {
		pathID, err := pathRowID(db, tid, fileID, dir)
		if err != nil {
			return err
		}
		states, err := loadPathStates(db, pathID, dir)
		if err != nil {
			return err
		}
		if len(states) == 0 || !states[len(states)-1].Kind.Terminal() {
			return fmt.Errorf("path %s not terminal: %w", fileID, ErrTerminalState)
		}
		table := "incoming_paths"
		if dir == Outgoing {
			table = "outgoing_paths"
		}
		_, err = db.Exec("UPDATE "+table+" SET is_deleted = 1 WHERE id = ?1", pathID)
		if err != nil {
			return fmt.Errorf("mark path deleted: %w", err)
		}
		return nil
	})
}

// SaveIncomingChecksum caches the full-file digest of a completed
// incoming path so later resumes can verify without rehashing the
// peer's side.
func (s *Store) SaveIncomingChecksum(tid uuid.UUID, fileID, checksum string) error {
	return s.run("save_incoming_checksum", func(db *sql.DB) error {
		res, err := db.Exec(
			"UPDATE incoming_paths SET checksum = ?3 WHERE transfer_id = ?1 AND path_hash = ?2",
			tid.String(), fileID, checksum,
		)
		if err != nil {
			return fmt.Errorf("save checksum: %w", err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return err
		}
		if n == 0 {
			return fmt.Errorf("path %s: %w", fileID, ErrNotFound)
		}
		return nil
	})
}

func pathRowID(db *sql.DB, tid uuid.UUID, fileID string, dir Direction) (int64, error) {
	table := "incoming_paths"
	if dir == Outgoing {
		table = "outgoing_paths"
	}
	var id int64
	err := db.QueryRow(
		"SELECT id FROM "+table+" WHERE transfer_id = ?1 AND path_hash = ?2 AND is_deleted = 0",
		tid.String(), fileID,
	).Scan(&id)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, fmt.Errorf("path %s of %s: %w", fileID, tid, ErrNotFound)
	}
	if err != nil {
		return 0, fmt.Errorf("find path: %w", err)
	}
	return id, nil
}

func loadPaths(db *sql.DB, tid uuid.UUID, dir Direction) ([]Path, error) {
	var (
		rows *sql.Rows
		err  error
	)
	if dir == Outgoing {
		rows, err = db.Query(
			"SELECT id, path_hash, relative_path, uri, bytes, '', is_deleted, created_at FROM outgoing_paths WHERE transfer_id = ?1 ORDER BY id",
			tid.String(),
		)
	} else {
		rows, err = db.Query(
			"SELECT id, path_hash, relative_path, '', bytes, IFNULL(checksum, ''), is_deleted, created_at FROM incoming_paths WHERE transfer_id = ?1 ORDER BY id",
			tid.String(),
		)
	}
	if err != nil {
		return nil, fmt.Errorf("load paths: %w", err)
	}
	defer rows.Close()

	var out []Path
	for rows.Next() {
		var (
			p       Path
			bytes   int64
			deleted int
			created int64
		)
		if err := rows.Scan(&p.DBID, &p.FileID, &p.RelativePath, &p.URI, &bytes, &p.Checksum, &deleted, &created); err != nil {
			return nil, fmt.Errorf("scan path: %w", err)
		}
		p.Bytes = uint64(bytes)
		p.IsDeleted = deleted != 0
		p.CreatedAt = time.UnixMilli(created)
		out = append(out, p)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	for i := range out {
		if out[i].States, err = loadPathStates(db, out[i].DBID, dir); err != nil {
			return nil, err
		}
	}
	return out, nil
}

func loadPathStates(db *sql.DB, pathID int64, dir Direction) ([]PathState, error) {
	var query string
	if dir == Incoming {
		query = `
		SELECT kind, bytes, status_code, by_peer, base_dir, final_path, created_at FROM (
			SELECT 1 AS kind, 0 AS bytes, 0 AS status_code, 0 AS by_peer, base_dir, '' AS final_path, created_at
				FROM incoming_path_pending_states WHERE path_id = ?1
			UNION ALL
			SELECT 2, bytes_received, 0, 0, '', '', created_at
				FROM incoming_path_started_states WHERE path_id = ?1
			UNION ALL
			SELECT 3, bytes_received, 0, 0, '', '', created_at
				FROM incoming_path_paused_states WHERE path_id = ?1
			UNION ALL
			SELECT 4, bytes_received, status_code, 0, '', '', created_at
				FROM incoming_path_failed_states WHERE path_id = ?1
			UNION ALL
			SELECT 5, 0, 0, 0, '', final_path, created_at
				FROM incoming_path_completed_states WHERE path_id = ?1
			UNION ALL
			SELECT 6, bytes_received, 0, by_peer, '', '', created_at
				FROM incoming_path_reject_states WHERE path_id = ?1
		) ORDER BY created_at, kind`
	} else {
		query = `
		SELECT kind, bytes, status_code, by_peer, base_dir, final_path, created_at FROM (
			SELECT 2 AS kind, bytes_sent AS bytes, 0 AS status_code, 0 AS by_peer, '' AS base_dir, '' AS final_path, created_at
				FROM outgoing_path_started_states WHERE path_id = ?1
			UNION ALL
			SELECT 3, bytes_sent, 0, 0, '', '', created_at
				FROM outgoing_path_paused_states WHERE path_id = ?1
			UNION ALL
			SELECT 4, bytes_sent, status_code, 0, '', '', created_at
				FROM outgoing_path_failed_states WHERE path_id = ?1
			UNION ALL
			SELECT 5, 0, 0, 0, '', '', created_at
				FROM outgoing_path_completed_states WHERE path_id = ?1
			UNION ALL
			SELECT 6, bytes_sent, 0, by_peer, '', '', created_at
				FROM outgoing_path_reject_states WHERE path_id = ?1
		) ORDER BY created_at, kind`
	}

	rows, err := db.Query(query, pathID)
	if err != nil {
		return nil, fmt.Errorf("load path states: %w", err)
	}
	defer rows.Close()

	var out []PathState
	for rows.Next() {
		var (
			kind    int
			bytes   int64
			status  uint32
			byPeer  int
			created int64
			st      PathState
		)
		if err := rows.Scan(&kind, &bytes, &status, &byPeer, &st.BaseDir, &st.FinalPath, &created); err != nil {
			return nil, fmt.Errorf("scan path state: %w", err)
		}
		st.Kind = PathStateKind(kind)
		st.Bytes = uint64(bytes)
		st.StatusCode = status
		st.ByPeer = byPeer != 0
		st.CreatedAt = time.UnixMilli(created)
		out = append(out, st)
	}
	return out, rows.Err()
}
