package storage

import (
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// InsertTransfer atomically records a new transfer and its paths. The
// path list must be non-empty; the peer row is upserted as a side
// effect.
func (s *Store) InsertTransfer(id uuid.UUID, peer string, dir Direction, paths []NewPath, now time.Time) error {
	if len(paths) == 0 {
		return ErrEmptyTransfer
	}
	return s.run("insert_transfer", func(db *sql.DB) error {
		tx, err := db.Begin()
		if err != nil {
			return fmt.Errorf("begin: %w", err)
		}
		defer tx.Rollback()

		ms := now.UnixMilli()

		if _, err := tx.Exec(
			"INSERT INTO peers (ip, created_at) VALUES (?1, ?2) ON CONFLICT (ip) DO NOTHING",
			peer, ms,
		); err != nil {
			return fmt.Errorf("upsert peer: %w", err)
		}

		if _, err := tx.Exec(
			"INSERT INTO transfers (id, peer, is_outgoing, created_at) VALUES (?1, ?2, ?3, ?4)",
			id.String(), peer, int(dir), ms,
		); err != nil {
			if isUniqueViolation(err) {
				return fmt.Errorf("transfer %s: %w", id, ErrDuplicate)
			}
			return fmt.Errorf("insert transfer: %w", err)
		}

		table := "incoming_paths"
		if dir == Outgoing {
			table = "outgoing_paths"
		}
		for _, p := range paths {
			if dir == Outgoing {
				_, err = tx.Exec(
					"INSERT INTO outgoing_paths (transfer_id, path_hash, relative_path, uri, bytes, created_at) VALUES (?1, ?2, ?3, ?4, ?5, ?6)",
					id.String(), p.FileID, p.RelativePath, p.URI, int64(p.Bytes), ms,
				)
			} else {
				_, err = tx.Exec(
					"INSERT INTO incoming_paths (transfer_id, path_hash, relative_path, bytes, created_at) VALUES (?1, ?2, ?3, ?4, ?5)",
					id.String(), p.FileID, p.RelativePath, int64(p.Bytes), ms,
				)
			}
			if err != nil {
				if isUniqueViolation(err) {
					return fmt.Errorf("path %s in %s: %w", p.FileID, table, ErrDuplicate)
				}
				return fmt.Errorf("insert path %s: %w", p.FileID, err)
			}
		}

		return tx.Commit()
	})
}

// AppendTransferState appends one transfer state. An append of a
// terminal kind the transfer is already in is ignored; any other
// append onto a terminal transfer fails with ErrTerminalState.
func (s *Store) AppendTransferState(id uuid.UUID, st TransferState, now time.Time) error {
	return s.run("append_transfer_state", func(db *sql.DB) error {
		current, err := currentTransferStateKind(db, id)
		if err != nil {
			return err
		}
		if current != nil && current.Terminal() {
			if *current == st.Kind {
				return nil
			}
			return fmt.Errorf("transfer %s: %w", id, ErrTerminalState)
		}

		ms := now.UnixMilli()
		switch st.Kind {
		case TransferActive:
			_, err = db.Exec(
				"INSERT INTO transfer_active_states (transfer_id, created_at) VALUES (?1, ?2)",
				id.String(), ms,
			)
		case TransferCancelled:
			_, err = db.Exec(
				"INSERT INTO transfer_cancel_states (transfer_id, by_peer, created_at) VALUES (?1, ?2, ?3)",
				id.String(), boolInt(st.ByPeer), ms,
			)
		case TransferFailed:
			_, err = db.Exec(
				"INSERT INTO transfer_failed_states (transfer_id, status_code, created_at) VALUES (?1, ?2, ?3)",
				id.String(), st.StatusCode, ms,
			)
		default:
			return fmt.Errorf("unknown transfer state kind %d", st.Kind)
		}
		if err != nil {
			return fmt.Errorf("append transfer state: %w", err)
		}
		return nil
	})
}

// Transfer loads one transfer with full histories.
func (s *Store) Transfer(id uuid.UUID) (*Transfer, error) {
	var out *Transfer
	err := s.run("get_transfer", func(db *sql.DB) error {
		t, err := loadTransfer(db, id)
		if err != nil {
			return err
		}
		out = t
		return nil
	})
	return out, err
}

// LoadLive returns all non-deleted transfers whose state history has
// no terminal entry, with their full path histories, for resumption.
func (s *Store) LoadLive() ([]Transfer, error) {
	var out []Transfer
	err := s.run("load_live", func(db *sql.DB) error {
		rows, err := db.Query(`
			SELECT id FROM transfers
			WHERE is_deleted = 0
			  AND id NOT IN (SELECT transfer_id FROM transfer_cancel_states)
			  AND id NOT IN (SELECT transfer_id FROM transfer_failed_states)
			ORDER BY created_at`)
		if err != nil {
			return fmt.Errorf("select live transfers: %w", err)
		}
		ids, err := scanIDs(rows)
		if err != nil {
			return err
		}
		out, err = loadTransfers(db, ids)
		return err
	})
	return out, err
}

// TransfersSince returns every non-deleted transfer created at or
// after t, terminal or not, from one consistent snapshot.
func (s *Store) TransfersSince(t time.Time) ([]Transfer, error) {
	var out []Transfer
	err := s.run("transfers_since", func(db *sql.DB) error {
		rows, err := db.Query(
			"SELECT id FROM transfers WHERE is_deleted = 0 AND created_at >= ?1 ORDER BY created_at",
			t.UnixMilli(),
		)
		if err != nil {
			return fmt.Errorf("select transfers since: %w", err)
		}
		ids, err := scanIDs(rows)
		if err != nil {
			return err
		}
		out, err = loadTransfers(db, ids)
		return err
	})
	return out, err
}

// MarkTransferDeleted soft-deletes a transfer. Rows remain for
// foreign-key integrity until purged.
func (s *Store) MarkTransferDeleted(id uuid.UUID) error {
	return s.run("mark_transfer_deleted", func(db *sql.DB) error {
		res, err := db.Exec("UPDATE transfers SET is_deleted = 1 WHERE id = ?1", id.String())
		if err != nil {
			return fmt.Errorf("mark deleted: %w", err)
		}
		return requireAffected(res, id)
	})
}

// Purge hard-deletes the given transfers. Paths, state histories and
// sync rows cascade.
func (s *Store) Purge(ids []uuid.UUID) error {
	return s.run("purge", func(db *sql.DB) error {
		tx, err := db.Begin()
		if err != nil {
			return fmt.Errorf("begin: %w", err)
		}
		defer tx.Rollback()
		for _, id := range ids {
			if _, err := tx.Exec("DELETE FROM transfers WHERE id = ?1", id.String()); err != nil {
				return fmt.Errorf("purge %s: %w", id, err)
			}
		}
		return tx.Commit()
	})
}

// PurgeUntil hard-deletes every transfer created before the cutoff.
func (s *Store) PurgeUntil(before time.Time) error {
	return s.run("purge_until", func(db *sql.DB) error {
		_, err := db.Exec("DELETE FROM transfers WHERE created_at < ?1", before.UnixMilli())
		if err != nil {
			return fmt.Errorf("purge until: %w", err)
		}
		return nil
	})
}

func currentTransferStateKind(db *sql.DB, id uuid.UUID) (*TransferStateKind, error) {
	var exists int
	if err := db.QueryRow("SELECT COUNT(*) FROM transfers WHERE id = ?1", id.String()).Scan(&exists); err != nil {
		return nil, fmt.Errorf("check transfer: %w", err)
	}
	if exists == 0 {
		return nil, fmt.Errorf("transfer %s: %w", id, ErrNotFound)
	}

	row := db.QueryRow(`
		SELECT kind FROM (
			SELECT 1 AS kind, created_at, id AS row_id FROM transfer_active_states WHERE transfer_id = ?1
			UNION ALL
			SELECT 2 AS kind, created_at, id AS row_id FROM transfer_cancel_states WHERE transfer_id = ?1
			UNION ALL
			SELECT 3 AS kind, created_at, id AS row_id FROM transfer_failed_states WHERE transfer_id = ?1
		) ORDER BY created_at DESC, kind DESC LIMIT 1`, id.String())

	var kind int
	if err := row.Scan(&kind); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("current transfer state: %w", err)
	}
	k := TransferStateKind(kind)
	return &k, nil
}

func loadTransfers(db *sql.DB, ids []uuid.UUID) ([]Transfer, error) {
	out := make([]Transfer, 0, len(ids))
	for _, id := range ids {
		t, err := loadTransfer(db, id)
		if err != nil {
			return nil, err
		}
		out = append(out, *t)
	}
	return out, nil
}

func loadTransfer(db *sql.DB, id uuid.UUID) (*Transfer, error) {
	var (
		t        Transfer
		idStr    string
		outgoing int
		deleted  int
		created  int64
	)
	err := db.QueryRow(
		"SELECT id, peer, is_outgoing, is_deleted, created_at FROM transfers WHERE id = ?1",
		id.String(),
	).Scan(&idStr, &t.Peer, &outgoing, &deleted, &created)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("transfer %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("load transfer: %w", err)
	}
	t.ID = id
	t.Direction = Direction(outgoing)
	t.IsDeleted = deleted != 0
	t.CreatedAt = time.UnixMilli(created)

	if t.States, err = loadTransferStates(db, id); err != nil {
		return nil, err
	}
	if t.Paths, err = loadPaths(db, id, t.Direction); err != nil {
		return nil, err
	}
	return &t, nil
}

func loadTransferStates(db *sql.DB, id uuid.UUID) ([]TransferState, error) {
	rows, err := db.Query(`
		SELECT kind, by_peer, status_code, created_at FROM (
			SELECT 1 AS kind, 0 AS by_peer, 0 AS status_code, created_at FROM transfer_active_states WHERE transfer_id = ?1
			UNION ALL
			SELECT 2 AS kind, by_peer, 0 AS status_code, created_at FROM transfer_cancel_states WHERE transfer_id = ?1
			UNION ALL
			SELECT 3 AS kind, 0 AS by_peer, status_code, created_at FROM transfer_failed_states WHERE transfer_id = ?1
		) ORDER BY created_at, kind`, id.String())
	if err != nil {
		return nil, fmt.Errorf("load transfer states: %w", err)
	}
	defer rows.Close()

	var out []TransferState
	for rows.Next() {
		var (
			kind, byPeer int
			status       uint32
			created      int64
		)
		if err := rows.Scan(&kind, &byPeer, &status, &created); err != nil {
			return nil, fmt.Errorf("scan transfer state: %w", err)
		}
		out = append(out, TransferState{
			Kind:       TransferStateKind(kind),
			ByPeer:     byPeer != 0,
			StatusCode: status,
			CreatedAt:  time.UnixMilli(created),
		})
	}
	return out, rows.Err()
}

func scanIDs(rows *sql.Rows) ([]uuid.UUID, error) {
	defer rows.Close()
	var out []uuid.UUID
	for rows.Next() {
		var s string
		if err := rows.Scan(&s); err != nil {
			return nil, fmt.Errorf("scan id: %w", err)
		}
		id, err := uuid.Parse(s)
		if err != nil {
			return nil, fmt.Errorf("parse id %q: %w", s, err)
		}
		out = append(out, id)
	}
	return out, rows.Err()
}

func requireAffected(res sql.Result, id uuid.UUID) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("transfer %s: %w", id, ErrNotFound)
	}
	return nil
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func isUniqueViolation(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	return strings.Contains(msg, "UNIQUE constraint failed") ||
		strings.Contains(msg, "PRIMARY KEY constraint failed")
}
