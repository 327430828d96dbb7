package storage

import (
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Reconciliation checkpoints. The local state records how far this
// side has acknowledged a transfer towards the peer; on reconnection
// it decides which path-level notifications are still owed.
const (
	SyncNew       = 0
	SyncRequested = 1
	SyncAcked     = 2
)

// UpdateSyncStates upserts the transfer-level reconciliation
// checkpoint.
func (s *Store) UpdateSyncStates(tid uuid.UUID, local int, now time.Time) error {
	return s.run("update_sync_states", func(db *sql.DB) error {
		_, err := db.Exec(`
			INSERT INTO sync_transfer (transfer_id, local_state, created_at) VALUES (?1, ?2, ?3)
			ON CONFLICT (transfer_id) DO UPDATE SET local_state = ?2`,
			tid.String(), local, now.UnixMilli(),
		)
		if err != nil {
			return fmt.Errorf("update sync state: %w", err)
		}
		return nil
	})
}

// TransferSyncState fetches the checkpoint, or ErrNotFound.
func (s *Store) TransferSyncState(tid uuid.UUID) (*SyncState, error) {
	var out *SyncState
	err := s.run("transfer_sync_state", func(db *sql.DB) error {
		var (
			local   int
			created int64
		)
		err := db.QueryRow(
			"SELECT local_state, created_at FROM sync_transfer WHERE transfer_id = ?1",
			tid.String(),
		).Scan(&local, &created)
		if errors.Is(err, sql.ErrNoRows) {
			return fmt.Errorf("sync state of %s: %w", tid, ErrNotFound)
		}
		if err != nil {
			return fmt.Errorf("load sync state: %w", err)
		}
		out = &SyncState{TransferID: tid, LocalState: local, CreatedAt: time.UnixMilli(created)}
		return nil
	})
	return out, err
}

// ClearSync removes all reconciliation rows of a finalised transfer.
func (s *Store) ClearSync(tid uuid.UUID) error {
	return s.run("clear_sync", func(db *sql.DB) error {
		tx, err := db.Begin()
		if err != nil {
			return fmt.Errorf("begin: %w", err)
		}
		defer tx.Rollback()
		for _, q := range []string{
			"DELETE FROM sync_incoming_files WHERE transfer_id = ?1",
			"DELETE FROM sync_outgoing_files WHERE transfer_id = ?1",
			"DELETE FROM sync_transfer WHERE transfer_id = ?1",
		} {
			if _, err := tx.Exec(q, tid.String()); err != nil {
				return fmt.Errorf("clear sync: %w", err)
			}
		}
		return tx.Commit()
	})
}

// SetIncomingFileSync upserts the per-file checkpoint of an incoming
// path, with the in-flight base directory hint used to rediscover
// partial downloads after a restart.
func (s *Store) SetIncomingFileSync(tid uuid.UUID, fileID string, local int, baseDir string) error {
	return s.run("set_incoming_file_sync", func(db *sql.DB) error {
		pathID, err := pathRowID(db, tid, fileID, Incoming)
		if err != nil {
			return err
		}
		_, err = db.Exec(`
			INSERT INTO sync_incoming_files (transfer_id, path_id, local_state, base_dir) VALUES (?1, ?2, ?3, ?4)
			ON CONFLICT (transfer_id, path_id) DO UPDATE SET local_state = ?3, base_dir = ?4`,
			tid.String(), pathID, local, baseDir,
		)
		if err != nil {
			return fmt.Errorf("set incoming file sync: %w", err)
		}
		return nil
	})
}

// SetOutgoingFileSync upserts the per-file checkpoint of an outgoing
// path.
func (s *Store) SetOutgoingFileSync(tid uuid.UUID, fileID string, local int) error {
	return s.run("set_outgoing_file_sync", func(db *sql.DB) error {
		pathID, err := pathRowID(db, tid, fileID, Outgoing)
		if err != nil {
			return err
		}
		_, err = db.Exec(`
			INSERT INTO sync_outgoing_files (transfer_id, path_id, local_state) VALUES (?1, ?2, ?3)
			ON CONFLICT (transfer_id, path_id) DO UPDATE SET local_state = ?3`,
			tid.String(), pathID, local,
		)
		if err != nil {
			return fmt.Errorf("set outgoing file sync: %w", err)
		}
		return nil
	})
}

// InFlightIncoming describes one incoming path with an active download
// checkpoint.
type InFlightIncoming struct {
	FileID  string
	BaseDir string
}

// IncomingInFlight lists incoming paths of a transfer that were
// requested but not finalised, with their base directory hints.
func (s *Store) IncomingInFlight(tid uuid.UUID) ([]InFlightIncoming, error) {
	var out []InFlightIncoming
	err := s.run("incoming_in_flight", func(db *sql.DB) error {
		rows, err := db.Query(`
			SELECT ip.path_hash, IFNULL(sif.base_dir, '')
			FROM sync_incoming_files sif
			INNER JOIN incoming_paths ip ON ip.id = sif.path_id
			WHERE sif.transfer_id = ?1 AND sif.local_state = ?2 AND ip.is_deleted = 0`,
			tid.String(), SyncRequested,
		)
		if err != nil {
			return fmt.Errorf("load in-flight files: %w", err)
		}
		defer rows.Close()
		for rows.Next() {
			var f InFlightIncoming
			if err := rows.Scan(&f.FileID, &f.BaseDir); err != nil {
				return fmt.Errorf("scan in-flight file: %w", err)
			}
			out = append(out, f)
		}
		return rows.Err()
	})
	return out, err
}
