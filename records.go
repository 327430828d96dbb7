package peerdrop

import (
	"time"

	"github.com/google/uuid"

	"github.com/peerdrop/peerdrop/internal/storage"
	"github.com/peerdrop/peerdrop/pkg/drop"
)

// TransferRecord is the host-facing view of one stored transfer with
// its complete state history.
type TransferRecord struct {
	ID        uuid.UUID
	Peer      string
	Outgoing  bool
	CreatedAt time.Time
	States    []TransferStateRecord
	Files     []FileRecord
}

// TransferStateRecord is one entry of a transfer's state log.
type TransferStateRecord struct {
	Kind      string
	ByPeer    bool
	Status    drop.Status
	CreatedAt time.Time
}

// FileRecord is the host-facing view of one path of a transfer.
type FileRecord struct {
	FileID       string
	RelativePath string
	Size         uint64
	Transferred  uint64
	States       []FileStateRecord
}

// FileStateRecord is one entry of a path's state log.
type FileStateRecord struct {
	Kind      string
	Bytes     uint64
	Status    drop.Status
	ByPeer    bool
	BaseDir   string
	FinalPath string
	CreatedAt time.Time
}

func recordFrom(t *storage.Transfer) TransferRecord {
	rec := TransferRecord{
		ID:        t.ID,
		Peer:      t.Peer,
		Outgoing:  t.Direction == storage.Outgoing,
		CreatedAt: t.CreatedAt,
	}
	for _, st := range t.States {
		rec.States = append(rec.States, TransferStateRecord{
			Kind:      transferKindName(st.Kind),
			ByPeer:    st.ByPeer,
			Status:    drop.Status(st.StatusCode),
			CreatedAt: st.CreatedAt,
		})
	}
	for i := range t.Paths {
		p := &t.Paths[i]
		if p.IsDeleted {
			continue
		}
		fr := FileRecord{
			FileID:       p.FileID,
			RelativePath: p.RelativePath,
			Size:         p.Bytes,
			Transferred:  p.TransferredBytes(),
		}
		for _, st := range p.States {
			fr.States = append(fr.States, FileStateRecord{
				Kind:      st.Kind.String(),
				Bytes:     st.Bytes,
				Status:    drop.Status(st.StatusCode),
				ByPeer:    st.ByPeer,
				BaseDir:   st.BaseDir,
				FinalPath: st.FinalPath,
				CreatedAt: st.CreatedAt,
			})
		}
		rec.Files = append(rec.Files, fr)
	}
	return rec
}

func transferKindName(k storage.TransferStateKind) string {
	switch k {
	case storage.TransferActive:
		return "active"
	case storage.TransferCancelled:
		return "cancelled"
	case storage.TransferFailed:
		return "failed"
	default:
		return "unknown"
	}
}
