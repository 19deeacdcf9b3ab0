package model

import "time"

// TransferStatus is the lifecycle state of one TransferLog row. A row
// transitions exactly once, out of Transferring, and is never mutated
// again afterward (spec §3 "Lifecycles").
type TransferStatus string

const (
	StatusTransferring TransferStatus = "Transferring"
	StatusComplete     TransferStatus = "Complete"
	StatusError        TransferStatus = "Error"
	StatusCancelled    TransferStatus = "Cancelled"
)

// TransferLog is one append-only attempt record. At most one row per
// (Name, Filename) may be Transferring at any instant on a given agent.
type TransferLog struct {
	ID       int64
	Name     string // source name
	Filename string // the admitted path
	Status   TransferStatus
	Host     string // agent hostname
	Size     int64  // bytes at admit time
	Started  time.Time
	Ended    time.Time // zero until the row leaves Transferring
	Error    string    // text on failure
}
