package syncer

import (
	"time"

	"localagent/internal/storage"
)

// State is the sync engine's pass state.
type State string

const (
	StateIdle         State = "idle"
	StateSyncing      State = "syncing"
	StateSucceeded    State = "succeeded"
	StateFailed       State = "failed"
	StateDisconnected State = "disconnected"
)

// Result summarizes the last finished pass.
type Result string

const (
	ResultNone    Result = "none"
	ResultSuccess Result = "success"
	ResultPartial Result = "partial"
	ResultError   Result = "error"
)

// Status is recomputed from store flags after every pass.
type Status struct {
	State            State              `json:"state"`
	IsSyncing        bool               `json:"is_syncing"`
	LastSync         *time.Time         `json:"last_sync,omitempty"`
	LastSyncResult   Result             `json:"last_sync_result"`
	LastError        string             `json:"last_error,omitempty"`
	PendingUploads   int                `json:"pending_uploads"`
	PendingDownloads int                `json:"pending_downloads"`
	Conflicts        []storage.Conflict `json:"conflicts"`
	BytesUploaded    int64              `json:"bytes_uploaded"`
	BytesDownloaded  int64              `json:"bytes_downloaded"`
}

// Report describes one pass.
type Report struct {
	Result     Result   `json:"result"`
	Uploaded   int      `json:"uploaded"`
	Downloaded int      `json:"downloaded"`
	Skipped    int      `json:"skipped"`
	Conflicts  int      `json:"conflicts"`
	Errors     []string `json:"errors,omitempty"`
}

// Strategy selects how a conflict is resolved.
type Strategy string

const (
	KeepLocal  Strategy = "keep_local"
	KeepRemote Strategy = "keep_remote"
	Merge      Strategy = "merge"
)

func (s Strategy) Valid() bool {
	switch s {
	case KeepLocal, KeepRemote, Merge:
		return true
	}
	return false
}
