package model

const (
	BatchStatusPending    = "pending"
	BatchStatusInProgress = "in_progress"
	BatchStatusEnded      = "ended"
	BatchStatusFailed     = "failed"
	BatchStatusCanceled   = "canceled"
	BatchStatusExpired    = "expired"
)

// IsTerminalBatchStatus reports whether no further transition may occur.
func IsTerminalBatchStatus(status string) bool {
	switch status {
	case BatchStatusEnded, BatchStatusFailed, BatchStatusCanceled, BatchStatusExpired:
		return true
	}
	return false
}

type RequestCounts struct {
	Processing int `json:"processing"`
	Succeeded  int `json:"succeeded"`
	Errored    int `json:"errored"`
	Canceled   int `json:"canceled"`
	Expired    int `json:"expired"`
}

type Batch struct {
	ID              string
	UserID          string
	ExternalBatchID string
	Prompt          string
	ChunkSize       int
	ChunkBy         string
	Model           string
	Email           string
	Status          string
	RequestCounts   RequestCounts
	ResultsURL      string
	FinalResult     string
	Ctime           int64
	EndedAt         int64
	ExpiresAt       int64
}

// Seq is the submission position of the item within its batch. Results are
// reassembled in Seq order, not in the order the provider returns them.
type BatchRequestItem struct {
	ID       string
	BatchID  string
	Seq      int
	CustomID string
	Params   string
	Result   string
}
