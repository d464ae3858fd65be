package model

const (
	JobStatusPending    = "pending"
	JobStatusInProgress = "in_progress"
	JobStatusCompleted  = "completed"
	JobStatusFailed     = "failed"
)

type ProcessingJob struct {
	ID          string
	UserID      string
	Provider    string
	Model       string
	Prompt      string
	ChunkSize   int
	ChunkBy     string
	Email       string
	Status      string
	Ctime       int64
	CompletedAt int64
}

const (
	FileStatusPending    = "pending"
	FileStatusInProgress = "in_progress"
	FileStatusCompleted  = "completed"
	FileStatusFailed     = "failed"
)

type FileStatus struct {
	ID                 string
	JobID              string
	UserID             string
	Filename           string
	TotalChunks        int
	ProcessedChunks    int
	ProgressPercentage float64
	Status             string
	Ctime              int64
	Mtime              int64
}
