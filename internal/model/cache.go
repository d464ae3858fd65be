package model

const (
	CacheStatePending   = 1
	CacheStateCompleted = 2
)

type CachedResult struct {
	CacheKey string
	UserID   string
	Provider string
	Model    string
	Chunk    string
	Response string
	State    int
	Ctime    int64
}
