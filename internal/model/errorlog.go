package model

type ErrorLog struct {
	ID        string
	UserID    string
	ErrorType string
	Message   string
	Ctime     int64
}
