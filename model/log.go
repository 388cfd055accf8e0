package model

// LogEntry is an application log line persisted for later inspection.
type LogEntry struct {
	Application string       `json:"application"`
	Level       string       `json:"level"`
	Message     string       `json:"message"`
	Timestamp   UnixTimeType `json:"timestamp"`
}
