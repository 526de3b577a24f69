package domain

import "time"

// CollectionStats - количество документов в коллекции
type CollectionStats struct {
	Collection string    `json:"collection"`
	Documents  int64     `json:"documents"`
	LastWrite  time.Time `json:"last_write"`
}

// ServerStats - ответ /stats
type ServerStats struct {
	Users              int64             `json:"users"`
	Collections        []CollectionStats `json:"collections"`
	OnlineUsers        int               `json:"online_users"`
	LiveQueries        int               `json:"live_queries"`
	RealtimeSessions   int               `json:"realtime_sessions"`
	StoredObjects      int64             `json:"stored_objects"`
	StoredObjectsBytes int64             `json:"stored_objects_bytes"`
}
