package domain

import "time"

const (
	StorageProviderLocal    = "local"
	StorageProviderPostgres = "postgres"
)

// StoredObject - метаданные объекта файлового хранилища
type StoredObject struct {
	Provider    string    `json:"provider"`
	Path        string    `json:"path"`
	ContentType string    `json:"content_type"`
	Size        int64     `json:"size"`
	OwnerID     string    `json:"owner_id"`
	CreatedAt   time.Time `json:"created_at"`
}

// Ref - ссылка вида "<provider>:<path>"
func (o StoredObject) Ref() string {
	return o.Provider + ":" + o.Path
}
