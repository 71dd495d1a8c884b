package models

import "time"

// Video is an uploaded clip. Rows are owned by the upload subsystem; this
// service only reads the storage location.
type Video struct {
	ID          int64     `db:"id"           json:"id"`
	StoragePath string    `db:"storage_path" json:"storage_path"`
	Bucket      *string   `db:"bucket"       json:"bucket,omitempty"`
	CreatedAt   time.Time `db:"created_at"   json:"created_at"`
}
