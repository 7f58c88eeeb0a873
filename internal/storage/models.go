package storage

// Upload is the catalogue row for one completed image upload. The bytes
// live in the blob bucket under BlobKey.
type Upload struct {
	ID        string `json:"id"`
	SessionID string `json:"session_id"`
	Filename  string `json:"filename"`
	MimeType  string `json:"mime_type"`
	Size      int64  `json:"size"`
	Digest    string `json:"digest"`
	BlobKey   string `json:"-"`
	CreatedAt int64  `json:"created_at"`
}
