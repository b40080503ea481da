package models

// Transfer represents one recorded send or receive.
type Transfer struct {
	TransferID  string `json:"transfer_id"`
	Direction   string `json:"direction"`
	PeerID      string `json:"peer_id"`
	FileName    string `json:"file_name"`
	MimeType    string `json:"mime_type"`
	FileSize    int64  `json:"file_size"`
	TotalChunks int    `json:"total_chunks"`
	Status      string `json:"status"`
	Digest      string `json:"digest,omitempty"`
	Error       string `json:"error,omitempty"`
	StartedAt   int64  `json:"started_at"`
	FinishedAt  int64  `json:"finished_at,omitempty"`
}
