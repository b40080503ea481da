package models

// Peer represents a remote node this node has exchanged files with.
type Peer struct {
	PeerID    string `json:"peer_id"`
	Address   string `json:"address,omitempty"`
	FirstSeen int64  `json:"first_seen"`
	LastSeen  int64  `json:"last_seen"`
}
