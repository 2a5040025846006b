package model

import "fmt"

// PeerKind tags the two kinds of peer a replication server talks to
type PeerKind uint8

const (
	PeerKindDirectoryServer PeerKind = iota + 1
	PeerKindReplicationServer
)

// String returns the peer kind name
func (k PeerKind) String() string {
	switch k {
	case PeerKindDirectoryServer:
		return "directory_server"
	case PeerKindReplicationServer:
		return "replication_server"
	default:
		return fmt.Sprintf("peer_kind(%d)", uint8(k))
	}
}

// Valid reports whether k is a known peer kind
func (k PeerKind) Valid() bool {
	return k == PeerKindDirectoryServer || k == PeerKindReplicationServer
}

// ServerStatus is the replication status of a connected peer
type ServerStatus uint8

const (
	ServerStatusNormal ServerStatus = iota
	ServerStatusDegraded
	ServerStatusBadGenerationID
	ServerStatusFullUpdate
)

// String returns the status name
func (s ServerStatus) String() string {
	switch s {
	case ServerStatusNormal:
		return "normal"
	case ServerStatusDegraded:
		return "degraded"
	case ServerStatusBadGenerationID:
		return "bad_generation_id"
	case ServerStatusFullUpdate:
		return "full_update"
	default:
		return fmt.Sprintf("status(%d)", uint8(s))
	}
}

// ReceivesUpdates reports whether a peer in this status is sent updates
func (s ServerStatus) ReceivesUpdates() bool {
	return s == ServerStatusNormal || s == ServerStatusDegraded
}
