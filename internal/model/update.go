package model

import "fmt"

// OperationType is the kind of directory operation carried by an update
type OperationType uint8

const (
	OperationAdd OperationType = iota + 1
	OperationDelete
	OperationModify
	OperationModifyDN
)

// String returns the operation name
func (o OperationType) String() string {
	switch o {
	case OperationAdd:
		return "add"
	case OperationDelete:
		return "delete"
	case OperationModify:
		return "modify"
	case OperationModifyDN:
		return "modify_dn"
	default:
		return fmt.Sprintf("operation(%d)", uint8(o))
	}
}

// Valid reports whether o is a known operation
func (o OperationType) Valid() bool {
	return o >= OperationAdd && o <= OperationModifyDN
}

// AssuredMode selects how many peer acknowledgments an assured update waits for
type AssuredMode uint8

const (
	AssuredModeNone AssuredMode = iota
	// AssuredModeSafeRead waits for every eligible peer
	AssuredModeSafeRead
	// AssuredModeSafeData waits for SafetyLevel peers
	AssuredModeSafeData
)

// String returns the mode name
func (m AssuredMode) String() string {
	switch m {
	case AssuredModeNone:
		return "none"
	case AssuredModeSafeRead:
		return "safe_read"
	case AssuredModeSafeData:
		return "safe_data"
	default:
		return fmt.Sprintf("assured_mode(%d)", uint8(m))
	}
}

// UpdateMsg is an immutable change record. It is created once by the
// originating server and shared by every queue it is forwarded to.
type UpdateMsg struct {
	ChangeNumber ChangeNumber
	DN           string
	Operation    OperationType
	Payload      []byte
	Assured      bool
	AssuredMode  AssuredMode
	SafetyLevel  uint8
}

// ReplicaID returns the originating replica of the update
func (u *UpdateMsg) ReplicaID() uint16 {
	return u.ChangeNumber.ReplicaID
}

// NotAssured returns a copy of u with the assured flag cleared. Peers that
// are not expected to acknowledge receive this copy.
func (u *UpdateMsg) NotAssured() *UpdateMsg {
	c := *u
	c.Assured = false
	return &c
}

// Size estimates the in-memory size of the update in bytes
func (u *UpdateMsg) Size() int {
	return ChangeNumberSize + len(u.DN) + len(u.Payload) + 4
}

// Equal reports whether two updates carry the same fields
func (u *UpdateMsg) Equal(o *UpdateMsg) bool {
	if u == nil || o == nil {
		return u == o
	}
	return u.ChangeNumber == o.ChangeNumber &&
		u.DN == o.DN &&
		u.Operation == o.Operation &&
		string(u.Payload) == string(o.Payload) &&
		u.Assured == o.Assured &&
		u.AssuredMode == o.AssuredMode &&
		u.SafetyLevel == o.SafetyLevel
}

// AckMsg acknowledges an assured update
type AckMsg struct {
	ChangeNumber   ChangeNumber
	FromServerID   uint16
	HasTimeout     bool
	HasWrongStatus bool
	FailedServers  []uint16
}

// Failed reports whether the acknowledgment carries any error flag
func (a *AckMsg) Failed() bool {
	return a.HasTimeout || a.HasWrongStatus || len(a.FailedServers) > 0
}
