package transport

import (
	"fmt"

	"github.com/devrev/pairdb/replication-server/internal/model"
	"google.golang.org/grpc/encoding"
	"google.golang.org/protobuf/encoding/protowire"
)

// codecName is the content subtype of the replication stream
const codecName = "pairdb-frame"

func init() {
	encoding.RegisterCodec(frameCodec{})
}

// FrameKind tags the message carried by a Frame
type FrameKind uint8

const (
	FrameHello FrameKind = iota + 1
	FrameUpdate
	FrameAck
)

func (k FrameKind) String() string {
	switch k {
	case FrameHello:
		return "hello"
	case FrameUpdate:
		return "update"
	case FrameAck:
		return "ack"
	default:
		return fmt.Sprintf("frame(%d)", uint8(k))
	}
}

// Frame is one message on a Connect stream
type Frame struct {
	Kind   FrameKind
	Hello  *Hello
	Update *model.UpdateMsg
	Ack    *model.AckMsg
}

// Hello opens a stream. The connecting side names the domain and itself;
// the accepting side answers with its own identity and state.
type Hello struct {
	BaseDN       string
	ServerID     uint16
	Kind         model.PeerKind
	URL          string
	GenerationID int64
	Status       model.ServerStatus
	WindowSize   int
	SendWindow   int
	// HasState distinguishes an empty state from no state. A peer without
	// state follows live traffic only.
	HasState bool
	State    map[uint16]model.ChangeNumber
}

const (
	fieldFrameKind   protowire.Number = 1
	fieldFrameHello  protowire.Number = 2
	fieldFrameUpdate protowire.Number = 3
	fieldFrameAck    protowire.Number = 4
)

const (
	fieldHelloBaseDN     protowire.Number = 1
	fieldHelloServerID   protowire.Number = 2
	fieldHelloKind       protowire.Number = 3
	fieldHelloURL        protowire.Number = 4
	fieldHelloGeneration protowire.Number = 5
	fieldHelloStatus     protowire.Number = 6
	fieldHelloWindow     protowire.Number = 7
	fieldHelloSendWindow protowire.Number = 8
	fieldHelloHasState   protowire.Number = 9
	fieldHelloState      protowire.Number = 10
)

const (
	fieldUpdateChangeNumber protowire.Number = 1
	fieldUpdateDN           protowire.Number = 2
	fieldUpdateOperation    protowire.Number = 3
	fieldUpdatePayload      protowire.Number = 4
	fieldUpdateAssured      protowire.Number = 5
	fieldUpdateAssuredMode  protowire.Number = 6
	fieldUpdateSafetyLevel  protowire.Number = 7
)

const (
	fieldAckChangeNumber  protowire.Number = 1
	fieldAckFromServerID  protowire.Number = 2
	fieldAckTimeout       protowire.Number = 3
	fieldAckWrongStatus   protowire.Number = 4
	fieldAckFailedServers protowire.Number = 5
)

// frameCodec is the gRPC codec of the Connect stream
type frameCodec struct{}

func (frameCodec) Name() string { return codecName }

func (frameCodec) Marshal(v interface{}) ([]byte, error) {
	f, ok := v.(*Frame)
	if !ok {
		return nil, fmt.Errorf("frame codec cannot marshal %T", v)
	}
	return appendFrame(nil, f)
}

func (frameCodec) Unmarshal(data []byte, v interface{}) error {
	f, ok := v.(*Frame)
	if !ok {
		return fmt.Errorf("frame codec cannot unmarshal into %T", v)
	}
	*f = Frame{}
	return decodeFrame(data, f)
}

func appendFrame(b []byte, f *Frame) ([]byte, error) {
	b = protowire.AppendTag(b, fieldFrameKind, protowire.VarintType)
	b = protowire.AppendVarint(b, uint64(f.Kind))

	switch f.Kind {
	case FrameHello:
		if f.Hello == nil {
			return nil, fmt.Errorf("hello frame without hello")
		}
		b = protowire.AppendTag(b, fieldFrameHello, protowire.BytesType)
		b = protowire.AppendBytes(b, appendHello(nil, f.Hello))
	case FrameUpdate:
		if f.Update == nil {
			return nil, fmt.Errorf("update frame without update")
		}
		b = protowire.AppendTag(b, fieldFrameUpdate, protowire.BytesType)
		b = protowire.AppendBytes(b, appendUpdate(nil, f.Update))
	case FrameAck:
		if f.Ack == nil {
			return nil, fmt.Errorf("ack frame without ack")
		}
		b = protowire.AppendTag(b, fieldFrameAck, protowire.BytesType)
		b = protowire.AppendBytes(b, appendAck(nil, f.Ack))
	default:
		return nil, fmt.Errorf("unknown frame kind %d", f.Kind)
	}
	return b, nil
}

func appendHello(b []byte, h *Hello) []byte {
	b = protowire.AppendTag(b, fieldHelloBaseDN, protowire.BytesType)
	b = protowire.AppendString(b, h.BaseDN)
	b = protowire.AppendTag(b, fieldHelloServerID, protowire.VarintType)
	b = protowire.AppendVarint(b, uint64(h.ServerID))
	b = protowire.AppendTag(b, fieldHelloKind, protowire.VarintType)
	b = protowire.AppendVarint(b, uint64(h.Kind))
	if h.URL != "" {
		b = protowire.AppendTag(b, fieldHelloURL, protowire.BytesType)
		b = protowire.AppendString(b, h.URL)
	}
	b = protowire.AppendTag(b, fieldHelloGeneration, protowire.VarintType)
	b = protowire.AppendVarint(b, protowire.EncodeZigZag(h.GenerationID))
	b = protowire.AppendTag(b, fieldHelloStatus, protowire.VarintType)
	b = protowire.AppendVarint(b, uint64(h.Status))
	b = protowire.AppendTag(b, fieldHelloWindow, protowire.VarintType)
	b = protowire.AppendVarint(b, uint64(h.WindowSize))
	b = protowire.AppendTag(b, fieldHelloSendWindow, protowire.VarintType)
	b = protowire.AppendVarint(b, uint64(h.SendWindow))
	if h.HasState {
		b = protowire.AppendTag(b, fieldHelloHasState, protowire.VarintType)
		b = protowire.AppendVarint(b, protowire.EncodeBool(true))
		for _, cn := range h.State {
			b = protowire.AppendTag(b, fieldHelloState, protowire.BytesType)
			b = protowire.AppendBytes(b, cn.Bytes())
		}
	}
	return b
}

func appendUpdate(b []byte, u *model.UpdateMsg) []byte {
	b = protowire.AppendTag(b, fieldUpdateChangeNumber, protowire.BytesType)
	b = protowire.AppendBytes(b, u.ChangeNumber.Bytes())
	b = protowire.AppendTag(b, fieldUpdateDN, protowire.BytesType)
	b = protowire.AppendString(b, u.DN)
	b = protowire.AppendTag(b, fieldUpdateOperation, protowire.VarintType)
	b = protowire.AppendVarint(b, uint64(u.Operation))
	if len(u.Payload) > 0 {
		b = protowire.AppendTag(b, fieldUpdatePayload, protowire.BytesType)
		b = protowire.AppendBytes(b, u.Payload)
	}
	if u.Assured {
		b = protowire.AppendTag(b, fieldUpdateAssured, protowire.VarintType)
		b = protowire.AppendVarint(b, protowire.EncodeBool(true))
		b = protowire.AppendTag(b, fieldUpdateAssuredMode, protowire.VarintType)
		b = protowire.AppendVarint(b, uint64(u.AssuredMode))
		b = protowire.AppendTag(b, fieldUpdateSafetyLevel, protowire.VarintType)
		b = protowire.AppendVarint(b, uint64(u.SafetyLevel))
	}
	return b
}

func appendAck(b []byte, a *model.AckMsg) []byte {
	b = protowire.AppendTag(b, fieldAckChangeNumber, protowire.BytesType)
	b = protowire.AppendBytes(b, a.ChangeNumber.Bytes())
	b = protowire.AppendTag(b, fieldAckFromServerID, protowire.VarintType)
	b = protowire.AppendVarint(b, uint64(a.FromServerID))
	if a.HasTimeout {
		b = protowire.AppendTag(b, fieldAckTimeout, protowire.VarintType)
		b = protowire.AppendVarint(b, protowire.EncodeBool(true))
	}
	if a.HasWrongStatus {
		b = protowire.AppendTag(b, fieldAckWrongStatus, protowire.VarintType)
		b = protowire.AppendVarint(b, protowire.EncodeBool(true))
	}
	if len(a.FailedServers) > 0 {
		var packed []byte
		for _, id := range a.FailedServers {
			packed = protowire.AppendVarint(packed, uint64(id))
		}
		b = protowire.AppendTag(b, fieldAckFailedServers, protowire.BytesType)
		b = protowire.AppendBytes(b, packed)
	}
	return b
}

// fieldFunc consumes the value of one field and returns the bytes used
type fieldFunc func(num protowire.Number, typ protowire.Type, b []byte) int

// walk calls fn for every field of a message
func walk(b []byte, fn fieldFunc) error {
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return fmt.Errorf("bad field tag: %w", protowire.ParseError(n))
		}
		b = b[n:]

		n = fn(num, typ, b)
		if n == 0 {
			n = protowire.ConsumeFieldValue(num, typ, b)
		}
		if n < 0 {
			return fmt.Errorf("bad field %d: %w", num, protowire.ParseError(n))
		}
		b = b[n:]
	}
	return nil
}

func consumeVarint(b []byte, dst *uint64) int {
	v, n := protowire.ConsumeVarint(b)
	*dst = v
	return n
}

func decodeFrame(data []byte, f *Frame) error {
	var kind uint64
	var nestedErr error
	err := walk(data, func(num protowire.Number, typ protowire.Type, b []byte) int {
		switch {
		case num == fieldFrameKind && typ == protowire.VarintType:
			return consumeVarint(b, &kind)
		case num == fieldFrameHello && typ == protowire.BytesType:
			v, n := protowire.ConsumeBytes(b)
			if n >= 0 {
				f.Hello = &Hello{}
				nestedErr = decodeHello(v, f.Hello)
			}
			return n
		case num == fieldFrameUpdate && typ == protowire.BytesType:
			v, n := protowire.ConsumeBytes(b)
			if n >= 0 {
				f.Update = &model.UpdateMsg{}
				nestedErr = decodeUpdate(v, f.Update)
			}
			return n
		case num == fieldFrameAck && typ == protowire.BytesType:
			v, n := protowire.ConsumeBytes(b)
			if n >= 0 {
				f.Ack = &model.AckMsg{}
				nestedErr = decodeAck(v, f.Ack)
			}
			return n
		}
		return 0
	})
	if err != nil {
		return err
	}
	if nestedErr != nil {
		return nestedErr
	}

	f.Kind = FrameKind(kind)
	switch {
	case f.Kind == FrameHello && f.Hello == nil,
		f.Kind == FrameUpdate && f.Update == nil,
		f.Kind == FrameAck && f.Ack == nil:
		return fmt.Errorf("%s frame without body", f.Kind)
	case f.Kind < FrameHello || f.Kind > FrameAck:
		return fmt.Errorf("unknown frame kind %d", kind)
	}
	return nil
}

func decodeHello(data []byte, h *Hello) error {
	var stateErr error
	err := walk(data, func(num protowire.Number, typ protowire.Type, b []byte) int {
		var v uint64
		var n int
		switch {
		case num == fieldHelloBaseDN && typ == protowire.BytesType:
			h.BaseDN, n = protowire.ConsumeString(b)
			return n
		case num == fieldHelloURL && typ == protowire.BytesType:
			h.URL, n = protowire.ConsumeString(b)
			return n
		case num == fieldHelloState && typ == protowire.BytesType:
			var raw []byte
			raw, n = protowire.ConsumeBytes(b)
			if n < 0 {
				return n
			}
			cn, err := model.ParseChangeNumber(raw)
			if err != nil {
				stateErr = err
				return n
			}
			if h.State == nil {
				h.State = make(map[uint16]model.ChangeNumber)
			}
			h.State[cn.ReplicaID] = cn
			return n
		case typ != protowire.VarintType:
			return 0
		}

		n = consumeVarint(b, &v)
		switch num {
		case fieldHelloServerID:
			h.ServerID = uint16(v)
		case fieldHelloKind:
			h.Kind = model.PeerKind(v)
		case fieldHelloGeneration:
			h.GenerationID = protowire.DecodeZigZag(v)
		case fieldHelloStatus:
			h.Status = model.ServerStatus(v)
		case fieldHelloWindow:
			h.WindowSize = int(v)
		case fieldHelloSendWindow:
			h.SendWindow = int(v)
		case fieldHelloHasState:
			h.HasState = protowire.DecodeBool(v)
		}
		return n
	})
	if err != nil {
		return err
	}
	if stateErr != nil {
		return fmt.Errorf("bad hello state: %w", stateErr)
	}
	if h.HasState && h.State == nil {
		h.State = make(map[uint16]model.ChangeNumber)
	}
	return nil
}

func decodeUpdate(data []byte, u *model.UpdateMsg) error {
	var cnBytes []byte
	err := walk(data, func(num protowire.Number, typ protowire.Type, b []byte) int {
		var v uint64
		var n int
		switch {
		case num == fieldUpdateChangeNumber && typ == protowire.BytesType:
			cnBytes, n = protowire.ConsumeBytes(b)
			return n
		case num == fieldUpdateDN && typ == protowire.BytesType:
			u.DN, n = protowire.ConsumeString(b)
			return n
		case num == fieldUpdatePayload && typ == protowire.BytesType:
			var p []byte
			p, n = protowire.ConsumeBytes(b)
			u.Payload = append([]byte(nil), p...)
			return n
		case typ != protowire.VarintType:
			return 0
		}

		n = consumeVarint(b, &v)
		switch num {
		case fieldUpdateOperation:
			u.Operation = model.OperationType(v)
		case fieldUpdateAssured:
			u.Assured = protowire.DecodeBool(v)
		case fieldUpdateAssuredMode:
			u.AssuredMode = model.AssuredMode(v)
		case fieldUpdateSafetyLevel:
			u.SafetyLevel = uint8(v)
		}
		return n
	})
	if err != nil {
		return err
	}

	cn, err := model.ParseChangeNumber(cnBytes)
	if err != nil {
		return fmt.Errorf("bad update change number: %w", err)
	}
	u.ChangeNumber = cn
	return nil
}

func decodeAck(data []byte, a *model.AckMsg) error {
	var cnBytes []byte
	err := walk(data, func(num protowire.Number, typ protowire.Type, b []byte) int {
		var v uint64
		var n int
		switch {
		case num == fieldAckChangeNumber && typ == protowire.BytesType:
			cnBytes, n = protowire.ConsumeBytes(b)
			return n
		case num == fieldAckFailedServers && typ == protowire.BytesType:
			var packed []byte
			packed, n = protowire.ConsumeBytes(b)
			for len(packed) > 0 {
				id, m := protowire.ConsumeVarint(packed)
				if m < 0 {
					return m
				}
				a.FailedServers = append(a.FailedServers, uint16(id))
				packed = packed[m:]
			}
			return n
		case typ != protowire.VarintType:
			return 0
		}

		n = consumeVarint(b, &v)
		switch num {
		case fieldAckFromServerID:
			a.FromServerID = uint16(v)
		case fieldAckTimeout:
			a.HasTimeout = protowire.DecodeBool(v)
		case fieldAckWrongStatus:
			a.HasWrongStatus = protowire.DecodeBool(v)
		}
		return n
	})
	if err != nil {
		return err
	}

	cn, err := model.ParseChangeNumber(cnBytes)
	if err != nil {
		return fmt.Errorf("bad ack change number: %w", err)
	}
	a.ChangeNumber = cn
	return nil
}
