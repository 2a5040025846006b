package changelog

import (
	"bytes"
	"fmt"
	"sync"

	"github.com/devrev/pairdb/replication-server/internal/errors"
	"github.com/devrev/pairdb/replication-server/internal/model"
	"github.com/devrev/pairdb/replication-server/internal/util"
	"github.com/klauspost/compress/zstd"
	"google.golang.org/protobuf/encoding/protowire"
)

const (
	recordVersion byte = 1

	flagCompressed byte = 1 << 0
)

// Field numbers of the stored record
const (
	fieldChangeNumber protowire.Number = 1
	fieldDN           protowire.Number = 2
	fieldOperation    protowire.Number = 3
	fieldPayload      protowire.Number = 4
	fieldAssured      protowire.Number = 5
	fieldAssuredMode  protowire.Number = 6
	fieldSafetyLevel  protowire.Number = 7
)

// Codec turns change records into stored values and back.
//
// Value layout: [version][flags][protowire fields][crc32]. Payloads at or
// above the compression threshold are zstd-compressed.
type Codec struct {
	compressThreshold int

	encOnce sync.Once
	encoder *zstd.Encoder
	encErr  error

	decOnce sync.Once
	decoder *zstd.Decoder
	decErr  error
}

// NewCodec creates a codec. A threshold <= 0 disables compression.
func NewCodec(compressThreshold int) *Codec {
	return &Codec{compressThreshold: compressThreshold}
}

func (c *Codec) zstdEncoder() (*zstd.Encoder, error) {
	c.encOnce.Do(func() {
		c.encoder, c.encErr = zstd.NewWriter(nil,
			zstd.WithEncoderLevel(zstd.SpeedFastest),
			zstd.WithEncoderConcurrency(1))
	})
	return c.encoder, c.encErr
}

func (c *Codec) zstdDecoder() (*zstd.Decoder, error) {
	c.decOnce.Do(func() {
		c.decoder, c.decErr = zstd.NewReader(nil, zstd.WithDecoderConcurrency(1))
	})
	return c.decoder, c.decErr
}

// Encode serializes an update into its stored form
func (c *Codec) Encode(u *model.UpdateMsg) ([]byte, error) {
	payload := u.Payload
	flags := byte(0)
	if c.compressThreshold > 0 && len(payload) >= c.compressThreshold {
		enc, err := c.zstdEncoder()
		if err != nil {
			return nil, fmt.Errorf("failed to create zstd encoder: %w", err)
		}
		payload = enc.EncodeAll(payload, nil)
		flags |= flagCompressed
	}

	buf := make([]byte, 0, 2+u.Size()+16+util.ChecksumSize)
	buf = append(buf, recordVersion, flags)
	buf = protowire.AppendTag(buf, fieldChangeNumber, protowire.BytesType)
	buf = protowire.AppendBytes(buf, u.ChangeNumber.Bytes())
	buf = protowire.AppendTag(buf, fieldDN, protowire.BytesType)
	buf = protowire.AppendString(buf, u.DN)
	buf = protowire.AppendTag(buf, fieldOperation, protowire.VarintType)
	buf = protowire.AppendVarint(buf, uint64(u.Operation))
	buf = protowire.AppendTag(buf, fieldPayload, protowire.BytesType)
	buf = protowire.AppendBytes(buf, payload)
	if u.Assured {
		buf = protowire.AppendTag(buf, fieldAssured, protowire.VarintType)
		buf = protowire.AppendVarint(buf, protowire.EncodeBool(true))
		buf = protowire.AppendTag(buf, fieldAssuredMode, protowire.VarintType)
		buf = protowire.AppendVarint(buf, uint64(u.AssuredMode))
		buf = protowire.AppendTag(buf, fieldSafetyLevel, protowire.VarintType)
		buf = protowire.AppendVarint(buf, uint64(u.SafetyLevel))
	}

	return util.AppendChecksum(buf), nil
}

// Decode parses a stored value. When key is non-nil the embedded change
// number must match it. Every failure is a corrupted-record error.
func (c *Codec) Decode(key, value []byte) (*model.UpdateMsg, error) {
	data, ok := util.ValidateAndStripChecksum(value)
	if !ok {
		return nil, errors.CorruptedRecord("checksum mismatch", nil)
	}
	if len(data) < 2 {
		return nil, errors.CorruptedRecord("record too short", nil)
	}
	if data[0] != recordVersion {
		return nil, errors.CorruptedRecord(fmt.Sprintf("unknown record version %d", data[0]), nil)
	}
	flags := data[1]
	b := data[2:]

	u := &model.UpdateMsg{}
	var cnBytes, payload []byte
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return nil, errors.CorruptedRecord("bad field tag", protowire.ParseError(n))
		}
		b = b[n:]

		switch {
		case num == fieldChangeNumber && typ == protowire.BytesType:
			cnBytes, n = protowire.ConsumeBytes(b)
		case num == fieldDN && typ == protowire.BytesType:
			var dn string
			dn, n = protowire.ConsumeString(b)
			u.DN = dn
		case num == fieldOperation && typ == protowire.VarintType:
			var v uint64
			v, n = protowire.ConsumeVarint(b)
			u.Operation = model.OperationType(v)
		case num == fieldPayload && typ == protowire.BytesType:
			payload, n = protowire.ConsumeBytes(b)
		case num == fieldAssured && typ == protowire.VarintType:
			var v uint64
			v, n = protowire.ConsumeVarint(b)
			u.Assured = protowire.DecodeBool(v)
		case num == fieldAssuredMode && typ == protowire.VarintType:
			var v uint64
			v, n = protowire.ConsumeVarint(b)
			u.AssuredMode = model.AssuredMode(v)
		case num == fieldSafetyLevel && typ == protowire.VarintType:
			var v uint64
			v, n = protowire.ConsumeVarint(b)
			u.SafetyLevel = uint8(v)
		default:
			n = protowire.ConsumeFieldValue(num, typ, b)
		}
		if n < 0 {
			return nil, errors.CorruptedRecord(fmt.Sprintf("bad field %d", num), protowire.ParseError(n))
		}
		b = b[n:]
	}

	cn, err := model.ParseChangeNumber(cnBytes)
	if err != nil {
		return nil, errors.CorruptedRecord("bad change number", err)
	}
	if key != nil && !bytes.Equal(key, cnBytes) {
		return nil, errors.CorruptedRecord(fmt.Sprintf("record %s stored under a different key", cn), nil)
	}
	u.ChangeNumber = cn

	if flags&flagCompressed != 0 {
		dec, err := c.zstdDecoder()
		if err != nil {
			return nil, fmt.Errorf("failed to create zstd decoder: %w", err)
		}
		payload, err = dec.DecodeAll(payload, nil)
		if err != nil {
			return nil, errors.CorruptedRecord("bad compressed payload", err)
		}
	} else if payload != nil {
		payload = append([]byte(nil), payload...)
	}
	u.Payload = payload

	return u, nil
}

// Close releases compression resources
func (c *Codec) Close() {
	if c.encoder != nil {
		_ = c.encoder.Close()
	}
	if c.decoder != nil {
		c.decoder.Close()
	}
}
