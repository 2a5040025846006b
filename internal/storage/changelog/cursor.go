package changelog

import (
	"github.com/devrev/pairdb/replication-server/internal/errors"
	"github.com/devrev/pairdb/replication-server/internal/model"
	"github.com/devrev/pairdb/replication-server/internal/storage/kv"
	"go.uber.org/zap"
)

// CursorMode controls whether a cursor may delete records
type CursorMode int

const (
	CursorModeReadOnly CursorMode = iota
	CursorModeMutating
)

// Cursor iterates a Log in change number order. It reads the store in
// small batches and holds no store transaction between calls, so it never
// blocks writers. Corrupt records are logged and skipped.
//
//	c := log.OpenCursor(nil, changelog.CursorModeReadOnly)
//	defer c.Close()
//	for c.Next() {
//		use(c.Record())
//	}
//	if err := c.Err(); err != nil { ... }
type Cursor struct {
	log  *Log
	mode CursorMode

	next      []byte
	buf       []kv.Entry
	pos       int
	exhausted bool

	current    *model.UpdateMsg
	currentKey []byte
	skipped    int
	err        error
	closed     bool
}

func newCursor(l *Log, start []byte, mode CursorMode) *Cursor {
	return &Cursor{log: l, mode: mode, next: start}
}

// Next advances to the next readable record. It returns false at the end
// of the log, after Close, or on a store error (see Err).
func (c *Cursor) Next() bool {
	c.current = nil
	c.currentKey = nil

	for {
		if c.closed || c.err != nil {
			return false
		}
		if c.pos >= len(c.buf) {
			if c.exhausted {
				return false
			}
			c.fill()
			continue
		}

		e := c.buf[c.pos]
		c.pos++

		u, err := c.log.codec.Decode(e.Key, e.Value)
		if err != nil {
			if errors.GetCode(err) != errors.ErrCodeCorruptedRecord {
				c.err = err
				return false
			}
			c.skipped++
			c.log.metrics.RecordCorruptRecord()
			c.log.logger.Warn("Skipping corrupt changelog record",
				zap.Binary("key", e.Key),
				zap.Error(err))
			continue
		}

		c.current = u
		c.currentKey = e.Key
		return true
	}
}

func (c *Cursor) fill() {
	entries, err := c.log.bucket.Scan(c.next, c.log.scanBatch)
	if err != nil {
		c.err = errors.ChangelogFailed("failed to read changelog", err)
		return
	}

	c.buf = entries
	c.pos = 0
	if len(entries) < c.log.scanBatch {
		c.exhausted = true
	}
	if len(entries) > 0 {
		lastKey := entries[len(entries)-1].Key
		c.next = append(append(make([]byte, 0, len(lastKey)+1), lastKey...), 0)
	}
}

// Record returns the record at the cursor position
func (c *Cursor) Record() *model.UpdateMsg {
	return c.current
}

// Delete removes the record at the cursor position. Only cursors opened in
// CursorModeMutating may delete.
func (c *Cursor) Delete() error {
	if c.mode != CursorModeMutating {
		return errors.CursorReadOnly()
	}
	if c.currentKey == nil {
		return errors.InvalidArgument("cursor is not positioned on a record", nil)
	}
	if err := c.log.deleteRecord(c.currentKey); err != nil {
		return err
	}
	c.currentKey = nil
	return nil
}

// Skipped returns how many corrupt records were skipped so far
func (c *Cursor) Skipped() int {
	return c.skipped
}

// Err returns the store error that stopped iteration, if any
func (c *Cursor) Err() error {
	return c.err
}

// Close releases the cursor. It is safe to call more than once.
func (c *Cursor) Close() {
	c.closed = true
	c.buf = nil
	c.current = nil
}
