package changelog

import (
	"bytes"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/devrev/pairdb/replication-server/internal/errors"
	"github.com/devrev/pairdb/replication-server/internal/metrics"
	"github.com/devrev/pairdb/replication-server/internal/model"
	"github.com/devrev/pairdb/replication-server/internal/storage/kv"
	"go.uber.org/zap"
)

const bucketPrefix = "changelog"

// BucketName returns the store bucket holding the log of one replica in one
// replication domain
func BucketName(baseDN string, replicaID uint16) string {
	return fmt.Sprintf("%s:%05d:%s", bucketPrefix, replicaID, baseDN)
}

// ParseBucketName reverses BucketName
func ParseBucketName(name string) (baseDN string, replicaID uint16, ok bool) {
	rest, found := strings.CutPrefix(name, bucketPrefix+":")
	if !found {
		return "", 0, false
	}
	idPart, dn, found := strings.Cut(rest, ":")
	if !found || dn == "" {
		return "", 0, false
	}
	id, err := strconv.ParseUint(idPart, 10, 16)
	if err != nil {
		return "", 0, false
	}
	return dn, uint16(id), true
}

// Options configures a Log
type Options struct {
	// ScanBatch is how many entries a cursor reads per store call
	ScanBatch int
}

// Log is the append-only changelog of one originating replica in one
// replication domain. It has a single writer and any number of cursors.
type Log struct {
	baseDN    string
	replicaID uint16
	bucket    kv.Bucket
	codec     *Codec
	scanBatch int
	logger    *zap.Logger
	metrics   *metrics.Metrics

	writeMu sync.Mutex

	mu       sync.RWMutex
	first    model.ChangeNumber
	last     model.ChangeNumber
	nonEmpty bool
	count    int
	// highest number ever appended; survives trimming the whole log
	highWater model.ChangeNumber
}

// OpenLog opens the log of a replica, creating its bucket if needed
func OpenLog(store kv.Store, baseDN string, replicaID uint16, codec *Codec, opts *Options, logger *zap.Logger, m *metrics.Metrics) (*Log, error) {
	bucket, err := store.Bucket(BucketName(baseDN, replicaID))
	if err != nil {
		return nil, errors.ChangelogFailed("failed to open changelog", err).
			WithDetail("base_dn", baseDN).
			WithDetail("replica_id", replicaID)
	}

	l := &Log{
		baseDN:    baseDN,
		replicaID: replicaID,
		bucket:    bucket,
		codec:     codec,
		scanBatch: 256,
		logger:    logger.With(zap.String("base_dn", baseDN), zap.Uint16("replica_id", replicaID)),
		metrics:   m,
	}
	if opts != nil && opts.ScanBatch > 0 {
		l.scanBatch = opts.ScanBatch
	}

	if err := l.reload(); err != nil {
		return nil, err
	}

	l.logger.Debug("Opened changelog",
		zap.Int("records", l.count),
		zap.Stringer("first", l.first),
		zap.Stringer("last", l.last))

	return l, nil
}

// reload refreshes first/last/count from the store
func (l *Log) reload() error {
	count, err := l.bucket.Count()
	if err != nil {
		return errors.ChangelogFailed("failed to count changes", err)
	}

	l.mu.Lock()
	l.count = count
	l.mu.Unlock()
	return l.reloadBounds()
}

// reloadBounds refreshes first/last from the store
func (l *Log) reloadBounds() error {
	firstKey, err := l.bucket.First()
	if err != nil {
		return errors.ChangelogFailed("failed to read oldest change", err)
	}
	lastKey, err := l.bucket.Last()
	if err != nil {
		return errors.ChangelogFailed("failed to read newest change", err)
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	l.nonEmpty = firstKey != nil
	l.first, l.last = model.ChangeNumber{}, model.ChangeNumber{}
	if firstKey == nil {
		l.count = 0
		return nil
	}
	if l.first, err = model.ParseChangeNumber(firstKey); err != nil {
		return errors.CorruptedRecord("bad key at head of changelog", err)
	}
	if l.last, err = model.ParseChangeNumber(lastKey); err != nil {
		return errors.CorruptedRecord("bad key at tail of changelog", err)
	}
	if l.highWater.Less(l.last) {
		l.highWater = l.last
	}
	return nil
}

// BaseDN returns the replication domain of the log
func (l *Log) BaseDN() string { return l.baseDN }

// ReplicaID returns the originating replica of the log
func (l *Log) ReplicaID() uint16 { return l.replicaID }

// Append durably persists u. Change numbers must strictly increase. A store
// failure is returned as ErrCodeChangelogFailed, which callers treat as
// fatal.
func (l *Log) Append(u *model.UpdateMsg) error {
	l.writeMu.Lock()
	defer l.writeMu.Unlock()

	cn := u.ChangeNumber
	if cn.ReplicaID != l.replicaID {
		return errors.InvalidArgument(
			fmt.Sprintf("change %s does not belong to replica %d", cn, l.replicaID), nil)
	}
	if hw := l.HighWater(); !hw.IsZero() && !hw.Less(cn) {
		return errors.ChangeOutOfOrder(l.replicaID, hw, cn)
	}

	value, err := l.codec.Encode(u)
	if err != nil {
		return errors.InternalError("failed to encode change", err)
	}

	start := time.Now()
	err = l.bucket.Put(cn.Bytes(), value)
	l.metrics.RecordAppend(time.Since(start), err)
	if err != nil {
		l.logger.Error("Failed to persist change", zap.Stringer("change_number", cn), zap.Error(err))
		return errors.ChangelogFailed("failed to persist change", err).
			WithDetail("base_dn", l.baseDN).
			WithDetail("change_number", cn.String())
	}

	l.mu.Lock()
	if !l.nonEmpty {
		l.first = cn
		l.nonEmpty = true
	}
	l.last = cn
	l.highWater = cn
	l.count++
	l.mu.Unlock()

	return nil
}

// First returns the oldest retained change number
func (l *Log) First() (model.ChangeNumber, bool) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.first, l.nonEmpty
}

// Last returns the newest change number
func (l *Log) Last() (model.ChangeNumber, bool) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.last, l.nonEmpty
}

// HighWater returns the highest change number ever appended, including
// trimmed ones
func (l *Log) HighWater() model.ChangeNumber {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.highWater
}

// Count returns the number of retained records
func (l *Log) Count() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.count
}

// OpenCursor positions a cursor at the first record >= from, or at the
// oldest record when from is nil
func (l *Log) OpenCursor(from *model.ChangeNumber, mode CursorMode) *Cursor {
	var start []byte
	if from != nil {
		start = from.Bytes()
	}
	return newCursor(l, start, mode)
}

// OpenCursorAfter positions a cursor at the first record > after
func (l *Log) OpenCursorAfter(after model.ChangeNumber) *Cursor {
	// appending a zero byte gives the smallest key above after
	return newCursor(l, append(after.Bytes(), 0), CursorModeReadOnly)
}

// DeleteBefore removes every record strictly older than cn
func (l *Log) DeleteBefore(cn model.ChangeNumber) (int, error) {
	l.writeMu.Lock()
	defer l.writeMu.Unlock()

	n, err := l.bucket.DeleteBefore(cn.Bytes())
	if err != nil {
		return 0, fmt.Errorf("failed to trim changelog: %w", err)
	}
	if err := l.reload(); err != nil {
		return n, err
	}
	l.metrics.RecordTrimmed(n)

	if n > 0 {
		l.logger.Info("Trimmed changelog", zap.Int("removed", n), zap.Stringer("before", cn))
	}
	return n, nil
}

// PurgeBefore removes records whose change time is older than cutoff
func (l *Log) PurgeBefore(cutoff time.Time) (int, error) {
	// the smallest change number stamped at or after cutoff
	return l.DeleteBefore(model.ChangeNumber{Time: uint64(cutoff.UnixMilli())})
}

// deleteRecord removes one record on behalf of a mutating cursor. The
// bounds are re-read only when an edge record goes.
func (l *Log) deleteRecord(key []byte) error {
	cn, err := model.ParseChangeNumber(key)
	if err != nil {
		return errors.CorruptedRecord("bad changelog key", err)
	}

	l.writeMu.Lock()
	defer l.writeMu.Unlock()

	found, err := l.bucket.Scan(key, 1)
	if err != nil {
		return fmt.Errorf("failed to read change: %w", err)
	}
	if len(found) == 0 || !bytes.Equal(found[0].Key, key) {
		// already trimmed
		return nil
	}
	if err := l.bucket.Delete(key); err != nil {
		return fmt.Errorf("failed to delete change: %w", err)
	}
	l.metrics.RecordTrimmed(1)

	l.mu.Lock()
	l.count--
	edge := cn == l.first || cn == l.last
	l.mu.Unlock()

	if edge {
		return l.reloadBounds()
	}
	return nil
}
