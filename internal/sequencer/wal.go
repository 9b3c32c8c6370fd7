package sequencer

import (
	"bufio"
	"bytes"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"hash/crc32"
	"io"
	"math"
	"os"
	"path/filepath"

	"go.uber.org/zap"

	"github.com/harrowgate/sharedmap/internal/sharedmap"
)

// wal.go persists a client session's unacknowledged local ops so they
// survive a process restart. Unlike a replay-from-genesis log, this WAL is
// compacted every time an op is acknowledged: it only ever holds the tail of
// ops the kernel has not yet heard back about, which is exactly the set
// TryApplyStashed needs on recovery.

var stashHeader = []byte("SMWALv1\x00")

// StashEntry is one persisted, not-yet-acknowledged op.
type StashEntry struct {
	ClientSeq uint64
	Op        sharedmap.Op
}

var errCorruptStash = errors.New("sequencer: corrupt stash log")

func isCorruptStash(err error) bool {
	return errors.Is(err, errCorruptStash)
}

// StashLog is the on-disk record of a single client session's in-flight ops.
type StashLog struct {
	f      *os.File
	path   string
	bw     *bufio.Writer
	hdrLen int
	log    *zap.Logger
}

// OpenStashLog opens (or creates) the stash log at path and returns it along
// with every entry still pending as of the last Compact.
func OpenStashLog(path string, log *zap.Logger) (*StashLog, []StashEntry, error) {
	if log == nil {
		log = zap.NewNop()
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, nil, fmt.Errorf("sequencer: mkdir for stash log: %w", err)
	}

	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0o644)
	if err != nil {
		return nil, nil, fmt.Errorf("sequencer: open stash log: %w", err)
	}

	info, err := f.Stat()
	if err != nil {
		_ = f.Close()
		return nil, nil, err
	}

	w := &StashLog{f: f, path: path, hdrLen: len(stashHeader), log: log}

	if info.Size() <= 0 {
		if _, err := f.Write(stashHeader); err != nil {
			_ = f.Close()
			return nil, nil, err
		}
		if err := f.Sync(); err != nil {
			_ = f.Close()
			return nil, nil, err
		}
	} else {
		hdr := make([]byte, len(stashHeader))
		if _, err := f.ReadAt(hdr, 0); err != nil {
			_ = f.Close()
			return nil, nil, err
		}
		if !bytes.Equal(hdr, stashHeader) {
			_ = f.Close()
			return nil, nil, fmt.Errorf("sequencer: bad stash log header in %s", path)
		}
	}

	entries, err := w.replayAll()
	if err != nil {
		_ = f.Close()
		return nil, nil, err
	}

	if _, err := f.Seek(0, io.SeekEnd); err != nil {
		_ = f.Close()
		return nil, nil, err
	}
	w.bw = bufio.NewWriterSize(f, 32<<10)

	return w, entries, nil
}

// Close flushes and closes the underlying file.
func (w *StashLog) Close() error {
	if err := w.bw.Flush(); err != nil {
		return err
	}
	if err := w.f.Sync(); err != nil {
		return err
	}
	return w.f.Close()
}

func encodeStashEntry(e StashEntry) ([]byte, error) {
	if len(e.Op.Key) > math.MaxUint16 {
		return nil, errors.New("sequencer: key exceeds 16 bits")
	}
	if uint64(len(e.Op.Value.Value)) > math.MaxUint32 {
		return nil, errors.New("sequencer: value exceeds 32 bits")
	}

	var enc []byte
	enc = binary.BigEndian.AppendUint64(enc, e.ClientSeq)
	enc = append(enc, opTypeByte(e.Op.Type))
	enc = binary.BigEndian.AppendUint16(enc, uint16(len(e.Op.Key)))
	enc = append(enc, e.Op.Key...)
	enc = append(enc, valueKindByte(e.Op.Value.Kind))
	enc = binary.BigEndian.AppendUint32(enc, uint32(len(e.Op.Value.Value)))
	enc = append(enc, e.Op.Value.Value...)

	crc := crc32.ChecksumIEEE(enc)
	frameLen := uint32(4 + len(enc))
	frame := make([]byte, 0, 8+len(enc))
	frame = binary.BigEndian.AppendUint32(frame, frameLen)
	frame = binary.BigEndian.AppendUint32(frame, crc)
	frame = append(frame, enc...)
	return frame, nil
}

func decodeStashEntry(payload []byte) (StashEntry, error) {
	off := 0
	need := func(n int) error {
		if len(payload)-off < n {
			return fmt.Errorf("%w: need %d more bytes at offset %d", errCorruptStash, n, off)
		}
		return nil
	}

	if err := need(8); err != nil {
		return StashEntry{}, err
	}
	seq := binary.BigEndian.Uint64(payload[off : off+8])
	off += 8

	if err := need(1); err != nil {
		return StashEntry{}, err
	}
	typ, err := opTypeFromByte(payload[off])
	if err != nil {
		return StashEntry{}, fmt.Errorf("%w: %v", errCorruptStash, err)
	}
	off += 1

	if err := need(2); err != nil {
		return StashEntry{}, err
	}
	keyLen := int(binary.BigEndian.Uint16(payload[off : off+2]))
	off += 2

	if err := need(keyLen); err != nil {
		return StashEntry{}, err
	}
	key := string(payload[off : off+keyLen])
	off += keyLen

	if err := need(1); err != nil {
		return StashEntry{}, err
	}
	kind, err := valueKindFromByte(payload[off])
	if err != nil {
		return StashEntry{}, fmt.Errorf("%w: %v", errCorruptStash, err)
	}
	off += 1

	if err := need(4); err != nil {
		return StashEntry{}, err
	}
	valLen := int(binary.BigEndian.Uint32(payload[off : off+4]))
	off += 4

	if err := need(valLen); err != nil {
		return StashEntry{}, err
	}
	val := make([]byte, valLen)
	copy(val, payload[off:off+valLen])

	sv := sharedmap.SerializedValue{}
	if kind != "" {
		sv = sharedmap.SerializedValue{Kind: kind, Value: json.RawMessage(val)}
	}

	return StashEntry{
		ClientSeq: seq,
		Op:        sharedmap.Op{Type: typ, Key: key, Value: sv},
	}, nil
}

// valueKindByte encodes a SerializedValue.Kind for the stash log. OpDelete and
// OpClear entries carry no value, so an empty ValueKind is a legal "absent"
// tag (0), not an error.
func valueKindByte(k sharedmap.ValueKind) byte {
	switch k {
	case sharedmap.KindPlain:
		return 1
	case sharedmap.KindShared:
		return 2
	default:
		return 0
	}
}

func valueKindFromByte(b byte) (sharedmap.ValueKind, error) {
	switch b {
	case 0:
		return "", nil
	case 1:
		return sharedmap.KindPlain, nil
	case 2:
		return sharedmap.KindShared, nil
	default:
		return "", fmt.Errorf("unknown value kind byte %d", b)
	}
}

func opTypeByte(t sharedmap.OpType) byte {
	switch t {
	case sharedmap.OpSet:
		return 1
	case sharedmap.OpDelete:
		return 2
	case sharedmap.OpClear:
		return 3
	default:
		return 0
	}
}

func opTypeFromByte(b byte) (sharedmap.OpType, error) {
	switch b {
	case 1:
		return sharedmap.OpSet, nil
	case 2:
		return sharedmap.OpDelete, nil
	case 3:
		return sharedmap.OpClear, nil
	default:
		return "", fmt.Errorf("unknown op type byte %d", b)
	}
}

func (w *StashLog) readFrameAt(offset int64) ([]byte, int, error) {
	var hdr [4]byte
	n, err := w.f.ReadAt(hdr[:], offset)
	if err != nil {
		if err == io.EOF || err == io.ErrUnexpectedEOF {
			if n == 0 {
				return nil, 0, io.EOF
			}
			return nil, 0, io.ErrUnexpectedEOF
		}
		return nil, 0, err
	}
	if n < 4 {
		return nil, 0, io.ErrUnexpectedEOF
	}

	frameLen := binary.BigEndian.Uint32(hdr[:])
	if frameLen < 4 || frameLen > uint32(1<<28) {
		return nil, 0, fmt.Errorf("%w: bad frame length %d", errCorruptStash, frameLen)
	}

	body := make([]byte, frameLen)
	n, err = w.f.ReadAt(body, offset+4)
	if err != nil {
		if err == io.EOF || err == io.ErrUnexpectedEOF {
			return nil, 0, io.ErrUnexpectedEOF
		}
		return nil, 0, err
	}
	if uint32(n) < frameLen {
		return nil, 0, io.ErrUnexpectedEOF
	}

	crcWant := binary.BigEndian.Uint32(body[:4])
	enc := body[4:]
	if crc32.ChecksumIEEE(enc) != crcWant {
		return nil, 0, errCorruptStash
	}
	return enc, int(4 + frameLen), nil
}

// replayAll reads every entry currently in the log, repairing (truncating
// to the last good frame) if the tail is corrupt or incomplete, the same
// crash-recovery strategy a partial fsync can leave behind.
func (w *StashLog) replayAll() ([]StashEntry, error) {
	off := int64(w.hdrLen)
	lastGood := off
	var out []StashEntry
	repairNeeded := false

	for {
		enc, n, rerr := w.readFrameAt(off)
		if rerr != nil {
			if rerr == io.EOF {
				break
			}
			if rerr != io.ErrUnexpectedEOF && !isCorruptStash(rerr) {
				return out, rerr
			}
			repairNeeded = true
			break
		}
		entry, derr := decodeStashEntry(enc)
		if derr != nil {
			repairNeeded = true
			break
		}
		out = append(out, entry)
		off += int64(n)
		lastGood = off
	}

	if repairNeeded {
		w.log.Warn("truncating stash log to last good frame", zap.String("path", w.path), zap.Int64("offset", lastGood))
		if err := w.f.Truncate(lastGood); err != nil {
			return out, err
		}
		if err := w.f.Sync(); err != nil {
			return out, err
		}
	}
	return out, nil
}

// Append persists a newly submitted, not-yet-acked op.
func (w *StashLog) Append(e StashEntry) error {
	frame, err := encodeStashEntry(e)
	if err != nil {
		return err
	}
	if _, err := w.bw.Write(frame); err != nil {
		return err
	}
	if err := w.bw.Flush(); err != nil {
		return err
	}
	return w.f.Sync()
}

// Compact rewrites the log to hold exactly the given still-pending entries,
// dropping everything acknowledged so far. Called after every ack so the
// log never grows past the current in-flight window.
func (w *StashLog) Compact(live []StashEntry) error {
	tmpPath := w.path + ".compact"
	tmp, err := os.OpenFile(tmpPath, os.O_RDWR|os.O_CREATE|os.O_TRUNC, 0o644)
	if err != nil {
		return err
	}

	if _, err := tmp.Write(stashHeader); err != nil {
		_ = tmp.Close()
		return err
	}
	bw := bufio.NewWriterSize(tmp, 32<<10)
	for _, e := range live {
		frame, err := encodeStashEntry(e)
		if err != nil {
			_ = tmp.Close()
			return err
		}
		if _, err := bw.Write(frame); err != nil {
			_ = tmp.Close()
			return err
		}
	}
	if err := bw.Flush(); err != nil {
		_ = tmp.Close()
		return err
	}
	if err := tmp.Sync(); err != nil {
		_ = tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}

	if err := w.bw.Flush(); err != nil {
		return err
	}
	if err := w.f.Close(); err != nil {
		return err
	}
	if err := os.Rename(tmpPath, w.path); err != nil {
		return err
	}

	f, err := os.OpenFile(w.path, os.O_RDWR, 0o644)
	if err != nil {
		return err
	}
	w.f = f
	if _, err := f.Seek(0, io.SeekEnd); err != nil {
		return err
	}
	w.bw = bufio.NewWriterSize(f, 32<<10)
	return nil
}
