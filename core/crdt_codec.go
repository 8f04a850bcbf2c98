package core

import (
	"encoding/binary"
	"sort"
)

// Self-describing binary encodings for deltas, replica state, and full
// document snapshots. Each blob starts with a magic byte and a format
// version so the hub can reject anything it does not understand without
// touching session state.

const (
	deltaMagic    = byte('D')
	snapshotMagic = byte('S')
	codecVersion  = byte(1)
)

func appendOpId(b []byte, id OpId) []byte {
	b = append(b, id.Agent.Bytes()...)
	b = binary.AppendUvarint(b, id.Seq)
	return b
}

func readOpId(b []byte) (OpId, []byte, bool) {
	if len(b) < 16 {
		return OpId{}, nil, false
	}
	id := OpId{Agent: RequireIdFromBytes(b[0:16])}
	b = b[16:]
	seq, n := binary.Uvarint(b)
	if n <= 0 {
		return OpId{}, nil, false
	}
	id.Seq = seq
	return id, b[n:], true
}

func appendOp(b []byte, op textOp) []byte {
	b = append(b, op.kind)
	switch op.kind {
	case opInsert:
		b = appendOpId(b, op.id)
		b = appendOpId(b, op.origin)
		b = binary.AppendUvarint(b, uint64(op.value))
	case opDelete:
		b = appendOpId(b, op.target)
	}
	return b
}

func readOp(b []byte) (textOp, []byte, bool) {
	if len(b) < 1 {
		return textOp{}, nil, false
	}
	op := textOp{kind: b[0]}
	b = b[1:]
	var ok bool
	switch op.kind {
	case opInsert:
		if op.id, b, ok = readOpId(b); !ok {
			return textOp{}, nil, false
		}
		if op.origin, b, ok = readOpId(b); !ok {
			return textOp{}, nil, false
		}
		value, n := binary.Uvarint(b)
		if n <= 0 {
			return textOp{}, nil, false
		}
		op.value = rune(value)
		b = b[n:]
	case opDelete:
		if op.target, b, ok = readOpId(b); !ok {
			return textOp{}, nil, false
		}
	default:
		return textOp{}, nil, false
	}
	return op, b, true
}

// EncodeDelta encodes a delta as an opaque blob.
func EncodeDelta(delta *Delta) []byte {
	b := []byte{deltaMagic, codecVersion}
	b = binary.AppendUvarint(b, uint64(len(delta.ops)))
	for _, op := range delta.ops {
		b = appendOp(b, op)
	}
	return b
}

// DecodeDelta parses a delta blob. A blob that cannot be parsed in full
// yields ErrMalformedDelta and no partial delta.
func DecodeDelta(blob []byte) (*Delta, error) {
	if len(blob) < 2 || blob[0] != deltaMagic || blob[1] != codecVersion {
		return nil, ErrMalformedDelta
	}
	b := blob[2:]
	count, n := binary.Uvarint(b)
	if n <= 0 {
		return nil, ErrMalformedDelta
	}
	b = b[n:]
	delta := &Delta{}
	for i := uint64(0); i < count; i += 1 {
		op, rest, ok := readOp(b)
		if !ok {
			return nil, ErrMalformedDelta
		}
		delta.ops = append(delta.ops, op)
		b = rest
	}
	if len(b) != 0 {
		return nil, ErrMalformedDelta
	}
	return delta, nil
}

func appendReplica(b []byte, replica *TextReplica) []byte {
	b = binary.AppendUvarint(b, uint64(len(replica.items)))
	for _, item := range replica.items {
		b = appendOpId(b, item.id)
		b = appendOpId(b, item.origin)
		b = binary.AppendUvarint(b, uint64(item.value))
		if item.deleted {
			b = append(b, 1)
		} else {
			b = append(b, 0)
		}
	}
	b = binary.AppendUvarint(b, uint64(len(replica.pending)))
	for _, op := range replica.pending {
		b = appendOp(b, op)
	}
	return b
}

func readReplica(b []byte, agent Id) (*TextReplica, []byte, bool) {
	replica := NewTextReplica(agent)
	count, n := binary.Uvarint(b)
	if n <= 0 {
		return nil, nil, false
	}
	b = b[n:]
	var ok bool
	for i := uint64(0); i < count; i += 1 {
		var item textItem
		if item.id, b, ok = readOpId(b); !ok {
			return nil, nil, false
		}
		if item.origin, b, ok = readOpId(b); !ok {
			return nil, nil, false
		}
		value, n := binary.Uvarint(b)
		if n <= 0 {
			return nil, nil, false
		}
		item.value = rune(value)
		b = b[n:]
		if len(b) < 1 {
			return nil, nil, false
		}
		item.deleted = b[0] == 1
		b = b[1:]
		replica.index[item.id] = len(replica.items)
		replica.items = append(replica.items, item)
		if replica.seq < item.id.Seq {
			replica.seq = item.id.Seq
		}
	}
	pendingCount, n := binary.Uvarint(b)
	if n <= 0 {
		return nil, nil, false
	}
	b = b[n:]
	for i := uint64(0); i < pendingCount; i += 1 {
		op, rest, ok := readOp(b)
		if !ok {
			return nil, nil, false
		}
		replica.pending = append(replica.pending, op)
		b = rest
	}
	return replica, b, true
}

func appendString(b []byte, s string) []byte {
	b = binary.AppendUvarint(b, uint64(len(s)))
	return append(b, s...)
}

func readString(b []byte) (string, []byte, bool) {
	length, n := binary.Uvarint(b)
	if n <= 0 || uint64(len(b)-n) < length {
		return "", nil, false
	}
	b = b[n:]
	return string(b[:length]), b[length:], true
}

// EncodeDocument encodes the full state of a document, replica internals
// included, so that deltas produced against any prior state still merge
// after a decode.
func EncodeDocument(doc *Document) []byte {
	b := []byte{snapshotMagic, codecVersion}

	paths := make([]string, 0, len(doc.files))
	for path := range doc.files {
		paths = append(paths, path)
	}
	sort.Strings(paths)
	b = binary.AppendUvarint(b, uint64(len(paths)))
	for _, path := range paths {
		b = appendString(b, path)
		b = appendReplica(b, doc.files[path])
	}

	folders := make([]string, 0, len(doc.folders))
	for folder := range doc.folders {
		folders = append(folders, folder)
	}
	sort.Strings(folders)
	b = binary.AppendUvarint(b, uint64(len(folders)))
	for _, folder := range folders {
		b = appendString(b, folder)
	}
	return b
}

// DecodeDocument parses a snapshot blob into a document.
func DecodeDocument(blob []byte, agent Id) (*Document, error) {
	if len(blob) < 2 || blob[0] != snapshotMagic || blob[1] != codecVersion {
		return nil, ErrMalformedSnapshot
	}
	b := blob[2:]
	doc := &Document{
		agent:   agent,
		files:   map[string]*TextReplica{},
		folders: map[string]bool{},
	}
	fileCount, n := binary.Uvarint(b)
	if n <= 0 {
		return nil, ErrMalformedSnapshot
	}
	b = b[n:]
	var ok bool
	for i := uint64(0); i < fileCount; i += 1 {
		var path string
		if path, b, ok = readString(b); !ok {
			return nil, ErrMalformedSnapshot
		}
		var replica *TextReplica
		if replica, b, ok = readReplica(b, agent); !ok {
			return nil, ErrMalformedSnapshot
		}
		doc.files[NormalizePath(path)] = replica
	}
	folderCount, n := binary.Uvarint(b)
	if n <= 0 {
		return nil, ErrMalformedSnapshot
	}
	b = b[n:]
	for i := uint64(0); i < folderCount; i += 1 {
		var folder string
		if folder, b, ok = readString(b); !ok {
			return nil, ErrMalformedSnapshot
		}
		doc.folders[NormalizePath(folder)] = true
	}
	if len(b) != 0 {
		return nil, ErrMalformedSnapshot
	}
	return doc, nil
}
