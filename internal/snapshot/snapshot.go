// Package snapshot implements the versioned binary snapshot format used
// by the store's snapshot/restore boundary. The layout is the magic
// "TVS1" followed by the dimensionality and metric, the record section,
// the graph section, and the entry point. All integers are little-endian.
package snapshot

import (
	"bufio"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"math"
	"time"

	"github.com/fyrsmithlabs/tempovec/internal/metric"
	"github.com/fyrsmithlabs/tempovec/internal/record"
)

// Magic identifies format version 1.
const Magic = "TVS1"

var (
	ErrBadMagic  = errors.New("not a TVS1 snapshot")
	ErrCorrupted = errors.New("corrupted snapshot")
)

// Sanity bounds applied while decoding untrusted input.
const (
	maxStringLen = 1 << 20
	maxVectorDim = 1 << 16
	maxLayer     = 64
)

// Node is the serialized form of one graph node. Deleted nodes are kept
// in the graph section as traversal waypoints; they have no record entry,
// so they carry their own vector in Data. Live nodes leave Data nil and
// take their vector from the record section on restore.
type Node struct {
	ID        string
	Layer     int
	Neighbors [][]string
	Deleted   bool
	Data      []float32
}

// Entry is the serialized entry point.
type Entry struct {
	ID    string
	Layer int
}

// Snapshot is the decoded content of one blob. Records and Nodes are
// expected to cover the same id set; the store enforces that on restore.
type Snapshot struct {
	Dim     uint32
	Metric  metric.Kind
	Records []record.Record
	Nodes   []Node
	Entry   *Entry
}

// Encode writes the snapshot to w.
func (s *Snapshot) Encode(w io.Writer) error {
	bw := bufio.NewWriter(w)
	if _, err := bw.WriteString(Magic); err != nil {
		return fmt.Errorf("write magic: %w", err)
	}
	if err := binary.Write(bw, binary.LittleEndian, s.Dim); err != nil {
		return fmt.Errorf("write dim: %w", err)
	}
	if err := writeString(bw, string(s.Metric)); err != nil {
		return fmt.Errorf("write metric: %w", err)
	}

	if err := binary.Write(bw, binary.LittleEndian, uint32(len(s.Records))); err != nil {
		return fmt.Errorf("write record count: %w", err)
	}
	for i := range s.Records {
		if err := encodeRecord(bw, &s.Records[i], s.Dim); err != nil {
			return fmt.Errorf("record %q: %w", s.Records[i].ID, err)
		}
	}

	if err := binary.Write(bw, binary.LittleEndian, uint32(len(s.Nodes))); err != nil {
		return fmt.Errorf("write node count: %w", err)
	}
	for i := range s.Nodes {
		if err := encodeNode(bw, &s.Nodes[i], s.Dim); err != nil {
			return fmt.Errorf("node %q: %w", s.Nodes[i].ID, err)
		}
	}

	if s.Entry == nil {
		if err := bw.WriteByte(0); err != nil {
			return fmt.Errorf("write entry flag: %w", err)
		}
	} else {
		if err := bw.WriteByte(1); err != nil {
			return fmt.Errorf("write entry flag: %w", err)
		}
		if err := writeString(bw, s.Entry.ID); err != nil {
			return fmt.Errorf("write entry id: %w", err)
		}
		if err := binary.Write(bw, binary.LittleEndian, uint8(s.Entry.Layer)); err != nil {
			return fmt.Errorf("write entry layer: %w", err)
		}
	}
	return bw.Flush()
}

// Decode reads a snapshot from r and validates its structure. Semantic
// validation of the records themselves is left to the restoring store.
func Decode(r io.Reader) (*Snapshot, error) {
	br := bufio.NewReader(r)

	magic := make([]byte, len(Magic))
	if _, err := io.ReadFull(br, magic); err != nil {
		return nil, fmt.Errorf("read magic: %w", err)
	}
	if string(magic) != Magic {
		return nil, fmt.Errorf("%w: magic %q", ErrBadMagic, magic)
	}

	var s Snapshot
	if err := binary.Read(br, binary.LittleEndian, &s.Dim); err != nil {
		return nil, fmt.Errorf("read dim: %w", err)
	}
	if s.Dim == 0 || s.Dim > maxVectorDim {
		return nil, fmt.Errorf("%w: dimension %d", ErrCorrupted, s.Dim)
	}
	kindName, err := readString(br)
	if err != nil {
		return nil, fmt.Errorf("read metric: %w", err)
	}
	if s.Metric, err = metric.ParseKind(kindName); err != nil {
		return nil, fmt.Errorf("%w: metric %q", ErrCorrupted, kindName)
	}

	var recordCount uint32
	if err := binary.Read(br, binary.LittleEndian, &recordCount); err != nil {
		return nil, fmt.Errorf("read record count: %w", err)
	}
	s.Records = make([]record.Record, 0, recordCount)
	for i := uint32(0); i < recordCount; i++ {
		rec, err := decodeRecord(br, s.Dim)
		if err != nil {
			return nil, fmt.Errorf("record %d: %w", i, err)
		}
		s.Records = append(s.Records, rec)
	}

	var nodeCount uint32
	if err := binary.Read(br, binary.LittleEndian, &nodeCount); err != nil {
		return nil, fmt.Errorf("read node count: %w", err)
	}
	s.Nodes = make([]Node, 0, nodeCount)
	for i := uint32(0); i < nodeCount; i++ {
		nd, err := decodeNode(br, s.Dim)
		if err != nil {
			return nil, fmt.Errorf("node %d: %w", i, err)
		}
		s.Nodes = append(s.Nodes, nd)
	}

	flag, err := br.ReadByte()
	if err != nil {
		return nil, fmt.Errorf("read entry flag: %w", err)
	}
	switch flag {
	case 0:
	case 1:
		id, err := readString(br)
		if err != nil {
			return nil, fmt.Errorf("read entry id: %w", err)
		}
		var layer uint8
		if err := binary.Read(br, binary.LittleEndian, &layer); err != nil {
			return nil, fmt.Errorf("read entry layer: %w", err)
		}
		s.Entry = &Entry{ID: id, Layer: int(layer)}
	default:
		return nil, fmt.Errorf("%w: entry flag %d", ErrCorrupted, flag)
	}
	return &s, nil
}

func encodeRecord(w *bufio.Writer, rec *record.Record, dim uint32) error {
	if uint32(len(rec.Data)) != dim {
		return fmt.Errorf("vector length %d does not match dimension %d", len(rec.Data), dim)
	}
	if err := writeString(w, rec.ID); err != nil {
		return err
	}
	for _, v := range rec.Data {
		if err := binary.Write(w, binary.LittleEndian, math.Float32bits(v)); err != nil {
			return err
		}
	}
	a := &rec.Attrs
	if err := binary.Write(w, binary.LittleEndian, a.CreatedAt.UnixNano()); err != nil {
		return err
	}
	if err := binary.Write(w, binary.LittleEndian, a.LastAccessed.UnixNano()); err != nil {
		return err
	}
	if err := binary.Write(w, binary.LittleEndian, a.AccessCount); err != nil {
		return err
	}
	if err := binary.Write(w, binary.LittleEndian, math.Float32bits(a.Importance)); err != nil {
		return err
	}
	if err := writeString(w, a.Context); err != nil {
		return err
	}
	if err := binary.Write(w, binary.LittleEndian, math.Float32bits(a.DecayRate)); err != nil {
		return err
	}
	if err := writeStrings(w, a.Relationships); err != nil {
		return err
	}
	if err := binary.Write(w, binary.LittleEndian, uint32(len(a.Metadata))); err != nil {
		return err
	}
	for k, v := range a.Metadata {
		if err := writeString(w, k); err != nil {
			return err
		}
		if err := writeString(w, v); err != nil {
			return err
		}
	}
	return nil
}

func decodeRecord(r *bufio.Reader, dim uint32) (record.Record, error) {
	var rec record.Record
	id, err := readString(r)
	if err != nil {
		return rec, err
	}
	rec.ID = id
	rec.Data = make([]float32, dim)
	for i := range rec.Data {
		var bits uint32
		if err := binary.Read(r, binary.LittleEndian, &bits); err != nil {
			return rec, err
		}
		rec.Data[i] = math.Float32frombits(bits)
	}
	a := &rec.Attrs
	var createdNano, accessedNano int64
	if err := binary.Read(r, binary.LittleEndian, &createdNano); err != nil {
		return rec, err
	}
	if err := binary.Read(r, binary.LittleEndian, &accessedNano); err != nil {
		return rec, err
	}
	a.CreatedAt = time.Unix(0, createdNano).UTC()
	a.LastAccessed = time.Unix(0, accessedNano).UTC()
	if err := binary.Read(r, binary.LittleEndian, &a.AccessCount); err != nil {
		return rec, err
	}
	var bits uint32
	if err := binary.Read(r, binary.LittleEndian, &bits); err != nil {
		return rec, err
	}
	a.Importance = math.Float32frombits(bits)
	if a.Context, err = readString(r); err != nil {
		return rec, err
	}
	if err := binary.Read(r, binary.LittleEndian, &bits); err != nil {
		return rec, err
	}
	a.DecayRate = math.Float32frombits(bits)
	if a.Relationships, err = readStrings(r); err != nil {
		return rec, err
	}
	var metaCount uint32
	if err := binary.Read(r, binary.LittleEndian, &metaCount); err != nil {
		return rec, err
	}
	if metaCount > maxStringLen {
		return rec, fmt.Errorf("%w: metadata count %d", ErrCorrupted, metaCount)
	}
	if metaCount > 0 {
		a.Metadata = make(map[string]string, metaCount)
		for i := uint32(0); i < metaCount; i++ {
			k, err := readString(r)
			if err != nil {
				return rec, err
			}
			v, err := readString(r)
			if err != nil {
				return rec, err
			}
			a.Metadata[k] = v
		}
	}
	return rec, nil
}

func encodeNode(w *bufio.Writer, nd *Node, dim uint32) error {
	if nd.Layer < 0 || nd.Layer > maxLayer {
		return fmt.Errorf("layer %d out of range", nd.Layer)
	}
	if len(nd.Neighbors) != nd.Layer+1 {
		return fmt.Errorf("neighbor lists (%d) do not match layer %d", len(nd.Neighbors), nd.Layer)
	}
	if nd.Deleted && uint32(len(nd.Data)) != dim {
		return fmt.Errorf("deleted node vector length %d does not match dimension %d", len(nd.Data), dim)
	}
	if err := writeString(w, nd.ID); err != nil {
		return err
	}
	if err := w.WriteByte(uint8(nd.Layer)); err != nil {
		return err
	}
	var del byte
	if nd.Deleted {
		del = 1
	}
	if err := w.WriteByte(del); err != nil {
		return err
	}
	if nd.Deleted {
		for _, v := range nd.Data {
			if err := binary.Write(w, binary.LittleEndian, math.Float32bits(v)); err != nil {
				return err
			}
		}
	}
	for _, ids := range nd.Neighbors {
		if err := writeStrings(w, ids); err != nil {
			return err
		}
	}
	return nil
}

func decodeNode(r *bufio.Reader, dim uint32) (Node, error) {
	var nd Node
	id, err := readString(r)
	if err != nil {
		return nd, err
	}
	nd.ID = id
	layer, err := r.ReadByte()
	if err != nil {
		return nd, err
	}
	if int(layer) > maxLayer {
		return nd, fmt.Errorf("%w: layer %d", ErrCorrupted, layer)
	}
	nd.Layer = int(layer)
	del, err := r.ReadByte()
	if err != nil {
		return nd, err
	}
	if del > 1 {
		return nd, fmt.Errorf("%w: deleted flag %d", ErrCorrupted, del)
	}
	nd.Deleted = del == 1
	if nd.Deleted {
		nd.Data = make([]float32, dim)
		for i := range nd.Data {
			var bits uint32
			if err := binary.Read(r, binary.LittleEndian, &bits); err != nil {
				return nd, err
			}
			nd.Data[i] = math.Float32frombits(bits)
		}
	}
	nd.Neighbors = make([][]string, nd.Layer+1)
	for l := range nd.Neighbors {
		if nd.Neighbors[l], err = readStrings(r); err != nil {
			return nd, err
		}
	}
	return nd, nil
}

func writeString(w *bufio.Writer, s string) error {
	if len(s) > maxStringLen {
		return fmt.Errorf("string of %d bytes exceeds limit", len(s))
	}
	if err := binary.Write(w, binary.LittleEndian, uint32(len(s))); err != nil {
		return err
	}
	_, err := w.WriteString(s)
	return err
}

func readString(r *bufio.Reader) (string, error) {
	var n uint32
	if err := binary.Read(r, binary.LittleEndian, &n); err != nil {
		return "", err
	}
	if n > maxStringLen {
		return "", fmt.Errorf("%w: string of %d bytes", ErrCorrupted, n)
	}
	buf := make([]byte, n)
	if _, err := io.ReadFull(r, buf); err != nil {
		return "", err
	}
	return string(buf), nil
}

func writeStrings(w *bufio.Writer, ss []string) error {
	if err := binary.Write(w, binary.LittleEndian, uint32(len(ss))); err != nil {
		return err
	}
	for _, s := range ss {
		if err := writeString(w, s); err != nil {
			return err
		}
	}
	return nil
}

func readStrings(r *bufio.Reader) ([]string, error) {
	var n uint32
	if err := binary.Read(r, binary.LittleEndian, &n); err != nil {
		return nil, err
	}
	if n > maxStringLen {
		return nil, fmt.Errorf("%w: list of %d strings", ErrCorrupted, n)
	}
	if n == 0 {
		return nil, nil
	}
	out := make([]string, 0, n)
	for i := uint32(0); i < n; i++ {
		s, err := readString(r)
		if err != nil {
			return nil, err
		}
		out = append(out, s)
	}
	return out, nil
}
