package changeset

import (
	"bufio"
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/klauspost/compress/zstd"
	"github.com/pierrec/lz4/v4"
)

// Container layout:
//
//	magic "BCCS" | version | compression | flags | body
//
// The body is optionally compressed. It holds an optional schema section
// (varint length + DDL text, present when flagSchema is set) followed by
// session-format row records.
const (
	formatVersion = 1

	flagSchema = 1 << 0

	tableMarker   = 'T'
	patchsetMark  = 'P'
	maxStringSize = 1 << 30
	smallRead     = 64 << 10
)

var magic = [4]byte{'B', 'C', 'C', 'S'}

// Compression selects how a changeset body is compressed on disk.
type Compression uint8

const (
	CompressionNone Compression = 0
	CompressionZstd Compression = 1
	CompressionLZ4  Compression = 2
)

func (c Compression) String() string {
	switch c {
	case CompressionNone:
		return "none"
	case CompressionZstd:
		return "zstd"
	case CompressionLZ4:
		return "lz4"
	default:
		return fmt.Sprintf("compression(%d)", uint8(c))
	}
}

// ParseCompression maps a configuration name to a Compression.
func ParseCompression(s string) (Compression, error) {
	switch strings.ToLower(s) {
	case "", "none":
		return CompressionNone, nil
	case "zstd":
		return CompressionZstd, nil
	case "lz4":
		return CompressionLZ4, nil
	default:
		return 0, fmt.Errorf("unknown changeset compression %q", s)
	}
}

var errTruncated = errors.New("changeset truncated")

type header struct {
	version     uint8
	compression Compression
	flags       uint8
}

func readHeader(r io.Reader) (header, error) {
	var buf [7]byte
	if _, err := io.ReadFull(r, buf[:]); err != nil {
		if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
			return header{}, fmt.Errorf("reading header: %w", errTruncated)
		}
		return header{}, err
	}
	if [4]byte(buf[:4]) != magic {
		return header{}, fmt.Errorf("bad magic %q", buf[:4])
	}
	h := header{version: buf[4], compression: Compression(buf[5]), flags: buf[6]}
	if h.version != formatVersion {
		return header{}, fmt.Errorf("unsupported changeset format version %d", h.version)
	}
	if h.compression > CompressionLZ4 {
		return header{}, fmt.Errorf("unsupported changeset compression %d", h.compression)
	}
	return h, nil
}

func writeHeader(w io.Writer, h header) error {
	buf := append(magic[:], h.version, byte(h.compression), h.flags)
	_, err := w.Write(buf)
	return err
}

// decompressor wraps the body reader according to the header.
func decompressor(r io.Reader, c Compression) (io.Reader, func(), error) {
	switch c {
	case CompressionNone:
		return r, func() {}, nil
	case CompressionZstd:
		d, err := zstd.NewReader(r)
		if err != nil {
			return nil, nil, err
		}
		return d, d.Close, nil
	case CompressionLZ4:
		return lz4.NewReader(r), func() {}, nil
	default:
		return nil, nil, fmt.Errorf("unsupported changeset compression %d", c)
	}
}

type nopWriteCloser struct{ io.Writer }

func (nopWriteCloser) Close() error { return nil }

func compressor(w io.Writer, c Compression) (io.WriteCloser, error) {
	switch c {
	case CompressionNone:
		return nopWriteCloser{w}, nil
	case CompressionZstd:
		return zstd.NewWriter(w)
	case CompressionLZ4:
		return lz4.NewWriter(w), nil
	default:
		return nil, fmt.Errorf("unsupported changeset compression %d", c)
	}
}

// appendVarint encodes v the way SQLite does: big-endian groups of seven
// bits, at most nine bytes, the ninth byte carrying eight bits.
func appendVarint(dst []byte, v uint64) []byte {
	if v <= 0x7f {
		return append(dst, byte(v))
	}
	if v&(uint64(0xff000000)<<32) != 0 {
		var p [9]byte
		p[8] = byte(v)
		v >>= 8
		for i := 7; i >= 0; i-- {
			p[i] = byte(v&0x7f) | 0x80
			v >>= 7
		}
		return append(dst, p[:]...)
	}
	var buf [10]byte
	n := 0
	for v != 0 {
		buf[n] = byte(v&0x7f) | 0x80
		n++
		v >>= 7
	}
	buf[0] &= 0x7f
	for i := n - 1; i >= 0; i-- {
		dst = append(dst, buf[i])
	}
	return dst
}

func readVarint(r io.ByteReader) (uint64, error) {
	var v uint64
	for i := 0; i < 8; i++ {
		b, err := r.ReadByte()
		if err != nil {
			return 0, err
		}
		v = v<<7 | uint64(b&0x7f)
		if b&0x80 == 0 {
			return v, nil
		}
	}
	b, err := r.ReadByte()
	if err != nil {
		return 0, err
	}
	return v<<8 | uint64(b), nil
}

func appendValue(dst []byte, v Value) []byte {
	dst = append(dst, byte(v.kind))
	switch v.kind {
	case KindInteger:
		dst = binary.BigEndian.AppendUint64(dst, uint64(v.i))
	case KindReal:
		dst = binary.BigEndian.AppendUint64(dst, float64bits(v.f))
	case KindText, KindBlob:
		dst = appendVarint(dst, uint64(len(v.b)))
		dst = append(dst, v.b...)
	}
	return dst
}

// readBytes reads exactly n bytes. Buffers above a small size grow with the
// input actually read, so a corrupt length cannot force a large allocation.
func readBytes(r io.Reader, n uint64) ([]byte, error) {
	if n <= smallRead {
		b := make([]byte, n)
		if _, err := io.ReadFull(r, b); err != nil {
			return nil, err
		}
		return b, nil
	}
	var buf bytes.Buffer
	if _, err := io.CopyN(&buf, r, int64(n)); err != nil {
		if err == io.EOF {
			err = io.ErrUnexpectedEOF
		}
		return nil, err
	}
	return buf.Bytes(), nil
}

func readValue(r *bufio.Reader) (Value, error) {
	t, err := r.ReadByte()
	if err != nil {
		return Value{}, err
	}
	switch ValueKind(t) {
	case KindUndefined:
		return Value{}, nil
	case KindNull:
		return Null(), nil
	case KindInteger, KindReal:
		var buf [8]byte
		if _, err := io.ReadFull(r, buf[:]); err != nil {
			return Value{}, err
		}
		u := binary.BigEndian.Uint64(buf[:])
		if ValueKind(t) == KindInteger {
			return Integer(int64(u)), nil
		}
		return Real(float64frombits(u)), nil
	case KindText, KindBlob:
		n, err := readVarint(r)
		if err != nil {
			return Value{}, err
		}
		if n > maxStringSize {
			return Value{}, fmt.Errorf("value length %d exceeds limit", n)
		}
		b, err := readBytes(r, n)
		if err != nil {
			return Value{}, err
		}
		return Value{kind: ValueKind(t), b: b}, nil
	default:
		return Value{}, fmt.Errorf("unknown value type %d", t)
	}
}
