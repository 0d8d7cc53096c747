package bandit

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"math"

	"github.com/conduitrouter/conduit/internal/conduiterr"
)

// algoTag is the one-byte discriminator every serialized payload leads
// with, so a stored blob is self-describing and Restore can refuse to load
// a posterior written by the wrong algorithm.
type algoTag byte

const (
	algoBetaThompson algoTag = 1
	algoUCB1         algoTag = 2
	algoLinUCB       algoTag = 3
	algoCtxTS        algoTag = 4
)

// payloadWriter builds a length-prefixed binary payload: one algorithm-tag
// byte, then a stream of ints/strings/float64 arrays, each float array
// prefixed by its element count.
type payloadWriter struct {
	buf bytes.Buffer
}

func newPayloadWriter(tag algoTag) *payloadWriter {
	w := &payloadWriter{}
	w.buf.WriteByte(byte(tag))
	return w
}

func (w *payloadWriter) writeInt(v int) {
	var b [8]byte
	binary.BigEndian.PutUint64(b[:], uint64(int64(v)))
	w.buf.Write(b[:])
}

func (w *payloadWriter) writeString(s string) {
	w.writeInt(len(s))
	w.buf.WriteString(s)
}

func (w *payloadWriter) writeFloats(fs []float64) {
	w.writeInt(len(fs))
	for _, f := range fs {
		var b [8]byte
		binary.BigEndian.PutUint64(b[:], math.Float64bits(f))
		w.buf.Write(b[:])
	}
}

func (w *payloadWriter) bytes() []byte { return w.buf.Bytes() }

type payloadReader struct {
	buf *bytes.Reader
}

func newPayloadReader(data []byte, want algoTag) (*payloadReader, error) {
	if len(data) < 1 {
		return nil, conduiterr.NewDatabaseError("bandit: empty posterior payload", nil)
	}
	if algoTag(data[0]) != want {
		return nil, conduiterr.NewDatabaseError(fmt.Sprintf("bandit: posterior tag mismatch: got %d want %d", data[0], want), nil)
	}
	return &payloadReader{buf: bytes.NewReader(data[1:])}, nil
}

func (r *payloadReader) readInt() (int, error) {
	var b [8]byte
	if _, err := r.buf.Read(b[:]); err != nil {
		return 0, conduiterr.NewDatabaseError("bandit: truncated posterior payload", err)
	}
	return int(int64(binary.BigEndian.Uint64(b[:]))), nil
}

func (r *payloadReader) readString() (string, error) {
	n, err := r.readInt()
	if err != nil {
		return "", err
	}
	b := make([]byte, n)
	if _, err := r.buf.Read(b); err != nil {
		return "", conduiterr.NewDatabaseError("bandit: truncated posterior string", err)
	}
	return string(b), nil
}

func (r *payloadReader) readFloats(want int) ([]float64, error) {
	n, err := r.readInt()
	if err != nil {
		return nil, err
	}
	if want >= 0 && n != want {
		return nil, conduiterr.NewDatabaseError(fmt.Sprintf("bandit: expected %d floats, got %d", want, n), nil)
	}
	out := make([]float64, n)
	var b [8]byte
	for i := 0; i < n; i++ {
		if _, err := r.buf.Read(b[:]); err != nil {
			return nil, conduiterr.NewDatabaseError("bandit: truncated posterior floats", err)
		}
		out[i] = math.Float64frombits(binary.BigEndian.Uint64(b[:]))
	}
	return out, nil
}
