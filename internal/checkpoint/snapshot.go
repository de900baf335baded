// Package checkpoint persists agent parameters as opaque blobs.
//
// A Snapshot carries the agent shape (observation width, action width,
// hidden width) and every named parameter tensor. Blobs are encoded in the
// protobuf wire format; the layout is an implementation detail and carries
// no compatibility guarantee beyond reloading into the same learner.
package checkpoint

import (
	"errors"
	"fmt"
	"math"

	"google.golang.org/protobuf/encoding/protowire"
)

// ErrCorrupt indicates a blob that cannot be decoded.
var ErrCorrupt = errors.New("corrupt checkpoint")

// Tensor is a named row-major parameter matrix.
type Tensor struct {
	Name string
	Rows int
	Cols int
	Data []float64
}

// Snapshot is everything needed to rebuild and reload an agent.
type Snapshot struct {
	ObsDim  int
	ActDim  int
	Hidden  int
	Tensors []Tensor
}

// Tensor looks a tensor up by name.
func (s Snapshot) Tensor(name string) (Tensor, bool) {
	for _, t := range s.Tensors {
		if t.Name == name {
			return t, true
		}
	}
	return Tensor{}, false
}

const (
	fieldObsDim protowire.Number = 1
	fieldActDim protowire.Number = 2
	fieldHidden protowire.Number = 3
	fieldTensor protowire.Number = 4

	fieldTensorName protowire.Number = 1
	fieldTensorRows protowire.Number = 2
	fieldTensorCols protowire.Number = 3
	fieldTensorData protowire.Number = 4
)

// Encode serialises s.
func Encode(s Snapshot) []byte {
	var b []byte
	b = appendVarintField(b, fieldObsDim, s.ObsDim)
	b = appendVarintField(b, fieldActDim, s.ActDim)
	b = appendVarintField(b, fieldHidden, s.Hidden)
	for _, t := range s.Tensors {
		b = protowire.AppendTag(b, fieldTensor, protowire.BytesType)
		b = protowire.AppendBytes(b, encodeTensor(t))
	}
	return b
}

func encodeTensor(t Tensor) []byte {
	var b []byte
	b = protowire.AppendTag(b, fieldTensorName, protowire.BytesType)
	b = protowire.AppendString(b, t.Name)
	b = appendVarintField(b, fieldTensorRows, t.Rows)
	b = appendVarintField(b, fieldTensorCols, t.Cols)

	packed := make([]byte, 0, 8*len(t.Data))
	for _, v := range t.Data {
		packed = protowire.AppendFixed64(packed, math.Float64bits(v))
	}
	b = protowire.AppendTag(b, fieldTensorData, protowire.BytesType)
	return protowire.AppendBytes(b, packed)
}

func appendVarintField(b []byte, num protowire.Number, v int) []byte {
	b = protowire.AppendTag(b, num, protowire.VarintType)
	return protowire.AppendVarint(b, uint64(v))
}

// Decode parses a blob produced by Encode. Unknown fields are skipped.
func Decode(b []byte) (Snapshot, error) {
	var s Snapshot
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return Snapshot{}, fmt.Errorf("%w: %v", ErrCorrupt, protowire.ParseError(n))
		}
		b = b[n:]

		switch {
		case typ == protowire.VarintType && (num == fieldObsDim || num == fieldActDim || num == fieldHidden):
			v, n := protowire.ConsumeVarint(b)
			if n < 0 {
				return Snapshot{}, fmt.Errorf("%w: %v", ErrCorrupt, protowire.ParseError(n))
			}
			b = b[n:]
			switch num {
			case fieldObsDim:
				s.ObsDim = int(v)
			case fieldActDim:
				s.ActDim = int(v)
			case fieldHidden:
				s.Hidden = int(v)
			}
		case typ == protowire.BytesType && num == fieldTensor:
			raw, n := protowire.ConsumeBytes(b)
			if n < 0 {
				return Snapshot{}, fmt.Errorf("%w: %v", ErrCorrupt, protowire.ParseError(n))
			}
			b = b[n:]
			t, err := decodeTensor(raw)
			if err != nil {
				return Snapshot{}, err
			}
			s.Tensors = append(s.Tensors, t)
		default:
			n := protowire.ConsumeFieldValue(num, typ, b)
			if n < 0 {
				return Snapshot{}, fmt.Errorf("%w: %v", ErrCorrupt, protowire.ParseError(n))
			}
			b = b[n:]
		}
	}
	return s, nil
}

func decodeTensor(b []byte) (Tensor, error) {
	var t Tensor
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return Tensor{}, fmt.Errorf("%w: %v", ErrCorrupt, protowire.ParseError(n))
		}
		b = b[n:]

		switch {
		case num == fieldTensorName && typ == protowire.BytesType:
			v, n := protowire.ConsumeString(b)
			if n < 0 {
				return Tensor{}, fmt.Errorf("%w: %v", ErrCorrupt, protowire.ParseError(n))
			}
			t.Name = v
			b = b[n:]
		case (num == fieldTensorRows || num == fieldTensorCols) && typ == protowire.VarintType:
			v, n := protowire.ConsumeVarint(b)
			if n < 0 {
				return Tensor{}, fmt.Errorf("%w: %v", ErrCorrupt, protowire.ParseError(n))
			}
			if num == fieldTensorRows {
				t.Rows = int(v)
			} else {
				t.Cols = int(v)
			}
			b = b[n:]
		case num == fieldTensorData && typ == protowire.BytesType:
			packed, n := protowire.ConsumeBytes(b)
			if n < 0 {
				return Tensor{}, fmt.Errorf("%w: %v", ErrCorrupt, protowire.ParseError(n))
			}
			if len(packed)%8 != 0 {
				return Tensor{}, fmt.Errorf("%w: tensor data is %d bytes", ErrCorrupt, len(packed))
			}
			t.Data = make([]float64, 0, len(packed)/8)
			for len(packed) > 0 {
				v, m := protowire.ConsumeFixed64(packed)
				t.Data = append(t.Data, math.Float64frombits(v))
				packed = packed[m:]
			}
			b = b[n:]
		default:
			n := protowire.ConsumeFieldValue(num, typ, b)
			if n < 0 {
				return Tensor{}, fmt.Errorf("%w: %v", ErrCorrupt, protowire.ParseError(n))
			}
			b = b[n:]
		}
	}
	if t.Rows*t.Cols != len(t.Data) {
		return Tensor{}, fmt.Errorf("%w: tensor %q is %dx%d with %d values", ErrCorrupt, t.Name, t.Rows, t.Cols, len(t.Data))
	}
	return t, nil
}
