package checkpoints

import (
	"fmt"
	"math"
	"time"

	"google.golang.org/protobuf/encoding/protowire"
)

// Binary snapshots are the magic header followed by one protobuf-encoded
// message:
//
//	message Checkpoint {
//	  uint64 format_version = 1;
//	  string framework = 2;
//	  string architecture = 3;
//	  uint64 scale_factor = 4;
//	  uint64 epoch = 5;
//	  double psnr = 6;
//	  int64 created_unix_nano = 7;
//	  string description = 8;
//	  repeated WeightTensor weights = 9;
//	}
//	message WeightTensor {
//	  string name = 1;
//	  string layer = 2;
//	  string type = 3;
//	  repeated uint64 shape = 4 [packed = true];
//	  repeated float data = 5 [packed = true];
//	}
const magic = "SRCNNCKP"

const (
	fieldFormatVersion protowire.Number = 1
	fieldFramework     protowire.Number = 2
	fieldArchitecture  protowire.Number = 3
	fieldScaleFactor   protowire.Number = 4
	fieldEpoch         protowire.Number = 5
	fieldPSNR          protowire.Number = 6
	fieldCreatedAt     protowire.Number = 7
	fieldDescription   protowire.Number = 8
	fieldWeights       protowire.Number = 9

	fieldTensorName  protowire.Number = 1
	fieldTensorLayer protowire.Number = 2
	fieldTensorType  protowire.Number = 3
	fieldTensorShape protowire.Number = 4
	fieldTensorData  protowire.Number = 5
)

// MarshalBinary encodes checkpoint in the binary snapshot format.
func MarshalBinary(checkpoint *Checkpoint) ([]byte, error) {
	md := checkpoint.Metadata
	if md.ScaleFactor < 0 || md.Epoch < 0 {
		return nil, fmt.Errorf("negative scale factor %d or epoch %d", md.ScaleFactor, md.Epoch)
	}

	b := []byte(magic)
	b = protowire.AppendTag(b, fieldFormatVersion, protowire.VarintType)
	b = protowire.AppendVarint(b, FormatVersion)
	b = appendString(b, fieldFramework, md.Framework)
	b = appendString(b, fieldArchitecture, md.Architecture)
	b = protowire.AppendTag(b, fieldScaleFactor, protowire.VarintType)
	b = protowire.AppendVarint(b, uint64(md.ScaleFactor))
	b = protowire.AppendTag(b, fieldEpoch, protowire.VarintType)
	b = protowire.AppendVarint(b, uint64(md.Epoch))
	b = protowire.AppendTag(b, fieldPSNR, protowire.Fixed64Type)
	b = protowire.AppendFixed64(b, math.Float64bits(float64(md.PSNR)))
	if !md.CreatedAt.IsZero() {
		b = protowire.AppendTag(b, fieldCreatedAt, protowire.VarintType)
		b = protowire.AppendVarint(b, uint64(md.CreatedAt.UnixNano()))
	}
	b = appendString(b, fieldDescription, md.Description)

	for i := range checkpoint.Weights {
		w := &checkpoint.Weights[i]
		n := 1
		for _, d := range w.Shape {
			if d < 0 {
				return nil, fmt.Errorf("tensor %s has negative dimension in %v", w.Name, w.Shape)
			}
			n *= d
		}
		if n != len(w.Data) {
			return nil, fmt.Errorf("tensor %s has %d values for shape %v", w.Name, len(w.Data), w.Shape)
		}
		b = protowire.AppendTag(b, fieldWeights, protowire.BytesType)
		b = protowire.AppendBytes(b, marshalTensor(w))
	}

	return b, nil
}

func appendString(b []byte, num protowire.Number, s string) []byte {
	if s == "" {
		return b
	}
	b = protowire.AppendTag(b, num, protowire.BytesType)
	return protowire.AppendString(b, s)
}

func marshalTensor(w *WeightTensor) []byte {
	var b []byte
	b = appendString(b, fieldTensorName, w.Name)
	b = appendString(b, fieldTensorLayer, w.Layer)
	b = appendString(b, fieldTensorType, w.Type)

	var shape []byte
	for _, d := range w.Shape {
		shape = protowire.AppendVarint(shape, uint64(d))
	}
	b = protowire.AppendTag(b, fieldTensorShape, protowire.BytesType)
	b = protowire.AppendBytes(b, shape)

	data := make([]byte, 0, 4*len(w.Data))
	for _, v := range w.Data {
		data = protowire.AppendFixed32(data, math.Float32bits(v))
	}
	b = protowire.AppendTag(b, fieldTensorData, protowire.BytesType)
	return protowire.AppendBytes(b, data)
}

// UnmarshalBinary decodes a binary snapshot. Unknown fields are skipped
// so later minor additions stay readable.
func UnmarshalBinary(data []byte) (*Checkpoint, error) {
	if len(data) < len(magic) || string(data[:len(magic)]) != magic {
		return nil, ErrBadMagic
	}
	b := data[len(magic):]

	checkpoint := &Checkpoint{}
	md := &checkpoint.Metadata
	sawVersion := false

	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return nil, fmt.Errorf("corrupt checkpoint: %v", protowire.ParseError(n))
		}
		b = b[n:]

		switch {
		case num == fieldFormatVersion && typ == protowire.VarintType:
			v, n := protowire.ConsumeVarint(b)
			if n < 0 {
				return nil, fmt.Errorf("corrupt format version: %v", protowire.ParseError(n))
			}
			if v > FormatVersion {
				return nil, fmt.Errorf("%w: %d", ErrUnsupportedVersion, v)
			}
			md.FormatVersion = int(v)
			sawVersion = true
			b = b[n:]
		case (num == fieldFramework || num == fieldArchitecture || num == fieldDescription) && typ == protowire.BytesType:
			s, n := protowire.ConsumeString(b)
			if n < 0 {
				return nil, fmt.Errorf("corrupt string field %d: %v", num, protowire.ParseError(n))
			}
			switch num {
			case fieldFramework:
				md.Framework = s
			case fieldArchitecture:
				md.Architecture = s
			default:
				md.Description = s
			}
			b = b[n:]
		case (num == fieldScaleFactor || num == fieldEpoch || num == fieldCreatedAt) && typ == protowire.VarintType:
			v, n := protowire.ConsumeVarint(b)
			if n < 0 {
				return nil, fmt.Errorf("corrupt varint field %d: %v", num, protowire.ParseError(n))
			}
			switch num {
			case fieldScaleFactor:
				md.ScaleFactor = int(v)
			case fieldEpoch:
				md.Epoch = int(v)
			default:
				md.CreatedAt = time.Unix(0, int64(v))
			}
			b = b[n:]
		case num == fieldPSNR && typ == protowire.Fixed64Type:
			v, n := protowire.ConsumeFixed64(b)
			if n < 0 {
				return nil, fmt.Errorf("corrupt psnr: %v", protowire.ParseError(n))
			}
			md.PSNR = Metric(math.Float64frombits(v))
			b = b[n:]
		case num == fieldWeights && typ == protowire.BytesType:
			raw, n := protowire.ConsumeBytes(b)
			if n < 0 {
				return nil, fmt.Errorf("corrupt weight tensor: %v", protowire.ParseError(n))
			}
			w, err := unmarshalTensor(raw)
			if err != nil {
				return nil, err
			}
			checkpoint.Weights = append(checkpoint.Weights, w)
			b = b[n:]
		default:
			n := protowire.ConsumeFieldValue(num, typ, b)
			if n < 0 {
				return nil, fmt.Errorf("corrupt field %d: %v", num, protowire.ParseError(n))
			}
			b = b[n:]
		}
	}

	if !sawVersion {
		return nil, fmt.Errorf("checkpoint has no format version")
	}
	return checkpoint, nil
}

func unmarshalTensor(b []byte) (WeightTensor, error) {
	var w WeightTensor
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return w, fmt.Errorf("corrupt weight tensor: %v", protowire.ParseError(n))
		}
		b = b[n:]

		if typ != protowire.BytesType || num > fieldTensorData {
			n := protowire.ConsumeFieldValue(num, typ, b)
			if n < 0 {
				return w, fmt.Errorf("corrupt weight tensor field %d: %v", num, protowire.ParseError(n))
			}
			b = b[n:]
			continue
		}

		raw, n := protowire.ConsumeBytes(b)
		if n < 0 {
			return w, fmt.Errorf("corrupt weight tensor field %d: %v", num, protowire.ParseError(n))
		}
		b = b[n:]

		switch num {
		case fieldTensorName:
			w.Name = string(raw)
		case fieldTensorLayer:
			w.Layer = string(raw)
		case fieldTensorType:
			w.Type = string(raw)
		case fieldTensorShape:
			w.Shape = w.Shape[:0]
			for len(raw) > 0 {
				d, n := protowire.ConsumeVarint(raw)
				if n < 0 {
					return w, fmt.Errorf("corrupt shape of %s: %v", w.Name, protowire.ParseError(n))
				}
				w.Shape = append(w.Shape, int(d))
				raw = raw[n:]
			}
		case fieldTensorData:
			if len(raw)%4 != 0 {
				return w, fmt.Errorf("tensor %s data length %d is not a multiple of 4", w.Name, len(raw))
			}
			w.Data = make([]float32, 0, len(raw)/4)
			for len(raw) > 0 {
				v, n := protowire.ConsumeFixed32(raw)
				if n < 0 {
					return w, fmt.Errorf("corrupt data of %s: %v", w.Name, protowire.ParseError(n))
				}
				w.Data = append(w.Data, math.Float32frombits(v))
				raw = raw[n:]
			}
		}
	}

	n := 1
	for _, d := range w.Shape {
		n *= d
	}
	if n != len(w.Data) {
		return w, fmt.Errorf("tensor %s has %d values for shape %v", w.Name, len(w.Data), w.Shape)
	}
	return w, nil
}
