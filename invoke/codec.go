package invoke

import (
	"bytes"
	"errors"
	"fmt"
	"io"

	pb "github.com/gogo/protobuf/proto"

	"github.com/dermesser/clusterinvoke/proto"
)

const (
	// Upper bound for the envelope of one invocation.
	MaxEnvelopeSize = 64 << 20
	// Upper bound for a single bytes payload.
	MaxPayloadSize = 1 << 30
	// Upper bound for a whole invocation (envelope plus payloads) unless the
	// caller passes its own limit to DecodeLimit.
	DefaultMaxMessageSize = 256 << 20

	// Payloads above this size are read in growing steps instead of being
	// allocated up front.
	payloadChunkSize = 64 << 10
)

/*
Wire format:

	[sizebuf: envelope length][Envelope protobuf][payload 1][payload 2]...

The envelope carries the listener and, for each parameter, its name, kind and
inline value. Bytes parameters only declare their size in the envelope; the
raw payloads follow in parameter order so that a receiver can allocate each of
them once.
*/

// Encode writes m to w.
func Encode(w io.Writer, m *Invoke) error {
	header, payloads, err := encodeEnvelope(m)
	if err != nil {
		return err
	}

	if _, err = w.Write(header); err != nil {
		return err
	}
	for _, p := range payloads {
		if len(p) == 0 {
			continue
		}
		if _, err = w.Write(p); err != nil {
			return err
		}
	}
	return nil
}

// Marshal returns the wire encoding of m.
func Marshal(m *Invoke) ([]byte, error) {
	buf := new(bytes.Buffer)
	if err := Encode(buf, m); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func encodeEnvelope(m *Invoke) ([]byte, [][]byte, error) {
	env := &proto.Envelope{Listener: pb.String(m.listener)}
	var payloads [][]byte

	for _, p := range m.parameters {
		v, err := p.snapshot()
		if err != nil {
			return nil, nil, err
		}
		pp := &proto.Parameter{Name: pb.String(p.name), Kind: kindToProto(v.kind()).Enum()}

		switch v := v.(type) {
		case numberValue:
			pp.Number = pb.Float64(float64(v))
		case textValue:
			pp.Text = pb.String(string(v))
		case documentValue:
			pp.Document = documentToProto(v.doc)
		case bytesValue:
			pp.Size = pb.Uint64(uint64(len(v)))
			payloads = append(payloads, []byte(v))
		}
		env.Parameters = append(env.Parameters, pp)
	}

	serialized, err := pb.Marshal(env)
	if err != nil {
		return nil, nil, fmt.Errorf("encode envelope: %w", err)
	}

	sizebuf := lengthToSizebuf(uint64(len(serialized)))
	header := make([]byte, 0, sizebufLen+len(serialized))
	header = append(header, sizebuf[:]...)
	header = append(header, serialized...)
	return header, payloads, nil
}

/*
Decode reads exactly one invocation from r. It returns io.EOF if r ends before
the first byte of a message and *MalformedMessageError if the input is
truncated or otherwise invalid.
*/
func Decode(r io.Reader) (*Invoke, error) {
	return DecodeLimit(r, DefaultMaxMessageSize)
}

// DecodeLimit is Decode with an upper bound on the total size of the
// invocation. A limit of 0 means DefaultMaxMessageSize.
func DecodeLimit(r io.Reader, limit uint64) (*Invoke, error) {
	if limit == 0 {
		limit = DefaultMaxMessageSize
	}
	var sizebuf [sizebufLen]byte

	if _, err := io.ReadFull(r, sizebuf[:]); err != nil {
		if errors.Is(err, io.EOF) {
			return nil, io.EOF
		} else if errors.Is(err, io.ErrUnexpectedEOF) {
			return nil, malformed("truncated length prefix", err)
		}
		return nil, err
	}

	length := sizebufToLength(sizebuf)
	if length > MaxEnvelopeSize || length > limit {
		return nil, malformed(fmt.Sprintf("envelope length %d exceeds limit", length), nil)
	}

	serialized := make([]byte, length)
	if _, err := io.ReadFull(r, serialized); err != nil {
		return nil, truncated("envelope", err)
	}

	env := new(proto.Envelope)
	if err := pb.Unmarshal(serialized, env); err != nil {
		return nil, malformed("could not parse envelope", err)
	}

	m := &Invoke{listener: env.GetListener(), parameters: make([]*Parameter, 0, len(env.Parameters))}
	// Declared payload sizes, in parameter order. Nothing is allocated for
	// them before their bytes arrive.
	var sizes []uint64
	var bytesParams []*Parameter
	total := length

	for _, pp := range env.Parameters {
		kind, ok := kindFromProto(pp.GetKind())
		if !ok {
			return nil, malformed(fmt.Sprintf("parameter %q: unknown kind %d", pp.GetName(), pp.GetKind()), nil)
		}

		p := &Parameter{name: pp.GetName()}
		switch kind {
		case KindNumber:
			p.v = numberValue(pp.GetNumber())
		case KindText:
			p.v = textValue(pp.GetText())
		case KindDocument:
			if pp.Document == nil {
				return nil, malformed(fmt.Sprintf("parameter %q: document missing", pp.GetName()), nil)
			}
			p.v = documentValue{doc: documentFromProto(pp.Document)}
		case KindBytes:
			size := pp.GetSize()
			if size > MaxPayloadSize {
				return nil, malformed(fmt.Sprintf("parameter %q: payload length %d exceeds limit", pp.GetName(), size), nil)
			}
			if size > limit-total {
				return nil, malformed(fmt.Sprintf("parameter %q: message size exceeds limit of %d bytes", pp.GetName(), limit), nil)
			}
			total += size
			p.v = bytesValue(nil)
			sizes = append(sizes, size)
			bytesParams = append(bytesParams, p)
		}
		m.parameters = append(m.parameters, p)
	}

	for i, p := range bytesParams {
		b, err := readPayload(r, sizes[i])
		if err != nil {
			return nil, truncated(fmt.Sprintf("payload of %q", p.name), err)
		}
		p.v = bytesValue(b)
	}

	return m, nil
}

// readPayload reads exactly size bytes. Large payloads grow with the data
// actually received, so a peer declaring more than it sends costs little.
func readPayload(r io.Reader, size uint64) ([]byte, error) {
	if size == 0 {
		return []byte{}, nil
	}
	if size <= payloadChunkSize {
		b := make([]byte, size)
		if _, err := io.ReadFull(r, b); err != nil {
			return nil, err
		}
		return b, nil
	}

	buf := bytes.NewBuffer(make([]byte, 0, payloadChunkSize))
	n, err := io.CopyN(buf, r, int64(size))
	if err != nil {
		if errors.Is(err, io.EOF) && n > 0 {
			err = io.ErrUnexpectedEOF
		}
		return nil, err
	}
	return buf.Bytes(), nil
}

func truncated(what string, err error) error {
	if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
		return malformed("truncated "+what, io.ErrUnexpectedEOF)
	}
	return err
}

// Unmarshal decodes a buffer holding exactly one invocation.
func Unmarshal(b []byte) (*Invoke, error) {
	return UnmarshalLimit(b, DefaultMaxMessageSize)
}

// UnmarshalLimit is Unmarshal with the size bound of DecodeLimit.
func UnmarshalLimit(b []byte, limit uint64) (*Invoke, error) {
	r := bytes.NewReader(b)
	m, err := DecodeLimit(r, limit)
	if errors.Is(err, io.EOF) {
		return nil, malformed("empty input", nil)
	} else if err != nil {
		return nil, err
	}
	if r.Len() != 0 {
		return nil, malformed(fmt.Sprintf("%d trailing bytes", r.Len()), nil)
	}
	return m, nil
}
