package invoke

import (
	"bytes"
	"errors"
	"io"
	"math"
	"runtime"
	"testing"

	pb "github.com/gogo/protobuf/proto"
	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dermesser/clusterinvoke/proto"
)

type flatParam struct {
	Name  string
	Kind  Kind
	Value interface{}
}

type flatInvoke struct {
	Listener string
	Params   []flatParam
}

func flatten(t *testing.T, m *Invoke) flatInvoke {
	t.Helper()
	f := flatInvoke{Listener: m.Listener()}
	for _, p := range m.Parameters() {
		fp := flatParam{Name: p.Name(), Kind: p.Kind()}
		var err error
		switch p.Kind() {
		case KindNumber:
			fp.Value, err = p.Number()
		case KindText:
			fp.Value, err = p.Text()
		case KindDocument:
			fp.Value, err = p.Document()
		case KindBytes:
			fp.Value, err = p.Bytes()
		}
		require.NoError(t, err)
		f.Params = append(f.Params, fp)
	}
	return f
}

func sampleInvoke() *Invoke {
	tree := NewDocument("root").SetAttr("version", "2").Append(
		&Document{Tag: "leaf", Value: "x < y & z"},
		NewDocument("empty"),
	)
	big := bytes.Repeat([]byte{0, 1, 2, 0xff}, 4096)

	return New("compute",
		Number("n", 3),
		Number("pi", math.Pi),
		Text("label", "ünïcödé"),
		Bytes("blob", []byte("first")),
		Doc("tree", tree),
		Bytes("empty", nil),
		Text("label", "second label"),
		Bytes("big", big),
	)
}

func TestRoundTrip(t *testing.T) {
	t.Parallel()

	m := sampleInvoke()
	encoded, err := Marshal(m)
	require.NoError(t, err)

	decoded, err := Unmarshal(encoded)
	require.NoError(t, err)

	if diff := cmp.Diff(flatten(t, m), flatten(t, decoded)); diff != "" {
		t.Fatalf("round trip mismatch (-want +got):\n%s", diff)
	}

	assert.Equal(t, "ünïcödé", func() string { s, _ := decoded.TextOf("label"); return s }())
}

func TestRoundTripEmpty(t *testing.T) {
	t.Parallel()

	decoded, err := Unmarshal(mustMarshal(t, New("ping")))
	require.NoError(t, err)
	assert.Equal(t, "ping", decoded.Listener())
	assert.Equal(t, 0, decoded.Len())
}

func mustMarshal(t *testing.T, m *Invoke) []byte {
	t.Helper()
	b, err := Marshal(m)
	require.NoError(t, err)
	return b
}

func TestStreamOfMessages(t *testing.T) {
	t.Parallel()

	buf := new(bytes.Buffer)
	for i := 0; i < 3; i++ {
		require.NoError(t, Encode(buf, New("tick", Number("i", float64(i)), Bytes("b", []byte{byte(i)}))))
	}

	for i := 0; i < 3; i++ {
		m, err := Decode(buf)
		require.NoError(t, err)
		n, ok := m.NumberOf("i")
		require.True(t, ok)
		assert.Equal(t, float64(i), n)
	}

	_, err := Decode(buf)
	assert.Equal(t, io.EOF, err)
}

func TestTruncation(t *testing.T) {
	t.Parallel()

	encoded := mustMarshal(t, sampleInvoke())

	// Every strict prefix must be rejected, never accepted or panicking.
	for _, cut := range []int{1, 7, 8, 9, 20, len(encoded) / 2, len(encoded) - 1} {
		_, err := Unmarshal(encoded[:cut])
		var malformedErr *MalformedMessageError
		require.True(t, errors.As(err, &malformedErr), "cut at %d: got %v", cut, err)
	}
}

func TestTrailingBytes(t *testing.T) {
	t.Parallel()

	encoded := append(mustMarshal(t, New("x", Number("a", 1))), 0)
	_, err := Unmarshal(encoded)
	var malformedErr *MalformedMessageError
	assert.True(t, errors.As(err, &malformedErr))
}

func rawEnvelope(t *testing.T, env *proto.Envelope) []byte {
	t.Helper()
	serialized, err := pb.Marshal(env)
	require.NoError(t, err)
	sizebuf := lengthToSizebuf(uint64(len(serialized)))
	return append(sizebuf[:], serialized...)
}

func TestUnknownKind(t *testing.T) {
	t.Parallel()

	env := &proto.Envelope{
		Listener: pb.String("x"),
		Parameters: []*proto.Parameter{
			{Name: pb.String("weird"), Kind: proto.Parameter_Kind(9).Enum()},
		},
	}

	_, err := Unmarshal(rawEnvelope(t, env))
	var malformedErr *MalformedMessageError
	require.True(t, errors.As(err, &malformedErr), "got %v", err)
	assert.Contains(t, malformedErr.Error(), "unknown kind")
}

func TestOversizedDeclaration(t *testing.T) {
	t.Parallel()

	env := &proto.Envelope{
		Listener: pb.String("x"),
		Parameters: []*proto.Parameter{
			{Name: pb.String("huge"), Kind: proto.Parameter_BYTES.Enum(), Size: pb.Uint64(MaxPayloadSize + 1)},
		},
	}
	_, err := Unmarshal(rawEnvelope(t, env))
	var malformedErr *MalformedMessageError
	assert.True(t, errors.As(err, &malformedErr))

	sizebuf := lengthToSizebuf(MaxEnvelopeSize + 1)
	_, err = Decode(bytes.NewReader(sizebuf[:]))
	assert.True(t, errors.As(err, &malformedErr))
}

func TestGarbageEnvelope(t *testing.T) {
	t.Parallel()

	garbage := []byte{0xff, 0xff, 0xff, 0xff, 0xff}
	sizebuf := lengthToSizebuf(uint64(len(garbage)))
	_, err := Unmarshal(append(sizebuf[:], garbage...))
	var malformedErr *MalformedMessageError
	assert.True(t, errors.As(err, &malformedErr))
}

func TestEncodeConsumed(t *testing.T) {
	t.Parallel()

	p := Bytes("b", []byte("x"))
	_, err := p.MoveBytes()
	require.NoError(t, err)

	_, err = Marshal(New("x", p))
	var consumed *AlreadyConsumedError
	assert.True(t, errors.As(err, &consumed))
}

func TestSizebuf(t *testing.T) {
	t.Parallel()

	for _, l := range []uint64{0, 1, 255, 256, 1 << 32, math.MaxUint64} {
		assert.Equal(t, l, sizebufToLength(lengthToSizebuf(l)))
	}
	assert.Equal(t, [8]byte{0x01, 0x02}, lengthToSizebuf(0x0201))
}

func TestDeclaredPayloadsAllocatedOnArrival(t *testing.T) {
	env := &proto.Envelope{Listener: pb.String("x")}
	for _, name := range []string{"a", "b", "c", "d"} {
		env.Parameters = append(env.Parameters,
			&proto.Parameter{Name: pb.String(name), Kind: proto.Parameter_BYTES.Enum(), Size: pb.Uint64(MaxPayloadSize)})
	}
	wire := rawEnvelope(t, env)

	var before, after runtime.MemStats
	runtime.GC()
	runtime.ReadMemStats(&before)
	_, err := DecodeLimit(bytes.NewReader(wire), 8*MaxPayloadSize)
	runtime.ReadMemStats(&after)

	var malformedErr *MalformedMessageError
	require.True(t, errors.As(err, &malformedErr), "got %v", err)
	assert.Contains(t, malformedErr.Error(), `truncated payload of "a"`)
	assert.Less(t, after.TotalAlloc-before.TotalAlloc, uint64(16<<20))
}

func TestMessageLimit(t *testing.T) {
	t.Parallel()

	m := New("x", Bytes("a", make([]byte, 600)), Bytes("b", make([]byte, 600)))
	encoded := mustMarshal(t, m)

	_, err := UnmarshalLimit(encoded, 1000)
	var malformedErr *MalformedMessageError
	require.True(t, errors.As(err, &malformedErr), "got %v", err)
	assert.Contains(t, malformedErr.Error(), `parameter "b"`)

	_, err = UnmarshalLimit(encoded, 10)
	require.True(t, errors.As(err, &malformedErr), "got %v", err)
	assert.Contains(t, malformedErr.Error(), "envelope length")

	decoded, err := UnmarshalLimit(encoded, uint64(len(encoded)))
	require.NoError(t, err)
	b, err := decoded.Get("b").Bytes()
	require.NoError(t, err)
	assert.Len(t, b, 600)
}

func TestLargePayloadRoundTrip(t *testing.T) {
	t.Parallel()

	payload := bytes.Repeat([]byte("0123456789"), 3*payloadChunkSize/10+7)
	decoded, err := Unmarshal(mustMarshal(t, New("big", Bytes("p", payload))))
	require.NoError(t, err)
	b, err := decoded.Get("p").Bytes()
	require.NoError(t, err)
	assert.Equal(t, payload, b)
}
