package invoke

import "github.com/dermesser/clusterinvoke/proto"

// Kind is the type tag of a parameter value.
type Kind int

const (
	KindNumber Kind = iota
	KindText
	KindDocument
	KindBytes
)

// String returns the wire name of the kind.
func (k Kind) String() string {
	switch k {
	case KindNumber:
		return "number"
	case KindText:
		return "string"
	case KindDocument:
		return "document"
	case KindBytes:
		return "bytes"
	default:
		return "unknown"
	}
}

func kindToProto(k Kind) proto.Parameter_Kind {
	switch k {
	case KindText:
		return proto.Parameter_STRING
	case KindDocument:
		return proto.Parameter_DOCUMENT
	case KindBytes:
		return proto.Parameter_BYTES
	default:
		return proto.Parameter_NUMBER
	}
}

// Returns false for tags this version does not understand.
func kindFromProto(k proto.Parameter_Kind) (Kind, bool) {
	switch k {
	case proto.Parameter_NUMBER:
		return KindNumber, true
	case proto.Parameter_STRING:
		return KindText, true
	case proto.Parameter_DOCUMENT:
		return KindDocument, true
	case proto.Parameter_BYTES:
		return KindBytes, true
	default:
		return 0, false
	}
}
