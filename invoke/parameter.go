package invoke

import (
	"strconv"
	"sync"
)

type value interface {
	kind() Kind
}

type numberValue float64
type textValue string
type documentValue struct{ doc *Document }
type bytesValue []byte

func (numberValue) kind() Kind   { return KindNumber }
func (textValue) kind() Kind     { return KindText }
func (documentValue) kind() Kind { return KindDocument }
func (bytesValue) kind() Kind    { return KindBytes }

/*
A named, typed value inside an invocation. A parameter is created with one of
the constructors below and never changes kind.

Text and byte values can be moved out of a parameter once (MoveText, MoveBytes);
afterwards every accessor fails with *AlreadyConsumedError.
*/
type Parameter struct {
	name string

	mu       sync.Mutex
	v        value
	consumed bool
}

func Number(name string, n float64) *Parameter {
	return &Parameter{name: name, v: numberValue(n)}
}

// Bool is a Number parameter holding 1 or 0.
func Bool(name string, b bool) *Parameter {
	if b {
		return Number(name, 1)
	}
	return Number(name, 0)
}

func Text(name, s string) *Parameter {
	return &Parameter{name: name, v: textValue(s)}
}

func Doc(name string, d *Document) *Parameter {
	if d == nil {
		d = NewDocument(name)
	}
	return &Parameter{name: name, v: documentValue{doc: d}}
}

// Bytes takes ownership of b.
func Bytes(name string, b []byte) *Parameter {
	if b == nil {
		b = []byte{}
	}
	return &Parameter{name: name, v: bytesValue(b)}
}

func (p *Parameter) Name() string {
	return p.name
}

func (p *Parameter) Kind() Kind {
	return p.v.kind()
}

// Consumed reports whether the value has been moved out.
func (p *Parameter) Consumed() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.consumed
}

// Must be called with p.mu held.
func (p *Parameter) check(want Kind) error {
	if p.consumed {
		return &AlreadyConsumedError{Name: p.name}
	}
	if have := p.v.kind(); have != want {
		return &TypeMismatchError{Name: p.name, Want: want, Have: have}
	}
	return nil
}

func (p *Parameter) Number() (float64, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if err := p.check(KindNumber); err != nil {
		return 0, err
	}
	return float64(p.v.(numberValue)), nil
}

func (p *Parameter) Bool() (bool, error) {
	n, err := p.Number()
	return n != 0, err
}

// Text returns the string value. A Number parameter is rendered in its
// shortest canonical decimal form.
func (p *Parameter) Text() (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.consumed {
		return "", &AlreadyConsumedError{Name: p.name}
	}
	switch v := p.v.(type) {
	case textValue:
		return string(v), nil
	case numberValue:
		return strconv.FormatFloat(float64(v), 'f', -1, 64), nil
	default:
		return "", &TypeMismatchError{Name: p.name, Want: KindText, Have: v.kind()}
	}
}

func (p *Parameter) Document() (*Document, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if err := p.check(KindDocument); err != nil {
		return nil, err
	}
	return p.v.(documentValue).doc, nil
}

// Bytes returns the payload without copying it. The caller must not modify it.
func (p *Parameter) Bytes() ([]byte, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if err := p.check(KindBytes); err != nil {
		return nil, err
	}
	return []byte(p.v.(bytesValue)), nil
}

// MoveText transfers the string value out of the parameter.
func (p *Parameter) MoveText() (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if err := p.check(KindText); err != nil {
		return "", err
	}
	s := string(p.v.(textValue))
	p.v = textValue("")
	p.consumed = true
	return s, nil
}

// MoveBytes transfers ownership of the payload to the caller.
func (p *Parameter) MoveBytes() ([]byte, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if err := p.check(KindBytes); err != nil {
		return nil, err
	}
	b := []byte(p.v.(bytesValue))
	p.v = bytesValue(nil)
	p.consumed = true
	return b, nil
}

// snapshot returns the current value for encoding.
func (p *Parameter) snapshot() (value, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.consumed {
		return nil, &AlreadyConsumedError{Name: p.name}
	}
	return p.v, nil
}
