package invoke

import (
	pb "github.com/gogo/protobuf/proto"

	"github.com/dermesser/clusterinvoke/proto"
)

// Attribute is a key/value pair on a Document node.
type Attribute struct {
	Key, Value string
}

// Document is a structured-document value: a tree of tagged nodes carrying
// attributes, an optional text value and child nodes.
type Document struct {
	Tag        string
	Value      string
	Attributes []Attribute
	Children   []*Document
}

func NewDocument(tag string) *Document {
	return &Document{Tag: tag}
}

// Attr returns the value of the first attribute named key.
func (d *Document) Attr(key string) (string, bool) {
	for _, a := range d.Attributes {
		if a.Key == key {
			return a.Value, true
		}
	}
	return "", false
}

// SetAttr replaces the first attribute named key or appends a new one.
func (d *Document) SetAttr(key, value string) *Document {
	for i := range d.Attributes {
		if d.Attributes[i].Key == key {
			d.Attributes[i].Value = value
			return d
		}
	}
	d.Attributes = append(d.Attributes, Attribute{Key: key, Value: value})
	return d
}

func (d *Document) Append(children ...*Document) *Document {
	d.Children = append(d.Children, children...)
	return d
}

// Find returns the first direct child with the given tag, or nil.
func (d *Document) Find(tag string) *Document {
	for _, c := range d.Children {
		if c.Tag == tag {
			return c
		}
	}
	return nil
}

// Clone returns a deep copy.
func (d *Document) Clone() *Document {
	if d == nil {
		return nil
	}
	c := &Document{Tag: d.Tag, Value: d.Value}
	if d.Attributes != nil {
		c.Attributes = append([]Attribute(nil), d.Attributes...)
	}
	for _, ch := range d.Children {
		c.Children = append(c.Children, ch.Clone())
	}
	return c
}

func documentToProto(d *Document) *proto.Document {
	p := &proto.Document{Tag: pb.String(d.Tag)}
	if d.Value != "" {
		p.Value = pb.String(d.Value)
	}
	for _, a := range d.Attributes {
		p.Attributes = append(p.Attributes, &proto.Attribute{Key: pb.String(a.Key), Value: pb.String(a.Value)})
	}
	for _, c := range d.Children {
		if c == nil {
			continue
		}
		p.Children = append(p.Children, documentToProto(c))
	}
	return p
}

func documentFromProto(p *proto.Document) *Document {
	d := &Document{Tag: p.GetTag(), Value: p.GetValue()}
	for _, a := range p.GetAttributes() {
		d.Attributes = append(d.Attributes, Attribute{Key: a.GetKey(), Value: a.GetValue()})
	}
	for _, c := range p.GetChildren() {
		d.Children = append(d.Children, documentFromProto(c))
	}
	return d
}
