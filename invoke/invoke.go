/*
Package invoke implements invocation messages: a listener name plus an ordered
list of named, typed parameters, and the codec carrying them over a byte stream.
*/
package invoke

/*
An Invoke names the listener it is addressed to and carries its parameters in
order. Several parameters may share a name; Get returns the first.

A message is not modified after it is sent. To add parameters, use With, which
returns a new message.
*/
type Invoke struct {
	listener   string
	parameters []*Parameter
}

func New(listener string, params ...*Parameter) *Invoke {
	m := &Invoke{listener: listener}
	if len(params) > 0 {
		m.parameters = make([]*Parameter, 0, len(params))
		for _, p := range params {
			if p != nil {
				m.parameters = append(m.parameters, p)
			}
		}
	}
	return m
}

func (m *Invoke) Listener() string {
	return m.listener
}

func (m *Invoke) Len() int {
	return len(m.parameters)
}

// At returns the i-th parameter, or nil if i is out of range.
func (m *Invoke) At(i int) *Parameter {
	if i < 0 || i >= len(m.parameters) {
		return nil
	}
	return m.parameters[i]
}

// Get returns the first parameter with the given name, or nil.
func (m *Invoke) Get(name string) *Parameter {
	for _, p := range m.parameters {
		if p.name == name {
			return p
		}
	}
	return nil
}

// Parameters returns a copy of the parameter list.
func (m *Invoke) Parameters() []*Parameter {
	return append([]*Parameter(nil), m.parameters...)
}

// With returns a new message with params appended. The existing parameters
// are shared between both messages.
func (m *Invoke) With(params ...*Parameter) *Invoke {
	out := &Invoke{listener: m.listener, parameters: make([]*Parameter, 0, len(m.parameters)+len(params))}
	out.parameters = append(out.parameters, m.parameters...)
	for _, p := range params {
		if p != nil {
			out.parameters = append(out.parameters, p)
		}
	}
	return out
}

// Without returns a new message without any parameter named in names.
func (m *Invoke) Without(names ...string) *Invoke {
	out := &Invoke{listener: m.listener}
outer:
	for _, p := range m.parameters {
		for _, n := range names {
			if p.name == n {
				continue outer
			}
		}
		out.parameters = append(out.parameters, p)
	}
	return out
}

// NumberOf is a shorthand for Get(name).Number() reporting a missing parameter as false.
func (m *Invoke) NumberOf(name string) (float64, bool) {
	p := m.Get(name)
	if p == nil {
		return 0, false
	}
	n, err := p.Number()
	return n, err == nil
}

// TextOf is a shorthand for Get(name).Text() reporting a missing parameter as false.
func (m *Invoke) TextOf(name string) (string, bool) {
	p := m.Get(name)
	if p == nil {
		return "", false
	}
	s, err := p.Text()
	return s, err == nil
}
