package invoke

import (
	"fmt"
	"strconv"
	"strings"
)

// Longest prefix of a text or bytes value shown by Describe.
const describeMaxValue = 48

func transformRuneToPrintable(r rune) rune {
	if r >= 32 && r < 127 {
		return r
	}
	return '.'
}

func logString(str []byte) string {
	if len(str) > describeMaxValue {
		return strings.Map(transformRuneToPrintable, string(str[:describeMaxValue])) + "..."
	}
	return strings.Map(transformRuneToPrintable, string(str))
}

/*
Describe renders m on one line for logging, e.g.

	compute(n=number:3, label=string:"abc", data=bytes[1024]:"......", tree=document<root>)

Non-printable characters are masked and long values are cut off.
*/
func Describe(m *Invoke) string {
	b := new(strings.Builder)
	b.WriteString(m.listener)
	b.WriteByte('(')

	for i, p := range m.parameters {
		if i > 0 {
			b.WriteString(", ")
		}
		b.WriteString(p.name)
		b.WriteByte('=')

		v, err := p.snapshot()
		if err != nil {
			b.WriteString("<consumed>")
			continue
		}

		switch v := v.(type) {
		case numberValue:
			b.WriteString("number:")
			b.WriteString(strconv.FormatFloat(float64(v), 'g', -1, 64))
		case textValue:
			fmt.Fprintf(b, "string:%q", logString([]byte(v)))
		case documentValue:
			fmt.Fprintf(b, "document<%s>", logString([]byte(v.doc.Tag)))
		case bytesValue:
			fmt.Fprintf(b, "bytes[%d]:%q", len(v), logString(v))
		}
	}

	b.WriteByte(')')
	return b.String()
}
