package indi

import (
	"bytes"
	"encoding/base64"
	"encoding/xml"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"
)

// Protocol docs at https://www.clearskyinstitute.com/INDI/INDI.pdf

const ProtocolVersion = "1.7"

var ErrMalformed = errors.New("malformed element")

// vectorElement is any of def*Vector, set*Vector or new*Vector.
type vectorElement struct {
	XMLName   xml.Name
	Device    string          `xml:"device,attr"`
	Name      string          `xml:"name,attr"`
	Label     string          `xml:"label,attr,omitempty"`
	Group     string          `xml:"group,attr,omitempty"`
	State     string          `xml:"state,attr,omitempty"`
	Perm      string          `xml:"perm,attr,omitempty"`
	Rule      string          `xml:"rule,attr,omitempty"`
	Timeout   string          `xml:"timeout,attr,omitempty"`
	Timestamp string          `xml:"timestamp,attr,omitempty"`
	Message   string          `xml:"message,attr,omitempty"`
	Members   []memberElement `xml:",any"`
}

// memberElement is any of def*, one* elements inside a vector.
type memberElement struct {
	XMLName xml.Name
	Name    string `xml:"name,attr"`
	Label   string `xml:"label,attr,omitempty"`
	Format  string `xml:"format,attr,omitempty"`
	Min     string `xml:"min,attr,omitempty"`
	Max     string `xml:"max,attr,omitempty"`
	Step    string `xml:"step,attr,omitempty"`
	Size    string `xml:"size,attr,omitempty"`
	Value   string `xml:",chardata"`
}

type delPropertyElement struct {
	XMLName   xml.Name `xml:"delProperty"`
	Device    string   `xml:"device,attr"`
	Name      string   `xml:"name,attr,omitempty"`
	Timestamp string   `xml:"timestamp,attr,omitempty"`
	Message   string   `xml:"message,attr,omitempty"`
}

type messageElement struct {
	XMLName   xml.Name `xml:"message"`
	Device    string   `xml:"device,attr,omitempty"`
	Timestamp string   `xml:"timestamp,attr,omitempty"`
	Message   string   `xml:"message,attr"`
}

type getPropertiesElement struct {
	XMLName xml.Name `xml:"getProperties"`
	Version string   `xml:"version,attr"`
	Device  string   `xml:"device,attr,omitempty"`
	Name    string   `xml:"name,attr,omitempty"`
}

// BLOBMode controls whether a client receives BLOBs from a device.
type BLOBMode string

const (
	BLOBNever BLOBMode = "Never"
	BLOBAlso  BLOBMode = "Also"
	BLOBOnly  BLOBMode = "Only"
)

type enableBLOBElement struct {
	XMLName xml.Name `xml:"enableBLOB"`
	Device  string   `xml:"device,attr"`
	Name    string   `xml:"name,attr,omitempty"`
	Mode    BLOBMode `xml:",chardata"`
}

// vectorVerb splits an element name like "setNumberVector" into ("set", KindNumber).
func vectorVerb(name string) (string, Kind, bool) {
	if !strings.HasSuffix(name, "Vector") || len(name) < 9 {
		return "", 0, false
	}
	verb := name[:3]
	switch verb {
	case "def", "set", "new":
	default:
		return "", 0, false
	}
	k, ok := parseKind(strings.TrimSuffix(name[3:], "Vector"))
	return verb, k, ok
}

// property converts a decoded vector into a Property.
func (e *vectorElement) property(kind Kind) (Property, error) {
	p := Property{
		Device:    e.Device,
		Name:      e.Name,
		Label:     e.Label,
		Kind:      kind,
		Perm:      e.Perm,
		Rule:      e.Rule,
		Timestamp: parseTimestamp(e.Timestamp),
	}
	if e.State != "" {
		s, err := parseState(e.State)
		if err != nil {
			return p, err
		}
		p.State = s
	}
	for _, m := range e.Members {
		v := Value{Name: m.Name}
		switch kind {
		case KindNumber:
			f, err := parseNumber(m.Value)
			if err != nil {
				return p, fmt.Errorf("%s.%s.%s: %w", e.Device, e.Name, m.Name, err)
			}
			v.Number = f
		case KindSwitch:
			v.Switch = strings.TrimSpace(m.Value) == "On"
		case KindText, KindLight:
			v.Text = strings.TrimSpace(m.Value)
		case KindBLOB:
			data, err := decodeBLOB(m.Value)
			if err != nil {
				return p, fmt.Errorf("%s.%s.%s: %w", e.Device, e.Name, m.Name, err)
			}
			v.BLOB = data
			v.Format = m.Format
		}
		p.Values = append(p.Values, v)
	}
	return p, nil
}

func decodeBLOB(s string) ([]byte, error) {
	s = strings.Map(func(r rune) rune {
		switch r {
		case ' ', '\n', '\r', '\t':
			return -1
		}
		return r
	}, s)
	return base64.StdEncoding.DecodeString(s)
}

// vector builds the element for p using verb ("def", "set" or "new").
func vector(verb string, p Property) *vectorElement {
	e := &vectorElement{
		XMLName: xml.Name{Local: verb + p.Kind.String() + "Vector"},
		Device:  p.Device,
		Name:    p.Name,
	}
	if verb != "new" {
		e.State = p.State.String()
		if !p.Timestamp.IsZero() {
			e.Timestamp = p.Timestamp.UTC().Format(timestampLayout)
		}
	}
	if verb == "def" {
		e.Label = p.Label
		e.Perm = p.Perm
		e.Rule = p.Rule
	}
	prefix := "one"
	if verb == "def" {
		prefix = "def"
	}
	for _, v := range p.Values {
		m := memberElement{
			XMLName: xml.Name{Local: prefix + p.Kind.String()},
			Name:    v.Name,
		}
		switch p.Kind {
		case KindNumber:
			m.Value = strconv.FormatFloat(v.Number, 'f', -1, 64)
			if verb == "def" {
				m.Format = "%g"
			}
		case KindSwitch:
			m.Value = "Off"
			if v.Switch {
				m.Value = "On"
			}
		case KindText, KindLight:
			m.Value = v.Text
		case KindBLOB:
			m.Value = base64.StdEncoding.EncodeToString(v.BLOB)
			m.Size = strconv.Itoa(len(v.BLOB))
			m.Format = v.Format
		}
		e.Members = append(e.Members, m)
	}
	return e
}

// marshal renders v followed by a newline, as INDI servers do.
func marshal(v any) ([]byte, error) {
	var buf bytes.Buffer
	if err := xml.NewEncoder(&buf).Encode(v); err != nil {
		return nil, err
	}
	buf.WriteByte('\n')
	return buf.Bytes(), nil
}

// EncodeVector renders p as a def, set or new vector element.
func EncodeVector(verb string, p Property) ([]byte, error) {
	return marshal(vector(verb, p))
}

// Element is one top level protocol element.
type Element struct {
	// Tag is the element name, such as "setNumberVector" or "delProperty".
	Tag string
	// Verb is def, set or new for vectors and empty otherwise.
	Verb string
	// Property holds the vector contents. For delProperty, getProperties and
	// enableBLOB only Device and Name are set.
	Property Property
	Message  string
	BLOBMode BLOBMode
}

// Decoder reads a stream of elements. The stream has no root element.
type Decoder struct {
	d *xml.Decoder
}

func NewDecoder(r io.Reader) *Decoder {
	d := xml.NewDecoder(r)
	d.Strict = false
	return &Decoder{d: d}
}

// Next returns the next element. Malformed vectors are returned as errors
// wrapping ErrMalformed; the stream remains usable after them.
func (d *Decoder) Next() (Element, error) {
	for {
		tok, err := d.d.Token()
		if err != nil {
			return Element{}, err
		}
		se, ok := tok.(xml.StartElement)
		if !ok {
			continue
		}
		el := Element{Tag: se.Name.Local}
		switch se.Name.Local {
		case "delProperty":
			var e delPropertyElement
			if err := d.d.DecodeElement(&e, &se); err != nil {
				return el, err
			}
			el.Property = Property{Device: e.Device, Name: e.Name}
			el.Message = e.Message
			return el, nil
		case "message":
			var e messageElement
			if err := d.d.DecodeElement(&e, &se); err != nil {
				return el, err
			}
			el.Property = Property{Device: e.Device}
			el.Message = e.Message
			return el, nil
		case "getProperties":
			var e getPropertiesElement
			if err := d.d.DecodeElement(&e, &se); err != nil {
				return el, err
			}
			el.Property = Property{Device: e.Device, Name: e.Name}
			return el, nil
		case "enableBLOB":
			var e enableBLOBElement
			if err := d.d.DecodeElement(&e, &se); err != nil {
				return el, err
			}
			el.Property = Property{Device: e.Device, Name: e.Name}
			el.BLOBMode = BLOBMode(strings.TrimSpace(string(e.Mode)))
			return el, nil
		}
		verb, kind, ok := vectorVerb(se.Name.Local)
		if !ok {
			if err := d.d.Skip(); err != nil {
				return el, err
			}
			continue
		}
		var e vectorElement
		if err := d.d.DecodeElement(&e, &se); err != nil {
			return el, err
		}
		el.Verb = verb
		el.Message = e.Message
		p, err := e.property(kind)
		if err != nil {
			return el, fmt.Errorf("%w: %v", ErrMalformed, err)
		}
		el.Property = p
		return el, nil
	}
}
