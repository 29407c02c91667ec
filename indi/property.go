package indi

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

type Kind int

const (
	KindNumber Kind = iota
	KindSwitch
	KindText
	KindBLOB
	KindLight
)

var kindNames = [...]string{"Number", "Switch", "Text", "BLOB", "Light"}

func (k Kind) String() string {
	if int(k) < len(kindNames) {
		return kindNames[k]
	}
	return fmt.Sprintf("Kind(%d)", int(k))
}

func parseKind(s string) (Kind, bool) {
	for i, n := range kindNames {
		if n == s {
			return Kind(i), true
		}
	}
	return 0, false
}

// State is the state a device reports for a property.
type State int

const (
	StateIdle State = iota
	StateOk
	StateBusy
	StateAlert
)

var stateNames = [...]string{"Idle", "Ok", "Busy", "Alert"}

func (s State) String() string {
	if int(s) < len(stateNames) {
		return stateNames[s]
	}
	return fmt.Sprintf("State(%d)", int(s))
}

func (s State) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

func parseState(s string) (State, error) {
	for i, n := range stateNames {
		if n == s {
			return State(i), nil
		}
	}
	return StateIdle, fmt.Errorf("unknown property state %q", s)
}

// Value is a single member of a property vector. Which field is meaningful
// depends on the property's Kind; lights are carried in Text.
type Value struct {
	Name   string  `json:"name"`
	Number float64 `json:"number,omitempty"`
	Switch bool    `json:"switch,omitempty"`
	Text   string  `json:"text,omitempty"`
	BLOB   []byte  `json:"-"`
	Format string  `json:"format,omitempty"`
}

func Number(name string, v float64) Value { return Value{Name: name, Number: v} }
func Switch(name string, on bool) Value   { return Value{Name: name, Switch: on} }
func Text(name, v string) Value           { return Value{Name: name, Text: v} }

// Property is a snapshot of a named vector of values on a device.
type Property struct {
	Device    string    `json:"device"`
	Name      string    `json:"name"`
	Label     string    `json:"label,omitempty"`
	Kind      Kind      `json:"kind"`
	State     State     `json:"state"`
	Perm      string    `json:"perm,omitempty"`
	Rule      string    `json:"rule,omitempty"`
	Values    []Value   `json:"values"`
	Timestamp time.Time `json:"timestamp"`
}

func (p Property) String() string {
	return p.Device + "." + p.Name
}

// Value returns the member called name.
func (p Property) Value(name string) (Value, bool) {
	for _, v := range p.Values {
		if v.Name == name {
			return v, true
		}
	}
	return Value{}, false
}

func (p Property) Number(name string) (float64, bool) {
	v, ok := p.Value(name)
	return v.Number, ok
}

func (p Property) Switch(name string) (bool, bool) {
	v, ok := p.Value(name)
	return v.Switch, ok
}

func (p Property) Text(name string) (string, bool) {
	v, ok := p.Value(name)
	return v.Text, ok
}

func (p Property) clone() Property {
	p.Values = append([]Value(nil), p.Values...)
	return p
}

// merge overwrites members of p with those in values, appending unknown ones.
func (p *Property) merge(values []Value) {
	for _, v := range values {
		found := false
		for i := range p.Values {
			if p.Values[i].Name == v.Name {
				p.Values[i] = v
				found = true
				break
			}
		}
		if !found {
			p.Values = append(p.Values, v)
		}
	}
}

// parseNumber accepts plain decimals and the sexagesimal forms INDI allows
// ("12:30:15", "12 30 15", "-5:30").
func parseNumber(s string) (float64, error) {
	s = strings.TrimSpace(s)
	if f, err := strconv.ParseFloat(s, 64); err == nil {
		return f, nil
	}
	fields := strings.FieldsFunc(s, func(r rune) bool { return r == ':' || r == ' ' || r == ';' })
	if len(fields) == 0 || len(fields) > 3 {
		return 0, fmt.Errorf("invalid number %q", s)
	}
	neg := strings.HasPrefix(fields[0], "-")
	var v float64
	for i, f := range fields {
		x, err := strconv.ParseFloat(f, 64)
		if err != nil {
			return 0, fmt.Errorf("invalid number %q: %w", s, err)
		}
		if x < 0 {
			x = -x
		}
		switch i {
		case 0:
			v += x
		case 1:
			v += x / 60
		case 2:
			v += x / 3600
		}
	}
	if neg {
		v = -v
	}
	return v, nil
}

const timestampLayout = "2006-01-02T15:04:05"

func parseTimestamp(s string) time.Time {
	if s == "" {
		return time.Time{}
	}
	for _, layout := range []string{timestampLayout, timestampLayout + ".999999999", time.RFC3339Nano} {
		if t, err := time.ParseInLocation(layout, s, time.UTC); err == nil {
			return t
		}
	}
	return time.Time{}
}
