// Package fits reads and writes primary FITS headers.
//
// Only the header is interpreted. Headers written by plate solvers are not
// always padded to full blocks and sometimes use newline separated cards, so
// parsing accepts both forms.
package fits

import (
	"bytes"
	"errors"
	"fmt"
	"strconv"
	"strings"
)

const (
	CardSize  = 80
	BlockSize = 2880
)

var (
	ErrNoCards    = errors.New("no header cards")
	ErrKeyMissing = errors.New("keyword missing")
)

type Card struct {
	Key     string
	Value   string
	Comment string
}

// Header is an ordered list of cards. Complete reports whether an END card was seen.
type Header struct {
	Cards    []Card
	Complete bool
}

// Parse reads header cards from data up to the END card.
func Parse(data []byte) (*Header, error) {
	h := &Header{}
	for _, raw := range splitCards(data) {
		key := strings.TrimSpace(string(raw[:min(8, len(raw))]))
		if key == "END" {
			h.Complete = true
			break
		}
		if key == "" {
			continue
		}
		if !validKey(key) {
			return h, fmt.Errorf("invalid keyword %q", key)
		}
		c := Card{Key: key}
		if len(raw) > 10 && string(raw[8:10]) == "= " {
			c.Value, c.Comment = splitValue(string(raw[10:]))
		} else if len(raw) > 8 {
			c.Comment = strings.TrimSpace(string(raw[8:]))
		}
		h.Cards = append(h.Cards, c)
	}
	if len(h.Cards) == 0 {
		return h, ErrNoCards
	}
	return h, nil
}

func splitCards(data []byte) [][]byte {
	var cards [][]byte
	if bytes.IndexByte(data[:min(CardSize+2, len(data))], '\n') >= 0 {
		for _, line := range bytes.Split(data, []byte("\n")) {
			line = bytes.TrimRight(line, "\r")
			for len(line) > CardSize {
				cards = append(cards, line[:CardSize])
				line = line[CardSize:]
			}
			cards = append(cards, line)
		}
		return cards
	}
	for len(data) > 0 {
		n := min(CardSize, len(data))
		cards = append(cards, data[:n])
		data = data[n:]
	}
	return cards
}

func validKey(key string) bool {
	for _, r := range key {
		switch {
		case r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '_':
		default:
			return false
		}
	}
	return true
}

func splitValue(s string) (value, comment string) {
	s = strings.TrimLeft(s, " ")
	if strings.HasPrefix(s, "'") {
		var b strings.Builder
		i := 1
		for i < len(s) {
			if s[i] == '\'' {
				if i+1 < len(s) && s[i+1] == '\'' {
					b.WriteByte('\'')
					i += 2
					continue
				}
				i++
				break
			}
			b.WriteByte(s[i])
			i++
		}
		rest := s[i:]
		if j := strings.IndexByte(rest, '/'); j >= 0 {
			comment = strings.TrimSpace(rest[j+1:])
		}
		return strings.TrimRight(b.String(), " "), comment
	}
	if j := strings.IndexByte(s, '/'); j >= 0 {
		return strings.TrimSpace(s[:j]), strings.TrimSpace(s[j+1:])
	}
	return strings.TrimSpace(s), ""
}

// Get returns the raw value of the first card with key.
func (h *Header) Get(key string) (string, bool) {
	for _, c := range h.Cards {
		if c.Key == key {
			return c.Value, true
		}
	}
	return "", false
}

// Float returns the numeric value of key. Fortran style D exponents are accepted.
func (h *Header) Float(key string) (float64, error) {
	v, ok := h.Get(key)
	if !ok {
		return 0, fmt.Errorf("%s: %w", key, ErrKeyMissing)
	}
	f, err := strconv.ParseFloat(strings.Replace(v, "D", "E", 1), 64)
	if err != nil {
		return 0, fmt.Errorf("%s: %w", key, err)
	}
	return f, nil
}

// Set replaces the value of key, appending a new card if it is absent.
func (h *Header) Set(key string, value any, comment string) {
	var v string
	switch value := value.(type) {
	case string:
		v = "'" + strings.ReplaceAll(value, "'", "''") + "'"
	case bool:
		v = "F"
		if value {
			v = "T"
		}
	case float64:
		v = strconv.FormatFloat(value, 'G', -1, 64)
		if !strings.ContainsAny(v, ".E") {
			v += "."
		}
	default:
		v = fmt.Sprint(value)
	}
	for i, c := range h.Cards {
		if c.Key == key {
			h.Cards[i].Value, h.Cards[i].Comment = v, comment
			return
		}
	}
	h.Cards = append(h.Cards, Card{Key: key, Value: v, Comment: comment})
}

// Encode renders the header as 80 byte cards terminated by END and padded to a block.
func (h *Header) Encode() []byte {
	var buf bytes.Buffer
	for _, c := range h.Cards {
		var line string
		if c.Value != "" {
			line = fmt.Sprintf("%-8s= %20s", c.Key, c.Value)
			if c.Comment != "" {
				line += " / " + c.Comment
			}
		} else {
			line = fmt.Sprintf("%-8s  %s", c.Key, c.Comment)
		}
		buf.WriteString(pad(line, CardSize))
	}
	buf.WriteString(pad("END", CardSize))
	return padBlock(buf.Bytes(), ' ')
}

// Encode builds a complete single HDU file from a header and raw data.
func Encode(h *Header, data []byte) []byte {
	out := h.Encode()
	if len(data) > 0 {
		out = append(out, padBlock(data, 0)...)
	}
	return out
}

func pad(s string, n int) string {
	if len(s) > n {
		return s[:n]
	}
	return s + strings.Repeat(" ", n-len(s))
}

func padBlock(b []byte, fill byte) []byte {
	if r := len(b) % BlockSize; r != 0 {
		b = append(b, bytes.Repeat([]byte{fill}, BlockSize-r)...)
	}
	return b
}
