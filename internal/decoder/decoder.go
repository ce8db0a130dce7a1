// Package decoder turns raw telemetry wire lines into typed packets.
//
// The wire format is a single brace-delimited body per line, optionally
// preceded by a free-text label and comma-separated inside:
//
//	on_radio_packet: {Type: BAROMETER_DATA, Size: 12, Sender: CrashNBurn,
//	    Endpoints: [SD_CARD, RADIO], Timestamp: 3076 (3s 076ms),
//	    Data: 100551.117187500000, 22.666557312012, -0.454471111298}
//
// Keywords are case-insensitive. "Data Size" is a synonym for "Size" and
// "Error" is a synonym for "Data". The timestamp annotation and the
// parentheses around the payload are optional. Noise before the opening
// brace and after the closing brace is ignored.
package decoder

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/Rylan-Meilutis/sedsprintf-ingest/internal/models"
)

// DecodeError reports where the parse of a wire line stopped. Offset is
// the byte offset into the original line.
type DecodeError struct {
	Field  string
	Offset int
	Msg    string
}

func (e *DecodeError) Error() string {
	return fmt.Sprintf("decode: field %s at offset %d: %s", e.Field, e.Offset, e.Msg)
}

// Decode parses one wire line into a Packet. It never panics; any line
// that does not match the grammar yields a *DecodeError. ReceivedAt is
// left zero for the caller to stamp.
func Decode(line string) (*models.Packet, error) {
	open := strings.IndexByte(line, '{')
	if open < 0 {
		return nil, &DecodeError{Field: "body", Offset: 0, Msg: "no opening brace"}
	}
	closing := strings.IndexByte(line[open:], '}')
	if closing < 0 {
		return nil, &DecodeError{Field: "body", Offset: open, Msg: "no closing brace"}
	}

	p := &parser{src: line, pos: open + 1, end: open + closing}
	pkt := &models.Packet{}

	// Type
	if !p.word("type") {
		return nil, p.errf("type", "expected keyword Type")
	}
	if err := p.colon("type"); err != nil {
		return nil, err
	}
	rawType := p.untilComma()
	if !isIdent(rawType) {
		return nil, p.errf("type", "%q is not an identifier", rawType)
	}
	pkt.Type = strings.ToUpper(rawType)
	if err := p.comma("size"); err != nil {
		return nil, err
	}

	// Size / Data Size
	if p.word("data") {
		if !p.word("size") {
			return nil, p.errf("size", "expected keyword Size after Data")
		}
	} else if !p.word("size") {
		return nil, p.errf("size", "expected keyword Size or Data Size")
	}
	if err := p.colon("size"); err != nil {
		return nil, err
	}
	rawSize := p.untilComma()
	size, err := strconv.Atoi(rawSize)
	if err != nil || size < 0 {
		return nil, p.errf("size", "%q is not a non-negative integer", rawSize)
	}
	pkt.SizeBytes = size
	if err := p.comma("sender"); err != nil {
		return nil, err
	}

	// Sender: free text up to the next comma.
	if !p.word("sender") {
		return nil, p.errf("sender", "expected keyword Sender")
	}
	if err := p.colon("sender"); err != nil {
		return nil, err
	}
	pkt.Sender = p.untilComma()
	if err := p.comma("endpoints"); err != nil {
		return nil, err
	}

	// Endpoints: [ tag, tag, ... ]
	if !p.word("endpoints") {
		return nil, p.errf("endpoints", "expected keyword Endpoints")
	}
	if err := p.colon("endpoints"); err != nil {
		return nil, err
	}
	endpoints, err := p.bracketList()
	if err != nil {
		return nil, err
	}
	pkt.Endpoints = endpoints
	if err := p.comma("timestamp"); err != nil {
		return nil, err
	}

	// Timestamp: INT, optionally followed by a (human readable) note.
	if !p.word("timestamp") {
		return nil, p.errf("timestamp", "expected keyword Timestamp")
	}
	if err := p.colon("timestamp"); err != nil {
		return nil, err
	}
	ts, human, err := p.timestamp()
	if err != nil {
		return nil, err
	}
	pkt.TimestampMS = ts
	pkt.TimestampHuman = human
	if err := p.comma("data"); err != nil {
		return nil, err
	}

	// Data / Error: the numeric payload, parenthesized or bare.
	if !p.word("data") && !p.word("error") {
		return nil, p.errf("data", "expected keyword Data or Error")
	}
	if err := p.colon("data"); err != nil {
		return nil, err
	}
	pkt.Values = parseValues(p.rest())

	return pkt, nil
}

type parser struct {
	src string
	pos int
	end int // index of the closing brace
}

func (p *parser) errf(field, format string, args ...any) *DecodeError {
	return &DecodeError{Field: field, Offset: p.pos, Msg: fmt.Sprintf(format, args...)}
}

func (p *parser) skipSpace() {
	for p.pos < p.end && (p.src[p.pos] == ' ' || p.src[p.pos] == '\t') {
		p.pos++
	}
}

// word consumes one case-insensitive keyword if it is next.
func (p *parser) word(w string) bool {
	p.skipSpace()
	if p.pos+len(w) > p.end {
		return false
	}
	if !strings.EqualFold(p.src[p.pos:p.pos+len(w)], w) {
		return false
	}
	p.pos += len(w)
	return true
}

func (p *parser) colon(field string) error {
	p.skipSpace()
	if p.pos >= p.end || p.src[p.pos] != ':' {
		return p.errf(field, "expected ':'")
	}
	p.pos++
	return nil
}

func (p *parser) comma(next string) error {
	p.skipSpace()
	if p.pos >= p.end || p.src[p.pos] != ',' {
		return p.errf(next, "expected ',' before %s field", next)
	}
	p.pos++
	return nil
}

// untilComma returns the trimmed text up to the next comma or the
// closing brace, without consuming the comma.
func (p *parser) untilComma() string {
	start := p.pos
	for p.pos < p.end && p.src[p.pos] != ',' {
		p.pos++
	}
	return strings.TrimSpace(p.src[start:p.pos])
}

// rest returns the trimmed remainder of the body, with one layer of
// surrounding parentheses removed if present.
func (p *parser) rest() string {
	raw := strings.TrimSpace(p.src[p.pos:p.end])
	if len(raw) >= 2 && raw[0] == '(' && raw[len(raw)-1] == ')' {
		raw = strings.TrimSpace(raw[1 : len(raw)-1])
	}
	p.pos = p.end
	return raw
}

// bracketList parses [ a, b, c ]. Empty tokens are dropped; order and
// duplicates are preserved.
func (p *parser) bracketList() ([]string, error) {
	p.skipSpace()
	if p.pos >= p.end || p.src[p.pos] != '[' {
		return nil, p.errf("endpoints", "expected '['")
	}
	p.pos++
	closing := strings.IndexByte(p.src[p.pos:p.end], ']')
	if closing < 0 {
		return nil, p.errf("endpoints", "unterminated '['")
	}
	inner := p.src[p.pos : p.pos+closing]
	p.pos += closing + 1

	var tags []string
	for _, tok := range strings.Split(inner, ",") {
		tok = strings.TrimSpace(tok)
		if tok == "" {
			continue
		}
		tags = append(tags, tok)
	}
	return tags, nil
}

// timestamp parses the millisecond integer and the optional
// parenthesized human-readable annotation that may follow it.
func (p *parser) timestamp() (int64, string, error) {
	p.skipSpace()
	start := p.pos
	for p.pos < p.end && p.src[p.pos] >= '0' && p.src[p.pos] <= '9' {
		p.pos++
	}
	if p.pos == start {
		return 0, "", p.errf("timestamp", "expected integer")
	}
	ts, err := strconv.ParseInt(p.src[start:p.pos], 10, 64)
	if err != nil {
		return 0, "", p.errf("timestamp", "integer out of range")
	}

	p.skipSpace()
	if p.pos < p.end && p.src[p.pos] == '(' {
		closing := strings.IndexByte(p.src[p.pos:p.end], ')')
		if closing < 0 {
			return 0, "", p.errf("timestamp", "unterminated annotation")
		}
		human := strings.TrimSpace(p.src[p.pos+1 : p.pos+closing])
		p.pos += closing + 1
		return ts, human, nil
	}
	return ts, "", nil
}

// parseValues splits the payload on commas and parses each token as a
// float. A non-empty token that fails to parse is kept as the missing
// marker so later channel indices do not shift.
func parseValues(raw string) []float64 {
	if raw == "" {
		return nil
	}
	var values []float64
	for _, tok := range strings.Split(raw, ",") {
		tok = strings.TrimSpace(tok)
		if tok == "" {
			continue
		}
		v, err := strconv.ParseFloat(tok, 64)
		if err != nil {
			values = append(values, models.Missing())
			continue
		}
		values = append(values, v)
	}
	return values
}

func isIdent(s string) bool {
	if s == "" {
		return false
	}
	for i := 0; i < len(s); i++ {
		c := s[i]
		switch {
		case c >= 'a' && c <= 'z', c >= 'A' && c <= 'Z', c >= '0' && c <= '9', c == '_', c == '-':
		default:
			return false
		}
	}
	return true
}
