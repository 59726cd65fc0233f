package proto

import (
	"bytes"
	"errors"
	"strconv"
)

type parserState int

const (
	stateHeader parserState = iota
	stateSwallow
)

// ErrSwallowing is returned while the parser is discarding an oversized
// data block byte-by-byte across reads (see the SWALLOW state in the
// data model). Unlike ErrInvalid it is not itself an outcome to report:
// the caller already reported the rejection when swallowing began, and
// should keep reading and calling Parse (with no response to write)
// until it sees a different error or a request.
var ErrSwallowing = errors.New("proto: discarding oversized request body")

// Parser is an incremental memcached ASCII request parser. A header
// line is only judged once it has fully arrived (bytes.IndexByte finds
// its CRLF), so an invalid header line is always discarded in the same
// call that detects it. The one case that genuinely spans calls is an
// oversized data block: its declared length is known from the header
// before the bytes themselves arrive, so the parser enters the SWALLOW
// state and discards exactly that many bytes, however many calls it
// takes, without ever buffering them into a Request.
type Parser struct {
	maxKeyLen   int
	maxValueLen int

	state            parserState
	swallowRemaining int
}

// NewParser returns a parser that rejects keys longer than maxKeyLen and
// declared data-block lengths longer than maxValueLen.
func NewParser(maxKeyLen, maxValueLen int) *Parser {
	return &Parser{maxKeyLen: maxKeyLen, maxValueLen: maxValueLen}
}

// Parse consumes as many bytes of buf as form one complete request.
//
//   - A complete, well-formed request yields (req, consumed, nil).
//   - A header line (or a storage command's data block) that has not
//     fully arrived yields (nil, 0, ErrUnfinished); call Parse again
//     once more bytes are available.
//   - A malformed header line yields (nil, consumed, ErrInvalid),
//     where consumed spans exactly that line (CRLF included): the
//     caller should respond CLIENT_ERROR and resume reading.
//   - An oversized data block yields (nil, consumed, ErrInvalid) on the
//     call that rejects the header, then zero or more
//     (nil, consumed, ErrSwallowing) calls as the declared-length body
//     is discarded, until a final call returns to normal parsing.
func (p *Parser) Parse(buf []byte) (*Request, int, error) {
	if p.state == stateSwallow {
		return p.continueSwallow(buf)
	}

	nl := bytes.IndexByte(buf, '\n')
	if nl < 0 {
		return nil, 0, ErrUnfinished
	}
	if nl == 0 || buf[nl-1] != '\r' {
		return nil, nl + 1, ErrInvalid
	}
	lineLen := nl + 1
	header := buf[:nl-1]

	tokens := bytes.Fields(header)
	if len(tokens) == 0 {
		return nil, lineLen, ErrInvalid
	}

	switch string(tokens[0]) {
	case "get":
		return p.parseRetrieve(tokens, VerbGet, lineLen)
	case "gets":
		return p.parseRetrieve(tokens, VerbGets, lineLen)
	case "set":
		return p.parseStorage(tokens, VerbSet, buf, lineLen)
	case "add":
		return p.parseStorage(tokens, VerbAdd, buf, lineLen)
	case "replace":
		return p.parseStorage(tokens, VerbReplace, buf, lineLen)
	case "append":
		return p.parseStorage(tokens, VerbAppend, buf, lineLen)
	case "prepend":
		return p.parseStorage(tokens, VerbPrepend, buf, lineLen)
	case "cas":
		return p.parseCAS(tokens, buf, lineLen)
	case "delete":
		return p.parseDelete(tokens, lineLen)
	case "incr":
		return p.parseArith(tokens, VerbIncr, lineLen)
	case "decr":
		return p.parseArith(tokens, VerbDecr, lineLen)
	case "stats":
		if len(tokens) != 1 {
			return nil, lineLen, ErrInvalid
		}
		return &Request{Verb: VerbStats}, lineLen, nil
	case "version":
		if len(tokens) != 1 {
			return nil, lineLen, ErrInvalid
		}
		return &Request{Verb: VerbVersion}, lineLen, nil
	case "quit":
		if len(tokens) != 1 {
			return nil, lineLen, ErrInvalid
		}
		return &Request{Verb: VerbQuit}, lineLen, nil
	case "ping":
		if len(tokens) != 1 {
			return nil, lineLen, ErrInvalid
		}
		return &Request{Verb: VerbPing}, lineLen, nil
	default:
		return nil, lineLen, ErrInvalid
	}
}

// continueSwallow discards up to swallowRemaining bytes of buf,
// returning to stateHeader once the whole declared body has been
// consumed across however many calls that took.
func (p *Parser) continueSwallow(buf []byte) (*Request, int, error) {
	if len(buf) == 0 {
		return nil, 0, ErrUnfinished
	}
	n := len(buf)
	if n > p.swallowRemaining {
		n = p.swallowRemaining
	}
	p.swallowRemaining -= n
	if p.swallowRemaining == 0 {
		p.state = stateHeader
	}
	return nil, n, ErrSwallowing
}

func (p *Parser) beginSwallow(remaining int) {
	p.state = stateSwallow
	p.swallowRemaining = remaining
}

func (p *Parser) validKey(k []byte) bool {
	return len(k) > 0 && len(k) <= p.maxKeyLen
}

func (p *Parser) parseRetrieve(tokens [][]byte, verb Verb, lineLen int) (*Request, int, error) {
	if len(tokens) < 2 {
		return nil, lineLen, ErrInvalid
	}
	keys := make([][]byte, len(tokens)-1)
	for i, k := range tokens[1:] {
		if !p.validKey(k) {
			return nil, lineLen, ErrInvalid
		}
		keys[i] = k
	}
	return &Request{Verb: verb, Keys: keys}, lineLen, nil
}

// storageHeader holds the fields common to set/add/replace/append/
// prepend/cas header lines once parsed and validated.
type storageHeader struct {
	key     []byte
	flags   uint32
	expiry  int64
	vlen    int
	cas     uint64
	noreply bool
}

// parseStorage handles set/add/replace/append/prepend: "<verb> <key>
// <flags> <exptime> <bytes> [noreply]\r\n<data block>\r\n".
func (p *Parser) parseStorage(tokens [][]byte, verb Verb, buf []byte, lineLen int) (*Request, int, error) {
	if len(tokens) != 5 && len(tokens) != 6 {
		return nil, lineLen, ErrInvalid
	}
	h, ok := p.parseStorageTokens(tokens, 5)
	if !ok {
		return nil, lineLen, ErrInvalid
	}

	if h.vlen > p.maxValueLen {
		p.beginSwallow(h.vlen + 2)
		return nil, lineLen, ErrInvalid
	}

	total := lineLen + h.vlen + 2
	if len(buf) < total {
		return nil, 0, ErrUnfinished
	}
	data := buf[lineLen : lineLen+h.vlen]
	trailer := buf[lineLen+h.vlen : total]
	if trailer[0] != '\r' || trailer[1] != '\n' {
		return nil, total, ErrInvalid
	}

	return &Request{
		Verb:    verb,
		Keys:    [][]byte{h.key},
		Flags:   h.flags,
		Expiry:  h.expiry,
		Value:   data,
		NoReply: h.noreply,
	}, total, nil
}

// parseCAS handles "cas <key> <flags> <exptime> <bytes> <cas unique>
// [noreply]\r\n<data block>\r\n".
func (p *Parser) parseCAS(tokens [][]byte, buf []byte, lineLen int) (*Request, int, error) {
	if len(tokens) != 6 && len(tokens) != 7 {
		return nil, lineLen, ErrInvalid
	}
	h, ok := p.parseStorageTokens(tokens, 6)
	if !ok {
		return nil, lineLen, ErrInvalid
	}

	if h.vlen > p.maxValueLen {
		p.beginSwallow(h.vlen + 2)
		return nil, lineLen, ErrInvalid
	}

	total := lineLen + h.vlen + 2
	if len(buf) < total {
		return nil, 0, ErrUnfinished
	}
	data := buf[lineLen : lineLen+h.vlen]
	trailer := buf[lineLen+h.vlen : total]
	if trailer[0] != '\r' || trailer[1] != '\n' {
		return nil, total, ErrInvalid
	}

	return &Request{
		Verb:    VerbCAS,
		Keys:    [][]byte{h.key},
		Flags:   h.flags,
		Expiry:  h.expiry,
		Value:   data,
		CAS:     h.cas,
		NoReply: h.noreply,
	}, total, nil
}

// parseStorageTokens parses the shared "<key> <flags> <exptime> <bytes>"
// prefix (plus, when casTokenAt>0, a trailing CAS token) and the
// optional final "noreply". fixedArgs is the token count excluding verb
// and noreply (5 for set-family, 6 for cas).
func (p *Parser) parseStorageTokens(tokens [][]byte, fixedArgs int) (storageHeader, bool) {
	var h storageHeader
	if !p.validKey(tokens[1]) {
		return h, false
	}
	flags, err1 := strconv.ParseUint(string(tokens[2]), 10, 32)
	expiry, err2 := strconv.ParseInt(string(tokens[3]), 10, 64)
	vlen, err3 := strconv.ParseUint(string(tokens[4]), 10, 32)
	if err1 != nil || err2 != nil || err3 != nil {
		return h, false
	}
	h.key, h.flags, h.expiry, h.vlen = tokens[1], uint32(flags), expiry, int(vlen)

	if fixedArgs == 6 {
		cas, err := strconv.ParseUint(string(tokens[5]), 10, 64)
		if err != nil {
			return h, false
		}
		h.cas = cas
	}

	if len(tokens) == fixedArgs+1 {
		if string(tokens[fixedArgs]) != "noreply" {
			return h, false
		}
		h.noreply = true
	}
	return h, true
}

func (p *Parser) parseDelete(tokens [][]byte, lineLen int) (*Request, int, error) {
	if len(tokens) != 2 && len(tokens) != 3 {
		return nil, lineLen, ErrInvalid
	}
	if !p.validKey(tokens[1]) {
		return nil, lineLen, ErrInvalid
	}
	noreply := false
	if len(tokens) == 3 {
		if string(tokens[2]) != "noreply" {
			return nil, lineLen, ErrInvalid
		}
		noreply = true
	}
	return &Request{Verb: VerbDelete, Keys: [][]byte{tokens[1]}, NoReply: noreply}, lineLen, nil
}

func (p *Parser) parseArith(tokens [][]byte, verb Verb, lineLen int) (*Request, int, error) {
	if len(tokens) != 3 && len(tokens) != 4 {
		return nil, lineLen, ErrInvalid
	}
	if !p.validKey(tokens[1]) {
		return nil, lineLen, ErrInvalid
	}
	delta, err := strconv.ParseUint(string(tokens[2]), 10, 64)
	if err != nil {
		return nil, lineLen, ErrInvalid
	}
	noreply := false
	if len(tokens) == 4 {
		if string(tokens[3]) != "noreply" {
			return nil, lineLen, ErrInvalid
		}
		noreply = true
	}
	return &Request{Verb: verb, Keys: [][]byte{tokens[1]}, Delta: delta, NoReply: noreply}, lineLen, nil
}
