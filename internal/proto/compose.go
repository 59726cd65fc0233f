package proto

import (
	"errors"
	"strconv"
)

// ErrOversized is returned by Composer when a response would need to
// grow the output buffer past its configured cap.
var ErrOversized = errors.New("proto: response exceeds max buffer size")

// Composer renders a Response into a doubling output buffer: the buffer
// starts at initSize and doubles on demand up to 2^maxPower*initSize,
// past which WriteResponse fails with ErrOversized instead of growing
// further (§4.4 "Output buffer").
type Composer struct {
	buf      []byte
	initSize int
	maxSize  int
}

// NewComposer returns a composer whose buffer starts at initSize bytes
// and never grows past initSize*2^maxPower.
func NewComposer(initSize, maxPower int) *Composer {
	if initSize <= 0 {
		initSize = 4096
	}
	return &Composer{
		buf:      make([]byte, 0, initSize),
		initSize: initSize,
		maxSize:  initSize << uint(maxPower),
	}
}

// Bytes returns the composed bytes written since the last Reset.
func (c *Composer) Bytes() []byte { return c.buf }

// Reset discards any composed bytes, ready for the next response.
func (c *Composer) Reset() { c.buf = c.buf[:0] }

func (c *Composer) ensure(additional int) error {
	need := len(c.buf) + additional
	if need > c.maxSize {
		return ErrOversized
	}
	if need <= cap(c.buf) {
		return nil
	}
	newCap := cap(c.buf)
	if newCap == 0 {
		newCap = c.initSize
	}
	for newCap < need {
		newCap *= 2
	}
	if newCap > c.maxSize {
		newCap = c.maxSize
	}
	grown := make([]byte, len(c.buf), newCap)
	copy(grown, c.buf)
	c.buf = grown
	return nil
}

func (c *Composer) write(b []byte) error {
	if err := c.ensure(len(b)); err != nil {
		return err
	}
	c.buf = append(c.buf, b...)
	return nil
}

func (c *Composer) writeString(s string) error {
	return c.write([]byte(s))
}

// WriteResponse appends resp's wire representation to the buffer.
func (c *Composer) WriteResponse(resp *Response) error {
	switch resp.Code {
	case RespValue:
		for _, v := range resp.Values {
			if err := c.writeValueLine(v); err != nil {
				return err
			}
		}
		return c.writeString(responseTable[RespEnd])

	case RespNumber:
		return c.writeString(resp.Message + "\r\n")

	case RespVersion:
		return c.writeString("VERSION " + resp.Message + "\r\n")

	case RespClientError:
		return c.writeString("CLIENT_ERROR " + resp.Message + "\r\n")

	case RespServerError:
		return c.writeString("SERVER_ERROR " + resp.Message + "\r\n")

	case RespStats:
		for _, s := range resp.Stats {
			if err := c.writeString("STAT " + s.Name + " " + s.Value + "\r\n"); err != nil {
				return err
			}
		}
		return c.writeString(responseTable[RespEnd])

	default:
		return c.writeString(responseTable[resp.Code])
	}
}

func (c *Composer) writeValueLine(v ValueEntry) error {
	header := "VALUE " + string(v.Key) + " " + strconv.FormatUint(uint64(v.Flags), 10) +
		" " + strconv.Itoa(len(v.Value))
	if v.WithCAS {
		header += " " + strconv.FormatUint(v.CAS, 10)
	}
	header += "\r\n"
	if err := c.writeString(header); err != nil {
		return err
	}
	if err := c.write(v.Value); err != nil {
		return err
	}
	return c.writeString("\r\n")
}
