package clr

import (
	"errors"
	"fmt"
)

const (
	bodyTiny       = 0x2
	bodyFat        = 0x3
	bodyFormatMask = 0x3
	bodyMoreSects  = 0x08

	sectEHTable   = 0x01
	sectFatFormat = 0x40
	sectMoreSects = 0x80
)

// Exception clause kinds.
const (
	ClauseException uint32 = 0x0000
	ClauseFilter    uint32 = 0x0001
	ClauseFinally   uint32 = 0x0002
	ClauseFault     uint32 = 0x0004
)

// ExceptionClause is one protected region of a method body. For filter
// clauses ClassTokenOrFilter holds the filter offset.
type ExceptionClause struct {
	Kind               uint32
	TryOffset          uint32
	TryLength          uint32
	HandlerOffset      uint32
	HandlerLength      uint32
	ClassTokenOrFilter uint32
}

// MethodBody is an IL method body. Code can be edited in place; its length is
// fixed because the body is written back into its original slot.
type MethodBody struct {
	Fat            bool
	Flags          uint16
	MaxStack       uint16
	LocalVarSigTok uint32
	Code           []byte
	Clauses        []ExceptionClause

	headerOffset uint32
	codeOffset   uint32
	codeSize     int
}

// InitLocals reports whether the body zero-initializes its locals.
func (b *MethodBody) InitLocals() bool { return b.Flags&0x10 != 0 }

func parseBody(data []byte, off uint32) (*MethodBody, error) {
	if int(off) >= len(data) {
		return nil, errors.New("method body starts past end of file")
	}
	body := &MethodBody{headerOffset: off}
	switch data[off] & bodyFormatMask {
	case bodyTiny:
		size := int(data[off] >> 2)
		start := int(off) + 1
		if start+size > len(data) {
			return nil, errors.New("tiny method body truncated")
		}
		body.MaxStack = 8
		body.codeOffset = uint32(start)
		body.codeSize = size
		body.Code = append([]byte(nil), data[start:start+size]...)
		return body, nil

	case bodyFat:
		if int(off)+12 > len(data) {
			return nil, errors.New("fat method header truncated")
		}
		v := le.Uint16(data[off:])
		body.Fat = true
		body.Flags = v & 0x0FFF
		hdrSize := int(v>>12) * 4
		if hdrSize < 12 {
			return nil, fmt.Errorf("invalid fat header size %d", hdrSize)
		}
		body.MaxStack = le.Uint16(data[off+2:])
		size := int(le.Uint32(data[off+4:]))
		body.LocalVarSigTok = le.Uint32(data[off+8:])
		start := int(off) + hdrSize
		if size < 0 || start+size > len(data) {
			return nil, errors.New("fat method body truncated")
		}
		body.codeOffset = uint32(start)
		body.codeSize = size
		body.Code = append([]byte(nil), data[start:start+size]...)
		if body.Flags&bodyMoreSects != 0 {
			clauses, err := parseSections(data, int(alignUp(uint32(start+size), 4)))
			if err != nil {
				return nil, err
			}
			body.Clauses = clauses
		}
		return body, nil
	}
	return nil, fmt.Errorf("unknown method header format 0x%02x", data[off])
}

func parseSections(data []byte, pos int) ([]ExceptionClause, error) {
	var clauses []ExceptionClause
	for {
		if pos+4 > len(data) {
			return nil, errors.New("method data section truncated")
		}
		kind := data[pos]
		var size, n int
		fat := kind&sectFatFormat != 0
		if fat {
			size = int(data[pos+1]) | int(data[pos+2])<<8 | int(data[pos+3])<<16
			n = (size - 4) / 24
		} else {
			size = int(data[pos+1])
			n = (size - 4) / 12
		}
		if size < 4 || pos+size > len(data) {
			return nil, fmt.Errorf("invalid method data section size %d", size)
		}
		if kind&sectEHTable != 0 {
			p := pos + 4
			for i := 0; i < n; i++ {
				var c ExceptionClause
				if fat {
					c = ExceptionClause{
						Kind:               le.Uint32(data[p:]),
						TryOffset:          le.Uint32(data[p+4:]),
						TryLength:          le.Uint32(data[p+8:]),
						HandlerOffset:      le.Uint32(data[p+12:]),
						HandlerLength:      le.Uint32(data[p+16:]),
						ClassTokenOrFilter: le.Uint32(data[p+20:]),
					}
					p += 24
				} else {
					c = ExceptionClause{
						Kind:               uint32(le.Uint16(data[p:])),
						TryOffset:          uint32(le.Uint16(data[p+2:])),
						TryLength:          uint32(data[p+4]),
						HandlerOffset:      uint32(le.Uint16(data[p+5:])),
						HandlerLength:      uint32(data[p+7]),
						ClassTokenOrFilter: le.Uint32(data[p+8:]),
					}
					p += 12
				}
				clauses = append(clauses, c)
			}
		}
		if kind&sectMoreSects == 0 {
			return clauses, nil
		}
		pos = int(alignUp(uint32(pos+size), 4))
	}
}
