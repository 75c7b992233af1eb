package ppp

import "encoding/binary"

// Option is one (tag, length, value) entry of a PPP option list.
// total_len on the wire counts both header bytes, so len(Value) ==
// total_len-2.
type Option struct {
	Tag   uint8
	Value []byte
}

func (o Option) totalLen() int {
	return 2 + len(o.Value)
}

// ParseOptions decodes a concatenated PPP option list. It walks the
// list while p+1 < end and p+p[1] <= end; any violation is a malformed
// option and the whole list is rejected.
func ParseOptions(data []byte) ([]Option, error) {
	var opts []Option
	for p := 0; p+1 < len(data); {
		tag := data[p]
		totalLen := int(data[p+1])
		if totalLen < 2 || p+totalLen > len(data) {
			return nil, ErrUnknownOption
		}
		value := append([]byte(nil), data[p+2:p+totalLen]...)
		opts = append(opts, Option{Tag: tag, Value: value})
		p += totalLen
	}
	return opts, nil
}

// SerializeOptions re-encodes an option list in wire order.
func SerializeOptions(opts []Option) []byte {
	n := 0
	for _, o := range opts {
		n += o.totalLen()
	}
	buf := make([]byte, 0, n)
	for _, o := range opts {
		buf = append(buf, o.Tag, uint8(o.totalLen()))
		buf = append(buf, o.Value...)
	}
	return buf
}

// BE16Option builds an option carrying a 16-bit big-endian value.
func BE16Option(tag uint8, value uint16) Option {
	v := make([]byte, 2)
	binary.BigEndian.PutUint16(v, value)
	return Option{Tag: tag, Value: v}
}

// BE32Option builds an option carrying a 32-bit big-endian value.
func BE32Option(tag uint8, value uint32) Option {
	v := make([]byte, 4)
	binary.BigEndian.PutUint32(v, value)
	return Option{Tag: tag, Value: v}
}

// FlagOption builds a zero-length option (e.g. PFC, ACFC).
func FlagOption(tag uint8) Option {
	return Option{Tag: tag}
}

func findOption(opts []Option, tag uint8) (Option, bool) {
	for _, o := range opts {
		if o.Tag == tag {
			return o, true
		}
	}
	return Option{}, false
}
