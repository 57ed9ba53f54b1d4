package dns

import (
	"github.com/tinylib/msgp/msgp"
)

// cacheEntry is the MessagePack-encoded value stored in the lookup cache.
type cacheEntry struct {
	Records   []string
	Authentic bool
	NotFound  bool
}

// MarshalMsg implements msgp.Marshaler.
func (e *cacheEntry) MarshalMsg(b []byte) ([]byte, error) {
	o := msgp.Require(b, e.Msgsize())
	o = msgp.AppendMapHeader(o, 3)
	o = msgp.AppendString(o, "records")
	o = msgp.AppendArrayHeader(o, uint32(len(e.Records)))
	for _, r := range e.Records {
		o = msgp.AppendString(o, r)
	}
	o = msgp.AppendString(o, "authentic")
	o = msgp.AppendBool(o, e.Authentic)
	o = msgp.AppendString(o, "notfound")
	o = msgp.AppendBool(o, e.NotFound)
	return o, nil
}

// UnmarshalMsg implements msgp.Unmarshaler.
func (e *cacheEntry) UnmarshalMsg(b []byte) ([]byte, error) {
	n, b, err := msgp.ReadMapHeaderBytes(b)
	if err != nil {
		return b, msgp.WrapError(err)
	}
	for ; n > 0; n-- {
		var field []byte
		field, b, err = msgp.ReadMapKeyZC(b)
		if err != nil {
			return b, msgp.WrapError(err)
		}
		switch msgp.UnsafeString(field) {
		case "records":
			var count uint32
			count, b, err = msgp.ReadArrayHeaderBytes(b)
			if err != nil {
				return b, msgp.WrapError(err, "Records")
			}
			e.Records = make([]string, count)
			for i := range e.Records {
				e.Records[i], b, err = msgp.ReadStringBytes(b)
				if err != nil {
					return b, msgp.WrapError(err, "Records", i)
				}
			}
		case "authentic":
			e.Authentic, b, err = msgp.ReadBoolBytes(b)
			if err != nil {
				return b, msgp.WrapError(err, "Authentic")
			}
		case "notfound":
			e.NotFound, b, err = msgp.ReadBoolBytes(b)
			if err != nil {
				return b, msgp.WrapError(err, "NotFound")
			}
		default:
			b, err = msgp.Skip(b)
			if err != nil {
				return b, msgp.WrapError(err)
			}
		}
	}
	return b, nil
}

// Msgsize returns an upper bound of the encoded size.
func (e *cacheEntry) Msgsize() int {
	s := msgp.MapHeaderSize + msgp.StringPrefixSize + 7 + msgp.ArrayHeaderSize
	for _, r := range e.Records {
		s += msgp.StringPrefixSize + len(r)
	}
	return s + msgp.StringPrefixSize + 9 + msgp.BoolSize + msgp.StringPrefixSize + 8 + msgp.BoolSize
}
