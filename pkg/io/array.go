package io

import "reflect"

// writeArrayReflect writes a length-prefixed array whose element type
// implements Serializable either on T or *T. Used for the small compact
// payload structs (changeViewCompact, commitCompact, preparationCompact)
// where spelling out a typed WriteArray overload per kind isn't worth it.
func writeArrayReflect(w *BinWriter, arr interface{}) {
	v := reflect.ValueOf(arr)
	if v.Kind() != reflect.Slice {
		w.Err = ErrMalformedPayload
		return
	}

	w.WriteVarUint(uint64(v.Len()))

	for i := 0; i < v.Len(); i++ {
		el := v.Index(i).Interface()
		s, ok := el.(Serializable)
		if !ok {
			if addr, ok2 := v.Index(i).Addr().Interface().(Serializable); ok2 {
				s = addr
			} else {
				w.Err = ErrMalformedPayload
				return
			}
		}
		s.EncodeBinary(w)
	}
}

// readArrayReflect reads a length-prefixed array into *[]T or *[]*T where T
// implements Serializable on *T.
func readArrayReflect(r *BinReader, ptr interface{}, maxLen ...uint64) {
	pv := reflect.ValueOf(ptr)
	if pv.Kind() != reflect.Ptr || pv.Elem().Kind() != reflect.Slice {
		r.Err = ErrMalformedPayload
		return
	}

	sliceV := pv.Elem()
	elemT := sliceV.Type().Elem()

	n := r.ReadVarUint()
	if r.Err != nil {
		return
	}

	limit := uint64(1 << 20)
	if len(maxLen) > 0 {
		limit = maxLen[0]
	}
	if n > limit {
		r.Err = ErrMalformedPayload
		return
	}

	out := reflect.MakeSlice(sliceV.Type(), int(n), int(n))

	for i := 0; i < int(n); i++ {
		if elemT.Kind() == reflect.Ptr {
			elem := reflect.New(elemT.Elem())
			s, ok := elem.Interface().(Serializable)
			if !ok {
				r.Err = ErrMalformedPayload
				return
			}
			s.DecodeBinary(r)
			out.Index(i).Set(elem)
		} else {
			elem := reflect.New(elemT)
			s, ok := elem.Interface().(Serializable)
			if !ok {
				r.Err = ErrMalformedPayload
				return
			}
			s.DecodeBinary(r)
			out.Index(i).Set(elem.Elem())
		}
		if r.Err != nil {
			return
		}
	}

	sliceV.Set(out)
}

// GetVarSize reports the canonical encoded size of s.
func GetVarSize(s Serializable) int {
	cw := &countingWriter{}
	w := &BinWriter{w: cw}
	s.EncodeBinary(w)
	return cw.n
}

type countingWriter struct{ n int }

func (c *countingWriter) Write(p []byte) (int, error) {
	c.n += len(p)
	return len(p), nil
}
