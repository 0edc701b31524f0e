package keys

import "crypto/subtle"

// secureZero overwrites b with zeros using a constant-time copy so the
// compiler cannot optimize the write away.
func secureZero(b []byte) {
	if len(b) == 0 {
		return
	}
	zeros := make([]byte, len(b))
	subtle.ConstantTimeCopy(1, b, zeros)
}

// Material wraps a derived key and zeros it on Close. Every function in
// this package that returns a key returns it wrapped this way; callers are
// expected to defer Close() immediately.
type Material struct {
	data   []byte
	closed bool
}

// NewMaterial takes ownership of data without copying it. Callers handing
// raw key bytes to NewMaterial must not retain a reference to the slice.
func NewMaterial(data []byte) *Material {
	return &Material{data: data}
}

// Bytes returns the underlying key bytes, or nil once closed.
func (m *Material) Bytes() []byte {
	if m == nil || m.closed {
		return nil
	}
	return m.data
}

// Close zeros the key material. Idempotent.
func (m *Material) Close() {
	if m == nil || m.closed {
		return
	}
	secureZero(m.data)
	m.data = nil
	m.closed = true
}
