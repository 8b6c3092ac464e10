// Package slip implements the SLIP framing used by the ESP ROM bootloader.
package slip

const (
	End    = 0xC0
	Esc    = 0xDB
	EscEnd = 0xDC
	EscEsc = 0xDD
)

// Encode wraps data in a SLIP frame, escaping End and Esc bytes.
func Encode(data []byte) []byte {
	out := make([]byte, 0, len(data)+len(data)/8+2)
	out = append(out, End)
	for _, b := range data {
		switch b {
		case End:
			out = append(out, Esc, EscEnd)
		case Esc:
			out = append(out, Esc, EscEsc)
		default:
			out = append(out, b)
		}
	}
	return append(out, End)
}

// Decoder reassembles frames from a byte stream that may arrive in arbitrary
// chunks. Bytes before the first End are discarded as line noise (the ROM
// prints boot messages on the same UART).
type Decoder struct {
	buf     []byte
	inFrame bool
	escaped bool
	frames  [][]byte
}

// Write feeds raw bytes into the decoder. It never fails.
func (d *Decoder) Write(p []byte) (int, error) {
	for _, b := range p {
		d.push(b)
	}
	return len(p), nil
}

func (d *Decoder) push(b byte) {
	if b == End {
		if d.inFrame && len(d.buf) > 0 {
			frame := make([]byte, len(d.buf))
			copy(frame, d.buf)
			d.frames = append(d.frames, frame)
		}
		// An End both closes a frame and may open the next one.
		d.buf = d.buf[:0]
		d.inFrame = true
		d.escaped = false
		return
	}
	if !d.inFrame {
		return
	}

	if d.escaped {
		d.escaped = false
		switch b {
		case EscEnd:
			d.buf = append(d.buf, End)
		case EscEsc:
			d.buf = append(d.buf, Esc)
		default:
			d.buf = append(d.buf, b)
		}
		return
	}
	if b == Esc {
		d.escaped = true
		return
	}
	d.buf = append(d.buf, b)
}

// Next returns the oldest complete, unescaped frame payload.
func (d *Decoder) Next() ([]byte, bool) {
	if len(d.frames) == 0 {
		return nil, false
	}
	frame := d.frames[0]
	d.frames = d.frames[1:]
	return frame, true
}

// Reset drops any partial and pending frames.
func (d *Decoder) Reset() {
	d.buf = d.buf[:0]
	d.inFrame = false
	d.escaped = false
	d.frames = nil
}

// Decode extracts the payload of a single frame. It returns nil if frame
// holds no complete frame.
func Decode(frame []byte) []byte {
	var d Decoder
	d.Write(frame)
	payload, _ := d.Next()
	return payload
}
