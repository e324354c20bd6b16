package msgport

// defaultPiggybackCapacity keeps a coalesced batch within a single network
// packet.
const defaultPiggybackCapacity = 1300

// piggybackBuffer accumulates small outgoing frames so they reach the
// transport in one write. It is created lazily on first use and driven only
// by the owning connection's goroutine.
type piggybackBuffer struct {
	conn *Conn
	buf  []byte // len is the cursor, cap is the capacity
}

func newPiggybackBuffer(c *Conn, capacity int) *piggybackBuffer {
	return &piggybackBuffer{conn: c, buf: make([]byte, 0, capacity)}
}

// Len returns the number of staged bytes.
func (p *piggybackBuffer) Len() int {
	return len(p.buf)
}

// Cap returns the staging capacity.
func (p *piggybackBuffer) Cap() int {
	return cap(p.buf)
}

// Append stages the frame, flushing pending bytes first if it would not fit.
// Callers guarantee the frame itself fits within the capacity.
func (p *piggybackBuffer) Append(m *Message) error {
	if len(p.buf)+m.Length() > cap(p.buf) {
		if err := p.Flush(); err != nil {
			return err
		}
	}
	p.buf = append(p.buf, m.Bytes()...)
	return nil
}

// Flush writes all staged frames in one transport write and empties the
// buffer. A flush of an empty buffer is a no-op.
func (p *piggybackBuffer) Flush() error {
	if len(p.buf) == 0 {
		return nil
	}
	err := p.conn.write(p.buf)
	p.buf = p.buf[:0]
	return err
}
