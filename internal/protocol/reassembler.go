package protocol

import "errors"

// Reassembler turns an arbitrarily segmented byte stream back into packets.
// Bytes that belong to a packet not yet complete stay buffered until a later
// Write supplies the rest.
type Reassembler struct {
	buf []byte
}

// NewReassembler returns an empty reassembler
func NewReassembler() *Reassembler {
	return &Reassembler{buf: make([]byte, 0, MaxPacketSize)}
}

// Write appends stream bytes. It never fails.
func (r *Reassembler) Write(p []byte) (int, error) {
	r.buf = append(r.buf, p...)
	return len(p), nil
}

// Next returns the next complete packet. ErrNeedMoreData means the buffer
// holds only a partial packet. On ErrLengthMismatch the offending packet has
// been discarded and its header is returned alongside the error. Any other
// error means the stream can no longer be framed.
func (r *Reassembler) Next() (Packet, error) {
	pkt, n, err := TryDecode(r.buf)
	if n > 0 {
		// Shift the residual bytes down to the front of the buffer.
		r.buf = append(r.buf[:0], r.buf[n:]...)
	}
	if err != nil && !errors.Is(err, ErrLengthMismatch) {
		return Packet{}, err
	}
	return pkt, err
}

// Buffered returns the number of bytes waiting for the rest of their packet
func (r *Reassembler) Buffered() int {
	return len(r.buf)
}

// Reset drops any buffered bytes
func (r *Reassembler) Reset() {
	r.buf = r.buf[:0]
}
