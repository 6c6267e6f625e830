package protocol

import (
	"encoding/binary"
	"fmt"
	"io"
)

// Encode serialises p into a new buffer
func Encode(p Packet) ([]byte, error) {
	return AppendEncode(make([]byte, 0, p.Len()), p)
}

// AppendEncode appends the wire form of p to dst
func AppendEncode(dst []byte, p Packet) ([]byte, error) {
	n := p.Len()
	if n > MaxPacketSize {
		return dst, fmt.Errorf("%w: %s is %d bytes", ErrPayloadTooLarge, p.Command, n)
	}
	if m := p.Mem(); m != nil && p.Command != CmdMemReadReq && int(m.AccessLength) != len(m.Data) {
		return dst, fmt.Errorf("%w: access length %d with %d data bytes", ErrLengthMismatch, m.AccessLength, len(m.Data))
	}

	version := p.Version
	if version == 0 {
		version = Version
	}
	dst = append(dst, version)
	dst = binary.BigEndian.AppendUint16(dst, uint16(n))
	dst = append(dst, byte(p.Command))
	if p.Payload != nil {
		dst = p.Payload.appendTo(dst)
	}
	return dst, nil
}

// TryDecode decodes the first packet in buf. It returns the packet and the
// number of bytes it occupied. ErrNeedMoreData means buf holds an incomplete
// packet and nothing was consumed. ErrLengthMismatch means the declared length
// disagrees with the payload; consumed then covers the whole declared packet
// and the returned packet carries only the header fields so the receiver can
// answer it. The returned packet never aliases buf.
func TryDecode(buf []byte) (Packet, int, error) {
	if len(buf) < HeaderSize {
		return Packet{}, 0, ErrNeedMoreData
	}
	length := int(binary.BigEndian.Uint16(buf[1:3]))
	if length < HeaderSize {
		return Packet{}, 0, fmt.Errorf("%w: %d", ErrShortPacket, length)
	}
	if len(buf) < length {
		return Packet{}, 0, ErrNeedMoreData
	}

	head := Packet{Version: buf[0], Command: Command(buf[3])}
	body := buf[HeaderSize:length]

	pkt, err := decodeBody(head, body)
	if err != nil {
		return head, length, err
	}
	return pkt, length, nil
}

func decodeBody(head Packet, body []byte) (Packet, error) {
	switch head.Command {
	case CmdReset, CmdStartKernel, CmdAck, CmdNak:
		if len(body) != 0 {
			return head, fmt.Errorf("%w: %s carries %d payload bytes", ErrLengthMismatch, head.Command, len(body))
		}
		return head, nil

	case CmdMemWrite, CmdMemReadReq, CmdMemReadRsp:
		if len(body) < memHeaderSize {
			return head, fmt.Errorf("%w: %s payload is %d bytes", ErrLengthMismatch, head.Command, len(body))
		}
		m := &MemReadWrite{
			Offset:       binary.BigEndian.Uint32(body[0:4]),
			AccessLength: binary.BigEndian.Uint32(body[4:8]),
		}
		data := body[memHeaderSize:]
		want := int(m.AccessLength)
		if head.Command == CmdMemReadReq {
			want = 0
		}
		if len(data) != want {
			return head, fmt.Errorf("%w: %s access length %d, %d data bytes", ErrLengthMismatch, head.Command, m.AccessLength, len(data))
		}
		m.Data = cloneBytes(data)
		head.Payload = m
		return head, nil

	case CmdLoadKernelChunk:
		if len(body) < kernelHeaderSize {
			return head, fmt.Errorf("%w: kernel chunk payload is %d bytes", ErrLengthMismatch, len(body))
		}
		k := &LoadKernel{
			TotalSize: binary.BigEndian.Uint32(body[0:4]),
			Offset:    binary.BigEndian.Uint32(body[4:8]),
		}
		dataSize := binary.BigEndian.Uint32(body[8:12])
		data := body[kernelHeaderSize:]
		if uint32(len(data)) != dataSize {
			return head, fmt.Errorf("%w: kernel chunk declares %d data bytes, has %d", ErrLengthMismatch, dataSize, len(data))
		}
		k.Data = cloneBytes(data)
		head.Payload = k
		return head, nil

	case CmdSetGlobalWorkSize:
		if len(body) != workSizeSize {
			return head, fmt.Errorf("%w: work size payload is %d bytes", ErrLengthMismatch, len(body))
		}
		head.Payload = &GlobalWorkSize{
			X: binary.BigEndian.Uint32(body[0:4]),
			Y: binary.BigEndian.Uint32(body[4:8]),
			Z: binary.BigEndian.Uint32(body[8:12]),
		}
		return head, nil
	}

	head.Payload = &Raw{Data: cloneBytes(body)}
	return head, nil
}

func cloneBytes(b []byte) []byte {
	if len(b) == 0 {
		return nil
	}
	out := make([]byte, len(b))
	copy(out, b)
	return out
}

// ReadPacket reads exactly one packet from r
func ReadPacket(r io.Reader) (Packet, error) {
	var header [HeaderSize]byte
	if _, err := io.ReadFull(r, header[:]); err != nil {
		return Packet{}, err
	}
	length := int(binary.BigEndian.Uint16(header[1:3]))
	if length < HeaderSize {
		return Packet{}, fmt.Errorf("%w: %d", ErrShortPacket, length)
	}

	buf := make([]byte, length)
	copy(buf, header[:])
	if _, err := io.ReadFull(r, buf[HeaderSize:]); err != nil {
		if err == io.EOF {
			err = io.ErrUnexpectedEOF
		}
		return Packet{}, err
	}

	pkt, _, err := TryDecode(buf)
	return pkt, err
}

// WritePacket encodes p and writes it to w in a single call
func WritePacket(w io.Writer, p Packet) error {
	buf, err := Encode(p)
	if err != nil {
		return err
	}
	_, err = w.Write(buf)
	return err
}
