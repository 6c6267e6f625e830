// Package protocol implements the control-link wire format shared by the host
// command queue and the device daemon.
//
// Every packet starts with a four byte header:
//
//	version(u8) length(u16, big endian, whole packet) command(u8)
//
// followed by a command specific payload. All multi-byte integers are big
// endian.
package protocol

import (
	"encoding/binary"
	"errors"
	"fmt"
)

const (
	// Version is the only protocol version spoken on the link
	Version uint8 = 1

	HeaderSize       = 4
	MaxPacketSize    = 0xFFFF
	DefaultChunkSize = 512

	memHeaderSize    = 8
	kernelHeaderSize = 12
	workSizeSize     = 12

	// MaxMemData is the largest data section a single memory packet can carry
	MaxMemData = MaxPacketSize - HeaderSize - memHeaderSize

	// MaxKernelData is the largest chunk a single kernel-load packet can carry
	MaxKernelData = MaxPacketSize - HeaderSize - kernelHeaderSize
)

// Command identifies a packet type
type Command uint8

const (
	CmdReset             Command = 0x00
	CmdMemWrite          Command = 0x01
	CmdMemReadReq        Command = 0x02
	CmdMemReadRsp        Command = 0x03
	CmdLoadKernelChunk   Command = 0x04
	CmdStartKernel       Command = 0x05
	CmdSetGlobalWorkSize Command = 0x06
	CmdAck               Command = 0xFE
	CmdNak               Command = 0xFF
)

var commandNames = map[Command]string{
	CmdReset:             "RESET",
	CmdMemWrite:          "MEM_WRITE",
	CmdMemReadReq:        "MEM_READ_REQ",
	CmdMemReadRsp:        "MEM_READ_RSP",
	CmdLoadKernelChunk:   "LOAD_KERNEL_CHUNK",
	CmdStartKernel:       "START_KERNEL",
	CmdSetGlobalWorkSize: "SET_GLOBAL_WORK_SIZE",
	CmdAck:               "ACK",
	CmdNak:               "NAK",
}

func (c Command) String() string {
	if name, ok := commandNames[c]; ok {
		return name
	}
	return fmt.Sprintf("UNKNOWN(0x%02x)", uint8(c))
}

// Known reports whether c is part of the protocol
func (c Command) Known() bool {
	_, ok := commandNames[c]
	return ok
}

// CommandName is the label used for metrics and logs
func CommandName(c Command) string {
	if c.Known() {
		return commandNames[c]
	}
	return "UNKNOWN"
}

var (
	ErrNeedMoreData    = errors.New("protocol: need more data")
	ErrShortPacket     = errors.New("protocol: declared length shorter than header")
	ErrLengthMismatch  = errors.New("protocol: declared length does not match payload")
	ErrUnknownCommand  = errors.New("protocol: unknown command")
	ErrPayloadTooLarge = errors.New("protocol: packet exceeds maximum size")
)

// Payload is implemented by every typed packet body
type Payload interface {
	size() int
	appendTo(dst []byte) []byte
}

// MemReadWrite is the body of MEM_WRITE, MEM_READ_REQ and MEM_READ_RSP.
// A read request carries no data; AccessLength is the number of bytes wanted.
type MemReadWrite struct {
	Offset       uint32
	AccessLength uint32
	Data         []byte
}

func (m *MemReadWrite) size() int { return memHeaderSize + len(m.Data) }

func (m *MemReadWrite) appendTo(dst []byte) []byte {
	dst = binary.BigEndian.AppendUint32(dst, m.Offset)
	dst = binary.BigEndian.AppendUint32(dst, m.AccessLength)
	return append(dst, m.Data...)
}

// LoadKernel is the body of LOAD_KERNEL_CHUNK
type LoadKernel struct {
	TotalSize uint32
	Offset    uint32
	Data      []byte
}

func (k *LoadKernel) size() int { return kernelHeaderSize + len(k.Data) }

func (k *LoadKernel) appendTo(dst []byte) []byte {
	dst = binary.BigEndian.AppendUint32(dst, k.TotalSize)
	dst = binary.BigEndian.AppendUint32(dst, k.Offset)
	dst = binary.BigEndian.AppendUint32(dst, uint32(len(k.Data)))
	return append(dst, k.Data...)
}

// GlobalWorkSize is the body of SET_GLOBAL_WORK_SIZE
type GlobalWorkSize struct {
	X, Y, Z uint32
}

func (g *GlobalWorkSize) size() int { return workSizeSize }

func (g *GlobalWorkSize) appendTo(dst []byte) []byte {
	dst = binary.BigEndian.AppendUint32(dst, g.X)
	dst = binary.BigEndian.AppendUint32(dst, g.Y)
	return binary.BigEndian.AppendUint32(dst, g.Z)
}

// Items returns X*Y*Z without overflowing
func (g GlobalWorkSize) Items() uint64 {
	return uint64(g.X) * uint64(g.Y) * uint64(g.Z)
}

// Raw holds the body of a packet whose command is not recognised
type Raw struct {
	Data []byte
}

func (r *Raw) size() int { return len(r.Data) }

func (r *Raw) appendTo(dst []byte) []byte { return append(dst, r.Data...) }

// Packet is one decoded unit on the link. Payload is nil for RESET,
// START_KERNEL, ACK and NAK.
type Packet struct {
	Version uint8
	Command Command
	Payload Payload
}

// Len returns the value of the header's length field
func (p Packet) Len() int {
	if p.Payload == nil {
		return HeaderSize
	}
	return HeaderSize + p.Payload.size()
}

// Mem returns the memory payload or nil
func (p Packet) Mem() *MemReadWrite {
	m, _ := p.Payload.(*MemReadWrite)
	return m
}

// Kernel returns the kernel chunk payload or nil
func (p Packet) Kernel() *LoadKernel {
	k, _ := p.Payload.(*LoadKernel)
	return k
}

// WorkSize returns the global work size payload or nil
func (p Packet) WorkSize() *GlobalWorkSize {
	g, _ := p.Payload.(*GlobalWorkSize)
	return g
}

func (p Packet) String() string {
	return fmt.Sprintf("%s(len=%d)", p.Command, p.Len())
}

func newPacket(cmd Command, payload Payload) Packet {
	return Packet{Version: Version, Command: cmd, Payload: payload}
}

func NewReset() Packet { return newPacket(CmdReset, nil) }
func NewStartKernel() Packet { return newPacket(CmdStartKernel, nil) }
func NewAck() Packet { return newPacket(CmdAck, nil) }
func NewNak() Packet { return newPacket(CmdNak, nil) }

// NewMemWrite builds a MEM_WRITE of data at offset
func NewMemWrite(offset uint32, data []byte) Packet {
	return newPacket(CmdMemWrite, &MemReadWrite{Offset: offset, AccessLength: uint32(len(data)), Data: data})
}

// NewMemReadRequest asks the device for length bytes at offset
func NewMemReadRequest(offset, length uint32) Packet {
	return newPacket(CmdMemReadReq, &MemReadWrite{Offset: offset, AccessLength: length})
}

// NewMemReadResponse answers a read request
func NewMemReadResponse(offset uint32, data []byte) Packet {
	return newPacket(CmdMemReadRsp, &MemReadWrite{Offset: offset, AccessLength: uint32(len(data)), Data: data})
}

// NewLoadKernel builds one chunk of a kernel artifact transfer
func NewLoadKernel(totalSize, offset uint32, data []byte) Packet {
	return newPacket(CmdLoadKernelChunk, &LoadKernel{TotalSize: totalSize, Offset: offset, Data: data})
}

// NewGlobalWorkSize sets the three-dimensional work size
func NewGlobalWorkSize(x, y, z uint32) Packet {
	return newPacket(CmdSetGlobalWorkSize, &GlobalWorkSize{X: x, Y: y, Z: z})
}
