package wire

import (
	"fmt"
	"math"

	"google.golang.org/protobuf/encoding/protowire"
)

// Message is the envelope for every wire exchange once the handshake has
// completed: a monotone-per-direction sequence number plus exactly one
// payload variant. It is hand-encoded with protowire's low-level varint /
// length-delimited primitives (protoc is not run in this build) using the
// field numbers below, which must never be renumbered — only appended to.
type Message struct {
	Seq  uint64
	Data Payload
}

// Payload is implemented by every Message data variant.
type Payload interface {
	fieldNumber() protowire.Number
	marshal() []byte
}

const (
	fieldSeq protowire.Number = 1

	fieldHandshakeReq  protowire.Number = 10
	fieldInfo          protowire.Number = 11
	fieldStatusRsp     protowire.Number = 12
	fieldShellOutput   protowire.Number = 13
	fieldShellError    protowire.Number = 14
	fieldFileRsp       protowire.Number = 15
	fieldCommandRsp    protowire.Number = 16

	fieldHandshakeRsp    protowire.Number = 20
	fieldStatusReq       protowire.Number = 21
	fieldUpdate          protowire.Number = 22
	fieldReconnect       protowire.Number = 23
	fieldCommandReq      protowire.Number = 24
	fieldCommandKill     protowire.Number = 25
	fieldFileReq         protowire.Number = 26
	fieldShellConnect    protowire.Number = 27
	fieldShellInput      protowire.Number = 28
	fieldShellResize     protowire.Number = 29
	fieldShellDisconnect protowire.Number = 30
)

// -----------------------------------------------------------------------
// Agent -> Server variants
// -----------------------------------------------------------------------

type HandshakeReq struct{ Uid string }

func (HandshakeReq) fieldNumber() protowire.Number { return fieldHandshakeReq }
func (m HandshakeReq) marshal() []byte {
	var b []byte
	b = appendString(b, 1, m.Uid)
	return b
}

type Info struct {
	Os           string
	System       string
	Arch         string
	Hostname     string
	Ip           string
	Endpoint     string
	DisableShell bool
	ReportRate   uint32
	Version      string
}

func (Info) fieldNumber() protowire.Number { return fieldInfo }
func (m Info) marshal() []byte {
	var b []byte
	b = appendString(b, 1, m.Os)
	b = appendString(b, 2, m.System)
	b = appendString(b, 3, m.Arch)
	b = appendString(b, 4, m.Hostname)
	b = appendString(b, 5, m.Ip)
	b = appendString(b, 6, m.Endpoint)
	b = appendBool(b, 7, m.DisableShell)
	b = appendVarint(b, 8, uint64(m.ReportRate))
	b = appendString(b, 9, m.Version)
	return b
}

type StatusRsp struct {
	Time        uint64
	Cpu         float64
	Memory      float64
	TotalMemory float64
	Disk        float64
	TotalDisk   float64
	BandUp      uint64
	BandDown    uint64
}

func (StatusRsp) fieldNumber() protowire.Number { return fieldStatusRsp }
func (m StatusRsp) marshal() []byte {
	var b []byte
	b = appendVarint(b, 1, m.Time)
	b = appendDouble(b, 2, m.Cpu)
	b = appendDouble(b, 3, m.Memory)
	b = appendDouble(b, 4, m.TotalMemory)
	b = appendDouble(b, 5, m.Disk)
	b = appendDouble(b, 6, m.TotalDisk)
	b = appendVarint(b, 7, m.BandUp)
	b = appendVarint(b, 8, m.BandDown)
	return b
}

// ShellOutput carries shell output from agent to server. Token is empty
// when the agent has not (yet) been told to disambiguate concurrent shells.
type ShellOutput struct {
	Token string
	Data  []byte
}

func (ShellOutput) fieldNumber() protowire.Number { return fieldShellOutput }
func (m ShellOutput) marshal() []byte {
	var b []byte
	b = appendString(b, 1, m.Token)
	b = appendBytes(b, 2, m.Data)
	return b
}

type ShellError struct {
	Token string
	Error string
}

func (ShellError) fieldNumber() protowire.Number { return fieldShellError }
func (m ShellError) marshal() []byte {
	var b []byte
	b = appendString(b, 1, m.Token)
	b = appendString(b, 2, m.Error)
	return b
}

// FileRsp reports the outcome of a file transfer. Code is nil until the
// transfer has concluded (success or failure); Message is overwritten by
// every FileRsp, unlike CommandRsp.Output which accumulates.
type FileRsp struct {
	Id      string
	Code    *int32
	Message string
}

func (FileRsp) fieldNumber() protowire.Number { return fieldFileRsp }
func (m FileRsp) marshal() []byte {
	var b []byte
	b = appendString(b, 1, m.Id)
	if m.Code != nil {
		b = appendVarint(b, 2, zigzag32(*m.Code))
	}
	b = appendString(b, 3, m.Message)
	return b
}

// CommandRsp reports partial or final command output. Code is nil while
// the command is still running; Output is one chunk to append to the
// accumulated output buffer.
type CommandRsp struct {
	Id     string
	Code   *int32
	Output []byte
}

func (CommandRsp) fieldNumber() protowire.Number { return fieldCommandRsp }
func (m CommandRsp) marshal() []byte {
	var b []byte
	b = appendString(b, 1, m.Id)
	if m.Code != nil {
		b = appendVarint(b, 2, zigzag32(*m.Code))
	}
	b = appendBytes(b, 3, m.Output)
	return b
}

// -----------------------------------------------------------------------
// Server -> Agent variants
// -----------------------------------------------------------------------

type HandshakeStatus uint32

const (
	HandshakeSuccess HandshakeStatus = 0
	HandshakeLogined HandshakeStatus = 1
)

type HandshakeRsp struct {
	Status  HandshakeStatus
	TraceId string
}

func (HandshakeRsp) fieldNumber() protowire.Number { return fieldHandshakeRsp }
func (m HandshakeRsp) marshal() []byte {
	var b []byte
	b = appendVarint(b, 1, uint64(m.Status))
	b = appendString(b, 2, m.TraceId)
	return b
}

type StatusReq struct{ Time uint64 }

func (StatusReq) fieldNumber() protowire.Number { return fieldStatusReq }
func (m StatusReq) marshal() []byte {
	var b []byte
	b = appendVarint(b, 1, m.Time)
	return b
}

type Update struct {
	Data  []byte
	Crc32 uint32
}

func (Update) fieldNumber() protowire.Number { return fieldUpdate }
func (m Update) marshal() []byte {
	var b []byte
	b = appendBytes(b, 1, m.Data)
	b = appendVarint(b, 2, uint64(m.Crc32))
	return b
}

type Reconnect struct{}

func (Reconnect) fieldNumber() protowire.Number { return fieldReconnect }
func (Reconnect) marshal() []byte                { return nil }

type CommandReq struct {
	Id  string
	Cmd string
}

func (CommandReq) fieldNumber() protowire.Number { return fieldCommandReq }
func (m CommandReq) marshal() []byte {
	var b []byte
	b = appendString(b, 1, m.Id)
	b = appendString(b, 2, m.Cmd)
	return b
}

type CommandKill struct {
	Id    string
	Force bool
}

func (CommandKill) fieldNumber() protowire.Number { return fieldCommandKill }
func (m CommandKill) marshal() []byte {
	var b []byte
	b = appendString(b, 1, m.Id)
	b = appendBool(b, 2, m.Force)
	return b
}

type FileReq struct {
	Id   string
	Path string
	Data []byte
}

func (FileReq) fieldNumber() protowire.Number { return fieldFileReq }
func (m FileReq) marshal() []byte {
	var b []byte
	b = appendString(b, 1, m.Id)
	b = appendString(b, 2, m.Path)
	b = appendBytes(b, 3, m.Data)
	return b
}

type ShellConnect struct {
	Token string
	Cols  uint32
	Rows  uint32
}

func (ShellConnect) fieldNumber() protowire.Number { return fieldShellConnect }
func (m ShellConnect) marshal() []byte {
	var b []byte
	b = appendString(b, 1, m.Token)
	b = appendVarint(b, 2, uint64(m.Cols))
	b = appendVarint(b, 3, uint64(m.Rows))
	return b
}

type ShellInput struct {
	Token string
	Data  []byte
}

func (ShellInput) fieldNumber() protowire.Number { return fieldShellInput }
func (m ShellInput) marshal() []byte {
	var b []byte
	b = appendString(b, 1, m.Token)
	b = appendBytes(b, 2, m.Data)
	return b
}

type ShellResize struct {
	Token string
	Cols  uint32
	Rows  uint32
}

func (ShellResize) fieldNumber() protowire.Number { return fieldShellResize }
func (m ShellResize) marshal() []byte {
	var b []byte
	b = appendString(b, 1, m.Token)
	b = appendVarint(b, 2, uint64(m.Cols))
	b = appendVarint(b, 3, uint64(m.Rows))
	return b
}

type ShellDisconnect struct{ Token string }

func (ShellDisconnect) fieldNumber() protowire.Number { return fieldShellDisconnect }
func (m ShellDisconnect) marshal() []byte {
	var b []byte
	b = appendString(b, 1, m.Token)
	return b
}

// -----------------------------------------------------------------------
// Marshal / Unmarshal
// -----------------------------------------------------------------------

// Marshal encodes a full Message as a protobuf-shaped byte stream.
func Marshal(msg *Message) []byte {
	var b []byte
	b = appendVarint(b, fieldSeq, msg.Seq)
	if msg.Data != nil {
		num := msg.Data.fieldNumber()
		b = protowire.AppendTag(b, num, protowire.BytesType)
		b = protowire.AppendBytes(b, msg.Data.marshal())
	}
	return b
}

// Unmarshal decodes a Message previously produced by Marshal.
func Unmarshal(buf []byte) (*Message, error) {
	msg := &Message{}
	for len(buf) > 0 {
		num, typ, n := protowire.ConsumeTag(buf)
		if n < 0 {
			return nil, fmt.Errorf("wire: %w: bad tag", ErrTruncatedMessage)
		}
		buf = buf[n:]

		switch num {
		case fieldSeq:
			v, n := protowire.ConsumeVarint(buf)
			if n < 0 {
				return nil, fmt.Errorf("wire: %w: seq", ErrTruncatedMessage)
			}
			msg.Seq = v
			buf = buf[n:]
			continue
		}

		if typ != protowire.BytesType {
			n := protowire.ConsumeFieldValue(num, typ, buf)
			if n < 0 {
				return nil, fmt.Errorf("wire: %w: skip field", ErrTruncatedMessage)
			}
			buf = buf[n:]
			continue
		}

		sub, n := protowire.ConsumeBytes(buf)
		if n < 0 {
			return nil, fmt.Errorf("wire: %w: submessage", ErrTruncatedMessage)
		}
		buf = buf[n:]

		payload, err := unmarshalPayload(num, sub)
		if err != nil {
			return nil, err
		}
		if payload != nil {
			msg.Data = payload
		}
	}
	return msg, nil
}

func unmarshalPayload(num protowire.Number, b []byte) (Payload, error) {
	switch num {
	case fieldHandshakeReq:
		var m HandshakeReq
		err := forEachField(b, func(n protowire.Number, t protowire.Type, raw []byte) error {
			if n == 1 {
				m.Uid = consumeString(raw)
			}
			return nil
		})
		return m, err

	case fieldInfo:
		var m Info
		err := forEachField(b, func(n protowire.Number, t protowire.Type, raw []byte) error {
			switch n {
			case 1:
				m.Os = consumeString(raw)
			case 2:
				m.System = consumeString(raw)
			case 3:
				m.Arch = consumeString(raw)
			case 4:
				m.Hostname = consumeString(raw)
			case 5:
				m.Ip = consumeString(raw)
			case 6:
				m.Endpoint = consumeString(raw)
			case 7:
				v, _ := protowire.ConsumeVarint(raw)
				m.DisableShell = v != 0
			case 8:
				v, _ := protowire.ConsumeVarint(raw)
				m.ReportRate = uint32(v)
			case 9:
				m.Version = consumeString(raw)
			}
			return nil
		})
		return m, err

	case fieldStatusRsp:
		var m StatusRsp
		err := forEachField(b, func(n protowire.Number, t protowire.Type, raw []byte) error {
			switch n {
			case 1:
				v, _ := protowire.ConsumeVarint(raw)
				m.Time = v
			case 2:
				m.Cpu = consumeDouble(raw)
			case 3:
				m.Memory = consumeDouble(raw)
			case 4:
				m.TotalMemory = consumeDouble(raw)
			case 5:
				m.Disk = consumeDouble(raw)
			case 6:
				m.TotalDisk = consumeDouble(raw)
			case 7:
				v, _ := protowire.ConsumeVarint(raw)
				m.BandUp = v
			case 8:
				v, _ := protowire.ConsumeVarint(raw)
				m.BandDown = v
			}
			return nil
		})
		return m, err

	case fieldShellOutput:
		var m ShellOutput
		err := forEachField(b, func(n protowire.Number, t protowire.Type, raw []byte) error {
			switch n {
			case 1:
				m.Token = consumeString(raw)
			case 2:
				m.Data = append([]byte(nil), raw...)
			}
			return nil
		})
		return m, err

	case fieldShellError:
		var m ShellError
		err := forEachField(b, func(n protowire.Number, t protowire.Type, raw []byte) error {
			switch n {
			case 1:
				m.Token = consumeString(raw)
			case 2:
				m.Error = consumeString(raw)
			}
			return nil
		})
		return m, err

	case fieldFileRsp:
		var m FileRsp
		err := forEachField(b, func(n protowire.Number, t protowire.Type, raw []byte) error {
			switch n {
			case 1:
				m.Id = consumeString(raw)
			case 2:
				v, _ := protowire.ConsumeVarint(raw)
				c := unzigzag32(v)
				m.Code = &c
			case 3:
				m.Message = consumeString(raw)
			}
			return nil
		})
		return m, err

	case fieldCommandRsp:
		var m CommandRsp
		err := forEachField(b, func(n protowire.Number, t protowire.Type, raw []byte) error {
			switch n {
			case 1:
				m.Id = consumeString(raw)
			case 2:
				v, _ := protowire.ConsumeVarint(raw)
				c := unzigzag32(v)
				m.Code = &c
			case 3:
				m.Output = append([]byte(nil), raw...)
			}
			return nil
		})
		return m, err

	case fieldHandshakeRsp:
		var m HandshakeRsp
		err := forEachField(b, func(n protowire.Number, t protowire.Type, raw []byte) error {
			switch n {
			case 1:
				v, _ := protowire.ConsumeVarint(raw)
				m.Status = HandshakeStatus(v)
			case 2:
				m.TraceId = consumeString(raw)
			}
			return nil
		})
		return m, err

	case fieldStatusReq:
		var m StatusReq
		err := forEachField(b, func(n protowire.Number, t protowire.Type, raw []byte) error {
			if n == 1 {
				v, _ := protowire.ConsumeVarint(raw)
				m.Time = v
			}
			return nil
		})
		return m, err

	case fieldUpdate:
		var m Update
		err := forEachField(b, func(n protowire.Number, t protowire.Type, raw []byte) error {
			switch n {
			case 1:
				m.Data = append([]byte(nil), raw...)
			case 2:
				v, _ := protowire.ConsumeVarint(raw)
				m.Crc32 = uint32(v)
			}
			return nil
		})
		return m, err

	case fieldReconnect:
		return Reconnect{}, nil

	case fieldCommandReq:
		var m CommandReq
		err := forEachField(b, func(n protowire.Number, t protowire.Type, raw []byte) error {
			switch n {
			case 1:
				m.Id = consumeString(raw)
			case 2:
				m.Cmd = consumeString(raw)
			}
			return nil
		})
		return m, err

	case fieldCommandKill:
		var m CommandKill
		err := forEachField(b, func(n protowire.Number, t protowire.Type, raw []byte) error {
			switch n {
			case 1:
				m.Id = consumeString(raw)
			case 2:
				v, _ := protowire.ConsumeVarint(raw)
				m.Force = v != 0
			}
			return nil
		})
		return m, err

	case fieldFileReq:
		var m FileReq
		err := forEachField(b, func(n protowire.Number, t protowire.Type, raw []byte) error {
			switch n {
			case 1:
				m.Id = consumeString(raw)
			case 2:
				m.Path = consumeString(raw)
			case 3:
				m.Data = append([]byte(nil), raw...)
			}
			return nil
		})
		return m, err

	case fieldShellConnect:
		var m ShellConnect
		err := forEachField(b, func(n protowire.Number, t protowire.Type, raw []byte) error {
			switch n {
			case 1:
				m.Token = consumeString(raw)
			case 2:
				v, _ := protowire.ConsumeVarint(raw)
				m.Cols = uint32(v)
			case 3:
				v, _ := protowire.ConsumeVarint(raw)
				m.Rows = uint32(v)
			}
			return nil
		})
		return m, err

	case fieldShellInput:
		var m ShellInput
		err := forEachField(b, func(n protowire.Number, t protowire.Type, raw []byte) error {
			switch n {
			case 1:
				m.Token = consumeString(raw)
			case 2:
				m.Data = append([]byte(nil), raw...)
			}
			return nil
		})
		return m, err

	case fieldShellResize:
		var m ShellResize
		err := forEachField(b, func(n protowire.Number, t protowire.Type, raw []byte) error {
			switch n {
			case 1:
				m.Token = consumeString(raw)
			case 2:
				v, _ := protowire.ConsumeVarint(raw)
				m.Cols = uint32(v)
			case 3:
				v, _ := protowire.ConsumeVarint(raw)
				m.Rows = uint32(v)
			}
			return nil
		})
		return m, err

	case fieldShellDisconnect:
		var m ShellDisconnect
		err := forEachField(b, func(n protowire.Number, t protowire.Type, raw []byte) error {
			if n == 1 {
				m.Token = consumeString(raw)
			}
			return nil
		})
		return m, err

	default:
		return nil, fmt.Errorf("wire: %w: field %d", ErrUnknownVariant, num)
	}
}

// -----------------------------------------------------------------------
// Low-level field helpers
// -----------------------------------------------------------------------

func appendVarint(b []byte, num protowire.Number, v uint64) []byte {
	b = protowire.AppendTag(b, num, protowire.VarintType)
	return protowire.AppendVarint(b, v)
}

func appendBool(b []byte, num protowire.Number, v bool) []byte {
	var iv uint64
	if v {
		iv = 1
	}
	return appendVarint(b, num, iv)
}

func appendString(b []byte, num protowire.Number, s string) []byte {
	if s == "" {
		return b
	}
	b = protowire.AppendTag(b, num, protowire.BytesType)
	return protowire.AppendString(b, s)
}

func appendBytes(b []byte, num protowire.Number, v []byte) []byte {
	if len(v) == 0 {
		return b
	}
	b = protowire.AppendTag(b, num, protowire.BytesType)
	return protowire.AppendBytes(b, v)
}

func appendDouble(b []byte, num protowire.Number, v float64) []byte {
	b = protowire.AppendTag(b, num, protowire.Fixed64Type)
	return protowire.AppendFixed64(b, math.Float64bits(v))
}

func consumeDouble(raw []byte) float64 {
	v, _ := protowire.ConsumeFixed64(raw)
	return math.Float64frombits(v)
}

func consumeString(raw []byte) string {
	return string(raw)
}

func zigzag32(v int32) uint64 {
	return uint64(protowire.EncodeZigZag(int64(v)))
}

func unzigzag32(v uint64) int32 {
	return int32(protowire.DecodeZigZag(v))
}

// forEachField walks the top-level fields of a nested message, dispatching
// each to fn with the field's raw (already-consumed) value bytes: for
// varint/fixed64 fields this is the raw consumed slice re-sliced to just
// that field's encoding, for bytes fields it's the unwrapped content.
func forEachField(b []byte, fn func(num protowire.Number, typ protowire.Type, raw []byte) error) error {
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return fmt.Errorf("wire: %w: tag", ErrTruncatedMessage)
		}
		b = b[n:]

		switch typ {
		case protowire.VarintType:
			_, n := protowire.ConsumeVarint(b)
			if n < 0 {
				return fmt.Errorf("wire: %w: varint", ErrTruncatedMessage)
			}
			if err := fn(num, typ, b[:n]); err != nil {
				return err
			}
			b = b[n:]
		case protowire.Fixed64Type:
			_, n := protowire.ConsumeFixed64(b)
			if n < 0 {
				return fmt.Errorf("wire: %w: fixed64", ErrTruncatedMessage)
			}
			if err := fn(num, typ, b[:n]); err != nil {
				return err
			}
			b = b[n:]
		case protowire.BytesType:
			v, n := protowire.ConsumeBytes(b)
			if n < 0 {
				return fmt.Errorf("wire: %w: bytes", ErrTruncatedMessage)
			}
			if err := fn(num, typ, v); err != nil {
				return err
			}
			b = b[n:]
		case protowire.Fixed32Type:
			_, n := protowire.ConsumeFixed32(b)
			if n < 0 {
				return fmt.Errorf("wire: %w: fixed32", ErrTruncatedMessage)
			}
			if err := fn(num, typ, b[:n]); err != nil {
				return err
			}
			b = b[n:]
		default:
			n := protowire.ConsumeFieldValue(num, typ, b)
			if n < 0 {
				return fmt.Errorf("wire: %w: group", ErrTruncatedMessage)
			}
			b = b[n:]
		}
	}
	return nil
}

