// Package session implements the per-connection state machine (component B):
// handshake, then a steady-state multiplex of inbound frames, status ticks,
// outbound queue drains, and shutdown, over the wire codec in
// internal/wire and the agent directory in internal/directory.
package session

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"hash/crc32"
	"net"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/klauspost/compress/flate"

	"github.com/ministruth/monitor/internal/directory"
	"github.com/ministruth/monitor/internal/metrics"
	"github.com/ministruth/monitor/internal/wire"
)

// AgentInfoStore persists the fields carried by an Info message. Grounded
// on internal/store.AgentStore, kept as a narrow local interface to avoid a
// session -> store import.
type AgentInfoStore interface {
	SaveInfo(ctx context.Context, id uuid.UUID, info AgentInfo) error
}

// AgentInfo is the subset of Info persisted verbatim to the store.
type AgentInfo struct {
	Os           string
	System       string
	Arch         string
	Hostname     string
	Ip           string
	Endpoint     string
	DisableShell bool
	ReportRate   uint32
}

// ShellRouter forwards agent-originated shell frames to the bridge session
// bound to their token.
type ShellRouter interface {
	RouteOutput(token string, data []byte)
	RouteError(token string, errMsg string)
}

// BinaryProvider decides whether an agent's reported version is current and
// supplies the raw update payload.
type BinaryProvider interface {
	IsOutOfDate(os, arch, version string) bool
	GetBinary(os, arch string) ([]byte, bool)
}

// Config bundles a Handler's fixed collaborators — one Config is shared by
// every connection; only the net.Conn and trace id differ per Handler.
type Config struct {
	SecretKey   []byte // server's secp256k1 secret key, for ECIES decrypt
	Directory   *directory.Directory
	Store       AgentInfoStore
	ShellRouter ShellRouter
	BinProvider BinaryProvider // nil disables the update-check path
	Logger      *zap.Logger
	MsgTimeout  time.Duration // 0 = no read timeout
}

// Handler drives one TCP connection through Await-Handshake -> Steady ->
// Closed. Construct one per accepted or dialed connection.
type Handler struct {
	cfg     Config
	conn    net.Conn
	traceID uuid.UUID
	reader  *wire.FrameReader
	cipher  *wire.SessionCipher
	log     *zap.Logger
}

// New builds a Handler for conn, which may be either an inbound (accepted)
// or outbound (dialed, passive) connection — framing and handshake are
// identical either way.
func New(cfg Config, conn net.Conn) *Handler {
	traceID := uuid.New()
	return &Handler{
		cfg:     cfg,
		conn:    conn,
		traceID: traceID,
		reader:  wire.NewFrameReader(conn, wire.MaxHandshakeFrameLen),
		log:     cfg.Logger.With(zap.String("trace_id", traceID.String()), zap.String("remote_addr", conn.RemoteAddr().String())),
	}
}

// Run executes the full connection lifecycle: handshake, then the steady
// loop, until the connection closes, a protocol error occurs, or shutdown
// is signaled. It always closes conn before returning.
func (h *Handler) Run(ctx context.Context, shutdown <-chan struct{}) error {
	defer h.conn.Close()

	start := time.Now()
	agentID, ok, err := h.handshake()
	if err != nil {
		metrics.HandshakeFailures.Inc()
		h.log.Debug("handshake failed", zap.Error(err))
		return err
	}
	if !ok {
		h.log.Debug("handshake rejected: already online")
		return nil
	}

	h.log.Info("agent connected", zap.String("agent_id", agentID.String()))
	metrics.ConnectedAgents.Inc()
	defer func() {
		h.cfg.Directory.Logout(agentID)
		metrics.ConnectedAgents.Dec()
		h.log.Info("agent disconnected", zap.Duration("lifetime", time.Since(start)))
	}()

	outbound, _ := h.cfg.Directory.BindMessage(agentID)
	return h.steady(ctx, agentID, outbound, shutdown)
}

// handshake distinguishes "rejected, already online" (ok=false, no
// error) from a hard failure (err != nil, connection must close silently).
func (h *Handler) handshake() (agentID uuid.UUID, ok bool, err error) {
	payload, err := h.reader.ReadFrame(h.cfg.MsgTimeout)
	if err != nil {
		return uuid.Nil, false, fmt.Errorf("session: read handshake frame: %w", err)
	}

	plaintext, err := wire.EciesDecrypt(h.cfg.SecretKey, payload)
	if err != nil {
		return uuid.Nil, false, fmt.Errorf("session: ecies decrypt: %w", err)
	}

	key, uid, err := wire.ParseHandshakePlaintext(plaintext)
	if err != nil {
		return uuid.Nil, false, err
	}

	cipher, err := wire.NewSessionCipher(key)
	if err != nil {
		return uuid.Nil, false, err
	}
	h.cipher = cipher

	id, admitted, err := h.cfg.Directory.Login(context.Background(), uid, h.conn.RemoteAddr())
	if err != nil {
		return uuid.Nil, false, fmt.Errorf("session: login: %w", err)
	}

	if !admitted {
		h.sendHandshakeRsp(wire.HandshakeLogined, 0)
		return uuid.Nil, false, nil
	}

	h.reader.SetMaxLen(wire.MaxFrameLen)
	h.sendHandshakeRsp(wire.HandshakeSuccess, 0)
	return id, true, nil
}

func (h *Handler) sendHandshakeRsp(status wire.HandshakeStatus, seq uint64) {
	rsp := wire.HandshakeRsp{Status: status, TraceId: h.traceID.String()}
	_ = h.sendMessage(seq, rsp)
}

func (h *Handler) sendMessage(seq uint64, data wire.Payload) error {
	metrics.MessagesSent.WithLabelValues(wireMessageType(data)).Inc()
	plaintext := wire.Marshal(&wire.Message{Seq: seq, Data: data})
	sealed, err := h.cipher.Seal(plaintext)
	if err != nil {
		return fmt.Errorf("session: seal: %w", err)
	}
	return wire.WriteFrame(h.conn, sealed)
}

type inboundFrame struct {
	msg *wire.Message
	err error
}

// readLoop blocks on ReadFrame/decrypt/Unmarshal in its own goroutine so the
// steady loop's select can observe other event sources concurrently. It
// exits (closing out) on the first read error (timeout, I/O, oversize
// frame) or decryption failure; a frame with a bad magic number or an
// undecodable message is logged and skipped.
func (h *Handler) readLoop(out chan<- inboundFrame) {
	defer close(out)
	for {
		payload, err := h.reader.ReadFrame(h.cfg.MsgTimeout)
		if err != nil {
			out <- inboundFrame{err: err}
			return
		}
		plaintext, err := h.cipher.Open(payload)
		if errors.Is(err, wire.ErrBadMagic) {
			h.log.Debug("protocol violation: dropping frame", zap.Error(err))
			continue
		}
		if err != nil {
			out <- inboundFrame{err: err}
			return
		}
		msg, err := wire.Unmarshal(plaintext)
		if err != nil {
			h.log.Debug("protocol violation: dropping frame", zap.Error(err))
			continue
		}
		out <- inboundFrame{msg: msg}
	}
}

// steady multiplexes four event sources for the lifetime of the connection:
// inbound frames, the status-request ticker, the agent's outbound queue,
// and shutdown.
func (h *Handler) steady(ctx context.Context, agentID uuid.UUID, outbound <-chan directory.ServerData, shutdown <-chan struct{}) error {
	frames := make(chan inboundFrame)
	go h.readLoop(frames)

	var clientSeq uint64
	var serverSeq uint64

	var ticker *time.Ticker
	var tickC <-chan time.Time
	defer func() {
		if ticker != nil {
			ticker.Stop()
		}
	}()

	for {
		select {
		case fr, open := <-frames:
			if !open {
				return nil
			}
			if fr.err != nil {
				h.log.Debug("connection closed", zap.Error(fr.err))
				return fr.err
			}
			if fr.msg.Seq < clientSeq {
				h.log.Debug("dropping reordered/duplicate frame", zap.Uint64("seq", fr.msg.Seq))
				continue
			}
			clientSeq = fr.msg.Seq + 1
			h.handleInbound(ctx, agentID, fr.msg.Data, &ticker, &tickC)

		case <-tickC:
			serverSeq++
			_ = h.sendMessage(serverSeq, wire.StatusReq{Time: uint64(time.Now().UnixMilli())})

		case data := <-outbound:
			serverSeq++
			if err := h.sendMessage(serverSeq, data); err != nil {
				h.log.Debug("outbound send failed", zap.Error(err))
				return err
			}

		case <-shutdown:
			return nil
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// handleInbound dispatches one decoded Message payload by concrete variant.
// Unknown/out-of-place variants are logged and ignored — a single bad
// message never closes a steady-state connection.
func (h *Handler) handleInbound(ctx context.Context, agentID uuid.UUID, data wire.Payload, ticker **time.Ticker, tickC *<-chan time.Time) {
	metrics.MessagesReceived.WithLabelValues(wireMessageType(data)).Inc()
	switch v := data.(type) {
	case wire.Info:
		info := AgentInfo{
			Os: v.Os, System: v.System, Arch: v.Arch, Hostname: v.Hostname,
			Ip: v.Ip, Endpoint: v.Endpoint, DisableShell: v.DisableShell, ReportRate: v.ReportRate,
		}
		if err := h.cfg.Store.SaveInfo(ctx, agentID, info); err != nil {
			h.log.Warn("persist agent info failed", zap.Error(err))
		}
		h.cfg.Directory.UpdateAgent(agentID, v.Os, v.System, v.Arch, v.Hostname, v.Ip, v.Endpoint, v.DisableShell, v.ReportRate)

		if *ticker != nil {
			(*ticker).Stop()
			*ticker, *tickC = nil, nil
		}
		if v.ReportRate > 0 {
			*ticker = time.NewTicker(time.Duration(v.ReportRate) * time.Second)
			*tickC = (*ticker).C
		}

		h.maybeSendUpdate(agentID, v.Os, v.Arch, v.Version)

	case wire.StatusRsp:
		h.cfg.Directory.UpdateStatus(agentID, time.Now().UnixMilli(), directory.StatusUpdate{
			Time: v.Time, Cpu: v.Cpu, Memory: v.Memory, TotalMemory: v.TotalMemory,
			Disk: v.Disk, TotalDisk: v.TotalDisk, BandUp: v.BandUp, BandDown: v.BandDown,
		})

	case wire.CommandRsp:
		h.cfg.Directory.UpdateCommandOutput(agentID, v.Id, v.Code, v.Output)

	case wire.FileRsp:
		h.cfg.Directory.UpdateFileResponse(agentID, v.Id, v.Code, v.Message)

	case wire.ShellOutput:
		if h.cfg.ShellRouter != nil && v.Token != "" {
			h.cfg.ShellRouter.RouteOutput(v.Token, v.Data)
		}

	case wire.ShellError:
		if h.cfg.ShellRouter != nil && v.Token != "" {
			h.cfg.ShellRouter.RouteError(v.Token, v.Error)
		}

	default:
		h.log.Debug("protocol violation: unexpected variant in steady state")
	}
}

// maybeSendUpdate implements the firmware-update branch of the Info
// handler: consult the BinaryProvider, and if the agent is out of date and
// a binary is available for its platform, DEFLATE-compress it and send
// Update{data, crc32} after marking the agent Updating.
func (h *Handler) maybeSendUpdate(agentID uuid.UUID, os, arch, version string) {
	if h.cfg.BinProvider == nil {
		return
	}
	if !h.cfg.BinProvider.IsOutOfDate(os, arch, version) {
		return
	}
	raw, ok := h.cfg.BinProvider.GetBinary(os, arch)
	if !ok {
		h.log.Info("no update binary available for platform", zap.String("os", os), zap.String("arch", arch))
		return
	}

	checksum := crc32.ChecksumIEEE(raw)
	compressed, err := deflateCompress(raw)
	if err != nil {
		h.log.Warn("compress update payload failed", zap.Error(err))
		return
	}

	h.cfg.Directory.SetStatus(agentID, directory.StatusUpdating)
	h.cfg.Directory.Enqueue(agentID, wire.Update{Data: compressed, Crc32: checksum})
}

// wireMessageType maps a decoded payload to a low-cardinality label for the
// message counters.
func wireMessageType(data wire.Payload) string {
	switch data.(type) {
	case wire.HandshakeReq:
		return "handshake_req"
	case wire.HandshakeRsp:
		return "handshake_rsp"
	case wire.Info:
		return "info"
	case wire.StatusReq:
		return "status_req"
	case wire.StatusRsp:
		return "status_rsp"
	case wire.CommandReq:
		return "command_req"
	case wire.CommandRsp:
		return "command_rsp"
	case wire.CommandKill:
		return "command_kill"
	case wire.FileReq:
		return "file_req"
	case wire.FileRsp:
		return "file_rsp"
	case wire.Update:
		return "update"
	case wire.Reconnect:
		return "reconnect"
	case wire.ShellConnect:
		return "shell_connect"
	case wire.ShellInput:
		return "shell_input"
	case wire.ShellOutput:
		return "shell_output"
	case wire.ShellResize:
		return "shell_resize"
	case wire.ShellDisconnect:
		return "shell_disconnect"
	case wire.ShellError:
		return "shell_error"
	default:
		return "unknown"
	}
}

func deflateCompress(raw []byte) ([]byte, error) {
	var buf bytes.Buffer
	w, err := flate.NewWriter(&buf, flate.DefaultCompression)
	if err != nil {
		return nil, err
	}
	if _, err := w.Write(raw); err != nil {
		return nil, err
	}
	if err := w.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}
