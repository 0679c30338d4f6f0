package opto

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"optolink/logging"
)

// Writer defaults.
const (
	DefaultWriterAddress = "10.0.0.1:2001"
	DefaultPrefix        = "FFFF"
	DefaultWriteTimeout  = 5 * time.Second
)

// sendRetries is how many times a failed packet is resent after a reconnect.
const sendRetries = 1

// ConnState is the lifecycle state of a Writer's connection.
type ConnState int32

const (
	StateDisconnected ConnState = iota
	StateConnected
	StateReconnecting
)

func (s ConnState) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnected:
		return "connected"
	case StateReconnecting:
		return "reconnecting"
	default:
		return fmt.Sprintf("ConnState(%d)", int32(s))
	}
}

// Dialer opens the PAC connection. net.Dialer.DialContext satisfies it.
type Dialer func(ctx context.Context, network, address string) (net.Conn, error)

// WriterConfig holds the runtime settings of a Writer.
type WriterConfig struct {
	Address string
	Prefix  string // prepended to every memory map address
	Suffix  string // appended to every memory map address
	Timeout time.Duration
	Dialer  Dialer
}

// WriterStats are cumulative counters since the writer was created.
type WriterStats struct {
	Connects   uint64
	Reconnects uint64 // connections replaced after a failed send
	Sent       uint64
	Failed     uint64
}

// Writer sends register write commands over one persistent TCP
// connection. A failed send triggers one reconnect and one resend.
type Writer struct {
	cfg WriterConfig

	mu    sync.Mutex // serializes send and reconnect
	conn  net.Conn
	state atomic.Int32

	connects   atomic.Uint64
	reconnects atomic.Uint64
	sent       atomic.Uint64
	failed     atomic.Uint64
}

// NewWriter creates a writer. It does not dial until Connect or the first Send.
func NewWriter(cfg WriterConfig) *Writer {
	if cfg.Address == "" {
		cfg.Address = DefaultWriterAddress
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultWriteTimeout
	}
	if cfg.Dialer == nil {
		d := &net.Dialer{}
		cfg.Dialer = d.DialContext
	}
	return &Writer{cfg: cfg}
}

// Address returns the PAC address the writer dials.
func (w *Writer) Address() string { return w.cfg.Address }

// Timeout returns the per-operation connect and send deadline.
func (w *Writer) Timeout() time.Duration { return w.cfg.Timeout }

// State returns the current connection state without blocking on a send.
func (w *Writer) State() ConnState {
	return ConnState(w.state.Load())
}

// Stats returns a snapshot of the counters.
func (w *Writer) Stats() WriterStats {
	return WriterStats{
		Connects:   w.connects.Load(),
		Reconnects: w.reconnects.Load(),
		Sent:       w.sent.Load(),
		Failed:     w.failed.Load(),
	}
}

// Connect dials the PAC and sends the power-up clear. It is a no-op when
// already connected.
func (w *Writer) Connect(ctx context.Context) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.conn != nil {
		return nil
	}
	return w.connectLocked(ctx)
}

// Write coerces v, builds the command for address and sends it. Codec
// errors are returned without touching the connection.
func (w *Writer) Write(ctx context.Context, address string, v Value) error {
	data, err := CoerceToHex(v)
	if err != nil {
		return err
	}
	return w.WriteHex(ctx, address, data)
}

// WriteHex sends an already coerced 8-digit quadlet to address.
func (w *Writer) WriteHex(ctx context.Context, address, data string) error {
	pkt, err := EncodeWrite(w.cfg.Prefix+address+w.cfg.Suffix, data)
	if err != nil {
		return err
	}
	logging.DebugLog("opto/tcp", "write %s = %s", address, data)
	return w.Send(ctx, pkt)
}

// Send transmits an encoded packet, connecting first when there is no
// connection. A failed send closes the socket, reconnects and resends the
// packet once; a second failure leaves the writer disconnected.
func (w *Writer) Send(ctx context.Context, pkt []byte) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.sendLocked(ctx, pkt, sendRetries)
}

// Stop half-closes and closes the connection. A later Send reconnects.
func (w *Writer) Stop() {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.conn != nil {
		logging.DebugDisconnect("opto/tcp", w.cfg.Address, "writer stopped")
	}
	w.closeLocked()
	w.state.Store(int32(StateDisconnected))
}

func (w *Writer) sendLocked(ctx context.Context, pkt []byte, retries int) error {
	if w.conn == nil {
		if err := w.connectLocked(ctx); err != nil {
			w.failed.Add(1)
			return err
		}
	}

	var lastErr error
	for attempt := 0; ; attempt++ {
		err := w.transmit(pkt)
		if err == nil {
			w.sent.Add(1)
			return nil
		}
		lastErr = err
		logging.DebugError("opto/tcp", fmt.Sprintf("send to %s (attempt %d)", w.cfg.Address, attempt+1), err)

		if attempt >= retries {
			w.closeLocked()
			w.state.Store(int32(StateDisconnected))
			w.failed.Add(1)
			return fmt.Errorf("%w: %w", ErrSendFailed, lastErr)
		}

		w.state.Store(int32(StateReconnecting))
		w.closeLocked()
		w.reconnects.Add(1)
		if cerr := w.connectLocked(ctx); cerr != nil {
			w.failed.Add(1)
			return errors.Join(cerr, lastErr)
		}
	}
}

func (w *Writer) transmit(pkt []byte) error {
	if err := w.conn.SetWriteDeadline(time.Now().Add(w.cfg.Timeout)); err != nil {
		return err
	}
	logging.DebugTX("opto/tcp", pkt)
	_, err := w.conn.Write(pkt)
	return err
}

func (w *Writer) connectLocked(ctx context.Context) error {
	logging.DebugConnect("opto/tcp", w.cfg.Address)

	puc, err := EncodeWrite(w.cfg.Prefix+PowerUpClearAddress+w.cfg.Suffix, PowerUpClearData)
	if err != nil {
		w.state.Store(int32(StateDisconnected))
		return fmt.Errorf("%w: power-up clear: %w", ErrConnect, err)
	}

	dctx, cancel := context.WithTimeout(ctx, w.cfg.Timeout)
	defer cancel()
	conn, err := w.cfg.Dialer(dctx, "tcp", w.cfg.Address)
	if err != nil {
		w.state.Store(int32(StateDisconnected))
		logging.DebugConnectError("opto/tcp", w.cfg.Address, err)
		return fmt.Errorf("%w: dial %s: %w", ErrConnect, w.cfg.Address, err)
	}
	w.conn = conn

	if err := w.transmit(puc); err != nil {
		w.closeLocked()
		w.state.Store(int32(StateDisconnected))
		logging.DebugConnectError("opto/tcp", w.cfg.Address, err)
		return fmt.Errorf("%w: power-up clear: %w", ErrConnect, err)
	}

	w.connects.Add(1)
	w.state.Store(int32(StateConnected))
	logging.DebugConnectSuccess("opto/tcp", w.cfg.Address, "power-up clear sent")
	return nil
}

func (w *Writer) closeLocked() {
	if w.conn == nil {
		return
	}
	if hc, ok := w.conn.(interface{ CloseWrite() error }); ok {
		hc.CloseWrite()
	}
	w.conn.Close()
	w.conn = nil
}
