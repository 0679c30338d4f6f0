package engine

import (
	"context"
	"fmt"
	"strings"

	"optolink/logging"
	"optolink/opto"
)

// Write sends value to a PAC memory map address. See WriteFrom.
func (e *Engine) Write(ctx context.Context, address string, value interface{}) error {
	return e.WriteFrom(ctx, "api", address, "", value)
}

// WriteFrom sends a register write on behalf of source ("api", "mqtt",
// "kafka", "valkey", "tui"). An empty address falls back to the configured
// writer address and a nil value to the configured raw hex word. value is
// parsed with typeHint when set, otherwise by its dynamic type.
func (e *Engine) WriteFrom(ctx context.Context, source, address, typeHint string, value interface{}) error {
	if e.writer == nil {
		return ErrNotRunning
	}

	e.cfg.Lock()
	enabled := e.cfg.Writer.Enabled
	defAddress := e.cfg.Writer.Address
	defWrite := e.cfg.Writer.Write
	e.cfg.Unlock()

	if !enabled {
		return ErrWriterDisabled
	}

	address = strings.ToUpper(strings.TrimSpace(address))
	if address == "" {
		address = strings.ToUpper(defAddress)
	}
	if value == nil {
		value = opto.RawHexValue(defWrite)
	}

	v, err := opto.ParseTypedValue(typeHint, value)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrInvalidInput, err)
	}

	data, err := opto.CoerceToHex(v)
	if err == nil {
		err = e.writer.WriteHex(ctx, address, data)
	}
	ev := WriteEvent{Address: address, Data: data, Source: source, Err: err, State: e.writer.State()}
	if err != nil {
		logging.DebugLog("engine", "write %s = %s from %s failed: %v", address, v, source, err)
		e.logFn("Write %s = %s (%s) failed: %v", address, v, source, err)
		e.emit(EventWriteFailed, ev)
	} else {
		e.emit(EventWriteDone, ev)
	}
	e.noteWriterState()
	return err
}

// ConnectWriter dials the PAC now instead of on the first write.
func (e *Engine) ConnectWriter(ctx context.Context) error {
	if e.writer == nil {
		return ErrNotRunning
	}
	err := e.writer.Connect(ctx)
	e.noteWriterState()
	return err
}
