// Package elm327 talks to an ELM327-compatible OBD-II adapter over a
// serial port, exposing it as an ecupulse.DiagnosticPort. One request
// is in flight at a time; responses are collected by non-blocking
// polls so the caller's tick is never held up by the wire.
package elm327

import (
	"bytes"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
	"go.bug.st/serial"

	"github.com/vfmartins/ecupulse"
)

// Config identifies the adapter's serial port.
type Config struct {
	PortPath string `toml:"port_path"`
	BaudRate int    `toml:"baud_rate"`
}

const (
	defaultBaudRate = 38400
	// pollReadTimeout bounds a single Poll's serial read so the tick
	// returns promptly whether or not bytes have arrived.
	pollReadTimeout = 20 * time.Millisecond
	initTimeout     = 3 * time.Second
	modeCurrentData = "01"
	prompt          = '>'
)

// Adapter implements ecupulse.DiagnosticPort and ecupulse.Retryable.
type Adapter struct {
	cfg  Config
	port serial.Port

	pending bool
	pid     uint8
	buf     []byte
}

func New(cfg Config) *Adapter {
	if cfg.BaudRate == 0 {
		cfg.BaudRate = defaultBaudRate
	}
	return &Adapter{cfg: cfg}
}

func (a *Adapter) Name() string { return "elm327" }

// Open opens the serial port and initializes the adapter: reset, echo
// off, automatic protocol selection.
func (a *Adapter) Open() error {
	mode := &serial.Mode{
		BaudRate: a.cfg.BaudRate,
		DataBits: 8,
		Parity:   serial.NoParity,
		StopBits: serial.OneStopBit,
	}
	port, err := serial.Open(a.cfg.PortPath, mode)
	if err != nil {
		return errors.Wrapf(err, "unable to open %s", a.cfg.PortPath)
	}
	a.port = port
	log.Infof("opened %s at %d baud", a.cfg.PortPath, a.cfg.BaudRate)

	for _, cmd := range []string{"ATZ", "ATE0", "ATSP0"} {
		if err := a.command(cmd); err != nil {
			_ = a.port.Close()
			a.port = nil
			return errors.Wrapf(err, "init command %s failed", cmd)
		}
	}
	a.pending = false
	return nil
}

// command writes an AT command and waits for the prompt. Only used
// during Open; requests during operation are non-blocking.
func (a *Adapter) command(cmd string) error {
	if err := a.port.SetReadTimeout(pollReadTimeout); err != nil {
		return errors.Wrap(err, "unable to set read timeout")
	}
	if err := a.port.ResetInputBuffer(); err != nil {
		return errors.Wrap(err, "unable to reset input buffer")
	}
	if _, err := a.port.Write([]byte(cmd + "\r")); err != nil {
		return errors.Wrap(err, "unable to write command")
	}
	deadline := time.Now().Add(initTimeout)
	resp := make([]byte, 0, 64)
	tmp := make([]byte, 64)
	for time.Now().Before(deadline) {
		n, err := a.port.Read(tmp)
		if err != nil {
			return errors.Wrap(err, "unable to read response")
		}
		resp = append(resp, tmp[:n]...)
		if bytes.ContainsRune(resp, prompt) {
			return nil
		}
	}
	return errors.Errorf("no prompt after %s", cmd)
}

func (a *Adapter) Close() error {
	if a.port == nil {
		return nil
	}
	err := a.port.Close()
	a.port = nil
	return err
}

// Request writes a mode-01 read for pid. The response accumulates in
// subsequent Poll calls.
func (a *Adapter) Request(pid uint8) error {
	if a.port == nil {
		return errors.New("port not open")
	}
	if err := a.port.ResetInputBuffer(); err != nil {
		return errors.Wrap(err, "unable to reset input buffer")
	}
	if _, err := a.port.Write([]byte(fmt.Sprintf("%s%02X\r", modeCurrentData, pid))); err != nil {
		return errors.Wrap(err, "unable to write request")
	}
	a.pid = pid
	a.pending = true
	a.buf = a.buf[:0]
	return nil
}

// Poll reads whatever bytes have arrived. The answer is terminal once
// the adapter prints its prompt.
func (a *Adapter) Poll() ecupulse.Result {
	if !a.pending {
		return ecupulse.FailedResult(errors.New("no request in flight"))
	}
	tmp := make([]byte, 128)
	n, err := a.port.Read(tmp)
	if err != nil {
		a.pending = false
		return ecupulse.FailedResult(errors.Wrap(err, "unable to read response"))
	}
	a.buf = append(a.buf, tmp[:n]...)
	if !bytes.ContainsRune(a.buf, prompt) {
		return ecupulse.PendingResult()
	}
	a.pending = false
	data, err := parseResponse(a.pid, string(a.buf))
	if err != nil {
		return ecupulse.FailedResult(err)
	}
	return ecupulse.DoneResult(data)
}

// parseResponse extracts the payload bytes from an adapter reply such
// as "41 0C 1A F8". Echo lines, SEARCHING banners and blank lines are
// skipped; NO DATA and error banners are terminal failures.
func parseResponse(pid uint8, raw string) ([]byte, error) {
	for _, line := range strings.FieldsFunc(raw, func(r rune) bool { return r == '\r' || r == '\n' }) {
		line = strings.TrimSpace(strings.TrimSuffix(line, string(prompt)))
		if line == "" || strings.HasPrefix(line, "SEARCHING") {
			continue
		}
		if line == "NO DATA" || strings.Contains(line, "UNABLE TO CONNECT") ||
			strings.Contains(line, "ERROR") {
			return nil, errors.Errorf("adapter reported %q", line)
		}
		fields := strings.Fields(line)
		if len(fields) < 3 || fields[0] != "41" {
			continue
		}
		respPID, err := hexByte(fields[1])
		if err != nil || respPID != pid {
			continue
		}
		data := make([]byte, 0, len(fields)-2)
		for _, f := range fields[2:] {
			b, err := hexByte(f)
			if err != nil {
				return nil, errors.Wrapf(err, "bad payload byte %q", f)
			}
			data = append(data, b)
		}
		return data, nil
	}
	return nil, errors.Errorf("no response frame for pid %#02x", pid)
}

func hexByte(s string) (uint8, error) {
	v, err := strconv.ParseUint(s, 16, 8)
	return uint8(v), err
}
