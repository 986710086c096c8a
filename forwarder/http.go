package forwarder

import (
	"bytes"
	"encoding/json"
	"io"
	"math"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"

	"github.com/vfmartins/ecupulse"
)

// ErrBadStatus reports a collector response other than 200.
var ErrBadStatus = errors.New("collector rejected payload")

const (
	defaultTimeout   = 5 * time.Second
	defaultThreshold = 5
)

// HTTPConfig configures delivery to the collector. No authentication is
// part of this contract; the upload channel is trusted by deployment.
type HTTPConfig struct {
	Endpoint         string `toml:"endpoint"`
	DeviceID         string `toml:"device_id"`
	TimeoutSeconds   int    `toml:"timeout_seconds"`
	FailureThreshold int    `toml:"failure_threshold"`
}

// payload mirrors the collector's expected JSON document. Keys and
// rounding are fixed by the collector; changing either breaks ingest
// validation on the server side.
type payload struct {
	DeviceID      string  `json:"device_id"`
	RPM           int     `json:"rpm"`
	Speed         float64 `json:"speed"`
	TempMotor     float64 `json:"temp_motor"`
	ThrottlePos   float64 `json:"throttle_pos"`
	Voltage       float64 `json:"voltage"`
	Gear          int     `json:"gear"`
	FuelLevel     float64 `json:"fuel_level"`
	EngineLoad    float64 `json:"engine_load"`
	CoolantTemp   float64 `json:"coolant_temp"`
	IntakeTemp    float64 `json:"intake_temp"`
	MAFRate       float64 `json:"maf_rate"`
	FuelPressure  float64 `json:"fuel_pressure"`
	TimingAdvance float64 `json:"timing_advance"`
	FuelRate      float64 `json:"fuel_rate"`
	Timestamp     int64   `json:"timestamp"`
}

// HTTPForwarder posts snapshots to the collector and tracks consecutive
// delivery failures. Past the configured threshold it hands control to
// the Recoverer; every other failure is transient and self-heals on the
// next tick.
type HTTPForwarder struct {
	Config *HTTPConfig

	client   *http.Client
	recover  ecupulse.Recoverer
	failures int
}

// NewHTTPForwarder loads the config file from the binary's directory.
func NewHTTPForwarder(fileName string, rec ecupulse.Recoverer) (*HTTPForwarder, error) {
	dir, err := filepath.Abs(filepath.Dir(os.Args[0]))
	if err != nil {
		return nil, errors.Wrap(err, "unable to determine binary location")
	}
	file, err := os.Open(filepath.Join(dir, fileName))
	if err != nil {
		return nil, errors.Wrapf(err, "unable to open file %s", fileName)
	}
	defer file.Close()
	return NewHTTPForwarderFromReader(file, rec)
}

func NewHTTPForwarderFromReader(configReader io.Reader, rec ecupulse.Recoverer) (*HTTPForwarder, error) {
	configData, err := io.ReadAll(configReader)
	if err != nil {
		return nil, errors.Wrap(err, "unable to read config reader")
	}
	config := HTTPConfig{}
	if _, err := toml.Decode(string(configData), &config); err != nil {
		return nil, errors.Wrap(err, "unable to load http forwarder configuration")
	}
	return New(&config, rec)
}

func New(config *HTTPConfig, rec ecupulse.Recoverer) (*HTTPForwarder, error) {
	if config.Endpoint == "" {
		return nil, errors.New("forwarder endpoint is required")
	}
	if config.DeviceID == "" {
		return nil, errors.New("forwarder device_id is required")
	}
	if config.FailureThreshold == 0 {
		config.FailureThreshold = defaultThreshold
	}
	timeout := defaultTimeout
	if config.TimeoutSeconds > 0 {
		timeout = time.Duration(config.TimeoutSeconds) * time.Second
	}
	return &HTTPForwarder{
		Config:  config,
		client:  &http.Client{Timeout: timeout},
		recover: rec,
	}, nil
}

// ConsecutiveFailures reports the current failure streak, for status
// rendering.
func (f *HTTPForwarder) ConsecutiveFailures() int { return f.failures }

// Forward serializes the snapshot and posts it. Exactly status 200 is
// success and resets the failure streak; anything else counts toward
// the fatal threshold.
func (f *HTTPForwarder) Forward(snap *ecupulse.Snapshot) error {
	if !snap.Valid {
		// callers gate on validity; an invalid snapshot reaching this
		// point is a bug, not a delivery failure
		return ecupulse.ErrSnapshotInvalid
	}
	body, err := json.Marshal(marshalSnapshot(f.Config.DeviceID, snap))
	if err != nil {
		return f.failed(errors.Wrap(err, "unable to serialize snapshot"))
	}
	resp, err := f.client.Post(f.Config.Endpoint, "application/json", bytes.NewReader(body))
	if err != nil {
		return f.failed(errors.Wrap(err, "unable to post snapshot"))
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)
	if resp.StatusCode != http.StatusOK {
		return f.failed(errors.Wrapf(ErrBadStatus, "status %d", resp.StatusCode))
	}
	f.failures = 0
	return nil
}

func (f *HTTPForwarder) failed(err error) error {
	f.failures++
	log.WithField("failures", f.failures).WithField("err", err).Warn("transmission failed")
	if f.failures >= f.Config.FailureThreshold {
		log.WithField("threshold", f.Config.FailureThreshold).
			Error("consecutive transmission failures reached threshold")
		f.failures = 0
		f.recover.Recover("consecutive transmission failures")
	}
	return err
}

func marshalSnapshot(deviceID string, s *ecupulse.Snapshot) payload {
	return payload{
		DeviceID:      deviceID,
		RPM:           s.RPM,
		Speed:         round1(s.Speed),
		TempMotor:     round1(s.CoolantTemp),
		ThrottlePos:   round1(s.ThrottlePos),
		Voltage:       round2(s.BatteryVoltage),
		Gear:          s.Gear,
		FuelLevel:     round1(s.FuelLevel),
		EngineLoad:    round1(s.EngineLoad),
		CoolantTemp:   round1(s.CoolantTemp),
		IntakeTemp:    round1(s.IntakeTemp),
		MAFRate:       round2(s.MAFRate),
		FuelPressure:  round1(s.FuelPressure),
		TimingAdvance: round1(s.TimingAdvance),
		FuelRate:      round2(s.FuelRate),
		Timestamp:     s.Timestamp,
	}
}

func round1(v float64) float64 { return math.Round(v*10) / 10 }
func round2(v float64) float64 { return math.Round(v*100) / 100 }
