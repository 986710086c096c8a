package ecupulse

import "github.com/pkg/errors"

// OBD-II mode 01 parameter identifiers used by this agent.
const (
	PIDSupported01to20 uint8 = 0x00
	PIDEngineLoad      uint8 = 0x04
	PIDCoolantTemp     uint8 = 0x05
	PIDFuelPressure    uint8 = 0x0A
	PIDEngineRPM       uint8 = 0x0C
	PIDVehicleSpeed    uint8 = 0x0D
	PIDTimingAdvance   uint8 = 0x0E
	PIDIntakeTemp      uint8 = 0x0F
	PIDMAFRate         uint8 = 0x10
	PIDThrottlePos     uint8 = 0x11
	PIDSupported21to40 uint8 = 0x20
	PIDFuelLevel       uint8 = 0x2F
	PIDSupported41to60 uint8 = 0x40
	PIDControlVoltage  uint8 = 0x42
)

// ErrShortResponse reports a payload with fewer bytes than the PID's
// decode formula needs.
var ErrShortResponse = errors.New("response payload too short")

// cycleStep is one entry of the acquisition state table: which PID to
// query, how many payload bytes its formula needs, how to decode them,
// and where the decoded value lands in the snapshot. Parameter order
// and decoding are data here, not control flow.
type cycleStep struct {
	pid    uint8
	name   string
	size   int
	decode func(data []byte) float64
	write  func(snap *Snapshot, v float64)
}

// cycleSteps is the fixed acquisition sequence. The first six entries
// cover the minimal payload the collector validates; the rest enrich it.
var cycleSteps = []cycleStep{
	{PIDEngineRPM, "rpm", 2,
		func(d []byte) float64 { return float64(uint16(d[0])<<8|uint16(d[1])) / 4 },
		func(s *Snapshot, v float64) { s.RPM = int(v) }},
	{PIDVehicleSpeed, "speed", 1,
		func(d []byte) float64 { return float64(d[0]) },
		func(s *Snapshot, v float64) { s.Speed = v }},
	{PIDThrottlePos, "throttle_pos", 1,
		func(d []byte) float64 { return float64(d[0]) * 100 / 255 },
		func(s *Snapshot, v float64) { s.ThrottlePos = v }},
	{PIDControlVoltage, "voltage", 2,
		func(d []byte) float64 { return float64(uint16(d[0])<<8|uint16(d[1])) / 1000 },
		func(s *Snapshot, v float64) { s.BatteryVoltage = v }},
	{PIDFuelLevel, "fuel_level", 1,
		func(d []byte) float64 { return float64(d[0]) * 100 / 255 },
		func(s *Snapshot, v float64) { s.FuelLevel = v }},
	{PIDCoolantTemp, "coolant_temp", 1,
		func(d []byte) float64 { return float64(d[0]) - 40 },
		func(s *Snapshot, v float64) { s.CoolantTemp = v }},
	{PIDEngineLoad, "engine_load", 1,
		func(d []byte) float64 { return float64(d[0]) * 100 / 255 },
		func(s *Snapshot, v float64) { s.EngineLoad = v }},
	{PIDIntakeTemp, "intake_temp", 1,
		func(d []byte) float64 { return float64(d[0]) - 40 },
		func(s *Snapshot, v float64) { s.IntakeTemp = v }},
	{PIDMAFRate, "maf_rate", 2,
		func(d []byte) float64 { return float64(uint16(d[0])<<8|uint16(d[1])) / 100 },
		func(s *Snapshot, v float64) { s.MAFRate = v }},
	{PIDFuelPressure, "fuel_pressure", 1,
		func(d []byte) float64 { return float64(d[0]) * 3 },
		func(s *Snapshot, v float64) { s.FuelPressure = v }},
	{PIDTimingAdvance, "timing_advance", 1,
		func(d []byte) float64 { return float64(d[0])/2 - 64 },
		func(s *Snapshot, v float64) { s.TimingAdvance = v }},
}
