package ecupulse

// Snapshot is one assembled set of parameter readings plus derived
// metrics. A single instance is owned by the acquisition cycle and
// overwritten in place, field by field, as queries complete; the
// forwarder only ever reads it.
type Snapshot struct {
	RPM            int
	Speed          float64 // km/h
	CoolantTemp    float64 // °C
	IntakeTemp     float64 // °C
	ThrottlePos    float64 // %
	EngineLoad     float64 // %
	MAFRate        float64 // g/s
	FuelLevel      float64 // %
	BatteryVoltage float64 // V
	FuelPressure   float64 // kPa
	TimingAdvance  float64 // °

	// Derived fields, see derive.go.
	FuelRate float64 // L/h
	Gear     int     // 0 = neutral/stationary

	// Valid is raised by the consistency policy in force; a snapshot
	// with Valid unset must never be transmitted.
	Valid     bool
	Timestamp int64 // milliseconds since agent start
}
