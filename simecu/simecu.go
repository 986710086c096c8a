// Package simecu is a diagnostic port backed by a simulated vehicle,
// used in test mode when no adapter is plugged in. Values evolve with
// the same correlations a real drive shows: throttle wanders, engine
// speed chases throttle, road speed chases engine speed, temperature
// follows load minus airflow cooling, and fuel burns down.
package simecu

import (
	"encoding/binary"
	"math/rand"
	"time"

	"github.com/pkg/errors"

	"github.com/vfmartins/ecupulse"
)

// Profile bounds the simulated vehicle's behavior.
type Profile struct {
	Name     string
	RPMMin   float64
	RPMMax   float64
	SpeedMax float64
	TempMin  float64
	TempMax  float64
}

// Profiles by vehicle type.
var Profiles = map[string]Profile{
	"sedan":  {Name: "sedan", RPMMin: 800, RPMMax: 3500, SpeedMax: 120, TempMin: 85, TempMax: 95},
	"suv":    {Name: "suv", RPMMin: 900, RPMMax: 3200, SpeedMax: 100, TempMin: 88, TempMax: 98},
	"pickup": {Name: "pickup", RPMMin: 1000, RPMMax: 3800, SpeedMax: 110, TempMin: 90, TempMax: 105},
	"hatch":  {Name: "hatch", RPMMin: 850, RPMMax: 4500, SpeedMax: 140, TempMin: 82, TempMax: 92},
	"sport":  {Name: "sport", RPMMin: 1200, RPMMax: 7000, SpeedMax: 180, TempMin: 90, TempMax: 110},
}

// Config tunes the simulation.
type Config struct {
	Profile     string  `toml:"profile"`
	LatencyMs   int     `toml:"latency_ms"`
	FailureRate float64 `toml:"failure_rate"` // 0..1 chance a request answers NO DATA
	Seed        int64   `toml:"seed"`
}

// supportedPIDs is what the simulated ECU claims in its capability
// masks; it matches the acquisition sequence.
var supportedPIDs = []uint8{
	ecupulse.PIDEngineLoad,
	ecupulse.PIDCoolantTemp,
	ecupulse.PIDFuelPressure,
	ecupulse.PIDEngineRPM,
	ecupulse.PIDVehicleSpeed,
	ecupulse.PIDTimingAdvance,
	ecupulse.PIDIntakeTemp,
	ecupulse.PIDMAFRate,
	ecupulse.PIDThrottlePos,
	ecupulse.PIDSupported21to40,
	ecupulse.PIDFuelLevel,
	ecupulse.PIDSupported41to60,
	ecupulse.PIDControlVoltage,
}

// Port implements ecupulse.DiagnosticPort and ecupulse.Retryable.
type Port struct {
	cfg     Config
	profile Profile
	rng     *rand.Rand

	rpm      float64
	speed    float64
	throttle float64
	temp     float64
	voltage  float64
	fuel     float64

	pending bool
	pid     uint8
	replyAt time.Time
	noData  bool
}

func New(cfg Config) *Port {
	profile, ok := Profiles[cfg.Profile]
	if !ok {
		profile = Profiles["sedan"]
	}
	seed := cfg.Seed
	if seed == 0 {
		seed = time.Now().UnixNano()
	}
	rng := rand.New(rand.NewSource(seed))
	return &Port{
		cfg:      cfg,
		profile:  profile,
		rng:      rng,
		rpm:      profile.RPMMin,
		throttle: 10 + rng.Float64()*30,
		temp:     profile.TempMin,
		voltage:  13.5,
		fuel:     30 + rng.Float64()*70,
	}
}

func (p *Port) Name() string { return "simecu" }
func (p *Port) Open() error  { return nil }
func (p *Port) Close() error { return nil }

func (p *Port) Request(pid uint8) error {
	p.step()
	p.pending = true
	p.pid = pid
	p.replyAt = time.Now().Add(time.Duration(p.cfg.LatencyMs) * time.Millisecond)
	p.noData = p.cfg.FailureRate > 0 && p.rng.Float64() < p.cfg.FailureRate
	return nil
}

func (p *Port) Poll() ecupulse.Result {
	if !p.pending {
		return ecupulse.FailedResult(errors.New("no request in flight"))
	}
	if time.Now().Before(p.replyAt) {
		return ecupulse.PendingResult()
	}
	p.pending = false
	if p.noData {
		return ecupulse.FailedResult(errors.Errorf("no data for pid %#02x", p.pid))
	}
	data, err := p.encode(p.pid)
	if err != nil {
		return ecupulse.FailedResult(err)
	}
	return ecupulse.DoneResult(data)
}

// step advances the vehicle model by one request.
func (p *Port) step() {
	p.throttle = clamp(p.throttle+p.rng.Float64()*10-5, 0, 100)

	target := p.throttle / 100 * p.profile.RPMMax
	p.rpm = clamp(p.rpm*0.9+target*0.1+p.rng.Float64()*100-50,
		p.profile.RPMMin, p.profile.RPMMax)

	p.speed = clamp(p.speed*0.95+(p.rpm/3000)*p.profile.SpeedMax*0.05+p.rng.Float64()*4-2,
		0, p.profile.SpeedMax)

	heat := p.rpm / 3000 * 10
	cooling := p.speed / 100 * 8
	p.temp = clamp(p.profile.TempMin+heat-cooling+p.rng.Float64()*2-1,
		p.profile.TempMin, p.profile.TempMax+10)

	p.voltage = clamp(13.8-(p.rpm/5000)*0.5+p.rng.Float64()*0.2-0.1, 11.5, 14.5)

	p.fuel = clamp(p.fuel-(p.rpm/3000)*0.01, 0, 100)
}

func (p *Port) encode(pid uint8) ([]byte, error) {
	switch pid {
	case ecupulse.PIDSupported01to20:
		return p.mask(0x00), nil
	case ecupulse.PIDSupported21to40:
		return p.mask(0x20), nil
	case ecupulse.PIDSupported41to60:
		return p.mask(0x40), nil
	case ecupulse.PIDEngineRPM:
		return u16(p.rpm * 4), nil
	case ecupulse.PIDVehicleSpeed:
		return []byte{u8(p.speed)}, nil
	case ecupulse.PIDThrottlePos:
		return []byte{u8(p.throttle * 255 / 100)}, nil
	case ecupulse.PIDControlVoltage:
		return u16(p.voltage * 1000), nil
	case ecupulse.PIDFuelLevel:
		return []byte{u8(p.fuel * 255 / 100)}, nil
	case ecupulse.PIDCoolantTemp:
		return []byte{u8(p.temp + 40)}, nil
	case ecupulse.PIDEngineLoad:
		return []byte{u8(p.throttle * 0.8 * 255 / 100)}, nil
	case ecupulse.PIDIntakeTemp:
		return []byte{u8(p.temp*0.4 + 40)}, nil
	case ecupulse.PIDMAFRate:
		// rough g/s: scales with rpm and throttle
		maf := p.rpm / 1000 * (1 + p.throttle/50)
		return u16(maf * 100), nil
	case ecupulse.PIDFuelPressure:
		return []byte{u8((280 + p.throttle) / 3)}, nil
	case ecupulse.PIDTimingAdvance:
		adv := 10 + p.throttle/10
		return []byte{u8((adv + 64) * 2)}, nil
	}
	return nil, errors.Errorf("pid %#02x not simulated", pid)
}

// mask builds the capability bitmask for the 32-identifier block that
// starts after base.
func (p *Port) mask(base uint8) []byte {
	var m uint32
	for _, pid := range supportedPIDs {
		if pid <= base || int(pid) > int(base)+32 {
			continue
		}
		m |= 1 << uint(31-(int(pid)-int(base)-1))
	}
	b := make([]byte, 4)
	binary.BigEndian.PutUint32(b, m)
	return b
}

func u16(v float64) []byte {
	b := make([]byte, 2)
	binary.BigEndian.PutUint16(b, uint16(clamp(v, 0, 65535)))
	return b
}

func u8(v float64) byte {
	return byte(clamp(v, 0, 255))
}

func clamp(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
