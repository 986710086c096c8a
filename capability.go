package ecupulse

import (
	"encoding/binary"

	log "github.com/sirupsen/logrus"
)

// probePIDs each answer with a 4-byte mask covering the next block of
// 32 parameter identifiers.
var probePIDs = []uint8{PIDSupported01to20, PIDSupported21to40, PIDSupported41to60}

// CapabilityMap records which parameters the connected ECU reports as
// readable: a fixed 256-bit set indexed by parameter identifier. It is
// built once per adapter connection and rebuilt after a reconnect.
type CapabilityMap struct {
	bits        [8]uint32
	discovered  bool
	probeErrors int
}

// Discover rebuilds the map from up to three capability probes. Bit i
// of a returned mask, counted from the most significant bit, marks
// identifier probe+1+i as supported. A failed probe leaves its block
// entirely unmarked; discovery as a whole never fails.
func (m *CapabilityMap) Discover(engine *QueryEngine) {
	m.bits = [8]uint32{}
	m.probeErrors = 0
	for _, probe := range probePIDs {
		res := engine.Exec(probe)
		if res.State != StateDone || len(res.Data) < 4 {
			m.probeErrors++
			log.WithField("pid", probe).WithField("err", res.Err).Warn("capability probe failed")
			continue
		}
		m.setBlock(probe, binary.BigEndian.Uint32(res.Data[:4]))
	}
	m.discovered = true
	log.WithField("probeErrors", m.probeErrors).Info("capability discovery complete")
}

func (m *CapabilityMap) setBlock(base uint8, mask uint32) {
	for i := 0; i < 32; i++ {
		if mask&(1<<uint(31-i)) != 0 {
			id := int(base) + 1 + i
			m.bits[id/32] |= 1 << uint(id%32)
		}
	}
}

// Supported reports whether id may be queried. Identifier 0, the
// capability probe itself, is always supported; everything else is
// unsupported until discovery has run.
func (m *CapabilityMap) Supported(id uint8) bool {
	if id == 0 {
		return true
	}
	if !m.discovered {
		return false
	}
	return m.bits[int(id)/32]&(1<<uint(int(id)%32)) != 0
}

func (m *CapabilityMap) Discovered() bool { return m.discovered }

// ProbeErrors is the number of capability blocks that could not be
// read during the last discovery.
func (m *CapabilityMap) ProbeErrors() int { return m.probeErrors }
