package forwarder

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"

	"github.com/vfmartins/ecupulse"
)

type fakeRecoverer struct {
	invocations int
	lastReason  string
}

func (r *fakeRecoverer) Recover(reason string) {
	r.invocations++
	r.lastReason = reason
}

func testSnapshot() *ecupulse.Snapshot {
	return &ecupulse.Snapshot{
		RPM:            3000,
		Speed:          88.25,
		CoolantTemp:    90.04,
		IntakeTemp:     35.2,
		ThrottlePos:    42.51,
		EngineLoad:     33.3,
		MAFRate:        22.4,
		FuelLevel:      76.47,
		BatteryVoltage: 13.456,
		FuelPressure:   300,
		TimingAdvance:  12.5,
		FuelRate:       2.0,
		Gear:           4,
		Valid:          true,
		Timestamp:      123456,
	}
}

func newTestForwarder(t *testing.T, endpoint string) (*HTTPForwarder, *fakeRecoverer) {
	t.Helper()
	rec := &fakeRecoverer{}
	fwd, err := New(&HTTPConfig{
		Endpoint: endpoint,
		DeviceID: "CAR_A",
	}, rec)
	assert.NoError(t, err)
	return fwd, rec
}

func TestForwardPayload(t *testing.T) {
	var body map[string]interface{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	fwd, rec := newTestForwarder(t, srv.URL)
	assert.NoError(t, fwd.Forward(testSnapshot()))
	assert.Equal(t, 0, fwd.ConsecutiveFailures())
	assert.Equal(t, 0, rec.invocations)

	assert.Equal(t, "CAR_A", body["device_id"])
	assert.Equal(t, float64(3000), body["rpm"])
	assert.Equal(t, 88.3, body["speed"])
	assert.Equal(t, 90.0, body["temp_motor"])
	assert.Equal(t, 42.5, body["throttle_pos"])
	assert.Equal(t, 13.46, body["voltage"])
	assert.Equal(t, float64(4), body["gear"])
	assert.Equal(t, 76.5, body["fuel_level"])
	assert.Equal(t, 90.0, body["coolant_temp"])
	assert.Equal(t, 35.2, body["intake_temp"])
	assert.Equal(t, 22.4, body["maf_rate"])
	assert.Equal(t, 2.0, body["fuel_rate"])
	assert.Equal(t, float64(123456), body["timestamp"])
}

func TestForwardRejectsInvalidSnapshot(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t.Error("an invalid snapshot must never reach the collector")
	}))
	defer srv.Close()

	fwd, _ := newTestForwarder(t, srv.URL)
	snap := testSnapshot()
	snap.Valid = false
	err := fwd.Forward(snap)
	assert.Equal(t, ecupulse.ErrSnapshotInvalid, errors.Cause(err))
	assert.Equal(t, 0, fwd.ConsecutiveFailures(), "a gating bug is not a delivery failure")
}

func TestForwardNon200IsFailure(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusAccepted) // even 2xx other than 200 fails
	}))
	defer srv.Close()

	fwd, rec := newTestForwarder(t, srv.URL)
	err := fwd.Forward(testSnapshot())
	assert.Equal(t, ErrBadStatus, errors.Cause(err))
	assert.Equal(t, 1, fwd.ConsecutiveFailures())
	assert.Equal(t, 0, rec.invocations)
}

func TestForwardSuccessResetsStreak(t *testing.T) {
	status := http.StatusInternalServerError
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(status)
	}))
	defer srv.Close()

	fwd, rec := newTestForwarder(t, srv.URL)
	for i := 0; i < 4; i++ {
		assert.Error(t, fwd.Forward(testSnapshot()))
	}
	assert.Equal(t, 4, fwd.ConsecutiveFailures())

	status = http.StatusOK
	assert.NoError(t, fwd.Forward(testSnapshot()))
	assert.Equal(t, 0, fwd.ConsecutiveFailures())

	// the reset prevented escalation; four more failures still stay
	// below the threshold
	status = http.StatusInternalServerError
	for i := 0; i < 4; i++ {
		assert.Error(t, fwd.Forward(testSnapshot()))
	}
	assert.Equal(t, 0, rec.invocations)
}

func TestForwardEscalatesAtThreshold(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	fwd, rec := newTestForwarder(t, srv.URL)
	for i := 0; i < 5; i++ {
		assert.Error(t, fwd.Forward(testSnapshot()))
	}
	assert.Equal(t, 1, rec.invocations, "exactly five consecutive failures escalate")
	assert.Equal(t, 0, fwd.ConsecutiveFailures(), "recovery restarts the count")
}

func TestForwardTransportErrorCounts(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	srv.Close() // nothing is listening anymore

	fwd, _ := newTestForwarder(t, srv.URL)
	assert.Error(t, fwd.Forward(testSnapshot()))
	assert.Equal(t, 1, fwd.ConsecutiveFailures())
}

func TestNewHTTPForwarderFromReader(t *testing.T) {
	config := fmt.Sprintf(`
endpoint = %q
device_id = "Truck_001"
timeout_seconds = 2
failure_threshold = 3
`, "http://127.0.0.1:5000/data")

	fwd, err := NewHTTPForwarderFromReader(bytes.NewBufferString(config), &fakeRecoverer{})
	assert.NoError(t, err)
	assert.Equal(t, "Truck_001", fwd.Config.DeviceID)
	assert.Equal(t, 3, fwd.Config.FailureThreshold)
}

func TestNewRequiresEndpointAndDevice(t *testing.T) {
	_, err := New(&HTTPConfig{DeviceID: "x"}, &fakeRecoverer{})
	assert.Error(t, err)
	_, err = New(&HTTPConfig{Endpoint: "http://localhost"}, &fakeRecoverer{})
	assert.Error(t, err)
}
