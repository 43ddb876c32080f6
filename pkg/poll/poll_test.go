package poll

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/mazda-community/carconnect/pkg/vehicle"
)

type fakeFleet struct {
	mu       sync.Mutex
	vehicles []vehicle.Vehicle

	statusErr map[int]error
	evErr     map[int]error
	healthErr map[int]error

	statusCalls int
	healthCalls int

	blockStatus chan struct{}
}

func (f *fakeFleet) Vehicles(ctx context.Context) ([]vehicle.Vehicle, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]vehicle.Vehicle(nil), f.vehicles...), nil
}

func (f *fakeFleet) VehicleStatus(ctx context.Context, vehicleID int) (*vehicle.Status, error) {
	if f.blockStatus != nil {
		select {
		case <-f.blockStatus:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.statusCalls++
	if err := f.statusErr[vehicleID]; err != nil {
		return nil, err
	}
	return &vehicle.Status{OdometerKm: 1000 + float64(f.statusCalls)}, nil
}

func (f *fakeFleet) EVStatus(ctx context.Context, vehicleID int) (*vehicle.EVStatus, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.evErr[vehicleID]; err != nil {
		return nil, err
	}
	return &vehicle.EVStatus{Charge: vehicle.ChargeInfo{BatteryLevelPercentage: 80}}, nil
}

func (f *fakeFleet) HealthReport(ctx context.Context, vehicleID int) (*vehicle.HealthReport, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.healthCalls++
	if err := f.healthErr[vehicleID]; err != nil {
		return nil, err
	}
	return &vehicle.HealthReport{
		ReportDate: time.Date(2021, 6, 1, 12, 0, 0, 0, time.UTC),
		Fields:     map[string]float64{"OdoDispValue": 1234},
	}, nil
}

func (f *fakeFleet) setStatusError(vehicleID int, err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.statusErr == nil {
		f.statusErr = map[int]error{}
	}
	f.statusErr[vehicleID] = err
}

func twoVehicleFleet() *fakeFleet {
	return &fakeFleet{
		vehicles: []vehicle.Vehicle{
			{ID: 1, VIN: "JM3KFBBL1M0000001", Nickname: "Daily"},
			{ID: 2, VIN: "3MVDMBBM7M0000002", Nickname: "EV", IsElectric: true},
		},
	}
}

func fastConfig() Config {
	return Config{Interval: time.Hour, VehicleDelay: -1, EndpointDelay: -1}
}

func TestStatusPollerCollectsSnapshots(t *testing.T) {
	fleet := twoVehicleFleet()
	poller := NewStatusPoller(fastConfig(), fleet)

	if err := poller.PollFleet(context.Background(), fleet); err != nil {
		t.Fatalf("PollFleet: %s", err)
	}

	gas, ok := poller.Snapshot("JM3KFBBL1M0000001")
	if !ok || gas.Status == nil || gas.Stale {
		t.Fatalf("unexpected gas snapshot: %+v (ok=%v)", gas, ok)
	}
	if gas.EVStatus != nil {
		t.Errorf("gas vehicle should not carry EV status")
	}

	ev, ok := poller.Snapshot("3MVDMBBM7M0000002")
	if !ok || ev.Status == nil || ev.EVStatus == nil {
		t.Fatalf("unexpected EV snapshot: %+v (ok=%v)", ev, ok)
	}
	if got := ev.EVStatus.Charge.BatteryLevelPercentage; got != 80 {
		t.Errorf("battery level = %v, want 80", got)
	}
	if len(poller.Snapshots()) != 2 {
		t.Errorf("expected 2 snapshots, got %d", len(poller.Snapshots()))
	}
}

func TestStatusPollerKeepsLastGoodSnapshot(t *testing.T) {
	fleet := twoVehicleFleet()
	poller := NewStatusPoller(fastConfig(), fleet)

	if err := poller.PollFleet(context.Background(), fleet); err != nil {
		t.Fatalf("first cycle: %s", err)
	}
	before, _ := poller.Snapshot("JM3KFBBL1M0000001")

	fleet.setStatusError(1, errors.New("backend unavailable"))
	if err := poller.PollFleet(context.Background(), fleet); err != nil {
		t.Fatalf("second cycle: %s", err)
	}

	after, ok := poller.Snapshot("JM3KFBBL1M0000001")
	if !ok {
		t.Fatal("snapshot disappeared after failed poll")
	}
	if !after.Stale {
		t.Error("snapshot should be marked stale after failed poll")
	}
	if after.Status == nil || after.Status.OdometerKm != before.Status.OdometerKm {
		t.Errorf("stale snapshot should keep previous data: %+v", after.Status)
	}

	// The healthy vehicle keeps updating.
	ev, _ := poller.Snapshot("3MVDMBBM7M0000002")
	if ev.Stale {
		t.Error("healthy vehicle should not be stale")
	}
}

func TestStatusPollerStopsOnCancellation(t *testing.T) {
	fleet := twoVehicleFleet()
	fleet.blockStatus = make(chan struct{})
	poller := NewStatusPoller(fastConfig(), fleet)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- poller.Run(ctx) }()

	cancel()
	select {
	case err := <-done:
		if !errors.Is(err, context.Canceled) {
			t.Errorf("Run returned %v, want context.Canceled", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("poller did not stop after cancellation")
	}
}

func TestHealthPollerKeepsLastGoodReport(t *testing.T) {
	fleet := twoVehicleFleet()
	poller := NewHealthPoller(fastConfig(), fleet)

	if err := poller.PollFleet(context.Background(), fleet); err != nil {
		t.Fatalf("first cycle: %s", err)
	}

	fleet.mu.Lock()
	fleet.healthErr = map[int]error{1: errors.New("report generation failed")}
	fleet.mu.Unlock()

	if err := poller.PollFleet(context.Background(), fleet); err != nil {
		t.Fatalf("second cycle: %s", err)
	}

	snap, ok := poller.Snapshot("JM3KFBBL1M0000001")
	if !ok || snap.Report == nil {
		t.Fatalf("expected retained report, got %+v (ok=%v)", snap, ok)
	}
	if !snap.Stale {
		t.Error("retained report should be marked stale")
	}
	if snap.Report.Fields["OdoDispValue"] != 1234 {
		t.Errorf("report fields lost: %+v", snap.Report.Fields)
	}
}

func TestHealthPollerRunsAcrossFleets(t *testing.T) {
	first := twoVehicleFleet()
	second := &fakeFleet{vehicles: []vehicle.Vehicle{{ID: 9, VIN: "3MZBPABM5M0000009"}}}
	poller := NewHealthPoller(fastConfig(), first, second)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	done := make(chan error, 1)
	go func() { done <- poller.Run(ctx) }()

	deadline := time.After(2 * time.Second)
	for {
		_, okA := poller.Snapshot("JM3KFBBL1M0000001")
		_, okB := poller.Snapshot("3MZBPABM5M0000009")
		if okA && okB {
			break
		}
		select {
		case <-deadline:
			t.Fatal("snapshots never populated")
		case <-time.After(10 * time.Millisecond):
		}
	}

	cancel()
	if err := <-done; !errors.Is(err, context.Canceled) && !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("Run returned %v, want cancellation", err)
	}
}
