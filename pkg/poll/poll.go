// Package poll implements background polling of vehicle telemetry and
// diagnostics across one or more accounts, keeping the last good snapshot
// available when a fetch fails.
package poll

import (
	"context"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/mazda-community/carconnect/internal/log"
	"github.com/mazda-community/carconnect/pkg/vehicle"
)

// Fleet is the account surface the pollers consume. *account.Account
// implements it.
type Fleet interface {
	Vehicles(ctx context.Context) ([]vehicle.Vehicle, error)
	VehicleStatus(ctx context.Context, vehicleID int) (*vehicle.Status, error)
	EVStatus(ctx context.Context, vehicleID int) (*vehicle.EVStatus, error)
	HealthReport(ctx context.Context, vehicleID int) (*vehicle.HealthReport, error)
}

// Defaults for the polling cadence. Status telemetry is cheap enough to
// poll frequently; health reports regenerate at most daily.
const (
	DefaultStatusInterval = 5 * time.Minute
	DefaultHealthInterval = 6 * time.Hour
	DefaultVehicleDelay   = 2 * time.Second
	DefaultEndpointDelay  = time.Second
)

// Config tunes a poller's cadence. Zero values take the defaults; delays
// can be disabled by setting them negative.
type Config struct {
	// Interval is the pause between full polling cycles.
	Interval time.Duration
	// VehicleDelay is the pause between vehicles within one cycle.
	VehicleDelay time.Duration
	// EndpointDelay is the pause between endpoint calls for one vehicle.
	EndpointDelay time.Duration
}

func (c Config) withDefaults(interval time.Duration) Config {
	if c.Interval == 0 {
		c.Interval = interval
	}
	if c.VehicleDelay == 0 {
		c.VehicleDelay = DefaultVehicleDelay
	}
	if c.EndpointDelay == 0 {
		c.EndpointDelay = DefaultEndpointDelay
	}
	return c
}

func pause(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// StatusSnapshot is the last known telemetry for one vehicle. When a fetch
// fails the previous data is retained and Stale is set.
type StatusSnapshot struct {
	Vehicle   vehicle.Vehicle
	Status    *vehicle.Status
	EVStatus  *vehicle.EVStatus
	UpdatedAt time.Time
	Stale     bool
}

// StatusPoller periodically fetches vehicle and EV status for every vehicle
// of every fleet.
type StatusPoller struct {
	fleets []Fleet
	config Config

	mu        sync.RWMutex
	snapshots map[string]*StatusSnapshot
}

// NewStatusPoller builds a poller over the given fleets.
func NewStatusPoller(config Config, fleets ...Fleet) *StatusPoller {
	return &StatusPoller{
		fleets:    fleets,
		config:    config.withDefaults(DefaultStatusInterval),
		snapshots: map[string]*StatusSnapshot{},
	}
}

// Snapshot returns the last known telemetry for a VIN.
func (p *StatusPoller) Snapshot(vin string) (StatusSnapshot, bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	s, ok := p.snapshots[vin]
	if !ok {
		return StatusSnapshot{}, false
	}
	return *s, true
}

// Snapshots returns the last known telemetry for every vehicle seen so far.
func (p *StatusPoller) Snapshots() []StatusSnapshot {
	p.mu.RLock()
	defer p.mu.RUnlock()
	out := make([]StatusSnapshot, 0, len(p.snapshots))
	for _, s := range p.snapshots {
		out = append(out, *s)
	}
	return out
}

// Run polls until the context is cancelled, one goroutine per fleet.
func (p *StatusPoller) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)
	for _, fleet := range p.fleets {
		fleet := fleet
		g.Go(func() error {
			for {
				if err := p.PollFleet(ctx, fleet); err != nil {
					return err
				}
				if err := pause(ctx, p.config.Interval); err != nil {
					return err
				}
			}
		})
	}
	return g.Wait()
}

// PollFleet runs one polling cycle over one fleet. Fetch failures are
// absorbed into stale snapshots; only cancellation stops the cycle.
func (p *StatusPoller) PollFleet(ctx context.Context, fleet Fleet) error {
	vehicles, err := fleet.Vehicles(ctx)
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		log.Warning("status poll: vehicle discovery failed: %s", err)
		p.markAllStale()
		return nil
	}

	for i, v := range vehicles {
		if i > 0 {
			if err := pause(ctx, p.config.VehicleDelay); err != nil {
				return err
			}
		}
		if err := p.pollVehicle(ctx, fleet, v); err != nil {
			return err
		}
	}
	return nil
}

func (p *StatusPoller) pollVehicle(ctx context.Context, fleet Fleet, v vehicle.Vehicle) error {
	status, err := fleet.VehicleStatus(ctx, v.ID)
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		log.Warning("status poll: vehicle %s temporarily unavailable: %s", v.VIN, err)
		p.markStale(v)
		return nil
	}

	var evStatus *vehicle.EVStatus
	if v.IsElectric {
		if err := pause(ctx, p.config.EndpointDelay); err != nil {
			return err
		}
		evStatus, err = fleet.EVStatus(ctx, v.ID)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			log.Warning("status poll: EV status for %s temporarily unavailable: %s", v.VIN, err)
			p.markStale(v)
			return nil
		}
	}

	p.mu.Lock()
	p.snapshots[v.VIN] = &StatusSnapshot{
		Vehicle:   v,
		Status:    status,
		EVStatus:  evStatus,
		UpdatedAt: time.Now(),
	}
	p.mu.Unlock()
	return nil
}

func (p *StatusPoller) markStale(v vehicle.Vehicle) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if s, ok := p.snapshots[v.VIN]; ok {
		s.Stale = true
		return
	}
	p.snapshots[v.VIN] = &StatusSnapshot{Vehicle: v, Stale: true}
}

func (p *StatusPoller) markAllStale() {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, s := range p.snapshots {
		s.Stale = true
	}
}

// HealthSnapshot is the last known diagnostic report for one vehicle.
type HealthSnapshot struct {
	Vehicle   vehicle.Vehicle
	Report    *vehicle.HealthReport
	UpdatedAt time.Time
	Stale     bool
}

// HealthPoller periodically fetches diagnostic reports. It runs at the
// lowest request priority and never blocks commands or status polling.
type HealthPoller struct {
	fleets []Fleet
	config Config

	mu        sync.RWMutex
	snapshots map[string]*HealthSnapshot
}

// NewHealthPoller builds a poller over the given fleets.
func NewHealthPoller(config Config, fleets ...Fleet) *HealthPoller {
	return &HealthPoller{
		fleets:    fleets,
		config:    config.withDefaults(DefaultHealthInterval),
		snapshots: map[string]*HealthSnapshot{},
	}
}

// Snapshot returns the last known report for a VIN.
func (p *HealthPoller) Snapshot(vin string) (HealthSnapshot, bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	s, ok := p.snapshots[vin]
	if !ok {
		return HealthSnapshot{}, false
	}
	return *s, true
}

// Run polls until the context is cancelled, one goroutine per fleet.
func (p *HealthPoller) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)
	for _, fleet := range p.fleets {
		fleet := fleet
		g.Go(func() error {
			for {
				if err := p.PollFleet(ctx, fleet); err != nil {
					return err
				}
				if err := pause(ctx, p.config.Interval); err != nil {
					return err
				}
			}
		})
	}
	return g.Wait()
}

// PollFleet runs one diagnostic cycle over one fleet.
func (p *HealthPoller) PollFleet(ctx context.Context, fleet Fleet) error {
	vehicles, err := fleet.Vehicles(ctx)
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		log.Warning("health poll: vehicle discovery failed: %s", err)
		return nil
	}

	for i, v := range vehicles {
		if i > 0 {
			if err := pause(ctx, p.config.VehicleDelay); err != nil {
				return err
			}
		}

		report, err := fleet.HealthReport(ctx, v.ID)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			log.Warning("health poll: report for %s temporarily unavailable: %s", v.VIN, err)
			p.markStale(v)
			continue
		}
		// A nil report without error means the backend has nothing yet;
		// keep whatever we had.
		if report == nil {
			p.markStale(v)
			continue
		}

		p.mu.Lock()
		p.snapshots[v.VIN] = &HealthSnapshot{
			Vehicle:   v,
			Report:    report,
			UpdatedAt: time.Now(),
		}
		p.mu.Unlock()
	}
	return nil
}

func (p *HealthPoller) markStale(v vehicle.Vehicle) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if s, ok := p.snapshots[v.VIN]; ok {
		s.Stale = true
		return
	}
	p.snapshots[v.VIN] = &HealthSnapshot{Vehicle: v, Stale: true}
}
