package api

import (
	"context"
	"net/http"
	"sync"

	"go.uber.org/multierr"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/xkilldash9x/forensync/internal/config"
)

// Snapshot is one load of the dashboard's four resources. Under the partial
// policy any field may be missing when its call failed.
type Snapshot struct {
	Stats         *DashboardStats    `json:"stats,omitempty"`
	Alerts        []Alert            `json:"alerts,omitempty"`
	Activity      []Activity         `json:"activity,omitempty"`
	Visualization *VisualizationData `json:"visualization,omitempty"`
}

// Dashboard is the facade for the overview screen.
type Dashboard struct {
	client Requester
	policy config.AggregationPolicy
	logger *zap.Logger
}

// NewDashboard creates the dashboard facade. An empty policy means partial.
func NewDashboard(client Requester, policy config.AggregationPolicy, logger *zap.Logger) *Dashboard {
	if policy == "" {
		policy = config.AggregatePartial
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Dashboard{client: client, policy: policy, logger: logger.Named("dashboard")}
}

// Policy reports how Load combines results.
func (d *Dashboard) Policy() config.AggregationPolicy { return d.policy }

func (d *Dashboard) Stats(ctx context.Context) (*DashboardStats, error) {
	var out DashboardStats
	if err := d.client.Request(ctx, http.MethodGet, "/dashboard/stats", nil, nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (d *Dashboard) Alerts(ctx context.Context) ([]Alert, error) {
	var out []Alert
	if err := d.client.Request(ctx, http.MethodGet, "/dashboard/alerts", nil, nil, &out); err != nil {
		return nil, err
	}
	return out, nil
}

func (d *Dashboard) RecentActivity(ctx context.Context) ([]Activity, error) {
	var out []Activity
	if err := d.client.Request(ctx, http.MethodGet, "/dashboard/activity", nil, nil, &out); err != nil {
		return nil, err
	}
	return out, nil
}

func (d *Dashboard) Visualization(ctx context.Context) (*VisualizationData, error) {
	var out VisualizationData
	if err := d.client.Request(ctx, http.MethodGet, "/dashboard/visualization", nil, nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (d *Dashboard) AcknowledgeAlert(ctx context.Context, id ID) error {
	return d.client.Request(ctx, http.MethodPost, "/dashboard/alerts/"+escape(id)+"/acknowledge", nil, nil, nil)
}

func (d *Dashboard) ResolveAlert(ctx context.Context, id ID) error {
	return d.client.Request(ctx, http.MethodPost, "/dashboard/alerts/"+escape(id)+"/resolve", nil, nil, nil)
}

// Load fetches stats, alerts, activity and visualization concurrently and
// returns once every call has settled.
//
// Under AggregatePartial successful results are kept and the failures are
// combined into the returned error. Under AggregateAllOrNothing the first
// failure cancels the remaining calls and no snapshot is returned.
func (d *Dashboard) Load(ctx context.Context) (*Snapshot, error) {
	if d.policy == config.AggregateAllOrNothing {
		return d.loadAllOrNothing(ctx)
	}
	return d.loadPartial(ctx)
}

func (d *Dashboard) loaders(snap *Snapshot) []func(context.Context) error {
	return []func(context.Context) error{
		func(ctx context.Context) (err error) { snap.Stats, err = d.Stats(ctx); return },
		func(ctx context.Context) (err error) { snap.Alerts, err = d.Alerts(ctx); return },
		func(ctx context.Context) (err error) { snap.Activity, err = d.RecentActivity(ctx); return },
		func(ctx context.Context) (err error) { snap.Visualization, err = d.Visualization(ctx); return },
	}
}

func (d *Dashboard) loadPartial(ctx context.Context) (*Snapshot, error) {
	snap := &Snapshot{}
	loaders := d.loaders(snap)
	errs := make([]error, len(loaders))

	var wg sync.WaitGroup
	for i, load := range loaders {
		wg.Add(1)
		go func(i int, load func(context.Context) error) {
			defer wg.Done()
			errs[i] = load(ctx)
		}(i, load)
	}
	wg.Wait()

	err := multierr.Combine(errs...)
	if err != nil {
		d.logger.Warn("Dashboard loaded with failures.", zap.Int("failed", len(multierr.Errors(err))))
	}
	return snap, err
}

func (d *Dashboard) loadAllOrNothing(ctx context.Context) (*Snapshot, error) {
	snap := &Snapshot{}
	g, gctx := errgroup.WithContext(ctx)
	for _, load := range d.loaders(snap) {
		g.Go(func() error { return load(gctx) })
	}
	if err := g.Wait(); err != nil {
		d.logger.Warn("Dashboard load failed.", zap.Error(err))
		return nil, err
	}
	return snap, nil
}
