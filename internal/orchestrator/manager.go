package orchestrator

import (
	"context"
	"fmt"
	"sort"

	"golang.org/x/sync/errgroup"

	"github.com/settleup/reconciler/internal/domain"
)

// Manager holds one orchestrator per tenant. Tenants never share a cycle,
// so one tenant's failures or slowness do not hold up another.
type Manager struct {
	tenants map[string]*Orchestrator
	names   []string
}

func NewManager(orchs ...*Orchestrator) *Manager {
	m := &Manager{tenants: make(map[string]*Orchestrator, len(orchs))}
	for _, o := range orchs {
		name := o.Tenant().Name
		m.tenants[name] = o
		m.names = append(m.names, name)
	}
	sort.Strings(m.names)
	return m
}

func (m *Manager) Tenants() []string { return append([]string(nil), m.names...) }

func (m *Manager) Get(tenant string) (*Orchestrator, error) {
	o, ok := m.tenants[tenant]
	if !ok {
		return nil, fmt.Errorf("tenant %q: %w", tenant, domain.ErrNotFound)
	}
	return o, nil
}

// Trigger starts a background cycle for the tenant. It reports false when
// one is already running.
func (m *Manager) Trigger(ctx context.Context, tenant string) (bool, error) {
	o, err := m.Get(tenant)
	if err != nil {
		return false, err
	}
	return o.Trigger(ctx), nil
}

// TenantStatus is the live state of one tenant's orchestrator.
type TenantStatus struct {
	Tenant  string       `json:"tenant"`
	RealmID string       `json:"realm_id"`
	Phase   Phase        `json:"phase"`
	Running bool         `json:"running"`
	Last    *CycleReport `json:"last_cycle,omitempty"`
}

func (m *Manager) Status() []TenantStatus {
	out := make([]TenantStatus, 0, len(m.names))
	for _, name := range m.names {
		o := m.tenants[name]
		out = append(out, TenantStatus{
			Tenant:  name,
			RealmID: o.Tenant().RealmID,
			Phase:   o.Phase(),
			Running: o.Running(),
			Last:    o.LastReport(),
		})
	}
	return out
}

// Run schedules every tenant until ctx is done.
func (m *Manager) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)
	for _, name := range m.names {
		o := m.tenants[name]
		g.Go(func() error {
			o.Run(ctx)
			return nil
		})
	}
	return g.Wait()
}
