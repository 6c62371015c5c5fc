package monitor

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/finflow/finflow/pkg/config"
	"github.com/finflow/finflow/pkg/eventbus"
	"github.com/finflow/finflow/pkg/model"
)

type memSource struct {
	partners []model.AdvisoryPartner
	clients  map[uuid.UUID][]model.PartnerClient
	rules    map[uuid.UUID][]model.AlertRule
	projects map[uuid.UUID][]model.Project
	vitals   map[uuid.UUID]*model.ClientVitals
	counts   map[uuid.UUID]int
	failing  map[uuid.UUID]bool
	slow     map[uuid.UUID]bool
}

func newMemSource() *memSource {
	return &memSource{
		clients:  make(map[uuid.UUID][]model.PartnerClient),
		rules:    make(map[uuid.UUID][]model.AlertRule),
		projects: make(map[uuid.UUID][]model.Project),
		vitals:   make(map[uuid.UUID]*model.ClientVitals),
		counts:   make(map[uuid.UUID]int),
		failing:  make(map[uuid.UUID]bool),
		slow:     make(map[uuid.UUID]bool),
	}
}

func (s *memSource) ActivePartners(ctx context.Context) ([]model.AdvisoryPartner, error) {
	return s.partners, nil
}

func (s *memSource) ActiveClients(ctx context.Context, partnerID uuid.UUID) ([]model.PartnerClient, error) {
	return s.clients[partnerID], nil
}

func (s *memSource) ActiveRules(ctx context.Context, partnerID uuid.UUID) ([]model.AlertRule, error) {
	return s.rules[partnerID], nil
}

func (s *memSource) ActiveProjects(ctx context.Context, tenantID uuid.UUID) ([]model.Project, error) {
	return s.projects[tenantID], nil
}

func (s *memSource) UncategorizedCount(ctx context.Context, tenantID uuid.UUID) (int, error) {
	return s.counts[tenantID], nil
}

func (s *memSource) ClientVitals(ctx context.Context, tenantID uuid.UUID) (*model.ClientVitals, error) {
	if s.failing[tenantID] {
		return nil, errors.New("query timeout")
	}
	if s.slow[tenantID] {
		<-ctx.Done()
		return nil, ctx.Err()
	}
	vitals, ok := s.vitals[tenantID]
	if !ok {
		return &model.ClientVitals{CashBalance: decimal.NewFromInt(100000)}, nil
	}
	return vitals, nil
}

func (s *memSource) addClient(partnerID uuid.UUID, name string) uuid.UUID {
	tenantID := uuid.New()
	s.clients[partnerID] = append(s.clients[partnerID], model.PartnerClient{
		ID:        uuid.New(),
		PartnerID: partnerID,
		TenantID:  tenantID,
		Tenant:    &model.Tenant{ID: tenantID, Name: name},
		Active:    true,
	})
	return tenantID
}

type memSink struct {
	mu       sync.Mutex
	alerts   []*model.Alert
	events   []*model.ValueTrackingEvent
	failures int
}

func (s *memSink) RecordFindings(ctx context.Context, alerts []*model.Alert, events []*model.ValueTrackingEvent) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failures > 0 {
		s.failures--
		return errors.New("connection reset")
	}
	s.alerts = append(s.alerts, alerts...)
	s.events = append(s.events, events...)
	return nil
}

type memBus struct {
	mu     sync.Mutex
	events []eventbus.Event
}

func (b *memBus) Publish(ctx context.Context, channel string, event eventbus.Event) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.events = append(b.events, event)
	return nil
}

func newEngine(source Source, sink Sink, suppressor Suppressor, bus Publisher) *Engine {
	return NewEngine(source, sink, suppressor, bus, config.MonitorConfig{
		Workers:       2,
		ClientTimeout: 200 * time.Millisecond,
	}, zap.NewNop())
}

func TestRunOnceSkipsFailingClients(t *testing.T) {
	source := newMemSource()
	partner := model.AdvisoryPartner{ID: uuid.New(), Name: "Advisory", Active: true}
	source.partners = []model.AdvisoryPartner{partner}

	burning := source.addClient(partner.ID, "Burning")
	source.vitals[burning] = &model.ClientVitals{CashBalance: decimal.NewFromInt(500), RunwayDays: intPtr(5)}
	failing := source.addClient(partner.ID, "Failing")
	source.failing[failing] = true
	slow := source.addClient(partner.ID, "Slow")
	source.slow[slow] = true
	messy := source.addClient(partner.ID, "Messy")
	source.counts[messy] = 25

	sink := &memSink{}
	bus := &memBus{}
	report, err := newEngine(source, sink, nil, bus).RunOnce(context.Background())
	require.NoError(t, err)

	assert.Equal(t, KindClients, report.Kind)
	assert.Equal(t, int64(1), report.PartnersProcessed)
	assert.Equal(t, int64(2), report.ClientsProcessed)
	assert.Equal(t, int64(2), report.ClientsFailed)
	assert.Equal(t, int64(2), report.AlertsCreated)
	assert.Zero(t, report.ValueEvents)

	byClient := map[uuid.UUID]model.RuleType{}
	for _, alert := range sink.alerts {
		byClient[alert.ClientID] = alert.RuleType
		assert.Equal(t, partner.ID, alert.PartnerID)
	}
	assert.Equal(t, model.RuleCashCritical, byClient[burning])
	assert.Equal(t, model.RuleUncategorizedCount, byClient[messy])
	assert.Len(t, bus.events, 2)
}

func TestRunMarginsWritesValueEvents(t *testing.T) {
	source := newMemSource()
	partner := model.AdvisoryPartner{ID: uuid.New(), Active: true}
	idle := model.AdvisoryPartner{ID: uuid.New(), Active: true}
	source.partners = []model.AdvisoryPartner{partner, idle}
	source.rules[partner.ID] = []model.AlertRule{
		{ID: uuid.New(), RuleType: model.RuleMarginCritical, ThresholdValue: -20, AlertSeverity: model.SeverityCritical, Active: true},
		{ID: uuid.New(), RuleType: model.RuleMarginWarning, ThresholdValue: -10, AlertSeverity: model.SeverityWarning, Active: true},
	}
	client := source.addClient(partner.ID, "Builder")
	source.projects[client] = []model.Project{
		marginProject(92, 67),
		marginProject(85, 60),
		marginProject(50, 50),
	}
	source.addClient(idle.ID, "Unwatched")

	sink := &memSink{}
	report, err := newEngine(source, sink, nil, nil).RunMargins(context.Background())
	require.NoError(t, err)

	assert.Equal(t, int64(2), report.PartnersProcessed)
	assert.Equal(t, int64(1), report.ClientsProcessed)
	assert.Equal(t, int64(2), report.AlertsCreated)
	assert.Equal(t, int64(2), report.ValueEvents)

	minutes := 0
	for _, event := range sink.events {
		assert.Equal(t, ValueEventMarginAlert, event.EventType)
		assert.NotEmpty(t, event.Metadata.String("alert_id"))
		minutes += event.MinutesSaved
	}
	assert.Equal(t, 65, minutes)
}

func TestRedisSuppressorWindow(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	source := newMemSource()
	partner := model.AdvisoryPartner{ID: uuid.New(), Active: true}
	source.partners = []model.AdvisoryPartner{partner}
	messy := source.addClient(partner.ID, "Messy")
	source.counts[messy] = 50

	sink := &memSink{}
	engine := newEngine(source, sink, NewSuppressor(client, time.Hour), nil)
	ctx := context.Background()

	first, err := engine.RunOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), first.AlertsCreated)

	second, err := engine.RunOnce(ctx)
	require.NoError(t, err)
	assert.Zero(t, second.AlertsCreated)

	mr.FastForward(2 * time.Hour)
	third, err := engine.RunOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), third.AlertsCreated)
	assert.Len(t, sink.alerts, 2)
}

func TestFailedWriteReleasesSuppression(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	source := newMemSource()
	partner := model.AdvisoryPartner{ID: uuid.New(), Active: true}
	source.partners = []model.AdvisoryPartner{partner}
	short := source.addClient(partner.ID, "Short")
	source.vitals[short] = &model.ClientVitals{CashBalance: decimal.NewFromInt(500), RunwayDays: intPtr(5)}

	sink := &memSink{failures: 1}
	engine := newEngine(source, sink, NewSuppressor(client, time.Hour), nil)
	ctx := context.Background()

	first, err := engine.RunOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), first.ClientsFailed)
	assert.Zero(t, first.AlertsCreated)
	assert.Empty(t, mr.Keys())

	second, err := engine.RunOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), second.AlertsCreated)
	require.Len(t, sink.alerts, 1)
	assert.Equal(t, model.RuleCashCritical, sink.alerts[0].RuleType)
	assert.Len(t, mr.Keys(), 1)
}

func TestNoWindowReemits(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	suppressor := NewSuppressor(client, 0)
	for i := 0; i < 3; i++ {
		allowed, err := suppressor.Allow(context.Background(), "k")
		require.NoError(t, err)
		assert.True(t, allowed)
	}
	assert.Empty(t, mr.Keys())
}
