package monitor

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/finflow/finflow/pkg/config"
	"github.com/finflow/finflow/pkg/eventbus"
	"github.com/finflow/finflow/pkg/metrics"
	"github.com/finflow/finflow/pkg/model"
)

const (
	KindClients = "clients"
	KindMargins = "margins"

	releaseTimeout = 2 * time.Second
)

// Source is the read side of the monitor.
type Source interface {
	ActivePartners(ctx context.Context) ([]model.AdvisoryPartner, error)
	ActiveClients(ctx context.Context, partnerID uuid.UUID) ([]model.PartnerClient, error)
	ActiveRules(ctx context.Context, partnerID uuid.UUID) ([]model.AlertRule, error)
	ActiveProjects(ctx context.Context, tenantID uuid.UUID) ([]model.Project, error)
	UncategorizedCount(ctx context.Context, tenantID uuid.UUID) (int, error)
	ClientVitals(ctx context.Context, tenantID uuid.UUID) (*model.ClientVitals, error)
}

// Sink writes one client's alerts and value events atomically.
type Sink interface {
	RecordFindings(ctx context.Context, alerts []*model.Alert, events []*model.ValueTrackingEvent) error
}

type Publisher interface {
	Publish(ctx context.Context, channel string, event eventbus.Event) error
}

type RunReport struct {
	Kind              string        `json:"kind"`
	PartnersProcessed int64         `json:"partners_processed"`
	ClientsProcessed  int64         `json:"clients_processed"`
	ClientsFailed     int64         `json:"clients_failed"`
	AlertsCreated     int64         `json:"alerts_created"`
	ValueEvents       int64         `json:"value_events_created"`
	Duration          time.Duration `json:"duration_ns"`
}

type counters struct {
	partners atomic.Int64
	clients  atomic.Int64
	failed   atomic.Int64
	alerts   atomic.Int64
	events   atomic.Int64
}

// partnerScope is what a per-client evaluation needs from its partner.
type partnerScope struct {
	partner    model.AdvisoryPartner
	thresholds Thresholds
	templates  Templates
	margins    MarginRules
}

type evaluateFunc func(ctx context.Context, scope *partnerScope, client model.PartnerClient, name string) ([]Finding, error)

type Engine struct {
	source        Source
	sink          Sink
	suppressor    Suppressor
	bus           Publisher
	logger        *zap.Logger
	workers       int
	clientTimeout time.Duration
	interval      time.Duration
	now           func() time.Time
}

func NewEngine(source Source, sink Sink, suppressor Suppressor, bus Publisher, cfg config.MonitorConfig, logger *zap.Logger) *Engine {
	if cfg.Workers <= 0 {
		cfg.Workers = 4
	}
	if cfg.ClientTimeout <= 0 {
		cfg.ClientTimeout = 20 * time.Second
	}
	if cfg.Interval <= 0 {
		cfg.Interval = time.Hour
	}
	if suppressor == nil {
		suppressor = emitAlways{}
	}
	return &Engine{
		source:        source,
		sink:          sink,
		suppressor:    suppressor,
		bus:           bus,
		logger:        logger,
		workers:       cfg.Workers,
		clientTimeout: cfg.ClientTimeout,
		interval:      cfg.Interval,
		now:           time.Now,
	}
}

// Run executes both passes on every tick until ctx is done.
func (e *Engine) Run(ctx context.Context) error {
	e.logger.Info("monitor starting", zap.Duration("interval", e.interval), zap.Int("workers", e.workers))

	ticker := time.NewTicker(e.interval)
	defer ticker.Stop()

	for {
		if _, err := e.RunAll(ctx); err != nil && ctx.Err() == nil {
			e.logger.Error("monitor pass failed", zap.Error(err))
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

// RunAll runs the client pass then the margin pass.
func (e *Engine) RunAll(ctx context.Context) ([]*RunReport, error) {
	clients, err := e.RunOnce(ctx)
	if err != nil {
		return nil, err
	}
	margins, err := e.RunMargins(ctx)
	if err != nil {
		return []*RunReport{clients}, err
	}
	return []*RunReport{clients, margins}, nil
}

// RunOnce evaluates the client rules for every active partner and client.
func (e *Engine) RunOnce(ctx context.Context) (*RunReport, error) {
	return e.run(ctx, KindClients, e.evaluateClient)
}

// RunMargins evaluates the margin rules for every active project of every
// client whose partner has a margin ruleset.
func (e *Engine) RunMargins(ctx context.Context) (*RunReport, error) {
	return e.run(ctx, KindMargins, e.evaluateMargins)
}

func (e *Engine) run(ctx context.Context, kind string, evaluate evaluateFunc) (*RunReport, error) {
	start := e.now()
	partners, err := e.source.ActivePartners(ctx)
	if err != nil {
		return nil, fmt.Errorf("list active partners: %w", err)
	}

	var c counters
	for _, partner := range partners {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		e.runPartner(ctx, kind, partner, evaluate, &c)
	}

	report := &RunReport{
		Kind:              kind,
		PartnersProcessed: c.partners.Load(),
		ClientsProcessed:  c.clients.Load(),
		ClientsFailed:     c.failed.Load(),
		AlertsCreated:     c.alerts.Load(),
		ValueEvents:       c.events.Load(),
		Duration:          e.now().Sub(start),
	}
	metrics.MonitorRunDuration.WithLabelValues(kind).Observe(report.Duration.Seconds())
	e.logger.Info("monitor pass finished",
		zap.String("kind", kind),
		zap.Int64("partners", report.PartnersProcessed),
		zap.Int64("clients", report.ClientsProcessed),
		zap.Int64("clients_failed", report.ClientsFailed),
		zap.Int64("alerts", report.AlertsCreated),
		zap.Duration("duration", report.Duration),
	)
	return report, nil
}

func (e *Engine) runPartner(ctx context.Context, kind string, partner model.AdvisoryPartner, evaluate evaluateFunc, c *counters) {
	logger := e.logger.With(zap.String("partner_id", partner.ID.String()), zap.String("kind", kind))

	rules, err := e.source.ActiveRules(ctx, partner.ID)
	if err != nil {
		logger.Error("failed to load partner rules", zap.Error(err))
		return
	}
	scope := &partnerScope{
		partner:    partner,
		thresholds: ThresholdsFor(partner),
		templates:  TemplatesFrom(rules),
		margins:    MarginRulesFrom(rules),
	}
	if kind == KindMargins && scope.margins.Empty() {
		c.partners.Add(1)
		return
	}

	clients, err := e.source.ActiveClients(ctx, partner.ID)
	if err != nil {
		logger.Error("failed to list partner clients", zap.Error(err))
		return
	}
	c.partners.Add(1)

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(e.workers)
	for _, client := range clients {
		client := client
		g.Go(func() error {
			e.processClient(gctx, scope, client, evaluate, c)
			return nil
		})
	}
	_ = g.Wait()
}

func (e *Engine) processClient(ctx context.Context, scope *partnerScope, client model.PartnerClient, evaluate evaluateFunc, c *counters) {
	ctx, cancel := context.WithTimeout(ctx, e.clientTimeout)
	defer cancel()

	name := client.TenantID.String()
	if client.Tenant != nil && client.Tenant.Name != "" {
		name = client.Tenant.Name
	}
	logger := e.logger.With(
		zap.String("partner_id", scope.partner.ID.String()),
		zap.String("client_id", client.TenantID.String()),
	)

	findings, err := evaluate(ctx, scope, client, name)
	if err != nil {
		c.failed.Add(1)
		metrics.MonitorClientsFailed.Inc()
		logger.Warn("skipping client", zap.Error(err))
		return
	}

	findings, claimed := e.suppress(ctx, scope.partner.ID, client.TenantID, findings, logger)
	alerts, events := e.materialize(scope.partner.ID, client.TenantID, findings)
	if err := e.sink.RecordFindings(ctx, alerts, events); err != nil {
		e.release(ctx, claimed, logger)
		c.failed.Add(1)
		metrics.MonitorClientsFailed.Inc()
		logger.Error("failed to record findings", zap.Error(err))
		return
	}

	c.clients.Add(1)
	c.alerts.Add(int64(len(alerts)))
	c.events.Add(int64(len(events)))
	for _, alert := range alerts {
		metrics.AlertsCreated.WithLabelValues(string(alert.RuleType), string(alert.Severity)).Inc()
		e.publish(ctx, alert, logger)
	}
}

func (e *Engine) evaluateClient(ctx context.Context, scope *partnerScope, client model.PartnerClient, name string) ([]Finding, error) {
	vitals, err := e.source.ClientVitals(ctx, client.TenantID)
	if err != nil {
		return nil, fmt.Errorf("client vitals: %w", err)
	}
	count, err := e.source.UncategorizedCount(ctx, client.TenantID)
	if err != nil {
		return nil, fmt.Errorf("uncategorized count: %w", err)
	}
	return EvaluateClient(name, *vitals, count, scope.thresholds, scope.templates), nil
}

func (e *Engine) evaluateMargins(ctx context.Context, scope *partnerScope, client model.PartnerClient, name string) ([]Finding, error) {
	projects, err := e.source.ActiveProjects(ctx, client.TenantID)
	if err != nil {
		return nil, fmt.Errorf("active projects: %w", err)
	}
	var findings []Finding
	for _, project := range projects {
		if finding := EvaluateMargin(name, project, scope.margins, scope.templates); finding != nil {
			findings = append(findings, *finding)
		}
	}
	return findings, nil
}

// suppress drops findings still inside their window and returns the keys it
// claimed for the rest.
func (e *Engine) suppress(ctx context.Context, partnerID, clientID uuid.UUID, findings []Finding, logger *zap.Logger) ([]Finding, []string) {
	kept := findings[:0]
	var claimed []string
	for _, finding := range findings {
		key := fmt.Sprintf("%s:%s:%s", partnerID, clientID, finding.RuleType)
		if finding.ProjectID != nil {
			key += ":" + finding.ProjectID.String()
		}
		allowed, err := e.suppressor.Allow(ctx, key)
		if err != nil {
			logger.Warn("alert suppression check failed", zap.String("key", key), zap.Error(err))
			kept = append(kept, finding)
			continue
		}
		if allowed {
			kept = append(kept, finding)
			claimed = append(claimed, key)
		}
	}
	return kept, claimed
}

func (e *Engine) release(ctx context.Context, keys []string, logger *zap.Logger) {
	if len(keys) == 0 {
		return
	}
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), releaseTimeout)
	defer cancel()
	for _, key := range keys {
		if err := e.suppressor.Release(ctx, key); err != nil {
			logger.Warn("failed to release alert suppression", zap.String("key", key), zap.Error(err))
		}
	}
}

func (e *Engine) materialize(partnerID, clientID uuid.UUID, findings []Finding) ([]*model.Alert, []*model.ValueTrackingEvent) {
	now := e.now()
	alerts := make([]*model.Alert, 0, len(findings))
	var events []*model.ValueTrackingEvent
	for _, finding := range findings {
		alert := &model.Alert{
			ID:        uuid.New(),
			PartnerID: partnerID,
			ClientID:  clientID,
			RuleType:  finding.RuleType,
			Severity:  finding.Severity,
			Message:   finding.Message,
			Metadata:  finding.Metadata,
			CreatedAt: now,
		}
		alerts = append(alerts, alert)

		if finding.MinutesSaved > 0 {
			metadata := model.JSONB{"alert_id": alert.ID.String(), "rule_type": string(finding.RuleType)}
			if finding.ProjectID != nil {
				metadata["project_id"] = finding.ProjectID.String()
			}
			events = append(events, &model.ValueTrackingEvent{
				ID:           uuid.New(),
				PartnerID:    partnerID,
				ClientID:     clientID,
				EventType:    ValueEventMarginAlert,
				MinutesSaved: finding.MinutesSaved,
				Metadata:     metadata,
				CreatedAt:    now,
			})
		}
	}
	return alerts, events
}

func (e *Engine) publish(ctx context.Context, alert *model.Alert, logger *zap.Logger) {
	if e.bus == nil {
		return
	}
	event, err := eventbus.NewEvent(eventbus.EventAlertCreated, eventbus.AlertEvent{
		AlertID:   alert.ID.String(),
		PartnerID: alert.PartnerID.String(),
		ClientID:  alert.ClientID.String(),
		RuleType:  string(alert.RuleType),
		Severity:  string(alert.Severity),
		Message:   alert.Message,
	})
	if err != nil {
		logger.Warn("failed to create alert event", zap.Error(err))
		return
	}
	if err := e.bus.Publish(ctx, eventbus.ChannelAlerts, event); err != nil {
		logger.Warn("failed to publish alert", zap.Error(err))
	}
}
