package service

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/kursadbilgin/delivery-engine/internal/domain"
	"github.com/kursadbilgin/delivery-engine/internal/observability"
	"github.com/kursadbilgin/delivery-engine/internal/repository"
	"github.com/robfig/cron/v3"
	"go.uber.org/zap"
)

const (
	defaultRollupSchedule = "0 2 * * *"
	defaultHealthSchedule = "@every 5m"
	defaultBackfillDays   = 7
	defaultStaleAfter     = 30 * time.Minute
	defaultStaleFloor     = 10
	defaultMinVolume      = 20
	healthWindow          = time.Hour
	maxQueryDays          = 366
)

// Alert names raised by the aggregator.
const (
	AlertStaleJobs         = "stale_jobs"
	AlertFailureRate       = "failure_rate"
	AlertBounceRate        = "bounce_rate"
	AlertAggregationFailed = "aggregation_failed"
	AlertAggregationPanic  = "aggregation_panic"
)

type AggregatorOptions struct {
	RollupSchedule string
	HealthSchedule string
	// BackfillDays bounds how many missing days one rollup run computes.
	BackfillDays      int
	StaleAfter        time.Duration
	StaleFloor        int64
	MinVolume         int64
	FailureThresholds map[domain.Channel]float64
	BounceThresholds  map[domain.Channel]float64
}

// DefaultAggregatorOptions returns the production schedules and thresholds.
func DefaultAggregatorOptions() AggregatorOptions {
	return AggregatorOptions{
		RollupSchedule: defaultRollupSchedule,
		HealthSchedule: defaultHealthSchedule,
		BackfillDays:   defaultBackfillDays,
		StaleAfter:     defaultStaleAfter,
		StaleFloor:     defaultStaleFloor,
		MinVolume:      defaultMinVolume,
		FailureThresholds: map[domain.Channel]float64{
			domain.ChannelEmail:    0.10,
			domain.ChannelWhatsApp: 0.15,
		},
		BounceThresholds: map[domain.Channel]float64{
			domain.ChannelEmail: 0.05,
		},
	}
}

// Aggregator maintains daily analytics rollups and raises health alerts.
type Aggregator struct {
	jobs      repository.JobRepository
	analytics repository.AnalyticsRepository
	sink      AlertSink
	opts      AggregatorOptions
	logger    *zap.Logger
	metrics   *observability.Metrics
	now       func() time.Time
}

func NewAggregator(
	jobs repository.JobRepository,
	analytics repository.AnalyticsRepository,
	sink AlertSink,
	opts AggregatorOptions,
	logger *zap.Logger,
) (*Aggregator, error) {
	if jobs == nil {
		return nil, fmt.Errorf("job repository is required")
	}
	if analytics == nil {
		return nil, fmt.Errorf("analytics repository is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if sink == nil {
		sink = NewLogSink(logger)
	}

	defaults := DefaultAggregatorOptions()
	if opts.RollupSchedule == "" {
		opts.RollupSchedule = defaults.RollupSchedule
	}
	if opts.HealthSchedule == "" {
		opts.HealthSchedule = defaults.HealthSchedule
	}
	for _, schedule := range []string{opts.RollupSchedule, opts.HealthSchedule} {
		if _, err := cron.ParseStandard(schedule); err != nil {
			return nil, fmt.Errorf("%w: invalid schedule %q: %v", domain.ErrValidation, schedule, err)
		}
	}
	if opts.BackfillDays < 1 {
		opts.BackfillDays = defaults.BackfillDays
	}
	if opts.StaleAfter <= 0 {
		opts.StaleAfter = defaults.StaleAfter
	}
	if opts.StaleFloor <= 0 {
		opts.StaleFloor = defaults.StaleFloor
	}
	if opts.MinVolume <= 0 {
		opts.MinVolume = defaults.MinVolume
	}
	if opts.FailureThresholds == nil {
		opts.FailureThresholds = defaults.FailureThresholds
	}
	if opts.BounceThresholds == nil {
		opts.BounceThresholds = defaults.BounceThresholds
	}

	return &Aggregator{
		jobs:      jobs,
		analytics: analytics,
		sink:      sink,
		opts:      opts,
		logger:    logger,
		now:       time.Now,
	}, nil
}

func (a *Aggregator) SetMetrics(metrics *observability.Metrics) {
	if a == nil {
		return
	}
	a.metrics = metrics
}

// Start schedules the rollup and health check until context cancellation.
// A failing or panicking run raises an alert and never stops the scheduler.
func (a *Aggregator) Start(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}

	cronLog := cronLogger{sugar: a.logger.Sugar()}
	c := cron.New(
		cron.WithLocation(time.UTC),
		cron.WithLogger(cronLog),
		cron.WithChain(cron.SkipIfStillRunning(cronLog)),
	)

	if _, err := c.AddFunc(a.opts.RollupSchedule, func() {
		a.guard(ctx, "rollup", func(ctx context.Context) error {
			_, err := a.RunRollup(ctx)
			return err
		})
	}); err != nil {
		return fmt.Errorf("failed to schedule rollup: %w", err)
	}
	if _, err := c.AddFunc(a.opts.HealthSchedule, func() {
		a.guard(ctx, "health_check", func(ctx context.Context) error {
			_, err := a.RunHealthCheck(ctx)
			return err
		})
	}); err != nil {
		return fmt.Errorf("failed to schedule health check: %w", err)
	}

	a.logger.Info("aggregator started",
		zap.String("rollupSchedule", a.opts.RollupSchedule),
		zap.String("healthSchedule", a.opts.HealthSchedule),
	)
	c.Start()
	<-ctx.Done()
	<-c.Stop().Done()
	a.logger.Info("aggregator stopped")
	return nil
}

func (a *Aggregator) guard(ctx context.Context, task string, fn func(context.Context) error) {
	defer func() {
		if rec := recover(); rec != nil {
			a.logger.Error("scheduled task panicked", zap.String("task", task), zap.Any("panic", rec))
			a.raise(ctx, domain.Alert{
				Name:     AlertAggregationPanic,
				Severity: domain.SeverityCritical,
				Message:  fmt.Sprintf("%s panicked: %v", task, rec),
				Metadata: map[string]string{"task": task},
			})
		}
	}()

	if err := fn(ctx); err != nil && ctx.Err() == nil {
		a.logger.Error("scheduled task failed", zap.String("task", task), zap.Error(err))
		a.raise(ctx, domain.Alert{
			Name:     AlertAggregationFailed,
			Severity: domain.SeverityWarning,
			Message:  fmt.Sprintf("%s failed: %v", task, err),
			Metadata: map[string]string{"task": task},
		})
	}
}

// RunRollup writes the missing daily records up to yesterday, at most
// BackfillDays back. Existing records are never touched.
func (a *Aggregator) RunRollup(ctx context.Context) (int, error) {
	now := a.now().UTC()
	today := domain.DayStart(now)
	yesterday := today.AddDate(0, 0, -1)
	earliest := today.AddDate(0, 0, -a.opts.BackfillDays)

	inserted := 0
	for _, channel := range domain.Channels {
		start := earliest
		latest, err := a.analytics.LatestDate(ctx, channel)
		switch {
		case err == nil:
			if next := domain.DayStart(latest).AddDate(0, 0, 1); next.After(start) {
				start = next
			}
		case errors.Is(err, domain.ErrNotFound):
		default:
			return inserted, fmt.Errorf("failed to load latest rollup for %s: %w", channel, err)
		}

		for day := start; !day.After(yesterday); day = day.AddDate(0, 0, 1) {
			ch := channel
			snapshots, err := a.jobs.Snapshot(ctx, repository.SnapshotFilter{
				From:    day,
				To:      day.AddDate(0, 0, 1),
				Channel: &ch,
			})
			if err != nil {
				return inserted, fmt.Errorf("failed to snapshot %s on %s: %w", channel, day.Format(time.DateOnly), err)
			}

			record := domain.DeliveryAnalyticsRecord{Date: day, Channel: channel, CreatedAt: now}
			for _, snapshot := range snapshots {
				record.Add(snapshot)
			}

			ok, err := a.analytics.InsertIfAbsent(ctx, &record)
			if err != nil {
				return inserted, fmt.Errorf("failed to store rollup for %s on %s: %w", channel, day.Format(time.DateOnly), err)
			}
			if ok {
				inserted++
			}
		}
	}

	if inserted > 0 {
		a.logger.Info("analytics rollup stored", zap.Int("records", inserted))
	}
	return inserted, nil
}

// RunHealthCheck evaluates stale jobs and the last hour's failure and bounce
// rates, raising an alert for every breach.
func (a *Aggregator) RunHealthCheck(ctx context.Context) ([]domain.Alert, error) {
	now := a.now().UTC()
	var alerts []domain.Alert

	stale, err := a.jobs.CountStale(ctx,
		[]domain.Status{domain.StatusQueued, domain.StatusSending},
		now.Add(-a.opts.StaleAfter),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to count stale jobs: %w", err)
	}
	if stale >= a.opts.StaleFloor {
		alerts = append(alerts, domain.Alert{
			Name:     AlertStaleJobs,
			Severity: domain.SeverityWarning,
			Message:  fmt.Sprintf("%d jobs waiting longer than %s", stale, a.opts.StaleAfter),
			Metadata: map[string]string{
				"count":     strconv.FormatInt(stale, 10),
				"olderThan": a.opts.StaleAfter.String(),
			},
		})
	}

	for _, channel := range domain.Channels {
		ch := channel
		snapshots, err := a.jobs.Snapshot(ctx, repository.SnapshotFilter{
			From:    now.Add(-healthWindow),
			To:      now,
			Channel: &ch,
		})
		if err != nil {
			return nil, fmt.Errorf("failed to snapshot %s: %w", channel, err)
		}

		var window domain.DeliveryAnalyticsRecord
		for _, snapshot := range snapshots {
			window.Add(snapshot)
		}
		if window.Attempted < a.opts.MinVolume {
			continue
		}

		if threshold := a.opts.FailureThresholds[channel]; threshold > 0 {
			if rate := ratio(window.Failed, window.Attempted); rate > threshold {
				alerts = append(alerts, rateAlert(AlertFailureRate, domain.SeverityCritical, channel, rate, threshold, window.Attempted))
			}
		}
		if threshold := a.opts.BounceThresholds[channel]; threshold > 0 && window.Sent > 0 {
			if rate := ratio(window.Bounced, window.Sent); rate > threshold {
				alerts = append(alerts, rateAlert(AlertBounceRate, domain.SeverityWarning, channel, rate, threshold, window.Sent))
			}
		}
	}

	for i := range alerts {
		alerts[i].RaisedAt = now
		a.raise(ctx, alerts[i])
	}
	return alerts, nil
}

func rateAlert(name string, severity domain.Severity, channel domain.Channel, rate, threshold float64, volume int64) domain.Alert {
	return domain.Alert{
		Name:     name,
		Severity: severity,
		Message:  fmt.Sprintf("%s %s %.1f%% over the last hour exceeds %.1f%%", channel, name, rate*100, threshold*100),
		Metadata: map[string]string{
			"channel":   channel.String(),
			"rate":      strconv.FormatFloat(rate, 'f', 4, 64),
			"threshold": strconv.FormatFloat(threshold, 'f', 4, 64),
			"volume":    strconv.FormatInt(volume, 10),
		},
	}
}

func (a *Aggregator) raise(ctx context.Context, alert domain.Alert) {
	if alert.RaisedAt.IsZero() {
		alert.RaisedAt = a.now().UTC()
	}
	if a.metrics != nil {
		a.metrics.IncAlertRaised(alert.Name, string(alert.Severity))
	}
	if err := a.sink.Raise(context.WithoutCancel(ctx), alert); err != nil {
		a.logger.Error("failed to raise alert", zap.String("alert", alert.Name), zap.Error(err))
	}
}

// AnalyticsQuery selects an inclusive range of UTC days.
type AnalyticsQuery struct {
	From     time.Time
	To       time.Time
	Channel  *domain.Channel
	TenantID string
}

type AnalyticsRates struct {
	Success  float64
	Delivery float64
	Failure  float64
	Bounce   float64
	Open     float64
	Click    float64
}

type AnalyticsReport struct {
	From                 time.Time
	To                   time.Time
	Channel              *domain.Channel
	TenantID             string
	Totals               domain.DeliveryAnalyticsRecord
	Rates                AnalyticsRates
	AvgDeliveryLatencyMs float64
}

// Query sums stored rollups and computes days without a rollup (today's
// partial day included) live. A tenant filter is always computed live since
// rollups are not kept per tenant.
func (a *Aggregator) Query(ctx context.Context, q AnalyticsQuery) (*AnalyticsReport, error) {
	from, to := domain.DayStart(q.From), domain.DayStart(q.To)
	if q.From.IsZero() || q.To.IsZero() {
		return nil, fmt.Errorf("%w: from and to are required", domain.ErrValidation)
	}
	if to.Before(from) {
		return nil, fmt.Errorf("%w: from must not be after to", domain.ErrValidation)
	}
	if to.Sub(from) > maxQueryDays*24*time.Hour {
		return nil, fmt.Errorf("%w: range exceeds %d days", domain.ErrValidation, maxQueryDays)
	}

	end := to.AddDate(0, 0, 1)
	if tomorrow := domain.DayStart(a.now()).AddDate(0, 0, 1); end.After(tomorrow) {
		end = tomorrow
	}

	report := &AnalyticsReport{From: from, To: to, Channel: q.Channel, TenantID: q.TenantID}
	if !end.After(from) {
		return report, nil
	}

	var err error
	if q.TenantID != "" {
		report.Totals, err = a.liveTotals(ctx, from, end, q.Channel, q.TenantID, nil)
	} else {
		report.Totals, err = a.storedTotals(ctx, from, end, q.Channel)
	}
	if err != nil {
		return nil, err
	}
	report.Totals.Date = from
	if q.Channel != nil {
		report.Totals.Channel = *q.Channel
	}

	t := report.Totals
	report.Rates = AnalyticsRates{
		Success:  ratio(t.Sent, t.Attempted),
		Delivery: ratio(t.Delivered, t.Sent),
		Failure:  ratio(t.Failed, t.Attempted),
		Bounce:   ratio(t.Bounced, t.Sent),
		Open:     ratio(t.Opened, t.Delivered),
		Click:    ratio(t.Clicked, t.Delivered),
	}
	if t.Delivered > 0 {
		report.AvgDeliveryLatencyMs = float64(t.TotalDeliveryLatencyMs) / float64(t.Delivered)
	}
	return report, nil
}

func (a *Aggregator) storedTotals(ctx context.Context, from, end time.Time, channel *domain.Channel) (domain.DeliveryAnalyticsRecord, error) {
	var totals domain.DeliveryAnalyticsRecord

	stored, err := a.analytics.ListRange(ctx, from, end, channel)
	if err != nil {
		return totals, fmt.Errorf("failed to load rollups: %w", err)
	}
	covered := make(map[string]bool, len(stored))
	for _, record := range stored {
		totals.Merge(record)
		covered[dayChannelKey(record.Date, record.Channel)] = true
	}

	channels := domain.Channels
	if channel != nil {
		channels = []domain.Channel{*channel}
	}
	liveFrom := time.Time{}
	for day := from; day.Before(end) && liveFrom.IsZero(); day = day.AddDate(0, 0, 1) {
		for _, ch := range channels {
			if !covered[dayChannelKey(day, ch)] {
				liveFrom = day
				break
			}
		}
	}
	if liveFrom.IsZero() {
		return totals, nil
	}

	live, err := a.liveTotals(ctx, liveFrom, end, channel, "", covered)
	if err != nil {
		return totals, err
	}
	totals.Merge(live)
	return totals, nil
}

func (a *Aggregator) liveTotals(
	ctx context.Context,
	from, end time.Time,
	channel *domain.Channel,
	tenantID string,
	skip map[string]bool,
) (domain.DeliveryAnalyticsRecord, error) {
	var totals domain.DeliveryAnalyticsRecord

	snapshots, err := a.jobs.Snapshot(ctx, repository.SnapshotFilter{
		From:     from,
		To:       end,
		Channel:  channel,
		TenantID: tenantID,
	})
	if err != nil {
		return totals, fmt.Errorf("failed to snapshot jobs: %w", err)
	}
	for _, snapshot := range snapshots {
		if skip[dayChannelKey(snapshot.CreatedAt, snapshot.Channel)] {
			continue
		}
		totals.Add(snapshot)
	}
	return totals, nil
}

func dayChannelKey(t time.Time, channel domain.Channel) string {
	return domain.DayStart(t).Format(time.DateOnly) + "|" + channel.String()
}

func ratio(part, whole int64) float64 {
	if whole <= 0 {
		return 0
	}
	return float64(part) / float64(whole)
}

type cronLogger struct {
	sugar *zap.SugaredLogger
}

func (l cronLogger) Info(msg string, keysAndValues ...interface{}) {
	l.sugar.Debugw(msg, keysAndValues...)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	l.sugar.Errorw(msg, append(keysAndValues, "error", err)...)
}
