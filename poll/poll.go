// Package poll runs one availability check: fetch every target, aggregate the
// results, and notify each recipient whose last delivered message differs.
package poll

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"train-notifier/cookies"
	"train-notifier/notify"
	"train-notifier/pkg/train"
	"train-notifier/report"
	"train-notifier/scraper"
)

// ErrRunInProgress is returned when Check is called while another check is running.
var ErrRunInProgress = errors.New("check already in progress")

// Sessions loads the cookie jar for a run.
type Sessions interface {
	Load(ctx context.Context) *cookies.Jar
}

// Fetcher fetches one target page.
type Fetcher interface {
	Fetch(ctx context.Context, pageURL string) (*scraper.Outcome, error)
}

// FetcherFactory builds a fetcher bound to the jar loaded for a run.
type FetcherFactory func(jar *cookies.Jar) (Fetcher, error)

// States stores the fingerprint last delivered to each recipient.
type States interface {
	Get(ctx context.Context, recipient string) (string, bool, error)
	Put(ctx context.Context, recipient, fingerprint string) error
}

// Sender delivers a message to one recipient.
type Sender interface {
	Send(ctx context.Context, recipient, text string) error
}

// Config holds the run inputs.
type Config struct {
	Icons           map[string]string
	URLs            []string
	Recipients      []string
	AllowedTypes    []string
	NotifyWhenEmpty bool // Format and deliver even when no seats were found
}

// Status is the outcome of a non-fatal run.
type Status string

const (
	// StatusCompleted means change detection ran for every recipient.
	StatusCompleted Status = "completed"
	// StatusNoResults means no seat classes were found and nothing was sent.
	StatusNoResults Status = "no_results"
)

// Report summarises a run.
type Report struct {
	Status      Status   `json:"status"`
	Fingerprint string   `json:"fingerprint,omitempty"`
	Sent        []string `json:"sent"`
	Unchanged   []string `json:"unchanged"`
	Failed      []string `json:"failed"`
	Targets     int      `json:"targets"`
	Total       int      `json:"total"`
}

// Monitor handles the check run.
type Monitor struct {
	sessions   Sessions
	newFetcher FetcherFactory
	states     States
	sender     Sender
	logger     *slog.Logger
	cfg        Config
	mu         sync.Mutex
}

// New creates a new monitor.
func New(cfg Config, sessions Sessions, newFetcher FetcherFactory, states States, sender Sender, logger *slog.Logger) *Monitor {
	if cfg.AllowedTypes == nil {
		cfg.AllowedTypes = scraper.DefaultAllowedTypes
	}
	if cfg.Icons == nil {
		cfg.Icons = report.DefaultIcons
	}
	return &Monitor{
		cfg:        cfg,
		sessions:   sessions,
		newFetcher: newFetcher,
		states:     states,
		sender:     sender,
		logger:     logger,
	}
}

// Check runs one full pass. Access denial, fetch failures and fingerprint save
// failures are returned as errors; delivery failures are only reported.
func (m *Monitor) Check(ctx context.Context) (Report, error) {
	if !m.mu.TryLock() {
		return Report{}, ErrRunInProgress
	}
	defer m.mu.Unlock()

	startTime := time.Now()
	rep := Report{Targets: len(m.cfg.URLs)}
	m.logger.Info("Starting availability check",
		"targets", rep.Targets,
		"recipients", len(m.cfg.Recipients),
		"timestamp", startTime.Format(time.RFC3339))

	jar := m.sessions.Load(ctx)
	fetcher, err := m.newFetcher(jar)
	if err != nil {
		return rep, fmt.Errorf("create fetcher: %w", err)
	}

	agg, err := m.collect(ctx, fetcher)
	if err != nil {
		return rep, err
	}

	rep.Total = agg.Total()
	if rep.Total == 0 && !m.cfg.NotifyWhenEmpty {
		rep.Status = StatusNoResults
		m.logger.Info("No seats found, skipping notifications", "targets", rep.Targets)
		return rep, nil
	}

	text := report.Format(agg, m.cfg.Icons)
	rep.Fingerprint = report.Fingerprint(text)

	if err := m.notifyAll(ctx, text, &rep); err != nil {
		return rep, err
	}

	rep.Status = StatusCompleted
	m.logger.Info("Availability check completed",
		"total", rep.Total,
		"fingerprint", rep.Fingerprint,
		"sent", len(rep.Sent),
		"unchanged", len(rep.Unchanged),
		"failed", len(rep.Failed),
		"duration_ms", time.Since(startTime).Milliseconds())
	return rep, nil
}

// collect fetches every target in order and builds the aggregate. Any fetch
// error aborts: a partial aggregate would change the fingerprint.
func (m *Monitor) collect(ctx context.Context, fetcher Fetcher) (*train.Aggregate, error) {
	agg := train.NewAggregate()

	for i, rawURL := range m.cfg.URLs {
		if err := ctx.Err(); err != nil {
			m.logger.Info("Context cancelled, stopping check", "error", err)
			return nil, err
		}

		target := train.ParseTarget(rawURL)
		out, err := fetcher.Fetch(ctx, rawURL)
		if err != nil {
			if scraper.IsAccessDenied(err) {
				m.logger.Error("Access denied, aborting run", "url", rawURL, "index", i)
				return nil, err
			}
			return nil, fmt.Errorf("fetch target %d: %w", i, err)
		}

		classes := train.Result{}
		if out.Kind == scraper.Content {
			classes, err = scraper.Extract(bytes.NewReader(out.Body), m.cfg.AllowedTypes)
			if err != nil {
				return nil, fmt.Errorf("extract target %d: %w", i, err)
			}
		}

		if _, dup := agg.Lookup(target.Date, target.TrainNumber); dup {
			m.logger.Warn("Duplicate target, replacing earlier result",
				"date", target.Date,
				"train", target.TrainNumber)
		}
		m.logger.Info("Target checked",
			"date", target.Date,
			"train", target.TrainNumber,
			"outcome", out.Kind.String(),
			"classes", len(classes))
		agg.AddTarget(target, classes)
	}

	return agg, nil
}

func (m *Monitor) notifyAll(ctx context.Context, text string, rep *Report) error {
	for _, recipient := range m.cfg.Recipients {
		if err := ctx.Err(); err != nil {
			return err
		}

		stored, ok, err := m.states.Get(ctx, recipient)
		if err != nil {
			m.logger.Warn("Failed to read stored fingerprint, treating as absent", "recipient", recipient, "error", err)
			ok = false
		}
		if ok && stored == rep.Fingerprint {
			m.logger.Info("Message unchanged, skipping", "recipient", recipient)
			rep.Unchanged = append(rep.Unchanged, recipient)
			continue
		}

		if err := m.sender.Send(ctx, recipient, text); err != nil {
			if notify.IsDeliveryError(err) {
				m.logger.Error("Message rejected by messaging API", "recipient", recipient, "error", err)
			} else {
				m.logger.Error("Failed to deliver message", "recipient", recipient, "error", err)
			}
			rep.Failed = append(rep.Failed, recipient)
			continue
		}

		if err := m.states.Put(ctx, recipient, rep.Fingerprint); err != nil {
			return fmt.Errorf("save fingerprint for %s: %w", recipient, err)
		}
		rep.Sent = append(rep.Sent, recipient)
	}
	return nil
}
