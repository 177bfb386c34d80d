package health

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/hashicorp/go-multierror"
	"github.com/redis/go-redis/v9"

	"gitlab.com/gitlab-org/database-backfill/log"
)

// Pinger is implemented by *datastore.DB and RedisPinger.
type Pinger interface {
	Address() string
	PingContext(context.Context) error
}

// Target is a named dependency whose reachability is tracked by a StatusChecker.
type Target struct {
	Name   string
	Pinger Pinger
}

// StatusChecker asynchronously checks and stores the reachability of the backfill dependencies, returning the status
// when required.
type StatusChecker struct {
	targets  []Target
	interval time.Duration
	timeout  time.Duration

	mu       sync.RWMutex
	pingInfo map[string]*pingInfo
	logger   log.Logger
}

type pingInfo struct {
	err      error
	pingedAt time.Time
}

// NewStatusChecker returns a checker pinging every target each interval. Each ping is bounded by timeout.
func NewStatusChecker(targets []Target, interval, timeout time.Duration, logger log.Logger) *StatusChecker {
	return &StatusChecker{
		targets:  targets,
		interval: interval,
		timeout:  timeout,
		pingInfo: make(map[string]*pingInfo),
		logger:   logger,
	}
}

// Start pings all targets right away and then keeps doing so in the background until ctx is done.
func (s *StatusChecker) Start(ctx context.Context) {
	go s.updateStatusInBackground(ctx)
}

func (s *StatusChecker) updateStatusInBackground(ctx context.Context) {
	s.doPings(ctx)

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			s.doPings(ctx)
		case <-ctx.Done():
			return
		}
	}
}

func (s *StatusChecker) doPings(ctx context.Context) {
	pingInfos := make(map[string]*pingInfo, len(s.targets))

	var wg sync.WaitGroup
	type pingResult struct {
		name string
		info *pingInfo
	}
	results := make(chan pingResult)

	for _, target := range s.targets {
		if target.Pinger == nil {
			continue
		}
		wg.Add(1)
		go func() {
			defer wg.Done()
			timestamp := time.Now()
			pingCtx, cancel := context.WithTimeout(ctx, s.timeout)
			err := target.Pinger.PingContext(pingCtx)
			cancel()

			results <- pingResult{
				name: target.Name,
				info: &pingInfo{
					pingedAt: timestamp,
					err:      err,
				},
			}
		}()
	}

	go func() {
		wg.Wait()
		close(results)
	}()

	for r := range results {
		if r.info.err != nil {
			s.logger.WithFields(log.Fields{"target": r.name}).WithError(r.info.err).Warn("health check ping failed")
		}
		pingInfos[r.name] = r.info
	}

	s.mu.Lock()
	s.pingInfo = pingInfos
	s.mu.Unlock()
}

// HealthCheck returns the aggregated ping errors of all targets. Targets that were not pinged yet are assumed healthy.
func (s *StatusChecker) HealthCheck() error {
	var errs *multierror.Error

	s.mu.RLock()
	defer s.mu.RUnlock()

	for _, target := range s.targets {
		info := s.pingInfo[target.Name]
		if info == nil {
			continue
		}
		if info.err != nil {
			errs = multierror.Append(errs, fmt.Errorf("%s: %w", target.Name, info.err))
		}
	}
	return errs.ErrorOrNil()
}

// ServeHTTP reports the status of every target as JSON. This will be served at /debug/health.
func (s *StatusChecker) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	maybeLogWriteErr := func(err error) {
		if err != nil {
			s.logger.WithFields(log.Fields{"path": r.URL.Path}).WithError(err).Error("error writing response")
		}
	}

	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		_, err := fmt.Fprintf(w, "must be a GET request, not %s", r.Method)
		maybeLogWriteErr(err)
		return
	}

	status := s.getStatus()
	encoded, err := json.Marshal(status)
	if err != nil {
		w.WriteHeader(http.StatusInternalServerError)
		_, writeErr := fmt.Fprint(w, err)
		maybeLogWriteErr(writeErr)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	if status.OverallStatus == StatusUnhealthy {
		w.WriteHeader(http.StatusServiceUnavailable)
	}
	_, err = w.Write(encoded)
	maybeLogWriteErr(err)
}

func (s *StatusChecker) getStatus() *Status {
	status := &Status{OverallStatus: StatusHealthy}

	s.mu.RLock()
	defer s.mu.RUnlock()

	unknown := false
	for _, target := range s.targets {
		ts := &TargetStatus{Name: target.Name}
		if target.Pinger != nil {
			ts.Address = target.Pinger.Address()
		}

		info := s.pingInfo[target.Name]
		switch {
		case info == nil:
			ts.Status = TargetStatusUnknown
			unknown = true
		case info.err != nil:
			ts.Status = TargetUnreachable
			ts.Error = info.err.Error()
			ts.LastPingedAt = (*timestamp)(&info.pingedAt)
			status.OverallStatus = StatusUnhealthy
		default:
			ts.Status = TargetOnline
			ts.LastPingedAt = (*timestamp)(&info.pingedAt)
		}
		status.Targets = append(status.Targets, ts)
	}

	if unknown && status.OverallStatus == StatusHealthy {
		status.OverallStatus = StatusUnknown
	}
	return status
}

type Status struct {
	OverallStatus string          `json:"overall_status"`
	Targets       []*TargetStatus `json:"targets,omitempty"`
}

const (
	StatusHealthy   = "healthy"
	StatusUnhealthy = "unhealthy"
	StatusUnknown   = "unknown"
)

type TargetStatus struct {
	Name         string     `json:"name"`
	Address      string     `json:"address,omitempty"`
	Status       string     `json:"status"`
	Error        string     `json:"error,omitempty"`
	LastPingedAt *timestamp `json:"last_pinged_at,omitempty"`
}

const (
	TargetOnline        = "online"
	TargetStatusUnknown = "unknown"
	TargetUnreachable   = "unreachable"
)

// timestamp is a time.Time that marshals into an ISO8601 timestamp with
// millisecond precision.
type timestamp time.Time

// MarshalJSON outputs the timestamp in ISO8601 format with millisecond precision.
func (t *timestamp) MarshalJSON() ([]byte, error) {
	b := make([]byte, 0)
	b = append(b, '"')
	b = (*time.Time)(t).AppendFormat(b, "2006-01-02T15:04:05.999Z")
	b = append(b, '"')
	return b, nil
}

// RedisPinger allows a redis client to be used as a Pinger.
type RedisPinger struct {
	Client redis.UniversalClient
	Addr   string
}

func (p *RedisPinger) Address() string {
	return p.Addr
}

func (p *RedisPinger) PingContext(ctx context.Context) error {
	return p.Client.Ping(ctx).Err()
}
