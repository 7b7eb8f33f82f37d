package health

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sort"
	"strings"
	"time"

	"github.com/sourcegraph/conc"
	"go.uber.org/zap"

	"github.com/a2a-coder/a2a/go/orchestrator/internal/agents"
	"github.com/a2a-coder/a2a/go/orchestrator/internal/circuitbreaker"
)

// slowThreshold marks a dependency degraded when a ping takes longer.
const slowThreshold = 100 * time.Millisecond

// Pinger is a dependency that can be probed.
type Pinger interface {
	Ping(ctx context.Context) error
}

// DependencyChecker pings a backing store (cache store, task database).
type DependencyChecker struct {
	name     string
	target   Pinger
	critical bool
	timeout  time.Duration
	isOpen   func() bool
}

// NewDependencyChecker creates a checker for target. isOpen, when set,
// reports the dependency's breaker so an open breaker fails fast.
func NewDependencyChecker(name string, target Pinger, critical bool, isOpen func() bool) *DependencyChecker {
	return &DependencyChecker{name: name, target: target, critical: critical, timeout: 5 * time.Second, isOpen: isOpen}
}

func (d *DependencyChecker) Name() string           { return d.name }
func (d *DependencyChecker) IsCritical() bool       { return d.critical }
func (d *DependencyChecker) Timeout() time.Duration { return d.timeout }

func (d *DependencyChecker) Check(ctx context.Context) CheckResult {
	if d.isOpen != nil && d.isOpen() {
		return CheckResult{
			Status:  StatusUnhealthy,
			Error:   "circuit breaker open",
			Message: d.name + " circuit breaker is open",
		}
	}
	start := time.Now()
	err := d.target.Ping(ctx)
	elapsed := time.Since(start)
	if err != nil {
		return CheckResult{
			Status:  StatusUnhealthy,
			Error:   err.Error(),
			Message: d.name + " ping failed",
			Details: map[string]interface{}{"latency_ms": elapsed.Milliseconds()},
		}
	}
	if elapsed > slowThreshold {
		return CheckResult{Status: StatusDegraded, Message: d.name + " responding with high latency"}
	}
	return CheckResult{Status: StatusHealthy, Message: d.name + " healthy"}
}

// DirectoryChecker fails when no agent is registered; no round can run.
type DirectoryChecker struct {
	dir *agents.Directory
}

func NewDirectoryChecker(dir *agents.Directory) *DirectoryChecker {
	return &DirectoryChecker{dir: dir}
}

func (d *DirectoryChecker) Name() string           { return "agent_directory" }
func (d *DirectoryChecker) IsCritical() bool       { return true }
func (d *DirectoryChecker) Timeout() time.Duration { return time.Second }

func (d *DirectoryChecker) Check(context.Context) CheckResult {
	n := d.dir.Len()
	if n == 0 {
		return CheckResult{Status: StatusUnhealthy, Message: "no agents configured"}
	}
	return CheckResult{
		Status:  StatusHealthy,
		Message: fmt.Sprintf("%d agents registered", n),
		Details: map[string]interface{}{"agents": d.dir.IDs()},
	}
}

// AgentEndpointChecker probes each agent's health URL, expecting a 200 with
// {"status":"healthy"}. Agents are independent, so it never fails the
// service: some agents down is degraded, all down is unhealthy.
type AgentEndpointChecker struct {
	dir     *agents.Directory
	client  *http.Client
	timeout time.Duration
	logger  *zap.Logger
}

func NewAgentEndpointChecker(dir *agents.Directory, client *http.Client, timeout time.Duration, logger *zap.Logger) *AgentEndpointChecker {
	if client == nil {
		client = &http.Client{}
	}
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &AgentEndpointChecker{dir: dir, client: client, timeout: timeout, logger: logger}
}

func (a *AgentEndpointChecker) Name() string           { return "agent_endpoints" }
func (a *AgentEndpointChecker) IsCritical() bool       { return false }
func (a *AgentEndpointChecker) Timeout() time.Duration { return a.timeout }

func (a *AgentEndpointChecker) Check(ctx context.Context) CheckResult {
	profiles := a.dir.All()
	if len(profiles) == 0 {
		return CheckResult{Status: StatusUnknown, Message: "no agents to probe"}
	}

	errs := make([]error, len(profiles))
	var wg conc.WaitGroup
	for i, p := range profiles {
		i, p := i, p
		wg.Go(func() { errs[i] = a.probe(ctx, p) })
	}
	wg.Wait()

	details := make(map[string]interface{}, len(profiles))
	var down []string
	for i, p := range profiles {
		if errs[i] != nil {
			down = append(down, p.ID)
			details[p.ID] = errs[i].Error()
			continue
		}
		details[p.ID] = "healthy"
	}
	sort.Strings(down)

	switch {
	case len(down) == 0:
		return CheckResult{Status: StatusHealthy, Message: fmt.Sprintf("all %d agents healthy", len(profiles)), Details: details}
	case len(down) == len(profiles):
		return CheckResult{Status: StatusUnhealthy, Message: "no agent is reachable", Details: details}
	default:
		a.logger.Debug("Some agents failed health probe", zap.Strings("agents", down))
		return CheckResult{
			Status:  StatusDegraded,
			Message: fmt.Sprintf("%d of %d agents unhealthy: %s", len(down), len(profiles), strings.Join(down, ", ")),
			Details: details,
		}
	}
}

func (a *AgentEndpointChecker) probe(ctx context.Context, p agents.AgentProfile) error {
	url := p.HealthEndpoint()
	if url == "" {
		return fmt.Errorf("no health url")
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return err
	}
	resp, err := a.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("health endpoint returned HTTP %d", resp.StatusCode)
	}
	var body struct {
		Status string `json:"status"`
	}
	if err := json.NewDecoder(io.LimitReader(resp.Body, 64<<10)).Decode(&body); err != nil {
		return fmt.Errorf("decode health reply: %w", err)
	}
	if !strings.EqualFold(body.Status, "healthy") {
		return fmt.Errorf("agent reports %q", body.Status)
	}
	return nil
}

// BreakerChecker reports open circuit breakers across the process.
type BreakerChecker struct {
	collector *circuitbreaker.MetricsCollector
}

func NewBreakerChecker(collector *circuitbreaker.MetricsCollector) *BreakerChecker {
	if collector == nil {
		collector = circuitbreaker.GlobalMetricsCollector
	}
	return &BreakerChecker{collector: collector}
}

func (b *BreakerChecker) Name() string           { return "circuit_breakers" }
func (b *BreakerChecker) IsCritical() bool       { return false }
func (b *BreakerChecker) Timeout() time.Duration { return time.Second }

func (b *BreakerChecker) Check(context.Context) CheckResult {
	snaps := b.collector.Snapshots()
	details := make(map[string]interface{}, len(snaps))
	var open []string
	for name, snap := range snaps {
		if snap.State != circuitbreaker.StateOpen {
			details[name] = snap.State.String()
			continue
		}
		details[name] = map[string]interface{}{
			"state":      snap.State.String(),
			"trips":      snap.Trips,
			"open_until": snap.OpenUntil.UTC().Format(time.RFC3339),
		}
		open = append(open, name)
	}
	if len(open) > 0 {
		sort.Strings(open)
		return CheckResult{
			Status:  StatusDegraded,
			Message: "open breakers: " + strings.Join(open, ", "),
			Details: details,
		}
	}
	return CheckResult{Status: StatusHealthy, Message: fmt.Sprintf("%d breakers closed", len(snaps)), Details: details}
}

// CustomHealthChecker adapts a function to Checker.
type CustomHealthChecker struct {
	name     string
	critical bool
	timeout  time.Duration
	checkFn  func(ctx context.Context) CheckResult
}

func NewCustomHealthChecker(name string, critical bool, timeout time.Duration, checkFn func(ctx context.Context) CheckResult) *CustomHealthChecker {
	return &CustomHealthChecker{name: name, critical: critical, timeout: timeout, checkFn: checkFn}
}

func (c *CustomHealthChecker) Name() string           { return c.name }
func (c *CustomHealthChecker) IsCritical() bool       { return c.critical }
func (c *CustomHealthChecker) Timeout() time.Duration { return c.timeout }

func (c *CustomHealthChecker) Check(ctx context.Context) CheckResult { return c.checkFn(ctx) }
