// Package health aggregates readiness checks for the session store and the
// object store gateway and exposes them over HTTP.
package health

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"
)

// ReadinessCheck is implemented by dependencies that can report whether
// they are able to serve traffic.
type ReadinessCheck interface {
	IsReady(ctx context.Context) error
	Name() string
}

// CheckFunc adapts a function to ReadinessCheck.
type CheckFunc struct {
	CheckName string
	Fn        func(ctx context.Context) error
}

func (c CheckFunc) IsReady(ctx context.Context) error { return c.Fn(ctx) }
func (c CheckFunc) Name() string                      { return c.CheckName }

type Result struct {
	Name  string `json:"name"`
	Ready bool   `json:"ready"`
	Error string `json:"error,omitempty"`
}

type Report struct {
	Ready  bool     `json:"ready"`
	Checks []Result `json:"checks"`
}

// Checker runs all registered checks concurrently, each bounded by Timeout.
type Checker struct {
	checks  []ReadinessCheck
	Timeout time.Duration
}

func NewChecker(checks ...ReadinessCheck) *Checker {
	return &Checker{checks: checks, Timeout: time.Second}
}

func (c *Checker) Check(ctx context.Context) Report {
	results := make([]Result, len(c.checks))

	var wg sync.WaitGroup
	for i, check := range c.checks {
		wg.Add(1)
		go func() {
			defer wg.Done()
			cctx, cancel := context.WithTimeout(ctx, c.Timeout)
			defer cancel()

			res := Result{Name: check.Name(), Ready: true}
			if err := check.IsReady(cctx); err != nil {
				res.Ready = false
				res.Error = err.Error()
			}
			results[i] = res
		}()
	}
	wg.Wait()

	report := Report{Ready: true, Checks: results}
	for _, r := range results {
		if !r.Ready {
			report.Ready = false
		}
	}
	return report
}

// LiveHandler always answers 200 while the process is up.
func LiveHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
		_, _ = w.Write([]byte("ok"))
	})
}

// ReadyHandler answers 200 when every check passes and 503 otherwise,
// with the report as the JSON body.
func (c *Checker) ReadyHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		report := c.Check(r.Context())

		status := http.StatusOK
		if !report.Ready {
			status = http.StatusServiceUnavailable
		}
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(status)
		_ = json.NewEncoder(w).Encode(report)
	})
}
