package telemetry

import (
	"encoding/json"
	"fmt"
	"maps"
	"slices"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/wyfcoding/heimdall/breaker"
	"github.com/wyfcoding/heimdall/capability"
	"github.com/wyfcoding/heimdall/health"
	"github.com/wyfcoding/heimdall/limiter"
	"github.com/wyfcoding/heimdall/quota"
	"github.com/wyfcoding/heimdall/registry"
)

// Report 诊断快照。
type Report struct {
	GeneratedAt time.Time             `json:"generated_at"`
	Authorized  []capability.Provider `json:"authorized"`
	Modes       map[string]string     `json:"modes,omitempty"`
	Quota       []quota.Snapshot      `json:"quota"`
	Circuits    []breaker.Status      `json:"circuits"`
	Quarantine  []registry.Entry      `json:"quarantine"`
	Health      []health.Score        `json:"health"`
	Gates       []limiter.Status      `json:"gates"`
	Engines     []EngineStatus        `json:"engines"`
	Evidence    []Evidence            `json:"evidence"`
	Traces      []TraceEvent          `json:"traces"`
}

// JSON 返回缩进后的 JSON。
func (r Report) JSON() ([]byte, error) {
	b, err := json.MarshalIndent(r, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("marshal report: %w", err)
	}
	return b, nil
}

func ts(t time.Time) string {
	if t.IsZero() {
		return "-"
	}
	return t.UTC().Format(time.RFC3339)
}

// Bundle 生成便于粘贴到工单中的纯文本调试包。
func (r Report) Bundle() string {
	var b strings.Builder
	fmt.Fprintf(&b, "HEIMDALL DEBUG BUNDLE\ngenerated: %s\n", ts(r.GeneratedAt))

	section := func(title string) *tabwriter.Writer {
		fmt.Fprintf(&b, "\n== %s ==\n", title)
		return tabwriter.NewWriter(&b, 0, 4, 2, ' ', 0)
	}

	w := section("REGISTRY")
	auth := make([]string, 0, len(r.Authorized))
	for _, p := range r.Authorized {
		auth = append(auth, string(p))
	}
	fmt.Fprintf(w, "authorized\t%s\n", strings.Join(auth, ","))
	for _, p := range slices.Sorted(maps.Keys(r.Modes)) {
		fmt.Fprintf(w, "mode\t%s\t%s\n", p, r.Modes[p])
	}
	if len(r.Quarantine) == 0 {
		fmt.Fprintln(w, "quarantine\t(none)")
	}
	for _, q := range r.Quarantine {
		fmt.Fprintf(w, "quarantine\t%s\tuntil %s\t%s\tfailures=%d\n", q.Key, ts(q.Expiry), q.Reason, q.FailureCount)
	}
	_ = w.Flush()

	w = section("CIRCUITS")
	for _, c := range r.Circuits {
		fmt.Fprintf(w, "%s\t%s\tfailures=%d\tlast_failure=%s\n", c.Provider, c.State, c.FailureCount, ts(c.LastFailure))
	}
	for _, g := range r.Gates {
		if g.State != limiter.LockOpen {
			fmt.Fprintf(w, "%s\tgate %s\tuntil %s\t%s\n", g.Provider, g.State, ts(g.Until), g.Reason)
		}
	}
	_ = w.Flush()

	w = section("HEALTH")
	for _, h := range r.Health {
		fmt.Fprintf(w, "%s\tsuccess=%.2f\tlatency=%.0fms\terrors=%d\tpenalty=%.1f\n",
			h.Provider, h.SuccessRate, h.LatencyMs, h.ErrorCount, h.Penalty)
	}
	for _, e := range r.Engines {
		fmt.Fprintf(w, "engine %s\t%s\tlast=%s\n", e.Engine, e.Freshness, ts(e.LastSuccess))
	}
	_ = w.Flush()

	w = section("QUOTA")
	for _, q := range r.Quota {
		limit := "unlimited"
		if q.DailyLimit > 0 {
			limit = fmt.Sprintf("%d/%d", q.Succeeded, q.DailyLimit)
		}
		fmt.Fprintf(w, "%s\t%s\tattempted=%d\tfailed=%d\texhausted=%t\n", q.Provider, limit, q.Attempted, q.Failed, q.IsExhausted)
	}
	_ = w.Flush()

	w = section("EVIDENCE")
	if len(r.Evidence) == 0 {
		fmt.Fprintln(w, "(none)")
	}
	for _, e := range r.Evidence {
		fmt.Fprintf(w, "%s\t%s\t%s\tstatus=%d\t%s\t%s\n", e.Provider, e.Endpoint, e.Symbol, e.StatusCode, e.Category, ts(e.Timestamp))
		if e.URL != "" {
			fmt.Fprintf(w, "\turl\t%s\n", e.URL)
		}
		if e.BodyPrefix != "" {
			fmt.Fprintf(w, "\tbody\t%s\n", e.BodyPrefix)
		}
	}
	_ = w.Flush()

	w = section("TRACE LOG")
	for _, t := range r.Traces {
		outcome := "OK"
		if !t.Success {
			outcome = "FAIL " + t.FailureCategory
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%d\t%dms\t%s\t%s\n",
			ts(t.Timestamp), t.Provider, t.Endpoint, t.Symbol, t.StatusCode, t.DurationMs, t.CachePolicy, outcome)
	}
	_ = w.Flush()
	return b.String()
}
