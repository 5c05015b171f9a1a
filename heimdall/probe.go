package heimdall

import (
	"context"
	"sort"
	"time"

	"github.com/sourcegraph/conc/pool"

	"github.com/wyfcoding/heimdall/capability"
	"github.com/wyfcoding/heimdall/registry"
	"github.com/wyfcoding/heimdall/xerrors"
)

const (
	probeConcurrency    = 4
	prefetchConcurrency = 4
	probeSymbol         = "AAPL"
	probeMacroSeries    = "FRED.DGS10"
)

// ProbeResult 单个数据源的探测结果。
type ProbeResult struct {
	Provider  capability.Provider `json:"provider"`
	Field     capability.Field    `json:"field"`
	Symbol    string              `json:"symbol"`
	OK        bool                `json:"ok"`
	Category  xerrors.Category    `json:"category,omitempty"`
	LatencyMs int64               `json:"latency_ms"`
	Mode      registry.Mode       `json:"mode"`
}

type probeTarget struct {
	provider capability.Provider
	field    capability.Field
	symbol   string
	intraday bool
}

func probeTargetFor(id capability.Identity) (probeTarget, bool) {
	switch {
	case id.ServesField(capability.FieldQuote) && id.ServesAsset(capability.Stock):
		return probeTarget{
			provider: id.Name,
			field:    capability.FieldQuote,
			symbol:   probeSymbol,
			intraday: id.ServesField(capability.FieldCandles),
		}, true
	case id.ServesField(capability.FieldMacro) && id.Name == capability.FRED:
		return probeTarget{provider: id.Name, field: capability.FieldMacro, symbol: probeMacroSeries}, true
	default:
		return probeTarget{}, false
	}
}

// Probe 并发地对每个可用数据源发起一次廉价请求，并据结果更新数据源模式。
// 报价成功且日内 K 线被拒绝的数据源记为 DAILY_ONLY，凭据或权限失败记为 LOCKED。
func (o *Orchestrator) Probe(ctx context.Context) []ProbeResult {
	var targets []probeTarget
	for _, id := range o.matrix.Providers() {
		if id.PermanentlyQuarantined || !o.registry.IsAuthorized(id.Name) {
			continue
		}
		if t, ok := probeTargetFor(id); ok {
			targets = append(targets, t)
		}
	}

	p := pool.NewWithResults[ProbeResult]().WithMaxGoroutines(probeConcurrency)
	for _, t := range targets {
		p.Go(func() ProbeResult { return o.probeOne(ctx, t) })
	}
	results := p.Wait()
	sort.Slice(results, func(i, j int) bool { return results[i].Provider < results[j].Provider })
	o.logger.InfoContext(ctx, "provider probe finished", "providers", len(results))
	return results
}

func (o *Orchestrator) probeOne(ctx context.Context, t probeTarget) ProbeResult {
	opts := []RequestOption{WithProvider(t.provider), WithUsage(Background), WithEngine("probe"), BypassCache()}
	res := ProbeResult{Provider: t.provider, Field: t.field, Symbol: t.symbol}

	start := time.Now()
	var err error
	if t.field == capability.FieldMacro {
		_, err = o.RequestMacro(ctx, t.symbol, opts...)
	} else {
		_, err = o.RequestQuote(ctx, t.symbol, opts...)
	}
	res.LatencyMs = time.Since(start).Milliseconds()

	res.Mode = o.registry.Mode(t.provider)
	switch category := xerrors.CategoryOf(err); {
	case err == nil:
		res.OK = true
		res.Mode = registry.ModeFull
		if t.intraday && o.intradayLocked(ctx, t, opts) {
			res.Mode = registry.ModeDailyOnly
		}
	case category == xerrors.CategoryAuthInvalid || category == xerrors.CategoryEntitlementDenied:
		res.Category = category
		res.Mode = registry.ModeLocked
	default:
		res.Category = category
	}
	o.registry.SetMode(t.provider, res.Mode)
	return res
}

// intradayLocked 判断数据源是否拒绝日内 K 线。
func (o *Orchestrator) intradayLocked(ctx context.Context, t probeTarget, opts []RequestOption) bool {
	_, err := o.RequestCandles(ctx, t.symbol, "1h", 2, opts...)
	category := xerrors.CategoryOf(err)
	return category == xerrors.CategoryEntitlementDenied || category == xerrors.CategoryAuthInvalid
}

// PrefetchSummary 预取结果汇总。
type PrefetchSummary struct {
	Requested int               `json:"requested"`
	Succeeded int               `json:"succeeded"`
	Failed    map[string]string `json:"failed,omitempty"`
}

// Prefetch 以后台场景并发预取报价，填充缓存。
func (o *Orchestrator) Prefetch(ctx context.Context, symbols []string) PrefetchSummary {
	type outcome struct {
		symbol string
		err    error
	}
	p := pool.NewWithResults[outcome]().WithMaxGoroutines(prefetchConcurrency)
	for _, sym := range symbols {
		p.Go(func() outcome {
			_, err := o.RequestQuote(ctx, sym, WithUsage(Background), WithEngine("prefetch"))
			return outcome{symbol: sym, err: err}
		})
	}

	sum := PrefetchSummary{Requested: len(symbols)}
	for _, r := range p.Wait() {
		if r.err != nil {
			if sum.Failed == nil {
				sum.Failed = make(map[string]string)
			}
			sum.Failed[r.symbol] = string(xerrors.CategoryOf(r.err))
			continue
		}
		sum.Succeeded++
	}
	return sum
}
