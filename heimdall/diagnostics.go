package heimdall

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/wyfcoding/heimdall/capability"
	"github.com/wyfcoding/heimdall/idgen"
	"github.com/wyfcoding/heimdall/limiter"
	"github.com/wyfcoding/heimdall/telemetry"
)

// ErrNoBundleStore 未配置调试包存储。
var ErrNoBundleStore = errors.New("heimdall: no bundle store configured")

// bundleURLExpiry 调试包临时链接有效期。
const bundleURLExpiry = 24 * time.Hour

// Diagnostics 汇总各账本的当前状态。
func (o *Orchestrator) Diagnostics() telemetry.Report {
	providers := o.matrix.Providers()
	modes := make(map[string]string, len(providers))
	gates := make([]limiter.Status, 0, len(providers))
	for _, id := range providers {
		modes[string(id.Name)] = string(o.registry.Mode(id.Name))
		gates = append(gates, o.gate.Status(id.Name))
	}
	return telemetry.Report{
		GeneratedAt: o.now(),
		Authorized:  o.registry.Authorized(),
		Modes:       modes,
		Quota:       o.quota.Snapshots(),
		Circuits:    o.breakers.Statuses(),
		Quarantine:  o.registry.Snapshot(),
		Health:      o.health.Scores(),
		Gates:       gates,
		Engines:     o.engines.Snapshot(),
		Evidence:    o.evidence.All(),
		Traces:      o.traces.Events(),
	}
}

// DebugBundle 返回纯文本调试包。
func (o *Orchestrator) DebugBundle() string {
	return o.Diagnostics().Bundle()
}

// UploadBundle 将调试包上传到对象存储，返回临时访问链接。
// 签名失败时返回对象名。
func (o *Orchestrator) UploadBundle(ctx context.Context) (string, error) {
	if o.bundles == nil {
		return "", ErrNoBundleStore
	}
	suffix, err := idgen.RandomHex(4)
	if err != nil {
		return "", err
	}
	name := fmt.Sprintf("bundles/heimdall-%s-%s.txt", o.now().UTC().Format("20060102T150405Z"), suffix)
	body := o.DebugBundle()
	if err := o.bundles.Upload(ctx, name, strings.NewReader(body), int64(len(body)), "text/plain; charset=utf-8"); err != nil {
		return "", fmt.Errorf("upload debug bundle: %w", err)
	}
	url, err := o.bundles.GetPresignedURL(ctx, name, bundleURLExpiry)
	if err != nil {
		o.logger.WarnContext(ctx, "presign debug bundle failed", "object", name, "error", err)
		return name, nil
	}
	o.logger.InfoContext(ctx, "debug bundle uploaded", "object", name)
	return url, nil
}

// ResetBans 清除全部隔离记录与闸门硬锁。
func (o *Orchestrator) ResetBans(ctx context.Context) {
	o.registry.ResetBans(ctx)
	o.gate.UnlockAll()
}

// ResetLocks 清除单个数据源的隔离记录与闸门硬锁，返回移除的记录数。
func (o *Orchestrator) ResetLocks(ctx context.Context, p capability.Provider) int {
	n := o.registry.ResetLocks(ctx, p)
	o.gate.Unlock(p)
	return n
}

// ResetCircuit 将数据源熔断器恢复为 closed。
func (o *Orchestrator) ResetCircuit(p capability.Provider) {
	o.breakers.Reset(p)
}

// ResetCircuits 重置全部熔断器。
func (o *Orchestrator) ResetCircuits() {
	o.breakers.ResetAll()
}

// ResetQuota 清零数据源当日计数。
func (o *Orchestrator) ResetQuota(p capability.Provider) {
	o.quota.Reset(p)
}

// ClearTelemetry 清空追踪日志与失败证据。
func (o *Orchestrator) ClearTelemetry() {
	o.traces.Clear()
	o.evidence.Clear()
}
