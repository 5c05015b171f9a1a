// Package registry 在静态能力矩阵之上叠加运行时状态：
// 按分类定时长的隔离表（端点级或数据源级）、授权集合与探测模式，并据此筛选候选数据源。
package registry

import (
	"context"
	"errors"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/wyfcoding/heimdall/capability"
	"github.com/wyfcoding/heimdall/classifier"
	"github.com/wyfcoding/heimdall/logging"
	"github.com/wyfcoding/heimdall/metrics"
	"github.com/wyfcoding/heimdall/storage"
	"github.com/wyfcoding/heimdall/xerrors"
)

// StoreKey 隔离表在持久化存储中的键。
const StoreKey = "heimdall:quarantine"

// ScopeAll 数据源级隔离键的后缀。
const ScopeAll = "ALL"

const (
	entitlementCooldown = 15 * time.Minute
	authCooldown        = 24 * time.Hour
	sessionCooldown     = 5 * time.Minute
	serverCooldown      = time.Hour
	transientCooldown   = time.Minute
	// 超过该时长的隔离会触发整表持久化。
	persistThreshold = 5 * time.Minute
)

// Mode 数据源探测得到的能力模式。
type Mode string

const (
	ModeUnknown   Mode = "UNKNOWN"
	ModeFull      Mode = "FULL"
	ModeDailyOnly Mode = "DAILY_ONLY"
	ModeLocked    Mode = "LOCKED"
)

// Record 一条隔离记录。
type Record struct {
	Expiry       time.Time `json:"expiry"`
	Reason       string    `json:"reason"`
	FailureCount int       `json:"failure_count"`
}

// Entry 隔离表快照中的一行。
type Entry struct {
	Key          string    `json:"key"`
	Expiry       time.Time `json:"expiry"`
	Reason       string    `json:"reason"`
	FailureCount int       `json:"failure_count"`
}

// Key 端点级隔离键 "<Provider>_<field>"。
func Key(p capability.Provider, f capability.Field) string {
	return string(p) + "_" + string(f)
}

// ProviderKey 数据源级隔离键 "<Provider>_ALL"。
func ProviderKey(p capability.Provider) string {
	return string(p) + "_" + ScopeAll
}

// Option 定义 Registry 构造参数。
type Option func(*Registry)

// WithStore 注入持久化存储。
func WithStore(s storage.Store) Option {
	return func(r *Registry) { r.store = s }
}

// WithLogger 注入日志。
func WithLogger(l *logging.Logger) Option {
	return func(r *Registry) { r.logger = l }
}

// WithMetrics 注入指标采集器。
func WithMetrics(m *metrics.Metrics) Option {
	return func(r *Registry) { r.metrics = m }
}

// WithClock 注入时钟，便于测试。
func WithClock(now func() time.Time) Option {
	return func(r *Registry) {
		if now != nil {
			r.now = now
		}
	}
}

// WithForceUnlock 设置加载持久化状态时需强制清除的隔离键。
func WithForceUnlock(keys ...string) Option {
	return func(r *Registry) { r.forceUnlock = append([]string(nil), keys...) }
}

// Registry 能力注册表。所有可变状态由 mu 保护，不在持锁期间调用其他组件。
type Registry struct {
	matrix *capability.Matrix

	mu          sync.Mutex
	quarantines map[string]Record
	authorized  map[capability.Provider]struct{}
	modes       map[capability.Provider]Mode

	persistMu   sync.Mutex
	store       storage.Store
	forceUnlock []string

	logger  *logging.Logger
	metrics *metrics.Metrics
	now     func() time.Time
}

// New 构造注册表。
func New(matrix *capability.Matrix, opts ...Option) *Registry {
	if matrix == nil {
		matrix = capability.Default()
	}
	r := &Registry{
		matrix:      matrix,
		quarantines: make(map[string]Record),
		authorized:  make(map[capability.Provider]struct{}),
		modes:       make(map[capability.Provider]Mode),
		forceUnlock: []string{ProviderKey(capability.FMP), ProviderKey(capability.Yahoo)},
		now:         time.Now,
	}
	for _, opt := range opts {
		opt(r)
	}
	r.logger = logging.OrDefault(r.logger).Named("registry")
	return r
}

// Matrix 返回底层静态矩阵。
func (r *Registry) Matrix() *capability.Matrix {
	return r.matrix
}

// Candidates 返回当前可用于 (field, asset) 的数据源，按成本升序。
func (r *Registry) Candidates(field capability.Field, asset capability.AssetType) []capability.Provider {
	ids := r.matrix.Matching(field, asset)
	now := r.now()

	r.mu.Lock()
	defer r.mu.Unlock()

	out := make([]capability.Provider, 0, len(ids))
	for _, id := range ids {
		if id.PermanentlyQuarantined {
			continue
		}
		if id.RequiresCredentials() {
			if _, ok := r.authorized[id.Name]; !ok {
				continue
			}
		}
		if r.quarantinedLocked(id.Name, field, now) {
			continue
		}
		out = append(out, id.Name)
	}
	return out
}

// IsQuarantined 判断 (provider, field) 是否处于有效隔离中，过期记录在读取时删除。
func (r *Registry) IsQuarantined(p capability.Provider, f capability.Field) bool {
	now := r.now()
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.quarantinedLocked(p, f, now)
}

func (r *Registry) quarantinedLocked(p capability.Provider, f capability.Field, now time.Time) bool {
	for _, key := range []string{Key(p, f), ProviderKey(p)} {
		rec, ok := r.quarantines[key]
		if !ok {
			continue
		}
		if now.Before(rec.Expiry) {
			return true
		}
		delete(r.quarantines, key)
	}
	return false
}

// policy 按失败分类决定隔离范围与时长；ok=false 表示不隔离。
func (r *Registry) policy(p capability.Provider, err error, now time.Time) (providerScope bool, d time.Duration, reason string, ok bool) {
	if err == nil {
		return false, transientCooldown, "Transient Error", true
	}
	cl := classifier.Classify(err, string(p), "")
	if _, core := xerrors.FromError(err); !core && cl.Category == xerrors.CategoryUnknown {
		return false, transientCooldown, err.Error(), true
	}

	switch cl.Category {
	case xerrors.CategoryEntitlementDenied:
		return false, entitlementCooldown, "Entitlement Denied (Legacy/Plan)", true
	case xerrors.CategoryAuthInvalid:
		if id, found := r.matrix.Lookup(p); found && id.Credential == capability.CredentialSessionToken {
			return false, sessionCooldown, "Invalid Session Token (Transient)", true
		}
		return true, authCooldown, "Authentication Failed (Invalid Key)", true
	case xerrors.CategoryRateLimited:
		return true, untilNextDay(now), "Rate Limit Exceeded", true
	case xerrors.CategoryServerError:
		return false, serverCooldown, "Server Instability", true
	case xerrors.CategoryNetworkError:
		return false, 0, "", false
	default:
		return false, transientCooldown, "Transient Error", true
	}
}

func untilNextDay(now time.Time) time.Duration {
	y, m, d := now.Date()
	return time.Date(y, m, d+1, 0, 0, 0, 0, now.Location()).Sub(now)
}

// ReportCriticalFailure 按错误分类创建隔离记录；网络传输错误不隔离。
// 返回创建的记录键，未创建时为空。
func (r *Registry) ReportCriticalFailure(ctx context.Context, p capability.Provider, f capability.Field, err error) string {
	now := r.now()
	providerScope, d, reason, ok := r.policy(p, err, now)
	if !ok {
		r.logger.DebugContext(ctx, "network error does not quarantine", "provider", p, "field", f)
		return ""
	}

	key := Key(p, f)
	if providerScope {
		key = ProviderKey(p)
	}
	rec := r.put(key, now.Add(d), reason)

	r.logger.WarnContext(ctx, "provider quarantined",
		"key", key, "duration", d.Round(time.Second).String(), "reason", reason, "failure_count", rec.FailureCount)

	if d > persistThreshold {
		r.persist(ctx)
	}
	return key
}

// Quarantine 直接创建隔离记录，field 为空时作用于整个数据源。
func (r *Registry) Quarantine(ctx context.Context, p capability.Provider, f capability.Field, d time.Duration, reason string) {
	key := ProviderKey(p)
	if f != "" {
		key = Key(p, f)
	}
	r.put(key, r.now().Add(d), reason)
	r.logger.WarnContext(ctx, "provider quarantined", "key", key, "duration", d.String(), "reason", reason)
	if d > persistThreshold {
		r.persist(ctx)
	}
}

func (r *Registry) put(key string, expiry time.Time, reason string) Record {
	r.mu.Lock()
	rec := Record{Expiry: expiry, Reason: reason, FailureCount: r.quarantines[key].FailureCount + 1}
	r.quarantines[key] = rec
	counts := r.countsLocked(r.now())
	r.mu.Unlock()

	r.metrics.SetQuarantineActive(counts)
	return rec
}

// ReportSuccess 成功后立即清除该端点的隔离记录。
func (r *Registry) ReportSuccess(ctx context.Context, p capability.Provider, f capability.Field) {
	key := Key(p, f)
	r.mu.Lock()
	_, existed := r.quarantines[key]
	delete(r.quarantines, key)
	counts := r.countsLocked(r.now())
	r.mu.Unlock()

	if existed {
		r.metrics.SetQuarantineActive(counts)
		r.logger.InfoContext(ctx, "provider restored", "key", key)
	}
}

// ResetBans 清空全部隔离记录。
func (r *Registry) ResetBans(ctx context.Context) {
	r.mu.Lock()
	r.quarantines = make(map[string]Record)
	r.mu.Unlock()

	r.metrics.SetQuarantineActive(nil)
	r.logger.InfoContext(ctx, "all bans reset")
	r.persist(ctx)
}

// ResetLocks 清除某个数据源的所有端点级与数据源级隔离记录。
func (r *Registry) ResetLocks(ctx context.Context, p capability.Provider) int {
	prefix := string(p) + "_"
	r.mu.Lock()
	removed := 0
	for key := range r.quarantines {
		if strings.HasPrefix(key, prefix) || key == string(p) {
			delete(r.quarantines, key)
			removed++
		}
	}
	counts := r.countsLocked(r.now())
	r.mu.Unlock()

	r.metrics.SetQuarantineActive(counts)
	r.logger.InfoContext(ctx, "provider unlocked", "provider", p, "removed", removed)
	r.persist(ctx)
	return removed
}

// Prune 删除所有过期记录，返回删除数量；有变化时持久化。
func (r *Registry) Prune(ctx context.Context) int {
	now := r.now()
	r.mu.Lock()
	removed := 0
	for key, rec := range r.quarantines {
		if !now.Before(rec.Expiry) {
			delete(r.quarantines, key)
			removed++
		}
	}
	counts := r.countsLocked(now)
	r.mu.Unlock()

	r.metrics.SetQuarantineActive(counts)
	if removed > 0 {
		r.persist(ctx)
	}
	return removed
}

// SetAuthorized 替换授权集合（持有有效凭据的数据源）。
func (r *Registry) SetAuthorized(providers []capability.Provider) {
	set := make(map[capability.Provider]struct{}, len(providers))
	for _, p := range providers {
		set[p] = struct{}{}
	}
	r.mu.Lock()
	r.authorized = set
	r.mu.Unlock()
}

// Authorized 返回授权集合，按名称排序。
func (r *Registry) Authorized() []capability.Provider {
	r.mu.Lock()
	out := make([]capability.Provider, 0, len(r.authorized))
	for p := range r.authorized {
		out = append(out, p)
	}
	r.mu.Unlock()
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// IsAuthorized 判断数据源是否可以作为候选（免密或已授权）。
func (r *Registry) IsAuthorized(p capability.Provider) bool {
	id, ok := r.matrix.Lookup(p)
	if !ok {
		return false
	}
	if !id.RequiresCredentials() {
		return true
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok = r.authorized[p]
	return ok
}

// SetMode 记录探测得到的数据源模式。
func (r *Registry) SetMode(p capability.Provider, mode Mode) {
	r.mu.Lock()
	r.modes[p] = mode
	r.mu.Unlock()
	r.logger.Debug("provider mode set", "provider", p, "mode", mode)
}

// Mode 返回数据源模式，未探测时为 ModeUnknown。
func (r *Registry) Mode(p capability.Provider) Mode {
	r.mu.Lock()
	defer r.mu.Unlock()
	if m, ok := r.modes[p]; ok {
		return m
	}
	return ModeUnknown
}

// Snapshot 返回有效隔离记录，按键排序。
func (r *Registry) Snapshot() []Entry {
	now := r.now()
	r.mu.Lock()
	out := make([]Entry, 0, len(r.quarantines))
	for key, rec := range r.quarantines {
		if !now.Before(rec.Expiry) {
			continue
		}
		out = append(out, Entry{Key: key, Expiry: rec.Expiry, Reason: rec.Reason, FailureCount: rec.FailureCount})
	}
	r.mu.Unlock()
	sort.Slice(out, func(i, j int) bool { return out[i].Key < out[j].Key })
	return out
}

func (r *Registry) countsLocked(now time.Time) map[string]int {
	counts := make(map[string]int)
	for key, rec := range r.quarantines {
		if !now.Before(rec.Expiry) {
			continue
		}
		provider := key
		if i := strings.LastIndex(key, "_"); i > 0 {
			provider = key[:i]
		}
		counts[provider]++
	}
	return counts
}

// Load 从持久化存储恢复隔离表：丢弃过期记录，并清除强制解锁的键。
func (r *Registry) Load(ctx context.Context) error {
	if r.store == nil {
		return nil
	}
	var saved map[string]Record
	if err := storage.GetJSON(ctx, r.store, StoreKey, &saved); err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return nil
		}
		return err
	}

	now := r.now()
	for key, rec := range saved {
		if !now.Before(rec.Expiry) {
			delete(saved, key)
		}
	}
	for _, key := range r.forceUnlock {
		delete(saved, key)
	}

	r.mu.Lock()
	for key, rec := range saved {
		r.quarantines[key] = rec
	}
	counts := r.countsLocked(now)
	r.mu.Unlock()

	r.metrics.SetQuarantineActive(counts)
	r.logger.InfoContext(ctx, "quarantine table loaded", "active", len(saved), "force_unlocked", r.forceUnlock)
	return nil
}

// persist 将整张隔离表写入存储；persistMu 保证后写入的一定是较新的快照。
func (r *Registry) persist(ctx context.Context) {
	if r.store == nil {
		return
	}
	r.persistMu.Lock()
	defer r.persistMu.Unlock()

	r.mu.Lock()
	table := make(map[string]Record, len(r.quarantines))
	for key, rec := range r.quarantines {
		table[key] = rec
	}
	r.mu.Unlock()

	if err := storage.SetJSON(ctx, r.store, StoreKey, table, 0); err != nil {
		r.logger.ErrorContext(ctx, "persist quarantine table failed", "error", err)
	}
}
