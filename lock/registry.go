package lock

import (
	"context"
	"fmt"
	"sync"
	"time"

	"coinpilot/logger"
)

// Domain 锁域。所有分片共享同一组锁域，按固定顺序获取以避免死锁。
type Domain string

const (
	DomainCandleData Domain = "candle_data" // K线数据拉取与指标计算
	DomainTrade      Domain = "trade"       // 交易决策与下单
	DomainLongTerm   Domain = "long_term"   // 长期持仓转换与加仓
	DomainPortfolio  Domain = "portfolio"   // 组合与投资限额更新
)

// domainOrder 锁域的全局获取顺序
var domainOrder = []Domain{DomainCandleData, DomainTrade, DomainLongTerm, DomainPortfolio}

// 默认重试参数：3次尝试，每次间隔1秒
const (
	DefaultRetryAttempts = 3
	DefaultRetryBackoff  = time.Second
)

// ErrLockAcquisition 在重试耗尽后仍未获取到锁
var ErrLockAcquisition = fmt.Errorf("获取锁失败")

// Registry 进程内锁域注册表
// 可选叠加分布式锁层（多实例部署时保证跨进程互斥）
type Registry struct {
	mu      sync.Mutex
	domains map[Domain]*domainLock

	// API 串行化锁（按操作名隔离，如 "order"、"balance"）
	apiMu    sync.Mutex
	apiLocks map[string]*sync.Mutex

	distributed DistributedLock // 单实例模式下为 NopLock
	distTTL     time.Duration
}

// domainLock 单个锁域
type domainLock struct {
	mu       sync.Mutex
	holder   string // 当前持有者（仅用于日志诊断）
	holderMu sync.Mutex
}

// NewRegistry 创建锁域注册表
func NewRegistry(distributed DistributedLock, distTTL time.Duration) *Registry {
	if distributed == nil {
		distributed = NewNopLock()
	}
	if distTTL <= 0 {
		distTTL = 5 * time.Second
	}

	r := &Registry{
		domains:     make(map[Domain]*domainLock),
		apiLocks:    make(map[string]*sync.Mutex),
		distributed: distributed,
		distTTL:     distTTL,
	}
	for _, d := range domainOrder {
		r.domains[d] = &domainLock{}
	}
	return r
}

// get 查找锁域（未注册的域视为编程错误）
func (r *Registry) get(domain Domain) (*domainLock, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	dl, ok := r.domains[domain]
	if !ok {
		return nil, fmt.Errorf("未注册的锁域: %s", domain)
	}
	return dl, nil
}

// TryAcquire 尝试获取锁域，立即返回
func (r *Registry) TryAcquire(ctx context.Context, domain Domain, owner string) (bool, error) {
	dl, err := r.get(domain)
	if err != nil {
		return false, err
	}

	if !dl.mu.TryLock() {
		return false, nil
	}

	// 进程内锁拿到后再拿分布式锁；失败则回滚进程内锁
	ok, err := r.distributed.TryLock(ctx, string(domain), r.distTTL)
	if err != nil || !ok {
		dl.mu.Unlock()
		if err != nil {
			return false, fmt.Errorf("分布式锁获取失败 [%s]: %w", domain, err)
		}
		return false, nil
	}

	dl.holderMu.Lock()
	dl.holder = owner
	dl.holderMu.Unlock()
	return true, nil
}

// Acquire 获取锁域，按默认重试参数重试
// 重试耗尽返回 ErrLockAcquisition，调用方应放弃本轮操作而不是继续等待
func (r *Registry) Acquire(ctx context.Context, domain Domain, owner string) error {
	return r.AcquireWithRetry(ctx, domain, owner, DefaultRetryAttempts, DefaultRetryBackoff)
}

// AcquireWithRetry 获取锁域，自定义重试次数和间隔
func (r *Registry) AcquireWithRetry(ctx context.Context, domain Domain, owner string, attempts int, backoff time.Duration) error {
	if attempts <= 0 {
		attempts = DefaultRetryAttempts
	}
	if backoff <= 0 {
		backoff = DefaultRetryBackoff
	}

	for i := 0; i < attempts; i++ {
		ok, err := r.TryAcquire(ctx, domain, owner)
		if err != nil {
			return err
		}
		if ok {
			return nil
		}

		if i < attempts-1 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(backoff):
			}
		}
	}

	holder := r.Holder(domain)
	logger.Warn("⚠️ 锁域 %s 重试 %d 次后仍未获取（持有者: %s, 请求者: %s）", domain, attempts, holder, owner)
	return fmt.Errorf("%w: 域=%s 持有者=%s", ErrLockAcquisition, domain, holder)
}

// Release 释放锁域
func (r *Registry) Release(ctx context.Context, domain Domain) error {
	dl, err := r.get(domain)
	if err != nil {
		return err
	}

	if err := r.distributed.Unlock(ctx, string(domain)); err != nil {
		// 分布式锁可能已过期，记录但不阻止释放进程内锁
		logger.Debug("分布式锁释放失败 [%s]: %v", domain, err)
	}

	dl.holderMu.Lock()
	dl.holder = ""
	dl.holderMu.Unlock()
	dl.mu.Unlock()
	return nil
}

// Holder 返回锁域当前持有者（诊断用）
func (r *Registry) Holder(domain Domain) string {
	dl, err := r.get(domain)
	if err != nil {
		return ""
	}
	dl.holderMu.Lock()
	defer dl.holderMu.Unlock()
	return dl.holder
}

// WithRetry 在锁域保护下执行 fn，自动释放
// 这是分片工作流的主要入口：拿不到锁时跳过本轮，不阻塞调度
func (r *Registry) WithRetry(ctx context.Context, domain Domain, owner string, fn func() error) error {
	if err := r.Acquire(ctx, domain, owner); err != nil {
		return err
	}
	defer func() {
		if err := r.Release(ctx, domain); err != nil {
			logger.Error("❌ 锁域释放失败 [%s]: %v", domain, err)
		}
	}()

	return fn()
}

// WithDomains 按全局顺序获取多个锁域并执行 fn
// 传入的域会先按 domainOrder 排序，保证任意两个调用方的获取顺序一致
func (r *Registry) WithDomains(ctx context.Context, owner string, domains []Domain, fn func() error) error {
	ordered := orderDomains(domains)

	acquired := make([]Domain, 0, len(ordered))
	release := func() {
		// 逆序释放
		for i := len(acquired) - 1; i >= 0; i-- {
			if err := r.Release(ctx, acquired[i]); err != nil {
				logger.Error("❌ 锁域释放失败 [%s]: %v", acquired[i], err)
			}
		}
	}

	for _, d := range ordered {
		if err := r.Acquire(ctx, d, owner); err != nil {
			release()
			return err
		}
		acquired = append(acquired, d)
	}

	defer release()
	return fn()
}

// orderDomains 按全局顺序排序并去重
func orderDomains(domains []Domain) []Domain {
	want := make(map[Domain]bool, len(domains))
	for _, d := range domains {
		want[d] = true
	}

	ordered := make([]Domain, 0, len(domains))
	for _, d := range domainOrder {
		if want[d] {
			ordered = append(ordered, d)
			delete(want, d)
		}
	}
	// 未注册的域保留原顺序，交由 Acquire 报错
	for _, d := range domains {
		if want[d] {
			ordered = append(ordered, d)
			delete(want, d)
		}
	}
	return ordered
}

// API 返回按操作名隔离的串行化互斥锁
// 同名操作互斥，不同操作并行（如下单与查余额互不影响）
func (r *Registry) API(operation string) *sync.Mutex {
	r.apiMu.Lock()
	defer r.apiMu.Unlock()

	m, ok := r.apiLocks[operation]
	if !ok {
		m = &sync.Mutex{}
		r.apiLocks[operation] = m
	}
	return m
}

// WithAPILock 在操作名对应的串行化锁保护下执行 fn
func (r *Registry) WithAPILock(operation string, fn func() error) error {
	m := r.API(operation)
	m.Lock()
	defer m.Unlock()
	return fn()
}

// Close 关闭分布式锁连接
func (r *Registry) Close() error {
	return r.distributed.Close()
}
