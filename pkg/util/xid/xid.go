package xid

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/sony/sonyflake/v2"
)

var (
	// ErrEmptyName 锁名为空或仅含空白。
	ErrEmptyName = errors.New("xid: empty lock name")

	// ErrInvalidConfig 配置无效，或 sonyflake 初始化失败。
	ErrInvalidConfig = errors.New("xid: invalid config")

	// ErrNilGenerator 使用了 nil 或零值 Generator。
	ErrNilGenerator = errors.New("xid: nil generator (use NewGenerator to create)")

	// ErrClockBackwardTimeout 时钟回拨等待超时。
	ErrClockBackwardTimeout = errors.New("xid: clock backward wait timeout")

	// ErrOverTimeLimit 时间分量溢出，不可恢复。
	ErrOverTimeLimit = errors.New("xid: time component overflow")

	// ErrNoPrivateAddress 找不到私有 IPv4 地址。
	ErrNoPrivateAddress = errors.New("xid: no private IP address found")

	// ErrMalformedToken token 格式不正确。
	ErrMalformedToken = errors.New("xid: malformed token")

	// ErrNilContext ctx 为 nil。
	ErrNilContext = errors.New("xid: nil context")
)

const (
	// DefaultMaxWait 时钟回拨时的默认最长等待时间。
	// sonyflake 的时间精度是 10ms，回拨通常不会超过几百毫秒。
	DefaultMaxWait = 500 * time.Millisecond

	// DefaultRetryInterval 时钟回拨时的默认重试间隔。
	DefaultRetryInterval = 10 * time.Millisecond

	// tokenSep token 各分量之间的分隔符。
	tokenSep = ":"
)

// Generator 锁 token 生成器，所有方法并发安全。
type Generator struct {
	nextID        func() (int64, error)
	random        func() string
	maxWait       time.Duration
	retryInterval time.Duration
}

// NewGenerator 创建新的 token 生成器。
// 每个 Generator 拥有独立的 sonyflake 实例，ID 在该实例内严格递增。
func NewGenerator(opts ...Option) (*Generator, error) {
	cfg := &options{}
	for _, opt := range opts {
		if opt != nil {
			opt(cfg)
		}
	}

	if cfg.maxWait < 0 {
		return nil, fmt.Errorf("%w: max wait must be non-negative, got %s", ErrInvalidConfig, cfg.maxWait)
	}
	if cfg.retryInterval < 0 {
		return nil, fmt.Errorf("%w: retry interval must be non-negative, got %s", ErrInvalidConfig, cfg.retryInterval)
	}

	nextID := cfg.nextID
	if nextID == nil {
		sf, err := newSonyflake(cfg)
		if err != nil {
			return nil, err
		}
		nextID = sf.NextID
	}

	g := &Generator{
		nextID:        nextID,
		random:        uuid.NewString,
		maxWait:       DefaultMaxWait,
		retryInterval: DefaultRetryInterval,
	}
	if cfg.random != nil {
		g.random = cfg.random
	}
	if cfg.maxWaitSet {
		g.maxWait = cfg.maxWait
	}
	if cfg.retrySet {
		g.retryInterval = cfg.retryInterval
	}
	return g, nil
}

func newSonyflake(cfg *options) (*sonyflake.Sonyflake, error) {
	machineID := cfg.machineID
	if machineID == nil {
		machineID = DefaultMachineID
	}
	settings := sonyflake.Settings{
		MachineID: func() (int, error) {
			id, err := machineID()
			return int(id), err
		},
	}
	if cfg.checkMachineID != nil {
		settings.CheckMachineID = func(id int) bool {
			return cfg.checkMachineID(uint16(id))
		}
	}

	sf, err := sonyflake.New(settings)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidConfig, err)
	}
	return sf, nil
}

func (g *Generator) validate() error {
	if g == nil || g.nextID == nil {
		return ErrNilGenerator
	}
	return nil
}

// Token 为指定锁名生成新的所有权 token。
//
// 同一 Generator 的连续调用，即使落在同一毫秒内，返回的 token 也两两不同，
// 且 ID 分量严格递增。
func (g *Generator) Token(name string) (string, error) {
	if err := g.validate(); err != nil {
		return "", err
	}
	if strings.TrimSpace(name) == "" {
		return "", ErrEmptyName
	}
	id, err := g.nextID()
	if err != nil {
		if errors.Is(err, sonyflake.ErrOverTimeLimit) {
			return "", fmt.Errorf("%w: %w", ErrOverTimeLimit, err)
		}
		return "", err
	}
	return g.format(name, id), nil
}

// TokenWithRetry 与 Token 相同，但遇到可恢复错误（时钟回拨）时等待重试，
// 最长等待 maxWait，期间可通过 ctx 取消。
func (g *Generator) TokenWithRetry(ctx context.Context, name string) (string, error) {
	if err := g.validate(); err != nil {
		return "", err
	}
	if ctx == nil {
		return "", ErrNilContext
	}
	token, err := g.Token(name)
	if err == nil || errors.Is(err, ErrOverTimeLimit) || errors.Is(err, ErrEmptyName) {
		return token, err
	}

	deadline := time.Now().Add(g.maxWait)
	timer := time.NewTimer(0)
	<-timer.C
	defer timer.Stop()

	lastErr := err
	for {
		remaining := time.Until(deadline)
		if remaining <= 0 {
			return "", fmt.Errorf("%w: %w", ErrClockBackwardTimeout, lastErr)
		}
		timer.Reset(min(g.retryInterval, remaining))
		select {
		case <-ctx.Done():
			return "", ctx.Err()
		case <-timer.C:
		}

		token, err = g.Token(name)
		if err == nil {
			return token, nil
		}
		if errors.Is(err, ErrOverTimeLimit) {
			return "", err
		}
		lastErr = err
	}
}

func (g *Generator) format(name string, id int64) string {
	var b strings.Builder
	rnd := g.random()
	b.Grow(len(name) + len(rnd) + 16)
	b.WriteString(name)
	b.WriteString(tokenSep)
	b.WriteString(strconv.FormatInt(id, 36))
	b.WriteString(tokenSep)
	b.WriteString(rnd)
	return b.String()
}

// ParseToken 从 token 中解析锁名和 ID 分量。
//
// 锁名本身可能包含冒号，因此从右侧切分。
func ParseToken(token string) (name string, id int64, err error) {
	rest, rnd, ok := cutLast(token)
	if !ok || rnd == "" {
		return "", 0, ErrMalformedToken
	}
	name, idPart, ok := cutLast(rest)
	if !ok || name == "" {
		return "", 0, ErrMalformedToken
	}
	id, err = strconv.ParseInt(idPart, 36, 64)
	if err != nil || id <= 0 {
		return "", 0, fmt.Errorf("%w: bad id %q", ErrMalformedToken, idPart)
	}
	return name, id, nil
}

func cutLast(s string) (before, after string, found bool) {
	i := strings.LastIndex(s, tokenSep)
	if i < 0 {
		return s, "", false
	}
	return s[:i], s[i+len(tokenSep):], true
}

// =============================================================================
// 全局默认生成器
// =============================================================================

var (
	defaultGen atomic.Pointer[Generator]
	defaultMu  sync.Mutex
)

// Default 返回全局默认生成器，首次调用时按默认配置初始化。
// 初始化失败不会被缓存，下次调用会重试。
func Default() (*Generator, error) {
	if g := defaultGen.Load(); g != nil {
		return g, nil
	}
	defaultMu.Lock()
	defer defaultMu.Unlock()
	if g := defaultGen.Load(); g != nil {
		return g, nil
	}
	g, err := NewGenerator()
	if err != nil {
		return nil, err
	}
	defaultGen.Store(g)
	return g, nil
}

// Token 使用全局默认生成器生成 token。
func Token(name string) (string, error) {
	g, err := Default()
	if err != nil {
		return "", err
	}
	return g.Token(name)
}
