package xdlock

import (
	"fmt"
	"time"

	"github.com/omeyang/xlease/pkg/config/xconf"
)

// Config 锁工厂的文件配置，字段与 koanf 标签一一对应。
//
//	lock:
//	  keyPrefix: "lock:"
//	  lease: 5s
//	  waitCycle: 300ms
//	  enforcement: dedicated
//	  notify: true
type Config struct {
	KeyPrefix      string        `koanf:"keyPrefix"`
	Lease          time.Duration `koanf:"lease"`
	WaitCycle      time.Duration `koanf:"waitCycle"`
	Enforcement    Enforcement   `koanf:"enforcement"`
	Discount       time.Duration `koanf:"discount"`
	Grace          time.Duration `koanf:"grace"`
	MinSleep       time.Duration `koanf:"minSleep"`
	Notify         bool          `koanf:"notify"`
	Channel        string        `koanf:"channel"`
	VerifyAfterSet bool          `koanf:"verifyAfterSet"`
	PoolWorkers    int           `koanf:"poolWorkers"`
	PoolQueue      int           `koanf:"poolQueue"`
}

// DefaultConfig 返回全部为默认值的配置。
func DefaultConfig() Config {
	return Config{
		KeyPrefix:   DefaultKeyPrefix,
		WaitCycle:   DefaultWaitCycle,
		Enforcement: EnforcementDedicated,
		Discount:    DefaultDiscount,
		Grace:       DefaultGrace,
		MinSleep:    DefaultMinSleep,
		Channel:     DefaultChannel,
		PoolWorkers: DefaultPoolWorkers,
		PoolQueue:   DefaultPoolQueue,
	}
}

// LoadConfig 从 cfg 的 path 节点读取配置，未出现的字段保留默认值。
func LoadConfig(cfg *xconf.Config, path string) (Config, error) {
	c := DefaultConfig()
	if cfg == nil {
		return c, nil
	}
	if err := cfg.Unmarshal(path, &c); err != nil {
		return Config{}, fmt.Errorf("%w: %w", ErrInvalidConfig, err)
	}
	if err := c.Validate(); err != nil {
		return Config{}, err
	}
	return c, nil
}

// Validate 校验配置。
func (c Config) Validate() error {
	mo := mutexOptions{}
	for _, opt := range c.mutexOptions() {
		opt(&mo)
	}
	if err := mo.validate(); err != nil {
		return err
	}
	if c.Notify && c.Channel == "" {
		return fmt.Errorf("%w: notify requires a channel", ErrInvalidConfig)
	}
	if c.Enforcement == EnforcementPooled && (c.PoolWorkers < 1 || c.PoolQueue < 1) {
		return fmt.Errorf("%w: pooled enforcement requires positive poolWorkers and poolQueue", ErrInvalidConfig)
	}
	return nil
}

// Options 将配置转换为工厂选项，锁相关字段成为该工厂所有 Mutex 的默认值。
func (c Config) Options() []Option {
	opts := []Option{WithDefaults(c.mutexOptions()...)}
	if c.Channel != "" {
		opts = append(opts, WithChannel(c.Channel))
	}
	if c.PoolWorkers > 0 && c.PoolQueue > 0 {
		opts = append(opts, WithPool(c.PoolWorkers, c.PoolQueue))
	}
	return opts
}

func (c Config) mutexOptions() []MutexOption {
	return []MutexOption{
		WithKeyPrefix(c.KeyPrefix),
		WithLease(c.Lease),
		WithWaitCycle(c.WaitCycle),
		WithEnforcement(c.Enforcement),
		WithDiscount(c.Discount),
		WithGrace(c.Grace),
		WithMinSleep(c.MinSleep),
		WithNotify(c.Notify),
		WithVerifyAfterSet(c.VerifyAfterSet),
	}
}
