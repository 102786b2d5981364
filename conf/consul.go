package conf

import (
	"context"
	"time"

	"github.com/hashicorp/consul/api"
	jsoniter "github.com/json-iterator/go"
	"github.com/mitchellh/hashstructure"
	"github.com/pkg/errors"
)

// ConsulSource 从consul KV读取配置(key默认: config/{env}/server)
type ConsulSource struct {
	client *api.Client
	key    string
}

// NewConsulSource 创建配置源
func NewConsulSource(addr, key string) (*ConsulSource, error) {
	cfg := api.DefaultConfig()
	if addr != "" {
		cfg.Address = addr
	}
	client, err := api.NewClient(cfg)
	if err != nil {
		return nil, errors.Wrap(err, "consul client")
	}
	return &ConsulSource{client: client, key: key}, nil
}

// Load 读取配置, 返回consul index
func (s *ConsulSource) Load(ctx context.Context, waitIndex uint64) (Config, uint64, error) {
	opts := (&api.QueryOptions{WaitIndex: waitIndex, WaitTime: time.Minute}).WithContext(ctx)
	pair, meta, err := s.client.KV().Get(s.key, opts)
	if err != nil {
		return Config{}, 0, errors.Errorf("无法从consul获取配置:%s, err:%v", s.key, err)
	}
	if pair == nil {
		return Config{}, 0, errors.Errorf("consul配置不存在:%s", s.key)
	}
	cfg, err := ParseConfig(pair.Value)
	if err != nil {
		return Config{}, 0, err
	}
	return cfg, meta.LastIndex, nil
}

// ParseConfig 解析json配置
func ParseConfig(data []byte) (Config, error) {
	cfg := Config{}
	if err := jsoniter.ConfigCompatibleWithStandardLibrary.Unmarshal(data, &cfg); err != nil {
		return Config{}, errors.Errorf("consul配置解析失败: err:%v, confData:%s", err.Error(), string(data))
	}
	cfg.applyDefaults()
	return cfg, nil
}

// Hash 配置内容的哈希(用于判断配置是否真的变化)
func (c Config) Hash() (uint64, error) {
	return hashstructure.Hash(c, nil)
}

// Watcher 监视consul配置变化
type Watcher struct {
	source   *ConsulSource
	onChange func(cfg Config)
	onError  func(err error)
	lastHash uint64
	index    uint64
}

// NewWatcher 创建监视器, current为当前生效配置
func NewWatcher(source *ConsulSource, current Config, onChange func(cfg Config), onError func(err error)) *Watcher {
	h, _ := current.Hash()
	return &Watcher{source: source, onChange: onChange, onError: onError, lastHash: h}
}

// Run 阻塞查询直到ctx结束
func (w *Watcher) Run(ctx context.Context) error {
	for {
		if err := w.poll(ctx); err != nil {
			if ctx.Err() != nil {
				return nil
			}
			if w.onError != nil {
				w.onError(err)
			}
			select {
			case <-ctx.Done():
				return nil
			case <-time.After(5 * time.Second):
			}
		}
		if ctx.Err() != nil {
			return nil
		}
	}
}

func (w *Watcher) poll(ctx context.Context) error {
	cfg, index, err := w.source.Load(ctx, w.index)
	if err != nil {
		return err
	}
	if index < w.index {
		index = 0 // index回退时重新开始
	}
	w.index = index
	return w.apply(cfg)
}

// apply 配置哈希变化时回调
func (w *Watcher) apply(cfg Config) error {
	h, err := cfg.Hash()
	if err != nil {
		return errors.Wrap(err, "hash config")
	}
	if h == w.lastHash {
		return nil
	}
	w.lastHash = h
	if w.onChange != nil {
		w.onChange(cfg)
	}
	return nil
}
