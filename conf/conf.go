// Copyright 2014 mqant Author. All Rights Reserved.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//      http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package conf

import (
	"fmt"
	"time"

	"github.com/ilyakaznacheev/cleanenv"
	"github.com/pkg/errors"
)

// Conf 全局配置结构体
var Conf = Config{}

// LoadConfig 加载本地配置(json/yaml/toml, 环境变量覆盖)
func LoadConfig(path string) error {
	fmt.Println("app configuration path :", path)

	cfg := Config{}
	if err := cleanenv.ReadConfig(path, &cfg); err != nil {
		return errors.Wrapf(err, "read config %s", path)
	}
	cfg.applyDefaults()
	Conf = cfg
	return nil
}

// Config 配置结构体
type Config struct {
	Log       map[string]any `json:"Log" yaml:"log"` // 不用定制
	RpcLog    bool           `json:"RpcLog" yaml:"rpc_log" env:"VAIR_RPC_LOG"`
	Messaging Messaging      `json:"Messaging" yaml:"messaging"`
	Database  Database       `json:"Database" yaml:"database"`
	Metrics   Metrics        `json:"Metrics" yaml:"metrics"`
	// EventQueue 审计服务队列(为空时事件只写日志)
	EventQueue string `json:"EventQueue" yaml:"event_queue" env:"VAIR_EVENT_QUEUE"`
	Module    map[string][]*ModuleSettings
	Settings  map[string]any
}

// ModuleSettings 模块配置
type ModuleSettings struct {
	ID         string `json:"ID"` // 节点id
	ProcessEnv string
	Settings   map[string]any
}

// Messaging 消息传输配置
type Messaging struct {
	Type           string   `json:"Type" yaml:"type" env:"VAIR_MESSAGING_TYPE" env-default:"rpc"`               // 消息类型(目前只有rpc)
	Transport      string   `json:"Transport" yaml:"transport" env:"VAIR_TRANSPORT" env-default:"nats"`         // nats, jetstream, local
	Addrs          []string `json:"Addrs" yaml:"addrs" env:"VAIR_BROKER_ADDRS" env-separator:","`               // broker地址
	MaxReconnects  int      `json:"MaxReconnects" yaml:"max_reconnects" env-default:"60"`                       // 断线重连次数
	Serializer     string   `json:"Serializer" yaml:"serializer" env:"VAIR_SERIALIZER" env-default:"json"`      // json, msgpack, proto
	QueueMaxLength int      `json:"QueueMaxLength" yaml:"queue_max_length" env-default:"200"`                  // 队列最大长度
	MaxPriority    int      `json:"MaxPriority" yaml:"max_priority" env-default:"10"`                           // 优先级上限
	CallTimeLimit  int      `json:"CallTimeLimit" yaml:"call_time_limit" env-default:"100"`                     // call默认超时(秒)
	ConnectRetry   int      `json:"ConnectRetry" yaml:"connect_retry" env-default:"5"`                          // 连接broker重试次数
	ConnectDelay   int      `json:"ConnectDelay" yaml:"connect_delay" env-default:"2"`                          // 连接broker重试间隔(秒)
	WorkQueue      string   `json:"WorkQueue" yaml:"work_queue" env:"VAIR_WORK_QUEUE" env-default:"rpc"`        // 续作队列: rpc, local
}

// 续作队列类型
const (
	WorkQueueRPC   = "rpc"   // cast到<模块类型>.tasks, 由broker持有
	WorkQueueLocal = "local" // 进程内缓冲, 单进程部署使用
)

// TimeLimit call默认超时
func (m Messaging) TimeLimit() time.Duration {
	return time.Duration(m.CallTimeLimit) * time.Second
}

// Database 关系存储配置
type Database struct {
	Driver       string `json:"Driver" yaml:"driver" env:"VAIR_DB_DRIVER" env-default:"sqlite3"`
	DSN          string `json:"DSN" yaml:"dsn" env:"VAIR_DB_DSN" env-default:"file:vair.db?_foreign_keys=on&_busy_timeout=5000"`
	MaxOpenConns int    `json:"MaxOpenConns" yaml:"max_open_conns" env-default:"1"`
}

// Metrics prometheus配置
type Metrics struct {
	Addr string `json:"Addr" yaml:"addr" env:"VAIR_METRICS_ADDR"` // 为空不开启
}

// applyDefaults 文件中未填写的字段使用默认值
func (c *Config) applyDefaults() {
	m := &c.Messaging
	if m.Type == "" {
		m.Type = "rpc"
	}
	if m.Transport == "" {
		m.Transport = "nats"
	}
	if m.Serializer == "" {
		m.Serializer = "json"
	}
	if m.QueueMaxLength <= 0 {
		m.QueueMaxLength = 200
	}
	if m.MaxPriority <= 0 {
		m.MaxPriority = 10
	}
	if m.CallTimeLimit <= 0 {
		m.CallTimeLimit = 100
	}
	if m.ConnectRetry <= 0 {
		m.ConnectRetry = 5
	}
	if m.ConnectDelay <= 0 {
		m.ConnectDelay = 2
	}
	if m.WorkQueue == "" {
		m.WorkQueue = WorkQueueRPC
	}
	if c.Database.Driver == "" {
		c.Database.Driver = "sqlite3"
	}
	if c.Database.MaxOpenConns <= 0 {
		c.Database.MaxOpenConns = 1
	}
}

// GetString 获取模块配置项
func (s *ModuleSettings) GetString(key, def string) string {
	if s == nil {
		return def
	}
	if v, ok := s.Settings[key].(string); ok && v != "" {
		return v
	}
	return def
}

// GetInt 获取模块配置项(json数值为float64)
func (s *ModuleSettings) GetInt(key string, def int) int {
	if s == nil {
		return def
	}
	switch v := s.Settings[key].(type) {
	case float64:
		return int(v)
	case int:
		return v
	case int64:
		return int(v)
	}
	return def
}

// GetSeconds 获取以秒为单位的配置项
func (s *ModuleSettings) GetSeconds(key string, def time.Duration) time.Duration {
	if n := s.GetInt(key, 0); n > 0 {
		return time.Duration(n) * time.Second
	}
	return def
}
