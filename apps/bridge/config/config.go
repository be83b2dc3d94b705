package config

import (
	"fmt"
	"strings"
	"time"

	"bridgex.com/pkg/config"
	"bridgex.com/pkg/xerr"
	"github.com/ethereum/go-ethereum/common"
)

const EnvPrefix = "BRIDGE"

// Config 对应 etc/bridge.yaml，环境变量 BRIDGE_<SECTION>_<KEY> 覆盖
type Config struct {
	Name string `mapstructure:"name"`

	Log struct {
		Level string `mapstructure:"level"`
		File  string `mapstructure:"file"`
	} `mapstructure:"log"`

	Chain struct {
		RPCURL            string        `mapstructure:"rpc_url"`
		ContractAddress   string        `mapstructure:"contract_address"`
		ChainID           int64         `mapstructure:"chain_id"` // 0 = 以节点为准
		ConfirmationDepth uint64        `mapstructure:"confirmation_depth"`
		StartBlock        uint64        `mapstructure:"start_block"`
		MaxBlockRange     uint64        `mapstructure:"max_block_range"`
		FetchConcurrency  int           `mapstructure:"fetch_concurrency"`
		RPCRPS            float64       `mapstructure:"rpc_rps"`
		RPCMaxTries       uint          `mapstructure:"rpc_max_tries"`
		RPCRetryInterval  time.Duration `mapstructure:"rpc_retry_interval"`
	} `mapstructure:"chain"`

	Signer struct {
		PrivateKey string `mapstructure:"private_key"`
	} `mapstructure:"signer"`

	Sync struct {
		PollInterval      time.Duration `mapstructure:"poll_interval"`
		TickTimeout       time.Duration `mapstructure:"tick_timeout"`
		WithdrawBatchSize int           `mapstructure:"withdraw_batch_size"`
	} `mapstructure:"sync"`

	DB struct {
		Driver      string `mapstructure:"driver"`
		DSN         string `mapstructure:"dsn"`
		MaxIdle     int    `mapstructure:"max_idle"`
		MaxOpen     int    `mapstructure:"max_open"`
		MaxLifetime int    `mapstructure:"max_lifetime"` // 秒
		LogLevel    string `mapstructure:"log_level"`
		AutoMigrate bool   `mapstructure:"auto_migrate"`
	} `mapstructure:"db"`

	// Leader 多实例部署时的单写者锁: "" 不启用 / redis / etcd
	Leader struct {
		Backend string        `mapstructure:"backend"`
		Key     string        `mapstructure:"key"`
		TTL     time.Duration `mapstructure:"ttl"`
	} `mapstructure:"leader"`

	Redis struct {
		Addr     string `mapstructure:"addr"`
		Password string `mapstructure:"password"`
		DB       int    `mapstructure:"db"`
	} `mapstructure:"redis"`

	Etcd struct {
		Endpoints []string `mapstructure:"endpoints"`
		Username  string   `mapstructure:"username"`
		Password  string   `mapstructure:"password"`
	} `mapstructure:"etcd"`

	Nats struct {
		URL     string `mapstructure:"url"`
		Subject string `mapstructure:"subject"`
	} `mapstructure:"nats"`

	Trace struct {
		Endpoint string `mapstructure:"endpoint"` // 空 = 关闭，stdout = 打印
	} `mapstructure:"trace"`

	HTTP struct {
		Addr  string  `mapstructure:"addr"` // 空 = 不起状态接口
		RPS   float64 `mapstructure:"rps"`
		Burst int     `mapstructure:"burst"`
	} `mapstructure:"http"`
}

// envKeys 允许用环境变量覆盖的 key
var envKeys = []string{
	"name", "log.level", "log.file",
	"chain.chain_id", "chain.confirmation_depth", "chain.start_block", "chain.max_block_range",
	"chain.fetch_concurrency", "chain.rpc_rps", "chain.rpc_max_tries", "chain.rpc_retry_interval",
	"sync.poll_interval", "sync.tick_timeout", "sync.withdraw_batch_size",
	"db.driver", "db.dsn", "db.max_idle", "db.max_open", "db.max_lifetime", "db.log_level", "db.auto_migrate",
	"leader.backend", "leader.key", "leader.ttl",
	"redis.addr", "redis.password", "redis.db",
	"etcd.endpoints", "etcd.username", "etcd.password",
	"nats.url", "nats.subject",
	"trace.endpoint",
	"http.addr", "http.rps", "http.burst",
}

// 老部署用的变量名
var aliases = map[string][]string{
	"chain.rpc_url":          {"RPC_URL"},
	"chain.contract_address": {"BRIDGE_CONTRACT_ADDRESS"},
	"signer.private_key":     {"SIGNER_PRIVATE_KEY"},
}

var defaults = map[string]any{
	"name":                     "bridge-syncer",
	"log.level":                "info",
	"chain.max_block_range":    2000,
	"chain.fetch_concurrency":  4,
	"chain.rpc_rps":            20,
	"chain.rpc_max_tries":      3,
	"chain.rpc_retry_interval": "500ms",
	"sync.tick_timeout":        "2m",
	"sync.withdraw_batch_size": 100,
	"db.driver":                "mysql",
	"db.max_idle":              10,
	"db.max_open":              50,
	"db.max_lifetime":          3600,
	"db.log_level":             "warn",
	"db.auto_migrate":          true,
	"leader.key":               "bridge:syncer:leader",
	"leader.ttl":               "3m",
	"nats.subject":             "bridge",
	"http.rps":                 50,
	"http.burst":               100,
}

// Load 读取配置并校验，file 为空时按 ./config/bridge.yaml、./bridge.yaml 查找
func Load(file string) (*Config, error) {
	var c Config
	_, err := config.Load(config.Options{
		Name:      "bridge",
		File:      file,
		EnvPrefix: EnvPrefix,
		Keys:      envKeys,
		Aliases:   aliases,
		Defaults:  defaults,
	}, &c)
	if err != nil {
		return nil, xerr.Wrap(xerr.Config, "load config", err)
	}
	c.normalize()
	if err := c.Validate(); err != nil {
		return nil, err
	}
	return &c, nil
}

func (c *Config) normalize() {
	c.Leader.Backend = strings.ToLower(strings.TrimSpace(c.Leader.Backend))
	c.Chain.ContractAddress = strings.TrimSpace(c.Chain.ContractAddress)
}

// Validate 必填项缺失直接返回 Config 错误，main 退出
func (c *Config) Validate() error {
	var missing []string
	if c.Chain.RPCURL == "" {
		missing = append(missing, "chain.rpc_url")
	}
	if c.Chain.ContractAddress == "" {
		missing = append(missing, "chain.contract_address")
	}
	if c.Chain.ConfirmationDepth == 0 {
		missing = append(missing, "chain.confirmation_depth")
	}
	if c.Signer.PrivateKey == "" {
		missing = append(missing, "signer.private_key")
	}
	if c.Sync.PollInterval <= 0 {
		missing = append(missing, "sync.poll_interval")
	}
	if c.DB.DSN == "" {
		missing = append(missing, "db.dsn")
	}
	if len(missing) > 0 {
		return xerr.New(xerr.Config, "missing required config: "+strings.Join(missing, ", "))
	}

	if !common.IsHexAddress(c.Chain.ContractAddress) {
		return xerr.New(xerr.Config, "chain.contract_address is not a hex address")
	}
	switch c.Leader.Backend {
	case "":
	case "redis":
		if c.Redis.Addr == "" {
			return xerr.New(xerr.Config, "leader.backend=redis requires redis.addr")
		}
		// redis 锁只在 tick 开始时续期，一个 tick 跑满也不能让锁过期
		if c.Leader.TTL <= c.Sync.TickTimeout {
			return xerr.New(xerr.Config, fmt.Sprintf("leader.ttl (%s) must be longer than sync.tick_timeout (%s)", c.Leader.TTL, c.Sync.TickTimeout))
		}
	case "etcd":
		if len(c.Etcd.Endpoints) == 0 {
			return xerr.New(xerr.Config, "leader.backend=etcd requires etcd.endpoints")
		}
	default:
		return xerr.New(xerr.Config, fmt.Sprintf("unknown leader.backend %q", c.Leader.Backend))
	}
	return nil
}

// Contract 校验过的合约地址
func (c *Config) Contract() common.Address {
	return common.HexToAddress(c.Chain.ContractAddress)
}
