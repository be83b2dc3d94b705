package config

import (
	"errors"
	"fmt"
	"log"
	"strings"

	"github.com/spf13/viper"
)

// Options 描述一个服务怎么加载配置
type Options struct {
	// 服务名，没有指定 File 时查找 ./config/{Name}.yaml 或 ./{Name}.yaml
	Name string
	// 显式指定的配置文件，指定了就必须存在
	File string
	// 环境变量前缀，例如 BRIDGE: BRIDGE_CHAIN_RPC_URL 覆盖 chain.rpc_url
	EnvPrefix string
	// 需要从环境变量读取的 key (viper 只认识绑定过的 key)
	Keys []string
	// 额外的环境变量别名，key -> 环境变量名列表
	Aliases map[string][]string
	// 可选项的默认值
	Defaults map[string]any
}

// Load 读取 yaml + 环境变量到 out
// 环境变量优先级高于文件，文件不存在时只用环境变量
func Load(opt Options, out interface{}) (*viper.Viper, error) {
	v := viper.New()

	if opt.File != "" {
		v.SetConfigFile(opt.File)
	} else {
		v.SetConfigName(opt.Name)
		v.SetConfigType("yaml")
		v.AddConfigPath("./config")
		v.AddConfigPath(".")
	}

	prefix := opt.EnvPrefix
	if prefix == "" {
		prefix = opt.Name
	}
	v.SetEnvPrefix(strings.ToUpper(prefix))
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	v.AutomaticEnv()

	for k, val := range opt.Defaults {
		v.SetDefault(k, val)
	}
	for _, k := range opt.Keys {
		if err := v.BindEnv(k); err != nil {
			return nil, fmt.Errorf("bind env %s: %w", k, err)
		}
	}
	for k, envs := range opt.Aliases {
		// 第一个是带前缀的标准名字，后面是兼容的老名字
		names := append([]string{envName(prefix, k)}, envs...)
		if err := v.BindEnv(append([]string{k}, names...)...); err != nil {
			return nil, fmt.Errorf("bind env alias %s: %w", k, err)
		}
	}

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if opt.File != "" || !errors.As(err, &notFound) {
			return nil, fmt.Errorf("read config: %w", err)
		}
		log.Printf("[%s] no config file found, using environment only", opt.Name)
	} else {
		log.Printf("[%s] config loaded from %s", opt.Name, v.ConfigFileUsed())
	}

	if err := v.Unmarshal(out); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}

	return v, nil
}

func envName(prefix, key string) string {
	r := strings.NewReplacer(".", "_", "-", "_")
	return strings.ToUpper(prefix) + "_" + strings.ToUpper(r.Replace(key))
}
