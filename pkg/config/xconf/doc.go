// Package xconf 基于 koanf 提供 YAML/JSON 配置加载、反序列化与文件热更新。
//
//	cfg, err := xconf.New("/etc/xlease/config.yaml")
//	if err != nil {
//		return err
//	}
//	var lc xdlock.Config
//	if err := cfg.Unmarshal("lock", &lc); err != nil {
//		return err
//	}
//
// 热更新通过 fsnotify 监视配置文件所在目录，多次连续写入经防抖后只触发一次重载。
package xconf
