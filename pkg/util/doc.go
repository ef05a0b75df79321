// Package util 提供通用工具相关的子包。
//
// 子包列表：
//   - xid: 锁所有权 token 生成，基于 sonyflake，同进程内严格递增
//   - xpool: 泛型 Worker Pool，可配置 worker/队列大小、优雅关闭
package util
