// Package distributed 提供分布式协调相关的子包。
//
// 子包列表：
//   - xdlock: 基于 Redis/etcd 的分布式租约锁，支持租约执法与释放通知
//
// 设计原则：
//   - 锁的所有权由每个实例唯一的 token 表示，释放时比较后删除
//   - 存储访问通过 Store 接口抽象，可叠加熔断保护
//   - 内置指标与链路追踪
package distributed
