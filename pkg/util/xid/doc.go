// Package xid 生成分布式锁的所有权 token。
//
// # Token 结构
//
// 每个 token 由三段组成，以冒号分隔：
//
//	<锁名>:<sonyflake ID（base36）>:<随机 UUID>
//
//   - sonyflake ID 由时间（10ms 精度）、序列号和机器 ID 组成。
//     同一时间单位内序列号递增，序列号耗尽时生成器会阻塞到下一个时间单位，
//     因此同一个 Generator 连续生成的 ID 严格递增。
//   - 随机 UUID 作为跨进程的消歧义分量，机器 ID 冲突时仍能保证 token 不同。
//
// 严格递增的时间分量保证：一个过期持有者的解锁请求不可能匹配到
// 同名锁新签发的 token。
//
// # 使用方式
//
//	gen, err := xid.NewGenerator()
//	if err != nil {
//	    return err
//	}
//	token, err := gen.Token("order:42")
//
// 也可以直接使用包级函数 [Token]，首次调用时按默认配置惰性初始化。
//
// # 机器 ID
//
// 默认使用 [DefaultMachineID]，按环境变量、主机名、私有 IP 的顺序回退。
// 大规模部署建议通过 XID_MACHINE_ID 显式分配。
package xid
