package xid

import (
	"errors"
	"fmt"
	"net"
	"net/netip"
	"os"
	"strconv"

	"github.com/cespare/xxhash/v2"
)

// 测试注入点。
var (
	osHostname        = os.Hostname
	netInterfaceAddrs = net.InterfaceAddrs
)

const (
	// EnvMachineID 直接指定机器 ID 的环境变量（0-65535）。
	EnvMachineID = "XID_MACHINE_ID"

	// EnvPodName K8s Pod 名称（Downward API 注入）。
	EnvPodName = "POD_NAME"

	// EnvHostname 主机名环境变量。
	EnvHostname = "HOSTNAME"
)

// DefaultMachineID 按以下优先级获取机器 ID：
//
//  1. XID_MACHINE_ID 环境变量
//  2. POD_NAME 的哈希
//  3. HOSTNAME 环境变量的哈希
//  4. os.Hostname() 的哈希
//  5. 私有 IPv4 地址的低 16 位
//
// 2-4 基于哈希，存在碰撞可能；碰撞时 token 仍由随机分量区分。
func DefaultMachineID() (uint16, error) {
	if s := os.Getenv(EnvMachineID); s != "" {
		id, err := strconv.ParseUint(s, 10, 16)
		if err != nil {
			return 0, fmt.Errorf("xid: invalid %s value %q: %w", EnvMachineID, s, err)
		}
		return uint16(id), nil
	}

	for _, env := range []string{EnvPodName, EnvHostname} {
		if v := os.Getenv(env); v != "" {
			return hashToMachineID(v), nil
		}
	}

	host, hostErr := osHostname()
	if hostErr == nil && host != "" {
		return hashToMachineID(host), nil
	}
	if hostErr == nil {
		hostErr = errors.New("os.Hostname returned empty string")
	}

	ip, err := privateIPv4()
	if err != nil {
		return 0, fmt.Errorf("xid: all machine ID strategies exhausted (os-hostname: %v): %w", hostErr, err)
	}
	b := ip.As4()
	return uint16(b[2])<<8 | uint16(b[3]), nil
}

// hashToMachineID 将 64 位 xxhash 按 16 位折叠。
func hashToMachineID(s string) uint16 {
	h := xxhash.Sum64String(s)
	return uint16(h) ^ uint16(h>>16) ^ uint16(h>>32) ^ uint16(h>>48)
}

func privateIPv4() (netip.Addr, error) {
	addrs, err := netInterfaceAddrs()
	if err != nil {
		return netip.Addr{}, err
	}
	for _, addr := range addrs {
		ipnet, ok := addr.(*net.IPNet)
		if !ok {
			continue
		}
		ip, ok := netip.AddrFromSlice(ipnet.IP)
		if !ok {
			continue
		}
		ip = ip.Unmap()
		if ip.Is4() && !ip.IsLoopback() && ip.IsPrivate() {
			return ip, nil
		}
	}
	return netip.Addr{}, ErrNoPrivateAddress
}
