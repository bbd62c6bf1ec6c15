package safe_random

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"os"
	"regexp"
	"strings"
)

const tokenBytes = 16

var unsafeHostChars = regexp.MustCompile(`[^a-z0-9-]+`)

// GenerateRandomBytes 生成指定长度的安全随机字节切片。
func GenerateRandomBytes(n int) ([]byte, error) {
	b := make([]byte, n)
	if _, err := rand.Read(b); err != nil {
		return nil, fmt.Errorf("生成随机字节失败: %w", err)
	}
	return b, nil
}

// GenerateRandomHexString 生成 n 个随机字节并做 Hex 编码 (字符串长度为 2n)。
func GenerateRandomHexString(n int) (string, error) {
	b, err := GenerateRandomBytes(n)
	if err != nil {
		return "", err
	}
	return hex.EncodeToString(b), nil
}

// LockToken 锁持有者 token，释放锁时按 token 比对
func LockToken() (string, error) {
	return GenerateRandomHexString(tokenBytes)
}

// NodeID 跨节点事件去重用的节点标识: <hostname>-<8 位随机 hex>
// 同一台机器上的多个进程也不会重复
func NodeID() (string, error) {
	suffix, err := GenerateRandomHexString(4)
	if err != nil {
		return "", err
	}
	host, _ := os.Hostname()
	host = strings.Trim(unsafeHostChars.ReplaceAllString(strings.ToLower(host), "-"), "-")
	if host == "" {
		host = "node"
	}
	if len(host) > 32 {
		host = host[:32]
	}
	return host + "-" + suffix, nil
}
