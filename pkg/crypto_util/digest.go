// Package crypto_util 流水防篡改摘要
package crypto_util

import (
	"crypto/subtle"
	"encoding/hex"
	"strings"

	"lukechampine.com/blake3"
)

// fieldSep 字段分隔符，保证 ("ab","c") 与 ("a","bc") 得到不同的摘要
const fieldSep = "\x1f"

// DigestSize Blake3-256 输出的 hex 长度
const DigestSize = 64

// FieldsDigest 把若干字段拼接后做 Blake3-256，返回 hex
func FieldsDigest(fields ...string) string {
	sum := blake3.Sum256([]byte(strings.Join(fields, fieldSep)))
	return hex.EncodeToString(sum[:])
}

// VerifyFields 常量时间比较，digest 不是合法长度时直接返回 false
func VerifyFields(digest string, fields ...string) bool {
	if len(digest) != DigestSize {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(digest), []byte(FieldsDigest(fields...))) == 1
}
