package idgen

import (
	"crypto/rand"
	"encoding/hex"
)

// RandomHex 生成 2*n 个字符的随机十六进制串，用于调试包对象名等不要求有序的场景.
func RandomHex(n int) (string, error) {
	buf := make([]byte, n)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	return hex.EncodeToString(buf), nil
}
