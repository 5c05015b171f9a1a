// Package security 提供诊断数据脱敏能力：URL/文本中的凭据参数掩码、响应体摘录清洗与通用字符串掩码。
package security

import (
	"regexp"
	"strings"
)

// MaskPlaceholder 凭据被替换后的固定占位符。
const MaskPlaceholder = "MASKED"

// HTMLPlaceholder HTML 错误页面被替换后的标记。
const HTMLPlaceholder = "<html omitted>"

// credentialParam 匹配 key=、apikey=、api_key=、token=、api_token=、auth=、crumb= 等查询参数。
var credentialParam = regexp.MustCompile(`(?i)\b(apikey|api_key|api_token|access_key|key|token|auth|crumb)=([^&\s"'#]+)`)

// MaskURL 将 URL（或任意文本）中的凭据参数值替换为占位符。
func MaskURL(raw string) string {
	if raw == "" {
		return raw
	}
	return credentialParam.ReplaceAllString(raw, "${1}="+MaskPlaceholder)
}

// MaskSecret 掩码已知的凭据原文（例如响应体中回显的 API Key）。
func MaskSecret(text string, secrets ...string) string {
	for _, s := range secrets {
		if len(s) < 4 {
			continue
		}
		text = strings.ReplaceAll(text, s, MaskPlaceholder)
	}
	return text
}

// IsHTML 判断响应体是否为 HTML 页面。
func IsHTML(body string) bool {
	head := strings.ToLower(strings.TrimSpace(body))
	if len(head) > 256 {
		head = head[:256]
	}
	return strings.HasPrefix(head, "<!doctype html") || strings.Contains(head, "<html")
}

// ScrubBody 生成可安全导出的响应体摘录：
// HTML 页面替换为短标记；凭据参数掩码；换行压平；截断到 limit 个字符。
func ScrubBody(body string, limit int) string {
	if body == "" {
		return ""
	}
	if IsHTML(body) {
		return HTMLPlaceholder
	}
	out := MaskURL(body)
	out = strings.NewReplacer("\r\n", " ", "\n", " ", "\r", " ").Replace(out)
	if limit > 0 {
		runes := []rune(out)
		if len(runes) > limit {
			out = string(runes[:limit])
		}
	}
	return out
}

// MaskString 提供通用的字符串掩码逻辑。
// 参数：s 原始字符串，prefixLen 前部保留长度，suffixLen 后部保留长度。
func MaskString(s string, prefixLen, suffixLen int) string {
	runes := []rune(s)
	length := len(runes)
	if length <= prefixLen+suffixLen {
		return strings.Repeat("*", length)
	}
	return string(runes[:prefixLen]) + "****" + string(runes[length-suffixLen:])
}
