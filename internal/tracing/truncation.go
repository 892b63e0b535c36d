package tracing

import (
	"strings"
)

// span 属性长度上限
const (
	DefaultMaxLength = 200
	MaxSQLLength     = 500
	MaxRedisLength   = 100
)

// 简历里常见的个人信息字段。属性名包含其中任一关键字时只写掩码值。
// 文件名也算在内：上传的简历文件名经常带有候选人姓名。
var piiKeywords = []string{
	"name", "姓名",
	"email", "邮箱",
	"phone", "电话", "手机",
	"address", "地址",
	"api_key", "secret", "token",
}

// SafeAttributeValue 返回可以写入 span 的属性值：个人信息掩码，其余超长截断
func SafeAttributeValue(name, value string, maxLength int) string {
	if isPIIAttribute(name) {
		return MaskPII(value)
	}
	return TruncateString(value, maxLength)
}

func isPIIAttribute(name string) bool {
	lower := strings.ToLower(name)
	for _, kw := range piiKeywords {
		if strings.Contains(lower, kw) {
			return true
		}
	}
	return false
}

// MaskPII 只保留首尾少量字符。
// 长度 1 全部掩码，2 到 4 保留首尾各一个，更长保留首尾各两个。
func MaskPII(value string) string {
	runes := []rune(value)
	n := len(runes)
	switch {
	case n == 0:
		return ""
	case n == 1:
		return "*"
	case n == 2:
		return string(runes[0]) + "*"
	case n <= 4:
		return string(runes[0]) + strings.Repeat("*", n-2) + string(runes[n-1])
	default:
		return string(runes[:2]) + strings.Repeat("*", n-4) + string(runes[n-2:])
	}
}

// TruncateString 超过 maxLength 个字符时保留首尾，中间用 ... 连接
func TruncateString(s string, maxLength int) string {
	runes := []rune(s)
	if len(runes) <= maxLength {
		return s
	}
	if maxLength <= 3 {
		return string(runes[:maxLength])
	}
	keep := max((maxLength-3)/2, 1)
	return string(runes[:keep]) + "..." + string(runes[len(runes)-keep:])
}

// SafeSQL gorm 语句写入 span 前截断
func SafeSQL(sql string) string {
	return TruncateString(sql, MaxSQLLength)
}

// SafeRedisKey 缓存键里是文本哈希，截断即可
func SafeRedisKey(key string) string {
	return TruncateString(key, MaxRedisLength)
}
