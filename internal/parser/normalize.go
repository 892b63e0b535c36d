package parser

import "strings"

// NormalizeWhitespace 连续空白折叠为单个空格并去掉首尾空白
func NormalizeWhitespace(text string) string {
	return strings.Join(strings.Fields(text), " ")
}
