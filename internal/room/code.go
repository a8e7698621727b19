package room

import (
	"crypto/rand"
	"math/big"
	"strings"
)

// 房間碼格式：9 個字元，第 3、6 位為連字號，其餘取自小寫字母與數字
//
//	abc-de-fg
const (
	codeAlphabet = "abcdefghijklmnopqrstuvwxyz0123456789"
	codeLength   = 9
)

var alphabetSize = big.NewInt(int64(len(codeAlphabet)))

// GenerateCode 生成一個隨機房間碼
//
// 使用 crypto/rand.Int 均勻取樣，避免 byte 取模造成的偏差。
// 隨機來源失敗時 panic：此時整個行程的隨機性都不可信。
func GenerateCode() string {
	var b strings.Builder
	b.Grow(codeLength)
	for i := 0; i < codeLength; i++ {
		if isHyphenPosition(i) {
			b.WriteByte('-')
			continue
		}
		n, err := rand.Int(rand.Reader, alphabetSize)
		if err != nil {
			panic("room: crypto/rand unavailable: " + err.Error())
		}
		b.WriteByte(codeAlphabet[n.Int64()])
	}
	return b.String()
}

// ValidCode 檢查字串是否符合房間碼格式
func ValidCode(code string) bool {
	if len(code) != codeLength {
		return false
	}
	for i := 0; i < codeLength; i++ {
		c := code[i]
		if isHyphenPosition(i) {
			if c != '-' {
				return false
			}
			continue
		}
		if !strings.ContainsRune(codeAlphabet, rune(c)) {
			return false
		}
	}
	return true
}

// NormalizeCode 去除空白並轉小寫（客戶端常直接貼上房間碼）
func NormalizeCode(code string) string {
	return strings.ToLower(strings.TrimSpace(code))
}

func isHyphenPosition(i int) bool {
	return i == 3 || i == 6
}
