// internal/anymail/address.go
// 郵件地址解析與格式化

package anymail

import (
	"fmt"
	"mime"
	"strings"

	"github.com/emersion/go-message/mail"
	"golang.org/x/text/encoding/ianaindex"
)

// defaultCharset 未指定編碼時使用
const defaultCharset = "utf-8"

// Address 解析後的郵件地址
// 收件人狀態查詢只使用 Email (區分大小寫，忽略顯示名稱)
type Address struct {
	Name     string
	Email    string
	Encoding string
}

// ParseAddress 解析單一地址 ("Name <addr>" 或 "addr")
func ParseAddress(raw, encoding string) (Address, error) {
	if strings.TrimSpace(raw) == "" {
		return Address{}, newError(KindInvalidAddress, "invalid email address: empty")
	}

	parsed, err := mail.ParseAddress(raw)
	if err != nil {
		return Address{}, &Error{
			Kind: KindInvalidAddress,
			Msg:  fmt.Sprintf("invalid email address %q", raw),
			Err:  err,
		}
	}

	return Address{Name: parsed.Name, Email: parsed.Address, Encoding: encoding}, nil
}

// ParseAddresses 解析多個地址，保留順序
func ParseAddresses(raws []string, encoding string) ([]Address, error) {
	addrs := make([]Address, 0, len(raws))
	for _, raw := range raws {
		addr, err := ParseAddress(raw, encoding)
		if err != nil {
			return nil, err
		}
		addrs = append(addrs, addr)
	}
	return addrs, nil
}

// Domain 回傳地址的網域部分
func (a Address) Domain() string {
	at := strings.LastIndex(a.Email, "@")
	if at < 0 {
		return ""
	}
	return a.Email[at+1:]
}

// String 格式化為郵件標頭形式，非 ASCII 顯示名稱以 RFC 2047 編碼
func (a Address) String() string {
	if a.Name == "" {
		return a.Email
	}

	charset := a.Encoding
	if charset == "" || strings.EqualFold(charset, defaultCharset) {
		return (&mail.Address{Name: a.Name, Address: a.Email}).String()
	}

	if isASCII(a.Name) {
		return (&mail.Address{Name: a.Name, Address: a.Email}).String()
	}

	enc, err := ianaindex.IANA.Encoding(charset)
	if err != nil || enc == nil {
		return (&mail.Address{Name: a.Name, Address: a.Email}).String()
	}
	name, err := enc.NewEncoder().String(a.Name)
	if err != nil {
		return (&mail.Address{Name: a.Name, Address: a.Email}).String()
	}
	return mime.QEncoding.Encode(charset, name) + " <" + a.Email + ">"
}

// Emails 取出地址列表的 Email
func Emails(addrs []Address) []string {
	out := make([]string, len(addrs))
	for i, a := range addrs {
		out[i] = a.Email
	}
	return out
}

func isASCII(s string) bool {
	for i := 0; i < len(s); i++ {
		if s[i] >= 0x80 {
			return false
		}
	}
	return true
}
