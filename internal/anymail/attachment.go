// internal/anymail/attachment.go
// 附件前處理 - 文字內容編碼、MIME 類型推斷

package anymail

import (
	"encoding/base64"
	"fmt"
	"mime"
	"path/filepath"
	"strings"

	"golang.org/x/text/encoding/ianaindex"
)

// defaultMimetype 無法推斷時使用
const defaultMimetype = "application/octet-stream"

// PreparedAttachment 可直接送往 ESP 的附件
type PreparedAttachment struct {
	Name     string
	Content  []byte
	Mimetype string
	Inline   bool
	CID      string
}

// B64Content 回傳 base64 編碼內容
func (a PreparedAttachment) B64Content() string {
	return base64.StdEncoding.EncodeToString(a.Content)
}

// PrepareAttachment 依郵件編碼轉換附件內容
func PrepareAttachment(att Attachment, encoding string) (PreparedAttachment, error) {
	content := att.Content
	if content == nil && att.Text != "" {
		encoded, err := encodeText(att.Text, encoding)
		if err != nil {
			return PreparedAttachment{}, &Error{
				Kind: KindSerialization,
				Msg:  fmt.Sprintf("cannot encode attachment %q as %s", att.Filename, encoding),
				Err:  err,
			}
		}
		content = encoded
	}

	mimetype := att.Mimetype
	if mimetype == "" && att.Filename != "" {
		mimetype = mime.TypeByExtension(filepath.Ext(att.Filename))
		// TypeByExtension 可能附帶 charset 參數
		if i := strings.Index(mimetype, ";"); i >= 0 {
			mimetype = mimetype[:i]
		}
	}
	if mimetype == "" {
		mimetype = defaultMimetype
	}

	return PreparedAttachment{
		Name:     att.Filename,
		Content:  content,
		Mimetype: mimetype,
		Inline:   att.Inline,
		CID:      strings.Trim(att.ContentID, "<>"),
	}, nil
}

// encodeText 將文字轉為指定字元集的位元組
func encodeText(text, charset string) ([]byte, error) {
	if charset == "" || strings.EqualFold(charset, defaultCharset) || strings.EqualFold(charset, "utf8") {
		return []byte(text), nil
	}

	enc, err := ianaindex.IANA.Encoding(charset)
	if err != nil {
		return nil, err
	}
	if enc == nil {
		return nil, fmt.Errorf("unsupported charset %q", charset)
	}
	return enc.NewEncoder().Bytes([]byte(text))
}
