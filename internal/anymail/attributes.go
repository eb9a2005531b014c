// internal/anymail/attributes.go
// 欄位管線 - 依固定順序合併預設值、轉換、呼叫 payload setter

package anymail

import (
	"maps"
	"time"
)

// Target 內文 setter 的分派目標
type Target int

const (
	// TargetField 依欄位名稱對應的 setter
	TargetField Target = iota
	// TargetTextBody 純文字內文
	TargetTextBody
	// TargetHTMLBody HTML 內文
	TargetHTMLBody
)

// BodyTarget 依 content subtype 決定內文 setter
func BodyTarget(subtype string) Target {
	if subtype == SubtypeHTML {
		return TargetHTMLBody
	}
	return TargetTextBody
}

// setBody 依分派目標呼叫對應 setter
func setBody(p Payload, target Target, body string) error {
	switch target {
	case TargetHTMLBody:
		return p.SetHTMLBody(body)
	default:
		return p.SetTextBody(body)
	}
}

// converter 欄位轉換所需的郵件層級設定
type converter struct {
	encoding string
	loc      *time.Location
}

func (c converter) parsedEmail(raw string) (Address, error) {
	return ParseAddress(raw, c.encoding)
}

func (c converter) parsedEmails(raws []string) ([]Address, error) {
	return ParseAddresses(raws, c.encoding)
}

func (c converter) preppedAttachments(atts []Attachment) ([]PreparedAttachment, error) {
	prepped := make([]PreparedAttachment, 0, len(atts))
	for _, att := range atts {
		p, err := PrepareAttachment(att, c.encoding)
		if err != nil {
			return nil, err
		}
		prepped = append(prepped, p)
	}
	return prepped, nil
}

func (c converter) awareDatetime(v any) (any, error) {
	return AwareDatetime(v, c.loc), nil
}

func same[T any](_ converter, v T) (T, error) {
	return v, nil
}

// override 郵件值優先，其次預設值；明確清除時為未設定
func override[T any](def, msg Field[T]) Field[T] {
	switch {
	case msg.IsCleared():
		return Field[T]{}
	case msg.IsSet():
		return msg
	default:
		return def
	}
}

// concatSlice 預設值在前、郵件值在後，允許重複
func concatSlice[E any](def, msg Field[[]E]) Field[[]E] {
	if msg.IsCleared() {
		return Field[[]E]{}
	}
	d, dok := def.Get()
	m, mok := msg.Get()
	if !dok && !mok {
		return Field[[]E]{}
	}
	out := make([]E, 0, len(d)+len(m))
	out = append(out, d...)
	out = append(out, m...)
	return Set(out)
}

// concatMap 複製預設 map 再以郵件 map 覆蓋
func concatMap[V any](def, msg Field[map[string]V]) Field[map[string]V] {
	if msg.IsCleared() {
		return Field[map[string]V]{}
	}
	d, dok := def.Get()
	m, mok := msg.Get()
	if !dok && !mok {
		return Field[map[string]V]{}
	}
	out := make(map[string]V, len(d)+len(m))
	maps.Copy(out, d)
	maps.Copy(out, m)
	return Set(out)
}

// attribute 欄位表中的一列
type attribute interface {
	fieldName() string
	checkDefault(defaults Defaults) error
	apply(m *Message, defaults Defaults, p Payload, c converter) error
}

// attr 泛型欄位描述: 取值 -> 合併 -> 轉換 -> setter
type attr[T, U any] struct {
	name    string
	get     func(*Message) Field[T]
	decode  func(Defaults, string) (Field[T], error)
	combine func(def, msg Field[T]) Field[T]
	convert func(converter, T) (U, error)
	set     func(Payload, U) error
}

func (a attr[T, U]) fieldName() string {
	return a.name
}

func (a attr[T, U]) defaultValue(defaults Defaults) (Field[T], error) {
	if a.decode != nil {
		return a.decode(defaults, a.name)
	}
	return decodeDefault[T](defaults, a.name)
}

func (a attr[T, U]) checkDefault(defaults Defaults) error {
	_, err := a.defaultValue(defaults)
	return err
}

func (a attr[T, U]) apply(m *Message, defaults Defaults, p Payload, c converter) error {
	def, err := a.defaultValue(defaults)
	if err != nil {
		return err
	}

	value, ok := a.combine(def, a.get(m)).Get()
	if !ok {
		return nil
	}

	converted, err := a.convert(c, value)
	if err != nil {
		return err
	}
	return a.set(p, converted)
}

// fieldTable 欄位處理順序
var fieldTable = []attribute{
	attr[string, Address]{
		name:    "from_email",
		get:     func(m *Message) Field[string] { return presentString(m.From) },
		combine: override[string],
		convert: converter.parsedEmail,
		set:     Payload.SetFromEmail,
	},
	attr[[]string, []Address]{
		name:    "to",
		get:     func(m *Message) Field[[]string] { return presentSlice(m.To) },
		combine: concatSlice[string],
		convert: converter.parsedEmails,
		set:     Payload.SetTo,
	},
	attr[[]string, []Address]{
		name:    "cc",
		get:     func(m *Message) Field[[]string] { return presentSlice(m.Cc) },
		combine: concatSlice[string],
		convert: converter.parsedEmails,
		set:     Payload.SetCc,
	},
	attr[[]string, []Address]{
		name:    "bcc",
		get:     func(m *Message) Field[[]string] { return presentSlice(m.Bcc) },
		combine: concatSlice[string],
		convert: converter.parsedEmails,
		set:     Payload.SetBcc,
	},
	attr[string, string]{
		name:    "subject",
		get:     func(m *Message) Field[string] { return presentString(m.Subject) },
		combine: override[string],
		convert: same[string],
		set:     Payload.SetSubject,
	},
	attr[[]string, []Address]{
		name:    "reply_to",
		get:     func(m *Message) Field[[]string] { return presentSlice(m.ReplyTo) },
		combine: concatSlice[string],
		convert: converter.parsedEmails,
		set:     Payload.SetReplyTo,
	},
	attr[[]Header, []Header]{
		name:    "extra_headers",
		get:     func(m *Message) Field[[]Header] { return presentSlice(m.ExtraHeaders) },
		decode:  decodeHeaders,
		combine: concatSlice[Header],
		convert: same[[]Header],
		set:     Payload.SetExtraHeaders,
	},
	attr[string, string]{
		name:    "body",
		get:     func(m *Message) Field[string] { return presentString(m.Body) },
		combine: override[string],
		convert: same[string],
		set: func(p Payload, body string) error {
			return setBody(p, BodyTarget(p.Base().Message.ContentSubtype), body)
		},
	},
	attr[[]Alternative, []Alternative]{
		name:    "alternatives",
		get:     func(m *Message) Field[[]Alternative] { return presentSlice(m.Alternatives) },
		combine: concatSlice[Alternative],
		convert: same[[]Alternative],
		set:     setAlternatives,
	},
	attr[[]Attachment, []PreparedAttachment]{
		name:    "attachments",
		get:     func(m *Message) Field[[]Attachment] { return presentSlice(m.Attachments) },
		combine: concatSlice[Attachment],
		convert: converter.preppedAttachments,
		set:     addAttachments,
	},
	attr[map[string]any, map[string]any]{
		name:    "metadata",
		get:     func(m *Message) Field[map[string]any] { return m.Metadata },
		combine: concatMap[any],
		convert: same[map[string]any],
		set:     Payload.SetMetadata,
	},
	attr[any, any]{
		name:    "send_at",
		get:     func(m *Message) Field[any] { return m.SendAt },
		combine: override[any],
		convert: converter.awareDatetime,
		set:     Payload.SetSendAt,
	},
	attr[[]string, []string]{
		name:    "tags",
		get:     func(m *Message) Field[[]string] { return m.Tags },
		combine: concatSlice[string],
		convert: same[[]string],
		set:     Payload.SetTags,
	},
	attr[bool, bool]{
		name:    "track_clicks",
		get:     func(m *Message) Field[bool] { return m.TrackClicks },
		combine: override[bool],
		convert: same[bool],
		set:     Payload.SetTrackClicks,
	},
	attr[bool, bool]{
		name:    "track_opens",
		get:     func(m *Message) Field[bool] { return m.TrackOpens },
		combine: override[bool],
		convert: same[bool],
		set:     Payload.SetTrackOpens,
	},
	attr[string, string]{
		name:    "template_id",
		get:     func(m *Message) Field[string] { return m.TemplateID },
		combine: override[string],
		convert: same[string],
		set:     Payload.SetTemplateID,
	},
	attr[map[string]map[string]any, map[string]map[string]any]{
		name:    "merge_data",
		get:     func(m *Message) Field[map[string]map[string]any] { return m.MergeData },
		combine: concatMap[map[string]any],
		convert: same[map[string]map[string]any],
		set:     Payload.SetMergeData,
	},
	attr[map[string]any, map[string]any]{
		name:    "merge_global_data",
		get:     func(m *Message) Field[map[string]any] { return m.MergeGlobalData },
		combine: concatMap[any],
		convert: same[map[string]any],
		set:     Payload.SetMergeGlobalData,
	},
	attr[map[string]any, map[string]any]{
		name:    "esp_extra",
		get:     func(m *Message) Field[map[string]any] { return m.ESPExtra },
		combine: concatMap[any],
		convert: same[map[string]any],
		set:     Payload.SetESPExtra,
	},
}

// FieldNames 欄位表順序
func FieldNames() []string {
	names := make([]string, len(fieldTable))
	for i, a := range fieldTable {
		names[i] = a.fieldName()
	}
	return names
}

// setAlternatives text/html 替代內文改走 HTML 內文 setter
func setAlternatives(p Payload, alts []Alternative) error {
	for _, alt := range alts {
		var err error
		if alt.Mimetype == "text/html" {
			err = setBody(p, TargetHTMLBody, alt.Content)
		} else {
			err = p.AddAlternative(alt.Content, alt.Mimetype)
		}
		if err != nil {
			return err
		}
	}
	return nil
}

func addAttachments(p Payload, atts []PreparedAttachment) error {
	for _, att := range atts {
		if err := p.AddAttachment(att); err != nil {
			return err
		}
	}
	return nil
}

// validateDefaults 檢查每個欄位的預設值型別
func validateDefaults(defaults Defaults) error {
	for _, a := range fieldTable {
		if err := a.checkDefault(defaults); err != nil {
			return err
		}
	}
	return nil
}

// populate 依欄位表填入 payload
func populate(p Payload, msg *Message, defaults Defaults, loc *time.Location) error {
	c := converter{encoding: msg.Encoding, loc: loc}
	if c.encoding == "" {
		c.encoding = defaultCharset
	}
	for _, a := range fieldTable {
		if err := a.apply(msg, defaults, p, c); err != nil {
			return err
		}
	}
	return nil
}
