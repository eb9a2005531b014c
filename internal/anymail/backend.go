// internal/anymail/backend.go
// 發送流程 - 逐封建立 payload、傳送、解析收件人狀態

package anymail

import (
	"context"
	"errors"
	"time"

	"github.com/rs/zerolog"
)

// Options 發送設定，建構時一次決定
type Options struct {
	// IgnoreUnsupportedFeatures 略過 ESP 不支援的欄位而非回傳錯誤
	IgnoreUnsupportedFeatures bool
	// IgnoreRecipientStatus 不檢查「全部收件人被拒」
	IgnoreRecipientStatus bool
	// FailSilently 單封失敗不中斷批次 (設定錯誤除外)
	FailSilently bool

	SendDefaults    map[string]any
	ESPSendDefaults map[string]any

	// Location 無時區時間的所在時區，預設 time.Local
	Location *time.Location
	Logger   *zerolog.Logger
}

// Backend 發送協調器
type Backend struct {
	adapter  Adapter
	opts     Options
	defaults Defaults
	loc      *time.Location
	log      zerolog.Logger
}

// New 建立發送協調器，預設值格式錯誤時回傳設定錯誤
func New(adapter Adapter, opts Options) (*Backend, error) {
	if adapter == nil {
		return nil, NewConfigurationError("anymail: adapter is required")
	}

	defaults := ResolveDefaults(opts.SendDefaults, opts.ESPSendDefaults)
	if err := validateDefaults(defaults); err != nil {
		var e *Error
		if errors.As(err, &e) {
			e.ESPName = adapter.Name()
		}
		return nil, err
	}

	loc := opts.Location
	if loc == nil {
		loc = time.Local
	}

	log := zerolog.Nop()
	if opts.Logger != nil {
		log = *opts.Logger
	}

	return &Backend{
		adapter:  adapter,
		opts:     opts,
		defaults: defaults,
		loc:      loc,
		log:      log.With().Str("esp", adapter.Name()).Logger(),
	}, nil
}

// ESPName 回傳 adapter 名稱
func (b *Backend) ESPName() string {
	return b.adapter.Name()
}

// Defaults 回傳合併後的預設值副本
func (b *Backend) Defaults() Defaults {
	return ResolveDefaults(b.defaults, nil)
}

// SendMessages 依序發送多封郵件，回傳成功數
// 連線只開一次；由此批次新建的連線在結束時關閉
func (b *Backend) SendMessages(ctx context.Context, msgs []*Message) (numSent int, err error) {
	if len(msgs) == 0 {
		return 0, nil
	}

	if sess, ok := b.adapter.(Session); ok {
		created, openErr := sess.Open(ctx)
		if openErr != nil {
			if b.swallow(openErr, nil) {
				return 0, nil
			}
			return 0, openErr
		}
		if created {
			defer func() {
				closeErr := sess.Close()
				if closeErr == nil {
					return
				}
				if err == nil && !b.opts.FailSilently {
					err = closeErr
					return
				}
				b.log.Warn().Err(closeErr).Msg("failed to close ESP session")
			}()
		}
	}

	for _, msg := range msgs {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return numSent, ctxErr
		}

		sent, sendErr := b.Send(ctx, msg)
		if sendErr != nil {
			if b.swallow(sendErr, msg) {
				continue
			}
			return numSent, sendErr
		}
		if sent {
			numSent++
		}
	}
	return numSent, nil
}

// swallow fail silently 模式下吞掉可抑制的錯誤
func (b *Backend) swallow(err error, msg *Message) bool {
	if !b.opts.FailSilently || !Suppressible(err) {
		return false
	}
	event := b.log.Warn().Err(err)
	if msg != nil {
		event = event.Strs("to", msg.To).Str("subject", msg.Subject)
	}
	event.Msg("send failed silently")
	return true
}

// Send 發送單封郵件
// 沒有收件人時不發送並回傳 false；Status 每次重建
func (b *Backend) Send(ctx context.Context, msg *Message) (bool, error) {
	msg.Status = NewStatus()

	if len(msg.Recipients()) == 0 {
		b.log.Debug().Str("subject", msg.Subject).Msg("skipping message with no recipients")
		return false, nil
	}

	payload, err := b.BuildPayload(msg)
	if err != nil {
		return false, err
	}

	req, err := b.adapter.BuildRequest(ctx, payload)
	if err != nil {
		return false, b.annotate(err, msg, payload)
	}

	resp, err := b.adapter.Transmit(ctx, req)
	if err != nil {
		if _, ok := KindOf(err); !ok {
			err = NewAPIError(b.adapter.Name(), "error posting to "+b.adapter.Name(), resp, err)
		}
		return false, b.annotate(err, msg, payload)
	}
	msg.Status.ESPResponse = resp

	result, err := b.adapter.ParseRecipientStatus(resp, payload)
	if err != nil {
		var e *Error
		if errors.As(err, &e) && e.Response == nil {
			e.Response = resp
			e.StatusCode = resp.StatusCode
		}
		return false, b.annotate(err, msg, payload)
	}
	msg.Status.SetResult(result)

	b.log.Debug().
		Strs("status", statusStrings(msg.Status.Status)).
		Str("message_id", msg.Status.MessageID).
		Int("recipients", len(msg.Status.Recipients)).
		Msg("message sent")

	if !b.opts.IgnoreRecipientStatus && msg.Status.Status.AllRefused() {
		return false, &Error{
			Kind:       KindRecipientsRefused,
			Msg:        "All message recipients were rejected or invalid",
			ESPName:    b.adapter.Name(),
			StatusCode: resp.StatusCode,
			Message:    msg,
			Payload:    payload,
			Response:   resp,
		}
	}
	return true, nil
}

// BuildPayload 依欄位表建立 payload，不傳送
func (b *Backend) BuildPayload(msg *Message) (Payload, error) {
	base := NewBasePayload(b.adapter.Name(), msg, b.opts.IgnoreUnsupportedFeatures)
	payload := b.adapter.NewPayload(base)
	if err := populate(payload, msg, b.defaults, b.loc); err != nil {
		return payload, b.annotate(err, msg, payload)
	}
	return payload, nil
}

func (b *Backend) annotate(err error, msg *Message, payload Payload) error {
	var e *Error
	if errors.As(err, &e) && e.ESPName == "" {
		e.ESPName = b.adapter.Name()
	}
	return annotate(err, msg, payload)
}

func statusStrings(set StatusSet) []string {
	values := set.Values()
	out := make([]string, len(values))
	for i, v := range values {
		out[i] = string(v)
	}
	return out
}
