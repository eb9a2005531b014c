// internal/anymail/status.go
// 發送狀態模型

package anymail

import (
	"maps"
	"slices"
)

// StatusValue 正規化的收件人狀態
type StatusValue string

const (
	StatusQueued    StatusValue = "queued"
	StatusSent      StatusValue = "sent"
	StatusDelivered StatusValue = "delivered"
	StatusRejected  StatusValue = "rejected"
	StatusInvalid   StatusValue = "invalid"
	StatusUnknown   StatusValue = "unknown"
)

// Valid 是否為已知狀態
func (s StatusValue) Valid() bool {
	switch s {
	case StatusQueued, StatusSent, StatusDelivered, StatusRejected, StatusInvalid, StatusUnknown:
		return true
	}
	return false
}

// refused 全部落在這兩種狀態才算整封被拒
func (s StatusValue) refused() bool {
	return s == StatusRejected || s == StatusInvalid
}

// RecipientStatus 單一收件人的發送結果
type RecipientStatus struct {
	Status    StatusValue `json:"status"`
	MessageID string      `json:"message_id,omitempty"`
}

// StatusSet 不重複的狀態集合
type StatusSet map[StatusValue]struct{}

// NewStatusSet 建立狀態集合
func NewStatusSet(values ...StatusValue) StatusSet {
	set := make(StatusSet, len(values))
	for _, v := range values {
		set[v] = struct{}{}
	}
	return set
}

// Has 是否包含狀態
func (s StatusSet) Has(v StatusValue) bool {
	_, ok := s[v]
	return ok
}

// Values 排序後的狀態列表
func (s StatusSet) Values() []StatusValue {
	return slices.Sorted(maps.Keys(s))
}

// AllRefused 集合非空且只含 rejected / invalid
func (s StatusSet) AllRefused() bool {
	if len(s) == 0 {
		return false
	}
	for v := range s {
		if !v.refused() {
			return false
		}
	}
	return true
}

// Status 單次發送的結果，附加在 Message 上
type Status struct {
	// Status 發送前為 nil
	Status StatusSet
	// MessageID 只有一個不重複 id 時才設定
	MessageID string
	// MessageIDs 所有不重複 id (排序)
	MessageIDs  []string
	Recipients  map[string]RecipientStatus
	ESPResponse *Response
}

// NewStatus 建立空白狀態
func NewStatus() *Status {
	return &Status{Recipients: make(map[string]RecipientStatus)}
}

// SetRecipientStatus 由收件人結果計算整體狀態，只在收到回應後呼叫一次
func (s *Status) SetRecipientStatus(recipients map[string]RecipientStatus) {
	maps.Copy(s.Recipients, recipients)

	s.Status = make(StatusSet)
	ids := make(map[string]struct{})
	for _, rs := range s.Recipients {
		s.Status[rs.Status] = struct{}{}
		if rs.MessageID != "" {
			ids[rs.MessageID] = struct{}{}
		}
	}

	s.MessageIDs = slices.Sorted(maps.Keys(ids))
	s.MessageID = ""
	if len(s.MessageIDs) == 1 {
		s.MessageID = s.MessageIDs[0]
	}
}

// SetResult 套用解析結果；收件人沒有 id 時改用整體 message id
func (s *Status) SetResult(res *ParseResult) {
	if res == nil {
		res = &ParseResult{}
	}
	s.SetRecipientStatus(res.Recipients)
	if len(s.MessageIDs) == 0 && res.MessageID != "" {
		s.MessageIDs = []string{res.MessageID}
		s.MessageID = res.MessageID
	}
}

// Recipient 依 mailbox 查詢收件人狀態 (區分大小寫)
func (s *Status) Recipient(email string) (RecipientStatus, bool) {
	rs, ok := s.Recipients[email]
	return rs, ok
}
