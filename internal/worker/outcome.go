// internal/worker/outcome.go
// 發送結果分類與重試延遲

package worker

import (
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/google/uuid"

	"mail-relay/internal/anymail"
	"mail-relay/internal/models"
)

// maxBackoff 單次重試延遲上限
const maxBackoff = 10 * time.Minute

type outcome struct {
	status  models.MailStatus
	retry   bool
	errKind string
	errMsg  string
}

// classify 連線失敗、429 與 5xx 的 ESP API 錯誤會重試
// 全部收件人被拒記為 rejected；其他錯誤 (含 4xx) 為永久失敗
func classify(err error) outcome {
	if err == nil {
		return outcome{status: models.MailStatusSent}
	}

	out := outcome{status: models.MailStatusFailed, errKind: kindName(err), errMsg: err.Error()}
	switch {
	case errors.Is(err, anymail.ErrAPI) && transient(err):
		out.status = models.MailStatusQueued
		out.retry = true
	case errors.Is(err, anymail.ErrRecipientsRefused):
		out.status = models.MailStatusRejected
	}
	return out
}

// classifyExhausted 重試次數用盡
func classifyExhausted(err error) outcome {
	return outcome{
		status:  models.MailStatusFailed,
		errKind: kindName(err),
		errMsg:  err.Error(),
	}
}

func transient(err error) bool {
	var e *anymail.Error
	if !errors.As(err, &e) {
		return false
	}
	code := e.StatusCode
	return code == 0 || code == http.StatusTooManyRequests || code >= http.StatusInternalServerError
}

func kindName(err error) string {
	if kind, ok := anymail.KindOf(err); ok {
		return kind.String()
	}
	return "general"
}

// backoff 第 n 次重試的延遲：base * 2^(n-1)
func backoff(base time.Duration, attempt int) time.Duration {
	if base <= 0 {
		base = time.Second
	}
	if attempt < 1 {
		attempt = 1
	}
	delay := base
	for i := 1; i < attempt; i++ {
		delay *= 2
		if delay >= maxBackoff {
			return maxBackoff
		}
	}
	return min(delay, maxBackoff)
}

func parseMailID(id string) (uuid.UUID, error) {
	parsed, err := uuid.Parse(id)
	if err != nil {
		return uuid.Nil, fmt.Errorf("invalid mail id %q: %w", id, err)
	}
	return parsed, nil
}
