// internal/anymail/datetime.go
// send_at 時間轉換

package anymail

import (
	"math"
	"time"

	"cloud.google.com/go/civil"
)

// AwareDatetime 將各種時間表示轉為帶時區的 time.Time
//
//   - time.Time 原樣回傳
//   - civil.DateTime (無時區) 視為 loc 的當地時間
//   - civil.Date 視為 loc 當地午夜
//   - 整數與浮點數視為 POSIX timestamp (UTC)
//   - 其他型別 (例如字串) 原樣回傳，各 ESP 自行解讀
func AwareDatetime(value any, loc *time.Location) any {
	if loc == nil {
		loc = time.Local
	}

	switch v := value.(type) {
	case time.Time:
		return v
	case *time.Time:
		if v == nil {
			return value
		}
		return *v
	case civil.DateTime:
		return v.In(loc)
	case civil.Date:
		return civil.DateTime{Date: v}.In(loc)
	case int:
		return time.Unix(int64(v), 0).UTC()
	case int32:
		return time.Unix(int64(v), 0).UTC()
	case int64:
		return time.Unix(v, 0).UTC()
	case uint:
		return time.Unix(int64(v), 0).UTC()
	case uint32:
		return time.Unix(int64(v), 0).UTC()
	case uint64:
		return time.Unix(int64(v), 0).UTC()
	case float32:
		return floatTimestamp(float64(v), value)
	case float64:
		return floatTimestamp(v, value)
	}
	return value
}

func floatTimestamp(f float64, orig any) any {
	if math.IsNaN(f) || math.IsInf(f, 0) {
		return orig
	}
	sec, frac := math.Modf(f)
	return time.Unix(int64(sec), int64(frac*1e9)).UTC()
}
