// internal/anymail/defaults.go
// 發送預設值 - 全域預設與 ESP 專屬預設合併

package anymail

import (
	"encoding/json"
	"fmt"
	"maps"
	"slices"
)

// Defaults 欄位名稱 -> 預設值
// 值可以是 Go 型別，也可以是 YAML/JSON 解出的 map/slice，使用時依欄位型別轉換
type Defaults map[string]any

// ResolveDefaults 將 ESP 預設值淺層覆蓋到全域預設值的副本上
// 不修改輸入；esp 為 nil 時結果等同 global
func ResolveDefaults(global, esp map[string]any) Defaults {
	resolved := make(Defaults, len(global)+len(esp))
	maps.Copy(resolved, global)
	if esp != nil {
		maps.Copy(resolved, esp)
	}
	return resolved
}

// decodeDefault 依欄位型別取出預設值，不存在或為 nil 時視為未設定
func decodeDefault[T any](defaults Defaults, name string) (Field[T], error) {
	raw, ok := defaults[name]
	if !ok || raw == nil {
		return Field[T]{}, nil
	}
	if v, ok := raw.(T); ok {
		return Set(v), nil
	}

	data, err := json.Marshal(raw)
	if err != nil {
		return Field[T]{}, invalidDefault(name, err)
	}
	var v T
	if err := json.Unmarshal(data, &v); err != nil {
		return Field[T]{}, invalidDefault(name, err)
	}
	return Set(v), nil
}

// decodeHeaders extra_headers 預設值可寫成 {name: value} 或 [{name, value}]
func decodeHeaders(defaults Defaults, name string) (Field[[]Header], error) {
	raw, ok := defaults[name]
	if !ok || raw == nil {
		return Field[[]Header]{}, nil
	}

	var m map[string]string
	switch v := raw.(type) {
	case map[string]string:
		m = v
	case map[string]any:
		m = make(map[string]string, len(v))
		for k, val := range v {
			m[k] = fmt.Sprint(val)
		}
	default:
		return decodeDefault[[]Header](defaults, name)
	}

	headers := make([]Header, 0, len(m))
	for _, k := range slices.Sorted(maps.Keys(m)) {
		headers = append(headers, Header{Name: k, Value: m[k]})
	}
	return Set(headers), nil
}

func invalidDefault(name string, err error) *Error {
	return &Error{
		Kind: KindConfiguration,
		Msg:  fmt.Sprintf("invalid send default for %s", name),
		Err:  err,
	}
}
