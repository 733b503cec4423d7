package dao

import (
	"database/sql/driver"
	"encoding/json"
	"errors"
)

// JSON 自定义 JSON 列类型，实现 Value() 和 Scan()
type JSON json.RawMessage

// Value 实现 driver.Valuer 接口，nil 落库为 NULL
func (j JSON) Value() (driver.Value, error) {
	if j == nil {
		return nil, nil
	}
	return string(j), nil
}

// Scan 实现 sql.Scanner 接口
func (j *JSON) Scan(value interface{}) error {
	if value == nil {
		*j = nil
		return nil
	}
	var bytes []byte
	switch v := value.(type) {
	case []byte:
		bytes = v
	case string:
		bytes = []byte(v)
	default:
		return errors.New("failed to unmarshal JSON value")
	}
	*j = JSON(bytes)
	return nil
}

// MarshalJSON to output non base64 encoded []byte
func (j JSON) MarshalJSON() ([]byte, error) {
	if j == nil {
		return []byte("null"), nil
	}
	return j, nil
}

// UnmarshalJSON to deserialize []byte
func (j *JSON) UnmarshalJSON(data []byte) error {
	if j == nil {
		return errors.New("null point exception")
	}
	*j = append((*j)[0:0], data...)
	return nil
}

// MarshalMap 把映射编码成JSON列，空映射落成 "{}"
func MarshalMap[M ~map[string]V, V any](m M) (JSON, error) {
	if m == nil {
		return JSON("{}"), nil
	}
	bs, err := json.Marshal(m)
	if err != nil {
		return nil, err
	}
	return JSON(bs), nil
}

// UnmarshalMap 把JSON列解码成映射，NULL 解码为空映射
func UnmarshalMap[M ~map[string]V, V any](j JSON) (M, error) {
	res := make(M)
	if len(j) == 0 {
		return res, nil
	}
	if err := json.Unmarshal(j, &res); err != nil {
		return nil, err
	}
	return res, nil
}
