package credential

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strings"
)

// EnvStore 环境变量凭证库：按引用读环境变量 SEQ_CRED_<REF>，
// 值是JSON对象。生产部署换成接了KMS的实现
type EnvStore struct{}

func NewEnvStore() *EnvStore {
	return &EnvStore{}
}

func (s *EnvStore) Load(_ context.Context, ref string) (map[string]string, error) {
	key := "SEQ_CRED_" + strings.ToUpper(strings.ReplaceAll(ref, "-", "_"))
	raw, ok := os.LookupEnv(key)
	if !ok {
		return nil, fmt.Errorf("凭证引用未配置: %s", key)
	}
	var creds map[string]string
	if err := json.Unmarshal([]byte(raw), &creds); err != nil {
		return nil, fmt.Errorf("凭证格式错误: %s: %w", key, err)
	}
	return creds, nil
}
