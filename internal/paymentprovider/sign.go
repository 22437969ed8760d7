package paymentprovider

import (
	"bytes"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sort"
	"strconv"
	"strings"
)

const (
	tokenField    = "Token"
	passwordField = "Password"
)

// Token считает подпись запроса T-Bank.
//
// В подписи участвуют только скалярные поля верхнего уровня (вложенные
// объекты вроде DATA и Receipt пропускаются), к ним добавляется пароль
// терминала под ключом Password, значения склеиваются в порядке сортировки
// ключей и хешируются SHA-256.
func Token(fields map[string]any, password string) string {
	values := make(map[string]string, len(fields)+1)
	for k, v := range fields {
		if k == tokenField {
			continue
		}
		s, ok := scalarString(v)
		if !ok {
			continue
		}
		values[k] = s
	}
	values[passwordField] = password

	keys := make([]string, 0, len(values))
	for k := range values {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var b strings.Builder
	for _, k := range keys {
		b.WriteString(values[k])
	}
	sum := sha256.Sum256([]byte(b.String()))
	return hex.EncodeToString(sum[:])
}

// VerifyToken проверяет подпись входящего уведомления шлюза.
func VerifyToken(fields map[string]any, password string) bool {
	got, ok := fields[tokenField].(string)
	if !ok || got == "" {
		return false
	}
	want := Token(fields, password)
	return subtle.ConstantTimeCompare([]byte(strings.ToLower(got)), []byte(want)) == 1
}

// fieldsOf переводит структуру запроса в плоскую карту полей так же,
// как она уйдёт в JSON, сохраняя числа без потери точности.
func fieldsOf(v any) (map[string]any, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("paymentprovider.fieldsOf: %w", err)
	}
	return decodeFields(raw)
}

func decodeFields(raw []byte) (map[string]any, error) {
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var fields map[string]any
	if err := dec.Decode(&fields); err != nil {
		return nil, fmt.Errorf("paymentprovider.decodeFields: %w", err)
	}
	return fields, nil
}

func scalarString(v any) (string, bool) {
	switch t := v.(type) {
	case string:
		return t, true
	case json.Number:
		return t.String(), true
	case bool:
		return strconv.FormatBool(t), true
	case int:
		return strconv.Itoa(t), true
	case int64:
		return strconv.FormatInt(t, 10), true
	case float64:
		return strconv.FormatFloat(t, 'f', -1, 64), true
	default:
		return "", false
	}
}
