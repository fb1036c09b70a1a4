package publisher

import (
	"encoding/hex"
	"encoding/json"
	"fmt"
	"reflect"

	"golang.org/x/crypto/blake2b"
)

const digestSize = 4

// Hash - короткий blake2b-хеш значения поля. Составные значения
// хешируются по каноничному JSON (ключи отсортированы), скаляры по
// строковому представлению.
func Hash(v any) string {
	h, err := blake2b.New(digestSize, nil)
	if err != nil {
		panic(err) // digestSize в допустимых пределах
	}
	h.Write(canonical(v))
	return hex.EncodeToString(h.Sum(nil))
}

func canonical(v any) []byte {
	switch x := v.(type) {
	case json.RawMessage:
		return x
	case []byte:
		return x
	case string:
		return []byte(x)
	}
	if composite(v) {
		if b, err := json.Marshal(v); err == nil {
			return b
		}
	}
	return []byte(fmt.Sprint(v))
}

func composite(v any) bool {
	if v == nil {
		return false
	}
	switch reflect.TypeOf(v).Kind() {
	case reflect.Map, reflect.Slice, reflect.Array, reflect.Struct:
		return true
	}
	return false
}

// encode - представление поля для записи в redis hash.
func encode(v any) any {
	switch x := v.(type) {
	case json.RawMessage:
		return string(x)
	case []byte:
		return string(x)
	}
	if composite(v) {
		if b, err := json.Marshal(v); err == nil {
			return string(b)
		}
		return fmt.Sprint(v)
	}
	if v == nil {
		return ""
	}
	return v
}
