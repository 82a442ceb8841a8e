package jsonrpc

import (
	"bytes"
	"encoding/json"
	"sort"
)

// Canonicalize produces a stable cache key for (method, params): object keys
// are sorted recursively so two semantically identical requests that arrived
// with differently-ordered object fields land on the same cache entry. Array
// order is left untouched — JSON-RPC params are positional and reordering
// them would change their meaning.
func Canonicalize(method string, params json.RawMessage) (string, error) {
	var buf bytes.Buffer
	buf.WriteString(method)
	buf.WriteByte(0)

	if len(params) == 0 {
		return buf.String(), nil
	}

	var v interface{}
	if err := json.Unmarshal(params, &v); err != nil {
		return "", err
	}
	out, err := canonicalMarshal(v)
	if err != nil {
		return "", err
	}
	buf.Write(out)
	return buf.String(), nil
}

func canonicalMarshal(v interface{}) ([]byte, error) {
	switch t := v.(type) {
	case map[string]interface{}:
		keys := make([]string, 0, len(t))
		for k := range t {
			keys = append(keys, k)
		}
		sort.Strings(keys)

		var buf bytes.Buffer
		buf.WriteByte('{')
		for i, k := range keys {
			if i > 0 {
				buf.WriteByte(',')
			}
			kb, err := json.Marshal(k)
			if err != nil {
				return nil, err
			}
			buf.Write(kb)
			buf.WriteByte(':')
			vb, err := canonicalMarshal(t[k])
			if err != nil {
				return nil, err
			}
			buf.Write(vb)
		}
		buf.WriteByte('}')
		return buf.Bytes(), nil

	case []interface{}:
		var buf bytes.Buffer
		buf.WriteByte('[')
		for i, item := range t {
			if i > 0 {
				buf.WriteByte(',')
			}
			b, err := canonicalMarshal(item)
			if err != nil {
				return nil, err
			}
			buf.Write(b)
		}
		buf.WriteByte(']')
		return buf.Bytes(), nil

	default:
		return json.Marshal(t)
	}
}

// RewriteNonceParam applies the relay's one request-transformation rule:
// eth_getTransactionCount's second positional parameter, the block tag, is
// unconditionally overridden to "pending" whenever it is present. Requests
// with fewer than two params are passed through unchanged — the rewrite
// never appends a param that was not already there.
func RewriteNonceParam(method string, params json.RawMessage) (json.RawMessage, error) {
	if method != "eth_getTransactionCount" || len(params) == 0 {
		return params, nil
	}

	var arr []json.RawMessage
	if err := json.Unmarshal(params, &arr); err != nil {
		return params, nil
	}
	if len(arr) < 2 {
		return params, nil
	}

	pending, _ := json.Marshal("pending")
	arr[1] = pending
	return json.Marshal(arr)
}
