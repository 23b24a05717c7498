package docstore

import (
	"fmt"
	"strconv"
	"time"
)

// Values are persisted as strings tagged with a one-letter type prefix so
// timestamps and numbers survive backends that only keep strings.

func encodeValue(v any) (string, error) {
	switch t := v.(type) {
	case string:
		return "s:" + t, nil
	case int:
		return "i:" + strconv.FormatInt(int64(t), 10), nil
	case int64:
		return "i:" + strconv.FormatInt(t, 10), nil
	case float64:
		return "f:" + strconv.FormatFloat(t, 'g', -1, 64), nil
	case bool:
		return "b:" + strconv.FormatBool(t), nil
	case time.Time:
		return "t:" + strconv.FormatInt(t.UnixNano(), 10), nil
	default:
		return "", fmt.Errorf("unsupported field type %T", v)
	}
}

func decodeValue(raw string) (any, error) {
	if len(raw) < 2 || raw[1] != ':' {
		return nil, fmt.Errorf("malformed field value %q", raw)
	}
	body := raw[2:]
	switch raw[0] {
	case 's':
		return body, nil
	case 'i':
		return strconv.ParseInt(body, 10, 64)
	case 'f':
		return strconv.ParseFloat(body, 64)
	case 'b':
		return strconv.ParseBool(body)
	case 't':
		ns, err := strconv.ParseInt(body, 10, 64)
		if err != nil {
			return nil, err
		}
		return time.Unix(0, ns).UTC(), nil
	default:
		return nil, fmt.Errorf("unknown field type tag %q", raw[0])
	}
}

func encodeFields(f Fields) (map[string]string, error) {
	out := make(map[string]string, len(f))
	for k, v := range f {
		enc, err := encodeValue(v)
		if err != nil {
			return nil, fmt.Errorf("encode field %q: %w", k, err)
		}
		out[k] = enc
	}
	return out, nil
}

func decodeFields(raw map[string]string) (Fields, error) {
	out := make(Fields, len(raw))
	for k, v := range raw {
		dec, err := decodeValue(v)
		if err != nil {
			return nil, fmt.Errorf("decode field %q: %w", k, err)
		}
		out[k] = dec
	}
	return out, nil
}
