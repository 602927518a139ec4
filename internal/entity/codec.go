package entity

import (
	"encoding/json"
	"fmt"
	"reflect"
	"time"

	"github.com/go-viper/mapstructure/v2"

	"github.com/rendis/bizflow/internal/store"
)

// Encode converts a model into a store document using its json tags.
func Encode(v any) (store.Document, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("encode %T: %w", v, err)
	}
	doc := store.Document{}
	if err := json.Unmarshal(raw, &doc); err != nil {
		return nil, fmt.Errorf("encode %T: %w", v, err)
	}
	return doc, nil
}

// Decode fills out from a store document. Timestamps stored as RFC 3339
// strings decode into time.Time fields; unknown keys are ignored.
func Decode(doc store.Document, out any) error {
	dec, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		TagName:          "json",
		Result:           out,
		WeaklyTypedInput: false,
		DecodeHook: mapstructure.ComposeDecodeHookFunc(
			emptyStringToZeroTime,
			mapstructure.StringToTimeHookFunc(time.RFC3339Nano),
		),
	})
	if err != nil {
		return err
	}
	if err := dec.Decode(doc); err != nil {
		return fmt.Errorf("decode %s: %w", reflect.TypeOf(out).Elem().Name(), err)
	}
	return nil
}

// emptyStringToZeroTime lets "" stand for an unset timestamp.
func emptyStringToZeroTime(from, to reflect.Type, data any) (any, error) {
	if from.Kind() == reflect.String && to == reflect.TypeOf(time.Time{}) {
		if s, _ := data.(string); s == "" {
			return time.Time{}, nil
		}
	}
	return data, nil
}
