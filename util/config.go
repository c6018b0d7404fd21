package util

import (
	"encoding/json"
	"fmt"
	"os"
	"reflect"
	"time"
)

var typeDuration = reflect.TypeOf(time.Duration(0))

// LoadConfig overrides the fields of the struct pointed to by c with the
// environment variables prefix+FieldName. Strings are taken verbatim,
// durations are parsed with time.ParseDuration and everything else is
// unmarshalled as JSON. Unset variables leave the field as is unless the field
// is zero and required is set.
func LoadConfig(c any, prefix string, required bool) error {
	rt, rc := reflect.TypeOf(c).Elem(), reflect.ValueOf(c).Elem()
	for i := 0; i < rt.NumField(); i++ {
		rft, rf := rt.Field(i), rc.Field(i)
		if !rft.IsExported() {
			continue
		}
		k := prefix + rft.Name
		s, ok := os.LookupEnv(k)
		if !ok {
			if required && rf.IsZero() {
				return fmt.Errorf("failed to lookup field %q in env", k)
			}
			continue
		}
		switch {
		case rft.Type == typeDuration:
			d, err := time.ParseDuration(s)
			if err != nil {
				return fmt.Errorf("failed to parse %q(%s) from %q: %w", k, rft.Type, s, err)
			}
			rf.SetInt(int64(d))
		case rft.Type.Kind() == reflect.String:
			rf.SetString(s)
		default:
			if err := json.Unmarshal([]byte(s), rf.Addr().Interface()); err != nil {
				return fmt.Errorf("failed to unmarshal %q(%s) from %q: %w", k, rft.Type, s, err)
			}
		}
	}
	return nil
}
