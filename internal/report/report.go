// Package report renders multiplexer status as JSON and picks values out of it.
package report

import (
	"errors"
	"fmt"
	"time"

	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"

	"github.com/luma/respmux/client"
)

var ErrNoMatch = errors.New("Query matched nothing")

// Render encodes st as a JSON document:
//
//	{"mode": ..., "connected": ..., "subscriptions": [...],
//	 "endpoints": [{"addr": ..., "bridges": [{"role": ..., "lastRead": ..., "stats": {...}}]}]}
func Render(st client.Status) ([]byte, error) {
	doc := []byte(`{"endpoints":[]}`)

	set := func(path string, value interface{}) (err error) {
		doc, err = sjson.SetBytes(doc, path, value)
		return err
	}

	if err := set("mode", st.Mode); err != nil {
		return nil, err
	}

	if err := set("connected", st.Connected); err != nil {
		return nil, err
	}

	subs := st.Subscriptions
	if subs == nil {
		subs = []string{}
	}
	if err := set("subscriptions", subs); err != nil {
		return nil, err
	}

	for i, ep := range st.Endpoints {
		prefix := fmt.Sprintf("endpoints.%d.", i)

		fields := []struct {
			path  string
			value interface{}
		}{
			{"addr", ep.Addr},
			{"connected", ep.Connected},
			{"replica", ep.Replica},
			{"mode", ep.Mode},
			{"version", ep.Version},
			{"protocol", ep.Protocol},
			{"features", ep.Features},
			{"bridges", []interface{}{}},
		}

		for _, f := range fields {
			if err := set(prefix+f.path, f.value); err != nil {
				return nil, err
			}
		}

		for j, b := range ep.Bridges {
			bp := fmt.Sprintf("%sbridges.%d.", prefix, j)

			if err := set(bp+"role", b.Role); err != nil {
				return nil, err
			}
			if err := set(bp+"connected", b.Connected); err != nil {
				return nil, err
			}
			if b.LastError != "" {
				if err := set(bp+"lastError", b.LastError); err != nil {
					return nil, err
				}
			}
			if !b.LastRead.IsZero() {
				if err := set(bp+"lastRead", b.LastRead.UTC().Format(time.RFC3339Nano)); err != nil {
					return nil, err
				}
			}
			if err := set(bp+"stats", b.Stats); err != nil {
				return nil, err
			}
		}
	}

	return doc, nil
}

// Query returns the raw JSON at a gjson path, e.g. "endpoints.#.addr".
func Query(doc []byte, path string) ([]byte, error) {
	result := gjson.GetBytes(doc, path)
	if !result.Exists() {
		return nil, fmt.Errorf("%q: %w", path, ErrNoMatch)
	}

	return []byte(result.Raw), nil
}

// Pretty indents a JSON document.
func Pretty(doc []byte) []byte {
	return []byte(gjson.GetBytes(doc, "@pretty").Raw)
}
