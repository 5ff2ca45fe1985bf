//go:build !wasm
// +build !wasm

package gae

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"cloud.google.com/go/datastore"
	"github.com/panyam/barter"
)

// Reserved property names
const (
	propData      = "_data"
	propCreatedAt = "_created_at"
	propUpdatedAt = "_updated_at"
	fieldPrefix   = "f_"
)

// DocumentEntity is the Datastore entity for documents of any collection
type DocumentEntity struct {
	Key       *datastore.Key
	Data      map[string]any
	CreatedAt time.Time
	UpdatedAt time.Time
}

var _ datastore.PropertyLoadSaver = (*DocumentEntity)(nil)

// Save encodes the entity: the JSON blob, the timestamps and one indexed property per
// scalar attribute.
func (e *DocumentEntity) Save() ([]datastore.Property, error) {
	blob, err := json.Marshal(e.Data)
	if err != nil {
		return nil, fmt.Errorf("failed to encode document: %w", err)
	}
	props := []datastore.Property{
		{Name: propData, Value: blob, NoIndex: true},
		{Name: propCreatedAt, Value: e.CreatedAt},
		{Name: propUpdatedAt, Value: e.UpdatedAt},
	}
	for k, v := range e.Data {
		if iv, ok := indexValue(v); ok {
			props = append(props, datastore.Property{Name: fieldPrefix + k, Value: iv})
		}
	}
	return props, nil
}

// Load decodes an entity written by Save.  The indexed copies are ignored.
func (e *DocumentEntity) Load(props []datastore.Property) error {
	for _, p := range props {
		switch p.Name {
		case propData:
			blob, ok := p.Value.([]byte)
			if !ok {
				return fmt.Errorf("unexpected %s type %T", propData, p.Value)
			}
			if err := json.Unmarshal(blob, &e.Data); err != nil {
				return fmt.Errorf("failed to decode document: %w", err)
			}
		case propCreatedAt:
			e.CreatedAt, _ = p.Value.(time.Time)
		case propUpdatedAt:
			e.UpdatedAt, _ = p.Value.(time.Time)
		}
	}
	if e.Data == nil {
		e.Data = map[string]any{}
	}
	return nil
}

// LoadKey receives the key on reads (datastore.KeyLoader).
func (e *DocumentEntity) LoadKey(k *datastore.Key) error {
	e.Key = k
	return nil
}

func (e *DocumentEntity) ToDocument() *barter.Document {
	doc := &barter.Document{Data: e.Data, CreatedAt: e.CreatedAt, UpdatedAt: e.UpdatedAt}
	if e.Key != nil {
		doc.ID = e.Key.Name
	}
	return doc
}

// indexValue converts an attribute into a value Datastore can index.  Numbers become float64
// so that 3 and 3.0 compare equal, as they do in the document model.
func indexValue(v any) (any, bool) {
	switch x := v.(type) {
	case string:
		if len(x) > 1500 {
			// over the indexed string limit
			return nil, false
		}
		return x, true
	case bool, time.Time:
		return x, true
	case int:
		return float64(x), true
	case int32:
		return float64(x), true
	case int64:
		return float64(x), true
	case float32:
		return float64(x), true
	case float64:
		return x, true
	case []any:
		out := make([]any, 0, len(x))
		for _, item := range x {
			iv, ok := indexValue(item)
			if !ok {
				return nil, false
			}
			if _, nested := iv.([]any); nested {
				return nil, false
			}
			out = append(out, iv)
		}
		return out, true
	case []string:
		out := make([]any, len(x))
		for i, s := range x {
			out[i] = s
		}
		return out, true
	}
	return nil, false
}

// pushdown reports whether a condition can be evaluated by Datastore as an equality filter.
func pushdown(c barter.Condition) (string, any, bool) {
	if c.Op != barter.OpEqual || strings.ContainsAny(c.Field, ".`") {
		return "", nil, false
	}
	iv, ok := indexValue(c.Value)
	if !ok {
		return "", nil, false
	}
	if _, isList := iv.([]any); isList {
		// equality on a multi-valued property means "contains", not list equality
		return "", nil, false
	}
	return fieldPrefix + c.Field, iv, true
}
