package model

import (
	"encoding/json"
	"fmt"

	"github.com/bassista/gitrecords/internal/datastore"
)

var baseFields = map[string]bool{
	datastore.FieldID:             true,
	datastore.FieldOrganizationID: true,
	datastore.FieldCreatedAt:      true,
	datastore.FieldUpdatedAt:      true,
}

// decode builds a typed value from a stored record. Fields the struct does
// not know end up in Base.Extra.
func decode[T any, PT Model[T]](rec datastore.Record) (PT, error) {
	raw, err := json.Marshal(rec)
	if err != nil {
		return nil, err
	}
	var v T
	pt := PT(&v)
	if err := json.Unmarshal(raw, pt); err != nil {
		return nil, fmt.Errorf("decode %s: %w", rec.ID(), err)
	}

	known, err := declared(pt)
	if err != nil {
		return nil, err
	}
	extra := map[string]any{}
	for k, val := range rec {
		if _, ok := known[k]; ok || baseFields[k] {
			continue
		}
		extra[k] = val
	}
	if len(extra) > 0 {
		pt.Meta().Extra = extra
	}
	return pt, nil
}

// attributes flattens a typed value, extension fields included, into its
// JSON-typed attribute map.
func attributes[T any, PT Model[T]](pt PT) (map[string]any, error) {
	out, err := declared(pt)
	if err != nil {
		return nil, err
	}
	for k, v := range pt.Meta().Extra {
		if _, ok := out[k]; !ok {
			out[k] = v
		}
	}
	return out, nil
}

func declared(v any) (map[string]any, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("encode attributes: %w", err)
	}
	out := map[string]any{}
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, fmt.Errorf("encode attributes: %w", err)
	}
	return out, nil
}
