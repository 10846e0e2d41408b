// Copyright (c) 2025, s0up and the autobrr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

// Package overlay merges partial records onto full records field by field.
//
// A patch type mirrors a record type with nillable fields: a pointer to the
// record's field type, or the same map/slice/pointer type. Nil patch fields
// leave the record untouched, so a zero value sent by the daemon still
// overwrites while an absent field never does.
//
//	type Peer struct { Port int; Client string }
//	type PeerPatch struct { Port *int; Client *string }
//
//	overlay.Apply(&peer, &patch)
//
// Patch fields tagged `overlay:"-"` are skipped and left to the caller.
// Map fields merge key by key into a fresh map.
package overlay

import (
	"fmt"
	"reflect"
	"sync"
)

type fieldOp int

const (
	opDeref fieldOp = iota
	opAssign
	opMergeMap
)

type fieldPlan struct {
	patch int
	dst   int
	op    fieldOp
}

type plan struct {
	fields []fieldPlan
	err    error
}

type planKey struct {
	dst   reflect.Type
	patch reflect.Type
}

var plans sync.Map // planKey -> *plan

// Apply copies every present field of patch onto dst.
// It panics when P is not a valid patch type for D; use Check in tests.
func Apply[D any, P any](dst *D, patch *P) {
	if dst == nil || patch == nil {
		return
	}

	p := planFor(reflect.TypeFor[D](), reflect.TypeFor[P]())
	if p.err != nil {
		panic(p.err)
	}

	dv := reflect.ValueOf(dst).Elem()
	pv := reflect.ValueOf(patch).Elem()

	for _, f := range p.fields {
		src := pv.Field(f.patch)
		if src.IsNil() {
			continue
		}

		target := dv.Field(f.dst)
		switch f.op {
		case opDeref:
			target.Set(src.Elem())
		case opAssign:
			target.Set(src)
		case opMergeMap:
			merged := reflect.MakeMapWithSize(target.Type(), target.Len()+src.Len())
			iter := target.MapRange()
			for iter.Next() {
				merged.SetMapIndex(iter.Key(), iter.Value())
			}
			iter = src.MapRange()
			for iter.Next() {
				merged.SetMapIndex(iter.Key(), iter.Value())
			}
			target.Set(merged)
		}
	}
}

// Check reports whether P can be applied onto D.
func Check[D any, P any]() error {
	return planFor(reflect.TypeFor[D](), reflect.TypeFor[P]()).err
}

// Fields returns how many fields of P are merged by Apply.
func Fields[D any, P any]() int {
	return len(planFor(reflect.TypeFor[D](), reflect.TypeFor[P]()).fields)
}

func planFor(dst, patch reflect.Type) *plan {
	key := planKey{dst: dst, patch: patch}
	if cached, ok := plans.Load(key); ok {
		return cached.(*plan)
	}

	built := buildPlan(dst, patch)
	actual, _ := plans.LoadOrStore(key, built)
	return actual.(*plan)
}

func buildPlan(dst, patch reflect.Type) *plan {
	if dst.Kind() != reflect.Struct || patch.Kind() != reflect.Struct {
		return &plan{err: fmt.Errorf("overlay: %s and %s must both be structs", dst, patch)}
	}

	p := &plan{}
	for i := 0; i < patch.NumField(); i++ {
		pf := patch.Field(i)
		if !pf.IsExported() || pf.Tag.Get("overlay") == "-" {
			continue
		}

		df, ok := dst.FieldByName(pf.Name)
		if !ok || len(df.Index) != 1 {
			p.err = fmt.Errorf("overlay: %s.%s has no counterpart in %s", patch, pf.Name, dst)
			return p
		}

		switch {
		case pf.Type.Kind() == reflect.Pointer && pf.Type.Elem() == df.Type:
			p.fields = append(p.fields, fieldPlan{patch: i, dst: df.Index[0], op: opDeref})
		case pf.Type == df.Type && pf.Type.Kind() == reflect.Map:
			p.fields = append(p.fields, fieldPlan{patch: i, dst: df.Index[0], op: opMergeMap})
		case pf.Type == df.Type && (pf.Type.Kind() == reflect.Slice || pf.Type.Kind() == reflect.Pointer):
			p.fields = append(p.fields, fieldPlan{patch: i, dst: df.Index[0], op: opAssign})
		default:
			p.err = fmt.Errorf("overlay: %s.%s (%s) cannot overwrite %s.%s (%s)", patch, pf.Name, pf.Type, dst, df.Name, df.Type)
			return p
		}
	}

	return p
}
