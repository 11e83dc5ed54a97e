// Copyright NodeGuarder, Inc. All rights reserved.
//
// Use of this source code is governed by a source available license that can be found in the
// LICENSE file or at:
// https://polyformproject.org/wp-content/uploads/2020/06/PolyForm-Shield-1.0.0.txt

package core

import (
	"fmt"

	"github.com/cilium/ebpf/btf"
)

// StructByName resolves a named struct from a BTF spec.
func StructByName(spec *btf.Spec, name string) (*btf.Struct, error) {
	var st *btf.Struct
	if err := spec.TypeByName(name, &st); err != nil {
		return nil, fmt.Errorf("resolving struct %q: %w", name, err)
	}
	return st, nil
}

// MemberOffset returns the byte offset of a named member within st. Members
// of anonymous structs and unions are found at their flattened offset, which
// is how the kernel lays out task_struct on most configurations.
func MemberOffset(st *btf.Struct, name string) (uint32, error) {
	m, base, err := findMember(st.Members, name)
	if err != nil {
		return 0, fmt.Errorf("struct %q: %w", st.Name, err)
	}
	return base + m.Offset.Bytes(), nil
}

// MemberType returns the type of a named member within st, with typedefs and
// type qualifiers peeled off.
func MemberType(st *btf.Struct, name string) (btf.Type, error) {
	m, _, err := findMember(st.Members, name)
	if err != nil {
		return nil, fmt.Errorf("struct %q: %w", st.Name, err)
	}
	return btf.UnderlyingType(m.Type), nil
}

// ArrayElemSize returns the size in bytes of one element of a named array
// member of st.
func ArrayElemSize(st *btf.Struct, name string) (uint32, error) {
	typ, err := MemberType(st, name)
	if err != nil {
		return 0, err
	}
	arr, ok := typ.(*btf.Array)
	if !ok {
		return 0, fmt.Errorf("struct %q: member %q is %T, not an array", st.Name, name, typ)
	}
	size, err := btf.Sizeof(arr.Type)
	if err != nil {
		return 0, fmt.Errorf("struct %q: sizing element of %q: %w", st.Name, name, err)
	}
	return uint32(size), nil
}

func findMember(members []btf.Member, name string) (*btf.Member, uint32, error) {
	for i := range members {
		m := &members[i]
		if m.Name == name {
			return m, 0, nil
		}
		// Descend into anonymous aggregates.
		if m.Name == "" {
			var nested []btf.Member
			switch t := btf.UnderlyingType(m.Type).(type) {
			case *btf.Struct:
				nested = t.Members
			case *btf.Union:
				nested = t.Members
			default:
				continue
			}
			if found, base, err := findMember(nested, name); err == nil {
				return found, base + m.Offset.Bytes(), nil
			}
		}
	}
	return nil, 0, fmt.Errorf("member %q not found", name)
}
