// Copyright NodeGuarder, Inc. All rights reserved.
//
// Use of this source code is governed by a source available license that can be found in the
// LICENSE file or at:
// https://polyformproject.org/wp-content/uploads/2020/06/PolyForm-Shield-1.0.0.txt

package kernel

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParse(t *testing.T) {
	tests := []struct {
		name    string
		input   string
		want    *Version
		wantErr bool
	}{
		{
			name:  "standard version",
			input: "5.15.0",
			want:  &Version{Major: 5, Minor: 15, Patch: 0, Raw: "5.15.0"},
		},
		{
			name:  "version with suffix",
			input: "6.2.0-26-generic",
			want:  &Version{Major: 6, Minor: 2, Patch: 0, Raw: "6.2.0-26-generic"},
		},
		{
			name:  "version without patch",
			input: "5.15",
			want:  &Version{Major: 5, Minor: 15, Patch: 0, Raw: "5.15"},
		},
		{
			name:  "el-style release",
			input: "4.18.0-348.el8.x86_64",
			want:  &Version{Major: 4, Minor: 18, Patch: 0, Raw: "4.18.0-348.el8.x86_64"},
		},
		{
			name:  "noisy patch component",
			input: "5.10.0rc1",
			want:  &Version{Major: 5, Minor: 10, Patch: 0, Raw: "5.10.0rc1"},
		},
		{
			name:    "garbage",
			input:   "not-a-version",
			wantErr: true,
		},
		{
			name:    "single component",
			input:   "5",
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := Parse(tt.input)
			if tt.wantErr {
				require.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestAtLeast(t *testing.T) {
	v := &Version{Major: 5, Minor: 8}

	assert.True(t, v.AtLeast(5, 8))
	assert.True(t, v.AtLeast(5, 2))
	assert.True(t, v.AtLeast(4, 18))
	assert.False(t, v.AtLeast(5, 15))
	assert.False(t, v.AtLeast(6, 0))
}

func TestString(t *testing.T) {
	v := &Version{Major: 6, Minor: 1, Patch: 55}
	assert.Equal(t, "6.1.55", v.String())
}
