package remote

import (
	"reflect"
	"testing"
)

func TestScanEnvRefs(t *testing.T) {
	tests := []struct {
		name   string
		source string
		want   []string
	}{
		{
			name:   "dotted access",
			source: `const key = process.env.API_KEY;`,
			want:   []string{"API_KEY"},
		},
		{
			name:   "double quoted bracket",
			source: `const url = process.env["DATABASE_URL"];`,
			want:   []string{"DATABASE_URL"},
		},
		{
			name:   "single quoted bracket",
			source: `const url = process.env['DATABASE_URL'];`,
			want:   []string{"DATABASE_URL"},
		},
		{
			name:   "bracket with inner spaces",
			source: `process.env[ "SPACED" ]`,
			want:   []string{"SPACED"},
		},
		{
			name:   "mixed forms deduplicated and sorted",
			source: `process.env.ZED; process.env["ALPHA"]; process.env.ZED; process.env['MID'];`,
			want:   []string{"ALPHA", "MID", "ZED"},
		},
		{
			name:   "computed key ignored",
			source: `const v = process.env[keyName];`,
			want:   []string{},
		},
		{
			name:   "no references",
			source: `export default () => 42`,
			want:   []string{},
		},
		{
			name:   "underscore and dollar names",
			source: `process.env._PRIVATE; process.env.$WEIRD;`,
			want:   []string{"$WEIRD", "_PRIVATE"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := ScanEnvRefs(tt.source)
			if len(got) == 0 && len(tt.want) == 0 {
				return
			}
			if !reflect.DeepEqual(got, tt.want) {
				t.Errorf("ScanEnvRefs() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestRenderEnvFile(t *testing.T) {
	got := renderEnvFile(
		[]string{"ALPHA", "BETA", "GAMMA"},
		map[string]string{"BETA": "resolved"},
	)
	want := "ALPHA=\nBETA=resolved\nGAMMA=\n"
	if string(got) != want {
		t.Errorf("renderEnvFile() = %q, want %q", got, want)
	}

	if len(renderEnvFile(nil, nil)) != 0 {
		t.Error("empty name set must render an empty file")
	}
}
