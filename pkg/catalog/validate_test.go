package catalog

import (
	"errors"
	"strings"
	"testing"

	"github.com/google/go-cmp/cmp"
)

func TestValidate_Coercion(t *testing.T) {
	c := MustBuiltin()
	site, _ := c.Lookup("site")

	out, err := site.Validate(map[string]interface{}{
		"name":       "HQ",
		"parentName": "Global",
		"type":       "building",
		"latitude":   "37.5",
		"longitude":  -122,
	}, "present")
	if err != nil {
		t.Fatalf("Validate failed: %v", err)
	}

	want := map[string]interface{}{
		"name": "HQ", "parentName": "Global", "type": "building",
		"latitude": 37.5, "longitude": float64(-122),
	}
	if diff := cmp.Diff(want, out); diff != "" {
		t.Errorf("Validate() mismatch (-want +got):\n%s", diff)
	}
}

func TestValidate_Defaults(t *testing.T) {
	c := MustBuiltin()
	ssid, _ := c.Lookup("wireless-ssid")

	present, err := ssid.Validate(map[string]interface{}{
		"name": "corp", "securityLevel": "open",
	}, "present")
	if err != nil {
		t.Fatalf("Validate failed: %v", err)
	}
	if present["trafficType"] != "data" || present["enableBroadcastSSID"] != true {
		t.Errorf("Expected defaults for present, got %v", present)
	}

	absent, err := ssid.Validate(map[string]interface{}{"name": "corp"}, "absent")
	if err != nil {
		t.Fatalf("Validate failed: %v", err)
	}
	if len(absent) != 1 {
		t.Errorf("Expected no defaults and no required fields for absent, got %v", absent)
	}
}

func TestValidate_Lists(t *testing.T) {
	c := MustBuiltin()
	pool, _ := c.Lookup("global-pool")

	out, err := pool.Validate(map[string]interface{}{
		"ipPoolName":    "mgmt",
		"ipPoolCidr":    "10.0.0.0/24",
		"dnsServerIps":  "8.8.8.8",
		"dhcpServerIps": []string{"10.0.0.2", "10.0.0.3"},
	}, "present")
	if err != nil {
		t.Fatalf("Validate failed: %v", err)
	}
	if diff := cmp.Diff([]interface{}{"8.8.8.8"}, out["dnsServerIps"]); diff != "" {
		t.Errorf("Expected scalar to become a list (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff([]interface{}{"10.0.0.2", "10.0.0.3"}, out["dhcpServerIps"]); diff != "" {
		t.Errorf("Expected typed slice to be normalized (-want +got):\n%s", diff)
	}
}

func TestValidate_Problems(t *testing.T) {
	c := MustBuiltin()

	tests := []struct {
		name   string
		kind   Kind
		fields map[string]interface{}
		state  string
		want   []string
	}{
		{
			name:   "missing required",
			kind:   "site",
			fields: map[string]interface{}{"name": "HQ"},
			state:  "present",
			want:   []string{`missing required field "parentName"`, `missing required field "type"`},
		},
		{
			name:   "bad choice",
			kind:   "site",
			fields: map[string]interface{}{"name": "HQ", "parentName": "Global", "type": "campus"},
			state:  "present",
			want:   []string{`value campus is not one of`, `missing required field "type"`},
		},
		{
			name:   "unsupported field",
			kind:   "tag",
			fields: map[string]interface{}{"name": "core", "colour": "red"},
			state:  "present",
			want:   []string{`unsupported field "colour"`},
		},
		{
			name:   "type mismatch",
			kind:   "pnp-device",
			fields: map[string]interface{}{"serialNumber": map[string]interface{}{"a": 1}, "pid": "x"},
			state:  "present",
			want:   []string{`field "serialNumber": expected string`, `missing required field "serialNumber"`},
		},
		{
			name:   "required if",
			kind:   "site",
			fields: map[string]interface{}{"name": "F1", "parentName": "HQ", "type": "floor"},
			state:  "present",
			want:   []string{`field "rfModel" is required when type=floor`},
		},
		{
			name:   "mutually exclusive",
			kind:   "pnp-device",
			fields: map[string]interface{}{"serialNumber": "FOC1", "siteName": "HQ", "siteId": "S-1"},
			state:  "absent",
			want:   []string{"siteName, siteId are mutually exclusive"},
		},
		{
			name:   "required together",
			kind:   "site",
			fields: map[string]interface{}{"name": "HQ", "parentName": "Global", "type": "area", "latitude": 1.0},
			state:  "present",
			want:   []string{"must be set together (missing longitude)"},
		},
		{
			name:   "bool from string",
			kind:   "tag",
			fields: map[string]interface{}{"name": "core", "systemTag": "maybe"},
			state:  "present",
			want:   []string{`field "systemTag"`},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			entry, _ := c.Lookup(tt.kind)
			_, err := entry.Validate(tt.fields, tt.state)

			var verr *ValidationError
			if !errors.As(err, &verr) {
				t.Fatalf("Expected ValidationError, got %v", err)
			}
			if len(verr.Problems) != len(tt.want) {
				t.Errorf("Expected %d problems, got %v", len(tt.want), verr.Problems)
			}
			for i, w := range tt.want {
				if i < len(verr.Problems) && !strings.Contains(verr.Problems[i], w) {
					t.Errorf("Expected problem %d to contain %q, got %q", i, w, verr.Problems[i])
				}
			}
		})
	}
}

func TestValidate_DoesNotModifyInput(t *testing.T) {
	c := MustBuiltin()
	tag, _ := c.Lookup("tag")

	in := map[string]interface{}{"name": "core"}
	if _, err := tag.Validate(in, "present"); err != nil {
		t.Fatalf("Validate failed: %v", err)
	}
	if len(in) != 1 {
		t.Errorf("Expected input to be untouched, got %v", in)
	}
}

func TestValidate_NullIsUnset(t *testing.T) {
	c := MustBuiltin()
	tag, _ := c.Lookup("tag")

	out, err := tag.Validate(map[string]interface{}{"name": "core", "description": nil}, "present")
	if err != nil {
		t.Fatalf("Validate failed: %v", err)
	}
	if _, ok := out["description"]; ok {
		t.Error("Expected null field to be dropped")
	}
}
