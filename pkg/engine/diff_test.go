package engine

import (
	"testing"

	"github.com/google/go-cmp/cmp"

	"github.com/openfroyo/ccrecon/pkg/catalog"
)

func TestValuesEqual(t *testing.T) {
	tests := []struct {
		name       string
		desired    interface{}
		observed   interface{}
		unordered  bool
		normalized bool
		want       bool
	}{
		{"both nil", nil, nil, false, false, true},
		{"nil vs value", nil, "x", false, false, false},
		{"equal strings", "a", "a", false, false, true},
		{"int vs float", int64(3), float64(3), false, false, true},
		{"string vs number", "3", float64(3), false, false, false},
		{"bool", true, false, false, false, false},
		{"ordered lists equal", []interface{}{"a", "b"}, []interface{}{"a", "b"}, false, false, true},
		{"ordered lists reordered", []interface{}{"a", "b"}, []interface{}{"b", "a"}, false, false, false},
		{"unordered lists reordered", []interface{}{"a", "b"}, []interface{}{"b", "a"}, true, false, true},
		{"unordered multiset", []interface{}{"a", "a"}, []interface{}{"a", "b"}, true, false, false},
		{"list length", []interface{}{"a"}, []interface{}{"a", "b"}, true, false, false},
		{"typed slice", []string{"a"}, []interface{}{"a"}, false, false, true},
		{"map missing key is null", map[string]interface{}{"a": 1, "b": nil}, map[string]interface{}{"a": float64(1)}, false, false, true},
		{"map extra observed null", map[string]interface{}{"a": 1}, map[string]interface{}{"a": 1, "b": nil}, false, false, true},
		{"map extra observed value", map[string]interface{}{"a": 1}, map[string]interface{}{"a": 1, "b": 2}, false, false, false},
		{"strict casing", "Core", "core", false, false, false},
		{"normalized casing", "Core ", "core", false, true, true},
		{"normalized nested", []interface{}{map[string]interface{}{"k": "A"}}, []interface{}{map[string]interface{}{"k": "a"}}, true, true, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := ValuesEqual(tt.desired, tt.observed, tt.unordered, tt.normalized); got != tt.want {
				t.Errorf("ValuesEqual(%v, %v) = %v, want %v", tt.desired, tt.observed, got, tt.want)
			}
		})
	}
}

func TestLookupPath(t *testing.T) {
	obj := map[string]interface{}{
		"name":     "pool",
		"gateways": []interface{}{"10.0.0.1"},
		"deviceInfo": map[string]interface{}{
			"serialNumber": "FOC123",
		},
	}

	tests := []struct {
		path  string
		want  interface{}
		found bool
	}{
		{"name", "pool", true},
		{"gateways.0", "10.0.0.1", true},
		{"gateways.1", nil, false},
		{"gateways.x", nil, false},
		{"deviceInfo.serialNumber", "FOC123", true},
		{"deviceInfo.pid", nil, false},
		{"name.inner", nil, false},
	}

	for _, tt := range tests {
		got, ok := LookupPath(obj, tt.path)
		if ok != tt.found || got != tt.want {
			t.Errorf("LookupPath(%q) = (%v, %v), want (%v, %v)", tt.path, got, ok, tt.want, tt.found)
		}
	}
}

func TestDiffEngine_Compare(t *testing.T) {
	cat := catalog.MustBuiltin()
	d := NewDiffEngine()

	pool, _ := cat.Lookup("global-pool")
	spec := mustSpec(t, cat, "global-pool", StatePresent, map[string]interface{}{
		"ipPoolName":   "mgmt",
		"ipPoolCidr":   "10.0.0.0/24",
		"gateway":      "10.0.0.254",
		"dnsServerIps": []interface{}{"1.1.1.1", "8.8.8.8"},
	})
	observed := Observed{
		"id":           "P-1",
		"ipPoolName":   "mgmt",
		"ipPoolCidr":   "10.0.0.0/24",
		"gateways":     []interface{}{"10.0.0.1"},
		"dnsServerIps": []interface{}{"8.8.8.8", "1.1.1.1"},
		"ipPoolType":   "Generic",
	}

	res := d.Compare(pool, spec, observed)
	if !res.RequiresUpdate {
		t.Fatal("Expected drift on gateway")
	}
	want := []FieldDiff{{Field: "gateway", Observed: "10.0.0.1", Desired: "10.0.0.254"}}
	if diff := cmp.Diff(want, res.Changes); diff != "" {
		t.Errorf("Changes mismatch (-want +got):\n%s", diff)
	}

	observed["gateways"] = []interface{}{"10.0.0.254"}
	if d.RequiresUpdate(pool, spec, observed) {
		t.Error("Expected no drift once the gateway matches")
	}
}

func TestDiffEngine_UnsetFieldHasNoOpinion(t *testing.T) {
	cat := catalog.MustBuiltin()
	site, _ := cat.Lookup("site")

	spec := mustSpec(t, cat, "site", StatePresent, map[string]interface{}{
		"name": "HQ", "parentName": "Global", "type": "area",
	})
	observed := Observed{
		"id": "S-1", "name": "HQ", "parentName": "Global", "type": "area",
		"address": "1 Main St", "latitude": 1.5, "longitude": 2.5,
	}

	if NewDiffEngine().RequiresUpdate(site, spec, observed) {
		t.Error("Expected unset desired fields to compare equal")
	}
}

func TestDiffEngine_SensitiveFields(t *testing.T) {
	cat := catalog.MustBuiltin()
	ssid, _ := cat.Lookup("wireless-ssid")

	spec := mustSpec(t, cat, "wireless-ssid", StatePresent, map[string]interface{}{
		"name": "corp", "securityLevel": "wpa2_personal", "passphrase": "s3cret",
	})
	observed := Observed{
		"id": "W-1", "name": "corp", "securityLevel": "wpa2_personal",
		"trafficType": "data", "enableBroadcastSSID": true,
	}

	d := NewDiffEngine()
	if d.RequiresUpdate(ssid, spec, observed) {
		t.Error("Expected sensitive passphrase to be skipped")
	}

	spec.CompareSensitive = true
	res := d.Compare(ssid, spec, observed)
	if !res.RequiresUpdate || res.Changes[0].Field != "passphrase" {
		t.Errorf("Expected passphrase drift with CompareSensitive, got %+v", res.Changes)
	}
}

func TestDiffEngine_NormalizedVariant(t *testing.T) {
	cat := catalog.MustBuiltin()
	tag, _ := cat.Lookup("tag")

	spec := mustSpec(t, cat, "tag", StatePresent, map[string]interface{}{
		"name": "Core", "description": " Core switches ",
	})
	observed := Observed{"id": "T-1", "name": "core", "description": "core switches", "systemTag": false}

	if NewDiffEngine().RequiresUpdate(tag, spec, observed) {
		t.Error("Expected normalized comparison to ignore casing and whitespace")
	}
}
