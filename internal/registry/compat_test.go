package registry

import "testing"

func TestCheckCompat_ExactKernelMatch(t *testing.T) {
	m := Manifest{PluginID: "p", Compat: Compat{RequiresKernel: "1.2.3"}}
	if err := checkCompat(m, KernelVersion{Version: "1.2.3"}); err != nil {
		t.Errorf("checkCompat() error = %v, want nil", err)
	}
	if err := checkCompat(m, KernelVersion{Version: "1.2.4"}); err == nil {
		t.Error("checkCompat() error = nil, want mismatch error")
	}
}

func TestCheckCompat_RangeOperators(t *testing.T) {
	m := Manifest{PluginID: "p", Compat: Compat{RequiresKernel: ">=1.0.0"}}
	if err := checkCompat(m, KernelVersion{Version: "2.0.0"}); err != nil {
		t.Errorf("checkCompat(>=) error = %v, want nil for newer kernel", err)
	}
	if err := checkCompat(m, KernelVersion{Version: "0.9.0"}); err == nil {
		t.Error("checkCompat(>=) error = nil, want error for older kernel")
	}

	m2 := Manifest{PluginID: "p", Compat: Compat{RequiresKernel: "<=1.0.0"}}
	if err := checkCompat(m2, KernelVersion{Version: "1.0.0"}); err != nil {
		t.Errorf("checkCompat(<=) error = %v, want nil for equal kernel", err)
	}
	if err := checkCompat(m2, KernelVersion{Version: "1.0.1"}); err == nil {
		t.Error("checkCompat(<=) error = nil, want error for newer kernel")
	}
}

func TestCheckCompat_SchemaVersions(t *testing.T) {
	m := Manifest{PluginID: "p", Compat: Compat{RequiresSchemaVersions: []int64{1, 2}}}
	if err := checkCompat(m, KernelVersion{SchemaVersions: []int64{1, 2, 3}}); err != nil {
		t.Errorf("checkCompat() error = %v, want nil", err)
	}
	if err := checkCompat(m, KernelVersion{SchemaVersions: []int64{1}}); err == nil {
		t.Error("checkCompat() error = nil, want error for unsupported schema version")
	}
}

func TestCheckCompat_EmptyRequirementsAlwaysPass(t *testing.T) {
	m := Manifest{PluginID: "p"}
	if err := checkCompat(m, KernelVersion{Version: "9.9.9"}); err != nil {
		t.Errorf("checkCompat() error = %v, want nil", err)
	}
}
