package connector

import "testing"

func TestLookup_UnknownPluginNeverFails(t *testing.T) {
	r := NewRegistry()

	status := r.Lookup("linear")
	if status.Plugin != "linear" {
		t.Fatalf("plugin = %q", status.Plugin)
	}
	if status.HasCredentialRecord || status.IsReady {
		t.Fatal("unknown plugin must report as not configured, not as an error")
	}
}

func TestRegisterAndAll(t *testing.T) {
	r := NewRegistry()
	r.Register(Status{Plugin: "slack", HasCredentialRecord: true, IsReady: true})
	r.Register(Status{
		Plugin:              "linear",
		HasCredentialRecord: true,
		IsReady:             false,
		RequiredFields: []FieldStatus{
			{Name: "api_key", Present: true},
			{Name: "team_id", Present: false},
		},
	})
	r.Register(Status{}) // no plugin name, ignored

	all := r.All()
	if len(all) != 2 {
		t.Fatalf("len(All) = %d, want 2", len(all))
	}
	if all[0].Plugin != "linear" || all[1].Plugin != "slack" {
		t.Fatalf("All not sorted by plugin: %v", all)
	}

	got := r.Lookup("linear")
	if got.IsReady {
		t.Fatal("linear should not be ready")
	}
	if len(got.RequiredFields) != 2 {
		t.Fatalf("required fields = %v", got.RequiredFields)
	}
}
