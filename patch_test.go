package twinsync

import (
	"encoding/json"
	"errors"
	"testing"

	"github.com/google/go-cmp/cmp"
)

func TestPatch_Validate(t *testing.T) {
	tests := []struct {
		Name  string
		Patch Patch
		Check func(error) bool
	}{
		{
			Name:  "Empty",
			Patch: nil,
			Check: func(err error) bool { return errors.Is(err, ErrEmptyPatch) },
		},
		{
			Name:  "Valid",
			Patch: Patch{Add("/Moisture", 30.0), Replace("/Type", "Tomato")},
			Check: func(err error) bool { return err == nil },
		},
		{
			Name:  "Duplicate",
			Patch: Patch{Add("/Moisture", 30.0), Replace("/Moisture", 31.0)},
			Check: func(err error) bool {
				var dup *DuplicatePathError
				return errors.As(err, &dup) && dup.Path == "/Moisture"
			},
		},
		{
			Name:  "RelativePath",
			Patch: Patch{Add("Moisture", 30.0)},
			Check: func(err error) bool {
				var invalid *InvalidPathError
				return errors.As(err, &invalid)
			},
		},
		{
			Name:  "RootPath",
			Patch: Patch{Replace("", 30.0)},
			Check: func(err error) bool {
				var invalid *InvalidPathError
				return errors.As(err, &invalid)
			},
		},
		{
			Name:  "UnsupportedOp",
			Patch: Patch{{Op: "remove", Path: "/Moisture"}},
			Check: func(err error) bool { return err != nil },
		},
	}
	for _, tt := range tests {
		t.Run(tt.Name, func(t *testing.T) {
			err := tt.Patch.Validate()
			if !tt.Check(err) {
				t.Errorf("Validate() = %v", err)
			}
		})
	}
}

func TestPatch_MarshalJSON(t *testing.T) {
	patch := Patch{
		Replace("/Type", "Tomato"),
		Add("/Moisture", 30.5),
		Replace("/Online", true),
		Add("/Note", nil),
	}
	got, err := json.Marshal(patch)
	if err != nil {
		t.Fatal(err)
	}
	want := `[{"op":"replace","path":"/Type","value":"Tomato"},` +
		`{"op":"add","path":"/Moisture","value":30.5},` +
		`{"op":"replace","path":"/Online","value":true},` +
		`{"op":"add","path":"/Note","value":null}]`
	if diff := cmp.Diff(want, string(got)); diff != "" {
		t.Errorf("Wire shape mismatch (-want +got):\n%s", diff)
	}

	var decoded Patch
	if err := json.Unmarshal(got, &decoded); err != nil {
		t.Fatal(err)
	}
	if diff := cmp.Diff(patch, decoded); diff != "" {
		t.Errorf("Decoded patch mismatch (-want +got):\n%s", diff)
	}
}

func TestPropertyPath(t *testing.T) {
	tests := []struct {
		Name string
		Path string
	}{
		{Name: "Moisture", Path: "/Moisture"},
		{Name: "a/b", Path: "/a~1b"},
		{Name: "m~n", Path: "/m~0n"},
		{Name: "~1", Path: "/~01"},
	}
	for _, tt := range tests {
		t.Run(tt.Name, func(t *testing.T) {
			path := PropertyPath(tt.Name)
			if path != tt.Path {
				t.Errorf("PropertyPath(%q) = %q, want %q", tt.Name, path, tt.Path)
			}
			tokens, err := SplitPath(path)
			if err != nil {
				t.Fatal(err)
			}
			if diff := cmp.Diff([]string{tt.Name}, tokens); diff != "" {
				t.Errorf("SplitPath(%q) mismatch (-want +got):\n%s", path, diff)
			}
		})
	}
}

func TestSplitPath_Nested(t *testing.T) {
	tokens, err := SplitPath("/Location/lat")
	if err != nil {
		t.Fatal(err)
	}
	if diff := cmp.Diff([]string{"Location", "lat"}, tokens); diff != "" {
		t.Errorf("SplitPath mismatch (-want +got):\n%s", diff)
	}
	if _, ok := topLevelProperty("/Location/lat"); ok {
		t.Error("Nested path reported as a top-level property")
	}
	if _, err := SplitPath("/Location//lat"); err == nil {
		t.Error("SplitPath accepted an empty reference token")
	}
}
