package twinsync

import (
	"testing"

	"github.com/google/go-cmp/cmp"
)

func TestTwin_Document(t *testing.T) {
	twin := Twin{
		ID:         "serra01",
		ModelID:    "dtmi:garden:Planter;1",
		ETag:       `W/"1"`,
		Properties: map[string]any{"Type": "Tomato", "Moisture": 30.5},
	}
	want := map[string]any{
		"$dtId":     "serra01",
		"$etag":     `W/"1"`,
		"$metadata": map[string]any{"$model": "dtmi:garden:Planter;1"},
		"Type":      "Tomato",
		"Moisture":  30.5,
	}
	if diff := cmp.Diff(want, twin.Document()); diff != "" {
		t.Errorf("Document() mismatch (-want +got):\n%s", diff)
	}

	// Without an ETag the document carries none.
	if _, ok := (Twin{ID: "serra02"}).Document()["$etag"]; ok {
		t.Error("Document() has an $etag for a twin without one")
	}
}
