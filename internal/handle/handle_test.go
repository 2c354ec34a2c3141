package handle

import "testing"

func TestNormalizePhone(t *testing.T) {
	cases := map[string]string{
		"+1 (707) 287-4936": "17072874936",
		"7072874936":        "17072874936",
		"+17079276461":      "17079276461",
		"+447911123456":     "447911123456",
		"636379":            "636379", // short code
	}
	for in, want := range cases {
		got := Normalize(in)
		if got.Kind != KindPhone {
			t.Fatalf("Normalize(%q).Kind=%q want phone", in, got.Kind)
		}
		if got.CanonicalKey != want {
			t.Fatalf("Normalize(%q)=%q want %q", in, got.CanonicalKey, want)
		}
	}
}

func TestNormalizeEmailNeverEmptied(t *testing.T) {
	cases := map[string]string{
		"Alice@Example.COM":  "alice@example.com",
		"  bob@icloud.com  ": "bob@icloud.com",
		"42@digits.net":      "42@digits.net", // digits must survive
		"u+tag@example.com":  "u+tag@example.com",
	}
	for in, want := range cases {
		got := Normalize(in)
		if got.Kind != KindEmail {
			t.Fatalf("Normalize(%q).Kind=%q want email", in, got.Kind)
		}
		if got.CanonicalKey == "" {
			t.Fatalf("Normalize(%q) emptied an email handle", in)
		}
		if got.CanonicalKey != want {
			t.Fatalf("Normalize(%q)=%q want %q", in, got.CanonicalKey, want)
		}
	}
}

func TestNormalizerCountryCode(t *testing.T) {
	uk := Normalizer{CountryCode: "44"}
	if got := uk.Key("7072874936"); got != "447072874936" {
		t.Fatalf("Key with country code 44 = %q want 447072874936", got)
	}
	// Numbers already carrying a code are left alone.
	if got := uk.Key("+447911123456"); got != "447911123456" {
		t.Fatalf("Key(+447911123456) = %q", got)
	}
	// Zero value falls back to the default.
	if got := (Normalizer{}).Key("7072874936"); got != "17072874936" {
		t.Fatalf("zero-value Key = %q want 17072874936", got)
	}
}

func TestFlattenKeys(t *testing.T) {
	got := FlattenKeys([]string{
		"+1 (707) 287-4936",
		"Bob@Example.com",
		"7072874936", // same as the first after normalization
		"alice@example.com",
	})
	want := "17072874936,alice@example.com,bob@example.com"
	if got != want {
		t.Fatalf("FlattenKeys=%q want %q", got, want)
	}
}
