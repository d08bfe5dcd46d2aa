package synccash

import (
	"encoding/json"
	"testing"
)

func TestParseAmount(t *testing.T) {
	cases := []struct {
		in   string
		want Amount
		ok   bool
	}{
		{"150.00", 15000, true},
		{"1", 100, true},
		{"0.50", 50, true},
		{"0.5", 50, true},
		{"10000.00", 1000000, true},
		{"1.005", 0, false},
		{"", 0, false},
		{"abc", 0, false},
		{"1,50", 0, false},
		{"5.-1", 0, false}, // a signed fraction must not parse as 4.99
		{"5.+1", 0, false},
		{"+5", 0, false},
	}
	for _, tc := range cases {
		got, err := ParseAmount(tc.in)
		if tc.ok && err != nil {
			t.Errorf("ParseAmount(%q) failed: %v", tc.in, err)
			continue
		}
		if !tc.ok {
			if err == nil {
				t.Errorf("ParseAmount(%q) = %d, want error", tc.in, got)
			}
			continue
		}
		if got != tc.want {
			t.Errorf("ParseAmount(%q) = %d, want %d", tc.in, got, tc.want)
		}
	}
}

func TestAmountString(t *testing.T) {
	if got := MustAmount("150.00").String(); got != "150.00" {
		t.Errorf("String() = %s, want 150.00", got)
	}
	if got := Amount(5).String(); got != "0.05" {
		t.Errorf("String() = %s, want 0.05", got)
	}
}

func TestAmountJSON(t *testing.T) {
	type payload struct {
		Amount Amount `json:"amount"`
	}
	out, err := json.Marshal(payload{Amount: MustAmount("99.90")})
	if err != nil {
		t.Fatal(err)
	}
	if string(out) != `{"amount":"99.90"}` {
		t.Errorf("marshal = %s", out)
	}

	var in payload
	if err := json.Unmarshal([]byte(`{"amount":"12.34"}`), &in); err != nil {
		t.Fatal(err)
	}
	if in.Amount != 1234 {
		t.Errorf("unmarshal = %d, want 1234", in.Amount)
	}
	if err := json.Unmarshal([]byte(`{"amount":12.34}`), &in); err == nil {
		t.Error("numeric amount accepted, want decimal string only")
	}
}

func TestNormalizePhone(t *testing.T) {
	cases := []struct {
		in   string
		want string
		ok   bool
	}{
		{"+233241234567", "+233241234567", true},
		{"233241234567", "+233241234567", true},
		{"0241234567", "+233241234567", true},
		{"024 123 4567", "+233241234567", true},
		{"+23324123456", "", false}, // too short
		{"12345", "", false},
		{"+233abc34567", "", false},
	}
	for _, tc := range cases {
		got, ok := NormalizePhone(tc.in)
		if ok != tc.ok || got != tc.want {
			t.Errorf("NormalizePhone(%q) = %q,%v want %q,%v", tc.in, got, ok, tc.want, tc.ok)
		}
	}
}

func TestNetworkPrefix(t *testing.T) {
	if got := NetworkPrefix("+233241234567"); got != "24" {
		t.Errorf("prefix = %s, want 24", got)
	}
	if got := NetworkPrefix("0241234567"); got != "" {
		t.Errorf("prefix of unnormalized number = %q, want empty", got)
	}
}

func TestExternalReference(t *testing.T) {
	ref := ExternalReference("a1b2c3d4-e5f6-7890-abcd-ef1234567890")
	if ref != "TXN_A1B2C3D4E5F6" {
		t.Errorf("reference = %s", ref)
	}
}
