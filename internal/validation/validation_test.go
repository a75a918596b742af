package validation

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
)

func TestIsValidEthAddress(t *testing.T) {
	tests := []struct {
		addr  string
		valid bool
	}{
		{"0x1234567890123456789012345678901234567890", true},
		{"0xabcdefABCDEF1234567890123456789012345678", true},
		{"0x0000000000000000000000000000000000000000", true},

		{"1234567890123456789012345678901234567890", false},
		{"0x12345678901234567890123456789012345678", false},
		{"0x123456789012345678901234567890123456789012", false},
		{"0xGGGGGGGGGGGGGGGGGGGGGGGGGGGGGGGGGGGGGGGG", false},
		{"", false},
		{"0x", false},
	}

	for _, tc := range tests {
		result := IsValidEthAddress(tc.addr)
		if result != tc.valid {
			t.Errorf("IsValidEthAddress(%q) = %v, want %v", tc.addr, result, tc.valid)
		}
	}
}

func TestParseAmount(t *testing.T) {
	tests := []struct {
		in   string
		want uint64
		ok   bool
	}{
		{"0", 0, true},
		{"1000", 1000, true},
		{"18446744073709551615", 18446744073709551615, true},
		{"18446744073709551616", 0, false},
		{"-1", 0, false},
		{"+1", 0, false},
		{"1.5", 0, false},
		{"", 0, false},
	}
	for _, tc := range tests {
		got, ok := ParseAmount(tc.in)
		if ok != tc.ok || got != tc.want {
			t.Errorf("ParseAmount(%q) = %d, %v; want %d, %v", tc.in, got, ok, tc.want, tc.ok)
		}
	}
}

func TestValidate(t *testing.T) {
	errs := Validate(
		Required("from", ""),
		ValidAddress("to", "0x1234"),
		ValidHash("hash", "0xab"),
		ValidAmount("amount", "12"),
		ValidHex("memo", "0xabc"),
	)
	if len(errs) != 4 {
		t.Fatalf("expected 4 errors, got %d: %v", len(errs), errs)
	}
	if errs.Error() != "from: is required" {
		t.Errorf("unexpected first error %q", errs.Error())
	}

	if errs := Validate(ValidHash("hash", "0x")); len(errs) != 1 {
		t.Errorf("expected bare 0x to be rejected")
	}
}

func TestMaxLength(t *testing.T) {
	if err := MaxLength("memo", "abcdef", 5)(); err == nil {
		t.Error("expected error for long value")
	}
	if err := MaxLength("memo", "abc", 5)(); err != nil {
		t.Errorf("unexpected error: %v", err)
	}
}

func TestAddressParamMiddleware(t *testing.T) {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.GET("/agents/:address", AddressParamMiddleware(), func(c *gin.Context) {
		c.Status(http.StatusOK)
	})

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/agents/nope", nil))
	if w.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", w.Code)
	}

	w = httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/agents/0x1234567890123456789012345678901234567890", nil))
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
}
