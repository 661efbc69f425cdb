package emailclass

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestClassify(t *testing.T) {
	tests := []struct {
		name string
		raw  string
		want Class
	}{
		{"whitespace only", " ", Empty},
		{"empty string", "", Empty},
		{"tabs and newlines", "\t\n", Empty},
		{"double at", "a@@b.com", Invalid},
		{"no at sign", "not-an-email", Invalid},
		{"single letter tld", "a@b.c", Invalid},
		{"two letter tld", "a@b.co", Valid},
		{"plus and dots", "John.Doe+x@sub.example.co", Valid},
		{"uppercase", "A@X.COM", Valid},
		{"apostrophe local part", "o'brien@example.ie", Valid},
		{"surrounding whitespace", "  user@example.com  ", Valid},
		{"numeric tld", "user@example.123", Invalid},
		{"space inside", "us er@example.com", Invalid},
		{"bad", "bad", Invalid},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Classify(tt.raw), "Classify(%q)", tt.raw)
		})
	}
}

func TestClassifyNullable(t *testing.T) {
	assert.Equal(t, Empty, ClassifyNullable(nil))

	v := "user@example.com"
	assert.Equal(t, Valid, ClassifyNullable(&v))
}

func TestInspect_NormalizesValidOnly(t *testing.T) {
	r := Inspect("  John.Doe+x@Sub.Example.CO ")
	assert.Equal(t, Valid, r.Class)
	assert.Equal(t, "john.doe+x@sub.example.co", r.Email)

	r = Inspect("Not-An-Email")
	assert.Equal(t, Invalid, r.Class)
	assert.Empty(t, r.Email)
}

func TestNormalize(t *testing.T) {
	assert.Equal(t, "a@x.com", Normalize(" A@X.COM\t"))
	assert.Equal(t, Normalize("a@x.com"), Normalize("A@X.COM"))
}

func TestDomain(t *testing.T) {
	tests := []struct {
		in     string
		want   string
		wantOK bool
	}{
		{"john.doe+x@sub.example.co", "sub.example.co", true},
		{"a@x.com", "x.com", true},
		{"no-at-sign", "", false},
		{"trailing@", "", false},
		{"", "", false},
	}

	for _, tt := range tests {
		got, ok := Domain(tt.in)
		assert.Equal(t, tt.wantOK, ok, "Domain(%q) ok", tt.in)
		assert.Equal(t, tt.want, got, "Domain(%q)", tt.in)
	}
}

func TestDomain_FromInspect(t *testing.T) {
	r := Inspect("John.Doe+x@sub.example.co")
	d, ok := Domain(r.Email)
	assert.True(t, ok)
	assert.Equal(t, "sub.example.co", d)
}

func TestSendable(t *testing.T) {
	assert.True(t, Sendable(Inspect("a@x.com")))
	assert.False(t, Sendable(Inspect("bad")))
	assert.False(t, Sendable(Inspect("")))
}

func TestClassString(t *testing.T) {
	assert.Equal(t, "empty", Empty.String())
	assert.Equal(t, "invalid_format", Invalid.String())
	assert.Equal(t, "valid", Valid.String())
}
