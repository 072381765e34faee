package textproc

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestNormalize(t *testing.T) {
	tests := []struct {
		name string
		in   string
		want string
	}{
		{"empty", "", ""},
		{"plain ascii", "Ahmet Yilmaz", "ahmet yilmaz"},
		{"turkish letters", "Mehmet Öztürk", "mehmet ozturk"},
		{"dotted capital I", "İSTANBUL SİGORTA", "istanbul sigorta"},
		{"dotless i", "Işık Ilıca", "isik ilica"},
		{"whitespace collapse", "  ahmet \t\n  can  ", "ahmet can"},
		{"all substitutions", "çğıöşü ÇĞİÖŞÜ", "cgiosu cgiosu"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Normalize(tt.in))
		})
	}
}

func TestNormalizeIdempotent(t *testing.T) {
	inputs := []string{
		"",
		"Mehmet Öztürk",
		"  ÇILGIN   şeyler   ",
		"ALLİANZ SİGORTA A.Ş.",
		"plain english text",
	}
	for _, in := range inputs {
		once := Normalize(in)
		assert.Equal(t, once, Normalize(once), "normalize(normalize(%q))", in)
	}
}
