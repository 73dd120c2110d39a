package fetch

import (
	"net/url"
	"strings"
	"testing"
	"unicode/utf8"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSanitize(t *testing.T) {
	tests := []struct {
		in, want string
	}{
		{"report.pdf", "report.pdf"},
		{`a<b>c:d"e/f\g|h?i*j.txt`, "a_b_c_d_e_f_g_h_i_j.txt"},
		{"bell\x07name\x7f.bin", "bellname.bin"},
		{"  padded.zip  ", "padded.zip"},
		{"", DefaultFilename},
		{"\x01\x02", DefaultFilename},
		{".", DefaultFilename},
		{"..", DefaultFilename},
		{"../../etc/passwd", ".._.._etc_passwd"},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, Sanitize(tt.in), "Sanitize(%q)", tt.in)
	}
}

func TestSanitizeCapsLengthKeepingExtension(t *testing.T) {
	got := Sanitize(strings.Repeat("x", 400) + ".tar.gz")
	assert.Len(t, got, maxNameBytes)
	assert.True(t, strings.HasSuffix(got, ".gz"))

	multi := Sanitize(strings.Repeat("ж", 300) + ".mp4")
	assert.LessOrEqual(t, len(multi), maxNameBytes)
	assert.True(t, utf8.ValidString(multi))
	assert.True(t, strings.HasSuffix(multi, ".mp4"))
}

func TestSanitizeIsIdempotent(t *testing.T) {
	inputs := []string{
		"", " ", ".", "..", "normal.txt", "we|rd*na?me.bin",
		strings.Repeat("y", 300), strings.Repeat("z", 254) + " .txt",
		strings.Repeat("é", 200) + " ", "\xff\xfe bad utf8.bin",
		strings.Repeat("a", 250) + "   " + strings.Repeat("b", 10),
	}
	for _, in := range inputs {
		once := Sanitize(in)
		require.NotEmpty(t, once)
		assert.Equal(t, once, Sanitize(once), "input %q", in)
	}
}

func TestFilenameFromDisposition(t *testing.T) {
	assert.Equal(t, "a b.txt", filenameFromDisposition(`attachment; filename="a b.txt"`))
	assert.Equal(t, "résumé.pdf", filenameFromDisposition(`attachment; filename*=UTF-8''r%C3%A9sum%C3%A9.pdf`))
	assert.Equal(t, "", filenameFromDisposition("inline"))
	assert.Equal(t, "", filenameFromDisposition(";;;"))
}

func TestResolveName(t *testing.T) {
	parse := func(s string) *url.URL {
		u, err := url.Parse(s)
		require.NoError(t, err)
		return u
	}

	assert.Equal(t, "cd.bin", resolveName("cd.bin", parse("https://h/x.zip"), ""))
	assert.Equal(t, "x.zip", resolveName("", parse("https://h/dir/x.zip?filename=y.zip"), ""))
	assert.Equal(t, "y.zip", resolveName("", parse("https://h/get?filename=y.zip"), ""))
	assert.Equal(t, "get", resolveName("", parse("https://h/get"), ""))

	raw := "https://h/"
	gen := resolveName("", parse(raw), raw)
	assert.Regexp(t, `^download_\d{1,4}\.bin$`, gen)
	assert.Equal(t, gen, resolveName("", parse(raw), raw))
}
