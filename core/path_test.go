package core

import (
	"testing"

	"github.com/go-playground/assert/v2"
)

func TestNormalizePath(t *testing.T) {
	cases := map[string]string{
		"main.py":            "main.py",
		"/main.py":           "main.py",
		"main.py/":           "main.py",
		"src//lib//util.go":  "src/lib/util.go",
		"src\\lib\\util.go":  "src/lib/util.go",
		"./src/./a.txt":      "src/a.txt",
		"  spaced.txt  ":     "spaced.txt",
		"///":                "",
		"":                   "",
		"a/../b":             "a/../b",
		"deep/tree/file.rs":  "deep/tree/file.rs",
		"\\windows\\file.ts": "windows/file.ts",
	}
	for input, expect := range cases {
		assert.Equal(t, expect, NormalizePath(input))
	}
}

func TestNormalizePathIdempotent(t *testing.T) {
	inputs := []string{
		"main.py",
		"/a//b\\c/",
		"  x /y ",
		"./.././z",
		"",
		"////deep///nest////",
	}
	for _, input := range inputs {
		once := NormalizePath(input)
		assert.Equal(t, once, NormalizePath(once))
	}
}

func TestSafeRelPath(t *testing.T) {
	path, err := SafeRelPath("/src/main.py")
	assert.Equal(t, nil, err)
	assert.Equal(t, "src/main.py", path)

	_, err = SafeRelPath("../../etc/passwd")
	assert.NotEqual(t, nil, err)

	_, err = SafeRelPath("a/../b")
	assert.NotEqual(t, nil, err)

	_, err = SafeRelPath("")
	assert.NotEqual(t, nil, err)

	_, err = SafeRelPath("///")
	assert.NotEqual(t, nil, err)
}
