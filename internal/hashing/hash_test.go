package hashing

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestDataDeterministic(t *testing.T) {
	origin := "http://en.wikipedia.org/wiki/Prime_factor"

	first := Data(origin)
	second := Data(origin)

	assert.Equal(t, first, second)
	assert.Len(t, first, 32)
	assert.NotEqual(t, first, Data(origin+"/"))
}

func TestDataKnownDigest(t *testing.T) {
	// md5("") and md5("abc")
	assert.Equal(t, "d41d8cd98f00b204e9800998ecf8427e", Data())
	assert.Equal(t, "900150983cd24fb0d6963f7d28e17f72", Data("abc"))
	assert.Equal(t, Data("abc"), Data("a", "bc"))
}
