package models

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestMetaValidate(t *testing.T) {
	cases := []struct {
		Name    string
		Given   *Meta
		WantErr bool
	}{
		{"Nil", nil, false},
		{"Empty", &Meta{}, false},
		{"KnownLicense", &Meta{License: "CC-BY-SA"}, false},
		{"UnknownLicense", &Meta{License: "WTFPL"}, true},
		{"PartnerMissing", &Meta{IsPartner: true}, true},
		{"PartnerGiven", &Meta{IsPartner: true, Partner: "Outernet"}, false},
		{"LongLanguage", &Meta{Language: "eng"}, true},
	}

	for _, c := range cases {
		t.Run(c.Name, func(t *testing.T) {
			err := c.Given.Validate()
			if c.WantErr {
				assert.ErrorIs(t, err, ErrInvalidMeta)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestManifestDocument(t *testing.T) {
	ts := time.Date(2015, 2, 22, 12, 3, 23, 778567000, time.UTC)
	m := Manifest{
		Title:     "page title",
		URL:       "http://en.wikipedia.org/wiki/Prime_factor",
		Domain:    "en.wikipedia.org",
		Images:    4,
		Timestamp: ts,
		Extra:     (&Meta{License: "PD", Title: "ignored"}).Fields(),
	}

	doc := m.Document()

	assert.Equal(t, "page title", doc["title"])
	assert.Equal(t, "en.wikipedia.org", doc["domain"])
	assert.Equal(t, 4, doc["images"])
	assert.Equal(t, "PD", doc["license"])
	assert.Equal(t, "2015-02-22 12:03:23.778567", doc["timestamp"])
}

func TestApplyMeta(t *testing.T) {
	doc := map[string]any{"title": "old", "url": "http://a.b", "is_partner": true, "partner": "p"}

	out := ApplyMeta(doc, &Meta{Title: "new", License: "GFDL"})

	assert.Equal(t, "new", out["title"])
	assert.Equal(t, "GFDL", out["license"])
	assert.Equal(t, "http://a.b", out["url"])
	assert.Equal(t, false, out["is_partner"])
}

func TestManifestEncoding(t *testing.T) {
	b, err := EncodeManifest(map[string]any{"title": "t", "images": 2})
	assert.NoError(t, err)
	assert.Equal(t, "{\n  \"images\": 2,\n  \"title\": \"t\"\n}", string(b))

	doc, err := DecodeManifest(b)
	assert.NoError(t, err)
	assert.Equal(t, "t", doc["title"])

	_, err = DecodeManifest([]byte("nope"))
	assert.Error(t, err)
}
