package models

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// ManifestTimeLayout is how timestamps are serialized inside info.json.
const ManifestTimeLayout = "2006-01-02 15:04:05.000000"

// ManifestName is the manifest file written at the root of every zipball tree.
const ManifestName = "info.json"

var ErrInvalidMeta = errors.New("invalid meta")

// Licenses maps accepted license codes to their labels.
var Licenses = map[string]string{
	"CC-BY":       "Creative Commons Attribution",
	"CC-BY-ND":    "Creative Commons Attribution-NoDerivs",
	"CC-BY-NC":    "Creative Commons Attribution-NonCommercial",
	"CC-BY-ND-NC": "Creative Commons Attribution-NonCommercial-NoDerivs",
	"CC-BY-SA":    "Creative Commons Attribution-ShareAlike",
	"CC-BY-NC-SA": "Creative Commons Attribution-NonCommercial-ShareAlike",
	"GFDL":        "GNU Free Documentation License",
	"OPL":         "Open Publication License",
	"OCL":         "Open Content License",
	"ADL":         "Against DRM License",
	"FAL":         "Free Art License",
	"PD":          "Public Domain",
	"OF":          "Other free license",
	"ARL":         "All rights reserved",
	"ON":          "Other non-free license",
}

// Meta is the caller-supplied, partial manifest metadata (license and attribution).
type Meta struct {
	Title          string `json:"title,omitempty"`
	Language       string `json:"language,omitempty"`
	License        string `json:"license,omitempty"`
	Archive        string `json:"archive,omitempty"`
	IsPartner      bool   `json:"is_partner,omitempty"`
	Partner        string `json:"partner,omitempty"`
	IsSponsored    bool   `json:"is_sponsored,omitempty"`
	KeepFormatting bool   `json:"keep_formatting,omitempty"`
}

// Validate checks the license code and that partner content names its partner.
func (m *Meta) Validate() error {
	if m == nil {
		return nil
	}
	if m.License != "" {
		if _, ok := Licenses[m.License]; !ok {
			return fmt.Errorf("%w: unknown license %q", ErrInvalidMeta, m.License)
		}
	}
	if m.Language != "" && len(m.Language) > 2 {
		return fmt.Errorf("%w: language must be a two letter code", ErrInvalidMeta)
	}
	if m.IsPartner && m.Partner == "" {
		return fmt.Errorf("%w: a partner must be specified", ErrInvalidMeta)
	}
	return nil
}

// Fields returns the non-empty fields as manifest entries.
func (m *Meta) Fields() map[string]any {
	out := map[string]any{}
	if m == nil {
		return out
	}
	put := func(k, v string) {
		if v != "" {
			out[k] = v
		}
	}
	put("title", m.Title)
	put("language", m.Language)
	put("license", m.License)
	put("archive", m.Archive)
	put("partner", m.Partner)
	if m.IsPartner {
		out["is_partner"] = true
	}
	if m.IsSponsored {
		out["is_sponsored"] = true
	}
	if m.KeepFormatting {
		out["keep_formatting"] = true
	}
	return out
}

// Manifest is the info.json document embedded in each zipball. Extra carries the
// caller metadata and anything else already present in an edited manifest.
type Manifest struct {
	Title     string
	URL       string
	Domain    string
	Images    int
	Timestamp time.Time
	Extra     map[string]any
}

// Document flattens the manifest into the JSON object written to info.json.
func (m Manifest) Document() map[string]any {
	doc := make(map[string]any, len(m.Extra)+5)
	for k, v := range m.Extra {
		doc[k] = v
	}
	doc["title"] = m.Title
	doc["url"] = m.URL
	doc["domain"] = m.Domain
	doc["images"] = m.Images
	doc["timestamp"] = m.Timestamp.UTC().Format(ManifestTimeLayout)
	return doc
}

// ApplyMeta merges a validated meta patch into an existing manifest document.
func ApplyMeta(doc map[string]any, patch *Meta) map[string]any {
	if doc == nil {
		doc = map[string]any{}
	}
	for k, v := range patch.Fields() {
		doc[k] = v
	}
	if patch != nil {
		// booleans are explicit in an edit, unlike at creation
		doc["is_partner"] = patch.IsPartner
		doc["is_sponsored"] = patch.IsSponsored
		doc["keep_formatting"] = patch.KeepFormatting
	}
	return doc
}

// EncodeManifest renders a manifest document as written into zipballs.
func EncodeManifest(doc map[string]any) ([]byte, error) {
	b, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("encode manifest: %w", err)
	}
	return b, nil
}

func DecodeManifest(b []byte) (map[string]any, error) {
	doc := map[string]any{}
	if err := json.Unmarshal(b, &doc); err != nil {
		return nil, fmt.Errorf("decode manifest: %w", err)
	}
	return doc, nil
}
