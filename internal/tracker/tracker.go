// Package tracker holds the client-facing tracking assets: the 1x1 pixel
// GIF and the templated tracker script.
package tracker

import (
	"bytes"
	"crypto/sha256"
	_ "embed"
	"encoding/hex"
	"fmt"
	"text/template"
)

// PixelGIF is a 1x1 transparent GIF, served for every pixel beacon whether
// or not the beacon was admitted.
var PixelGIF = []byte{
	0x47, 0x49, 0x46, 0x38, 0x39, 0x61, 0x01, 0x00, 0x01, 0x00, 0x80, 0xff, 0x00, 0xff, 0xff, 0xff,
	0x00, 0x00, 0x00, 0x21, 0xf9, 0x04, 0x01, 0x00, 0x00, 0x00, 0x00, 0x2c, 0x00, 0x00, 0x00, 0x00,
	0x01, 0x00, 0x01, 0x00, 0x00, 0x02, 0x02, 0x44, 0x01, 0x00, 0x3b,
}

//go:embed tracker.js.tmpl
var scriptTemplateSource string

//go:embed tracker_dnt.js
var dntScript string

var scriptTemplate = template.Must(template.New("tracker.js").Parse(scriptTemplateSource))

// ScriptParams configure one rendering of the tracker script.
type ScriptParams struct {
	Protocol     string
	Endpoint     string
	HeartbeatMs  int
	ScriptInject string
}

// RenderScript renders the tracker script for a service. When dnt is set the
// inert stub is returned instead, so privacy-opted-out visitors still get a
// valid script without any beacon machinery.
func RenderScript(dnt bool, params ScriptParams) (string, error) {
	if dnt {
		return dntScript, nil
	}

	var buf bytes.Buffer
	if err := scriptTemplate.Execute(&buf, params); err != nil {
		return "", fmt.Errorf("failed to render tracker script: %w", err)
	}
	return buf.String(), nil
}

// ETag computes the entity tag for a rendered asset.
func ETag(content []byte) string {
	sum := sha256.Sum256(content)
	return fmt.Sprintf(`"%s"`, hex.EncodeToString(sum[:8]))
}
