package attachment

import (
	"mime"
	"path/filepath"
	"strings"

	"github.com/gabriel-vasile/mimetype"
)

const octetStream = "application/octet-stream"

// detectMIME sniffs content first. A declared type (server header or caller
// hint) only decides when neither sniffing nor the file extension does.
func detectMIME(data []byte, name, declared string) string {
	if sniffed := mimetype.Detect(data).String(); !isGeneric(sniffed) {
		return sniffed
	}
	if byExt := mime.TypeByExtension(strings.ToLower(filepath.Ext(name))); byExt != "" {
		return byExt
	}
	if declared = strings.TrimSpace(declared); declared != "" {
		if mediaType, params, err := mime.ParseMediaType(declared); err == nil {
			return mime.FormatMediaType(mediaType, params)
		}
	}
	return octetStream
}

func isGeneric(m string) bool {
	base, _, _ := strings.Cut(m, ";")
	return base == "" || base == octetStream
}
