package obligations

import (
	"log"
	"mime"
	"strings"
)

func init() {
	ensureMimeType(".txt", "text/plain; charset=utf-8")
	ensureMimeType(".xml", "application/xml")
	ensureMimeType(".sped", "text/plain; charset=iso-8859-1")
}

func ensureMimeType(ext, typ string) {
	if mime.TypeByExtension(ext) != "" {
		return
	}
	if err := mime.AddExtensionType(ext, typ); err != nil {
		log.Printf("obligations: failed to register MIME type for %s: %v", ext, err)
	}
}

// ContentType maps a render format such as "txt" or "xml" to a MIME type.
func ContentType(format string) string {
	format = strings.ToLower(strings.TrimPrefix(strings.TrimSpace(format), "."))
	if format != "" {
		if typ := mime.TypeByExtension("." + format); typ != "" {
			return typ
		}
	}
	return "application/octet-stream"
}
