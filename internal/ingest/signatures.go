package ingest

import (
	"bytes"
	"slices"

	"github.com/gabriel-vasile/mimetype"
)

// deniedMIMEs are rejected regardless of the claimed extension. The
// detected type and every parent in its tree are checked.
var deniedMIMEs = []string{
	"application/vnd.microsoft.portable-executable",
	"application/x-dosexec",
	"application/x-msdownload",
	"application/x-msdos-program",
	"application/x-ms-installer",
	"application/x-elf",
	"application/x-executable",
	"application/x-sharedlib",
	"application/x-mach-binary",
	"application/x-sh",
	"text/x-shellscript",
	"application/x-bat",
	"text/javascript",
	"application/javascript",
	"application/java-archive",
	"application/jar",
	"application/x-java-applet",
	"application/x-shockwave-flash",
	"application/wasm",
	"text/x-python",
	"text/x-perl",
	"text/x-php",
	"text/x-lua",
	"text/x-tcl",
	"application/x-ms-shortcut",
}

// textLikeExtensions are accepted on the claimed extension alone when the
// content carries no signature of its own.
var textLikeExtensions = []string{
	"txt", "md", "csv", "html", "htm", "xml", "css", "json", "svg", "rtf",
	"obj", "stl", "ply", "gltf", "dae", "fb2",
}

// refinements keep the claimed extension when the detected container is
// a known carrier for it: most camera RAW files are TIFF, iWork files are
// zip, Illustrator and EPS are PDF or PostScript.
var refinements = map[string][]string{
	"image/tiff":                     {"dng", "nef", "arw", "sr2", "pef", "erf", "cr2"},
	"application/pdf":                {"ai"},
	"application/postscript":         {"eps", "ai"},
	"application/zip":                {"pages", "numbers", "key"},
	"application/json":               {"gltf"},
	"text/xml":                       {"dae", "fb2", "svg"},
	"application/x-mobipocket-ebook": {"azw3", "pdb"},
	"audio/x-m4a":                    {"m4r", "m4a"},
	"audio/mp4":                      {"m4a", "m4r"},
	"video/mp4":                      {"m4v", "m4a", "3g2"},
	"video/x-ms-asf":                 {"wmv", "wma"},
	"application/ogg":                {"ogg", "ogv", "opus"},
	"audio/ogg":                      {"ogg", "opus"},
	"video/ogg":                      {"ogv"},
	"video/mp2t":                     {"ts", "mts", "m2ts"},
	"image/heif":                     {"heic", "heif"},
	"image/heic":                     {"heic", "heif"},
	"image/jpeg":                     {"jpeg", "jpg"},
	"image/x-icon":                   {"ico"},
	"image/vnd.microsoft.icon":       {"ico"},
}

func init() {
	octet := mimetype.Lookup("application/octet-stream")

	// Camera formats with their own magic that the detector tree lacks.
	octet.Extend(prefix("IIRO", "IIRS", "MMOR"), "image/x-olympus-orf", ".orf")
	octet.Extend(prefix("IIU\x00"), "image/x-panasonic-rw2", ".rw2")
	octet.Extend(prefix("FUJIFILMCCD-RAW"), "image/x-fuji-raf", ".raf")
	octet.Extend(func(raw []byte, _ uint32) bool {
		return len(raw) >= 14 && bytes.Equal(raw[6:14], []byte("HEAPCCDR"))
	}, "image/x-canon-crw", ".crw")

	octet.Extend(prefix("BLENDER"), "application/x-blender", ".blend")
	octet.Extend(prefix("Kaydara FBX Binary"), "application/x-fbx", ".fbx")
	octet.Extend(prefix("ITOLITLS"), "application/x-ms-reader", ".lit")

	// The detector reports interpreter scripts as plain text; any shebang
	// marks the file as executable.
	mimetype.Lookup("text/plain").Extend(prefix("#!"), "text/x-shellscript", ".sh", "application/x-sh")

	if tiff := mimetype.Lookup("image/tiff"); tiff != nil {
		tiff.Extend(func(raw []byte, _ uint32) bool {
			return len(raw) >= 10 && raw[8] == 'C' && raw[9] == 'R'
		}, "image/x-canon-cr2", ".cr2")
	}
}

func prefix(sigs ...string) func([]byte, uint32) bool {
	return func(raw []byte, _ uint32) bool {
		for _, sig := range sigs {
			if bytes.HasPrefix(raw, []byte(sig)) {
				return true
			}
		}
		return false
	}
}

func isDenied(m *mimetype.MIME) bool {
	for p := m; p != nil; p = p.Parent() {
		for _, denied := range deniedMIMEs {
			if p.Is(denied) {
				return true
			}
		}
	}
	return false
}

func isUnidentified(m *mimetype.MIME) bool {
	return m.Is("application/octet-stream") || m.Is("text/plain")
}

func refine(m *mimetype.MIME, claimed string) bool {
	for mime, exts := range refinements {
		if m.Is(mime) && slices.Contains(exts, claimed) {
			return true
		}
	}
	return false
}
