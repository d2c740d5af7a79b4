// Package category maps file extensions to conversion categories and the
// output formats each category accepts.
package category

import (
	"path/filepath"
	"slices"
	"strings"
)

// Category is a closed enumeration; Unsupported is the zero value.
type Category int

const (
	Unsupported Category = iota
	Image
	RawImage
	Vector
	Document
	Video
	Audio
	Archive
	Ebook
	Model3D
)

var names = [...]string{
	Unsupported: "UNSUPPORTED",
	Image:       "IMAGE",
	RawImage:    "RAW_IMAGE",
	Vector:      "VECTOR",
	Document:    "DOCUMENT",
	Video:       "VIDEO",
	Audio:       "AUDIO",
	Archive:     "ARCHIVE",
	Ebook:       "EBOOK",
	Model3D:     "MODEL_3D",
}

func (c Category) String() string {
	if c < 0 || int(c) >= len(names) {
		return names[Unsupported]
	}
	return names[c]
}

// All lists the supported categories in table order.
var All = []Category{Image, RawImage, Vector, Document, Video, Audio, Archive, Ebook, Model3D}

var audioOutputs = []string{"mp3", "wav", "aac", "m4a", "flac", "ogg", "wma", "aiff", "m4r", "opus"}

var extensions = map[Category][]string{
	Image:    {"jpg", "jpeg", "png", "webp", "gif", "bmp", "ico", "tiff", "tif", "tga", "jp2", "heic", "heif"},
	RawImage: {"cr2", "nef", "arw", "orf", "raf", "dng", "rw2", "sr2", "pef", "crw", "erf"},
	Vector:   {"svg", "eps", "ai"},
	Document: {"pdf", "doc", "docx", "ppt", "pptx", "xls", "xlsx", "odt", "ods", "odp", "rtf", "txt", "md", "html", "htm", "xml", "csv", "pages", "numbers", "key"},
	Video:    {"mp4", "mkv", "avi", "mov", "wmv", "flv", "webm", "m4v", "3gp", "3g2", "ts", "mts", "m2ts", "vob", "ogv"},
	Audio:    {"mp3", "wav", "aac", "m4a", "flac", "ogg", "wma", "aiff", "alac", "opus", "amr", "m4r"},
	Archive:  {"zip", "rar", "7z", "tar", "gz", "bz2", "xz", "iso"},
	Ebook:    {"epub", "mobi", "azw3", "fb2", "lit", "lrf", "pdb", "rb", "tcr"},
	Model3D:  {"obj", "stl", "fbx", "dae", "ply", "glb", "gltf", "3ds", "blend", "x"},
}

var outputs = map[Category][]string{
	Image:    {"jpg", "png", "webp", "gif", "bmp", "ico", "tiff", "tga", "pdf"},
	RawImage: {"jpg", "png", "tiff", "webp"},
	Vector:   {"png", "jpg", "pdf", "svg"},
	Document: {"pdf", "docx", "txt", "html", "rtf", "jpg", "png"},
	Video:    append([]string{"mp4", "mkv", "mov", "avi", "webm", "wmv", "gif"}, audioOutputs...),
	Audio:    audioOutputs,
	Archive:  {"extract", "zip"},
	Ebook:    {"pdf", "epub", "mobi", "docx", "txt", "azw3"},
	Model3D:  {"obj", "stl", "ply", "glb", "gltf"},
}

var byExtension = func() map[string]Category {
	m := make(map[string]Category)
	for _, c := range All {
		for _, ext := range extensions[c] {
			m[ext] = c
		}
	}
	return m
}()

// Classify returns the category of a filename by its lowercase extension.
func Classify(filename string) Category {
	return ForExtension(filepath.Ext(filename))
}

// ForExtension classifies a bare extension, with or without leading dot.
func ForExtension(ext string) Category {
	return byExtension[normalize(ext)]
}

// OutputsFor returns the legal output tokens for c. Unsupported has none.
func OutputsFor(c Category) []string {
	return slices.Clone(outputs[c])
}

// Allows reports whether token is a legal output for c.
func Allows(c Category, token string) bool {
	return slices.Contains(outputs[c], normalize(token))
}

// IsAudioOutput reports whether token is an audio-only output.
func IsAudioOutput(token string) bool {
	return slices.Contains(audioOutputs, normalize(token))
}

// IsMedia reports whether c holds image, audio or video content.
func IsMedia(c Category) bool {
	switch c {
	case Image, RawImage, Vector, Video, Audio:
		return true
	}
	return false
}

func normalize(ext string) string {
	return strings.TrimPrefix(strings.ToLower(strings.TrimSpace(ext)), ".")
}
