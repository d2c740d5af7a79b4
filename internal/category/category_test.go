package category

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestClassify(t *testing.T) {
	tests := map[string]Category{
		"photo.JPG":        Image,
		"scan.heic":        Image,
		"shot.NEF":         RawImage,
		"logo.svg":         Vector,
		"report.docx":      Document,
		"notes.md":         Document,
		"clip.mov":         Video,
		"song.m4a":         Audio,
		"ringtone.m4r":     Audio,
		"bundle.7z":        Archive,
		"novel.epub":       Ebook,
		"teapot.glb":       Model3D,
		"archive.tar.gz":   Archive,
		"README":           Unsupported,
		"malware.exe":      Unsupported,
		"../../etc/passwd": Unsupported,
	}
	for name, want := range tests {
		assert.Equal(t, want, Classify(name), name)
	}
}

func TestOutputsFor(t *testing.T) {
	assert.Empty(t, OutputsFor(Unsupported))
	assert.ElementsMatch(t, []string{"extract", "zip"}, OutputsFor(Archive))
	assert.Contains(t, OutputsFor(Video), "mp3")
	assert.NotContains(t, OutputsFor(Audio), "mp4")

	out := OutputsFor(Image)
	out[0] = "mutated"
	assert.Equal(t, "jpg", OutputsFor(Image)[0], "returned slice must be a copy")
}

func TestAllows(t *testing.T) {
	assert.True(t, Allows(Document, "PDF"))
	assert.True(t, Allows(Archive, "extract"))
	assert.False(t, Allows(Audio, "extract"))
	assert.False(t, Allows(Unsupported, "png"))
}

func TestEveryCategoryHasOutputs(t *testing.T) {
	for _, c := range All {
		assert.NotEmpty(t, OutputsFor(c), c.String())
		assert.NotEmpty(t, extensions[c], c.String())
	}
}

func TestString(t *testing.T) {
	assert.Equal(t, "MODEL_3D", Model3D.String())
	assert.Equal(t, "UNSUPPORTED", Category(42).String())
}
