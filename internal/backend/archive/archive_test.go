package archive

import (
	"archive/tar"
	"bytes"
	"compress/gzip"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type entry struct {
	name string
	dir  bool
	body string
}

func writeTar(t *testing.T, path string, compress bool, entries []entry) {
	t.Helper()

	var buf bytes.Buffer
	var tw *tar.Writer
	var gz *gzip.Writer
	if compress {
		gz = gzip.NewWriter(&buf)
		tw = tar.NewWriter(gz)
	} else {
		tw = tar.NewWriter(&buf)
	}

	for _, e := range entries {
		if e.dir {
			require.NoError(t, tw.WriteHeader(&tar.Header{Typeflag: tar.TypeDir, Name: e.name, Mode: 0o755}))
			continue
		}
		require.NoError(t, tw.WriteHeader(&tar.Header{Typeflag: tar.TypeReg, Name: e.name, Mode: 0o644, Size: int64(len(e.body))}))
		_, err := tw.Write([]byte(e.body))
		require.NoError(t, err)
	}
	require.NoError(t, tw.Close())
	if gz != nil {
		require.NoError(t, gz.Close())
	}
	require.NoError(t, os.WriteFile(path, buf.Bytes(), 0o644))
}

type checker map[string]bool

func (c checker) Has(module string) bool { return c[module] }

func TestClassify(t *testing.T) {
	dir := t.TempDir()

	cases := []struct {
		name     string
		compress bool
		entries  []entry
		want     Kind
	}{
		{
			name:     "current gzip",
			compress: true,
			entries:  []entry{{name: "modulejson/", dir: true}, {name: "modulejson/manifest.json", body: "{}"}},
			want:     KindCurrent,
		},
		{
			name:    "current plain tar with dot prefix",
			entries: []entry{{name: "./modulejson/", dir: true}},
			want:    KindCurrent,
		},
		{
			name:     "legacy",
			compress: true,
			entries:  []entry{{name: "astdb.dump", body: "data"}, {name: "etc/asterisk/", dir: true}},
			want:     KindLegacy,
		},
		{
			name:    "nested modulejson is not top level",
			entries: []entry{{name: "files/modulejson/", dir: true}},
			want:    KindLegacy,
		},
		{
			name:    "modulejson as a file",
			entries: []entry{{name: "modulejson", body: "x"}},
			want:    KindLegacy,
		},
	}

	for i, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			// Names without .gz suffix prove detection is by content.
			path := filepath.Join(dir, "archive"+string(rune('a'+i)))
			writeTar(t, path, c.compress, c.entries)

			kind, err := Classify(path)
			require.NoError(t, err)
			assert.Equal(t, c.want, kind)
		})
	}
}

func TestClassifyNotArchive(t *testing.T) {
	path := filepath.Join(t.TempDir(), "notes.txt")
	require.NoError(t, os.WriteFile(path, []byte("definitely not a tarball"), 0o644))

	_, err := Classify(path)
	assert.ErrorIs(t, err, ErrNotArchive)

	_, err = Classify(filepath.Join(t.TempDir(), "missing.tgz"))
	assert.Error(t, err)
}

func TestExtractManifest(t *testing.T) {
	dir := t.TempDir()

	good := filepath.Join(dir, "good.tar.gz")
	writeTar(t, good, true, []entry{
		{name: "modulejson/", dir: true},
		{name: "modulejson/manifest.json", body: `{"date":1700000000,"name":"nightly","description":"all modules","modules":[{"module":"core","version":"16.0.1"},{"module":"voicemail","version":"16.0.3"}]}`},
	})

	m, err := ExtractManifest(good)
	require.NoError(t, err)
	assert.Equal(t, KindCurrent, m.Kind)
	assert.Equal(t, "nightly", m.Name)
	assert.Equal(t, int64(1700000000), m.Timestamp().Unix())
	assert.Equal(t, []ModuleEntry{{Module: "core", Version: "16.0.1"}, {Module: "voicemail", Version: "16.0.3"}}, m.Modules)

	statuses := ModulesFromManifest(m, checker{"core": true})
	assert.Equal(t, []ModuleStatus{
		{ModuleName: "core", Version: "16.0.1", Installed: StatusEnabled},
		{ModuleName: "voicemail", Version: "16.0.3", Installed: StatusDisabled},
	}, statuses)

	unavailable := map[string][]entry{
		"legacy.tar.gz":    {{name: "astdb.dump", body: "x"}},
		"malformed.tar.gz": {{name: "modulejson/", dir: true}, {name: "modulejson/manifest.json", body: `{"modules": [`}},
		"nomanifest.tgz":   {{name: "modulejson/", dir: true}},
		"null.tar.gz":      {{name: "modulejson/", dir: true}, {name: "modulejson/manifest.json", body: "null"}},
		"empty.tar.gz":     {{name: "modulejson/", dir: true}, {name: "modulejson/manifest.json", body: "{}"}},
		"nomodules.tar.gz": {{name: "modulejson/", dir: true}, {name: "modulejson/manifest.json", body: `{"date":1700000000,"name":"nightly"}`}},
		"nodate.tar.gz":    {{name: "modulejson/", dir: true}, {name: "modulejson/manifest.json", body: `{"name":"nightly","modules":[]}`}},

		// A manifest file without the modulejson directory entry is still legacy.
		"nodirentry.tar.gz": {{name: "modulejson/manifest.json", body: `{"date":1700000000,"name":"nightly","modules":[]}`}},
	}
	for name, entries := range unavailable {
		t.Run(name, func(t *testing.T) {
			path := filepath.Join(dir, name)
			writeTar(t, path, true, entries)

			m, err := ExtractManifest(path)
			assert.ErrorIs(t, err, ErrManifestUnavailable)
			assert.Nil(t, m)
		})
	}
}

func TestInspectFallsBackToLegacy(t *testing.T) {
	path := filepath.Join(t.TempDir(), "broken.tar.gz")
	writeTar(t, path, true, []entry{
		{name: "modulejson/", dir: true},
		{name: "modulejson/manifest.json", body: "not json"},
	})

	info, err := Inspect(path, nil)
	require.NoError(t, err)
	assert.Equal(t, KindLegacy, info.Kind)
	assert.Nil(t, info.Manifest)
	assert.Empty(t, info.Modules)
}

func TestWriterRoundTrip(t *testing.T) {
	dir := t.TempDir()
	src := filepath.Join(dir, "extensions.conf")
	require.NoError(t, os.WriteFile(src, []byte("[from-internal]\n"), 0o640))

	path := filepath.Join(dir, "out", "20240101-tx.tar.gz")
	w, err := Create(path)
	require.NoError(t, err)
	require.NoError(t, w.AddBytes("core", "settings.json", []byte(`{"a":1}`)))
	require.NoError(t, w.AddFile("files", "etc/asterisk/extensions.conf", src))
	assert.NoFileExists(t, path)

	require.NoError(t, w.Close(Manifest{
		Name:    "weekly",
		Modules: []ModuleEntry{{Module: "core", Version: "1.0"}, {Module: "files", Version: "1.0"}},
	}))
	assert.NoFileExists(t, path+".partial")

	info, err := Inspect(path, checker{"files": true})
	require.NoError(t, err)
	assert.Equal(t, KindCurrent, info.Kind)
	assert.Equal(t, "weekly", info.Manifest.Name)
	assert.NotZero(t, info.Manifest.Date)
	assert.Equal(t, StatusDisabled, info.Modules[0].Installed)
	assert.Equal(t, StatusEnabled, info.Modules[1].Installed)

	dest := filepath.Join(dir, "restore")
	require.NoError(t, os.Mkdir(dest, 0o755))
	require.NoError(t, ExtractModules(path, dest))

	content, err := os.ReadFile(filepath.Join(dest, "core", "settings.json"))
	require.NoError(t, err)
	assert.Equal(t, `{"a":1}`, string(content))

	content, err = os.ReadFile(filepath.Join(dest, "files", "etc", "asterisk", "extensions.conf"))
	require.NoError(t, err)
	assert.Equal(t, "[from-internal]\n", string(content))
}

func TestWriterAbort(t *testing.T) {
	path := filepath.Join(t.TempDir(), "aborted.tar.gz")
	w, err := Create(path)
	require.NoError(t, err)
	require.NoError(t, w.AddBytes("core", "x", []byte("y")))
	w.Abort()

	assert.NoFileExists(t, path)
	assert.NoFileExists(t, path+".partial")
}

func TestExtractModulesRejectsTraversal(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "evil.tar")
	writeTar(t, path, false, []entry{
		{name: "modulejson/", dir: true},
		{name: "modules/../../escape", body: "x"},
		{name: "modules/core/../../../escape", body: "x"},
	})

	dest := filepath.Join(dir, "dest")
	require.NoError(t, os.Mkdir(dest, 0o755))
	require.NoError(t, ExtractModules(path, dest))

	assert.NoFileExists(t, filepath.Join(dir, "escape"))
}
