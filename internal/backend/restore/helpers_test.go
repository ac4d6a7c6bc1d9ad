package restore

import (
	"archive/tar"
	"compress/gzip"
	"os"
)

func writeLegacy(path string) error {
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	defer f.Close()

	gz := gzip.NewWriter(f)
	tw := tar.NewWriter(gz)
	body := []byte("legacy dump")
	if err := tw.WriteHeader(&tar.Header{Typeflag: tar.TypeReg, Name: "astdb.dump", Mode: 0o644, Size: int64(len(body))}); err != nil {
		return err
	}
	if _, err := tw.Write(body); err != nil {
		return err
	}
	if err := tw.Close(); err != nil {
		return err
	}
	return gz.Close()
}
