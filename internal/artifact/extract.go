package artifact

import (
	"archive/tar"
	"archive/zip"
	"bufio"
	"compress/bzip2"
	"compress/gzip"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/ulikunitz/xz"

	"silexa/agents/stackagent/internal/model"
)

var (
	gzipMagic  = []byte{0x1f, 0x8b}
	bzip2Magic = []byte("BZh")
	xzMagic    = []byte{0xfd, '7', 'z', 'X', 'Z', 0x00}
	zipMagic   = []byte("PK\x03\x04")
)

// ExtractArchive detects the archive's compression/container format from its
// content and extracts it into dest. Every member's resolved path must land
// strictly inside dest; offending members (including symlink/hardlink
// targets that escape dest) fail the whole extraction.
func ExtractArchive(archivePath, dest string) error {
	f, err := os.Open(archivePath) // #nosec G304 -- archivePath is the fetcher's own .part-verified download.
	if err != nil {
		return model.Wrap(model.KindUnsupportedArchive, "open", err)
	}
	defer f.Close()

	br := bufio.NewReaderSize(f, 512)
	sniff, err := br.Peek(6)
	if err != nil && err != io.EOF {
		return model.Wrap(model.KindUnsupportedArchive, "sniff", err)
	}

	if err := os.MkdirAll(dest, 0o755); err != nil {
		return model.Wrap(model.KindUnsupportedArchive, "mkdir", err)
	}

	var tr *tar.Reader
	switch {
	case hasPrefix(sniff, zipMagic):
		if err := extractZip(archivePath, dest); err != nil {
			return err
		}
		return checkNonEmpty(dest)
	case hasPrefix(sniff, gzipMagic):
		gz, err := gzip.NewReader(br)
		if err != nil {
			return model.Wrap(model.KindUnsupportedArchive, "gzip", err)
		}
		defer gz.Close()
		tr = tar.NewReader(gz)
	case hasPrefix(sniff, bzip2Magic):
		tr = tar.NewReader(bzip2.NewReader(br))
	case hasPrefix(sniff, xzMagic):
		xr, err := xz.NewReader(br)
		if err != nil {
			return model.Wrap(model.KindUnsupportedArchive, "xz", err)
		}
		tr = tar.NewReader(xr)
	default:
		return model.Wrap(model.KindUnsupportedArchive, "sniff", fmt.Errorf("unrecognized archive format"))
	}

	if err := extractTar(tr, dest); err != nil {
		return err
	}
	return checkNonEmpty(dest)
}

func hasPrefix(data, magic []byte) bool {
	return len(data) >= len(magic) && string(data[:len(magic)]) == string(magic)
}

// resolveSafe joins dest and member, then verifies the result is still
// strictly inside dest (the "commonpath" check from §4.1). A member
// containing ".." that would resolve outside dest fails outright rather than
// being silently re-rooted.
func resolveSafe(dest, member string) (string, error) {
	joined := filepath.Join(dest, member)
	rel, err := filepath.Rel(dest, joined)
	if err != nil || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return "", model.Wrap(model.KindUnsafeArchive, "path_check", fmt.Errorf("member %q escapes destination", member))
	}
	return joined, nil
}

func extractTar(tr *tar.Reader, dest string) error {
	for {
		hdr, err := tr.Next()
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return model.Wrap(model.KindUnsupportedArchive, "tar_read", err)
		}
		outPath, err := resolveSafe(dest, hdr.Name)
		if err != nil {
			return err
		}
		switch hdr.Typeflag {
		case tar.TypeDir:
			if err := os.MkdirAll(outPath, 0o755); err != nil {
				return model.Wrap(model.KindUnsafeArchive, "mkdir", err)
			}
		case tar.TypeReg:
			if err := os.MkdirAll(filepath.Dir(outPath), 0o755); err != nil {
				return model.Wrap(model.KindUnsafeArchive, "mkdir", err)
			}
			if err := writeTarFile(tr, outPath, hdr.FileInfo().Mode()); err != nil {
				return err
			}
		case tar.TypeSymlink, tar.TypeLink:
			if _, err := resolveSafe(dest, hdr.Linkname); err != nil || filepath.IsAbs(hdr.Linkname) {
				return model.Wrap(model.KindUnsafeArchive, "link_target", fmt.Errorf("member %q link target %q escapes destination", hdr.Name, hdr.Linkname))
			}
			if err := os.MkdirAll(filepath.Dir(outPath), 0o755); err != nil {
				return model.Wrap(model.KindUnsafeArchive, "mkdir", err)
			}
			_ = os.Remove(outPath)
			if err := os.Symlink(hdr.Linkname, outPath); err != nil {
				return model.Wrap(model.KindUnsafeArchive, "symlink", err)
			}
		default:
			// directories-of-devices/fifos etc are not part of a release payload; ignore.
		}
	}
}

func writeTarFile(r io.Reader, outPath string, mode os.FileMode) error {
	tmp := outPath + ".extracting"
	w, err := os.OpenFile(tmp, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, mode.Perm()|0o200)
	if err != nil {
		return model.Wrap(model.KindUnsafeArchive, "open", err)
	}
	if _, err := io.Copy(w, r); err != nil {
		_ = w.Close()
		_ = os.Remove(tmp)
		return model.Wrap(model.KindUnsafeArchive, "write", err)
	}
	if err := w.Close(); err != nil {
		_ = os.Remove(tmp)
		return model.Wrap(model.KindUnsafeArchive, "close", err)
	}
	if err := os.Rename(tmp, outPath); err != nil {
		_ = os.Remove(tmp)
		return model.Wrap(model.KindUnsafeArchive, "rename", err)
	}
	return nil
}

func extractZip(archivePath, dest string) error {
	zr, err := zip.OpenReader(archivePath)
	if err != nil {
		return model.Wrap(model.KindUnsupportedArchive, "zip_open", err)
	}
	defer zr.Close()
	for _, member := range zr.File {
		outPath, err := resolveSafe(dest, member.Name)
		if err != nil {
			return err
		}
		if member.FileInfo().IsDir() {
			if err := os.MkdirAll(outPath, 0o755); err != nil {
				return model.Wrap(model.KindUnsafeArchive, "mkdir", err)
			}
			continue
		}
		if err := os.MkdirAll(filepath.Dir(outPath), 0o755); err != nil {
			return model.Wrap(model.KindUnsafeArchive, "mkdir", err)
		}
		rc, err := member.Open()
		if err != nil {
			return model.Wrap(model.KindUnsafeArchive, "zip_entry_open", err)
		}
		err = writeTarFile(rc, outPath, member.Mode())
		_ = rc.Close()
		if err != nil {
			return err
		}
	}
	return nil
}

func checkNonEmpty(dest string) error {
	entries, err := os.ReadDir(dest)
	if err != nil {
		return model.Wrap(model.KindEmptyArchive, "check", err)
	}
	if len(entries) == 0 {
		return model.Wrap(model.KindEmptyArchive, "check", fmt.Errorf("extraction produced no files under %s", dest))
	}
	return nil
}
