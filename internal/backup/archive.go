package backup

import (
	"archive/tar"
	"compress/gzip"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path"
	"path/filepath"
	"strings"
	"time"
)

// maxArchiveMember bounds a single extracted file.
const maxArchiveMember = 256 << 20

// Export writes every backup into a gzip-compressed tar at outputPath and
// returns how many were included.
func (m *Manager) Export(outputPath string) (int, error) {
	file, err := os.Create(outputPath)
	if err != nil {
		return 0, fmt.Errorf("creating archive: %w", err)
	}
	defer file.Close()

	gzw := gzip.NewWriter(file)
	tw := tar.NewWriter(gzw)

	count := 0
	for _, e := range m.List("") {
		meta, err := json.MarshalIndent(e, "", "  ")
		if err != nil {
			return count, fmt.Errorf("marshal %s: %w", e.ID, err)
		}
		if err := addToTar(tw, path.Join(e.ID, metaFile), meta, e.Timestamp); err != nil {
			return count, err
		}
		payload, err := os.ReadFile(e.BackupPath)
		if err != nil {
			m.log.Warn("export_skip", map[string]any{"id": e.ID}, err)
			continue
		}
		if err := addToTar(tw, path.Join(e.ID, filepath.Base(e.BackupPath)), payload, e.Timestamp); err != nil {
			return count, err
		}
		count++
	}

	if err := tw.Close(); err != nil {
		return count, fmt.Errorf("closing tar: %w", err)
	}
	if err := gzw.Close(); err != nil {
		return count, fmt.Errorf("closing gzip: %w", err)
	}
	return count, nil
}

// Import restores backups from an archive written by Export. Ids that
// already exist are left alone. Returns the number of backups imported.
func (m *Manager) Import(inputPath string) (int, error) {
	file, err := os.Open(inputPath)
	if err != nil {
		return 0, fmt.Errorf("opening archive: %w", err)
	}
	defer file.Close()

	gzr, err := gzip.NewReader(file)
	if err != nil {
		return 0, fmt.Errorf("reading gzip: %w", err)
	}
	defer gzr.Close()

	metas := make(map[string][]byte)
	payloads := make(map[string]struct {
		name string
		data []byte
	})

	tr := tar.NewReader(gzr)
	for {
		hdr, err := tr.Next()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return 0, fmt.Errorf("reading tar: %w", err)
		}
		if hdr.Typeflag != tar.TypeReg {
			continue
		}
		id, name, ok := splitMember(hdr.Name)
		if !ok {
			return 0, fmt.Errorf("unsafe archive member %q", hdr.Name)
		}
		data, err := io.ReadAll(io.LimitReader(tr, maxArchiveMember))
		if err != nil {
			return 0, fmt.Errorf("reading %s: %w", hdr.Name, err)
		}
		if name == metaFile {
			metas[id] = data
		} else {
			payloads[id] = struct {
				name string
				data []byte
			}{name, data}
		}
	}

	imported := 0
	for id, raw := range metas {
		p, ok := payloads[id]
		if !ok {
			continue
		}
		if _, err := os.Stat(filepath.Join(m.dir, id)); err == nil {
			continue
		}
		var e Entry
		if err := json.Unmarshal(raw, &e); err != nil || e.ID != id {
			continue
		}
		e.BackupPath = filepath.Join(m.dir, id, p.name)

		if err := os.MkdirAll(filepath.Join(m.dir, id), 0o755); err != nil {
			return imported, fmt.Errorf("create backup dir: %w", err)
		}
		if err := os.WriteFile(e.BackupPath, p.data, 0o600); err != nil {
			return imported, fmt.Errorf("write payload: %w", err)
		}
		meta, _ := json.MarshalIndent(e, "", "  ")
		if err := os.WriteFile(filepath.Join(m.dir, id, metaFile), meta, 0o600); err != nil {
			return imported, fmt.Errorf("write meta: %w", err)
		}
		imported++
	}
	return imported, nil
}

// splitMember accepts only "<id>/<file>" names without traversal.
func splitMember(name string) (id, file string, ok bool) {
	clean := path.Clean(name)
	if clean != name || path.IsAbs(clean) || strings.HasPrefix(clean, "..") {
		return "", "", false
	}
	parts := strings.Split(clean, "/")
	if len(parts) != 2 || parts[0] == "" || parts[1] == "" || parts[0] == ".." || parts[1] == ".." {
		return "", "", false
	}
	return parts[0], parts[1], true
}

func addToTar(tw *tar.Writer, name string, data []byte, mod time.Time) error {
	hdr := &tar.Header{
		Name:    name,
		Mode:    0o600,
		Size:    int64(len(data)),
		ModTime: mod,
	}
	if err := tw.WriteHeader(hdr); err != nil {
		return fmt.Errorf("writing header %s: %w", name, err)
	}
	if _, err := tw.Write(data); err != nil {
		return fmt.Errorf("writing %s: %w", name, err)
	}
	return nil
}
